// Package xmltv provides the XMLTV guide model, a tolerant parser, and an
// upstream client for fetching published guide documents.
package xmltv

// Channel is a single TV channel from an XMLTV document.
type Channel struct {
	// ID is the XMLTV channel id attribute.
	ID string `json:"id"`

	// Name is the display name. Falls back to ID when the document has no
	// display-name element.
	Name string `json:"name"`

	// Logo is the channel icon URL, empty when absent.
	Logo string `json:"logo,omitempty"`
}

// Programme is a single scheduled programme on a channel.
type Programme struct {
	Title string `json:"title"`
	Desc  string `json:"desc"`
	Start string `json:"start"`
	Stop  string `json:"stop"`
}

// Guide is a parsed XMLTV document.
type Guide struct {
	// Channels indexes channels by XMLTV id.
	Channels map[string]*Channel

	// Programmes holds each channel's schedule in document order.
	Programmes map[string][]Programme

	// ChannelOrder preserves first-appearance order for stable catalog output.
	ChannelOrder []string
}

// ChannelCount returns the number of channels in the guide.
func (g *Guide) ChannelCount() int {
	return len(g.Channels)
}

// ProgrammeCount returns the total number of programmes across all channels.
func (g *Guide) ProgrammeCount() int {
	var n int
	for _, progs := range g.Programmes {
		n += len(progs)
	}
	return n
}

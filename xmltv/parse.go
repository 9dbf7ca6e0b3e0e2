package xmltv

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
)

// ErrEmptyDocument is returned when parsing yields no channels at all.
var ErrEmptyDocument = errors.New("xmltv document contains no channels")

// xmlChannel mirrors the XMLTV channel element.
type xmlChannel struct {
	ID          string `xml:"id,attr"`
	DisplayName string `xml:"display-name"`
	Icon        struct {
		Src string `xml:"src,attr"`
	} `xml:"icon"`
}

// xmlProgramme mirrors the XMLTV programme element.
type xmlProgramme struct {
	Channel string `xml:"channel,attr"`
	Start   string `xml:"start,attr"`
	Stop    string `xml:"stop,attr"`
	Title   string `xml:"title"`
	Desc    string `xml:"desc"`
}

// Parse decodes an XMLTV document from r.
//
// The parser is deliberately tolerant, matching what published guides
// actually look like: channels without an id and programmes without a
// channel attribute are skipped, unknown elements are ignored, and a decode
// error after at least one channel was read returns the partial guide. Only
// a document that yields zero channels fails.
func Parse(r io.Reader) (*Guide, error) {
	guide := &Guide{
		Channels:   make(map[string]*Channel),
		Programmes: make(map[string][]Programme),
	}

	dec := xml.NewDecoder(r)
	dec.Strict = false

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Truncated or malformed tail. Keep whatever was decoded.
			if len(guide.Channels) > 0 {
				break
			}
			return nil, fmt.Errorf("decoding xmltv: %w", err)
		}

		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		switch start.Name.Local {
		case "channel":
			var ch xmlChannel
			if err := dec.DecodeElement(&ch, &start); err != nil {
				continue
			}
			if ch.ID == "" {
				continue
			}
			name := ch.DisplayName
			if name == "" {
				name = ch.ID
			}
			if _, exists := guide.Channels[ch.ID]; !exists {
				guide.ChannelOrder = append(guide.ChannelOrder, ch.ID)
			}
			guide.Channels[ch.ID] = &Channel{
				ID:   ch.ID,
				Name: name,
				Logo: ch.Icon.Src,
			}

		case "programme":
			var p xmlProgramme
			if err := dec.DecodeElement(&p, &start); err != nil {
				continue
			}
			if p.Channel == "" {
				continue
			}
			guide.Programmes[p.Channel] = append(guide.Programmes[p.Channel], Programme{
				Title: p.Title,
				Desc:  p.Desc,
				Start: p.Start,
				Stop:  p.Stop,
			})
		}
	}

	if len(guide.Channels) == 0 {
		return nil, ErrEmptyDocument
	}

	return guide, nil
}

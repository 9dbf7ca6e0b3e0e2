package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/wolfeidau/guide-cache/refresh"
	"github.com/wolfeidau/guide-cache/telemetry"
	"github.com/wolfeidau/guide-cache/xmltv"
)

// defaultPoster is served for channels without a logo in the guide. The
// asset itself lives on the add-on's static host.
const defaultPoster = "/logo.png"

// refreshResponse is the body returned by a successful POST /refresh.
type refreshResponse struct {
	Status      string    `json:"status"`
	Version     uint64    `json:"version"`
	Channels    int       `json:"channels"`
	Programmes  int       `json:"programmes"`
	RefreshedAt time.Time `json:"refreshed_at"`
}

// channelMeta is a catalog entry in the add-on meta format.
type channelMeta struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Title       string `json:"title"`
	Poster      string `json:"poster"`
	Description string `json:"description"`
}

// catalogResponse is the body returned by GET /catalog/channels.
type catalogResponse struct {
	Metas []channelMeta `json:"metas"`
}

// metaResponse is the body returned by GET /meta/{id}.
type metaResponse struct {
	ID          string            `json:"id"`
	Type        string            `json:"type"`
	Title       string            `json:"title"`
	Poster      string            `json:"poster"`
	Programming []xmltv.Programme `json:"programming"`
}

// healthResponse is the body returned by GET /health. Always 200; zero
// values signal that the guide has not been loaded yet.
type healthResponse struct {
	Status     string `json:"status"`
	Channels   int    `json:"channels"`
	Version    uint64 `json:"version"`
	LastUpdate int64  `json:"last_update"`
}

// handleRefresh triggers a refresh and waits for it to complete. A trigger
// that lands while another refresh is running is answered immediately with
// 409; it is never queued behind the running one.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "refresh")

	art, err := s.coordinator.TriggerRefresh(r.Context())
	if err != nil {
		if errors.Is(err, refresh.ErrRefreshInProgress) {
			telemetry.SetResult(r, telemetry.ResultCoalesced)
			writeJSON(w, http.StatusConflict, map[string]string{
				"status": "refresh_in_progress",
			})
			return
		}

		telemetry.SetResult(r, telemetry.ResultError)
		writeError(w, http.StatusBadGateway, "refresh failed: "+err.Error())
		return
	}

	telemetry.SetResult(r, telemetry.ResultRefreshed)
	writeJSON(w, http.StatusOK, refreshResponse{
		Status:      "refreshed",
		Version:     art.Version,
		Channels:    art.Guide.ChannelCount(),
		Programmes:  art.Guide.ProgrammeCount(),
		RefreshedAt: art.RefreshedAt,
	})
}

// handleCatalog lists all channels as catalog metas in document order.
func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "catalog")

	art, ok := s.artifactOr503(w, r)
	if !ok {
		return
	}

	metas := make([]channelMeta, 0, len(art.Guide.ChannelOrder))
	for _, id := range art.Guide.ChannelOrder {
		ch, ok := art.Guide.Channels[id]
		if !ok {
			continue
		}
		metas = append(metas, channelMeta{
			ID:     ch.ID,
			Type:   "tv",
			Title:  ch.Name,
			Poster: posterFor(ch),
		})
	}

	telemetry.SetResult(r, telemetry.ResultServed)
	writeJSON(w, http.StatusOK, catalogResponse{Metas: metas})
}

// handleMeta returns a channel and its schedule, capped at MaxProgrammes.
func (s *Server) handleMeta(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "meta")

	art, ok := s.artifactOr503(w, r)
	if !ok {
		return
	}

	id := r.PathValue("id")
	channel, ok := art.Guide.Channels[id]
	if !ok {
		telemetry.SetResult(r, telemetry.ResultNotFound)
		writeError(w, http.StatusNotFound, "unknown channel: "+id)
		return
	}

	programmes := art.Guide.Programmes[id]
	if len(programmes) > s.config.MaxProgrammes {
		programmes = programmes[:s.config.MaxProgrammes]
	}
	if programmes == nil {
		programmes = []xmltv.Programme{}
	}

	telemetry.SetResult(r, telemetry.ResultServed)
	writeJSON(w, http.StatusOK, metaResponse{
		ID:          channel.ID,
		Type:        "tv",
		Title:       channel.Name,
		Poster:      posterFor(channel),
		Programming: programmes,
	})
}

// handleGuideXML serves the raw XMLTV document with ETag revalidation keyed
// on the artifact hash.
func (s *Server) handleGuideXML(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "guide_xml")

	art, ok := s.artifactOr503(w, r)
	if !ok {
		return
	}

	etag := `"` + art.Hash.String() + `"`
	if match := r.Header.Get("If-None-Match"); match != "" && etagMatches(match, etag) {
		telemetry.SetResult(r, telemetry.ResultServed)
		w.Header().Set("ETag", etag)
		w.WriteHeader(http.StatusNotModified)
		return
	}

	telemetry.SetResult(r, telemetry.ResultServed)
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.Header().Set("ETag", etag)
	w.Header().Set("Last-Modified", art.RefreshedAt.UTC().Format(http.TimeFormat))
	_, _ = w.Write(art.Raw)
}

// handleHealth handles health check requests. Liveness, not readiness:
// always 200, with zero values while the guide is unset.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "health")
	telemetry.SetResult(r, telemetry.ResultServed)

	resp := healthResponse{Status: "ok"}
	if art, err := s.coordinator.Artifact(); err == nil {
		resp.Channels = art.Guide.ChannelCount()
		resp.Version = art.Version
		resp.LastUpdate = art.RefreshedAt.Unix()
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleStats reports coordinator state and, when enabled, the stored
// snapshot record.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "stats")
	telemetry.SetResult(r, telemetry.ResultServed)

	body := struct {
		refresh.Stats
		BackgroundRefresh bool `json:"background_refresh"`
		Snapshot          any  `json:"snapshot,omitempty"`
	}{
		Stats:             s.coordinator.Stats(),
		BackgroundRefresh: s.config.BackgroundRefresh,
	}

	if s.snapshots != nil {
		if rec, err := s.snapshots.Current(r.Context()); err == nil {
			body.Snapshot = rec
		}
	}

	writeJSON(w, http.StatusOK, body)
}

// artifactOr503 returns the current artifact, or writes the 503 "not yet
// available" response and returns false when the guide is unset.
func (s *Server) artifactOr503(w http.ResponseWriter, r *http.Request) (*refresh.Artifact, bool) {
	art, err := s.coordinator.Artifact()
	if err != nil {
		telemetry.SetResult(r, telemetry.ResultUnset)
		writeError(w, http.StatusServiceUnavailable, "guide not yet available, trigger POST /refresh")
		return nil, false
	}
	return art, true
}

func posterFor(ch *xmltv.Channel) string {
	if ch.Logo != "" {
		return ch.Logo
	}
	return defaultPoster
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// etagMatches reports whether the If-None-Match header value matches the
// given entity tag. Handles "*" and comma-separated lists.
func etagMatches(header, etag string) bool {
	if header == "*" {
		return true
	}
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		candidate = strings.TrimPrefix(candidate, "W/")
		if candidate == etag {
			return true
		}
	}
	return false
}

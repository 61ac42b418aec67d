package handlers

import (
	"net/http"

	"github.com/kozaktomas/checkpoint/internal/geo"
)

// LocationSource reports the tracked location.
type LocationSource interface {
	Latest() *geo.Sample
	Unavailable() (string, bool)
	Subscribe() (<-chan geo.Event, func())
}

// LocationHandler handles the location endpoint.
type LocationHandler struct {
	source LocationSource
}

// NewLocationHandler creates a location handler.
func NewLocationHandler(source LocationSource) *LocationHandler {
	return &LocationHandler{source: source}
}

// Get returns the latest sample, or 204 when there is none.
func (h *LocationHandler) Get(w http.ResponseWriter, r *http.Request) {
	if h.source != nil {
		if sample := h.source.Latest(); sample != nil {
			respondJSON(w, http.StatusOK, sample)
			return
		}
		if reason, ok := h.source.Unavailable(); ok {
			w.Header().Set("X-Location-Unavailable", reason)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// Events streams location samples until tracking ends or the client
// disconnects. The latest known sample is sent first.
func (h *LocationHandler) Events(w http.ResponseWriter, r *http.Request) {
	if h.source == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	events, unsubscribe := h.source.Subscribe()
	defer unsubscribe()

	flusher, ok := setupSSEConnection(w)
	if !ok {
		return
	}

	if sample := h.source.Latest(); sample != nil {
		sendSSEEvent(w, flusher, string(geo.EventSample), geo.Event{Kind: geo.EventSample, Sample: sample})
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			sendSSEEvent(w, flusher, string(event.Kind), event)
		}
	}
}

package kernel

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/hbastos/ollamad/internal/core/domain"
)

// handlePullEvents streams job events over SSE. The subscription lives
// until the client disconnects or the job reaches a terminal state, at
// which point the topic is closed and the stream ends.
// GET /v1/pulls/{id}/events
func (s *Server) handlePullEvents(w http.ResponseWriter, r *http.Request) {
	// Extract pull ID from path: /v1/pulls/{id}/events
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	var pullID string
	if len(parts) >= 3 {
		pullID = parts[2]
	}
	if pullID == "" {
		http.Error(w, "missing pull id", http.StatusBadRequest)
		return
	}

	// Subscribe before the existence check so no event published in
	// between is lost.
	ch, unsub := s.eventBus.Subscribe(domain.PullID(pullID))
	defer unsub()

	snap, err := s.manager.Get(domain.PullID(pullID))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// Current snapshot first, so late subscribers see where the job is.
	s.writeEvent(w, "state", snap)
	flusher.Flush()

	if snap.Terminal() {
		return
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			s.writeEvent(w, string(evt.Type), evt.Snapshot)
			flusher.Flush()
		}
	}
}

func (s *Server) writeEvent(w http.ResponseWriter, eventType string, snap domain.PullSnapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		s.logger.Error("encode pull event", "pull_id", snap.ID, "error", err)
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, data)
}

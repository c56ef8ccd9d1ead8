// ABOUTME: Server-Sent Events stream of gateway events
// ABOUTME: Starts with a status snapshot and sends comment keepalives between events

package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/2389/concierge-gateway/internal/events"
)

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeResult(w, invalid("streaming not supported"))
		return
	}

	sub := s.events.Subscribe(r.Context())
	defer sub.Close()

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(s.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, open := <-sub.C():
			if !open {
				if sub.Evicted() {
					s.writeSSEEvent(w, "error", map[string]string{"error": "subscriber evicted"})
					flusher.Flush()
				}
				return
			}
			s.writeEvent(w, evt)
			flusher.Flush()
		case <-ticker.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

// writeEvent writes a gateway event with its sequence number as the SSE id.
func (s *Server) writeEvent(w http.ResponseWriter, evt events.Event) {
	fmt.Fprintf(w, "id: %d\n", evt.Seq)
	s.writeSSEEvent(w, string(evt.Type), evt)
}

// writeSSEEvent writes a single SSE event to the response writer.
func (s *Server) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		s.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

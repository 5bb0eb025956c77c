package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/graememel-kap/pageindex-web/internal/events"
)

// PingInterval is how often keep-alive comments are sent on each open stream.
const PingInterval = 10 * time.Second

// streamEvents writes the subscriber's queue to the client as Server-Sent
// Events until the client disconnects. Each frame carries the event name and
// a JSON data payload; a comment ping is written every PingInterval whether
// or not events were sent.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request, sub *events.Subscriber) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, http.StatusInternalServerError, "Streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ping := time.NewTicker(PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case event := <-sub.C():
			data, err := json.Marshal(event.Data)
			if err != nil {
				s.logger.Warn().Str("event", event.Name).Err(err).Msg("Failed to marshal SSE payload")
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Name, data)
			flusher.Flush()

		case <-ping.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

package rest

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// keepaliveInterval is how often an SSE comment line is written so proxies
// and load balancers keep the idle connection open.
const keepaliveInterval = 15 * time.Second

// handleStream responds to GET /events/stream with a long-lived
// server-sent-events connection. Each frame names the event type in the
// "event:" field and carries the JSON-encoded event in "data:". There is no
// replay: the stream starts from connection time.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sub := s.streamer.Subscribe(r.Context())
	defer sub.Cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s.logger.Info("stream: subscriber connected",
		slog.String("subscription_id", sub.ID()),
		slog.String("remote_addr", r.RemoteAddr),
	)
	defer s.logger.Info("stream: subscriber disconnected",
		slog.String("subscription_id", sub.ID()),
	)

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()

		case msg, ok := <-sub.Events():
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.EventType, msg.Data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

package server

import (
	"fmt"
	"net/http"

	"hub-api/internal/eventlog"
)

// handleEvents tails the event log file as server-sent events, starting at its
// current end.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		unavailable(w, "event log")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering

	keepalive := func() error {
		if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}
	if err := keepalive(); err != nil {
		return
	}

	err := eventlog.Follow(r.Context(), s.deps.Events.Path(), eventlog.FollowOptions{
		Poll: s.deps.EventsPoll,
		Idle: s.deps.EventsIdle,
		OnLine: func(line string) error {
			if _, err := fmt.Fprintf(w, "data: %s\n\n", line); err != nil {
				return err
			}
			flusher.Flush()
			return nil
		},
		OnIdle: keepalive,
	})
	if err != nil {
		s.logger.Debug("event stream ended", "error", err)
	}
}

package web

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/davidgeorgehope/livelabs.cc/internal/auth"
	"github.com/davidgeorgehope/livelabs.cc/internal/events"
)

// apiSSE streams orchestrator events to the learner UI. Enrollment-scoped
// events reach their owner (and admins); unowned events such as image pulls
// reach everyone.
func (s *Server) apiSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering

	ch, cancel := s.deps.Bus.Subscribe()
	defer cancel()

	fmt.Fprint(w, "event: connected\ndata: {}\n\n")
	flusher.Flush()

	ident := auth.GetIdentity(r.Context())
	for {
		select {
		case evt, open := <-ch:
			if !open {
				return
			}
			if !eventVisible(ident, evt) {
				continue
			}
			data, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, data)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func eventVisible(ident *auth.Identity, evt events.Event) bool {
	if evt.UserID == "" {
		return true
	}
	return ident != nil && (evt.UserID == ident.UserID || ident.IsAdmin)
}

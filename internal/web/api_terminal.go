package web

import (
	"net/http"

	"github.com/davidgeorgehope/livelabs.cc/internal/auth"
	"github.com/davidgeorgehope/livelabs.cc/internal/terminal"
)

// apiTerminal upgrades the connection and hands it to the bridge. The token
// rides the query string because browsers cannot set headers on a WebSocket;
// auth failures surface as close codes, never as HTTP statuses, so the
// client can tell "bad token" from "network died".
func (s *Server) apiTerminal(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}
	defer ws.Close()

	userID, err := auth.VerifyToken(s.deps.JWTSecret, r.URL.Query().Get("token"))
	if err != nil {
		terminal.CloseWithError(ws, terminal.CloseAuthFailure, "Invalid token")
		return
	}
	user, err := s.deps.Store.GetUser(userID)
	if err != nil {
		terminal.CloseWithError(ws, terminal.CloseAuthFailure, "Invalid token")
		return
	}

	enr, err := s.deps.Store.GetEnrollment(r.PathValue("eid"))
	if err != nil || (enr.UserID != user.ID && !user.IsAdmin) {
		// Missing and not-owned collapse to the same code: the socket
		// learns nothing about other users' enrollments.
		terminal.CloseWithError(ws, terminal.CloseNotFound, "Enrollment not found")
		return
	}
	tr, err := s.deps.Store.GetTrack(enr.TrackID)
	if err != nil {
		terminal.CloseWithError(ws, terminal.CloseNotFound, "Track not found")
		return
	}

	s.deps.Terminal.Run(r.Context(), ws, enr, tr)
}

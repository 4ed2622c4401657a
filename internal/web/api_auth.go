package web

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/davidgeorgehope/livelabs.cc/internal/auth"
	"github.com/davidgeorgehope/livelabs.cc/internal/store"
)

// userPayload is the API view of an account. The bcrypt hash never leaves
// the store.
type userPayload struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	IsAdmin   bool      `json:"is_admin"`
	CreatedAt time.Time `json:"created_at"`
}

func toUserPayload(u *auth.User) userPayload {
	return userPayload{
		ID:        u.ID,
		Email:     u.Email,
		Name:      u.Name,
		IsAdmin:   u.IsAdmin,
		CreatedAt: u.CreatedAt,
	}
}

type tokenResponse struct {
	Token string      `json:"token"`
	User  userPayload `json:"user"`
}

// apiRegister creates an account and returns a fresh token.
func (s *Server) apiRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		Name     string `json:"name"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if req.Email == "" || !strings.Contains(req.Email, "@") {
		writeError(w, http.StatusBadRequest, "a valid email is required")
		return
	}
	if err := auth.ValidatePassword(req.Password); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		s.deps.Log.Error("hash password", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create account")
		return
	}

	user := auth.User{
		ID:           uuid.NewString(),
		Email:        req.Email,
		PasswordHash: hash,
		Name:         strings.TrimSpace(req.Name),
		CreatedAt:    s.deps.Clock.Now().UTC(),
	}
	if err := s.deps.Store.CreateUser(user); err != nil {
		if errors.Is(err, store.ErrEmailTaken) {
			writeError(w, http.StatusBadRequest, "Email already registered")
			return
		}
		s.deps.Log.Error("create user", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create account")
		return
	}

	token, err := auth.IssueToken(s.deps.JWTSecret, user.ID, s.deps.Clock.Now())
	if err != nil {
		s.deps.Log.Error("issue token", "user", user.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}

	s.deps.Log.Info("user registered", "user", user.ID, "email", user.Email)
	writeJSON(w, http.StatusCreated, tokenResponse{Token: token, User: toUserPayload(&user)})
}

// apiLogin verifies credentials and returns a token.
func (s *Server) apiLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	user, err := s.deps.Store.GetUserByEmail(strings.ToLower(strings.TrimSpace(req.Email)))
	if err != nil || !auth.CheckPassword(user.PasswordHash, req.Password) {
		// One message for both cases; do not reveal which one failed.
		writeError(w, http.StatusUnauthorized, "Invalid email or password")
		return
	}

	token, err := auth.IssueToken(s.deps.JWTSecret, user.ID, s.deps.Clock.Now())
	if err != nil {
		s.deps.Log.Error("issue token", "user", user.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{Token: token, User: toUserPayload(user)})
}

// apiMe returns the calling account.
func (s *Server) apiMe(w http.ResponseWriter, r *http.Request) {
	id := auth.GetIdentity(r.Context())
	user, err := s.deps.Store.GetUser(id.UserID)
	if err != nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	writeJSON(w, http.StatusOK, toUserPayload(user))
}

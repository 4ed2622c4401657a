package auth

import (
	"context"
	"time"
)

// User represents a platform account.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"password_hash"`
	Name         string    `json:"name"`
	IsAdmin      bool      `json:"is_admin"`
	CreatedAt    time.Time `json:"created_at"`
}

// Identity is extracted from a verified token by middleware and placed in
// the request context.
type Identity struct {
	UserID  string
	Email   string
	IsAdmin bool
}

// contextKey is an unexported type for context keys.
type contextKey struct{}

// ContextKey is the key used to store Identity in context.Context.
var ContextKey = contextKey{}

// GetIdentity extracts the caller's Identity from the request context.
func GetIdentity(ctx context.Context) *Identity {
	id, _ := ctx.Value(ContextKey).(*Identity)
	return id
}

package web

import (
	"net/http"
	"testing"
)

func TestRegisterAndMe(t *testing.T) {
	fx := newTestServer(t)

	w := fx.do(t, http.MethodPost, "/auth/register", "", map[string]string{
		"email":    "Learner@Example.COM",
		"password": "longenough1",
		"name":     "Learner",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("register = %d, want 201: %s", w.Code, w.Body.String())
	}
	body := decodeMap(t, w)
	token, _ := body["token"].(string)
	if token == "" {
		t.Fatal("register response missing token")
	}
	user, _ := body["user"].(map[string]any)
	if got := user["email"]; got != "learner@example.com" {
		t.Errorf("email = %v, want lowercased learner@example.com", got)
	}
	if _, leaked := user["password_hash"]; leaked {
		t.Error("register response leaks password_hash")
	}

	w = fx.do(t, http.MethodGet, "/auth/me", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /auth/me = %d, want 200: %s", w.Code, w.Body.String())
	}
	if got := decodeMap(t, w)["email"]; got != "learner@example.com" {
		t.Errorf("me email = %v, want learner@example.com", got)
	}
}

func TestRegisterRejectsDuplicateEmail(t *testing.T) {
	fx := newTestServer(t)
	fx.createUser(t, "taken@example.com", false)

	w := fx.do(t, http.MethodPost, "/auth/register", "", map[string]string{
		"email":    "taken@example.com",
		"password": "longenough1",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("duplicate register = %d, want 400", w.Code)
	}
	if got := decodeMap(t, w)["error"]; got != "Email already registered" {
		t.Errorf("error = %v, want %q", got, "Email already registered")
	}
}

func TestRegisterValidation(t *testing.T) {
	fx := newTestServer(t)

	cases := []struct {
		name  string
		body  map[string]string
		wantP string
	}{
		{"missing email", map[string]string{"password": "longenough1"}, "a valid email is required"},
		{"malformed email", map[string]string{"email": "nope", "password": "longenough1"}, "a valid email is required"},
		{"short password", map[string]string{"email": "a@b.c", "password": "short"}, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := fx.do(t, http.MethodPost, "/auth/register", "", tc.body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("register = %d, want 400", w.Code)
			}
			if tc.wantP != "" {
				if got := decodeMap(t, w)["error"]; got != tc.wantP {
					t.Errorf("error = %v, want %q", got, tc.wantP)
				}
			}
		})
	}
}

func TestLogin(t *testing.T) {
	fx := newTestServer(t)
	fx.createUser(t, "who@example.com", false)

	w := fx.do(t, http.MethodPost, "/auth/login", "", map[string]string{
		"email":    "who@example.com",
		"password": "devpass123",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("login = %d, want 200: %s", w.Code, w.Body.String())
	}
	if token, _ := decodeMap(t, w)["token"].(string); token == "" {
		t.Error("login response missing token")
	}

	// Wrong password and unknown email produce the same message.
	for _, body := range []map[string]string{
		{"email": "who@example.com", "password": "wrongpass"},
		{"email": "ghost@example.com", "password": "devpass123"},
	} {
		w = fx.do(t, http.MethodPost, "/auth/login", "", body)
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("bad login = %d, want 401", w.Code)
		}
		if got := decodeMap(t, w)["error"]; got != "Invalid email or password" {
			t.Errorf("error = %v, want %q", got, "Invalid email or password")
		}
	}
}

func TestAuthenticatedRoutesRejectMissingToken(t *testing.T) {
	fx := newTestServer(t)

	for _, path := range []string{"/auth/me", "/tracks", "/enrollments"} {
		w := fx.do(t, http.MethodGet, path, "", nil)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("GET %s without token = %d, want 401", path, w.Code)
		}
	}

	w := fx.do(t, http.MethodGet, "/auth/me", "not-a-jwt", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("GET /auth/me with garbage token = %d, want 401", w.Code)
	}
}

func TestQueryTokenAccepted(t *testing.T) {
	fx := newTestServer(t)
	_, token := fx.createUser(t, "q@example.com", false)

	w := fx.do(t, http.MethodGet, "/auth/me?token="+token, "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /auth/me?token= = %d, want 200: %s", w.Code, w.Body.String())
	}
}

package web

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/davidgeorgehope/livelabs.cc/internal/auth"
	"github.com/davidgeorgehope/livelabs.cc/internal/events"
)

// openStream connects to /events as the given token and consumes the
// initial connected frame. The stream dies with the context.
func openStream(t *testing.T, ctx context.Context, baseURL, token string) *bufio.Reader {
	t.Helper()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/events?token="+token, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("connect stream: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stream status = %d, want 200", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("Content-Type = %q, want text/event-stream", got)
	}

	br := bufio.NewReader(resp.Body)
	if name, _ := readFrame(t, br); name != "connected" {
		t.Fatalf("first frame = %q, want connected", name)
	}
	return br
}

// readFrame reads one event frame (terminated by a blank line).
func readFrame(t *testing.T, br *bufio.Reader) (name, data string) {
	t.Helper()
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "":
			return name, data
		}
	}
}

func TestSSEDeliversOwnedAndSharedEvents(t *testing.T) {
	fx := newTestServer(t)
	alice, aliceTok := fx.createUser(t, "alice@example.com", false)
	bob, _ := fx.createUser(t, "bob@example.com", false)

	ts := httptest.NewServer(fx.srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	br := openStream(t, ctx, ts.URL, aliceTok)

	// Alice's own event arrives.
	fx.bus.Publish(events.Event{
		Type: events.EventExecution, EnrollmentID: "enr-a", Step: 1,
		Status: "success", Timestamp: time.Now().UTC(), UserID: alice.ID,
	})
	name, data := readFrame(t, br)
	if name != "execution" {
		t.Fatalf("frame = %q, want execution", name)
	}
	if !strings.Contains(data, `"enrollment_id":"enr-a"`) {
		t.Errorf("data = %s, want enrollment_id enr-a", data)
	}
	if strings.Contains(data, alice.ID) {
		t.Errorf("data leaks the owner id: %s", data)
	}

	// Bob's event is filtered; the shared image event that follows is the
	// next frame Alice sees.
	fx.bus.Publish(events.Event{
		Type: events.EventExecution, EnrollmentID: "enr-b", Step: 1,
		Status: "success", Timestamp: time.Now().UTC(), UserID: bob.ID,
	})
	fx.bus.Publish(events.Event{
		Type: events.EventImagePull, Image: "redis:7", Status: "pulling",
		Timestamp: time.Now().UTC(),
	})
	name, data = readFrame(t, br)
	if name != "image_pull" {
		t.Fatalf("frame = %q, want image_pull (foreign event must be filtered)", name)
	}
	if !strings.Contains(data, `"image":"redis:7"`) {
		t.Errorf("data = %s, want image redis:7", data)
	}
}

func TestSSEAdminSeesAllEvents(t *testing.T) {
	fx := newTestServer(t)
	bob, _ := fx.createUser(t, "bob@example.com", false)
	_, adminTok := fx.createUser(t, "admin@example.com", true)

	ts := httptest.NewServer(fx.srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	br := openStream(t, ctx, ts.URL, adminTok)

	fx.bus.Publish(events.Event{
		Type: events.EventInit, EnrollmentID: "enr-b", Status: "running",
		Timestamp: time.Now().UTC(), UserID: bob.ID,
	})
	if name, _ := readFrame(t, br); name != "init" {
		t.Errorf("admin frame = %q, want init", name)
	}
}

func TestEventVisible(t *testing.T) {
	owner := &auth.Identity{UserID: "u1"}
	admin := &auth.Identity{UserID: "u2", IsAdmin: true}
	other := &auth.Identity{UserID: "u3"}

	cases := []struct {
		name  string
		ident *auth.Identity
		evt   events.Event
		want  bool
	}{
		{"unowned visible to anyone", other, events.Event{Type: events.EventImagePull}, true},
		{"owner sees own", owner, events.Event{UserID: "u1"}, true},
		{"admin sees all", admin, events.Event{UserID: "u1"}, true},
		{"other filtered", other, events.Event{UserID: "u1"}, false},
		{"nil identity filtered", nil, events.Event{UserID: "u1"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := eventVisible(tc.ident, tc.evt); got != tc.want {
				t.Errorf("eventVisible = %v, want %v", got, tc.want)
			}
		})
	}
}

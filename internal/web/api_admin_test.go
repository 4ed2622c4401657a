package web

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/davidgeorgehope/livelabs.cc/internal/store"
)

func TestAdminStats(t *testing.T) {
	fx := newTestServer(t)
	admin, adminToken := fx.createUser(t, "admin@example.com", true)
	learner, _ := fx.createUser(t, "learner@example.com", false)

	fx.seedTrack(t, demoTrack())
	draft := demoTrack()
	draft.ID = "draft-track"
	draft.Published = false
	fx.seedTrack(t, draft)

	fx.seedEnrollment(t, store.Enrollment{ID: "enr-1", UserID: learner.ID, TrackID: "tcp-basics"})
	fx.seedEnrollment(t, store.Enrollment{
		ID: "enr-2", UserID: admin.ID, TrackID: "draft-track",
		Status: store.EnrollmentCompleted,
	})

	if err := fx.store.CreateExecution(store.Execution{
		ID: "exec-1", EnrollmentID: "enr-1", ScriptType: store.ScriptValidation,
		Status: store.ExecutionSuccess, StartedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("seed execution: %v", err)
	}

	w := fx.do(t, http.MethodGet, "/admin/stats", adminToken, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("stats = %d: %s", w.Code, w.Body.String())
	}

	var got platformStats
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode stats: %v\nbody: %s", err, w.Body.String())
	}
	want := platformStats{
		TotalUsers:           2,
		TotalTracks:          2,
		PublishedTracks:      1,
		TotalEnrollments:     2,
		ActiveEnrollments:    1,
		CompletedEnrollments: 1,
		TotalExecutions:      1,
	}
	if got != want {
		t.Errorf("stats = %+v, want %+v", got, want)
	}
}

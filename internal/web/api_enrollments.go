package web

import (
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/davidgeorgehope/livelabs.cc/internal/auth"
	"github.com/davidgeorgehope/livelabs.cc/internal/store"
	"github.com/davidgeorgehope/livelabs.cc/internal/track"
)

// defaultExecutionLimit bounds an execution history page when the client
// does not ask for a size.
const defaultExecutionLimit = 50

// enrollmentView decorates a stored enrollment with the track title for
// list screens.
type enrollmentView struct {
	store.Enrollment
	TrackTitle string `json:"track_title,omitempty"`
	TotalSteps int    `json:"total_steps,omitempty"`
}

// enrollmentDetail is the single-enrollment payload: the row plus the full
// track content the learner works through.
type enrollmentDetail struct {
	store.Enrollment
	Track trackView `json:"track"`
}

// enrollmentForRequest resolves the {eid} path value and enforces ownership:
// unknown ids are 404s, another user's enrollment is a 403 unless the caller
// is an admin. On failure the error response has already been written.
func (s *Server) enrollmentForRequest(w http.ResponseWriter, r *http.Request) (*store.Enrollment, bool) {
	eid := r.PathValue("eid")
	enr, err := s.deps.Store.GetEnrollment(eid)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Enrollment not found")
		} else {
			s.deps.Log.Error("load enrollment", "enrollment_id", eid, "error", err)
			writeError(w, http.StatusInternalServerError, "could not load enrollment")
		}
		return nil, false
	}

	ident := auth.GetIdentity(r.Context())
	if ident == nil || (enr.UserID != ident.UserID && !ident.IsAdmin) {
		writeError(w, http.StatusForbidden, "Not authorized to access this enrollment")
		return nil, false
	}
	return enr, true
}

// trackForEnrollment loads the enrollment's track, writing a 404 when the
// catalog no longer has it.
func (s *Server) trackForEnrollment(w http.ResponseWriter, enr *store.Enrollment) (*track.Track, bool) {
	tr, err := s.deps.Store.GetTrack(enr.TrackID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Track not found")
		} else {
			s.deps.Log.Error("load track", "track_id", enr.TrackID, "error", err)
			writeError(w, http.StatusInternalServerError, "could not load track")
		}
		return nil, false
	}
	return tr, true
}

// apiCreateEnrollment starts a learner on a track. One active enrollment per
// user and track; the track's env_template names the variables the learner
// must supply.
func (s *Server) apiCreateEnrollment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TrackID     string            `json:"track_id"`
		Environment map[string]string `json:"environment"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ident := auth.GetIdentity(r.Context())

	tr, err := s.deps.Store.GetTrack(req.TrackID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Track not found")
		} else {
			s.deps.Log.Error("load track", "track_id", req.TrackID, "error", err)
			writeError(w, http.StatusInternalServerError, "could not load track")
		}
		return
	}
	if !tr.Published && !ident.IsAdmin {
		writeError(w, http.StatusBadRequest, "Track is not published")
		return
	}

	existing, err := s.deps.Store.FindActiveEnrollment(ident.UserID, tr.ID)
	if err != nil {
		s.deps.Log.Error("find active enrollment", "track_id", tr.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not check enrollments")
		return
	}
	if existing != nil {
		writeError(w, http.StatusBadRequest, "Already enrolled in this track")
		return
	}

	var missing []string
	for name := range tr.EnvTemplate {
		if _, ok := req.Environment[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		writeError(w, http.StatusBadRequest,
			"Missing required environment variables: "+strings.Join(missing, ", "))
		return
	}

	enr := store.Enrollment{
		ID:          uuid.NewString(),
		UserID:      ident.UserID,
		TrackID:     tr.ID,
		Status:      store.EnrollmentActive,
		CurrentStep: 1,
		Environment: req.Environment,
		InitStatus:  store.InitPending,
		StartedAt:   s.deps.Clock.Now().UTC(),
	}
	if err := s.deps.Store.CreateEnrollment(enr); err != nil {
		s.deps.Log.Error("create enrollment", "track_id", tr.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not create enrollment")
		return
	}

	s.deps.Log.Info("enrollment created",
		"enrollment_id", enr.ID, "track_id", tr.ID, "user_id", ident.UserID)
	writeJSON(w, http.StatusCreated, enrollmentView{
		Enrollment: enr,
		TrackTitle: tr.Title,
		TotalSteps: len(tr.Steps),
	})
}

// apiListEnrollments returns the caller's enrollments, newest first.
func (s *Server) apiListEnrollments(w http.ResponseWriter, r *http.Request) {
	ident := auth.GetIdentity(r.Context())
	enrollments, err := s.deps.Store.ListEnrollmentsForUser(ident.UserID)
	if err != nil {
		s.deps.Log.Error("list enrollments", "user_id", ident.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not list enrollments")
		return
	}

	// Join track titles; a deleted track leaves the title blank rather
	// than hiding the enrollment.
	titles := make(map[string]*track.Track)
	views := make([]enrollmentView, 0, len(enrollments))
	for _, enr := range enrollments {
		tr, ok := titles[enr.TrackID]
		if !ok {
			tr, _ = s.deps.Store.GetTrack(enr.TrackID)
			titles[enr.TrackID] = tr
		}
		view := enrollmentView{Enrollment: enr}
		if tr != nil {
			view.TrackTitle = tr.Title
			view.TotalSteps = len(tr.Steps)
		}
		views = append(views, view)
	}
	writeJSON(w, http.StatusOK, views)
}

// apiGetEnrollment returns one enrollment with its track content.
func (s *Server) apiGetEnrollment(w http.ResponseWriter, r *http.Request) {
	enr, ok := s.enrollmentForRequest(w, r)
	if !ok {
		return
	}
	tr, ok := s.trackForEnrollment(w, enr)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, enrollmentDetail{
		Enrollment: *enr,
		Track:      newTrackView(tr, true),
	})
}

// apiDeleteEnrollment tears down the enrollment's app container and removes
// the enrollment with its execution history.
func (s *Server) apiDeleteEnrollment(w http.ResponseWriter, r *http.Request) {
	enr, ok := s.enrollmentForRequest(w, r)
	if !ok {
		return
	}

	// Best effort: the reconciler catches anything the stop misses via
	// the container labels.
	if err := s.deps.Apps.Stop(r.Context(), enr); err != nil {
		s.deps.Log.Warn("app teardown on enrollment delete failed",
			"enrollment_id", enr.ID, "error", err)
	}

	if err := s.deps.Store.DeleteEnrollment(enr.ID); err != nil {
		s.deps.Log.Error("delete enrollment", "enrollment_id", enr.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not delete enrollment")
		return
	}
	s.deps.Log.Info("enrollment deleted", "enrollment_id", enr.ID)
	w.WriteHeader(http.StatusNoContent)
}

// apiListExecutions returns the enrollment's script run history, newest
// first. ?limit= caps the page size.
func (s *Server) apiListExecutions(w http.ResponseWriter, r *http.Request) {
	enr, ok := s.enrollmentForRequest(w, r)
	if !ok {
		return
	}

	limit := defaultExecutionLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	executions, err := s.deps.Store.ListExecutions(enr.ID, limit)
	if err != nil {
		s.deps.Log.Error("list executions", "enrollment_id", enr.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not list executions")
		return
	}
	if executions == nil {
		executions = []store.Execution{}
	}
	writeJSON(w, http.StatusOK, executions)
}

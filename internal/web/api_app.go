package web

import (
	"net/http"

	"github.com/davidgeorgehope/livelabs.cc/internal/appcontainer"
	"github.com/davidgeorgehope/livelabs.cc/internal/store"
	"github.com/davidgeorgehope/livelabs.cc/internal/track"
)

// appStatusResponse covers the non-container app states: absent, gated on
// init, or an external URL. Container-backed apps return the manager's
// status payload instead.
type appStatusResponse struct {
	Status  string         `json:"status"`
	HasApp  bool           `json:"has_app"`
	Type    string         `json:"type,omitempty"`
	URL     string         `json:"url,omitempty"`
	Cookies []track.Cookie `json:"cookies,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// apiAppStatus reports the enrollment's app surface. Init gating comes
// first; then a configured URL template wins over an init-recorded URL,
// which wins over a managed container.
func (s *Server) apiAppStatus(w http.ResponseWriter, r *http.Request) {
	enr, ok := s.enrollmentForRequest(w, r)
	if !ok {
		return
	}
	tr, ok := s.trackForEnrollment(w, enr)
	if !ok {
		return
	}

	if !trackHasApp(tr) {
		writeJSON(w, http.StatusOK, appStatusResponse{Status: "no_app"})
		return
	}

	if tr.HasInitScript() {
		switch enr.InitStatus {
		case store.InitPending:
			writeJSON(w, http.StatusOK, appStatusResponse{Status: "needs_init", HasApp: true})
			return
		case store.InitRunning:
			writeJSON(w, http.StatusOK, appStatusResponse{Status: "initializing", HasApp: true})
			return
		case store.InitFailed:
			// A configured URL still works; only report the failure when
			// there is nothing else to show.
			if tr.AppURLTemplate == "" {
				writeJSON(w, http.StatusOK, appStatusResponse{
					Status: "init_failed",
					HasApp: true,
					Error:  enr.InitError,
				})
				return
			}
		}
	}

	switch {
	case tr.AppURLTemplate != "":
		writeJSON(w, http.StatusOK, appStatusResponse{
			Status:  "ready",
			HasApp:  true,
			URL:     appcontainer.BuildURL(tr, nil),
			Cookies: appcontainer.AutoLoginCookies(tr),
			Type:    "external",
		})
	case tr.HasInitScript() && enr.AppURL != "":
		writeJSON(w, http.StatusOK, appStatusResponse{
			Status:  "ready",
			HasApp:  true,
			URL:     enr.AppURL,
			Cookies: enr.AppCookies,
			Type:    "external",
		})
	case tr.HasApp():
		status, err := s.deps.Apps.Status(r.Context(), enr, tr)
		if err != nil {
			s.deps.Log.Error("app status", "enrollment_id", enr.ID, "error", err)
			writeError(w, http.StatusInternalServerError, "could not determine app status")
			return
		}
		writeJSON(w, http.StatusOK, status)
	default:
		writeJSON(w, http.StatusOK, appStatusResponse{Status: "no_app"})
	}
}

// apiAppInit runs the track's init script for this enrollment, or reports
// the recorded outcome when it already ran.
func (s *Server) apiAppInit(w http.ResponseWriter, r *http.Request) {
	enr, ok := s.enrollmentForRequest(w, r)
	if !ok {
		return
	}
	tr, ok := s.trackForEnrollment(w, enr)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Init.RunInit(r.Context(), enr, tr))
}

// apiAppStart creates or resumes the enrollment's app container.
func (s *Server) apiAppStart(w http.ResponseWriter, r *http.Request) {
	enr, ok := s.enrollmentForRequest(w, r)
	if !ok {
		return
	}
	tr, ok := s.trackForEnrollment(w, enr)
	if !ok {
		return
	}
	if !tr.HasApp() {
		writeError(w, http.StatusBadRequest, "This track does not have an app container configured")
		return
	}

	if _, err := s.deps.Apps.Start(r.Context(), enr, tr); err != nil {
		s.deps.Log.Error("app start", "enrollment_id", enr.ID, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeAppStatus(w, r, enr, tr)
}

// apiAppRestart restarts the enrollment's app container.
func (s *Server) apiAppRestart(w http.ResponseWriter, r *http.Request) {
	enr, ok := s.enrollmentForRequest(w, r)
	if !ok {
		return
	}
	tr, ok := s.trackForEnrollment(w, enr)
	if !ok {
		return
	}
	if !tr.HasApp() {
		writeError(w, http.StatusBadRequest, "This track does not have an app container configured")
		return
	}

	if _, err := s.deps.Apps.Restart(r.Context(), enr, tr); err != nil {
		s.deps.Log.Error("app restart", "enrollment_id", enr.ID, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeAppStatus(w, r, enr, tr)
}

// apiAppStop stops and removes the enrollment's app container. Stopping an
// absent container succeeds.
func (s *Server) apiAppStop(w http.ResponseWriter, r *http.Request) {
	enr, ok := s.enrollmentForRequest(w, r)
	if !ok {
		return
	}
	if err := s.deps.Apps.Stop(r.Context(), enr); err != nil {
		s.deps.Log.Error("app stop", "enrollment_id", enr.ID, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "stopped",
		"message": "Container stopped successfully",
	})
}

// writeAppStatus responds with the manager's view after a lifecycle call.
func (s *Server) writeAppStatus(w http.ResponseWriter, r *http.Request, enr *store.Enrollment, tr *track.Track) {
	status, err := s.deps.Apps.Status(r.Context(), enr, tr)
	if err != nil {
		s.deps.Log.Error("app status", "enrollment_id", enr.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not determine app status")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

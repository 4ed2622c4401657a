package web

import (
	"errors"
	"net/http"

	"github.com/davidgeorgehope/livelabs.cc/internal/auth"
	"github.com/davidgeorgehope/livelabs.cc/internal/store"
	"github.com/davidgeorgehope/livelabs.cc/internal/track"
)

// trackView is the API shape of a track. Author-side material -- env
// secrets and the init script -- never leaves the store.
type trackView struct {
	ID          string            `json:"id"`
	Title       string            `json:"title"`
	Description string            `json:"description,omitempty"`
	Published   bool              `json:"published"`
	DockerImage string            `json:"docker_image"`
	EnvTemplate map[string]string `json:"env_template,omitempty"`
	HasApp      bool              `json:"has_app"`
	StepCount   int               `json:"step_count"`
	Steps       []track.Step      `json:"steps,omitempty"`
}

// trackHasApp reports whether the track offers any companion app surface:
// a managed container, an init-provisioned app, or a static external URL.
func trackHasApp(tr *track.Track) bool {
	return tr.HasApp() || tr.HasInitScript() || tr.AppURLTemplate != ""
}

func newTrackView(tr *track.Track, withSteps bool) trackView {
	v := trackView{
		ID:          tr.ID,
		Title:       tr.Title,
		Description: tr.Description,
		Published:   tr.Published,
		DockerImage: tr.DockerImage,
		EnvTemplate: tr.EnvTemplate,
		HasApp:      trackHasApp(tr),
		StepCount:   len(tr.Steps),
	}
	if withSteps {
		v.Steps = tr.Steps
	}
	return v
}

// apiListTracks returns the catalog. Learners see published tracks only;
// admins see everything.
func (s *Server) apiListTracks(w http.ResponseWriter, r *http.Request) {
	ident := auth.GetIdentity(r.Context())
	tracks, err := s.deps.Store.ListTracks(!ident.IsAdmin)
	if err != nil {
		s.deps.Log.Error("list tracks", "error", err)
		writeError(w, http.StatusInternalServerError, "could not list tracks")
		return
	}

	views := make([]trackView, 0, len(tracks))
	for i := range tracks {
		views = append(views, newTrackView(&tracks[i], false))
	}
	writeJSON(w, http.StatusOK, views)
}

// apiGetTrack returns one track with its steps. Unpublished tracks are
// hidden from non-admins as if they did not exist.
func (s *Server) apiGetTrack(w http.ResponseWriter, r *http.Request) {
	tr, err := s.deps.Store.GetTrack(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Track not found")
		} else {
			s.deps.Log.Error("load track", "track_id", r.PathValue("id"), "error", err)
			writeError(w, http.StatusInternalServerError, "could not load track")
		}
		return
	}

	ident := auth.GetIdentity(r.Context())
	if !tr.Published && !ident.IsAdmin {
		writeError(w, http.StatusNotFound, "Track not found")
		return
	}
	writeJSON(w, http.StatusOK, newTrackView(tr, true))
}

package web

import (
	"net/http"

	"github.com/davidgeorgehope/livelabs.cc/internal/store"
)

// platformStats is the admin dashboard summary.
type platformStats struct {
	TotalUsers           int `json:"total_users"`
	TotalTracks          int `json:"total_tracks"`
	PublishedTracks      int `json:"published_tracks"`
	TotalEnrollments     int `json:"total_enrollments"`
	ActiveEnrollments    int `json:"active_enrollments"`
	CompletedEnrollments int `json:"completed_enrollments"`
	TotalExecutions      int `json:"total_executions"`
}

// apiAdminStats reports platform-wide totals: accounts, tracks, enrollments
// and recorded script runs.
func (s *Server) apiAdminStats(w http.ResponseWriter, r *http.Request) {
	var stats platformStats
	var err error

	if stats.TotalUsers, err = s.deps.Store.UserCount(); err != nil {
		s.deps.Log.Error("admin stats: count users", "error", err)
		writeError(w, http.StatusInternalServerError, "could not compute stats")
		return
	}

	tracks, err := s.deps.Store.ListTracks(false)
	if err != nil {
		s.deps.Log.Error("admin stats: list tracks", "error", err)
		writeError(w, http.StatusInternalServerError, "could not compute stats")
		return
	}
	stats.TotalTracks = len(tracks)
	for _, t := range tracks {
		if t.Published {
			stats.PublishedTracks++
		}
	}

	enrollments, err := s.deps.Store.ListEnrollments()
	if err != nil {
		s.deps.Log.Error("admin stats: list enrollments", "error", err)
		writeError(w, http.StatusInternalServerError, "could not compute stats")
		return
	}
	stats.TotalEnrollments = len(enrollments)
	for _, e := range enrollments {
		switch e.Status {
		case store.EnrollmentActive:
			stats.ActiveEnrollments++
		case store.EnrollmentCompleted:
			stats.CompletedEnrollments++
		}
	}

	if stats.TotalExecutions, err = s.deps.Store.ExecutionCount(); err != nil {
		s.deps.Log.Error("admin stats: count executions", "error", err)
		writeError(w, http.StatusInternalServerError, "could not compute stats")
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

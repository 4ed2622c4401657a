package web

import (
	"context"
	"net/http"

	"github.com/davidgeorgehope/livelabs.cc/internal/docker"
)

// apiListImages returns local images with in-use flags.
func (s *Server) apiListImages(w http.ResponseWriter, r *http.Request) {
	imgs, err := s.deps.Images.List(r.Context())
	if err != nil {
		s.deps.Log.Error("list images", "error", err)
		writeError(w, http.StatusInternalServerError, "could not list images")
		return
	}
	if imgs == nil {
		imgs = []docker.ImageSummary{}
	}
	writeJSON(w, http.StatusOK, imgs)
}

// apiPullImage starts (or joins) the pull for an image and returns without
// waiting. Pulls can take minutes; the status endpoint tracks progress.
func (s *Server) apiPullImage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Image string `json:"image"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Image == "" {
		writeError(w, http.StatusBadRequest, "image reference required")
		return
	}

	// Detached from the request so a closed admin tab cannot abort the pull.
	go func() {
		if err := s.deps.Images.Ensure(context.Background(), req.Image); err != nil {
			s.deps.Log.Warn("admin image pull failed", "image", req.Image, "error", err)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{
		"image":  req.Image,
		"status": "accepted",
	})
}

// apiImageStatus returns the pull-state map maintained by the image manager.
func (s *Server) apiImageStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Images.StatusAll())
}

// apiRemoveImage removes a local image by reference (?ref=).
func (s *Server) apiRemoveImage(w http.ResponseWriter, r *http.Request) {
	ref := r.URL.Query().Get("ref")
	if ref == "" {
		writeError(w, http.StatusBadRequest, "ref query parameter required")
		return
	}

	if err := s.deps.Images.Remove(r.Context(), ref); err != nil {
		switch {
		case docker.IsNotFound(err):
			writeError(w, http.StatusNotFound, "Image not found")
		case docker.IsConflict(err):
			writeError(w, http.StatusConflict, "Image is in use by a container")
		default:
			s.deps.Log.Error("remove image", "ref", ref, "error", err)
			writeError(w, http.StatusInternalServerError, "could not remove image")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed", "ref": ref})
}

// apiPruneImages removes dangling images.
func (s *Server) apiPruneImages(w http.ResponseWriter, r *http.Request) {
	result, err := s.deps.Images.Prune(r.Context())
	if err != nil {
		s.deps.Log.Error("prune images", "error", err)
		writeError(w, http.StatusInternalServerError, "could not prune images")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// apiDiskUsage summarizes image disk consumption.
func (s *Server) apiDiskUsage(w http.ResponseWriter, r *http.Request) {
	du, err := s.deps.Images.DiskUsage(r.Context())
	if err != nil {
		s.deps.Log.Error("image disk usage", "error", err)
		writeError(w, http.StatusInternalServerError, "could not compute disk usage")
		return
	}
	writeJSON(w, http.StatusOK, du)
}

package web

import (
	"errors"
	"net/http"

	"github.com/davidgeorgehope/livelabs.cc/internal/proxy"
)

// apiProxyFetch fetches an allow-listed URL server-side and re-serves it
// with the frame-blocking headers stripped, so the learner UI can embed
// pages that set X-Frame-Options. Token auth ran in middleware; iframes can
// only pass it as a query parameter.
func (s *Server) apiProxyFetch(w http.ResponseWriter, r *http.Request) {
	rawURL := r.URL.Query().Get("url")
	if rawURL == "" {
		writeError(w, http.StatusBadRequest, "url query parameter required")
		return
	}

	resp, err := s.deps.Proxy.Fetch(r.Context(), rawURL, r.Header)
	if err != nil {
		switch {
		case errors.Is(err, proxy.ErrNotAllowed):
			writeError(w, http.StatusForbidden, "URL not in allowlist. Only local container URLs are permitted.")
		case errors.Is(err, proxy.ErrInvalidURL):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, proxy.ErrTimeout):
			writeError(w, http.StatusGatewayTimeout, "Upstream request timed out")
		case errors.Is(err, proxy.ErrUpstream):
			writeError(w, http.StatusBadGateway, "Failed to fetch URL: "+err.Error())
		default:
			s.deps.Log.Error("proxy fetch", "url", rawURL, "error", err)
			writeError(w, http.StatusInternalServerError, "proxy request failed")
		}
		return
	}

	// The proxy already stripped the headers that would break embedding.
	for key, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
}

// Package web exposes the orchestrator over HTTP: the control API, the
// terminal WebSocket, the embedding proxy endpoint, and the SSE event stream.
package web

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/davidgeorgehope/livelabs.cc/internal/appcontainer"
	"github.com/davidgeorgehope/livelabs.cc/internal/appinit"
	"github.com/davidgeorgehope/livelabs.cc/internal/auth"
	"github.com/davidgeorgehope/livelabs.cc/internal/clock"
	"github.com/davidgeorgehope/livelabs.cc/internal/docker"
	"github.com/davidgeorgehope/livelabs.cc/internal/events"
	"github.com/davidgeorgehope/livelabs.cc/internal/images"
	"github.com/davidgeorgehope/livelabs.cc/internal/logging"
	"github.com/davidgeorgehope/livelabs.cc/internal/proxy"
	"github.com/davidgeorgehope/livelabs.cc/internal/runner"
	"github.com/davidgeorgehope/livelabs.cc/internal/store"
	"github.com/davidgeorgehope/livelabs.cc/internal/track"
)

// ScriptRunner executes one-shot scripts in sandbox containers.
type ScriptRunner interface {
	Run(ctx context.Context, req runner.Request) runner.Result
}

// AppManager drives the lifecycle of per-enrollment app containers.
type AppManager interface {
	Start(ctx context.Context, enr *store.Enrollment, tr *track.Track) (*store.AppContainer, error)
	Restart(ctx context.Context, enr *store.Enrollment, tr *track.Track) (*store.AppContainer, error)
	Stop(ctx context.Context, enr *store.Enrollment) error
	Status(ctx context.Context, enr *store.Enrollment, tr *track.Track) (*appcontainer.Status, error)
}

// InitOrchestrator runs a track's init script for an enrollment.
type InitOrchestrator interface {
	RunInit(ctx context.Context, enr *store.Enrollment, tr *track.Track) appinit.Result
}

// ImageManager exposes the admin-facing image operations.
type ImageManager interface {
	List(ctx context.Context) ([]docker.ImageSummary, error)
	Ensure(ctx context.Context, image string) error
	StatusAll() map[string]images.PullStatus
	Remove(ctx context.Context, ref string) error
	Prune(ctx context.Context) (docker.ImagePruneResult, error)
	DiskUsage(ctx context.Context) (images.DiskUsage, error)
}

// Fetcher performs allow-listed upstream fetches for the embedding proxy.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string, inbound http.Header) (*proxy.Response, error)
}

// TerminalBridge runs an interactive shell session over an upgraded socket.
type TerminalBridge interface {
	Run(ctx context.Context, ws *websocket.Conn, enr *store.Enrollment, tr *track.Track)
}

// EnginePinger reports engine liveness for health checks.
type EnginePinger interface {
	Ping(ctx context.Context) error
}

// Dependencies defines what the web server needs from the rest of the
// application.
type Dependencies struct {
	Store     *store.Store
	Runner    ScriptRunner
	Apps      AppManager
	Init      InitOrchestrator
	Images    ImageManager
	Proxy     Fetcher
	Terminal  TerminalBridge
	Engine    EnginePinger
	Bus       *events.Bus
	Clock     clock.Clock
	Log       *logging.Logger
	JWTSecret string
}

// Server is the orchestrator's HTTP server.
type Server struct {
	deps     Dependencies
	mux      *http.ServeMux
	server   *http.Server
	upgrader websocket.Upgrader
}

// NewServer creates a Server with all routes registered.
func NewServer(deps Dependencies) *Server {
	s := &Server{
		deps: deps,
		mux:  http.NewServeMux(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The learner UI is served from its own origin; the query token
			// is the auth boundary, not the Origin header.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.registerRoutes()
	return s
}

// ListenAndServe starts the HTTP server on the given address.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE and terminal connections are long-lived.
		IdleTimeout:  120 * time.Second,
	}
	s.deps.Log.Info("control api listening", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler returns the route mux, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) registerRoutes() {
	authMw := auth.Middleware(s.deps.JWTSecret, s.deps.Store)
	authed := func(h http.HandlerFunc) http.Handler {
		return authMw(h)
	}
	admin := func(h http.HandlerFunc) http.Handler {
		return authMw(auth.RequireAdmin(h))
	}

	// --- Public routes ---
	s.mux.HandleFunc("POST /auth/register", s.apiRegister)
	s.mux.HandleFunc("POST /auth/login", s.apiLogin)
	s.mux.HandleFunc("GET /healthz", s.apiHealthz)
	s.mux.Handle("GET /metrics", promhttp.Handler())

	// The terminal socket authenticates after the upgrade so failures reach
	// the client as close codes instead of an HTTP status the browser hides.
	s.mux.HandleFunc("GET /terminal/ws/{eid}", s.apiTerminal)

	// --- Authenticated routes (bearer header or ?token=) ---
	s.mux.Handle("GET /auth/me", authed(s.apiMe))
	s.mux.Handle("GET /tracks", authed(s.apiListTracks))
	s.mux.Handle("GET /tracks/{id}", authed(s.apiGetTrack))
	s.mux.Handle("POST /enrollments", authed(s.apiCreateEnrollment))
	s.mux.Handle("GET /enrollments", authed(s.apiListEnrollments))
	s.mux.Handle("GET /enrollments/{eid}", authed(s.apiGetEnrollment))
	s.mux.Handle("DELETE /enrollments/{eid}", authed(s.apiDeleteEnrollment))
	s.mux.Handle("GET /enrollments/{eid}/executions", authed(s.apiListExecutions))
	s.mux.Handle("POST /enrollments/{eid}/steps/{order}/execute", authed(s.apiExecute))
	s.mux.Handle("GET /enrollments/{eid}/app", authed(s.apiAppStatus))
	s.mux.Handle("POST /enrollments/{eid}/app/init", authed(s.apiAppInit))
	s.mux.Handle("POST /enrollments/{eid}/app/start", authed(s.apiAppStart))
	s.mux.Handle("POST /enrollments/{eid}/app/restart", authed(s.apiAppRestart))
	s.mux.Handle("POST /enrollments/{eid}/app/stop", authed(s.apiAppStop))
	s.mux.Handle("GET /proxy/fetch", authed(s.apiProxyFetch))
	s.mux.Handle("GET /events", authed(s.apiSSE))

	// --- Admin routes ---
	s.mux.Handle("GET /admin/stats", admin(s.apiAdminStats))
	s.mux.Handle("GET /admin/images", admin(s.apiListImages))
	s.mux.Handle("POST /admin/images/pull", admin(s.apiPullImage))
	s.mux.Handle("GET /admin/images/status", admin(s.apiImageStatus))
	s.mux.Handle("DELETE /admin/images", admin(s.apiRemoveImage))
	s.mux.Handle("POST /admin/images/prune", admin(s.apiPruneImages))
	s.mux.Handle("GET /admin/images/disk-usage", admin(s.apiDiskUsage))
}

// apiHealthz reports liveness, including an engine ping.
func (s *Server) apiHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := s.deps.Engine.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded",
			"engine": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeJSON encodes v as JSON and writes it to the response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decodeJSON parses the request body into v.
func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

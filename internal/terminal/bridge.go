// Package terminal bridges a browser WebSocket to an interactive shell inside
// an ephemeral per-session container. One container and one exec per socket;
// the container is stopped and force-removed on every exit path.
package terminal

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"

	"github.com/davidgeorgehope/livelabs.cc/internal/docker"
	"github.com/davidgeorgehope/livelabs.cc/internal/logging"
	"github.com/davidgeorgehope/livelabs.cc/internal/metrics"
	"github.com/davidgeorgehope/livelabs.cc/internal/store"
	"github.com/davidgeorgehope/livelabs.cc/internal/track"
)

// WebSocket close codes sent on session setup failures. The browser shows
// the accompanying error frame; the code tells it whether a retry can help.
const (
	CloseAuthFailure = 4001
	CloseNotFound    = 4004
	CloseEngineError = 4500
)

// Resource limits for session containers, matching the script sandbox.
const (
	memoryLimit = 512 * 1024 * 1024 // 512 MiB
	cpuPeriod   = 100000            // microseconds
	cpuQuota    = 50000             // half of one core
)

const (
	shellCommand = "/bin/bash"

	// readChunk bounds one engine read so a chatty program cannot stall the
	// socket behind a single huge write.
	readChunk = 4096

	// stopGraceSeconds is deliberately short: the shell is disposable and
	// nothing in it outlives the socket.
	stopGraceSeconds = 1

	teardownTimeout   = 30 * time.Second
	closeWriteTimeout = 5 * time.Second
)

// Docker is the engine surface the bridge needs.
type Docker interface {
	CreateContainer(ctx context.Context, name string, cfg *container.Config, hostCfg *container.HostConfig, netCfg *network.NetworkingConfig) (string, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string, timeout int) error
	RemoveContainer(ctx context.Context, id string) error
	OpenShell(ctx context.Context, id string, cmd []string) (*docker.ShellStream, error)
	ResizeShell(ctx context.Context, execID string, height, width uint) error
}

// ImageEnsurer pulls an image when it is not already local.
type ImageEnsurer interface {
	Ensure(ctx context.Context, image string) error
}

// clientFrame is one JSON message from the browser.
type clientFrame struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
	Rows uint   `json:"rows,omitempty"`
	Cols uint   `json:"cols,omitempty"`
}

// serverFrame is a JSON control message to the browser. Terminal output is
// sent as plain text frames, not wrapped in JSON.
type serverFrame struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

// Bridge runs terminal sessions over established WebSocket connections. It
// tracks the container id of every live session so the background sweep can
// tell a crash leftover from a shell someone is typing into.
type Bridge struct {
	docker Docker
	images ImageEnsurer
	log    *logging.Logger

	mu     sync.Mutex
	active map[string]struct{}
}

// NewBridge creates a Bridge.
func NewBridge(d Docker, images ImageEnsurer, log *logging.Logger) *Bridge {
	return &Bridge{
		docker: d,
		images: images,
		log:    log,
		active: make(map[string]struct{}),
	}
}

// SessionActive reports whether the container belongs to a live session.
func (b *Bridge) SessionActive(containerID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.active[containerID]
	return ok
}

func (b *Bridge) trackSession(id string) {
	b.mu.Lock()
	b.active[id] = struct{}{}
	b.mu.Unlock()
}

func (b *Bridge) untrackSession(id string) {
	b.mu.Lock()
	delete(b.active, id)
	b.mu.Unlock()
}

// CloseWithError sends {"type":"error"} followed by a close frame carrying
// code, then drops the connection. The detail travels in the error frame;
// the close reason stays empty so it never overflows a control frame.
func CloseWithError(ws *websocket.Conn, code int, message string) {
	_ = ws.WriteJSON(serverFrame{Type: "error", Message: message})
	deadline := time.Now().Add(closeWriteTimeout)
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""), deadline)
	_ = ws.Close()
}

// Run drives one session to completion: create the container, attach a
// shell, pump bytes both ways, tear everything down. The caller has already
// authenticated the socket and resolved the enrollment and track.
func (b *Bridge) Run(ctx context.Context, ws *websocket.Conn, enr *store.Enrollment, tr *track.Track) {
	metrics.TTYSessionsTotal.Inc()
	metrics.TTYSessionsActive.Inc()
	defer metrics.TTYSessionsActive.Dec()

	if err := b.images.Ensure(ctx, tr.DockerImage); err != nil {
		CloseWithError(ws, CloseEngineError, fmt.Sprintf("Failed to start container: %v", err))
		return
	}

	id, err := b.createContainer(ctx, enr, tr)
	if err != nil {
		b.log.Warn("terminal container start failed", "enrollment_id", enr.ID, "error", err)
		CloseWithError(ws, CloseEngineError, fmt.Sprintf("Failed to start container: %v", err))
		return
	}
	b.trackSession(id)
	defer b.untrackSession(id)
	defer b.teardown(id)

	shell, err := b.docker.OpenShell(ctx, id, []string{shellCommand})
	if err != nil {
		b.log.Warn("terminal shell attach failed", "container_id", id, "error", err)
		CloseWithError(ws, CloseEngineError, fmt.Sprintf("Failed to start shell: %v", err))
		return
	}
	defer shell.Close()

	if err := ws.WriteJSON(serverFrame{Type: "ready", Message: "Terminal connected"}); err != nil {
		return
	}
	b.log.Info("terminal session opened", "enrollment_id", enr.ID, "container_id", id)

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Engine -> client. Owns all data writes to the socket from here on.
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		defer cancel()
		b.pumpOutput(ws, shell)
	}()

	// Whatever ends the session must also unblock the socket read below.
	go func() {
		<-sessionCtx.Done()
		_ = ws.Close()
	}()

	// Client -> engine, on the handler goroutine.
	b.pumpInput(sessionCtx, ws, shell)

	deadline := time.Now().Add(closeWriteTimeout)
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)

	// Drop the engine stream so the reader pump drains out before the
	// deferred teardown removes the container.
	shell.Close()
	cancel()
	<-readerDone

	b.log.Info("terminal session closed", "enrollment_id", enr.ID, "container_id", id)
}

func (b *Bridge) createContainer(ctx context.Context, enr *store.Enrollment, tr *track.Track) (string, error) {
	cfg := &container.Config{
		Image:     tr.DockerImage,
		Cmd:       []string{shellCommand},
		Env:       docker.EnvSlice(tr.EnvSecrets),
		Tty:       true,
		OpenStdin: true,
		Labels:    docker.ManagedLabels(docker.TypeTerminal, enr.ID),
	}
	hostCfg := &container.HostConfig{
		NetworkMode: "bridge",
		Resources: container.Resources{
			Memory:    memoryLimit,
			CPUPeriod: cpuPeriod,
			CPUQuota:  cpuQuota,
		},
	}

	id, err := b.docker.CreateContainer(ctx, "", cfg, hostCfg, nil)
	if err != nil {
		return "", err
	}
	if err := b.docker.StartContainer(ctx, id); err != nil {
		b.teardown(id)
		return "", err
	}
	return id, nil
}

// pumpOutput copies the shell's byte stream to the client as UTF-8 text
// frames, replacing invalid sequences. Returns when either side dies.
func (b *Bridge) pumpOutput(ws *websocket.Conn, shell *docker.ShellStream) {
	buf := make([]byte, readChunk)
	for {
		n, err := shell.Output.Read(buf)
		if n > 0 {
			text := strings.ToValidUTF8(string(buf[:n]), string(utf8.RuneError))
			if werr := ws.WriteMessage(websocket.TextMessage, []byte(text)); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// pumpInput dispatches client frames until the client closes, sends a close
// frame, or the session context dies under it.
func (b *Bridge) pumpInput(ctx context.Context, ws *websocket.Conn, shell *docker.ShellStream) {
	for {
		var frame clientFrame
		if err := ws.ReadJSON(&frame); err != nil {
			return
		}
		switch frame.Type {
		case "input":
			if _, err := io.WriteString(shell.Input, frame.Data); err != nil {
				return
			}
		case "resize":
			// Best effort: a failed resize never ends the session.
			if err := b.docker.ResizeShell(ctx, shell.ExecID, frame.Rows, frame.Cols); err != nil {
				b.log.Debug("terminal resize failed", "exec_id", shell.ExecID, "error", err)
			}
		case "close":
			return
		}
	}
}

// teardown stops and force-removes the session container. It runs on its own
// context because the request context is usually already dead here.
func (b *Bridge) teardown(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()

	if err := b.docker.StopContainer(ctx, id, stopGraceSeconds); err != nil && !docker.IsNotFound(err) {
		b.log.Debug("terminal container stop failed", "container_id", id, "error", err)
	}
	if err := b.docker.RemoveContainer(ctx, id); err != nil && !docker.IsNotFound(err) {
		b.log.Warn("terminal container remove failed", "container_id", id, "error", err)
	}
}

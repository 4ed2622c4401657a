package terminal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"

	"github.com/davidgeorgehope/livelabs.cc/internal/docker"
	"github.com/davidgeorgehope/livelabs.cc/internal/logging"
	"github.com/davidgeorgehope/livelabs.cc/internal/store"
	"github.com/davidgeorgehope/livelabs.cc/internal/track"
)

// lockedBuffer records shell stdin writes across goroutines.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type resizeCall struct {
	execID     string
	rows, cols uint
}

// mockDocker implements Docker around an in-memory shell stream.
type mockDocker struct {
	mu sync.Mutex

	createErr error
	startErr  error
	shellErr  error
	resizeErr error

	createdNames []string
	createdCfg   *container.Config
	createdHost  *container.HostConfig
	startCalls   []string
	stopCalls    []string
	stopGraces   []int
	removeCalls  []string
	resizeCalls  []resizeCall

	nextID int
	outW   *io.PipeWriter // shell output is written here by the test
	input  *lockedBuffer  // shell stdin lands here
}

func newMockDocker() *mockDocker {
	return &mockDocker{input: &lockedBuffer{}}
}

func (m *mockDocker) CreateContainer(_ context.Context, name string, cfg *container.Config, hostCfg *container.HostConfig, _ *network.NetworkingConfig) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return "", m.createErr
	}
	m.createdNames = append(m.createdNames, name)
	m.createdCfg = cfg
	m.createdHost = hostCfg
	m.nextID++
	return fmt.Sprintf("term-%04d", m.nextID), nil
}

func (m *mockDocker) StartContainer(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startCalls = append(m.startCalls, id)
	return m.startErr
}

func (m *mockDocker) StopContainer(_ context.Context, id string, timeout int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopCalls = append(m.stopCalls, id)
	m.stopGraces = append(m.stopGraces, timeout)
	if m.outW != nil {
		m.outW.Close()
	}
	return nil
}

func (m *mockDocker) RemoveContainer(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeCalls = append(m.removeCalls, id)
	return nil
}

func (m *mockDocker) OpenShell(_ context.Context, id string, _ []string) (*docker.ShellStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shellErr != nil {
		return nil, m.shellErr
	}
	outR, outW := io.Pipe()
	m.outW = outW
	return docker.NewShellStream("exec-"+id, outR, m.input, func() {
		outR.Close()
	}), nil
}

func (m *mockDocker) ResizeShell(_ context.Context, execID string, height, width uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resizeCalls = append(m.resizeCalls, resizeCall{execID: execID, rows: height, cols: width})
	return m.resizeErr
}

// emit writes bytes to the live shell's output stream.
func (m *mockDocker) emit(t *testing.T, data []byte) {
	t.Helper()
	m.mu.Lock()
	outW := m.outW
	m.mu.Unlock()
	if outW == nil {
		t.Fatal("no shell attached")
	}
	if _, err := outW.Write(data); err != nil {
		t.Fatalf("emit: %v", err)
	}
}

func (m *mockDocker) removed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.removeCalls...)
}

func (m *mockDocker) resizes() []resizeCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]resizeCall(nil), m.resizeCalls...)
}

// stubImages implements ImageEnsurer.
type stubImages struct {
	mu      sync.Mutex
	ensured []string
	err     error
}

func (s *stubImages) Ensure(_ context.Context, image string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensured = append(s.ensured, image)
	return s.err
}

func termTrack() *track.Track {
	return &track.Track{
		ID:          "shell-basics",
		Title:       "Shell basics",
		Published:   true,
		DockerImage: "ubuntu:22.04",
		EnvSecrets:  map[string]string{"SECRET_TOKEN": "s3cret"},
		Steps:       []track.Step{{Order: 1, Title: "Look around"}},
	}
}

func termEnrollment() *store.Enrollment {
	return &store.Enrollment{
		ID:      "enr-0001",
		UserID:  "user-1",
		TrackID: "shell-basics",
		Status:  store.EnrollmentActive,
	}
}

// dialSession serves b.Run behind a real WebSocket server and dials it.
func dialSession(t *testing.T, b *Bridge) *websocket.Conn {
	t.Helper()
	upgrader := websocket.Upgrader{}
	enr, tr := termEnrollment(), termTrack()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		b.Run(r.Context(), ws, enr, tr)
	}))
	t.Cleanup(srv.Close)

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	return ws
}

func readServerFrame(t *testing.T, ws *websocket.Conn) serverFrame {
	t.Helper()
	var frame serverFrame
	if err := ws.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSessionLifecycle(t *testing.T) {
	d := newMockDocker()
	imgs := &stubImages{}
	b := NewBridge(d, imgs, logging.New(false))
	ws := dialSession(t, b)

	if frame := readServerFrame(t, ws); frame.Type != "ready" {
		t.Fatalf("first frame = %+v, want ready", frame)
	}

	d.emit(t, []byte("learner@lab:~$ "))
	mt, payload, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if mt != websocket.TextMessage || string(payload) != "learner@lab:~$ " {
		t.Errorf("output frame = (%d, %q), want the shell bytes as text", mt, payload)
	}

	if err := ws.WriteJSON(clientFrame{Type: "input", Data: "ls -la\n"}); err != nil {
		t.Fatalf("send input: %v", err)
	}
	waitFor(t, "input to reach the shell", func() bool {
		return d.input.String() == "ls -la\n"
	})

	if err := ws.WriteJSON(clientFrame{Type: "resize", Rows: 40, Cols: 120}); err != nil {
		t.Fatalf("send resize: %v", err)
	}
	waitFor(t, "resize to reach the engine", func() bool {
		return len(d.resizes()) == 1
	})
	if rc := d.resizes()[0]; rc.rows != 40 || rc.cols != 120 || rc.execID != "exec-term-0001" {
		t.Errorf("resize = %+v, want 40x120 on the session exec", rc)
	}

	if err := ws.WriteJSON(clientFrame{Type: "close"}); err != nil {
		t.Fatalf("send close: %v", err)
	}
	if _, _, err := ws.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("post-close read error = %v, want a normal closure", err)
	}

	waitFor(t, "container teardown", func() bool {
		return len(d.removed()) == 1
	})
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.stopCalls) != 1 || d.stopGraces[0] != 1 {
		t.Errorf("stops = %v graces = %v, want one stop with 1s grace", d.stopCalls, d.stopGraces)
	}
	if d.createdNames[0] != "" {
		t.Errorf("container name = %q, want unnamed session containers", d.createdNames[0])
	}
	if got := d.createdCfg; !got.Tty || !got.OpenStdin || got.Image != "ubuntu:22.04" ||
		len(got.Cmd) != 1 || got.Cmd[0] != "/bin/bash" {
		t.Errorf("container config = %+v, want an interactive bash shell", got)
	}
	if got := d.createdCfg.Labels; got[docker.LabelType] != docker.TypeTerminal || got[docker.LabelEnrollmentID] != "enr-0001" {
		t.Errorf("labels = %v, want terminal session labels", got)
	}
	found := false
	for _, env := range d.createdCfg.Env {
		if env == "SECRET_TOKEN=s3cret" {
			found = true
		}
	}
	if !found {
		t.Errorf("env = %v, want the track secrets", d.createdCfg.Env)
	}
	res := d.createdHost.Resources
	if res.Memory != 512*1024*1024 || res.CPUPeriod != 100000 || res.CPUQuota != 50000 {
		t.Errorf("resources = %+v, want the sandbox limits", res)
	}
	if string(d.createdHost.NetworkMode) != "bridge" {
		t.Errorf("network mode = %q, want bridge", d.createdHost.NetworkMode)
	}
	if len(imgs.ensured) != 1 || imgs.ensured[0] != "ubuntu:22.04" {
		t.Errorf("ensured images = %v, want the track image", imgs.ensured)
	}
}

func TestOutputReplacesInvalidUTF8(t *testing.T) {
	d := newMockDocker()
	b := NewBridge(d, &stubImages{}, logging.New(false))
	ws := dialSession(t, b)
	readServerFrame(t, ws) // ready

	d.emit(t, []byte{0xff, 0xfe, 'o', 'k'})
	_, payload, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if got, want := string(payload), "��ok"; got != want {
		t.Errorf("output = %q, want %q with replacement runes", got, want)
	}
}

func TestCreateFailureClosesWithEngineError(t *testing.T) {
	d := newMockDocker()
	d.createErr = errors.New("no such image")
	b := NewBridge(d, &stubImages{}, logging.New(false))
	ws := dialSession(t, b)

	frame := readServerFrame(t, ws)
	if frame.Type != "error" || !strings.HasPrefix(frame.Message, "Failed to start container: ") {
		t.Errorf("frame = %+v, want the container start error", frame)
	}
	if _, _, err := ws.ReadMessage(); !websocket.IsCloseError(err, CloseEngineError) {
		t.Errorf("close error = %v, want code %d", err, CloseEngineError)
	}
	if got := d.removed(); len(got) != 0 {
		t.Errorf("removes = %v, want none when nothing was created", got)
	}
}

func TestStartFailureTearsDownContainer(t *testing.T) {
	d := newMockDocker()
	d.startErr = errors.New("oci runtime failure")
	b := NewBridge(d, &stubImages{}, logging.New(false))
	ws := dialSession(t, b)

	frame := readServerFrame(t, ws)
	if frame.Type != "error" || !strings.HasPrefix(frame.Message, "Failed to start container: ") {
		t.Errorf("frame = %+v, want the container start error", frame)
	}
	if _, _, err := ws.ReadMessage(); !websocket.IsCloseError(err, CloseEngineError) {
		t.Errorf("close error = %v, want code %d", err, CloseEngineError)
	}
	waitFor(t, "failed container teardown", func() bool {
		removed := d.removed()
		return len(removed) == 1 && removed[0] == "term-0001"
	})
}

func TestShellFailureTearsDownContainer(t *testing.T) {
	d := newMockDocker()
	d.shellErr = errors.New("exec create: daemon busy")
	b := NewBridge(d, &stubImages{}, logging.New(false))
	ws := dialSession(t, b)

	frame := readServerFrame(t, ws)
	if frame.Type != "error" || !strings.HasPrefix(frame.Message, "Failed to start shell: ") {
		t.Errorf("frame = %+v, want the shell attach error", frame)
	}
	if _, _, err := ws.ReadMessage(); !websocket.IsCloseError(err, CloseEngineError) {
		t.Errorf("close error = %v, want code %d", err, CloseEngineError)
	}
	waitFor(t, "container teardown after shell failure", func() bool {
		removed := d.removed()
		return len(removed) == 1 && removed[0] == "term-0001"
	})
}

func TestImageFailureClosesWithEngineError(t *testing.T) {
	d := newMockDocker()
	b := NewBridge(d, &stubImages{err: errors.New("pull access denied")}, logging.New(false))
	ws := dialSession(t, b)

	frame := readServerFrame(t, ws)
	if frame.Type != "error" || !strings.Contains(frame.Message, "pull access denied") {
		t.Errorf("frame = %+v, want the pull failure surfaced", frame)
	}
	if _, _, err := ws.ReadMessage(); !websocket.IsCloseError(err, CloseEngineError) {
		t.Errorf("close error = %v, want code %d", err, CloseEngineError)
	}
}

func TestClientDisconnectTearsDown(t *testing.T) {
	d := newMockDocker()
	b := NewBridge(d, &stubImages{}, logging.New(false))
	ws := dialSession(t, b)
	readServerFrame(t, ws) // ready

	ws.Close() // abrupt, no close frame

	waitFor(t, "teardown after client disconnect", func() bool {
		return len(d.removed()) == 1
	})
}

func TestShellEOFEndsSession(t *testing.T) {
	d := newMockDocker()
	b := NewBridge(d, &stubImages{}, logging.New(false))
	ws := dialSession(t, b)
	readServerFrame(t, ws) // ready

	d.mu.Lock()
	d.outW.Close() // the shell process died
	d.mu.Unlock()

	waitFor(t, "teardown after shell EOF", func() bool {
		return len(d.removed()) == 1
	})
	if _, _, err := ws.ReadMessage(); err == nil {
		t.Error("client read succeeded after session end, want an error")
	}
}

func TestResizeFailureKeepsSessionAlive(t *testing.T) {
	d := newMockDocker()
	d.resizeErr = errors.New("exec not running")
	b := NewBridge(d, &stubImages{}, logging.New(false))
	ws := dialSession(t, b)
	readServerFrame(t, ws) // ready

	if err := ws.WriteJSON(clientFrame{Type: "resize", Rows: 10, Cols: 20}); err != nil {
		t.Fatalf("send resize: %v", err)
	}
	waitFor(t, "resize call", func() bool { return len(d.resizes()) == 1 })

	// The session must still accept input after the failed resize.
	if err := ws.WriteJSON(clientFrame{Type: "input", Data: "pwd\n"}); err != nil {
		t.Fatalf("send input: %v", err)
	}
	waitFor(t, "input after failed resize", func() bool {
		return d.input.String() == "pwd\n"
	})
}

func TestCloseWithError(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		CloseWithError(ws, CloseAuthFailure, "Invalid token")
	}))
	defer srv.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))

	frame := readServerFrame(t, ws)
	if frame.Type != "error" || frame.Message != "Invalid token" {
		t.Errorf("frame = %+v, want the auth error", frame)
	}
	if _, _, err := ws.ReadMessage(); !websocket.IsCloseError(err, CloseAuthFailure) {
		t.Errorf("close error = %v, want code %d", err, CloseAuthFailure)
	}
}

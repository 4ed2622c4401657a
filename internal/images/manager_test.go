package images

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/davidgeorgehope/livelabs.cc/internal/clock"
	"github.com/davidgeorgehope/livelabs.cc/internal/docker"
	"github.com/davidgeorgehope/livelabs.cc/internal/events"
	"github.com/davidgeorgehope/livelabs.cc/internal/logging"
)

// mockDocker implements Docker for image manager tests.
type mockDocker struct {
	mu sync.Mutex

	pullCalls []string
	pullErr   map[string]error
	pullGate  chan struct{} // when set, PullImage blocks until closed

	existsCalls int
	exists      map[string]bool

	images    []docker.ImageSummary
	imagesErr error

	removeCalls []string
	removeErr   error

	pruneResult docker.ImagePruneResult
	pruneErr    error
}

func (m *mockDocker) PullImage(_ context.Context, ref string) error {
	m.mu.Lock()
	m.pullCalls = append(m.pullCalls, ref)
	gate := m.pullGate
	m.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err, ok := m.pullErr[ref]; ok {
		return err
	}
	return nil
}

func (m *mockDocker) ImageExists(_ context.Context, ref string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.existsCalls++
	return m.exists[ref], nil
}

func (m *mockDocker) ListImages(_ context.Context) ([]docker.ImageSummary, error) {
	return m.images, m.imagesErr
}

func (m *mockDocker) RemoveImage(_ context.Context, ref string) error {
	m.mu.Lock()
	m.removeCalls = append(m.removeCalls, ref)
	m.mu.Unlock()
	return m.removeErr
}

func (m *mockDocker) PruneImages(_ context.Context) (docker.ImagePruneResult, error) {
	return m.pruneResult, m.pruneErr
}

func (m *mockDocker) pulled() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.pullCalls...)
}

func newTestManager(d *mockDocker) *Manager {
	return NewManager(d, logging.New(false), clock.Real{}, nil)
}

func TestEnsurePullsWhenMissing(t *testing.T) {
	d := &mockDocker{}
	m := newTestManager(d)

	if err := m.Ensure(context.Background(), "ubuntu:22.04"); err != nil {
		t.Fatalf("Ensure() error: %v", err)
	}

	if got := d.pulled(); len(got) != 1 || got[0] != "ubuntu:22.04" {
		t.Errorf("pull calls = %v, want [ubuntu:22.04]", got)
	}
	st, ok := m.Status("ubuntu:22.04")
	if !ok || st.State != StateReady {
		t.Errorf("Status() = (%+v, %v), want ready", st, ok)
	}
}

func TestEnsureSkipsWhenLocal(t *testing.T) {
	d := &mockDocker{exists: map[string]bool{"ubuntu:22.04": true}}
	m := newTestManager(d)

	if err := m.Ensure(context.Background(), "ubuntu:22.04"); err != nil {
		t.Fatalf("Ensure() error: %v", err)
	}

	if got := d.pulled(); len(got) != 0 {
		t.Errorf("pull calls = %v, want none for local image", got)
	}
	if st, _ := m.Status("ubuntu:22.04"); st.State != StateReady {
		t.Errorf("State = %q, want ready", st.State)
	}
}

func TestEnsureCachedReadyShortCircuits(t *testing.T) {
	d := &mockDocker{exists: map[string]bool{"ubuntu:22.04": true}}
	m := newTestManager(d)

	if err := m.Ensure(context.Background(), "ubuntu:22.04"); err != nil {
		t.Fatalf("Ensure() error: %v", err)
	}
	before := d.existsCalls

	// Second Ensure must not touch the engine at all.
	if err := m.Ensure(context.Background(), "ubuntu:22.04"); err != nil {
		t.Fatalf("Ensure() error: %v", err)
	}
	if d.existsCalls != before {
		t.Errorf("cached ready status still hit the engine (%d inspect calls)", d.existsCalls-before)
	}
}

func TestEnsureEmptyImage(t *testing.T) {
	m := newTestManager(&mockDocker{})
	if err := m.Ensure(context.Background(), ""); err == nil {
		t.Error("Ensure(\"\") succeeded, want error")
	}
}

func TestEnsureSingleFlight(t *testing.T) {
	gate := make(chan struct{})
	d := &mockDocker{pullGate: gate}
	m := newTestManager(d)

	const callers = 10
	var wg sync.WaitGroup
	errs := make([]error, callers)
	wg.Add(callers)
	for i := range callers {
		go func(i int) {
			defer wg.Done()
			errs[i] = m.Ensure(context.Background(), "postgres:16")
		}(i)
	}

	// Let the callers pile up on the in-flight pull, then release it.
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	if got := d.pulled(); len(got) != 1 {
		t.Errorf("pull calls = %d, want 1 (single-flight)", len(got))
	}
	for i, err := range errs {
		if err != nil {
			t.Errorf("caller %d: Ensure() error: %v", i, err)
		}
	}
}

func TestEnsureFailureCachedAndRetried(t *testing.T) {
	d := &mockDocker{pullErr: map[string]error{"ghost:latest": errors.New("manifest unknown")}}
	m := newTestManager(d)

	if err := m.Ensure(context.Background(), "ghost:latest"); err == nil {
		t.Fatal("Ensure() succeeded, want pull error")
	}
	st, ok := m.Status("ghost:latest")
	if !ok || st.State != StateFailed || st.Error == "" {
		t.Errorf("Status() = %+v, want failed with error string", st)
	}

	// Failure is not sticky: a later Ensure pulls again.
	d.mu.Lock()
	d.pullErr = nil
	d.mu.Unlock()
	if err := m.Ensure(context.Background(), "ghost:latest"); err != nil {
		t.Fatalf("retry Ensure() error: %v", err)
	}
	if len(d.pulled()) != 2 {
		t.Errorf("pull calls = %d, want 2 (retry after failure)", len(d.pulled()))
	}
	if st, _ := m.Status("ghost:latest"); st.State != StateReady {
		t.Errorf("State after retry = %q, want ready", st.State)
	}
}

func TestEnsurePublishesEvents(t *testing.T) {
	bus := events.New()
	ch, cancel := bus.Subscribe()
	defer cancel()

	d := &mockDocker{}
	m := NewManager(d, logging.New(false), clock.Real{}, bus)

	if err := m.Ensure(context.Background(), "redis:7"); err != nil {
		t.Fatalf("Ensure() error: %v", err)
	}

	var states []string
	for range 2 {
		select {
		case evt := <-ch:
			if evt.Type != events.EventImagePull || evt.Image != "redis:7" {
				t.Errorf("event = %+v, want image_pull for redis:7", evt)
			}
			states = append(states, evt.Status)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for pull events")
		}
	}
	if states[0] != StatePulling || states[1] != StateReady {
		t.Errorf("event states = %v, want [pulling ready]", states)
	}
}

func TestWarmupBestEffort(t *testing.T) {
	d := &mockDocker{pullErr: map[string]error{"bad:1": errors.New("no such image")}}
	m := newTestManager(d)

	m.Warmup(context.Background(), []string{"good:1", "bad:1", "good:2"})

	if got := len(d.pulled()); got != 3 {
		t.Errorf("pull calls = %d, want 3 (one per image)", got)
	}
	if st, _ := m.Status("bad:1"); st.State != StateFailed {
		t.Errorf("bad:1 state = %q, want failed", st.State)
	}
	for _, ref := range []string{"good:1", "good:2"} {
		if st, _ := m.Status(ref); st.State != StateReady {
			t.Errorf("%s state = %q, want ready", ref, st.State)
		}
	}
}

func TestWarmupLoopInvalidSchedule(t *testing.T) {
	m := newTestManager(&mockDocker{})
	if err := m.WarmupLoop(context.Background(), "not a schedule", nil); err == nil {
		t.Error("WarmupLoop() accepted an invalid schedule")
	}
}

func TestWarmupLoopStopsOnCancel(t *testing.T) {
	m := newTestManager(&mockDocker{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	go func() { done <- m.WarmupLoop(ctx, "0 3 * * *", []string{"ubuntu:22.04"}) }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("WarmupLoop() error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("WarmupLoop did not stop on cancel")
	}
}

func TestDiskUsage(t *testing.T) {
	d := &mockDocker{images: []docker.ImageSummary{
		{ID: "sha256:aaa", Size: 100, InUse: true},
		{ID: "sha256:bbb", Size: 250, InUse: false},
		{ID: "sha256:ccc", Size: 50, InUse: true},
	}}
	m := newTestManager(d)

	du, err := m.DiskUsage(context.Background())
	if err != nil {
		t.Fatalf("DiskUsage() error: %v", err)
	}
	if du.Images != 3 || du.InUse != 2 || du.TotalBytes != 400 {
		t.Errorf("DiskUsage() = %+v, want {3 2 400}", du)
	}
}

func TestRemoveInvalidatesCache(t *testing.T) {
	d := &mockDocker{exists: map[string]bool{"ubuntu:22.04": true}}
	m := newTestManager(d)

	if err := m.Ensure(context.Background(), "ubuntu:22.04"); err != nil {
		t.Fatalf("Ensure() error: %v", err)
	}
	if err := m.Remove(context.Background(), "ubuntu:22.04"); err != nil {
		t.Fatalf("Remove() error: %v", err)
	}

	if _, ok := m.Status("ubuntu:22.04"); ok {
		t.Error("status cache still holds removed image")
	}
	if len(d.removeCalls) != 1 {
		t.Errorf("remove calls = %v, want 1", d.removeCalls)
	}

	// Next Ensure must go back to the engine.
	d.mu.Lock()
	d.exists = nil
	d.mu.Unlock()
	if err := m.Ensure(context.Background(), "ubuntu:22.04"); err != nil {
		t.Fatalf("Ensure() after Remove error: %v", err)
	}
	if len(d.pulled()) != 1 {
		t.Errorf("pull calls = %d, want 1 after invalidation", len(d.pulled()))
	}
}

func TestPrune(t *testing.T) {
	d := &mockDocker{pruneResult: docker.ImagePruneResult{ImagesDeleted: 4, SpaceReclaimed: 1 << 20}}
	m := newTestManager(d)

	report, err := m.Prune(context.Background())
	if err != nil {
		t.Fatalf("Prune() error: %v", err)
	}
	if report.ImagesDeleted != 4 || report.SpaceReclaimed != 1<<20 {
		t.Errorf("Prune() = %+v", report)
	}
}

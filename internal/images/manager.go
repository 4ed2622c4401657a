// Package images manages sandbox image availability: single-flight pulls,
// cached pull statuses, scheduled warmup, and disk housekeeping.
package images

import (
	"context"
	"errors"
	"sync"
	"time"

	cron "github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/davidgeorgehope/livelabs.cc/internal/clock"
	"github.com/davidgeorgehope/livelabs.cc/internal/docker"
	"github.com/davidgeorgehope/livelabs.cc/internal/events"
	"github.com/davidgeorgehope/livelabs.cc/internal/logging"
	"github.com/davidgeorgehope/livelabs.cc/internal/metrics"
)

// Pull states cached per image.
const (
	StatePulling = "pulling"
	StateReady   = "ready"
	StateFailed  = "failed"
)

// warmupConcurrency bounds parallel pulls during warmup sweeps.
const warmupConcurrency = 3

// PullStatus is the cached outcome of the most recent pull attempt.
type PullStatus struct {
	Image     string    `json:"image"`
	State     string    `json:"state"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Docker is the subset of engine operations the image manager needs.
type Docker interface {
	PullImage(ctx context.Context, refStr string) error
	ImageExists(ctx context.Context, refStr string) (bool, error)
	ListImages(ctx context.Context) ([]docker.ImageSummary, error)
	RemoveImage(ctx context.Context, ref string) error
	PruneImages(ctx context.Context) (docker.ImagePruneResult, error)
}

// DiskUsage summarizes image disk consumption on the host.
type DiskUsage struct {
	Images     int   `json:"images"`
	InUse      int   `json:"in_use"`
	TotalBytes int64 `json:"total_bytes"`
}

// Manager deduplicates concurrent pulls per image and caches their outcomes.
// A ready entry is trusted until Remove invalidates it; a failed entry is
// retried on the next Ensure.
type Manager struct {
	docker Docker
	log    *logging.Logger
	clock  clock.Clock
	bus    *events.Bus

	group singleflight.Group

	mu     sync.RWMutex
	status map[string]PullStatus
}

// NewManager creates a Manager. The bus may be nil in tests.
func NewManager(d Docker, log *logging.Logger, clk clock.Clock, bus *events.Bus) *Manager {
	return &Manager{
		docker: d,
		log:    log,
		clock:  clk,
		bus:    bus,
		status: make(map[string]PullStatus),
	}
}

// Ensure makes the image available locally, pulling it at most once across
// concurrent callers. A cached ready status short-circuits without touching
// the engine.
func (m *Manager) Ensure(ctx context.Context, image string) error {
	if image == "" {
		return errors.New("image reference required")
	}

	if st, ok := m.Status(image); ok && st.State == StateReady {
		return nil
	}

	_, err, _ := m.group.Do(image, func() (interface{}, error) {
		return nil, m.pull(ctx, image)
	})
	return err
}

// pull is the single-flight body: checks local presence, then pulls.
func (m *Manager) pull(ctx context.Context, image string) error {
	exists, err := m.docker.ImageExists(ctx, image)
	if err == nil && exists {
		m.setStatus(image, StateReady, "")
		return nil
	}

	m.setStatus(image, StatePulling, "")
	m.publish(image, StatePulling, "")
	m.log.Info("pulling image", "image", image)

	start := m.clock.Now()
	if err := m.docker.PullImage(ctx, image); err != nil {
		m.setStatus(image, StateFailed, err.Error())
		m.publish(image, StateFailed, err.Error())
		metrics.ImagePullsTotal.WithLabelValues("failed").Inc()
		m.log.Warn("image pull failed", "image", image, "error", err)
		return err
	}

	elapsed := m.clock.Since(start)
	m.setStatus(image, StateReady, "")
	m.publish(image, StateReady, "")
	metrics.ImagePullsTotal.WithLabelValues("success").Inc()
	metrics.ImagePullDuration.Observe(elapsed.Seconds())
	m.log.Info("image pulled", "image", image, "took", elapsed)
	return nil
}

// Status returns the cached pull status for an image.
func (m *Manager) Status(image string) (PullStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.status[image]
	return st, ok
}

// StatusAll returns a copy of the status cache.
func (m *Manager) StatusAll() map[string]PullStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]PullStatus, len(m.status))
	for k, v := range m.status {
		out[k] = v
	}
	return out
}

// Warmup ensures each image is present, a few in parallel. Failures are
// logged and cached, never fatal; the next Ensure retries.
func (m *Manager) Warmup(ctx context.Context, refs []string) {
	if len(refs) == 0 {
		return
	}
	m.log.Info("image warmup starting", "images", len(refs))

	var g errgroup.Group
	g.SetLimit(warmupConcurrency)
	for _, ref := range refs {
		g.Go(func() error {
			// Errors are recorded in the status cache by Ensure.
			_ = m.Ensure(ctx, ref)
			return nil
		})
	}
	_ = g.Wait()
}

// WarmupLoop runs Warmup on a cron schedule until ctx is cancelled. The
// expression must already be validated by config.
func (m *Manager) WarmupLoop(ctx context.Context, schedule string, refs []string) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(schedule)
	if err != nil {
		return err
	}

	for {
		now := m.clock.Now()
		delay := sched.Next(now).Sub(now)
		select {
		case <-m.clock.After(delay):
			m.Warmup(ctx, refs)
		case <-ctx.Done():
			m.log.Info("image warmup loop stopped")
			return nil
		}
	}
}

// List returns all local images with in-use flags.
func (m *Manager) List(ctx context.Context) ([]docker.ImageSummary, error) {
	return m.docker.ListImages(ctx)
}

// DiskUsage sums local image sizes.
func (m *Manager) DiskUsage(ctx context.Context) (DiskUsage, error) {
	imgs, err := m.docker.ListImages(ctx)
	if err != nil {
		return DiskUsage{}, err
	}
	du := DiskUsage{Images: len(imgs)}
	for _, img := range imgs {
		du.TotalBytes += img.Size
		if img.InUse {
			du.InUse++
		}
	}
	return du, nil
}

// Prune removes dangling images.
func (m *Manager) Prune(ctx context.Context) (docker.ImagePruneResult, error) {
	report, err := m.docker.PruneImages(ctx)
	if err != nil {
		return docker.ImagePruneResult{}, err
	}
	m.log.Info("image prune complete",
		"deleted", report.ImagesDeleted, "reclaimed_bytes", report.SpaceReclaimed)
	return report, nil
}

// Remove deletes an image and invalidates its cached status, so a later
// Ensure pulls it fresh.
func (m *Manager) Remove(ctx context.Context, ref string) error {
	if err := m.docker.RemoveImage(ctx, ref); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.status, ref)
	m.mu.Unlock()
	return nil
}

func (m *Manager) setStatus(image, state, errMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status[image] = PullStatus{
		Image:     image,
		State:     state,
		Error:     errMsg,
		UpdatedAt: m.clock.Now(),
	}
}

func (m *Manager) publish(image, state, errMsg string) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.Event{
		Type:      events.EventImagePull,
		Image:     image,
		Status:    state,
		Message:   errMsg,
		Timestamp: m.clock.Now(),
	})
}

// Package appcontainer manages the long-lived companion app container each
// enrollment may own: creation with dynamic host-port allocation, soft TCP
// readiness probing, engine-state reconciliation, capped restarts, and
// teardown. At most one app container exists per enrollment; the engine-side
// container name livelabs-app-<enrollment_id> is the serializer for
// concurrent operations.
package appcontainer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"

	"github.com/davidgeorgehope/livelabs.cc/internal/clock"
	"github.com/davidgeorgehope/livelabs.cc/internal/docker"
	"github.com/davidgeorgehope/livelabs.cc/internal/events"
	"github.com/davidgeorgehope/livelabs.cc/internal/logging"
	"github.com/davidgeorgehope/livelabs.cc/internal/metrics"
	"github.com/davidgeorgehope/livelabs.cc/internal/store"
	"github.com/davidgeorgehope/livelabs.cc/internal/track"
)

const (
	namePrefix = "livelabs-app-"

	memoryLimit = 1 << 30       // 1 GiB
	nanoCPUs    = 1_000_000_000 // one full core

	maxRestarts      = 3
	stopGraceSeconds = 10

	probeInterval    = 500 * time.Millisecond
	probeBudget      = 30 * time.Second
	probeDialTimeout = time.Second
)

// Docker is the engine surface the manager needs.
type Docker interface {
	CreateContainer(ctx context.Context, name string, cfg *container.Config, hostCfg *container.HostConfig, netCfg *network.NetworkingConfig) (string, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string, timeout int) error
	RestartContainer(ctx context.Context, id string) error
	RemoveContainer(ctx context.Context, id string) error
	InspectContainer(ctx context.Context, id string) (container.InspectResponse, error)
	ListContainersByLabel(ctx context.Context, key, value string) ([]container.Summary, error)
}

// ImageEnsurer pulls an image when it is not already local.
// Implemented by images.Manager.
type ImageEnsurer interface {
	Ensure(ctx context.Context, image string) error
}

// Status is the app payload returned for an enrollment status query.
type Status struct {
	State        string         `json:"status"`
	HasApp       bool           `json:"has_app"`
	Type         string         `json:"type,omitempty"`
	URL          string         `json:"url,omitempty"`
	Ports        map[string]int `json:"ports,omitempty"`
	CanStart     bool           `json:"can_start"`
	CanRestart   bool           `json:"can_restart"`
	RestartCount int            `json:"restart_count"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	Cookies      []track.Cookie `json:"cookies,omitempty"`
}

// Manager owns the lifecycle of per-enrollment app containers.
type Manager struct {
	docker Docker
	store  *store.Store
	images ImageEnsurer
	clock  clock.Clock
	log    *logging.Logger
	bus    *events.Bus

	probeInterval time.Duration
	probeBudget   time.Duration
}

// NewManager creates a Manager. bus may be nil when event streaming is not
// wanted (tests, one-shot tools).
func NewManager(d Docker, st *store.Store, images ImageEnsurer, clk clock.Clock, log *logging.Logger, bus *events.Bus) *Manager {
	return &Manager{
		docker:        d,
		store:         st,
		images:        images,
		clock:         clk,
		log:           log,
		bus:           bus,
		probeInterval: probeInterval,
		probeBudget:   probeBudget,
	}
}

// ContainerName returns the engine-side name for an enrollment's app
// container.
func ContainerName(enrollmentID string) string {
	return namePrefix + enrollmentID
}

// Start brings up the app container for an enrollment. If a row already
// exists the call degrades to EnsureRunning; losing a concurrent create race
// does the same, so two racing Start calls converge on one container.
func (m *Manager) Start(ctx context.Context, enr *store.Enrollment, tr *track.Track) (*store.AppContainer, error) {
	if !tr.HasApp() {
		return nil, fmt.Errorf("track %q has no app container", tr.ID)
	}
	if _, err := m.store.GetAppContainer(enr.ID); err == nil {
		return m.EnsureRunning(ctx, enr, tr)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	row, err := m.create(ctx, enr, tr)
	if err != nil && docker.IsConflict(err) {
		return m.EnsureRunning(ctx, enr, tr)
	}
	return row, err
}

// EnsureRunning reconciles the stored row against the engine and returns the
// resulting row. Missing rows and engine-side losses are rebuilt from
// scratch; exited containers are started again with the restart counter
// incremented.
func (m *Manager) EnsureRunning(ctx context.Context, enr *store.Enrollment, tr *track.Track) (*store.AppContainer, error) {
	row, err := m.store.GetAppContainer(enr.ID)
	if errors.Is(err, store.ErrNotFound) {
		return m.create(ctx, enr, tr)
	}
	if err != nil {
		return nil, err
	}
	return m.reconcileRow(ctx, enr, tr, row)
}

// Restart restarts the app container. Below the restart cap this is an
// engine restart; at the cap the container is torn down and rebuilt, which
// resets the count. A missing row or engine handle falls back to Start.
func (m *Manager) Restart(ctx context.Context, enr *store.Enrollment, tr *track.Track) (*store.AppContainer, error) {
	row, err := m.store.GetAppContainer(enr.ID)
	if errors.Is(err, store.ErrNotFound) {
		return m.Start(ctx, enr, tr)
	}
	if err != nil {
		return nil, err
	}

	if row.RestartCount >= maxRestarts {
		m.log.Info("restart cap reached, rebuilding app container", "enrollment", enr.ID, "restart_count", row.RestartCount)
		if err := m.Stop(ctx, enr); err != nil {
			return nil, err
		}
		return m.Start(ctx, enr, tr)
	}

	if err := m.docker.RestartContainer(ctx, row.ContainerID); err != nil {
		if docker.IsNotFound(err) {
			if derr := m.store.DeleteAppContainer(enr.ID); derr != nil {
				return nil, derr
			}
			return m.Start(ctx, enr, tr)
		}
		row.Status = store.AppFailed
		if serr := m.store.SaveAppContainer(*row); serr != nil {
			m.log.Error("save app container", "enrollment", enr.ID, "error", serr)
		}
		m.publish(enr, store.AppFailed, "restart failed")
		return nil, fmt.Errorf("restart app container: %w", err)
	}

	row.RestartCount++
	row.Status = store.AppRunning
	if err := m.store.SaveAppContainer(*row); err != nil {
		return nil, err
	}
	metrics.AppContainerRestarts.Inc()
	m.publish(enr, store.AppRunning, "app container restarted")
	m.log.Info("app container restarted", "enrollment", enr.ID, "restart_count", row.RestartCount)
	return row, nil
}

// Stop stops and removes the app container and deletes the stored row.
// Stopping an enrollment with no app container is a no-op; engine failures
// during teardown are logged, not raised, so the row is always released.
func (m *Manager) Stop(ctx context.Context, enr *store.Enrollment) error {
	row, err := m.store.GetAppContainer(enr.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if err := m.docker.StopContainer(ctx, row.ContainerID, stopGraceSeconds); err != nil && !docker.IsNotFound(err) {
		m.log.Warn("stop app container", "enrollment", enr.ID, "container", row.ContainerID, "error", err)
	}
	if err := m.docker.RemoveContainer(ctx, row.ContainerID); err != nil && !docker.IsNotFound(err) {
		m.log.Warn("remove app container", "enrollment", enr.ID, "container", row.ContainerID, "error", err)
	}
	if err := m.store.DeleteAppContainer(enr.ID); err != nil {
		return err
	}
	m.publish(enr, store.AppStopped, "app container stopped")
	m.log.Info("app container stopped", "enrollment", enr.ID)
	return nil
}

// Status reports the app container state for an enrollment, reconciling the
// stored row against the engine first. With no row the response only says
// whether the track offers an app and that it can be started.
func (m *Manager) Status(ctx context.Context, enr *store.Enrollment, tr *track.Track) (*Status, error) {
	row, err := m.store.GetAppContainer(enr.ID)
	if errors.Is(err, store.ErrNotFound) {
		return &Status{State: store.AppStopped, HasApp: tr.HasApp(), CanStart: true}, nil
	}
	if err != nil {
		return nil, err
	}

	row, err = m.reconcileRow(ctx, enr, tr, row)
	if err != nil {
		return nil, err
	}

	started := row.StartedAt
	return &Status{
		State:        row.Status,
		HasApp:       true,
		Type:         "container",
		URL:          BuildURL(tr, row.Ports),
		Ports:        row.Ports,
		CanRestart:   row.RestartCount < maxRestarts,
		RestartCount: row.RestartCount,
		StartedAt:    &started,
		Cookies:      AutoLoginCookies(tr),
	}, nil
}

// create builds a fresh container and row for the enrollment: stale-name
// removal, port allocation, create, start, then the soft readiness probe.
func (m *Manager) create(ctx context.Context, enr *store.Enrollment, tr *track.Track) (*store.AppContainer, error) {
	spec := tr.AppContainer
	if spec == nil || spec.Image == "" {
		return nil, fmt.Errorf("track %q has no app container", tr.ID)
	}
	name := ContainerName(enr.ID)

	if err := m.images.Ensure(ctx, spec.Image); err != nil {
		return nil, fmt.Errorf("ensure image %s: %w", spec.Image, err)
	}

	// A container with our name can survive an orchestrator crash. The name
	// is the per-enrollment serializer, so clear it before creating.
	if err := m.docker.RemoveContainer(ctx, name); err != nil && !docker.IsNotFound(err) {
		return nil, fmt.Errorf("remove stale app container: %w", err)
	}

	ports, exposed, bindings, err := allocatePorts(spec.Ports)
	if err != nil {
		return nil, err
	}

	cfg := &container.Config{
		Image:        spec.Image,
		Cmd:          spec.Command,
		Env:          docker.EnvSlice(docker.MergeEnv(tr.EnvSecrets, spec.Env, enr.Environment)),
		Labels:       docker.ManagedLabels(docker.TypeApp, enr.ID),
		ExposedPorts: exposed,
	}
	hostCfg := &container.HostConfig{
		PortBindings: bindings,
		Resources: container.Resources{
			Memory:   memoryLimit,
			NanoCPUs: nanoCPUs,
		},
		RestartPolicy: container.RestartPolicy{
			Name:              "on-failure",
			MaximumRetryCount: maxRestarts,
		},
	}

	id, err := m.docker.CreateContainer(ctx, name, cfg, hostCfg, nil)
	if err != nil {
		return nil, fmt.Errorf("create app container: %w", err)
	}
	if err := m.docker.StartContainer(ctx, id); err != nil {
		if rerr := m.docker.RemoveContainer(ctx, id); rerr != nil && !docker.IsNotFound(rerr) {
			m.log.Warn("remove app container after failed start", "container", id, "error", rerr)
		}
		return nil, fmt.Errorf("start app container: %w", err)
	}

	row := store.AppContainer{
		EnrollmentID:  enr.ID,
		ContainerID:   id,
		ContainerName: name,
		Image:         spec.Image,
		Status:        store.AppStarting,
		Ports:         ports,
		StartedAt:     m.clock.Now().UTC(),
	}
	if err := m.store.SaveAppContainer(row); err != nil {
		return nil, err
	}
	m.publish(enr, store.AppStarting, "app container created")
	m.log.Info("app container started", "enrollment", enr.ID, "container", id, "image", spec.Image)

	// Soft readiness probe. Exhaustion still lands on running: some apps
	// legitimately take longer than the probe window to accept connections.
	if port := FirstHostPort(tr, ports); port > 0 {
		if m.probeTCP(ctx, port) {
			now := m.clock.Now().UTC()
			row.LastHealthCheck = &now
		} else {
			m.log.Warn("app container port probe exhausted", "enrollment", enr.ID, "port", port)
		}
	}
	row.Status = store.AppRunning
	if err := m.store.SaveAppContainer(row); err != nil {
		return nil, err
	}
	m.publish(enr, store.AppRunning, "app container running")
	return &row, nil
}

// reconcileRow aligns one stored row with the engine's view of its container.
func (m *Manager) reconcileRow(ctx context.Context, enr *store.Enrollment, tr *track.Track, row *store.AppContainer) (*store.AppContainer, error) {
	info, err := m.docker.InspectContainer(ctx, row.ContainerID)
	if err != nil {
		if docker.IsNotFound(err) {
			if derr := m.store.DeleteAppContainer(enr.ID); derr != nil {
				return nil, derr
			}
			m.log.Info("app container lost by engine, recreating", "enrollment", enr.ID)
			return m.create(ctx, enr, tr)
		}
		return nil, fmt.Errorf("inspect app container: %w", err)
	}

	state := ""
	if info.State != nil {
		state = string(info.State.Status)
	}

	switch state {
	case "running":
		now := m.clock.Now().UTC()
		row.Status = store.AppRunning
		row.LastHealthCheck = &now
		if err := m.store.SaveAppContainer(*row); err != nil {
			return nil, err
		}
	case "exited", "dead":
		if err := m.docker.StartContainer(ctx, row.ContainerID); err != nil {
			row.Status = store.AppFailed
			if serr := m.store.SaveAppContainer(*row); serr != nil {
				m.log.Error("save app container", "enrollment", enr.ID, "error", serr)
			}
			m.publish(enr, store.AppFailed, "container would not start")
			return nil, fmt.Errorf("start app container: %w", err)
		}
		row.RestartCount++
		row.Status = store.AppRunning
		if err := m.store.SaveAppContainer(*row); err != nil {
			return nil, err
		}
		metrics.AppContainerRestarts.Inc()
		m.publish(enr, store.AppRunning, "app container restarted")
		m.log.Info("restarted exited app container", "enrollment", enr.ID, "container", row.ContainerID, "restart_count", row.RestartCount)
	default:
		if state != "" && state != row.Status {
			row.Status = state
			if err := m.store.SaveAppContainer(*row); err != nil {
				return nil, err
			}
		}
	}
	return row, nil
}

// probeTCP polls the mapped host port until it accepts a connection or the
// probe budget runs out.
func (m *Manager) probeTCP(ctx context.Context, port int) bool {
	addr := net.JoinHostPort("localhost", strconv.Itoa(port))
	deadline := m.clock.Now().Add(m.probeBudget)
	for {
		conn, err := net.DialTimeout("tcp", addr, probeDialTimeout)
		if err == nil {
			conn.Close()
			return true
		}
		if !m.clock.Now().Before(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-m.clock.After(m.probeInterval):
		}
	}
}

func (m *Manager) publish(enr *store.Enrollment, status, message string) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.Event{
		Type:         events.EventAppStatus,
		EnrollmentID: enr.ID,
		Status:       status,
		Message:      message,
		Timestamp:    m.clock.Now().UTC(),
		UserID:       enr.UserID,
	})
}

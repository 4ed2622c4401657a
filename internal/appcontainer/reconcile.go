package appcontainer

import (
	"context"
	"errors"
	"time"

	"github.com/davidgeorgehope/livelabs.cc/internal/clock"
	"github.com/davidgeorgehope/livelabs.cc/internal/docker"
	"github.com/davidgeorgehope/livelabs.cc/internal/logging"
	"github.com/davidgeorgehope/livelabs.cc/internal/metrics"
	"github.com/davidgeorgehope/livelabs.cc/internal/store"
)

// defaultReconcileInterval is used when the config does not set one.
const defaultReconcileInterval = time.Minute

// terminalOrphanGrace shields containers a session is still setting up from
// the sweep: a terminal created moments ago may not be registered yet.
const terminalOrphanGrace = 2 * time.Minute

// SessionTracker reports whether a terminal container belongs to a live
// WebSocket session. Implemented by terminal.Bridge; nil disables the
// terminal sweep.
type SessionTracker interface {
	SessionActive(containerID string) bool
}

// Reconciler periodically aligns stored app rows with the engine's view and
// sweeps managed app containers whose enrollment no longer exists. It never
// starts containers on its own; restarts stay with user-facing EnsureRunning
// calls so a crash-looping app does not fight the sweep.
type Reconciler struct {
	docker   Docker
	store    *store.Store
	sessions SessionTracker
	clock    clock.Clock
	log      *logging.Logger
	interval time.Duration
}

// NewReconciler creates a Reconciler. A non-positive interval selects the
// default.
func NewReconciler(d Docker, st *store.Store, sessions SessionTracker, clk clock.Clock, log *logging.Logger, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = defaultReconcileInterval
	}
	return &Reconciler{
		docker:   d,
		store:    st,
		sessions: sessions,
		clock:    clk,
		log:      log,
		interval: interval,
	}
}

// Run performs an initial sweep immediately, then sweeps at every interval.
// Exits when ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	r.log.Info("app reconciler started", "interval", r.interval)
	r.Sweep(ctx)

	for {
		select {
		case <-r.clock.After(r.interval):
			r.Sweep(ctx)
		case <-ctx.Done():
			r.log.Info("app reconciler stopped")
			return nil
		}
	}
}

// Sweep runs one reconciliation pass and returns the number of rows observed
// running. Individual failures are logged and skipped so one bad row cannot
// stall the rest of the sweep.
func (r *Reconciler) Sweep(ctx context.Context) int {
	running := 0

	rows, err := r.store.ListAppContainers()
	if err != nil {
		r.log.Error("list app containers", "error", err)
		return 0
	}

	for _, row := range rows {
		if row.Status == store.AppStarting {
			// Mid-start, owned by the creating request.
			continue
		}

		if _, err := r.store.GetEnrollment(row.EnrollmentID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				r.teardown(ctx, row.ContainerID)
				if derr := r.store.DeleteAppContainer(row.EnrollmentID); derr != nil {
					r.log.Error("delete orphaned app row", "enrollment", row.EnrollmentID, "error", derr)
				}
				r.log.Info("removed app container for deleted enrollment", "enrollment", row.EnrollmentID)
			} else {
				r.log.Error("load enrollment", "enrollment", row.EnrollmentID, "error", err)
			}
			continue
		}

		info, err := r.docker.InspectContainer(ctx, row.ContainerID)
		if err != nil {
			if docker.IsNotFound(err) {
				if derr := r.store.DeleteAppContainer(row.EnrollmentID); derr != nil {
					r.log.Error("delete app row", "enrollment", row.EnrollmentID, "error", derr)
				}
				r.log.Info("dropped app row for missing container", "enrollment", row.EnrollmentID)
			} else {
				r.log.Error("inspect app container", "enrollment", row.EnrollmentID, "error", err)
			}
			continue
		}

		state := ""
		if info.State != nil {
			state = string(info.State.Status)
		}
		if state == "running" {
			running++
		}
		if state != "" && state != row.Status {
			row.Status = state
			if err := r.store.SaveAppContainer(row); err != nil {
				r.log.Error("save app container", "enrollment", row.EnrollmentID, "error", err)
			} else {
				r.log.Debug("app container status drift corrected", "enrollment", row.EnrollmentID, "status", state)
			}
		}
	}

	// Managed app containers whose enrollment is gone have no row pointing
	// at them; find them by label.
	containers, err := r.docker.ListContainersByLabel(ctx, docker.LabelType, docker.TypeApp)
	if err != nil {
		r.log.Error("list managed app containers", "error", err)
	} else {
		for _, c := range containers {
			if c.Labels[docker.LabelType] != docker.TypeApp {
				continue
			}
			eid := docker.EnrollmentID(c.Labels)
			if eid == "" {
				continue
			}
			if _, err := r.store.GetEnrollment(eid); errors.Is(err, store.ErrNotFound) {
				r.teardown(ctx, c.ID)
				if derr := r.store.DeleteAppContainer(eid); derr != nil {
					r.log.Error("delete app row", "enrollment", eid, "error", derr)
				}
				r.log.Info("removed orphaned app container", "enrollment", eid, "container", c.ID)
			}
		}
	}

	r.sweepTerminals(ctx)

	metrics.AppContainersRunning.Set(float64(running))
	return running
}

// sweepTerminals removes terminal containers that no live session owns.
// Sessions stop and remove their container on every exit path, so anything
// unowned past the grace window is a leftover from a crashed process.
func (r *Reconciler) sweepTerminals(ctx context.Context) {
	if r.sessions == nil {
		return
	}

	containers, err := r.docker.ListContainersByLabel(ctx, docker.LabelType, docker.TypeTerminal)
	if err != nil {
		r.log.Error("list terminal containers", "error", err)
		return
	}

	cutoff := r.clock.Now().Add(-terminalOrphanGrace).Unix()
	for _, c := range containers {
		if c.Labels[docker.LabelType] != docker.TypeTerminal {
			continue
		}
		if c.Created > cutoff || r.sessions.SessionActive(c.ID) {
			continue
		}
		r.teardown(ctx, c.ID)
		r.log.Info("removed orphaned terminal container",
			"container", c.ID, "enrollment", docker.EnrollmentID(c.Labels))
	}
}

func (r *Reconciler) teardown(ctx context.Context, id string) {
	if err := r.docker.StopContainer(ctx, id, stopGraceSeconds); err != nil && !docker.IsNotFound(err) {
		r.log.Warn("stop orphaned container", "container", id, "error", err)
	}
	if err := r.docker.RemoveContainer(ctx, id); err != nil && !docker.IsNotFound(err) {
		r.log.Warn("remove orphaned container", "container", id, "error", err)
	}
}

// Package appinit runs a track's one-shot init script for an enrollment and
// records the URL and cookies the script reports. The enrollment row's
// init_status is the single-flight gate: the store transitions it to running
// atomically, and only the caller that wins the transition executes the
// script. Everyone else sees the in-flight or cached outcome.
package appinit

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/davidgeorgehope/livelabs.cc/internal/clock"
	"github.com/davidgeorgehope/livelabs.cc/internal/events"
	"github.com/davidgeorgehope/livelabs.cc/internal/logging"
	"github.com/davidgeorgehope/livelabs.cc/internal/metrics"
	"github.com/davidgeorgehope/livelabs.cc/internal/runner"
	"github.com/davidgeorgehope/livelabs.cc/internal/store"
	"github.com/davidgeorgehope/livelabs.cc/internal/track"
)

// outputCap bounds how much stdout is echoed back in a parse error.
const outputCap = 500

// alreadyRunningMessage is returned to callers that lose the single-flight
// gate while another request owns the run.
const alreadyRunningMessage = "Initialization already in progress"

// ScriptRunner executes one script in a disposable sandbox container.
// Implemented by runner.Runner.
type ScriptRunner interface {
	Run(ctx context.Context, req runner.Request) runner.Result
}

// Result is the outcome of an init request.
type Result struct {
	Status  string         `json:"status"`
	URL     string         `json:"url,omitempty"`
	Cookies []track.Cookie `json:"cookies,omitempty"`
	Error   string         `json:"error,omitempty"`
	Message string         `json:"message,omitempty"`
}

// Orchestrator runs init scripts at most once per enrollment.
type Orchestrator struct {
	store  *store.Store
	runner ScriptRunner
	clock  clock.Clock
	log    *logging.Logger
	bus    *events.Bus
}

// NewOrchestrator creates an Orchestrator. bus may be nil when event
// streaming is not wanted (tests, one-shot tools).
func NewOrchestrator(st *store.Store, run ScriptRunner, clk clock.Clock, log *logging.Logger, bus *events.Bus) *Orchestrator {
	return &Orchestrator{
		store:  st,
		runner: run,
		clock:  clk,
		log:    log,
		bus:    bus,
	}
}

// RunInit executes the track's init script for the enrollment, or returns the
// recorded outcome when it already ran. Failures are folded into the Result,
// never returned as errors: a failed run records init_status=failed with a
// descriptive init_error and stays retryable.
func (o *Orchestrator) RunInit(ctx context.Context, enr *store.Enrollment, tr *track.Track) Result {
	// Static config: no script to run, the template is the URL.
	if !tr.HasInitScript() {
		result := store.InitResult{
			Success:     true,
			AppURL:      tr.AppURLTemplate,
			CompletedAt: o.clock.Now().UTC(),
		}
		if err := o.store.FinishInit(enr.ID, result); err != nil {
			return o.unexpected(enr, err)
		}
		o.publish(enr, store.InitSuccess, "")
		return Result{Status: store.InitSuccess, URL: tr.AppURLTemplate}
	}

	row, started, err := o.store.MarkInitRunning(enr.ID)
	if err != nil {
		return o.unexpected(enr, err)
	}
	if !started {
		if row.InitStatus == store.InitSuccess {
			return Result{Status: store.InitSuccess, URL: row.AppURL, Cookies: row.AppCookies}
		}
		return Result{Status: store.InitRunning, Message: alreadyRunningMessage}
	}

	o.log.Info("running init script", "enrollment_id", enr.ID, "image", tr.DockerImage)
	o.publish(enr, store.InitRunning, "")
	return o.run(ctx, enr, tr)
}

// run owns the single in-flight execution for the enrollment.
func (o *Orchestrator) run(ctx context.Context, enr *store.Enrollment, tr *track.Track) Result {
	exec := store.Execution{
		ID:           uuid.NewString(),
		EnrollmentID: enr.ID,
		ScriptType:   store.ScriptInit,
		Status:       store.ExecutionRunning,
		StartedAt:    o.clock.Now().UTC(),
	}
	if err := o.store.CreateExecution(exec); err != nil {
		o.log.Warn("init execution record failed", "enrollment_id", enr.ID, "error", err)
	}

	res := o.runner.Run(ctx, runner.Request{
		Script: tr.InitScript,
		Env:    tr.EnvSecrets,
		Image:  tr.DockerImage,
	})
	o.finalizeExecution(exec, res)

	if !res.Success {
		msg := res.Stderr
		if msg == "" {
			msg = fmt.Sprintf("Script exited with code %d", res.ExitCode)
		}
		return o.fail(enr, msg)
	}

	envelope, err := parseEnvelope(res.Stdout)
	if err != nil {
		return o.fail(enr, fmt.Sprintf("Invalid JSON output: %v\nOutput: %s", err, capOutput(res.Stdout)))
	}
	if envelope.URL == "" {
		return o.fail(enr, "Init script did not return a 'url' in JSON output")
	}

	if err := o.store.FinishInit(enr.ID, store.InitResult{
		Success:     true,
		AppURL:      envelope.URL,
		AppCookies:  envelope.Cookies,
		CompletedAt: o.clock.Now().UTC(),
	}); err != nil {
		return o.unexpected(enr, err)
	}

	metrics.InitRunsTotal.WithLabelValues("success").Inc()
	o.publish(enr, store.InitSuccess, "")
	o.log.Info("init script succeeded", "enrollment_id", enr.ID, "url", envelope.URL)
	return Result{Status: store.InitSuccess, URL: envelope.URL, Cookies: envelope.Cookies}
}

// finalizeExecution writes the terminal audit row for the script run.
func (o *Orchestrator) finalizeExecution(exec store.Execution, res runner.Result) {
	exec.Status = store.ExecutionSuccess
	if !res.Success {
		exec.Status = store.ExecutionFailed
	}
	exitCode := res.ExitCode
	exec.ExitCode = &exitCode
	exec.Stdout = res.Stdout
	exec.Stderr = res.Stderr
	exec.DurationMS = res.DurationMS
	finished := o.clock.Now().UTC()
	exec.FinishedAt = &finished

	if err := o.store.FinalizeExecution(exec); err != nil {
		o.log.Warn("init execution finalize failed", "enrollment_id", exec.EnrollmentID, "error", err)
	}
	metrics.ExecutionsTotal.WithLabelValues(store.ScriptInit, exec.Status).Inc()
}

// fail records the failure on the enrollment and returns the failed Result.
// The row moves to init_status=failed, so a later request may retry.
func (o *Orchestrator) fail(enr *store.Enrollment, msg string) Result {
	if err := o.store.FinishInit(enr.ID, store.InitResult{Error: msg}); err != nil {
		o.log.Warn("init failure record failed", "enrollment_id", enr.ID, "error", err)
	}
	metrics.InitRunsTotal.WithLabelValues("failed").Inc()
	o.publish(enr, store.InitFailed, msg)
	o.log.Warn("init script failed", "enrollment_id", enr.ID, "error", msg)
	return Result{Status: store.InitFailed, Error: msg}
}

// unexpected folds store failures into the failed surface.
func (o *Orchestrator) unexpected(enr *store.Enrollment, err error) Result {
	return o.fail(enr, fmt.Sprintf("Unexpected error: %v", err))
}

func (o *Orchestrator) publish(enr *store.Enrollment, status, message string) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(events.Event{
		Type:         events.EventInit,
		EnrollmentID: enr.ID,
		Status:       status,
		Message:      message,
		Timestamp:    o.clock.Now().UTC(),
		UserID:       enr.UserID,
	})
}

// capOutput bounds stdout echoed into init_error messages.
func capOutput(s string) string {
	if len(s) <= outputCap {
		return s
	}
	return s[:outputCap]
}

// Package runner executes author-supplied shell scripts in one-shot
// containers with resource and time limits.
package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"

	"github.com/davidgeorgehope/livelabs.cc/internal/clock"
	"github.com/davidgeorgehope/livelabs.cc/internal/docker"
	"github.com/davidgeorgehope/livelabs.cc/internal/logging"
	"github.com/davidgeorgehope/livelabs.cc/internal/metrics"
)

// DefaultTimeout is the wall-clock limit applied when a request does not set
// its own.
const DefaultTimeout = 300 * time.Second

// Resource limits for every runner container.
const (
	memoryLimit = 512 * 1024 * 1024 // 512 MiB
	cpuPeriod   = 100000            // microseconds
	cpuQuota    = 50000             // half of one core
)

// cleanupTimeout bounds the force-remove after a run, which uses its own
// context because the request context may already be dead.
const cleanupTimeout = 30 * time.Second

// Docker is the subset of engine operations the runner needs.
type Docker interface {
	CreateContainer(ctx context.Context, name string, cfg *container.Config, hostCfg *container.HostConfig, netCfg *network.NetworkingConfig) (string, error)
	StartContainer(ctx context.Context, id string) error
	WaitContainer(ctx context.Context, id string) (int, error)
	ContainerLogs(ctx context.Context, id string) (stdout, stderr string, err error)
	RemoveContainer(ctx context.Context, id string) error
}

// ImageEnsurer makes an image available locally, pulling it if needed.
type ImageEnsurer interface {
	Ensure(ctx context.Context, image string) error
}

// Request describes one script execution.
type Request struct {
	Script  string
	Env     map[string]string
	Image   string
	Timeout time.Duration // 0 means DefaultTimeout (or the configured override)
}

// Result is the outcome of a script execution. Failures are folded into the
// result: a synthetic stderr with a deterministic prefix and exit code 1,
// or 124 when the wall-clock limit was hit.
type Result struct {
	Success    bool   `json:"success"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exit_code"`
	DurationMS int64  `json:"duration_ms"`
}

// Runner executes scripts in fresh containers. It is stateless and safe for
// concurrent use.
type Runner struct {
	docker  Docker
	images  ImageEnsurer
	clock   clock.Clock
	log     *logging.Logger
	timeout time.Duration
}

// New creates a Runner. A non-positive timeout selects DefaultTimeout.
func New(dockerClient Docker, images ImageEnsurer, clk clock.Clock, log *logging.Logger, timeout time.Duration) *Runner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Runner{
		docker:  dockerClient,
		images:  images,
		clock:   clk,
		log:     log,
		timeout: timeout,
	}
}

// Run executes the script in a fresh container and always returns a Result;
// failures become synthetic results, never errors. The container is
// force-removed on every exit path.
func (r *Runner) Run(ctx context.Context, req Request) Result {
	if strings.TrimSpace(req.Script) == "" {
		return Result{Success: true}
	}

	start := r.clock.Now()
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = r.timeout
	}

	if err := r.images.Ensure(ctx, req.Image); err != nil {
		r.log.Warn("runner image unavailable", "image", req.Image, "error", err)
		return r.fail(start, 1, "Docker image not found: "+req.Image)
	}

	cfg := &container.Config{
		Image:  req.Image,
		Cmd:    []string{"bash", "-c", req.Script},
		Env:    docker.EnvSlice(req.Env),
		Labels: docker.ManagedLabels(docker.TypeRunner, ""),
	}
	hostCfg := &container.HostConfig{
		NetworkMode: "bridge",
		Resources: container.Resources{
			Memory:    memoryLimit,
			CPUPeriod: cpuPeriod,
			CPUQuota:  cpuQuota,
		},
	}

	id, err := r.docker.CreateContainer(ctx, "", cfg, hostCfg, nil)
	if err != nil {
		if docker.IsNotFound(err) {
			return r.fail(start, 1, "Docker image not found: "+req.Image)
		}
		return r.fail(start, 1, fmt.Sprintf("Docker API error: %v", err))
	}
	defer r.cleanup(id)

	if err := r.docker.StartContainer(ctx, id); err != nil {
		return r.fail(start, 1, fmt.Sprintf("Docker API error: %v", err))
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	exitCode, err := r.docker.WaitContainer(waitCtx, id)
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			r.log.Warn("script execution timed out", "container_id", id, "timeout", timeout)
			return r.fail(start, 124, fmt.Sprintf("Execution timed out after %d seconds", int(timeout.Seconds())))
		case errors.Is(err, context.Canceled):
			return r.fail(start, 1, fmt.Sprintf("Execution error: %v", err))
		default:
			return r.fail(start, 1, fmt.Sprintf("Docker API error: %v", err))
		}
	}

	stdout, stderr, err := r.docker.ContainerLogs(ctx, id)
	if err != nil {
		return r.fail(start, 1, fmt.Sprintf("Docker API error: %v", err))
	}

	duration := r.clock.Since(start)
	metrics.ExecutionDuration.Observe(duration.Seconds())
	r.log.Debug("script execution finished",
		"container_id", id, "exit_code", exitCode, "duration_ms", duration.Milliseconds())

	return Result{
		Success:    exitCode == 0,
		Stdout:     stdout,
		Stderr:     stderr,
		ExitCode:   exitCode,
		DurationMS: duration.Milliseconds(),
	}
}

func (r *Runner) fail(start time.Time, exitCode int, stderr string) Result {
	return Result{
		Success:    false,
		Stderr:     stderr,
		ExitCode:   exitCode,
		DurationMS: r.clock.Since(start).Milliseconds(),
	}
}

// cleanup force-removes the container. Runs on its own context so removal
// still happens after a timeout or cancellation; failures are only logged.
func (r *Runner) cleanup(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := r.docker.RemoveContainer(ctx, id); err != nil && !docker.IsNotFound(err) {
		r.log.Warn("runner container cleanup failed", "container_id", id, "error", err)
	}
}

package docker

import (
	"context"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"
)

// API defines the subset of Docker operations the orchestrator uses.
// Implemented by Client for production, and by mocks for testing.
type API interface {
	ListContainers(ctx context.Context) ([]container.Summary, error)
	ListAllContainers(ctx context.Context) ([]container.Summary, error)
	ListContainersByLabel(ctx context.Context, key, value string) ([]container.Summary, error)
	InspectContainer(ctx context.Context, id string) (container.InspectResponse, error)
	CreateContainer(ctx context.Context, name string, cfg *container.Config, hostCfg *container.HostConfig, netCfg *network.NetworkingConfig) (string, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string, timeout int) error
	RestartContainer(ctx context.Context, id string) error
	RemoveContainer(ctx context.Context, id string) error
	WaitContainer(ctx context.Context, id string) (int, error)
	ContainerLogs(ctx context.Context, id string) (stdout, stderr string, err error)
	OpenShell(ctx context.Context, id string, cmd []string) (*ShellStream, error)
	ResizeShell(ctx context.Context, execID string, height, width uint) error
	PullImage(ctx context.Context, refStr string) error
	ImageExists(ctx context.Context, refStr string) (bool, error)
	ListImages(ctx context.Context) ([]ImageSummary, error)
	RemoveImage(ctx context.Context, ref string) error
	PruneImages(ctx context.Context) (ImagePruneResult, error)
	Ping(ctx context.Context) error
	Close() error
}

// Verify Client implements API at compile time.
var _ API = (*Client)(nil)

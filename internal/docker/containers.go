package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/moby/moby/api/pkg/stdcopy"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"
	"github.com/moby/moby/client"
)

// waitPollInterval is how often WaitContainer re-inspects a container.
const waitPollInterval = 250 * time.Millisecond

// ListContainers returns all running containers.
func (c *Client) ListContainers(ctx context.Context) ([]container.Summary, error) {
	opts := client.ContainerListOptions{
		Filters: make(client.Filters).Add("status", "running"),
	}
	result, err := c.api.ContainerList(ctx, opts)
	if err != nil {
		return nil, err
	}
	return result.Items, nil
}

// ListAllContainers returns all containers regardless of state.
func (c *Client) ListAllContainers(ctx context.Context) ([]container.Summary, error) {
	result, err := c.api.ContainerList(ctx, client.ContainerListOptions{All: true})
	if err != nil {
		return nil, err
	}
	return result.Items, nil
}

// ListContainersByLabel returns all containers (any state) carrying the
// given label key=value pair.
func (c *Client) ListContainersByLabel(ctx context.Context, key, value string) ([]container.Summary, error) {
	opts := client.ContainerListOptions{
		All:     true,
		Filters: make(client.Filters).Add("label", key+"="+value),
	}
	result, err := c.api.ContainerList(ctx, opts)
	if err != nil {
		return nil, err
	}
	return result.Items, nil
}

// InspectContainer returns full container details by ID or name.
func (c *Client) InspectContainer(ctx context.Context, id string) (container.InspectResponse, error) {
	result, err := c.api.ContainerInspect(ctx, id, client.ContainerInspectOptions{})
	if err != nil {
		return container.InspectResponse{}, err
	}
	return result.Container, nil
}

// CreateContainer creates a new container and returns its ID. An empty name
// lets the engine pick one.
func (c *Client) CreateContainer(ctx context.Context, name string, cfg *container.Config, hostCfg *container.HostConfig, netCfg *network.NetworkingConfig) (string, error) {
	resp, err := c.api.ContainerCreate(ctx, client.ContainerCreateOptions{
		Name:             name,
		Config:           cfg,
		HostConfig:       hostCfg,
		NetworkingConfig: netCfg,
	})
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

// StartContainer starts a stopped container.
func (c *Client) StartContainer(ctx context.Context, id string) error {
	_, err := c.api.ContainerStart(ctx, id, client.ContainerStartOptions{})
	return err
}

// StopContainer stops a running container with the given grace period in seconds.
func (c *Client) StopContainer(ctx context.Context, id string, timeout int) error {
	_, err := c.api.ContainerStop(ctx, id, client.ContainerStopOptions{Timeout: &timeout})
	return err
}

// RestartContainer restarts a container.
func (c *Client) RestartContainer(ctx context.Context, id string) error {
	_, err := c.api.ContainerRestart(ctx, id, client.ContainerRestartOptions{})
	return err
}

// RemoveContainer removes a container (force), killing it if still running.
func (c *Client) RemoveContainer(ctx context.Context, id string) error {
	_, err := c.api.ContainerRemove(ctx, id, client.ContainerRemoveOptions{Force: true})
	return err
}

// WaitContainer blocks until the container is no longer running and returns
// its exit code. The caller bounds the wait through ctx.
func (c *Client) WaitContainer(ctx context.Context, id string) (int, error) {
	for {
		info, err := c.InspectContainer(ctx, id)
		if err != nil {
			return 0, err
		}
		if info.State != nil && !info.State.Running && !info.State.Restarting {
			return info.State.ExitCode, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(waitPollInterval):
		}
	}
}

// ContainerLogs returns the container's full output split into stdout and
// stderr. Invalid UTF-8 sequences are replaced so the result is always safe
// to serialize.
func (c *Client) ContainerLogs(ctx context.Context, id string) (string, string, error) {
	opts := client.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	}
	reader, err := c.api.ContainerLogs(ctx, id, opts)
	if err != nil {
		return "", "", fmt.Errorf("container logs: %w", err)
	}
	defer reader.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, reader); err != nil {
		// Containers running in raw TTY mode have no stream headers;
		// fall back to a direct read, all of it as stdout.
		reader2, err2 := c.api.ContainerLogs(ctx, id, opts)
		if err2 != nil {
			return "", "", fmt.Errorf("container logs fallback: %w", err2)
		}
		defer reader2.Close()
		raw, _ := io.ReadAll(reader2)
		return lossyUTF8(string(raw)), "", nil
	}

	return lossyUTF8(stdout.String()), lossyUTF8(stderr.String()), nil
}

// lossyUTF8 replaces invalid byte sequences with the Unicode replacement rune.
func lossyUTF8(s string) string {
	return strings.ToValidUTF8(s, string(utf8.RuneError))
}

package docker

import (
	"context"
	"fmt"
	"io"

	"github.com/moby/moby/client"
)

// ShellStream is a live interactive exec session inside a container.
// Output carries the raw TTY byte stream; Input feeds the process stdin.
type ShellStream struct {
	ExecID string
	Output io.Reader
	Input  io.Writer

	closeFn func()
}

// NewShellStream wraps an already attached exec stream. close tears down the
// underlying connection and may be nil.
func NewShellStream(execID string, output io.Reader, input io.Writer, close func()) *ShellStream {
	return &ShellStream{ExecID: execID, Output: output, Input: input, closeFn: close}
}

// Close tears down the attached connection. Safe to call more than once.
func (s *ShellStream) Close() {
	if s.closeFn != nil {
		s.closeFn()
		s.closeFn = nil
	}
}

// OpenShell starts an interactive TTY exec running cmd inside the container
// and attaches to it, returning the duplex stream.
func (c *Client) OpenShell(ctx context.Context, id string, cmd []string) (*ShellStream, error) {
	execResp, err := c.api.ExecCreate(ctx, id, client.ExecCreateOptions{
		Cmd:          cmd,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		TTY:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("exec create: %w", err)
	}

	attachResp, err := c.api.ExecAttach(ctx, execResp.ID, client.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("exec attach: %w", err)
	}

	return NewShellStream(execResp.ID, attachResp.Reader, attachResp.Conn, func() {
		attachResp.Close()
	}), nil
}

// ResizeShell updates the pseudo-terminal dimensions of a running exec.
func (c *Client) ResizeShell(ctx context.Context, execID string, height, width uint) error {
	_, err := c.api.ExecResize(ctx, execID, client.ExecResizeOptions{
		Height: height,
		Width:  width,
	})
	return err
}

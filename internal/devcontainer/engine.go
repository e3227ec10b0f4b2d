// Package devcontainer supervises container-mode services through the
// devcontainer CLI and the container engine's status API.
package devcontainer

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

// ContainerSummary is the engine-agnostic slice of container state the
// orchestrator needs.
type ContainerSummary struct {
	Name  string
	State string
	Image string
	Ports []string
}

// EngineClient wraps the Docker SDK client.
type EngineClient struct {
	inner *client.Client
}

// NewEngineClient creates an engine client using environment defaults, with
// an optional host override.
func NewEngineClient(host string) (*EngineClient, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	inner, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create engine client: %w", err)
	}
	return &EngineClient{inner: inner}, nil
}

// ListAll returns every container known to the engine, running or not.
func (c *EngineClient) ListAll(ctx context.Context) ([]ContainerSummary, error) {
	containers, err := c.inner.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	summaries := make([]ContainerSummary, 0, len(containers))
	for _, item := range containers {
		summaries = append(summaries, summarize(item))
	}
	return summaries, nil
}

// Stop stops the named container. A container that is already stopped or
// gone counts as success; any other engine error propagates.
func (c *EngineClient) Stop(ctx context.Context, name string) error {
	if err := c.inner.ContainerStop(ctx, name, container.StopOptions{}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("stop container %s: %w", name, err)
	}
	return nil
}

// Logs attaches to the container's log stream. The returned reader is the
// engine's multiplexed format; callers demultiplex with stdcopy.
func (c *EngineClient) Logs(ctx context.Context, name, tail string, follow bool) (io.ReadCloser, error) {
	rc, err := c.inner.ContainerLogs(ctx, name, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     follow,
		Tail:       tail,
	})
	if err != nil {
		return nil, err
	}
	return rc, nil
}

// Close releases resources held by the engine client.
func (c *EngineClient) Close() error {
	if c.inner == nil {
		return nil
	}
	return c.inner.Close()
}

// IsNotFound reports whether err means the container does not exist.
func IsNotFound(err error) bool {
	return client.IsErrNotFound(err)
}

// IsEngineDown reports whether err means the container engine is simply not
// running. This is an expected, frequent condition and must not be logged as
// a failure.
func IsEngineDown(err error) bool {
	if err == nil {
		return false
	}
	if client.IsErrConnectionFailed(err) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "no such file or directory") ||
		strings.Contains(msg, "Cannot connect to the Docker daemon")
}

func summarize(item types.Container) ContainerSummary {
	name := ""
	if len(item.Names) > 0 {
		name = strings.TrimPrefix(item.Names[0], "/")
	}
	return ContainerSummary{
		Name:  name,
		State: item.State,
		Image: item.Image,
		Ports: formatPorts(item.Ports),
	}
}

func formatPorts(ports []types.Port) []string {
	out := make([]string, 0, len(ports))
	for _, p := range ports {
		proto := nat.Port(fmt.Sprintf("%d/%s", p.PrivatePort, p.Type))
		if p.PublicPort > 0 {
			out = append(out, fmt.Sprintf("%d->%s", p.PublicPort, proto))
		} else {
			out = append(out, string(proto))
		}
	}
	return out
}

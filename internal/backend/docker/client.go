package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/dallay/cvix-sub006/internal/backend"
)

// maxLogBytes bounds how much container output is kept for diagnostics.
const maxLogBytes = 64 * 1024

// Client implements backend.Runtime on top of the Docker Engine API.
// It owns its HTTP transport: Close shuts it down and every later call
// fails with backend.ErrRuntimeClosed.
type Client struct {
	cli    *client.Client
	logger *slog.Logger
	closed atomic.Bool
}

// Check if Client implements backend.Runtime.
var _ backend.Runtime = (*Client)(nil)

// NewClient creates a Docker client. An empty host uses the DOCKER_HOST
// environment defaults; the API version is negotiated on first use.
func NewClient(host string, logger *slog.Logger) (*Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	logger.Info("docker client initialized", "host", cli.DaemonHost())
	return &Client{cli: cli, logger: logger}, nil
}

// Close shuts the transport down. It is safe to call more than once.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.cli.Close()
}

func (c *Client) checkOpen() error {
	if c.closed.Load() {
		return backend.ErrRuntimeClosed
	}
	return nil
}

// InspectImage reports whether ref is present in the local image store.
func (c *Client) InspectImage(ctx context.Context, ref string) (err error) {
	if err := c.checkOpen(); err != nil {
		return err
	}
	defer observe(opImageInspect, time.Now(), &err)

	if _, err := c.cli.ImageInspect(ctx, ref); err != nil {
		if cerrdefs.IsNotFound(err) {
			return fmt.Errorf("inspect image %s: %w", ref, backend.ErrImageNotFound)
		}
		return c.wrap(fmt.Sprintf("inspect image %s", ref), err)
	}
	return nil
}

// PullImage pulls ref and drains the progress stream, surfacing any error
// the daemon reports inside the stream.
func (c *Client) PullImage(ctx context.Context, ref string) (err error) {
	if err := c.checkOpen(); err != nil {
		return err
	}
	defer observe(opImagePull, time.Now(), &err)

	rc, err := c.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return c.wrap(fmt.Sprintf("pull image %s", ref), err)
	}
	defer rc.Close()

	if err := jsonmessage.DisplayJSONMessagesStream(rc, io.Discard, 0, false, nil); err != nil {
		return c.wrap(fmt.Sprintf("pull image %s", ref), err)
	}
	return nil
}

// CreateContainer creates a hardened container for spec.
func (c *Client) CreateContainer(ctx context.Context, spec backend.ContainerSpec) (id string, err error) {
	if err := c.checkOpen(); err != nil {
		return "", err
	}
	defer observe(opContainerCreate, time.Now(), &err)

	cfg, hostCfg := containerConfig(spec)
	resp, err := c.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", c.wrap("create container", err)
	}
	for _, w := range resp.Warnings {
		c.logger.Warn("container create warning", "container_id", resp.ID, "warning", w)
	}
	return resp.ID, nil
}

// StartContainer starts a created container.
func (c *Client) StartContainer(ctx context.Context, id string) (err error) {
	if err := c.checkOpen(); err != nil {
		return err
	}
	defer observe(opContainerStart, time.Now(), &err)

	if err := c.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return c.wrap("start container", err)
	}
	return nil
}

// InspectContainer returns the container's current state.
func (c *Client) InspectContainer(ctx context.Context, id string) (state backend.ContainerState, err error) {
	if err := c.checkOpen(); err != nil {
		return backend.ContainerState{}, err
	}
	defer observe(opContainerInspect, time.Now(), &err)

	resp, err := c.cli.ContainerInspect(ctx, id)
	if err != nil {
		return backend.ContainerState{}, c.wrap("inspect container", err)
	}
	if resp.ContainerJSONBase == nil || resp.State == nil {
		return backend.ContainerState{}, fmt.Errorf("inspect container %s: no state reported", id)
	}
	return backend.ContainerState{
		Status:    string(resp.State.Status),
		Running:   resp.State.Running,
		ExitCode:  resp.State.ExitCode,
		OOMKilled: resp.State.OOMKilled,
	}, nil
}

// StopContainer stops the container, killing it once grace elapses.
func (c *Client) StopContainer(ctx context.Context, id string, grace time.Duration) (err error) {
	if err := c.checkOpen(); err != nil {
		return err
	}
	defer observe(opContainerStop, time.Now(), &err)

	secs := int(grace.Seconds())
	if err := c.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs}); err != nil {
		return c.wrap("stop container", err)
	}
	return nil
}

// RemoveContainer force-removes the container and its anonymous volumes.
func (c *Client) RemoveContainer(ctx context.Context, id string) (err error) {
	if err := c.checkOpen(); err != nil {
		return err
	}
	defer observe(opContainerRemove, time.Now(), &err)

	if err := c.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil
		}
		return c.wrap("remove container", err)
	}
	return nil
}

// ContainerLogs returns the container's stdout and stderr interleaved,
// truncated to the last maxLogBytes.
func (c *Client) ContainerLogs(ctx context.Context, id string) (logs string, err error) {
	if err := c.checkOpen(); err != nil {
		return "", err
	}
	defer observe(opContainerLogs, time.Now(), &err)

	rc, err := c.cli.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(2000),
	})
	if err != nil {
		return "", c.wrap("container logs", err)
	}
	defer rc.Close()

	// Both streams go to the same buffer so the output keeps its ordering.
	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, rc); err != nil {
		return "", c.wrap("read container logs", err)
	}
	out := buf.Bytes()
	if len(out) > maxLogBytes {
		out = out[len(out)-maxLogBytes:]
	}
	return string(out), nil
}

// Ping checks that the daemon answers.
func (c *Client) Ping(ctx context.Context) (err error) {
	if err := c.checkOpen(); err != nil {
		return err
	}
	defer observe(opPing, time.Now(), &err)

	if _, err := c.cli.Ping(ctx); err != nil {
		return c.wrap("ping", err)
	}
	return nil
}

// Version returns the daemon's version details.
func (c *Client) Version(ctx context.Context) (info backend.DaemonInfo, err error) {
	if err := c.checkOpen(); err != nil {
		return backend.DaemonInfo{}, err
	}
	defer observe(opVersion, time.Now(), &err)

	v, err := c.cli.ServerVersion(ctx)
	if err != nil {
		return backend.DaemonInfo{}, c.wrap("server version", err)
	}
	return backend.DaemonInfo{
		Version:    v.Version,
		APIVersion: v.APIVersion,
		OS:         v.Os,
		Arch:       v.Arch,
	}, nil
}

// wrap annotates err with the operation. A call that raced with Close is
// reported as backend.ErrRuntimeClosed so callers do not mistake it for a
// transient network fault.
func (c *Client) wrap(op string, err error) error {
	if c.closed.Load() {
		return fmt.Errorf("%s: %w (%w)", op, backend.ErrRuntimeClosed, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

package backend

import (
	"context"
	"errors"
	"time"
)

// ErrImageNotFound is returned by InspectImage when the image is not present locally.
var ErrImageNotFound = errors.New("image not found")

// ErrRuntimeClosed is returned by every operation once the runtime's transport
// has been shut down. Retrying on the same runtime cannot succeed.
var ErrRuntimeClosed = errors.New("container runtime transport closed")

// Runtime is the interface the container daemon client must implement.
type Runtime interface {
	// InspectImage returns nil when the image exists locally and
	// ErrImageNotFound when it does not.
	InspectImage(ctx context.Context, ref string) error

	// PullImage pulls the image and blocks until the pull stream completes.
	PullImage(ctx context.Context, ref string) error

	// CreateContainer creates (but does not start) a container and returns its ID.
	CreateContainer(ctx context.Context, spec ContainerSpec) (string, error)

	StartContainer(ctx context.Context, id string) error

	InspectContainer(ctx context.Context, id string) (ContainerState, error)

	// StopContainer asks the container to stop, killing it after grace.
	StopContainer(ctx context.Context, id string, grace time.Duration) error

	// RemoveContainer force-removes the container.
	RemoveContainer(ctx context.Context, id string) error

	// ContainerLogs returns stdout and stderr combined.
	ContainerLogs(ctx context.Context, id string) (string, error)

	Ping(ctx context.Context) error

	Version(ctx context.Context) (DaemonInfo, error)
}

// ContainerSpec describes a single-purpose compilation container.
type ContainerSpec struct {
	Name  string
	Image string
	Cmd   []string
	Env   []string

	// User is "uid:gid"; it matches the owner of HostDir.
	User string

	// HostDir is bind-mounted read-write at MountPath, which is also the
	// working directory.
	HostDir   string
	MountPath string

	MemoryLimitMB int64
	CPUQuota      float64
	PidsLimit     int64

	// TmpfsSizeMB sizes the writable /tmp under the read-only root filesystem.
	TmpfsSizeMB int64

	Labels map[string]string
}

// ContainerState is the subset of container inspect output the engine polls.
type ContainerState struct {
	Status    string
	Running   bool
	ExitCode  int
	OOMKilled bool
}

// DaemonInfo describes the container daemon for health reporting.
type DaemonInfo struct {
	Version    string `json:"version"`
	APIVersion string `json:"api_version"`
	OS         string `json:"os"`
	Arch       string `json:"arch"`
}

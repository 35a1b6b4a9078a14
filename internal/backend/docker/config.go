package docker

import (
	"fmt"

	"github.com/docker/docker/api/types/container"

	"github.com/dallay/cvix-sub006/internal/backend"
)

// Defaults applied when a ContainerSpec leaves a limit unset.
const (
	defaultPidsLimit   = 128
	defaultTmpfsSizeMB = 64
)

// containerConfig translates spec into the Docker create request. The
// container gets no network, a read-only root filesystem with a small /tmp,
// no capabilities, and only the workspace bind mount as writable storage.
func containerConfig(spec backend.ContainerSpec) (*container.Config, *container.HostConfig) {
	pids := spec.PidsLimit
	if pids <= 0 {
		pids = defaultPidsLimit
	}
	tmpfsMB := spec.TmpfsSizeMB
	if tmpfsMB <= 0 {
		tmpfsMB = defaultTmpfsSizeMB
	}

	cfg := &container.Config{
		Image:           spec.Image,
		Cmd:             spec.Cmd,
		Env:             spec.Env,
		User:            spec.User,
		WorkingDir:      spec.MountPath,
		Labels:          spec.Labels,
		NetworkDisabled: true,
		AttachStdout:    true,
		AttachStderr:    true,
	}

	hostCfg := &container.HostConfig{
		NetworkMode:    "none",
		ReadonlyRootfs: true,
		Binds:          []string{fmt.Sprintf("%s:%s:rw", spec.HostDir, spec.MountPath)},
		Tmpfs:          map[string]string{"/tmp": fmt.Sprintf("rw,noexec,nosuid,size=%dm", tmpfsMB)},
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		Privileged:     false,
		AutoRemove:     false,
		Resources: container.Resources{
			Memory:     spec.MemoryLimitMB * 1024 * 1024,
			MemorySwap: spec.MemoryLimitMB * 1024 * 1024,
			NanoCPUs:   int64(spec.CPUQuota * 1e9),
			PidsLimit:  &pids,
		},
	}

	return cfg, hostCfg
}

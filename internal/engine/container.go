package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dallay/cvix-sub006/internal/backend"
	"github.com/dallay/cvix-sub006/internal/latex"
	"github.com/dallay/cvix-sub006/internal/model"
)

// Cleanup and diagnostics bounds. Each runs on a fresh context so an expired
// job deadline cannot prevent it.
const (
	defaultPollInterval = 250 * time.Millisecond
	stopGrace           = 2 * time.Second
	stopTimeout         = 5 * time.Second
	removeTimeout       = 10 * time.Second
	logsTimeout         = 5 * time.Second
)

// logsUnavailable replaces compiler output that could not be retrieved.
const logsUnavailable = "<compiler logs unavailable>"

// Lifecycle runs one compiler container through create, start, wait and
// cleanup. The poll loop, not the daemon, decides when a container has run
// too long.
type Lifecycle struct {
	rt           backend.Runtime
	logger       *slog.Logger
	pollInterval time.Duration
}

// NewLifecycle creates a lifecycle manager polling at pollInterval. A
// non-positive interval uses the default.
func NewLifecycle(rt backend.Runtime, pollInterval time.Duration, logger *slog.Logger) *Lifecycle {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &Lifecycle{rt: rt, logger: logger, pollInterval: pollInterval}
}

// RunResult describes a container that exited on its own.
type RunResult struct {
	ContainerID string
	ExitCode    int
	Elapsed     time.Duration
}

// Run creates and starts a container for spec and waits up to timeout for
// it to exit. A non-zero exit, or a clean exit that left no output in
// spec.HostDir, returns a *CompilationError carrying the container logs. The container is stopped and removed before Run returns,
// whatever the outcome. emit receives lifecycle events and may be nil.
func (l *Lifecycle) Run(ctx context.Context, jobID string, spec backend.ContainerSpec, timeout time.Duration, emit func(event, detail string)) (RunResult, error) {
	if emit == nil {
		emit = func(string, string) {}
	}

	id, err := l.rt.CreateContainer(ctx, spec)
	if err != nil {
		return RunResult{}, fmt.Errorf("create container: %w", err)
	}
	containerEvents.WithLabelValues(eventCreated).Inc()
	emit(model.EventContainerCreated, shortID(id))

	log := l.logger.With("job_id", jobID, "container_id", shortID(id))
	defer func() {
		l.cleanup(id, log)
		emit(model.EventCleanedUp, "")
	}()

	if err := l.rt.StartContainer(ctx, id); err != nil {
		return RunResult{ContainerID: id}, fmt.Errorf("start container: %w", err)
	}
	containerEvents.WithLabelValues(eventStarted).Inc()
	emit(model.EventContainerStarted, "")
	log.Debug("compiler container started", "image", spec.Image)

	start := time.Now()
	state, err := l.wait(ctx, id, start, timeout)
	res := RunResult{ContainerID: id, Elapsed: time.Since(start)}
	if err != nil {
		if errors.Is(err, ErrTimeout) {
			emit(model.EventTimedOut, timeout.String())
			log.Warn("compiler container timed out", "timeout", timeout.String())
		}
		return res, err
	}

	res.ExitCode = state.ExitCode
	emit(model.EventContainerExited, fmt.Sprintf("code=%d", state.ExitCode))
	if state.ExitCode == 0 {
		_, err := os.Stat(filepath.Join(spec.HostDir, latex.OutputFile))
		if !errors.Is(err, fs.ErrNotExist) {
			return res, nil
		}
		log.Info("compiler exited cleanly without output")
		return res, &CompilationError{
			ExitCode: 0,
			Logs:     l.logs(id, log),
			Reason:   "compiler exited cleanly but produced no " + latex.OutputFile,
		}
	}

	reason := "compiler exited with an error"
	if state.OOMKilled {
		reason = "compiler killed after exceeding its memory limit"
	}
	log.Info("compiler container failed", "exit_code", state.ExitCode, "oom_killed", state.OOMKilled)
	return res, &CompilationError{
		ExitCode: state.ExitCode,
		Logs:     l.logs(id, log),
		Reason:   reason,
	}
}

// wait polls the container until it stops running. Elapsed time is checked
// against timeout on every iteration.
func (l *Lifecycle) wait(ctx context.Context, id string, start time.Time, timeout time.Duration) (backend.ContainerState, error) {
	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		state, err := l.rt.InspectContainer(ctx, id)
		if err != nil {
			return backend.ContainerState{}, fmt.Errorf("inspect container: %w", err)
		}
		if !state.Running && state.Status != "created" {
			return state, nil
		}
		if elapsed := time.Since(start); elapsed > timeout {
			return backend.ContainerState{}, fmt.Errorf("%w: container still running after %s", ErrTimeout, timeout)
		}

		select {
		case <-ctx.Done():
			return backend.ContainerState{}, fmt.Errorf("wait for container: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// logs fetches the container output, degrading to a placeholder on error.
func (l *Lifecycle) logs(id string, log *slog.Logger) string {
	ctx, cancel := context.WithTimeout(context.Background(), logsTimeout)
	defer cancel()

	out, err := l.rt.ContainerLogs(ctx, id)
	if err != nil {
		log.Warn("failed to fetch compiler logs", "error", err)
		return logsUnavailable
	}
	if out == "" {
		return logsUnavailable
	}
	return out
}

// cleanup stops and removes the container. Failures are logged, never
// returned, so they cannot mask the job's outcome.
func (l *Lifecycle) cleanup(id string, log *slog.Logger) {
	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	if err := l.rt.StopContainer(stopCtx, id, stopGrace); err != nil {
		log.Debug("stop container", "error", err)
	}
	stopCancel()

	rmCtx, rmCancel := context.WithTimeout(context.Background(), removeTimeout)
	defer rmCancel()
	if err := l.rt.RemoveContainer(rmCtx, id); err != nil {
		log.Warn("failed to remove compiler container", "error", err)
		return
	}
	containerEvents.WithLabelValues(eventCleanedUp).Inc()
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dallay/cvix-sub006/internal/backend"
	"github.com/dallay/cvix-sub006/internal/latex"
)

// fakeRuntime simulates a container daemon. Containers run for runFor after
// start (forever when runFor < 0), then exit with exitCode, writing output
// into the bound workspace when writeOutput is set.
type fakeRuntime struct {
	mu sync.Mutex

	imagePresent    bool
	imageInspectErr error
	pullErr         error
	// pullGate, when set, blocks PullImage until it is closed.
	pullGate    chan struct{}
	pullStarted chan struct{}

	runFor      time.Duration
	exitCode    int
	writeOutput bool
	output      []byte
	logs        string
	logsErr     error

	// createErrs are returned by successive CreateContainer calls before
	// creation starts succeeding.
	createErrs []error

	imageInspects int
	pulls         int
	containers    map[string]*fakeContainer
	nextID        int
	running       int
	peak          int
	removed       []string
}

type fakeContainer struct {
	spec     backend.ContainerSpec
	started  time.Time
	running  bool
	exited   bool
	exitCode int
	removed  bool
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		imagePresent: true,
		runFor:       20 * time.Millisecond,
		writeOutput:  true,
		output:       []byte("%PDF-1.5 fake"),
		containers:   make(map[string]*fakeContainer),
	}
}

var _ backend.Runtime = (*fakeRuntime)(nil)

func (f *fakeRuntime) InspectImage(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.imageInspects++
	if f.imageInspectErr != nil {
		return f.imageInspectErr
	}
	if !f.imagePresent {
		return backend.ErrImageNotFound
	}
	return nil
}

func (f *fakeRuntime) PullImage(ctx context.Context, _ string) error {
	f.mu.Lock()
	f.pulls++
	gate, started := f.pullGate, f.pullStarted
	f.pullStarted = nil
	f.mu.Unlock()

	if started != nil {
		close(started)
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pullErr != nil {
		return f.pullErr
	}
	f.imagePresent = true
	return nil
}

func (f *fakeRuntime) CreateContainer(_ context.Context, spec backend.ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.createErrs) > 0 {
		err := f.createErrs[0]
		f.createErrs = f.createErrs[1:]
		return "", err
	}
	f.nextID++
	id := fmt.Sprintf("container-%04d", f.nextID)
	f.containers[id] = &fakeContainer{spec: spec}
	return id, nil
}

func (f *fakeRuntime) StartContainer(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return fmt.Errorf("no such container %s", id)
	}
	c.started = time.Now()
	c.running = true
	f.running++
	f.peak = max(f.peak, f.running)
	return nil
}

func (f *fakeRuntime) InspectContainer(_ context.Context, id string) (backend.ContainerState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return backend.ContainerState{}, fmt.Errorf("no such container %s", id)
	}
	if c.running && f.runFor >= 0 && time.Since(c.started) >= f.runFor {
		f.exit(c, f.exitCode)
		if f.writeOutput && f.exitCode == 0 {
			path := filepath.Join(c.spec.HostDir, latex.OutputFile)
			if err := os.WriteFile(path, f.output, 0o644); err != nil {
				return backend.ContainerState{}, err
			}
		}
	}
	if c.running {
		return backend.ContainerState{Status: "running", Running: true}, nil
	}
	return backend.ContainerState{Status: "exited", ExitCode: c.exitCode}, nil
}

// exit must be called with f.mu held.
func (f *fakeRuntime) exit(c *fakeContainer, code int) {
	c.running = false
	c.exited = true
	c.exitCode = code
	f.running--
}

func (f *fakeRuntime) StopContainer(_ context.Context, id string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return fmt.Errorf("no such container %s", id)
	}
	if c.running {
		f.exit(c, 137)
	}
	return nil
}

func (f *fakeRuntime) RemoveContainer(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return nil
	}
	if c.running {
		f.exit(c, 137)
	}
	c.removed = true
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeRuntime) ContainerLogs(_ context.Context, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logs, f.logsErr
}

func (f *fakeRuntime) Ping(_ context.Context) error { return nil }

func (f *fakeRuntime) Version(_ context.Context) (backend.DaemonInfo, error) {
	return backend.DaemonInfo{Version: "fake"}, nil
}

// live returns the number of containers not yet removed.
func (f *fakeRuntime) live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.containers {
		if !c.removed {
			n++
		}
	}
	return n
}

func (f *fakeRuntime) snapshot() (pulls, imageInspects, peak, created int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pulls, f.imageInspects, f.peak, len(f.containers)
}

func (f *fakeRuntime) set(fn func(f *fakeRuntime)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

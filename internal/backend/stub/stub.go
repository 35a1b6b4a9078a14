// Package stub provides an in-memory container runtime that simulates TeX
// compilations without a Docker daemon. It backs the test server and the HTTP
// handler tests.
package stub

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dallay/cvix-sub006/internal/backend"
	"github.com/dallay/cvix-sub006/internal/latex"
)

// FailMarker makes a simulated compilation exit with code 1 when it appears
// in the document source.
const FailMarker = `\stubfail`

// Runtime simulates a container daemon. Every container runs for Delay, then
// writes Output into its workspace and exits 0, unless the source contains
// FailMarker.
type Runtime struct {
	Delay  time.Duration
	Output []byte
	Logs   string

	mu         sync.Mutex
	imageReady bool
	down       error
	nextID     int
	containers map[string]*container
}

type container struct {
	hostDir string
	started time.Time
	running bool
	exit    int
}

var _ backend.Runtime = (*Runtime)(nil)

// New returns a runtime whose image still has to be pulled.
func New(delay time.Duration) *Runtime {
	return &Runtime{
		Delay:      delay,
		Output:     []byte("%PDF-1.5\n%stub\n"),
		Logs:       "! Undefined control sequence.\nl.1 \\stubfail",
		containers: make(map[string]*container),
	}
}

// SetDown makes Ping and Version fail with err; nil brings the daemon back.
func (r *Runtime) SetDown(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.down = err
}

func (r *Runtime) InspectImage(_ context.Context, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.imageReady {
		return backend.ErrImageNotFound
	}
	return nil
}

func (r *Runtime) PullImage(ctx context.Context, _ string) error {
	select {
	case <-time.After(r.Delay):
	case <-ctx.Done():
		return ctx.Err()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.imageReady = true
	return nil
}

func (r *Runtime) CreateContainer(_ context.Context, spec backend.ContainerSpec) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := fmt.Sprintf("stub-%06d", r.nextID)
	r.containers[id] = &container{hostDir: spec.HostDir}
	return id, nil
}

func (r *Runtime) StartContainer(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[id]
	if !ok {
		return fmt.Errorf("no such container: %s", id)
	}
	c.started = time.Now()
	c.running = true
	return nil
}

func (r *Runtime) InspectContainer(_ context.Context, id string) (backend.ContainerState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[id]
	if !ok {
		return backend.ContainerState{}, fmt.Errorf("no such container: %s", id)
	}
	if c.running && time.Since(c.started) >= r.Delay {
		c.running = false
		c.exit = r.compile(c.hostDir)
	}
	if c.running {
		return backend.ContainerState{Status: "running", Running: true}, nil
	}
	return backend.ContainerState{Status: "exited", ExitCode: c.exit}, nil
}

// compile must be called with r.mu held.
func (r *Runtime) compile(dir string) int {
	src, err := os.ReadFile(filepath.Join(dir, latex.SourceFile))
	if err != nil || strings.Contains(string(src), FailMarker) {
		return 1
	}
	if err := os.WriteFile(filepath.Join(dir, latex.OutputFile), r.Output, 0o644); err != nil {
		return 1
	}
	return 0
}

func (r *Runtime) StopContainer(_ context.Context, id string, _ time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.containers[id]; ok && c.running {
		c.running = false
		c.exit = 137
	}
	return nil
}

func (r *Runtime) RemoveContainer(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.containers, id)
	return nil
}

func (r *Runtime) ContainerLogs(_ context.Context, _ string) (string, error) {
	return r.Logs, nil
}

func (r *Runtime) Ping(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.down
}

func (r *Runtime) Version(_ context.Context) (backend.DaemonInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.down != nil {
		return backend.DaemonInfo{}, r.down
	}
	return backend.DaemonInfo{Version: "stub", APIVersion: "1.47", OS: "linux", Arch: "amd64"}, nil
}

// Containers returns the number of containers not yet removed.
func (r *Runtime) Containers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.containers)
}

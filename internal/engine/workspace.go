package engine

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dallay/cvix-sub006/internal/latex"
)

// workspace is a job's private scratch directory. It holds the source file
// and, after a successful run, the compiled output.
type workspace struct {
	dir string
}

// newWorkspace creates a fresh directory under root and writes source into it.
// The directory is handed to user, the uid:gid the container runs as.
func newWorkspace(root, source, user string) (*workspace, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	dir, err := os.MkdirTemp(root, "job-*")
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	ws := &workspace{dir: dir}

	if err := os.WriteFile(ws.path(latex.SourceFile), []byte(source), 0o644); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("write source: %w", err)
	}
	if err := ws.grant(user); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("grant workspace to %s: %w", user, err)
	}
	return ws, nil
}

// grant lets the container user write the output. Running as root the
// directory is chowned; otherwise a foreign uid gets a world-writable
// directory. Named users resolve only inside the image and are left alone.
func (w *workspace) grant(user string) error {
	uid, gid, ok := numericUser(user)
	if !ok || uid == os.Getuid() {
		return nil
	}
	if os.Getuid() == 0 {
		if err := os.Chown(w.dir, uid, gid); err != nil {
			return err
		}
		return os.Chown(w.path(latex.SourceFile), uid, gid)
	}
	return os.Chmod(w.dir, 0o777)
}

// numericUser parses "uid" or "uid:gid". A missing gid defaults to uid.
func numericUser(user string) (uid, gid int, ok bool) {
	u, g, hasGroup := strings.Cut(user, ":")
	uid, err := strconv.Atoi(u)
	if err != nil {
		return 0, 0, false
	}
	gid = uid
	if hasGroup {
		if gid, err = strconv.Atoi(g); err != nil {
			return 0, 0, false
		}
	}
	return uid, gid, true
}

func (w *workspace) path(name string) string {
	return filepath.Join(w.dir, name)
}

// readOutput returns the compiled document. A missing file means the
// compiler reported success without producing anything.
func (w *workspace) readOutput() ([]byte, error) {
	data, err := os.ReadFile(w.path(latex.OutputFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, &CompilationError{
			ExitCode: 0,
			Logs:     logsUnavailable,
			Reason:   "compiler exited cleanly but produced no " + latex.OutputFile,
		}
	}
	if err != nil {
		return nil, fmt.Errorf("read output: %w", err)
	}
	return data, nil
}

// remove deletes the workspace recursively. Failures are logged only.
func (w *workspace) remove(logger *slog.Logger) {
	if err := os.RemoveAll(w.dir); err != nil {
		logger.Warn("failed to remove workspace", "dir", w.dir, "error", err)
	}
}

package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"
)

const (
	defaultListenAddr        = ":8080"
	defaultDBPath            = "cvix-latex.db"
	defaultImage             = "texlive/texlive:latest-small"
	defaultMaxConcurrentJobs = 2
	defaultTimeoutS          = 30
	defaultMemoryLimitMB     = 512
	defaultCPUQuota          = 0.5
	defaultEngine            = "auto"
	defaultPullTimeoutS      = 600

	envListenAddr    = "CVIX_LISTEN_ADDR"
	envDBPath        = "CVIX_DB_PATH"
	envLogLevel      = "CVIX_LOG_LEVEL"
	envDockerHost    = "CVIX_DOCKER_HOST"
	envImage         = "CVIX_LATEX_IMAGE"
	envMaxConcurrent = "CVIX_LATEX_MAX_CONCURRENT"
	envTimeoutS      = "CVIX_LATEX_TIMEOUT_SECONDS"
	envMemoryMB      = "CVIX_LATEX_MEMORY_MB"
	envCPUQuota      = "CVIX_LATEX_CPU_QUOTA"
	envContainerUser = "CVIX_LATEX_CONTAINER_USER"
	envWorkDir       = "CVIX_LATEX_WORKDIR"
	envEngine        = "CVIX_LATEX_ENGINE"
	envPullTimeoutS  = "CVIX_LATEX_PULL_TIMEOUT_SECONDS"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level

	// DockerHost overrides DOCKER_HOST; it may point at a restricted socket proxy.
	DockerHost string

	Compiler Compiler
}

// Compiler holds the process-wide compilation properties. They are read once
// at startup and never mutated afterwards.
type Compiler struct {
	Image             string
	MaxConcurrentJobs int
	TimeoutS          int64
	MemoryLimitMB     int64
	CPUQuota          float64
	ContainerUser     string
	WorkDir           string
	Engine            string
	PullTimeoutS      int64
}

// Timeout returns the per-job container timeout.
func (c Compiler) Timeout() time.Duration {
	return time.Duration(c.TimeoutS) * time.Second
}

// PullTimeout returns the image pull timeout.
func (c Compiler) PullTimeout() time.Duration {
	return time.Duration(c.PullTimeoutS) * time.Second
}

// Validate checks the compiler invariants.
func (c Compiler) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Image) == "" {
		errs = append(errs, errors.New("image reference is required"))
	}
	if c.MaxConcurrentJobs < 1 {
		errs = append(errs, fmt.Errorf("max concurrent jobs must be >= 1, got %d", c.MaxConcurrentJobs))
	}
	if c.TimeoutS <= 0 {
		errs = append(errs, fmt.Errorf("timeout seconds must be > 0, got %d", c.TimeoutS))
	}
	if c.MemoryLimitMB <= 0 {
		errs = append(errs, fmt.Errorf("memory limit must be > 0 MB, got %d", c.MemoryLimitMB))
	}
	if c.CPUQuota <= 0 || c.CPUQuota > float64(runtime.NumCPU()) {
		errs = append(errs, fmt.Errorf("cpu quota must be in (0, %d], got %g", runtime.NumCPU(), c.CPUQuota))
	}
	if c.PullTimeoutS <= 0 {
		errs = append(errs, fmt.Errorf("pull timeout seconds must be > 0, got %d", c.PullTimeoutS))
	}
	if strings.TrimSpace(c.WorkDir) == "" {
		errs = append(errs, errors.New("work dir is required"))
	}
	if err := CheckContainerUser(c.ContainerUser); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Load reads configuration from environment variables with sensible defaults.
// Malformed numbers fall back to the default; Validate reports out-of-range values.
func Load() Config {
	cfg := Config{
		ListenAddr: defaultListenAddr,
		DBPath:     defaultDBPath,
		LogLevel:   slog.LevelInfo,
		Compiler: Compiler{
			Image:             defaultImage,
			MaxConcurrentJobs: defaultMaxConcurrentJobs,
			TimeoutS:          defaultTimeoutS,
			MemoryLimitMB:     defaultMemoryLimitMB,
			CPUQuota:          defaultCPUQuota,
			ContainerUser:     hostUser(),
			WorkDir:           filepath.Join(os.TempDir(), "cvix-latex"),
			Engine:            defaultEngine,
			PullTimeoutS:      defaultPullTimeoutS,
		},
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envDockerHost); v != "" {
		cfg.DockerHost = v
	}

	c := &cfg.Compiler
	if v := os.Getenv(envImage); v != "" {
		c.Image = v
	}
	if v := os.Getenv(envMaxConcurrent); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxConcurrentJobs = n
		}
	}
	if v := os.Getenv(envTimeoutS); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.TimeoutS = n
		}
	}
	if v := os.Getenv(envMemoryMB); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.MemoryLimitMB = n
		}
	}
	if v := os.Getenv(envCPUQuota); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.CPUQuota = f
		}
	}
	if v := os.Getenv(envContainerUser); v != "" {
		c.ContainerUser = v
	}
	if v := os.Getenv(envWorkDir); v != "" {
		c.WorkDir = v
	}
	if v := os.Getenv(envEngine); v != "" {
		c.Engine = strings.ToLower(v)
	}
	if v := os.Getenv(envPullTimeoutS); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.PullTimeoutS = n
		}
	}

	return cfg
}

// UnprivilegedUser runs the compiler when the service itself has no usable
// non-root identity, e.g. when it runs as root inside its own container.
const UnprivilegedUser = "65534:65534"

// hostUser returns "uid:gid" of the current process so files written by the
// container into the workspace stay owned by the service user. Root and
// platforms without uids get UnprivilegedUser.
func hostUser() string {
	uid, gid := os.Getuid(), os.Getgid()
	if uid <= 0 || gid <= 0 {
		return UnprivilegedUser
	}
	return fmt.Sprintf("%d:%d", uid, gid)
}

// CheckContainerUser rejects container users that would leave the compiler
// with the image's default user or with root privileges. user is "uid",
// "uid:gid", "name" or "name:group".
func CheckContainerUser(user string) error {
	user = strings.TrimSpace(user)
	if user == "" {
		return errors.New("container user is required")
	}
	name, group, _ := strings.Cut(user, ":")
	if isRoot(name) {
		return fmt.Errorf("container user %q must not be root", user)
	}
	if group != "" && isRoot(group) {
		return fmt.Errorf("container user %q must not use the root group", user)
	}
	return nil
}

func isRoot(id string) bool {
	if id == "root" {
		return true
	}
	n, err := strconv.Atoi(id)
	return err == nil && n == 0
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}

// Package health reports whether the container daemon behind the compiler
// is reachable.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dallay/cvix-sub006/internal/backend"
)

// Health statuses.
const (
	StatusUp   = "UP"
	StatusDown = "DOWN"
)

// defaultCheckTimeout bounds the ping and version calls together.
const defaultCheckTimeout = 5 * time.Second

// Report is the structured result of a health check.
type Report struct {
	Status  string         `json:"status"`
	Details map[string]any `json:"details"`
}

// Up reports whether the status is StatusUp.
func (r Report) Up() bool {
	return r.Status == StatusUp
}

// Settings are the configured values included in every report so operators
// can tell which configuration was active.
type Settings struct {
	Image             string
	MaxConcurrentJobs int
	Timeout           time.Duration
}

// Reporter checks the container daemon.
type Reporter struct {
	rt       backend.Runtime
	settings Settings
	timeout  time.Duration
	logger   *slog.Logger
}

// NewReporter creates a reporter for rt.
func NewReporter(rt backend.Runtime, settings Settings, logger *slog.Logger) *Reporter {
	return &Reporter{rt: rt, settings: settings, timeout: defaultCheckTimeout, logger: logger}
}

// Check pings the daemon and queries its version. It never panics and always
// returns a report; any failure yields StatusDown with the error message.
func (r *Reporter) Check(ctx context.Context) (rep Report) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("health check panicked", "panic", p)
			rep = r.down(fmt.Errorf("health check panicked: %v", p))
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.rt.Ping(ctx); err != nil {
		return r.down(fmt.Errorf("ping: %w", err))
	}
	info, err := r.rt.Version(ctx)
	if err != nil {
		return r.down(fmt.Errorf("version: %w", err))
	}

	return Report{
		Status: StatusUp,
		Details: map[string]any{
			"daemon_version":      info.Version,
			"api_version":         info.APIVersion,
			"os":                  info.OS,
			"arch":                info.Arch,
			"image":               r.settings.Image,
			"max_concurrent_jobs": r.settings.MaxConcurrentJobs,
			"timeout_seconds":     int(r.settings.Timeout.Seconds()),
		},
	}
}

func (r *Reporter) down(err error) Report {
	r.logger.Warn("container daemon unhealthy", "image", r.settings.Image, "error", err)
	return Report{
		Status: StatusDown,
		Details: map[string]any{
			"error": err.Error(),
			"image": r.settings.Image,
		},
	}
}

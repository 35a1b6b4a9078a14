package engine

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/dallay/cvix-sub006/internal/config"
)

// Deadline buffers layered on top of the per-job timeout. The admission
// buffer is the larger of the two waits a job can spend queued; the deadline
// buffer must exceed it so a saturated system reports capacity_exceeded
// rather than a generic timeout.
const (
	DefaultAdmissionBuffer = 60 * time.Second
	DefaultDeadlineBuffer  = 120 * time.Second
)

// Options configures an Engine.
type Options struct {
	Image             string
	MaxConcurrentJobs int
	Timeout           time.Duration
	MemoryLimitMB     int64
	CPUQuota          float64
	ContainerUser     string
	WorkDir           string
	Engine            string
	PullTimeout       time.Duration

	AdmissionBuffer time.Duration
	DeadlineBuffer  time.Duration
	PollInterval    time.Duration
	Retry           RetryPolicy

	PidsLimit   int64
	TmpfsSizeMB int64
}

// OptionsFromConfig builds engine options from the process configuration
// with default buffers and retry policy.
func OptionsFromConfig(c config.Compiler) Options {
	return Options{
		Image:             c.Image,
		MaxConcurrentJobs: c.MaxConcurrentJobs,
		Timeout:           c.Timeout(),
		MemoryLimitMB:     c.MemoryLimitMB,
		CPUQuota:          c.CPUQuota,
		ContainerUser:     c.ContainerUser,
		WorkDir:           c.WorkDir,
		Engine:            c.Engine,
		PullTimeout:       c.PullTimeout(),
	}
}

// withDefaults fills unset tuning knobs.
func (o Options) withDefaults() Options {
	if o.AdmissionBuffer == 0 {
		o.AdmissionBuffer = DefaultAdmissionBuffer
	}
	if o.DeadlineBuffer == 0 {
		o.DeadlineBuffer = DefaultDeadlineBuffer
	}
	if o.PollInterval == 0 {
		o.PollInterval = defaultPollInterval
	}
	if o.Retry == (RetryPolicy{}) {
		o.Retry = DefaultRetryPolicy()
	}
	if o.PullTimeout == 0 {
		o.PullTimeout = 10 * time.Minute
	}
	return o
}

func (o Options) validate() error {
	var errs []error
	if o.Image == "" {
		errs = append(errs, errors.New("image is required"))
	}
	if o.MaxConcurrentJobs < 1 {
		errs = append(errs, fmt.Errorf("max concurrent jobs must be at least 1, got %d", o.MaxConcurrentJobs))
	}
	if o.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("timeout must be positive, got %s", o.Timeout))
	}
	if o.AdmissionBuffer <= 0 {
		errs = append(errs, fmt.Errorf("admission buffer must be positive, got %s", o.AdmissionBuffer))
	}
	if o.DeadlineBuffer <= o.AdmissionBuffer {
		errs = append(errs, fmt.Errorf("deadline buffer %s must exceed admission buffer %s", o.DeadlineBuffer, o.AdmissionBuffer))
	}
	if o.WorkDir == "" {
		errs = append(errs, errors.New("work dir is required"))
	} else if !filepath.IsAbs(o.WorkDir) {
		errs = append(errs, fmt.Errorf("work dir must be absolute, got %q", o.WorkDir))
	}
	if err := config.CheckContainerUser(o.ContainerUser); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

package model

import "time"

// Job status constants.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusTimedOut  = "timed_out"
	StatusRejected  = "rejected"
)

// ErrorKind is the stable, caller-facing classification of a failed job.
type ErrorKind string

// Error kinds. Each maps to a distinct outward signal and must never be
// reported as another.
const (
	KindNone              ErrorKind = ""
	KindCapacityExceeded  ErrorKind = "capacity_exceeded"
	KindImageUnavailable  ErrorKind = "image_unavailable"
	KindTimeout           ErrorKind = "timeout"
	KindCompilationFailed ErrorKind = "compilation_failed"
	KindInternal          ErrorKind = "internal"
)

// StatusForKind returns the terminal job status recorded for an error kind.
func StatusForKind(k ErrorKind) string {
	switch k {
	case KindNone:
		return StatusCompleted
	case KindCapacityExceeded:
		return StatusRejected
	case KindTimeout:
		return StatusTimedOut
	default:
		return StatusFailed
	}
}

// Lifecycle event names published on a job's event stream.
const (
	EventAdmitted         = "admitted"
	EventImageReady       = "image_ready"
	EventContainerCreated = "container_created"
	EventContainerStarted = "container_started"
	EventContainerExited  = "container_exited"
	EventTimedOut         = "timed_out"
	EventCleanedUp        = "cleaned_up"
	EventRetrying         = "retrying"
	EventCompleted        = "completed"
	EventFailed           = "failed"
)

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusRunning:  true,
		StatusFailed:   true,
		StatusRejected: true,
		StatusTimedOut: true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusTimedOut:  true,
		StatusRejected:  true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminal reports whether no further transitions are possible from status.
func IsTerminal(status string) bool {
	_, ok := validTransitions[status]
	return !ok
}

// CompileRequest is one call into the compilation engine. Source is the fully
// rendered document body; size bounding and escaping happen upstream.
type CompileRequest struct {
	// ID is optional; the engine assigns a ULID when empty.
	ID     string `json:"id,omitempty"`
	Source string `json:"source"`
	Locale string `json:"locale"`
}

// Job is the journal record of one compilation job.
type Job struct {
	ID          string     `json:"id"`
	Status      string     `json:"status"`
	Locale      string     `json:"locale"`
	Engine      string     `json:"engine"`
	Attempts    int        `json:"attempts"`
	ErrorKind   ErrorKind  `json:"error_kind,omitempty"`
	Error       string     `json:"error,omitempty"`
	ExitCode    *int       `json:"exit_code,omitempty"`
	Output      []byte     `json:"-"`
	OutputBytes int        `json:"output_bytes"`
	DurationMS  *int       `json:"duration_ms,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

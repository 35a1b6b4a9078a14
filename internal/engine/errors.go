package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/dallay/cvix-sub006/internal/model"
)

// Sentinel errors for the compilation taxonomy. Each maps to a distinct
// model.ErrorKind through KindOf.
var (
	// ErrNoCapacity is returned when no admission permit frees up within the
	// admission timeout. It is never retried.
	ErrNoCapacity = errors.New("no compilation capacity available")

	// ErrTimeout is returned when the container outlives the job timeout or
	// the overall deadline elapses.
	ErrTimeout = errors.New("compilation timed out")

	// ErrImageUnavailable is the sentinel behind every *ImagePullError.
	ErrImageUnavailable = errors.New("compiler image unavailable")

	// ErrCompilationFailed is the sentinel behind every *CompilationError.
	ErrCompilationFailed = errors.New("compilation failed")
)

// Image pull failure reasons.
const (
	PullInterrupted      = "interrupted"
	PullConnectionClosed = "connection_closed"
	PullTransportClosed  = "transport_closed"
	PullFailed           = "failed"
)

// CompilationError reports a compiler that exited non-zero, a compiler that
// exited zero without producing output, or an unclassified failure.
type CompilationError struct {
	// ExitCode is the container exit code, or -1 when no container exit
	// was observed.
	ExitCode int
	Logs     string
	Reason   string
	Err      error
}

func (e *CompilationError) Error() string {
	msg := "compilation failed: " + e.Reason
	if e.ExitCode >= 0 {
		msg += fmt.Sprintf(" (exit code %d)", e.ExitCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CompilationError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrCompilationFailed}
	}
	return []error{ErrCompilationFailed, e.Err}
}

// ImagePullError reports that the compiler image could not be made available.
// Reason tells an interrupted pull ("retry later") apart from a closed
// transport ("the client was shut down; check lifecycle and timeouts").
type ImagePullError struct {
	Image  string
	Reason string
	Err    error
}

func (e *ImagePullError) Error() string {
	return fmt.Sprintf("compiler image %s unavailable (%s): %v", e.Image, e.Reason, e.Err)
}

func (e *ImagePullError) Unwrap() []error {
	return []error{ErrImageUnavailable, e.Err}
}

// KindOf maps err to its stable caller-facing kind. A nil error is KindNone.
func KindOf(err error) model.ErrorKind {
	switch {
	case err == nil:
		return model.KindNone
	case errors.Is(err, ErrNoCapacity):
		return model.KindCapacityExceeded
	case errors.Is(err, ErrTimeout):
		return model.KindTimeout
	case errors.Is(err, ErrImageUnavailable):
		return model.KindImageUnavailable
	case errors.Is(err, ErrCompilationFailed):
		return model.KindCompilationFailed
	case errors.Is(err, context.DeadlineExceeded):
		return model.KindTimeout
	default:
		return model.KindInternal
	}
}

// ExitCodeOf returns the container exit code carried by err, if any.
func ExitCodeOf(err error) (int, bool) {
	var ce *CompilationError
	if errors.As(err, &ce) && ce.ExitCode >= 0 {
		return ce.ExitCode, true
	}
	return 0, false
}

// LogsOf returns the compiler output carried by err, if any.
func LogsOf(err error) string {
	var ce *CompilationError
	if errors.As(err, &ce) {
		return ce.Logs
	}
	return ""
}

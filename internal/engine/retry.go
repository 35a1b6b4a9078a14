package engine

import (
	"context"
	"errors"
	"io"
	"net"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/docker/docker/client"

	"github.com/dallay/cvix-sub006/internal/backend"
)

// RetryPolicy bounds how transient runtime failures are retried.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxRetries      uint64
}

// DefaultRetryPolicy retries twice, waiting about 500ms and then 1s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		Multiplier:      2,
		MaxRetries:      2,
	}
}

// backOff builds the backoff schedule for one job. It stops early when ctx ends.
func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	// The overall deadline bounds the job, not the backoff.
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, p.MaxRetries), ctx)
}

// transientPhrases are error texts observed from container daemons and
// socket proxies when a connection drops mid-request.
var transientPhrases = []string{
	"failed to respond",
	"connection reset",
	"broken pipe",
	"connection refused",
}

// IsTransient reports whether err is a transport hiccup worth retrying: the
// proxy answered nothing, the connection closed mid-operation, or the peer
// reset or refused it. Taxonomy errors, a closed runtime and context errors
// are never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	for _, fatal := range []error{
		ErrNoCapacity,
		ErrTimeout,
		ErrImageUnavailable,
		ErrCompilationFailed,
		backend.ErrRuntimeClosed,
		context.Canceled,
		context.DeadlineExceeded,
	} {
		if errors.Is(err, fatal) {
			return false
		}
	}

	// The HTTP client reports a proxy that closed without answering as a
	// url.Error wrapping io.EOF.
	var uerr *url.Error
	if errors.As(err, &uerr) && errors.Is(uerr.Err, io.EOF) {
		return true
	}

	switch {
	case errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.EPIPE):
		return true
	}

	if client.IsErrConnectionFailed(err) {
		return true
	}

	// Some wrappers drop the cause from their message, so check every link.
	for e := err; e != nil; e = errors.Unwrap(e) {
		msg := strings.ToLower(e.Error())
		for _, phrase := range transientPhrases {
			if strings.Contains(msg, phrase) {
				return true
			}
		}
	}
	return false
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/dallay/cvix-sub006/internal/backend"
)

// reinspectTimeout bounds the check made after a pull connection drops.
const reinspectTimeout = 30 * time.Second

// ImageCache tracks whether the compiler image is present on the daemon.
// Once the image is seen it is assumed present for the process lifetime;
// an operator restart is the recovery path if it is removed externally.
type ImageCache struct {
	rt          backend.Runtime
	ref         string
	pullTimeout time.Duration
	logger      *slog.Logger

	// lifetime bounds pulls. A pull outlives the job that started it so an
	// abandoned job does not waste a multi-gigabyte download.
	lifetime context.Context

	available atomic.Bool
	pulls     atomic.Int64
	group     singleflight.Group
}

// NewImageCache creates a cache for ref. Pulls are cancelled when lifetime ends.
func NewImageCache(lifetime context.Context, rt backend.Runtime, ref string, pullTimeout time.Duration, logger *slog.Logger) *ImageCache {
	return &ImageCache{
		rt:          rt,
		ref:         ref,
		pullTimeout: pullTimeout,
		logger:      logger,
		lifetime:    lifetime,
	}
}

// Available reports whether the image has been verified present.
func (c *ImageCache) Available() bool {
	return c.available.Load()
}

// Pulls returns how many pulls this cache has started.
func (c *ImageCache) Pulls() int64 {
	return c.pulls.Load()
}

// Image returns the image reference.
func (c *ImageCache) Image() string {
	return c.ref
}

// EnsureAvailable returns once the image is present, pulling it if needed.
// It is safe for concurrent use; concurrent callers share a single pull.
// ctx bounds only the caller's wait, not the pull itself.
func (c *ImageCache) EnsureAvailable(ctx context.Context) error {
	if c.available.Load() {
		return nil
	}

	err := c.rt.InspectImage(ctx, c.ref)
	if err == nil {
		c.markAvailable()
		return nil
	}
	if errors.Is(err, backend.ErrRuntimeClosed) {
		return c.pullError(PullTransportClosed, err)
	}
	if !errors.Is(err, backend.ErrImageNotFound) {
		return fmt.Errorf("inspect image %s: %w", c.ref, err)
	}

	ch := c.group.DoChan(c.ref, func() (any, error) {
		return nil, c.pull()
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return fmt.Errorf("wait for image %s: %w", c.ref, ctx.Err())
	}
}

// pull runs at most once at a time per image.
func (c *ImageCache) pull() error {
	// Another caller may have finished a pull between our inspect and now.
	if c.available.Load() {
		return nil
	}

	ctx, cancel := context.WithTimeout(c.lifetime, c.pullTimeout)
	defer cancel()

	if err := c.rt.InspectImage(ctx, c.ref); err == nil {
		c.markAvailable()
		return nil
	}

	c.pulls.Add(1)
	c.logger.Info("pulling compiler image", "image", c.ref, "timeout", c.pullTimeout.String())
	start := time.Now()

	err := c.rt.PullImage(ctx, c.ref)
	if err == nil {
		imagePulls.WithLabelValues("success").Inc()
		c.logger.Info("compiler image pulled", "image", c.ref, "duration", time.Since(start).String())
		c.markAvailable()
		return nil
	}

	imagePulls.WithLabelValues("failure").Inc()
	return c.pullFailed(err)
}

// pullFailed classifies a failed pull.
func (c *ImageCache) pullFailed(err error) error {
	switch {
	case errors.Is(err, backend.ErrRuntimeClosed):
		return c.pullError(PullTransportClosed, err)

	case c.lifetime.Err() != nil, errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return c.pullError(PullInterrupted, err)

	case IsTransient(err):
		// The layers may have landed before the stream broke.
		ctx, cancel := context.WithTimeout(c.lifetime, reinspectTimeout)
		defer cancel()
		if ierr := c.rt.InspectImage(ctx, c.ref); ierr == nil {
			c.logger.Warn("pull stream closed but image is present", "image", c.ref, "error", err)
			c.markAvailable()
			return nil
		}
		return c.pullError(PullConnectionClosed, err)

	default:
		return c.pullError(PullFailed, err)
	}
}

func (c *ImageCache) pullError(reason string, err error) error {
	c.logger.Error("compiler image unavailable", "image", c.ref, "reason", reason, "error", err)
	return &ImagePullError{Image: c.ref, Reason: reason, Err: err}
}

func (c *ImageCache) markAvailable() {
	if c.available.CompareAndSwap(false, true) {
		c.logger.Info("compiler image available", "image", c.ref)
	}
}

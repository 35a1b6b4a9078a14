package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dallay/cvix-sub006/internal/backend"
	"github.com/dallay/cvix-sub006/internal/latex"
	"github.com/dallay/cvix-sub006/internal/model"
	"github.com/dallay/cvix-sub006/internal/store"
)

// journalTimeout bounds each journal write so a slow database cannot stall
// a job's teardown.
const journalTimeout = 5 * time.Second

// Engine compiles LaTeX documents in sandboxed containers. It admits at most
// Options.MaxConcurrentJobs jobs at a time, retries transient runtime
// failures, and always tears down the job's container and workspace.
type Engine struct {
	opts      Options
	rt        backend.Runtime
	store     store.Store
	registry  *latex.Registry
	logger    *slog.Logger
	gate      *Gate
	images    *ImageCache
	lifecycle *Lifecycle
	broker    *EventBroker

	lifetime context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// Result is a successfully compiled document.
type Result struct {
	JobID    string
	Engine   string
	PDF      []byte
	Attempts int
	Duration time.Duration
}

// Outcome is delivered once on the channel returned by Submit.
type Outcome struct {
	Result *Result
	Err    error
}

// NewEngine creates a compilation engine. The engine does not own rt; the
// caller closes it after Close returns.
func NewEngine(opts Options, rt backend.Runtime, s store.Store, reg *latex.Registry, logger *slog.Logger) (*Engine, error) {
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("invalid engine options: %w", err)
	}
	if reg == nil {
		reg = latex.DefaultRegistry()
	}
	// Fail at startup, not on the first request, if the engine name is wrong.
	if _, err := reg.Resolve(opts.Engine, ""); err != nil {
		return nil, fmt.Errorf("invalid engine options: %w", err)
	}

	lifetime, cancel := context.WithCancel(context.Background())
	return &Engine{
		opts:      opts,
		rt:        rt,
		store:     s,
		registry:  reg,
		logger:    logger,
		gate:      NewGate(opts.MaxConcurrentJobs),
		images:    NewImageCache(lifetime, rt, opts.Image, opts.PullTimeout, logger),
		lifecycle: NewLifecycle(rt, opts.PollInterval, logger),
		broker:    NewEventBroker(),
		lifetime:  lifetime,
		cancel:    cancel,
	}, nil
}

// Broker returns the engine's event broker for SSE subscription.
func (e *Engine) Broker() *EventBroker {
	return e.broker
}

// Gate returns the admission gate statistics.
func (e *Engine) Gate() GateStats {
	return e.gate.Stats()
}

// ImageAvailable reports whether the compiler image has been verified.
func (e *Engine) ImageAvailable() bool {
	return e.images.Available()
}

// Options returns the effective engine options.
func (e *Engine) Options() Options {
	return e.opts
}

// Registry returns the TeX engine registry.
func (e *Engine) Registry() *latex.Registry {
	return e.registry
}

// Prewarm makes the compiler image available in the background. Failure is
// logged only; the first job checks again.
func (e *Engine) Prewarm() {
	e.wg.Go(func() {
		if err := e.images.EnsureAvailable(e.lifetime); err != nil {
			e.logger.Warn("compiler image pre-warm failed", "image", e.opts.Image, "error", err)
		}
	})
}

// Close cancels in-flight pulls and background jobs and waits for them to
// finish their teardown.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
}

// Compile runs one compilation job and returns the PDF. ctx bounds the
// caller's wait; the job additionally carries its own overall deadline.
func (e *Engine) Compile(ctx context.Context, req model.CompileRequest) (*Result, error) {
	job, eng, err := e.newJob(ctx, req)
	if err != nil {
		return nil, err
	}
	return e.run(ctx, job, eng, req.Source, false)
}

// Submit starts a compilation job detached from ctx's cancellation and returns
// its ID with a channel that receives exactly one Outcome. The PDF is kept in
// the journal for later retrieval.
func (e *Engine) Submit(ctx context.Context, req model.CompileRequest) (string, <-chan Outcome, error) {
	job, eng, err := e.newJob(ctx, req)
	if err != nil {
		return "", nil, err
	}

	ch := make(chan Outcome, 1)
	e.wg.Go(func() {
		defer close(ch)
		res, err := e.run(e.lifetime, job, eng, req.Source, true)
		ch <- Outcome{Result: res, Err: err}
	})
	return job.ID, ch, nil
}

// newJob resolves the TeX engine and journals the job as pending.
func (e *Engine) newJob(ctx context.Context, req model.CompileRequest) (*model.Job, latex.Engine, error) {
	eng, err := e.registry.Resolve(e.opts.Engine, req.Locale)
	if err != nil {
		return nil, latex.Engine{}, &CompilationError{ExitCode: -1, Reason: "no TeX engine", Err: err}
	}

	id := req.ID
	if id == "" {
		id = model.NewID()
	}
	job := &model.Job{
		ID:        id,
		Status:    model.StatusPending,
		Locale:    req.Locale,
		Engine:    eng.Name,
		CreatedAt: time.Now().UTC(),
	}

	jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), journalTimeout)
	defer cancel()
	if err := e.store.CreateJob(jctx, job); err != nil {
		e.logger.Error("failed to journal job", "job_id", id, "error", err)
	}
	return job, eng, nil
}

// run executes the retried job under the overall deadline and records the
// terminal outcome.
func (e *Engine) run(ctx context.Context, job *model.Job, eng latex.Engine, source string, keepOutput bool) (*Result, error) {
	defer e.broker.Close(job.ID)

	deadline := e.opts.Timeout + e.opts.DeadlineBuffer
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	start := time.Now()
	var attempts int
	var pdf []byte

	op := func() error {
		attempts++
		out, err := e.attempt(ctx, job, source, eng, attempts)
		if err != nil {
			if IsTransient(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		pdf = out
		return nil
	}
	notify := func(err error, wait time.Duration) {
		retriesTotal.Inc()
		e.logger.Warn("transient runtime failure, retrying",
			"job_id", job.ID, "attempt", attempts, "backoff", wait.String(), "error", err)
		e.publish(job.ID, model.EventRetrying, "", attempts+1)
	}

	err := backoff.RetryNotify(op, e.opts.Retry.backOff(ctx), notify)
	err = e.classify(ctx, err, deadline)
	e.finish(job, start, attempts, pdf, keepOutput, err)
	if err != nil {
		return nil, err
	}

	return &Result{
		JobID:    job.ID,
		Engine:   eng.Name,
		PDF:      pdf,
		Attempts: attempts,
		Duration: time.Since(start),
	}, nil
}

// attempt is one admitted try at the job. Its deferred teardown releases the
// permit and deletes the workspace on every path.
func (e *Engine) attempt(ctx context.Context, job *model.Job, source string, eng latex.Engine, n int) ([]byte, error) {
	permit, err := e.gate.Acquire(ctx, e.opts.Timeout+e.opts.AdmissionBuffer)
	if err != nil {
		return nil, err
	}
	defer permit.Release()
	e.publish(job.ID, model.EventAdmitted, "", n)

	if n == 1 {
		e.markRunning(job)
	}

	ws, err := newWorkspace(e.opts.WorkDir, source, e.opts.ContainerUser)
	if err != nil {
		return nil, err
	}
	defer ws.remove(e.logger)

	if err := e.images.EnsureAvailable(ctx); err != nil {
		return nil, err
	}
	e.publish(job.ID, model.EventImageReady, e.opts.Image, n)

	emit := func(event, detail string) {
		e.publish(job.ID, event, detail, n)
	}
	if _, err := e.lifecycle.Run(ctx, job.ID, e.containerSpec(job, eng, ws.dir, n), e.opts.Timeout, emit); err != nil {
		return nil, err
	}

	return ws.readOutput()
}

func (e *Engine) containerSpec(job *model.Job, eng latex.Engine, dir string, attempt int) backend.ContainerSpec {
	return backend.ContainerSpec{
		Name:  model.ContainerName(job.ID, attempt),
		Image: e.opts.Image,
		Cmd:   eng.Command(),
		Env: []string{
			"HOME=/tmp",
			"TEXMFVAR=/tmp/texmf-var",
			"max_print_line=1000",
		},
		User:          e.opts.ContainerUser,
		HostDir:       dir,
		MountPath:     latex.MountPath,
		MemoryLimitMB: e.opts.MemoryLimitMB,
		CPUQuota:      e.opts.CPUQuota,
		PidsLimit:     e.opts.PidsLimit,
		TmpfsSizeMB:   e.opts.TmpfsSizeMB,
		Labels: map[string]string{
			"cvix.managed": "true",
			"cvix.job_id":  job.ID,
			"cvix.engine":  eng.Name,
			"cvix.attempt": strconv.Itoa(attempt),
		},
	}
}

// classify maps the final error of the retried sequence onto the taxonomy.
func (e *Engine) classify(ctx context.Context, err error, deadline time.Duration) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNoCapacity), errors.Is(err, ErrTimeout),
		errors.Is(err, ErrImageUnavailable), errors.Is(err, ErrCompilationFailed):
		return err
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: overall deadline of %s elapsed: %w", ErrTimeout, deadline, err)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("compilation abandoned: %w", err)
	case IsTransient(err):
		return &CompilationError{ExitCode: -1, Reason: "container runtime unavailable", Err: err}
	default:
		return &CompilationError{ExitCode: -1, Reason: "unexpected error", Err: err}
	}
}

func (e *Engine) publish(jobID, event, detail string, attempt int) {
	e.broker.Publish(jobID, Event{Type: event, Detail: detail, Attempt: attempt})
}

func (e *Engine) markRunning(job *model.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()
	if err := e.store.UpdateJobStatus(ctx, job.ID, model.StatusRunning); err != nil {
		e.logger.Error("failed to journal running job", "job_id", job.ID, "error", err)
	}
}

// finish records the job's terminal state in metrics, the journal and the
// event stream. Journal failures never change the outcome.
func (e *Engine) finish(job *model.Job, start time.Time, attempts int, pdf []byte, keepOutput bool, err error) {
	kind := KindOf(err)
	status := model.StatusForKind(kind)
	elapsed := time.Since(start)
	durMS := int(elapsed.Milliseconds())
	now := time.Now().UTC()

	jobOutcomes.WithLabelValues(status).Inc()

	done := &model.Job{
		ID:          job.ID,
		Status:      status,
		Attempts:    attempts,
		ErrorKind:   kind,
		DurationMS:  &durMS,
		OutputBytes: len(pdf),
		FinishedAt:  &now,
	}
	if code, ok := ExitCodeOf(err); ok {
		done.ExitCode = &code
	}

	log := e.logger.With("job_id", job.ID, "engine", job.Engine, "attempts", attempts, "duration_ms", durMS)
	if err == nil {
		compileDuration.Observe(elapsed.Seconds())
		zero := 0
		done.ExitCode = &zero
		if keepOutput {
			done.Output = pdf
		}
		e.publish(job.ID, model.EventCompleted, "", attempts)
		log.Info("compilation completed", "output_bytes", len(pdf))
	} else {
		done.Error = err.Error()
		e.publish(job.ID, model.EventFailed, "kind="+string(kind), attempts)
		switch kind {
		case model.KindCapacityExceeded, model.KindCompilationFailed:
			log.Info("compilation failed", "kind", kind, "error", err)
		default:
			log.Error("compilation failed", "kind", kind, "error", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()
	if err := e.store.FinishJob(ctx, done); err != nil {
		e.logger.Error("failed to journal finished job", "job_id", job.ID, "error", err)
	}
}

package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/dallay/cvix-sub006/internal/backend"
	"github.com/dallay/cvix-sub006/internal/latex"
	"github.com/dallay/cvix-sub006/internal/model"
	"github.com/dallay/cvix-sub006/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func testOptions(t *testing.T) Options {
	t.Helper()
	return Options{
		Image:             "texlive/texlive:test",
		MaxConcurrentJobs: 2,
		Timeout:           2 * time.Second,
		MemoryLimitMB:     256,
		CPUQuota:          0.5,
		ContainerUser:     "1000:1000",
		WorkDir:           t.TempDir(),
		Engine:            latex.EngineAuto,
		AdmissionBuffer:   time.Second,
		DeadlineBuffer:    2 * time.Second,
		PollInterval:      5 * time.Millisecond,
		Retry: RetryPolicy{
			InitialInterval: time.Millisecond,
			MaxInterval:     5 * time.Millisecond,
			Multiplier:      2,
			MaxRetries:      2,
		},
	}
}

func newTestEngine(t *testing.T, opts Options, rt *fakeRuntime) (*Engine, store.Store) {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	eng, err := NewEngine(opts, rt, s, latex.DefaultRegistry(), testLogger())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(eng.Close)
	return eng, s
}

func request(locale string) model.CompileRequest {
	return model.CompileRequest{
		Source: `\documentclass{article}\begin{document}Hello\end{document}`,
		Locale: locale,
	}
}

// assertWorkspacesGone fails if any job directory is left under root.
func assertWorkspacesGone(t *testing.T, root string) {
	t.Helper()
	entries, err := os.ReadDir(root)
	if err != nil && !os.IsNotExist(err) {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("%d workspace(s) left behind in %s", len(entries), root)
	}
}

func assertGateQuiescent(t *testing.T, eng *Engine) {
	t.Helper()
	st := eng.Gate()
	if st.InUse != 0 {
		t.Errorf("permits in use = %d, want 0", st.InUse)
	}
	if st.Acquired != st.Released {
		t.Errorf("acquired %d != released %d", st.Acquired, st.Released)
	}
}

func outcomeCount(outcome string) float64 {
	return testutil.ToFloat64(jobOutcomes.WithLabelValues(outcome))
}

func TestCompileSuccess(t *testing.T) {
	rt := newFakeRuntime()
	opts := testOptions(t)
	eng, s := newTestEngine(t, opts, rt)

	completedBefore := outcomeCount(model.StatusCompleted)
	createdBefore := testutil.ToFloat64(containerEvents.WithLabelValues(eventCreated))
	cleanedBefore := testutil.ToFloat64(containerEvents.WithLabelValues(eventCleanedUp))

	res, err := eng.Compile(context.Background(), request("en-US"))
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	if string(res.PDF) != string(rt.output) {
		t.Errorf("PDF = %q, want %q", res.PDF, rt.output)
	}
	if res.Engine != latex.EnginePDFLaTeX {
		t.Errorf("Engine = %q, want %q", res.Engine, latex.EnginePDFLaTeX)
	}
	if res.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", res.Attempts)
	}

	assertWorkspacesGone(t, opts.WorkDir)
	assertGateQuiescent(t, eng)
	if n := rt.live(); n != 0 {
		t.Errorf("%d container(s) not removed", n)
	}

	if d := outcomeCount(model.StatusCompleted) - completedBefore; d != 1 {
		t.Errorf("completed delta = %v, want 1", d)
	}
	if d := testutil.ToFloat64(containerEvents.WithLabelValues(eventCreated)) - createdBefore; d != 1 {
		t.Errorf("created delta = %v, want 1", d)
	}
	if d := testutil.ToFloat64(containerEvents.WithLabelValues(eventCleanedUp)) - cleanedBefore; d != 1 {
		t.Errorf("cleaned_up delta = %v, want 1", d)
	}

	job, err := s.GetJob(context.Background(), res.JobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != model.StatusCompleted {
		t.Errorf("journal status = %q, want completed", job.Status)
	}
	if job.StartedAt == nil || job.FinishedAt == nil {
		t.Error("journal timestamps not set")
	}
	if job.OutputBytes != len(rt.output) {
		t.Errorf("OutputBytes = %d, want %d", job.OutputBytes, len(rt.output))
	}
	out, _ := s.GetJobOutput(context.Background(), res.JobID)
	if out != nil {
		t.Error("synchronous jobs should not keep output in the journal")
	}
}

func TestCompileContainerSpec(t *testing.T) {
	rt := newFakeRuntime()
	opts := testOptions(t)
	eng, _ := newTestEngine(t, opts, rt)

	res, err := eng.Compile(context.Background(), request("ja-JP"))
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if res.Engine != latex.EngineXeLaTeX {
		t.Errorf("Engine = %q, want xelatex for ja-JP", res.Engine)
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if len(rt.containers) != 1 {
		t.Fatalf("created %d containers, want 1", len(rt.containers))
	}
	for _, c := range rt.containers {
		spec := c.spec
		if spec.Image != opts.Image {
			t.Errorf("Image = %q, want %q", spec.Image, opts.Image)
		}
		if spec.User != "1000:1000" {
			t.Errorf("User = %q, want 1000:1000", spec.User)
		}
		if spec.MountPath != latex.MountPath {
			t.Errorf("MountPath = %q, want %q", spec.MountPath, latex.MountPath)
		}
		if spec.Cmd[0] != "xelatex" || spec.Cmd[len(spec.Cmd)-1] != latex.SourceFile {
			t.Errorf("Cmd = %v", spec.Cmd)
		}
		if spec.Name != model.ContainerName(res.JobID, 1) {
			t.Errorf("Name = %q, want %q", spec.Name, model.ContainerName(res.JobID, 1))
		}
		if spec.Labels["cvix.job_id"] != res.JobID {
			t.Errorf("job label = %q, want %q", spec.Labels["cvix.job_id"], res.JobID)
		}
		if spec.MemoryLimitMB != 256 || spec.CPUQuota != 0.5 {
			t.Errorf("limits = %dMB/%v, want 256MB/0.5", spec.MemoryLimitMB, spec.CPUQuota)
		}
	}
}

func TestCompileNonZeroExit(t *testing.T) {
	rt := newFakeRuntime()
	rt.exitCode = 1
	rt.logs = "! Undefined control sequence.\nl.3 \\foo"
	opts := testOptions(t)
	eng, s := newTestEngine(t, opts, rt)

	failedBefore := outcomeCount(model.StatusFailed)
	req := request("en")
	req.ID = model.NewID()

	_, err := eng.Compile(context.Background(), req)
	if !errors.Is(err, ErrCompilationFailed) {
		t.Fatalf("got %v, want ErrCompilationFailed", err)
	}
	var ce *CompilationError
	if !errors.As(err, &ce) {
		t.Fatalf("got %T, want *CompilationError", err)
	}
	if ce.ExitCode != 1 {
		t.Errorf("ExitCode = %d, want 1", ce.ExitCode)
	}
	if !strings.Contains(ce.Logs, "Undefined control sequence") {
		t.Errorf("Logs = %q, want compiler output", ce.Logs)
	}
	if KindOf(err) != model.KindCompilationFailed {
		t.Errorf("KindOf = %q, want compilation_failed", KindOf(err))
	}

	assertWorkspacesGone(t, opts.WorkDir)
	assertGateQuiescent(t, eng)
	if n := rt.live(); n != 0 {
		t.Errorf("%d container(s) not removed", n)
	}
	if d := outcomeCount(model.StatusFailed) - failedBefore; d != 1 {
		t.Errorf("failed delta = %v, want 1", d)
	}

	job, _ := s.GetJob(context.Background(), req.ID)
	if job.ErrorKind != model.KindCompilationFailed {
		t.Errorf("journal kind = %q, want compilation_failed", job.ErrorKind)
	}
	if job.ExitCode == nil || *job.ExitCode != 1 {
		t.Errorf("journal exit code = %v, want 1", job.ExitCode)
	}
}

func TestCompileLogsUnavailable(t *testing.T) {
	rt := newFakeRuntime()
	rt.exitCode = 2
	rt.logsErr = errors.New("logs endpoint blocked by proxy")
	eng, _ := newTestEngine(t, testOptions(t), rt)

	_, err := eng.Compile(context.Background(), request("en"))
	if LogsOf(err) != logsUnavailable {
		t.Errorf("Logs = %q, want placeholder", LogsOf(err))
	}
}

func TestCompileMissingOutput(t *testing.T) {
	rt := newFakeRuntime()
	rt.writeOutput = false
	rt.logs = "No pages of output."
	opts := testOptions(t)
	eng, _ := newTestEngine(t, opts, rt)

	_, err := eng.Compile(context.Background(), request("en"))
	var ce *CompilationError
	if !errors.As(err, &ce) {
		t.Fatalf("got %v, want *CompilationError", err)
	}
	if ce.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", ce.ExitCode)
	}
	if !strings.Contains(ce.Reason, "produced no") {
		t.Errorf("Reason = %q, want missing-output reason", ce.Reason)
	}
	if ce.Logs != "No pages of output." {
		t.Errorf("Logs = %q, want captured compiler output", ce.Logs)
	}
	assertWorkspacesGone(t, opts.WorkDir)
}

func TestCompileContainerTimeout(t *testing.T) {
	rt := newFakeRuntime()
	rt.runFor = -1
	opts := testOptions(t)
	opts.Timeout = 100 * time.Millisecond
	eng, s := newTestEngine(t, opts, rt)

	timedOutBefore := outcomeCount(model.StatusTimedOut)
	req := request("en")
	req.ID = model.NewID()

	start := time.Now()
	_, err := eng.Compile(context.Background(), req)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("got %v, want ErrTimeout", err)
	}
	if KindOf(err) != model.KindTimeout {
		t.Errorf("KindOf = %q, want timeout", KindOf(err))
	}
	// The poll loop fires well before the overall deadline.
	if elapsed := time.Since(start); elapsed >= opts.Timeout+opts.DeadlineBuffer {
		t.Errorf("took %s, expected the container timeout to win", elapsed)
	}

	if d := outcomeCount(model.StatusTimedOut) - timedOutBefore; d != 1 {
		t.Errorf("timed_out delta = %v, want 1", d)
	}
	rt.mu.Lock()
	removed := len(rt.removed)
	rt.mu.Unlock()
	if removed != 1 {
		t.Errorf("removed %d containers, want 1", removed)
	}
	if n := rt.live(); n != 0 {
		t.Errorf("%d container(s) not removed", n)
	}
	assertWorkspacesGone(t, opts.WorkDir)
	assertGateQuiescent(t, eng)

	job, _ := s.GetJob(context.Background(), req.ID)
	if job.Status != model.StatusTimedOut {
		t.Errorf("journal status = %q, want timed_out", job.Status)
	}
}

func TestCompileBoundedConcurrency(t *testing.T) {
	rt := newFakeRuntime()
	rt.runFor = 100 * time.Millisecond
	opts := testOptions(t)
	eng, _ := newTestEngine(t, opts, rt)

	const jobs = 3
	var wg sync.WaitGroup
	errs := make([]error, jobs)
	for i := range jobs {
		wg.Go(func() {
			_, errs[i] = eng.Compile(context.Background(), request("en"))
		})
	}

	// While the first two run, the third must be waiting for a permit.
	time.Sleep(40 * time.Millisecond)
	if st := eng.Gate(); st.InUse != 2 || st.Acquired != 2 {
		t.Errorf("mid-run gate = %+v, want 2 in use and 2 acquired", st)
	}

	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Errorf("job %d: %v", i, err)
		}
	}

	_, _, peak, created := rt.snapshot()
	if peak != 2 {
		t.Errorf("peak running containers = %d, want 2", peak)
	}
	if created != jobs {
		t.Errorf("created %d containers, want %d", created, jobs)
	}
	if st := eng.Gate(); st.Acquired != jobs {
		t.Errorf("acquired = %d, want %d", st.Acquired, jobs)
	}
	assertGateQuiescent(t, eng)
	assertWorkspacesGone(t, opts.WorkDir)
}

func TestCompileRetriesTransientFailure(t *testing.T) {
	rt := newFakeRuntime()
	rt.createErrs = []error{errors.New("read tcp 10.0.0.2:2375: connection reset by peer")}
	opts := testOptions(t)
	eng, _ := newTestEngine(t, opts, rt)

	retriesBefore := testutil.ToFloat64(retriesTotal)

	res, err := eng.Compile(context.Background(), request("en"))
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if res.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", res.Attempts)
	}
	if d := testutil.ToFloat64(retriesTotal) - retriesBefore; d != 1 {
		t.Errorf("retries delta = %v, want 1", d)
	}
	if st := eng.Gate(); st.Acquired != 2 || st.Released != 2 {
		t.Errorf("gate = %+v, want a fresh permit per attempt", st)
	}
	assertWorkspacesGone(t, opts.WorkDir)
}

func TestCompileRetriesExhausted(t *testing.T) {
	rt := newFakeRuntime()
	refused := errors.New("dial tcp 10.0.0.2:2375: connect: connection refused")
	rt.createErrs = []error{refused, refused, refused}
	opts := testOptions(t)
	eng, _ := newTestEngine(t, opts, rt)

	retriesBefore := testutil.ToFloat64(retriesTotal)

	_, err := eng.Compile(context.Background(), request("en"))
	var ce *CompilationError
	if !errors.As(err, &ce) {
		t.Fatalf("got %v, want *CompilationError", err)
	}
	if ce.Reason != "container runtime unavailable" {
		t.Errorf("Reason = %q, want container runtime unavailable", ce.Reason)
	}
	if d := testutil.ToFloat64(retriesTotal) - retriesBefore; d != 2 {
		t.Errorf("retries delta = %v, want 2", d)
	}
	assertGateQuiescent(t, eng)
	assertWorkspacesGone(t, opts.WorkDir)
}

func TestCompileNonTransientNotRetried(t *testing.T) {
	rt := newFakeRuntime()
	rt.createErrs = []error{errors.New("invalid reference format")}
	eng, _ := newTestEngine(t, testOptions(t), rt)

	retriesBefore := testutil.ToFloat64(retriesTotal)

	_, err := eng.Compile(context.Background(), request("en"))
	if !errors.Is(err, ErrCompilationFailed) {
		t.Fatalf("got %v, want ErrCompilationFailed", err)
	}
	if !strings.Contains(err.Error(), "invalid reference format") {
		t.Errorf("error %q lost the original message", err)
	}
	if d := testutil.ToFloat64(retriesTotal) - retriesBefore; d != 0 {
		t.Errorf("retries delta = %v, want 0", d)
	}
}

func TestCompileClosedRuntime(t *testing.T) {
	rt := newFakeRuntime()
	rt.imagePresent = false
	rt.imageInspectErr = backend.ErrRuntimeClosed
	eng, _ := newTestEngine(t, testOptions(t), rt)

	retriesBefore := testutil.ToFloat64(retriesTotal)

	_, err := eng.Compile(context.Background(), request("en"))
	var pe *ImagePullError
	if !errors.As(err, &pe) {
		t.Fatalf("got %v, want *ImagePullError", err)
	}
	if pe.Reason != PullTransportClosed {
		t.Errorf("Reason = %q, want %q", pe.Reason, PullTransportClosed)
	}
	if KindOf(err) != model.KindImageUnavailable {
		t.Errorf("KindOf = %q, want image_unavailable", KindOf(err))
	}
	if d := testutil.ToFloat64(retriesTotal) - retriesBefore; d != 0 {
		t.Errorf("retries delta = %v, want 0", d)
	}
}

func TestCompileCallerCancelled(t *testing.T) {
	rt := newFakeRuntime()
	rt.runFor = -1
	opts := testOptions(t)
	eng, _ := newTestEngine(t, opts, rt)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	_, err := eng.Compile(ctx, request("en"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
	if n := rt.live(); n != 0 {
		t.Errorf("%d container(s) not removed", n)
	}
	assertGateQuiescent(t, eng)
	assertWorkspacesGone(t, opts.WorkDir)
}

func TestSubmitKeepsOutput(t *testing.T) {
	rt := newFakeRuntime()
	eng, s := newTestEngine(t, testOptions(t), rt)

	id, ch, err := eng.Submit(context.Background(), request("en"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case out := <-ch:
		if out.Err != nil {
			t.Fatalf("outcome: %v", out.Err)
		}
		if out.Result.JobID != id {
			t.Errorf("JobID = %q, want %q", out.Result.JobID, id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Submit did not deliver an outcome")
	}

	if _, ok := <-ch; ok {
		t.Error("outcome channel should be closed after delivery")
	}

	pdf, err := s.GetJobOutput(context.Background(), id)
	if err != nil {
		t.Fatalf("GetJobOutput: %v", err)
	}
	if string(pdf) != string(rt.output) {
		t.Errorf("journal output = %q, want %q", pdf, rt.output)
	}
}

func TestSubmitDetachedFromCaller(t *testing.T) {
	rt := newFakeRuntime()
	eng, _ := newTestEngine(t, testOptions(t), rt)

	ctx, cancel := context.WithCancel(context.Background())
	_, ch, err := eng.Submit(ctx, request("en"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	cancel()

	out := <-ch
	if out.Err != nil {
		t.Errorf("cancelling the submitter failed the job: %v", out.Err)
	}
}

func TestCompileEvents(t *testing.T) {
	rt := newFakeRuntime()
	eng, _ := newTestEngine(t, testOptions(t), rt)

	req := request("en")
	req.ID = model.NewID()
	events, unsub := eng.Broker().Subscribe(req.ID)
	defer unsub()

	if _, err := eng.Compile(context.Background(), req); err != nil {
		t.Fatalf("Compile: %v", err)
	}

	var got []string
	for ev := range events {
		got = append(got, ev.Type)
	}
	want := []string{
		model.EventAdmitted,
		model.EventImageReady,
		model.EventContainerCreated,
		model.EventContainerStarted,
		model.EventContainerExited,
		model.EventCleanedUp,
		model.EventCompleted,
	}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestPrewarmPullsImage(t *testing.T) {
	rt := newFakeRuntime()
	rt.imagePresent = false
	eng, _ := newTestEngine(t, testOptions(t), rt)

	eng.Prewarm()
	eng.Close()

	if !eng.ImageAvailable() {
		t.Error("image not available after pre-warm")
	}
	if pulls, _, _, _ := rt.snapshot(); pulls != 1 {
		t.Errorf("pulls = %d, want 1", pulls)
	}
}

func TestPrewarmFailureIsNotFatal(t *testing.T) {
	rt := newFakeRuntime()
	rt.imagePresent = false
	rt.pullErr = errors.New("manifest unknown")
	eng, _ := newTestEngine(t, testOptions(t), rt)

	eng.Prewarm()
	// The first job checks the image again on its own and fails the same way.
	_, err := eng.Compile(context.Background(), request("en"))
	if !errors.Is(err, ErrImageUnavailable) {
		t.Fatalf("got %v, want ErrImageUnavailable", err)
	}

	rt.set(func(f *fakeRuntime) { f.pullErr = nil })
	if _, err := eng.Compile(context.Background(), request("en")); err != nil {
		t.Errorf("Compile after the registry recovered: %v", err)
	}
}

func TestNewEngineValidatesOptions(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Options)
	}{
		{"zero concurrency", func(o *Options) { o.MaxConcurrentJobs = 0 }},
		{"zero timeout", func(o *Options) { o.Timeout = 0 }},
		{"no image", func(o *Options) { o.Image = "" }},
		{"relative workdir", func(o *Options) { o.WorkDir = "scratch" }},
		{"deadline inside admission", func(o *Options) { o.DeadlineBuffer = o.AdmissionBuffer }},
		{"unknown engine", func(o *Options) { o.Engine = "context" }},
		{"empty user", func(o *Options) { o.ContainerUser = "" }},
		{"root uid", func(o *Options) { o.ContainerUser = "0" }},
		{"root uid and gid", func(o *Options) { o.ContainerUser = "0:0" }},
		{"root name", func(o *Options) { o.ContainerUser = "root" }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			opts := testOptions(t)
			tc.mutate(&opts)
			if _, err := NewEngine(opts, newFakeRuntime(), nil, nil, testLogger()); err == nil {
				t.Error("NewEngine succeeded, want error")
			}
		})
	}
}

package worker

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"galion/internal/broadcast"
	"galion/internal/credentials"
	"galion/internal/engine"
	"galion/internal/fault"
	"galion/internal/logger"
	"galion/internal/platform"
	"galion/internal/queue"
)

// fakeHandler matches URLs containing its id and delegates Download to a
// test-provided func.
type fakeHandler struct {
	id       string
	download func(ctx context.Context, rawURL string, opts platform.Options, sink engine.ProgressFunc) *platform.Result
}

func (f *fakeHandler) Descriptor() platform.Descriptor {
	return platform.Descriptor{ID: f.id, DisplayName: f.id, Priority: 50}
}

func (f *fakeHandler) Classify(rawURL string) (*platform.Match, bool) {
	if strings.Contains(rawURL, f.id) {
		return &platform.Match{PlatformID: f.id, Kind: "any"}, true
	}
	return nil, false
}

func (f *fakeHandler) Download(ctx context.Context, rawURL string, opts platform.Options, sink engine.ProgressFunc) *platform.Result {
	return f.download(ctx, rawURL, opts, sink)
}

func (f *fakeHandler) Info(ctx context.Context, rawURL string) (map[string]any, error) {
	return map[string]any{"platform": f.id}, nil
}

func (f *fakeHandler) ValidateCredential(ctx context.Context, secret *credentials.Secret) (*platform.CredentialStatus, error) {
	return &platform.CredentialStatus{Valid: true}, nil
}

type poolFixture struct {
	manager *queue.Manager
	bcast   *broadcast.Broadcaster
	pool    *Pool
}

func newPoolFixture(t *testing.T, h *fakeHandler) *poolFixture {
	t.Helper()
	mgr := queue.NewManager(queue.NewMemoryStore(), logger.Discard(), queue.Options{})
	reg := platform.NewRegistry()
	if err := reg.Register(h); err != nil {
		t.Fatal(err)
	}
	reg.Freeze()
	bc := broadcast.New(logger.Discard())
	pool := New(mgr, reg, bc, logger.Discard(), Options{
		IdleSleep:        10 * time.Millisecond,
		ProgressInterval: time.Millisecond,
	})
	return &poolFixture{manager: mgr, bcast: bc, pool: pool}
}

func (f *poolFixture) start(t *testing.T, n int) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	f.pool.Start(ctx, n)
	t.Cleanup(func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		f.pool.Shutdown(shutdownCtx)
		cancel()
	})
}

func (f *poolFixture) enqueue(t *testing.T, url, platformID string) *queue.Job {
	t.Helper()
	job, err := f.manager.Enqueue(context.Background(), queue.EnqueueRequest{
		URL:        url,
		PlatformID: platformID,
		Priority:   5,
	})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	return job
}

func waitForStatus(t *testing.T, mgr *queue.Manager, id string, want queue.Status) *queue.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := mgr.Job(context.Background(), id)
		if err == nil && job.Status == want {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for job %s to reach %s", id, want)
	return nil
}

func waitForEvent(t *testing.T, ch <-chan broadcast.Event, typ string) broadcast.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("Timed out waiting for a %s event", typ)
		}
	}
}

func TestPoolProcessesJobToCompletion(t *testing.T) {
	h := &fakeHandler{id: "fake"}
	h.download = func(ctx context.Context, rawURL string, opts platform.Options, sink engine.ProgressFunc) *platform.Result {
		sink(engine.Progress{Percent: 50, Status: "downloading"})
		sink(engine.Progress{Percent: 100, Downloaded: 2048, Total: 2048, Status: "completed"})
		return &platform.Result{Success: true, Path: "/tmp/fake.bin", Size: 2048, SHA256: "cafe"}
	}
	f := newPoolFixture(t, h)
	events, cancel := f.bcast.Subscribe("", 64)
	defer cancel()

	job := f.enqueue(t, "https://fake.example/item", "fake")
	f.start(t, 1)

	done := waitForStatus(t, f.manager, job.ID, queue.StatusCompleted)
	if done.Progress != 100 {
		t.Errorf("Expected progress 100, got %v", done.Progress)
	}
	if done.Result["file_path"] != "/tmp/fake.bin" {
		t.Errorf("Expected result file_path, got %v", done.Result["file_path"])
	}

	ev := waitForEvent(t, events, "completed")
	if ev.JobID != job.ID {
		t.Errorf("Expected completed event for %s, got %s", job.ID, ev.JobID)
	}
	if ev.Path != "/tmp/fake.bin" {
		t.Errorf("Expected path in completed event, got %q", ev.Path)
	}

	health := f.pool.Health()
	if len(health) != 1 {
		t.Fatalf("Expected 1 worker, got %d", len(health))
	}
	if health[0].JobsCompleted != 1 {
		t.Errorf("Expected 1 completed on worker, got %d", health[0].JobsCompleted)
	}
	if health[0].CurrentJobID != "" {
		t.Errorf("Expected idle worker, got current job %q", health[0].CurrentJobID)
	}
}

func TestPoolRetriesTransientFault(t *testing.T) {
	var attempts atomic.Int32
	h := &fakeHandler{id: "fake"}
	h.download = func(ctx context.Context, rawURL string, opts platform.Options, sink engine.ProgressFunc) *platform.Result {
		if attempts.Add(1) == 1 {
			return &platform.Result{Err: fault.New(fault.NetworkTransient, "connection reset")}
		}
		return &platform.Result{Success: true, Path: "/tmp/retry.bin", Size: 1}
	}
	f := newPoolFixture(t, h)

	job := f.enqueue(t, "https://fake.example/item", "fake")
	f.start(t, 1)

	done := waitForStatus(t, f.manager, job.ID, queue.StatusCompleted)
	if got := attempts.Load(); got != 2 {
		t.Errorf("Expected 2 attempts, got %d", got)
	}
	if done.RetryCount != 1 {
		t.Errorf("Expected retry_count 1, got %d", done.RetryCount)
	}
	if done.LastError == "" {
		t.Error("Expected last_error to record the transient failure")
	}
}

func TestPoolExtractorFailureRetriesOnce(t *testing.T) {
	var attempts atomic.Int32
	h := &fakeHandler{id: "fake"}
	h.download = func(ctx context.Context, rawURL string, opts platform.Options, sink engine.ProgressFunc) *platform.Result {
		attempts.Add(1)
		return &platform.Result{Err: fault.New(fault.ExtractorFailure, "exit status 1")}
	}
	f := newPoolFixture(t, h)
	events, cancel := f.bcast.Subscribe("", 64)
	defer cancel()

	job := f.enqueue(t, "https://fake.example/item", "fake")
	f.start(t, 1)

	done := waitForStatus(t, f.manager, job.ID, queue.StatusFailed)
	if got := attempts.Load(); got != 2 {
		t.Errorf("Expected exactly 2 attempts for an extractor failure, got %d", got)
	}
	if done.RetryCount != 1 {
		t.Errorf("Expected retry_count 1, got %d", done.RetryCount)
	}

	ev := waitForEvent(t, events, "error")
	if ev.ErrorType != "extractor-failure" {
		t.Errorf("Expected error_type extractor-failure, got %q", ev.ErrorType)
	}
}

func TestPoolPermanentFaultFailsImmediately(t *testing.T) {
	var attempts atomic.Int32
	h := &fakeHandler{id: "fake"}
	h.download = func(ctx context.Context, rawURL string, opts platform.Options, sink engine.ProgressFunc) *platform.Result {
		attempts.Add(1)
		return &platform.Result{Err: fault.New(fault.DigestMismatch, "sha256 mismatch")}
	}
	f := newPoolFixture(t, h)
	events, cancel := f.bcast.Subscribe("", 64)
	defer cancel()

	job := f.enqueue(t, "https://fake.example/item", "fake")
	f.start(t, 1)

	done := waitForStatus(t, f.manager, job.ID, queue.StatusFailed)
	if got := attempts.Load(); got != 1 {
		t.Errorf("Expected a single attempt, got %d", got)
	}
	if done.RetryCount != 0 {
		t.Errorf("Expected no retries, got %d", done.RetryCount)
	}

	ev := waitForEvent(t, events, "error")
	if ev.ErrorType != "digest-mismatch" {
		t.Errorf("Expected error_type digest-mismatch, got %q", ev.ErrorType)
	}
}

func TestPoolRecoversHandlerPanic(t *testing.T) {
	var attempts atomic.Int32
	h := &fakeHandler{id: "fake"}
	h.download = func(ctx context.Context, rawURL string, opts platform.Options, sink engine.ProgressFunc) *platform.Result {
		if attempts.Add(1) == 1 {
			panic("handler exploded")
		}
		return &platform.Result{Success: true, Path: "/tmp/ok.bin", Size: 1}
	}
	f := newPoolFixture(t, h)

	first := f.enqueue(t, "https://fake.example/boom", "fake")
	f.start(t, 1)

	done := waitForStatus(t, f.manager, first.ID, queue.StatusFailed)
	if !strings.Contains(done.Error, "panic") {
		t.Errorf("Expected panic recorded in error, got %q", done.Error)
	}

	// The worker must survive the panic and keep consuming.
	second := f.enqueue(t, "https://fake.example/next", "fake")
	waitForStatus(t, f.manager, second.ID, queue.StatusCompleted)
}

func TestPoolFailsURLNoHandlerAccepts(t *testing.T) {
	h := &fakeHandler{id: "fake"}
	h.download = func(ctx context.Context, rawURL string, opts platform.Options, sink engine.ProgressFunc) *platform.Result {
		t.Error("Download should not run for an unroutable url")
		return &platform.Result{Success: true}
	}
	f := newPoolFixture(t, h)
	events, cancel := f.bcast.Subscribe("", 64)
	defer cancel()

	job := f.enqueue(t, "https://other.example/x", "")
	f.start(t, 1)

	waitForStatus(t, f.manager, job.ID, queue.StatusFailed)
	ev := waitForEvent(t, events, "error")
	if ev.ErrorType != "unsupported-url-kind" {
		t.Errorf("Expected error_type unsupported-url-kind, got %q", ev.ErrorType)
	}
}

func TestScaleGrowsAndShrinks(t *testing.T) {
	h := &fakeHandler{id: "fake"}
	h.download = func(ctx context.Context, rawURL string, opts platform.Options, sink engine.ProgressFunc) *platform.Result {
		return &platform.Result{Success: true}
	}
	f := newPoolFixture(t, h)
	f.start(t, 1)

	ctx := context.Background()
	size, err := f.pool.Scale(ctx, 3)
	if err != nil {
		t.Fatalf("Scale up failed: %v", err)
	}
	if size != 3 || f.pool.Size() != 3 {
		t.Errorf("Expected 3 workers, got %d", f.pool.Size())
	}
	if got := len(f.pool.Health()); got != 3 {
		t.Errorf("Expected 3 health entries, got %d", got)
	}

	size, err = f.pool.Scale(ctx, 1)
	if err != nil {
		t.Fatalf("Scale down failed: %v", err)
	}
	if size != 1 || f.pool.Size() != 1 {
		t.Errorf("Expected 1 worker after shrink, got %d", f.pool.Size())
	}
}

func TestScaleRejectsNegative(t *testing.T) {
	h := &fakeHandler{id: "fake"}
	f := newPoolFixture(t, h)
	f.start(t, 1)

	if _, err := f.pool.Scale(context.Background(), -1); err == nil {
		t.Error("Expected an error for a negative target")
	}
}

func TestShutdownStopsAllWorkers(t *testing.T) {
	h := &fakeHandler{id: "fake"}
	h.download = func(ctx context.Context, rawURL string, opts platform.Options, sink engine.ProgressFunc) *platform.Result {
		return &platform.Result{Success: true}
	}
	f := newPoolFixture(t, h)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.pool.Start(ctx, 4)

	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := f.pool.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if got := f.pool.Size(); got != 0 {
		t.Errorf("Expected 0 workers after shutdown, got %d", got)
	}
}

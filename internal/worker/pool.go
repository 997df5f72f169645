// Package worker runs the consumer pool that drives queued jobs through
// their platform handlers. Pool size is mutable at runtime; a shrink signals
// the trailing workers and lets in-flight jobs finish.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"galion/internal/broadcast"
	"galion/internal/engine"
	"galion/internal/fault"
	"galion/internal/platform"
	"galion/internal/queue"
)

// Options tunes the pool. Zero values fall back to the documented defaults.
type Options struct {
	IdleSleep        time.Duration // empty-queue backoff, default 1s
	ProgressInterval time.Duration // min spacing of queue progress writes, default 500ms
}

func (o Options) withDefaults() Options {
	if o.IdleSleep == 0 {
		o.IdleSleep = time.Second
	}
	if o.ProgressInterval == 0 {
		o.ProgressInterval = 500 * time.Millisecond
	}
	return o
}

// Health is one worker's observable state.
type Health struct {
	ID            int    `json:"id"`
	StartedAt     string `json:"started_at"`
	JobsCompleted int64  `json:"jobs_completed"`
	JobsFailed    int64  `json:"jobs_failed"`
	CurrentJobID  string `json:"current_job_id,omitempty"`
}

type workerState struct {
	id        int
	stop      chan struct{}
	done      chan struct{}
	startedAt time.Time
	completed atomic.Int64
	failed    atomic.Int64
	current   atomic.Value // job id string, "" when idle
}

// Pool owns the worker goroutines. All methods are safe for concurrent use.
type Pool struct {
	manager  *queue.Manager
	registry *platform.Registry
	bcast    *broadcast.Broadcaster
	logger   *slog.Logger
	opts     Options

	mu      sync.Mutex
	baseCtx context.Context
	workers []*workerState
	nextID  int
}

func New(manager *queue.Manager, registry *platform.Registry, bcast *broadcast.Broadcaster, logger *slog.Logger, opts Options) *Pool {
	return &Pool{
		manager:  manager,
		registry: registry,
		bcast:    bcast,
		logger:   logger,
		opts:     opts.withDefaults(),
	}
}

// Start launches n workers bound to ctx. Cancelling ctx stops every worker,
// including ones added later by Scale.
func (p *Pool) Start(ctx context.Context, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.baseCtx = ctx
	for i := 0; i < n; i++ {
		p.spawnLocked()
	}
	p.logger.Info("Worker pool started", "workers", n)
}

func (p *Pool) spawnLocked() {
	p.nextID++
	w := &workerState{
		id:        p.nextID,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		startedAt: time.Now(),
	}
	w.current.Store("")
	p.workers = append(p.workers, w)
	go p.run(p.baseCtx, w)
}

// Size reports the current worker count.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Health snapshots per-worker counters for the observability surface.
func (p *Pool) Health() []Health {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Health, 0, len(p.workers))
	for _, w := range p.workers {
		h := Health{
			ID:            w.id,
			StartedAt:     w.startedAt.UTC().Format(time.RFC3339),
			JobsCompleted: w.completed.Load(),
			JobsFailed:    w.failed.Load(),
		}
		if cur, ok := w.current.Load().(string); ok {
			h.CurrentJobID = cur
		}
		out = append(out, h)
	}
	return out
}

// Scale grows the pool by spawning or shrinks it by stopping the trailing
// workers and awaiting their exit. A worker mid-job finishes that job first.
// Returns the new size.
func (p *Pool) Scale(ctx context.Context, target int) (int, error) {
	if target < 0 {
		return 0, fmt.Errorf("worker: target %d out of range", target)
	}

	p.mu.Lock()
	if p.baseCtx == nil {
		p.mu.Unlock()
		return 0, errors.New("worker: pool not started")
	}
	before := len(p.workers)
	var victims []*workerState
	switch {
	case target > before:
		for i := before; i < target; i++ {
			p.spawnLocked()
		}
	case target < before:
		victims = p.workers[target:]
		p.workers = p.workers[:target]
	}
	size := len(p.workers)
	p.mu.Unlock()

	for _, w := range victims {
		close(w.stop)
	}
	for _, w := range victims {
		select {
		case <-w.done:
		case <-ctx.Done():
			return size, ctx.Err()
		}
	}
	if size != before {
		p.logger.Info("Worker pool scaled", "from", before, "to", size)
	}
	return size, nil
}

// Shutdown stops every worker and waits for them, bounded by ctx.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	workers := p.workers
	p.workers = nil
	p.mu.Unlock()

	for _, w := range workers {
		close(w.stop)
	}
	for _, w := range workers {
		select {
		case <-w.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	p.logger.Info("Worker pool stopped", "workers", len(workers))
	return nil
}

func (p *Pool) run(ctx context.Context, w *workerState) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		default:
		}

		job, err := p.manager.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("Dequeue failed", "worker", w.id, "error", err)
			p.idle(ctx, w)
			continue
		}
		if job == nil {
			p.idle(ctx, w)
			continue
		}

		w.current.Store(job.ID)
		p.process(ctx, w, job)
		w.current.Store("")
	}
}

func (p *Pool) idle(ctx context.Context, w *workerState) {
	t := time.NewTimer(p.opts.IdleSleep)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-w.stop:
	case <-t.C:
	}
}

func (p *Pool) process(ctx context.Context, w *workerState, job *queue.Job) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Worker panic recovered",
				"worker", w.id, "job", job.ID, "panic", r, "stack", string(debug.Stack()))
			w.failed.Add(1)
			p.fail(ctx, job, fault.IOFailure, fmt.Sprintf("panic: %v", r))
		}
	}()

	handler := p.handlerFor(job)
	if handler == nil {
		w.failed.Add(1)
		p.fail(ctx, job, fault.UnsupportedURL, "no handler accepts this url")
		return
	}

	p.logger.Info("Job started",
		"worker", w.id, "job", job.ID, "platform", handler.Descriptor().ID, "url", job.URL)

	res := handler.Download(ctx, job.URL, platform.Options(job.Options), p.sinkFor(ctx, job.ID))
	if res.Success {
		if err := p.manager.Complete(ctx, job.ID, res.Map()); err != nil {
			p.logger.Error("Complete failed", "job", job.ID, "error", err)
		}
		w.completed.Add(1)
		p.bcast.JobCompleted(job.ID, res.Path, res.Size)
		return
	}

	w.failed.Add(1)
	cause := "handler reported failure"
	if res.Err != nil {
		cause = res.Err.Error()
	}
	p.failWithPolicy(ctx, job, res.ErrorKind(), cause)
}

// handlerFor prefers the platform recorded at enqueue, re-detects when that
// is missing, and leaves totality to the generic handler.
func (p *Pool) handlerFor(job *queue.Job) platform.Handler {
	if job.PlatformID != "" {
		if h, ok := p.registry.Handler(job.PlatformID); ok {
			return h
		}
		p.logger.Warn("Job references unknown platform, re-detecting",
			"job", job.ID, "platform", job.PlatformID)
	}
	if m := p.registry.Detect(job.URL); m != nil {
		if h, ok := p.registry.Handler(m.PlatformID); ok {
			return h
		}
	}
	h, _ := p.registry.Handler("generic")
	return h
}

// failWithPolicy applies the per-kind retry rule: transient network faults
// retry while attempts remain, a first extractor failure earns one retry,
// everything else dead-letters immediately.
func (p *Pool) failWithPolicy(ctx context.Context, job *queue.Job, kind fault.Kind, cause string) {
	retry := false
	switch kind {
	case fault.NetworkTransient:
		retry = true
	case fault.ExtractorFailure:
		retry = job.RetryCount < 1
	}

	willRetry := retry && job.RetryCount < job.MaxRetries
	if err := p.manager.Fail(ctx, job.ID, cause, retry); err != nil {
		p.logger.Error("Fail transition errored", "job", job.ID, "error", err)
	}
	if !willRetry {
		p.bcast.JobFailed(job.ID, string(kind), cause)
	}
}

// fail dead-letters without consulting the retry policy.
func (p *Pool) fail(ctx context.Context, job *queue.Job, kind fault.Kind, cause string) {
	if err := p.manager.Fail(ctx, job.ID, cause, false); err != nil {
		p.logger.Error("Fail transition errored", "job", job.ID, "error", err)
	}
	p.bcast.JobFailed(job.ID, string(kind), cause)
}

// sinkFor composes the progress fan-out for one job: every tick reaches the
// broadcaster, queue writes are spaced at least ProgressInterval apart except
// for the terminal 100.
func (p *Pool) sinkFor(ctx context.Context, jobID string) engine.ProgressFunc {
	var last time.Time
	return func(pr engine.Progress) {
		p.bcast.OnProgress(jobID, pr)

		now := time.Now()
		if now.Sub(last) < p.opts.ProgressInterval && pr.Percent < 100 {
			return
		}
		last = now
		if err := p.manager.UpdateProgress(ctx, jobID, pr.Percent, pr.Speed, pr.ETA); err != nil {
			p.logger.Debug("Progress write failed", "job", jobID, "error", err)
		}
	}
}

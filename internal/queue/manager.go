package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"galion/internal/fault"
)

// ErrDuplicate reports an enqueue rejected by fingerprint dedup. Use
// errors.Is to detect it; the concrete value is a DuplicateError carrying the
// owning job id.
var ErrDuplicate = errors.New("queue: duplicate url")

// DuplicateError satisfies errors.Is(err, ErrDuplicate).
type DuplicateError struct {
	ExistingID string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("queue: duplicate url (existing job %s)", e.ExistingID)
}

func (e *DuplicateError) Is(target error) bool { return target == ErrDuplicate }

// Options tunes the manager. Zero values fall back to the documented
// defaults.
type Options struct {
	MaxRetries   int           // default 3
	Retention    time.Duration // job record and fingerprint TTL, default 7 days
	CompletedCap int           // recency log bound, default 1000
}

func (o Options) withDefaults() Options {
	if o.MaxRetries == 0 {
		o.MaxRetries = 3
	}
	if o.Retention == 0 {
		o.Retention = 7 * 24 * time.Hour
	}
	if o.CompletedCap == 0 {
		o.CompletedCap = 1000
	}
	return o
}

// Manager owns every job record once enqueued. All mutation goes through its
// operations; workers only hold borrowed views.
type Manager struct {
	store  Store
	logger *slog.Logger
	opts   Options
	paused atomic.Bool
	sink   atomic.Pointer[func(Event)]
}

func NewManager(store Store, logger *slog.Logger, opts Options) *Manager {
	return &Manager{store: store, logger: logger, opts: opts.withDefaults()}
}

// SetEventSink installs the status-transition consumer (the job-state
// mirror). The sink must not block.
func (m *Manager) SetEventSink(fn func(Event)) {
	m.sink.Store(&fn)
}

func (m *Manager) emit(t EventType, job *Job) {
	if p := m.sink.Load(); p != nil && *p != nil {
		(*p)(Event{Type: t, Job: *job, At: time.Now()})
	}
}

// Enqueue admits a new job. With Dedup set, a URL whose fingerprint is
// already registered is rejected with ErrDuplicate. Store outages surface as
// queue-unavailable faults.
func (m *Manager) Enqueue(ctx context.Context, req EnqueueRequest) (*Job, error) {
	if req.URL == "" {
		return nil, errors.New("queue: url required")
	}
	now := time.Now()
	job := &Job{
		ID:         uuid.NewString(),
		URL:        req.URL,
		URLHash:    Fingerprint(req.URL),
		PlatformID: req.PlatformID,
		Options:    req.Options,
		Status:     StatusPending,
		Priority:   clampPriority(req.Priority),
		MaxRetries: m.opts.MaxRetries,
		CreatedAt:  timestamp(now),
		Tenant:     req.Tenant,
	}

	if req.Dedup {
		owner, claimed, err := m.store.ClaimFingerprint(ctx, job.URLHash, job.ID, m.opts.Retention)
		if err != nil {
			return nil, fault.Wrap(fault.QueueUnavailable, err)
		}
		if !claimed {
			return nil, &DuplicateError{ExistingID: owner}
		}
	} else {
		if err := m.store.StoreFingerprint(ctx, job.URLHash, job.ID, m.opts.Retention); err != nil {
			return nil, fault.Wrap(fault.QueueUnavailable, err)
		}
	}

	if err := m.saveJob(ctx, job, m.opts.Retention); err != nil {
		return nil, fault.Wrap(fault.QueueUnavailable, err)
	}
	if err := m.store.AddPending(ctx, job.ID, scoreFor(job.Priority, now)); err != nil {
		return nil, fault.Wrap(fault.QueueUnavailable, err)
	}
	if err := m.store.IncrCounter(ctx, counterQueued, 1); err != nil {
		m.logger.Warn("Stats counter update failed", "counter", counterQueued, "error", err)
	}

	m.logger.Info("Job enqueued", "id", job.ID, "url", job.URL, "platform", job.PlatformID, "priority", job.Priority)
	m.emit(EventCreated, job)
	return job, nil
}

// Dequeue pops the lowest-score pending job, moves it into the active set,
// and stamps it processing. Returns (nil, nil) while paused or empty. Popped
// ids whose record has expired are skipped.
func (m *Manager) Dequeue(ctx context.Context) (*Job, error) {
	if m.paused.Load() {
		return nil, nil
	}
	for {
		id, ok, err := m.store.PopMinPending(ctx)
		if err != nil {
			return nil, fault.Wrap(fault.QueueUnavailable, err)
		}
		if !ok {
			return nil, nil
		}
		job, err := m.loadJob(ctx, id)
		if errors.Is(err, ErrNotFound) {
			m.logger.Warn("Pending id without record, skipping", "id", id)
			continue
		}
		if err != nil {
			return nil, err
		}

		job.Status = StatusProcessing
		job.StartedAt = timestamp(time.Now())
		if err := m.saveJob(ctx, job, 0); err != nil {
			return nil, err
		}
		if err := m.store.AddActive(ctx, id); err != nil {
			return nil, fault.Wrap(fault.QueueUnavailable, err)
		}
		m.emit(EventStarted, job)
		return job, nil
	}
}

// Complete finalises a successful job. Calling it for an id that is not in
// the active set is a no-op, which makes double completion harmless.
func (m *Manager) Complete(ctx context.Context, id string, result map[string]any) error {
	removed, err := m.store.RemoveActive(ctx, id)
	if err != nil {
		return fault.Wrap(fault.QueueUnavailable, err)
	}
	if !removed {
		return nil
	}
	job, err := m.loadJob(ctx, id)
	if err != nil {
		return err
	}

	job.Status = StatusCompleted
	job.CompletedAt = timestamp(time.Now())
	job.Progress = 100
	job.Speed = 0
	job.ETA = 0
	job.Result = result
	if err := m.saveJob(ctx, job, 0); err != nil {
		return err
	}
	if err := m.store.PushCompleted(ctx, id, m.opts.CompletedCap); err != nil {
		return fault.Wrap(fault.QueueUnavailable, err)
	}
	if err := m.store.IncrCounter(ctx, counterCompleted, 1); err != nil {
		m.logger.Warn("Stats counter update failed", "counter", counterCompleted, "error", err)
	}

	m.logger.Info("Job completed", "id", id)
	m.emit(EventCompleted, job)
	return nil
}

// Fail applies the retry policy: when retry is requested and retries remain,
// the job re-enters pending with priority lowered by one and a fresh arrival
// score; otherwise it dead-letters. Ids not in the active set are ignored.
func (m *Manager) Fail(ctx context.Context, id, cause string, retry bool) error {
	removed, err := m.store.RemoveActive(ctx, id)
	if err != nil {
		return fault.Wrap(fault.QueueUnavailable, err)
	}
	if !removed {
		return nil
	}
	job, err := m.loadJob(ctx, id)
	if err != nil {
		return err
	}

	if retry && job.RetryCount < job.MaxRetries {
		job.Priority = clampPriority(job.Priority - 1)
		job.RetryCount++
		job.LastError = cause
		job.Status = StatusPending
		job.Progress = 0
		job.Speed = 0
		job.ETA = 0
		if err := m.saveJob(ctx, job, 0); err != nil {
			return err
		}
		if err := m.store.AddPending(ctx, job.ID, scoreFor(job.Priority, time.Now())); err != nil {
			return fault.Wrap(fault.QueueUnavailable, err)
		}
		m.logger.Warn("Job scheduled for retry", "id", id, "attempt", job.RetryCount, "max", job.MaxRetries, "error", cause)
		m.emit(EventRetry, job)
		return nil
	}

	job.Status = StatusFailed
	job.Error = cause
	job.FailedAt = timestamp(time.Now())
	if err := m.saveJob(ctx, job, 0); err != nil {
		return err
	}
	if err := m.store.PushFailed(ctx, id); err != nil {
		return fault.Wrap(fault.QueueUnavailable, err)
	}
	if err := m.store.IncrCounter(ctx, counterFailed, 1); err != nil {
		m.logger.Warn("Stats counter update failed", "counter", counterFailed, "error", err)
	}

	m.logger.Error("Job failed permanently", "id", id, "retries", job.RetryCount, "error", cause)
	m.emit(EventFailed, job)
	return nil
}

// UpdateProgress patches the progress fields. Called at most every 500ms per
// job, so it stays a single read-modify-write.
func (m *Manager) UpdateProgress(ctx context.Context, id string, percent, speed, eta float64) error {
	job, err := m.loadJob(ctx, id)
	if err != nil {
		return err
	}
	job.Progress = percent
	job.Speed = speed
	job.ETA = eta
	return m.saveJob(ctx, job, 0)
}

// Cancel removes a pending job. Jobs already picked up by a worker are not
// interrupted; Cancel reports false for them.
func (m *Manager) Cancel(ctx context.Context, id string) (bool, error) {
	removed, err := m.store.RemovePending(ctx, id)
	if err != nil {
		return false, fault.Wrap(fault.QueueUnavailable, err)
	}
	if !removed {
		return false, nil
	}
	job, err := m.loadJob(ctx, id)
	if err != nil {
		return true, err
	}
	job.Status = StatusCancelled
	job.CompletedAt = timestamp(time.Now())
	if err := m.saveJob(ctx, job, 0); err != nil {
		return true, err
	}
	// Free the fingerprint so the URL can be resubmitted.
	if err := m.store.DeleteFingerprint(ctx, job.URLHash); err != nil {
		m.logger.Warn("Fingerprint cleanup failed", "id", id, "error", err)
	}
	m.logger.Info("Job cancelled", "id", id)
	m.emit(EventCancelled, job)
	return true, nil
}

// Pause stops Dequeue from handing out work. In-flight jobs finish normally.
func (m *Manager) Pause() { m.paused.Store(true) }

// Resume re-enables Dequeue.
func (m *Manager) Resume() { m.paused.Store(false) }

func (m *Manager) IsPaused() bool { return m.paused.Load() }

// ClearCompleted empties the recency log and reports how many entries it
// held.
func (m *Manager) ClearCompleted(ctx context.Context) (int64, error) {
	n, err := m.store.ClearCompleted(ctx)
	if err != nil {
		return 0, fault.Wrap(fault.QueueUnavailable, err)
	}
	return n, nil
}

// Stats snapshots set sizes and lifetime counters.
func (m *Manager) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{Paused: m.paused.Load()}
	var err error
	if st.Pending, err = m.store.PendingCount(ctx); err != nil {
		return nil, fault.Wrap(fault.QueueUnavailable, err)
	}
	if st.Active, err = m.store.ActiveCount(ctx); err != nil {
		return nil, fault.Wrap(fault.QueueUnavailable, err)
	}
	if st.Completed, err = m.store.CompletedCount(ctx); err != nil {
		return nil, fault.Wrap(fault.QueueUnavailable, err)
	}
	if st.Failed, err = m.store.FailedCount(ctx); err != nil {
		return nil, fault.Wrap(fault.QueueUnavailable, err)
	}
	counters, err := m.store.Counters(ctx)
	if err != nil {
		return nil, fault.Wrap(fault.QueueUnavailable, err)
	}
	st.TotalQueued = counters[counterQueued]
	st.TotalCompleted = counters[counterCompleted]
	st.TotalFailed = counters[counterFailed]
	return st, nil
}

// Job returns the stored record for id.
func (m *Manager) Job(ctx context.Context, id string) (*Job, error) {
	return m.loadJob(ctx, id)
}

// Recent returns up to n entries of the completed recency log, newest first.
func (m *Manager) Recent(ctx context.Context, n int64) ([]*Job, error) {
	ids, err := m.store.CompletedIDs(ctx, n)
	if err != nil {
		return nil, fault.Wrap(fault.QueueUnavailable, err)
	}
	return m.loadAll(ctx, ids), nil
}

// DeadLetters returns up to n permanently failed jobs, newest first.
func (m *Manager) DeadLetters(ctx context.Context, n int64) ([]*Job, error) {
	ids, err := m.store.FailedIDs(ctx, n)
	if err != nil {
		return nil, fault.Wrap(fault.QueueUnavailable, err)
	}
	return m.loadAll(ctx, ids), nil
}

// RecoverOrphans returns active jobs whose started_at is older than the
// threshold to the pending set. A worker crash between dequeue and a terminal
// call would otherwise strand them forever.
func (m *Manager) RecoverOrphans(ctx context.Context, olderThan time.Duration) (int, error) {
	ids, err := m.store.ActiveMembers(ctx)
	if err != nil {
		return 0, fault.Wrap(fault.QueueUnavailable, err)
	}
	cutoff := time.Now().Add(-olderThan)
	recovered := 0
	for _, id := range ids {
		job, err := m.loadJob(ctx, id)
		if errors.Is(err, ErrNotFound) {
			if _, err := m.store.RemoveActive(ctx, id); err != nil {
				m.logger.Warn("Orphan cleanup failed", "id", id, "error", err)
			}
			continue
		}
		if err != nil {
			return recovered, err
		}
		started, perr := time.Parse(time.RFC3339, job.StartedAt)
		if perr == nil && started.After(cutoff) {
			continue
		}
		if _, err := m.store.RemoveActive(ctx, id); err != nil {
			return recovered, fault.Wrap(fault.QueueUnavailable, err)
		}
		orphanedAt := job.StartedAt
		job.Status = StatusPending
		job.StartedAt = ""
		job.Progress = 0
		job.Speed = 0
		job.ETA = 0
		if err := m.saveJob(ctx, job, 0); err != nil {
			return recovered, err
		}
		if err := m.store.AddPending(ctx, job.ID, scoreFor(job.Priority, time.Now())); err != nil {
			return recovered, fault.Wrap(fault.QueueUnavailable, err)
		}
		m.logger.Warn("Recovered orphaned job", "id", id, "started_at", orphanedAt)
		m.emit(EventRetry, job)
		recovered++
	}
	return recovered, nil
}

// Ping reports store reachability.
func (m *Manager) Ping(ctx context.Context) error {
	return m.store.Ping(ctx)
}

func (m *Manager) loadAll(ctx context.Context, ids []string) []*Job {
	jobs := make([]*Job, 0, len(ids))
	for _, id := range ids {
		job, err := m.loadJob(ctx, id)
		if err != nil {
			continue // expired records drop out of listings
		}
		jobs = append(jobs, job)
	}
	return jobs
}

func (m *Manager) loadJob(ctx context.Context, id string) (*Job, error) {
	payload, err := m.store.LoadJob(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fault.Wrap(fault.QueueUnavailable, err)
	}
	var job Job
	if err := json.Unmarshal(payload, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &job, nil
}

func (m *Manager) saveJob(ctx context.Context, job *Job, ttl time.Duration) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}
	if err := m.store.SaveJob(ctx, job.ID, payload, ttl); err != nil {
		return fault.Wrap(fault.QueueUnavailable, err)
	}
	return nil
}

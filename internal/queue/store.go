package queue

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound reports a missing or expired record.
var ErrNotFound = errors.New("queue: record not found")

// Store is the key-value state backing the queue. RedisStore is the
// production implementation; MemoryStore backs tests and single-node dev
// runs. Every method is one small atomic unit on the store.
type Store interface {
	// Pending priority set. Lower score pops first.
	AddPending(ctx context.Context, id string, score float64) error
	PopMinPending(ctx context.Context) (id string, ok bool, err error)
	RemovePending(ctx context.Context, id string) (bool, error)
	PendingCount(ctx context.Context) (int64, error)

	// Active set: jobs currently held by a worker.
	AddActive(ctx context.Context, id string) error
	RemoveActive(ctx context.Context, id string) (bool, error)
	ActiveMembers(ctx context.Context) ([]string, error)
	ActiveCount(ctx context.Context) (int64, error)

	// Completed recency log (newest first, trimmed to cap) and failed
	// dead-letter log.
	PushCompleted(ctx context.Context, id string, cap int) error
	CompletedIDs(ctx context.Context, n int64) ([]string, error)
	CompletedCount(ctx context.Context) (int64, error)
	ClearCompleted(ctx context.Context) (int64, error)
	PushFailed(ctx context.Context, id string) error
	FailedIDs(ctx context.Context, n int64) ([]string, error)
	FailedCount(ctx context.Context) (int64, error)

	// Job records. ttl == 0 keeps the existing expiry.
	SaveJob(ctx context.Context, id string, payload []byte, ttl time.Duration) error
	LoadJob(ctx context.Context, id string) ([]byte, error)

	// URL fingerprints. ClaimFingerprint is atomic: it stores id only when
	// the fingerprint is absent and reports the owning id either way.
	ClaimFingerprint(ctx context.Context, fp, id string, ttl time.Duration) (owner string, claimed bool, err error)
	StoreFingerprint(ctx context.Context, fp, id string, ttl time.Duration) error
	DeleteFingerprint(ctx context.Context, fp string) error

	// Monotonic counters (total_queued, total_completed, total_failed).
	IncrCounter(ctx context.Context, field string, delta int64) error
	Counters(ctx context.Context) (map[string]int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// Counter field names under the stats key.
const (
	counterQueued    = "total_queued"
	counterCompleted = "total_completed"
	counterFailed    = "total_failed"
)

// Package queue implements the durable priority job queue: dedup by URL
// fingerprint, score-ordered dispatch, retry with dead-lettering, progress
// tracking, and crash recovery over a pluggable store.
package queue

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Job is one acquisition attempt for one URL with one set of options. The
// manager owns the record once enqueued; workers hold a borrowed view for the
// duration of a single attempt.
type Job struct {
	ID          string            `json:"id"`
	URL         string            `json:"url"`
	URLHash     string            `json:"url_hash"`
	PlatformID  string            `json:"platform_id,omitempty"`
	Options     map[string]string `json:"options,omitempty"`
	Status      Status            `json:"status"`
	Priority    int               `json:"priority"`
	RetryCount  int               `json:"retry_count"`
	MaxRetries  int               `json:"max_retries"`
	Progress    float64           `json:"progress"`
	Speed       float64           `json:"speed"`
	ETA         float64           `json:"eta"`
	CreatedAt   string            `json:"created_at"`
	StartedAt   string            `json:"started_at,omitempty"`
	CompletedAt string            `json:"completed_at,omitempty"`
	FailedAt    string            `json:"failed_at,omitempty"`
	Error       string            `json:"error,omitempty"`
	LastError   string            `json:"last_error,omitempty"`
	Result      map[string]any    `json:"result,omitempty"`
	Tenant      string            `json:"tenant,omitempty"`
}

// EnqueueRequest carries the caller's submission.
type EnqueueRequest struct {
	URL        string
	PlatformID string
	Options    map[string]string
	Priority   int // 0..10, higher served sooner
	Dedup      bool
	Tenant     string
}

// Fingerprint derives the 16-hex-char dedup key for a URL.
func Fingerprint(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:])[:16]
}

// scoreFor composes priority (dominant term) with arrival time (tiebreaker):
// within a priority class order is FIFO, across classes strict. Smaller
// scores dequeue sooner. The sub-second fraction keeps FIFO exact for
// arrivals inside the same second.
func scoreFor(priority int, now time.Time) float64 {
	return float64(10-priority)*1e12 + float64(now.UnixNano())/1e9
}

func clampPriority(p int) int {
	if p < 0 {
		return 0
	}
	if p > 10 {
		return 10
	}
	return p
}

func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// EventType labels a status transition for mirror consumers.
type EventType string

const (
	EventCreated   EventType = "created"
	EventStarted   EventType = "started"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventRetry     EventType = "retry"
	EventCancelled EventType = "cancelled"
)

// Event is emitted on every status transition. The embedded Job is a value
// snapshot; sinks must not block.
type Event struct {
	Type EventType
	Job  Job
	At   time.Time
}

// Stats is the queue snapshot returned by Manager.Stats.
type Stats struct {
	Pending        int64 `json:"pending"`
	Active         int64 `json:"active"`
	Completed      int64 `json:"completed"`
	Failed         int64 `json:"failed"`
	Paused         bool  `json:"paused"`
	TotalQueued    int64 `json:"total_queued"`
	TotalCompleted int64 `json:"total_completed"`
	TotalFailed    int64 `json:"total_failed"`
}

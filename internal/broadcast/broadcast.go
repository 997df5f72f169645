// Package broadcast fans job progress out to an arbitrary set of
// subscribers, typically WebSocket sessions. Delivery is best-effort: a
// subscriber that cannot keep up loses events rather than stalling the
// workers.
package broadcast

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"galion/internal/engine"
)

// Event is one progress or terminal notification for a job.
type Event struct {
	Type       string    `json:"type"` // progress, completed, error
	JobID      string    `json:"job_id"`
	Percent    float64   `json:"percent,omitempty"`
	Downloaded int64     `json:"downloaded,omitempty"`
	Total      int64     `json:"total,omitempty"`
	Speed      float64   `json:"speed,omitempty"`
	ETA        float64   `json:"eta,omitempty"`
	Status     string    `json:"status,omitempty"`
	Path       string    `json:"path,omitempty"`
	ErrorType  string    `json:"error_type,omitempty"`
	Message    string    `json:"message,omitempty"`
	At         time.Time `json:"at"`
}

type subscriber struct {
	jobID string // empty subscribes to everything
	ch    chan Event
}

// Broadcaster is safe for concurrent use by workers and the API layer.
type Broadcaster struct {
	logger  *slog.Logger
	mu      sync.RWMutex
	subs    map[uint64]*subscriber
	nextID  uint64
	dropped atomic.Int64
}

func New(logger *slog.Logger) *Broadcaster {
	return &Broadcaster{
		logger: logger,
		subs:   make(map[uint64]*subscriber),
	}
}

// Subscribe registers a listener. A non-empty jobID filters to that job.
// The returned cancel func unregisters and closes the channel; it is safe to
// call more than once.
func (b *Broadcaster) Subscribe(jobID string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 32
	}
	sub := &subscriber{jobID: jobID, ch: make(chan Event, buffer)}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			// Publishers send only while holding the read lock, so closing
			// here cannot race a send.
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// Subscribers reports the current listener count.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped reports how many events were discarded on full buffers.
func (b *Broadcaster) Dropped() int64 {
	return b.dropped.Load()
}

// OnProgress publishes a throttled transfer snapshot.
func (b *Broadcaster) OnProgress(jobID string, p engine.Progress) {
	b.publish(Event{
		Type:       "progress",
		JobID:      jobID,
		Percent:    p.Percent,
		Downloaded: p.Downloaded,
		Total:      p.Total,
		Speed:      p.Speed,
		ETA:        p.ETA,
		Status:     p.Status,
		At:         time.Now(),
	})
}

// JobCompleted publishes the terminal success event.
func (b *Broadcaster) JobCompleted(jobID string, path string, size int64) {
	b.publish(Event{
		Type:    "completed",
		JobID:   jobID,
		Percent: 100,
		Total:   size,
		Status:  "completed",
		Path:    path,
		At:      time.Now(),
	})
}

// JobFailed publishes the terminal error event.
func (b *Broadcaster) JobFailed(jobID, errorType, message string) {
	b.publish(Event{
		Type:      "error",
		JobID:     jobID,
		ErrorType: errorType,
		Message:   message,
		At:        time.Now(),
	})
}

func (b *Broadcaster) publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.jobID != "" && sub.jobID != ev.JobID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

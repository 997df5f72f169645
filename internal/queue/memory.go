package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a mutex-guarded, in-process Store with the same semantics as
// RedisStore, including record TTLs (enforced lazily on read). It backs tests
// and `backend = memory` deployments; state does not survive a restart.
type MemoryStore struct {
	mu        sync.Mutex
	pending   []scoredID
	active    map[string]struct{}
	completed []string
	failed    []string
	jobs      map[string]memRecord
	urls      map[string]memRecord
	counters  map[string]int64
}

type scoredID struct {
	id    string
	score float64
}

type memRecord struct {
	value   []byte
	expires time.Time // zero = no expiry
}

func (r memRecord) expired(now time.Time) bool {
	return !r.expires.IsZero() && now.After(r.expires)
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		active:   make(map[string]struct{}),
		jobs:     make(map[string]memRecord),
		urls:     make(map[string]memRecord),
		counters: make(map[string]int64),
	}
}

func (s *MemoryStore) AddPending(_ context.Context, id string, score float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Insert after any equal score so equal-priority arrivals stay FIFO.
	i := sort.Search(len(s.pending), func(i int) bool { return s.pending[i].score > score })
	s.pending = append(s.pending, scoredID{})
	copy(s.pending[i+1:], s.pending[i:])
	s.pending[i] = scoredID{id: id, score: score}
	return nil
}

func (s *MemoryStore) PopMinPending(context.Context) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return "", false, nil
	}
	id := s.pending[0].id
	s.pending = s.pending[1:]
	return id, true, nil
}

func (s *MemoryStore) RemovePending(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.pending {
		if e.id == id {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) PendingCount(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.pending)), nil
}

func (s *MemoryStore) AddActive(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[id] = struct{}{}
	return nil
}

func (s *MemoryStore) RemoveActive(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[id]; !ok {
		return false, nil
	}
	delete(s.active, id)
	return true, nil
}

func (s *MemoryStore) ActiveMembers(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.active))
	for id := range s.active {
		out = append(out, id)
	}
	return out, nil
}

func (s *MemoryStore) ActiveCount(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.active)), nil
}

func (s *MemoryStore) PushCompleted(_ context.Context, id string, cap int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = append([]string{id}, s.completed...)
	if cap > 0 && len(s.completed) > cap {
		s.completed = s.completed[:cap]
	}
	return nil
}

func (s *MemoryStore) CompletedIDs(_ context.Context, n int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n < 0 || n > int64(len(s.completed)) {
		n = int64(len(s.completed))
	}
	out := make([]string, n)
	copy(out, s.completed[:n])
	return out, nil
}

func (s *MemoryStore) CompletedCount(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.completed)), nil
}

func (s *MemoryStore) ClearCompleted(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := int64(len(s.completed))
	s.completed = nil
	return n, nil
}

func (s *MemoryStore) PushFailed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = append([]string{id}, s.failed...)
	return nil
}

func (s *MemoryStore) FailedIDs(_ context.Context, n int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n < 0 || n > int64(len(s.failed)) {
		n = int64(len(s.failed))
	}
	out := make([]string, n)
	copy(out, s.failed[:n])
	return out, nil
}

func (s *MemoryStore) FailedCount(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.failed)), nil
}

func (s *MemoryStore) SaveJob(_ context.Context, id string, payload []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	expires := time.Time{}
	if ttl > 0 {
		expires = time.Now().Add(ttl)
	} else if prev, ok := s.jobs[id]; ok {
		expires = prev.expires
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	s.jobs[id] = memRecord{value: buf, expires: expires}
	return nil
}

func (s *MemoryStore) LoadJob(_ context.Context, id string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok || rec.expired(time.Now()) {
		delete(s.jobs, id)
		return nil, ErrNotFound
	}
	buf := make([]byte, len(rec.value))
	copy(buf, rec.value)
	return buf, nil
}

func (s *MemoryStore) ClaimFingerprint(_ context.Context, fp, id string, ttl time.Duration) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if rec, ok := s.urls[fp]; ok && !rec.expired(now) {
		return string(rec.value), false, nil
	}
	s.urls[fp] = memRecord{value: []byte(id), expires: now.Add(ttl)}
	return id, true, nil
}

func (s *MemoryStore) StoreFingerprint(_ context.Context, fp, id string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.urls[fp] = memRecord{value: []byte(id), expires: time.Now().Add(ttl)}
	return nil
}

func (s *MemoryStore) DeleteFingerprint(_ context.Context, fp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.urls, fp)
	return nil
}

func (s *MemoryStore) IncrCounter(_ context.Context, field string, delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[field] += delta
	return nil
}

func (s *MemoryStore) Counters(context.Context) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64, len(s.counters))
	for k, v := range s.counters {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

package platform

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry holds the handler set and answers URL detection. Registration
// happens during startup; Freeze sorts the detection order and locks the set,
// after which all reads are lock-free on the sorted slice.
type Registry struct {
	mu      sync.RWMutex
	frozen  bool
	ordered []Handler
	byID    map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]Handler)}
}

// Register adds a handler. Duplicate ids and post-Freeze registration are
// programming errors.
func (r *Registry) Register(h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("registry is frozen")
	}
	id := h.Descriptor().ID
	if _, exists := r.byID[id]; exists {
		return fmt.Errorf("handler %q already registered", id)
	}
	r.byID[id] = h
	r.ordered = append(r.ordered, h)
	return nil
}

// Freeze fixes the detection order: ascending priority, id as tiebreaker so
// the order is deterministic across runs.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	sort.SliceStable(r.ordered, func(i, j int) bool {
		di, dj := r.ordered[i].Descriptor(), r.ordered[j].Descriptor()
		if di.Priority != dj.Priority {
			return di.Priority < dj.Priority
		}
		return di.ID < dj.ID
	})
	r.frozen = true
}

// Detect classifies a URL against the handlers in detection order. The first
// match wins. Returns nil only for URLs no handler accepts; with the generic
// handler registered that means non-http(s) input.
func (r *Registry) Detect(rawURL string) *Match {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil
	}
	r.mu.RLock()
	handlers := r.ordered
	r.mu.RUnlock()
	for _, h := range handlers {
		if m, ok := h.Classify(rawURL); ok {
			return m
		}
	}
	return nil
}

// Handler returns the handler registered under id.
func (r *Registry) Handler(id string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.byID[id]
	return h, ok
}

// Descriptors lists every registered handler in detection order.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.ordered))
	for _, h := range r.ordered {
		out = append(out, h.Descriptor())
	}
	return out
}

// DefaultRegistry registers the built-in handler set and freezes it.
func DefaultRegistry(deps *Deps) *Registry {
	r := NewRegistry()
	for _, h := range []Handler{
		NewArchive(deps),
		NewNews(deps),
		NewYouTube(deps),
		NewCivitAI(deps),
		NewHuggingFace(deps),
		NewGitHub(deps),
		NewInstagram(deps),
		NewTikTok(deps),
		NewTwitter(deps),
		NewReddit(deps),
		NewTelegram(deps),
		NewGeneric(deps),
	} {
		// Ids are compile-time constants; a clash here is a bug.
		if err := r.Register(h); err != nil {
			panic(err)
		}
	}
	r.Freeze()
	return r
}

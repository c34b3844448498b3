package gateway

import (
	"context"
	"sync"
	"time"
)

// WindowStore is the sliding-window counter backing the reputation limits.
// Allow performs an atomic check-then-increment: it returns true and records
// a hit when the key has fewer than max hits inside window, false without
// recording otherwise. Implementations must serialize per-key so the check
// and its increment cannot interleave.
type WindowStore interface {
	Allow(ctx context.Context, key string, max int, window time.Duration) (bool, error)
	Reset(ctx context.Context, key string) error
	Close() error
}

// Sweeper is implemented by stores that expire state locally. Sweep does
// bounded work: it visits at most limit keys and returns how many it removed.
type Sweeper interface {
	Sweep(limit int) int
}

type windowEntry struct {
	hits   []time.Time
	window time.Duration
}

// MemoryStore is the default in-process WindowStore. It is fully synchronous
// internally; a single mutex covers every check-then-increment.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*windowEntry
	now     func() time.Time
}

// NewMemoryStore returns an empty in-process window store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*windowEntry),
		now:     time.Now,
	}
}

// Allow implements WindowStore.
func (s *MemoryStore) Allow(_ context.Context, key string, max int, window time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e, ok := s.entries[key]
	if !ok {
		e = &windowEntry{}
		s.entries[key] = e
	}
	e.window = window

	cutoff := now.Add(-window)
	kept := e.hits[:0]
	for _, t := range e.hits {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	e.hits = kept

	if len(e.hits) >= max {
		return false, nil
	}
	e.hits = append(e.hits, now)
	return true, nil
}

// Reset implements WindowStore.
func (s *MemoryStore) Reset(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// Close implements WindowStore.
func (s *MemoryStore) Close() error {
	return nil
}

// Sweep drops keys whose hits have all aged out of their window. Map
// iteration order is randomized, so capping the visit count still covers the
// whole key space over successive ticks.
func (s *MemoryStore) Sweep(limit int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	visited, removed := 0, 0
	for key, e := range s.entries {
		if limit > 0 && visited >= limit {
			break
		}
		visited++

		cutoff := now.Add(-e.window)
		stale := true
		for _, t := range e.hits {
			if t.After(cutoff) {
				stale = false
				break
			}
		}
		if stale {
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}

// Len returns the tracked key count.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

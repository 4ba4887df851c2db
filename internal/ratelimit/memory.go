package ratelimit

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	count       int
	windowStart time.Time
	window      time.Duration
}

// MemoryStore is an in-process fixed-window counter store. All updates
// happen under a single mutex so concurrent bursts from the same client
// cannot lose increments.
//
// Keys accumulate per client; an optional background sweeper removes
// entries whose window has elapsed. Without sweeping, memory grows with
// the number of distinct client identities seen.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	done    chan struct{}
	once    sync.Once
}

// NewMemoryStore constructs an empty MemoryStore. If sweepInterval is
// positive, a janitor goroutine periodically drops stale entries; call
// Close to stop it.
func NewMemoryStore(sweepInterval time.Duration) *MemoryStore {
	s := &MemoryStore{
		entries: make(map[string]*memoryEntry),
		done:    make(chan struct{}),
	}
	if sweepInterval > 0 {
		go s.janitor(sweepInterval)
	}
	return s
}

// Incr implements Store.
func (s *MemoryStore) Incr(_ context.Context, key string, window time.Duration, now time.Time) (int, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.entries[key]
	if entry == nil {
		entry = &memoryEntry{windowStart: now, window: window}
		s.entries[key] = entry
	}
	if now.Sub(entry.windowStart) >= entry.window || entry.window != window {
		entry.count = 0
		entry.windowStart = now
		entry.window = window
	}
	entry.count++
	return entry.count, entry.windowStart.Add(entry.window), nil
}

// Reset implements Store.
func (s *MemoryStore) Reset(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// Sweep removes entries whose window elapsed before now. It is exported
// so tests can trigger a sweep deterministically.
func (s *MemoryStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, entry := range s.entries {
		if now.Sub(entry.windowStart) >= entry.window {
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}

// Len reports the number of live counter entries.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close stops the janitor goroutine, if any. Safe to call more than
// once.
func (s *MemoryStore) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *MemoryStore) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case t := <-ticker.C:
			s.Sweep(t)
		}
	}
}

package ratelimit

import (
	"context"
	"sync"
)

type memoryEntry struct {
	day   string
	count int
}

// MemoryStore is a CounterStore held in process memory. Used when no Redis
// address is configured; counters do not survive restarts.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

// NewMemoryStore creates an empty in-memory counter store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry)}
}

func (s *MemoryStore) Count(_ context.Context, sender, day string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[sender]
	if !ok || e.day != day {
		return 0, nil
	}
	return e.count, nil
}

func (s *MemoryStore) Incr(_ context.Context, sender, day string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[sender]
	if e.day != day {
		e = memoryEntry{day: day}
	}
	e.count++
	s.entries[sender] = e
	return e.count, nil
}

func (s *MemoryStore) Reset(_ context.Context, sender, day string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, found := s.entries[sender]
	s.entries[sender] = memoryEntry{day: day}
	return found, nil
}

// PruneStale drops counters from any day other than the given one. Called
// from the maintenance schedule to bound memory over long uptimes.
func (s *MemoryStore) PruneStale(day string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int
	for sender, e := range s.entries {
		if e.day != day {
			delete(s.entries, sender)
			removed++
		}
	}
	return removed
}

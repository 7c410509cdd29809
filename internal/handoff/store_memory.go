package handoff

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for single-instance deployments
// and tests.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Claim(_ context.Context, customer, operator string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[customer]; ok {
		if rec.Operator != operator {
			return false, ErrAlreadyTaken
		}
		rec.LastActivity = now
		s.records[customer] = rec
		return false, nil
	}
	s.records[customer] = Record{
		Customer:     customer,
		Operator:     operator,
		StartedAt:    now,
		LastActivity: now,
	}
	return true, nil
}

func (s *MemoryStore) Get(_ context.Context, customer string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[customer]
	return rec, ok, nil
}

func (s *MemoryStore) Drop(_ context.Context, customer string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[customer]
	if ok {
		delete(s.records, customer)
	}
	return rec, ok, nil
}

func (s *MemoryStore) Touch(_ context.Context, customer string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[customer]; ok {
		rec.LastActivity = now
		s.records[customer] = rec
	}
	return nil
}

func (s *MemoryStore) HeldBy(_ context.Context, operator string) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var held []Record
	for _, rec := range s.records {
		if rec.Operator == operator {
			held = append(held, rec)
		}
	}
	return held, nil
}

func (s *MemoryStore) All(_ context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		all = append(all, rec)
	}
	return all, nil
}

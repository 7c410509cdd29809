// Package session holds per-sender conversation history for the automated
// assistant. The store is sharded by sender so concurrent traffic from
// unrelated senders never contends on a single lock.
package session

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/lapidaryhq/concierge/pkg/clock"
)

// Role identifies who produced a history entry.
type Role string

const (
	RoleCustomer  Role = "customer"
	RoleAssistant Role = "assistant"
	RoleOperator  Role = "operator"
)

// Entry is one message in a conversation history.
type Entry struct {
	Role Role
	Text string
	At   time.Time
}

const shardCount = 16

type record struct {
	entries      []Entry
	lastActivity time.Time
}

type shard struct {
	mu      sync.RWMutex
	records map[string]*record
}

// Store keeps bounded conversation histories keyed by sender identity.
type Store struct {
	shards   [shardCount]*shard
	maxPairs int
	clock    clock.Clock
}

// Option customizes store behavior.
type Option func(*Store)

// WithClock overrides the wall clock, for tests.
func WithClock(c clock.Clock) Option {
	return func(s *Store) {
		if c != nil {
			s.clock = c
		}
	}
}

// NewStore creates a store bounded to maxPairs exchanged pairs per sender.
func NewStore(maxPairs int, opts ...Option) *Store {
	if maxPairs <= 0 {
		maxPairs = 20
	}
	s := &Store{maxPairs: maxPairs, clock: clock.System()}
	for i := range s.shards {
		s.shards[i] = &shard{records: make(map[string]*record)}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) shardFor(sender string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sender))
	return s.shards[h.Sum32()%shardCount]
}

// Append adds an entry to sender's history, evicting the oldest pair when
// the bound is exceeded.
func (s *Store) Append(sender string, role Role, text string) {
	now := s.clock.Now()
	sh := s.shardFor(sender)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, ok := sh.records[sender]
	if !ok {
		rec = &record{}
		sh.records[sender] = rec
	}
	rec.entries = append(rec.entries, Entry{Role: role, Text: text, At: now})
	rec.lastActivity = now

	// Oldest pair first. Dropping two entries keeps customer/assistant
	// exchanges aligned even when operator turns interleave.
	if max := s.maxPairs * 2; len(rec.entries) > max {
		rec.entries = append([]Entry(nil), rec.entries[len(rec.entries)-max:]...)
	}
}

// History returns a copy of sender's history in chronological order.
func (s *Store) History(sender string) []Entry {
	sh := s.shardFor(sender)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	rec, ok := sh.records[sender]
	if !ok {
		return nil
	}
	out := make([]Entry, len(rec.entries))
	copy(out, rec.entries)
	return out
}

// Reset discards sender's history entirely. The next Append recreates it.
func (s *Store) Reset(sender string) {
	sh := s.shardFor(sender)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	delete(sh.records, sender)
}

// Touch bumps sender's last-activity timestamp without recording an entry.
func (s *Store) Touch(sender string) {
	now := s.clock.Now()
	sh := s.shardFor(sender)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	rec, ok := sh.records[sender]
	if !ok {
		rec = &record{}
		sh.records[sender] = rec
	}
	rec.lastActivity = now
}

// PruneIdle drops sessions idle for longer than maxIdle and returns how many
// were removed. Run from the maintenance schedule so senders who never come
// back do not accumulate forever.
func (s *Store) PruneIdle(maxIdle time.Duration) int {
	cutoff := s.clock.Now().Add(-maxIdle)
	var removed int
	for _, sh := range s.shards {
		sh.mu.Lock()
		for sender, rec := range sh.records {
			if rec.lastActivity.Before(cutoff) {
				delete(sh.records, sender)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

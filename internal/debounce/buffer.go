// Package debounce coalesces bursts of messages from one sender into a
// single unit of work. A flush fires only after the quiet period has
// elapsed since that sender's last message; every new arrival pushes the
// deadline forward.
package debounce

import (
	"sync"
	"time"

	"github.com/lapidaryhq/concierge/pkg/clock"
	"github.com/lapidaryhq/concierge/pkg/logging"
)

// FlushFunc receives one sender's accumulated batch, in arrival order. It
// runs on the timer goroutine; long work (an assistant turn) is expected
// and does not delay other senders.
type FlushFunc func(sender string, batch []string)

type entry struct {
	texts []string
	timer clock.Timer
	// gen invalidates callbacks from superseded timers: a timer that
	// already fired but lost the race to a rearm must not flush.
	gen uint64
}

// Buffer accumulates per-sender pending messages with one live timer per
// active sender. Entries remove themselves on flush, so an idle sender
// holds no resources.
type Buffer struct {
	mu      sync.Mutex
	pending map[string]*entry
	quiet   time.Duration
	flush   FlushFunc
	clock   clock.Clock
	logger  *logging.Logger
}

// Option customizes buffer behavior.
type Option func(*Buffer)

// WithClock overrides timer scheduling, for tests.
func WithClock(c clock.Clock) Option {
	return func(b *Buffer) {
		if c != nil {
			b.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(b *Buffer) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// New creates a buffer that calls flush once per accumulated batch after
// quiet elapses with no further arrivals from that sender.
func New(quiet time.Duration, flush FlushFunc, opts ...Option) *Buffer {
	if flush == nil {
		panic("debounce: flush func cannot be nil")
	}
	b := &Buffer{
		pending: make(map[string]*entry),
		quiet:   quiet,
		flush:   flush,
		clock:   clock.System(),
		logger:  logging.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Add appends text to sender's pending batch and rearms the flush timer.
func (b *Buffer) Add(sender, text string) {
	b.mu.Lock()
	e, ok := b.pending[sender]
	if !ok {
		e = &entry{}
		b.pending[sender] = e
		b.logger.Info("new buffer", "sender", sender)
	} else {
		e.timer.Stop()
	}
	e.texts = append(e.texts, text)
	e.gen++
	gen := e.gen
	e.timer = b.clock.AfterFunc(b.quiet, func() { b.fire(sender, gen) })
	size := len(e.texts)
	b.mu.Unlock()

	b.logger.Debug("buffered message", "sender", sender, "pending", size)
}

// fire flushes sender's batch unless a newer arrival superseded this timer.
func (b *Buffer) fire(sender string, gen uint64) {
	b.mu.Lock()
	e, ok := b.pending[sender]
	if !ok || e.gen != gen {
		b.mu.Unlock()
		return
	}
	delete(b.pending, sender)
	batch := e.texts
	b.mu.Unlock()

	b.flush(sender, batch)
}

// PendingCount returns how many messages sender has buffered.
func (b *Buffer) PendingCount(sender string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.pending[sender]; ok {
		return len(e.texts)
	}
	return 0
}

// FlushAll immediately flushes every pending batch. Used during shutdown so
// buffered customer messages are not silently dropped.
func (b *Buffer) FlushAll() {
	b.mu.Lock()
	drained := make(map[string][]string, len(b.pending))
	for sender, e := range b.pending {
		e.timer.Stop()
		drained[sender] = e.texts
		delete(b.pending, sender)
	}
	b.mu.Unlock()

	for sender, batch := range drained {
		b.flush(sender, batch)
	}
}

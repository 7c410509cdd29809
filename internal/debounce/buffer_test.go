package debounce

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lapidaryhq/concierge/pkg/clock"
)

type flushRecorder struct {
	mu      sync.Mutex
	flushes []flushedBatch
}

type flushedBatch struct {
	sender string
	batch  []string
}

func (r *flushRecorder) record(sender string, batch []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushes = append(r.flushes, flushedBatch{sender: sender, batch: batch})
}

func (r *flushRecorder) all() []flushedBatch {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]flushedBatch(nil), r.flushes...)
}

func TestBurstCoalescesIntoOneFlush(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	rec := &flushRecorder{}
	buf := New(5*time.Second, rec.record, WithClock(fake))
	sender := "whatsapp:+15550001234"

	buf.Add(sender, "hi")
	fake.Advance(time.Second)
	buf.Add(sender, "I need rubies")
	fake.Advance(time.Second)
	buf.Add(sender, "3ct")

	// Quiet period counts from the last message, not the first.
	fake.Advance(4 * time.Second)
	assert.Empty(t, rec.all())
	assert.Equal(t, 3, buf.PendingCount(sender))

	fake.Advance(time.Second)
	flushes := rec.all()
	require.Len(t, flushes, 1)
	assert.Equal(t, sender, flushes[0].sender)
	assert.Equal(t, []string{"hi", "I need rubies", "3ct"}, flushes[0].batch)
	assert.Equal(t, 0, buf.PendingCount(sender))
}

func TestMessageAfterQuietPeriodStartsSecondBatch(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	rec := &flushRecorder{}
	buf := New(5*time.Second, rec.record, WithClock(fake))
	sender := "whatsapp:+15550001234"

	buf.Add(sender, "first")
	fake.Advance(5 * time.Second)
	buf.Add(sender, "second")
	fake.Advance(5 * time.Second)

	flushes := rec.all()
	require.Len(t, flushes, 2)
	assert.Equal(t, []string{"first"}, flushes[0].batch)
	assert.Equal(t, []string{"second"}, flushes[1].batch)
}

func TestFlushNeverFiresEarly(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	rec := &flushRecorder{}
	buf := New(30*time.Second, rec.record, WithClock(fake))

	buf.Add("whatsapp:+15550001234", "hello")
	fake.Advance(29 * time.Second)
	assert.Empty(t, rec.all())
	fake.Advance(time.Second)
	assert.Len(t, rec.all(), 1)
}

func TestSendersFlushIndependently(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	rec := &flushRecorder{}
	buf := New(5*time.Second, rec.record, WithClock(fake))

	buf.Add("whatsapp:+15550000001", "a")
	fake.Advance(3 * time.Second)
	buf.Add("whatsapp:+15550000002", "b")

	// Sender 1 goes quiet and flushes; sender 2 is still inside its window.
	fake.Advance(2 * time.Second)
	flushes := rec.all()
	require.Len(t, flushes, 1)
	assert.Equal(t, "whatsapp:+15550000001", flushes[0].sender)

	fake.Advance(3 * time.Second)
	require.Len(t, rec.all(), 2)
}

func TestConcurrentAddsAreNotLost(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	rec := &flushRecorder{}
	buf := New(time.Second, rec.record, WithClock(fake))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sender := fmt.Sprintf("whatsapp:+1555000%04d", i)
			for j := 0; j < 10; j++ {
				buf.Add(sender, fmt.Sprintf("m%d", j))
			}
		}(i)
	}
	wg.Wait()
	fake.Advance(time.Second)

	flushes := rec.all()
	require.Len(t, flushes, 8)
	total := 0
	for _, f := range flushes {
		total += len(f.batch)
	}
	assert.Equal(t, 80, total)
}

func TestFlushAllDrainsPending(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	rec := &flushRecorder{}
	buf := New(time.Minute, rec.record, WithClock(fake))

	buf.Add("whatsapp:+15550000001", "a")
	buf.Add("whatsapp:+15550000002", "b")
	buf.FlushAll()

	assert.Len(t, rec.all(), 2)
	assert.Equal(t, 0, buf.PendingCount("whatsapp:+15550000001"))

	// Stopped timers must not double-flush later.
	fake.Advance(2 * time.Minute)
	assert.Len(t, rec.all(), 2)
}

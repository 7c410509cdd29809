package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lapidaryhq/concierge/internal/assistant"
	"github.com/lapidaryhq/concierge/internal/handoff"
	"github.com/lapidaryhq/concierge/internal/messaging"
	"github.com/lapidaryhq/concierge/internal/ratelimit"
	"github.com/lapidaryhq/concierge/internal/session"
	"github.com/lapidaryhq/concierge/internal/transcript"
	"github.com/lapidaryhq/concierge/pkg/clock"
)

const (
	customer  = "whatsapp:+15551234567"
	operator  = "whatsapp:+15550000001"
	operator2 = "whatsapp:+15550000002"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []messaging.Message
}

func (f *fakeSender) Send(_ context.Context, msg messaging.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return "SM1", nil
}

func (f *fakeSender) SendText(ctx context.Context, to, body string) error {
	_, err := f.Send(ctx, messaging.Message{To: to, Body: body})
	return err
}

func (f *fakeSender) to(recipient string) []messaging.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []messaging.Message
	for _, m := range f.sent {
		if m.To == recipient {
			out = append(out, m)
		}
	}
	return out
}

type stubAssistant struct {
	mu     sync.Mutex
	result assistant.TurnResult
	err    error
	calls  []assistantCall
}

type assistantCall struct {
	Sender  string
	History []session.Entry
}

func (s *stubAssistant) RunTurn(_ context.Context, sender string, history []session.Entry) (assistant.TurnResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := make([]session.Entry, len(history))
	copy(copied, history)
	s.calls = append(s.calls, assistantCall{Sender: sender, History: copied})
	return s.result, s.err
}

func (s *stubAssistant) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type harness struct {
	dispatcher *Dispatcher
	sender     *fakeSender
	assistant  *stubAssistant
	sessions   *session.Store
	registry   *handoff.Registry
	clock      *clock.Fake
}

func textResult(body string) assistant.TurnResult {
	return assistant.TurnResult{
		Replies: []assistant.Reply{{Body: body}},
		Text:    body,
	}
}

func newHarness(t *testing.T, dailyLimit int) *harness {
	t.Helper()
	fc := clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	sender := &fakeSender{}
	sessions := session.NewStore(20)
	registry := handoff.NewRegistry(handoff.NewMemoryStore(), sessions, sender, handoff.Config{
		Operators:     []string{operator, operator2},
		Timeout:       30 * time.Minute,
		SweepInterval: time.Minute,
	}, handoff.WithClock(fc))
	stub := &stubAssistant{result: textResult("How can I help?")}

	d := New(Deps{
		Registry:   registry,
		Limiter:    ratelimit.New(ratelimit.NewMemoryStore(), dailyLimit, ratelimit.WithClock(fc)),
		Sessions:   sessions,
		Assistant:  stub,
		Sender:     sender,
		Transcript: transcript.NewStore(nil, nil),
	}, Config{
		QuietPeriod:   30 * time.Second,
		GreetingReply: "Hello! Welcome to our gemstone concierge. What are you looking for?",
	}, WithClock(fc), WithVideoSettle(0))

	return &harness{dispatcher: d, sender: sender, assistant: stub, sessions: sessions, registry: registry, clock: fc}
}

func TestBurstIsCoalescedIntoOneTurn(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()

	h.dispatcher.OnInbound(ctx, customer, "hi, quick question")
	h.clock.Advance(10 * time.Second)
	h.dispatcher.OnInbound(ctx, customer, "I need rubies")
	h.clock.Advance(10 * time.Second)
	h.dispatcher.OnInbound(ctx, customer, "around 3ct")

	assert.Zero(t, h.assistant.callCount())
	h.clock.Advance(30 * time.Second)

	require.Equal(t, 1, h.assistant.callCount())
	call := h.assistant.calls[0]
	assert.Equal(t, customer, call.Sender)
	// The customer turn is the joined batch, in arrival order.
	last := call.History[len(call.History)-1]
	assert.Equal(t, session.RoleCustomer, last.Role)
	assert.Equal(t, "hi, quick question\nI need rubies\naround 3ct", last.Text)

	replies := h.sender.to(customer)
	require.Len(t, replies, 1)
	assert.Equal(t, "How can I help?", replies[0].Body)
}

func TestSeparateSendersDoNotShareBuffers(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	other := "whatsapp:+15559876543"

	h.dispatcher.OnInbound(ctx, customer, "ruby question")
	h.dispatcher.OnInbound(ctx, other, "sapphire question")
	h.clock.Advance(30 * time.Second)

	require.Equal(t, 2, h.assistant.callCount())
	senders := []string{h.assistant.calls[0].Sender, h.assistant.calls[1].Sender}
	assert.ElementsMatch(t, []string{customer, other}, senders)
}

func TestBareGreetingShortCircuits(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()

	h.sessions.Append(customer, session.RoleCustomer, "old context")
	h.dispatcher.OnInbound(ctx, customer, "  Hello!! ")

	replies := h.sender.to(customer)
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0].Body, "Welcome")
	assert.Empty(t, h.sessions.History(customer))

	// Nothing buffered, nothing sent to the model.
	h.clock.Advance(time.Minute)
	assert.Zero(t, h.assistant.callCount())
}

func TestGreetingInsideBatchDoesNotReset(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()

	h.dispatcher.OnInbound(ctx, customer, "I need rubies")
	h.clock.Advance(5 * time.Second)
	h.dispatcher.OnInbound(ctx, customer, "hello")
	h.clock.Advance(30 * time.Second)

	// "hello" rode along in the batch; history survived and one turn ran.
	require.Equal(t, 1, h.assistant.callCount())
	last := h.assistant.calls[0].History[len(h.assistant.calls[0].History)-1]
	assert.Equal(t, "I need rubies\nhello", last.Text)
}

func TestDailyLimitRejectsWithoutBuffering(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()

	h.dispatcher.OnInbound(ctx, customer, "one")
	h.dispatcher.OnInbound(ctx, customer, "two")
	h.dispatcher.OnInbound(ctx, customer, "three")
	h.clock.Advance(30 * time.Second)

	require.Equal(t, 1, h.assistant.callCount())
	last := h.assistant.calls[0].History[len(h.assistant.calls[0].History)-1]
	assert.Equal(t, "one\ntwo", last.Text)

	var notices int
	for _, m := range h.sender.to(customer) {
		if strings.Contains(m.Body, "daily message limit") {
			notices++
		}
	}
	assert.Equal(t, 1, notices)
}

func TestAssistantFailureSendsApology(t *testing.T) {
	h := newHarness(t, 0)
	h.assistant.result = assistant.TurnResult{}
	h.assistant.err = errors.New("upstream down")
	ctx := context.Background()

	h.dispatcher.OnInbound(ctx, customer, "are you there?")
	h.clock.Advance(30 * time.Second)

	replies := h.sender.to(customer)
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0].Body, "something went wrong")
}

func TestVideoReplyArrivesBeforeCaption(t *testing.T) {
	h := newHarness(t, 0)
	h.assistant.result = assistant.TurnResult{
		Replies: []assistant.Reply{
			{VideoURL: "https://cdn.example.com/r2.mp4"},
			{Body: "A 3.1ct cushion ruby", ImageURL: "https://cdn.example.com/r2.jpg"},
		},
		Text: "A 3.1ct cushion ruby",
	}
	ctx := context.Background()

	h.dispatcher.OnInbound(ctx, customer, "show me the ruby video")
	h.clock.Advance(30 * time.Second)

	replies := h.sender.to(customer)
	require.Len(t, replies, 2)
	assert.Equal(t, "https://cdn.example.com/r2.mp4", replies[0].MediaURL)
	assert.Equal(t, " ", replies[0].Body)
	assert.Equal(t, "A 3.1ct cushion ruby", replies[1].Body)
	assert.Equal(t, "https://cdn.example.com/r2.jpg", replies[1].MediaURL)
}

func TestEscalationNotifiesOperators(t *testing.T) {
	h := newHarness(t, 0)
	h.assistant.result = assistant.TurnResult{
		Replies:   []assistant.Reply{{Body: assistant.EscalationPhrase}},
		Text:      assistant.EscalationPhrase,
		Escalated: true,
	}
	ctx := context.Background()

	h.dispatcher.OnInbound(ctx, customer, "I want to talk to a real person")
	h.clock.Advance(30 * time.Second)

	for _, op := range []string{operator, operator2} {
		msgs := h.sender.to(op)
		require.NotEmpty(t, msgs, "operator %s", op)
		assert.Contains(t, msgs[0].Body, customer)
	}
	// Control state did not change; only a take-over moves it.
	state, _, err := h.registry.State(ctx, customer)
	require.NoError(t, err)
	assert.Equal(t, handoff.StateAIActive, state)
}

func TestHandoffBypassesBufferAndAssistant(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()

	require.NoError(t, h.registry.TakeOver(ctx, operator, customer))
	h.dispatcher.OnInbound(ctx, customer, "is the ruby still available?")
	h.clock.Advance(time.Minute)

	assert.Zero(t, h.assistant.callCount())
	msgs := h.sender.to(operator)
	require.NotEmpty(t, msgs)
	forwarded := msgs[len(msgs)-1]
	assert.Equal(t, "["+customer+"]\nis the ruby still available?", forwarded.Body)
}

func TestShutdownFlushesPendingBuffers(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()

	h.dispatcher.OnInbound(ctx, customer, "almost lost message")
	h.dispatcher.Shutdown()

	require.Equal(t, 1, h.assistant.callCount())
}

func TestIsBareGreeting(t *testing.T) {
	for _, text := range []string{"hi", "Hello!", " HEY ", "good morning.", "hola,"} {
		assert.True(t, isBareGreeting(text), text)
	}
	for _, text := range []string{"hi there", "hello I need rubies", "good", ""} {
		assert.False(t, isBareGreeting(text), text)
	}
}

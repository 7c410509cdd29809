// Package dispatch routes every inbound WhatsApp message: operator commands,
// human hand-off forwarding, greeting short-circuits, the daily quota, and
// the debounced assistant pipeline.
package dispatch

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/lapidaryhq/concierge/internal/assistant"
	"github.com/lapidaryhq/concierge/internal/debounce"
	"github.com/lapidaryhq/concierge/internal/handoff"
	"github.com/lapidaryhq/concierge/internal/messaging"
	"github.com/lapidaryhq/concierge/internal/observability/metrics"
	"github.com/lapidaryhq/concierge/internal/ratelimit"
	"github.com/lapidaryhq/concierge/internal/session"
	"github.com/lapidaryhq/concierge/internal/transcript"
	"github.com/lapidaryhq/concierge/pkg/clock"
	"github.com/lapidaryhq/concierge/pkg/logging"
)

var tracer = otel.Tracer("internal/dispatch")

const (
	limitNotice   = "You've reached your daily message limit. Please try again tomorrow."
	apologyNotice = "Sorry, something went wrong on our side. Please try again in a moment."
)

// Routing paths reported to metrics.
const (
	pathOperator = "operator"
	pathHandoff  = "handoff"
	pathCustomer = "customer"
	pathGreeting = "greeting"
	pathRejected = "rejected"
)

// AssistantRunner runs one automated turn. *assistant.Client satisfies it.
type AssistantRunner interface {
	RunTurn(ctx context.Context, sender string, history []session.Entry) (assistant.TurnResult, error)
}

// Deps are the collaborators a Dispatcher requires.
type Deps struct {
	Registry   *handoff.Registry
	Limiter    *ratelimit.Limiter
	Sessions   *session.Store
	Assistant  AssistantRunner
	Sender     messaging.Sender
	Transcript *transcript.Store
}

// Config carries dispatcher tunables.
type Config struct {
	// QuietPeriod is how long a sender must stay silent before their
	// buffered messages are flushed to the assistant.
	QuietPeriod time.Duration
	// GreetingReply answers bare greetings without an assistant turn.
	GreetingReply string
}

// Dispatcher wires the routing rules together. One instance serves all
// senders; it owns the debounce buffer.
type Dispatcher struct {
	registry   *handoff.Registry
	limiter    *ratelimit.Limiter
	sessions   *session.Store
	assistant  AssistantRunner
	sender     messaging.Sender
	waiter     messaging.DeliveryWaiter
	transcript *transcript.Store
	buffer     *debounce.Buffer

	greetingReply string
	videoSettle   time.Duration

	clk     clock.Clock
	logger  *logging.Logger
	metrics *metrics.RouterMetrics
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithClock substitutes the time source, for tests.
func WithClock(c clock.Clock) Option {
	return func(d *Dispatcher) { d.clk = c }
}

// WithLogger sets the dispatcher logger.
func WithLogger(l *logging.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithMetrics attaches routing metrics.
func WithMetrics(m *metrics.RouterMetrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithDeliveryWaiter blocks between multi-part replies until the previous
// part reports delivered, so media and captions arrive in order.
func WithDeliveryWaiter(w messaging.DeliveryWaiter) Option {
	return func(d *Dispatcher) { d.waiter = w }
}

// WithVideoSettle sets the pause after a video message before the next part
// is sent. Zero disables the pause.
func WithVideoSettle(pause time.Duration) Option {
	return func(d *Dispatcher) { d.videoSettle = pause }
}

// New builds a Dispatcher. All Deps fields except Transcript are required.
func New(deps Deps, cfg Config, opts ...Option) *Dispatcher {
	if deps.Registry == nil || deps.Limiter == nil || deps.Sessions == nil ||
		deps.Assistant == nil || deps.Sender == nil {
		panic("dispatch: missing required dependency")
	}
	d := &Dispatcher{
		registry:      deps.Registry,
		limiter:       deps.Limiter,
		sessions:      deps.Sessions,
		assistant:     deps.Assistant,
		sender:        deps.Sender,
		transcript:    deps.Transcript,
		greetingReply: cfg.GreetingReply,
		videoSettle:   3 * time.Second,
		clk:           clock.System(),
		logger:        logging.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.buffer = debounce.New(cfg.QuietPeriod, d.processBatch,
		debounce.WithClock(d.clk), debounce.WithLogger(d.logger))
	return d
}

// OnInbound routes one inbound message. It returns quickly; assistant work
// happens later when the sender's buffer flushes.
func (d *Dispatcher) OnInbound(ctx context.Context, sender, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	ctx, span := tracer.Start(ctx, "dispatch.inbound",
		trace.WithAttributes(attribute.String("dispatch.sender", sender)))
	defer span.End()

	d.transcript.Log(ctx, sender, transcript.DirectionIncoming, text)

	if d.registry.IsOperator(sender) {
		d.metrics.ObserveInbound(pathOperator)
		d.handleOperator(ctx, sender, text)
		return
	}

	state, rec, err := d.registry.State(ctx, sender)
	if err != nil {
		d.logger.Error("handoff state lookup failed", "sender", sender, "error", err)
	}
	if state == handoff.StateHumanActive {
		d.metrics.ObserveInbound(pathHandoff)
		d.forwardToOperator(ctx, rec, text)
		return
	}

	// A bare greeting starts the conversation over without an assistant
	// turn, unless the sender already has messages pending; then it is
	// just more batch content.
	if isBareGreeting(text) && d.buffer.PendingCount(sender) == 0 {
		d.metrics.ObserveInbound(pathGreeting)
		d.sessions.Reset(sender)
		d.sendText(ctx, sender, d.greetingReply)
		return
	}

	res, err := d.limiter.CheckAndIncrement(ctx, sender)
	if err != nil {
		// Quota storage failure must not silence the customer.
		d.logger.Error("quota check failed", "sender", sender, "error", err)
	} else if !res.Allowed {
		d.metrics.ObserveInbound(pathRejected)
		d.metrics.ObserveQuotaRejected()
		d.sendText(ctx, sender, limitNotice)
		return
	}

	d.metrics.ObserveInbound(pathCustomer)
	d.buffer.Add(sender, text)
}

// forwardToOperator relays a hand-off customer's message to the holding
// operator, tagged with the customer number.
func (d *Dispatcher) forwardToOperator(ctx context.Context, rec handoff.Record, text string) {
	d.registry.Touch(ctx, rec.Customer)
	d.sessions.Append(rec.Customer, session.RoleCustomer, text)
	d.sendText(ctx, rec.Operator, "["+rec.Customer+"]\n"+text)
}

// processBatch is the debounce flush callback: one quiet sender, all their
// buffered messages joined in arrival order.
func (d *Dispatcher) processBatch(sender string, batch []string) {
	ctx, span := tracer.Start(context.Background(), "dispatch.flush",
		trace.WithAttributes(attribute.Int("dispatch.batch_size", len(batch))))
	defer span.End()

	d.metrics.ObserveFlush(len(batch))
	joined := strings.Join(batch, "\n")

	// A batch that is nothing but a greeting starts the conversation over.
	if isBareGreeting(joined) {
		d.sessions.Reset(sender)
		d.sendText(ctx, sender, d.greetingReply)
		return
	}

	d.sessions.Append(sender, session.RoleCustomer, joined)

	start := d.clk.Now()
	result, err := d.assistant.RunTurn(ctx, sender, d.sessions.History(sender))
	d.metrics.ObserveAssistantTurn(d.clk.Now().Sub(start).Seconds())
	if err != nil {
		span.RecordError(err)
		d.logger.Error("assistant turn failed", "sender", sender, "error", err)
		d.sendText(ctx, sender, apologyNotice)
		return
	}

	d.sessions.Append(sender, session.RoleAssistant, result.Text)
	d.deliverReplies(ctx, sender, result.Replies)

	if result.Escalated {
		d.registry.Escalate(ctx, sender, joined)
	}
}

// deliverReplies sends each reply in order, waiting for delivery between
// parts so multi-message answers arrive as composed.
func (d *Dispatcher) deliverReplies(ctx context.Context, to string, replies []assistant.Reply) {
	for _, reply := range replies {
		msg := messaging.Message{To: to, Body: reply.Body}
		switch {
		case reply.VideoURL != "":
			msg.MediaURL = reply.VideoURL
			if msg.Body == "" {
				msg.Body = " "
			}
		case reply.ImageURL != "":
			msg.MediaURL = reply.ImageURL
		default:
			if msg.Body == "" {
				continue
			}
		}

		sid, err := d.sender.Send(ctx, msg)
		if err != nil {
			d.metrics.ObserveOutbound("error")
			d.logger.Error("reply send failed", "to", to, "error", err)
			continue
		}
		d.metrics.ObserveOutbound("sent")
		d.transcript.Log(ctx, to, transcript.DirectionOutgoing, msg.Body)

		if d.waiter != nil {
			if err := d.waiter.WaitDelivered(ctx, sid); err != nil {
				d.logger.Warn("delivery wait failed", "to", to, "sid", sid, "error", err)
			}
		}
		if reply.VideoURL != "" && d.videoSettle > 0 {
			// WhatsApp reorders a caption sent hot on a video's heels.
			time.Sleep(d.videoSettle)
		}
	}
}

// sendText delivers a plain text message and records it in the transcript.
func (d *Dispatcher) sendText(ctx context.Context, to, body string) {
	if _, err := d.sender.Send(ctx, messaging.Message{To: to, Body: body}); err != nil {
		d.metrics.ObserveOutbound("error")
		d.logger.Error("send failed", "to", to, "error", err)
		return
	}
	d.metrics.ObserveOutbound("sent")
	d.transcript.Log(ctx, to, transcript.DirectionOutgoing, body)
}

// Shutdown flushes every pending buffer synchronously. Call on graceful
// stop so quiet-period messages are not lost.
func (d *Dispatcher) Shutdown() {
	d.buffer.FlushAll()
}

// greetings a customer can open with; matching resets the session instead
// of spending an assistant turn.
var greetingSet = map[string]struct{}{
	"hi":             {},
	"hello":          {},
	"hey":            {},
	"hola":           {},
	"greetings":      {},
	"good morning":   {},
	"good evening":   {},
	"good afternoon": {},
}

func isBareGreeting(text string) bool {
	normalized := strings.TrimRight(strings.ToLower(strings.TrimSpace(text)), "!.,")
	_, ok := greetingSet[normalized]
	return ok
}

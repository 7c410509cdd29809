package handoff

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/lapidaryhq/concierge/internal/observability/metrics"
	"github.com/lapidaryhq/concierge/internal/session"
	"github.com/lapidaryhq/concierge/pkg/clock"
	"github.com/lapidaryhq/concierge/pkg/logging"
)

// Messenger delivers plain-text notifications. *messaging.TwilioSender
// satisfies it.
type Messenger interface {
	SendText(ctx context.Context, to, body string) error
}

const (
	resumptionNotice = "You're back with our automated assistant. How can I help?"
	resumptionEntry  = "(conversation handed back to the assistant)"
	takeoverEntry    = "(a team member joined the conversation)"
)

// Config carries the tunables for a Registry.
type Config struct {
	// Operators is the set of phone numbers allowed to hold hand-offs.
	Operators []string
	// Timeout is how long a hand-off may sit idle before auto-release.
	Timeout time.Duration
	// SweepInterval is how often Run scans for expired hand-offs.
	SweepInterval time.Duration
}

// Registry is the hand-off state machine: it decides who controls each
// conversation, enforces first-claim-wins take-overs, and sweeps idle
// hand-offs back to the assistant.
type Registry struct {
	store     Store
	sessions  *session.Store
	messenger Messenger
	operators map[string]struct{}

	timeout       time.Duration
	sweepInterval time.Duration

	clk     clock.Clock
	logger  *logging.Logger
	metrics *metrics.RouterMetrics
}

// Option customizes a Registry.
type Option func(*Registry)

// WithClock substitutes the time source, for tests.
func WithClock(c clock.Clock) Option {
	return func(r *Registry) { r.clk = c }
}

// WithLogger sets the registry logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithMetrics attaches routing metrics.
func WithMetrics(m *metrics.RouterMetrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// NewRegistry builds a Registry. store, sessions, and messenger are required.
func NewRegistry(store Store, sessions *session.Store, messenger Messenger, cfg Config, opts ...Option) *Registry {
	if store == nil {
		panic("handoff: store is required")
	}
	if sessions == nil {
		panic("handoff: session store is required")
	}
	if messenger == nil {
		panic("handoff: messenger is required")
	}
	r := &Registry{
		store:         store,
		sessions:      sessions,
		messenger:     messenger,
		operators:     make(map[string]struct{}, len(cfg.Operators)),
		timeout:       cfg.Timeout,
		sweepInterval: cfg.SweepInterval,
		clk:           clock.System(),
		logger:        logging.Default(),
	}
	for _, op := range cfg.Operators {
		r.operators[op] = struct{}{}
	}
	if r.timeout <= 0 {
		r.timeout = 30 * time.Minute
	}
	if r.sweepInterval <= 0 {
		r.sweepInterval = time.Minute
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// IsOperator reports whether sender is a configured operator.
func (r *Registry) IsOperator(sender string) bool {
	_, ok := r.operators[sender]
	return ok
}

// State returns the control state for customer, plus the active record when
// a human holds the conversation.
func (r *Registry) State(ctx context.Context, customer string) (State, Record, error) {
	rec, found, err := r.store.Get(ctx, customer)
	if err != nil {
		return StateAIActive, Record{}, err
	}
	if !found {
		return StateAIActive, Record{}, nil
	}
	return StateHumanActive, rec, nil
}

// TakeOver claims customer for operator. The first operator to claim wins;
// a repeat claim by the holder just refreshes the activity clock without
// re-running the takeover side effects.
func (r *Registry) TakeOver(ctx context.Context, operator, customer string) error {
	created, err := r.store.Claim(ctx, customer, operator, r.clk.Now())
	if err != nil {
		return err
	}
	if !created {
		return nil
	}
	r.sessions.Append(customer, session.RoleOperator, takeoverEntry)
	r.metrics.ObserveTakeover()
	r.logger.Info("handoff started", "customer", customer, "operator", operator)
	return nil
}

// Release hands customer back to the assistant. Only the holding operator
// may release; releasing a customer nobody holds is a no-op.
func (r *Registry) Release(ctx context.Context, operator, customer string) error {
	rec, found, err := r.store.Get(ctx, customer)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	if rec.Operator != operator {
		return ErrNotHolder
	}
	dropped, found, err := r.store.Drop(ctx, customer)
	if err != nil {
		return err
	}
	if !found {
		// Someone else dropped it between Get and Drop; nothing left to do.
		return nil
	}
	r.finishRelease(ctx, dropped, "command")
	return nil
}

// Touch records customer activity so the idle sweep does not reclaim a
// conversation a human is actively working. The session is kept warm too,
// or a long hand-off's history would be idle-pruned before release.
func (r *Registry) Touch(ctx context.Context, customer string) {
	r.sessions.Touch(customer)
	if err := r.store.Touch(ctx, customer, r.clk.Now()); err != nil {
		r.logger.Warn("handoff touch failed", "customer", customer, "error", err)
	}
}

// ListActive returns every active hand-off.
func (r *Registry) ListActive(ctx context.Context) ([]Record, error) {
	return r.store.All(ctx)
}

// ListHeldBy returns the hand-offs operator currently holds.
func (r *Registry) ListHeldBy(ctx context.Context, operator string) ([]Record, error) {
	return r.store.HeldBy(ctx, operator)
}

// Escalate notifies every operator that customer asked for a human. It does
// not change the control state; an operator opts in with a take-over.
func (r *Registry) Escalate(ctx context.Context, customer, lastMessage string) {
	body := fmt.Sprintf("Customer %s needs a human.\nLast message: %q\n\nReply \"TAKE %s\" to take over.",
		customer, lastMessage, strings.TrimPrefix(customer, "whatsapp:"))
	for op := range r.operators {
		if err := r.messenger.SendText(ctx, op, body); err != nil {
			r.logger.Error("escalation notify failed", "operator", op, "error", err)
		}
	}
	r.metrics.ObserveEscalation()
	r.logger.Info("escalation raised", "customer", customer)
}

// Run sweeps for expired hand-offs every SweepInterval until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.SweepExpired(ctx)
		}
	}
}

// SweepExpired releases every hand-off idle longer than the timeout and
// returns the released records.
func (r *Registry) SweepExpired(ctx context.Context) []Record {
	all, err := r.store.All(ctx)
	if err != nil {
		r.logger.Error("handoff sweep failed", "error", err)
		return nil
	}
	cutoff := r.clk.Now().Add(-r.timeout)
	var released []Record
	for _, rec := range all {
		if !rec.LastActivity.Before(cutoff) {
			continue
		}
		dropped, found, err := r.store.Drop(ctx, rec.Customer)
		if err != nil {
			r.logger.Error("handoff sweep drop failed", "customer", rec.Customer, "error", err)
			continue
		}
		if !found {
			continue
		}
		r.finishRelease(ctx, dropped, "timeout")
		notice := fmt.Sprintf("Hand-off with %s auto-released after %s of inactivity.",
			dropped.Customer, r.timeout)
		if err := r.messenger.SendText(ctx, dropped.Operator, notice); err != nil {
			r.logger.Error("sweep operator notify failed", "operator", dropped.Operator, "error", err)
		}
		released = append(released, dropped)
	}
	return released
}

// finishRelease runs the side effects of a release exactly once per dropped
// record: it is only ever called after Drop reported found.
func (r *Registry) finishRelease(ctx context.Context, rec Record, reason string) {
	r.sessions.Append(rec.Customer, session.RoleOperator, resumptionEntry)
	if err := r.messenger.SendText(ctx, rec.Customer, resumptionNotice); err != nil {
		r.logger.Error("resumption notify failed", "customer", rec.Customer, "error", err)
	}
	r.metrics.ObserveRelease(reason)
	r.logger.Info("handoff released", "customer", rec.Customer, "operator", rec.Operator, "reason", reason)
}

package dispatch

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/lapidaryhq/concierge/internal/handoff"
	"github.com/lapidaryhq/concierge/internal/session"
)

var takeRe = regexp.MustCompile(`^(?i)TAKE\s+\+?(\d+)$`)

const usageHint = "Commands:\n" +
	"- TAKE +<number>: take over a conversation\n" +
	"- LIST: show active hand-offs\n" +
	"- DONE [number]: release a conversation"

// normalizeCustomer turns digits from a command argument into the canonical
// sender identity Twilio reports.
func normalizeCustomer(arg string) string {
	digits := strings.TrimPrefix(strings.TrimPrefix(arg, "whatsapp:"), "+")
	return "whatsapp:+" + digits
}

// handleOperator routes an operator's message: a command, or a reply to be
// forwarded when exactly one hand-off is held.
func (d *Dispatcher) handleOperator(ctx context.Context, operator, text string) {
	upper := strings.ToUpper(strings.TrimSpace(text))

	if upper == "LIST" {
		d.handleList(ctx, operator)
		return
	}
	if m := takeRe.FindStringSubmatch(strings.TrimSpace(text)); m != nil {
		d.handleTake(ctx, operator, normalizeCustomer(m[1]))
		return
	}
	if upper == "DONE" || strings.HasPrefix(upper, "DONE ") {
		d.handleDone(ctx, operator, strings.Fields(text))
		return
	}

	held, err := d.registry.ListHeldBy(ctx, operator)
	if err != nil {
		d.logger.Error("list held handoffs failed", "operator", operator, "error", err)
		return
	}
	switch len(held) {
	case 1:
		d.forwardToCustomer(ctx, operator, held[0].Customer, text)
	case 0:
		d.sendText(ctx, operator, usageHint)
	default:
		d.sendText(ctx, operator,
			"You hold several conversations, so replies are not forwarded automatically.\n\n"+usageHint)
	}
}

func (d *Dispatcher) handleList(ctx context.Context, operator string) {
	active, err := d.registry.ListActive(ctx)
	if err != nil {
		d.logger.Error("list active handoffs failed", "error", err)
		return
	}
	if len(active) == 0 {
		d.sendText(ctx, operator, "No active hand-offs.")
		return
	}
	sort.Slice(active, func(i, j int) bool { return active[i].Customer < active[j].Customer })
	lines := []string{"Active hand-offs:"}
	for _, rec := range active {
		lines = append(lines, fmt.Sprintf("- %s (held by %s)", rec.Customer, rec.Operator))
	}
	d.sendText(ctx, operator, strings.Join(lines, "\n"))
}

func (d *Dispatcher) handleTake(ctx context.Context, operator, customer string) {
	switch err := d.registry.TakeOver(ctx, operator, customer); {
	case err == nil:
		d.sendText(ctx, operator, fmt.Sprintf(
			"You're now chatting with %s.\nYour messages will be forwarded to them.\nSend DONE to hand back.",
			customer))
	case err == handoff.ErrAlreadyTaken:
		d.sendText(ctx, operator, fmt.Sprintf("%s is already taken by another team member.", customer))
	default:
		d.logger.Error("takeover failed", "operator", operator, "customer", customer, "error", err)
		d.sendText(ctx, operator, "Could not take over right now. Try again.")
	}
}

func (d *Dispatcher) handleDone(ctx context.Context, operator string, fields []string) {
	var customer string
	switch len(fields) {
	case 1:
		held, err := d.registry.ListHeldBy(ctx, operator)
		if err != nil {
			d.logger.Error("list held handoffs failed", "operator", operator, "error", err)
			return
		}
		switch len(held) {
		case 0:
			d.sendText(ctx, operator, "You have no active hand-offs.")
			return
		case 1:
			customer = held[0].Customer
		default:
			d.sendText(ctx, operator, "You hold several conversations. Use DONE <number>.")
			return
		}
	case 2:
		customer = normalizeCustomer(fields[1])
	default:
		d.sendText(ctx, operator, usageHint)
		return
	}

	switch err := d.registry.Release(ctx, operator, customer); {
	case err == nil:
		d.sendText(ctx, operator, fmt.Sprintf("Released %s. The assistant will resume.", customer))
	case err == handoff.ErrNotHolder:
		d.sendText(ctx, operator, fmt.Sprintf("You don't hold %s.", customer))
	default:
		d.logger.Error("release failed", "operator", operator, "customer", customer, "error", err)
	}
}

// forwardToCustomer relays an operator's conversational reply to the one
// customer they hold.
func (d *Dispatcher) forwardToCustomer(ctx context.Context, operator, customer, text string) {
	d.registry.Touch(ctx, customer)
	d.sessions.Append(customer, session.RoleOperator, text)
	d.sendText(ctx, customer, text)
	d.logger.Info("operator reply forwarded", "operator", operator, "customer", customer)
}

// Package handoff tracks which customers are being handled by a human
// operator instead of the automated assistant, and owns the timeout-based
// auto-release of idle hand-offs.
package handoff

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrAlreadyTaken means another operator already holds the customer.
	ErrAlreadyTaken = errors.New("handoff: customer already taken by another operator")
	// ErrNotHolder means the releasing operator does not hold the customer.
	ErrNotHolder = errors.New("handoff: operator does not hold this customer")
)

// State is the explicit per-customer control state.
type State int

const (
	// StateAIActive means the assistant controls the conversation.
	StateAIActive State = iota
	// StateHumanActive means an operator controls the conversation.
	StateHumanActive
)

func (s State) String() string {
	if s == StateHumanActive {
		return "HUMAN_ACTIVE"
	}
	return "AI_ACTIVE"
}

// Record is an active hand-off. A customer has at most one record; an
// operator may hold many.
type Record struct {
	Customer     string    `json:"customer"`
	Operator     string    `json:"operator"`
	StartedAt    time.Time `json:"started_at"`
	LastActivity time.Time `json:"last_activity"`
}

// Store persists hand-off records. Claim must be atomic with respect to the
// existing-record check so two operators can never both win an unclaimed
// customer.
type Store interface {
	// Claim creates a record for customer held by operator and reports
	// created=true. Claiming a customer already held by the same operator
	// refreshes the record and reports created=false; held by anyone else
	// it returns ErrAlreadyTaken.
	Claim(ctx context.Context, customer, operator string, now time.Time) (created bool, err error)
	// Get returns the active record for customer, if any.
	Get(ctx context.Context, customer string) (Record, bool, error)
	// Drop removes customer's record and returns it. Dropping an absent
	// record reports found=false and is not an error.
	Drop(ctx context.Context, customer string) (Record, bool, error)
	// Touch updates last activity on customer's record if one exists.
	Touch(ctx context.Context, customer string, now time.Time) error
	// HeldBy returns the records currently held by operator.
	HeldBy(ctx context.Context, operator string) ([]Record, error)
	// All returns every active record.
	All(ctx context.Context) ([]Record, error)
}

// Package transcript persists the raw inbound/outbound message log that
// feeds the owner dashboard. Persistence is best-effort: a nil database
// disables the store without disabling the bot.
package transcript

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/lapidaryhq/concierge/pkg/logging"
)

var tracer = otel.Tracer("internal/transcript")

// Direction marks which way a message travelled.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// Message is one logged message.
type Message struct {
	Phone     string    `json:"phone"`
	Direction Direction `json:"direction"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// Store writes and reads the messages table. All methods are no-ops on a
// nil-database store.
type Store struct {
	db     *sql.DB
	logger *logging.Logger
}

// NewStore wraps db; db may be nil when no database is configured.
func NewStore(db *sql.DB, logger *logging.Logger) *Store {
	if logger == nil {
		logger = logging.Default()
	}
	return &Store{db: db, logger: logger}
}

// Enabled reports whether a database is attached.
func (s *Store) Enabled() bool { return s != nil && s.db != nil }

// Log persists one message. Failures are logged, not returned; losing a
// dashboard row must never fail the conversation.
func (s *Store) Log(ctx context.Context, phone string, direction Direction, body string) {
	if !s.Enabled() {
		return
	}
	ctx, span := tracer.Start(ctx, "transcript.log")
	defer span.End()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (phone, direction, body) VALUES ($1, $2, $3)`,
		phone, string(direction), body)
	if err != nil {
		span.RecordError(err)
		s.logger.Error("transcript insert failed", "phone", phone, "error", err)
	}
}

// Recent returns messages from the trailing window, oldest first.
func (s *Store) Recent(ctx context.Context, window time.Duration) ([]Message, error) {
	if !s.Enabled() {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT phone, direction, body, created_at
		 FROM messages
		 WHERE created_at > NOW() - make_interval(secs => $1)
		 ORDER BY created_at ASC`,
		window.Seconds())
	if err != nil {
		return nil, fmt.Errorf("transcript: query recent: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		var direction string
		if err := rows.Scan(&m.Phone, &direction, &m.Body, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("transcript: scan row: %w", err)
		}
		m.Direction = Direction(direction)
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("transcript: iterate rows: %w", err)
	}
	return messages, nil
}

// ContactCount returns the number of distinct phone numbers seen in the
// trailing window.
func (s *Store) ContactCount(ctx context.Context, window time.Duration) (int, error) {
	if !s.Enabled() {
		return 0, nil
	}
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT phone) FROM messages
		 WHERE created_at > NOW() - make_interval(secs => $1)`,
		window.Seconds()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("transcript: count contacts: %w", err)
	}
	return count, nil
}

// Prune deletes messages older than the retention window and returns how
// many were removed.
func (s *Store) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	if !s.Enabled() {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE created_at < NOW() - make_interval(secs => $1)`,
		retention.Seconds())
	if err != nil {
		return 0, fmt.Errorf("transcript: prune: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("transcript: prune rows affected: %w", err)
	}
	return removed, nil
}

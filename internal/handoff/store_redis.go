package handoff

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	recordKeyPrefix = "handoff:customer:"
	activeSetKey    = "handoff:active"
)

var redisTracer = otel.Tracer("internal/handoff/store_redis")

// The record key and the active-set index must move together, or readers
// split-brain: Get sees a hand-off the sweep and LIST can never find. Every
// mutation is a single script so no interleaving can separate them.
var (
	// claimScript creates the record and indexes it, first writer wins.
	claimScript = redis.NewScript(`
if redis.call("SETNX", KEYS[1], ARGV[1]) == 1 then
	redis.call("SADD", KEYS[2], ARGV[2])
	return 1
end
return 0
`)

	// swapScript replaces a record only while it still holds the exact
	// bytes the caller read. A plain Set would let a slow refresh recreate
	// a record a concurrent Drop already deleted.
	swapScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	redis.call("SET", KEYS[1], ARGV[2])
	return 1
end
return 0
`)

	// dropScript removes the record and its index entry together and
	// returns what was stored.
	dropScript = redis.NewScript(`
local raw = redis.call("GET", KEYS[1])
if not raw then
	return false
end
redis.call("DEL", KEYS[1])
redis.call("SREM", KEYS[2], ARGV[1])
return raw
`)
)

// RedisStore keeps hand-off records in Redis so a restart does not silently
// return humans' conversations to the assistant. Claims use SETNX so the
// first operator wins even across instances.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps client as a Store.
func NewRedisStore(client *redis.Client) *RedisStore {
	if client == nil {
		panic("handoff: redis client is required")
	}
	return &RedisStore{client: client}
}

func recordKey(customer string) string { return recordKeyPrefix + customer }

func (s *RedisStore) Claim(ctx context.Context, customer, operator string, now time.Time) (bool, error) {
	ctx, span := redisTracer.Start(ctx, "handoff.claim",
		trace.WithAttributes(attribute.String("handoff.operator", operator)))
	defer span.End()

	rec := Record{Customer: customer, Operator: operator, StartedAt: now, LastActivity: now}
	payload, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("handoff: marshal record: %w", err)
	}

	// Two passes at most: a concurrent Drop can remove the key between the
	// create attempt and the refresh read, in which case one fresh create
	// settles it.
	for attempt := 0; attempt < 2; attempt++ {
		created, err := claimScript.Run(ctx, s.client,
			[]string{recordKey(customer), activeSetKey}, payload, customer).Int()
		if err != nil {
			span.RecordError(err)
			return false, fmt.Errorf("handoff: claim %s: %w", customer, err)
		}
		if created == 1 {
			return true, nil
		}

		// Key already present: same operator refreshes, anyone else loses.
		prev, existing, found, err := s.getRaw(ctx, customer)
		if err != nil {
			return false, err
		}
		if !found {
			continue
		}
		if existing.Operator != operator {
			return false, ErrAlreadyTaken
		}
		existing.LastActivity = now
		swapped, err := s.swap(ctx, customer, prev, existing)
		if err != nil {
			return false, err
		}
		if swapped {
			return false, nil
		}
	}
	return false, fmt.Errorf("handoff: claim %s: record changed underfoot twice", customer)
}

func (s *RedisStore) Get(ctx context.Context, customer string) (Record, bool, error) {
	_, rec, found, err := s.getRaw(ctx, customer)
	return rec, found, err
}

func (s *RedisStore) getRaw(ctx context.Context, customer string) ([]byte, Record, bool, error) {
	raw, err := s.client.Get(ctx, recordKey(customer)).Bytes()
	if err == redis.Nil {
		return nil, Record{}, false, nil
	}
	if err != nil {
		return nil, Record{}, false, fmt.Errorf("handoff: get %s: %w", customer, err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, Record{}, false, fmt.Errorf("handoff: decode %s: %w", customer, err)
	}
	return raw, rec, true, nil
}

func (s *RedisStore) Drop(ctx context.Context, customer string) (Record, bool, error) {
	ctx, span := redisTracer.Start(ctx, "handoff.drop")
	defer span.End()

	raw, err := dropScript.Run(ctx, s.client,
		[]string{recordKey(customer), activeSetKey}, customer).Text()
	if err == redis.Nil {
		return Record{}, false, nil
	}
	if err != nil {
		span.RecordError(err)
		return Record{}, false, fmt.Errorf("handoff: drop %s: %w", customer, err)
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return Record{}, false, fmt.Errorf("handoff: decode %s: %w", customer, err)
	}
	return rec, true, nil
}

func (s *RedisStore) Touch(ctx context.Context, customer string, now time.Time) error {
	prev, rec, found, err := s.getRaw(ctx, customer)
	if err != nil || !found {
		return err
	}
	rec.LastActivity = now
	// A lost swap means the record was dropped or rewritten since the
	// read; either way there is nothing left to refresh.
	_, err = s.swap(ctx, customer, prev, rec)
	return err
}

func (s *RedisStore) HeldBy(ctx context.Context, operator string) ([]Record, error) {
	all, err := s.All(ctx)
	if err != nil {
		return nil, err
	}
	var held []Record
	for _, rec := range all {
		if rec.Operator == operator {
			held = append(held, rec)
		}
	}
	return held, nil
}

func (s *RedisStore) All(ctx context.Context) ([]Record, error) {
	customers, err := s.client.SMembers(ctx, activeSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("handoff: list active: %w", err)
	}
	records := make([]Record, 0, len(customers))
	for _, customer := range customers {
		rec, found, err := s.Get(ctx, customer)
		if err != nil {
			return nil, err
		}
		if !found {
			// Stale index entry left by an interrupted drop.
			_ = s.client.SRem(ctx, activeSetKey, customer).Err()
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

func (s *RedisStore) swap(ctx context.Context, customer string, prev []byte, rec Record) (bool, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("handoff: marshal record: %w", err)
	}
	n, err := swapScript.Run(ctx, s.client, []string{recordKey(customer)}, prev, payload).Int()
	if err != nil {
		return false, fmt.Errorf("handoff: swap %s: %w", customer, err)
	}
	return n == 1, nil
}

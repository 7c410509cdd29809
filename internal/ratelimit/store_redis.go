package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Day-keyed counters expire on their own; 48h covers any timezone skew
// between the limiter's location and the Redis server.
const counterTTL = 48 * time.Hour

// RedisStore is a CounterStore backed by Redis, so quotas survive restarts
// and are shared across replicas.
type RedisStore struct {
	client *redis.Client
	tracer trace.Tracer
}

// NewRedisStore creates a Redis-backed counter store.
func NewRedisStore(client *redis.Client) *RedisStore {
	if client == nil {
		panic("ratelimit: redis client cannot be nil")
	}
	return &RedisStore{
		client: client,
		tracer: otel.Tracer("concierge.internal.ratelimit"),
	}
}

func (s *RedisStore) Count(ctx context.Context, sender, day string) (int, error) {
	ctx, span := s.tracer.Start(ctx, "ratelimit.count")
	defer span.End()

	n, err := s.client.Get(ctx, counterKey(sender, day)).Int()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		span.RecordError(err)
		return 0, fmt.Errorf("ratelimit: redis get: %w", err)
	}
	return n, nil
}

func (s *RedisStore) Incr(ctx context.Context, sender, day string) (int, error) {
	ctx, span := s.tracer.Start(ctx, "ratelimit.incr")
	defer span.End()

	key := counterKey(sender, day)
	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, counterTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("ratelimit: redis incr: %w", err)
	}
	return int(incr.Val()), nil
}

func (s *RedisStore) Reset(ctx context.Context, sender, day string) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "ratelimit.reset")
	defer span.End()

	removed, err := s.client.Del(ctx, counterKey(sender, day)).Result()
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("ratelimit: redis del: %w", err)
	}
	return removed > 0, nil
}

func counterKey(sender, day string) string {
	return fmt.Sprintf("quota:%s:%s", sender, day)
}

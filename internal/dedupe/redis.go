package dedupe

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisLedger is a Ledger shared across engine instances, backed by
// SET NX with expiry.
type RedisLedger struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisLedger(client *redis.Client, prefix string, ttl time.Duration) *RedisLedger {
	return &RedisLedger{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

func (l *RedisLedger) MarkProcessed(ctx context.Context, tradeID string) (bool, error) {
	key := l.prefix + ":" + tradeID
	first, err := l.client.SetNX(ctx, key, 1, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis SETNX %s: %w", key, err)
	}
	return first, nil
}

func (l *RedisLedger) Release(ctx context.Context, tradeID string) error {
	key := l.prefix + ":" + tradeID
	if err := l.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis DEL %s: %w", key, err)
	}
	return nil
}

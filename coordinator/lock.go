package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const lockKeyPrefix = "reflection_lock:"

// ReflectionLock is a per-user advisory lock built on SET NX with a TTL
// so a crashed holder cannot wedge a user forever.
type ReflectionLock struct {
	client *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

func NewReflectionLock(client *redis.Client, ttl time.Duration, logger zerolog.Logger) *ReflectionLock {
	if ttl <= 0 {
		ttl = 300 * time.Second
	}
	return &ReflectionLock{
		client: client,
		ttl:    ttl,
		logger: logger.With().Str("component", "reflection_lock").Logger(),
	}
}

// Acquire returns false without error when another holder owns the lock.
func (l *ReflectionLock) Acquire(ctx context.Context, userID string) (bool, error) {
	key := lockKeyPrefix + userID
	acquired, err := l.client.SetNX(ctx, key, "1", l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w", key, err)
	}
	l.logger.Debug().Str("user_id", userID).Bool("acquired", acquired).Msg("Acquire")
	return acquired, nil
}

func (l *ReflectionLock) Release(ctx context.Context, userID string) error {
	key := lockKeyPrefix + userID
	if err := l.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("del %s: %w", key, err)
	}
	return nil
}

// Package coordinator provides the redis-backed primitives that keep
// concurrent background work per user safe: a reflection lock, a bounded
// action history, and chunked batch dispatch.
package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisConfig carries the connection settings for the coordination store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisClient connects and validates the connection with a ping so a
// bad address fails at startup rather than on first use.
func NewRedisClient(ctx context.Context, cfg RedisConfig, logger zerolog.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}

	logger.Info().Str("addr", cfg.Addr).Int("db", cfg.DB).Msg("Connected to redis")
	return client, nil
}

package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const historyKeyPrefix = "action_history:"

// ActionHistory keeps a short per-user log of recent engine actions in a
// capped redis list. Newest entries sit at the head.
type ActionHistory struct {
	client *redis.Client
	cap    int64
	ttl    time.Duration
	logger zerolog.Logger
}

func NewActionHistory(client *redis.Client, cap int, ttl time.Duration, logger zerolog.Logger) *ActionHistory {
	if cap <= 0 {
		cap = 10
	}
	return &ActionHistory{
		client: client,
		cap:    int64(cap),
		ttl:    ttl,
		logger: logger.With().Str("component", "action_history").Logger(),
	}
}

// Record prepends an action and trims the list back to capacity.
func (h *ActionHistory) Record(ctx context.Context, userID, action string) error {
	key := historyKeyPrefix + userID
	entry := fmt.Sprintf("%s|%s", time.Now().UTC().Format(time.RFC3339), action)

	pipe := h.client.TxPipeline()
	pipe.LPush(ctx, key, entry)
	pipe.LTrim(ctx, key, 0, h.cap-1)
	if h.ttl > 0 {
		pipe.Expire(ctx, key, h.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record action %s: %w", key, err)
	}
	return nil
}

// Recent returns up to cap entries, newest first.
func (h *ActionHistory) Recent(ctx context.Context, userID string) ([]string, error) {
	key := historyKeyPrefix + userID
	entries, err := h.client.LRange(ctx, key, 0, h.cap-1).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange %s: %w", key, err)
	}
	return entries, nil
}

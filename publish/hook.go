// Package publish forwards committed journal events to external systems.
//
// Delivery is at-least-once and ordered. A Dispatcher subscribes to the bus,
// retries each event with backoff, and persists the last delivered sequence
// so a restart resumes where delivery stopped. Hook failures are logged and
// never reach the journal or the ledger.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/warp/credit-engine/credit"
)

// Hook receives one committed event. Implementations must tolerate
// redelivery of an event they already accepted.
type Hook interface {
	Publish(ctx context.Context, evt credit.Event) error
}

// HookFunc adapts a function to Hook.
type HookFunc func(ctx context.Context, evt credit.Event) error

func (f HookFunc) Publish(ctx context.Context, evt credit.Event) error {
	return f(ctx, evt)
}

// =============================================================================
// REDIS - Pub/sub channel per deployment
// =============================================================================

// Publisher is the part of a go-redis client the hook uses.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisHook publishes every event as JSON on one channel.
type RedisHook struct {
	client  Publisher
	channel string
}

func NewRedisHook(client Publisher, channel string) *RedisHook {
	if channel == "" {
		channel = "credit-events"
	}
	return &RedisHook{client: client, channel: channel}
}

// NewRedisClient creates a go-redis client for the hook.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func (h *RedisHook) Publish(ctx context.Context, evt credit.Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode event %d: %w", evt.Sequence, err)
	}
	if err := h.client.Publish(ctx, h.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", h.channel, err)
	}
	return nil
}

// =============================================================================
// LOG - For development and dry runs
// =============================================================================

type LogHook struct {
	logger *slog.Logger
}

func NewLogHook(logger *slog.Logger) *LogHook {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogHook{logger: logger.With("component", "publish")}
}

func (h *LogHook) Publish(_ context.Context, evt credit.Event) error {
	h.logger.Info("event committed",
		"seq", evt.Sequence,
		"entity", evt.EntityID,
		"credit_type", evt.CreditType,
		"type", evt.Type,
		"amount", evt.Amount.String(),
		"correlation_id", evt.CorrelationID)
	return nil
}

package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisMirror copies bus events into a Redis stream so external consumers
// can follow engine activity without holding a websocket open.
type RedisMirror struct {
	client *redis.Client
	stream string
	maxLen int64
	logger *zap.Logger
}

// NewRedisMirror wraps a connected client. maxLen caps the stream (approximate trim).
func NewRedisMirror(client *redis.Client, stream string, maxLen int64, logger *zap.Logger) *RedisMirror {
	if stream == "" {
		stream = "vpa:events"
	}
	if maxLen <= 0 {
		maxLen = 10000
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisMirror{client: client, stream: stream, maxLen: maxLen, logger: logger}
}

// Append writes one event to the stream.
func (m *RedisMirror) Append(ctx context.Context, topic Event, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return m.client.XAdd(ctx, &redis.XAddArgs{
		Stream: m.stream,
		MaxLen: m.maxLen,
		Approx: true,
		Values: map[string]any{
			"topic": string(topic),
			"data":  string(data),
			"ts":    time.Now().UnixMilli(),
		},
	}).Err()
}

// Run forwards the given topics until ctx is cancelled. Price ticks are
// usually excluded by the caller because of their volume.
func (m *RedisMirror) Run(ctx context.Context, bus *Bus, topics []Event) error {
	ch, unsub := bus.SubscribeMany(topics, 256)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-ch:
			if !ok {
				return nil
			}
			wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			if err := m.Append(wctx, env.Topic, env.Payload); err != nil {
				m.logger.Warn("redis mirror append failed", zap.String("topic", string(env.Topic)), zap.Error(err))
			}
			cancel()
		}
	}
}

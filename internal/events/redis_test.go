package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMirror(t *testing.T) (*RedisMirror, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisMirror(client, "test:events", 100, nil), client
}

func TestRedisMirrorAppend(t *testing.T) {
	m, client := newMirror(t)
	ctx := context.Background()

	require.NoError(t, m.Append(ctx, EventOrderFilled, map[string]any{"order_id": "abc", "qty": 1.5}))

	msgs, err := client.XRange(ctx, "test:events", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "order_filled", msgs[0].Values["topic"])

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(msgs[0].Values["data"].(string)), &decoded))
	assert.Equal(t, "abc", decoded["order_id"])
}

func TestRedisMirrorRunForwardsBus(t *testing.T) {
	m, client := newMirror(t)
	bus := NewBus()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Run(ctx, bus, []Event{EventEmergencyStop})
	}()

	require.Eventually(t, func() bool {
		bus.Publish(EventEmergencyStop, map[string]string{"reason": "manual"})
		n, err := client.XLen(context.Background(), "test:events").Result()
		return err == nil && n > 0
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	<-done
}

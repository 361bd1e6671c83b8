package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"vpa-trader/internal/events"
)

// Monitor forwards risk alerts and emergency-stop changes from the bus to
// an AlertSink.
type Monitor struct {
	Bus    *events.Bus
	Sink   AlertSink
	Logger *zap.Logger
}

var alertTopics = []events.Event{events.EventRiskAlert, events.EventEmergencyStop}

// Start runs until ctx is cancelled and returns nil.
func (m *Monitor) Start(ctx context.Context) error {
	logger := m.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if m.Bus == nil || m.Sink == nil {
		logger.Info("alert monitor not configured, skipping")
		return nil
	}
	stream, unsub := m.Bus.SubscribeMany(alertTopics, 64)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-stream:
			if !ok {
				return nil
			}
			if err := m.Sink.Send(formatAlert(env, time.Now())); err != nil {
				logger.Warn("alert delivery failed", zap.String("topic", string(env.Topic)), zap.Error(err))
			}
		}
	}
}

func formatAlert(env events.Envelope, now time.Time) string {
	return fmt.Sprintf("[%s] %s %s", now.UTC().Format(time.RFC3339), env.Topic, toString(env.Payload))
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "alert triggered"
	}
	return string(b)
}

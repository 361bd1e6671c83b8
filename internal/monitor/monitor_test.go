package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vpa-trader/internal/events"
)

type memorySink struct {
	mu   sync.Mutex
	msgs []string
}

func (s *memorySink) Send(message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, message)
	return nil
}

func (s *memorySink) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.msgs...)
}

func TestMonitorForwardsAlerts(t *testing.T) {
	bus := events.NewBus()
	sink := &memorySink{}
	m := &Monitor{Bus: bus, Sink: sink}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Start(ctx) }()

	require.Eventually(t, func() bool {
		bus.Publish(events.EventRiskAlert, map[string]string{"risk_type": "total_risk"})
		return len(sink.all()) > 0
	}, time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	msg := sink.all()[0]
	assert.Contains(t, msg, "risk_alert")
	assert.Contains(t, msg, `"risk_type":"total_risk"`)
}

func TestMonitorWithoutSinkIsNoop(t *testing.T) {
	assert.NoError(t, (&Monitor{}).Start(context.Background()))
}

func TestToString(t *testing.T) {
	assert.Equal(t, "plain", toString("plain"))
	assert.Equal(t, `{"a":1}`, toString(map[string]int{"a": 1}))
	assert.Equal(t, "alert triggered", toString(func() {}))
}

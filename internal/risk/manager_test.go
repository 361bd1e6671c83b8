package risk

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vpa-trader/internal/exchange"
	"vpa-trader/internal/position"
)

type fakeExchange struct {
	mu        sync.Mutex
	acct      exchange.AccountInfo
	positions []exchange.Position
	closed    map[string]string
}

func newFakeExchange(positions ...exchange.Position) *fakeExchange {
	return &fakeExchange{
		acct:      exchange.AccountInfo{InitialBalance: 10000, TotalBalance: 10000, AvailableBalance: 10000},
		positions: positions,
		closed:    map[string]string{},
	}
}

func (f *fakeExchange) GetAccountInfo() exchange.AccountInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := f.acct
	a.PositionsCount = len(f.positions)
	return a
}

func (f *fakeExchange) GetPositions() []exchange.Position {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]exchange.Position(nil), f.positions...)
}

func (f *fakeExchange) ClosePosition(symbol string, _ float64, origin string) exchange.PlaceResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, p := range f.positions {
		if p.Symbol == symbol {
			f.positions = append(f.positions[:i], f.positions[i+1:]...)
			f.closed[symbol] = origin
			return exchange.PlaceResult{OrderID: "close_" + symbol, Accepted: true}
		}
	}
	return exchange.PlaceResult{Reason: "no position"}
}

type riskEvent struct {
	eventType, severity, description, action string
}

type recordingJournal struct {
	mu     sync.Mutex
	events []riskEvent
}

func (j *recordingJournal) LogRiskEvent(eventType, severity, description, actionTaken string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, riskEvent{eventType, severity, description, actionTaken})
}

func (j *recordingJournal) types() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]string, 0, len(j.events))
	for _, e := range j.events {
		out = append(out, e.eventType)
	}
	return out
}

type fixedPerformance position.Performance

func (p fixedPerformance) PerformanceSummary() position.Performance { return position.Performance(p) }

func newManager(ex Exchange, level Level) (*Manager, *recordingJournal) {
	j := &recordingJournal{}
	return NewManager(ex, level, nil, nil, nil).WithJournal(j), j
}

func TestCheckNewPositionRiskOrder(t *testing.T) {
	many := make([]exchange.Position, 0, 5)
	for _, s := range []string{"AUSDT", "BUSDT", "CUSDT", "DUSDT", "EUSDT"} {
		many = append(many, exchange.Position{Symbol: s, Size: 1, Leverage: 1})
	}

	tests := []struct {
		name      string
		positions []exchange.Position
		req       CheckRequest
		wantLimit string
	}{
		{
			name:      "single trade risk",
			req:       CheckRequest{Symbol: "ETHUSDT", Side: exchange.Buy, EntryPrice: 3000, StopLoss: 2900, Size: 3},
			wantLimit: LimitSingleTrade,
		},
		{
			name:      "projected total risk",
			positions: []exchange.Position{{Symbol: "BTCUSDT", Size: 0.1, MarginUsed: 450, Leverage: 10}},
			req:       CheckRequest{Symbol: "ETHUSDT", Side: exchange.Buy, EntryPrice: 3000},
			wantLimit: LimitTotalRisk,
		},
		{
			name:      "position count",
			positions: many,
			req:       CheckRequest{Symbol: "ETHUSDT", Side: exchange.Buy, EntryPrice: 3000},
			wantLimit: LimitPositionCount,
		},
		{
			name:      "same symbol",
			positions: []exchange.Position{{Symbol: "ETHUSDT", Size: 1, Leverage: 1}},
			req:       CheckRequest{Symbol: "ETHUSDT", Side: exchange.Sell, EntryPrice: 3000},
			wantLimit: LimitSameSymbol,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := newManager(newFakeExchange(tt.positions...), Moderate)
			d := m.CheckNewPositionRisk(tt.req)
			assert.False(t, d.Approved)
			require.NotNil(t, d.Rejection)
			assert.Equal(t, tt.wantLimit, d.Rejection.Limit)
			assert.Equal(t, d.Rejection.Reason, d.Reason)
			assert.Equal(t, 1, m.Stats().Violations)
		})
	}

	t.Run("approved with estimated risk", func(t *testing.T) {
		m, _ := newManager(newFakeExchange(), Moderate)
		d := m.CheckNewPositionRisk(CheckRequest{Symbol: "ETHUSDT", Side: exchange.Buy, EntryPrice: 3000})
		assert.True(t, d.Approved)
		assert.Nil(t, d.Rejection)
		assert.InDelta(t, 0.016, d.RiskRatio, 1e-12)
		assert.InDelta(t, 0.016, d.ProjectedTotalRisk, 1e-12)
		assert.Contains(t, d.Recommendations, "set a stop-loss")
	})

	t.Run("approved with stop and size", func(t *testing.T) {
		m, _ := newManager(newFakeExchange(), Moderate)
		d := m.CheckNewPositionRisk(CheckRequest{Symbol: "ETHUSDT", Side: exchange.Buy, EntryPrice: 3000, StopLoss: 2940, Size: 3})
		assert.True(t, d.Approved)
		assert.InDelta(t, 0.018, d.RiskRatio, 1e-12)
	})
}

func TestCheckNewPositionRiskIsRepeatable(t *testing.T) {
	tests := []struct {
		name      string
		positions []exchange.Position
		stopped   bool
		req       CheckRequest
		approved  bool
	}{
		{
			name:     "approved",
			req:      CheckRequest{Symbol: "ETHUSDT", Side: exchange.Buy, EntryPrice: 3000, StopLoss: 2940, Size: 3},
			approved: true,
		},
		{
			name: "single trade rejection",
			req:  CheckRequest{Symbol: "ETHUSDT", Side: exchange.Buy, EntryPrice: 3000, StopLoss: 2900, Size: 3},
		},
		{
			name:      "same symbol rejection",
			positions: []exchange.Position{{Symbol: "ETHUSDT", Size: 1, Leverage: 1}},
			req:       CheckRequest{Symbol: "ETHUSDT", Side: exchange.Buy, EntryPrice: 3000},
		},
		{
			name:    "emergency stop rejection",
			stopped: true,
			req:     CheckRequest{Symbol: "ETHUSDT", Side: exchange.Buy, EntryPrice: 3000},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := newManager(newFakeExchange(tt.positions...), Moderate)
			if tt.stopped {
				m.TriggerEmergencyStop("manual")
			}

			first := m.CheckNewPositionRisk(tt.req)
			second := m.CheckNewPositionRisk(tt.req)

			assert.Equal(t, tt.approved, first.Approved)
			assert.Equal(t, first.Approved, second.Approved)
			assert.Equal(t, first.Reason, second.Reason)
			assert.Equal(t, first.Rejection, second.Rejection)
			assert.Equal(t, first, second)
			assert.Equal(t, tt.stopped, m.EmergencyStopActive())
		})
	}
}

func TestEmergencyStopGatesAndResets(t *testing.T) {
	ex := newFakeExchange(exchange.Position{Symbol: "ETHUSDT", Size: 1, Leverage: 10, MarginUsed: 300})
	m, j := newManager(ex, Moderate)

	res := m.TriggerEmergencyStop("manual")
	assert.False(t, res.AlreadyActive)
	assert.Empty(t, res.PositionsClosed, "manual stops keep positions open")
	assert.Len(t, ex.GetPositions(), 1)

	again := m.TriggerEmergencyStop("manual")
	assert.True(t, again.AlreadyActive)
	assert.Equal(t, 1, m.Stats().EmergencyStops)

	d := m.CheckNewPositionRisk(CheckRequest{Symbol: "BTCUSDT", Side: exchange.Buy, EntryPrice: 60000})
	require.False(t, d.Approved)
	assert.Equal(t, LimitEmergencyStop, d.Rejection.Limit)
	assert.True(t, errors.Is(d.Rejection, ErrEmergencyStopActive))

	assert.ErrorIs(t, m.ResetEmergencyStop("yes"), ErrInvalidConfirmation)
	assert.True(t, m.EmergencyStopActive())
	require.NoError(t, m.ResetEmergencyStop(ResetConfirmation))
	assert.False(t, m.EmergencyStopActive())

	assert.Equal(t, []string{"emergency_stop", "emergency_stop_reset"}, j.types())
	assert.True(t, m.CheckNewPositionRisk(CheckRequest{Symbol: "BTCUSDT", Side: exchange.Buy, EntryPrice: 60000}).Approved)
}

func TestMonitorAutoStopClosesPositions(t *testing.T) {
	ex := newFakeExchange(exchange.Position{Symbol: "ETHUSDT", Size: 1, Leverage: 5, MarginUsed: 560})
	m, j := newManager(ex, Moderate)

	s := m.MonitorCurrentRisks()
	assert.Equal(t, StatusDanger, s.Limits[LimitTotalRisk].Status)
	require.Len(t, s.Alerts, 1)
	assert.Equal(t, SeverityCritical, s.Alerts[0].Severity)
	assert.Equal(t, []string{"emergency_stop"}, s.Actions)
	assert.True(t, s.EmergencyStop)

	assert.Empty(t, ex.GetPositions())
	assert.Equal(t, exchange.OriginEmergencyStop, ex.closed["ETHUSDT"])
	assert.Equal(t, []string{"risk_alert", "emergency_stop"}, j.types())
}

func TestMonitorBandsAndDeduplication(t *testing.T) {
	ex := newFakeExchange(exchange.Position{Symbol: "ETHUSDT", Size: 1, Leverage: 10, MarginUsed: 470})
	m, _ := newManager(ex, Moderate)
	start := time.Now()
	m.now = func() time.Time { return start }

	s := m.MonitorCurrentRisks()
	assert.Equal(t, StatusWarning, s.Limits[LimitTotalRisk].Status)
	assert.Equal(t, StatusWarning, s.Limits[LimitLeverage].Status, "leverage at the cap is allowed")
	assert.Equal(t, StatusSafe, s.Limits[LimitPositionCount].Status)
	assert.InDelta(t, 0.047/0.06, s.Limits[LimitTotalRisk].Utilization, 1e-9)
	require.Len(t, s.Alerts, 2)
	assert.Empty(t, s.Actions)
	assert.False(t, s.EmergencyStop)
	assert.NotEmpty(t, s.Recommendations)

	s = m.MonitorCurrentRisks()
	assert.Empty(t, s.Alerts, "same risk types inside the window are suppressed")

	m.now = func() time.Time { return start.Add(6 * time.Minute) }
	s = m.MonitorCurrentRisks()
	assert.Len(t, s.Alerts, 2)
	assert.Len(t, m.Alerts(start), 4)
	assert.Len(t, m.Alerts(start.Add(time.Minute)), 2)
}

func TestStatusBands(t *testing.T) {
	tests := []struct {
		current float64
		want    Status
	}{
		{0.5, StatusSafe}, {0.75, StatusWarning}, {0.9, StatusDanger}, {1.0, StatusCritical}, {1.4, StatusCritical},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.current, 1), "utilization %v", tt.current)
	}
	assert.Equal(t, StatusSafe, statusFor(5, 0))
	assert.Equal(t, StatusWarning, capStatus(5, 5))
	assert.Equal(t, StatusCritical, capStatus(6, 5))
}

func TestMonitorDemotesWhenAlreadyStopped(t *testing.T) {
	ex := newFakeExchange(exchange.Position{Symbol: "ETHUSDT", Size: 1, Leverage: 5, MarginUsed: 1000, UnrealizedPnL: -900})
	ex.acct.TotalBalance = 8400
	m, j := newManager(ex, Aggressive)
	m.TriggerEmergencyStop("manual")

	s := m.MonitorCurrentRisks()
	assert.GreaterOrEqual(t, len(s.Alerts), 2)
	assert.Equal(t, []string{"demote_to_moderate"}, s.Actions)
	assert.Equal(t, Moderate, s.Level)
	assert.Equal(t, Moderate, m.Level())
	assert.Len(t, ex.GetPositions(), 1)
	assert.InDelta(t, 0.16, m.Stats().MaxDrawdownReached, 1e-9)

	j.mu.Lock()
	defer j.mu.Unlock()
	var demoted bool
	for _, e := range j.events {
		if e.eventType == "risk_level_change" {
			demoted = true
			assert.Equal(t, autoDemote, e.action)
		}
	}
	assert.True(t, demoted)
}

func TestSetRiskLevel(t *testing.T) {
	m, j := newManager(newFakeExchange(), Moderate)

	require.NoError(t, m.SetRiskLevel(Moderate, ""))
	assert.Empty(t, j.types())
	assert.Error(t, m.SetRiskLevel(Level("reckless"), ""))

	require.NoError(t, m.SetRiskLevel(Conservative, ""))
	assert.Equal(t, Conservative, m.Level())
	assert.Equal(t, 1, m.Stats().LevelChanges)
	assert.Equal(t, "manual adjustment", j.events[0].action)

	d := m.CheckNewPositionRisk(CheckRequest{Symbol: "ETHUSDT", Side: exchange.Buy, EntryPrice: 3000, StopLoss: 2940, Size: 3})
	assert.False(t, d.Approved, "risk above the conservative single trade limit")

	l, err := ParseLevel(" Aggressive ")
	require.NoError(t, err)
	assert.Equal(t, Aggressive, l)
	_, err = ParseLevel("yolo")
	assert.Error(t, err)
}

func TestReport(t *testing.T) {
	ex := newFakeExchange(exchange.Position{Symbol: "ETHUSDT", Size: 1, Leverage: 10, MarginUsed: 470})
	m, _ := newManager(ex, Moderate)
	m.WithPerformance(fixedPerformance{WinRate: 0.4, TotalPnL: -120, ConsecutiveLosses: 3})

	r := m.Report()
	assert.Equal(t, Moderate, r.Level)
	assert.Equal(t, Settings[Moderate], r.Settings)
	assert.Equal(t, 1, r.Account.PositionsCount)
	assert.Len(t, r.RecentAlerts, 2)
	assert.Equal(t, 0.4, r.Performance.WinRate)
	assert.Contains(t, r.Current.Recommendations, "3 consecutive losses, consider a lower risk level")
	assert.False(t, r.Stats.LastCheck.IsZero())
}

func TestStartRunsUntilCancelled(t *testing.T) {
	m, _ := newManager(newFakeExchange(), Moderate)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Start(ctx, 5*time.Millisecond) }()

	assert.Eventually(t, func() bool { return !m.Stats().LastCheck.IsZero() }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
}

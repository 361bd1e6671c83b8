package risk

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"vpa-trader/internal/events"
	"vpa-trader/internal/exchange"
	"vpa-trader/internal/monitor"
	"vpa-trader/internal/position"
)

// Exchange is the account view and the close path used by the risk manager.
type Exchange interface {
	GetAccountInfo() exchange.AccountInfo
	GetPositions() []exchange.Position
	ClosePosition(symbol string, qty float64, origin string) exchange.PlaceResult
}

// PerformanceSource supplies trade statistics for recommendations and reports.
type PerformanceSource interface {
	PerformanceSummary() position.Performance
}

// Journal records risk events. Implementations must not block.
type Journal interface {
	LogRiskEvent(eventType, severity, description, actionTaken string)
}

type nopJournal struct{}

func (nopJournal) LogRiskEvent(string, string, string, string) {}

const (
	alertWindow    = 5 * time.Minute
	maxAlerts      = 1000
	autoStopReason = "auto_critical_risk_detected"
	autoDemote     = "auto_multiple_dangers"
)

// Manager gates new positions against the active level's limits, watches
// live limits and owns the emergency stop.
type Manager struct {
	ex      Exchange
	perf    PerformanceSource
	journal Journal
	bus     *events.Bus
	metrics *monitor.Metrics
	logger  *zap.Logger
	now     func() time.Time

	mu      sync.Mutex
	level   Level
	limits  map[string]*RiskLimit
	alerts  []RiskAlert
	stopped bool
	peak    float64
	stats   Stats
}

func NewManager(ex Exchange, level Level, logger *zap.Logger, bus *events.Bus, metrics *monitor.Metrics) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, ok := Settings[level]; !ok {
		level = Moderate
	}
	m := &Manager{
		ex:      ex,
		journal: nopJournal{},
		bus:     bus,
		metrics: metrics,
		logger:  logger.Named("risk_manager"),
		now:     time.Now,
		level:   level,
	}
	m.resetLimitsLocked()
	m.logger.Info("risk manager initialized", zap.String("level", string(level)))
	return m
}

// WithJournal sets the risk event sink.
func (m *Manager) WithJournal(j Journal) *Manager {
	if j != nil {
		m.journal = j
	}
	return m
}

// WithPerformance sets the trade statistics source.
func (m *Manager) WithPerformance(p PerformanceSource) *Manager {
	m.perf = p
	return m
}

func (m *Manager) resetLimitsLocked() {
	s := Settings[m.level]
	prev := m.limits
	m.limits = map[string]*RiskLimit{
		LimitSingleTrade:   {Name: LimitSingleTrade, Description: "largest single-position risk per trade", Threshold: s.MaxSingleTradeRisk},
		LimitTotalRisk:     {Name: LimitTotalRisk, Description: "margin used across all positions", Threshold: s.MaxTotalRisk},
		LimitPositionCount: {Name: LimitPositionCount, Description: "open positions", Threshold: float64(s.MaxPositions)},
		LimitLeverage:      {Name: LimitLeverage, Description: "highest leverage in use", Threshold: s.MaxLeverage, Current: 1},
		LimitDrawdown:      {Name: LimitDrawdown, Description: "account drawdown from peak", Threshold: s.DrawdownLimit},
	}
	for name, l := range m.limits {
		if p, ok := prev[name]; ok {
			l.Current = p.Current
		}
		l.Status = limitStatus(name, l.Current, l.Threshold)
	}
}

// CheckNewPositionRisk approves or rejects a prospective position. Checks run
// in order and the first failure is returned.
func (m *Manager) CheckNewPositionRisk(req CheckRequest) Decision {
	acct := m.ex.GetAccountInfo()
	total := acct.TotalBalance
	if total <= 0 {
		return m.reject(&RiskRejection{Limit: "balance", Current: total, Reason: "account balance is not positive"})
	}

	m.mu.Lock()
	s := Settings[m.level]
	stopped := m.stopped
	m.mu.Unlock()

	var riskRatio float64
	if req.StopLoss > 0 && req.Size > 0 {
		riskRatio = math.Abs(req.EntryPrice-req.StopLoss) * req.Size / total
	} else {
		riskRatio = s.MaxSingleTradeRisk * 0.8
	}
	if riskRatio > s.MaxSingleTradeRisk {
		return m.reject(&RiskRejection{
			Limit: LimitSingleTrade, Current: riskRatio, Threshold: s.MaxSingleTradeRisk,
			Reason: fmt.Sprintf("single trade risk too high: %.2f%% > %.2f%%", riskRatio*100, s.MaxSingleTradeRisk*100),
		})
	}

	positions := m.ex.GetPositions()
	var margin float64
	for _, p := range positions {
		margin += p.MarginUsed
	}
	projected := margin/total + riskRatio
	if projected > s.MaxTotalRisk {
		return m.reject(&RiskRejection{
			Limit: LimitTotalRisk, Current: projected, Threshold: s.MaxTotalRisk,
			Reason: fmt.Sprintf("projected total risk exceeds limit: %.2f%% > %.2f%%", projected*100, s.MaxTotalRisk*100),
		})
	}

	if len(positions) >= s.MaxPositions {
		return m.reject(&RiskRejection{
			Limit: LimitPositionCount, Current: float64(len(positions)), Threshold: float64(s.MaxPositions),
			Reason: fmt.Sprintf("position count at limit: %d >= %d", len(positions), s.MaxPositions),
		})
	}

	for _, p := range positions {
		if p.Symbol == req.Symbol {
			return m.reject(&RiskRejection{
				Limit: LimitSameSymbol, Current: p.Size,
				Reason: fmt.Sprintf("position already open on %s", req.Symbol),
			})
		}
	}

	if stopped {
		return m.reject(&RiskRejection{Limit: LimitEmergencyStop, Current: 1, Threshold: 0, Reason: ErrEmergencyStopActive.Error()})
	}

	return Decision{
		Approved:           true,
		RiskRatio:          riskRatio,
		ProjectedTotalRisk: projected,
		Recommendations:    positionRecommendations(riskRatio, s),
	}
}

func (m *Manager) reject(r *RiskRejection) Decision {
	m.mu.Lock()
	m.stats.Violations++
	m.mu.Unlock()
	m.logger.Warn("position rejected by risk check",
		zap.String("limit", r.Limit),
		zap.Float64("current", r.Current),
		zap.Float64("threshold", r.Threshold))
	return Decision{Reason: r.Reason, Rejection: r, RiskRatio: r.Current}
}

func positionRecommendations(riskRatio float64, s LevelSettings) []string {
	var out []string
	if riskRatio > s.MaxSingleTradeRisk*0.8 {
		out = append(out, "consider a smaller position")
	}
	if riskRatio < s.MaxSingleTradeRisk*0.5 {
		out = append(out, "room to size up within the limit")
	}
	return append(out, "set a stop-loss", "avoid opening many correlated positions at once")
}

// SetRiskLevel moves to level. Setting the current level is a no-op.
func (m *Manager) SetRiskLevel(level Level, reason string) error {
	if _, ok := Settings[level]; !ok {
		return fmt.Errorf("unknown risk level %q", level)
	}
	if reason == "" {
		reason = "manual adjustment"
	}

	m.mu.Lock()
	old := m.level
	if old == level {
		m.mu.Unlock()
		return nil
	}
	m.level = level
	m.resetLimitsLocked()
	m.stats.LevelChanges++
	m.stats.TotalRiskEvents++
	m.mu.Unlock()

	m.journal.LogRiskEvent("risk_level_change", "medium",
		fmt.Sprintf("risk level changed from %s to %s", old, level), reason)
	m.bus.Publish(events.EventRiskLevelChanged, LevelChange{From: old, To: level, Reason: reason})
	m.logger.Info("risk level changed",
		zap.String("from", string(old)),
		zap.String("to", string(level)),
		zap.String("reason", reason))
	return nil
}

// TriggerEmergencyStop suspends new positions. Automatic reasons (prefixed
// auto_) also close every open position. Repeated calls are no-ops.
func (m *Manager) TriggerEmergencyStop(reason string) StopResult {
	if reason == "" {
		reason = "manual"
	}
	now := m.now()

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return StopResult{AlreadyActive: true, Reason: reason, Time: now}
	}
	m.stopped = true
	m.stats.EmergencyStops++
	m.stats.TotalRiskEvents++
	m.mu.Unlock()

	m.metrics.SetEmergencyStop(true)
	m.journal.LogRiskEvent("emergency_stop", "critical",
		"emergency stop triggered: "+reason, "suspend new positions, prepare to close")

	closed := []string{}
	if strings.HasPrefix(reason, "auto_") {
		for _, p := range m.ex.GetPositions() {
			res := m.ex.ClosePosition(p.Symbol, 0, exchange.OriginEmergencyStop)
			if res.Accepted {
				closed = append(closed, p.Symbol)
				continue
			}
			m.logger.Warn("emergency close failed", zap.String("symbol", p.Symbol), zap.String("reason", res.Reason))
		}
	}

	m.logger.Error("emergency stop triggered",
		zap.String("reason", reason),
		zap.Strings("positions_closed", closed))
	m.bus.Publish(events.EventEmergencyStop, StopEvent{Active: true, Reason: reason, PositionsClosed: closed, Time: now})
	return StopResult{Reason: reason, PositionsClosed: closed, Time: now}
}

// ResetEmergencyStop clears the stop when confirmation matches
// ResetConfirmation.
func (m *Manager) ResetEmergencyStop(confirmation string) error {
	if confirmation != ResetConfirmation {
		m.logger.Warn("emergency stop reset refused, bad confirmation")
		return ErrInvalidConfirmation
	}
	m.mu.Lock()
	m.stopped = false
	m.mu.Unlock()

	m.metrics.SetEmergencyStop(false)
	m.journal.LogRiskEvent("emergency_stop_reset", "medium", "emergency stop cleared", "manual reset")
	m.bus.Publish(events.EventEmergencyStop, StopEvent{Active: false, Reason: "manual reset", Time: m.now()})
	m.logger.Info("emergency stop reset")
	return nil
}

func (m *Manager) EmergencyStopActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

func (m *Manager) Level() Level {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Alerts returns alerts raised at or after since, oldest first.
func (m *Manager) Alerts(since time.Time) []RiskAlert {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []RiskAlert
	for _, a := range m.alerts {
		if !a.Time.Before(since) {
			out = append(out, a)
		}
	}
	return out
}

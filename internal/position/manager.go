package position

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"vpa-trader/internal/exchange"
)

var (
	ErrInvalidSizing = errors.New("invalid sizing input")
	ErrNoPosition    = errors.New("position not found")
	ErrNoPrice       = errors.New("no price")
	ErrInvalidLevel  = errors.New("risk level must be between 1 and 5")
)

// Exchange is the read-only account view the manager needs.
type Exchange interface {
	GetAccountInfo() exchange.AccountInfo
	GetPositions() []exchange.Position
	GetPosition(symbol string) (exchange.Position, bool)
	CurrentPrice(symbol string) (float64, bool)
}

// Manager sizes new positions from account risk and tracks per-position
// heat and overall performance.
type Manager struct {
	ex     Exchange
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	level   int
	metrics map[string]*Metrics
	perf    Performance
	history []ClosedTrade
}

func NewManager(ex Exchange, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		ex:      ex,
		logger:  logger.Named("position_manager"),
		now:     time.Now,
		level:   DefaultLevel,
		metrics: make(map[string]*Metrics),
	}
}

// CalculatePositionSize applies fixed-fractional risk sizing:
// riskAmount / |entry - stop|, capped by the level's position limit, then
// scaled by the win/loss streak. A supplied AI confidence scales the risk
// percent within [0.5x, 1.5x] of the level's base percent.
func (m *Manager) CalculatePositionSize(req SizeRequest) SizeResult {
	if req.EntryPrice <= 0 || req.StopLoss <= 0 || req.EntryPrice == req.StopLoss {
		err := fmt.Errorf("%w: entry %.4f stop %.4f", ErrInvalidSizing, req.EntryPrice, req.StopLoss)
		return SizeResult{Error: err.Error(), Err: err}
	}

	m.mu.Lock()
	lvl := Levels[m.level]
	adj := streakAdjustment(m.perf.ConsecutiveWins, m.perf.ConsecutiveLosses)
	m.mu.Unlock()

	available := m.ex.GetAccountInfo().AvailableBalance
	riskPercent := req.RiskPercent
	if riskPercent <= 0 {
		riskPercent = lvl.StopLossPercent
	}
	multiplier := 1.0
	if req.AIConfidence != nil {
		multiplier = confidenceMultiplier(*req.AIConfidence)
		riskPercent = clamp(riskPercent*multiplier, lvl.StopLossPercent*0.5, lvl.StopLossPercent*1.5)
	}

	riskPerUnit := math.Abs(req.EntryPrice - req.StopLoss)
	riskAmount := math.Max(0, available*riskPercent)
	baseSize := riskAmount / riskPerUnit
	maxSize := math.Max(0, available*lvl.MaxPositionPercent/req.EntryPrice)
	size := math.Min(baseSize, maxSize) * adj

	return SizeResult{
		RecommendedSize:      size,
		MaxSizeByRisk:        maxSize,
		BaseSize:             baseSize,
		RiskAmount:           riskAmount,
		RiskPerUnit:          riskPerUnit,
		StreakAdjustment:     adj,
		RiskPercent:          riskPercent,
		PositionValue:        size * req.EntryPrice,
		MaxLeverage:          lvl.MaxLeverage,
		AIConfidence:         req.AIConfidence,
		ConfidenceMultiplier: multiplier,
	}
}

// AssessPositionRisk computes heat, excursion ratios and health for one
// open position.
func (m *Manager) AssessPositionRisk(symbol string) (Assessment, error) {
	pos, ok := m.ex.GetPosition(symbol)
	if !ok {
		return Assessment{}, fmt.Errorf("%w: %s", ErrNoPosition, symbol)
	}
	price, ok := m.ex.CurrentPrice(symbol)
	if !ok {
		return Assessment{}, fmt.Errorf("%w for %s", ErrNoPrice, symbol)
	}
	acct := m.ex.GetAccountInfo()

	riskRatio := 0.0
	if pos.UnrealizedPnL < 0 && acct.TotalBalance > 0 {
		riskRatio = -pos.UnrealizedPnL / acct.TotalBalance
	}

	m.mu.Lock()
	met := m.metricsLocked(pos)
	met.update(pos, price, m.now())
	maeRatio, mfeRatio := met.ratios(pos.AvgEntryPrice)
	met.HeatLevel = heatLevel(maeRatio, riskRatio, met.HoldingDuration)
	snapshot := *met
	m.mu.Unlock()

	a := Assessment{
		Symbol:           symbol,
		Position:         pos,
		HeatLevel:        snapshot.HeatLevel,
		RiskRatio:        riskRatio,
		MAERatio:         maeRatio,
		MFERatio:         mfeRatio,
		HoldingHours:     snapshot.HoldingDuration.Hours(),
		DrawdownFromPeak: snapshot.DrawdownFromPeak,
		Health:           positionHealth(snapshot.HeatLevel, riskRatio),
		Metrics:          snapshot,
	}
	a.Recommendations = recommendationsFor(a)
	return a, nil
}

// metricsLocked returns the tracker for pos, creating one when the position
// predates the manager.
func (m *Manager) metricsLocked(pos exchange.Position) *Metrics {
	met, ok := m.metrics[pos.Symbol]
	if !ok {
		entry := pos.OpenedAt
		if entry.IsZero() {
			entry = m.now()
		}
		met = &Metrics{Symbol: pos.Symbol, EntryTime: entry, EntryPrice: pos.AvgEntryPrice, HeatLevel: 1}
		m.metrics[pos.Symbol] = met
	}
	return met
}

// OnPriceUpdate refreshes metrics for symbol if a position is open.
func (m *Manager) OnPriceUpdate(symbol string, price float64) {
	pos, ok := m.ex.GetPosition(symbol)
	if !ok {
		return
	}
	acct := m.ex.GetAccountInfo()
	riskRatio := 0.0
	if pos.UnrealizedPnL < 0 && acct.TotalBalance > 0 {
		riskRatio = -pos.UnrealizedPnL / acct.TotalBalance
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	met := m.metricsLocked(pos)
	met.update(pos, price, m.now())
	mae, _ := met.ratios(pos.AvgEntryPrice)
	met.HeatLevel = heatLevel(mae, riskRatio, met.HoldingDuration)
}

// OnFill keeps metrics aligned with the exchange: new positions get a fresh
// tracker and fully closed ones are recorded as trades.
func (m *Manager) OnFill(f exchange.Fill) {
	m.mu.Lock()
	if f.ClosedQuantity > 0 {
		if met, ok := m.metrics[f.Symbol]; ok {
			met.RealizedPnL += f.RealizedPnL
		}
	}
	var closed *ClosedTrade
	if f.PositionClosed {
		ct := ClosedTrade{Symbol: f.Symbol, RealizedPnL: f.RealizedPnL, ExitReason: f.Origin, ClosedAt: f.Time}
		if met, ok := m.metrics[f.Symbol]; ok {
			ct.RealizedPnL = met.RealizedPnL
			ct.HoldingDuration = f.Time.Sub(met.EntryTime)
			delete(m.metrics, f.Symbol)
		}
		closed = &ct
	}
	if f.Opened {
		m.metrics[f.Symbol] = &Metrics{Symbol: f.Symbol, EntryTime: f.Time, EntryPrice: f.Price, HeatLevel: 1}
		if n := len(m.metrics); n > m.perf.MaxConcurrent {
			m.perf.MaxConcurrent = n
		}
	}
	m.mu.Unlock()

	if closed != nil {
		m.RecordClosedTrade(*closed)
	}
}

// RecordClosedTrade updates win/loss streaks and performance totals.
func (m *Manager) RecordClosedTrade(t ClosedTrade) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := &m.perf
	p.TotalTrades++
	p.TotalPnL += t.RealizedPnL
	if t.RealizedPnL > 0 {
		p.Wins++
		p.ConsecutiveLosses = 0
		p.ConsecutiveWins++
		p.CurrentStreak = p.ConsecutiveWins
		p.LargestWin = math.Max(p.LargestWin, t.RealizedPnL)
	} else {
		p.Losses++
		p.ConsecutiveWins = 0
		p.ConsecutiveLosses++
		p.CurrentStreak = -p.ConsecutiveLosses
		if math.Abs(t.RealizedPnL) > math.Abs(p.LargestLoss) {
			p.LargestLoss = t.RealizedPnL
		}
	}
	n := time.Duration(p.TotalTrades)
	p.AvgHoldingTime += (t.HoldingDuration - p.AvgHoldingTime) / n

	m.history = append(m.history, t)
	if len(m.history) > 1000 {
		m.history = append([]ClosedTrade(nil), m.history[len(m.history)-500:]...)
	}
	m.logger.Info("trade closed",
		zap.String("symbol", t.Symbol),
		zap.Float64("realized_pnl", t.RealizedPnL),
		zap.String("exit_reason", t.ExitReason),
		zap.Int("streak", p.CurrentStreak))
}

// PerformanceSummary returns the trade record with the current balance.
func (m *Manager) PerformanceSummary() Performance {
	acct := m.ex.GetAccountInfo()
	m.mu.Lock()
	p := m.perf
	m.mu.Unlock()

	if p.TotalTrades > 0 {
		p.WinRate = float64(p.Wins) / float64(p.TotalTrades)
	}
	p.CurrentBalance = acct.TotalBalance
	if acct.InitialBalance > 0 {
		p.TotalReturnPct = (acct.TotalBalance/acct.InitialBalance - 1) * 100
	}
	return p
}

// ClosedTrades returns recorded trades, oldest first.
func (m *Manager) ClosedTrades() []ClosedTrade {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ClosedTrade(nil), m.history...)
}

// GetPortfolioRisk sums margin across positions relative to the balance.
func (m *Manager) GetPortfolioRisk() PortfolioRisk {
	positions := m.ex.GetPositions()
	if len(positions) == 0 {
		return PortfolioRisk{
			PerSymbol:       map[string]SymbolRisk{},
			Health:          "healthy",
			Recommendations: []string{"no open positions, free to open new ones"},
		}
	}
	acct := m.ex.GetAccountInfo()

	var margin, pnl float64
	per := make(map[string]SymbolRisk, len(positions))
	m.mu.Lock()
	for _, p := range positions {
		margin += p.MarginUsed
		pnl += p.UnrealizedPnL
		heat := 1
		if met, ok := m.metrics[p.Symbol]; ok {
			heat = met.HeatLevel
		}
		per[p.Symbol] = SymbolRisk{MarginRatio: ratio(p.MarginUsed, acct.TotalBalance), PnL: p.UnrealizedPnL, HeatLevel: heat}
	}
	m.mu.Unlock()

	out := PortfolioRisk{
		TotalRiskRatio:    ratio(margin, acct.TotalBalance),
		PnLRatio:          ratio(pnl, acct.TotalBalance),
		MarginUtilization: ratio(margin, acct.AvailableBalance+margin),
		PositionsCount:    len(positions),
		PerSymbol:         per,
	}
	out.Health = portfolioHealth(out.TotalRiskRatio)
	if out.TotalRiskRatio > 0.06 {
		out.Recommendations = append(out.Recommendations, "total position risk exceeds the 6% ceiling")
	}
	if out.MarginUtilization > 0.8 {
		out.Recommendations = append(out.Recommendations, "margin utilization above 80%, reduce exposure")
	}
	if out.PositionsCount > 5 {
		out.Recommendations = append(out.Recommendations, "too many positions, concentrate on the strongest")
	}
	return out
}

// SuggestAdjustments returns actions for positions that need attention.
func (m *Manager) SuggestAdjustments() []Adjustment {
	var out []Adjustment
	for _, p := range m.ex.GetPositions() {
		a, err := m.AssessPositionRisk(p.Symbol)
		if err != nil {
			continue
		}
		adj := Adjustment{Symbol: p.Symbol, CurrentSize: p.Size, HeatLevel: a.HeatLevel, Health: a.Health}
		if a.Health == "danger" {
			adj.Actions = append(adj.Actions, Action{"close", "position health is danger", "high"})
		} else if a.HeatLevel >= 4 {
			adj.Actions = append(adj.Actions, Action{"reduce", "heat level is high", "high"})
		}
		if a.MAERatio > 0.03 {
			adj.Actions = append(adj.Actions, Action{"tighten_stop", "adverse excursion above 3%", "medium"})
		}
		if a.HoldingHours > 72 {
			adj.Actions = append(adj.Actions, Action{"review", "held for more than three days", "low"})
		}
		if len(adj.Actions) > 0 {
			out = append(out, adj)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// SetRiskLevel switches the sizing profile.
func (m *Manager) SetRiskLevel(level int, reason string) error {
	if _, ok := Levels[level]; !ok {
		return ErrInvalidLevel
	}
	m.mu.Lock()
	old := m.level
	m.level = level
	m.mu.Unlock()
	m.logger.Info("position risk level changed", zap.Int("from", old), zap.Int("to", level), zap.String("reason", reason))
	return nil
}

// RiskLevel returns the active sizing profile.
func (m *Manager) RiskLevel() RiskLevel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Levels[m.level]
}

// PositionMetrics returns the tracker for symbol.
func (m *Manager) PositionMetrics(symbol string) (Metrics, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	met, ok := m.metrics[symbol]
	if !ok {
		return Metrics{}, false
	}
	return *met, true
}

func ratio(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return a / b
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

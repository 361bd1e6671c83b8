package position

import (
	"time"

	"vpa-trader/internal/exchange"
)

// RiskLevel is one of the five sizing profiles.
type RiskLevel struct {
	Level              int     `json:"level"`
	Name               string  `json:"name"`
	MaxPositionPercent float64 `json:"max_position_percent"`
	MaxLeverage        float64 `json:"max_leverage"`
	StopLossPercent    float64 `json:"stop_loss_percent"`
	Description        string  `json:"description"`
}

// Levels are the sizing profiles keyed by level. StopLossPercent doubles as
// the default risk per trade. The medium level caps notional at the whole
// available balance so a 2% risk trade with a tight stop (10000 balance,
// 60 per unit at risk, 3.333 units) is sized by risk, not by the cap; the
// other levels keep tight notional caps.
var Levels = map[int]RiskLevel{
	1: {1, "minimal", 0.01, 2, 0.005, "extreme uncertainty"},
	2: {2, "low", 0.02, 5, 0.01, "unclear trend"},
	3: {3, "medium", 1.00, 10, 0.02, "normal conditions"},
	4: {4, "high", 0.08, 15, 0.03, "strong trend"},
	5: {5, "maximum", 0.10, 20, 0.05, "breakout opportunity"},
}

const DefaultLevel = 3

// SizeRequest asks for a risk-based position size. RiskPercent zero uses the
// level default; a nil AIConfidence leaves the risk unscaled.
type SizeRequest struct {
	Symbol       string   `json:"symbol"`
	EntryPrice   float64  `json:"entry_price"`
	StopLoss     float64  `json:"stop_loss"`
	RiskPercent  float64  `json:"risk_percent,omitempty"`
	AIConfidence *float64 `json:"ai_confidence,omitempty"`
}

// SizeResult is the sizing breakdown. Err is set for invalid input.
type SizeResult struct {
	RecommendedSize      float64  `json:"recommended_size"`
	MaxSizeByRisk        float64  `json:"max_size_by_risk"`
	BaseSize             float64  `json:"base_size"`
	RiskAmount           float64  `json:"risk_amount"`
	RiskPerUnit          float64  `json:"risk_per_unit"`
	StreakAdjustment     float64  `json:"streak_adjustment"`
	RiskPercent          float64  `json:"risk_percent"`
	PositionValue        float64  `json:"position_value"`
	MaxLeverage          float64  `json:"max_leverage"`
	AIConfidence         *float64 `json:"ai_confidence,omitempty"`
	ConfidenceMultiplier float64  `json:"confidence_multiplier"`
	Error                string   `json:"error,omitempty"`
	Err                  error    `json:"-"`
}

// Metrics tracks excursions for one open position.
type Metrics struct {
	Symbol           string        `json:"symbol"`
	EntryTime        time.Time     `json:"entry_time"`
	EntryPrice       float64       `json:"entry_price"`
	HoldingDuration  time.Duration `json:"holding_duration"`
	MFE              float64       `json:"max_favorable_excursion"`
	MAE              float64       `json:"max_adverse_excursion"`
	PeakUnrealized   float64       `json:"peak_unrealized_pnl"`
	DrawdownFromPeak float64       `json:"drawdown_from_peak"`
	HeatLevel        int           `json:"heat_level"`
	RealizedPnL      float64       `json:"realized_pnl"`
}

// Assessment is the risk view of one position.
type Assessment struct {
	Symbol           string            `json:"symbol"`
	Position         exchange.Position `json:"position_info"`
	HeatLevel        int               `json:"heat_level"`
	RiskRatio        float64           `json:"risk_ratio"`
	MAERatio         float64           `json:"mae_ratio"`
	MFERatio         float64           `json:"mfe_ratio"`
	HoldingHours     float64           `json:"holding_time_hours"`
	DrawdownFromPeak float64           `json:"drawdown_from_peak"`
	Health           string            `json:"position_health"`
	Recommendations  []string          `json:"recommendations"`
	Metrics          Metrics           `json:"metrics"`
}

// SymbolRisk is one position's share of portfolio risk.
type SymbolRisk struct {
	MarginRatio float64 `json:"margin_ratio"`
	PnL         float64 `json:"pnl"`
	HeatLevel   int     `json:"heat_level"`
}

// PortfolioRisk aggregates risk across open positions.
type PortfolioRisk struct {
	TotalRiskRatio    float64               `json:"total_risk_ratio"`
	PnLRatio          float64               `json:"pnl_ratio"`
	MarginUtilization float64               `json:"margin_utilization"`
	PositionsCount    int                   `json:"position_count"`
	PerSymbol         map[string]SymbolRisk `json:"position_risks"`
	Health            string                `json:"overall_health"`
	Recommendations   []string              `json:"recommendations"`
}

// Action is one suggested change to a position.
type Action struct {
	Action  string `json:"action"`
	Reason  string `json:"reason"`
	Urgency string `json:"urgency"`
}

// Adjustment collects suggestions for one position.
type Adjustment struct {
	Symbol      string   `json:"symbol"`
	CurrentSize float64  `json:"current_size"`
	HeatLevel   int      `json:"heat_level"`
	Health      string   `json:"health"`
	Actions     []Action `json:"actions"`
}

// ClosedTrade feeds the performance statistics.
type ClosedTrade struct {
	Symbol          string        `json:"symbol"`
	RealizedPnL     float64       `json:"realized_pnl"`
	HoldingDuration time.Duration `json:"holding_duration"`
	ExitReason      string        `json:"exit_reason"`
	ClosedAt        time.Time     `json:"closed_at"`
}

// Performance is the running trade record.
type Performance struct {
	TotalTrades       int           `json:"total_positions"`
	Wins              int           `json:"winning_positions"`
	Losses            int           `json:"losing_positions"`
	ConsecutiveWins   int           `json:"consecutive_wins"`
	ConsecutiveLosses int           `json:"consecutive_losses"`
	CurrentStreak     int           `json:"current_streak"`
	LargestWin        float64       `json:"largest_win"`
	LargestLoss       float64       `json:"largest_loss"`
	TotalPnL          float64       `json:"total_pnl"`
	AvgHoldingTime    time.Duration `json:"avg_holding_time"`
	MaxConcurrent     int           `json:"max_concurrent_positions"`
	WinRate           float64       `json:"win_rate"`
	CurrentBalance    float64       `json:"current_balance"`
	TotalReturnPct    float64       `json:"total_return"`
}

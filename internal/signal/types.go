package signal

import (
	"fmt"
	"strings"
	"time"
)

type Direction string

const (
	Long    Direction = "long"
	Short   Direction = "short"
	Neutral Direction = "neutral"
)

// Strength orders signals from weak to very strong.
type Strength int

const (
	Weak Strength = iota + 1
	Moderate
	Strong
	VeryStrong
)

var strengthNames = map[Strength]string{
	Weak:       "weak",
	Moderate:   "moderate",
	Strong:     "strong",
	VeryStrong: "very_strong",
}

func (s Strength) String() string {
	if n, ok := strengthNames[s]; ok {
		return n
	}
	return fmt.Sprintf("strength(%d)", int(s))
}

// ParseStrength accepts the names produced by String.
func ParseStrength(name string) (Strength, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for s, n := range strengthNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown signal strength %q", name)
}

func (s Strength) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Strength) UnmarshalText(b []byte) error {
	v, err := ParseStrength(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// multiplier scales order size by strength.
func (s Strength) multiplier() float64 {
	switch s {
	case Weak:
		return 0.5
	case Moderate:
		return 0.75
	case VeryStrong:
		return 1.2
	default:
		return 1.0
	}
}

// Mode decides what happens to a signal that passes the quality gate.
type Mode string

const (
	ModeAuto       Mode = "auto"
	ModeConfirm    Mode = "confirm"
	ModeSignalOnly Mode = "signal_only"
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeAuto, ModeConfirm, ModeSignalOnly:
		return m, nil
	default:
		return "", fmt.Errorf("unknown execution mode %q", s)
	}
}

// Action is the outcome of processing one analysis.
type Action string

const (
	ActionLoggedOnly           Action = "logged_only"
	ActionAwaitingConfirmation Action = "awaiting_confirmation"
	ActionExecuted             Action = "executed"
	ActionRejected             Action = "rejected"
	ActionExecutionFailed      Action = "execution_failed"
)

// TradingSignal is the structured intent extracted from analysis text.
type TradingSignal struct {
	ID                string    `json:"signal_id"`
	Time              time.Time `json:"timestamp"`
	Symbol            string    `json:"symbol"`
	Direction         Direction `json:"direction"`
	Strength          Strength  `json:"strength"`
	EntryPrice        *float64  `json:"entry_price"`
	StopLoss          *float64  `json:"stop_loss"`
	TakeProfit        *float64  `json:"take_profit"`
	Confidence        *float64  `json:"confidence"`
	Reasoning         string    `json:"reasoning"`
	MarketPhase       string    `json:"market_phase"`
	VSASignals        []string  `json:"vsa_signals"`
	RiskRewardRatio   *float64  `json:"risk_reward_ratio"`
	RequestedQuantity *float64  `json:"requested_quantity,omitempty"`
	AIDecisionID      string    `json:"ai_decision_id,omitempty"`
}

// ProcessRequest carries one analysis. CurrentPrice zero uses the exchange
// price; an empty AIDecisionID logs a new decision record.
type ProcessRequest struct {
	Text         string  `json:"analysis_text" binding:"required"`
	Symbol       string  `json:"symbol" binding:"required"`
	CurrentPrice float64 `json:"current_price,omitempty"`
	AIDecisionID string  `json:"ai_decision_id,omitempty"`
	ModelUsed    string  `json:"model_used,omitempty"`
	AnalysisType string  `json:"analysis_type,omitempty"`
}

// Quality is the verdict of the quality gate.
type Quality struct {
	Passed bool   `json:"passed"`
	Reason string `json:"reason,omitempty"`
}

// ExecutionResult describes the order submitted for a signal.
type ExecutionResult struct {
	Success        bool    `json:"success"`
	Error          string  `json:"error,omitempty"`
	OrderID        string  `json:"order_id,omitempty"`
	OrderType      string  `json:"order_type,omitempty"`
	GroupID        string  `json:"group_id,omitempty"`
	TradeID        string  `json:"trade_id,omitempty"`
	Quantity       float64 `json:"quantity"`
	Leverage       float64 `json:"leverage,omitempty"`
	ExecutionPrice float64 `json:"execution_price,omitempty"`
	Err            error   `json:"-"`
}

// ProcessResult is returned for every analysis; rejections are results, not
// errors.
type ProcessResult struct {
	Signal    TradingSignal    `json:"signal"`
	Approved  bool             `json:"approved"`
	Action    Action           `json:"action"`
	Reason    string           `json:"reason,omitempty"`
	Execution *ExecutionResult `json:"execution_result,omitempty"`
}

// Settings tune gating and sizing.
type Settings struct {
	Mode                 Mode     `json:"execution_mode"`
	MinStrength          Strength `json:"min_signal_strength"`
	MaxDailyTrades       int      `json:"max_daily_trades"`
	MaxPriceDeviation    float64  `json:"max_price_deviation"`
	MinRiskReward        float64  `json:"min_risk_reward"`
	MarketOrderDeviation float64  `json:"market_order_deviation"`
	MaxPositionSizeRatio float64  `json:"max_position_size_ratio"`
	MinQuantity          float64  `json:"min_quantity"`
	MaxLeverage          float64  `json:"max_leverage"`
}

func DefaultSettings() Settings {
	return Settings{
		Mode:                 ModeConfirm,
		MinStrength:          Moderate,
		MaxDailyTrades:       10,
		MaxPriceDeviation:    0.02,
		MinRiskReward:        1.5,
		MarketOrderDeviation: 0.001,
		MaxPositionSizeRatio: 0.05,
		MinQuantity:          0.001,
		MaxLeverage:          10,
	}
}

// Stats counts signal outcomes since startup.
type Stats struct {
	TotalSignals         int      `json:"total_signals"`
	ExecutedSignals      int      `json:"executed_signals"`
	RejectedSignals      int      `json:"rejected_signals"`
	SuccessfulExecutions int      `json:"successful_executions"`
	FailedExecutions     int      `json:"failed_executions"`
	PendingConfirmations int      `json:"pending_confirmations"`
	ExecutionRate        float64  `json:"execution_rate"`
	SuccessRate          float64  `json:"success_rate"`
	Settings             Settings `json:"current_settings"`
}

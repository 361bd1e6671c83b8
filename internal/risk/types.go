package risk

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"vpa-trader/internal/exchange"
)

// Level is the account-wide risk appetite.
type Level string

const (
	Conservative Level = "conservative"
	Moderate     Level = "moderate"
	Aggressive   Level = "aggressive"
)

// ParseLevel accepts a level name in any case.
func ParseLevel(s string) (Level, error) {
	switch l := Level(strings.ToLower(strings.TrimSpace(s))); l {
	case Conservative, Moderate, Aggressive:
		return l, nil
	default:
		return "", fmt.Errorf("unknown risk level %q", s)
	}
}

// demote returns the next more cautious level.
func (l Level) demote() (Level, bool) {
	switch l {
	case Aggressive:
		return Moderate, true
	case Moderate:
		return Conservative, true
	default:
		return l, false
	}
}

// LevelSettings are the fixed limits of one level.
type LevelSettings struct {
	MaxSingleTradeRisk float64 `json:"max_single_trade_risk"`
	MaxTotalRisk       float64 `json:"max_total_risk"`
	MaxPositions       int     `json:"max_positions"`
	MaxLeverage        float64 `json:"max_leverage"`
	DrawdownLimit      float64 `json:"drawdown_limit"`
}

var Settings = map[Level]LevelSettings{
	Conservative: {0.01, 0.03, 3, 5, 0.05},
	Moderate:     {0.02, 0.06, 5, 10, 0.10},
	Aggressive:   {0.03, 0.10, 8, 20, 0.15},
}

// Limit names.
const (
	LimitSingleTrade   = "single_trade_risk"
	LimitTotalRisk     = "total_risk"
	LimitPositionCount = "position_count"
	LimitLeverage      = "leverage"
	LimitDrawdown      = "drawdown"
	LimitSameSymbol    = "same_symbol"
	LimitEmergencyStop = "emergency_stop"

	drawdownBreach = "drawdown_limit_reached"
)

var limitOrder = []string{LimitSingleTrade, LimitTotalRisk, LimitPositionCount, LimitLeverage, LimitDrawdown}

func limitStatus(name string, current, threshold float64) Status {
	if name == LimitPositionCount || name == LimitLeverage {
		return capStatus(current, threshold)
	}
	return statusFor(current, threshold)
}

// Status is the utilization band of a limit.
type Status string

const (
	StatusSafe     Status = "safe"
	StatusWarning  Status = "warning"
	StatusDanger   Status = "danger"
	StatusCritical Status = "critical"
)

// capStatus bands limits whose threshold is itself an allowed value, such as
// a position count or a leverage cap. Sitting at the cap is only a warning.
func capStatus(current, threshold float64) Status {
	switch {
	case threshold <= 0:
		return StatusSafe
	case current > threshold:
		return StatusCritical
	case current/threshold >= 0.75:
		return StatusWarning
	default:
		return StatusSafe
	}
}

func statusFor(current, threshold float64) Status {
	if threshold <= 0 {
		return StatusSafe
	}
	u := current / threshold
	switch {
	case u >= 1.0:
		return StatusCritical
	case u >= 0.9:
		return StatusDanger
	case u >= 0.75:
		return StatusWarning
	default:
		return StatusSafe
	}
}

// Severity grades an alert.
type Severity string

const (
	SeverityInfo      Severity = "info"
	SeverityWarning   Severity = "warning"
	SeverityCritical  Severity = "critical"
	SeverityEmergency Severity = "emergency"
)

func severityFor(s Status) Severity {
	switch s {
	case StatusWarning:
		return SeverityWarning
	case StatusDanger:
		return SeverityCritical
	case StatusCritical:
		return SeverityEmergency
	default:
		return SeverityInfo
	}
}

func (s Severity) severe() bool {
	return s == SeverityCritical || s == SeverityEmergency
}

func actionFor(s Status) string {
	switch s {
	case StatusCritical:
		return "reduce or close positions immediately"
	case StatusDanger:
		return "consider reducing positions"
	case StatusWarning:
		return "monitor closely"
	default:
		return ""
	}
}

// RiskLimit pairs a threshold with its live value.
type RiskLimit struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Threshold   float64 `json:"threshold"`
	Current     float64 `json:"current"`
	Status      Status  `json:"status"`
	Utilization float64 `json:"utilization"`
}

// RiskAlert is one raised alert. Alerts are never modified after creation.
type RiskAlert struct {
	ID             string    `json:"alert_id"`
	Time           time.Time `json:"timestamp"`
	Severity       Severity  `json:"severity"`
	RiskType       string    `json:"risk_type"`
	Message        string    `json:"message"`
	Current        float64   `json:"current_value"`
	Threshold      float64   `json:"threshold"`
	Symbol         string    `json:"symbol,omitempty"`
	ActionRequired string    `json:"action_required,omitempty"`
}

var (
	ErrEmergencyStopActive = errors.New("emergency stop active, new positions are suspended")
	ErrInvalidConfirmation = errors.New("emergency stop reset requires confirmation CONFIRM_RESET")
)

// ResetConfirmation must be passed to ResetEmergencyStop.
const ResetConfirmation = "CONFIRM_RESET"

// RiskRejection names the limit that blocked a new position.
type RiskRejection struct {
	Limit     string  `json:"limit"`
	Current   float64 `json:"current"`
	Threshold float64 `json:"threshold"`
	Reason    string  `json:"reason"`
}

func (r *RiskRejection) Error() string { return r.Reason }

func (r *RiskRejection) Unwrap() error {
	if r.Limit == LimitEmergencyStop {
		return ErrEmergencyStopActive
	}
	return nil
}

// CheckRequest describes a prospective position. Zero StopLoss or Size means
// unknown.
type CheckRequest struct {
	Symbol     string        `json:"symbol"`
	Side       exchange.Side `json:"side"`
	EntryPrice float64       `json:"entry_price"`
	StopLoss   float64       `json:"stop_loss,omitempty"`
	Size       float64       `json:"size,omitempty"`
}

// Decision is the pre-trade verdict.
type Decision struct {
	Approved           bool           `json:"approved"`
	Reason             string         `json:"reason,omitempty"`
	Rejection          *RiskRejection `json:"rejection,omitempty"`
	RiskRatio          float64        `json:"risk_ratio"`
	ProjectedTotalRisk float64        `json:"projected_total_risk"`
	Recommendations    []string       `json:"recommendations,omitempty"`
}

// Summary is the result of one monitoring pass.
type Summary struct {
	Time            time.Time            `json:"timestamp"`
	Level           Level                `json:"risk_level"`
	EmergencyStop   bool                 `json:"emergency_stop"`
	Limits          map[string]RiskLimit `json:"risk_checks"`
	Alerts          []RiskAlert          `json:"alerts"`
	Recommendations []string             `json:"recommendations"`
	Actions         []string             `json:"actions,omitempty"`
}

// StopResult reports an emergency stop request.
type StopResult struct {
	AlreadyActive   bool      `json:"already_active"`
	Reason          string    `json:"reason"`
	PositionsClosed []string  `json:"positions_closed"`
	Time            time.Time `json:"timestamp"`
}

// Stats counts risk activity since startup.
type Stats struct {
	TotalRiskEvents    int       `json:"total_risk_events"`
	EmergencyStops     int       `json:"emergency_stops"`
	LevelChanges       int       `json:"risk_level_changes"`
	MaxDrawdownReached float64   `json:"max_drawdown_reached"`
	Violations         int       `json:"violations_count"`
	LastCheck          time.Time `json:"last_risk_check"`
}

// AccountStatus is the account slice shown in reports.
type AccountStatus struct {
	TotalBalance     float64 `json:"total_balance"`
	AvailableBalance float64 `json:"available_balance"`
	MarginUsed       float64 `json:"margin_used"`
	UnrealizedPnL    float64 `json:"unrealized_pnl"`
	PositionsCount   int     `json:"positions_count"`
}

// PerformanceImpact summarizes trade results alongside risk.
type PerformanceImpact struct {
	WinRate           float64 `json:"win_rate"`
	TotalPnL          float64 `json:"total_pnl"`
	ConsecutiveLosses int     `json:"consecutive_losses"`
}

// Report is the full risk view for dashboards.
type Report struct {
	Time          time.Time         `json:"report_time"`
	Account       AccountStatus     `json:"account_status"`
	Level         Level             `json:"risk_level"`
	Settings      LevelSettings     `json:"settings"`
	Current       Summary           `json:"current_risks"`
	RecentAlerts  []RiskAlert       `json:"recent_alerts"`
	Stats         Stats             `json:"risk_statistics"`
	EmergencyStop bool              `json:"emergency_stop"`
	Performance   PerformanceImpact `json:"performance_impact"`
}

// LevelChange is published when the level moves.
type LevelChange struct {
	From   Level  `json:"from"`
	To     Level  `json:"to"`
	Reason string `json:"reason"`
}

// StopEvent is published when the emergency stop is set or cleared.
type StopEvent struct {
	Active          bool      `json:"active"`
	Reason          string    `json:"reason"`
	PositionsClosed []string  `json:"positions_closed,omitempty"`
	Time            time.Time `json:"timestamp"`
}

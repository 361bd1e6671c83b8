package db

import "time"

// TradeRecord is one journaled trade from entry to exit.
type TradeRecord struct {
	ID           string     `json:"id"`
	Symbol       string     `json:"symbol"`
	Side         string     `json:"side"`
	Quantity     float64    `json:"quantity"`
	EntryPrice   float64    `json:"entry_price"`
	ExitPrice    *float64   `json:"exit_price,omitempty"`
	Leverage     float64    `json:"leverage"`
	Strategy     string     `json:"strategy"`
	AIDecisionID string     `json:"ai_decision_id,omitempty"`
	RealizedPnL  float64    `json:"realized_pnl"`
	ExitReason   string     `json:"exit_reason,omitempty"`
	Status       string     `json:"status"`
	EntryTime    time.Time  `json:"entry_time"`
	ExitTime     *time.Time `json:"exit_time,omitempty"`
}

// AIDecision is the raw analysis text plus what was extracted from it.
type AIDecision struct {
	ID              string    `json:"id"`
	Symbol          string    `json:"symbol"`
	ModelUsed       string    `json:"model_used"`
	AnalysisType    string    `json:"analysis_type"`
	RawAnalysis     string    `json:"raw_analysis"`
	ExtractedSignal string    `json:"extracted_signal"`
	Confidence      *float64  `json:"confidence,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// RiskEvent records level changes, emergency stops and resets.
type RiskEvent struct {
	ID          string    `json:"id"`
	EventType   string    `json:"event_type"`
	Severity    string    `json:"severity"`
	Description string    `json:"description"`
	ActionTaken string    `json:"action_taken"`
	CreatedAt   time.Time `json:"created_at"`
}

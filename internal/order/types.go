package order

import (
	"time"

	"vpa-trader/internal/exchange"
	"vpa-trader/internal/monitor"
)

// ConditionType is what makes a conditional order fire.
type ConditionType string

const (
	StopLoss     ConditionType = "stop_loss"
	TakeProfit   ConditionType = "take_profit"
	TrailingStop ConditionType = "trailing_stop"
)

// origin maps a condition to the exit reason carried on the resulting fill.
func (c ConditionType) origin() string {
	switch c {
	case StopLoss:
		return exchange.OriginStopLoss
	case TakeProfit:
		return exchange.OriginTakeProfit
	default:
		return exchange.OriginTrailingStop
	}
}

// ConditionalOrder is held by the manager and submitted to the exchange as
// a market order once its condition is met. Side is the exit side: a sell
// protects a long, a buy protects a short.
type ConditionalOrder struct {
	ID            string             `json:"order_id"`
	Symbol        string             `json:"symbol"`
	Side          exchange.Side      `json:"side"`
	Type          exchange.OrderType `json:"order_type"`
	Quantity      float64            `json:"quantity"`
	ConditionType ConditionType      `json:"condition_type"`
	TriggerPrice  float64            `json:"trigger_price"`
	TrailAmount   float64            `json:"trail_amount,omitempty"`
	BestPrice     float64            `json:"best_price,omitempty"`
	ParentOrderID string             `json:"parent_order_id,omitempty"`
	GroupID       string             `json:"group_id,omitempty"`
	Active        bool               `json:"is_active"`
	CreatedAt     time.Time          `json:"created_at"`
	TriggeredAt   *time.Time         `json:"triggered_at,omitempty"`
	ResultOrderID string             `json:"result_order_id,omitempty"`
}

// GroupType is bracket or OCO.
type GroupType string

const (
	Bracket GroupType = "bracket"
	OCO     GroupType = "oco"
)

// OrderGroup ties conditional children together; when one fires the rest
// are cancelled.
type OrderGroup struct {
	ID            string    `json:"group_id"`
	ParentOrderID string    `json:"parent_order_id,omitempty"`
	ChildOrderIDs []string  `json:"child_orders"`
	Type          GroupType `json:"type"`
	Active        bool      `json:"is_active"`
	CreatedAt     time.Time `json:"created_at"`
}

// MarketOrderRequest is an entry with an optional protective bracket.
// Zero StopLoss/TakeProfit means none.
type MarketOrderRequest struct {
	Symbol     string        `json:"symbol"`
	Side       exchange.Side `json:"side"`
	Quantity   float64       `json:"quantity"`
	StopLoss   float64       `json:"stop_loss,omitempty"`
	TakeProfit float64       `json:"take_profit,omitempty"`
	Leverage   float64       `json:"leverage,omitempty"`
	Origin     string        `json:"origin,omitempty"`
}

// LimitOrderRequest is a resting entry. Its bracket is installed when it fills.
type LimitOrderRequest struct {
	MarketOrderRequest
	Price float64 `json:"price"`
}

// BracketResult reports the entry and any children created for it.
type BracketResult struct {
	Entry        exchange.PlaceResult `json:"entry"`
	GroupID      string               `json:"group_id,omitempty"`
	StopLossID   string               `json:"stop_loss_id,omitempty"`
	TakeProfitID string               `json:"take_profit_id,omitempty"`
	// BracketPending is set for limit entries whose children wait for the fill.
	BracketPending bool `json:"bracket_pending,omitempty"`
}

// OK reports whether the entry was accepted.
func (r BracketResult) OK() bool { return r.Entry.Accepted }

// TriggerEvent is published when a conditional order fires.
type TriggerEvent struct {
	Order  ConditionalOrder     `json:"order"`
	Price  float64              `json:"price"`
	Result exchange.PlaceResult `json:"result"`
}

// HistoryRecord is one order placement seen by the manager.
type HistoryRecord struct {
	Time          time.Time            `json:"timestamp"`
	Result        exchange.PlaceResult `json:"order_result"`
	ExecutionTime time.Duration        `json:"execution_time"`
}

// Stats summarizes manager activity. AvgExecutionTime is in milliseconds.
type Stats struct {
	TotalOrders       int                  `json:"total_orders"`
	SuccessfulOrders  int                  `json:"successful_orders"`
	FailedOrders      int                  `json:"failed_orders"`
	CancelledOrders   int                  `json:"cancelled_orders"`
	AvgExecutionTime  float64              `json:"avg_execution_time"`
	Latency           monitor.LatencyStats `json:"latency"`
	ActiveConditional int                  `json:"conditional_orders_count"`
	ActiveGroups      int                  `json:"order_groups_count"`
	HistoryRecords    int                  `json:"total_history_records"`
	QueuedTriggers    int                  `json:"queued_triggers"`
}

// ActiveOrders is everything still working.
type ActiveOrders struct {
	ExchangeOrders    []exchange.Order   `json:"exchange_orders"`
	ConditionalOrders []ConditionalOrder `json:"conditional_orders"`
	OrderGroups       []OrderGroup       `json:"order_groups"`
}

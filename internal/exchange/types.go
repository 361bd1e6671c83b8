package exchange

import "time"

// Side is the direction of an order.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Opposite returns the side that reduces a position opened by s.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Valid reports whether s is a known side.
func (s Side) Valid() bool { return s == Buy || s == Sell }

// OrderType enumerates supported order types.
type OrderType string

const (
	Market     OrderType = "market"
	Limit      OrderType = "limit"
	StopMarket OrderType = "stop_market"
	StopLimit  OrderType = "stop_limit"
)

func (t OrderType) needsPrice() bool     { return t == Limit || t == StopLimit }
func (t OrderType) needsStopPrice() bool { return t == StopMarket || t == StopLimit }

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	StatusPending       OrderStatus = "pending"
	StatusFilled        OrderStatus = "filled"
	StatusPartialFilled OrderStatus = "partial_filled"
	StatusCancelled     OrderStatus = "cancelled"
	StatusExpired       OrderStatus = "expired"
	StatusRejected      OrderStatus = "rejected"
)

// Terminal reports whether no further transition is possible.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusExpired, StatusRejected:
		return true
	}
	return false
}

// PositionSide is long or short.
type PositionSide string

const (
	Long  PositionSide = "long"
	Short PositionSide = "short"
)

// PositionSideFor maps an opening order side to the position it creates.
func PositionSideFor(s Side) PositionSide {
	if s == Buy {
		return Long
	}
	return Short
}

// CloseSide returns the order side that reduces a position of side p.
func CloseSide(p PositionSide) Side {
	if p == Long {
		return Sell
	}
	return Buy
}

// Order origins carried from the caller into fills, used as exit reasons.
const (
	OriginManual        = "manual"
	OriginSignal        = "signal"
	OriginStopLoss      = "stop_loss"
	OriginTakeProfit    = "take_profit"
	OriginTrailingStop  = "trailing_stop"
	OriginLiquidation   = "liquidation"
	OriginEmergencyStop = "emergency_stop"
)

// Order is a single exchange order. Price and StopPrice are zero when unset.
type Order struct {
	ID             string      `json:"order_id"`
	Symbol         string      `json:"symbol"`
	Side           Side        `json:"side"`
	Type           OrderType   `json:"order_type"`
	Quantity       float64     `json:"quantity"`
	Price          float64     `json:"price,omitempty"`
	StopPrice      float64     `json:"stop_price,omitempty"`
	Leverage       float64     `json:"leverage"`
	Status         OrderStatus `json:"status"`
	FilledQuantity float64     `json:"filled_quantity"`
	AvgFillPrice   float64     `json:"avg_fill_price"`
	Fees           float64     `json:"fees"`
	RejectReason   string      `json:"reject_reason,omitempty"`
	Origin         string      `json:"origin,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	FilledAt       *time.Time  `json:"filled_at,omitempty"`

	armed bool
	seq   uint64
}

// Remaining is the unfilled quantity.
func (o Order) Remaining() float64 { return o.Quantity - o.FilledQuantity }

// Position is the single net position held for a symbol.
type Position struct {
	Symbol        string       `json:"symbol"`
	Side          PositionSide `json:"side"`
	Size          float64      `json:"size"`
	AvgEntryPrice float64      `json:"avg_entry_price"`
	Leverage      float64      `json:"leverage"`
	MarginUsed    float64      `json:"margin_used"`
	UnrealizedPnL float64      `json:"unrealized_pnl"`
	RealizedPnL   float64      `json:"realized_pnl"`
	CurrentPrice  float64      `json:"current_price,omitempty"`
	OpenedAt      time.Time    `json:"opened_at"`
}

// PnLAt returns the unrealized PnL of the position marked at price.
func (p Position) PnLAt(price float64) float64 {
	return pnlPerUnit(p.Side, p.AvgEntryPrice, price) * p.Size
}

// AccountInfo is the read-only account summary.
type AccountInfo struct {
	InitialBalance    float64 `json:"initial_balance"`
	TotalBalance      float64 `json:"total_balance"`
	AvailableBalance  float64 `json:"available_balance"`
	MarginUsed        float64 `json:"margin_used"`
	UnrealizedPnL     float64 `json:"unrealized_pnl"`
	TotalPnL          float64 `json:"total_pnl"`
	TotalTrades       int     `json:"total_trades"`
	TotalFees         float64 `json:"total_fees"`
	PositionsCount    int     `json:"positions_count"`
	ActiveOrdersCount int     `json:"active_orders_count"`
}

// Equity is balance plus unrealized PnL.
func (a AccountInfo) Equity() float64 { return a.TotalBalance + a.UnrealizedPnL }

// PriceFreshness summarises the price book.
type PriceFreshness struct {
	Symbols int      `json:"symbols"`
	Stale   []string `json:"stale"`
}

// PlaceRequest describes a new order. Leverage 0 uses the exchange default.
type PlaceRequest struct {
	Symbol    string    `json:"symbol"`
	Side      Side      `json:"side"`
	Type      OrderType `json:"order_type"`
	Quantity  float64   `json:"quantity"`
	Price     float64   `json:"price,omitempty"`
	StopPrice float64   `json:"stop_price,omitempty"`
	Leverage  float64   `json:"leverage,omitempty"`
	Origin    string    `json:"origin,omitempty"`
}

// PlaceResult is returned for every placement, accepted or not.
type PlaceResult struct {
	OrderID  string `json:"order_id"`
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
	Order    Order  `json:"order"`
	Err      error  `json:"-"`
}

// Fill describes one execution and its effect on the position.
type Fill struct {
	OrderID        string       `json:"order_id"`
	Symbol         string       `json:"symbol"`
	Side           Side         `json:"side"`
	Type           OrderType    `json:"order_type"`
	Quantity       float64      `json:"quantity"`
	Price          float64      `json:"price"`
	Fee            float64      `json:"fee"`
	RealizedPnL    float64      `json:"realized_pnl"`
	ClosedQuantity float64      `json:"closed_quantity"`
	ClosedSide     PositionSide `json:"closed_side,omitempty"`
	PositionClosed bool         `json:"position_closed"`
	Opened         bool         `json:"opened"`
	Origin         string       `json:"origin,omitempty"`
	Time           time.Time    `json:"time"`
}

// FillListener is notified after each fill, outside the exchange lock.
type FillListener func(Fill)

// Liquidation is published when a position is force-closed.
type Liquidation struct {
	Symbol      string  `json:"symbol"`
	Price       float64 `json:"price"`
	MarginRatio float64 `json:"margin_ratio"`
	Size        float64 `json:"size"`
}

package events

// Event enumerates high-level topics inside the trading engine.
type Event string

const (
	EventPriceTick            Event = "price_tick"
	EventOrderFilled          Event = "order_filled"
	EventOrderCancelled       Event = "order_cancelled"
	EventOrderRejected        Event = "order_rejected"
	EventConditionalTriggered Event = "conditional_triggered"
	EventPositionLiquidated   Event = "position_liquidated"
	EventRiskAlert            Event = "risk_alert"
	EventEmergencyStop        Event = "emergency_stop"
	EventRiskLevelChanged     Event = "risk_level_changed"
	EventSignalProcessed      Event = "signal_processed"
)

// All lists every topic, used by forwarders that mirror the whole bus.
var All = []Event{
	EventPriceTick,
	EventOrderFilled,
	EventOrderCancelled,
	EventOrderRejected,
	EventConditionalTriggered,
	EventPositionLiquidated,
	EventRiskAlert,
	EventEmergencyStop,
	EventRiskLevelChanged,
	EventSignalProcessed,
}

// PriceTick is published for every accepted market price update.
type PriceTick struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
	Time   int64   `json:"time"`
}

// Envelope wraps a payload with its topic for transports that carry mixed events.
type Envelope struct {
	Topic   Event `json:"topic"`
	Payload any   `json:"payload"`
}

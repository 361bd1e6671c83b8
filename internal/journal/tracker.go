package journal

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"vpa-trader/internal/events"
	"vpa-trader/internal/exchange"
)

type openTrade struct {
	id       string
	orderID  string
	realized float64
}

// Tracker binds each open position to its trade record and closes the record
// when a fill flattens the position. It wraps a Sink and is itself one, so
// entries logged through it are bound to their symbol.
type Tracker struct {
	sink   Sink
	logger *zap.Logger

	mu   sync.Mutex
	open map[string]*openTrade
}

func NewTracker(sink Sink, logger *zap.Logger) *Tracker {
	if sink == nil {
		sink = Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{sink: sink, logger: logger.Named("trade_tracker"), open: make(map[string]*openTrade)}
}

func (t *Tracker) LogTradeEntry(e TradeEntry) string {
	id := t.sink.LogTradeEntry(e)
	t.mu.Lock()
	t.open[e.Symbol] = &openTrade{id: id, orderID: e.OrderID}
	t.mu.Unlock()
	return id
}

func (t *Tracker) LogTradeExit(e TradeExit) { t.sink.LogTradeExit(e) }

func (t *Tracker) LogRiskEvent(eventType, severity, description, actionTaken string) {
	t.sink.LogRiskEvent(eventType, severity, description, actionTaken)
}

func (t *Tracker) LogAIDecision(d Decision) string { return t.sink.LogAIDecision(d) }

// TradeID returns the open trade bound to symbol.
func (t *Tracker) TradeID(symbol string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ot, ok := t.open[symbol]
	if !ok {
		return "", false
	}
	return ot.id, true
}

// OnFill is registered as an exchange fill listener. Signal entries are
// logged by the signal executor, every other opening fill gets its own record
// here.
func (t *Tracker) OnFill(f exchange.Fill) {
	var exit *TradeExit
	t.mu.Lock()
	ot, tracked := t.open[f.Symbol]
	if tracked && f.ClosedQuantity > 0 {
		ot.realized += f.RealizedPnL
		if f.PositionClosed {
			exit = &TradeExit{TradeID: ot.id, ExitPrice: f.Price, RealizedPnL: ot.realized, ExitReason: exitReason(f.Origin)}
			delete(t.open, f.Symbol)
			tracked = false
		}
	}
	t.mu.Unlock()

	if exit != nil {
		t.sink.LogTradeExit(*exit)
	}
	if f.Opened && !tracked && f.Origin != exchange.OriginSignal {
		side := string(exchange.PositionSideFor(f.Side))
		t.LogTradeEntry(TradeEntry{
			Symbol:     f.Symbol,
			Side:       side,
			Quantity:   f.Quantity - f.ClosedQuantity,
			EntryPrice: f.Price,
			Strategy:   f.Origin,
		})
	}
	if exit != nil {
		t.logger.Info("trade closed",
			zap.String("trade_id", exit.TradeID),
			zap.String("symbol", f.Symbol),
			zap.Float64("realized_pnl", exit.RealizedPnL),
			zap.String("exit_reason", exit.ExitReason))
	}
}

// OnOrderCancelled releases the trade bound to a cancelled entry order that
// never filled, so the next opening fill on the symbol gets its own record.
func (t *Tracker) OnOrderCancelled(o exchange.Order) {
	if o.FilledQuantity > 0 {
		return
	}
	t.mu.Lock()
	ot, ok := t.open[o.Symbol]
	if !ok || ot.orderID == "" || ot.orderID != o.ID {
		t.mu.Unlock()
		return
	}
	delete(t.open, o.Symbol)
	t.mu.Unlock()

	t.sink.LogTradeExit(TradeExit{TradeID: ot.id, ExitPrice: o.Price, ExitReason: "cancelled"})
	t.logger.Info("trade entry cancelled",
		zap.String("trade_id", ot.id),
		zap.String("order_id", o.ID),
		zap.String("symbol", o.Symbol))
}

// Follow feeds order cancellations from bus to OnOrderCancelled until ctx
// is done.
func (t *Tracker) Follow(ctx context.Context, bus *events.Bus) error {
	ch, unsub := bus.Subscribe(events.EventOrderCancelled, 64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if o, ok := msg.(exchange.Order); ok {
				t.OnOrderCancelled(o)
			}
		}
	}
}

func exitReason(origin string) string {
	switch origin {
	case exchange.OriginStopLoss, exchange.OriginTrailingStop:
		return "stop_loss"
	case exchange.OriginTakeProfit:
		return "take_profit"
	case exchange.OriginLiquidation:
		return "liquidation"
	case exchange.OriginEmergencyStop:
		return "emergency_stop"
	default:
		return "manual"
	}
}

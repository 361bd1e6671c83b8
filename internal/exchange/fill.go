package exchange

import (
	"math"
	"time"
)

const qtyEpsilon = 1e-9

// fillEffect is what a fill did to the symbol's position.
type fillEffect struct {
	realized   float64
	closedQty  float64
	closedSide PositionSide
	closed     bool
	opened     bool
}

func pnlPerUnit(side PositionSide, entry, price float64) float64 {
	if side == Long {
		return price - entry
	}
	return entry - price
}

// applyFill merges qty at price into the position for symbol. Caller holds e.mu.
//
// Same side adds at the notional-weighted average. The opposite side reduces,
// closes or reverses; realized PnL is credited to the balance and margin is
// released pro-rata. Fees are charged by the caller.
func (e *Exchange) applyFill(symbol string, side Side, qty, price, leverage float64, now time.Time) fillEffect {
	newSide := PositionSideFor(side)
	pos, ok := e.positions[symbol]
	if !ok {
		e.openPosition(symbol, newSide, qty, price, leverage, now)
		return fillEffect{opened: true}
	}

	if pos.Side == newSide {
		notional := pos.Size*pos.AvgEntryPrice + qty*price
		pos.Size += qty
		pos.AvgEntryPrice = notional / pos.Size
		pos.MarginUsed += qty * price / pos.Leverage
		e.markLocked(symbol)
		return fillEffect{}
	}

	eff := fillEffect{closedSide: pos.Side}
	switch {
	case pos.Size-qty > qtyEpsilon:
		ratio := qty / pos.Size
		eff.realized = pnlPerUnit(pos.Side, pos.AvgEntryPrice, price) * qty
		eff.closedQty = qty
		pos.Size -= qty
		pos.MarginUsed *= 1 - ratio
		pos.RealizedPnL += eff.realized
		e.markLocked(symbol)

	case math.Abs(pos.Size-qty) <= qtyEpsilon:
		eff.realized = pnlPerUnit(pos.Side, pos.AvgEntryPrice, price) * pos.Size
		eff.closedQty = pos.Size
		eff.closed = true
		delete(e.positions, symbol)

	default:
		eff.realized = pnlPerUnit(pos.Side, pos.AvgEntryPrice, price) * pos.Size
		eff.closedQty = pos.Size
		eff.closed = true
		eff.opened = true
		remainder := qty - pos.Size
		delete(e.positions, symbol)
		e.openPosition(symbol, newSide, remainder, price, leverage, now)
	}

	e.balance += eff.realized
	e.totalPnL += eff.realized
	return eff
}

func (e *Exchange) openPosition(symbol string, side PositionSide, qty, price, leverage float64, now time.Time) {
	e.positions[symbol] = &Position{
		Symbol:        symbol,
		Side:          side,
		Size:          qty,
		AvgEntryPrice: price,
		Leverage:      leverage,
		MarginUsed:    qty * price / leverage,
		OpenedAt:      now,
	}
	e.markLocked(symbol)
}

// markLocked refreshes unrealized PnL from the last known price.
func (e *Exchange) markLocked(symbol string) {
	pos, ok := e.positions[symbol]
	if !ok {
		return
	}
	price, ok := e.prices.Get(symbol)
	if !ok {
		return
	}
	pos.CurrentPrice = price
	pos.UnrealizedPnL = pos.PnLAt(price)
}

// openingQuantity is the part of an order that adds exposure and therefore
// needs new margin. Reducing fills release margin instead.
func (e *Exchange) openingQuantity(symbol string, side Side, qty float64) float64 {
	pos, ok := e.positions[symbol]
	if !ok || pos.Side == PositionSideFor(side) {
		return qty
	}
	return math.Max(0, qty-pos.Size)
}

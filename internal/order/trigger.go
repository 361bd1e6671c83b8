package order

import "vpa-trader/internal/exchange"

// stopLossHit: a sell stop protects a long and fires at or below the trigger.
func stopLossHit(side exchange.Side, trigger, price float64) bool {
	if side == exchange.Sell {
		return price <= trigger
	}
	return price >= trigger
}

// takeProfitHit: a sell target exits a long at or above the trigger.
func takeProfitHit(side exchange.Side, trigger, price float64) bool {
	if side == exchange.Sell {
		return price >= trigger
	}
	return price <= trigger
}

// evaluate reports whether c fires at price. For trailing stops a new best
// price ratchets the trigger and never fires on the same tick; the best price
// only moves in the favorable direction. Caller holds the manager lock.
func (c *ConditionalOrder) evaluate(price float64) bool {
	switch c.ConditionType {
	case StopLoss:
		return stopLossHit(c.Side, c.TriggerPrice, price)
	case TakeProfit:
		return takeProfitHit(c.Side, c.TriggerPrice, price)
	case TrailingStop:
		if c.Side == exchange.Sell {
			if price > c.BestPrice {
				c.BestPrice = price
				c.TriggerPrice = price - c.TrailAmount
				return false
			}
			return price <= c.TriggerPrice
		}
		if price < c.BestPrice {
			c.BestPrice = price
			c.TriggerPrice = price + c.TrailAmount
			return false
		}
		return price >= c.TriggerPrice
	}
	return false
}

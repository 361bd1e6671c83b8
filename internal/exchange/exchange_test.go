package exchange

import (
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frictionless() Config {
	return Config{InitialBalance: 10000, DefaultLeverage: 10}
}

func newTestExchange(t *testing.T, cfg Config) *Exchange {
	t.Helper()
	ex := New(cfg, nil, nil, nil)
	ex.UpdateMarketPrice("ETHUSDT", 3000)
	return ex
}

func market(side Side, qty float64) PlaceRequest {
	return PlaceRequest{Symbol: "ETHUSDT", Side: side, Type: Market, Quantity: qty}
}

func assertMarginInvariant(t *testing.T, ex *Exchange) {
	t.Helper()
	for _, p := range ex.GetPositions() {
		assert.InDelta(t, p.Size*p.AvgEntryPrice/p.Leverage, p.MarginUsed, 1e-6, p.Symbol)
	}
}

func TestPlaceOrderValidation(t *testing.T) {
	ex := newTestExchange(t, frictionless())

	tests := []struct {
		name   string
		req    PlaceRequest
		reason string
	}{
		{"zero quantity", PlaceRequest{Symbol: "ETHUSDT", Side: Buy, Type: Market}, ReasonInvalidQuantity},
		{"negative quantity", PlaceRequest{Symbol: "ETHUSDT", Side: Buy, Type: Market, Quantity: -1}, ReasonInvalidQuantity},
		{"limit without price", PlaceRequest{Symbol: "ETHUSDT", Side: Buy, Type: Limit, Quantity: 1}, ReasonMissingPrice},
		{"stop without stop price", PlaceRequest{Symbol: "ETHUSDT", Side: Sell, Type: StopMarket, Quantity: 1}, ReasonMissingStopPrice},
		{"stop limit without price", PlaceRequest{Symbol: "ETHUSDT", Side: Sell, Type: StopLimit, Quantity: 1, StopPrice: 2900}, ReasonMissingPrice},
		{"unknown symbol", PlaceRequest{Symbol: "DOGEUSDT", Side: Buy, Type: Market, Quantity: 1}, "no price for DOGEUSDT"},
		{"nan quantity", PlaceRequest{Symbol: "ETHUSDT", Side: Buy, Type: Market, Quantity: math.NaN()}, ReasonInvalidQuantity},
		{"infinite quantity", PlaceRequest{Symbol: "ETHUSDT", Side: Buy, Type: Market, Quantity: math.Inf(1)}, ReasonInvalidQuantity},
		{"nan limit price", PlaceRequest{Symbol: "ETHUSDT", Side: Buy, Type: Limit, Quantity: 1, Price: math.NaN()}, ReasonMissingPrice},
		{"infinite stop price", PlaceRequest{Symbol: "ETHUSDT", Side: Sell, Type: StopMarket, Quantity: 1, StopPrice: math.Inf(1)}, ReasonMissingStopPrice},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := ex.PlaceOrder(tt.req)
			assert.False(t, res.Accepted)
			assert.Equal(t, tt.reason, res.Reason)

			var ve *ValidationError
			assert.True(t, errors.As(res.Err, &ve))

			stored, ok := ex.GetOrder(res.OrderID)
			require.True(t, ok, "rejected orders are kept")
			assert.Equal(t, StatusRejected, stored.Status)
		})
	}
}

func TestInsufficientMargin(t *testing.T) {
	ex := newTestExchange(t, frictionless())

	res := ex.PlaceOrder(market(Buy, 40)) // 120000 notional, 12000 margin
	require.False(t, res.Accepted)

	var me *InsufficientMarginError
	require.True(t, errors.As(res.Err, &me))
	assert.InDelta(t, 12000, me.Required, 1e-9)
	assert.InDelta(t, 2000, me.Shortfall(), 1e-9)
	assert.Empty(t, ex.GetPositions())
}

func TestNonFiniteTicksAreIgnored(t *testing.T) {
	ex := newTestExchange(t, frictionless())
	require.True(t, ex.PlaceOrder(market(Buy, 1)).Accepted)

	ex.UpdateMarketPrice("ETHUSDT", math.NaN())
	ex.UpdateMarketPrice("ETHUSDT", math.Inf(1))
	ex.UpdateMarketPrice("ETHUSDT", math.Inf(-1))

	price, ok := ex.CurrentPrice("ETHUSDT")
	require.True(t, ok)
	assert.Equal(t, 3000.0, price)

	acct := ex.GetAccountInfo()
	assert.False(t, math.IsNaN(acct.AvailableBalance))
	assert.False(t, math.IsNaN(acct.UnrealizedPnL))

	res := ex.PlaceOrder(PlaceRequest{Symbol: "ETHUSDT", Side: Buy, Type: Limit, Quantity: 1000, Price: 3000})
	require.False(t, res.Accepted)
	var me *InsufficientMarginError
	assert.True(t, errors.As(res.Err, &me))
	assert.Empty(t, ex.CheckLiquidation())
}

func TestPriceFreshness(t *testing.T) {
	ex := newTestExchange(t, frictionless())
	ex.UpdateMarketPrice("BTCUSDT", 60000)

	age, ok := ex.PriceAge("ETHUSDT")
	require.True(t, ok)
	assert.Less(t, age, time.Minute)
	_, ok = ex.PriceAge("DOGEUSDT")
	assert.False(t, ok)

	fresh := ex.PriceFreshness(time.Hour)
	assert.Equal(t, 2, fresh.Symbols)
	assert.Empty(t, fresh.Stale)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, ex.PriceFreshness(-time.Second).Stale)
}

func TestMarketFillAppliesSlippageAndFee(t *testing.T) {
	ex := newTestExchange(t, DefaultConfig())

	res := ex.PlaceOrder(market(Buy, 1))
	require.True(t, res.Accepted)
	assert.InDelta(t, 3000.3, res.Order.AvgFillPrice, 1e-9)
	assert.InDelta(t, 3000.3*0.0004, res.Order.Fees, 1e-9)
	assert.Equal(t, StatusFilled, res.Order.Status)
	assert.Equal(t, res.Order.Quantity, res.Order.FilledQuantity)

	res = ex.PlaceOrder(market(Sell, 1))
	require.True(t, res.Accepted)
	assert.InDelta(t, 2999.7, res.Order.AvgFillPrice, 1e-9)

	acct := ex.GetAccountInfo()
	assert.Equal(t, 2, acct.TotalTrades)
	assert.Less(t, acct.TotalBalance, 10000.0)
}

func TestSameDirectionMerge(t *testing.T) {
	ex := newTestExchange(t, frictionless())

	require.True(t, ex.PlaceOrder(market(Buy, 1)).Accepted)
	ex.UpdateMarketPrice("ETHUSDT", 3100)
	require.True(t, ex.PlaceOrder(market(Buy, 1)).Accepted)

	pos, ok := ex.GetPosition("ETHUSDT")
	require.True(t, ok)
	assert.Equal(t, Long, pos.Side)
	assert.InDelta(t, 2.0, pos.Size, 1e-9)
	assert.InDelta(t, 3050.0, pos.AvgEntryPrice, 1e-9)
	assertMarginInvariant(t, ex)
}

func TestPartialAndExactClose(t *testing.T) {
	ex := newTestExchange(t, frictionless())
	require.True(t, ex.PlaceOrder(market(Buy, 2)).Accepted)

	ex.UpdateMarketPrice("ETHUSDT", 3050)
	res := ex.PlaceOrder(market(Sell, 0.5))
	require.True(t, res.Accepted)

	pos, _ := ex.GetPosition("ETHUSDT")
	assert.InDelta(t, 1.5, pos.Size, 1e-9)
	assert.InDelta(t, 25.0, pos.RealizedPnL, 1e-9)
	assert.InDelta(t, 450.0, pos.MarginUsed, 1e-9)
	assertMarginInvariant(t, ex)

	res = ex.ClosePosition("ETHUSDT", 0, "")
	require.True(t, res.Accepted)
	_, ok := ex.GetPosition("ETHUSDT")
	assert.False(t, ok)

	acct := ex.GetAccountInfo()
	assert.InDelta(t, 10000+25+75, acct.TotalBalance, 1e-9)
	assert.InDelta(t, 100, acct.TotalPnL, 1e-9)
	assert.Zero(t, acct.MarginUsed)
}

func TestReversal(t *testing.T) {
	ex := newTestExchange(t, frictionless())

	var (
		mu    sync.Mutex
		fills []Fill
	)
	ex.OnFill(func(f Fill) {
		mu.Lock()
		fills = append(fills, f)
		mu.Unlock()
	})

	require.True(t, ex.PlaceOrder(market(Buy, 1)).Accepted)
	ex.UpdateMarketPrice("ETHUSDT", 3100)
	require.True(t, ex.PlaceOrder(market(Sell, 1.5)).Accepted)

	pos, ok := ex.GetPosition("ETHUSDT")
	require.True(t, ok)
	assert.Equal(t, Short, pos.Side)
	assert.InDelta(t, 0.5, pos.Size, 1e-9)
	assert.InDelta(t, 3100.0, pos.AvgEntryPrice, 1e-9)
	assertMarginInvariant(t, ex)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, fills, 2)
	rev := fills[1]
	assert.InDelta(t, 100.0, rev.RealizedPnL, 1e-9)
	assert.InDelta(t, 1.0, rev.ClosedQuantity, 1e-9)
	assert.True(t, rev.PositionClosed)
	assert.True(t, rev.Opened)
	assert.Equal(t, Long, rev.ClosedSide)
}

func TestClosePositionErrors(t *testing.T) {
	ex := newTestExchange(t, frictionless())

	res := ex.ClosePosition("ETHUSDT", 0, "")
	assert.ErrorIs(t, res.Err, ErrNoPosition)

	require.True(t, ex.PlaceOrder(market(Buy, 1)).Accepted)
	res = ex.ClosePosition("ETHUSDT", 2, "")
	assert.ErrorIs(t, res.Err, ErrCloseExceedsPosition)
}

func TestCheckLiquidationReportsOnce(t *testing.T) {
	ex := newTestExchange(t, frictionless())
	require.True(t, ex.PlaceOrder(market(Buy, 1)).Accepted) // margin 300

	ex.UpdateMarketPrice("ETHUSDT", 2900)
	assert.Empty(t, ex.CheckLiquidation())

	ex.UpdateMarketPrice("ETHUSDT", 2750)
	assert.Equal(t, []string{"ETHUSDT"}, ex.CheckLiquidation())
	assert.Empty(t, ex.CheckLiquidation())

	_, ok := ex.GetPosition("ETHUSDT")
	assert.False(t, ok)

	filled := ex.GetOrders(StatusFilled)
	require.Len(t, filled, 2)
	assert.Equal(t, OriginLiquidation, filled[0].Origin, "newest first")
}

func TestPendingLimitOrderFillsOnCross(t *testing.T) {
	ex := newTestExchange(t, Config{InitialBalance: 10000, DefaultLeverage: 10, MakerFee: 0.0002})

	res := ex.PlaceOrder(PlaceRequest{Symbol: "ETHUSDT", Side: Buy, Type: Limit, Quantity: 1, Price: 2990})
	require.True(t, res.Accepted)
	assert.Equal(t, StatusPending, res.Order.Status)
	assert.Equal(t, 1, ex.GetAccountInfo().ActiveOrdersCount)

	ex.UpdateMarketPrice("ETHUSDT", 2995)
	o, _ := ex.GetOrder(res.OrderID)
	assert.Equal(t, StatusPending, o.Status)

	ex.UpdateMarketPrice("ETHUSDT", 2985)
	o, _ = ex.GetOrder(res.OrderID)
	assert.Equal(t, StatusFilled, o.Status)
	assert.Equal(t, 2990.0, o.AvgFillPrice)
	assert.InDelta(t, 2990*0.0002, o.Fees, 1e-9)

	pos, ok := ex.GetPosition("ETHUSDT")
	require.True(t, ok)
	assert.Equal(t, 2990.0, pos.AvgEntryPrice)
}

func TestStopOrders(t *testing.T) {
	ex := newTestExchange(t, frictionless())
	require.True(t, ex.PlaceOrder(market(Buy, 2)).Accepted)

	stop := ex.PlaceOrder(PlaceRequest{Symbol: "ETHUSDT", Side: Sell, Type: StopMarket, Quantity: 1, StopPrice: 2950})
	require.True(t, stop.Accepted)
	stopLimit := ex.PlaceOrder(PlaceRequest{Symbol: "ETHUSDT", Side: Sell, Type: StopLimit, Quantity: 1, StopPrice: 2900, Price: 2920})
	require.True(t, stopLimit.Accepted)

	ex.UpdateMarketPrice("ETHUSDT", 2960)
	o, _ := ex.GetOrder(stop.OrderID)
	assert.Equal(t, StatusPending, o.Status)

	ex.UpdateMarketPrice("ETHUSDT", 2950)
	o, _ = ex.GetOrder(stop.OrderID)
	assert.Equal(t, StatusFilled, o.Status)
	assert.Equal(t, 2950.0, o.AvgFillPrice)

	// arms at 2900 but the sell limit of 2920 is not reachable yet
	ex.UpdateMarketPrice("ETHUSDT", 2900)
	o, _ = ex.GetOrder(stopLimit.OrderID)
	assert.Equal(t, StatusPending, o.Status)

	ex.UpdateMarketPrice("ETHUSDT", 2925)
	o, _ = ex.GetOrder(stopLimit.OrderID)
	assert.Equal(t, StatusFilled, o.Status)
	assert.Equal(t, 2920.0, o.AvgFillPrice)

	_, ok := ex.GetPosition("ETHUSDT")
	assert.False(t, ok)
}

func TestCancelOrder(t *testing.T) {
	ex := newTestExchange(t, frictionless())

	_, err := ex.CancelOrder("nope")
	assert.ErrorIs(t, err, ErrOrderNotFound)

	res := ex.PlaceOrder(PlaceRequest{Symbol: "ETHUSDT", Side: Buy, Type: Limit, Quantity: 1, Price: 2900})
	require.True(t, res.Accepted)

	o, err := ex.CancelOrder(res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, o.Status)

	_, err = ex.CancelOrder(res.OrderID)
	assert.ErrorIs(t, err, ErrOrderNotCancellable)

	filled := ex.PlaceOrder(market(Buy, 1))
	_, err = ex.CancelOrder(filled.OrderID)
	assert.ErrorIs(t, err, ErrOrderNotCancellable)

	ex.UpdateMarketPrice("ETHUSDT", 2800)
	o, _ = ex.GetOrder(res.OrderID)
	assert.Equal(t, StatusCancelled, o.Status, "cancelled orders never fill")
}

func TestAccountInfoAvailableBalance(t *testing.T) {
	ex := newTestExchange(t, frictionless())
	require.True(t, ex.PlaceOrder(market(Buy, 1)).Accepted)
	ex.UpdateMarketPrice("ETHUSDT", 3100)

	acct := ex.GetAccountInfo()
	assert.InDelta(t, 300, acct.MarginUsed, 1e-9)
	assert.InDelta(t, 100, acct.UnrealizedPnL, 1e-9)
	assert.InDelta(t, 10000-300+100, acct.AvailableBalance, 1e-9)
	assert.Equal(t, 1, acct.PositionsCount)

	positions := ex.GetPositions()
	require.Len(t, positions, 1)
	assert.Equal(t, 3100.0, positions[0].CurrentPrice)
}

func TestConcurrentFillsKeepInvariant(t *testing.T) {
	ex := newTestExchange(t, frictionless())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			ex.PlaceOrder(market(Buy, 0.1))
		}()
		go func(i int) {
			defer wg.Done()
			ex.UpdateMarketPrice("ETHUSDT", 3000+float64(i))
		}(i)
	}
	wg.Wait()

	pos, ok := ex.GetPosition("ETHUSDT")
	require.True(t, ok)
	assert.InDelta(t, 2.0, pos.Size, 1e-9)
	assertMarginInvariant(t, ex)
}

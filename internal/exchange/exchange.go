package exchange

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"vpa-trader/internal/events"
	"vpa-trader/internal/monitor"
	"vpa-trader/pkg/cache"
)

// Config holds account and fee settings for the simulated exchange.
type Config struct {
	InitialBalance   float64
	DefaultLeverage  float64
	MakerFee         float64
	TakerFee         float64
	Slippage         float64
	LiquidationRatio float64
}

// DefaultConfig returns the standard simulator settings.
func DefaultConfig() Config {
	return Config{
		InitialBalance:   10000,
		DefaultLeverage:  10,
		MakerFee:         0.0002,
		TakerFee:         0.0004,
		Slippage:         0.0001,
		LiquidationRatio: 0.05,
	}
}

// Exchange is a simulated perpetual futures venue. It exclusively owns the
// balance, the order set and the position set; every mutation runs under mu.
type Exchange struct {
	mu          sync.Mutex
	cfg         Config
	balance     float64
	totalPnL    float64
	totalFees   float64
	totalTrades int
	seq         uint64
	orders      map[string]*Order
	positions   map[string]*Position
	prices      *cache.PriceBook

	listenerMu sync.RWMutex
	listeners  []FillListener

	bus     *events.Bus
	metrics *monitor.Metrics
	logger  *zap.Logger
}

// New creates an exchange. Fee and slippage values are used as given so
// tests can run frictionless; balance, leverage and liquidation ratio fall
// back to defaults when non-positive.
func New(cfg Config, logger *zap.Logger, bus *events.Bus, metrics *monitor.Metrics) *Exchange {
	def := DefaultConfig()
	if cfg.InitialBalance <= 0 {
		cfg.InitialBalance = def.InitialBalance
	}
	if cfg.DefaultLeverage <= 0 {
		cfg.DefaultLeverage = def.DefaultLeverage
	}
	if cfg.LiquidationRatio <= 0 {
		cfg.LiquidationRatio = def.LiquidationRatio
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Exchange{
		cfg:       cfg,
		balance:   cfg.InitialBalance,
		orders:    make(map[string]*Order),
		positions: make(map[string]*Position),
		prices:    cache.NewPriceBook(),
		bus:       bus,
		metrics:   metrics,
		logger:    logger.Named("exchange"),
	}
	e.logger.Info("simulated exchange ready",
		zap.Float64("initial_balance", cfg.InitialBalance),
		zap.Float64("leverage", cfg.DefaultLeverage))
	return e
}

// Config returns the effective configuration.
func (e *Exchange) Config() Config { return e.cfg }

// OnFill registers a listener invoked after every fill.
func (e *Exchange) OnFill(l FillListener) {
	e.listenerMu.Lock()
	e.listeners = append(e.listeners, l)
	e.listenerMu.Unlock()
}

// outcome gathers side effects produced under the lock so they can be
// published after it is released.
type outcome struct {
	results      []PlaceResult
	fills        []Fill
	liquidations []Liquidation
}

func (o *outcome) add(res PlaceResult, fill *Fill) {
	o.results = append(o.results, res)
	if fill != nil {
		o.fills = append(o.fills, *fill)
	}
}

// PlaceOrder validates and submits an order. Market orders fill immediately;
// other types rest as pending until UpdateMarketPrice crosses them.
func (e *Exchange) PlaceOrder(req PlaceRequest) PlaceResult {
	var out outcome
	e.mu.Lock()
	res, fill := e.placeLocked(req, time.Now())
	e.mu.Unlock()
	out.add(res, fill)
	e.publish(&out)
	return res
}

func (e *Exchange) placeLocked(req PlaceRequest, now time.Time) (PlaceResult, *Fill) {
	leverage := req.Leverage
	if leverage <= 0 || math.IsNaN(leverage) || math.IsInf(leverage, 0) {
		leverage = e.cfg.DefaultLeverage
	}
	e.seq++
	o := &Order{
		ID:        newOrderID(),
		Symbol:    req.Symbol,
		Side:      req.Side,
		Type:      req.Type,
		Quantity:  req.Quantity,
		Price:     req.Price,
		StopPrice: req.StopPrice,
		Leverage:  leverage,
		Status:    StatusPending,
		Origin:    req.Origin,
		CreatedAt: now,
		seq:       e.seq,
	}
	e.orders[o.ID] = o

	if err := e.validateLocked(o); err != nil {
		return e.rejectLocked(o, err), nil
	}

	if o.Type == Market {
		price, _ := e.prices.Get(o.Symbol)
		fill := e.fillLocked(o, e.slipped(o.Side, price), e.cfg.TakerFee, now)
		return resultOf(o), &fill
	}
	return resultOf(o), nil
}

func (e *Exchange) validateLocked(o *Order) error {
	switch {
	case o.Quantity <= 0 || math.IsNaN(o.Quantity) || math.IsInf(o.Quantity, 0):
		return &ValidationError{Field: "quantity", Reason: ReasonInvalidQuantity}
	case !o.Side.Valid():
		return &ValidationError{Field: "side", Reason: ReasonInvalidSide}
	}
	switch o.Type {
	case Market, Limit, StopMarket, StopLimit:
	default:
		return &ValidationError{Field: "order_type", Reason: "invalid order type"}
	}
	if o.Type.needsPrice() && !cache.ValidPrice(o.Price) {
		return &ValidationError{Field: "price", Reason: ReasonMissingPrice}
	}
	if o.Type.needsStopPrice() && !cache.ValidPrice(o.StopPrice) {
		return &ValidationError{Field: "stop_price", Reason: ReasonMissingStopPrice}
	}
	current, ok := e.prices.Get(o.Symbol)
	if !ok {
		return &ValidationError{Field: "symbol", Reason: ReasonNoPrice, Detail: fmt.Sprintf("no price for %s", o.Symbol)}
	}
	estimate := current
	if o.Price > 0 {
		estimate = o.Price
	}
	return e.marginCheckLocked(o, estimate)
}

func (e *Exchange) marginCheckLocked(o *Order, price float64) error {
	required := e.openingQuantity(o.Symbol, o.Side, o.Quantity) * price / o.Leverage
	if required <= 0 {
		return nil
	}
	if available := e.availableLocked(); required > available {
		return &InsufficientMarginError{Required: required, Available: available}
	}
	return nil
}

func (e *Exchange) rejectLocked(o *Order, err error) PlaceResult {
	o.Status = StatusRejected
	o.RejectReason = err.Error()
	res := resultOf(o)
	res.Err = err
	return res
}

// fillLocked executes the full remaining quantity of o at price.
func (e *Exchange) fillLocked(o *Order, price, feeRate float64, now time.Time) Fill {
	qty := o.Remaining()
	fee := qty * price * feeRate
	eff := e.applyFill(o.Symbol, o.Side, qty, price, o.Leverage, now)
	e.balance -= fee
	e.totalFees += fee
	e.totalTrades++

	o.FilledQuantity = o.Quantity
	o.AvgFillPrice = price
	o.Fees += fee
	o.Status = StatusFilled
	filledAt := now
	o.FilledAt = &filledAt

	return Fill{
		OrderID:        o.ID,
		Symbol:         o.Symbol,
		Side:           o.Side,
		Type:           o.Type,
		Quantity:       qty,
		Price:          price,
		Fee:            fee,
		RealizedPnL:    eff.realized,
		ClosedQuantity: eff.closedQty,
		ClosedSide:     eff.closedSide,
		PositionClosed: eff.closed,
		Opened:         eff.opened,
		Origin:         o.Origin,
		Time:           now,
	}
}

// slipped applies directional slippage: buys pay up, sells receive less.
func (e *Exchange) slipped(side Side, price float64) float64 {
	slip := price * e.cfg.Slippage
	if side == Buy {
		return price + slip
	}
	return price - slip
}

// CancelOrder cancels a non-terminal order.
func (e *Exchange) CancelOrder(id string) (Order, error) {
	e.mu.Lock()
	o, ok := e.orders[id]
	if !ok {
		e.mu.Unlock()
		return Order{}, ErrOrderNotFound
	}
	if o.Status.Terminal() {
		snapshot := *o
		e.mu.Unlock()
		return snapshot, fmt.Errorf("%w: status %s", ErrOrderNotCancellable, snapshot.Status)
	}
	o.Status = StatusCancelled
	snapshot := *o
	e.mu.Unlock()

	e.logger.Info("order cancelled", zap.String("order_id", id), zap.String("symbol", snapshot.Symbol))
	e.bus.Publish(events.EventOrderCancelled, snapshot)
	return snapshot, nil
}

// UpdateMarketPrice records a new price, re-marks the position and fills any
// pending orders the price crosses, in submission order.
func (e *Exchange) UpdateMarketPrice(symbol string, price float64) {
	if _, ok := e.prices.Set(symbol, price); !ok {
		return
	}
	now := time.Now()
	var out outcome

	e.mu.Lock()
	e.markLocked(symbol)
	for _, o := range e.pendingLocked(symbol) {
		fillPrice, feeRate, crossed := e.crossed(o, price)
		if !crossed {
			continue
		}
		if err := e.marginCheckLocked(o, fillPrice); err != nil {
			out.add(e.rejectLocked(o, err), nil)
			continue
		}
		fill := e.fillLocked(o, fillPrice, feeRate, now)
		out.add(resultOf(o), &fill)
	}
	equity := e.balance + e.unrealizedLocked()
	e.mu.Unlock()

	e.metrics.SetEquity(equity)
	e.bus.Publish(events.EventPriceTick, events.PriceTick{Symbol: symbol, Price: price, Time: now.UnixMilli()})
	e.publish(&out)
}

func (e *Exchange) pendingLocked(symbol string) []*Order {
	var pending []*Order
	for _, o := range e.orders {
		if o.Symbol == symbol && o.Status == StatusPending && o.Type != Market {
			pending = append(pending, o)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].seq < pending[j].seq })
	return pending
}

// crossed decides whether a resting order fills at price. Limit fills are
// made at the limit price as maker; stop-market fills take the market.
// A stop-limit arms once its stop is crossed and then behaves as a limit.
func (e *Exchange) crossed(o *Order, price float64) (float64, float64, bool) {
	switch o.Type {
	case Limit:
		if limitReached(o.Side, o.Price, price) {
			return o.Price, e.cfg.MakerFee, true
		}
	case StopMarket:
		if stopReached(o.Side, o.StopPrice, price) {
			return e.slipped(o.Side, price), e.cfg.TakerFee, true
		}
	case StopLimit:
		if !o.armed && stopReached(o.Side, o.StopPrice, price) {
			o.armed = true
		}
		if o.armed && limitReached(o.Side, o.Price, price) {
			return o.Price, e.cfg.MakerFee, true
		}
	}
	return 0, 0, false
}

func limitReached(side Side, limit, price float64) bool {
	if side == Buy {
		return price <= limit
	}
	return price >= limit
}

func stopReached(side Side, stop, price float64) bool {
	if side == Buy {
		return price >= stop
	}
	return price <= stop
}

// ClosePosition submits an opposite market order for qty, or the full size
// when qty is zero.
func (e *Exchange) ClosePosition(symbol string, qty float64, origin string) PlaceResult {
	var out outcome
	e.mu.Lock()
	res, fill, err := e.closeLocked(symbol, qty, origin, time.Now())
	e.mu.Unlock()
	if err != nil {
		return PlaceResult{Reason: err.Error(), Err: err}
	}
	out.add(res, fill)
	e.publish(&out)
	return res
}

func (e *Exchange) closeLocked(symbol string, qty float64, origin string, now time.Time) (PlaceResult, *Fill, error) {
	pos, ok := e.positions[symbol]
	if !ok {
		return PlaceResult{}, nil, fmt.Errorf("%w: %s", ErrNoPosition, symbol)
	}
	if qty <= 0 {
		qty = pos.Size
	}
	if qty-pos.Size > qtyEpsilon {
		return PlaceResult{}, nil, ErrCloseExceedsPosition
	}
	if origin == "" {
		origin = OriginManual
	}
	res, fill := e.placeLocked(PlaceRequest{
		Symbol:   symbol,
		Side:     CloseSide(pos.Side),
		Type:     Market,
		Quantity: qty,
		Leverage: pos.Leverage,
		Origin:   origin,
	}, now)
	return res, fill, nil
}

// CheckLiquidation force-closes every position whose margin ratio,
// (margin + unrealized PnL) / notional, is below the liquidation ratio.
// A liquidated position is gone, so repeated calls report it once.
func (e *Exchange) CheckLiquidation() []string {
	now := time.Now()
	var (
		out        outcome
		liquidated []string
	)

	e.mu.Lock()
	symbols := make([]string, 0, len(e.positions))
	for s := range e.positions {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	for _, symbol := range symbols {
		pos := e.positions[symbol]
		price, ok := e.prices.Get(symbol)
		if !ok {
			continue
		}
		notional := pos.Size * price
		if notional <= 0 {
			continue
		}
		ratio := (pos.MarginUsed + pos.PnLAt(price)) / notional
		if ratio >= e.cfg.LiquidationRatio {
			continue
		}
		size := pos.Size
		res, fill, err := e.closeLocked(symbol, 0, OriginLiquidation, now)
		if err != nil || !res.Accepted {
			e.logger.Error("liquidation close failed", zap.String("symbol", symbol), zap.String("reason", res.Reason), zap.Error(err))
			continue
		}
		out.add(res, fill)
		out.liquidations = append(out.liquidations, Liquidation{Symbol: symbol, Price: price, MarginRatio: ratio, Size: size})
		liquidated = append(liquidated, symbol)
	}
	e.mu.Unlock()

	for _, l := range out.liquidations {
		e.logger.Warn("position liquidated",
			zap.String("symbol", l.Symbol),
			zap.Float64("margin_ratio", l.MarginRatio),
			zap.Float64("price", l.Price))
		e.metrics.IncLiquidation(l.Symbol)
		e.bus.Publish(events.EventPositionLiquidated, l)
	}
	e.publish(&out)
	return liquidated
}

// publish runs metrics, bus events and fill listeners outside the lock.
func (e *Exchange) publish(out *outcome) {
	for _, res := range out.results {
		o := res.Order
		if !res.Accepted {
			e.metrics.IncOrderRejected(reasonLabel(res.Err))
			e.logger.Warn("order rejected",
				zap.String("order_id", o.ID),
				zap.String("symbol", o.Symbol),
				zap.String("reason", res.Reason))
			e.bus.Publish(events.EventOrderRejected, o)
			continue
		}
		e.metrics.IncOrderPlaced(string(o.Type), string(o.Side))
	}

	if len(out.fills) == 0 {
		return
	}
	e.listenerMu.RLock()
	listeners := append([]FillListener(nil), e.listeners...)
	e.listenerMu.RUnlock()

	for _, f := range out.fills {
		e.logger.Info("order filled",
			zap.String("order_id", f.OrderID),
			zap.String("symbol", f.Symbol),
			zap.String("side", string(f.Side)),
			zap.Float64("qty", f.Quantity),
			zap.Float64("price", f.Price),
			zap.Float64("realized_pnl", f.RealizedPnL))
		e.metrics.IncFill(f.Symbol, string(f.Side))
		e.bus.Publish(events.EventOrderFilled, f)
		for _, l := range listeners {
			l(f)
		}
	}
}

// GetAccountInfo returns the account summary.
func (e *Exchange) GetAccountInfo() AccountInfo {
	e.mu.Lock()
	defer e.mu.Unlock()

	var margin float64
	for _, p := range e.positions {
		margin += p.MarginUsed
	}
	unrealized := e.unrealizedLocked()
	active := 0
	for _, o := range e.orders {
		if o.Status == StatusPending {
			active++
		}
	}
	return AccountInfo{
		InitialBalance:    e.cfg.InitialBalance,
		TotalBalance:      e.balance,
		AvailableBalance:  e.balance - margin + unrealized,
		MarginUsed:        margin,
		UnrealizedPnL:     unrealized,
		TotalPnL:          e.totalPnL + unrealized,
		TotalTrades:       e.totalTrades,
		TotalFees:         e.totalFees,
		PositionsCount:    len(e.positions),
		ActiveOrdersCount: active,
	}
}

func (e *Exchange) availableLocked() float64 {
	var margin float64
	for _, p := range e.positions {
		margin += p.MarginUsed
	}
	return e.balance - margin + e.unrealizedLocked()
}

func (e *Exchange) unrealizedLocked() float64 {
	var total float64
	for _, p := range e.positions {
		total += p.UnrealizedPnL
	}
	return total
}

// GetPositions returns open positions ordered by symbol.
func (e *Exchange) GetPositions() []Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Position, 0, len(e.positions))
	for _, p := range e.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// GetPosition returns the position for symbol, if any.
func (e *Exchange) GetPosition(symbol string) (Position, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.positions[symbol]
	if !ok {
		return Position{}, false
	}
	return *p, true
}

// GetOrders returns orders newest first, filtered by status when non-empty.
func (e *Exchange) GetOrders(status OrderStatus) []Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Order, 0, len(e.orders))
	for _, o := range e.orders {
		if status == "" || o.Status == status {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq > out[j].seq })
	return out
}

// GetOrder looks up one order.
func (e *Exchange) GetOrder(id string) (Order, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[id]
	if !ok {
		return Order{}, false
	}
	return *o, true
}

// CurrentPrice returns the last price seen for symbol.
func (e *Exchange) CurrentPrice(symbol string) (float64, bool) {
	return e.prices.Get(symbol)
}

// Prices returns the last price of every symbol.
func (e *Exchange) Prices() map[string]float64 {
	return e.prices.Snapshot()
}

// PriceAge reports how long ago symbol last ticked.
func (e *Exchange) PriceAge(symbol string) (time.Duration, bool) {
	return e.prices.Age(symbol)
}

// PriceFreshness counts priced symbols and lists those silent for longer
// than maxAge.
func (e *Exchange) PriceFreshness(maxAge time.Duration) PriceFreshness {
	stale := e.prices.Stale(maxAge)
	sort.Strings(stale)
	if stale == nil {
		stale = []string{}
	}
	return PriceFreshness{Symbols: e.prices.Len(), Stale: stale}
}

func resultOf(o *Order) PlaceResult {
	res := PlaceResult{
		OrderID:  o.ID,
		Accepted: o.Status != StatusRejected,
		Order:    *o,
	}
	if !res.Accepted {
		res.Reason = o.RejectReason
	}
	return res
}

func newOrderID() string {
	return uuid.NewString()[:8]
}

package order

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"vpa-trader/internal/events"
	"vpa-trader/internal/exchange"
	"vpa-trader/internal/monitor"
)

const (
	defaultTriggerInterval = 100 * time.Millisecond
	maxHistory             = 1000
	trimmedHistory         = 500
)

var (
	ErrOrderNotFound   = errors.New("order not found")
	ErrNoPrice         = errors.New("no price")
	ErrInvalidArgument = errors.New("invalid argument")
)

// Trigger is a fired conditional order waiting for execution.
type Trigger struct {
	OrderID string
	Price   float64
}

// bracketSpec is a bracket waiting for its limit parent to fill.
type bracketSpec struct {
	symbol     string
	side       exchange.Side
	quantity   float64
	stopLoss   float64
	takeProfit float64
}

// Manager layers conditional orders and order groups on top of the exchange.
// It never holds its own lock while calling into the exchange, because fill
// listeners call back into it.
type Manager struct {
	ex       *exchange.Exchange
	interval time.Duration

	mu              sync.Mutex
	conditional     map[string]*ConditionalOrder
	groups          map[string]*OrderGroup
	pendingBrackets map[string]bracketSpec
	history         []HistoryRecord
	stats           Stats

	latency *monitor.LatencyHistogram
	queue   *Queue[Trigger]
	bus     *events.Bus
	metrics *monitor.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// NewManager wires a manager to ex and subscribes to its fills.
func NewManager(ex *exchange.Exchange, interval time.Duration, logger *zap.Logger, bus *events.Bus, metrics *monitor.Metrics) *Manager {
	if interval <= 0 {
		interval = defaultTriggerInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		ex:              ex,
		interval:        interval,
		conditional:     make(map[string]*ConditionalOrder),
		groups:          make(map[string]*OrderGroup),
		pendingBrackets: make(map[string]bracketSpec),
		latency:         monitor.NewLatencyHistogram(1000),
		queue:           NewQueue[Trigger](256),
		bus:             bus,
		metrics:         metrics,
		logger:          logger.Named("order_manager"),
		now:             time.Now,
	}
	ex.OnFill(m.onFill)
	return m
}

// PlaceMarketOrder submits a market entry and, when it fills, installs a
// stop-loss and/or take-profit on the opposite side grouped as a bracket.
func (m *Manager) PlaceMarketOrder(req MarketOrderRequest) BracketResult {
	if err := validateProtection(req); err != nil {
		return m.failed(req.Symbol, err)
	}
	start := time.Now()
	res := m.ex.PlaceOrder(exchange.PlaceRequest{
		Symbol:   req.Symbol,
		Side:     req.Side,
		Type:     exchange.Market,
		Quantity: req.Quantity,
		Leverage: req.Leverage,
		Origin:   req.Origin,
	})
	elapsed := time.Since(start)
	m.record(res, elapsed)

	out := BracketResult{Entry: res}
	if !res.Accepted || (req.StopLoss <= 0 && req.TakeProfit <= 0) {
		return out
	}
	return m.installBracket(res.OrderID, bracketSpec{
		symbol:     req.Symbol,
		side:       req.Side,
		quantity:   req.Quantity,
		stopLoss:   req.StopLoss,
		takeProfit: req.TakeProfit,
	}, out)
}

// PlaceLimitOrder rests a limit entry. A requested bracket is installed
// only once the entry fills; cancelling the entry drops it.
func (m *Manager) PlaceLimitOrder(req LimitOrderRequest) BracketResult {
	if err := validateProtection(req.MarketOrderRequest); err != nil {
		return m.failed(req.Symbol, err)
	}
	start := time.Now()
	res := m.ex.PlaceOrder(exchange.PlaceRequest{
		Symbol:   req.Symbol,
		Side:     req.Side,
		Type:     exchange.Limit,
		Quantity: req.Quantity,
		Price:    req.Price,
		Leverage: req.Leverage,
		Origin:   req.Origin,
	})
	m.record(res, time.Since(start))

	out := BracketResult{Entry: res}
	if !res.Accepted || (req.StopLoss <= 0 && req.TakeProfit <= 0) {
		return out
	}

	spec := bracketSpec{
		symbol:     req.Symbol,
		side:       req.Side,
		quantity:   req.Quantity,
		stopLoss:   req.StopLoss,
		takeProfit: req.TakeProfit,
	}
	m.mu.Lock()
	m.pendingBrackets[res.OrderID] = spec
	m.mu.Unlock()
	out.BracketPending = true

	// The entry may have filled before the bracket was registered.
	if o, ok := m.ex.GetOrder(res.OrderID); ok && o.Status == exchange.StatusFilled {
		if spec, ok := m.takePendingBracket(res.OrderID); ok {
			out = m.installBracket(res.OrderID, spec, out)
			out.BracketPending = false
		}
	}
	return out
}

func (m *Manager) takePendingBracket(parentID string) (bracketSpec, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	spec, ok := m.pendingBrackets[parentID]
	if ok {
		delete(m.pendingBrackets, parentID)
	}
	return spec, ok
}

func (m *Manager) installBracket(parentID string, spec bracketSpec, out BracketResult) BracketResult {
	now := m.now()
	exit := spec.side.Opposite()
	groupID := "bracket_" + parentID

	m.mu.Lock()
	group := &OrderGroup{ID: groupID, ParentOrderID: parentID, Type: Bracket, Active: true, CreatedAt: now}
	if spec.stopLoss > 0 {
		c := &ConditionalOrder{
			ID: "sl_" + parentID, Symbol: spec.symbol, Side: exit, Type: exchange.Market,
			Quantity: spec.quantity, ConditionType: StopLoss, TriggerPrice: spec.stopLoss,
			ParentOrderID: parentID, GroupID: groupID, Active: true, CreatedAt: now,
		}
		m.conditional[c.ID] = c
		group.ChildOrderIDs = append(group.ChildOrderIDs, c.ID)
		out.StopLossID = c.ID
	}
	if spec.takeProfit > 0 {
		c := &ConditionalOrder{
			ID: "tp_" + parentID, Symbol: spec.symbol, Side: exit, Type: exchange.Market,
			Quantity: spec.quantity, ConditionType: TakeProfit, TriggerPrice: spec.takeProfit,
			ParentOrderID: parentID, GroupID: groupID, Active: true, CreatedAt: now,
		}
		m.conditional[c.ID] = c
		group.ChildOrderIDs = append(group.ChildOrderIDs, c.ID)
		out.TakeProfitID = c.ID
	}
	m.groups[groupID] = group
	m.mu.Unlock()

	out.GroupID = groupID
	m.logger.Info("bracket installed",
		zap.String("group_id", groupID),
		zap.String("symbol", spec.symbol),
		zap.Float64("stop_loss", spec.stopLoss),
		zap.Float64("take_profit", spec.takeProfit))
	return out
}

// PlaceTrailingStop creates a trailing stop seeded at the current price.
func (m *Manager) PlaceTrailingStop(symbol string, side exchange.Side, quantity, trailAmount float64) (string, error) {
	if quantity <= 0 || trailAmount <= 0 || !side.Valid() {
		return "", fmt.Errorf("%w: quantity and trail amount must be positive", ErrInvalidArgument)
	}
	price, ok := m.ex.CurrentPrice(symbol)
	if !ok {
		return "", fmt.Errorf("%w for %s", ErrNoPrice, symbol)
	}
	trigger := price - trailAmount
	if side == exchange.Buy {
		trigger = price + trailAmount
	}

	m.mu.Lock()
	id := m.uniqueIDLocked("trail")
	m.conditional[id] = &ConditionalOrder{
		ID: id, Symbol: symbol, Side: side, Type: exchange.Market, Quantity: quantity,
		ConditionType: TrailingStop, TriggerPrice: trigger, TrailAmount: trailAmount,
		BestPrice: price, Active: true, CreatedAt: m.now(),
	}
	m.mu.Unlock()

	m.logger.Info("trailing stop created",
		zap.String("order_id", id),
		zap.String("symbol", symbol),
		zap.Float64("trigger", trigger))
	return id, nil
}

// PlaceOCO creates a stop-loss and a take-profit on the given exit side;
// whichever fires first cancels the other.
func (m *Manager) PlaceOCO(symbol string, side exchange.Side, quantity, stopPrice, takeProfitPrice float64) (OrderGroup, error) {
	if quantity <= 0 || stopPrice <= 0 || takeProfitPrice <= 0 || !side.Valid() {
		return OrderGroup{}, fmt.Errorf("%w: quantity and prices must be positive", ErrInvalidArgument)
	}
	if _, ok := m.ex.CurrentPrice(symbol); !ok {
		return OrderGroup{}, fmt.Errorf("%w for %s", ErrNoPrice, symbol)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	groupID := m.uniqueIDLocked("oco")
	group := &OrderGroup{ID: groupID, Type: OCO, Active: true, CreatedAt: now}
	for i, leg := range []struct {
		cond  ConditionType
		price float64
	}{{StopLoss, stopPrice}, {TakeProfit, takeProfitPrice}} {
		id := fmt.Sprintf("%s_%d", groupID, i+1)
		m.conditional[id] = &ConditionalOrder{
			ID: id, Symbol: symbol, Side: side, Type: exchange.Market, Quantity: quantity,
			ConditionType: leg.cond, TriggerPrice: leg.price, GroupID: groupID, Active: true, CreatedAt: now,
		}
		group.ChildOrderIDs = append(group.ChildOrderIDs, id)
	}
	m.groups[groupID] = group
	return *group, nil
}

// uniqueIDLocked builds prefix_<unix ms>, bumping the suffix on collision.
func (m *Manager) uniqueIDLocked(prefix string) string {
	ms := m.now().UnixMilli()
	for {
		id := fmt.Sprintf("%s_%d", prefix, ms)
		if _, taken := m.conditional[id]; !taken {
			if _, taken := m.groups[id]; !taken {
				return id
			}
		}
		ms++
	}
}

// CancelOrder cancels a conditional order or an exchange order. Cancelling a
// parent cascades to its bracket children; cancelling an OCO leg cancels its
// siblings.
func (m *Manager) CancelOrder(id string) error {
	m.mu.Lock()
	if c, ok := m.conditional[id]; ok {
		wasActive := c.Active
		m.cancelConditionalLocked(c)
		if wasActive {
			m.countLocked(func(s *Stats) { s.CancelledOrders++ })
		}
		m.mu.Unlock()
		m.logger.Info("conditional order cancelled", zap.String("order_id", id))
		return nil
	}
	m.mu.Unlock()

	_, exErr := m.ex.CancelOrder(id)
	if exErr == nil {
		m.mu.Lock()
		m.countLocked(func(s *Stats) { s.CancelledOrders++ })
		m.mu.Unlock()
	}
	cascaded := m.cancelChildren(id)
	if exErr != nil && !cascaded {
		if errors.Is(exErr, exchange.ErrOrderNotFound) {
			return fmt.Errorf("%w: %s", ErrOrderNotFound, id)
		}
		return exErr
	}
	return nil
}

// cancelChildren drops a pending bracket and deactivates any group whose
// parent is parentID.
func (m *Manager) cancelChildren(parentID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	cascaded := false
	if _, ok := m.pendingBrackets[parentID]; ok {
		delete(m.pendingBrackets, parentID)
		cascaded = true
	}
	for _, g := range m.groups {
		if g.ParentOrderID != parentID || !g.Active {
			continue
		}
		for _, childID := range g.ChildOrderIDs {
			if c, ok := m.conditional[childID]; ok {
				c.Active = false
			}
		}
		g.Active = false
		cascaded = true
	}
	return cascaded
}

// cancelConditionalLocked deactivates c and resolves its group.
func (m *Manager) cancelConditionalLocked(c *ConditionalOrder) {
	c.Active = false
	g, ok := m.groups[c.GroupID]
	if !ok || !g.Active {
		return
	}
	if g.Type == OCO {
		m.closeGroupLocked(g, c.ID)
		return
	}
	for _, childID := range g.ChildOrderIDs {
		if sib, ok := m.conditional[childID]; ok && sib.Active {
			return
		}
	}
	g.Active = false
}

// closeGroupLocked deactivates every child except keep, and the group.
func (m *Manager) closeGroupLocked(g *OrderGroup, keep string) {
	for _, childID := range g.ChildOrderIDs {
		if childID == keep {
			continue
		}
		if sib, ok := m.conditional[childID]; ok && sib.Active {
			sib.Active = false
			m.countLocked(func(s *Stats) { s.CancelledOrders++ })
		}
	}
	g.Active = false
}

// CheckConditionalOrders runs one evaluation pass and executes whatever
// fired. Symbols without a price are skipped. It returns the number fired.
func (m *Manager) CheckConditionalOrders() int {
	fired := m.collectTriggers()
	for _, t := range fired {
		m.execute(t)
	}
	return len(fired)
}

// collectTriggers evaluates every active conditional order and deactivates
// the ones that fired, so a trigger is executed at most once.
func (m *Manager) collectTriggers() []Trigger {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.conditional))
	for id, c := range m.conditional {
		if c.Active {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := m.conditional[ids[i]], m.conditional[ids[j]]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})

	var fired []Trigger
	for _, id := range ids {
		c := m.conditional[id]
		if !c.Active {
			// a sibling fired earlier in this pass
			continue
		}
		price, ok := m.ex.CurrentPrice(c.Symbol)
		if !ok {
			continue
		}
		if !c.evaluate(price) {
			continue
		}
		c.Active = false
		ts := m.now()
		c.TriggeredAt = &ts
		if g, ok := m.groups[c.GroupID]; ok && g.Active {
			m.closeGroupLocked(g, c.ID)
		}
		fired = append(fired, Trigger{OrderID: id, Price: price})
	}
	return fired
}

// execute submits the market order for a fired conditional order. The
// quantity is capped at the position it protects; with nothing left to
// protect the trigger is dropped.
func (m *Manager) execute(t Trigger) {
	m.mu.Lock()
	c, ok := m.conditional[t.OrderID]
	if !ok {
		m.mu.Unlock()
		return
	}
	snapshot := *c
	m.mu.Unlock()

	qty := snapshot.Quantity
	pos, ok := m.ex.GetPosition(snapshot.Symbol)
	if !ok || exchange.CloseSide(pos.Side) != snapshot.Side {
		m.logger.Warn("conditional order fired without a position to protect",
			zap.String("order_id", snapshot.ID), zap.String("symbol", snapshot.Symbol))
		return
	}
	if pos.Size < qty {
		qty = pos.Size
	}

	start := time.Now()
	res := m.ex.PlaceOrder(exchange.PlaceRequest{
		Symbol:   snapshot.Symbol,
		Side:     snapshot.Side,
		Type:     exchange.Market,
		Quantity: qty,
		Leverage: pos.Leverage,
		Origin:   snapshot.ConditionType.origin(),
	})
	elapsed := time.Since(start)
	m.record(res, elapsed)

	m.mu.Lock()
	c.ResultOrderID = res.OrderID
	snapshot = *c
	m.mu.Unlock()

	if !res.Accepted {
		m.logger.Error("conditional order execution failed",
			zap.String("order_id", snapshot.ID), zap.String("reason", res.Reason))
		return
	}
	m.logger.Info("conditional order triggered",
		zap.String("order_id", snapshot.ID),
		zap.String("condition", string(snapshot.ConditionType)),
		zap.Float64("price", t.Price))
	m.metrics.IncTrigger(string(snapshot.ConditionType))
	m.bus.Publish(events.EventConditionalTriggered, TriggerEvent{Order: snapshot, Price: t.Price, Result: res})
}

// onFill installs brackets for filled limit entries and retires protective
// orders once their position is gone.
func (m *Manager) onFill(f exchange.Fill) {
	if spec, ok := m.takePendingBracket(f.OrderID); ok {
		m.installBracket(f.OrderID, spec, BracketResult{})
	}
	if !f.PositionClosed || f.Opened {
		return
	}
	exit := exchange.CloseSide(f.ClosedSide)
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.conditional {
		if c.Active && c.Symbol == f.Symbol && c.Side == exit {
			m.cancelConditionalLocked(c)
		}
	}
}

// Start evaluates triggers on a ticker and executes them through a queue
// until ctx is cancelled.
func (m *Manager) Start(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.queue.Drain(ctx, m.execute)
	}()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	m.logger.Info("trigger loop started", zap.Duration("interval", m.interval))
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			m.logger.Info("trigger loop stopped")
			return nil
		case <-ticker.C:
			for _, t := range m.collectTriggers() {
				if !m.queue.Enqueue(ctx, t) {
					break
				}
			}
		}
	}
}

// ActiveOrders lists pending exchange orders, active conditional orders and
// active groups.
func (m *Manager) ActiveOrders() ActiveOrders {
	out := ActiveOrders{ExchangeOrders: m.ex.GetOrders(exchange.StatusPending)}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.conditional {
		if c.Active {
			out.ConditionalOrders = append(out.ConditionalOrders, *c)
		}
	}
	for _, g := range m.groups {
		if g.Active {
			cp := *g
			cp.ChildOrderIDs = append([]string(nil), g.ChildOrderIDs...)
			out.OrderGroups = append(out.OrderGroups, cp)
		}
	}
	sort.Slice(out.ConditionalOrders, func(i, j int) bool { return out.ConditionalOrders[i].ID < out.ConditionalOrders[j].ID })
	sort.Slice(out.OrderGroups, func(i, j int) bool { return out.OrderGroups[i].ID < out.OrderGroups[j].ID })
	return out
}

// Conditional returns one conditional order by id.
func (m *Manager) Conditional(id string) (ConditionalOrder, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conditional[id]
	if !ok {
		return ConditionalOrder{}, false
	}
	return *c, true
}

// Group returns one order group by id.
func (m *Manager) Group(id string) (OrderGroup, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[id]
	if !ok {
		return OrderGroup{}, false
	}
	cp := *g
	cp.ChildOrderIDs = append([]string(nil), g.ChildOrderIDs...)
	return cp, true
}

// Stats returns execution statistics.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	s.Latency = m.latency.Stats()
	for _, c := range m.conditional {
		if c.Active {
			s.ActiveConditional++
		}
	}
	for _, g := range m.groups {
		if g.Active {
			s.ActiveGroups++
		}
	}
	s.HistoryRecords = len(m.history)
	s.QueuedTriggers = m.queue.Len()
	return s
}

// History returns placement records, oldest first.
func (m *Manager) History() []HistoryRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]HistoryRecord(nil), m.history...)
}

func (m *Manager) failed(symbol string, err error) BracketResult {
	m.mu.Lock()
	m.countLocked(func(s *Stats) { s.FailedOrders++ })
	m.mu.Unlock()
	m.logger.Warn("order request rejected", zap.String("symbol", symbol), zap.Error(err))
	return BracketResult{Entry: exchange.PlaceResult{Reason: err.Error(), Err: err}}
}

// record updates stats and history for one placement.
func (m *Manager) record(res exchange.PlaceResult, elapsed time.Duration) {
	if res.Accepted {
		m.latency.RecordDuration(elapsed)
		m.metrics.ObserveExecution(elapsed)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if res.Accepted {
		m.countLocked(func(s *Stats) {
			s.SuccessfulOrders++
			ms := float64(elapsed.Nanoseconds()) / 1e6
			s.AvgExecutionTime += (ms - s.AvgExecutionTime) / float64(s.SuccessfulOrders)
		})
	} else {
		m.countLocked(func(s *Stats) { s.FailedOrders++ })
	}
	m.history = append(m.history, HistoryRecord{Time: m.now(), Result: res, ExecutionTime: elapsed})
	if len(m.history) > maxHistory {
		m.history = append([]HistoryRecord(nil), m.history[len(m.history)-trimmedHistory:]...)
	}
}

func (m *Manager) countLocked(update func(*Stats)) {
	m.stats.TotalOrders++
	update(&m.stats)
}

func validateProtection(req MarketOrderRequest) error {
	if req.StopLoss < 0 || req.TakeProfit < 0 {
		return fmt.Errorf("%w: stop loss and take profit must not be negative", ErrInvalidArgument)
	}
	return nil
}

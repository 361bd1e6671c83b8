package signal

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"vpa-trader/internal/events"
	"vpa-trader/internal/exchange"
	"vpa-trader/internal/journal"
	"vpa-trader/internal/monitor"
	"vpa-trader/internal/order"
	"vpa-trader/internal/position"
	"vpa-trader/internal/risk"
)

var (
	ErrSignalNotFound = errors.New("pending signal not found")
	ErrSignalRejected = errors.New("pending signal rejected")
)

const (
	maxHistory    = 1000
	pendingExpiry = 24 * time.Hour
)

// Exchange is the market view the executor needs.
type Exchange interface {
	CurrentPrice(symbol string) (float64, bool)
	GetAccountInfo() exchange.AccountInfo
}

// Orders submits entries with optional brackets.
type Orders interface {
	PlaceMarketOrder(req order.MarketOrderRequest) order.BracketResult
	PlaceLimitOrder(req order.LimitOrderRequest) order.BracketResult
}

// Sizer computes risk-based quantities.
type Sizer interface {
	CalculatePositionSize(req position.SizeRequest) position.SizeResult
}

// RiskGate approves prospective positions.
type RiskGate interface {
	CheckNewPositionRisk(req risk.CheckRequest) risk.Decision
	Level() risk.Level
}

// Journal records decisions and trade entries.
type Journal interface {
	LogAIDecision(d journal.Decision) string
	LogTradeEntry(e journal.TradeEntry) string
}

// ConfirmFunc decides whether a signal in confirm mode executes now.
type ConfirmFunc func(TradingSignal) bool

// Executor runs analysis text through extraction, the quality gate and the
// configured execution mode.
type Executor struct {
	ex        Exchange
	orders    Orders
	sizer     Sizer
	risk      RiskGate
	journal   Journal
	extractor *Extractor
	bus       *events.Bus
	metrics   *monitor.Metrics
	logger    *zap.Logger
	now       func() time.Time

	mu       sync.Mutex
	settings Settings
	confirm  ConfirmFunc
	history  []TradingSignal
	pending  map[string]TradingSignal
	stats    Stats
}

func NewExecutor(ex Exchange, orders Orders, sizer Sizer, gate RiskGate, settings Settings, logger *zap.Logger, bus *events.Bus, metrics *monitor.Metrics) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultSettings()
	if settings.Mode == "" {
		settings.Mode = def.Mode
	}
	if settings.MinStrength == 0 {
		settings.MinStrength = def.MinStrength
	}
	if settings.MaxDailyTrades <= 0 {
		settings.MaxDailyTrades = def.MaxDailyTrades
	}
	if settings.MaxPriceDeviation <= 0 {
		settings.MaxPriceDeviation = def.MaxPriceDeviation
	}
	if settings.MinRiskReward <= 0 {
		settings.MinRiskReward = def.MinRiskReward
	}
	if settings.MarketOrderDeviation <= 0 {
		settings.MarketOrderDeviation = def.MarketOrderDeviation
	}
	if settings.MaxPositionSizeRatio <= 0 {
		settings.MaxPositionSizeRatio = def.MaxPositionSizeRatio
	}
	if settings.MinQuantity <= 0 {
		settings.MinQuantity = def.MinQuantity
	}
	if settings.MaxLeverage <= 0 {
		settings.MaxLeverage = def.MaxLeverage
	}
	return &Executor{
		ex:        ex,
		orders:    orders,
		sizer:     sizer,
		risk:      gate,
		journal:   journal.Nop{},
		extractor: NewExtractor(),
		bus:       bus,
		metrics:   metrics,
		logger:    logger.Named("signal_executor"),
		now:       time.Now,
		settings:  settings,
		pending:   make(map[string]TradingSignal),
	}
}

// WithJournal sets the decision and trade sink.
func (x *Executor) WithJournal(j Journal) *Executor {
	if j != nil {
		x.journal = j
	}
	return x
}

func (x *Executor) SetMode(m Mode) {
	x.mu.Lock()
	x.settings.Mode = m
	x.mu.Unlock()
	x.logger.Info("execution mode set", zap.String("mode", string(m)))
}

// SetConfirmation installs the confirm-mode callback. Nil leaves every
// signal awaiting manual confirmation.
func (x *Executor) SetConfirmation(fn ConfirmFunc) {
	x.mu.Lock()
	x.confirm = fn
	x.mu.Unlock()
}

func (x *Executor) Settings() Settings {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.settings
}

// Process extracts a signal from req.Text, gates it and acts on it according
// to the execution mode.
func (x *Executor) Process(req ProcessRequest) ProcessResult {
	price := req.CurrentPrice
	if price <= 0 {
		price, _ = x.ex.CurrentPrice(req.Symbol)
	}

	sig := x.extractor.Extract(req.Text, price)
	sig.Symbol = req.Symbol
	sig.AIDecisionID = req.AIDecisionID
	if sig.AIDecisionID == "" {
		sig.AIDecisionID = x.journal.LogAIDecision(journal.Decision{
			Symbol:       req.Symbol,
			ModelUsed:    orDefault(req.ModelUsed, "unknown"),
			AnalysisType: orDefault(req.AnalysisType, "vpa"),
			RawAnalysis:  req.Text,
			ExtractedSignal: map[string]any{
				"direction":   sig.Direction,
				"strength":    sig.Strength,
				"entry_price": sig.EntryPrice,
				"stop_loss":   sig.StopLoss,
				"take_profit": sig.TakeProfit,
			},
			Confidence: sig.Confidence,
		})
	}

	quality := x.AssessQuality(sig)

	x.mu.Lock()
	x.history = append(x.history, sig)
	if len(x.history) > maxHistory {
		x.history = append([]TradingSignal(nil), x.history[len(x.history)-maxHistory/2:]...)
	}
	x.stats.TotalSignals++
	if !quality.Passed {
		x.stats.RejectedSignals++
	}
	mode := x.settings.Mode
	confirm := x.confirm
	x.mu.Unlock()

	if !quality.Passed {
		x.logger.Info("signal rejected",
			zap.String("signal_id", sig.ID),
			zap.String("symbol", sig.Symbol),
			zap.String("reason", quality.Reason))
		return x.finish(ProcessResult{Signal: sig, Action: ActionRejected, Reason: quality.Reason})
	}

	switch mode {
	case ModeSignalOnly:
		return x.finish(ProcessResult{Signal: sig, Approved: true, Action: ActionLoggedOnly})
	case ModeConfirm:
		if confirm == nil || !confirm(sig) {
			x.hold(sig)
			res := ProcessResult{Signal: sig, Approved: true, Action: ActionAwaitingConfirmation}
			if confirm == nil {
				res.Reason = "manual confirmation required"
			}
			return x.finish(res)
		}
	}

	exec := x.ExecuteSignal(sig)
	res := ProcessResult{Signal: sig, Approved: true, Action: ActionExecuted, Execution: &exec}
	if !exec.Success {
		res.Action = ActionExecutionFailed
		res.Reason = exec.Error
	}
	return x.finish(res)
}

func (x *Executor) finish(res ProcessResult) ProcessResult {
	x.metrics.IncSignal(string(res.Action))
	x.bus.Publish(events.EventSignalProcessed, res)
	return res
}

func (x *Executor) hold(sig TradingSignal) {
	now := x.now()
	x.mu.Lock()
	defer x.mu.Unlock()
	for id, s := range x.pending {
		if now.Sub(s.Time) > pendingExpiry {
			delete(x.pending, id)
		}
	}
	x.pending[sig.ID] = sig
}

// AssessQuality applies the gate checks in order and reports the first
// failure.
func (x *Executor) AssessQuality(sig TradingSignal) Quality {
	x.mu.Lock()
	s := x.settings
	cutoff := x.now().Add(-24 * time.Hour)
	recent := 0
	for _, h := range x.history {
		if h.Time.After(cutoff) {
			recent++
		}
	}
	x.mu.Unlock()

	if sig.Strength < s.MinStrength {
		return Quality{Reason: fmt.Sprintf("signal strength too low: %s < %s", sig.Strength, s.MinStrength)}
	}
	if sig.Direction == Neutral {
		return Quality{Reason: "neutral signals are not executed"}
	}
	price, reason := x.marketCheck(sig, s)
	if reason != "" {
		return Quality{Reason: reason}
	}
	if sig.RiskRewardRatio != nil && *sig.RiskRewardRatio < s.MinRiskReward {
		return Quality{Reason: fmt.Sprintf("risk/reward too low: %.2f < %.2f", *sig.RiskRewardRatio, s.MinRiskReward)}
	}
	if recent >= s.MaxDailyTrades {
		return Quality{Reason: fmt.Sprintf("daily trade limit reached: %d >= %d", recent, s.MaxDailyTrades)}
	}
	if reason := x.riskCheck(sig, price); reason != "" {
		return Quality{Reason: reason}
	}
	return Quality{Passed: true}
}

// marketCheck returns the current price, or a rejection reason when there is
// none or the entry has drifted too far from it.
func (x *Executor) marketCheck(sig TradingSignal, s Settings) (float64, string) {
	price, ok := x.ex.CurrentPrice(sig.Symbol)
	if !ok || price <= 0 {
		return 0, "no current price for " + sig.Symbol
	}
	if sig.EntryPrice != nil {
		if dev := math.Abs(*sig.EntryPrice-price) / price; dev > s.MaxPriceDeviation {
			return 0, fmt.Sprintf("entry price deviates %.2f%% from market", dev*100)
		}
	}
	return price, ""
}

func (x *Executor) riskCheck(sig TradingSignal, price float64) string {
	if x.risk == nil {
		return ""
	}
	req := risk.CheckRequest{Symbol: sig.Symbol, Side: sideFor(sig.Direction), EntryPrice: price}
	if sig.EntryPrice != nil {
		req.EntryPrice = *sig.EntryPrice
	}
	if sig.StopLoss != nil {
		req.StopLoss = *sig.StopLoss
	}
	if sig.RequestedQuantity != nil {
		req.Size = *sig.RequestedQuantity
	}
	if d := x.risk.CheckNewPositionRisk(req); !d.Approved {
		return "risk manager rejected: " + d.Reason
	}
	return ""
}

// ExecuteSignal sizes and submits sig. Entries within the market deviation of
// the current price go out as market orders, others rest as limits; either
// way stop-loss and take-profit form a bracket.
func (x *Executor) ExecuteSignal(sig TradingSignal) ExecutionResult {
	res := x.execute(sig)

	x.mu.Lock()
	x.stats.ExecutedSignals++
	if res.Success {
		x.stats.SuccessfulExecutions++
	} else {
		x.stats.FailedExecutions++
	}
	x.mu.Unlock()

	if res.Success {
		x.logger.Info("signal executed",
			zap.String("signal_id", sig.ID),
			zap.String("order_id", res.OrderID),
			zap.String("trade_id", res.TradeID),
			zap.String("order_type", res.OrderType),
			zap.Float64("quantity", res.Quantity))
	} else {
		x.logger.Warn("signal execution failed",
			zap.String("signal_id", sig.ID),
			zap.String("error", res.Error))
	}
	return res
}

func (x *Executor) execute(sig TradingSignal) ExecutionResult {
	if sig.Direction != Long && sig.Direction != Short {
		return failure(fmt.Errorf("invalid direction %q", sig.Direction))
	}
	side := sideFor(sig.Direction)
	s := x.Settings()

	price, _ := x.ex.CurrentPrice(sig.Symbol)
	qty, sizingLeverage, err := x.size(sig, price, s)
	if err != nil {
		return failure(err)
	}

	leverage := s.MaxLeverage
	if sizingLeverage > 0 {
		leverage = math.Min(leverage, sizingLeverage)
	}
	if x.risk != nil {
		leverage = math.Min(leverage, risk.Settings[x.risk.Level()].MaxLeverage)
	}

	useMarket := sig.EntryPrice == nil
	if !useMarket && price > 0 {
		useMarket = math.Abs(*sig.EntryPrice-price)/price <= s.MarketOrderDeviation
	}

	req := order.MarketOrderRequest{
		Symbol:   sig.Symbol,
		Side:     side,
		Quantity: qty,
		Leverage: leverage,
		Origin:   exchange.OriginSignal,
	}
	if sig.StopLoss != nil {
		req.StopLoss = *sig.StopLoss
	}
	if sig.TakeProfit != nil {
		req.TakeProfit = *sig.TakeProfit
	}

	var br order.BracketResult
	orderType := string(exchange.Market)
	if useMarket {
		br = x.orders.PlaceMarketOrder(req)
	} else {
		orderType = string(exchange.Limit)
		br = x.orders.PlaceLimitOrder(order.LimitOrderRequest{MarketOrderRequest: req, Price: *sig.EntryPrice})
	}
	if !br.OK() {
		err := br.Entry.Err
		if err == nil {
			err = errors.New(br.Entry.Reason)
		}
		return failure(fmt.Errorf("order rejected: %w", err))
	}

	entry := price
	if sig.EntryPrice != nil {
		entry = *sig.EntryPrice
	}
	strategy := "ai_signal"
	if sig.AIDecisionID != "" {
		strategy = "ai_" + sig.AIDecisionID
	}
	tradeID := x.journal.LogTradeEntry(journal.TradeEntry{
		Symbol:       sig.Symbol,
		Side:         string(sig.Direction),
		Quantity:     qty,
		EntryPrice:   entry,
		Leverage:     leverage,
		Strategy:     strategy,
		AIDecisionID: sig.AIDecisionID,
		OrderID:      br.Entry.OrderID,
	})

	return ExecutionResult{
		Success:        true,
		OrderID:        br.Entry.OrderID,
		OrderType:      orderType,
		GroupID:        br.GroupID,
		TradeID:        tradeID,
		Quantity:       qty,
		Leverage:       leverage,
		ExecutionPrice: entry,
	}
}

// size returns the order quantity and the leverage cap of the sizing level
// when risk sizing was used.
func (x *Executor) size(sig TradingSignal, price float64, s Settings) (float64, float64, error) {
	ref := price
	if sig.EntryPrice != nil {
		ref = *sig.EntryPrice
	}
	if ref <= 0 {
		return 0, 0, fmt.Errorf("no price for %s", sig.Symbol)
	}

	var qty, leverage float64
	switch {
	case sig.RequestedQuantity != nil && *sig.RequestedQuantity > 0:
		qty = *sig.RequestedQuantity
	case sig.StopLoss != nil:
		r := x.sizer.CalculatePositionSize(position.SizeRequest{Symbol: sig.Symbol, EntryPrice: ref, StopLoss: *sig.StopLoss})
		if r.Err != nil {
			return 0, 0, r.Err
		}
		qty, leverage = r.RecommendedSize, r.MaxLeverage
	default:
		qty = x.ex.GetAccountInfo().AvailableBalance * s.MaxPositionSizeRatio / ref
	}

	qty *= sig.Strength.multiplier()
	if sig.Confidence != nil && *sig.Confidence > 0 {
		qty *= *sig.Confidence
	}
	qty = math.Max(qty, s.MinQuantity)
	return math.Round(qty*1e6) / 1e6, leverage, nil
}

// ExecuteManualSignal executes a previously extracted signal without gating
// it again, removing it from the pending set.
func (x *Executor) ExecuteManualSignal(sig TradingSignal) ExecutionResult {
	x.mu.Lock()
	delete(x.pending, sig.ID)
	x.mu.Unlock()
	res := x.ExecuteSignal(sig)
	action := ActionExecuted
	if !res.Success {
		action = ActionExecutionFailed
	}
	x.finish(ProcessResult{Signal: sig, Approved: true, Action: action, Reason: res.Error, Execution: &res})
	return res
}

// ConfirmSignal executes the pending signal with id. The market and risk
// checks run again since state may have changed while the signal was held;
// a signal that fails them is dropped and ErrSignalRejected is returned.
func (x *Executor) ConfirmSignal(id string) (ExecutionResult, error) {
	x.mu.Lock()
	sig, ok := x.pending[id]
	x.mu.Unlock()
	if !ok {
		return ExecutionResult{}, fmt.Errorf("%w: %s", ErrSignalNotFound, id)
	}

	price, reason := x.marketCheck(sig, x.Settings())
	if reason == "" {
		reason = x.riskCheck(sig, price)
	}
	if reason != "" {
		x.mu.Lock()
		delete(x.pending, id)
		x.stats.RejectedSignals++
		x.mu.Unlock()
		x.logger.Info("confirmed signal rejected",
			zap.String("signal_id", id),
			zap.String("symbol", sig.Symbol),
			zap.String("reason", reason))
		x.finish(ProcessResult{Signal: sig, Action: ActionRejected, Reason: reason})
		err := fmt.Errorf("%w: %s", ErrSignalRejected, reason)
		return ExecutionResult{Error: err.Error(), Err: err}, err
	}
	return x.ExecuteManualSignal(sig), nil
}

// Pending lists signals awaiting confirmation, oldest first.
func (x *Executor) Pending() []TradingSignal {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := make([]TradingSignal, 0, len(x.pending))
	for _, s := range x.pending {
		out = append(out, s)
	}
	sortByTime(out)
	return out
}

// History returns up to limit of the newest signals, oldest first. Zero
// returns everything.
func (x *Executor) History(limit int) []TradingSignal {
	x.mu.Lock()
	defer x.mu.Unlock()
	h := x.history
	if limit > 0 && len(h) > limit {
		h = h[len(h)-limit:]
	}
	return append([]TradingSignal(nil), h...)
}

func (x *Executor) Stats() Stats {
	x.mu.Lock()
	defer x.mu.Unlock()
	st := x.stats
	st.PendingConfirmations = len(x.pending)
	if st.TotalSignals > 0 {
		st.ExecutionRate = float64(st.ExecutedSignals) / float64(st.TotalSignals)
	}
	if st.ExecutedSignals > 0 {
		st.SuccessRate = float64(st.SuccessfulExecutions) / float64(st.ExecutedSignals)
	}
	st.Settings = x.settings
	return st
}

func failure(err error) ExecutionResult {
	return ExecutionResult{Error: err.Error(), Err: err}
}

func sideFor(d Direction) exchange.Side {
	if d == Short {
		return exchange.Sell
	}
	return exchange.Buy
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func sortByTime(s []TradingSignal) {
	sort.Slice(s, func(i, j int) bool { return s[i].Time.Before(s[j].Time) })
}

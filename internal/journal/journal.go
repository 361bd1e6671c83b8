// Package journal records trades, AI decisions and risk events. Writes are
// fire-and-forget: failures are logged and counted, never returned to the
// trading path.
package journal

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"vpa-trader/internal/persistence"
	"vpa-trader/pkg/db"
)

// TradeEntry opens a trade record.
type TradeEntry struct {
	Symbol       string  `json:"symbol"`
	Side         string  `json:"side"`
	Quantity     float64 `json:"quantity"`
	EntryPrice   float64 `json:"entry_price"`
	Leverage     float64 `json:"leverage"`
	Strategy     string  `json:"strategy"`
	AIDecisionID string  `json:"ai_decision_id,omitempty"`
	// OrderID is the entry order. It is not stored; the tracker uses it to
	// drop entries whose order is cancelled before filling.
	OrderID string `json:"order_id,omitempty"`
}

// TradeExit closes a trade record.
type TradeExit struct {
	TradeID     string  `json:"trade_id"`
	ExitPrice   float64 `json:"exit_price"`
	RealizedPnL float64 `json:"realized_pnl"`
	ExitReason  string  `json:"exit_reason"`
}

// Decision is one analysis and the signal extracted from it.
type Decision struct {
	Symbol          string   `json:"symbol"`
	ModelUsed       string   `json:"model_used"`
	AnalysisType    string   `json:"analysis_type"`
	RawAnalysis     string   `json:"raw_analysis"`
	ExtractedSignal any      `json:"extracted_signal"`
	Confidence      *float64 `json:"confidence,omitempty"`
}

// Sink is the write contract used by the trading components.
type Sink interface {
	LogTradeEntry(e TradeEntry) string
	LogTradeExit(e TradeExit)
	LogRiskEvent(eventType, severity, description, actionTaken string)
	LogAIDecision(d Decision) string
}

// Nop discards everything but still hands out ids.
type Nop struct{}

func (Nop) LogTradeEntry(TradeEntry) string             { return uuid.NewString() }
func (Nop) LogTradeExit(TradeExit)                      {}
func (Nop) LogRiskEvent(string, string, string, string) {}
func (Nop) LogAIDecision(Decision) string               { return uuid.NewString() }

// SQLite batches journal rows into the sqlite tables from pkg/db.
type SQLite struct {
	writer *persistence.BatchWriter
	logger *zap.Logger
	now    func() time.Time
}

func NewSQLite(database *db.Database, logger *zap.Logger) *SQLite {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLite{
		writer: persistence.NewBatchWriter(database.DB, 50, 500*time.Millisecond, logger),
		logger: logger.Named("journal"),
		now:    time.Now,
	}
}

func (s *SQLite) LogTradeEntry(e TradeEntry) string {
	id := uuid.NewString()
	s.writer.WriteQuery("trades", db.InsertTradeSQL,
		id, e.Symbol, e.Side, e.Quantity, e.EntryPrice, e.Leverage, e.Strategy, nullable(e.AIDecisionID), s.now().UnixMilli())
	s.logger.Debug("trade entry queued", zap.String("trade_id", id), zap.String("symbol", e.Symbol))
	return id
}

func (s *SQLite) LogTradeExit(e TradeExit) {
	s.writer.WriteQuery("trades", db.CloseTradeSQL,
		e.ExitPrice, e.RealizedPnL, e.ExitReason, s.now().UnixMilli(), e.TradeID)
}

func (s *SQLite) LogRiskEvent(eventType, severity, description, actionTaken string) {
	s.writer.WriteQuery("risk_events", db.InsertRiskEventSQL,
		uuid.NewString(), eventType, severity, description, actionTaken, s.now().UnixMilli())
}

func (s *SQLite) LogAIDecision(d Decision) string {
	id := uuid.NewString()
	extracted, err := json.Marshal(d.ExtractedSignal)
	if err != nil {
		s.logger.Warn("encode extracted signal", zap.Error(err))
		extracted = []byte("{}")
	}
	var confidence any
	if d.Confidence != nil {
		confidence = *d.Confidence
	}
	s.writer.WriteQuery("ai_decisions", db.InsertDecisionSQL,
		id, d.Symbol, d.ModelUsed, d.AnalysisType, d.RawAnalysis, string(extracted), confidence, s.now().UnixMilli())
	return id
}

// Flush writes queued rows now.
func (s *SQLite) Flush() error { return s.writer.Flush() }

func (s *SQLite) Metrics() persistence.BatchWriterMetrics { return s.writer.GetMetrics() }

// Close flushes remaining rows and stops the background writer.
func (s *SQLite) Close() error { return s.writer.Close() }

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

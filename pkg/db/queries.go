package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var ErrNotFound = errors.New("record not found")

// Statements shared with the batch writer.
const (
	InsertTradeSQL = `INSERT INTO trades (id, symbol, side, quantity, entry_price, leverage, strategy, ai_decision_id, status, entry_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'open', ?)`
	CloseTradeSQL = `UPDATE trades SET exit_price = ?, realized_pnl = ?, exit_reason = ?, status = 'closed', exit_time = ?
		WHERE id = ?`
	InsertDecisionSQL = `INSERT INTO ai_decisions (id, symbol, model_used, analysis_type, raw_analysis, extracted_signal, confidence, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	InsertRiskEventSQL = `INSERT INTO risk_events (id, event_type, severity, description, action_taken, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`
)

// GetTrade loads one trade by id.
func (d *Database) GetTrade(ctx context.Context, id string) (*TradeRecord, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT id, symbol, side, quantity, entry_price, exit_price, leverage, COALESCE(strategy, ''),
		       COALESCE(ai_decision_id, ''), realized_pnl, COALESCE(exit_reason, ''), status, entry_time, exit_time
		FROM trades WHERE id = ?`, id)
	t, err := scanTrade(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

// RecentTrades returns the newest trades first.
func (d *Database) RecentTrades(ctx context.Context, limit int) ([]TradeRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, symbol, side, quantity, entry_price, exit_price, leverage, COALESCE(strategy, ''),
		       COALESCE(ai_decision_id, ''), realized_pnl, COALESCE(exit_reason, ''), status, entry_time, exit_time
		FROM trades ORDER BY entry_time DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var out []TradeRecord
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// RecentRiskEvents returns the newest risk events first.
func (d *Database) RecentRiskEvents(ctx context.Context, limit int) ([]RiskEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, event_type, severity, COALESCE(description, ''), COALESCE(action_taken, ''), created_at
		FROM risk_events ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query risk events: %w", err)
	}
	defer rows.Close()

	var out []RiskEvent
	for rows.Next() {
		var (
			e  RiskEvent
			ts int64
		)
		if err := rows.Scan(&e.ID, &e.EventType, &e.Severity, &e.Description, &e.ActionTaken, &ts); err != nil {
			return nil, fmt.Errorf("scan risk event: %w", err)
		}
		e.CreatedAt = time.UnixMilli(ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetDecision loads one AI decision by id.
func (d *Database) GetDecision(ctx context.Context, id string) (*AIDecision, error) {
	var (
		a    AIDecision
		conf sql.NullFloat64
		ts   int64
	)
	err := d.DB.QueryRowContext(ctx, `
		SELECT id, symbol, COALESCE(model_used, ''), COALESCE(analysis_type, ''), COALESCE(raw_analysis, ''),
		       COALESCE(extracted_signal, ''), confidence, created_at
		FROM ai_decisions WHERE id = ?`, id).
		Scan(&a.ID, &a.Symbol, &a.ModelUsed, &a.AnalysisType, &a.RawAnalysis, &a.ExtractedSignal, &conf, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan decision: %w", err)
	}
	if conf.Valid {
		v := conf.Float64
		a.Confidence = &v
	}
	a.CreatedAt = time.UnixMilli(ts)
	return &a, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrade(r rowScanner) (*TradeRecord, error) {
	var (
		t        TradeRecord
		exitPx   sql.NullFloat64
		entryTs  int64
		exitTs   sql.NullInt64
		leverage sql.NullFloat64
	)
	if err := r.Scan(&t.ID, &t.Symbol, &t.Side, &t.Quantity, &t.EntryPrice, &exitPx, &leverage, &t.Strategy,
		&t.AIDecisionID, &t.RealizedPnL, &t.ExitReason, &t.Status, &entryTs, &exitTs); err != nil {
		return nil, err
	}
	if exitPx.Valid {
		v := exitPx.Float64
		t.ExitPrice = &v
	}
	t.Leverage = 1
	if leverage.Valid {
		t.Leverage = leverage.Float64
	}
	t.EntryTime = time.UnixMilli(entryTs)
	if exitTs.Valid {
		ts := time.UnixMilli(exitTs.Int64)
		t.ExitTime = &ts
	}
	return &t, nil
}

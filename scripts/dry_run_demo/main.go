package main

import (
	"log"

	"vpa-trader/internal/exchange"
	"vpa-trader/internal/order"
	"vpa-trader/internal/position"
	"vpa-trader/internal/risk"
	"vpa-trader/internal/signal"
	"vpa-trader/pkg/config"
)

// dry_run_demo walks one analysis through the in-process engine: extract,
// gate, execute with a bracket, then move the price until the take-profit
// fires. Nothing is persisted.
//
// Usage:
//   go run ./scripts/dry_run_demo
//
// It will:
//   1) Process a bullish analysis in auto mode.
//   2) Push ETHUSDT up to the target and run the trigger pass.
//   3) Print the closed trade, account and performance.

const analysis = "Strong bullish spring on ETH, smart money accumulation. Entry: 3000 stop: 2940 target: 3180 confidence: 85%"

func main() {
	log.Println("=== DRY-RUN demo starting ===")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config error: %v", err)
	}

	ex := exchange.New(exchange.Config{
		InitialBalance:  cfg.InitialBalance,
		DefaultLeverage: cfg.DefaultLeverage,
		MakerFee:        cfg.MakerFee,
		TakerFee:        cfg.TakerFee,
	}, nil, nil, nil)
	ex.UpdateMarketPrice("ETHUSDT", 3000)

	orders := order.NewManager(ex, 0, nil, nil, nil)
	positions := position.NewManager(ex, nil)
	ex.OnFill(positions.OnFill)
	riskMgr := risk.NewManager(ex, risk.Moderate, nil, nil, nil).WithPerformance(positions)

	settings := signal.DefaultSettings()
	settings.Mode = signal.ModeAuto
	exec := signal.NewExecutor(ex, orders, positions, riskMgr, settings, nil, nil, nil)

	log.Printf("[SCENARIO 1] Process analysis")
	res := exec.Process(signal.ProcessRequest{Text: analysis, Symbol: "ETHUSDT", CurrentPrice: 3000})
	log.Printf("  action=%s strength=%s reason=%q", res.Action, res.Signal.Strength, res.Reason)
	if res.Execution == nil || !res.Execution.Success {
		log.Fatalf("  execution failed: %+v", res.Execution)
	}
	log.Printf("  order=%s qty=%.6f leverage=%.0f group=%s", res.Execution.OrderID, res.Execution.Quantity, res.Execution.Leverage, res.Execution.GroupID)

	log.Printf("[SCENARIO 2] Walk price to the target")
	for _, p := range []float64{3050, 3120, 3185} {
		ex.UpdateMarketPrice("ETHUSDT", p)
		fired := orders.CheckConditionalOrders()
		log.Printf("  price=%.2f triggered=%d", p, fired)
	}

	acct := ex.GetAccountInfo()
	log.Printf("[RESULT] balance=%.2f total_pnl=%.2f fees=%.4f positions=%d", acct.TotalBalance, acct.TotalPnL, acct.TotalFees, acct.PositionsCount)
	for _, t := range positions.ClosedTrades() {
		log.Printf("  closed %s pnl=%.2f reason=%s held=%s", t.Symbol, t.RealizedPnL, t.ExitReason, t.HoldingDuration)
	}
	perf := positions.PerformanceSummary()
	log.Printf("  trades=%d win_rate=%.2f", perf.TotalTrades, perf.WinRate)

	log.Println("=== DRY-RUN demo finished ===")
}

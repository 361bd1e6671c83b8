package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"vpa-trader/internal/api"
	"vpa-trader/internal/events"
	"vpa-trader/internal/exchange"
	"vpa-trader/internal/journal"
	"vpa-trader/internal/market"
	"vpa-trader/internal/monitor"
	"vpa-trader/internal/order"
	"vpa-trader/internal/position"
	"vpa-trader/internal/risk"
	sig "vpa-trader/internal/signal"
	"vpa-trader/pkg/config"
	"vpa-trader/pkg/db"
	"vpa-trader/pkg/logging"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.NewLogger(cfg.ServiceName, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("engine stopped with error", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("engine stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	bus := events.NewBus()
	metrics := monitor.NewMetrics()

	// Journal. A database that cannot be opened disables journaling only.
	var (
		database *db.Database
		sink     journal.Sink = journal.Nop{}
	)
	if d, err := openJournal(cfg.JournalDBPath); err != nil {
		logger.Warn("journal disabled", zap.String("path", cfg.JournalDBPath), zap.Error(err))
	} else {
		database = d
		store := journal.NewSQLite(d, logger)
		defer func() {
			if err := store.Close(); err != nil {
				logger.Warn("journal close failed", zap.Error(err))
			}
			_ = d.Close()
		}()
		sink = store
	}
	tracker := journal.NewTracker(sink, logger)

	ex := exchange.New(exchange.Config{
		InitialBalance:   cfg.InitialBalance,
		DefaultLeverage:  cfg.DefaultLeverage,
		MakerFee:         cfg.MakerFee,
		TakerFee:         cfg.TakerFee,
		Slippage:         cfg.Slippage,
		LiquidationRatio: cfg.LiquidationRatio,
	}, logger, bus, metrics)

	orders := order.NewManager(ex, cfg.TriggerInterval, logger, bus, metrics)

	positions := position.NewManager(ex, logger)
	if cfg.Profile != nil && cfg.Profile.Risk.PositionLevel > 0 {
		if err := positions.SetRiskLevel(cfg.Profile.Risk.PositionLevel, "profile"); err != nil {
			return fmt.Errorf("position level: %w", err)
		}
	}
	ex.OnFill(positions.OnFill)
	ex.OnFill(tracker.OnFill)

	level, err := risk.ParseLevel(cfg.RiskLevel)
	if err != nil {
		return fmt.Errorf("risk level: %w", err)
	}
	riskMgr := risk.NewManager(ex, level, logger, bus, metrics).
		WithJournal(tracker).
		WithPerformance(positions)

	settings, err := signalSettings(cfg)
	if err != nil {
		return err
	}
	signals := sig.NewExecutor(ex, orders, positions, riskMgr, settings, logger, bus, metrics).
		WithJournal(tracker)

	server := api.NewServer(api.Deps{
		Exchange:  ex,
		Orders:    orders,
		Positions: positions,
		Risk:      riskMgr,
		Signals:   signals,
		DB:        database,
		Bus:       bus,
		Metrics:   metrics,
		Logger:    logger,
		JWTSecret: cfg.JWTSecret,
		AdminKey:  cfg.AdminKey,
	})
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	grpcServer := grpc.NewServer()
	healthSrv := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthSrv)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return orders.Start(ctx) })
	g.Go(func() error { return followPrices(ctx, bus, ex, positions, logger) })
	g.Go(func() error { return tracker.Follow(ctx, bus) })
	g.Go(func() error {
		return (&monitor.Monitor{Bus: bus, Sink: monitor.LogSink{Logger: logger.Named("alerts")}, Logger: logger}).Start(ctx)
	})

	if cfg.RiskMonitorInterval > 0 {
		g.Go(func() error { return riskMgr.Start(ctx, cfg.RiskMonitorInterval) })
	}

	if cfg.UseMockFeed {
		feed := &market.MockFeed{
			Sink:       ex,
			Symbols:    cfg.Symbols,
			StartPrice: cfg.MockStartPrice,
			Step:       cfg.MockStep,
			Interval:   cfg.MockInterval,
			Logger:     logger,
		}
		g.Go(func() error { return feed.Start(ctx) })
	}

	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer client.Close()
		mirror := events.NewRedisMirror(client, cfg.RedisStream, 0, logger)
		g.Go(func() error { return mirror.Run(ctx, bus, mirroredTopics) })
	}

	g.Go(func() error {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPCPort))
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		healthSrv.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
		logger.Info("grpc health listening", zap.Int("port", cfg.GRPCPort))
		return grpcServer.Serve(lis)
	})

	g.Go(func() error {
		logger.Info("http listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		healthSrv.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		grpcServer.GracefulStop()
		return err
	})

	return g.Wait()
}

// mirroredTopics leaves out price ticks because of their volume.
var mirroredTopics = []events.Event{
	events.EventOrderFilled,
	events.EventOrderCancelled,
	events.EventOrderRejected,
	events.EventConditionalTriggered,
	events.EventPositionLiquidated,
	events.EventRiskAlert,
	events.EventEmergencyStop,
	events.EventRiskLevelChanged,
	events.EventSignalProcessed,
}

// followPrices feeds every tick to the position metrics and runs the
// liquidation check.
func followPrices(ctx context.Context, bus *events.Bus, ex *exchange.Exchange, pm *position.Manager, logger *zap.Logger) error {
	ticks, unsub := bus.Subscribe(events.EventPriceTick, 256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ticks:
			if !ok {
				return nil
			}
			tick, ok := msg.(events.PriceTick)
			if !ok {
				continue
			}
			pm.OnPriceUpdate(tick.Symbol, tick.Price)
			if liquidated := ex.CheckLiquidation(); len(liquidated) > 0 {
				logger.Warn("positions liquidated", zap.Strings("symbols", liquidated))
			}
		}
	}
}

func openJournal(path string) (*db.Database, error) {
	d, err := db.New(path)
	if err != nil {
		return nil, err
	}
	if err := db.ApplyMigrations(d); err != nil {
		_ = d.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return d, nil
}

// signalSettings applies the execution mode and any profile overrides to
// the executor defaults.
func signalSettings(cfg *config.Config) (sig.Settings, error) {
	s := sig.DefaultSettings()
	mode, err := sig.ParseMode(cfg.ExecutionMode)
	if err != nil {
		return s, fmt.Errorf("execution mode: %w", err)
	}
	s.Mode = mode
	if cfg.Profile == nil {
		return s, nil
	}
	p := cfg.Profile.Signal
	if p.MinStrength != "" {
		st, err := sig.ParseStrength(strings.TrimSpace(p.MinStrength))
		if err != nil {
			return s, fmt.Errorf("min strength: %w", err)
		}
		s.MinStrength = st
	}
	if p.MaxDailyTrades > 0 {
		s.MaxDailyTrades = p.MaxDailyTrades
	}
	if p.MaxPriceDeviation > 0 {
		s.MaxPriceDeviation = p.MaxPriceDeviation
	}
	if p.MinRiskReward > 0 {
		s.MinRiskReward = p.MinRiskReward
	}
	return s, nil
}

package market

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// PriceSink receives every generated price.
type PriceSink interface {
	UpdateMarketPrice(symbol string, price float64)
}

// MockFeed drives a random walk per symbol for local development. The
// exchange publishes the resulting ticks on the bus.
type MockFeed struct {
	Sink       PriceSink
	Symbols    []string
	StartPrice float64
	Step       float64
	Interval   time.Duration
	Logger     *zap.Logger

	rnd    *rand.Rand
	prices map[string]float64
}

// Start seeds every symbol at StartPrice, then ticks until ctx is cancelled.
// It returns nil on cancellation so it can run under an errgroup.
func (m *MockFeed) Start(ctx context.Context) error {
	m.init()
	if m.Sink == nil {
		m.Logger.Warn("mock feed has no sink, not starting")
		return nil
	}
	for _, sym := range m.Symbols {
		m.Sink.UpdateMarketPrice(sym, m.prices[sym])
	}
	m.Logger.Info("mock feed started",
		zap.Strings("symbols", m.Symbols),
		zap.Float64("start_price", m.StartPrice),
		zap.Duration("interval", m.Interval))

	t := time.NewTicker(m.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			m.Tick()
		}
	}
}

// Tick advances every symbol one step and pushes the new prices.
func (m *MockFeed) Tick() {
	m.init()
	for _, sym := range m.Symbols {
		p := m.prices[sym] + (m.rnd.Float64()*2-1)*m.Step
		if p <= 0 {
			p = m.Step
		}
		m.prices[sym] = p
		if m.Sink != nil {
			m.Sink.UpdateMarketPrice(sym, p)
		}
	}
}

// Price returns the last generated price for symbol.
func (m *MockFeed) Price(symbol string) float64 {
	m.init()
	return m.prices[symbol]
}

func (m *MockFeed) init() {
	if m.prices != nil {
		return
	}
	if m.Logger == nil {
		m.Logger = zap.NewNop()
	}
	m.Logger = m.Logger.Named("mock_feed")
	if len(m.Symbols) == 0 {
		m.Symbols = []string{"ETHUSDT"}
	}
	if m.StartPrice <= 0 {
		m.StartPrice = 3000
	}
	if m.Step <= 0 {
		m.Step = 0.5
	}
	if m.Interval <= 0 {
		m.Interval = time.Second
	}
	if m.rnd == nil {
		m.rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	m.prices = make(map[string]float64, len(m.Symbols))
	for _, sym := range m.Symbols {
		m.prices[sym] = m.StartPrice
	}
}

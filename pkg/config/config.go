package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the trading engine.
type Config struct {
	ServiceName string
	Port        string
	GRPCPort    int
	LogLevel    string

	// Journal
	JournalDBPath string

	// Simulated exchange
	InitialBalance   float64
	DefaultLeverage  float64
	MakerFee         float64
	TakerFee         float64
	Slippage         float64
	LiquidationRatio float64

	// Market data
	Symbols        []string
	UseMockFeed    bool
	MockStartPrice float64
	MockStep       float64
	MockInterval   time.Duration

	// Loops. A zero risk interval runs monitoring on demand only.
	TriggerInterval     time.Duration
	RiskMonitorInterval time.Duration

	// Risk / signal defaults
	RiskLevel     string
	ExecutionMode string

	// Auth
	JWTSecret string
	AdminKey  string

	// Redis event mirror (empty addr disables it)
	RedisAddr   string
	RedisStream string

	// Optional YAML/TOML trading profile
	ProfilePath string
	Profile     *Profile
}

// Load reads environment variables (optionally via .env) into Config and
// applies the trading profile when PROFILE_PATH is set.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	cfg := &Config{
		ServiceName:         getEnv("SERVICE_NAME", "vpa-trader"),
		Port:                getEnv("PORT", "8080"),
		GRPCPort:            getEnvInt("GRPC_PORT", 50051),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		JournalDBPath:       getEnv("JOURNAL_DB_PATH", "./data/journal.db"),
		InitialBalance:      getEnvFloat("INITIAL_BALANCE", 10000),
		DefaultLeverage:     getEnvFloat("DEFAULT_LEVERAGE", 10),
		MakerFee:            getEnvFloat("MAKER_FEE", 0.0002),
		TakerFee:            getEnvFloat("TAKER_FEE", 0.0004),
		Slippage:            getEnvFloat("SLIPPAGE", 0.0001),
		LiquidationRatio:    getEnvFloat("LIQUIDATION_RATIO", 0.05),
		Symbols:             splitAndTrim(getEnv("SYMBOLS", "ETHUSDT,BTCUSDT")),
		UseMockFeed:         getEnv("USE_MOCK_FEED", "true") == "true",
		MockStartPrice:      getEnvFloat("MOCK_START_PRICE", 3000),
		MockStep:            getEnvFloat("MOCK_STEP", 1.5),
		MockInterval:        time.Duration(getEnvInt("MOCK_INTERVAL_MS", 1000)) * time.Millisecond,
		TriggerInterval:     time.Duration(getEnvInt("TRIGGER_INTERVAL_MS", 100)) * time.Millisecond,
		RiskMonitorInterval: time.Duration(getEnvInt("RISK_MONITOR_INTERVAL_MS", 0)) * time.Millisecond,
		RiskLevel:           strings.ToLower(getEnv("RISK_LEVEL", "moderate")),
		ExecutionMode:       strings.ToLower(getEnv("EXECUTION_MODE", "confirm")),
		JWTSecret:           getEnv("JWT_SECRET", "dev-secret"),
		AdminKey:            getEnv("ADMIN_KEY", "dev-admin"),
		RedisAddr:           os.Getenv("REDIS_ADDR"),
		RedisStream:         getEnv("REDIS_STREAM", "vpa:events"),
		ProfilePath:         os.Getenv("PROFILE_PATH"),
	}

	if cfg.ProfilePath != "" {
		p, err := LoadProfile(cfg.ProfilePath)
		if err != nil {
			return nil, fmt.Errorf("load profile: %w", err)
		}
		cfg.Profile = p
		cfg.ApplyProfile(p)
	}
	return cfg, nil
}

// ApplyProfile overrides exchange and mode settings with non-zero profile values.
func (c *Config) ApplyProfile(p *Profile) {
	if p == nil {
		return
	}
	if p.Exchange.InitialBalance > 0 {
		c.InitialBalance = p.Exchange.InitialBalance
	}
	if p.Exchange.DefaultLeverage > 0 {
		c.DefaultLeverage = p.Exchange.DefaultLeverage
	}
	if p.Exchange.MakerFee > 0 {
		c.MakerFee = p.Exchange.MakerFee
	}
	if p.Exchange.TakerFee > 0 {
		c.TakerFee = p.Exchange.TakerFee
	}
	if p.Exchange.Slippage > 0 {
		c.Slippage = p.Exchange.Slippage
	}
	if len(p.Symbols) > 0 {
		c.Symbols = p.Symbols
	}
	if p.Risk.Level != "" {
		c.RiskLevel = strings.ToLower(p.Risk.Level)
	}
	if p.Signal.Mode != "" {
		c.ExecutionMode = strings.ToLower(p.Signal.Mode)
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

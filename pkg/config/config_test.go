package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PROFILE_PATH", "")
	t.Setenv("INITIAL_BALANCE", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 10000.0, cfg.InitialBalance)
	assert.Equal(t, 10.0, cfg.DefaultLeverage)
	assert.Equal(t, 0.0004, cfg.TakerFee)
	assert.Equal(t, 100*time.Millisecond, cfg.TriggerInterval)
	assert.Equal(t, []string{"ETHUSDT", "BTCUSDT"}, cfg.Symbols)
	assert.Nil(t, cfg.Profile)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("INITIAL_BALANCE", "2500.5")
	t.Setenv("SYMBOLS", " SOLUSDT , ,ETHUSDT")
	t.Setenv("GRPC_PORT", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 2500.5, cfg.InitialBalance)
	assert.Equal(t, []string{"SOLUSDT", "ETHUSDT"}, cfg.Symbols)
	assert.Equal(t, 50051, cfg.GRPCPort)
}

func TestLoadProfileFormats(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "profile.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(`
symbols: [ETHUSDT]
exchange:
  initial_balance: 5000
  taker_fee: 0.0005
risk:
  level: Aggressive
signal:
  mode: auto
  max_daily_trades: 3
`), 0o644))

	tomlPath := filepath.Join(dir, "profile.toml")
	require.NoError(t, os.WriteFile(tomlPath, []byte(`
symbols = ["BTCUSDT"]
[exchange]
default_leverage = 5.0
[signal]
mode = "signal_only"
min_risk_reward = 2.0
`), 0o644))

	t.Run("yaml", func(t *testing.T) {
		p, err := LoadProfile(yamlPath)
		require.NoError(t, err)
		assert.Equal(t, 5000.0, p.Exchange.InitialBalance)
		assert.Equal(t, 3, p.Signal.MaxDailyTrades)

		cfg := &Config{InitialBalance: 10000, TakerFee: 0.0004, RiskLevel: "moderate"}
		cfg.ApplyProfile(p)
		assert.Equal(t, 5000.0, cfg.InitialBalance)
		assert.Equal(t, 0.0005, cfg.TakerFee)
		assert.Equal(t, "aggressive", cfg.RiskLevel)
		assert.Equal(t, "auto", cfg.ExecutionMode)
		assert.Equal(t, []string{"ETHUSDT"}, cfg.Symbols)
	})

	t.Run("toml", func(t *testing.T) {
		p, err := LoadProfile(tomlPath)
		require.NoError(t, err)
		assert.Equal(t, 5.0, p.Exchange.DefaultLeverage)
		assert.Equal(t, "signal_only", p.Signal.Mode)
		assert.Equal(t, 2.0, p.Signal.MinRiskReward)
		assert.Equal(t, []string{"BTCUSDT"}, p.Symbols)
	})

	t.Run("unsupported", func(t *testing.T) {
		other := filepath.Join(dir, "profile.json")
		require.NoError(t, os.WriteFile(other, []byte(`{}`), 0o644))
		_, err := LoadProfile(other)
		assert.Error(t, err)
	})

	t.Run("via env", func(t *testing.T) {
		t.Setenv("PROFILE_PATH", yamlPath)
		cfg, err := Load()
		require.NoError(t, err)
		require.NotNil(t, cfg.Profile)
		assert.Equal(t, 5000.0, cfg.InitialBalance)
	})
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Profile is the optional trading profile file. Zero values keep defaults.
type Profile struct {
	Symbols  []string        `yaml:"symbols" toml:"symbols"`
	Exchange ExchangeProfile `yaml:"exchange" toml:"exchange"`
	Risk     RiskProfile     `yaml:"risk" toml:"risk"`
	Signal   SignalProfile   `yaml:"signal" toml:"signal"`
}

type ExchangeProfile struct {
	InitialBalance  float64 `yaml:"initial_balance" toml:"initial_balance"`
	DefaultLeverage float64 `yaml:"default_leverage" toml:"default_leverage"`
	MakerFee        float64 `yaml:"maker_fee" toml:"maker_fee"`
	TakerFee        float64 `yaml:"taker_fee" toml:"taker_fee"`
	Slippage        float64 `yaml:"slippage" toml:"slippage"`
}

type RiskProfile struct {
	Level         string `yaml:"level" toml:"level"`
	PositionLevel int    `yaml:"position_level" toml:"position_level"`
}

type SignalProfile struct {
	Mode              string  `yaml:"mode" toml:"mode"`
	MinStrength       string  `yaml:"min_strength" toml:"min_strength"`
	MaxDailyTrades    int     `yaml:"max_daily_trades" toml:"max_daily_trades"`
	MaxPriceDeviation float64 `yaml:"max_price_deviation" toml:"max_price_deviation"`
	MinRiskReward     float64 `yaml:"min_risk_reward" toml:"min_risk_reward"`
}

// LoadProfile parses a YAML (.yaml/.yml) or TOML (.toml) profile.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var p Profile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
	case ".toml":
		if _, err := toml.Decode(string(data), &p); err != nil {
			return nil, fmt.Errorf("parse toml: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported profile format %q", filepath.Ext(path))
	}
	return &p, nil
}

package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"confluence-core/pkg/types"
)

// PairEntry maps a symbol to its asset class and profile tick size in YAML.
type PairEntry struct {
	Symbol     string  `yaml:"symbol"`
	AssetClass string  `yaml:"asset_class"`
	TickSize   float64 `yaml:"tick_size"`
}

// RiskParams carries per-asset-class risk policy knobs.
type RiskParams struct {
	TrailingPct   map[types.AssetClass]float64
	MaxHold       map[types.AssetClass]time.Duration
	Correlation   map[types.AssetClass]float64
	BreakerLevels []float64 // daily drawdown pct per breaker level
	HealthStopNew float64
	HealthTighten float64
	HealthClose   float64
}

// PairsFile is the top-level YAML structure.
type PairsFile struct {
	Pairs []PairEntry `yaml:"pairs"`

	Trailing    map[string]float64 `yaml:"trailing_pct"`
	MaxHold     map[string]string  `yaml:"max_hold"`
	Correlation map[string]float64 `yaml:"correlation"`
	Breakers    []float64          `yaml:"circuit_breaker_levels"`
	Health      struct {
		StopNew float64 `yaml:"stop_new"`
		Tighten float64 `yaml:"tighten"`
		Close   float64 `yaml:"close_worst"`
	} `yaml:"health_thresholds"`
}

// DefaultRiskParams returns the built-in per-class policy values.
func DefaultRiskParams() RiskParams {
	return RiskParams{
		TrailingPct: map[types.AssetClass]float64{
			types.AssetMajor:     0.003,
			types.AssetRegular:   0.005,
			types.AssetMeme:      0.175,
			types.AssetForex:     0.004,
			types.AssetCommodity: 0.006,
		},
		MaxHold: map[types.AssetClass]time.Duration{
			types.AssetMajor:     30 * time.Minute,
			types.AssetRegular:   30 * time.Minute,
			types.AssetMeme:      24 * time.Hour,
			types.AssetForex:     4 * time.Hour,
			types.AssetCommodity: 4 * time.Hour,
		},
		Correlation: map[types.AssetClass]float64{
			types.AssetMajor:     0.75,
			types.AssetRegular:   0.75,
			types.AssetMeme:      0.75,
			types.AssetForex:     0,
			types.AssetCommodity: 0,
		},
		BreakerLevels: []float64{3.0, 4.0, 5.0},
		HealthStopNew: 70,
		HealthTighten: 50,
		HealthClose:   30,
	}
}

// LoadPairs reads the pairs/risk YAML file. A missing path returns defaults
// with no pair entries.
func LoadPairs(path string) ([]PairEntry, RiskParams, error) {
	params := DefaultRiskParams()
	if path == "" {
		return nil, params, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, params, err
	}

	var file PairsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, params, err
	}

	for cls, v := range file.Trailing {
		params.TrailingPct[types.AssetClass(cls)] = v
	}
	for cls, v := range file.MaxHold {
		if d, err := time.ParseDuration(v); err == nil {
			params.MaxHold[types.AssetClass(cls)] = d
		}
	}
	for cls, v := range file.Correlation {
		params.Correlation[types.AssetClass(cls)] = v
	}
	if len(file.Breakers) == 3 {
		params.BreakerLevels = file.Breakers
	}
	if file.Health.StopNew > 0 {
		params.HealthStopNew = file.Health.StopNew
	}
	if file.Health.Tighten > 0 {
		params.HealthTighten = file.Health.Tighten
	}
	if file.Health.Close > 0 {
		params.HealthClose = file.Health.Close
	}

	return file.Pairs, params, nil
}

// ClassifySymbol applies the built-in convention when the pairs file does
// not name a symbol.
func ClassifySymbol(symbol string) types.AssetClass {
	switch symbol {
	case "BTCUSDT", "ETHUSDT", "BTC-USD", "ETH-USD":
		return types.AssetMajor
	case "DOGEUSDT", "SHIBUSDT", "PEPEUSDT":
		return types.AssetMeme
	}
	return types.AssetRegular
}

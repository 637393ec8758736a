package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type TradingCfg struct {
	CycleSeconds          int     `yaml:"cycle_seconds"`
	ArbitrageScanSeconds  int     `yaml:"arbitrage_scan_seconds"`
	MomentumScanSeconds   int     `yaml:"momentum_scan_seconds"`
	EnableArbitrage       bool    `yaml:"enable_arbitrage"`
	EnableMomentum        bool    `yaml:"enable_momentum"`
	ArbitrageMinSpread    float64 `yaml:"arbitrage_min_spread"`
	MomentumMinConfidence float64 `yaml:"momentum_min_confidence"`
	MaxPositionFraction   float64 `yaml:"max_position_fraction"`
	MaxStalenessMs        int     `yaml:"max_staleness_ms"`
}

type RiskCfg struct {
	DailyLossLimit        float64 `yaml:"daily_loss_limit"`
	MaxTradesPerDay       int     `yaml:"max_trades_per_day"`
	CooldownSeconds       int     `yaml:"cooldown_seconds"`
	ConsecutiveLossLimit  int     `yaml:"consecutive_loss_limit"`
	StopLossPct           float64 `yaml:"stop_loss_pct"`
	TakeProfitPct         float64 `yaml:"take_profit_pct"`
	AllowCloseWhileHalted bool    `yaml:"allow_close_while_halted"`
}

type IndicatorsCfg struct {
	RSIPeriod       int     `yaml:"rsi_period"`
	RSIOverbought   float64 `yaml:"rsi_overbought"`
	RSIOversold     float64 `yaml:"rsi_oversold"`
	MACDFast        int     `yaml:"macd_fast"`
	MACDSlow        int     `yaml:"macd_slow"`
	MACDSignal      int     `yaml:"macd_signal"`
	BollingerWindow int     `yaml:"bollinger_window"`
	BollingerK      float64 `yaml:"bollinger_k"`
	SMAFast         int     `yaml:"sma_fast"`
	SMASlow         int     `yaml:"sma_slow"`
	HistoryLimit    int     `yaml:"history_limit"`
}

type VenueCfg struct {
	Enabled      bool    `yaml:"enabled"`
	TakerFeeRate float64 `yaml:"taker_fee_rate"`
	MinOrderSize float64 `yaml:"min_order_size"`
	RestURL      string  `yaml:"rest_url"`
	APIKey       string  `yaml:"api_key"`
	APISecret    string  `yaml:"api_secret"`

	// Paper-mode seeds, keyed by instrument symbol and asset code.
	SeedPrices   map[string]float64 `yaml:"seed_prices"`
	SeedBalances map[string]float64 `yaml:"seed_balances"`
}

type ExecutionCfg struct {
	MaxAttempts          int `yaml:"max_attempts"`
	BackoffMs            int `yaml:"backoff_ms"`
	OrderTimeoutMs       int `yaml:"order_timeout_ms"`
	SnapshotTimeoutMs    int `yaml:"snapshot_timeout_ms"`
	StopLossCheckSeconds int `yaml:"stop_loss_check_seconds"`
}

type RedisCfg struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	DB       int    `yaml:"db"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Stream   string `yaml:"stream"`
}

type Config struct {
	Mode        string              `yaml:"mode"` // "paper" or "live"
	DryRun      bool                `yaml:"dry_run"`
	Instruments []string            `yaml:"instruments"`
	Trading     TradingCfg          `yaml:"trading"`
	Risk        RiskCfg             `yaml:"risk"`
	Indicators  IndicatorsCfg       `yaml:"indicators"`
	Venues      map[string]VenueCfg `yaml:"venues"`
	Execution   ExecutionCfg        `yaml:"execution"`
	Redis       RedisCfg            `yaml:"redis"`

	Ledger struct {
		Path string `yaml:"path"`
	} `yaml:"ledger"`
	Metrics struct {
		ListenAddr string `yaml:"listen_addr"`
	} `yaml:"metrics"`
	Telemetry struct {
		ListenAddr string `yaml:"listen_addr"`
	} `yaml:"telemetry"`
}

// Default returns the built-in configuration. Load unmarshals the file over
// it, so absent keys keep these values.
func Default() Config {
	c := Config{
		Mode:        "paper",
		Instruments: []string{"BTC/GBP", "ETH/GBP"},
		Trading: TradingCfg{
			CycleSeconds:          5,
			ArbitrageScanSeconds:  30,
			MomentumScanSeconds:   60,
			EnableArbitrage:       true,
			EnableMomentum:        true,
			ArbitrageMinSpread:    0.005,
			MomentumMinConfidence: 0.6,
			MaxPositionFraction:   0.02,
			MaxStalenessMs:        2000,
		},
		Risk: RiskCfg{
			DailyLossLimit:        100.0,
			MaxTradesPerDay:       50,
			CooldownSeconds:       300,
			ConsecutiveLossLimit:  5,
			StopLossPct:           0.02,
			TakeProfitPct:         0.05,
			AllowCloseWhileHalted: true,
		},
		Indicators: IndicatorsCfg{
			RSIPeriod:       14,
			RSIOverbought:   70,
			RSIOversold:     30,
			MACDFast:        12,
			MACDSlow:        26,
			MACDSignal:      9,
			BollingerWindow: 20,
			BollingerK:      2,
			SMAFast:         20,
			SMASlow:         50,
			HistoryLimit:    200,
		},
		Execution: ExecutionCfg{
			MaxAttempts:          3,
			BackoffMs:            500,
			OrderTimeoutMs:       5000,
			SnapshotTimeoutMs:    2000,
			StopLossCheckSeconds: 5,
		},
	}
	c.Ledger.Path = "portfolio.db"
	return c
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c := Default()
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) Validate() error {
	if c.Mode != "paper" && c.Mode != "live" {
		return fmt.Errorf("invalid mode %q", c.Mode)
	}
	if len(c.Instruments) == 0 {
		return fmt.Errorf("no instruments configured")
	}
	if c.Trading.MaxPositionFraction <= 0 || c.Trading.MaxPositionFraction > 1 {
		return fmt.Errorf("max_position_fraction %.4f out of (0,1]", c.Trading.MaxPositionFraction)
	}
	if c.Indicators.MACDFast >= c.Indicators.MACDSlow {
		return fmt.Errorf("macd_fast %d must be below macd_slow %d", c.Indicators.MACDFast, c.Indicators.MACDSlow)
	}
	if c.Risk.DailyLossLimit <= 0 {
		return fmt.Errorf("daily_loss_limit must be positive")
	}
	return nil
}

func (c *Config) CycleInterval() time.Duration {
	return time.Duration(c.Trading.CycleSeconds) * time.Second
}
func (c *Config) ArbitrageScanInterval() time.Duration {
	return time.Duration(c.Trading.ArbitrageScanSeconds) * time.Second
}
func (c *Config) MomentumScanInterval() time.Duration {
	return time.Duration(c.Trading.MomentumScanSeconds) * time.Second
}
func (c *Config) MaxStaleness() time.Duration {
	return time.Duration(c.Trading.MaxStalenessMs) * time.Millisecond
}
func (r RiskCfg) Cooldown() time.Duration {
	return time.Duration(r.CooldownSeconds) * time.Second
}
func (e ExecutionCfg) OrderTimeout() time.Duration {
	return time.Duration(e.OrderTimeoutMs) * time.Millisecond
}
func (e ExecutionCfg) SnapshotTimeout() time.Duration {
	return time.Duration(e.SnapshotTimeoutMs) * time.Millisecond
}
func (e ExecutionCfg) Backoff() time.Duration {
	return time.Duration(e.BackoffMs) * time.Millisecond
}

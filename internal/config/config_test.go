package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_DefaultsBackfilled(t *testing.T) {
	path := writeConfig(t, "mode: paper\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 0.005, cfg.Trading.ArbitrageMinSpread)
	assert.Equal(t, 0.6, cfg.Trading.MomentumMinConfidence)
	assert.Equal(t, 100.0, cfg.Risk.DailyLossLimit)
	assert.Equal(t, 5, cfg.Risk.ConsecutiveLossLimit)
	assert.Equal(t, 14, cfg.Indicators.RSIPeriod)
	assert.True(t, cfg.Risk.AllowCloseWhileHalted)
	assert.Equal(t, 5*time.Minute, cfg.Risk.Cooldown())
	assert.Equal(t, 5*time.Second, cfg.Execution.OrderTimeout())
	assert.Equal(t, 500*time.Millisecond, cfg.Execution.Backoff())
	assert.Equal(t, 2*time.Second, cfg.MaxStaleness())
}

func TestLoad_OverridesAndVenues(t *testing.T) {
	path := writeConfig(t, `
mode: live
instruments: ["BTC/GBP"]
trading:
  arbitrage_min_spread: 0.01
risk:
  allow_close_while_halted: false
  daily_loss_limit: 250
venues:
  kraken:
    enabled: true
    taker_fee_rate: 0.0026
    min_order_size: 0.0001
  binance:
    enabled: true
    taker_fee_rate: 0.001
    min_order_size: 0.0001
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "live", cfg.Mode)
	assert.Equal(t, 0.01, cfg.Trading.ArbitrageMinSpread)
	assert.False(t, cfg.Risk.AllowCloseWhileHalted)
	assert.Equal(t, 250.0, cfg.Risk.DailyLossLimit)
	assert.Len(t, cfg.Venues, 2)
	assert.Equal(t, 0.0026, cfg.Venues["kraken"].TakerFeeRate)
	// Untouched sections keep defaults.
	assert.Equal(t, 50, cfg.Risk.MaxTradesPerDay)
}

func TestLoad_InvalidValues(t *testing.T) {
	for name, body := range map[string]string{
		"bad mode":      "mode: backtest\n",
		"macd ordering": "indicators: {macd_fast: 30, macd_slow: 26}\n",
		"bad fraction":  "trading: {max_position_fraction: 1.5}\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

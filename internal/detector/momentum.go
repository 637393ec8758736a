package detector

import (
	"fmt"
	"time"

	"github.com/meltonjoshua/auto-profit-trader/internal/config"
	"github.com/meltonjoshua/auto-profit-trader/internal/indicators"
	"github.com/meltonjoshua/auto-profit-trader/internal/metrics"
	"github.com/meltonjoshua/auto-profit-trader/internal/types"
	"go.uber.org/zap"
)

// Indicator vote weights. RSI carries the most, the slower trend vote the
// least; the values come straight from the strategy's original tuning.
const (
	weightRSI       = 0.8
	weightMACD      = 0.7
	weightBollinger = 0.6
	weightTrend     = 0.5
)

// Momentum analyzes one venue's price history for an instrument and emits a
// signal when the weighted indicator agreement clears the configured minimum
// confidence.
type Momentum struct {
	cfg           config.IndicatorsCfg
	minConfidence float64
	log           *zap.Logger
}

func NewMomentum(cfg config.IndicatorsCfg, minConfidence float64, log *zap.Logger) *Momentum {
	return &Momentum{cfg: cfg, minConfidence: minConfidence, log: log}
}

// MinHistory is the shortest series Analyze can work with.
func (m *Momentum) MinHistory() int {
	n := m.cfg.RSIPeriod + 1
	if v := m.cfg.MACDSlow + m.cfg.MACDSignal; v > n {
		n = v
	}
	if m.cfg.BollingerWindow > n {
		n = m.cfg.BollingerWindow
	}
	if m.cfg.SMASlow > n {
		n = m.cfg.SMASlow
	}
	return n
}

// Analyze returns a signal and true when the indicators agree strongly enough.
// Insufficient history suppresses the signal without error: the series just
// has not warmed up yet.
func (m *Momentum) Analyze(venueName string, inst types.Instrument, prices []float64) (types.Signal, bool) {
	if len(prices) < m.MinHistory() {
		return types.Signal{}, false
	}
	current := prices[len(prices)-1]

	rsi, err := indicators.RSI(prices, m.cfg.RSIPeriod)
	if err != nil {
		return types.Signal{}, false
	}
	macd, err := indicators.MACD(prices, m.cfg.MACDFast, m.cfg.MACDSlow, m.cfg.MACDSignal)
	if err != nil {
		return types.Signal{}, false
	}
	bands, err := indicators.Bollinger(prices, m.cfg.BollingerWindow, m.cfg.BollingerK)
	if err != nil {
		return types.Signal{}, false
	}
	smaFast, err := indicators.SMA(prices, m.cfg.SMAFast)
	if err != nil {
		return types.Signal{}, false
	}
	smaSlow, err := indicators.SMA(prices, m.cfg.SMASlow)
	if err != nil {
		return types.Signal{}, false
	}

	var buyWeights, sellWeights []float64

	switch {
	case rsi <= m.cfg.RSIOversold:
		buyWeights = append(buyWeights, weightRSI)
	case rsi >= m.cfg.RSIOverbought:
		sellWeights = append(sellWeights, weightRSI)
	}

	switch {
	case macd.Cross == indicators.CrossBullish && macd.Histogram > 0:
		buyWeights = append(buyWeights, weightMACD)
	case macd.Cross == indicators.CrossBearish && macd.Histogram < 0:
		sellWeights = append(sellWeights, weightMACD)
	}

	switch {
	case current <= bands.Lower && bands.Upper > bands.Lower:
		buyWeights = append(buyWeights, weightBollinger)
	case current >= bands.Upper && bands.Upper > bands.Lower:
		sellWeights = append(sellWeights, weightBollinger)
	}

	switch {
	case current > smaFast && smaFast > smaSlow:
		buyWeights = append(buyWeights, weightTrend)
	case current < smaFast && smaFast < smaSlow:
		sellWeights = append(sellWeights, weightTrend)
	}

	votes := len(buyWeights) + len(sellWeights)
	if votes == 0 || len(buyWeights) == len(sellWeights) {
		return types.Signal{}, false
	}

	side := types.SideBuy
	winning := buyWeights
	if len(sellWeights) > len(buyWeights) {
		side = types.SideSell
		winning = sellWeights
	}
	confidence := 0.0
	for _, w := range winning {
		confidence += w
	}
	confidence /= float64(votes)

	if confidence <= m.minConfidence {
		return types.Signal{}, false
	}

	sig := types.Signal{
		Strategy:   types.StrategyMomentum,
		Instrument: inst,
		Side:       side,
		Venue:      venueName,
		Price:      current,
		Confidence: confidence,
		Reason: fmt.Sprintf("rsi=%.1f macd_hist=%.4f votes=%d/%d",
			rsi, macd.Histogram, len(winning), votes),
		Ts: time.Now(),
	}
	m.log.Info("momentum signal",
		zap.String("venue", venueName),
		zap.String("instrument", inst.Symbol()),
		zap.String("side", string(side)),
		zap.Float64("confidence", confidence),
		zap.String("reason", sig.Reason),
	)
	metrics.Signals.WithLabelValues(string(types.StrategyMomentum)).Inc()
	return sig, true
}

// Package indicators provides stateless technical analysis functions over an
// ordered price series (oldest to newest). Callers supply the full relevant
// history on every call; nothing is retained between calls.
package indicators

import (
	"errors"
	"math"
)

// ErrInsufficientHistory is returned when the series is too short for the
// requested window. It suppresses signal emission and is never surfaced to
// the operator as a fault.
var ErrInsufficientHistory = errors.New("insufficient price history")

// SMA returns the simple moving average of the last period values.
func SMA(prices []float64, period int) (float64, error) {
	if period <= 0 || len(prices) < period {
		return 0, ErrInsufficientHistory
	}
	sum := 0.0
	for _, p := range prices[len(prices)-period:] {
		sum += p
	}
	return sum / float64(period), nil
}

// EMA returns the exponential moving average over the whole series, seeded
// with the SMA of the first period values.
func EMA(prices []float64, period int) (float64, error) {
	series, err := emaSeries(prices, period)
	if err != nil {
		return 0, err
	}
	return series[len(series)-1], nil
}

// emaSeries returns EMA values aligned to prices[period-1:].
func emaSeries(prices []float64, period int) ([]float64, error) {
	if period <= 0 || len(prices) < period {
		return nil, ErrInsufficientHistory
	}
	seed := 0.0
	for _, p := range prices[:period] {
		seed += p
	}
	seed /= float64(period)

	k := 2.0 / (float64(period) + 1.0)
	out := make([]float64, 0, len(prices)-period+1)
	out = append(out, seed)
	ema := seed
	for _, p := range prices[period:] {
		ema = (p-ema)*k + ema
		out = append(out, ema)
	}
	return out, nil
}

// RSI returns the relative strength index over the last period price changes,
// mapped to [0,100]. A window with no losses returns exactly 100 and one with
// no gains exactly 0. The fully degenerate window (every change zero) returns
// the neutral 50 so that neither the overbought nor the oversold boundary can
// fire on flat prices.
func RSI(prices []float64, period int) (float64, error) {
	if period <= 0 || len(prices) < period+1 {
		return 0, ErrInsufficientHistory
	}
	gain, loss := 0.0, 0.0
	for i := len(prices) - period; i < len(prices); i++ {
		change := prices[i] - prices[i-1]
		if change > 0 {
			gain += change
		} else {
			loss -= change
		}
	}
	switch {
	case gain == 0 && loss == 0:
		return 50, nil
	case loss == 0:
		return 100, nil
	case gain == 0:
		return 0, nil
	}
	rs := gain / loss
	return 100 - 100/(1+rs), nil
}

// Cross describes the MACD line crossing its signal line between the two most
// recent evaluations.
type Cross int

const (
	CrossNone Cross = iota
	CrossBullish
	CrossBearish
)

// MACDResult carries the current MACD line, signal line, histogram and the
// cross state relative to the previous evaluation.
type MACDResult struct {
	Line      float64
	Signal    float64
	Histogram float64
	Cross     Cross
}

// MACD computes the fast/slow EMA difference with a signal-line EMA. The
// series must hold at least slow+signal points so a previous evaluation exists
// for cross detection.
func MACD(prices []float64, fast, slow, signal int) (MACDResult, error) {
	if fast <= 0 || slow <= fast || signal <= 0 {
		return MACDResult{}, ErrInsufficientHistory
	}
	if len(prices) < slow+signal {
		return MACDResult{}, ErrInsufficientHistory
	}

	fastSeries, err := emaSeries(prices, fast)
	if err != nil {
		return MACDResult{}, err
	}
	slowSeries, err := emaSeries(prices, slow)
	if err != nil {
		return MACDResult{}, err
	}

	// Align both series to the slow EMA's first defined index.
	offset := len(fastSeries) - len(slowSeries)
	line := make([]float64, len(slowSeries))
	for i := range slowSeries {
		line[i] = fastSeries[i+offset] - slowSeries[i]
	}

	signalSeries, err := emaSeries(line, signal)
	if err != nil {
		return MACDResult{}, err
	}
	if len(signalSeries) < 2 {
		return MACDResult{}, ErrInsufficientHistory
	}

	curLine := line[len(line)-1]
	prevLine := line[len(line)-2]
	curSig := signalSeries[len(signalSeries)-1]
	prevSig := signalSeries[len(signalSeries)-2]

	res := MACDResult{
		Line:      curLine,
		Signal:    curSig,
		Histogram: curLine - curSig,
	}
	switch {
	case prevLine <= prevSig && curLine > curSig:
		res.Cross = CrossBullish
	case prevLine >= prevSig && curLine < curSig:
		res.Cross = CrossBearish
	}
	return res, nil
}

// Bands are Bollinger Bands: the window SMA plus/minus k standard deviations.
type Bands struct {
	Upper  float64
	Middle float64
	Lower  float64
}

// Bollinger computes bands over the last period values using the population
// standard deviation of the window.
func Bollinger(prices []float64, period int, k float64) (Bands, error) {
	mid, err := SMA(prices, period)
	if err != nil {
		return Bands{}, err
	}
	variance := 0.0
	for _, p := range prices[len(prices)-period:] {
		d := p - mid
		variance += d * d
	}
	sd := math.Sqrt(variance / float64(period))
	return Bands{Upper: mid + k*sd, Middle: mid, Lower: mid - k*sd}, nil
}

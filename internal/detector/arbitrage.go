// Package detector turns market data into trade signals: cross-venue
// arbitrage over synchronized snapshots, and single-venue momentum over
// rolling price history.
package detector

import (
	"time"

	"github.com/meltonjoshua/auto-profit-trader/internal/metrics"
	"github.com/meltonjoshua/auto-profit-trader/internal/types"
	"go.uber.org/zap"
)

// Arbitrage compares the freshest snapshot per venue for each instrument and
// emits at most one signal per instrument per cycle: the venue pair with the
// largest net spread, provided it clears the minimum threshold after both
// venues' taker fees.
type Arbitrage struct {
	minSpread    float64
	maxStaleness time.Duration
	takerFees    map[string]float64 // venue name -> fractional fee
	log          *zap.Logger
}

func NewArbitrage(minSpread float64, maxStaleness time.Duration, takerFees map[string]float64, log *zap.Logger) *Arbitrage {
	return &Arbitrage{
		minSpread:    minSpread,
		maxStaleness: maxStaleness,
		takerFees:    takerFees,
		log:          log,
	}
}

// Detect evaluates one batch of snapshots. Snapshots older than the staleness
// window at now are discarded rather than compared.
func (a *Arbitrage) Detect(snaps []types.PriceSnapshot, now time.Time) []types.Signal {
	byInstrument := make(map[types.Instrument][]types.PriceSnapshot)
	for _, s := range snaps {
		if now.Sub(s.Ts) > a.maxStaleness {
			continue
		}
		if s.Bid <= 0 || s.Ask <= 0 {
			continue
		}
		byInstrument[s.Instrument] = append(byInstrument[s.Instrument], s)
	}

	var out []types.Signal
	for inst, group := range byInstrument {
		if len(group) < 2 {
			continue
		}
		best, ok := a.bestPair(group)
		metrics.BestSpread.WithLabelValues(inst.Symbol()).Set(best.Edge)
		if !ok {
			continue
		}
		a.log.Info("arbitrage opportunity",
			zap.String("instrument", inst.Symbol()),
			zap.String("buy_venue", best.Venue),
			zap.String("sell_venue", best.SellVenue),
			zap.Float64("net_spread", best.Edge),
		)
		metrics.Signals.WithLabelValues(string(types.StrategyArbitrage)).Inc()
		out = append(out, best)
	}
	return out
}

// bestPair scans every unordered venue pair in both directions and returns
// the signal with the largest net spread at or above the threshold.
func (a *Arbitrage) bestPair(group []types.PriceSnapshot) (types.Signal, bool) {
	var (
		best  types.Signal
		found bool
	)
	for i := 0; i < len(group); i++ {
		for j := i + 1; j < len(group); j++ {
			for _, pair := range [2][2]types.PriceSnapshot{{group[i], group[j]}, {group[j], group[i]}} {
				buy, sell := pair[0], pair[1]
				spread := a.netSpread(buy, sell)
				if spread > best.Edge || !found {
					best = types.Signal{
						Strategy:   types.StrategyArbitrage,
						Instrument: buy.Instrument,
						Side:       types.SideBuy,
						Venue:      buy.Venue,
						SellVenue:  sell.Venue,
						Price:      buy.Ask,
						Edge:       spread,
						Confidence: 1.0,
						Reason:     "cross_venue_spread",
						Ts:         time.Now(),
					}
					found = true
				}
			}
		}
	}
	if !found || best.Edge < a.minSpread {
		return best, false
	}
	return best, true
}

// netSpread is the fractional edge of buying at buy.Ask and selling at
// sell.Bid, net of both venues' taker fees.
func (a *Arbitrage) netSpread(buy, sell types.PriceSnapshot) float64 {
	gross := (sell.Bid - buy.Ask) / buy.Ask
	return gross - a.takerFees[buy.Venue] - a.takerFees[sell.Venue]
}

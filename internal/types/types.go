package types

import (
	"fmt"
	"math"
	"strings"
	"time"
)

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

type OrderKind string

const (
	OrderMarket OrderKind = "market"
	OrderLimit  OrderKind = "limit"
)

// Strategy tags the origin of a signal. Stop-loss and take-profit closes are
// synthesized by position monitoring rather than by a detector, but carry their
// own tag so the risk gate can apply the narrower closing-order policy.
type Strategy string

const (
	StrategyArbitrage  Strategy = "arbitrage"
	StrategyMomentum   Strategy = "momentum"
	StrategyStopLoss   Strategy = "stop_loss"
	StrategyTakeProfit Strategy = "take_profit"
)

// Closing reports whether the strategy only reduces existing risk.
func (s Strategy) Closing() bool {
	return s == StrategyStopLoss || s == StrategyTakeProfit
}

// LockGroup maps a strategy to its in-flight exclusivity group. Closing orders
// share the momentum group so a close can never race a momentum order on the
// same instrument.
func (s Strategy) LockGroup() Strategy {
	if s.Closing() {
		return StrategyMomentum
	}
	return s
}

// Instrument is a tradeable pair, e.g. base=BTC quote=GBP.
type Instrument struct {
	Base  string `yaml:"base" json:"base"`
	Quote string `yaml:"quote" json:"quote"`
}

func (i Instrument) Symbol() string { return i.Base + "/" + i.Quote }

func ParseInstrument(symbol string) (Instrument, error) {
	base, quote, ok := strings.Cut(symbol, "/")
	if !ok || base == "" || quote == "" {
		return Instrument{}, fmt.Errorf("invalid instrument symbol %q", symbol)
	}
	return Instrument{Base: base, Quote: quote}, nil
}

// PriceSnapshot is one venue's current view of an instrument.
type PriceSnapshot struct {
	Venue      string
	Instrument Instrument
	Bid        float64
	Ask        float64
	Last       float64
	Ts         time.Time
}

func (s PriceSnapshot) Mid() float64 { return 0.5 * (s.Bid + s.Ask) }

// Signal is an immutable trade suggestion emitted by a detector (or by the
// position monitor for closes). It is consumed exactly once by the risk gate.
type Signal struct {
	Strategy   Strategy
	Instrument Instrument
	Side       Side
	Venue      string // execution venue; buy leg for arbitrage
	SellVenue  string // arbitrage only: the opposite leg
	Quantity   float64
	Price      float64 // reference price at generation time
	Edge       float64 // fractional profit estimate
	Confidence float64 // in [0,1]; 1.0 for arbitrage
	Reason     string
	Ts         time.Time
}

// OrderRequest is the terminal form of an approved signal.
type OrderRequest struct {
	Instrument Instrument
	Side       Side
	Kind       OrderKind
	Quantity   float64
	Venue      string
	Signal     Signal
}

// Trade is an append-only ledger entry. PnL is realized profit on closing
// legs and zero otherwise; Closed marks entries whose PnL is meaningful.
type Trade struct {
	ID         int64
	Ts         time.Time
	Instrument Instrument
	Side       Side
	Quantity   float64
	Price      float64
	Fee        float64
	PnL        float64
	Closed     bool
	Strategy   Strategy
	Venue      string
	OrderID    string
	Confidence float64
}

// Position is the running net quantity and average cost for one instrument,
// derived by folding Trade entries in ledger order.
type Position struct {
	Instrument Instrument
	Quantity   float64
	AvgCost    float64
}

// Apply folds one trade into the position and returns the realized P&L of the
// reduced portion, net of the trade's fee. Extending a position realizes
// nothing; the fee of an opening leg stays in the ledger row.
func (p *Position) Apply(t Trade) float64 {
	signed := t.Quantity
	if t.Side == SideSell {
		signed = -signed
	}
	if signed == 0 {
		return 0
	}

	sameDirection := p.Quantity == 0 || (p.Quantity > 0) == (signed > 0)
	if sameDirection {
		total := p.Quantity + signed
		p.AvgCost = (p.AvgCost*math.Abs(p.Quantity) + t.Price*math.Abs(signed)) / math.Abs(total)
		p.Quantity = total
		return 0
	}

	closed := math.Min(math.Abs(signed), math.Abs(p.Quantity))
	direction := 1.0
	if p.Quantity < 0 {
		direction = -1.0
	}
	realized := (t.Price-p.AvgCost)*closed*direction - t.Fee

	p.Quantity += signed
	if p.Quantity == 0 {
		p.AvgCost = 0
	} else if (p.Quantity > 0) != (direction > 0) {
		// Flipped through zero: the remainder opens at the trade price.
		p.AvgCost = t.Price
	}
	return realized
}

func (p Position) Flat() bool { return math.Abs(p.Quantity) < 1e-12 }

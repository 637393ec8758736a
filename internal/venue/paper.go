package venue

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/meltonjoshua/auto-profit-trader/internal/types"
	"go.uber.org/zap"
)

// Paper is a simulated venue: prices follow a small random walk around seeded
// levels and balances are tracked in memory. It is the default venue when no
// live exchange is enabled, and the fixture most tests run against.
type Paper struct {
	name     string
	takerFee float64
	minOrder float64
	spread   float64

	mu       sync.Mutex
	rng      *rand.Rand
	prices   map[types.Instrument]float64
	balances map[string]float64
	orderSeq int
	log      *zap.Logger
}

type PaperOption func(*Paper)

// WithSeed fixes the random walk, making ticker sequences reproducible.
func WithSeed(seed int64) PaperOption {
	return func(p *Paper) { p.rng = rand.New(rand.NewSource(seed)) }
}

// WithPrice seeds the starting level for an instrument.
func WithPrice(inst types.Instrument, price float64) PaperOption {
	return func(p *Paper) { p.prices[inst] = price }
}

// WithBalance seeds an asset balance.
func WithBalance(asset string, amount float64) PaperOption {
	return func(p *Paper) { p.balances[asset] = amount }
}

func NewPaper(name string, takerFee, minOrder float64, log *zap.Logger, opts ...PaperOption) *Paper {
	p := &Paper{
		name:     name,
		takerFee: takerFee,
		minOrder: minOrder,
		spread:   0.001,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		prices:   make(map[types.Instrument]float64),
		balances: make(map[string]float64),
		log:      log,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Paper) Name() string          { return p.name }
func (p *Paper) TakerFee() float64     { return p.takerFee }
func (p *Paper) MinOrderSize() float64 { return p.minOrder }

func (p *Paper) Ticker(ctx context.Context, inst types.Instrument) (types.PriceSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return types.PriceSnapshot{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	last, ok := p.prices[inst]
	if !ok {
		return types.PriceSnapshot{}, fmt.Errorf("%w: unknown instrument %s", ErrRejected, inst.Symbol())
	}
	// Random walk of up to ±0.5% per tick.
	last *= 1 + (p.rng.Float64()-0.5)*0.01
	p.prices[inst] = last

	half := last * p.spread / 2
	return types.PriceSnapshot{
		Venue:      p.name,
		Instrument: inst,
		Bid:        last - half,
		Ask:        last + half,
		Last:       last,
		Ts:         time.Now(),
	}, nil
}

func (p *Paper) Balances(ctx context.Context) (map[string]Balance, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]Balance, len(p.balances))
	for asset, amount := range p.balances {
		out[asset] = Balance{Free: amount, Total: amount}
	}
	return out, nil
}

func (p *Paper) CreateOrder(ctx context.Context, req types.OrderRequest) (Fill, error) {
	if err := ctx.Err(); err != nil {
		return Fill{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	price, ok := p.prices[req.Instrument]
	if !ok {
		return Fill{}, fmt.Errorf("%w: unknown instrument %s", ErrRejected, req.Instrument.Symbol())
	}
	half := price * p.spread / 2
	fillPrice := price + half
	if req.Side == types.SideSell {
		fillPrice = price - half
	}

	notional := req.Quantity * fillPrice
	fee := notional * p.takerFee
	base, quote := req.Instrument.Base, req.Instrument.Quote

	switch req.Side {
	case types.SideBuy:
		if p.balances[quote] < notional+fee {
			return Fill{}, fmt.Errorf("%w: insufficient %s balance", ErrRejected, quote)
		}
		p.balances[quote] -= notional + fee
		p.balances[base] += req.Quantity
	case types.SideSell:
		if p.balances[base] < req.Quantity {
			return Fill{}, fmt.Errorf("%w: insufficient %s balance", ErrRejected, base)
		}
		p.balances[base] -= req.Quantity
		p.balances[quote] += notional - fee
	default:
		return Fill{}, fmt.Errorf("%w: invalid side %q", ErrRejected, req.Side)
	}

	p.orderSeq++
	fill := Fill{
		OrderID:  fmt.Sprintf("%s-%d", p.name, p.orderSeq),
		Price:    fillPrice,
		Fee:      fee,
		Quantity: req.Quantity,
	}
	p.log.Debug("paper order filled",
		zap.String("venue", p.name),
		zap.String("instrument", req.Instrument.Symbol()),
		zap.String("side", string(req.Side)),
		zap.Float64("qty", fill.Quantity),
		zap.Float64("price", fill.Price),
	)
	return fill, nil
}

// Package engine runs the trading cycle: fetch market data, detect
// opportunities, gate them through risk, and hand approved orders to the
// execution coordinator. One engine instance owns the whole decision loop.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/meltonjoshua/auto-profit-trader/internal/config"
	"github.com/meltonjoshua/auto-profit-trader/internal/detector"
	"github.com/meltonjoshua/auto-profit-trader/internal/execution"
	"github.com/meltonjoshua/auto-profit-trader/internal/ledger"
	"github.com/meltonjoshua/auto-profit-trader/internal/marketdata"
	"github.com/meltonjoshua/auto-profit-trader/internal/metrics"
	"github.com/meltonjoshua/auto-profit-trader/internal/notify"
	"github.com/meltonjoshua/auto-profit-trader/internal/risk"
	"github.com/meltonjoshua/auto-profit-trader/internal/telemetry"
	"github.com/meltonjoshua/auto-profit-trader/internal/types"
	"github.com/meltonjoshua/auto-profit-trader/internal/venue"
)

// Deps are the wired collaborators the engine drives.
type Deps struct {
	Venues      map[string]venue.Client
	Book        *ledger.Ledger
	State       *risk.State
	Gate        *risk.Gate
	Coordinator *execution.Coordinator
	Notifier    *notify.Notifier
	Hub         *telemetry.Hub
	Log         *zap.Logger
}

type Engine struct {
	cfg  *config.Config
	deps Deps
	log  *zap.Logger

	instruments []types.Instrument
	fetcher     *marketdata.Fetcher
	history     *marketdata.History
	arb         *detector.Arbitrage
	momentum    *detector.Momentum

	arbLimiter   *rate.Limiter
	momLimiter   *rate.Limiter
	sweepLimiter *rate.Limiter

	day time.Time
}

func New(cfg *config.Config, deps Deps) (*Engine, error) {
	if len(deps.Venues) == 0 {
		return nil, errors.New("engine: no venues configured")
	}
	instruments := make([]types.Instrument, 0, len(cfg.Instruments))
	for _, s := range cfg.Instruments {
		inst, err := types.ParseInstrument(s)
		if err != nil {
			return nil, fmt.Errorf("engine: %w", err)
		}
		instruments = append(instruments, inst)
	}

	clients := make([]venue.Client, 0, len(deps.Venues))
	takerFees := make(map[string]float64, len(deps.Venues))
	for name, cl := range deps.Venues {
		clients = append(clients, cl)
		takerFees[name] = cl.TakerFee()
	}

	return &Engine{
		cfg:         cfg,
		deps:        deps,
		log:         deps.Log,
		instruments: instruments,
		fetcher:     marketdata.NewFetcher(clients, cfg.Execution.SnapshotTimeout(), deps.Log),
		history:     marketdata.NewHistory(cfg.Indicators.HistoryLimit),
		arb: detector.NewArbitrage(cfg.Trading.ArbitrageMinSpread, cfg.MaxStaleness(),
			takerFees, deps.Log),
		momentum: detector.NewMomentum(cfg.Indicators, cfg.Trading.MomentumMinConfidence,
			deps.Log),
		arbLimiter:   rate.NewLimiter(rate.Every(cfg.ArbitrageScanInterval()), 1),
		momLimiter:   rate.NewLimiter(rate.Every(cfg.MomentumScanInterval()), 1),
		sweepLimiter: rate.NewLimiter(rate.Every(time.Duration(cfg.Execution.StopLossCheckSeconds)*time.Second), 1),
		day:          midnightUTC(time.Now()),
	}, nil
}

func midnightUTC(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Run drives the cycle until ctx is cancelled, then drains in-flight orders.
func (e *Engine) Run(ctx context.Context) error {
	e.log.Info("engine started",
		zap.String("mode", e.cfg.Mode),
		zap.Bool("dry_run", e.cfg.DryRun),
		zap.Int("instruments", len(e.instruments)),
		zap.Int("venues", len(e.deps.Venues)),
	)
	ticker := time.NewTicker(e.cfg.CycleInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.deps.Coordinator.Drain()
			e.log.Info("engine stopped")
			return ctx.Err()
		case <-ticker.C:
			e.cycle(ctx, time.Now())
		}
	}
}

func (e *Engine) cycle(ctx context.Context, now time.Time) {
	started := time.Now()
	defer func() {
		metrics.CycleDuration.Observe(time.Since(started).Seconds())
	}()

	e.rollDay(ctx, now)

	snaps := e.fetcher.Snapshots(ctx, e.instruments)
	for _, s := range snaps {
		e.history.Record(s)
	}
	if len(snaps) == 0 {
		e.log.Warn("no market data this cycle")
		return
	}

	signals := e.collectSignals(snaps, now)
	if e.sweepLimiter.Allow() {
		signals = append(signals, e.sweepPositions(ctx, snaps)...)
	}
	if len(signals) > 0 {
		e.submit(ctx, signals, now)
	}
	e.publishStatus(ctx, now)
}

// collectSignals runs the detectors at their own scan intervals. When both
// fire on the same instrument in one cycle, arbitrage wins: its edge is
// realized on both legs at once and does not depend on a forecast.
func (e *Engine) collectSignals(snaps []types.PriceSnapshot, now time.Time) []types.Signal {
	var signals []types.Signal
	if e.cfg.Trading.EnableArbitrage && e.arbLimiter.Allow() {
		signals = e.arb.Detect(snaps, now)
	}
	arbitraged := make(map[types.Instrument]bool, len(signals))
	for _, s := range signals {
		arbitraged[s.Instrument] = true
	}

	if e.cfg.Trading.EnableMomentum && e.momLimiter.Allow() {
		for _, snap := range snaps {
			if arbitraged[snap.Instrument] {
				continue
			}
			prices := e.history.Prices(snap.Venue, snap.Instrument)
			if sig, ok := e.momentum.Analyze(snap.Venue, snap.Instrument, prices); ok {
				signals = append(signals, sig)
				// One momentum signal per instrument per cycle.
				arbitraged[snap.Instrument] = true
			}
		}
	}
	return signals
}

// sweepPositions checks every open position against its stop-loss and
// take-profit thresholds using the freshest snapshot for the instrument.
func (e *Engine) sweepPositions(ctx context.Context, snaps []types.PriceSnapshot) []types.Signal {
	positions, err := e.deps.Book.OpenPositions(ctx)
	if err != nil {
		e.log.Error("open positions lookup failed", zap.Error(err))
		return nil
	}

	freshest := make(map[types.Instrument]types.PriceSnapshot)
	for _, s := range snaps {
		if cur, ok := freshest[s.Instrument]; !ok || s.Ts.After(cur.Ts) {
			freshest[s.Instrument] = s
		}
	}

	var closes []types.Signal
	for _, pos := range positions {
		snap, ok := freshest[pos.Instrument]
		if !ok || pos.AvgCost <= 0 {
			continue
		}
		price := snap.Mid()
		move := (price - pos.AvgCost) / pos.AvgCost
		if pos.Quantity < 0 {
			move = -move
		}

		var strat types.Strategy
		switch {
		case move <= -e.cfg.Risk.StopLossPct:
			strat = types.StrategyStopLoss
		case move >= e.cfg.Risk.TakeProfitPct:
			strat = types.StrategyTakeProfit
		default:
			continue
		}

		side := types.SideSell
		if pos.Quantity < 0 {
			side = types.SideBuy
		}
		qty := pos.Quantity
		if qty < 0 {
			qty = -qty
		}
		e.log.Info("position close triggered",
			zap.String("instrument", pos.Instrument.Symbol()),
			zap.String("strategy", string(strat)),
			zap.Float64("move", move),
			zap.Float64("quantity", qty),
		)
		closes = append(closes, types.Signal{
			Strategy:   strat,
			Instrument: pos.Instrument,
			Side:       side,
			Venue:      snap.Venue,
			Quantity:   qty,
			Price:      price,
			Confidence: 1.0,
			Reason:     fmt.Sprintf("move=%.4f avg_cost=%.2f", move, pos.AvgCost),
			Ts:         snap.Ts,
		})
	}
	return closes
}

// submit sizes each signal through the risk gate and dispatches approvals.
func (e *Engine) submit(ctx context.Context, signals []types.Signal, now time.Time) {
	balances := e.fetcher.Balances(ctx)
	prices := e.latestMids()

	for _, sig := range signals {
		acct := e.account(sig, balances, prices)
		minOrder := e.minOrder(sig)
		decision := e.deps.Gate.Check(sig, acct, minOrder, now)
		if !decision.Approved {
			continue
		}
		if e.cfg.DryRun {
			e.log.Info("dry run, order suppressed",
				zap.String("strategy", string(sig.Strategy)),
				zap.String("instrument", sig.Instrument.Symbol()),
				zap.String("side", string(sig.Side)),
				zap.Float64("quantity", decision.Quantity),
				zap.Float64("price", sig.Price),
			)
			continue
		}
		err := e.deps.Coordinator.Dispatch(ctx, sig, decision.Quantity)
		if errors.Is(err, execution.ErrDuplicateInFlight) {
			e.log.Debug("signal skipped, order in flight",
				zap.String("instrument", sig.Instrument.Symbol()),
				zap.String("strategy", string(sig.Strategy)),
			)
		}
	}
}

// account builds the sizing view for one signal from the venue balances.
// For arbitrage the buy leg's quote balance and the sell leg's base balance
// both cap the order, so the tighter of the two is presented as free quote.
func (e *Engine) account(sig types.Signal, balances map[string]map[string]venue.Balance, prices map[types.Instrument]float64) risk.Account {
	acct := risk.Account{PortfolioValue: e.portfolioValue(balances, prices)}
	if vb, ok := balances[sig.Venue]; ok {
		acct.FreeQuote = vb[sig.Instrument.Quote].Free
		acct.FreeBase = vb[sig.Instrument.Base].Free
	}
	if sig.Strategy == types.StrategyArbitrage && sig.Price > 0 {
		if vb, ok := balances[sig.SellVenue]; ok {
			if sellCap := vb[sig.Instrument.Base].Free * sig.Price; sellCap < acct.FreeQuote {
				acct.FreeQuote = sellCap
			}
		}
	}
	return acct
}

// portfolioValue marks every balance to the freshest mid price. Quote
// currencies count at face value.
func (e *Engine) portfolioValue(balances map[string]map[string]venue.Balance, prices map[types.Instrument]float64) float64 {
	quotes := make(map[string]bool, len(e.instruments))
	baseValue := make(map[string]float64, len(e.instruments))
	for _, inst := range e.instruments {
		quotes[inst.Quote] = true
		if p, ok := prices[inst]; ok {
			baseValue[inst.Base] = p
		}
	}

	var total float64
	for _, vb := range balances {
		for currency, b := range vb {
			switch {
			case quotes[currency]:
				total += b.Total
			case baseValue[currency] > 0:
				total += b.Total * baseValue[currency]
			}
		}
	}
	return total
}

func (e *Engine) latestMids() map[types.Instrument]float64 {
	mids := make(map[types.Instrument]float64, len(e.instruments))
	for _, inst := range e.instruments {
		for name := range e.deps.Venues {
			if prices := e.history.Prices(name, inst); len(prices) > 0 {
				mids[inst] = prices[len(prices)-1]
				break
			}
		}
	}
	return mids
}

// minOrder is the venue minimum the gate enforces. Arbitrage fills on both
// venues, so the stricter of the two leg minimums applies.
func (e *Engine) minOrder(sig types.Signal) float64 {
	var min float64
	if cl, ok := e.deps.Venues[sig.Venue]; ok {
		min = cl.MinOrderSize()
	}
	if sig.Strategy == types.StrategyArbitrage {
		if cl, ok := e.deps.Venues[sig.SellVenue]; ok && cl.MinOrderSize() > min {
			min = cl.MinOrderSize()
		}
	}
	return min
}

// rollDay emits the previous day's summary once the UTC date changes.
func (e *Engine) rollDay(ctx context.Context, now time.Time) {
	day := midnightUTC(now)
	if day.Equal(e.day) {
		return
	}
	prev := e.day
	e.day = day

	s, err := e.deps.Book.DailySummary(ctx, prev)
	if err != nil {
		e.log.Error("daily summary failed", zap.Error(err))
		return
	}
	e.log.Info("daily summary",
		zap.Time("day", s.Day),
		zap.Int("trades", s.Trades),
		zap.Float64("realized_pnl", s.RealizedPnL),
		zap.Float64("fees", s.Fees),
		zap.Int("wins", s.Wins),
		zap.Int("losses", s.Losses),
	)
	e.deps.Notifier.DailySummary(ctx, s.Trades, s.RealizedPnL, s.Fees)
}

func (e *Engine) publishStatus(ctx context.Context, now time.Time) {
	st := e.deps.State.Snapshot(now)
	status := telemetry.Status{
		Ts:          now,
		Mode:        e.cfg.Mode,
		Halted:      st.Halted,
		HaltReason:  st.HaltReason,
		DailyPnL:    st.DailyPnL,
		DailyTrades: st.DailyTrades,
	}
	if positions, err := e.deps.Book.OpenPositions(ctx); err == nil && len(positions) > 0 {
		status.Positions = make(map[string]float64, len(positions))
		for _, p := range positions {
			status.Positions[p.Instrument.Symbol()] = p.Quantity
		}
	}
	e.deps.Hub.Publish(status)
}

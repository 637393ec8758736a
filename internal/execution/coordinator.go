// Package execution turns approved signals into venue orders. The
// coordinator owns the in-flight exclusivity rules, bounded retries against
// flaky venues, and the invariant that a trade is not complete until the
// ledger has it.
package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/meltonjoshua/auto-profit-trader/internal/config"
	"github.com/meltonjoshua/auto-profit-trader/internal/ledger"
	"github.com/meltonjoshua/auto-profit-trader/internal/metrics"
	"github.com/meltonjoshua/auto-profit-trader/internal/notify"
	"github.com/meltonjoshua/auto-profit-trader/internal/risk"
	"github.com/meltonjoshua/auto-profit-trader/internal/types"
	"github.com/meltonjoshua/auto-profit-trader/internal/venue"
)

// ErrDuplicateInFlight is returned by Dispatch when an order in the same
// lock group is already working the instrument.
var ErrDuplicateInFlight = errors.New("execution: order already in flight for instrument")

// HaltLedgerFailure is latched when a filled order cannot be written to the
// ledger. Trading on top of an unrecorded fill is worse than not trading.
const HaltLedgerFailure = "ledger_append_failed"

// Coordinator executes signals asynchronously, one order per instrument per
// lock group at a time.
type Coordinator struct {
	venues   map[string]venue.Client
	book     *ledger.Ledger
	state    *risk.State
	halt     *risk.Halt
	notifier *notify.Notifier
	cfg      config.ExecutionCfg
	log      *zap.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
	wg       sync.WaitGroup

	idBase int64
	seq    atomic.Int64
}

func NewCoordinator(
	venues map[string]venue.Client,
	book *ledger.Ledger,
	state *risk.State,
	halt *risk.Halt,
	notifier *notify.Notifier,
	cfg config.ExecutionCfg,
	log *zap.Logger,
) *Coordinator {
	return &Coordinator{
		venues:   venues,
		book:     book,
		state:    state,
		halt:     halt,
		notifier: notifier,
		cfg:      cfg,
		log:      log,
		inflight: make(map[string]struct{}),
		idBase:   time.Now().UnixNano(),
	}
}

func lockKey(inst types.Instrument, s types.Strategy) string {
	return inst.Symbol() + "|" + string(s.LockGroup())
}

// Dispatch takes ownership of one approved, sized signal and executes it on
// a worker goroutine. It returns ErrDuplicateInFlight without side effects
// when the instrument's lock group is busy.
func (c *Coordinator) Dispatch(ctx context.Context, sig types.Signal, qty float64) error {
	key := lockKey(sig.Instrument, sig.Strategy)
	c.mu.Lock()
	if _, busy := c.inflight[key]; busy {
		c.mu.Unlock()
		return ErrDuplicateInFlight
	}
	c.inflight[key] = struct{}{}
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			delete(c.inflight, key)
			c.mu.Unlock()
		}()
		c.execute(ctx, sig, qty)
	}()
	return nil
}

// Drain blocks until every in-flight order has finished.
func (c *Coordinator) Drain() { c.wg.Wait() }

func (c *Coordinator) execute(ctx context.Context, sig types.Signal, qty float64) {
	if sig.Strategy == types.StrategyArbitrage {
		c.executeArbitrage(ctx, sig, qty)
		return
	}
	c.executeSingle(ctx, sig, qty)
}

func (c *Coordinator) executeSingle(ctx context.Context, sig types.Signal, qty float64) {
	cl, ok := c.venues[sig.Venue]
	if !ok {
		c.log.Error("unknown venue", zap.String("venue", sig.Venue))
		return
	}
	req := types.OrderRequest{
		Instrument: sig.Instrument,
		Side:       sig.Side,
		Kind:       types.OrderMarket,
		Quantity:   qty,
		Venue:      sig.Venue,
		Signal:     sig,
	}
	fill, err := c.place(ctx, cl, req)
	if err != nil {
		c.log.Error("order failed",
			zap.String("strategy", string(sig.Strategy)),
			zap.String("instrument", sig.Instrument.Symbol()),
			zap.String("venue", sig.Venue),
			zap.Error(err),
		)
		return
	}
	// A filled order must be accounted for even when shutdown has already
	// cancelled the parent context.
	ctx = context.WithoutCancel(ctx)

	t := types.Trade{
		ID:         c.nextID(),
		Ts:         time.Now(),
		Instrument: sig.Instrument,
		Side:       sig.Side,
		Quantity:   fill.Quantity,
		Price:      fill.Price,
		Fee:        fill.Fee,
		Strategy:   sig.Strategy,
		Venue:      sig.Venue,
		OrderID:    fill.OrderID,
		Confidence: sig.Confidence,
	}

	// Fold the ledger history to see how much of this fill reduces an
	// existing position; that part is realized pnl.
	pos, err := c.book.Position(ctx, sig.Instrument)
	if err != nil {
		c.log.Error("position fold failed", zap.Error(err))
	} else if realized := pos.Apply(t); realized != 0 || sig.Strategy.Closing() {
		t.PnL = realized
		t.Closed = true
	}

	c.record(ctx, t)
}

// executeArbitrage runs the two legs sequentially: the buy must fill before
// the sell is attempted. A sell that fails after retries leaves an open
// position for the stop-loss monitor to manage.
func (c *Coordinator) executeArbitrage(ctx context.Context, sig types.Signal, qty float64) {
	buyCl, ok := c.venues[sig.Venue]
	if !ok {
		c.log.Error("unknown buy venue", zap.String("venue", sig.Venue))
		return
	}
	sellCl, ok := c.venues[sig.SellVenue]
	if !ok {
		c.log.Error("unknown sell venue", zap.String("venue", sig.SellVenue))
		return
	}

	buyFill, err := c.place(ctx, buyCl, types.OrderRequest{
		Instrument: sig.Instrument,
		Side:       types.SideBuy,
		Kind:       types.OrderMarket,
		Quantity:   qty,
		Venue:      sig.Venue,
		Signal:     sig,
	})
	if err != nil {
		c.log.Error("arbitrage buy leg failed",
			zap.String("instrument", sig.Instrument.Symbol()),
			zap.String("venue", sig.Venue),
			zap.Error(err),
		)
		return
	}
	// Past the first fill, bookkeeping and the hedging leg must not be cut
	// short by shutdown; place still stops retrying once cancelled.
	recordCtx := context.WithoutCancel(ctx)
	if !c.record(recordCtx, types.Trade{
		ID:         c.nextID(),
		Ts:         time.Now(),
		Instrument: sig.Instrument,
		Side:       types.SideBuy,
		Quantity:   buyFill.Quantity,
		Price:      buyFill.Price,
		Fee:        buyFill.Fee,
		Strategy:   types.StrategyArbitrage,
		Venue:      sig.Venue,
		OrderID:    buyFill.OrderID,
		Confidence: sig.Confidence,
	}) {
		return
	}

	sellFill, err := c.place(ctx, sellCl, types.OrderRequest{
		Instrument: sig.Instrument,
		Side:       types.SideSell,
		Kind:       types.OrderMarket,
		Quantity:   buyFill.Quantity,
		Venue:      sig.SellVenue,
		Signal:     sig,
	})
	if err != nil {
		c.log.Error("arbitrage sell leg failed, position left open",
			zap.String("instrument", sig.Instrument.Symbol()),
			zap.String("venue", sig.SellVenue),
			zap.Float64("quantity", buyFill.Quantity),
			zap.Error(err),
		)
		return
	}

	pnl := (sellFill.Price-buyFill.Price)*sellFill.Quantity - buyFill.Fee - sellFill.Fee
	c.record(recordCtx, types.Trade{
		ID:         c.nextID(),
		Ts:         time.Now(),
		Instrument: sig.Instrument,
		Side:       types.SideSell,
		Quantity:   sellFill.Quantity,
		Price:      sellFill.Price,
		Fee:        sellFill.Fee,
		PnL:        pnl,
		Closed:     true,
		Strategy:   types.StrategyArbitrage,
		Venue:      sig.SellVenue,
		OrderID:    sellFill.OrderID,
		Confidence: sig.Confidence,
	})
}

// place submits one order with bounded retries. Venue unavailability and
// timeouts are retried with doubling backoff; rejections are permanent.
func (c *Coordinator) place(ctx context.Context, cl venue.Client, req types.OrderRequest) (venue.Fill, error) {
	timeout := c.cfg.OrderTimeout()
	backoff := c.cfg.Backoff()

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		// Each attempt is detached from the parent: once submitted it runs
		// to its own timeout, so a shutdown never abandons an order that
		// may already be resting on the venue. Cancellation is honored
		// between attempts instead.
		octx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		fill, err := cl.CreateOrder(octx, req)
		cancel()
		if err == nil {
			return fill, nil
		}
		lastErr = err
		if errors.Is(err, venue.ErrRejected) {
			return venue.Fill{}, err
		}
		if ctx.Err() != nil {
			return venue.Fill{}, fmt.Errorf("order cancelled: %w", err)
		}
		if attempt == c.cfg.MaxAttempts {
			break
		}
		metrics.OrderRetries.Inc()
		c.log.Warn("order attempt failed, retrying",
			zap.String("venue", req.Venue),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return venue.Fill{}, ctx.Err()
		}
		backoff *= 2
	}
	return venue.Fill{}, fmt.Errorf("order failed after %d attempts: %w", c.cfg.MaxAttempts, lastErr)
}

// record persists the trade and only then updates risk state, metrics and
// notifications. A ledger failure halts the engine.
func (c *Coordinator) record(ctx context.Context, t types.Trade) bool {
	if err := c.book.Append(ctx, t); err != nil {
		c.log.Error("ledger append failed, halting",
			zap.Int64("trade_id", t.ID),
			zap.Error(err),
		)
		if c.state.Halt(HaltLedgerFailure) {
			c.persistHalt(ctx, HaltLedgerFailure)
			c.notifier.Halt(ctx, HaltLedgerFailure, c.state.Snapshot(time.Now()).DailyPnL)
		}
		return false
	}

	now := time.Now()
	c.state.RecordTrade(t.PnL, t.Closed, now)
	metrics.Trades.WithLabelValues(string(t.Strategy)).Inc()
	c.log.Info("trade recorded",
		zap.Int64("trade_id", t.ID),
		zap.String("strategy", string(t.Strategy)),
		zap.String("instrument", t.Instrument.Symbol()),
		zap.String("side", string(t.Side)),
		zap.Float64("quantity", t.Quantity),
		zap.Float64("price", t.Price),
		zap.Float64("pnl", t.PnL),
	)
	c.notifier.Trade(ctx, t)

	if reason, tripped := c.halt.Evaluate(now); tripped {
		c.persistHalt(ctx, reason)
		c.notifier.Halt(ctx, reason, c.state.Snapshot(now).DailyPnL)
	}
	return true
}

// persistHalt writes the halt to the ledger so it survives a restart. The
// in-memory latch already holds, so a write failure only costs persistence.
func (c *Coordinator) persistHalt(ctx context.Context, reason string) {
	if err := c.book.RecordHalt(ctx, reason, time.Now()); err != nil {
		c.log.Error("halt not persisted", zap.String("reason", reason), zap.Error(err))
	}
}

func (c *Coordinator) nextID() int64 {
	return c.idBase + c.seq.Add(1)
}

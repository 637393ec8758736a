package engine

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/meltonjoshua/auto-profit-trader/internal/config"
	"github.com/meltonjoshua/auto-profit-trader/internal/execution"
	"github.com/meltonjoshua/auto-profit-trader/internal/ledger"
	"github.com/meltonjoshua/auto-profit-trader/internal/notify"
	"github.com/meltonjoshua/auto-profit-trader/internal/risk"
	"github.com/meltonjoshua/auto-profit-trader/internal/types"
	"github.com/meltonjoshua/auto-profit-trader/internal/venue"
)

var btcGBP = types.Instrument{Base: "BTC", Quote: "GBP"}

type harness struct {
	engine *Engine
	book   *ledger.Ledger
	state  *risk.State
}

func newHarness(t *testing.T, cfg *config.Config, venues map[string]venue.Client, n *notify.Notifier) *harness {
	t.Helper()
	log := zap.NewNop()
	book, err := ledger.Open(":memory:", log)
	require.NoError(t, err)
	t.Cleanup(func() { book.Close() })

	state := risk.NewState(time.Now())
	halt := risk.NewHalt(state, cfg.Risk, log)
	gate := risk.NewGate(cfg.Risk, cfg.Trading.MaxPositionFraction, state, log)
	coord := execution.NewCoordinator(venues, book, state, halt, n, cfg.Execution, log)

	eng, err := New(cfg, Deps{
		Venues:      venues,
		Book:        book,
		State:       state,
		Gate:        gate,
		Coordinator: coord,
		Notifier:    n,
		Log:         log,
	})
	require.NoError(t, err)
	return &harness{engine: eng, book: book, state: state}
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Instruments = []string{"BTC/GBP"}
	cfg.Trading.EnableMomentum = false
	return &cfg
}

// Two paper venues priced far apart: the cycle must detect the spread, pass
// the gate and execute both legs.
func paperVenues(t *testing.T, log *zap.Logger) map[string]venue.Client {
	t.Helper()
	cheap := venue.NewPaper("beta", 0.001, 0.0001, log,
		venue.WithSeed(1),
		venue.WithPrice(btcGBP, 30000),
		venue.WithBalance("GBP", 100000),
	)
	rich := venue.NewPaper("alpha", 0.001, 0.0001, log,
		venue.WithSeed(2),
		venue.WithPrice(btcGBP, 31000),
		venue.WithBalance("BTC", 1),
	)
	return map[string]venue.Client{"beta": cheap, "alpha": rich}
}

func TestEngine_CycleExecutesArbitrage(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, cfg, paperVenues(t, zap.NewNop()), nil)
	ctx := context.Background()

	h.engine.cycle(ctx, time.Now())
	h.engine.deps.Coordinator.Drain()

	trades, err := h.book.RecentTrades(ctx, 10)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, types.StrategyArbitrage, trades[0].Strategy)
	assert.Equal(t, 2, h.state.Snapshot(time.Now()).DailyTrades)

	// Sell leg must realize a profit on a 3% gross spread.
	var closed *types.Trade
	for i := range trades {
		if trades[i].Closed {
			closed = &trades[i]
		}
	}
	require.NotNil(t, closed)
	assert.Greater(t, closed.PnL, 0.0)
}

func TestEngine_DryRunSuppressesOrders(t *testing.T) {
	cfg := testConfig()
	cfg.DryRun = true
	h := newHarness(t, cfg, paperVenues(t, zap.NewNop()), nil)
	ctx := context.Background()

	h.engine.cycle(ctx, time.Now())
	h.engine.deps.Coordinator.Drain()

	trades, err := h.book.RecentTrades(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, trades)
}

func TestEngine_HaltBlocksNewCycles(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, cfg, paperVenues(t, zap.NewNop()), nil)
	ctx := context.Background()

	h.state.Halt(risk.ReasonDailyLoss)
	h.engine.cycle(ctx, time.Now())
	h.engine.deps.Coordinator.Drain()

	trades, err := h.book.RecentTrades(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, trades)
}

func TestEngine_SweepEmitsStopLoss(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, cfg, paperVenues(t, zap.NewNop()), nil)
	ctx := context.Background()

	require.NoError(t, h.book.Append(ctx, types.Trade{
		ID: 1, Ts: time.Now().Add(-time.Hour), Instrument: btcGBP,
		Side: types.SideBuy, Quantity: 0.5, Price: 32000,
		Strategy: types.StrategyMomentum, Venue: "alpha",
	}))

	// 30000 against a 32000 entry is a 6.25% drawdown, past the 2% stop.
	snaps := []types.PriceSnapshot{{
		Venue: "alpha", Instrument: btcGBP,
		Bid: 30000, Ask: 30000, Last: 30000, Ts: time.Now(),
	}}
	closes := h.engine.sweepPositions(ctx, snaps)
	require.Len(t, closes, 1)
	assert.Equal(t, types.StrategyStopLoss, closes[0].Strategy)
	assert.Equal(t, types.SideSell, closes[0].Side)
	assert.InDelta(t, 0.5, closes[0].Quantity, 1e-9)
}

func TestEngine_SweepEmitsTakeProfit(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, cfg, paperVenues(t, zap.NewNop()), nil)
	ctx := context.Background()

	require.NoError(t, h.book.Append(ctx, types.Trade{
		ID: 1, Ts: time.Now().Add(-time.Hour), Instrument: btcGBP,
		Side: types.SideBuy, Quantity: 0.5, Price: 30000,
		Strategy: types.StrategyMomentum, Venue: "alpha",
	}))

	// +6% beats the 5% take-profit threshold.
	snaps := []types.PriceSnapshot{{
		Venue: "alpha", Instrument: btcGBP,
		Bid: 31800, Ask: 31800, Last: 31800, Ts: time.Now(),
	}}
	closes := h.engine.sweepPositions(ctx, snaps)
	require.Len(t, closes, 1)
	assert.Equal(t, types.StrategyTakeProfit, closes[0].Strategy)
}

func TestEngine_SweepHoldsInsideThresholds(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, cfg, paperVenues(t, zap.NewNop()), nil)
	ctx := context.Background()

	require.NoError(t, h.book.Append(ctx, types.Trade{
		ID: 1, Ts: time.Now().Add(-time.Hour), Instrument: btcGBP,
		Side: types.SideBuy, Quantity: 0.5, Price: 30000,
		Strategy: types.StrategyMomentum, Venue: "alpha",
	}))

	snaps := []types.PriceSnapshot{{
		Venue: "alpha", Instrument: btcGBP,
		Bid: 30300, Ask: 30300, Last: 30300, Ts: time.Now(),
	}}
	assert.Empty(t, h.engine.sweepPositions(ctx, snaps))
}

func TestEngine_ArbitrageMinOrderUsesStricterLeg(t *testing.T) {
	cfg := testConfig()
	venues := map[string]venue.Client{
		"beta":  venue.NewPaper("beta", 0.001, 0.0001, zap.NewNop(), venue.WithPrice(btcGBP, 30000)),
		"alpha": venue.NewPaper("alpha", 0.001, 0.05, zap.NewNop(), venue.WithPrice(btcGBP, 31000)),
	}
	h := newHarness(t, cfg, venues, nil)

	arb := types.Signal{
		Strategy: types.StrategyArbitrage, Instrument: btcGBP,
		Side: types.SideBuy, Venue: "beta", SellVenue: "alpha", Price: 30000,
	}
	// Buy leg alone would allow 0.0001; the sell leg demands 0.05.
	assert.InDelta(t, 0.05, h.engine.minOrder(arb), 1e-12)

	mom := types.Signal{
		Strategy: types.StrategyMomentum, Instrument: btcGBP,
		Side: types.SideBuy, Venue: "beta", Price: 30000,
	}
	assert.InDelta(t, 0.0001, h.engine.minOrder(mom), 1e-12)
}

func TestEngine_DayRolloverPublishesSummary(t *testing.T) {
	mr := miniredis.RunT(t)
	n := notify.New(config.RedisCfg{Enabled: true, Addr: mr.Addr(), Stream: "trader:events"}, zap.NewNop())
	t.Cleanup(func() { n.Close() })

	cfg := testConfig()
	h := newHarness(t, cfg, paperVenues(t, zap.NewNop()), n)
	ctx := context.Background()

	require.NoError(t, h.book.Append(ctx, types.Trade{
		ID: 1, Ts: time.Now(), Instrument: btcGBP,
		Side: types.SideSell, Quantity: 0.5, Price: 30000,
		PnL: 42, Closed: true,
		Strategy: types.StrategyTakeProfit, Venue: "alpha",
	}))

	h.engine.rollDay(ctx, time.Now().Add(24*time.Hour))

	entries, err := mr.Stream("trader:events")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	fields := map[string]string{}
	for i := 0; i+1 < len(entries[0].Values); i += 2 {
		fields[entries[0].Values[i]] = entries[0].Values[i+1]
	}
	assert.Equal(t, "daily_summary", fields["event"])
	assert.Equal(t, "1", fields["trades"])
}

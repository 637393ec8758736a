package execution

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/meltonjoshua/auto-profit-trader/internal/config"
	"github.com/meltonjoshua/auto-profit-trader/internal/ledger"
	"github.com/meltonjoshua/auto-profit-trader/internal/risk"
	"github.com/meltonjoshua/auto-profit-trader/internal/types"
	"github.com/meltonjoshua/auto-profit-trader/internal/venue"
)

var btcGBP = types.Instrument{Base: "BTC", Quote: "GBP"}

// fakeVenue scripts per-call outcomes: it returns errs in order, then fills
// at price. block, when set, stalls CreateOrder until released.
type fakeVenue struct {
	name  string
	price float64
	fee   float64
	errs  []error
	block chan struct{}
	delay time.Duration

	mu    sync.Mutex
	calls int
}

func (f *fakeVenue) Name() string          { return f.name }
func (f *fakeVenue) TakerFee() float64     { return 0.001 }
func (f *fakeVenue) MinOrderSize() float64 { return 0.0001 }

func (f *fakeVenue) Ticker(ctx context.Context, inst types.Instrument) (types.PriceSnapshot, error) {
	return types.PriceSnapshot{Venue: f.name, Instrument: inst, Bid: f.price, Ask: f.price, Last: f.price, Ts: time.Now()}, nil
}

func (f *fakeVenue) Balances(ctx context.Context) (map[string]venue.Balance, error) {
	return map[string]venue.Balance{}, nil
}

func (f *fakeVenue) CreateOrder(ctx context.Context, req types.OrderRequest) (venue.Fill, error) {
	if f.block != nil {
		<-f.block
	}
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return venue.Fill{}, venue.ErrUnavailable
		case <-time.After(f.delay):
		}
	}
	f.mu.Lock()
	n := f.calls
	f.calls++
	f.mu.Unlock()
	if n < len(f.errs) {
		return venue.Fill{}, f.errs[n]
	}
	return venue.Fill{OrderID: "o-1", Price: f.price, Fee: f.fee, Quantity: req.Quantity}, nil
}

func (f *fakeVenue) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fixture struct {
	coord *Coordinator
	book  *ledger.Ledger
	state *risk.State
}

func newFixture(t *testing.T, venues map[string]venue.Client) *fixture {
	t.Helper()
	book, err := ledger.Open(":memory:", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { book.Close() })

	cfg := config.Default()
	cfg.Execution.BackoffMs = 1
	state := risk.NewState(time.Now())
	halt := risk.NewHalt(state, cfg.Risk, zap.NewNop())
	coord := NewCoordinator(venues, book, state, halt, nil, cfg.Execution, zap.NewNop())
	return &fixture{coord: coord, book: book, state: state}
}

func momentumSignal(v string) types.Signal {
	return types.Signal{
		Strategy: types.StrategyMomentum, Instrument: btcGBP,
		Side: types.SideBuy, Venue: v, Price: 30000, Confidence: 0.8,
	}
}

func TestCoordinator_RecordsEntryTrade(t *testing.T) {
	fv := &fakeVenue{name: "alpha", price: 30000, fee: 3}
	fx := newFixture(t, map[string]venue.Client{"alpha": fv})

	require.NoError(t, fx.coord.Dispatch(context.Background(), momentumSignal("alpha"), 0.1))
	fx.coord.Drain()

	trades, err := fx.book.RecentTrades(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, types.SideBuy, trades[0].Side)
	assert.False(t, trades[0].Closed)
	assert.Zero(t, trades[0].PnL)
	assert.Equal(t, 1, fx.state.Snapshot(time.Now()).DailyTrades)
}

func TestCoordinator_DuplicateInFlightRejected(t *testing.T) {
	fv := &fakeVenue{name: "alpha", price: 30000, block: make(chan struct{})}
	fx := newFixture(t, map[string]venue.Client{"alpha": fv})
	ctx := context.Background()

	require.NoError(t, fx.coord.Dispatch(ctx, momentumSignal("alpha"), 0.1))
	// The worker is stalled inside CreateOrder; the lock must hold.
	err := fx.coord.Dispatch(ctx, momentumSignal("alpha"), 0.1)
	assert.ErrorIs(t, err, ErrDuplicateInFlight)

	// A stop-loss close shares the momentum lock group.
	err = fx.coord.Dispatch(ctx, types.Signal{
		Strategy: types.StrategyStopLoss, Instrument: btcGBP,
		Side: types.SideSell, Venue: "alpha", Price: 29000, Quantity: 0.1,
	}, 0.1)
	assert.ErrorIs(t, err, ErrDuplicateInFlight)

	close(fv.block)
	fx.coord.Drain()

	// Released after completion.
	require.NoError(t, fx.coord.Dispatch(ctx, momentumSignal("alpha"), 0.1))
	fx.coord.Drain()
}

func TestCoordinator_RetriesTransientFailure(t *testing.T) {
	fv := &fakeVenue{name: "alpha", price: 30000, errs: []error{venue.ErrUnavailable, venue.ErrUnavailable}}
	fx := newFixture(t, map[string]venue.Client{"alpha": fv})

	require.NoError(t, fx.coord.Dispatch(context.Background(), momentumSignal("alpha"), 0.1))
	fx.coord.Drain()

	assert.Equal(t, 3, fv.callCount())
	trades, err := fx.book.RecentTrades(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, trades, 1)
}

func TestCoordinator_RejectionIsPermanent(t *testing.T) {
	fv := &fakeVenue{name: "alpha", price: 30000, errs: []error{venue.ErrRejected}}
	fx := newFixture(t, map[string]venue.Client{"alpha": fv})

	require.NoError(t, fx.coord.Dispatch(context.Background(), momentumSignal("alpha"), 0.1))
	fx.coord.Drain()

	assert.Equal(t, 1, fv.callCount())
	trades, err := fx.book.RecentTrades(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, trades)
}

func TestCoordinator_GivesUpAfterMaxAttempts(t *testing.T) {
	fv := &fakeVenue{name: "alpha", price: 30000,
		errs: []error{venue.ErrUnavailable, venue.ErrUnavailable, venue.ErrUnavailable}}
	fx := newFixture(t, map[string]venue.Client{"alpha": fv})

	require.NoError(t, fx.coord.Dispatch(context.Background(), momentumSignal("alpha"), 0.1))
	fx.coord.Drain()

	assert.Equal(t, 3, fv.callCount()) // MaxAttempts default
	trades, err := fx.book.RecentTrades(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, trades)
	assert.Zero(t, fx.state.Snapshot(time.Now()).DailyTrades)
}

func TestCoordinator_ShutdownLetsInFlightOrderFinish(t *testing.T) {
	fv := &fakeVenue{name: "alpha", price: 30000, fee: 3, delay: 20 * time.Millisecond}
	fx := newFixture(t, map[string]venue.Client{"alpha": fv})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// The parent is already cancelled, but the attempt runs against its own
	// order timeout and the resulting fill still reaches the ledger.
	require.NoError(t, fx.coord.Dispatch(ctx, momentumSignal("alpha"), 0.1))
	fx.coord.Drain()

	assert.Equal(t, 1, fv.callCount())
	trades, err := fx.book.RecentTrades(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	halted, _ := fx.state.Halted()
	assert.False(t, halted)
	assert.Equal(t, 1, fx.state.Snapshot(time.Now()).DailyTrades)
}

func TestCoordinator_CancelStopsRetriesBetweenAttempts(t *testing.T) {
	fv := &fakeVenue{name: "alpha", price: 30000,
		errs: []error{venue.ErrUnavailable, venue.ErrUnavailable, venue.ErrUnavailable}}
	fx := newFixture(t, map[string]venue.Client{"alpha": fv})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, fx.coord.Dispatch(ctx, momentumSignal("alpha"), 0.1))
	fx.coord.Drain()

	// First attempt fails, cancellation is honored before the second.
	assert.Equal(t, 1, fv.callCount())
	trades, err := fx.book.RecentTrades(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, trades)
}

func TestCoordinator_CloseRealizesPnL(t *testing.T) {
	fv := &fakeVenue{name: "alpha", price: 29000, fee: 2}
	fx := newFixture(t, map[string]venue.Client{"alpha": fv})
	ctx := context.Background()

	// Seed an existing long 0.5 @ 30000.
	require.NoError(t, fx.book.Append(ctx, types.Trade{
		ID: 1, Ts: time.Now().Add(-time.Hour), Instrument: btcGBP,
		Side: types.SideBuy, Quantity: 0.5, Price: 30000,
		Strategy: types.StrategyMomentum, Venue: "alpha",
	}))

	require.NoError(t, fx.coord.Dispatch(ctx, types.Signal{
		Strategy: types.StrategyStopLoss, Instrument: btcGBP,
		Side: types.SideSell, Venue: "alpha", Price: 29000, Quantity: 0.5,
	}, 0.5))
	fx.coord.Drain()

	trades, err := fx.book.RecentTrades(ctx, 1)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.True(t, trades[0].Closed)
	// (29000-30000)*0.5 - 2 fee
	assert.InDelta(t, -502, trades[0].PnL, 1e-9)
	assert.InDelta(t, -502, fx.state.Snapshot(time.Now()).DailyPnL, 1e-9)
}

func TestCoordinator_ArbitrageRecordsBothLegs(t *testing.T) {
	buyV := &fakeVenue{name: "alpha", price: 30000, fee: 3}
	sellV := &fakeVenue{name: "beta", price: 30300, fee: 3}
	fx := newFixture(t, map[string]venue.Client{"alpha": buyV, "beta": sellV})

	require.NoError(t, fx.coord.Dispatch(context.Background(), types.Signal{
		Strategy: types.StrategyArbitrage, Instrument: btcGBP,
		Side: types.SideBuy, Venue: "alpha", SellVenue: "beta",
		Price: 30000, Confidence: 1,
	}, 0.1))
	fx.coord.Drain()

	trades, err := fx.book.RecentTrades(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, trades, 2)

	sell, buy := trades[0], trades[1]
	assert.Equal(t, types.SideBuy, buy.Side)
	assert.Equal(t, "alpha", buy.Venue)
	assert.False(t, buy.Closed)
	assert.Equal(t, types.SideSell, sell.Side)
	assert.Equal(t, "beta", sell.Venue)
	assert.True(t, sell.Closed)
	// (30300-30000)*0.1 - 3 - 3
	assert.InDelta(t, 24, sell.PnL, 1e-9)
}

func TestCoordinator_ArbitrageSellLegFailureLeavesPosition(t *testing.T) {
	buyV := &fakeVenue{name: "alpha", price: 30000}
	sellV := &fakeVenue{name: "beta", price: 30300,
		errs: []error{venue.ErrRejected}}
	fx := newFixture(t, map[string]venue.Client{"alpha": buyV, "beta": sellV})

	require.NoError(t, fx.coord.Dispatch(context.Background(), types.Signal{
		Strategy: types.StrategyArbitrage, Instrument: btcGBP,
		Side: types.SideBuy, Venue: "alpha", SellVenue: "beta",
		Price: 30000, Confidence: 1,
	}, 0.1))
	fx.coord.Drain()

	trades, err := fx.book.RecentTrades(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, types.SideBuy, trades[0].Side)

	pos, err := fx.book.Position(context.Background(), btcGBP)
	require.NoError(t, err)
	assert.InDelta(t, 0.1, pos.Quantity, 1e-9)
}

func TestCoordinator_TrippedHaltPersistedToLedger(t *testing.T) {
	fv := &fakeVenue{name: "alpha", price: 29000, fee: 2}
	fx := newFixture(t, map[string]venue.Client{"alpha": fv})
	ctx := context.Background()

	// Long 0.5 @ 30000; closing at 29000 loses 502, past the daily limit.
	require.NoError(t, fx.book.Append(ctx, types.Trade{
		ID: 1, Ts: time.Now().Add(-time.Hour), Instrument: btcGBP,
		Side: types.SideBuy, Quantity: 0.5, Price: 30000,
		Strategy: types.StrategyMomentum, Venue: "alpha",
	}))
	require.NoError(t, fx.coord.Dispatch(ctx, types.Signal{
		Strategy: types.StrategyStopLoss, Instrument: btcGBP,
		Side: types.SideSell, Venue: "alpha", Price: 29000, Quantity: 0.5,
	}, 0.5))
	fx.coord.Drain()

	halted, _ := fx.state.Halted()
	require.True(t, halted)
	reason, active, err := fx.book.ActiveHalt(ctx)
	require.NoError(t, err)
	require.True(t, active)
	assert.Equal(t, risk.ReasonDailyLoss, reason)
}

func TestCoordinator_LedgerFailureHalts(t *testing.T) {
	fv := &fakeVenue{name: "alpha", price: 30000}
	fx := newFixture(t, map[string]venue.Client{"alpha": fv})

	// Closing the database forces the append to fail after the fill.
	require.NoError(t, fx.book.Close())

	require.NoError(t, fx.coord.Dispatch(context.Background(), momentumSignal("alpha"), 0.1))
	fx.coord.Drain()

	halted, reason := fx.state.Halted()
	assert.True(t, halted)
	assert.Equal(t, HaltLedgerFailure, reason)
}

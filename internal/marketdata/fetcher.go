package marketdata

import (
	"context"
	"sync"
	"time"

	"github.com/meltonjoshua/auto-profit-trader/internal/metrics"
	"github.com/meltonjoshua/auto-profit-trader/internal/types"
	"github.com/meltonjoshua/auto-profit-trader/internal/venue"
	"go.uber.org/zap"
)

// Fetcher gathers ticker snapshots from every venue for a set of instruments.
// Each (venue, instrument) fetch runs in its own goroutine with a per-call
// timeout; failures are logged and the snapshot is simply absent from the
// batch, never a cycle-level fault.
type Fetcher struct {
	venues  []venue.Client
	timeout time.Duration
	log     *zap.Logger
}

func NewFetcher(venues []venue.Client, timeout time.Duration, log *zap.Logger) *Fetcher {
	return &Fetcher{venues: venues, timeout: timeout, log: log}
}

// Snapshots fans out one ticker fetch per (venue, instrument) and awaits the
// whole batch.
func (f *Fetcher) Snapshots(ctx context.Context, instruments []types.Instrument) []types.PriceSnapshot {
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		out []types.PriceSnapshot
	)
	for _, v := range f.venues {
		for _, inst := range instruments {
			wg.Add(1)
			go func(v venue.Client, inst types.Instrument) {
				defer wg.Done()
				cctx, cancel := context.WithTimeout(ctx, f.timeout)
				defer cancel()

				snap, err := v.Ticker(cctx, inst)
				if err != nil {
					metrics.SnapshotErrors.Inc()
					f.log.Warn("ticker fetch failed",
						zap.String("venue", v.Name()),
						zap.String("instrument", inst.Symbol()),
						zap.Error(err),
					)
					return
				}
				mu.Lock()
				out = append(out, snap)
				mu.Unlock()
			}(v, inst)
		}
	}
	wg.Wait()
	return out
}

// Balances fans out one balance fetch per venue. Venues that fail are omitted.
func (f *Fetcher) Balances(ctx context.Context) map[string]map[string]venue.Balance {
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		out = make(map[string]map[string]venue.Balance, len(f.venues))
	)
	for _, v := range f.venues {
		wg.Add(1)
		go func(v venue.Client) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, f.timeout)
			defer cancel()

			bals, err := v.Balances(cctx)
			if err != nil {
				f.log.Warn("balance fetch failed", zap.String("venue", v.Name()), zap.Error(err))
				return
			}
			mu.Lock()
			out[v.Name()] = bals
			mu.Unlock()
		}(v)
	}
	wg.Wait()
	return out
}

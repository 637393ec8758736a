package risk

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/meltonjoshua/auto-profit-trader/internal/ledger"
)

// rehydrateScan bounds how far back the loss-streak derivation looks. The
// streak that matters is capped by the consecutive-loss limit, which is far
// below this.
const rehydrateScan = 200

// Rehydrate seeds state from the ledger at startup so a restart does not
// forget the day's pnl, trade count, loss streak, or an active halt. Without
// it a crash-loop would reset the daily loss limit on every boot.
func Rehydrate(ctx context.Context, book *ledger.Ledger, state *State, now time.Time, log *zap.Logger) error {
	sum, err := book.DailySummary(ctx, now)
	if err != nil {
		return fmt.Errorf("rehydrate daily summary: %w", err)
	}

	trades, err := book.RecentTrades(ctx, rehydrateScan)
	if err != nil {
		return fmt.Errorf("rehydrate recent trades: %w", err)
	}
	// Newest first: losses extend the streak until the first win breaks it.
	// Trades that close flat neither extend nor break it, matching how the
	// counters are kept live.
	var (
		losses     int
		lastLossAt time.Time
	)
scan:
	for _, t := range trades {
		if !t.Closed {
			continue
		}
		switch {
		case t.PnL < 0:
			losses++
			if lastLossAt.IsZero() {
				lastLossAt = t.Ts
			}
		case t.PnL > 0:
			break scan
		}
	}

	reason, active, err := book.ActiveHalt(ctx)
	if err != nil {
		return fmt.Errorf("rehydrate halt: %w", err)
	}

	state.restore(sum.RealizedPnL, sum.Trades, losses, lastLossAt, reason, now)

	fields := []zap.Field{
		zap.Float64("daily_pnl", sum.RealizedPnL),
		zap.Int("daily_trades", sum.Trades),
		zap.Int("consecutive_losses", losses),
	}
	if active {
		fields = append(fields, zap.String("halt_reason", reason))
		log.Warn("restored halted state from ledger", fields...)
	} else {
		log.Info("restored risk state from ledger", fields...)
	}
	return nil
}

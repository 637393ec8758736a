// Package notify pushes trade and halt events onto a redis stream so
// external consumers (dashboards, alerting) can follow the engine without
// touching its database.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/meltonjoshua/auto-profit-trader/internal/config"
	"github.com/meltonjoshua/auto-profit-trader/internal/types"
)

const maxStreamLen = 10000

// Notifier publishes events via XADD. A nil *Notifier is a valid no-op, so
// callers never need to branch on whether notifications are enabled.
type Notifier struct {
	rdb    *redis.Client
	stream string
	log    *zap.Logger
}

// New returns nil when the redis section is disabled.
func New(cfg config.RedisCfg, log *zap.Logger) *Notifier {
	if !cfg.Enabled {
		return nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		DB:       cfg.DB,
		Username: cfg.Username,
		Password: cfg.Password,
	})
	return &Notifier{rdb: rdb, stream: cfg.Stream, log: log}
}

func (n *Notifier) Close() error {
	if n == nil {
		return nil
	}
	return n.rdb.Close()
}

func (n *Notifier) Trade(ctx context.Context, t types.Trade) {
	n.emit(ctx, map[string]interface{}{
		"event":      "trade",
		"id":         t.ID,
		"instrument": t.Instrument.Symbol(),
		"side":       string(t.Side),
		"strategy":   string(t.Strategy),
		"venue":      t.Venue,
		"quantity":   t.Quantity,
		"price":      t.Price,
		"pnl":        t.PnL,
		"ts_ms":      t.Ts.UnixMilli(),
	})
}

func (n *Notifier) Halt(ctx context.Context, reason string, dailyPnL float64) {
	n.emit(ctx, map[string]interface{}{
		"event":     "halt",
		"reason":    reason,
		"daily_pnl": dailyPnL,
		"ts_ms":     time.Now().UnixMilli(),
	})
}

func (n *Notifier) DailySummary(ctx context.Context, trades int, realized, fees float64) {
	n.emit(ctx, map[string]interface{}{
		"event":    "daily_summary",
		"trades":   trades,
		"realized": realized,
		"fees":     fees,
		"ts_ms":    time.Now().UnixMilli(),
	})
}

func (n *Notifier) emit(ctx context.Context, values map[string]interface{}) {
	if n == nil {
		return
	}
	err := n.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: n.stream,
		MaxLen: maxStreamLen,
		Approx: true,
		Values: values,
	}).Err()
	if err != nil {
		// Notifications are best-effort; trading never blocks on them.
		n.log.Warn("notify emit failed",
			zap.String("event", fmt.Sprint(values["event"])),
			zap.Error(err),
		)
	}
}

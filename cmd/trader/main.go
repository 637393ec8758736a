package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/meltonjoshua/auto-profit-trader/internal/config"
	"github.com/meltonjoshua/auto-profit-trader/internal/engine"
	"github.com/meltonjoshua/auto-profit-trader/internal/execution"
	"github.com/meltonjoshua/auto-profit-trader/internal/ledger"
	"github.com/meltonjoshua/auto-profit-trader/internal/metrics"
	"github.com/meltonjoshua/auto-profit-trader/internal/notify"
	"github.com/meltonjoshua/auto-profit-trader/internal/risk"
	"github.com/meltonjoshua/auto-profit-trader/internal/telemetry"
	"github.com/meltonjoshua/auto-profit-trader/internal/types"
	"github.com/meltonjoshua/auto-profit-trader/internal/venue"
)

func main() {
	cfgPath := flag.String("config", "./config.yaml", "path to config file")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Fatal("config load failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		logger.Warn("signal received, shutting down")
		cancel()
	}()

	metrics.Serve(ctx, cfg.Metrics.ListenAddr, nil, logger)

	venues, err := buildVenues(cfg, logger)
	if err != nil {
		logger.Fatal("venue setup failed", zap.Error(err))
	}

	book, err := ledger.Open(cfg.Ledger.Path, logger)
	if err != nil {
		logger.Fatal("ledger open failed", zap.Error(err))
	}
	defer book.Close()

	notifier := notify.New(cfg.Redis, logger)
	defer notifier.Close()

	var hub *telemetry.Hub
	if cfg.Telemetry.ListenAddr != "" {
		hub = telemetry.NewHub(logger)
		go func() {
			if err := hub.Serve(ctx, cfg.Telemetry.ListenAddr); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("telemetry server stopped", zap.Error(err))
			}
		}()
	}

	state := risk.NewState(time.Now())
	if err := risk.Rehydrate(ctx, book, state, time.Now(), logger); err != nil {
		logger.Fatal("risk state rehydration failed", zap.Error(err))
	}
	// SIGUSR1 is the operator's way out of a halt; restarting is not,
	// since the halt is persisted.
	reset := make(chan os.Signal, 1)
	signal.Notify(reset, syscall.SIGUSR1)
	go func() {
		for range reset {
			state.Reset()
			clearCtx, clearCancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := book.ClearHalt(clearCtx, time.Now()); err != nil {
				logger.Error("halt clear failed", zap.Error(err))
			} else {
				logger.Warn("halt and loss streak reset by operator")
			}
			clearCancel()
		}
	}()

	halt := risk.NewHalt(state, cfg.Risk, logger)
	gate := risk.NewGate(cfg.Risk, cfg.Trading.MaxPositionFraction, state, logger)
	coord := execution.NewCoordinator(venues, book, state, halt, notifier, cfg.Execution, logger)

	eng, err := engine.New(cfg, engine.Deps{
		Venues:      venues,
		Book:        book,
		State:       state,
		Gate:        gate,
		Coordinator: coord,
		Notifier:    notifier,
		Hub:         hub,
		Log:         logger,
	})
	if err != nil {
		logger.Fatal("engine setup failed", zap.Error(err))
	}

	if err := eng.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("engine exited", zap.Error(err))
	}

	// Final accounting before exit.
	sumCtx, sumCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer sumCancel()
	if s, err := book.DailySummary(sumCtx, time.Now()); err == nil {
		logger.Info("session summary",
			zap.Int("trades", s.Trades),
			zap.Float64("realized_pnl", s.RealizedPnL),
			zap.Float64("fees", s.Fees),
			zap.Int("wins", s.Wins),
			zap.Int("losses", s.Losses),
		)
		notifier.DailySummary(sumCtx, s.Trades, s.RealizedPnL, s.Fees)
	}
}

// buildVenues wires the configured venues. Only the paper venue is built in;
// live venues need a client implementation behind the venue interface. When
// nothing is enabled, two seeded paper venues keep the engine runnable out
// of the box.
func buildVenues(cfg *config.Config, logger *zap.Logger) (map[string]venue.Client, error) {
	if cfg.Mode == "live" {
		return nil, errors.New("no live venue client is built in; run in paper mode")
	}

	venues := make(map[string]venue.Client)
	for name, vc := range cfg.Venues {
		if !vc.Enabled {
			continue
		}
		opts := []venue.PaperOption{venue.WithSeed(time.Now().UnixNano())}
		for symbol, price := range vc.SeedPrices {
			inst, err := types.ParseInstrument(symbol)
			if err != nil {
				return nil, err
			}
			opts = append(opts, venue.WithPrice(inst, price))
		}
		for asset, amount := range vc.SeedBalances {
			opts = append(opts, venue.WithBalance(asset, amount))
		}
		venues[name] = venue.NewPaper(name, vc.TakerFeeRate, vc.MinOrderSize, logger, opts...)
	}
	if len(venues) > 0 {
		return venues, nil
	}

	logger.Warn("no venues enabled, using built-in paper venues")
	for i, name := range []string{"paper-a", "paper-b"} {
		opts := []venue.PaperOption{
			venue.WithSeed(time.Now().UnixNano() + int64(i)),
			venue.WithBalance("GBP", 10000),
		}
		for _, symbol := range cfg.Instruments {
			inst, err := types.ParseInstrument(symbol)
			if err != nil {
				return nil, err
			}
			opts = append(opts, venue.WithPrice(inst, 30000), venue.WithBalance(inst.Base, 0.5))
		}
		venues[name] = venue.NewPaper(name, 0.001, 0.0001, logger, opts...)
	}
	return venues, nil
}

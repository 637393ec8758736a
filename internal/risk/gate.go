package risk

import (
	"time"

	"github.com/meltonjoshua/auto-profit-trader/internal/config"
	"github.com/meltonjoshua/auto-profit-trader/internal/metrics"
	"github.com/meltonjoshua/auto-profit-trader/internal/types"
	"go.uber.org/zap"
)

// Gate rejection reasons. They label the risk_rejections metric, so keep
// them stable.
const (
	RejectHalted        = "halted"
	RejectDailyTrades   = "daily_trade_limit"
	RejectCooldown      = "cooldown_active"
	RejectBelowMinOrder = "below_min_order"
	RejectInvalidPrice  = "invalid_price"
)

// Decision is the gate's verdict on one signal. Quantity is the sized order
// amount in base units when approved.
type Decision struct {
	Approved bool
	Quantity float64
	Reason   string
}

// Account is the sizing view the gate works from: total portfolio value in
// quote terms plus the free balances backing the order.
type Account struct {
	PortfolioValue float64
	FreeQuote      float64
	FreeBase       float64
}

// Gate checks every signal against the halt flag, the daily caps, the loss
// cooldown and position sizing before an order may be placed. Closing
// signals bypass the entry caps so positions can always be unwound, and may
// bypass the halt itself when configured.
type Gate struct {
	cfg         config.RiskCfg
	maxFraction float64
	cooldown    time.Duration
	state       *State
	log         *zap.Logger
}

func NewGate(cfg config.RiskCfg, maxPositionFraction float64, state *State, log *zap.Logger) *Gate {
	return &Gate{
		cfg:         cfg,
		maxFraction: maxPositionFraction,
		cooldown:    cfg.Cooldown(),
		state:       state,
		log:         log,
	}
}

// Check sizes and approves or rejects one signal. minOrder is the venue's
// minimum order size in base units.
func (g *Gate) Check(sig types.Signal, acct Account, minOrder float64, now time.Time) Decision {
	closing := sig.Strategy.Closing()
	st := g.state.Snapshot(now)

	if st.Halted && !(closing && g.cfg.AllowCloseWhileHalted) {
		return g.reject(sig, RejectHalted)
	}
	if !closing {
		if g.cfg.MaxTradesPerDay > 0 && st.DailyTrades >= g.cfg.MaxTradesPerDay {
			return g.reject(sig, RejectDailyTrades)
		}
		if !st.LastLossAt.IsZero() && now.Sub(st.LastLossAt) < g.cooldown {
			return g.reject(sig, RejectCooldown)
		}
	}
	if sig.Price <= 0 {
		return g.reject(sig, RejectInvalidPrice)
	}

	qty := g.size(sig, acct, closing)
	if qty < minOrder || qty <= 0 {
		return g.reject(sig, RejectBelowMinOrder)
	}
	return Decision{Approved: true, Quantity: qty}
}

// size caps entries at the configured fraction of portfolio value and at the
// free balance backing the order side. Closing signals carry the position
// quantity and are capped by the free base balance only.
func (g *Gate) size(sig types.Signal, acct Account, closing bool) float64 {
	if closing {
		qty := sig.Quantity
		if sig.Side == types.SideSell && acct.FreeBase < qty {
			qty = acct.FreeBase
		}
		return qty
	}

	qty := g.maxFraction * acct.PortfolioValue / sig.Price
	if sig.Quantity > 0 && sig.Quantity < qty {
		qty = sig.Quantity
	}
	switch sig.Side {
	case types.SideBuy:
		if affordable := acct.FreeQuote / sig.Price; affordable < qty {
			qty = affordable
		}
	case types.SideSell:
		if acct.FreeBase < qty {
			qty = acct.FreeBase
		}
	}
	return qty
}

func (g *Gate) reject(sig types.Signal, reason string) Decision {
	metrics.RiskRejections.WithLabelValues(reason).Inc()
	g.log.Debug("signal rejected",
		zap.String("strategy", string(sig.Strategy)),
		zap.String("instrument", sig.Instrument.Symbol()),
		zap.String("reason", reason),
	)
	return Decision{Reason: reason}
}

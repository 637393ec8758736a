package risk

import (
	"time"

	"github.com/meltonjoshua/auto-profit-trader/internal/config"
	"go.uber.org/zap"
)

// Halt reasons reported to the notifier and the logs.
const (
	ReasonDailyLoss         = "daily_loss_limit_exceeded"
	ReasonConsecutiveLosses = "consecutive_loss_limit"
)

// Halt evaluates the emergency shutdown conditions against the shared state.
// The coordinator runs it after every completed trade.
type Halt struct {
	state *State
	cfg   config.RiskCfg
	log   *zap.Logger
}

func NewHalt(state *State, cfg config.RiskCfg, log *zap.Logger) *Halt {
	return &Halt{state: state, cfg: cfg, log: log}
}

// Evaluate checks the halt conditions and latches the first one that trips.
// It returns the reason and true only on the transition into the halted
// state, so callers can notify exactly once.
func (h *Halt) Evaluate(now time.Time) (string, bool) {
	st := h.state.Snapshot(now)
	if st.Halted {
		return st.HaltReason, false
	}

	var reason string
	switch {
	case h.cfg.DailyLossLimit > 0 && -st.DailyPnL >= h.cfg.DailyLossLimit:
		reason = ReasonDailyLoss
	case h.cfg.ConsecutiveLossLimit > 0 && st.ConsecutiveLosses >= h.cfg.ConsecutiveLossLimit:
		reason = ReasonConsecutiveLosses
	default:
		return "", false
	}

	if !h.state.Halt(reason) {
		return reason, false
	}
	h.log.Error("emergency halt",
		zap.String("reason", reason),
		zap.Float64("daily_pnl", st.DailyPnL),
		zap.Int("consecutive_losses", st.ConsecutiveLosses),
	)
	return reason, true
}

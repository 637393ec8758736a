// Package risk guards every order before it reaches a venue: a rolling daily
// state, a pre-trade gate, and the emergency halt that takes the whole engine
// out of the market.
package risk

import (
	"sync"
	"time"

	"github.com/meltonjoshua/auto-profit-trader/internal/metrics"
)

// State tracks the counters the gate and the halt logic read. Daily counters
// roll over at midnight UTC; the halt flag and the loss streak survive the
// rollover.
type State struct {
	mu                sync.Mutex
	day               time.Time
	dailyPnL          float64
	dailyTrades       int
	consecutiveLosses int
	lastLossAt        time.Time
	halted            bool
	haltReason        string
}

// Stats is a point-in-time copy of the state.
type Stats struct {
	DailyPnL          float64
	DailyTrades       int
	ConsecutiveLosses int
	LastLossAt        time.Time
	Halted            bool
	HaltReason        string
}

func NewState(now time.Time) *State {
	return &State{day: midnightUTC(now)}
}

func midnightUTC(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// RecordTrade folds one completed trade into the counters. Only closing
// trades carry realized pnl; entries still count against the daily trade cap.
func (s *State) RecordTrade(pnl float64, closed bool, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roll(now)
	s.dailyTrades++
	if !closed {
		return
	}
	s.dailyPnL += pnl
	switch {
	case pnl < 0:
		s.consecutiveLosses++
		s.lastLossAt = now
	case pnl > 0:
		s.consecutiveLosses = 0
	}
	metrics.DailyPnL.Set(s.dailyPnL)
}

// Snapshot rolls the day if needed and returns a copy of the counters.
func (s *State) Snapshot(now time.Time) Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roll(now)
	return Stats{
		DailyPnL:          s.dailyPnL,
		DailyTrades:       s.dailyTrades,
		ConsecutiveLosses: s.consecutiveLosses,
		LastLossAt:        s.lastLossAt,
		Halted:            s.halted,
		HaltReason:        s.haltReason,
	}
}

// Halt latches the halted flag. The first reason wins; repeated calls are
// no-ops so the caller can evaluate conditions unconditionally.
func (s *State) Halt(reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.halted {
		return false
	}
	s.halted = true
	s.haltReason = reason
	metrics.Halted.Set(1)
	return true
}

// Reset clears the halt and the loss streak. It is the only way out of a
// halt; nothing resets it automatically.
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.halted = false
	s.haltReason = ""
	s.consecutiveLosses = 0
	metrics.Halted.Set(0)
}

func (s *State) Halted() (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.halted, s.haltReason
}

// restore seeds the counters from persisted history at startup. It replaces
// the current values wholesale; callers pass counters for the day containing
// now.
func (s *State) restore(dailyPnL float64, dailyTrades, consecutiveLosses int, lastLossAt time.Time, haltReason string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.day = midnightUTC(now)
	s.dailyPnL = dailyPnL
	s.dailyTrades = dailyTrades
	s.consecutiveLosses = consecutiveLosses
	s.lastLossAt = lastLossAt
	if haltReason != "" {
		s.halted = true
		s.haltReason = haltReason
		metrics.Halted.Set(1)
	}
	metrics.DailyPnL.Set(s.dailyPnL)
}

func (s *State) roll(now time.Time) {
	day := midnightUTC(now)
	if day.Equal(s.day) {
		return
	}
	s.day = day
	s.dailyPnL = 0
	s.dailyTrades = 0
	metrics.DailyPnL.Set(0)
}

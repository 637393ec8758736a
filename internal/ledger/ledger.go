// Package ledger persists every executed trade to sqlite and answers the
// position and pnl questions the rest of the engine asks. Positions are not
// stored; they are folded from the trade history on read, so the trade log
// stays the single source of truth.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/meltonjoshua/auto-profit-trader/internal/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS trades (
	id         INTEGER PRIMARY KEY,
	ts         INTEGER NOT NULL,
	base       TEXT    NOT NULL,
	quote      TEXT    NOT NULL,
	side       TEXT    NOT NULL,
	quantity   REAL    NOT NULL,
	price      REAL    NOT NULL,
	fee        REAL    NOT NULL DEFAULT 0,
	pnl        REAL    NOT NULL DEFAULT 0,
	closed     INTEGER NOT NULL DEFAULT 0,
	strategy   TEXT    NOT NULL,
	venue      TEXT    NOT NULL,
	order_id   TEXT    NOT NULL DEFAULT '',
	confidence REAL    NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_trades_ts ON trades (ts);
CREATE INDEX IF NOT EXISTS idx_trades_instrument ON trades (base, quote, ts);
CREATE TABLE IF NOT EXISTS halts (
	ts         INTEGER NOT NULL,
	reason     TEXT    NOT NULL,
	cleared_at INTEGER
);
`

// Ledger is safe for concurrent use; sqlite serializes writers underneath.
type Ledger struct {
	db  *sql.DB
	log *zap.Logger
}

// Open opens or creates the trade database at path. Use ":memory:" for an
// ephemeral ledger.
func Open(path string, log *zap.Logger) (*Ledger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init ledger schema: %w", err)
	}
	return &Ledger{db: db, log: log}, nil
}

func (l *Ledger) Close() error { return l.db.Close() }

// Append records one executed trade. The write must succeed before the trade
// is considered complete upstream.
func (l *Ledger) Append(ctx context.Context, t types.Trade) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO trades (id, ts, base, quote, side, quantity, price, fee, pnl, closed, strategy, venue, order_id, confidence)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Ts.UnixMilli(), t.Instrument.Base, t.Instrument.Quote,
		string(t.Side), t.Quantity, t.Price, t.Fee, t.PnL, t.Closed,
		string(t.Strategy), t.Venue, t.OrderID, t.Confidence,
	)
	if err != nil {
		return fmt.Errorf("append trade %d: %w", t.ID, err)
	}
	return nil
}

// Position folds the full trade history for one instrument into the current
// position.
func (l *Ledger) Position(ctx context.Context, inst types.Instrument) (types.Position, error) {
	pos := types.Position{Instrument: inst}
	rows, err := l.db.QueryContext(ctx, `
		SELECT side, quantity, price, fee, ts FROM trades
		WHERE base = ? AND quote = ? ORDER BY ts, rowid`,
		inst.Base, inst.Quote,
	)
	if err != nil {
		return pos, fmt.Errorf("load trades %s: %w", inst.Symbol(), err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			side     string
			qty, px  float64
			fee      float64
			tsMillis int64
		)
		if err := rows.Scan(&side, &qty, &px, &fee, &tsMillis); err != nil {
			return pos, fmt.Errorf("scan trade: %w", err)
		}
		pos.Apply(types.Trade{
			Instrument: inst,
			Side:       types.Side(side),
			Quantity:   qty,
			Price:      px,
			Fee:        fee,
			Ts:         time.UnixMilli(tsMillis),
		})
	}
	return pos, rows.Err()
}

// OpenPositions returns every instrument whose folded position is not flat.
func (l *Ledger) OpenPositions(ctx context.Context) ([]types.Position, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT DISTINCT base, quote FROM trades`)
	if err != nil {
		return nil, fmt.Errorf("list instruments: %w", err)
	}
	var instruments []types.Instrument
	for rows.Next() {
		var inst types.Instrument
		if err := rows.Scan(&inst.Base, &inst.Quote); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan instrument: %w", err)
		}
		instruments = append(instruments, inst)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var open []types.Position
	for _, inst := range instruments {
		pos, err := l.Position(ctx, inst)
		if err != nil {
			return nil, err
		}
		if !pos.Flat() {
			open = append(open, pos)
		}
	}
	return open, nil
}

// Summary aggregates one accounting day of trades.
type Summary struct {
	Day         time.Time
	Trades      int
	RealizedPnL float64
	Fees        float64
	Wins        int
	Losses      int
}

// DailySummary aggregates the UTC day containing at.
func (l *Ledger) DailySummary(ctx context.Context, at time.Time) (Summary, error) {
	y, m, d := at.UTC().Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)

	s := Summary{Day: start}
	err := l.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN closed THEN pnl ELSE 0 END), 0),
		       COALESCE(SUM(fee), 0),
		       COALESCE(SUM(CASE WHEN closed AND pnl > 0 THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN closed AND pnl < 0 THEN 1 ELSE 0 END), 0)
		FROM trades WHERE ts >= ? AND ts < ?`,
		start.UnixMilli(), end.UnixMilli(),
	).Scan(&s.Trades, &s.RealizedPnL, &s.Fees, &s.Wins, &s.Losses)
	if err != nil {
		return s, fmt.Errorf("daily summary: %w", err)
	}
	return s, nil
}

// RecordHalt persists a halt so a restart comes back halted instead of
// trading straight through whatever tripped it.
func (l *Ledger) RecordHalt(ctx context.Context, reason string, at time.Time) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO halts (ts, reason) VALUES (?, ?)`,
		at.UnixMilli(), reason,
	)
	if err != nil {
		return fmt.Errorf("record halt %q: %w", reason, err)
	}
	return nil
}

// ClearHalt marks every open halt as cleared.
func (l *Ledger) ClearHalt(ctx context.Context, at time.Time) error {
	_, err := l.db.ExecContext(ctx,
		`UPDATE halts SET cleared_at = ? WHERE cleared_at IS NULL`,
		at.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("clear halt: %w", err)
	}
	return nil
}

// ActiveHalt returns the most recent uncleared halt reason, if any.
func (l *Ledger) ActiveHalt(ctx context.Context) (string, bool, error) {
	var reason string
	err := l.db.QueryRowContext(ctx, `
		SELECT reason FROM halts WHERE cleared_at IS NULL
		ORDER BY ts DESC, rowid DESC LIMIT 1`,
	).Scan(&reason)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("active halt: %w", err)
	}
	return reason, true, nil
}

// RecentTrades returns up to n trades, newest first.
func (l *Ledger) RecentTrades(ctx context.Context, n int) ([]types.Trade, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, ts, base, quote, side, quantity, price, fee, pnl, closed, strategy, venue, order_id, confidence
		FROM trades ORDER BY ts DESC, rowid DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("recent trades: %w", err)
	}
	defer rows.Close()

	var out []types.Trade
	for rows.Next() {
		var (
			t        types.Trade
			tsMillis int64
			side     string
			strategy string
		)
		if err := rows.Scan(&t.ID, &tsMillis, &t.Instrument.Base, &t.Instrument.Quote,
			&side, &t.Quantity, &t.Price, &t.Fee, &t.PnL, &t.Closed,
			&strategy, &t.Venue, &t.OrderID, &t.Confidence); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		t.Ts = time.UnixMilli(tsMillis)
		t.Side = types.Side(side)
		t.Strategy = types.Strategy(strategy)
		out = append(out, t)
	}
	return out, rows.Err()
}

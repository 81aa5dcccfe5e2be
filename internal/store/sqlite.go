package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"meanrev/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface check.
var _ RunStore = (*SQLiteStore)(nil)

// SQLiteStore implements RunStore backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	started_at    TEXT    NOT NULL,
	z_entry       REAL    NOT NULL,
	z_exit        REAL    NOT NULL,
	lookback      INTEGER NOT NULL,
	corr_limit    REAL    NOT NULL,
	total_return  REAL    NOT NULL,
	sharpe        REAL,
	max_drawdown  REAL    NOT NULL,
	trades_total  INTEGER NOT NULL,
	trades_used   INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS trades (
	run_id        INTEGER NOT NULL REFERENCES runs(id),
	seq           INTEGER NOT NULL,
	ticker_a      TEXT    NOT NULL,
	ticker_b      TEXT    NOT NULL,
	direction     TEXT    NOT NULL,
	entry_date    TEXT    NOT NULL,
	exit_date     TEXT    NOT NULL,
	entry_spread  REAL    NOT NULL,
	exit_spread   REAL    NOT NULL,
	spread_pnl    REAL    NOT NULL,
	PRIMARY KEY (run_id, seq)
);
CREATE TABLE IF NOT EXISTS pnl_points (
	run_id  INTEGER NOT NULL REFERENCES runs(id),
	date    TEXT    NOT NULL,
	value   REAL    NOT NULL,
	PRIMARY KEY (run_id, date)
);
CREATE TABLE IF NOT EXISTS skips (
	run_id   INTEGER NOT NULL REFERENCES runs(id),
	subject  TEXT    NOT NULL,
	reason   TEXT    NOT NULL,
	detail   TEXT    NOT NULL
);
`

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, creates the
// schema if needed and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// One writer at a time; also keeps an in-memory database on a single
	// connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// RunStore implementation
// ---------------------------------------------------------------------------

// SaveRun inserts the run and all of its detail rows in one transaction.
func (s *SQLiteStore) SaveRun(ctx context.Context, run *RunRecord) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback() //nolint:errcheck

	var sharpe sql.NullFloat64
	if run.Sharpe != nil {
		sharpe = sql.NullFloat64{Float64: *run.Sharpe, Valid: true}
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO runs (started_at, z_entry, z_exit, lookback, corr_limit,
			total_return, sharpe, max_drawdown, trades_total, trades_used)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.StartedAt.UTC().Format(time.RFC3339), run.ZEntry, run.ZExit, run.Lookback, run.CorrLimit,
		run.TotalReturn, sharpe, run.MaxDrawdown, run.TradesTotal, run.TradesUsed)
	if err != nil {
		return 0, fmt.Errorf("inserting run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	for i, t := range run.Trades {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO trades (run_id, seq, ticker_a, ticker_b, direction, entry_date,
				exit_date, entry_spread, exit_spread, spread_pnl)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, i, t.TickerA, t.TickerB, string(t.Direction),
			t.EntryDate.Format(domain.DateLayout), t.ExitDate.Format(domain.DateLayout),
			t.EntrySpread, t.ExitSpread, t.SpreadPnL); err != nil {
			return 0, fmt.Errorf("inserting trade %d: %w", i, err)
		}
	}

	for _, p := range run.PnL {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO pnl_points (run_id, date, value) VALUES (?, ?, ?)`,
			id, p.Date.Format(domain.DateLayout), p.Value); err != nil {
			return 0, fmt.Errorf("inserting pnl point %s: %w", p.Date.Format(domain.DateLayout), err)
		}
	}

	for _, sk := range run.Skips {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO skips (run_id, subject, reason, detail) VALUES (?, ?, ?, ?)`,
			id, sk.Subject, string(sk.Reason), sk.Detail); err != nil {
			return 0, fmt.Errorf("inserting skip %s: %w", sk.Subject, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	run.ID = id
	return id, nil
}

// ListRuns returns run headers, newest first. Detail slices are left empty.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, started_at, z_entry, z_exit, lookback, corr_limit,
			total_return, sharpe, max_drawdown, trades_total, trades_used
		FROM runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		var (
			r       RunRecord
			started string
			sharpe  sql.NullFloat64
		)
		if err := rows.Scan(&r.ID, &started, &r.ZEntry, &r.ZExit, &r.Lookback, &r.CorrLimit,
			&r.TotalReturn, &sharpe, &r.MaxDrawdown, &r.TradesTotal, &r.TradesUsed); err != nil {
			return nil, err
		}
		if r.StartedAt, err = time.Parse(time.RFC3339, started); err != nil {
			return nil, fmt.Errorf("run %d started_at: %w", r.ID, err)
		}
		if sharpe.Valid {
			v := sharpe.Float64
			r.Sharpe = &v
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// ListTrades returns the trades of a run in emission order.
func (s *SQLiteStore) ListTrades(ctx context.Context, runID int64) ([]domain.Trade, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ticker_a, ticker_b, direction, entry_date, exit_date,
			entry_spread, exit_spread, spread_pnl
		FROM trades WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []domain.Trade
	for rows.Next() {
		var (
			t           domain.Trade
			dir         string
			entry, exit string
		)
		if err := rows.Scan(&t.TickerA, &t.TickerB, &dir, &entry, &exit,
			&t.EntrySpread, &t.ExitSpread, &t.SpreadPnL); err != nil {
			return nil, err
		}
		t.Direction = domain.Direction(dir)
		if t.EntryDate, err = time.Parse(domain.DateLayout, entry); err != nil {
			return nil, err
		}
		if t.ExitDate, err = time.Parse(domain.DateLayout, exit); err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// LoadPnL returns the cumulative PnL series of a run ordered by date.
func (s *SQLiteStore) LoadPnL(ctx context.Context, runID int64) ([]domain.PnLPoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT date, value FROM pnl_points WHERE run_id = ? ORDER BY date`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []domain.PnLPoint
	for rows.Next() {
		var (
			p    domain.PnLPoint
			date string
		)
		if err := rows.Scan(&date, &p.Value); err != nil {
			return nil, err
		}
		if p.Date, err = time.Parse(domain.DateLayout, date); err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

// ListSkips returns the skip entries of a run in insertion order.
func (s *SQLiteStore) ListSkips(ctx context.Context, runID int64) ([]SkipRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT subject, reason, detail FROM skips WHERE run_id = ? ORDER BY rowid`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var skips []SkipRecord
	for rows.Next() {
		var (
			sk     SkipRecord
			reason string
		)
		if err := rows.Scan(&sk.Subject, &reason, &sk.Detail); err != nil {
			return nil, err
		}
		sk.Reason = domain.SkipReason(reason)
		skips = append(skips, sk)
	}
	return skips, rows.Err()
}

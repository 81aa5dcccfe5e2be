// Package store defines storage interfaces for daily price bars and for the
// records of completed engine runs.
package store

import (
	"context"
	"time"

	"meanrev/internal/domain"
)

// BarStore persists and retrieves daily OHLCV bars.
type BarStore interface {
	// WriteBars persists a batch of bars under the given market, merging
	// with bars already stored for the same dates.
	WriteBars(ctx context.Context, market string, bars []domain.Bar) error

	// ReadBars returns bars for the given symbol and market within
	// [start, end]. A zero start or end leaves that side unbounded.
	ReadBars(ctx context.Context, symbol string, market string, start, end time.Time) ([]domain.Bar, error)

	// ListSymbols returns all distinct symbols available in the given market.
	ListSymbols(ctx context.Context, market string) ([]string, error)

	// LastBarDate returns the date of the newest stored bar for symbol and
	// false when nothing is stored.
	LastBarDate(ctx context.Context, symbol string, market string) (time.Time, bool, error)
}

// RunStore persists the outcome of engine runs.
type RunStore interface {
	// SaveRun stores the run with its trades, PnL series and skips and
	// returns the assigned run ID.
	SaveRun(ctx context.Context, run *RunRecord) (int64, error)

	// ListRuns returns run headers, newest first, up to limit.
	ListRuns(ctx context.Context, limit int) ([]RunRecord, error)

	// ListTrades returns the trades of a run in emission order.
	ListTrades(ctx context.Context, runID int64) ([]domain.Trade, error)

	// LoadPnL returns the cumulative PnL series of a run.
	LoadPnL(ctx context.Context, runID int64) ([]domain.PnLPoint, error)

	// ListSkips returns the skip entries of a run.
	ListSkips(ctx context.Context, runID int64) ([]SkipRecord, error)
}

// RunRecord is the persisted header of one engine run plus its detail
// rows. Sharpe is nil when it was undefined.
type RunRecord struct {
	ID          int64
	StartedAt   time.Time
	ZEntry      float64
	ZExit       float64
	Lookback    int
	CorrLimit   float64
	TotalReturn float64
	Sharpe      *float64
	MaxDrawdown float64
	TradesTotal int
	TradesUsed  int

	Trades []domain.Trade
	PnL    []domain.PnLPoint
	Skips  []SkipRecord
}

// SkipRecord is one skipped ticker, pair or trade.
type SkipRecord struct {
	Subject string
	Reason  domain.SkipReason
	Detail  string
}

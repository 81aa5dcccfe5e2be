package engine

import (
	"time"

	"meanrev/internal/artifact"
	"meanrev/internal/backtest"
	"meanrev/internal/domain"
	"meanrev/internal/signal"
	"meanrev/internal/store"
)

// Report is the outcome of a Run.
type Report struct {
	RunID     int64
	StartedAt time.Time
	Settings  Settings
	Clusters  int
	Pairs     []signal.PairResult
	Trades    []domain.Trade
	Backtest  *backtest.Result
	Skips     *SkipReport
}

// Summary is the JSON document written next to the run's CSV artifacts.
type Summary struct {
	RunID     int64            `json:"run_id,omitempty"`
	StartedAt time.Time        `json:"started_at"`
	Params    SummaryParams    `json:"params"`
	Clusters  int              `json:"clusters"`
	Pairs     int              `json:"pairs_evaluated"`
	Trades    int              `json:"trades"`
	Stats     backtest.Summary `json:"stats"`
	Skips     *SkipReport      `json:"skips"`
}

// SummaryParams echoes the strategy parameters of a run.
type SummaryParams struct {
	ZEntry      float64 `json:"z_entry"`
	ZExit       float64 `json:"z_exit"`
	Lookback    int     `json:"lookback"`
	CorrLimit   float64 `json:"corr_limit"`
	Incremental bool    `json:"incremental"`
}

// Summary builds the JSON summary of the report.
func (r *Report) Summary() Summary {
	return Summary{
		RunID:     r.RunID,
		StartedAt: r.StartedAt,
		Params: SummaryParams{
			ZEntry:      r.Settings.Params.ZEntry,
			ZExit:       r.Settings.Params.ZExit,
			Lookback:    r.Settings.Params.Lookback,
			CorrLimit:   r.Settings.CorrLimit,
			Incremental: r.Settings.Params.Incremental,
		},
		Clusters: r.Clusters,
		Pairs:    len(r.Pairs),
		Trades:   len(r.Trades),
		Stats:    r.Backtest.Summary,
		Skips:    r.Skips,
	}
}

// Record converts the report for the run store.
func (r *Report) Record() *store.RunRecord {
	rec := &store.RunRecord{
		StartedAt:   r.StartedAt,
		ZEntry:      r.Settings.Params.ZEntry,
		ZExit:       r.Settings.Params.ZExit,
		Lookback:    r.Settings.Params.Lookback,
		CorrLimit:   r.Settings.CorrLimit,
		TotalReturn: r.Backtest.Summary.TotalReturn,
		MaxDrawdown: r.Backtest.Summary.MaxDrawdown,
		TradesTotal: r.Backtest.TradesTotal,
		TradesUsed:  len(r.Backtest.Used),
		Trades:      r.Trades,
		PnL:         r.Backtest.Cumulative,
		Skips:       r.Skips.Records(),
	}
	if s := r.Backtest.Summary.Sharpe; s.Valid {
		v := s.Value
		rec.Sharpe = &v
	}
	return rec
}

// Paths names the files Save writes.
type Paths struct {
	Trades  string
	PnL     string
	Summary string
}

// Save writes the trades table, the cumulative PnL and the JSON summary.
func (r *Report) Save(p Paths) error {
	if err := artifact.SaveTrades(p.Trades, r.Trades); err != nil {
		return err
	}
	if err := artifact.SavePnL(p.PnL, r.Backtest.Cumulative); err != nil {
		return err
	}
	return artifact.SaveJSON(p.Summary, r.Summary())
}

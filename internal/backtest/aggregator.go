// Package backtest replays closed trades against historical prices to build
// the strategy's daily and cumulative PnL and its risk statistics.
package backtest

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"meanrev/internal/domain"
	"meanrev/internal/prices"
	"meanrev/internal/util"
)

// Notional is the dollar size of each leg of a trade.
const Notional = 1.0

// Options configures an Aggregator.
type Options struct {
	// Workers bounds both price prefetching and trade replay.
	Workers int
	// Start and End bound the price history requested per ticker; zero
	// values leave the range open.
	Start time.Time
	End   time.Time
}

// Aggregator builds the portfolio PnL of a trade list.
type Aggregator struct {
	provider prices.Provider
	opts     Options
	log      *zap.Logger
}

// NewAggregator creates an aggregator resolving prices through provider,
// which should be cached when it is shared with signal generation.
func NewAggregator(provider prices.Provider, opts Options, logger *zap.Logger) *Aggregator {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	return &Aggregator{provider: provider, opts: opts, log: logger.Named("backtest")}
}

// UsedTrade is a trade that contributed to the PnL, with its contribution
// on the exit date.
type UsedTrade struct {
	Trade  domain.Trade
	Return float64
}

// SkippedTrade is a trade left out of the PnL.
type SkippedTrade struct {
	Index  int
	Trade  domain.Trade
	Reason domain.SkipReason
	Err    error
}

// Result is the outcome of a backtest.
type Result struct {
	// Daily holds the summed contribution of every trade per calendar day.
	Daily []domain.PnLPoint
	// Cumulative is the running sum of Daily.
	Cumulative  []domain.PnLPoint
	TradesTotal int
	Used        []UsedTrade
	Skipped     []SkippedTrade
	Summary     Summary
}

type outcome struct {
	ret    float64
	err    error
	reason domain.SkipReason
}

// Run replays trades and aggregates their daily contributions.
//
// A trade is skipped whole when a leg cannot be fetched or when its entry
// or exit date is missing from either leg. Contributions of the remaining
// trades are summed per date over the union of trading dates of all
// resolved tickers; days without contributions are zero.
func (a *Aggregator) Run(ctx context.Context, trades []domain.Trade) (*Result, error) {
	res := &Result{TradesTotal: len(trades)}
	if len(trades) == 0 {
		res.Summary = summarize(res)
		return res, nil
	}

	tickers := make([]string, 0, 2*len(trades))
	for _, t := range trades {
		tickers = append(tickers, t.TickerA, t.TickerB)
	}
	pool := prices.NewPool(a.provider, a.opts.Workers, a.log)
	fetched, err := pool.FetchAll(ctx, tickers, a.opts.Start, a.opts.End)
	if err != nil {
		return nil, err
	}

	cal := util.NewTradingCalendar()
	for _, f := range fetched {
		if f.Err == nil {
			cal.Observe(f.Series)
		}
	}

	outcomes := make([]outcome, len(trades))
	partials := a.replayAll(ctx, trades, fetched, outcomes)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Reduce in chunk order so the sums do not depend on completion order.
	daily := make(map[time.Time]float64)
	for _, part := range partials {
		for d, v := range part {
			daily[d] += v
		}
	}

	for i, o := range outcomes {
		if o.err != nil {
			res.Skipped = append(res.Skipped, SkippedTrade{Index: i, Trade: trades[i], Reason: o.reason, Err: o.err})
			a.log.Warn("trade skipped",
				zap.Int("index", i),
				zap.String("pair", trades[i].TickerA+"/"+trades[i].TickerB),
				zap.String("reason", string(o.reason)),
				zap.Error(o.err))
			continue
		}
		res.Used = append(res.Used, UsedTrade{Trade: trades[i], Return: o.ret})
	}

	if len(res.Used) > 0 {
		var cum float64
		for _, d := range cal.Days() {
			v := daily[d]
			cum += v
			res.Daily = append(res.Daily, domain.PnLPoint{Date: d, Value: v})
			res.Cumulative = append(res.Cumulative, domain.PnLPoint{Date: d, Value: cum})
		}
	}

	res.Summary = summarize(res)
	a.log.Info("backtest complete",
		zap.Int("trades", len(trades)),
		zap.Int("used", len(res.Used)),
		zap.Int("skipped", len(res.Skipped)),
		zap.Int("days", len(res.Cumulative)),
		zap.String("sharpe", res.Summary.Sharpe.String()),
		zap.Float64("max_drawdown", res.Summary.MaxDrawdown))
	return res, nil
}

// replayAll splits trades into one contiguous chunk per worker and returns
// each chunk's partial daily map in chunk order.
func (a *Aggregator) replayAll(ctx context.Context, trades []domain.Trade, fetched map[string]prices.Fetched, outcomes []outcome) []map[time.Time]float64 {
	workers := min(a.opts.Workers, len(trades))
	size := (len(trades) + workers - 1) / workers
	partials := make([]map[time.Time]float64, workers)

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		lo := w * size
		hi := min(lo+size, len(trades))
		part := make(map[time.Time]float64)
		partials[w] = part
		if lo >= hi {
			continue
		}
		g.Go(func() error {
			for i := lo; i < hi; i++ {
				if ctx.Err() != nil {
					return nil
				}
				outcomes[i] = replayOne(trades[i], fetched, part)
			}
			return nil
		})
	}
	_ = g.Wait()
	return partials
}

func replayOne(tr domain.Trade, fetched map[string]prices.Fetched, part map[time.Time]float64) outcome {
	fa, fb := fetched[tr.TickerA], fetched[tr.TickerB]
	for _, f := range []prices.Fetched{fa, fb} {
		if f.Err != nil {
			return outcome{err: f.Err, reason: domain.SkipReasonOf(f.Err)}
		}
	}

	points, err := Replay(tr, fa.Series, fb.Series)
	if err != nil {
		return outcome{err: err, reason: domain.SkipReasonOf(err)}
	}
	for _, p := range points {
		part[p.Date] += p.Value
	}
	return outcome{ret: points[len(points)-1].Value}
}

// Replay returns the daily contribution of one trade for every date in
// [entry, exit] on which both legs have a close. With unit notional per
// leg, a long spread earns (pA/pA₀ − 1) − (pB/pB₀ − 1) and a short spread
// the negation.
//
// Missing or non-finite entry or exit prices yield an error wrapping
// domain.ErrAlignment. Non-finite closes in between count as missing.
func Replay(tr domain.Trade, a, b domain.PriceSeries) ([]domain.PnLPoint, error) {
	if !tr.Direction.Valid() {
		return nil, fmt.Errorf("trade %s/%s: unknown direction %q", tr.TickerA, tr.TickerB, tr.Direction)
	}
	if !tr.ExitDate.After(tr.EntryDate) {
		return nil, fmt.Errorf("trade %s/%s: exit %s not after entry %s: %w", tr.TickerA, tr.TickerB,
			tr.ExitDate.Format(domain.DateLayout), tr.EntryDate.Format(domain.DateLayout), domain.ErrAlignment)
	}

	a0, okA0 := priceOn(a, tr.EntryDate)
	b0, okB0 := priceOn(b, tr.EntryDate)
	_, okA1 := priceOn(a, tr.ExitDate)
	_, okB1 := priceOn(b, tr.ExitDate)
	if !okA0 || !okB0 || !okA1 || !okB1 {
		return nil, fmt.Errorf("trade %s/%s %s..%s: %w", tr.TickerA, tr.TickerB,
			tr.EntryDate.Format(domain.DateLayout), tr.ExitDate.Format(domain.DateLayout), domain.ErrAlignment)
	}
	if a0 == 0 || b0 == 0 {
		return nil, fmt.Errorf("trade %s/%s: zero entry price: %w", tr.TickerA, tr.TickerB, domain.ErrDataUnavailable)
	}

	sign := 1.0
	if tr.Direction == domain.DirectionShort {
		sign = -1.0
	}

	var out []domain.PnLPoint
	for _, pa := range a.Between(tr.EntryDate, tr.ExitDate) {
		if math.IsNaN(pa.Close) || math.IsInf(pa.Close, 0) {
			continue
		}
		pb, ok := priceOn(b, pa.Date)
		if !ok {
			continue
		}
		v := sign * Notional * ((pa.Close/a0 - 1) - (pb/b0 - 1))
		out = append(out, domain.PnLPoint{Date: pa.Date, Value: v})
	}
	return out, nil
}

// priceOn is PriceOn with NaN and infinite closes treated as absent.
func priceOn(s domain.PriceSeries, date time.Time) (float64, bool) {
	v, ok := s.PriceOn(date)
	if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

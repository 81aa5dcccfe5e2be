// Package engine coordinates a full run: correlation and clustering of the
// universe, pair selection, signal generation per pair, the portfolio
// backtest and persistence of the results.
package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"meanrev/internal/backtest"
	"meanrev/internal/cluster"
	"meanrev/internal/config"
	"meanrev/internal/domain"
	"meanrev/internal/metrics"
	"meanrev/internal/prices"
	"meanrev/internal/signal"
	"meanrev/internal/store"
)

// Settings are the run parameters of an Engine.
type Settings struct {
	Params       signal.Params
	CorrLimit    float64
	Workers      int
	FetchWorkers int
	Start        time.Time
	End          time.Time

	NClusters   int
	MinCoverage float64
	CorrInput   cluster.Input
}

// SettingsFrom derives run settings from a validated configuration.
func SettingsFrom(cfg *config.Config) (Settings, error) {
	if err := cfg.Strategy.Validate(); err != nil {
		return Settings{}, err
	}
	start, end, err := cfg.Fetch.Range()
	if err != nil {
		return Settings{}, err
	}
	return Settings{
		Params: signal.Params{
			ZEntry:      cfg.Strategy.ZEntry,
			ZExit:       cfg.Strategy.ZExit,
			Lookback:    cfg.Strategy.Lookback,
			Incremental: cfg.Strategy.Incremental,
		},
		CorrLimit:    cfg.Strategy.CorrLimit,
		Workers:      cfg.Engine.MaxWorkers,
		FetchWorkers: cfg.Fetch.MaxWorkers,
		Start:        start,
		End:          end,
		NClusters:    cfg.Clustering.NClusters,
		MinCoverage:  cfg.Clustering.MinCoverage,
		CorrInput:    cluster.Input(cfg.Clustering.Input),
	}, nil
}

// Engine runs the pairs pipeline against one price provider.
type Engine struct {
	provider *prices.CachedProvider
	runs     store.RunStore
	set      Settings
	log      *zap.Logger
}

// NewEngine creates an Engine. The provider is wrapped in a run-scoped
// cache so every ticker is fetched once across signal generation and the
// backtest. runs may be nil, in which case nothing is persisted.
func NewEngine(provider prices.Provider, runs store.RunStore, set Settings, logger *zap.Logger) *Engine {
	if set.Workers < 1 {
		set.Workers = 1
	}
	if set.FetchWorkers < 1 {
		set.FetchWorkers = set.Workers
	}
	return &Engine{
		provider: prices.NewCachedProvider(provider, 0),
		runs:     runs,
		set:      set,
		log:      logger.Named("engine"),
	}
}

// Settings returns the engine's run parameters.
func (e *Engine) Settings() Settings { return e.set }

// ---------------------------------------------------------------------------
// Correlation and clustering
// ---------------------------------------------------------------------------

// Correlate fetches every ticker and computes their correlation matrix.
// Tickers that cannot be fetched are left out and reported.
func (e *Engine) Correlate(ctx context.Context, tickers []string) (*cluster.Matrix, *SkipReport, error) {
	skips := NewSkipReport()
	fetched, err := prices.NewPool(e.provider, e.set.FetchWorkers, e.log).FetchAll(ctx, tickers, e.set.Start, e.set.End)
	if err != nil {
		return nil, nil, err
	}

	series := make([]domain.PriceSeries, 0, len(fetched))
	for _, t := range tickers {
		f, ok := fetched[t]
		if !ok {
			continue
		}
		delete(fetched, t)
		if f.Err != nil {
			skips.Add(t, domain.SkipReasonOf(f.Err), f.Err.Error())
			continue
		}
		series = append(series, f.Series)
	}

	m, err := cluster.ComputeCorrelation(series, cluster.CorrelationOptions{
		Input:       e.set.CorrInput,
		MinCoverage: e.set.MinCoverage,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("correlation: %w", err)
	}
	e.log.Info("correlation matrix computed",
		zap.Int("requested", len(tickers)),
		zap.Int("fetched", len(series)),
		zap.Int("kept", m.Len()))
	return m, skips, nil
}

// Cluster groups the tickers of corr into the configured number of clusters.
func (e *Engine) Cluster(corr *cluster.Matrix) ([]domain.Cluster, error) {
	clusters, err := cluster.Agglomerate(corr, e.set.NClusters)
	if err != nil {
		return nil, err
	}
	e.log.Info("clustering complete",
		zap.Int("tickers", corr.Complete().Len()),
		zap.Int("clusters", len(clusters)))
	return clusters, nil
}

// ---------------------------------------------------------------------------
// Signals
// ---------------------------------------------------------------------------

// Signals is the outcome of signal generation over all candidate pairs.
type Signals struct {
	Pairs   []signal.PairResult
	Trades  []domain.Trade
	Skipped []PairSkip
}

// PairSkip is a candidate pair that could not be evaluated.
type PairSkip struct {
	Pair   domain.CandidatePair
	Reason domain.SkipReason
	Err    error
}

type pairSlot struct {
	res signal.PairResult
	err error
}

// Signals selects the qualifying pairs of every cluster and runs each
// through the estimator and state machine. Trades are returned in cluster
// order, then pair order, then time order, whatever the completion order
// of the workers.
func (e *Engine) Signals(ctx context.Context, clusters []domain.Cluster, corr *cluster.Matrix, skips *SkipReport) (*Signals, error) {
	if err := e.set.Params.Validate(); err != nil {
		return nil, err
	}
	pairs := cluster.SelectPairs(clusters, corr, e.set.CorrLimit)
	e.log.Info("candidate pairs selected",
		zap.Int("clusters", len(clusters)),
		zap.Int("pairs", len(pairs)),
		zap.Float64("corr_limit", e.set.CorrLimit))

	tickers := make([]string, 0, 2*len(pairs))
	for _, p := range pairs {
		tickers = append(tickers, p.TickerA, p.TickerB)
	}
	fetched, err := prices.NewPool(e.provider, e.set.FetchWorkers, e.log).FetchAll(ctx, tickers, e.set.Start, e.set.End)
	if err != nil {
		return nil, err
	}

	slots := make([]pairSlot, len(pairs))
	g := new(errgroup.Group)
	g.SetLimit(e.set.Workers)
	for i, p := range pairs {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			slots[i] = e.evaluate(p, fetched)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := &Signals{}
	for i, slot := range slots {
		p := pairs[i]
		if slot.err != nil {
			reason := domain.SkipReasonOf(slot.err)
			out.Skipped = append(out.Skipped, PairSkip{Pair: p, Reason: reason, Err: slot.err})
			skips.Add(pairSubject(p), reason, slot.err.Error())
			e.log.Warn("pair skipped",
				zap.String("pair", pairSubject(p)),
				zap.String("reason", string(reason)),
				zap.Error(slot.err))
			continue
		}

		res := slot.res
		out.Pairs = append(out.Pairs, res)
		metrics.PairsEvaluated.Inc()
		switch {
		case res.InsufficientHistory:
			skips.Add(pairSubject(p), domain.SkipInsufficientHistory,
				fmt.Sprintf("aligned length %d below lookback %d", res.AlignedLength, e.set.Params.Lookback))
		case res.DegenerateWindows > 0:
			skips.AddN(pairSubject(p), domain.SkipDegenerateWindow, res.DegenerateWindows,
				fmt.Sprintf("%d of %d windows", res.DegenerateWindows, res.Windows))
		}
		if res.OpenAtEnd {
			skips.Add(pairSubject(p), domain.SkipOpenAtEnd, "position open at last date")
		}
		for _, tr := range res.Trades {
			metrics.TradesTotal.WithLabelValues(string(tr.Direction)).Inc()
		}
		out.Trades = append(out.Trades, res.Trades...)
	}

	e.log.Info("signal generation complete",
		zap.Int("pairs", len(pairs)),
		zap.Int("evaluated", len(out.Pairs)),
		zap.Int("skipped", len(out.Skipped)),
		zap.Int("trades", len(out.Trades)))
	return out, nil
}

func (e *Engine) evaluate(p domain.CandidatePair, fetched map[string]prices.Fetched) pairSlot {
	fa, fb := fetched[p.TickerA], fetched[p.TickerB]
	if fa.Err != nil {
		return pairSlot{err: fmt.Errorf("leg %s: %w", p.TickerA, fa.Err)}
	}
	if fb.Err != nil {
		return pairSlot{err: fmt.Errorf("leg %s: %w", p.TickerB, fb.Err)}
	}
	res, err := signal.EvaluatePair(p, fa.Series, fb.Series, e.set.Params)
	if err != nil {
		return pairSlot{err: err}
	}
	e.log.Debug("pair evaluated",
		zap.String("pair", pairSubject(p)),
		zap.Int("aligned", res.AlignedLength),
		zap.Int("windows", res.Windows),
		zap.Int("trades", len(res.Trades)))
	return pairSlot{res: res}
}

func pairSubject(p domain.CandidatePair) string {
	return p.TickerA + "/" + p.TickerB
}

// ---------------------------------------------------------------------------
// Backtest
// ---------------------------------------------------------------------------

// Backtest replays trades into the portfolio PnL. Skipped trades are added
// to skips.
func (e *Engine) Backtest(ctx context.Context, trades []domain.Trade, skips *SkipReport) (*backtest.Result, error) {
	agg := backtest.NewAggregator(e.provider, backtest.Options{
		Workers: e.set.Workers,
		Start:   e.set.Start,
		End:     e.set.End,
	}, e.log)
	res, err := agg.Run(ctx, trades)
	if err != nil {
		return nil, err
	}
	for _, s := range res.Skipped {
		subject := fmt.Sprintf("%s/%s@%s", s.Trade.TickerA, s.Trade.TickerB, s.Trade.EntryDate.Format(domain.DateLayout))
		skips.Add(subject, s.Reason, s.Err.Error())
	}
	return res, nil
}

// ---------------------------------------------------------------------------
// Run
// ---------------------------------------------------------------------------

// Run executes signal generation and the backtest for the given membership
// and correlation, then persists the run when a RunStore is configured.
//
// skips carries what earlier steps such as Correlate recorded so the stored
// run lists them too; nil starts an empty report.
func (e *Engine) Run(ctx context.Context, membership cluster.MembershipSource, correlation cluster.CorrelationSource, skips *SkipReport) (*Report, error) {
	started := time.Now().UTC()
	clusters, err := membership.Clusters(ctx)
	if err != nil {
		return nil, fmt.Errorf("load clusters: %w", err)
	}
	corr, err := correlation.Correlation(ctx)
	if err != nil {
		return nil, fmt.Errorf("load correlation: %w", err)
	}

	if skips == nil {
		skips = NewSkipReport()
	}
	sig, err := e.Signals(ctx, clusters, corr, skips)
	if err != nil {
		return nil, err
	}
	bt, err := e.Backtest(ctx, sig.Trades, skips)
	if err != nil {
		return nil, err
	}

	rep := &Report{
		StartedAt: started,
		Settings:  e.set,
		Clusters:  len(clusters),
		Pairs:     sig.Pairs,
		Trades:    sig.Trades,
		Backtest:  bt,
		Skips:     skips,
	}
	skips.Log(e.log)

	if e.runs != nil {
		id, err := e.runs.SaveRun(ctx, rep.Record())
		if err != nil {
			return nil, fmt.Errorf("save run: %w", err)
		}
		rep.RunID = id
	}

	e.log.Info("run complete",
		zap.Int64("run_id", rep.RunID),
		zap.Int("trades", len(rep.Trades)),
		zap.Float64("total_return", bt.Summary.TotalReturn),
		zap.String("sharpe", bt.Summary.Sharpe.String()),
		zap.Float64("max_drawdown", bt.Summary.MaxDrawdown),
		zap.Int("skips", skips.Total()),
		zap.Int("series_cached", e.provider.Len()))
	return rep, nil
}

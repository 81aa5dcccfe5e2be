package prices

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"meanrev/internal/domain"
)

// Fetched is the outcome of fetching one ticker.
type Fetched struct {
	Series domain.PriceSeries
	Err    error
}

// Pool prefetches many tickers with bounded concurrency.
type Pool struct {
	provider Provider
	workers  int
	log      *zap.Logger
}

// NewPool creates a pool running at most workers fetches at once.
func NewPool(provider Provider, workers int, logger *zap.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{provider: provider, workers: workers, log: logger}
}

// FetchAll fetches every ticker once. A failing ticker is recorded in its
// Fetched entry and never cancels the others. The only error returned is
// the context's.
func (p *Pool) FetchAll(ctx context.Context, tickers []string, start, end time.Time) (map[string]Fetched, error) {
	unique := dedupe(tickers)
	results := make([]Fetched, len(unique))

	g := new(errgroup.Group)
	g.SetLimit(p.workers)
	for i, ticker := range unique {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			s, err := p.provider.FetchCloseSeries(ctx, ticker, start, end)
			results[i] = Fetched{Series: s, Err: err}
			if err != nil {
				p.log.Debug("fetch failed", zap.String("ticker", ticker), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make(map[string]Fetched, len(unique))
	var failed int
	for i, ticker := range unique {
		out[ticker] = results[i]
		if results[i].Err != nil {
			failed++
		}
	}
	p.log.Info("prefetch complete",
		zap.Int("tickers", len(unique)),
		zap.Int("failed", failed))
	return out, nil
}

func dedupe(tickers []string) []string {
	seen := make(map[string]struct{}, len(tickers))
	out := make([]string, 0, len(tickers))
	for _, t := range tickers {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

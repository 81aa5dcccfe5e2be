// Package prices resolves tickers to closing-price series. Providers wrap a
// concrete source (the Parquet store, the historical price service or the
// Alpaca market data API); CachedProvider and Pool add per-run caching and
// bounded concurrent prefetching on top.
package prices

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"meanrev/internal/domain"
	"meanrev/internal/metrics"
)

// Provider fetches the daily closing prices of one ticker within
// [start, end]. Zero start or end leaves that side unbounded.
//
// Implementations return an error wrapping domain.ErrDataUnavailable when
// the ticker has no history, and domain.ErrUpstreamFetch when the source
// itself failed.
type Provider interface {
	FetchCloseSeries(ctx context.Context, ticker string, start, end time.Time) (domain.PriceSeries, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context, ticker string, start, end time.Time) (domain.PriceSeries, error)

// FetchCloseSeries calls f.
func (f ProviderFunc) FetchCloseSeries(ctx context.Context, ticker string, start, end time.Time) (domain.PriceSeries, error) {
	return f(ctx, ticker, start, end)
}

func unavailable(ticker string) error {
	return fmt.Errorf("%s: %w", ticker, domain.ErrDataUnavailable)
}

// upstream wraps err as an upstream failure unless it is already classified.
func upstream(ticker string, err error) error {
	if errors.Is(err, domain.ErrDataUnavailable) || errors.Is(err, domain.ErrUpstreamFetch) {
		return err
	}
	return fmt.Errorf("%s: %w: %v", ticker, domain.ErrUpstreamFetch, err)
}

// ---------------------------------------------------------------------------
// Instrumentation
// ---------------------------------------------------------------------------

type instrumented struct {
	name string
	next Provider
}

// Instrument records fetch latency and outcome of p under the given
// provider label.
func Instrument(p Provider, name string) Provider {
	return &instrumented{name: name, next: p}
}

func (i *instrumented) FetchCloseSeries(ctx context.Context, ticker string, start, end time.Time) (domain.PriceSeries, error) {
	begin := time.Now()
	s, err := i.next.FetchCloseSeries(ctx, ticker, start, end)
	metrics.ObserveFetch(i.name, begin, err)
	return s, err
}

// ---------------------------------------------------------------------------
// StaticProvider
// ---------------------------------------------------------------------------

// StaticProvider serves series from memory. It backs tests and replays of
// previously fetched data.
type StaticProvider struct {
	mu     sync.Mutex
	series map[string]domain.PriceSeries
	errs   map[string]error
	calls  map[string]int
}

// NewStaticProvider creates a provider holding the given series.
func NewStaticProvider(series ...domain.PriceSeries) *StaticProvider {
	p := &StaticProvider{
		series: make(map[string]domain.PriceSeries),
		errs:   make(map[string]error),
		calls:  make(map[string]int),
	}
	for _, s := range series {
		p.series[s.Ticker] = s
	}
	return p
}

// Fail makes every fetch of ticker return err.
func (p *StaticProvider) Fail(ticker string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errs[ticker] = err
}

// Calls returns how many times ticker was fetched.
func (p *StaticProvider) Calls(ticker string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[ticker]
}

// FetchCloseSeries returns the stored series restricted to [start, end].
func (p *StaticProvider) FetchCloseSeries(ctx context.Context, ticker string, start, end time.Time) (domain.PriceSeries, error) {
	if err := ctx.Err(); err != nil {
		return domain.PriceSeries{}, err
	}
	p.mu.Lock()
	p.calls[ticker]++
	s, ok := p.series[ticker]
	err := p.errs[ticker]
	p.mu.Unlock()

	if err != nil {
		return domain.PriceSeries{}, upstream(ticker, err)
	}
	if !ok {
		return domain.PriceSeries{}, unavailable(ticker)
	}
	pts := s.Between(start, end)
	if len(pts) == 0 {
		return domain.PriceSeries{}, unavailable(ticker)
	}
	return domain.PriceSeries{Ticker: ticker, Points: pts}, nil
}

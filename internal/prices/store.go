package prices

import (
	"context"
	"time"

	"meanrev/internal/domain"
)

// CloseSeriesReader is the part of the Parquet store StoreProvider needs.
type CloseSeriesReader interface {
	ReadCloseSeries(ctx context.Context, symbol string, market string, start, end time.Time) (domain.PriceSeries, error)
}

// StoreProvider reads closes straight from the local bar store.
type StoreProvider struct {
	store  CloseSeriesReader
	market string
}

// NewStoreProvider creates a provider over the given store and market.
func NewStoreProvider(store CloseSeriesReader, market string) *StoreProvider {
	return &StoreProvider{store: store, market: market}
}

// FetchCloseSeries implements Provider.
func (p *StoreProvider) FetchCloseSeries(ctx context.Context, ticker string, start, end time.Time) (domain.PriceSeries, error) {
	s, err := p.store.ReadCloseSeries(ctx, ticker, p.market, start, end)
	if err != nil {
		return domain.PriceSeries{}, upstream(ticker, err)
	}
	if s.Empty() {
		return domain.PriceSeries{}, unavailable(ticker)
	}
	s.Ticker = ticker
	return s, nil
}

package prices

import (
	"context"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"

	"meanrev/internal/domain"
)

// alpacaHistoryStart bounds unbounded requests; Alpaca daily history starts
// in 2016.
var alpacaHistoryStart = time.Date(2016, 1, 1, 0, 0, 0, 0, time.UTC)

// BarsClient is the part of the Alpaca market data client AlpacaProvider
// needs.
type BarsClient interface {
	GetBars(symbol string, req marketdata.GetBarsRequest) ([]marketdata.Bar, error)
}

// AlpacaProvider fetches daily bars from the Alpaca market data API.
type AlpacaProvider struct {
	client BarsClient
	feed   string
	guard  *Guard
}

// NewAlpacaProvider creates a provider over client using the given data
// feed ("sip" or "iex").
func NewAlpacaProvider(client BarsClient, feed string, guard *Guard) *AlpacaProvider {
	if feed == "" {
		feed = "sip"
	}
	return &AlpacaProvider{client: client, feed: feed, guard: guard}
}

// FetchCloseSeries implements Provider.
func (p *AlpacaProvider) FetchCloseSeries(ctx context.Context, ticker string, start, end time.Time) (domain.PriceSeries, error) {
	if start.IsZero() {
		start = alpacaHistoryStart
	}
	req := marketdata.GetBarsRequest{
		TimeFrame: marketdata.OneDay,
		Start:     start,
		Feed:      p.feed,
	}
	if !end.IsZero() {
		// Daily bars are stamped a few hours after midnight UTC.
		req.End = domain.Day(end).Add(24*time.Hour - time.Second)
	}

	var series domain.PriceSeries
	err := p.guard.Do(ctx, ticker, func(context.Context) error {
		bars, err := p.client.GetBars(ticker, req)
		if err != nil {
			return err
		}
		if len(bars) == 0 {
			return unavailable(ticker)
		}
		points := make([]domain.PricePoint, len(bars))
		for i, b := range bars {
			points[i] = domain.PricePoint{Date: b.Timestamp, Close: b.Close}
		}
		series = domain.NewPriceSeries(ticker, points)
		return nil
	})
	if err != nil {
		return domain.PriceSeries{}, err
	}
	return series, nil
}

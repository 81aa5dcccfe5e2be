package prices

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"meanrev/internal/domain"
	"meanrev/pkg/meanrev"
)

// HTTPProvider fetches closes from the historical price service.
type HTTPProvider struct {
	client *meanrev.Client
	guard  *Guard
}

// NewHTTPProvider creates a provider over client guarded by guard.
func NewHTTPProvider(client *meanrev.Client, guard *Guard) *HTTPProvider {
	return &HTTPProvider{client: client, guard: guard}
}

// FetchCloseSeries implements Provider. Rows are sorted and deduplicated by
// date; an empty response means the ticker has no history.
func (p *HTTPProvider) FetchCloseSeries(ctx context.Context, ticker string, start, end time.Time) (domain.PriceSeries, error) {
	var series domain.PriceSeries
	err := p.guard.Do(ctx, ticker, func(ctx context.Context) error {
		rows, err := p.client.HistoricalCloses(ctx, ticker, start, end)
		if err != nil {
			var apiErr *meanrev.APIError
			if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
				return unavailable(ticker)
			}
			return err
		}
		if len(rows) == 0 {
			return unavailable(ticker)
		}

		points := make([]domain.PricePoint, 0, len(rows))
		for _, r := range rows {
			d, err := r.Time()
			if err != nil {
				return fmt.Errorf("bad date %q: %w", r.Date, err)
			}
			points = append(points, domain.PricePoint{Date: d, Close: r.Close})
		}
		series = domain.NewPriceSeries(ticker, points)
		return nil
	})
	if err != nil {
		return domain.PriceSeries{}, err
	}
	return series, nil
}

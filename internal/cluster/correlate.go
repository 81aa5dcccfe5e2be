package cluster

import (
	"fmt"
	"math"
	"sort"
	"time"

	"meanrev/internal/domain"
)

// Input selects what the correlation is computed on.
type Input string

const (
	// InputPrice correlates close prices directly.
	InputPrice Input = "price"
	// InputLogReturn correlates day-over-day log returns.
	InputLogReturn Input = "log_return"
)

// CorrelationOptions configures ComputeCorrelation.
type CorrelationOptions struct {
	Input Input
	// MinCoverage is the share of frame dates a ticker needs to be kept.
	MinCoverage float64
}

// ComputeCorrelation builds the Pearson correlation matrix of the given
// series. The frame is the union of all dates; tickers present on fewer
// than MinCoverage of them are dropped, then every date on which any kept
// ticker is missing. NaN or infinite closes count as missing. Constant
// columns yield NaN correlations.
func ComputeCorrelation(series []domain.PriceSeries, opts CorrelationOptions) (*Matrix, error) {
	if opts.Input == "" {
		opts.Input = InputPrice
	}
	if opts.Input != InputPrice && opts.Input != InputLogReturn {
		return nil, fmt.Errorf("%w: unknown correlation input %q", domain.ErrConfiguration, opts.Input)
	}

	series = finiteOnly(series)
	dateSet := make(map[time.Time]struct{})
	for _, s := range series {
		for _, p := range s.Points {
			dateSet[p.Date] = struct{}{}
		}
	}
	dates := make([]time.Time, 0, len(dateSet))
	for d := range dateSet {
		dates = append(dates, d)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })

	thresh := int(opts.MinCoverage * float64(len(dates)))
	var kept []domain.PriceSeries
	for _, s := range series {
		if s.Len() >= thresh && s.Len() > 0 {
			kept = append(kept, s)
		}
	}

	var rows []time.Time
	for _, d := range dates {
		all := true
		for _, s := range kept {
			if s.IndexOf(d) < 0 {
				all = false
				break
			}
		}
		if all {
			rows = append(rows, d)
		}
	}

	tickers := make([]string, len(kept))
	cols := make([][]float64, len(kept))
	for k, s := range kept {
		tickers[k] = s.Ticker
		col := make([]float64, len(rows))
		for r, d := range rows {
			col[r], _ = s.PriceOn(d)
		}
		if opts.Input == InputLogReturn {
			col = logReturns(col)
		}
		cols[k] = col
	}

	values := make([][]float64, len(kept))
	for i := range values {
		values[i] = make([]float64, len(kept))
	}
	for i := range kept {
		for j := i; j < len(kept); j++ {
			c := pearson(cols[i], cols[j])
			values[i][j], values[j][i] = c, c
		}
	}
	return NewMatrix(tickers, values)
}

func finiteOnly(series []domain.PriceSeries) []domain.PriceSeries {
	out := make([]domain.PriceSeries, len(series))
	for i, s := range series {
		pts := make([]domain.PricePoint, 0, len(s.Points))
		for _, p := range s.Points {
			if !math.IsNaN(p.Close) && !math.IsInf(p.Close, 0) {
				pts = append(pts, p)
			}
		}
		if len(pts) == len(s.Points) {
			out[i] = s
			continue
		}
		out[i] = domain.NewPriceSeries(s.Ticker, pts)
	}
	return out
}

func logReturns(prices []float64) []float64 {
	if len(prices) < 2 {
		return nil
	}
	out := make([]float64, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		out[i-1] = math.Log(prices[i] / prices[i-1])
	}
	return out
}

// pearson returns the sample correlation of a and b, NaN when either has
// no variance or fewer than two points.
func pearson(a, b []float64) float64 {
	n := len(a)
	if n < 2 || n != len(b) {
		return math.NaN()
	}
	var ma, mb float64
	for i := 0; i < n; i++ {
		ma += a[i]
		mb += b[i]
	}
	ma /= float64(n)
	mb /= float64(n)

	var sab, saa, sbb float64
	for i := 0; i < n; i++ {
		da, db := a[i]-ma, b[i]-mb
		sab += da * db
		saa += da * da
		sbb += db * db
	}
	if saa == 0 || sbb == 0 {
		return math.NaN()
	}
	c := sab / math.Sqrt(saa*sbb)
	return math.Max(-1, math.Min(1, c))
}

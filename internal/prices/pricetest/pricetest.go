// Package pricetest provides synthetic price histories for tests.
package pricetest

import (
	"math"
	"time"

	"meanrev/internal/domain"
)

// Start is the first date of every synthetic series.
var Start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// Day returns the date of observation i.
func Day(i int) time.Time { return Start.AddDate(0, 0, i) }

// Series builds a series from consecutive daily closes beginning at Start.
func Series(ticker string, closes []float64) domain.PriceSeries {
	pts := make([]domain.PricePoint, len(closes))
	for i, c := range closes {
		pts[i] = domain.PricePoint{Date: Day(i), Close: c}
	}
	return domain.NewPriceSeries(ticker, pts)
}

// ReversionPair returns a 100-day pair whose B leg tracks 2·A+40 plus small
// periodic noise, jumps one unit above the fit on day 60, holds there
// through day 74 and then decays slowly back.
//
// With lookback 60, z_entry 2 and z_exit 0.5 this yields exactly one short
// trade entered on day 60 and exited on day 75.
func ReversionPair(tickerA, tickerB string) (a, b domain.PriceSeries) {
	const n = 100
	xs := make([]float64, n)
	ys := make([]float64, n)
	for t := 0; t < n; t++ {
		ft := float64(t)
		xs[t] = 20 + 0.5*ft
		noise := 0.05*math.Sin(1.7*ft) + 0.03*math.Cos(0.9*ft)
		ys[t] = 2*xs[t] + 40 + noise + deviation(t)
	}
	return Series(tickerA, xs), Series(tickerB, ys)
}

func deviation(t int) float64 {
	switch {
	case t >= 60 && t <= 74:
		return 1.0
	case t >= 75:
		return 0.7 * math.Exp(-float64(t-75)/40)
	default:
		return 0
	}
}

// Linear returns a pair where B is exactly 2·A+1, so every window is
// degenerate.
func Linear(tickerA, tickerB string, n int) (a, b domain.PriceSeries) {
	xs := make([]float64, n)
	ys := make([]float64, n)
	for t := 0; t < n; t++ {
		xs[t] = 10 + 0.25*float64(t) + 0.5*math.Sin(float64(t))
		ys[t] = 2*xs[t] + 1
	}
	return Series(tickerA, xs), Series(tickerB, ys)
}

// Package domain defines the core types shared across the pairs-signal
// engine: price series, clusters, candidate pairs, trades and the
// cumulative PnL series.
package domain

import (
	"sort"
	"time"
)

// DateLayout is the ISO calendar form used for every persisted date.
const DateLayout = "2006-01-02"

// Market identifies the exchange group a ticker trades on.
type Market string

const (
	MarketUS Market = "us"
	MarketCN Market = "cn"
)

// Bar is a single daily OHLCV bar as held by the price store.
type Bar struct {
	Symbol     string
	Timestamp  time.Time
	Open       float64
	High       float64
	Low        float64
	Close      float64
	Volume     int64
	TradeCount int64
	VWAP       float64
}

// PricePoint is one (date, close) observation.
type PricePoint struct {
	Date  time.Time
	Close float64
}

// PriceSeries is an ordered sequence of closing prices for one ticker with
// strictly increasing, unique dates.
type PriceSeries struct {
	Ticker string
	Points []PricePoint
}

// NewPriceSeries normalizes points into a PriceSeries: dates are truncated
// to the calendar day, sorted ascending and deduplicated (the last
// observation for a date wins).
func NewPriceSeries(ticker string, points []PricePoint) PriceSeries {
	norm := make([]PricePoint, len(points))
	for i, p := range points {
		norm[i] = PricePoint{Date: Day(p.Date), Close: p.Close}
	}
	sort.SliceStable(norm, func(i, j int) bool {
		return norm[i].Date.Before(norm[j].Date)
	})

	out := norm[:0]
	for _, p := range norm {
		if n := len(out); n > 0 && out[n-1].Date.Equal(p.Date) {
			out[n-1] = p
			continue
		}
		out = append(out, p)
	}
	return PriceSeries{Ticker: ticker, Points: out}
}

// Len returns the number of observations.
func (s PriceSeries) Len() int { return len(s.Points) }

// Empty reports whether the series has no observations.
func (s PriceSeries) Empty() bool { return len(s.Points) == 0 }

// IndexOf returns the position of date in the series, or -1.
func (s PriceSeries) IndexOf(date time.Time) int {
	d := Day(date)
	i := sort.Search(len(s.Points), func(i int) bool {
		return !s.Points[i].Date.Before(d)
	})
	if i < len(s.Points) && s.Points[i].Date.Equal(d) {
		return i
	}
	return -1
}

// PriceOn returns the close on date and whether the date is present.
func (s PriceSeries) PriceOn(date time.Time) (float64, bool) {
	i := s.IndexOf(date)
	if i < 0 {
		return 0, false
	}
	return s.Points[i].Close, true
}

// Between returns the observations within [start, end] inclusive. A zero
// start or end leaves that side unbounded.
func (s PriceSeries) Between(start, end time.Time) []PricePoint {
	lo := 0
	if !start.IsZero() {
		d := Day(start)
		lo = sort.Search(len(s.Points), func(i int) bool {
			return !s.Points[i].Date.Before(d)
		})
	}
	hi := len(s.Points)
	if !end.IsZero() {
		d := Day(end)
		hi = sort.Search(len(s.Points), func(i int) bool {
			return s.Points[i].Date.After(d)
		})
	}
	if lo >= hi {
		return nil
	}
	return s.Points[lo:hi]
}

// Dates returns the observation dates in order.
func (s PriceSeries) Dates() []time.Time {
	out := make([]time.Time, len(s.Points))
	for i, p := range s.Points {
		out[i] = p.Date
	}
	return out
}

// Day truncates t to midnight UTC of its calendar date.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Cluster is a group of tickers that candidate pairs are drawn from.
type Cluster struct {
	ID      string
	Tickers []string
}

// CandidatePair is an unordered pair of tickers from one cluster whose
// correlation passed the configured limit.
type CandidatePair struct {
	ClusterID   string
	TickerA     string
	TickerB     string
	Correlation float64
}

// Key returns "A/B", used for logging and skip reports.
func (p CandidatePair) Key() string { return p.TickerA + "/" + p.TickerB }

// Direction is the side of a spread position.
type Direction string

const (
	// DirectionLong is taken when the spread is unusually low.
	DirectionLong Direction = "long"
	// DirectionShort is taken when the spread is unusually high.
	DirectionShort Direction = "short"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == DirectionLong || d == DirectionShort
}

// SpreadObservation is the spread and z-score derived from one estimation
// window. Defined is false when the window's spread had zero variance, in
// which case ZScore carries no meaning.
type SpreadObservation struct {
	Date    time.Time
	Spread  float64
	ZScore  float64
	Defined bool
}

// Trade is a closed round trip on one pair.
type Trade struct {
	TickerA     string
	TickerB     string
	Direction   Direction
	EntryDate   time.Time
	ExitDate    time.Time
	EntrySpread float64
	ExitSpread  float64
	SpreadPnL   float64
}

// HoldingDays returns the calendar days between entry and exit.
func (t Trade) HoldingDays() int {
	return int(Day(t.ExitDate).Sub(Day(t.EntryDate)).Hours() / 24)
}

// SpreadPnL returns the spread profit for a position opened at entry and
// closed at exit: entry-exit for short positions, exit-entry for long ones.
func SpreadPnL(dir Direction, entry, exit float64) float64 {
	if dir == DirectionShort {
		return entry - exit
	}
	return exit - entry
}

// PnLPoint is one value of the cumulative PnL series.
type PnLPoint struct {
	Date  time.Time
	Value float64
}

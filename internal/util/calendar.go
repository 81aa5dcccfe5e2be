package util

import (
	"sort"
	"time"

	"meanrev/internal/domain"
)

// TradingCalendar is the ordered set of trading dates observed in one or
// more price series. A date is a trading day exactly when some observed
// series has a close on it; there is no holiday table.
type TradingCalendar struct {
	seen   map[time.Time]struct{}
	days   []time.Time
	sorted bool
}

// NewTradingCalendar creates an empty TradingCalendar.
func NewTradingCalendar() *TradingCalendar {
	return &TradingCalendar{
		seen:   make(map[time.Time]struct{}),
		sorted: true,
	}
}

// Observe adds every date of the series to the calendar.
func (tc *TradingCalendar) Observe(series domain.PriceSeries) {
	for _, p := range series.Points {
		tc.Add(p.Date)
	}
}

// Add records a single trading date.
func (tc *TradingCalendar) Add(date time.Time) {
	d := domain.Day(date)
	if _, ok := tc.seen[d]; ok {
		return
	}
	tc.seen[d] = struct{}{}
	if n := len(tc.days); n > 0 && !d.After(tc.days[n-1]) {
		tc.sorted = false
	}
	tc.days = append(tc.days, d)
}

func (tc *TradingCalendar) sortDays() {
	if tc.sorted {
		return
	}
	sort.Slice(tc.days, func(i, j int) bool { return tc.days[i].Before(tc.days[j]) })
	tc.sorted = true
}

// Days returns all trading dates in ascending order.
func (tc *TradingCalendar) Days() []time.Time {
	tc.sortDays()
	out := make([]time.Time, len(tc.days))
	copy(out, tc.days)
	return out
}

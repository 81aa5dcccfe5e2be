package backtest

import (
	"encoding/json"
	"fmt"
	"math"

	"meanrev/internal/domain"
)

// TradingDaysPerYear annualizes the Sharpe ratio.
const TradingDaysPerYear = 252

// Metric is a statistic that may be undefined. Undefined metrics carry a
// reason instead of a NaN or infinite value.
type Metric struct {
	Value  float64
	Valid  bool
	Reason string
}

// Defined returns a valid metric.
func Defined(v float64) Metric { return Metric{Value: v, Valid: true} }

// Undefined returns an invalid metric with the given reason.
func Undefined(reason string) Metric { return Metric{Reason: reason} }

// String formats the metric with four decimals or as "undefined".
func (m Metric) String() string {
	if !m.Valid {
		return "undefined"
	}
	return fmt.Sprintf("%.4f", m.Value)
}

type metricJSON struct {
	Value  *float64 `json:"value"`
	Reason string   `json:"reason,omitempty"`
}

// MarshalJSON encodes an undefined metric as a null value with its reason.
func (m Metric) MarshalJSON() ([]byte, error) {
	out := metricJSON{Reason: m.Reason}
	if m.Valid {
		v := m.Value
		out.Value = &v
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the form written by MarshalJSON.
func (m *Metric) UnmarshalJSON(data []byte) error {
	var in metricJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*m = Metric{Reason: in.Reason}
	if in.Value != nil {
		m.Value, m.Valid = *in.Value, true
	}
	return nil
}

// Summary holds the risk and performance statistics of a backtest.
type Summary struct {
	TotalReturn    float64 `json:"total_return"`
	Sharpe         Metric  `json:"sharpe"`
	MaxDrawdown    float64 `json:"max_drawdown"`
	TotalTrades    int     `json:"total_trades"`
	TradesUsed     int     `json:"trades_used"`
	WinRate        Metric  `json:"win_rate"`
	ProfitFactor   Metric  `json:"profit_factor"`
	AvgHoldingDays Metric  `json:"avg_holding_days"`
	Days           int     `json:"days"`
}

// Sharpe returns the annualized Sharpe ratio of the day-over-day changes of
// the cumulative series: mean/stdev·√252 with the n−1 standard deviation.
// It is undefined with fewer than two changes or zero dispersion.
func Sharpe(cum []domain.PnLPoint) Metric {
	if len(cum) < 3 {
		return Undefined("fewer than two daily changes")
	}
	diffs := make([]float64, len(cum)-1)
	for i := 1; i < len(cum); i++ {
		diffs[i-1] = cum[i].Value - cum[i-1].Value
	}

	var mean float64
	for _, d := range diffs {
		mean += d
	}
	mean /= float64(len(diffs))

	var ss float64
	for _, d := range diffs {
		ss += (d - mean) * (d - mean)
	}
	std := math.Sqrt(ss / float64(len(diffs)-1))
	if std == 0 || math.IsNaN(std) {
		return Undefined("zero standard deviation of daily changes")
	}
	return Defined(mean / std * math.Sqrt(TradingDaysPerYear))
}

// MaxDrawdown returns the most negative distance of the series from its
// running maximum; zero for an empty or never-falling series.
func MaxDrawdown(cum []domain.PnLPoint) float64 {
	var dd float64
	peak := math.Inf(-1)
	for _, p := range cum {
		peak = math.Max(peak, p.Value)
		dd = math.Min(dd, p.Value-peak)
	}
	return dd
}

// summarize computes the full summary of a result.
func summarize(r *Result) Summary {
	s := Summary{
		Sharpe:      Sharpe(r.Cumulative),
		MaxDrawdown: MaxDrawdown(r.Cumulative),
		TotalTrades: r.TradesTotal,
		TradesUsed:  len(r.Used),
		Days:        len(r.Cumulative),
	}
	if n := len(r.Cumulative); n > 0 {
		s.TotalReturn = r.Cumulative[n-1].Value
	}

	if len(r.Used) == 0 {
		s.WinRate = Undefined("no trades used")
		s.ProfitFactor = Undefined("no trades used")
		s.AvgHoldingDays = Undefined("no trades used")
		return s
	}

	var wins int
	var grossWin, grossLoss, holding float64
	for _, u := range r.Used {
		holding += float64(u.Trade.HoldingDays())
		switch {
		case u.Return > 0:
			wins++
			grossWin += u.Return
		case u.Return < 0:
			grossLoss -= u.Return
		}
	}
	n := float64(len(r.Used))
	s.WinRate = Defined(float64(wins) / n)
	s.AvgHoldingDays = Defined(holding / n)
	if grossLoss == 0 {
		s.ProfitFactor = Undefined("no losing trades")
	} else {
		s.ProfitFactor = Defined(grossWin / grossLoss)
	}
	return s
}

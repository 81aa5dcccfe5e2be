package backtest

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"meanrev/internal/domain"
	"meanrev/internal/prices"
	"meanrev/internal/prices/pricetest"
	"meanrev/internal/signal"
)

func newAggregator(p prices.Provider, workers int) *Aggregator {
	return NewAggregator(p, Options{Workers: workers}, zap.NewNop())
}

func TestRunReversionScenario(t *testing.T) {
	a, b := pricetest.ReversionPair("AAA", "BBB")
	pair := domain.CandidatePair{ClusterID: "0", TickerA: "AAA", TickerB: "BBB"}
	pr, err := signal.EvaluatePair(pair, a, b, signal.Params{ZEntry: 2, ZExit: 0.5, Lookback: 60})
	require.NoError(t, err)
	require.Len(t, pr.Trades, 1)

	res, err := newAggregator(prices.NewStaticProvider(a, b), 4).Run(context.Background(), pr.Trades)
	require.NoError(t, err)
	require.Len(t, res.Cumulative, 100)
	require.Len(t, res.Used, 1)
	assert.Empty(t, res.Skipped)

	cum := res.Cumulative
	for d := 0; d <= 60; d++ {
		assert.Equal(t, 0.0, cum[d].Value, "day %d precedes any contribution", d)
	}
	for d := 61; d <= 75; d++ {
		assert.Less(t, cum[d].Value, cum[d-1].Value, "day %d inside the trade", d)
	}
	for d := 76; d < 100; d++ {
		assert.Equal(t, cum[75].Value, cum[d].Value, "day %d after exit", d)
	}
	assert.InDelta(t, -0.3538199679026197, cum[75].Value, 1e-9)
	assert.InDelta(t, -0.003111624367729604, res.Daily[61].Value, 1e-12)
	assert.InDelta(t, -0.045606639729701026, res.Used[0].Return, 1e-12)

	s := res.Summary
	assert.InDelta(t, -0.3538199679026197, s.TotalReturn, 1e-9)
	assert.InDelta(t, -0.3538199679026197, s.MaxDrawdown, 1e-9)
	require.True(t, s.Sharpe.Valid)
	assert.InDelta(t, -5.749246586409641, s.Sharpe.Value, 1e-6)
	assert.Equal(t, 1, s.TotalTrades)
	assert.Equal(t, 1, s.TradesUsed)
	assert.Equal(t, 0.0, s.WinRate.Value)
	assert.InDelta(t, 15.0, s.AvgHoldingDays.Value, 1e-12)
	require.True(t, s.ProfitFactor.Valid)
	assert.Equal(t, 0.0, s.ProfitFactor.Value)
}

func TestRunCalendarIsGapFree(t *testing.T) {
	// AAA trades on even days only, BBB on every day: the axis is the union.
	var ptsA, ptsB []domain.PricePoint
	for d := 0; d < 10; d++ {
		if d%2 == 0 {
			ptsA = append(ptsA, domain.PricePoint{Date: pricetest.Day(d), Close: 100 + float64(d)})
		}
		ptsB = append(ptsB, domain.PricePoint{Date: pricetest.Day(d), Close: 50})
	}
	a := domain.NewPriceSeries("AAA", ptsA)
	b := domain.NewPriceSeries("BBB", ptsB)

	trades := []domain.Trade{{
		TickerA: "AAA", TickerB: "BBB", Direction: domain.DirectionLong,
		EntryDate: pricetest.Day(2), ExitDate: pricetest.Day(6),
	}}
	res, err := newAggregator(prices.NewStaticProvider(a, b), 1).Run(context.Background(), trades)
	require.NoError(t, err)

	require.Len(t, res.Cumulative, 10)
	for i := 1; i < len(res.Cumulative); i++ {
		assert.True(t, res.Cumulative[i].Date.After(res.Cumulative[i-1].Date))
	}
	assert.Equal(t, res.Daily[0].Value, res.Cumulative[0].Value)

	// Contributions only on dates both legs share: 2, 4 and 6.
	assert.InDelta(t, 0.0, res.Daily[2].Value, 1e-12)
	assert.Equal(t, 0.0, res.Daily[3].Value)
	assert.InDelta(t, 104.0/102-1, res.Daily[4].Value, 1e-12)
	assert.InDelta(t, 106.0/102-1, res.Daily[6].Value, 1e-12)
	assert.InDelta(t, (104.0/102-1)+(106.0/102-1), res.Cumulative[9].Value, 1e-12)
}

func TestRunSkipsMisalignedTrade(t *testing.T) {
	a := pricetest.Series("AAA", []float64{10, 11, 12, 13, 14})
	b := domain.NewPriceSeries("BBB", []domain.PricePoint{
		{Date: pricetest.Day(0), Close: 20},
		{Date: pricetest.Day(1), Close: 21},
		{Date: pricetest.Day(2), Close: 22},
		{Date: pricetest.Day(4), Close: 24},
	})

	trades := []domain.Trade{
		{TickerA: "AAA", TickerB: "BBB", Direction: domain.DirectionShort,
			EntryDate: pricetest.Day(1), ExitDate: pricetest.Day(3)},
		{TickerA: "AAA", TickerB: "BBB", Direction: domain.DirectionLong,
			EntryDate: pricetest.Day(0), ExitDate: pricetest.Day(2)},
	}
	res, err := newAggregator(prices.NewStaticProvider(a, b), 2).Run(context.Background(), trades)
	require.NoError(t, err)

	require.Len(t, res.Skipped, 1)
	assert.Equal(t, 0, res.Skipped[0].Index)
	assert.Equal(t, domain.SkipAlignment, res.Skipped[0].Reason)
	assert.True(t, errors.Is(res.Skipped[0].Err, domain.ErrAlignment))

	require.Len(t, res.Used, 1)
	// Only the second trade contributes: days 0..2.
	want := (11.0/10 - 1) - (21.0/20 - 1) + (12.0/10 - 1) - (22.0/20 - 1)
	assert.InDelta(t, want, res.Summary.TotalReturn, 1e-12)
	assert.Equal(t, 0.0, res.Daily[3].Value, "the skipped trade adds nothing, not even partially")
}

func TestRunSkipsUnfetchableLeg(t *testing.T) {
	a := pricetest.Series("AAA", []float64{10, 11, 12})
	p := prices.NewStaticProvider(a)
	p.Fail("CCC", errors.New("503"))

	trades := []domain.Trade{
		{TickerA: "AAA", TickerB: "BBB", Direction: domain.DirectionLong, EntryDate: pricetest.Day(0), ExitDate: pricetest.Day(2)},
		{TickerA: "AAA", TickerB: "CCC", Direction: domain.DirectionLong, EntryDate: pricetest.Day(0), ExitDate: pricetest.Day(2)},
	}
	res, err := newAggregator(p, 2).Run(context.Background(), trades)
	require.NoError(t, err)

	require.Len(t, res.Skipped, 2)
	assert.Equal(t, domain.SkipDataUnavailable, res.Skipped[0].Reason)
	assert.Equal(t, domain.SkipUpstreamFetch, res.Skipped[1].Reason)
	assert.Empty(t, res.Cumulative, "no usable trades leaves the series empty")
	assert.False(t, res.Summary.Sharpe.Valid)
	assert.False(t, res.Summary.WinRate.Valid)
}

func TestRunNoTrades(t *testing.T) {
	res, err := newAggregator(prices.NewStaticProvider(), 1).Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, res.Cumulative)
	assert.Zero(t, res.Summary.TotalTrades)
}

func TestRunDeterministicAcrossWorkers(t *testing.T) {
	a := pricetest.Series("AAA", []float64{10, 10.5, 10.2, 10.8, 11.1, 10.9, 11.4, 11.0, 11.6, 12.0})
	b := pricetest.Series("BBB", []float64{20, 20.1, 20.9, 21.2, 21.0, 22.3, 22.1, 22.9, 23.0, 23.2})
	var trades []domain.Trade
	for i := 0; i < 7; i++ {
		dir := domain.DirectionLong
		if i%2 == 1 {
			dir = domain.DirectionShort
		}
		trades = append(trades, domain.Trade{
			TickerA: "AAA", TickerB: "BBB", Direction: dir,
			EntryDate: pricetest.Day(i), ExitDate: pricetest.Day(i + 3),
		})
	}
	p := prices.NewStaticProvider(a, b)

	one, err := newAggregator(p, 1).Run(context.Background(), trades)
	require.NoError(t, err)
	many, err := newAggregator(p, 5).Run(context.Background(), trades)
	require.NoError(t, err)

	if diff := cmp.Diff(one.Cumulative, many.Cumulative, cmpopts.EquateApprox(0, 1e-12)); diff != "" {
		t.Errorf("cumulative series differs by worker count (-1 +5):\n%s", diff)
	}
	assert.Len(t, many.Used, 7)
}

func TestRunCancelled(t *testing.T) {
	a, b := pricetest.ReversionPair("AAA", "BBB")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newAggregator(prices.NewStaticProvider(a, b), 2).Run(ctx, []domain.Trade{{
		TickerA: "AAA", TickerB: "BBB", Direction: domain.DirectionShort,
		EntryDate: pricetest.Day(60), ExitDate: pricetest.Day(75),
	}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReplayRejectsBadTrades(t *testing.T) {
	a := pricetest.Series("AAA", []float64{1, 2, 3})
	b := pricetest.Series("BBB", []float64{1, 2, 3})

	_, err := Replay(domain.Trade{Direction: "sideways", EntryDate: pricetest.Day(0), ExitDate: pricetest.Day(1)}, a, b)
	assert.Error(t, err)

	_, err = Replay(domain.Trade{Direction: domain.DirectionLong, EntryDate: pricetest.Day(1), ExitDate: pricetest.Day(1)}, a, b)
	assert.ErrorIs(t, err, domain.ErrAlignment)

	_, err = Replay(domain.Trade{Direction: domain.DirectionLong, EntryDate: pricetest.Day(1), ExitDate: pricetest.Day(9)}, a, b)
	assert.ErrorIs(t, err, domain.ErrAlignment)
}

func TestReplayTreatsNonFiniteClosesAsMissing(t *testing.T) {
	a := pricetest.Series("AAA", []float64{10, 11, math.NaN(), 13, math.Inf(1)})
	b := pricetest.Series("BBB", []float64{20, 20, 20, 20, 20})

	got, err := Replay(domain.Trade{Direction: domain.DirectionLong, EntryDate: pricetest.Day(0), ExitDate: pricetest.Day(3)}, a, b)
	require.NoError(t, err)
	want := []domain.PnLPoint{
		{Date: pricetest.Day(0), Value: 0},
		{Date: pricetest.Day(1), Value: 11.0/10 - 1},
		{Date: pricetest.Day(3), Value: 13.0/10 - 1},
	}
	if diff := cmp.Diff(want, got, cmpopts.EquateApprox(0, 1e-12)); diff != "" {
		t.Errorf("Replay mismatch (-want +got):\n%s", diff)
	}

	_, err = Replay(domain.Trade{Direction: domain.DirectionShort, EntryDate: pricetest.Day(2), ExitDate: pricetest.Day(3)}, a, b)
	assert.ErrorIs(t, err, domain.ErrAlignment)
	_, err = Replay(domain.Trade{Direction: domain.DirectionShort, EntryDate: pricetest.Day(1), ExitDate: pricetest.Day(4)}, a, b)
	assert.ErrorIs(t, err, domain.ErrAlignment)
}

func TestRunStaysFiniteWithNaNExitPrice(t *testing.T) {
	a := pricetest.Series("AAA", []float64{10, 11, 12, math.NaN(), 14})
	b := pricetest.Series("BBB", []float64{20, 21, 22, 23, 24})
	trades := []domain.Trade{
		{TickerA: "AAA", TickerB: "BBB", Direction: domain.DirectionLong,
			EntryDate: pricetest.Day(0), ExitDate: pricetest.Day(3)},
		{TickerA: "AAA", TickerB: "BBB", Direction: domain.DirectionLong,
			EntryDate: pricetest.Day(0), ExitDate: pricetest.Day(2)},
	}
	res, err := newAggregator(prices.NewStaticProvider(a, b), 2).Run(context.Background(), trades)
	require.NoError(t, err)

	require.Len(t, res.Skipped, 1)
	assert.Equal(t, domain.SkipAlignment, res.Skipped[0].Reason)
	require.Len(t, res.Used, 1)
	for _, p := range res.Cumulative {
		assert.False(t, math.IsNaN(p.Value), "cumulative on %s", p.Date)
	}
	assert.False(t, math.IsNaN(res.Summary.TotalReturn))
	assert.False(t, math.IsNaN(res.Summary.MaxDrawdown))
	_, err = json.Marshal(res.Summary)
	assert.NoError(t, err)
}

func points(vals ...float64) []domain.PnLPoint {
	out := make([]domain.PnLPoint, len(vals))
	for i, v := range vals {
		out[i] = domain.PnLPoint{Date: time.Date(2024, 1, 1+i, 0, 0, 0, 0, time.UTC), Value: v}
	}
	return out
}

func TestSharpe(t *testing.T) {
	tests := []struct {
		name  string
		cum   []domain.PnLPoint
		valid bool
		want  float64
	}{
		{"all zero differences", points(0, 0, 0, 0, 0), false, 0},
		{"constant nonzero", points(1, 1, 1), false, 0},
		{"single difference", points(0, 1), false, 0},
		{"empty", nil, false, 0},
		// diffs 1, 3: mean 2, sd sqrt(2)
		{"two differences", points(0, 1, 4), true, 2 / 1.4142135623730951 * 15.874507866387544},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := Sharpe(tt.cum)
			assert.Equal(t, tt.valid, m.Valid)
			if tt.valid {
				assert.InDelta(t, tt.want, m.Value, 1e-9)
			} else {
				assert.NotEmpty(t, m.Reason)
				assert.Equal(t, "undefined", m.String())
			}
		})
	}
}

func TestSharpeUndefinedOnFlatPnL(t *testing.T) {
	// Both legs move identically so every contribution is zero.
	a := pricetest.Series("AAA", []float64{10, 11, 12, 13})
	b := pricetest.Series("BBB", []float64{20, 22, 24, 26})
	res, err := newAggregator(prices.NewStaticProvider(a, b), 1).Run(context.Background(), []domain.Trade{{
		TickerA: "AAA", TickerB: "BBB", Direction: domain.DirectionLong,
		EntryDate: pricetest.Day(0), ExitDate: pricetest.Day(3),
	}})
	require.NoError(t, err)
	require.Len(t, res.Cumulative, 4)
	assert.False(t, res.Summary.Sharpe.Valid)
	assert.Equal(t, "undefined", res.Summary.Sharpe.String())
}

func TestMaxDrawdown(t *testing.T) {
	assert.Equal(t, 0.0, MaxDrawdown(nil))
	assert.Equal(t, 0.0, MaxDrawdown(points(0, 1, 2)))
	assert.InDelta(t, -3.0, MaxDrawdown(points(1, 4, 2, 1, 3, 5)), 1e-12)
	assert.InDelta(t, -2.0, MaxDrawdown(points(-1, -2, -3)), 1e-12)
}

func TestMetricJSON(t *testing.T) {
	data, err := json.Marshal(struct {
		A Metric `json:"a"`
		B Metric `json:"b"`
	}{Defined(1.5), Undefined("zero standard deviation")})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":{"value":1.5},"b":{"value":null,"reason":"zero standard deviation"}}`, string(data))

	var m Metric
	require.NoError(t, json.Unmarshal([]byte(`{"value":null,"reason":"x"}`), &m))
	assert.False(t, m.Valid)
	assert.Equal(t, "x", m.Reason)
}

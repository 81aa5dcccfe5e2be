package signal

import (
	"fmt"
	"math"
	"time"

	"meanrev/internal/domain"
)

// Params are the signal thresholds and window length.
type Params struct {
	ZEntry      float64
	ZExit       float64
	Lookback    int
	Incremental bool
}

// Validate checks the parameters the estimator and machine depend on.
func (p Params) Validate() error {
	if p.Lookback < 3 {
		return fmt.Errorf("%w: lookback must be >= 3, got %d", domain.ErrConfiguration, p.Lookback)
	}
	if p.ZEntry <= 0 || p.ZExit < 0 || p.ZExit >= p.ZEntry {
		return fmt.Errorf("%w: need 0 <= z_exit < z_entry, got exit %v entry %v",
			domain.ErrConfiguration, p.ZExit, p.ZEntry)
	}
	return nil
}

// Aligned is the inner join of two price series on their shared dates.
type Aligned struct {
	Dates []time.Time
	X     []float64
	Y     []float64
}

// Len returns the number of shared dates.
func (a Aligned) Len() int { return len(a.Dates) }

// Align joins a and b on the dates present in both. Dates where either
// close is NaN or infinite are dropped.
func Align(a, b domain.PriceSeries) Aligned {
	var out Aligned
	i, j := 0, 0
	for i < len(a.Points) && j < len(b.Points) {
		da, db := a.Points[i].Date, b.Points[j].Date
		switch {
		case da.Before(db):
			i++
		case db.Before(da):
			j++
		default:
			x, y := a.Points[i].Close, b.Points[j].Close
			if finite(x) && finite(y) {
				out.Dates = append(out.Dates, da)
				out.X = append(out.X, x)
				out.Y = append(out.Y, y)
			}
			i++
			j++
		}
	}
	return out
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

// Observations computes the spread observation for every window end index
// i in [lookback, len-1], each window covering indices i-lookback+1..i.
// The window includes i, so each observation's spread and z-score belong to
// date i itself.
func Observations(al Aligned, lookback int, incremental bool) []domain.SpreadObservation {
	if al.Len() <= lookback {
		return nil
	}
	out := make([]domain.SpreadObservation, 0, al.Len()-lookback)

	if incremental {
		r := NewRolling(lookback)
		for i := 0; i < al.Len(); i++ {
			r.Push(al.X[i], al.Y[i])
			if i < lookback {
				continue
			}
			spread, z, ok := r.Current()
			out = append(out, domain.SpreadObservation{
				Date: al.Dates[i], Spread: spread, ZScore: z, Defined: ok,
			})
		}
		return out
	}

	for i := lookback; i < al.Len(); i++ {
		lo := i - lookback + 1
		fit, err := Estimate(al.X[lo:i+1], al.Y[lo:i+1])
		obs := domain.SpreadObservation{Date: al.Dates[i]}
		if err == nil {
			obs.Spread = fit.LastSpread()
			obs.ZScore, obs.Defined = fit.LastZ()
		} else if IsDegenerate(err) {
			obs.Spread = fit.LastSpread()
		}
		out = append(out, obs)
	}
	return out
}

// PairResult is the outcome of evaluating one candidate pair.
type PairResult struct {
	Pair                domain.CandidatePair
	Trades              []domain.Trade
	AlignedLength       int
	Windows             int
	DegenerateWindows   int
	InsufficientHistory bool
	// OpenAtEnd is set when a position was still open at the last date;
	// such positions produce no trade.
	OpenAtEnd bool
}

// EvaluatePair runs the estimator and state machine over the aligned
// history of the pair's two legs. TickerA is the regressor x, TickerB the
// regressand y.
func EvaluatePair(pair domain.CandidatePair, a, b domain.PriceSeries, p Params) (PairResult, error) {
	if err := p.Validate(); err != nil {
		return PairResult{}, err
	}

	al := Align(a, b)
	res := PairResult{Pair: pair, AlignedLength: al.Len()}
	if al.Len() < p.Lookback {
		res.InsufficientHistory = true
		return res, nil
	}

	m := NewMachine(pair.TickerA, pair.TickerB, p.ZEntry, p.ZExit)
	for _, obs := range Observations(al, p.Lookback, p.Incremental) {
		res.Windows++
		if !obs.Defined {
			res.DegenerateWindows++
			continue
		}
		if tr, ok := m.Step(obs); ok {
			res.Trades = append(res.Trades, tr)
		}
	}
	_, res.OpenAtEnd = m.Position().(Open)
	return res, nil
}

// Package signal turns aligned price histories of a ticker pair into
// mean-reversion trades: a rolling OLS spread and z-score estimator feeds a
// per-pair position state machine.
package signal

import (
	"errors"
	"fmt"
	"math"

	"meanrev/internal/domain"
)

// degenerateTol is the spread standard deviation, relative to the RMS of
// y, at or below which a window counts as having zero variance.
const degenerateTol = 1e-9

// Fit is the result of regressing one estimation window.
type Fit struct {
	Slope     float64
	Intercept float64
	Spread    []float64
	Mean      float64
	Std       float64
	// Z is nil when the window is degenerate.
	Z []float64
}

// Defined reports whether the window produced z-scores.
func (f Fit) Defined() bool { return f.Z != nil }

// LastSpread returns the spread at the window's end.
func (f Fit) LastSpread() float64 { return f.Spread[len(f.Spread)-1] }

// LastZ returns the z-score at the window's end and whether it is defined.
func (f Fit) LastZ() (float64, bool) {
	if f.Z == nil {
		return 0, false
	}
	return f.Z[len(f.Z)-1], true
}

// Estimate fits y ≈ a·x + b by ordinary least squares over the window and
// standardizes the residual spread. σ is the population standard deviation.
//
// When σ is zero (within degenerateTol) the returned Fit still carries the
// spread but no z-scores, and the error wraps domain.ErrDegenerateWindow.
// Zero variance in x makes the slope undefined; the fit then degrades to
// a = 0, b = mean(y).
func Estimate(x, y []float64) (Fit, error) {
	n := len(x)
	if n != len(y) {
		return Fit{}, fmt.Errorf("window length mismatch: x=%d y=%d", len(x), len(y))
	}
	if n < 2 {
		return Fit{}, fmt.Errorf("window too short: %d", n)
	}

	var mx, my float64
	for i := 0; i < n; i++ {
		mx += x[i]
		my += y[i]
	}
	fn := float64(n)
	mx /= fn
	my /= fn

	var sxx, sxy, syy float64
	for i := 0; i < n; i++ {
		dx, dy := x[i]-mx, y[i]-my
		sxx += dx * dx
		sxy += dx * dy
		syy += dy * dy
	}

	a := slope(sxx, sxy, fn, mx)
	b := my - a*mx

	spread := make([]float64, n)
	var mu float64
	for i := 0; i < n; i++ {
		spread[i] = y[i] - (a*x[i] + b)
		mu += spread[i]
	}
	mu /= fn

	var ss float64
	for _, s := range spread {
		d := s - mu
		ss += d * d
	}
	sigma := math.Sqrt(ss / fn)

	fit := Fit{Slope: a, Intercept: b, Spread: spread, Mean: mu, Std: sigma}
	if isDegenerate(sigma, math.Sqrt(syy/fn+my*my)) {
		return fit, ErrDegenerate
	}

	fit.Z = make([]float64, n)
	for i, s := range spread {
		fit.Z[i] = (s - mu) / sigma
	}
	return fit, nil
}

// ErrDegenerate is returned by Estimate for zero-variance spreads.
var ErrDegenerate = fmt.Errorf("zero spread variance: %w", domain.ErrDegenerateWindow)

// IsDegenerate reports whether err marks a skipped degenerate window.
func IsDegenerate(err error) bool {
	return errors.Is(err, domain.ErrDegenerateWindow)
}

// slope returns the OLS slope from centered sums, or 0 when x has no
// variance.
func slope(sxx, sxy, n, mx float64) float64 {
	scale := math.Max(math.Abs(mx), math.Sqrt(sxx/n))
	if sxx == 0 || math.Sqrt(sxx/n) <= 1e-12*scale {
		return 0
	}
	return sxy / sxx
}

func isDegenerate(sigma, rmsY float64) bool {
	return sigma == 0 || sigma <= degenerateTol*rmsY
}

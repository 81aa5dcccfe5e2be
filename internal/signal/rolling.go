package signal

import "math"

// trustRatio is the residual-to-total variance ratio below which running
// sums lose too many digits; Rolling recomputes such windows exactly.
const trustRatio = 1e-6

// Rolling maintains the OLS sufficient statistics of a sliding window so each
// new observation costs O(1). Sums are kept relative to a shift point that is
// reset to the window mean every lookback pushes to bound cancellation.
type Rolling struct {
	size  int
	xs    []float64
	ys    []float64
	head  int
	count int

	shiftX, shiftY    float64
	sx, sy            float64
	sxx, syy, sxy     float64
	pushesSinceRebase int
}

// NewRolling returns an estimator over windows of the given size.
func NewRolling(size int) *Rolling {
	return &Rolling{
		size: size,
		xs:   make([]float64, size),
		ys:   make([]float64, size),
	}
}

// Push appends an observation, evicting the oldest once the window is full.
func (r *Rolling) Push(x, y float64) {
	if r.count == 0 {
		r.shiftX, r.shiftY = x, y
	}
	if r.count == r.size {
		ox, oy := r.xs[r.head]-r.shiftX, r.ys[r.head]-r.shiftY
		r.sx -= ox
		r.sy -= oy
		r.sxx -= ox * ox
		r.syy -= oy * oy
		r.sxy -= ox * oy
	} else {
		r.count++
	}

	r.xs[r.head], r.ys[r.head] = x, y
	r.head = (r.head + 1) % r.size

	dx, dy := x-r.shiftX, y-r.shiftY
	r.sx += dx
	r.sy += dy
	r.sxx += dx * dx
	r.syy += dy * dy
	r.sxy += dx * dy

	r.pushesSinceRebase++
	if r.pushesSinceRebase >= r.size {
		r.rebase()
	}
}

// rebase recomputes all sums exactly around the current window mean.
func (r *Rolling) rebase() {
	var mx, my float64
	for i := 0; i < r.count; i++ {
		mx += r.xs[i]
		my += r.ys[i]
	}
	mx /= float64(r.count)
	my /= float64(r.count)

	r.shiftX, r.shiftY = mx, my
	r.sx, r.sy, r.sxx, r.syy, r.sxy = 0, 0, 0, 0, 0
	for i := 0; i < r.count; i++ {
		dx, dy := r.xs[i]-mx, r.ys[i]-my
		r.sx += dx
		r.sy += dy
		r.sxx += dx * dx
		r.syy += dy * dy
		r.sxy += dx * dy
	}
	r.pushesSinceRebase = 0
}

// window copies the buffered observations in chronological order.
func (r *Rolling) window() (x, y []float64) {
	x = make([]float64, r.count)
	y = make([]float64, r.count)
	start := 0
	if r.count == r.size {
		start = r.head
	}
	for i := 0; i < r.count; i++ {
		j := (start + i) % r.size
		x[i], y[i] = r.xs[j], r.ys[j]
	}
	return x, y
}

// Current returns the spread and z-score of the most recent observation
// over the buffered window. defined is false for degenerate windows and
// before two observations were pushed.
func (r *Rolling) Current() (spread, z float64, defined bool) {
	if r.count < 2 {
		return 0, 0, false
	}
	n := float64(r.count)
	mx, my := r.sx/n, r.sy/n
	cxx := r.sxx - r.sx*mx
	cxy := r.sxy - r.sx*my
	cyy := r.syy - r.sy*my

	a := slope(cxx, cxy, n, mx+r.shiftX)
	resid := cyy - a*cxy

	if cyy <= 0 || resid <= trustRatio*cyy {
		x, y := r.window()
		fit, err := Estimate(x, y)
		if err != nil {
			return fit.LastSpread(), 0, false
		}
		last, _ := fit.LastZ()
		return fit.LastSpread(), last, true
	}

	last := (r.head - 1 + r.size) % r.size
	lx, ly := r.xs[last]-r.shiftX, r.ys[last]-r.shiftY
	spread = (ly - my) - a*(lx-mx)

	sigma := math.Sqrt(resid / n)
	meanY := my + r.shiftY
	if isDegenerate(sigma, math.Sqrt(cyy/n+meanY*meanY)) {
		return spread, 0, false
	}
	return spread, spread / sigma, true
}

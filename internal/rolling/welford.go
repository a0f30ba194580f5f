package rolling

import "math"

// Welford accumulates mean and variance with Welford's online update.
// Remove supports sliding windows by applying the inverse update; callers
// must only remove values previously added.
type Welford struct {
	n    int
	mean float64
	m2   float64
}

// Add incorporates x.
func (w *Welford) Add(x float64) {
	w.n++
	delta := x - w.mean
	w.mean += delta / float64(w.n)
	w.m2 += delta * (x - w.mean)
}

// Remove reverses a prior Add of x.
func (w *Welford) Remove(x float64) {
	if w.n <= 1 {
		*w = Welford{}
		return
	}
	nf := float64(w.n)
	prevMean := (nf*w.mean - x) / (nf - 1)
	w.m2 -= (x - w.mean) * (x - prevMean)
	if w.m2 < 0 {
		w.m2 = 0 // guard against cancellation error
	}
	w.mean = prevMean
	w.n--
}

// Count returns the number of accumulated values.
func (w *Welford) Count() int { return w.n }

// Mean returns the running mean, 0 when empty.
func (w *Welford) Mean() float64 { return w.mean }

// Variance returns the population variance, 0 for fewer than two values.
func (w *Welford) Variance() float64 {
	if w.n < 2 {
		return 0
	}
	return w.m2 / float64(w.n)
}

// StdDev returns the population standard deviation.
func (w *Welford) StdDev() float64 { return math.Sqrt(w.Variance()) }

// Reset clears the accumulator.
func (w *Welford) Reset() { *w = Welford{} }

// WindowStat is a count-bounded sliding window with O(1) mean/variance.
// Pushing beyond capacity evicts the oldest value from the statistics.
type WindowStat struct {
	ring *Ring[float64]
	w    Welford
}

// NewWindowStat creates a sliding window over the last capacity values.
func NewWindowStat(capacity int) *WindowStat {
	return &WindowStat{ring: NewRing[float64](capacity)}
}

// Push adds x, evicting the oldest value when the window is full.
func (ws *WindowStat) Push(x float64) {
	if ws.ring.Len() == ws.ring.Cap() {
		old, _ := ws.ring.PopFront()
		ws.w.Remove(old)
	}
	ws.ring.Push(x)
	ws.w.Add(x)
}

// Count returns the number of values currently in the window.
func (ws *WindowStat) Count() int { return ws.w.Count() }

// Mean returns the window mean.
func (ws *WindowStat) Mean() float64 { return ws.w.Mean() }

// Variance returns the window population variance.
func (ws *WindowStat) Variance() float64 { return ws.w.Variance() }

// StdDev returns the window population standard deviation.
func (ws *WindowStat) StdDev() float64 { return ws.w.StdDev() }

// Reset clears the window.
func (ws *WindowStat) Reset() {
	ws.ring.Clear()
	ws.w.Reset()
}

// Reg2 accumulates paired (x, y) observations and derives the least-squares
// slope and Pearson correlation from Welford-style co-moments. Remove makes
// it usable as a sliding window over time-ordered samples.
type Reg2 struct {
	n     int
	meanX float64
	meanY float64
	m2x   float64
	m2y   float64
	cxy   float64
}

// Add incorporates the pair (x, y).
func (r *Reg2) Add(x, y float64) {
	r.n++
	nf := float64(r.n)
	dx := x - r.meanX
	dy := y - r.meanY
	r.meanX += dx / nf
	r.meanY += dy / nf
	r.m2x += dx * (x - r.meanX)
	r.m2y += dy * (y - r.meanY)
	r.cxy += dx * (y - r.meanY)
}

// Remove reverses a prior Add of (x, y).
func (r *Reg2) Remove(x, y float64) {
	if r.n <= 1 {
		*r = Reg2{}
		return
	}
	nf := float64(r.n)
	prevMeanX := (nf*r.meanX - x) / (nf - 1)
	prevMeanY := (nf*r.meanY - y) / (nf - 1)
	r.m2x -= (x - r.meanX) * (x - prevMeanX)
	r.m2y -= (y - r.meanY) * (y - prevMeanY)
	r.cxy -= (x - prevMeanX) * (y - r.meanY)
	if r.m2x < 0 {
		r.m2x = 0
	}
	if r.m2y < 0 {
		r.m2y = 0
	}
	r.meanX = prevMeanX
	r.meanY = prevMeanY
	r.n--
}

// Count returns the number of accumulated pairs.
func (r *Reg2) Count() int { return r.n }

// Slope returns the least-squares slope dy/dx, or 0 when x has no variance.
func (r *Reg2) Slope() float64 {
	if r.n < 2 || r.m2x == 0 {
		return 0
	}
	return r.cxy / r.m2x
}

// Correlation returns the Pearson correlation in [-1, 1], or 0 when either
// series has no variance.
func (r *Reg2) Correlation() float64 {
	if r.n < 2 || r.m2x == 0 || r.m2y == 0 {
		return 0
	}
	c := r.cxy / math.Sqrt(r.m2x*r.m2y)
	return math.Max(-1, math.Min(1, c))
}

// Reset clears the accumulator.
func (r *Reg2) Reset() { *r = Reg2{} }

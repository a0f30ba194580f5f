package rolling

import (
	"math"
	"testing"
)

func TestRingOverwrite(t *testing.T) {
	t.Parallel()
	r := NewRing[int](3)

	for i := 1; i <= 5; i++ {
		r.Push(i)
	}

	if r.Len() != 3 {
		t.Fatalf("Len = %d, want 3", r.Len())
	}
	want := []int{3, 4, 5}
	for i, w := range want {
		if got := r.At(i); got != w {
			t.Errorf("At(%d) = %d, want %d", i, got, w)
		}
	}
	last, ok := r.Last()
	if !ok || last != 5 {
		t.Errorf("Last = %d,%v, want 5,true", last, ok)
	}
}

func TestRingPopFront(t *testing.T) {
	t.Parallel()
	r := NewRing[string](2)
	r.Push("a")
	r.Push("b")

	v, ok := r.PopFront()
	if !ok || v != "a" {
		t.Errorf("PopFront = %q,%v, want a,true", v, ok)
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}
	r.PopFront()
	if _, ok := r.PopFront(); ok {
		t.Error("PopFront on empty ring should return false")
	}
}

func TestRingDoReverseEarlyExit(t *testing.T) {
	t.Parallel()
	r := NewRing[int](5)
	for i := 1; i <= 5; i++ {
		r.Push(i)
	}

	var seen []int
	r.DoReverse(func(v int) bool {
		seen = append(seen, v)
		return v > 3
	})

	if len(seen) != 3 || seen[0] != 5 || seen[2] != 3 {
		t.Errorf("DoReverse visited %v, want [5 4 3]", seen)
	}
}

func TestWelfordMatchesDirect(t *testing.T) {
	t.Parallel()
	xs := []float64{2, 4, 4, 4, 5, 5, 7, 9}

	var w Welford
	for _, x := range xs {
		w.Add(x)
	}

	if got := w.Mean(); math.Abs(got-5) > 1e-12 {
		t.Errorf("Mean = %v, want 5", got)
	}
	if got := w.Variance(); math.Abs(got-4) > 1e-12 {
		t.Errorf("Variance = %v, want 4", got)
	}
	if got := w.StdDev(); math.Abs(got-2) > 1e-12 {
		t.Errorf("StdDev = %v, want 2", got)
	}
}

func TestWelfordRemove(t *testing.T) {
	t.Parallel()

	var w Welford
	for _, x := range []float64{1, 2, 3, 100} {
		w.Add(x)
	}
	w.Remove(100)

	if got := w.Mean(); math.Abs(got-2) > 1e-9 {
		t.Errorf("Mean after remove = %v, want 2", got)
	}
	wantVar := 2.0 / 3.0
	if got := w.Variance(); math.Abs(got-wantVar) > 1e-9 {
		t.Errorf("Variance after remove = %v, want %v", got, wantVar)
	}
}

func TestWindowStatSlides(t *testing.T) {
	t.Parallel()
	ws := NewWindowStat(3)

	for _, x := range []float64{10, 20, 30, 40} {
		ws.Push(x)
	}

	// window is now {20, 30, 40}
	if ws.Count() != 3 {
		t.Fatalf("Count = %d, want 3", ws.Count())
	}
	if got := ws.Mean(); math.Abs(got-30) > 1e-9 {
		t.Errorf("Mean = %v, want 30", got)
	}
}

func TestReg2SlopeAndCorrelation(t *testing.T) {
	t.Parallel()

	var r Reg2
	// y = 2x + 1, perfect fit
	for x := 0.0; x < 10; x++ {
		r.Add(x, 2*x+1)
	}

	if got := r.Slope(); math.Abs(got-2) > 1e-9 {
		t.Errorf("Slope = %v, want 2", got)
	}
	if got := r.Correlation(); math.Abs(got-1) > 1e-9 {
		t.Errorf("Correlation = %v, want 1", got)
	}
}

func TestReg2ZeroVariance(t *testing.T) {
	t.Parallel()

	var r Reg2
	for i := 0; i < 5; i++ {
		r.Add(1, float64(i))
	}

	if got := r.Slope(); got != 0 {
		t.Errorf("Slope with zero x-variance = %v, want 0", got)
	}
	if got := r.Correlation(); got != 0 {
		t.Errorf("Correlation with zero x-variance = %v, want 0", got)
	}
}

func TestReg2Remove(t *testing.T) {
	t.Parallel()

	var r Reg2
	r.Add(0, 0)
	r.Add(1, 2)
	r.Add(2, 4)
	r.Add(50, -3) // outlier
	r.Remove(50, -3)

	if got := r.Slope(); math.Abs(got-2) > 1e-9 {
		t.Errorf("Slope after remove = %v, want 2", got)
	}
}

func TestTTLCacheLRUEviction(t *testing.T) {
	t.Parallel()
	c := NewTTLCache[int, string](2)

	c.Put(1, "a", 100)
	c.Put(2, "b", 200)
	c.Get(1, 300) // touch 1 so 2 becomes LRU
	c.Put(3, "c", 400)

	if _, ok := c.Get(2, 500); ok {
		t.Error("entry 2 should have been evicted as LRU")
	}
	if v, ok := c.Get(1, 500); !ok || v != "a" {
		t.Errorf("entry 1 = %q,%v, want a,true", v, ok)
	}
}

func TestTTLCachePruneOlderThan(t *testing.T) {
	t.Parallel()
	c := NewTTLCache[int, int](10)

	c.Put(1, 1, 100)
	c.Put(2, 2, 200)
	c.Put(3, 3, 300)

	dropped := c.PruneOlderThan(250)
	if dropped != 2 {
		t.Errorf("dropped = %d, want 2", dropped)
	}
	if c.Len() != 1 {
		t.Errorf("Len = %d, want 1", c.Len())
	}
	if _, ok := c.Get(3, 400); !ok {
		t.Error("entry 3 should survive the prune")
	}
}

func BenchmarkRingPush(b *testing.B) {
	r := NewRing[float64](4096)
	for i := 0; i < b.N; i++ {
		r.Push(float64(i))
	}
}

func BenchmarkWindowStatPush(b *testing.B) {
	ws := NewWindowStat(1024)
	for i := 0; i < b.N; i++ {
		ws.Push(float64(i % 997))
	}
}

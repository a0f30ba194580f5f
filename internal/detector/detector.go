// Package detector implements the order-flow detectors: absorption,
// exhaustion, accumulation/distribution zones, and CVD confirmation.
//
// Every detector consumes EnrichedTrades in arrival order, keeps its own
// per-zone rolling aggregates (no mutable state is shared across
// detectors), and submits SignalCandidates to the coordinator. The shared
// behavior — per-(zone, side) cooldown, candidate construction, bounded
// confidence — lives in the base type each detector embeds. Idle-state
// cleanup is the Cleanup method of the Detector interface; each detector
// implements it over its own state.
package detector

import (
	"log/slog"
	"math"

	"github.com/google/uuid"

	"orderflow-engine/internal/metrics"
	"orderflow-engine/pkg/types"
)

// Detector is the common contract the engine drives.
type Detector interface {
	Kind() types.DetectorKind
	OnTrade(et types.EnrichedTrade)
	Cleanup(nowMs int64)
}

// Submitter receives candidates; in production it is the coordinator.
type Submitter interface {
	Submit(c types.SignalCandidate)
}

// zoneSide keys cooldowns and pending state.
type zoneSide struct {
	zone int64
	side types.Side
}

// base carries the behavior every detector shares. It is consumed by
// embedding, not exported; detectors remain a closed set.
type base struct {
	kind       types.DetectorKind
	cooldownMs int64
	lastEmit   map[zoneSide]int64
	sub        Submitter
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

func newBase(kind types.DetectorKind, cooldownMs int64, sub Submitter, m *metrics.Metrics, logger *slog.Logger) base {
	return base{
		kind:       kind,
		cooldownMs: cooldownMs,
		lastEmit:   make(map[zoneSide]int64),
		sub:        sub,
		metrics:    m,
		logger:     logger.With("component", string(kind)),
	}
}

func (b *base) Kind() types.DetectorKind { return b.kind }

// onCooldown reports whether (zone, side) emitted within the cooldown.
func (b *base) onCooldown(zone int64, side types.Side, nowMs int64) bool {
	last, ok := b.lastEmit[zoneSide{zone, side}]
	return ok && nowMs-last < b.cooldownMs
}

// submit finalizes and hands off a candidate. Confidence is clamped to
// [0, 1]; a candidate carrying any non-finite number is a detector bug and
// is dropped rather than forwarded.
func (b *base) submit(c types.SignalCandidate, nowMs int64) {
	c.ID = uuid.NewString()
	c.Detector = b.kind
	c.DetectedAt = nowMs
	c.Confidence = clamp01(c.Confidence)

	if !finite(c.Confidence) || !finite(c.AggressiveVolume) || !finite(c.PassiveVolume) {
		b.metrics.Errors.WithLabelValues(string(b.kind), metrics.ErrKindLogic).Inc()
		b.logger.Error("dropping candidate with non-finite fields", "zone", c.ZoneID)
		return
	}
	for _, v := range c.Metadata {
		if !finite(v) {
			b.metrics.Errors.WithLabelValues(string(b.kind), metrics.ErrKindLogic).Inc()
			return
		}
	}

	b.lastEmit[zoneSide{c.ZoneID, c.Side}] = nowMs
	b.metrics.SignalsSubmitted.WithLabelValues(string(b.kind)).Inc()
	b.sub.Submit(c)
}

// reject counts a near-miss by reason without emitting.
func (b *base) reject(reason string) {
	b.metrics.SignalsRejected.WithLabelValues(reason).Inc()
}

func clamp01(x float64) float64 {
	if math.IsNaN(x) {
		return 0
	}
	return math.Max(0, math.Min(1, x))
}

func finite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}

const epsilon = 1e-9

// zTrade is the compact per-trade record the zone-state rings store.
type zTrade struct {
	ts    int64
	price float64
	qty   float64
	sell  bool // buyerIsMaker
}

func toZTrade(et types.EnrichedTrade) zTrade {
	return zTrade{
		ts:    et.Timestamp,
		price: et.Price.InexactFloat64(),
		qty:   et.Quantity.InexactFloat64(),
		sell:  et.BuyerIsMaker,
	}
}

// windowAgg is what a scan over one zone's in-window trades produces.
type windowAgg struct {
	buyVol   float64
	sellVol  float64
	count    int
	minPrice float64
	maxPrice float64
	qtys     []float64
}

func (w windowAgg) total() float64 { return w.buyVol + w.sellVol }

// dominantSide returns the heavier aggressive side.
func (w windowAgg) dominantSide() types.Side {
	if w.sellVol > w.buyVol {
		return types.SELL
	}
	return types.BUY
}

// scanWindow aggregates the ring's trades with ts ≥ cutoff. The ring is
// time-ordered, so the reverse scan stops at the first stale entry. qtys is
// reused scratch to keep the hot path allocation-free.
func scanWindow(ring interface {
	DoReverse(func(zTrade) bool)
}, cutoff int64, scratch []float64) windowAgg {
	agg := windowAgg{minPrice: math.MaxFloat64, maxPrice: -math.MaxFloat64, qtys: scratch[:0]}
	ring.DoReverse(func(t zTrade) bool {
		if t.ts < cutoff {
			return false
		}
		if t.sell {
			agg.sellVol += t.qty
		} else {
			agg.buyVol += t.qty
		}
		agg.count++
		agg.minPrice = math.Min(agg.minPrice, t.price)
		agg.maxPrice = math.Max(agg.maxPrice, t.price)
		agg.qtys = append(agg.qtys, t.qty)
		return true
	})
	return agg
}

// median returns the median of xs, mutating the slice order.
func median(xs []float64) float64 {
	n := len(xs)
	if n == 0 {
		return 0
	}
	// insertion sort: windows are small and the slice is nearly sorted
	for i := 1; i < n; i++ {
		for j := i; j > 0 && xs[j] < xs[j-1]; j-- {
			xs[j], xs[j-1] = xs[j-1], xs[j]
		}
	}
	if n%2 == 1 {
		return xs[n/2]
	}
	return (xs[n/2-1] + xs[n/2]) / 2
}

package detector

import (
	"log/slog"
	"math"

	"orderflow-engine/internal/config"
	"orderflow-engine/internal/metrics"
	"orderflow-engine/internal/rolling"
	"orderflow-engine/pkg/types"
)

// ZoneTracker implements the accumulation and distribution detectors. Both
// track evolving zone candidates rather than point events; the only
// difference is which aggressive side must dominate and which side the
// signal takes, so one tracker serves both kinds.
//
// Accumulation: sell flow dominates while price holds — passive buyers are
// soaking up the selling. Signal side BUY. Distribution is the inversion.
type ZoneTracker struct {
	base
	cfg       config.ZoneDetectorConfig
	spec      types.TickSpec
	zoneTicks int64
	windowMs  int64

	// signalSide is BUY for accumulation, SELL for distribution.
	signalSide types.Side

	candidates map[int64]*zoneCandidate
}

// zoneCandidate is one evolving zone under observation.
type zoneCandidate struct {
	zoneID    int64
	startedAt int64

	trades       *rolling.Ring[zTrade]
	buyVol       float64
	sellVol      float64
	tradeCount   int
	priceStats   rolling.Welford
	lastActivity int64
	offZoneRun   int // consecutive trades printing outside the zone
}

// NewAccumulation creates the accumulation-zone detector (signal side BUY).
func NewAccumulation(cfg config.ZoneDetectorConfig, spec types.TickSpec, zoneTicks, windowMs, cooldownMs int64, sub Submitter, m *metrics.Metrics, logger *slog.Logger) *ZoneTracker {
	return newZoneTracker(types.DetectorAccumulation, types.BUY, cfg, spec, zoneTicks, windowMs, cooldownMs, sub, m, logger)
}

// NewDistribution creates the distribution-zone detector (signal side SELL).
func NewDistribution(cfg config.ZoneDetectorConfig, spec types.TickSpec, zoneTicks, windowMs, cooldownMs int64, sub Submitter, m *metrics.Metrics, logger *slog.Logger) *ZoneTracker {
	return newZoneTracker(types.DetectorDistribution, types.SELL, cfg, spec, zoneTicks, windowMs, cooldownMs, sub, m, logger)
}

func newZoneTracker(kind types.DetectorKind, side types.Side, cfg config.ZoneDetectorConfig, spec types.TickSpec, zoneTicks, windowMs, cooldownMs int64, sub Submitter, m *metrics.Metrics, logger *slog.Logger) *ZoneTracker {
	return &ZoneTracker{
		base:       newBase(kind, cooldownMs, sub, m, logger),
		cfg:        cfg,
		spec:       spec,
		zoneTicks:  zoneTicks,
		windowMs:   windowMs,
		signalSide: side,
		candidates: make(map[int64]*zoneCandidate),
	}
}

// OnTrade feeds the event's zone candidate and ages every other candidate.
func (zt *ZoneTracker) OnTrade(et types.EnrichedTrade) {
	now := et.Timestamp
	zoneID := types.ZoneKey(zt.spec.Ticks(et.Price), zt.zoneTicks)

	cand, ok := zt.candidates[zoneID]
	if !ok {
		if len(zt.candidates) >= zt.cfg.MaxCandidates {
			zt.evictWeakest()
		}
		cand = &zoneCandidate{
			zoneID:    zoneID,
			startedAt: now,
			trades:    rolling.NewRing[zTrade](512),
		}
		zt.candidates[zoneID] = cand
	}

	zt.update(cand, et, now)

	// Trades printing elsewhere invalidate zones price has abandoned.
	for id, other := range zt.candidates {
		if id == zoneID {
			other.offZoneRun = 0
			continue
		}
		other.offZoneRun++
		if zt.invalidated(other, now) {
			delete(zt.candidates, id)
		}
	}

	zt.tryEmit(cand, et, now)
}

func (zt *ZoneTracker) update(cand *zoneCandidate, et types.EnrichedTrade, now int64) {
	t := toZTrade(et)
	cand.trades.Push(t)
	if t.sell {
		cand.sellVol += t.qty
	} else {
		cand.buyVol += t.qty
	}
	cand.tradeCount++
	cand.priceStats.Add(t.price)
	cand.lastActivity = now
}

// stability maps price dispersion inside the zone to [0, 1]: 1 when every
// print shares a price, 0 when the spread of prints fills the zone.
func (zt *ZoneTracker) stability(cand *zoneCandidate) float64 {
	halfWidth := float64(zt.zoneTicks) * zt.spec.TickSize.InexactFloat64() / 2
	if halfWidth <= 0 {
		return 0
	}
	return clamp01(1 - cand.priceStats.StdDev()/halfWidth)
}

func (zt *ZoneTracker) invalidated(cand *zoneCandidate, now int64) bool {
	if cand.offZoneRun >= 20 {
		return true
	}
	if cand.tradeCount >= zt.cfg.MinTradeCount && zt.stability(cand) < zt.cfg.WeakZoneThreshold {
		return true
	}
	return now-cand.lastActivity > 2*zt.windowMs
}

func (zt *ZoneTracker) tryEmit(cand *zoneCandidate, et types.EnrichedTrade, now int64) {
	duration := now - cand.startedAt
	if duration < zt.cfg.MinDurationMs {
		return
	}
	total := cand.buyVol + cand.sellVol
	if total < zt.cfg.MinZoneVolume {
		return
	}
	if cand.tradeCount < zt.cfg.MinTradeCount {
		return
	}
	if now-cand.lastActivity > zt.cfg.MinRecentActivityMs {
		return
	}

	// Accumulation wants sell dominance (institutions buying the dip);
	// distribution wants buy dominance.
	var dominance float64
	if zt.signalSide == types.BUY {
		dominance = cand.sellVol / math.Max(total, epsilon)
	} else {
		dominance = cand.buyVol / math.Max(total, epsilon)
	}
	if dominance < zt.cfg.DominanceRatio {
		return
	}

	stab := zt.stability(cand)
	if stab < zt.cfg.PriceStabilityThreshold {
		return
	}

	if zt.onCooldown(cand.zoneID, zt.signalSide, now) {
		zt.reject(metrics.ReasonCooldown)
		return
	}

	score := zt.confidence(dominance, stab, total, duration)
	if score < zt.cfg.FinalConfidenceThreshold {
		zt.reject(metrics.ReasonBelowConfidence)
		return
	}

	zt.submit(types.SignalCandidate{
		Side:             zt.signalSide,
		Price:            et.Price,
		ZoneID:           cand.zoneID,
		AggressiveVolume: total,
		PassiveVolume:    et.ZonePassiveBidVolume.Add(et.ZonePassiveAskVolume).InexactFloat64(),
		Confidence:       score,
		Metadata: map[string]float64{
			"dominance":   dominance,
			"stability":   stab,
			"duration_ms": float64(duration),
			"trade_count": float64(cand.tradeCount),
		},
	}, now)

	// The zone keeps evolving but restarts its accounting so one long
	// campaign doesn't re-fire on every subsequent print.
	cand.startedAt = now
	cand.buyVol, cand.sellVol = 0, 0
	cand.tradeCount = 0
	cand.priceStats.Reset()
	cand.trades.Clear()
}

// confidence composes dominance margin, stability, volume depth, and
// duration into [0, 1].
func (zt *ZoneTracker) confidence(dominance, stability, total float64, durationMs int64) float64 {
	domMargin := (dominance - zt.cfg.DominanceRatio) / math.Max(1-zt.cfg.DominanceRatio, epsilon)
	volDepth := math.Min(total/(2*math.Max(zt.cfg.MinZoneVolume, epsilon)), 1)
	durDepth := math.Min(float64(durationMs)/float64(2*zt.cfg.MinDurationMs), 1)

	score := 0.35*clamp01(domMargin) + 0.3*stability + 0.2*volDepth + 0.15*durDepth
	if stability >= zt.cfg.StrongZoneThreshold {
		score += 0.1
	}
	return clamp01(score)
}

// evictWeakest drops the candidate with the lowest stability so a new zone
// can be tracked. Ties go to the least recently active.
func (zt *ZoneTracker) evictWeakest() {
	var worstID int64
	worstScore := math.MaxFloat64
	var worstActivity int64 = math.MaxInt64
	for id, cand := range zt.candidates {
		s := zt.stability(cand)
		if s < worstScore || (s == worstScore && cand.lastActivity < worstActivity) {
			worstID, worstScore, worstActivity = id, s, cand.lastActivity
		}
	}
	delete(zt.candidates, worstID)
}

// Cleanup drops idle candidates.
func (zt *ZoneTracker) Cleanup(nowMs int64) {
	for id, cand := range zt.candidates {
		if nowMs-cand.lastActivity > 2*zt.windowMs {
			delete(zt.candidates, id)
		}
	}
}

// ActiveCandidates reports how many zones are being tracked.
func (zt *ZoneTracker) ActiveCandidates() int { return len(zt.candidates) }

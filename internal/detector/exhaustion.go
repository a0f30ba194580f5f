package detector

import (
	"log/slog"
	"math"

	"orderflow-engine/internal/config"
	"orderflow-engine/internal/metrics"
	"orderflow-engine/internal/rolling"
	"orderflow-engine/pkg/types"
)

// Exhaustion detects aggressive flow depleting the passive liquidity it
// trades against. Like absorption it is reversal-biased: the exhausted side
// is the spent side, so the signal takes the opposite of the aggressor.
type Exhaustion struct {
	base
	cfg       config.ExhaustionConfig
	spec      types.TickSpec
	zoneTicks int64
	windowMs  int64

	zones   map[int64]*exhZone
	scratch []float64
}

type exhZone struct {
	trades  *rolling.Ring[zTrade]
	passive *rolling.WindowStat
	deltas  *rolling.WindowStat // passive-to-passive changes, for velocity

	prevPassive  float64
	lastActivity int64
}

// NewExhaustion creates the exhaustion detector.
func NewExhaustion(cfg config.ExhaustionConfig, spec types.TickSpec, zoneTicks, windowMs, cooldownMs int64, sub Submitter, m *metrics.Metrics, logger *slog.Logger) *Exhaustion {
	return &Exhaustion{
		base:      newBase(types.DetectorExhaustion, cooldownMs, sub, m, logger),
		cfg:       cfg,
		spec:      spec,
		zoneTicks: zoneTicks,
		windowMs:  windowMs,
		zones:     make(map[int64]*exhZone),
		scratch:   make([]float64, 0, 256),
	}
}

// OnTrade updates the event's zone and fires when passive liquidity there
// has been run down by aggressive flow.
func (e *Exhaustion) OnTrade(et types.EnrichedTrade) {
	now := et.Timestamp
	zoneID := types.ZoneKey(e.spec.Ticks(et.Price), e.zoneTicks)

	z, ok := e.zones[zoneID]
	if !ok {
		z = &exhZone{
			trades:  rolling.NewRing[zTrade](512),
			passive: rolling.NewWindowStat(64),
			deltas:  rolling.NewWindowStat(64),
		}
		e.zones[zoneID] = z
	}
	z.trades.Push(toZTrade(et))
	z.lastActivity = now

	passive := et.ZonePassiveBidVolume.Add(et.ZonePassiveAskVolume).InexactFloat64()
	if z.passive.Count() > 0 {
		z.deltas.Push(passive - z.prevPassive)
	}
	z.passive.Push(passive)
	z.prevPassive = passive

	agg := scanWindow(z.trades, now-e.windowMs, e.scratch)
	e.scratch = agg.qtys[:0]

	if agg.total() < e.cfg.MinAggVolume {
		e.reject(metrics.ReasonInsufficientVolume)
		return
	}
	if z.passive.Count() < 3 {
		return // no baseline to measure depletion against yet
	}

	avg := z.passive.Mean()
	depleted := avg - passive
	depletionRatio := depleted / math.Max(avg, epsilon)
	if depletionRatio <= 0 || depletionRatio < e.cfg.DepletionRatioThreshold {
		return
	}
	if depleted < e.cfg.DepletionVolumeThreshold {
		return
	}
	passiveRatio := passive / math.Max(avg, epsilon)
	if e.cfg.PassiveVolumeExhaustionRatio > 0 && passiveRatio > e.cfg.PassiveVolumeExhaustionRatio {
		return // still too much resting size for an exhaustion call
	}

	side := agg.dominantSide().Opposite()
	if e.onCooldown(zoneID, side, now) {
		e.reject(metrics.ReasonCooldown)
		return
	}

	if e.cfg.RefillGap && z.deltas.Count() > 0 && z.deltas.Mean() > 0 {
		return // liquidity is being replaced faster than it is consumed
	}

	score := e.confidence(depletionRatio, passiveRatio, et, z)
	if score < e.cfg.FinalConfidenceThreshold {
		e.reject(metrics.ReasonBelowConfidence)
		return
	}

	e.submit(types.SignalCandidate{
		Side:             side,
		Price:            et.Price,
		ZoneID:           zoneID,
		AggressiveVolume: agg.total(),
		PassiveVolume:    passive,
		Confidence:       score,
		Metadata: map[string]float64{
			"depletion_ratio": depletionRatio,
			"passive_ratio":   passiveRatio,
			"avg_passive":     avg,
		},
	}, now)
}

// confidence composes the bounded weighted score.
func (e *Exhaustion) confidence(depletionRatio, passiveRatio float64, et types.EnrichedTrade, z *exhZone) float64 {
	// depletion beyond the threshold scales toward 1
	depth := (depletionRatio - e.cfg.DepletionRatioThreshold) / math.Max(1-e.cfg.DepletionRatioThreshold, epsilon)
	score := 0.6*clamp01(depth) + 0.25*(1-clamp01(passiveRatio))

	if e.cfg.DepletionVelocity && z.deltas.Count() >= 2 {
		std := z.deltas.StdDev()
		if std > 0 {
			// strongly negative mean delta relative to its noise
			v := -z.deltas.Mean() / std
			score += 0.1 * clamp01(v/2)
		}
	}
	if e.cfg.SpreadAdjustment && et.HasBook {
		spreadTicks := et.BestAsk.Sub(et.BestBid).Div(e.spec.TickSize).InexactFloat64()
		if spreadTicks > 3 {
			score += 0.05 // a widening spread corroborates the side giving way
		}
	}
	return clamp01(score)
}

// Cleanup drops zones idle for more than twice the window.
func (e *Exhaustion) Cleanup(nowMs int64) {
	for id, z := range e.zones {
		if nowMs-z.lastActivity > 2*e.windowMs {
			delete(e.zones, id)
		}
	}
}

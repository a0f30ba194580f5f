package detector

import (
	"log/slog"
	"math"

	"orderflow-engine/internal/config"
	"orderflow-engine/internal/metrics"
	"orderflow-engine/internal/rolling"
	"orderflow-engine/pkg/types"
)

// Absorption detects price levels where aggressive flow meets passive
// liquidity without moving price efficiently: the absorbing side owns the
// level and the signal is reversal-biased — aggressive buys absorbed by
// asks emit SELL, aggressive sells absorbed by bids emit BUY.
type Absorption struct {
	base
	cfg       config.AbsorptionConfig
	spec      types.TickSpec
	zoneTicks int64
	windowMs  int64

	zones   map[int64]*absZone
	scratch []float64
}

type absZone struct {
	trades  *rolling.Ring[zTrade]
	passive *rolling.WindowStat // recent passive totals at the zone
	events  *rolling.Ring[int64]

	minPassive   float64 // lowest passive seen since the zone went active
	peakPassive  float64
	lastActivity int64
}

// NewAbsorption creates the absorption detector.
func NewAbsorption(cfg config.AbsorptionConfig, spec types.TickSpec, zoneTicks, windowMs, cooldownMs int64, sub Submitter, m *metrics.Metrics, logger *slog.Logger) *Absorption {
	return &Absorption{
		base:      newBase(types.DetectorAbsorption, cooldownMs, sub, m, logger),
		cfg:       cfg,
		spec:      spec,
		zoneTicks: zoneTicks,
		windowMs:  windowMs,
		zones:     make(map[int64]*absZone),
		scratch:   make([]float64, 0, 256),
	}
}

// OnTrade updates the event's zone and fires when the zone is absorbing.
func (a *Absorption) OnTrade(et types.EnrichedTrade) {
	now := et.Timestamp
	zoneID := types.ZoneKey(a.spec.Ticks(et.Price), a.zoneTicks)

	z, ok := a.zones[zoneID]
	if !ok {
		z = &absZone{
			trades:  rolling.NewRing[zTrade](512),
			passive: rolling.NewWindowStat(64),
			events:  rolling.NewRing[int64](128),
		}
		a.zones[zoneID] = z
	}
	z.trades.Push(toZTrade(et))
	z.events.Push(now)
	z.lastActivity = now

	passive := et.ZonePassiveBidVolume.Add(et.ZonePassiveAskVolume).InexactFloat64()
	z.passive.Push(passive)
	if z.peakPassive == 0 || passive > z.peakPassive {
		z.peakPassive = passive
	}
	if z.minPassive == 0 || passive < z.minPassive {
		z.minPassive = passive
	}

	agg := scanWindow(z.trades, now-a.windowMs, a.scratch)
	a.scratch = agg.qtys[:0]

	if agg.total() < a.cfg.MinAggVolume {
		a.reject(metrics.ReasonInsufficientVolume)
		return
	}
	if a.onCooldown(zoneID, agg.dominantSide().Opposite(), now) {
		a.reject(metrics.ReasonCooldown)
		return
	}

	passiveAvg := z.passive.Mean()
	ratio := agg.total() / math.Max(passiveAvg, epsilon)
	if ratio >= a.cfg.MaxAbsorptionRatio {
		// too much volume against too little passive: exhaustion territory
		return
	}

	med := median(agg.qtys)
	if med <= 0 {
		return
	}
	if passiveAvg < a.cfg.MinPassiveMultiplier*med {
		return // the level never held meaningful size
	}

	movement := agg.maxPrice - agg.minPrice
	expected := (agg.total() / med) * a.spec.TickSize.InexactFloat64() * a.cfg.MovementScaler
	if expected <= 0 {
		return
	}
	efficiency := movement / expected
	if efficiency >= a.cfg.PriceEfficiencyThreshold {
		return // price moved as much as the volume warranted
	}

	refilled := false
	if a.cfg.DetectRefill {
		refilled = z.peakPassive > 0 &&
			z.minPassive < 0.5*z.peakPassive &&
			passive > 0.8*z.peakPassive
	}

	score := a.confidence(ratio, efficiency, refilled, et, agg, z)
	if score < a.cfg.FinalConfidenceThreshold {
		a.reject(metrics.ReasonBelowConfidence)
		return
	}

	side := agg.dominantSide().Opposite() // the absorbing side is the signal
	a.submit(types.SignalCandidate{
		Side:             side,
		Price:            et.Price,
		ZoneID:           zoneID,
		AggressiveVolume: agg.total(),
		PassiveVolume:    passiveAvg,
		Refilled:         refilled,
		Confidence:       score,
		Metadata: map[string]float64{
			"absorption_ratio": ratio,
			"price_efficiency": efficiency,
			"trade_count":      float64(agg.count),
		},
	}, now)
}

// confidence is a pure composition of the feature vector into [0, 1].
func (a *Absorption) confidence(ratio, efficiency float64, refilled bool, et types.EnrichedTrade, agg windowAgg, z *absZone) float64 {
	// inefficiency: 1 at zero movement, 0 at the threshold
	ineff := 1 - efficiency/a.cfg.PriceEfficiencyThreshold
	// ratio quality: deep passive relative to flow scores high
	ratioQ := 1 - ratio/a.cfg.MaxAbsorptionRatio

	score := 0.5*ineff + 0.3*ratioQ

	if a.cfg.DetectRefill && refilled {
		score += 0.1
	}
	if a.cfg.AbsorptionVelocity {
		// events per second over the window, saturating at 2/s
		perSec := float64(z.events.Len()) / (float64(a.windowMs) / 1000)
		score += 0.1 * math.Min(perSec/2, 1)
	}
	if a.cfg.LiquidityGradient && et.HasBook {
		// a tight band holding most of the zone's passive means a wall
		band := et.PassiveBidVolume.Add(et.PassiveAskVolume).InexactFloat64()
		zone := et.ZonePassiveBidVolume.Add(et.ZonePassiveAskVolume).InexactFloat64()
		if zone > 0 {
			score += 0.1 * math.Min(band/zone, 1)
		}
	}
	if a.cfg.SpreadImpactFilter && et.HasBook {
		spreadTicks := et.BestAsk.Sub(et.BestBid).Div(a.spec.TickSize).InexactFloat64()
		if spreadTicks > 3 {
			score -= 0.15 // absorption prints through a blown-out spread are suspect
		}
	}
	return clamp01(score)
}

// Cleanup drops zones idle for more than twice the window.
func (a *Absorption) Cleanup(nowMs int64) {
	for id, z := range a.zones {
		if nowMs-z.lastActivity > 2*a.windowMs {
			delete(a.zones, id)
		}
	}
}

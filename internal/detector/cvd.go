package detector

import (
	"log/slog"
	"math"

	"orderflow-engine/internal/config"
	"orderflow-engine/internal/metrics"
	"orderflow-engine/internal/rolling"
	"orderflow-engine/pkg/types"
)

// CVD maintains a rolling cumulative volume delta in one or more windows
// and emits confirmation signals in one of three modes:
//
//   - momentum: the CVD slope z-score is extreme and price is moving with
//     it (strong positive price-CVD correlation); the signal takes the CVD
//     direction.
//   - divergence: a smaller z-score suffices, but price must be moving
//     against CVD (price up + CVD down → SELL, price down + CVD up → BUY).
//   - hybrid: divergence is checked first, momentum is the fallback.
//
// Windows with too few trades or too little volume are rejected outright,
// with the rejection reason recorded.
type CVD struct {
	base
	cfg       config.CVDConfig
	spec      types.TickSpec
	zoneTicks int64

	windows []*cvdWindow
	cvd     float64 // running Σ qty·sign over the process lifetime
}

type cvdPoint struct {
	ts    int64
	sec   float64
	cvd   float64
	price float64
	qty   float64
	sell  bool
}

type cvdWindow struct {
	windowMs int64
	points   *rolling.Ring[cvdPoint]
	baseTs   int64 // time origin, keeps regression x-values small

	regTimeCvd   rolling.Reg2 // x = seconds, y = CVD
	regTimePrice rolling.Reg2 // x = seconds, y = price
	regPriceCvd  rolling.Reg2 // x = price,   y = CVD
	volSum       float64
	buyVol       float64
	sellVol      float64
	maxQty       float64
	qtyStats     *rolling.WindowStat

	slopes *rolling.WindowStat // history of CVD slopes, for the z-score
}

// NewCVD creates the CVD confirmation detector.
func NewCVD(cfg config.CVDConfig, spec types.TickSpec, zoneTicks, cooldownMs int64, sub Submitter, m *metrics.Metrics, logger *slog.Logger) *CVD {
	c := &CVD{
		base:      newBase(types.DetectorCVD, cooldownMs, sub, m, logger),
		cfg:       cfg,
		spec:      spec,
		zoneTicks: zoneTicks,
	}
	for _, sec := range cfg.WindowsSec {
		c.windows = append(c.windows, &cvdWindow{
			windowMs: int64(sec) * 1000,
			points:   rolling.NewRing[cvdPoint](4096),
			qtyStats: rolling.NewWindowStat(256),
			slopes:   rolling.NewWindowStat(128),
		})
	}
	return c
}

// OnTrade advances every window and emits from the first one that fires.
func (c *CVD) OnTrade(et types.EnrichedTrade) {
	qty := et.Quantity.InexactFloat64()
	price := et.Price.InexactFloat64()
	if et.BuyerIsMaker {
		c.cvd -= qty
	} else {
		c.cvd += qty
	}

	for _, w := range c.windows {
		c.advance(w, et, price, qty)
	}

	zoneID := types.ZoneKey(c.spec.Ticks(et.Price), c.zoneTicks)
	for _, w := range c.windows {
		if c.evaluate(w, et, zoneID) {
			return // one candidate per trade is enough
		}
	}
}

func (c *CVD) advance(w *cvdWindow, et types.EnrichedTrade, price, qty float64) {
	now := et.Timestamp
	if w.points.Len() == 0 {
		w.baseTs = now
	}

	// Capacity or age: evict from the front before inserting.
	for w.points.Len() > 0 {
		old := w.points.At(0)
		if old.ts >= now-w.windowMs && w.points.Len() < w.points.Cap() {
			break
		}
		w.points.PopFront()
		w.regTimeCvd.Remove(old.sec, old.cvd)
		w.regTimePrice.Remove(old.sec, old.price)
		w.regPriceCvd.Remove(old.price, old.cvd)
		w.volSum -= old.qty
		if old.sell {
			w.sellVol -= old.qty
		} else {
			w.buyVol -= old.qty
		}
	}

	p := cvdPoint{
		ts:    now,
		sec:   float64(now-w.baseTs) / 1000,
		cvd:   c.cvd,
		price: price,
		qty:   qty,
		sell:  et.BuyerIsMaker,
	}
	w.points.Push(p)
	w.regTimeCvd.Add(p.sec, p.cvd)
	w.regTimePrice.Add(p.sec, p.price)
	w.regPriceCvd.Add(p.price, p.cvd)
	w.volSum += qty
	if p.sell {
		w.sellVol += qty
	} else {
		w.buyVol += qty
	}
	if qty > w.maxQty {
		w.maxQty = qty
	}
	w.qtyStats.Push(qty)
}

// evaluate runs the detection rules on one window. Returns true when a
// candidate was submitted.
func (c *CVD) evaluate(w *cvdWindow, et types.EnrichedTrade, zoneID int64) bool {
	now := et.Timestamp
	windowSec := float64(w.windowMs) / 1000

	if float64(w.points.Len())/windowSec < c.cfg.MinTradesPerSec ||
		w.volSum/windowSec < c.cfg.MinVolPerSec {
		c.reject(metrics.ReasonLowActivity)
		return false
	}

	slope := w.regTimeCvd.Slope()

	// The z-score needs a slope history; record after reading so the
	// current slope never normalizes against itself.
	slopeMean, slopeStd, n := w.slopes.Mean(), w.slopes.StdDev(), w.slopes.Count()
	w.slopes.Push(slope)
	if n < 10 || slopeStd <= 0 {
		return false // no variance baseline yet — zero-variance inputs never signal
	}
	z := (slope - slopeMean) / slopeStd
	if !finite(z) {
		return false
	}

	corr := w.regPriceCvd.Correlation()
	priceSlope := w.regTimePrice.Slope()

	var side types.Side
	var mode string
	switch c.cfg.DetectionMode {
	case "momentum":
		side, mode = c.momentum(z, corr, slope)
	case "divergence":
		side, mode = c.divergence(z, corr, slope, priceSlope)
	default: // hybrid
		side, mode = c.divergence(z, corr, slope, priceSlope)
		if mode == "" {
			side, mode = c.momentum(z, corr, slope)
		}
	}
	if mode == "" {
		return false
	}

	if c.onCooldown(zoneID, side, now) {
		c.reject(metrics.ReasonCooldown)
		return false
	}

	score := c.confidence(z, corr, side, w)
	if score < c.cfg.FinalConfidenceRequired {
		c.reject(metrics.ReasonBelowConfidence)
		return false
	}

	modeFlag := 0.0
	if mode == "divergence" {
		modeFlag = 1
	}
	c.submit(types.SignalCandidate{
		Side:             side,
		Price:            et.Price,
		ZoneID:           zoneID,
		AggressiveVolume: w.volSum,
		PassiveVolume:    et.ZonePassiveBidVolume.Add(et.ZonePassiveAskVolume).InexactFloat64(),
		Confidence:       score,
		Metadata: map[string]float64{
			"z_score":       z,
			"correlation":   corr,
			"cvd_slope":     slope,
			"price_slope":   priceSlope,
			"window_sec":    windowSec,
			"divergence":    modeFlag,
		},
	}, now)
	return true
}

// momentum fires when CVD is extreme and price confirms it.
func (c *CVD) momentum(z, corr, slope float64) (types.Side, string) {
	if math.Abs(z) < c.cfg.MinZ {
		return "", ""
	}
	if corr < c.cfg.StrongCorrelationThreshold {
		c.reject(metrics.ReasonWeakCorrelation)
		return "", ""
	}
	if slope > 0 {
		return types.BUY, "momentum"
	}
	return types.SELL, "momentum"
}

// divergence fires when price fights the CVD; the signal fades the price.
func (c *CVD) divergence(z, corr, slope, priceSlope float64) (types.Side, string) {
	if math.Abs(z) < c.cfg.MinZ*0.5 {
		return "", ""
	}
	if corr > c.cfg.DivergenceThreshold {
		return "", ""
	}
	if priceSlope > 0 && slope < 0 {
		return types.SELL, "divergence"
	}
	if priceSlope < 0 && slope > 0 {
		return types.BUY, "divergence"
	}
	c.reject(metrics.ReasonNoDivergence)
	return "", ""
}

// confidence composes z-depth, correlation strength, and the volume-quality
// boosters into [0, 1].
func (c *CVD) confidence(z, corr float64, side types.Side, w *cvdWindow) float64 {
	zDepth := math.Min(math.Abs(z)/(2*c.cfg.MinZ), 1)
	score := 0.55*zDepth + 0.25*math.Abs(corr)

	total := w.buyVol + w.sellVol
	if total > 0 {
		imbalance := w.buyVol / total
		if side == types.SELL {
			imbalance = w.sellVol / total
		}
		if imbalance >= c.cfg.ImbalanceThreshold {
			score += 0.08
		}
	}
	if c.cfg.VolumeSurgeMultiplier > 0 && w.qtyStats.Count() > 1 {
		if last, ok := w.points.Last(); ok && last.qty >= c.cfg.VolumeSurgeMultiplier*w.qtyStats.Mean() {
			score += 0.06
		}
	}
	if c.cfg.InstitutionalThreshold > 0 && w.maxQty >= c.cfg.InstitutionalThreshold {
		score += 0.06
	}
	return clamp01(score)
}

// Cleanup resets windows whose entire content has aged out, so a long feed
// gap cannot leave stale regression state behind.
func (c *CVD) Cleanup(nowMs int64) {
	for _, w := range c.windows {
		if last, ok := w.points.Last(); ok && nowMs-last.ts > 2*w.windowMs {
			w.points.Clear()
			w.regTimeCvd.Reset()
			w.regTimePrice.Reset()
			w.regPriceCvd.Reset()
			w.volSum, w.buyVol, w.sellVol, w.maxQty = 0, 0, 0, 0
			w.qtyStats.Reset()
			w.slopes.Reset()
		}
	}
}

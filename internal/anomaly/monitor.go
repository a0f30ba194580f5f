// Package anomaly watches the tape and the book for market conditions under
// which signals should not be trusted: flash moves, evaporating liquidity,
// feed gaps, volatility bursts, and a blown-out spread.
//
// The monitor runs alongside the detectors on the same event stream. Each
// anomaly kind has its own emission cooldown; a critical finding bypasses
// the cooldown when the previous emission of that kind was weaker. The
// coordinator consults the monitor before emitting: an active critical
// anomaly vetoes the signal, an active lesser one only annotates it.
package anomaly

import (
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/shopspring/decimal"

	"orderflow-engine/internal/config"
	"orderflow-engine/internal/metrics"
	"orderflow-engine/internal/rolling"
	"orderflow-engine/pkg/types"
)

const (
	flashZ         = 3.0
	flashZCritical = 5.0

	voidSpreadMult         = 10.0
	voidSpreadMultCritical = 50.0

	gapMediumMs = 5_000
	gapHighMs   = 30_000

	volatilityBurst = 3.0
	imbalancePct    = 0.01

	recentReturns = 20
)

// pricePoint is one observation in the bounded history.
type pricePoint struct {
	ts     int64
	price  float64
	spread float64
}

// Emitter receives flagged anomalies. The engine fans them out.
type Emitter func(types.Anomaly)

// Monitor flags market anomalies and answers the coordinator's veto query.
type Monitor struct {
	mu sync.Mutex

	cfg    config.AnomalyConfig
	emitFn Emitter

	history    *rolling.Ring[pricePoint]
	priceStats *rolling.WindowStat
	recentRet  *rolling.WindowStat // short-horizon returns
	longRet    rolling.Welford     // long-run returns baseline
	lastPrice  float64
	lastSpread float64
	lastEvent  int64 // ms of the previous event, for gap detection

	// lastEmit tracks the previous emission per kind for cooldown and the
	// critical-escalation bypass.
	lastEmit map[types.AnomalyKind]emission

	// active holds the most recent emission per kind for veto queries.
	active map[types.AnomalyKind]types.Anomaly

	metrics *metrics.Metrics
	logger  *slog.Logger
}

type emission struct {
	at       int64
	severity types.AnomalySeverity
}

// New creates a monitor. emit may be nil when nothing consumes anomalies.
func New(cfg config.AnomalyConfig, emit Emitter, m *metrics.Metrics, logger *slog.Logger) *Monitor {
	return &Monitor{
		cfg:        cfg,
		emitFn:     emit,
		history:    rolling.NewRing[pricePoint](cfg.WindowSize),
		priceStats: rolling.NewWindowStat(cfg.WindowSize),
		recentRet:  rolling.NewWindowStat(recentReturns),
		lastEmit:   make(map[types.AnomalyKind]emission),
		active:     make(map[types.AnomalyKind]types.Anomaly),
		metrics:    m,
		logger:     logger.With("component", "anomaly"),
	}
}

// OnTrade folds one print into the monitor and runs the trade-side checks.
func (mo *Monitor) OnTrade(trade types.AggressiveTrade) {
	mo.mu.Lock()
	defer mo.mu.Unlock()

	now := trade.Timestamp
	price := trade.Price.InexactFloat64()

	mo.checkGapLocked(now)

	// Flash move: z-score of the print against the rolling price mean.
	if mo.priceStats.Count() >= 10 {
		std := mo.priceStats.StdDev()
		if std > 0 {
			z := math.Abs(price-mo.priceStats.Mean()) / std
			if z > flashZ {
				sev := types.SeverityHigh
				if z > flashZCritical {
					sev = types.SeverityCritical
				}
				mo.flagLocked(types.AnomalyFlashMove, sev, now, trade.Price, trade.Price,
					"halt signal emission until price stabilizes",
					map[string]float64{"z_score": z})
			}
		}
	}

	// Volatility burst: short-horizon return dispersion vs long baseline.
	if mo.lastPrice > 0 {
		ret := (price - mo.lastPrice) / mo.lastPrice
		mo.recentRet.Push(ret)
		mo.longRet.Add(ret)
		if mo.recentRet.Count() >= recentReturns/2 && mo.longRet.Count() > 100 {
			longStd := mo.longRet.StdDev()
			if longStd > 0 && mo.recentRet.StdDev() > volatilityBurst*longStd {
				mo.flagLocked(types.AnomalyExtremeVolatility, types.SeverityHigh, now,
					trade.Price, trade.Price,
					"widen confirmation requirements",
					map[string]float64{"burst_ratio": mo.recentRet.StdDev() / longStd})
			}
		}
	}

	mo.lastPrice = price
	mo.priceStats.Push(price)
	mo.history.Push(pricePoint{ts: now, price: price, spread: mo.lastSpread})
	mo.lastEvent = now
}

// OnQuote folds the post-diff top of book into the monitor and runs the
// spread-side checks. Called by the engine after every applied depth diff.
func (mo *Monitor) OnQuote(spread, mid decimal.Decimal, nowMs int64) {
	mo.mu.Lock()
	defer mo.mu.Unlock()

	mo.checkGapLocked(nowMs)
	mo.lastEvent = nowMs

	s := spread.InexactFloat64()
	m := mid.InexactFloat64()

	if s > mo.cfg.NormalSpread*voidSpreadMult {
		sev := types.SeverityHigh
		if s > mo.cfg.NormalSpread*voidSpreadMultCritical {
			sev = types.SeverityCritical
		}
		mo.flagLocked(types.AnomalyLiquidityVoid, sev, nowMs, mid, mid,
			"suspend quoting-sensitive detectors",
			map[string]float64{"spread": s, "normal_spread": mo.cfg.NormalSpread})
	}

	if m > 0 && s/m > imbalancePct {
		mo.flagLocked(types.AnomalyBookImbalance, types.SeverityMedium, nowMs, mid, mid,
			"treat passive volumes as unreliable",
			map[string]float64{"spread_pct": s / m})
	}

	mo.lastSpread = s
}

// checkGapLocked flags a silent feed. Severity scales with the gap.
func (mo *Monitor) checkGapLocked(nowMs int64) {
	if mo.lastEvent == 0 {
		return
	}
	gap := nowMs - mo.lastEvent
	if gap <= gapMediumMs {
		return
	}
	sev := types.SeverityMedium
	if gap > gapHighMs {
		sev = types.SeverityHigh
	}
	mo.flagLocked(types.AnomalyAPIGap, sev, nowMs, decimal.Zero, decimal.Zero,
		"verify feed connectivity, expect stale book",
		map[string]float64{"gap_ms": float64(gap)})
}

// flagLocked applies the per-kind cooldown (with critical escalation
// bypass) and emits.
func (mo *Monitor) flagLocked(kind types.AnomalyKind, sev types.AnomalySeverity, nowMs int64, lo, hi decimal.Decimal, action string, details map[string]float64) {
	if prev, ok := mo.lastEmit[kind]; ok {
		inCooldown := nowMs-prev.at < mo.cfg.AnomalyCooldownMs
		escalating := sev == types.SeverityCritical && prev.severity != types.SeverityCritical
		if inCooldown && !escalating {
			// Still refresh activity so the veto window tracks reality.
			if cur, ok := mo.active[kind]; ok && sev >= cur.Severity {
				cur.DetectedAt = nowMs
				cur.Severity = sev
				mo.active[kind] = cur
			}
			return
		}
	}

	a := types.Anomaly{
		Kind:              kind,
		Severity:          sev,
		DetectedAt:        nowMs,
		PriceRangeMin:     lo,
		PriceRangeMax:     hi,
		RecommendedAction: action,
		Details:           details,
	}
	mo.lastEmit[kind] = emission{at: nowMs, severity: sev}
	mo.active[kind] = a
	mo.metrics.AnomaliesFlagged.WithLabelValues(string(kind), sev.String()).Inc()
	mo.logger.Warn("anomaly flagged", "kind", kind, "severity", sev.String(), "action", action)

	if mo.emitFn != nil {
		mo.emitFn(a)
	}
}

// CriticalActive reports whether any critical anomaly is inside its
// activity window. Implements the coordinator's Vetoer.
func (mo *Monitor) CriticalActive(nowMs int64) bool {
	mo.mu.Lock()
	defer mo.mu.Unlock()

	for _, a := range mo.active {
		if a.Severity == types.SeverityCritical && nowMs-a.DetectedAt < mo.cfg.AnomalyCooldownMs {
			return true
		}
	}
	return false
}

// ActiveNote describes the strongest active non-critical anomaly, or "".
func (mo *Monitor) ActiveNote(nowMs int64) string {
	mo.mu.Lock()
	defer mo.mu.Unlock()

	var best *types.Anomaly
	for _, a := range mo.active {
		a := a
		if a.Severity == types.SeverityCritical {
			continue
		}
		if nowMs-a.DetectedAt >= mo.cfg.AnomalyCooldownMs {
			continue
		}
		if best == nil || a.Severity > best.Severity {
			best = &a
		}
	}
	if best == nil {
		return ""
	}
	return fmt.Sprintf("%s:%s", best.Kind, best.Severity)
}

// Package coordinator turns detector candidates into confirmed signals.
//
// Candidates are deduplicated by (zone, side): concurrent detections from
// different detectors merge into one pending record. Each pending detection
// then runs the price-confirmation protocol against the live tape — price
// must move at least minInitialMoveTicks in the signal's favor and then
// revisit within maxRevisitTicks of the entry price, all before the
// confirmation deadline. An adverse move of the same magnitude, or the
// deadline, discards the detection. A critical market anomaly vetoes
// emission at the last gate.
package coordinator

import (
	"log/slog"
	"sync"

	"orderflow-engine/internal/metrics"
	"orderflow-engine/pkg/types"
)

// Vetoer is the anomaly monitor's confirmation-time contract.
type Vetoer interface {
	// CriticalActive reports whether a critical anomaly is in effect.
	CriticalActive(nowMs int64) bool
	// ActiveNote describes the highest active non-critical anomaly, or "".
	ActiveNote(nowMs int64) string
}

// Emitter receives confirmed signals. The engine fans them out.
type Emitter func(types.ConfirmedSignal)

type zoneSide struct {
	zone int64
	side types.Side
}

// pending is one detection awaiting price confirmation.
type pending struct {
	candidate     types.SignalCandidate
	sources       []types.DetectorKind
	initialPrice  int64 // ticks
	deadline      int64 // ms
	moved         bool
	peakFavorable int64 // best favorable excursion, ticks
}

// Coordinator applies cooldown, dedup, confirmation, and the anomaly veto.
type Coordinator struct {
	mu sync.Mutex

	spec                  types.TickSpec
	cooldownMs            int64
	confirmationTimeoutMs int64
	minInitialMoveTicks   int64
	maxRevisitTicks       int64

	pendings map[zoneSide]*pending
	lastEmit map[zoneSide]int64 // last accepted submission per key

	veto    Vetoer
	emit    Emitter
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates a coordinator. veto may be nil when no anomaly monitor runs.
func New(spec types.TickSpec, cooldownMs, confirmationTimeoutMs, minInitialMoveTicks, maxRevisitTicks int64, veto Vetoer, emit Emitter, m *metrics.Metrics, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		spec:                  spec,
		cooldownMs:            cooldownMs,
		confirmationTimeoutMs: confirmationTimeoutMs,
		minInitialMoveTicks:   minInitialMoveTicks,
		maxRevisitTicks:       maxRevisitTicks,
		pendings:              make(map[zoneSide]*pending),
		lastEmit:              make(map[zoneSide]int64),
		veto:                  veto,
		emit:                  emit,
		metrics:               m,
		logger:                logger.With("component", "coordinator"),
	}
}

// Submit registers a candidate. A candidate matching a live pending's
// (zone, side) merges into it; a candidate inside the cooldown with no live
// pending is rejected.
func (c *Coordinator) Submit(cand types.SignalCandidate) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := cand.DetectedAt
	key := zoneSide{cand.ZoneID, cand.Side}

	if p, ok := c.pendings[key]; ok {
		// Concurrent detection of the same setup: merge, never duplicate.
		p.sources = appendSource(p.sources, cand.Detector)
		if cand.Confidence > p.candidate.Confidence {
			p.candidate.Confidence = cand.Confidence
		}
		c.logger.Debug("merged candidate into pending",
			"zone", cand.ZoneID, "side", cand.Side, "detector", cand.Detector)
		return
	}

	if last, ok := c.lastEmit[key]; ok && now-last < c.cooldownMs {
		c.metrics.SignalsRejected.WithLabelValues(metrics.ReasonCooldown).Inc()
		return
	}

	c.lastEmit[key] = now
	c.pendings[key] = &pending{
		candidate:    cand,
		sources:      []types.DetectorKind{cand.Detector},
		initialPrice: c.spec.Ticks(cand.Price),
		deadline:     now + c.confirmationTimeoutMs,
	}
	c.metrics.PendingConfirmations.Set(float64(len(c.pendings)))
}

// OnTrade advances every pending detection against the new print.
func (c *Coordinator) OnTrade(trade types.AggressiveTrade) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := trade.Timestamp
	priceTicks := c.spec.Ticks(trade.Price)

	for key, p := range c.pendings {
		if now > p.deadline {
			delete(c.pendings, key)
			c.metrics.SignalsRejected.WithLabelValues(metrics.ReasonConfirmationTimeout).Inc()
			continue
		}

		// Signed excursion from entry: positive is favorable.
		d := priceTicks - p.initialPrice
		if key.side == types.SELL {
			d = -d
		}

		if !p.moved {
			switch {
			case d >= c.minInitialMoveTicks:
				p.moved = true
				p.peakFavorable = d
			case d <= -c.minInitialMoveTicks:
				delete(c.pendings, key)
				c.metrics.SignalsRejected.WithLabelValues(metrics.ReasonAdverseMove).Inc()
			}
			continue
		}

		if d > p.peakFavorable {
			p.peakFavorable = d
		}

		if d <= -c.minInitialMoveTicks {
			delete(c.pendings, key)
			c.metrics.SignalsRejected.WithLabelValues(metrics.ReasonAdverseMove).Inc()
			continue
		}

		// Confirmation: after the move, price revisits the entry from the
		// favorable side.
		if d >= 0 && d <= c.maxRevisitTicks {
			delete(c.pendings, key)
			c.confirmLocked(p, trade, now)
		}
	}
	c.metrics.PendingConfirmations.Set(float64(len(c.pendings)))
}

func (c *Coordinator) confirmLocked(p *pending, trade types.AggressiveTrade, now int64) {
	if c.veto != nil && c.veto.CriticalActive(now) {
		c.metrics.SignalsRejected.WithLabelValues(metrics.ReasonAnomalyCritical).Inc()
		c.logger.Warn("signal vetoed by critical anomaly",
			"zone", p.candidate.ZoneID, "side", p.candidate.Side)
		return
	}

	sig := types.ConfirmedSignal{
		SignalCandidate: p.candidate,
		ConfirmedAt:     now,
		FinalPrice:      trade.Price,
		Sources:         p.sources,
	}
	if c.veto != nil {
		sig.AnomalyNote = c.veto.ActiveNote(now)
	}

	c.metrics.SignalsConfirmed.WithLabelValues(string(p.candidate.Detector)).Inc()
	c.logger.Info("signal confirmed",
		"detector", p.candidate.Detector,
		"side", p.candidate.Side,
		"zone", p.candidate.ZoneID,
		"price", p.candidate.Price,
		"final_price", trade.Price,
		"confidence", p.candidate.Confidence,
		"sources", len(p.sources),
	)
	c.emit(sig)
}

// Sweep drops pendings past their deadline. Driven by the engine's cleanup
// timer so stalled tapes still expire detections.
func (c *Coordinator) Sweep(nowMs int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, p := range c.pendings {
		if nowMs > p.deadline {
			delete(c.pendings, key)
			c.metrics.SignalsRejected.WithLabelValues(metrics.ReasonConfirmationTimeout).Inc()
		}
	}
	c.metrics.PendingConfirmations.Set(float64(len(c.pendings)))
}

// PendingCount reports the number of detections awaiting confirmation.
func (c *Coordinator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pendings)
}

func appendSource(sources []types.DetectorKind, kind types.DetectorKind) []types.DetectorKind {
	for _, s := range sources {
		if s == kind {
			return sources
		}
	}
	return append(sources, kind)
}

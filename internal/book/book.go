// Package book maintains the authoritative bid/ask state for one trading
// pair from a depth snapshot plus incremental diffs.
//
// Prices are keyed by integer tick counts so repeated parse/format cycles
// can never split one price across two levels. Three ordered maps are kept
// coherent: levels (every populated price), bids, and asks (only prices with
// quantity on that side), giving O(log n) writes and O(log n) best-quote
// access on both sides.
//
// Two invariants hold after every update:
//
//   - Exclusivity: a level never carries both bid and ask quantity. A
//     nonzero write on one side replaces the whole level, zeroing the other
//     side and its tracking counters. A zero write never clears the other
//     side.
//   - Ordering: bestBid ≤ bestAsk whenever both sides are populated. When a
//     diff would cross the book, the later-arriving side wins and the stale
//     opposing levels are cleared.
//
// Update-id continuity is validated on every diff; a gap is a sync failure
// the caller must resolve by re-fetching a snapshot. Repeated apply failures
// trip a circuit breaker and the book reports unhealthy until the next
// successful snapshot load.
package book

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/emirpasic/gods/utils"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	"orderflow-engine/internal/config"
	"orderflow-engine/pkg/types"
)

// ErrResyncRequired is returned by ApplyDiff on an update-id gap. The book
// stays usable for reads but rejects further diffs until a new snapshot is
// loaded.
var ErrResyncRequired = errors.New("book: update id gap, resync required")

// ErrNotReady is returned by ApplyDiff before the first snapshot.
var ErrNotReady = errors.New("book: no snapshot loaded")

// State tracks the book's sync lifecycle.
type State int

const (
	StateSyncing State = iota // waiting for a snapshot
	StateReady                // snapshot loaded, diffs accepted
	StateDegraded             // id gap or breaker trip, awaiting resync
)

// Level is one populated price in the book. At most one of BidQty/AskQty is
// nonzero. The Added/Consumed counters track liquidity appearing at and
// disappearing from the level since it was (re)created; replacing a level
// resets them.
type Level struct {
	Ticks int64
	Price decimal.Decimal

	BidQty decimal.Decimal
	AskQty decimal.Decimal

	AddedBid    decimal.Decimal
	AddedAsk    decimal.Decimal
	ConsumedBid decimal.Decimal
	ConsumedAsk decimal.Decimal

	UpdatedAt int64 // ms
}

// BandSum is the result of a SumBand query.
type BandSum struct {
	Bid decimal.Decimal
	Ask decimal.Decimal

	Spread   decimal.Decimal
	SpreadOK bool
	Mid      decimal.Decimal
	MidOK    bool
}

// Book is the order-book state engine. All methods are safe for concurrent
// use; in the reference pipeline only the preprocessor stage writes.
type Book struct {
	mu   sync.RWMutex
	spec types.TickSpec
	cfg  config.BookConfig

	levels *treemap.Map // ticks → *Level, every populated price
	bids   *treemap.Map // ticks → *Level, BidQty > 0
	asks   *treemap.Map // ticks → *Level, AskQty > 0

	state         State
	lastUpdateID  int64
	firstDiffSeen bool

	breaker *gobreaker.CircuitBreaker
	clock   types.Clock
	logger  *slog.Logger
}

// New creates an empty book in StateSyncing.
func New(spec types.TickSpec, cfg config.BookConfig, clock types.Clock, logger *slog.Logger) *Book {
	b := &Book{
		spec:   spec,
		cfg:    cfg,
		levels: treemap.NewWith(utils.Int64Comparator),
		bids:   treemap.NewWith(utils.Int64Comparator),
		asks:   treemap.NewWith(utils.Int64Comparator),
		state:  StateSyncing,
		clock:  clock,
		logger: logger.With("component", "book"),
	}
	b.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     "book-apply",
		Interval: 60 * time.Second,
		Timeout:  30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.MaxErrorRate
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			b.logger.Warn("apply breaker state change", "from", from.String(), "to", to.String())
		},
	})
	return b
}

// InitializeFromSnapshot replaces the whole book with the snapshot contents
// and enters StateReady. Also resets the diff sequence: the next diff must
// bracket snapshot.LastUpdateID+1.
func (b *Book) InitializeFromSnapshot(snap types.DepthSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.levels.Clear()
	b.bids.Clear()
	b.asks.Clear()

	now := b.clock()
	for _, pl := range snap.Bids {
		if pl.Qty.IsPositive() {
			b.setSideLocked(types.BUY, pl.Price, pl.Qty, now)
		}
	}
	for _, pl := range snap.Asks {
		if pl.Qty.IsPositive() {
			b.setSideLocked(types.SELL, pl.Price, pl.Qty, now)
		}
	}

	b.lastUpdateID = snap.LastUpdateID
	b.firstDiffSeen = false
	b.state = StateReady

	b.logger.Info("snapshot loaded",
		"last_update_id", snap.LastUpdateID,
		"bids", b.bids.Size(),
		"asks", b.asks.Size(),
	)
}

// ApplyDiff validates id continuity and applies one incremental update.
// A diff entirely before the snapshot is skipped as a no-op. A gap returns
// ErrResyncRequired and degrades the book. Failures feed the circuit
// breaker; once it opens, ApplyDiff fails fast until re-initialization.
func (b *Book) ApplyDiff(diff types.DiffDepth) error {
	_, err := b.breaker.Execute(func() (interface{}, error) {
		return nil, b.applyDiff(diff)
	})
	if err != nil && (errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)) {
		b.mu.Lock()
		b.state = StateDegraded
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrResyncRequired, err)
	}
	return err
}

func (b *Book) applyDiff(diff types.DiffDepth) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateSyncing:
		return ErrNotReady
	case StateDegraded:
		return ErrResyncRequired
	}

	// Pre-snapshot leftovers replayed by the synchronizer are no-ops.
	if diff.FinalUpdateID <= b.lastUpdateID {
		return nil
	}

	if !b.firstDiffSeen {
		// First diff after snapshot must bracket lastUpdateID+1.
		if diff.FirstUpdateID > b.lastUpdateID+1 {
			b.state = StateDegraded
			return fmt.Errorf("%w: first diff [%d,%d] after snapshot id %d",
				ErrResyncRequired, diff.FirstUpdateID, diff.FinalUpdateID, b.lastUpdateID)
		}
	} else if diff.FirstUpdateID != b.lastUpdateID+1 {
		b.state = StateDegraded
		return fmt.Errorf("%w: diff starts at %d, expected %d",
			ErrResyncRequired, diff.FirstUpdateID, b.lastUpdateID+1)
	}

	now := b.clock()
	for _, pl := range diff.Bids {
		b.setSideLocked(types.BUY, pl.Price, pl.Qty, now)
	}
	for _, pl := range diff.Asks {
		b.setSideLocked(types.SELL, pl.Price, pl.Qty, now)
	}

	b.lastUpdateID = diff.FinalUpdateID
	b.firstDiffSeen = true
	return nil
}

// setSideLocked writes one (price, qty) on one side, maintaining both
// invariants. Callers hold b.mu.
func (b *Book) setSideLocked(side types.Side, price, qty decimal.Decimal, now int64) {
	ticks := b.spec.Ticks(price)

	raw, exists := b.levels.Get(ticks)
	var lvl *Level
	if exists {
		lvl = raw.(*Level)
	}

	if qty.IsZero() || qty.IsNegative() {
		// Zero write: deletes this side only. Never touches the other side.
		if !exists {
			return // no-op at a nonexistent level
		}
		if side == types.BUY {
			lvl.BidQty = decimal.Zero
			lvl.AddedBid = decimal.Zero
			lvl.ConsumedBid = decimal.Zero
			b.bids.Remove(ticks)
		} else {
			lvl.AskQty = decimal.Zero
			lvl.AddedAsk = decimal.Zero
			lvl.ConsumedAsk = decimal.Zero
			b.asks.Remove(ticks)
		}
		lvl.UpdatedAt = now
		if lvl.BidQty.IsZero() && lvl.AskQty.IsZero() {
			b.levels.Remove(ticks)
		}
		return
	}

	otherHeld := exists && ((side == types.BUY && lvl.AskQty.IsPositive()) ||
		(side == types.SELL && lvl.BidQty.IsPositive()))

	if !exists || otherHeld {
		// Fresh level, or exclusivity replacement: the whole level is
		// rebuilt so the displaced side's counters reset with it.
		lvl = &Level{Ticks: ticks, Price: b.spec.Price(ticks), UpdatedAt: now}
		if side == types.BUY {
			lvl.BidQty = qty
			lvl.AddedBid = qty
		} else {
			lvl.AskQty = qty
			lvl.AddedAsk = qty
		}
		b.levels.Put(ticks, lvl)
		if otherHeld {
			if side == types.BUY {
				b.asks.Remove(ticks)
			} else {
				b.bids.Remove(ticks)
			}
		}
	} else {
		// Same-side resize: track the delta.
		if side == types.BUY {
			delta := qty.Sub(lvl.BidQty)
			if delta.IsPositive() {
				lvl.AddedBid = lvl.AddedBid.Add(delta)
			} else {
				lvl.ConsumedBid = lvl.ConsumedBid.Add(delta.Neg())
			}
			lvl.BidQty = qty
		} else {
			delta := qty.Sub(lvl.AskQty)
			if delta.IsPositive() {
				lvl.AddedAsk = lvl.AddedAsk.Add(delta)
			} else {
				lvl.ConsumedAsk = lvl.ConsumedAsk.Add(delta.Neg())
			}
			lvl.AskQty = qty
		}
		lvl.UpdatedAt = now
	}

	if side == types.BUY {
		b.bids.Put(ticks, lvl)
	} else {
		b.asks.Put(ticks, lvl)
	}

	b.clearCrossedLocked(side, ticks, now)
}

// clearCrossedLocked restores bestBid ≤ bestAsk after a nonzero write: the
// written side is newest, so opposing levels strictly inside it are stale
// and cleared.
func (b *Book) clearCrossedLocked(side types.Side, ticks int64, now int64) {
	if side == types.BUY {
		for {
			k, v := b.asks.Min()
			if k == nil || k.(int64) >= ticks {
				return
			}
			b.clearSideLocked(v.(*Level), types.SELL, now)
		}
	}
	for {
		k, v := b.bids.Max()
		if k == nil || k.(int64) <= ticks {
			return
		}
		b.clearSideLocked(v.(*Level), types.BUY, now)
	}
}

func (b *Book) clearSideLocked(lvl *Level, side types.Side, now int64) {
	if side == types.BUY {
		lvl.BidQty = decimal.Zero
		lvl.AddedBid = decimal.Zero
		lvl.ConsumedBid = decimal.Zero
		b.bids.Remove(lvl.Ticks)
	} else {
		lvl.AskQty = decimal.Zero
		lvl.AddedAsk = decimal.Zero
		lvl.ConsumedAsk = decimal.Zero
		b.asks.Remove(lvl.Ticks)
	}
	lvl.UpdatedAt = now
	if lvl.BidQty.IsZero() && lvl.AskQty.IsZero() {
		b.levels.Remove(lvl.Ticks)
	}
}

// BestBid returns the highest bid price. ok is false when the bid side is
// empty; the float accessors expose the ∞-sentinel convention instead.
func (b *Book) BestBid() (decimal.Decimal, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.bestBidLocked()
}

// BestAsk returns the lowest ask price; ok is false when the ask side is
// empty.
func (b *Book) BestAsk() (decimal.Decimal, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.bestAskLocked()
}

func (b *Book) bestBidLocked() (decimal.Decimal, bool) {
	k, v := b.bids.Max()
	if k == nil {
		return decimal.Zero, false
	}
	return v.(*Level).Price, true
}

func (b *Book) bestAskLocked() (decimal.Decimal, bool) {
	k, v := b.asks.Min()
	if k == nil {
		return decimal.Zero, false
	}
	return v.(*Level).Price, true
}

// BestBidFloat returns the best bid, or -Inf when the bid side is empty.
// The sentinels are chosen so that an empty side always loses a max/min
// comparison and spread stays ≥ 0.
func (b *Book) BestBidFloat() float64 {
	if bid, ok := b.BestBid(); ok {
		return bid.InexactFloat64()
	}
	return math.Inf(-1)
}

// BestAskFloat returns the best ask, or +Inf when the ask side is empty.
func (b *Book) BestAskFloat() float64 {
	if ask, ok := b.BestAsk(); ok {
		return ask.InexactFloat64()
	}
	return math.Inf(1)
}

// Spread returns bestAsk − bestBid. ok is false when either side is empty.
func (b *Book) Spread() (decimal.Decimal, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.spreadLocked()
}

func (b *Book) spreadLocked() (decimal.Decimal, bool) {
	bid, okB := b.bestBidLocked()
	ask, okA := b.bestAskLocked()
	if !okB || !okA {
		return decimal.Zero, false
	}
	return ask.Sub(bid), true
}

// MidPrice returns (bestBid+bestAsk)/2. When the book is one-sided it falls
// back to the midpoint of the lowest and highest populated levels, so a
// usable reference price survives a temporarily empty side.
func (b *Book) MidPrice() (decimal.Decimal, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.midPriceLocked()
}

func (b *Book) midPriceLocked() (decimal.Decimal, bool) {
	bid, okB := b.bestBidLocked()
	ask, okA := b.bestAskLocked()
	if okB && okA {
		return bid.Add(ask).Div(two), true
	}

	loK, loV := b.levels.Min()
	hiK, hiV := b.levels.Max()
	if loK == nil || hiK == nil {
		return decimal.Zero, false
	}
	return loV.(*Level).Price.Add(hiV.(*Level).Price).Div(two), true
}

var two = decimal.NewFromInt(2)

// SumBand sums bid and ask quantity across every populated level within
// ±ticks of center, along with the current spread and mid. SumBand(p, 0)
// returns exactly the per-side quantities at p.
func (b *Book) SumBand(center decimal.Decimal, ticks int64) BandSum {
	b.mu.RLock()
	defer b.mu.RUnlock()

	centerTicks := b.spec.Ticks(center)
	sum := BandSum{Bid: decimal.Zero, Ask: decimal.Zero}
	for t := centerTicks - ticks; t <= centerTicks+ticks; t++ {
		if raw, ok := b.levels.Get(t); ok {
			lvl := raw.(*Level)
			sum.Bid = sum.Bid.Add(lvl.BidQty)
			sum.Ask = sum.Ask.Add(lvl.AskQty)
		}
	}
	sum.Spread, sum.SpreadOK = b.spreadLocked()
	sum.Mid, sum.MidOK = b.midPriceLocked()
	return sum
}

// SumRangeTicks sums bid and ask quantity across populated levels with tick
// keys in [lo, hi]. Used by the zone aggregator, whose zones are asymmetric
// around the trade price.
func (b *Book) SumRangeTicks(lo, hi int64) (bid, ask decimal.Decimal) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	bid, ask = decimal.Zero, decimal.Zero
	for t := lo; t <= hi; t++ {
		if raw, ok := b.levels.Get(t); ok {
			lvl := raw.(*Level)
			bid = bid.Add(lvl.BidQty)
			ask = ask.Add(lvl.AskQty)
		}
	}
	return bid, ask
}

// Prune drops levels that are stale, beyond the distance cap from mid, or
// in excess of MaxLevels per side (farthest first). Called on a timer, not
// from the hot path. Returns the number of levels removed.
func (b *Book) Prune() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock()
	removed := 0

	mid, midOK := b.midPriceLocked()
	var lo, hi int64
	if midOK && b.cfg.MaxPriceDistance > 0 {
		dist := mid.Mul(decimal.NewFromFloat(b.cfg.MaxPriceDistance))
		lo = b.spec.Ticks(mid.Sub(dist))
		hi = b.spec.Ticks(mid.Add(dist))
	}

	var doomed []*Level
	it := b.levels.Iterator()
	for it.Next() {
		lvl := it.Value().(*Level)
		if b.cfg.StaleThresholdMs > 0 && now-lvl.UpdatedAt > b.cfg.StaleThresholdMs {
			doomed = append(doomed, lvl)
			continue
		}
		if midOK && b.cfg.MaxPriceDistance > 0 && (lvl.Ticks < lo || lvl.Ticks > hi) {
			doomed = append(doomed, lvl)
		}
	}
	for _, lvl := range doomed {
		b.removeLevelLocked(lvl)
		removed++
	}

	removed += b.enforceMaxLevelsLocked(b.bids, true)
	removed += b.enforceMaxLevelsLocked(b.asks, false)
	return removed
}

// enforceMaxLevelsLocked trims a side down to MaxLevels, dropping the
// levels farthest from the top of book.
func (b *Book) enforceMaxLevelsLocked(side *treemap.Map, isBid bool) int {
	removed := 0
	for b.cfg.MaxLevels > 0 && side.Size() > b.cfg.MaxLevels {
		var v interface{}
		if isBid {
			_, v = side.Min() // lowest bid is farthest
		} else {
			_, v = side.Max() // highest ask is farthest
		}
		b.removeLevelLocked(v.(*Level))
		removed++
	}
	return removed
}

func (b *Book) removeLevelLocked(lvl *Level) {
	b.bids.Remove(lvl.Ticks)
	b.asks.Remove(lvl.Ticks)
	b.levels.Remove(lvl.Ticks)
}

// GetLevel returns a copy of the level at price, if populated.
func (b *Book) GetLevel(price decimal.Decimal) (Level, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	raw, ok := b.levels.Get(b.spec.Ticks(price))
	if !ok {
		return Level{}, false
	}
	return *raw.(*Level), true
}

// Levels returns the number of populated price levels.
func (b *Book) Levels() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.levels.Size()
}

// LastUpdateID returns the id of the last applied snapshot or diff.
func (b *Book) LastUpdateID() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastUpdateID
}

// State returns the current sync state.
func (b *Book) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Healthy reports whether the book is synced and the breaker closed.
func (b *Book) Healthy() bool {
	b.mu.RLock()
	state := b.state
	b.mu.RUnlock()
	return state == StateReady && b.breaker.State() == gobreaker.StateClosed
}

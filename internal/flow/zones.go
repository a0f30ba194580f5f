package flow

import (
	"orderflow-engine/internal/book"
	"orderflow-engine/internal/config"
	"orderflow-engine/internal/rolling"
	"orderflow-engine/pkg/types"
)

// zoneCacheKey identifies one zone at one resolution.
type zoneCacheKey struct {
	zoneID    int64
	zoneTicks int64
}

// aggregator computes ZoneSnapshots from the shared trade history and the
// current book. Snapshots are memoized per (zone, width, event time) in a
// bounded TTL cache so several detectors reading the same event don't pay
// for the scan twice.
type aggregator struct {
	spec   types.TickSpec
	cfg    config.FlowConfig
	book   *book.Book
	trades *rolling.Ring[types.AggressiveTrade]
	cache  *rolling.TTLCache[zoneCacheKey, types.ZoneSnapshot]
}

func newAggregator(spec types.TickSpec, cfg config.FlowConfig, bk *book.Book, trades *rolling.Ring[types.AggressiveTrade]) *aggregator {
	return &aggregator{
		spec:   spec,
		cfg:    cfg,
		book:   bk,
		trades: trades,
		cache:  rolling.NewTTLCache[zoneCacheKey, types.ZoneSnapshot](cfg.ZoneCacheSize),
	}
}

// standardZoneData builds the multi-resolution snapshots for one trade: at
// each configured width, the trade's own zone and its two neighbors.
func (a *aggregator) standardZoneData(trade types.AggressiveTrade) *types.StandardZoneData {
	sz := a.cfg.StandardZones
	data := &types.StandardZoneData{
		Config: types.ZoneDataConfig{
			BaseTicks: sz.BaseTicks,
			TickValue: a.spec.TickSize,
		},
	}
	if len(sz.TimeWindowsMs) > 0 {
		data.Config.TimeWindowMs = sz.TimeWindowsMs[0]
	}

	for i, mult := range sz.ZoneMultipliers {
		width := sz.BaseTicks * mult
		window := sz.TimeWindowsMs[i]
		snaps := a.zonesAround(trade, width, window)
		switch i {
		case 0:
			data.Zones = snaps
		case 1:
			data.ZonesDouble = snaps
		case 2:
			data.ZonesQuad = snaps
		default:
			data.ZonesQuad = append(data.ZonesQuad, snaps...)
		}
	}
	return data
}

// zonesAround returns snapshots for the event zone and its two neighbors at
// the given width.
func (a *aggregator) zonesAround(trade types.AggressiveTrade, width, windowMs int64) []types.ZoneSnapshot {
	center := types.ZoneKey(a.spec.Ticks(trade.Price), width)
	snaps := make([]types.ZoneSnapshot, 0, 3)
	for _, zid := range []int64{center - 1, center, center + 1} {
		snaps = append(snaps, a.Snapshot(zid, width, windowMs, trade.Timestamp))
	}
	return snaps
}

// Snapshot aggregates one zone over the window ending at nowMs. The
// contributing set is exactly the buffered trades inside the zone whose age
// is within the window; passive sums come from the current book.
func (a *aggregator) Snapshot(zoneID, zoneTicks, windowMs, nowMs int64) types.ZoneSnapshot {
	key := zoneCacheKey{zoneID: zoneID, zoneTicks: zoneTicks}
	if cached, ok := a.cache.Get(key, nowMs); ok && cached.LastUpdate == nowMs && cached.TimespanMs == windowMs {
		return cached
	}

	loTicks := zoneID * zoneTicks
	hiTicks := loTicks + zoneTicks - 1
	cutoff := nowMs - windowMs

	snap := types.ZoneSnapshot{
		ZoneID:      zoneID,
		ZoneTicks:   zoneTicks,
		PriceLevel:  a.spec.Price(loTicks),
		BoundaryMin: a.spec.Price(loTicks),
		BoundaryMax: a.spec.Price(hiTicks),
		TimespanMs:  windowMs,
		LastUpdate:  nowMs,
	}

	var pvSum, vSum float64
	a.trades.DoReverse(func(t types.AggressiveTrade) bool {
		if t.Timestamp < cutoff {
			return false // buffer is time-ordered, the rest are older
		}
		ticks := a.spec.Ticks(t.Price)
		if ticks < loTicks || ticks > hiTicks {
			return true
		}
		qty := t.Quantity.InexactFloat64()
		if t.BuyerIsMaker {
			snap.AggressiveSellVolume += qty
		} else {
			snap.AggressiveBuyVolume += qty
		}
		snap.TradeCount++
		pvSum += t.Price.InexactFloat64() * qty
		vSum += qty
		return true
	})
	if vSum > 0 {
		snap.VolumeWeightedPrice = pvSum / vSum
	}

	bid, ask := a.book.SumRangeTicks(loTicks, hiTicks)
	snap.PassiveBidVolume = bid.InexactFloat64()
	snap.PassiveAskVolume = ask.InexactFloat64()

	a.cache.Put(key, snap, nowMs)
	return snap
}

func (a *aggregator) prune(cutoffMs int64) int {
	return a.cache.PruneOlderThan(cutoffMs)
}

// Package flow normalizes the raw feeds into enriched order-flow events.
//
// The preprocessor forwards depth diffs to the order book and turns every
// aggregate trade into an EnrichedTrade: the parsed trade plus passive-
// liquidity band sums from the current book and, when standardized zones are
// enabled, multi-resolution zone aggregates over rolling windows ending at
// the trade's own timestamp. Trades arriving before the book has synced are
// dropped and counted; no partially-enriched event is ever emitted.
package flow

import (
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"orderflow-engine/internal/book"
	"orderflow-engine/internal/config"
	"orderflow-engine/internal/metrics"
	"orderflow-engine/internal/rolling"
	"orderflow-engine/pkg/types"
)

// Sink receives every successfully enriched trade, in feed order.
type Sink func(types.EnrichedTrade)

// Preprocessor is the single writer of the order book and the producer of
// enriched trades. It is not safe for concurrent use; the pipeline stage
// that owns it is the only caller.
type Preprocessor struct {
	spec    types.TickSpec
	cfg     config.FlowConfig
	pair    string
	book    *book.Book
	zones   *aggregator
	sink    Sink
	metrics *metrics.Metrics
	logger  *slog.Logger

	// trades is the shared time-ordered history the zone aggregates scan.
	trades *rolling.Ring[types.AggressiveTrade]
}

// New creates a preprocessor bound to one book and one downstream sink.
func New(spec types.TickSpec, cfg config.FlowConfig, pair string, bk *book.Book, sink Sink, m *metrics.Metrics, logger *slog.Logger) *Preprocessor {
	trades := rolling.NewRing[types.AggressiveTrade](cfg.TradeBufferSize)
	return &Preprocessor{
		spec:    spec,
		cfg:     cfg,
		pair:    pair,
		book:    bk,
		zones:   newAggregator(spec, cfg, bk, trades),
		sink:    sink,
		metrics: m,
		logger:  logger.With("component", "preprocessor"),
		trades:  trades,
	}
}

// HandleDepth applies one diff to the book. An id gap propagates as
// book.ErrResyncRequired so the engine can run the resync protocol.
func (p *Preprocessor) HandleDepth(diff types.DiffDepth) error {
	if err := p.book.ApplyDiff(diff); err != nil {
		p.metrics.Errors.WithLabelValues("preprocessor", metrics.ErrKindSync).Inc()
		return fmt.Errorf("apply depth diff: %w", err)
	}
	p.metrics.DiffsApplied.Inc()
	return nil
}

// HandleAggTrade parses, validates, enriches, and emits one trade. Malformed
// trades and trades arriving before the book is ready are dropped and
// counted, never forwarded.
func (p *Preprocessor) HandleAggTrade(raw types.RawAggTrade) {
	if p.book.State() != book.StateReady {
		p.metrics.EventsDropped.WithLabelValues("trades_presync").Inc()
		p.logger.Debug("dropping trade, book not ready", "trade_id", raw.TradeID)
		return
	}

	trade, err := p.parse(raw)
	if err != nil {
		p.metrics.Errors.WithLabelValues("preprocessor", metrics.ErrKindData).Inc()
		p.logger.Warn("dropping malformed trade", "trade_id", raw.TradeID, "error", err)
		return
	}

	p.trades.Push(trade)

	et := types.EnrichedTrade{AggressiveTrade: trade}

	band := p.book.SumBand(trade.Price, p.cfg.BandTicks)
	et.PassiveBidVolume = band.Bid
	et.PassiveAskVolume = band.Ask

	baseTicks := p.cfg.StandardZones.BaseTicks
	if baseTicks <= 0 {
		baseTicks = p.cfg.BandTicks
	}
	zoneBand := p.book.SumBand(trade.Price, baseTicks)
	et.ZonePassiveBidVolume = zoneBand.Bid
	et.ZonePassiveAskVolume = zoneBand.Ask

	if bid, ok := p.book.BestBid(); ok {
		if ask, ok2 := p.book.BestAsk(); ok2 {
			et.BestBid = bid
			et.BestAsk = ask
			et.HasBook = true
		}
	}

	if p.cfg.EnableStandardizedZones {
		et.ZoneData = p.zones.standardZoneData(trade)
	}

	p.metrics.TradesProcessed.Inc()
	p.sink(et)
}

func (p *Preprocessor) parse(raw types.RawAggTrade) (types.AggressiveTrade, error) {
	price, err := decimal.NewFromString(raw.Price)
	if err != nil {
		return types.AggressiveTrade{}, fmt.Errorf("parse price %q: %w", raw.Price, err)
	}
	qty, err := decimal.NewFromString(raw.Quantity)
	if err != nil {
		return types.AggressiveTrade{}, fmt.Errorf("parse quantity %q: %w", raw.Quantity, err)
	}
	if !price.IsPositive() {
		return types.AggressiveTrade{}, fmt.Errorf("non-positive price %s", price)
	}
	if !qty.IsPositive() {
		return types.AggressiveTrade{}, fmt.Errorf("non-positive quantity %s", qty)
	}
	if raw.TradeTime <= 0 {
		return types.AggressiveTrade{}, fmt.Errorf("invalid trade time %d", raw.TradeTime)
	}
	return types.AggressiveTrade{
		TradeID:      raw.TradeID,
		Pair:         p.pair,
		Price:        price,
		Quantity:     qty,
		Timestamp:    raw.TradeTime,
		BuyerIsMaker: raw.BuyerIsMaker,
	}, nil
}

// Cleanup evicts zone-cache entries past their age cap. Driven by the
// engine's cleanup timer.
func (p *Preprocessor) Cleanup(nowMs int64) {
	dropped := p.zones.prune(nowMs - p.cfg.MaxZoneCacheAgeMs)
	if dropped > 0 {
		p.metrics.EventsDropped.WithLabelValues("zone_cache").Add(float64(dropped))
	}
}

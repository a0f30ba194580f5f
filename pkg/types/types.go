// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the engine — trades, depth
// updates, enriched order-flow events, zone aggregates, and signal records.
// It has no dependencies on internal packages, so it can be imported by any
// layer.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of a signal: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == BUY {
		return SELL
	}
	return BUY
}

// DetectorKind identifies which detector produced a signal candidate.
// The set is closed: the coordinator and downstream consumers switch on it.
type DetectorKind string

const (
	DetectorAbsorption   DetectorKind = "absorption"
	DetectorExhaustion   DetectorKind = "exhaustion"
	DetectorAccumulation DetectorKind = "accumulation"
	DetectorDistribution DetectorKind = "distribution"
	DetectorCVD          DetectorKind = "cvd"
)

// ————————————————————————————————————————————————————————————————————————
// Tick arithmetic
// ————————————————————————————————————————————————————————————————————————

// TickSpec fixes the price and quantity granularity for one trading pair.
// All price keys in the engine are integer tick counts derived through this
// spec, so two prices that quantize to the same tick always collide on the
// same book level and zone regardless of how they were parsed.
type TickSpec struct {
	PricePrecision    int             // decimal places, tick size = 10^-p
	QuantityPrecision int             // decimal places for quantities
	TickSize          decimal.Decimal // 10^-PricePrecision
}

// NewTickSpec builds a TickSpec from price and quantity precisions.
func NewTickSpec(pricePrecision, quantityPrecision int) TickSpec {
	return TickSpec{
		PricePrecision:    pricePrecision,
		QuantityPrecision: quantityPrecision,
		TickSize:          decimal.New(1, int32(-pricePrecision)),
	}
}

// Ticks quantizes a price to its integer tick count (round half away from
// zero, matching decimal.Round).
func (ts TickSpec) Ticks(price decimal.Decimal) int64 {
	return price.Div(ts.TickSize).Round(0).IntPart()
}

// Price converts an integer tick count back to a price.
func (ts TickSpec) Price(ticks int64) decimal.Decimal {
	return decimal.New(ticks, 0).Mul(ts.TickSize)
}

// ZoneKey maps a tick count to its zone index at the given zone width.
// Floor division: a price exactly on a zone boundary belongs to the zone
// that starts there.
func ZoneKey(ticks int64, zoneTicks int64) int64 {
	if zoneTicks <= 0 {
		return ticks
	}
	q := ticks / zoneTicks
	if ticks%zoneTicks != 0 && ticks < 0 {
		q--
	}
	return q
}

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// PriceLevel is a single (price, quantity) pair in a depth message.
type PriceLevel struct {
	Price decimal.Decimal
	Qty   decimal.Decimal
}

// DepthSnapshot is the full book state fetched over REST at startup or
// during a resync.
type DepthSnapshot struct {
	LastUpdateID int64
	Bids         []PriceLevel
	Asks         []PriceLevel
}

// DiffDepth is one incremental book update from the depth stream. Update IDs
// form a contiguous sequence; a gap between consecutive diffs means the local
// book can no longer be trusted.
type DiffDepth struct {
	FirstUpdateID int64
	FinalUpdateID int64
	Bids          []PriceLevel
	Asks          []PriceLevel
	EventTime     int64 // exchange event time, ms
}

// RawAggTrade is an aggregate trade as delivered by the feed, quantities
// still in string form to preserve decimal precision. The preprocessor owns
// parsing and validation.
type RawAggTrade struct {
	TradeID      int64
	Price        string
	Quantity     string
	TradeTime    int64 // ms
	BuyerIsMaker bool
}

// AggressiveTrade is a parsed market-taking execution.
// BuyerIsMaker=true means the taker was a seller (aggressive sell);
// false means the taker was a buyer (aggressive buy).
type AggressiveTrade struct {
	TradeID      int64
	Pair         string
	Price        decimal.Decimal
	Quantity     decimal.Decimal
	Timestamp    int64 // ms
	BuyerIsMaker bool
}

// AggressorSide returns the taker side of the trade.
func (t AggressiveTrade) AggressorSide() Side {
	if t.BuyerIsMaker {
		return SELL
	}
	return BUY
}

// ————————————————————————————————————————————————————————————————————————
// Enrichment
// ————————————————————————————————————————————————————————————————————————

// EnrichedTrade is an AggressiveTrade plus the passive-liquidity context the
// preprocessor attaches before handing it to the detectors. Passive volumes
// reflect the book as of the most recent applied diff, never an older state.
type EnrichedTrade struct {
	AggressiveTrade

	// Band sums around the trade price at the configured band width.
	PassiveBidVolume decimal.Decimal
	PassiveAskVolume decimal.Decimal

	// Band sums at the base zone width used by the detectors.
	ZonePassiveBidVolume decimal.Decimal
	ZonePassiveAskVolume decimal.Decimal

	BestBid decimal.Decimal
	BestAsk decimal.Decimal
	HasBook bool // false when best quotes were unavailable

	// ZoneData is populated only when standardized zones are enabled.
	ZoneData *StandardZoneData
}

// ZoneSnapshot aggregates order flow inside one price zone over a rolling
// time window ending at the event timestamp.
type ZoneSnapshot struct {
	ZoneID     int64
	PriceLevel decimal.Decimal // zone lower boundary (grid-aligned)
	ZoneTicks  int64

	AggressiveBuyVolume  float64 // Σ qty, buyerIsMaker=false
	AggressiveSellVolume float64 // Σ qty, buyerIsMaker=true
	PassiveBidVolume     float64 // current book sum inside the zone
	PassiveAskVolume     float64 // current book sum inside the zone

	VolumeWeightedPrice float64
	TradeCount          int
	TimespanMs          int64
	BoundaryMin         decimal.Decimal
	BoundaryMax         decimal.Decimal
	LastUpdate          int64 // ms
}

// StandardZoneData carries parallel zone snapshots at the three standard
// resolutions (baseTicks × 1, 2, 4) so every detector sees the same zones.
type StandardZoneData struct {
	Zones       []ZoneSnapshot // width baseTicks
	ZonesDouble []ZoneSnapshot // width 2·baseTicks
	ZonesQuad   []ZoneSnapshot // width 4·baseTicks
	Config      ZoneDataConfig
}

// ZoneDataConfig records the parameters the snapshots were computed with.
type ZoneDataConfig struct {
	BaseTicks    int64
	TickValue    decimal.Decimal
	TimeWindowMs int64
}

// ————————————————————————————————————————————————————————————————————————
// Signals
// ————————————————————————————————————————————————————————————————————————

// SignalCandidate is a detector's raw detection, handed to the coordinator
// for confirmation. Confidence is always within [0, 1] and all numeric
// fields are finite; detectors enforce this before submission.
type SignalCandidate struct {
	ID               string
	Detector         DetectorKind
	Side             Side
	Price            decimal.Decimal
	ZoneID           int64
	AggressiveVolume float64
	PassiveVolume    float64
	Refilled         bool
	Confidence       float64
	DetectedAt       int64 // ms
	Metadata         map[string]float64
}

// ConfirmedSignal is a candidate that survived deduplication, cooldown,
// price confirmation, and the anomaly veto. Emitted at most once per
// coordinated detection.
type ConfirmedSignal struct {
	SignalCandidate
	ConfirmedAt int64 // ms
	FinalPrice  decimal.Decimal
	Sources     []DetectorKind // all detectors merged into this detection
	AnomalyNote string         // non-empty when a non-critical anomaly was active
}

// ————————————————————————————————————————————————————————————————————————
// Anomalies
// ————————————————————————————————————————————————————————————————————————

// AnomalySeverity orders anomaly severities from informational to critical.
type AnomalySeverity int

const (
	SeverityInfo AnomalySeverity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s AnomalySeverity) String() string {
	switch s {
	case SeverityCritical:
		return "critical"
	case SeverityHigh:
		return "high"
	case SeverityMedium:
		return "medium"
	default:
		return "info"
	}
}

// AnomalyKind identifies the market condition an anomaly describes.
type AnomalyKind string

const (
	AnomalyFlashMove         AnomalyKind = "flash_move"
	AnomalyLiquidityVoid     AnomalyKind = "liquidity_void"
	AnomalyAPIGap            AnomalyKind = "api_gap"
	AnomalyExtremeVolatility AnomalyKind = "extreme_volatility"
	AnomalyBookImbalance     AnomalyKind = "orderbook_imbalance"
)

// Anomaly is a flagged market condition. Critical anomalies veto signal
// emission while active.
type Anomaly struct {
	Kind              AnomalyKind
	Severity          AnomalySeverity
	DetectedAt        int64 // ms
	PriceRangeMin     decimal.Decimal
	PriceRangeMax     decimal.Decimal
	RecommendedAction string
	Details           map[string]float64
}

// NowMs returns wall-clock milliseconds. Components take a clock function of
// this shape so tests can drive time deterministically.
func NowMs() int64 {
	return time.Now().UnixMilli()
}

// Clock is a millisecond time source. Production code passes types.NowMs.
type Clock func() int64

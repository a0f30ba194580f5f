// messages.go defines the wire shapes of the Binance spot streams and REST
// responses the engine consumes. All price/quantity fields are strings in
// the Binance JSON and must be parsed to decimals — never floats — before
// they reach the book.
package exchange

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"orderflow-engine/pkg/types"
)

// StreamMessage is the combined-stream envelope:
// {"stream":"btcusdt@aggTrade","data":{...}}.
type StreamMessage struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// WSDepthUpdate is one diff-depth event from <symbol>@depth@100ms.
type WSDepthUpdate struct {
	EventType     string     `json:"e"` // "depthUpdate"
	EventTime     int64      `json:"E"` // ms
	Symbol        string     `json:"s"`
	FirstUpdateID int64      `json:"U"`
	FinalUpdateID int64      `json:"u"`
	Bids          [][]string `json:"b"` // [price, qty]
	Asks          [][]string `json:"a"`
}

// ToDiff parses the string levels into a DiffDepth.
func (u *WSDepthUpdate) ToDiff() (types.DiffDepth, error) {
	bids, err := parseLevels(u.Bids)
	if err != nil {
		return types.DiffDepth{}, fmt.Errorf("parse bids: %w", err)
	}
	asks, err := parseLevels(u.Asks)
	if err != nil {
		return types.DiffDepth{}, fmt.Errorf("parse asks: %w", err)
	}
	return types.DiffDepth{
		FirstUpdateID: u.FirstUpdateID,
		FinalUpdateID: u.FinalUpdateID,
		Bids:          bids,
		Asks:          asks,
		EventTime:     u.EventTime,
	}, nil
}

// WSAggTrade is one aggregate trade from <symbol>@aggTrade.
type WSAggTrade struct {
	EventType    string `json:"e"` // "aggTrade"
	EventTime    int64  `json:"E"`
	Symbol       string `json:"s"`
	TradeID      int64  `json:"a"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	TradeTime    int64  `json:"T"` // ms
	BuyerIsMaker bool   `json:"m"`
}

// ToRaw converts to the preprocessor's input shape. Price and quantity stay
// strings; the preprocessor owns parsing and validation.
func (a *WSAggTrade) ToRaw() types.RawAggTrade {
	return types.RawAggTrade{
		TradeID:      a.TradeID,
		Price:        a.Price,
		Quantity:     a.Quantity,
		TradeTime:    a.TradeTime,
		BuyerIsMaker: a.BuyerIsMaker,
	}
}

// DepthSnapshotResponse is the REST GET /api/v3/depth body.
type DepthSnapshotResponse struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

// ToSnapshot parses the string levels into a DepthSnapshot.
func (r *DepthSnapshotResponse) ToSnapshot() (types.DepthSnapshot, error) {
	bids, err := parseLevels(r.Bids)
	if err != nil {
		return types.DepthSnapshot{}, fmt.Errorf("parse bids: %w", err)
	}
	asks, err := parseLevels(r.Asks)
	if err != nil {
		return types.DepthSnapshot{}, fmt.Errorf("parse asks: %w", err)
	}
	return types.DepthSnapshot{
		LastUpdateID: r.LastUpdateID,
		Bids:         bids,
		Asks:         asks,
	}, nil
}

func parseLevels(raw [][]string) ([]types.PriceLevel, error) {
	levels := make([]types.PriceLevel, 0, len(raw))
	for _, pair := range raw {
		if len(pair) < 2 {
			return nil, fmt.Errorf("short level %v", pair)
		}
		price, err := decimal.NewFromString(pair[0])
		if err != nil {
			return nil, fmt.Errorf("price %q: %w", pair[0], err)
		}
		qty, err := decimal.NewFromString(pair[1])
		if err != nil {
			return nil, fmt.Errorf("qty %q: %w", pair[1], err)
		}
		levels = append(levels, types.PriceLevel{Price: price, Qty: qty})
	}
	return levels, nil
}

// ws.go implements the WebSocket feed for real-time Binance market data.
//
// One combined-stream connection carries both subscriptions for the pair:
//
//   - <symbol>@aggTrade   — aggregate trades (the aggressive flow)
//   - <symbol>@depth@100ms — diff-depth updates for the order book
//
// The feed auto-reconnects with exponential backoff (1s → 30s max). A read
// deadline ensures silent server failures are detected; gorilla's default
// ping handler answers the server's keep-alive pings. Events are delivered
// on buffered typed channels with non-blocking sends: the consumer falling
// behind drops events (and triggers a resync through the id-gap check)
// rather than stalling the socket.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"orderflow-engine/internal/metrics"
	"orderflow-engine/pkg/types"
)

const (
	readTimeout      = 90 * time.Second
	maxReconnectWait = 30 * time.Second
	depthBufferSize  = 1024
	tradeBufferSize  = 1024
)

// Feed manages the combined market-data stream for one pair.
type Feed struct {
	url    string
	connMu sync.Mutex
	conn   *websocket.Conn

	depthCh chan types.DiffDepth
	tradeCh chan types.RawAggTrade

	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewFeed creates a feed for the given symbol against the ws base URL.
func NewFeed(wsBaseURL, symbol string, m *metrics.Metrics, logger *slog.Logger) *Feed {
	sym := strings.ToLower(symbol)
	url := fmt.Sprintf("%s/stream?streams=%s@aggTrade/%s@depth@100ms", wsBaseURL, sym, sym)
	return &Feed{
		url:     url,
		depthCh: make(chan types.DiffDepth, depthBufferSize),
		tradeCh: make(chan types.RawAggTrade, tradeBufferSize),
		metrics: m,
		logger:  logger.With("component", "ws_feed"),
	}
}

// DepthEvents returns the read-only channel of diff-depth updates.
func (f *Feed) DepthEvents() <-chan types.DiffDepth { return f.depthCh }

// TradeEvents returns the read-only channel of aggregate trades.
func (f *Feed) TradeEvents() <-chan types.RawAggTrade { return f.tradeCh }

// Run connects and maintains the stream with auto-reconnect. Blocks until
// ctx is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("websocket disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Close gracefully closes the connection.
func (f *Feed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *Feed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	f.logger.Info("websocket connected", "url", f.url)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.dispatchMessage(msg)
	}
}

func (f *Feed) dispatchMessage(data []byte) {
	var envelope StreamMessage
	if err := json.Unmarshal(data, &envelope); err != nil || len(envelope.Data) == 0 {
		f.logger.Debug("ignoring non-stream ws message", "data", string(data))
		return
	}

	switch {
	case strings.HasSuffix(envelope.Stream, "@depth@100ms"):
		var evt WSDepthUpdate
		if err := json.Unmarshal(envelope.Data, &evt); err != nil {
			f.metrics.Errors.WithLabelValues("ws_feed", metrics.ErrKindData).Inc()
			f.logger.Error("unmarshal depth update", "error", err)
			return
		}
		diff, err := evt.ToDiff()
		if err != nil {
			f.metrics.Errors.WithLabelValues("ws_feed", metrics.ErrKindData).Inc()
			f.logger.Error("parse depth update", "error", err)
			return
		}
		select {
		case f.depthCh <- diff:
		default:
			f.metrics.EventsDropped.WithLabelValues("ws_depth").Inc()
			f.logger.Warn("depth channel full, dropping event", "final_id", diff.FinalUpdateID)
		}

	case strings.HasSuffix(envelope.Stream, "@aggTrade"):
		var evt WSAggTrade
		if err := json.Unmarshal(envelope.Data, &evt); err != nil {
			f.metrics.Errors.WithLabelValues("ws_feed", metrics.ErrKindData).Inc()
			f.logger.Error("unmarshal agg trade", "error", err)
			return
		}
		select {
		case f.tradeCh <- evt.ToRaw():
		default:
			f.metrics.EventsDropped.WithLabelValues("ws_trades").Inc()
			f.logger.Warn("trade channel full, dropping event", "trade_id", evt.TradeID)
		}

	default:
		f.logger.Debug("unknown stream", "stream", envelope.Stream)
	}
}

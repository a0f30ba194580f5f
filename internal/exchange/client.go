// Package exchange implements the Binance market-data collaborators: the
// REST client used for depth snapshots (startup and resync) and the
// WebSocket feed carrying aggregate trades and diff-depth updates.
//
// Nothing here touches the hot path: snapshot fetches happen only while the
// pipeline is paused for (re)synchronization.
package exchange

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"orderflow-engine/internal/config"
	"orderflow-engine/pkg/types"
)

// Client is the Binance REST client. It wraps resty with retry and a
// token-bucket rate limit on snapshot fetches so a resync loop can never
// hammer the endpoint.
type Client struct {
	http    *resty.Client
	rl      *TokenBucket
	symbol  string
	depth   int
}

// NewClient creates a REST client for the configured symbol.
func NewClient(cfg config.ExchangeConfig, symbol string) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.RESTBaseURL).
		SetTimeout(cfg.SnapshotTimeout).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Accept", "application/json")

	return &Client{
		http:   httpClient,
		rl:     NewTokenBucket(5, 0.5), // 5 burst, one fetch per 2 s sustained
		symbol: symbol,
		depth:  cfg.SnapshotDepth,
	}
}

// GetDepthSnapshot fetches the full book snapshot used to (re)initialize
// the order book.
func (c *Client) GetDepthSnapshot(ctx context.Context) (types.DepthSnapshot, error) {
	if err := c.rl.Wait(ctx); err != nil {
		return types.DepthSnapshot{}, err
	}

	var result DepthSnapshotResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", c.symbol).
		SetQueryParam("limit", fmt.Sprintf("%d", c.depth)).
		SetResult(&result).
		Get("/api/v3/depth")
	if err != nil {
		return types.DepthSnapshot{}, fmt.Errorf("get depth: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return types.DepthSnapshot{}, fmt.Errorf("get depth: status %d: %s", resp.StatusCode(), resp.String())
	}
	return result.ToSnapshot()
}

package hyperliquid

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"
)

// InfoClient queries the unsigned /info endpoint.
type InfoClient struct {
	baseURL string
	http    *http.Client
	logger  zerolog.Logger
}

// NewInfoClient creates an info client against the given API base URL.
func NewInfoClient(baseURL string, logger zerolog.Logger) *InfoClient {
	return &InfoClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: requestTimeout},
		logger:  logger.With().Str("component", "hl-info").Logger(),
	}
}

func (c *InfoClient) post(ctx context.Context, payload interface{}, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal info request: %w", err)
	}
	data, err := postJSON(ctx, c.http, c.baseURL+"/info", body, c.logger)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: decode info response: %v", ErrVenueFatal, err)
	}
	return nil
}

// CandleSnapshot fetches closed candles for a coin between startTime and
// endTime (epoch milliseconds, inclusive start).
func (c *InfoClient) CandleSnapshot(ctx context.Context, coin, interval string, startTime, endTime int64) ([]WireCandle, error) {
	req := InfoRequest{
		Type: "candleSnapshot",
		Req: CandleSnapshotRequest{
			Coin:      coin,
			Interval:  interval,
			StartTime: startTime,
			EndTime:   endTime,
		},
	}
	var candles []WireCandle
	if err := c.post(ctx, req, &candles); err != nil {
		return nil, err
	}
	return candles, nil
}

// ClearinghouseState fetches account margin and position state for a wallet.
func (c *InfoClient) ClearinghouseState(ctx context.Context, wallet string) (*ClearinghouseState, error) {
	state := &ClearinghouseState{}
	if err := c.post(ctx, InfoRequest{Type: "clearinghouseState", User: wallet}, state); err != nil {
		return nil, err
	}
	return state, nil
}

// FrontendOpenOrders fetches resting orders with trigger metadata.
func (c *InfoClient) FrontendOpenOrders(ctx context.Context, wallet string) ([]OpenOrderWire, error) {
	var orders []OpenOrderWire
	if err := c.post(ctx, InfoRequest{Type: "frontendOpenOrders", User: wallet}, &orders); err != nil {
		return nil, err
	}
	return orders, nil
}

// HistoricalOrders fetches the order history with lifecycle statuses.
func (c *InfoClient) HistoricalOrders(ctx context.Context, wallet string) ([]HistoricalOrderWire, error) {
	var orders []HistoricalOrderWire
	if err := c.post(ctx, InfoRequest{Type: "historicalOrders", User: wallet}, &orders); err != nil {
		return nil, err
	}
	return orders, nil
}

// Meta fetches the perpetuals universe.
func (c *InfoClient) Meta(ctx context.Context) (*Meta, error) {
	meta := &Meta{}
	if err := c.post(ctx, InfoRequest{Type: "meta"}, meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// AllMidPrices fetches the current mid price for every coin.
func (c *InfoClient) AllMidPrices(ctx context.Context) (AllMids, error) {
	mids := AllMids{}
	if err := c.post(ctx, InfoRequest{Type: "allMids"}, &mids); err != nil {
		return nil, err
	}
	return mids, nil
}

package hyperliquid

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ExchangeClient posts signed actions to the /exchange endpoint.
type ExchangeClient struct {
	baseURL string
	http    *http.Client
	signer  *Signer
	vault   *string
	logger  zerolog.Logger

	nonceMu   sync.Mutex
	lastNonce uint64
}

// NewExchangeClient creates an exchange client. The signer's wallet must be
// the account (or an approved agent of the account) being traded.
func NewExchangeClient(baseURL string, signer *Signer, logger zerolog.Logger) *ExchangeClient {
	return &ExchangeClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: requestTimeout},
		signer:  signer,
		logger:  logger.With().Str("component", "hl-exchange").Logger(),
	}
}

// nextNonce returns a strictly increasing millisecond nonce. The venue
// rejects nonces that go backwards, so bursts within one millisecond are
// bumped forward.
func (c *ExchangeClient) nextNonce() uint64 {
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()
	n := uint64(time.Now().UnixMilli())
	if n <= c.lastNonce {
		n = c.lastNonce + 1
	}
	c.lastNonce = n
	return n
}

// execute signs and posts one action. The envelope is signed once and
// resent verbatim on transient retries; the venue dedupes by nonce, so a
// retry of a request that actually landed cannot double-execute.
func (c *ExchangeClient) execute(ctx context.Context, action interface{}) (json.RawMessage, error) {
	nonce := c.nextNonce()
	sig, err := c.signer.SignL1Action(action, c.vault, nonce)
	if err != nil {
		return nil, fmt.Errorf("%w: sign action: %v", ErrVenueFatal, err)
	}

	body, err := json.Marshal(ExchangeRequest{
		Action:       action,
		Nonce:        nonce,
		Signature:    sig,
		VaultAddress: c.vault,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal exchange request: %w", err)
	}

	data, err := postJSON(ctx, c.http, c.baseURL+"/exchange", body, c.logger)
	if err != nil {
		return nil, err
	}

	resp := ExchangeResponse{}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("%w: decode exchange response: %v", ErrVenueFatal, err)
	}
	if resp.Status != "ok" {
		var msg string
		if err := json.Unmarshal(resp.Response, &msg); err != nil {
			msg = truncateBody(resp.Response)
		}
		return nil, fmt.Errorf("%w: %s", ErrVenueFatal, msg)
	}
	return resp.Response, nil
}

// PlaceOrders submits one or more orders and returns per-order statuses.
func (c *ExchangeClient) PlaceOrders(ctx context.Context, orders []OrderWire) (*OrderResponseData, error) {
	raw, err := c.execute(ctx, OrderAction{Type: "order", Orders: orders, Grouping: "na"})
	if err != nil {
		return nil, err
	}
	out := &OrderResponseData{}
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("%w: decode order response: %v", ErrVenueFatal, err)
	}
	if len(out.Data.Statuses) != len(orders) {
		return nil, fmt.Errorf("%w: expected %d order statuses, got %d", ErrVenueFatal, len(orders), len(out.Data.Statuses))
	}
	return out, nil
}

// CancelOrder cancels a single resting order.
func (c *ExchangeClient) CancelOrder(ctx context.Context, asset int, oid int64) error {
	raw, err := c.execute(ctx, CancelAction{Type: "cancel", Cancels: []CancelWire{{Asset: asset, Oid: oid}}})
	if err != nil {
		return err
	}
	var out struct {
		Type string `json:"type"`
		Data struct {
			Statuses []json.RawMessage `json:"statuses"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("%w: decode cancel response: %v", ErrVenueFatal, err)
	}
	for _, raw := range out.Data.Statuses {
		var s string
		if json.Unmarshal(raw, &s) == nil && s == "success" {
			continue
		}
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			return fmt.Errorf("%w: cancel %d: %s", ErrVenueFatal, oid, e.Error)
		}
	}
	return nil
}

// UpdateLeverage sets the leverage and margin mode for an asset.
func (c *ExchangeClient) UpdateLeverage(ctx context.Context, asset, leverage int, isCross bool) error {
	_, err := c.execute(ctx, UpdateLeverageAction{
		Type:     "updateLeverage",
		Asset:    asset,
		IsCross:  isCross,
		Leverage: leverage,
	})
	return err
}

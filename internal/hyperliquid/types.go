// Package hyperliquid implements the venue adapter for the Hyperliquid
// perpetuals API: the unsigned /info endpoint, the signed /exchange
// endpoint, and the WebSocket stream.
package hyperliquid

import (
	"encoding/json"
	"math"
	"strconv"
)

// Mainnet endpoints. The testnet equivalents are configured per deployment.
const (
	MainnetAPIURL = "https://api.hyperliquid.xyz"
	MainnetWSURL  = "wss://api.hyperliquid.xyz/ws"
	TestnetAPIURL = "https://api.hyperliquid-testnet.xyz"
	TestnetWSURL  = "wss://api.hyperliquid-testnet.xyz/ws"
)

// InfoRequest is the shared envelope for info endpoint requests.
type InfoRequest struct {
	Type string      `json:"type"`
	User string      `json:"user,omitempty"`
	Req  interface{} `json:"req,omitempty"`
}

// CandleSnapshotRequest carries parameters for the candleSnapshot request.
type CandleSnapshotRequest struct {
	Coin      string `json:"coin"`
	Interval  string `json:"interval"`
	StartTime int64  `json:"startTime"`
	EndTime   int64  `json:"endTime"`
}

// WireCandle mirrors one candle as returned by candleSnapshot and the
// candle WebSocket channel. Prices and volume arrive as strings.
type WireCandle struct {
	OpenTime  int64   `json:"t"`
	CloseTime int64   `json:"T"`
	Symbol    string  `json:"s"`
	Interval  string  `json:"i"`
	Open      float64 `json:"o,string"`
	Close     float64 `json:"c,string"`
	High      float64 `json:"h,string"`
	Low       float64 `json:"l,string"`
	Volume    float64 `json:"v,string"`
	Trades    int64   `json:"n"`
}

// ClearinghouseState is the account state returned for a wallet.
type ClearinghouseState struct {
	AssetPositions []AssetPosition `json:"assetPositions"`
	MarginSummary  MarginSummary   `json:"marginSummary"`
	Withdrawable   string          `json:"withdrawable"`
	Time           int64           `json:"time"`
}

// AssetPosition wraps one open position.
type AssetPosition struct {
	Type     string      `json:"type"`
	Position RawPosition `json:"position"`
}

// RawPosition holds per-position fields; szi is signed size (negative for
// shorts).
type RawPosition struct {
	Coin           string   `json:"coin"`
	Szi            string   `json:"szi"`
	EntryPx        string   `json:"entryPx"`
	PositionValue  string   `json:"positionValue"`
	UnrealizedPnl  string   `json:"unrealizedPnl"`
	ReturnOnEquity string   `json:"returnOnEquity"`
	Leverage       Leverage `json:"leverage"`
	LiquidationPx  string   `json:"liquidationPx"`
	MarginUsed     string   `json:"marginUsed"`
}

// Leverage describes the margin mode of a position.
type Leverage struct {
	Type  string `json:"type"` // "cross" | "isolated"
	Value int    `json:"value"`
}

// MarginSummary aggregates account-level margin numbers.
type MarginSummary struct {
	AccountValue    string `json:"accountValue"`
	TotalNtlPos     string `json:"totalNtlPos"`
	TotalRawUsd     string `json:"totalRawUsd"`
	TotalMarginUsed string `json:"totalMarginUsed"`
}

// OpenOrderWire is one resting order from frontendOpenOrders.
type OpenOrderWire struct {
	Coin             string `json:"coin"`
	Side             string `json:"side"` // "B" bid/buy, "A" ask/sell
	LimitPx          string `json:"limitPx"`
	Sz               string `json:"sz"`
	Oid              int64  `json:"oid"`
	Timestamp        int64  `json:"timestamp"`
	OrigSz           string `json:"origSz"`
	ReduceOnly       bool   `json:"reduceOnly"`
	OrderType        string `json:"orderType"`
	IsTrigger        bool   `json:"isTrigger"`
	TriggerPx        string `json:"triggerPx"`
	TriggerCondition string `json:"triggerCondition"`
	IsPositionTpsl   bool   `json:"isPositionTpsl"`
}

// HistoricalOrderWire is one order with its lifecycle status.
type HistoricalOrderWire struct {
	Order           OpenOrderWire `json:"order"`
	Status          string        `json:"status"`
	StatusTimestamp int64         `json:"statusTimestamp"`
}

// Meta is the perpetuals universe metadata.
type Meta struct {
	Universe []AssetMeta `json:"universe"`
}

// AssetMeta describes one tradable asset.
type AssetMeta struct {
	Name        string `json:"name"`
	SzDecimals  int    `json:"szDecimals"`
	MaxLeverage int    `json:"maxLeverage"`
}

// AllMids maps coin to its current mid price (as a string).
type AllMids map[string]string

// ============================================================================
// EXCHANGE ACTIONS
// The msgpack field order below is part of the signed payload; do not
// reorder fields.
// ============================================================================

// OrderAction places one or more orders.
type OrderAction struct {
	Type     string      `json:"type" msgpack:"type"`
	Orders   []OrderWire `json:"orders" msgpack:"orders"`
	Grouping string      `json:"grouping" msgpack:"grouping"`
}

// OrderWire is the compact order encoding used by the exchange endpoint.
type OrderWire struct {
	Asset      int           `json:"a" msgpack:"a"`
	IsBuy      bool          `json:"b" msgpack:"b"`
	LimitPx    string        `json:"p" msgpack:"p"`
	Sz         string        `json:"s" msgpack:"s"`
	ReduceOnly bool          `json:"r" msgpack:"r"`
	OrderType  OrderTypeWire `json:"t" msgpack:"t"`
}

// OrderTypeWire selects exactly one of limit or trigger semantics.
type OrderTypeWire struct {
	Limit   *LimitType   `json:"limit,omitempty" msgpack:"limit,omitempty"`
	Trigger *TriggerType `json:"trigger,omitempty" msgpack:"trigger,omitempty"`
}

// LimitType carries the time-in-force for a limit order.
type LimitType struct {
	Tif string `json:"tif" msgpack:"tif"` // "Gtc" | "Ioc" | "Alo"
}

// TriggerType describes a stop/take-profit trigger.
type TriggerType struct {
	IsMarket  bool   `json:"isMarket" msgpack:"isMarket"`
	TriggerPx string `json:"triggerPx" msgpack:"triggerPx"`
	Tpsl      string `json:"tpsl" msgpack:"tpsl"` // "tp" | "sl"
}

// CancelAction cancels orders by id.
type CancelAction struct {
	Type    string       `json:"type" msgpack:"type"`
	Cancels []CancelWire `json:"cancels" msgpack:"cancels"`
}

// CancelWire identifies one order to cancel.
type CancelWire struct {
	Asset int   `json:"a" msgpack:"a"`
	Oid   int64 `json:"o" msgpack:"o"`
}

// UpdateLeverageAction sets leverage for one asset.
type UpdateLeverageAction struct {
	Type     string `json:"type" msgpack:"type"`
	Asset    int    `json:"asset" msgpack:"asset"`
	IsCross  bool   `json:"isCross" msgpack:"isCross"`
	Leverage int    `json:"leverage" msgpack:"leverage"`
}

// ExchangeRequest is the signed envelope posted to /exchange.
type ExchangeRequest struct {
	Action       interface{} `json:"action"`
	Nonce        uint64      `json:"nonce"`
	Signature    RSV         `json:"signature"`
	VaultAddress *string     `json:"vaultAddress"`
}

// RSV is a split secp256k1 signature.
type RSV struct {
	R string `json:"r"`
	S string `json:"s"`
	V uint8  `json:"v"`
}

// ExchangeResponse is the top-level /exchange reply. Response is "ok" data
// or a plain error string depending on Status.
type ExchangeResponse struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

// OrderResponseData carries per-order statuses for an order action.
type OrderResponseData struct {
	Type string `json:"type"`
	Data struct {
		Statuses []OrderStatusWire `json:"statuses"`
	} `json:"data"`
}

// OrderStatusWire reports the outcome of one submitted order.
type OrderStatusWire struct {
	Resting *RestingStatus `json:"resting,omitempty"`
	Filled  *FilledStatus  `json:"filled,omitempty"`
	Error   *string        `json:"error,omitempty"`
}

// RestingStatus means the order is live on the book.
type RestingStatus struct {
	Oid int64 `json:"oid"`
}

// FilledStatus means the order executed immediately.
type FilledStatus struct {
	Oid     int64   `json:"oid"`
	TotalSz float64 `json:"totalSz,string"`
	AvgPx   float64 `json:"avgPx,string"`
}

// ============================================================================
// WEBSOCKET
// ============================================================================

type wsRequest struct {
	Method       string          `json:"method"`
	Subscription *wsSubscription `json:"subscription,omitempty"`
}

type wsSubscription struct {
	Type     string `json:"type"`
	Coin     string `json:"coin,omitempty"`
	Interval string `json:"interval,omitempty"`
	User     string `json:"user,omitempty"`
}

type wsMessage struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// WsOrderUpdate is one element of an orderUpdates batch.
type WsOrderUpdate struct {
	Order           WsBasicOrder `json:"order"`
	Status          string       `json:"status"`
	StatusTimestamp int64        `json:"statusTimestamp"`
}

// WsBasicOrder is the reduced order shape delivered on the stream.
type WsBasicOrder struct {
	Coin      string `json:"coin"`
	Side      string `json:"side"`
	LimitPx   string `json:"limitPx"`
	Sz        string `json:"sz"`
	Oid       int64  `json:"oid"`
	Timestamp int64  `json:"timestamp"`
	OrigSz    string `json:"origSz"`
}

// WsUserFills is the userFills channel payload.
type WsUserFills struct {
	IsSnapshot bool     `json:"isSnapshot"`
	User       string   `json:"user"`
	Fills      []WsFill `json:"fills"`
}

// WsFill is one executed fill.
type WsFill struct {
	Coin      string  `json:"coin"`
	Px        float64 `json:"px,string"`
	Sz        float64 `json:"sz,string"`
	Side      string  `json:"side"`
	Time      int64   `json:"time"`
	Oid       int64   `json:"oid"`
	Fee       float64 `json:"fee,string"`
	ClosedPnl float64 `json:"closedPnl,string"`
	Dir       string  `json:"dir"`
	Crossed   bool    `json:"crossed"`
	Tid       int64   `json:"tid"`
}

// ============================================================================
// WIRE FORMATTING
// ============================================================================

// RoundToSigFigs rounds v to the given number of significant figures.
func RoundToSigFigs(v float64, figs int) float64 {
	if v == 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return v
	}
	d := math.Ceil(math.Log10(math.Abs(v)))
	power := float64(figs) - d
	mag := math.Pow(10, power)
	return math.Round(v*mag) / mag
}

// FormatPrice renders a price with at most 5 significant figures, the
// venue's perp price precision.
func FormatPrice(px float64) string {
	return strconv.FormatFloat(RoundToSigFigs(px, 5), 'f', -1, 64)
}

// TruncateSize floor-truncates a size to szDecimals. The scaled value is
// rounded at the 8th decimal first so float noise (0.29*100 = 28.999...)
// cannot drop a real tick.
func TruncateSize(sz float64, szDecimals int) float64 {
	mag := math.Pow(10, float64(szDecimals))
	scaled := math.Round(sz*mag*1e8) / 1e8
	return math.Floor(scaled) / mag
}

// FormatSize renders a size floor-truncated to szDecimals.
func FormatSize(sz float64, szDecimals int) string {
	return strconv.FormatFloat(TruncateSize(sz, szDecimals), 'f', -1, 64)
}

func parseFloat(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseFloat(s, 64)
}

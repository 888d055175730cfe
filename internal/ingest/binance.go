package ingest

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/rs/zerolog"

	"github.com/EduKegler/breaker-sub003/internal/candle"
)

const (
	binanceKlineLimit     = 1500
	binanceMaxPages       = 50
	binanceReconnectDelay = 5 * time.Second
)

// BinanceSource feeds candles from Binance USD-M futures. The platform
// historically charts against Binance data while executing elsewhere; both
// sources normalize into the same Candle type. Kline reads are public, no
// API keys involved.
type BinanceSource struct {
	client *futures.Client
	logger zerolog.Logger
	quote  string
}

// NewBinanceSource builds the market-data client.
func NewBinanceSource(useTestnet bool, logger zerolog.Logger) *BinanceSource {
	futures.UseTestnet = useTestnet
	return &BinanceSource{
		client: futures.NewClient("", ""),
		logger: logger.With().Str("component", "binance-source").Logger(),
		quote:  "USDT",
	}
}

// pairSymbol maps a coin to its Binance futures pair (BTC → BTCUSDT).
func (s *BinanceSource) pairSymbol(coin string) string {
	return strings.ToUpper(coin) + s.quote
}

// FetchCandles pages through /fapi/v1/klines until the window is covered.
func (s *BinanceSource) FetchCandles(ctx context.Context, coin string, interval candle.Interval, startMs, endMs int64) ([]candle.Candle, error) {
	ivMs := interval.Millis()
	if ivMs == 0 {
		return nil, fmt.Errorf("unknown interval %q", interval)
	}
	symbol := s.pairSymbol(coin)

	var out []candle.Candle
	cursor := startMs
	for page := 0; page < binanceMaxPages && cursor < endMs; page++ {
		klines, err := s.client.NewKlinesService().
			Symbol(symbol).
			Interval(interval.String()).
			StartTime(cursor).
			EndTime(endMs - 1).
			Limit(binanceKlineLimit).
			Do(ctx)
		if err != nil {
			return nil, fmt.Errorf("binance klines %s: %w", symbol, err)
		}
		if len(klines) == 0 {
			break
		}
		for _, k := range klines {
			c, err := klineToCandle(k)
			if err != nil {
				s.logger.Warn().Err(err).Str("symbol", symbol).Int64("t", k.OpenTime).Msg("dropping unparseable kline")
				continue
			}
			out = append(out, c)
		}
		cursor = klines[len(klines)-1].OpenTime + ivMs
		if len(klines) < binanceKlineLimit {
			break
		}
	}
	return out, nil
}

// SubscribeCandles runs a kline stream for the pair, reconnecting until the
// context ends. In-progress updates are forwarded too; closed-bar detection
// belongs to the ingestor, not to IsFinal.
func (s *BinanceSource) SubscribeCandles(ctx context.Context, coin string, interval candle.Interval, onUpdate func(candle.Candle)) error {
	symbol := s.pairSymbol(coin)
	go s.streamLoop(ctx, symbol, interval.String(), onUpdate)
	return nil
}

func (s *BinanceSource) streamLoop(ctx context.Context, symbol, interval string, onUpdate func(candle.Candle)) {
	for {
		if ctx.Err() != nil {
			return
		}

		handler := func(event *futures.WsKlineEvent) {
			c, err := wsKlineToCandle(event.Kline)
			if err != nil {
				s.logger.Warn().Err(err).Str("symbol", symbol).Msg("dropping unparseable kline update")
				return
			}
			onUpdate(c)
		}
		errHandler := func(err error) {
			s.logger.Warn().Err(err).Str("symbol", symbol).Msg("binance kline stream error")
		}

		doneC, stopC, err := futures.WsKlineServe(symbol, interval, handler, errHandler)
		if err != nil {
			s.logger.Error().Err(err).Str("symbol", symbol).Msg("binance kline stream connect failed, retrying")
			select {
			case <-ctx.Done():
				return
			case <-time.After(binanceReconnectDelay):
			}
			continue
		}

		select {
		case <-ctx.Done():
			close(stopC)
			return
		case <-doneC:
			s.logger.Warn().Str("symbol", symbol).Msg("binance kline stream closed, reconnecting")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(binanceReconnectDelay):
		}
	}
}

func klineToCandle(k *futures.Kline) (candle.Candle, error) {
	return buildCandle(k.OpenTime, k.Open, k.High, k.Low, k.Close, k.Volume, k.TradeNum)
}

func wsKlineToCandle(k futures.WsKline) (candle.Candle, error) {
	return buildCandle(k.StartTime, k.Open, k.High, k.Low, k.Close, k.Volume, k.TradeNum)
}

func buildCandle(openTime int64, openS, highS, lowS, closeS, volS string, trades int64) (candle.Candle, error) {
	o, err := strconv.ParseFloat(openS, 64)
	if err != nil {
		return candle.Candle{}, fmt.Errorf("open %q: %w", openS, err)
	}
	h, err := strconv.ParseFloat(highS, 64)
	if err != nil {
		return candle.Candle{}, fmt.Errorf("high %q: %w", highS, err)
	}
	l, err := strconv.ParseFloat(lowS, 64)
	if err != nil {
		return candle.Candle{}, fmt.Errorf("low %q: %w", lowS, err)
	}
	c, err := strconv.ParseFloat(closeS, 64)
	if err != nil {
		return candle.Candle{}, fmt.Errorf("close %q: %w", closeS, err)
	}
	v, err := strconv.ParseFloat(volS, 64)
	if err != nil {
		return candle.Candle{}, fmt.Errorf("volume %q: %w", volS, err)
	}
	return candle.Candle{T: openTime, O: o, H: h, L: l, C: c, V: v, N: trades}, nil
}

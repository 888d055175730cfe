package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/EduKegler/breaker-sub003/internal/candle"
	"github.com/EduKegler/breaker-sub003/internal/orders"
	"github.com/EduKegler/breaker-sub003/internal/strategy"
)

const (
	healthCheckTimeout = 2 * time.Second
	venueProxyTimeout  = 5 * time.Second

	defaultListLimit  = 100
	maxListLimit      = 500
	defaultCandleTail = 200
	maxCandleTail     = 1000
)

// handleHealth reports process and database health.
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	if err := s.repo.HealthCheck(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":   "unhealthy",
			"database": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":   "healthy",
		"database": "connected",
		"mode":     s.cfg.Mode,
	})
}

// signalRequest is the webhook payload. The signal fields arrive flat, the
// way an alert template renders them; symbol and source identify where the
// alert should trade and who sent it.
type signalRequest struct {
	strategy.Signal

	Symbol  string `json:"symbol"`
	Coin    string `json:"coin"`
	Source  string `json:"source"`
	AlertID string `json:"alert_id"`
}

// handleSignal accepts an external alert and runs it through the executor.
// Accepted signals return 200; risk rejections and duplicates return 422
// with the reason.
func (s *Server) handleSignal(c *gin.Context) {
	var req signalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid payload: " + err.Error()})
		return
	}

	symbol := req.Symbol
	if symbol == "" {
		symbol = req.Coin
	}
	if symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing symbol"})
		return
	}
	if req.Direction != strategy.DirectionLong && req.Direction != strategy.DirectionShort {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Direction must be long or short"})
		return
	}

	source := req.Source
	if source == "" {
		source = "webhook"
	}

	// Market orders need a reference price for sizing and slippage checks.
	// Prefer the live feed; a limit alert can stand on its own entry price.
	currentPrice, ok := s.candles.LastPrice(symbol)
	if !ok {
		if req.EntryPrice == nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"status": "rejected",
				"error":  "No market price available for " + symbol,
			})
			return
		}
		currentPrice = *req.EntryPrice
	}

	alertID := req.AlertID
	if alertID == "" {
		// Re-posts of the same alert inside one minute dedup to one trade.
		barT := candle.AlignDown(time.Now().UnixMilli(), candle.Interval1m)
		alertID = orders.DeterministicAlertID(symbol, source, string(req.Direction), barT)
	}

	sig := req.Signal
	res, err := s.executor.Execute(c.Request.Context(), orders.Alert{
		AlertID:      alertID,
		Source:       source,
		Symbol:       symbol,
		Signal:       &sig,
		CurrentPrice: currentPrice,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("alert_id", alertID).Msg("Signal execution failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if res.Duplicate {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"status":    "rejected",
			"error":     "Duplicate alert_id",
			"alert_id":  alertID,
			"signal_id": res.SignalID,
		})
		return
	}

	if !res.Accepted {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"status":    "rejected",
			"error":     res.Reason,
			"alert_id":  alertID,
			"signal_id": res.SignalID,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":           "executed",
		"alert_id":         alertID,
		"signal_id":        res.SignalID,
		"entry_order_id":   res.EntryOrderID,
		"entry_price":      res.EntryPrice,
		"size":             res.Size,
		"notional_usd":     res.NotionalUsd,
		"venue_incomplete": res.VenueIncomplete,
	})
}

// handlePositions returns the local position book.
func (s *Server) handlePositions(c *gin.Context) {
	positions := s.book.GetAll()
	c.JSON(http.StatusOK, gin.H{
		"positions": positions,
		"count":     len(positions),
	})
}

// handleOrders returns recent persisted orders.
func (s *Server) handleOrders(c *gin.Context) {
	limit := queryInt(c, "limit", defaultListLimit, maxListLimit)

	out, err := s.repo.ListRecentOrders(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"orders": out,
		"count":  len(out),
	})
}

// handleSignals returns recent persisted signals with their risk outcomes.
func (s *Server) handleSignals(c *gin.Context) {
	limit := queryInt(c, "limit", defaultListLimit, maxListLimit)

	out, err := s.repo.ListRecentSignals(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"signals": out,
		"count":   len(out),
	})
}

// handleOpenOrders returns the venue's resting orders.
func (s *Server) handleOpenOrders(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), venueProxyTimeout)
	defer cancel()

	out, err := s.venue.GetOpenOrders(ctx)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"open_orders": out,
		"count":       len(out),
	})
}

// handleEquity returns venue equity alongside the book's unrealized pnl.
func (s *Server) handleEquity(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), venueProxyTimeout)
	defer cancel()

	equity, err := s.venue.GetAccountEquity(ctx)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	var unrealized float64
	positions := s.book.GetAll()
	for _, p := range positions {
		unrealized += p.UnrealizedPnl
	}

	resp := gin.H{
		"equity":         equity,
		"unrealized_pnl": unrealized,
		"open_positions": len(positions),
		"mode":           s.cfg.Mode,
	}
	if snap, err := s.repo.LatestEquitySnapshot(ctx); err == nil && snap != nil {
		resp["last_snapshot"] = snap
	}
	c.JSON(http.StatusOK, resp)
}

// handleCandles returns a window of the in-memory series. Defaults to the
// first configured symbol and its first assignment's interval.
func (s *Server) handleCandles(c *gin.Context) {
	coin := c.Query("coin")
	ivParam := c.Query("interval")

	if coin == "" || ivParam == "" {
		defCoin, defIv := s.defaultFeed()
		if coin == "" {
			coin = defCoin
		}
		if ivParam == "" {
			ivParam = string(defIv)
		}
	}
	if coin == "" || ivParam == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing coin or interval"})
		return
	}

	interval, err := candle.ParseInterval(ivParam)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	series, ok := s.candles.Series(coin, interval)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "No feed for " + coin + " " + string(interval)})
		return
	}

	limit := queryInt(c, "limit", defaultCandleTail, maxCandleTail)
	window := series.Snapshot()

	if beforeParam := c.Query("before"); beforeParam != "" {
		before, err := strconv.ParseInt(beforeParam, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid before timestamp"})
			return
		}
		cut := len(window)
		for cut > 0 && window[cut-1].T >= before {
			cut--
		}
		window = window[:cut]
	}
	if len(window) > limit {
		window = window[len(window)-limit:]
	}

	c.JSON(http.StatusOK, gin.H{
		"coin":     coin,
		"interval": interval,
		"candles":  window,
		"count":    len(window),
	})
}

// handleConfig returns the running configuration with secrets removed.
func (s *Server) handleConfig(c *gin.Context) {
	cfg := s.cfg

	symbols := make([]gin.H, 0, len(cfg.Symbols))
	for _, sym := range cfg.Symbols {
		symbols = append(symbols, gin.H{
			"coin":        sym.Coin,
			"leverage":    sym.Leverage,
			"margin_type": sym.MarginType,
			"data_source": sym.DataSource,
			"strategies":  sym.Strategies,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"mode":       cfg.Mode,
		"symbols":    symbols,
		"guardrails": cfg.GuardrailsConfig,
		"sizing":     cfg.SizingConfig,
		"execution":  cfg.ExecutionConfig,
		"runtime":    cfg.RuntimeConfig,
		"reconciler": cfg.ReconcilerConfig,
		"server": gin.H{
			"host": cfg.ServerConfig.Host,
			"port": cfg.ServerConfig.Port,
		},
		"hyperliquid": gin.H{
			"base_url":       cfg.HyperliquidConfig.BaseURL,
			"wallet_address": cfg.HyperliquidConfig.WalletAddress,
		},
		"notification": gin.H{
			"enabled":  cfg.NotificationConfig.Enabled,
			"telegram": cfg.NotificationConfig.Telegram.Enabled,
			"discord":  cfg.NotificationConfig.Discord.Enabled,
		},
		"metrics": cfg.MetricsConfig,
	})
}

// defaultFeed picks the first configured symbol and interval for endpoints
// that leave them implicit.
func (s *Server) defaultFeed() (string, candle.Interval) {
	for _, sym := range s.cfg.Symbols {
		for _, asg := range sym.Strategies {
			return sym.Coin, candle.Interval(asg.Interval)
		}
	}
	return "", ""
}

func queryInt(c *gin.Context, key string, def, max int) int {
	v := c.Query(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

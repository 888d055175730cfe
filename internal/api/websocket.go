package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/EduKegler/breaker-sub003/internal/candle"
	"github.com/EduKegler/breaker-sub003/internal/events"
	"github.com/EduKegler/breaker-sub003/internal/hyperliquid"
	"github.com/EduKegler/breaker-sub003/internal/position"
)

// Frame types pushed over /ws.
const (
	FrameSnapshot   = "snapshot"
	FramePositions  = "positions"
	FrameOrders     = "orders"
	FrameOpenOrders = "open-orders"
	FrameEquity     = "equity"
	FrameCandle     = "candle"
	FrameSignals    = "signals"
	FramePrices     = "prices"
)

// wsFrame is the envelope for every message pushed to clients.
type wsFrame struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// CORS policy is enforced on the REST surface; the socket carries
		// read-only state.
		return true
	},
}

// WSClient represents one WebSocket client.
type WSClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *WSHub
}

// WSHub manages all WebSocket clients.
type WSHub struct {
	clients    map[*WSClient]bool
	broadcast  chan []byte
	register   chan *WSClient
	unregister chan *WSClient
	mu         sync.RWMutex
	logger     zerolog.Logger
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub(logger zerolog.Logger) *WSHub {
	return &WSHub{
		clients:    make(map[*WSClient]bool),
		broadcast:  make(chan []byte, 4096),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
		logger:     logger.With().Str("component", "ws").Logger(),
	}
}

// Run starts the WebSocket hub loop.
func (h *WSHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug().Str("client", client.id).Msg("WebSocket client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.Debug().Str("client", client.id).Msg("WebSocket client disconnected")

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Client's send channel is full; let unregister close it.
					go func(c *WSClient) {
						h.unregister <- c
					}(client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast sends a typed frame to all connected clients.
func (h *WSHub) Broadcast(frameType string, data interface{}) {
	frame := wsFrame{
		Type:      frameType,
		Timestamp: time.Now(),
		Data:      data,
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error().Err(err).Str("frame", frameType).Msg("Failed to marshal frame")
		return
	}

	select {
	case h.broadcast <- payload:
	default:
		h.logger.Warn().Str("frame", frameType).Msg("Broadcast channel full, dropping frame")
	}
}

// GetClientCount returns the number of connected clients.
func (h *WSHub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// writePump pumps messages from the hub to the websocket connection.
func (c *WSClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains the connection so pings and close frames are processed.
func (c *WSClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, _, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug().Err(err).Str("client", c.id).Msg("WebSocket read error")
			}
			break
		}
		// Clients don't send anything we act on.
	}
}

// Global WebSocket hub.
var wsHub *WSHub

// InitWebSocket starts the hub and bridges bus events onto the socket.
// Signal lifecycle events map to "signals" frames, order placements to
// "orders", position transitions to "positions"; everything else stays in
// the journal only.
func InitWebSocket(bus *events.Bus, logger zerolog.Logger) *WSHub {
	wsHub = NewWSHub(logger)
	go wsHub.Run()

	bus.SubscribeAll(func(event events.Event) {
		var frameType string
		switch event.Type {
		case events.EventSignalReceived, events.EventRiskCheckPassed, events.EventRiskCheckFailed:
			frameType = FrameSignals
		case events.EventOrderPlaced:
			frameType = FrameOrders
		case events.EventPositionOpened, events.EventPositionClosed:
			frameType = FramePositions
		default:
			return
		}

		data := map[string]interface{}{"event": string(event.Type)}
		for k, v := range event.Data {
			data[k] = v
		}
		wsHub.Broadcast(frameType, data)
	})

	return wsHub
}

// handleWebSocket upgrades the connection and registers the client.
func (s *Server) handleWebSocket(c *gin.Context) {
	if wsHub == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "WebSocket hub not running"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	client := &WSClient{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, 256),
		hub:  wsHub,
	}

	client.hub.register <- client

	go client.writePump()
	go client.readPump()

	// Initial state so the UI can render without waiting for a push.
	welcome := wsFrame{
		Type:      FrameSnapshot,
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"client_id": client.id,
			"mode":      s.cfg.Mode,
			"positions": s.book.GetAll(),
		},
	}
	if data, err := json.Marshal(welcome); err == nil {
		select {
		case client.send <- data:
		default:
		}
	}
}

// BroadcastCandle pushes one candle update. Wired as the runtime's candle
// hook, so it must not block.
func BroadcastCandle(coin string, interval candle.Interval, c candle.Candle, closed bool) {
	if wsHub == nil {
		return
	}
	wsHub.Broadcast(FrameCandle, map[string]interface{}{
		"coin":     coin,
		"interval": string(interval),
		"candle":   c,
		"closed":   closed,
	})
}

// BroadcastPositions pushes the current position book.
func BroadcastPositions(positions []position.Position) {
	if wsHub == nil {
		return
	}
	wsHub.Broadcast(FramePositions, map[string]interface{}{
		"positions": positions,
		"count":     len(positions),
	})
}

// BroadcastOpenOrders pushes the venue's resting orders.
func BroadcastOpenOrders(orders []hyperliquid.OpenOrder) {
	if wsHub == nil {
		return
	}
	wsHub.Broadcast(FrameOpenOrders, map[string]interface{}{
		"open_orders": orders,
		"count":       len(orders),
	})
}

// BroadcastEquity pushes an account equity update.
func BroadcastEquity(equity, unrealizedPnl float64, openPositions int) {
	if wsHub == nil {
		return
	}
	wsHub.Broadcast(FrameEquity, map[string]interface{}{
		"equity":         equity,
		"unrealized_pnl": unrealizedPnl,
		"open_positions": openPositions,
	})
}

// BroadcastPrices pushes the latest mark prices per coin.
func BroadcastPrices(prices map[string]float64) {
	if wsHub == nil {
		return
	}
	wsHub.Broadcast(FramePrices, prices)
}

package hyperliquid

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	wsPingInterval   = 50 * time.Second
	wsReadDeadline   = 75 * time.Second
	wsReconnectDelay = 5 * time.Second
	wsWriteTimeout   = 10 * time.Second
)

// Stream maintains the WebSocket connection for candles, order updates and
// fills. Callbacks run synchronously on the read loop so events are
// delivered in venue order and each batch is handled at most once; a
// panicking callback is recovered so the stream stays subscribed.
type Stream struct {
	url    string
	logger zerolog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	running bool
	stop    chan struct{}
	subs    []wsSubscription

	candleCb      func(WireCandle)
	orderUpdateCb func([]WsOrderUpdate)
	fillCb        func(WsUserFills)
}

// NewStream builds a stream for the given WebSocket endpoint.
func NewStream(url string, logger zerolog.Logger) *Stream {
	return &Stream{
		url:    url,
		logger: logger.With().Str("component", "hl-stream").Logger(),
	}
}

// SetCandleCallback registers the closed/updated candle handler.
func (s *Stream) SetCandleCallback(cb func(WireCandle)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candleCb = cb
}

// SetOrderUpdateCallback registers the order update batch handler.
func (s *Stream) SetOrderUpdateCallback(cb func([]WsOrderUpdate)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orderUpdateCb = cb
}

// SetFillCallback registers the user fills handler.
func (s *Stream) SetFillCallback(cb func(WsUserFills)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fillCb = cb
}

// SubscribeCandles subscribes to the candle channel for one coin/interval.
// Subscriptions are replayed after every reconnect.
func (s *Stream) SubscribeCandles(coin, interval string) error {
	return s.subscribe(wsSubscription{Type: "candle", Coin: coin, Interval: interval})
}

// SubscribeOrderUpdates subscribes to order lifecycle updates for a wallet.
func (s *Stream) SubscribeOrderUpdates(wallet string) error {
	return s.subscribe(wsSubscription{Type: "orderUpdates", User: wallet})
}

// SubscribeUserFills subscribes to executed fills for a wallet.
func (s *Stream) SubscribeUserFills(wallet string) error {
	return s.subscribe(wsSubscription{Type: "userFills", User: wallet})
}

func (s *Stream) subscribe(sub wsSubscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, sub)
	if s.conn == nil {
		return nil
	}
	return s.writeLocked(wsRequest{Method: "subscribe", Subscription: &sub})
}

// writeLocked sends one frame; the caller must hold s.mu.
func (s *Stream) writeLocked(v interface{}) error {
	if s.conn == nil {
		return fmt.Errorf("stream not connected")
	}
	s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return s.conn.WriteJSON(v)
}

// Start connects and begins the read loop. It returns an error if the
// stream is already running; connection failures are retried internally.
func (s *Stream) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("stream already running")
	}
	s.running = true
	s.stop = make(chan struct{})
	s.mu.Unlock()

	go s.run()
	return nil
}

// Stop closes the connection and ends the read loop.
func (s *Stream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	close(s.stop)
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.logger.Info().Msg("stream stopped")
}

// IsRunning reports whether the stream loop is active.
func (s *Stream) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// run owns the connect/read/reconnect cycle until Stop is called.
func (s *Stream) run() {
	for {
		select {
		case <-s.stopChan():
			return
		default:
		}

		if err := s.connect(); err != nil {
			s.logger.Error().Err(err).Msg("stream connect failed, retrying")
			if !s.sleepOrStop(wsReconnectDelay) {
				return
			}
			continue
		}

		pingDone := make(chan struct{})
		go s.pingLoop(pingDone)
		s.readLoop()
		close(pingDone)

		s.mu.Lock()
		stillRunning := s.running
		if s.conn != nil {
			s.conn.Close()
			s.conn = nil
		}
		s.mu.Unlock()
		if !stillRunning {
			return
		}
		s.logger.Warn().Msg("stream disconnected, reconnecting")
		if !s.sleepOrStop(wsReconnectDelay) {
			return
		}
	}
}

func (s *Stream) stopChan() chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stop
}

func (s *Stream) sleepOrStop(d time.Duration) bool {
	select {
	case <-s.stopChan():
		return false
	case <-time.After(d):
		return true
	}
}

// connect dials the endpoint and replays all subscriptions.
func (s *Stream) connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(s.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.url, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		conn.Close()
		return fmt.Errorf("stream stopped during connect")
	}
	s.conn = conn
	for i := range s.subs {
		sub := s.subs[i]
		if err := s.writeLocked(wsRequest{Method: "subscribe", Subscription: &sub}); err != nil {
			conn.Close()
			s.conn = nil
			return fmt.Errorf("resubscribe %s: %w", sub.Type, err)
		}
	}
	s.logger.Info().Int("subscriptions", len(s.subs)).Msg("stream connected")
	return nil
}

// pingLoop keeps the connection alive; the venue drops idle sockets.
func (s *Stream) pingLoop(done chan struct{}) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.mu.Lock()
			err := s.writeLocked(wsRequest{Method: "ping"})
			s.mu.Unlock()
			if err != nil {
				s.logger.Warn().Err(err).Msg("stream ping failed")
				return
			}
		}
	}
}

// readLoop consumes frames until the connection errors or the stream stops.
func (s *Stream) readLoop() {
	for {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn == nil {
			return
		}

		conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			running := s.running
			s.mu.Unlock()
			if running {
				s.logger.Warn().Err(err).Msg("stream read error")
			}
			return
		}
		s.handleMessage(raw)
	}
}

// handleMessage decodes one frame and dispatches it to the registered
// callback. Dispatch is synchronous: the next frame is not read until the
// callback returns.
func (s *Stream) handleMessage(raw []byte) {
	var msg wsMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.logger.Warn().Err(err).Msg("stream frame decode failed")
		return
	}

	switch msg.Channel {
	case "candle":
		var c WireCandle
		if err := json.Unmarshal(msg.Data, &c); err != nil {
			s.logger.Warn().Err(err).Msg("candle decode failed")
			return
		}
		s.mu.Lock()
		cb := s.candleCb
		s.mu.Unlock()
		if cb != nil {
			s.dispatch("candle", func() { cb(c) })
		}
	case "orderUpdates":
		var updates []WsOrderUpdate
		if err := json.Unmarshal(msg.Data, &updates); err != nil {
			s.logger.Warn().Err(err).Msg("order updates decode failed")
			return
		}
		s.mu.Lock()
		cb := s.orderUpdateCb
		s.mu.Unlock()
		if cb != nil {
			s.dispatch("orderUpdates", func() { cb(updates) })
		}
	case "userFills":
		var fills WsUserFills
		if err := json.Unmarshal(msg.Data, &fills); err != nil {
			s.logger.Warn().Err(err).Msg("user fills decode failed")
			return
		}
		s.mu.Lock()
		cb := s.fillCb
		s.mu.Unlock()
		if cb != nil {
			s.dispatch("userFills", func() { cb(fills) })
		}
	case "subscriptionResponse":
		s.logger.Debug().Msg("subscription acknowledged")
	case "pong":
	default:
		s.logger.Debug().Str("channel", msg.Channel).Msg("unhandled stream channel")
	}
}

// dispatch runs a callback, recovering panics so a bad handler cannot kill
// the read loop.
func (s *Stream) dispatch(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Str("handler", name).Msg("stream callback panicked")
		}
	}()
	fn()
}

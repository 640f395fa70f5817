package book

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"bracketarb/pkg/types"
)

// Stream's tuning constants. Reconnect backoff is capped at 20s rather than
// the more conservative 30s some feeds use, since a stale book directly
// blocks the scanner from evaluating a bracket.
const (
	pingInterval      = 50 * time.Second
	readTimeout       = 90 * time.Second
	initialBackoff    = 1 * time.Second
	backoffMultiplier = 1.5
	maxReconnectWait  = 20 * time.Second
	writeTimeout      = 10 * time.Second
	eventBufferSize   = 512
)

// Stream is a market-channel-only WebSocket feed: it subscribes to token
// IDs and feeds every book/price_change event straight into a Store. There
// is no user channel — fills are confirmed by REST polling
// (internal/exchange's DirectPlacer), so no auth or order/trade channel is
// needed here.
type Stream struct {
	url  string
	conn *websocket.Conn

	connMu sync.Mutex

	subscribedMu sync.RWMutex
	subscribed   map[string]bool

	statusMu      sync.RWMutex
	connected     bool
	lastMessageAt time.Time

	store  *Store
	logger *slog.Logger
}

// BookStatus reports the stream's connection health, backing the Tick
// telemetry event's ws_connected/last_message_age_sec fields.
type BookStatus struct {
	Connected      bool
	LastMessageAge time.Duration
}

// Status returns the stream's current connection health.
func (s *Stream) Status() BookStatus {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	var age time.Duration
	if !s.lastMessageAt.IsZero() {
		age = time.Since(s.lastMessageAt)
	}
	return BookStatus{Connected: s.connected, LastMessageAge: age}
}

func (s *Stream) setConnected(v bool) {
	s.statusMu.Lock()
	s.connected = v
	s.statusMu.Unlock()
}

func (s *Stream) touchLastMessage() {
	s.statusMu.Lock()
	s.lastMessageAt = time.Now()
	s.statusMu.Unlock()
}

// NewStream creates a market-channel stream that writes every event it
// receives into store.
func NewStream(wsURL string, store *Store, logger *slog.Logger) *Stream {
	return &Stream{
		url:        wsURL,
		subscribed: make(map[string]bool),
		store:      store,
		logger:     logger.With("component", "book_stream"),
	}
}

// Run connects and maintains the connection with exponential backoff,
// reconnecting and re-subscribing to every tracked token on each attempt.
// Blocks until ctx is cancelled.
func (s *Stream) Run(ctx context.Context) error {
	backoff := initialBackoff

	for {
		err := s.connectAndRead(ctx)
		s.setConnected(false)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.logger.Warn("book stream disconnected, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff = time.Duration(float64(backoff) * backoffMultiplier)
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Subscribe adds token IDs to the tracked set and, if connected, sends an
// incremental subscribe message.
func (s *Stream) Subscribe(ids []string) error {
	s.subscribedMu.Lock()
	for _, id := range ids {
		s.subscribed[id] = true
	}
	s.subscribedMu.Unlock()

	return s.writeJSON(types.WSSubscribeMsg{Type: "market", AssetIDs: ids})
}

// Unsubscribe drops token IDs from the tracked set.
func (s *Stream) Unsubscribe(ids []string) error {
	s.subscribedMu.Lock()
	for _, id := range ids {
		delete(s.subscribed, id)
	}
	s.subscribedMu.Unlock()

	for _, id := range ids {
		s.store.Forget(id)
	}
	return s.writeJSON(types.WSSubscribeMsg{Type: "market", AssetIDs: ids, Operation: "unsubscribe"})
}

// Close closes the active connection, if any.
func (s *Stream) Close() error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Stream) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	defer func() {
		s.connMu.Lock()
		conn.Close()
		s.conn = nil
		s.connMu.Unlock()
	}()

	if err := s.sendInitialSubscription(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	s.logger.Info("book stream connected")
	s.setConnected(true)

	pingCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		s.touchLastMessage()
		s.dispatch(msg)
	}
}

func (s *Stream) sendInitialSubscription() error {
	s.subscribedMu.RLock()
	ids := make([]string, 0, len(s.subscribed))
	for id := range s.subscribed {
		ids = append(ids, id)
	}
	s.subscribedMu.RUnlock()

	return s.writeJSON(types.WSSubscribeMsg{Type: "market", AssetIDs: ids})
}

func (s *Stream) dispatch(data []byte) {
	var envelope struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		s.logger.Debug("ignoring non-json ws message", "data", string(data))
		return
	}

	switch envelope.EventType {
	case "book":
		var evt types.WSBookEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			s.logger.Error("unmarshal book event", "error", err)
			return
		}
		s.applyBook(evt)

	case "price_change":
		var evt types.WSPriceChangeEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			s.logger.Error("unmarshal price_change event", "error", err)
			return
		}
		s.applyPriceChange(evt)

	case "last_trade_price", "tick_size_change", "best_bid_ask", "new_market", "market_resolved":
		s.logger.Debug("ignoring informational event", "type", envelope.EventType)

	default:
		s.logger.Debug("unknown ws event type", "type", envelope.EventType)
	}
}

func (s *Stream) applyBook(evt types.WSBookEvent) {
	bids := make([]types.PriceLevel, 0, len(evt.Bids))
	for _, l := range evt.Bids {
		lvl, err := l.Decimal()
		if err != nil {
			s.logger.Warn("dropping malformed bid level", "asset", evt.AssetID, "error", err)
			continue
		}
		bids = append(bids, lvl)
	}
	asks := make([]types.PriceLevel, 0, len(evt.Asks))
	for _, l := range evt.Asks {
		lvl, err := l.Decimal()
		if err != nil {
			s.logger.Warn("dropping malformed ask level", "asset", evt.AssetID, "error", err)
			continue
		}
		asks = append(asks, lvl)
	}
	s.store.ApplySnapshot(evt.AssetID, bids, asks, eventTime(evt.Timestamp))
}

func (s *Stream) applyPriceChange(evt types.WSPriceChangeEvent) {
	changes := make([]PriceChange, 0, len(evt.PriceChanges))
	for _, c := range evt.PriceChanges {
		changes = append(changes, PriceChange{
			TokenID: c.AssetID,
			Side:    c.Side,
			Price:   c.PriceDecimal(),
			Size:    c.SizeDecimal(),
		})
	}
	s.store.ApplyPriceChanges(changes, eventTime(evt.Timestamp))
}

func eventTime(msMillis int64) time.Time {
	if msMillis == 0 {
		return time.Now().UTC()
	}
	return time.UnixMilli(msMillis).UTC()
}

func (s *Stream) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.writeMessage(websocket.TextMessage, []byte("PING")); err != nil {
				s.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (s *Stream) writeJSON(v interface{}) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return nil // not yet connected: connectAndRead sends the initial subscription itself
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(v)
}

func (s *Stream) writeMessage(msgType int, data []byte) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(msgType, data)
}

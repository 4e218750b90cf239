// ws.go implements the real-time tick feed from the broker gateway.
//
// The feed subscribes to the two pair symbols and delivers top-of-book
// quotes on a typed channel. It auto-reconnects with exponential backoff
// (1s → 30s max) and re-subscribes on reconnection. A read deadline (90s)
// ensures silent server failures are detected within ~2 missed pings.
//
// The collector falls back to REST tick polling when no feed URL is
// configured, so the feed is an optimization, not a requirement.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"pairtrade-engine/pkg/types"
)

const (
	pingInterval     = 50 * time.Second // how often we send PING to keep alive
	readTimeout      = 90 * time.Second // ~2 missed pings triggers reconnect
	maxReconnectWait = 30 * time.Second // cap on exponential backoff
	writeTimeout     = 10 * time.Second // deadline for outgoing messages
	tickBufferSize   = 256
)

// tickSubscribeMsg is the subscription message for the tick channel.
type tickSubscribeMsg struct {
	Type    string   `json:"type"` // "subscribe"
	Symbols []string `json:"symbols"`
	Token   string   `json:"token,omitempty"`
}

// TickFeed manages the tick WebSocket connection. It handles connection
// lifecycle, subscription tracking, and automatic reconnection.
type TickFeed struct {
	url    string
	token  string
	conn   *websocket.Conn
	connMu sync.Mutex // protects conn reads/writes

	subscribedMu sync.RWMutex
	subscribed   map[string]bool

	tickCh chan types.Tick

	logger *slog.Logger
}

// NewTickFeed creates a tick feed for the given gateway WS endpoint.
func NewTickFeed(wsURL, token string, logger *slog.Logger) *TickFeed {
	return &TickFeed{
		url:        wsURL,
		token:      token,
		subscribed: make(map[string]bool),
		tickCh:     make(chan types.Tick, tickBufferSize),
		logger:     logger.With("component", "ws_ticks"),
	}
}

// Ticks returns a read-only channel of quote updates.
func (f *TickFeed) Ticks() <-chan types.Tick { return f.tickCh }

// Subscribe adds symbols to the subscription set.
func (f *TickFeed) Subscribe(symbols []string) error {
	f.subscribedMu.Lock()
	for _, s := range symbols {
		f.subscribed[s] = true
	}
	f.subscribedMu.Unlock()

	return f.writeJSON(tickSubscribeMsg{Type: "subscribe", Symbols: symbols})
}

// Run connects and maintains the WebSocket connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (f *TickFeed) Run(ctx context.Context) error {
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

		// Exponential backoff: 1s, 2s, 4s, 8s, ..., 30s max
		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Close gracefully closes the connection.
func (f *TickFeed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *TickFeed) connectAndRead(ctx context.Context) error {
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

	// Re-subscribe to everything we track
	f.subscribedMu.RLock()
	symbols := make([]string, 0, len(f.subscribed))
	for s := range f.subscribed {
		symbols = append(symbols, s)
	}
	f.subscribedMu.RUnlock()

	if len(symbols) > 0 {
		if err := f.writeJSON(tickSubscribeMsg{Type: "subscribe", Symbols: symbols, Token: f.token}); err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
	}

	f.logger.Info("websocket connected", "symbols", len(symbols))

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	// Read loop with deadline so we reconnect if server goes silent
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

func (f *TickFeed) dispatchMessage(data []byte) {
	var tick types.Tick
	if err := json.Unmarshal(data, &tick); err != nil {
		f.logger.Debug("ignoring non-tick ws message", "data", string(data))
		return
	}
	if tick.Symbol == "" || tick.Bid <= 0 {
		return
	}

	select {
	case f.tickCh <- tick:
	default:
		// Consumer is behind; the next tick supersedes this one anyway
		f.logger.Warn("tick channel full, dropping tick", "symbol", tick.Symbol)
	}
}

func (f *TickFeed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeMessage(websocket.TextMessage, []byte("PING")); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *TickFeed) writeJSON(v interface{}) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}

func (f *TickFeed) writeMessage(msgType int, data []byte) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteMessage(msgType, data)
}

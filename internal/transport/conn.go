package transport

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"chatsync/internal/chat"
	"chatsync/internal/config"
)

// State is the connection lifecycle state.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateClosed     State = "closed"
)

// Conn owns one live bidirectional channel bound to a single conversation.
// An unexpected drop triggers automatic reconnection while the connection
// instance has not been superseded by an explicit Close; Close always wins,
// even against a reconnect already in flight.
type Conn struct {
	conversationID int64
	url            string
	dialer         *websocket.Dialer
	policy         config.TransportConfig
	logger         *slog.Logger
	clock          Clock

	// onMessage receives each parsed live payload.
	onMessage func(chat.WirePayload)
	// onReconnect fires after a successful automatic reconnect.
	onReconnect func()
	// onDown fires once the reconnect budget is exhausted.
	onDown func(err error)

	mu         sync.Mutex
	ws         *websocket.Conn
	state      State
	superseded bool
	queue      []chat.WirePayload
}

// Options carries the callbacks a Conn reports through. Any nil callback
// is simply skipped.
type Options struct {
	OnMessage   func(chat.WirePayload)
	OnReconnect func()
	OnDown      func(err error)
	// Clock overrides the reconnect backoff sleep; nil means real time.
	Clock Clock
}

// NewConn creates a connection for one conversation. It does not dial;
// call Open.
func NewConn(baseURL string, conversationID int64, policy config.TransportConfig, logger *slog.Logger, opts Options) *Conn {
	clock := opts.Clock
	if clock == nil {
		clock = realClock{}
	}
	return &Conn{
		conversationID: conversationID,
		url:            URLFromBase(baseURL, conversationID),
		dialer:         &websocket.Dialer{HandshakeTimeout: policy.Handshake()},
		policy:         policy,
		logger:         logger,
		clock:          clock,
		onMessage:      opts.OnMessage,
		onReconnect:    opts.OnReconnect,
		onDown:         opts.OnDown,
		state:          StateIdle,
	}
}

// URLFromBase derives the live channel endpoint for a conversation from the
// backend's HTTP base URL.
func URLFromBase(baseURL string, conversationID int64) string {
	wsBase := strings.Replace(baseURL, "http://", "ws://", 1)
	wsBase = strings.Replace(wsBase, "https://", "wss://", 1)
	return strings.TrimSuffix(wsBase, "/") + "/ws/" + strconv.FormatInt(conversationID, 10)
}

// State returns the current connection state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Open establishes the channel and starts the read loop.
func (c *Conn) Open() error {
	c.mu.Lock()
	if c.superseded {
		c.mu.Unlock()
		return fmt.Errorf("connection superseded")
	}
	c.state = StateConnecting
	c.mu.Unlock()

	ws, _, err := c.dialer.Dial(c.url, nil)
	if err != nil {
		c.mu.Lock()
		c.state = StateClosed
		c.mu.Unlock()
		return fmt.Errorf("failed to connect to live channel: %w", err)
	}

	c.mu.Lock()
	if c.superseded {
		c.mu.Unlock()
		ws.Close()
		return fmt.Errorf("connection superseded")
	}
	c.ws = ws
	c.state = StateOpen
	c.flushQueueLocked()
	c.mu.Unlock()

	c.logger.Info("live channel open", "conversation_id", c.conversationID, "url", c.url)
	go c.readPump(ws)
	return nil
}

// Send transmits a payload over an open connection. While the connection is
// not open the payload is queued and flushed on the next (re)open; a
// superseded connection drops it.
func (c *Conn) Send(p chat.WirePayload) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.superseded {
		return fmt.Errorf("connection superseded")
	}

	if c.state != StateOpen || c.ws == nil {
		c.queue = append(c.queue, p)
		c.logger.Debug("queued payload while channel not open", "conversation_id", c.conversationID)
		return nil
	}

	if err := c.ws.WriteJSON(p); err != nil {
		// The read pump will notice the broken socket and reconnect;
		// keep the payload for the flush that follows.
		c.queue = append(c.queue, p)
		c.logger.Warn("failed to write payload, queued for retry", "conversation_id", c.conversationID, "error", err)
		return nil
	}
	return nil
}

// Close releases the channel and disables auto-reconnect for this instance.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.superseded {
		return nil
	}
	c.superseded = true
	c.state = StateClosed
	c.queue = nil

	if c.ws != nil {
		c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.ws.Close()
		c.ws = nil
	}

	c.logger.Info("live channel closed", "conversation_id", c.conversationID)
	return nil
}

// readPump reads payloads until the socket dies, then hands off to the
// reconnect loop unless this instance has been superseded.
func (c *Conn) readPump(ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			break
		}

		var payload chat.WirePayload
		if err := json.Unmarshal(data, &payload); err != nil {
			// A malformed event is dropped; it must not take down the
			// channel or the view.
			c.logger.Warn("dropped malformed live payload", "conversation_id", c.conversationID, "error", err)
			continue
		}

		if c.onMessage != nil {
			c.onMessage(payload)
		}
	}

	c.mu.Lock()
	if c.superseded || c.ws != ws {
		c.mu.Unlock()
		return
	}
	c.ws = nil
	c.state = StateConnecting
	c.mu.Unlock()

	c.logger.Warn("live channel dropped, reconnecting", "conversation_id", c.conversationID)
	go c.reconnectLoop()
}

// reconnectLoop retries the dial with backoff up to the configured budget.
func (c *Conn) reconnectLoop() {
	var lastErr error

	for attempt := 1; attempt <= c.policy.ReconnectMaxAttempts; attempt++ {
		c.clock.Sleep(c.policy.Backoff())

		c.mu.Lock()
		if c.superseded {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		ws, _, err := c.dialer.Dial(c.url, nil)
		if err != nil {
			lastErr = err
			c.logger.Warn("reconnect attempt failed", "conversation_id", c.conversationID, "attempt", attempt, "error", err)
			continue
		}

		c.mu.Lock()
		if c.superseded {
			c.mu.Unlock()
			ws.Close()
			return
		}
		c.ws = ws
		c.state = StateOpen
		c.flushQueueLocked()
		c.mu.Unlock()

		c.logger.Info("live channel reconnected", "conversation_id", c.conversationID, "attempt", attempt)
		if c.onReconnect != nil {
			c.onReconnect()
		}
		go c.readPump(ws)
		return
	}

	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()

	c.logger.Error("reconnect budget exhausted", "conversation_id", c.conversationID, "attempts", c.policy.ReconnectMaxAttempts, "error", lastErr)
	if c.onDown != nil {
		c.onDown(&chat.TransportError{ConversationID: c.conversationID, Err: lastErr})
	}
}

// flushQueueLocked writes out payloads queued while the channel was not
// open. Caller holds c.mu with c.ws set.
func (c *Conn) flushQueueLocked() {
	if len(c.queue) == 0 {
		return
	}
	pending := c.queue
	c.queue = nil
	for i, p := range pending {
		if err := c.ws.WriteJSON(p); err != nil {
			// Re-queue the failed payload and everything not yet tried,
			// in order, for the flush after the next reconnect.
			c.logger.Warn("failed to flush queued payload", "conversation_id", c.conversationID, "error", err)
			c.queue = append(c.queue, pending[i:]...)
			return
		}
	}
	c.logger.Info("flushed queued payloads", "conversation_id", c.conversationID, "count", len(pending))
}

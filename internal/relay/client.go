package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/billclaw/internal/backoff"
	"github.com/haasonsaas/billclaw/internal/config"
	"github.com/haasonsaas/billclaw/internal/infra"
	"github.com/haasonsaas/billclaw/internal/observability"
	"github.com/haasonsaas/billclaw/pkg/models"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	writeTimeout            = 10 * time.Second
)

// ErrClosed is returned by Connect after Disconnect.
var ErrClosed = errors.New("relay client closed")

// Config configures a Client.
type Config struct {
	WSURL     string
	WebhookID string
	APIKey    string

	Reconnect         bool
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	HeartbeatTimeout  time.Duration
	HandshakeTimeout  time.Duration
}

// ConfigFromSettings builds a client Config from resolved receiver settings.
func ConfigFromSettings(s config.RelaySettings) Config {
	return Config{
		WSURL:             s.WSURL,
		WebhookID:         s.WebhookID,
		APIKey:            s.APIKey,
		Reconnect:         s.Reconnect,
		ReconnectDelay:    s.ReconnectDelay,
		MaxReconnectDelay: s.MaxReconnectDelay,
		HeartbeatTimeout:  s.HeartbeatTimeout,
	}
}

// Stats is a snapshot of the client's connection statistics.
type Stats struct {
	State             State     `json:"state"`
	ConnectedAt       time.Time `json:"connectedAt,omitzero"`
	LastHeartbeat     time.Time `json:"lastHeartbeat,omitzero"`
	ReconnectAttempts int       `json:"reconnectAttempts"`
	EventsReceived    int64     `json:"eventsReceived"`
	EventsAcked       int64     `json:"eventsAcked"`
	LastError         string    `json:"lastError,omitempty"`
}

// EventHandler receives forwarded webhook events in arrival order.
type EventHandler func(event models.WebhookEvent)

// StateHandler observes state transitions.
type StateHandler func(from, to State)

// ErrorHandler observes connection errors.
type ErrorHandler func(err error)

// Client maintains a single relay connection. Safe for concurrent use.
// Handlers are always called without internal locks held.
type Client struct {
	cfg     Config
	policy  backoff.Policy
	dialer  *websocket.Dialer
	logger  *slog.Logger
	metrics *observability.Metrics

	mu             sync.Mutex
	state          State
	conn           *websocket.Conn
	generation     uint64
	attempts       int
	connectedAt    time.Time
	lastHeartbeat  time.Time
	eventsReceived int64
	eventsAcked    int64
	lastError      string
	pending        map[string]struct{}
	heartbeatTimer *time.Timer
	reconnectTimer *time.Timer

	writeMu   sync.Mutex
	deliverMu sync.Mutex

	eventHandlers *infra.HandlerRegistry[EventHandler]
	stateHandlers *infra.HandlerRegistry[StateHandler]
	errorHandlers *infra.HandlerRegistry[ErrorHandler]
}

// Option customizes a Client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics records connection metrics.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(c *Client) {
		c.metrics = metrics
	}
}

// WithDialer overrides the WebSocket dialer.
func WithDialer(dialer *websocket.Dialer) Option {
	return func(c *Client) {
		if dialer != nil {
			c.dialer = dialer
		}
	}
}

// NewClient creates a disconnected client.
func NewClient(cfg Config, opts ...Option) *Client {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = config.DefaultReconnectDelay
	}
	if cfg.MaxReconnectDelay <= 0 {
		cfg.MaxReconnectDelay = config.DefaultMaxReconnectDelay
	}
	if cfg.MaxReconnectDelay < cfg.ReconnectDelay {
		cfg.MaxReconnectDelay = cfg.ReconnectDelay
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = config.DefaultHeartbeatTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}

	c := &Client{
		cfg:           cfg,
		policy:        backoff.ReconnectPolicy(cfg.ReconnectDelay, cfg.MaxReconnectDelay),
		dialer:        &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		logger:        slog.Default(),
		state:         StateDisconnected,
		pending:       make(map[string]struct{}),
		eventHandlers: infra.NewHandlerRegistry[EventHandler](),
		stateHandlers: infra.NewHandlerRegistry[StateHandler](),
		errorHandlers: infra.NewHandlerRegistry[ErrorHandler](),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "relay-client")
	return c
}

// OnEvent registers an event handler and returns its subscription ID.
func (c *Client) OnEvent(h EventHandler) string { return c.eventHandlers.Add(h) }

// OffEvent removes an event handler.
func (c *Client) OffEvent(id string) bool { return c.eventHandlers.Remove(id) }

// OnStateChange registers a state handler.
func (c *Client) OnStateChange(h StateHandler) string { return c.stateHandlers.Add(h) }

// OffStateChange removes a state handler.
func (c *Client) OffStateChange(id string) bool { return c.stateHandlers.Remove(id) }

// OnError registers an error handler.
func (c *Client) OnError(h ErrorHandler) string { return c.errorHandlers.Add(h) }

// OffError removes an error handler.
func (c *Client) OffError(id string) bool { return c.errorHandlers.Remove(id) }

// Connect dials the relay and sends the auth frame. It returns once the
// frame is written; authentication completes asynchronously. Calling
// Connect while connecting or connected is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	if c.cfg.WSURL == "" || c.cfg.WebhookID == "" || c.cfg.APIKey == "" {
		return errors.New("relay client requires wsUrl, webhookId and apiKey")
	}

	c.mu.Lock()
	prev := c.state
	next, effects := Transition(prev, InputConnect)
	if next == prev {
		c.mu.Unlock()
		if prev == StateClosed {
			return ErrClosed
		}
		return nil
	}
	c.state = next
	c.generation++
	gen := c.generation
	c.applyLocked(effects)
	c.mu.Unlock()
	c.emitState(prev, next)

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	c.logger.Info("connecting to relay", "url", c.cfg.WSURL, "webhook_id", c.cfg.WebhookID)
	conn, resp, err := c.dialer.DialContext(dialCtx, c.cfg.WSURL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		err = fmt.Errorf("dial relay: %w", err)
		c.fail(gen, InputSocketError, err)
		return err
	}

	c.mu.Lock()
	if gen != c.generation || c.state != StateConnecting {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.mu.Unlock()

	auth := Message{
		Type:      MessageAuth,
		WebhookID: c.cfg.WebhookID,
		APIKey:    c.cfg.APIKey,
		Timestamp: time.Now().UnixMilli(),
	}
	if err := c.write(conn, auth); err != nil {
		err = fmt.Errorf("send auth: %w", err)
		c.fail(gen, InputSocketError, err)
		return err
	}

	go c.readLoop(gen, conn)
	return nil
}

// Disconnect closes the connection and stops reconnecting. The client
// cannot be reused afterwards.
func (c *Client) Disconnect() {
	c.mu.Lock()
	prev := c.state
	next, effects := Transition(prev, InputDisconnect)
	c.state = next
	c.applyLocked(effects)
	c.mu.Unlock()

	if prev != next {
		c.logger.Info("relay client disconnected")
		c.emitState(prev, next)
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether the client is authenticated.
func (c *Client) IsConnected() bool {
	return c.State() == StateConnected
}

// Stats returns a snapshot of connection statistics.
func (c *Client) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		State:             c.state,
		ConnectedAt:       c.connectedAt,
		LastHeartbeat:     c.lastHeartbeat,
		ReconnectAttempts: c.attempts,
		EventsReceived:    c.eventsReceived,
		EventsAcked:       c.eventsAcked,
		LastError:         c.lastError,
	}
}

// pendingAcks returns the number of events delivered but not yet acknowledged.
func (c *Client) pendingAcks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Client) readLoop(gen uint64, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				c.fail(gen, InputSocketClose, fmt.Errorf("relay closed connection: %w", err))
			} else {
				c.fail(gen, InputSocketError, fmt.Errorf("read relay frame: %w", err))
			}
			return
		}
		if !c.current(gen) {
			return
		}
		c.handleFrame(gen, conn, data)
	}
}

func (c *Client) handleFrame(gen uint64, conn *websocket.Conn, data []byte) {
	msg, err := DecodeMessage(data)
	if err != nil {
		c.logger.Warn("dropping malformed relay frame", "error", err)
		return
	}

	switch msg.Type {
	case MessageAuthSuccess:
		c.authenticated(gen)
	case MessageAuthError:
		reason := msg.Error
		if reason == "" {
			reason = msg.Message
		}
		c.fail(gen, InputAuthError, fmt.Errorf("relay authentication failed: %s", reason))
	case MessageHeartbeat:
		c.heartbeat(gen)
		if err := c.write(conn, Message{Type: MessageHeartbeatAck, Timestamp: time.Now().UnixMilli()}); err != nil {
			c.logger.Warn("failed to acknowledge heartbeat", "error", err)
		}
	case MessageWebhookEvent:
		c.deliver(gen, conn, msg)
	case MessageStateChange:
		c.logger.Info("relay reported state change", "state", msg.State, "message", msg.Message)
	default:
		if msg.Type.Known() {
			c.logger.Debug("ignoring client-bound relay frame", "type", msg.Type)
			return
		}
		c.logger.Warn("dropping unknown relay frame", "type", msg.Type)
	}
}

func (c *Client) authenticated(gen uint64) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	prev := c.state
	next, effects := Transition(prev, InputAuthSuccess)
	if next == prev {
		c.mu.Unlock()
		return
	}
	c.state = next
	now := time.Now()
	c.connectedAt = now
	c.lastHeartbeat = now
	c.lastError = ""
	c.applyLocked(effects)
	c.mu.Unlock()

	c.logger.Info("relay connection authenticated")
	c.emitState(prev, next)
}

func (c *Client) heartbeat(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation {
		return
	}
	c.lastHeartbeat = time.Now()
	if c.state == StateConnected {
		c.startHeartbeatLocked()
	}
}

func (c *Client) deliver(gen uint64, conn *websocket.Conn, msg *Message) {
	if msg.EventID == "" || msg.Event == nil {
		c.logger.Warn("dropping webhook_event frame without eventId or event")
		return
	}

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	c.pending[msg.EventID] = struct{}{}
	c.eventsReceived++
	c.mu.Unlock()
	c.metrics.RelayEventReceived()

	event := *msg.Event
	c.deliverMu.Lock()
	c.eventHandlers.Each(c.logger, "relay event", func(h EventHandler) { h(event) })
	c.deliverMu.Unlock()

	err := c.write(conn, Message{Type: MessageEventAck, EventID: msg.EventID})

	c.mu.Lock()
	delete(c.pending, msg.EventID)
	if err == nil {
		c.eventsAcked++
	}
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn("failed to acknowledge relay event", "event_id", msg.EventID, "error", err)
		return
	}
	c.metrics.RelayEventAcked()
}

// fail applies a failure input for connection generation gen. Inputs from
// superseded connections are ignored.
func (c *Client) fail(gen uint64, input Input, err error) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	prev := c.state
	next, effects := Transition(prev, input)
	if next == prev {
		c.mu.Unlock()
		return
	}
	c.state = next
	c.lastError = err.Error()
	c.applyLocked(effects)
	c.mu.Unlock()

	c.logger.Warn("relay connection lost", "input", input, "state", next, "error", err)
	c.errorHandlers.Each(c.logger, "relay error", func(h ErrorHandler) { h(err) })
	c.emitState(prev, next)
}

func (c *Client) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.generation
}

func (c *Client) applyLocked(effects []Effect) {
	for _, effect := range effects {
		switch effect {
		case EffectResetAttempts:
			c.attempts = 0
		case EffectStartHeartbeat:
			c.startHeartbeatLocked()
		case EffectStopHeartbeat:
			if c.heartbeatTimer != nil {
				c.heartbeatTimer.Stop()
				c.heartbeatTimer = nil
			}
		case EffectCloseSocket:
			c.closeSocketLocked()
		case EffectScheduleReconnect:
			c.scheduleReconnectLocked()
		case EffectCancelReconnect:
			if c.reconnectTimer != nil {
				c.reconnectTimer.Stop()
				c.reconnectTimer = nil
			}
		}
	}
}

func (c *Client) startHeartbeatLocked() {
	if c.heartbeatTimer != nil {
		c.heartbeatTimer.Stop()
	}
	gen := c.generation
	c.heartbeatTimer = time.AfterFunc(c.cfg.HeartbeatTimeout, func() {
		c.fail(gen, InputHeartbeatTimeout, fmt.Errorf("no heartbeat within %s", c.cfg.HeartbeatTimeout))
	})
}

// closeSocketLocked closes the socket and retires its generation so late
// frames, errors and timers from it are ignored.
func (c *Client) closeSocketLocked() {
	c.generation++
	if c.conn == nil {
		return
	}
	conn := c.conn
	c.conn = nil
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	_ = conn.Close()
}

func (c *Client) scheduleReconnectLocked() {
	if !c.cfg.Reconnect {
		return
	}
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
	}
	delay := backoff.Compute(c.policy, c.attempts)
	c.logger.Info("scheduling relay reconnect", "delay", delay, "attempt", c.attempts+1)
	c.metrics.RelayReconnectScheduled()
	c.reconnectTimer = time.AfterFunc(delay, c.reconnect)
}

func (c *Client) reconnect() {
	c.mu.Lock()
	prev := c.state
	next, effects := Transition(prev, InputReconnect)
	if next == prev {
		c.mu.Unlock()
		return
	}
	c.reconnectTimer = nil
	c.attempts++
	c.state = next
	c.applyLocked(effects)
	c.mu.Unlock()
	c.emitState(prev, next)

	if err := c.Connect(context.Background()); err != nil && !errors.Is(err, ErrClosed) {
		c.logger.Warn("relay reconnect failed", "error", err)
	}
}

func (c *Client) write(conn *websocket.Conn, msg Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(msg)
}

func (c *Client) emitState(from, to State) {
	c.metrics.SetRelayState(string(to))
	c.stateHandlers.Each(c.logger, "relay state", func(h StateHandler) { h(from, to) })
}

// Package relay implements a single outbound relay connection: reconnection
// via Reconnect, gated by a circuit breaker and exponential backoff, publish
// with delivery confirmation, subscriptions, and an offline message queue
// that drains once the connection is restored. A read error in the receive
// loop marks the connection Disconnected; the loop does not call Reconnect
// itself.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/openagents/core/internal/circuitbreaker"
	"github.com/openagents/core/internal/nostrtype"
)

// ConnectionState is the lifecycle state of a RelayConnection.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// PublishConfirmation is the relay's OK response to a published event.
type PublishConfirmation struct {
	EventID  string
	Accepted bool
	Message  string
}

// Config configures connection timing and the offline queue. Zero-value
// fields fall back to relay.rs's RelayConfig defaults via WithDefaults.
type Config struct {
	ConnectTimeout      time.Duration
	MaxReconnectAttempts uint32 // 0 = infinite
	ReconnectDelay      time.Duration
	MaxReconnectDelay   time.Duration
	PingInterval        time.Duration
	EnableQueue         bool
	QueuePollInterval   time.Duration
	// RedisClient, when set alongside EnableQueue, backs the offline outbox
	// with RedisQueue instead of the default in-memory queue, so queued
	// messages survive a process restart.
	RedisClient *redis.Client
}

// WithDefaults fills zero fields with relay.rs's RelayConfig defaults.
func (c Config) WithDefaults() Config {
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 1 * time.Second
	}
	if c.MaxReconnectDelay == 0 {
		c.MaxReconnectDelay = 60 * time.Second
	}
	if c.PingInterval == 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.QueuePollInterval == 0 {
		c.QueuePollInterval = 5 * time.Second
	}
	return c
}

var (
	ErrInvalidURL       = errors.New("relay: url must use ws:// or wss:// scheme")
	ErrAlreadyConnected = errors.New("relay: connection is not in a disconnected state")
	ErrNotConnected     = errors.New("relay: not connected")
)

// RelayConnection manages one outbound WebSocket connection to a relay.
type RelayConnection struct {
	url    *url.URL
	config Config
	log    *slog.Logger

	stateMu sync.RWMutex
	state   ConnectionState

	connMu sync.Mutex
	conn   *websocket.Conn

	pendingMu    sync.Mutex
	pending      map[string]chan PublishConfirmation

	subsMu sync.Mutex
	subs   map[string]*Subscription

	queue  MessageQueue
	cb     *circuitbreaker.CircuitBreaker
	backoff *ExponentialBackoff
	metrics *HealthMetrics

	closeOnce sync.Once
	done      chan struct{}
}

// NewConnection builds a RelayConnection against relayURL, not yet connected.
func NewConnection(relayURL string, config Config) (*RelayConnection, error) {
	parsed, err := url.Parse(relayURL)
	if err != nil {
		return nil, fmt.Errorf("relay: invalid url: %w", err)
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return nil, ErrInvalidURL
	}

	cfg := config.WithDefaults()

	var queue MessageQueue
	if cfg.EnableQueue {
		if cfg.RedisClient != nil {
			queue = NewRedisQueue(cfg.RedisClient, relayURL)
		} else {
			queue = NewInProcessQueue()
		}
	}

	cb := circuitbreaker.New(circuitbreaker.NewRelayBreakerConfig(relayURL, 5, 30*time.Second))

	return &RelayConnection{
		url:     parsed,
		config:  cfg,
		log:     slog.Default(),
		state:   StateDisconnected,
		pending: make(map[string]chan PublishConfirmation),
		subs:    make(map[string]*Subscription),
		queue:   queue,
		cb:      cb,
		backoff: NewExponentialBackoff(cfg.ReconnectDelay, cfg.MaxReconnectDelay, cfg.MaxReconnectAttempts),
		metrics: NewHealthMetrics(nil, relayURL),
		done:    make(chan struct{}),
	}, nil
}

// SetLogger overrides the default slog.Logger.
func (c *RelayConnection) SetLogger(log *slog.Logger) {
	if log != nil {
		c.log = log
	}
}

// State returns the current connection state.
func (c *RelayConnection) State() ConnectionState {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

func (c *RelayConnection) setState(s ConnectionState) {
	c.stateMu.Lock()
	c.state = s
	c.stateMu.Unlock()
}

// Metrics returns a snapshot of this connection's health counters.
func (c *RelayConnection) Metrics() HealthMetrics {
	return c.metrics.Snapshot()
}

// Connect dials the relay, gated by the circuit breaker. On success it
// starts the background receive loop, ping loop, and (if enabled) the
// offline-queue drain loop.
func (c *RelayConnection) Connect(ctx context.Context) error {
	if err := c.cb.Allow(); err != nil {
		c.metrics.RecordFailure(err.Error())
		c.metrics.SetCircuitState(c.cb.State().String())
		return err
	}

	c.stateMu.Lock()
	if c.state != StateDisconnected && c.state != StateReconnecting {
		c.stateMu.Unlock()
		return ErrAlreadyConnected
	}
	c.state = StateConnecting
	c.stateMu.Unlock()

	c.log.Info("connecting to relay", "url", c.url.String())

	dialCtx, cancel := context.WithTimeout(ctx, c.config.ConnectTimeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: c.config.ConnectTimeout}
	result, err := c.cb.ExecuteContext(dialCtx, func(dctx context.Context) (interface{}, error) {
		conn, _, dialErr := dialer.DialContext(dctx, c.url.String(), nil)
		return conn, dialErr
	})
	if err != nil {
		c.setState(StateDisconnected)
		c.metrics.RecordFailure(err.Error())
		c.metrics.SetCircuitState(c.cb.State().String())
		delay, _ := c.backoff.Next()
		c.metrics.SetBackoffAttempt(c.backoff.Attempt())
		c.log.Warn("relay connect failed", "url", c.url.String(), "error", err, "retry_in", delay)
		return fmt.Errorf("relay: connect: %w", err)
	}
	conn := result.(*websocket.Conn)

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	c.backoff.Reset()
	c.setState(StateConnected)
	c.metrics.SetConnected(true)
	c.metrics.SetCircuitState(c.cb.State().String())

	go c.receiveLoop()
	go c.pingLoop()
	if c.queue != nil {
		go c.drainQueueLoop()
	}

	c.log.Info("connected to relay", "url", c.url.String())
	return nil
}

// Disconnect closes the underlying socket and marks the connection
// Disconnected. Safe to call multiple times.
func (c *RelayConnection) Disconnect() error {
	c.closeOnce.Do(func() { close(c.done) })

	c.connMu.Lock()
	conn := c.conn
	c.conn = nil
	c.connMu.Unlock()

	c.setState(StateDisconnected)
	c.metrics.SetConnected(false)

	if conn == nil {
		return nil
	}
	return conn.Close()
}

// Reconnect runs Connect in a loop, honoring the exponential backoff
// schedule, until it succeeds, the context is cancelled, or the backoff
// budget (MaxReconnectAttempts) is exhausted.
func (c *RelayConnection) Reconnect(ctx context.Context) error {
	c.setState(StateReconnecting)
	for {
		if err := c.Connect(ctx); err == nil {
			return nil
		} else if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
			return err
		}

		delay, ok := c.backoff.Next()
		if !ok {
			return fmt.Errorf("relay: reconnect attempts exhausted")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return fmt.Errorf("relay: connection closed during reconnect")
		case <-time.After(delay):
		}
	}
}

// Publish sends an event and waits (up to timeout) for the relay's OK
// response. If the connection is down and the offline queue is enabled,
// the frame is queued instead of returning an error. An Open circuit fails
// fast with ErrCircuitOpen before the queue or socket is touched at all.
func (c *RelayConnection) Publish(ctx context.Context, ev *nostrtype.Event, timeout time.Duration) (PublishConfirmation, error) {
	if err := c.cb.Allow(); err != nil {
		return PublishConfirmation{}, err
	}

	frame, err := nostrtype.EncodeEvent(ev)
	if err != nil {
		return PublishConfirmation{}, fmt.Errorf("relay: encode event: %w", err)
	}

	if c.State() != StateConnected {
		if c.queue != nil {
			if _, err := c.queue.Enqueue(ctx, frame); err != nil {
				return PublishConfirmation{}, fmt.Errorf("relay: enqueue while offline: %w", err)
			}
			return PublishConfirmation{EventID: ev.ID, Accepted: false, Message: "queued: relay offline"}, nil
		}
		return PublishConfirmation{}, ErrNotConnected
	}

	confirmCh := make(chan PublishConfirmation, 1)
	c.pendingMu.Lock()
	c.pending[ev.ID] = confirmCh
	c.pendingMu.Unlock()

	if err := c.writeRaw(frame); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, ev.ID)
		c.pendingMu.Unlock()
		return PublishConfirmation{}, fmt.Errorf("relay: publish: %w", err)
	}
	c.metrics.RecordSent()

	select {
	case confirmation := <-confirmCh:
		return confirmation, nil
	case <-time.After(timeout):
		c.pendingMu.Lock()
		delete(c.pending, ev.ID)
		c.pendingMu.Unlock()
		return PublishConfirmation{}, fmt.Errorf("relay: publish confirmation timed out")
	case <-ctx.Done():
		return PublishConfirmation{}, ctx.Err()
	}
}

// Subscribe opens a REQ subscription and returns it for the caller to drain.
func (c *RelayConnection) Subscribe(subID string, filters []nostrtype.Filter) (*Subscription, error) {
	frame, err := nostrtype.EncodeReq(subID, filters)
	if err != nil {
		return nil, fmt.Errorf("relay: encode REQ: %w", err)
	}
	if err := c.writeRaw(frame); err != nil {
		return nil, fmt.Errorf("relay: subscribe: %w", err)
	}
	c.metrics.RecordSent()

	sub := newSubscription(subID, filters)
	c.subsMu.Lock()
	c.subs[subID] = sub
	c.subsMu.Unlock()
	return sub, nil
}

// Unsubscribe sends CLOSE and stops delivering to the subscription.
func (c *RelayConnection) Unsubscribe(subID string) error {
	c.subsMu.Lock()
	sub, ok := c.subs[subID]
	delete(c.subs, subID)
	c.subsMu.Unlock()
	if !ok {
		return nil
	}
	sub.Close()

	frame, err := nostrtype.EncodeClose(subID)
	if err != nil {
		return err
	}
	if err := c.writeRaw(frame); err != nil {
		return err
	}
	c.metrics.RecordSent()
	return nil
}

func (c *RelayConnection) writeRaw(payload []byte) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *RelayConnection) receiveLoop() {
	for {
		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()
		if conn == nil {
			return
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.metrics.RecordFailure(err.Error())
			c.setState(StateDisconnected)
			c.metrics.SetConnected(false)
			c.log.Warn("relay receive loop ended", "url", c.url.String(), "error", err)
			return
		}
		c.metrics.RecordReceived()

		incoming, err := nostrtype.DecodeIncoming(raw)
		if err != nil {
			if errors.Is(err, nostrtype.ErrUnknownTag) {
				c.log.Debug("ignoring unknown relay frame", "url", c.url.String(), "error", err)
				continue
			}
			c.log.Warn("malformed relay frame", "url", c.url.String(), "error", err)
			continue
		}

		c.handleIncoming(incoming)

		select {
		case <-c.done:
			return
		default:
		}
	}
}

func (c *RelayConnection) handleIncoming(in *nostrtype.Incoming) {
	switch in.Kind {
	case nostrtype.FrameEvent:
		c.subsMu.Lock()
		sub, ok := c.subs[in.SubID]
		c.subsMu.Unlock()
		if ok {
			sub.deliver(in.Event)
		}

	case nostrtype.FrameEOSE:
		c.subsMu.Lock()
		sub, ok := c.subs[in.SubID]
		c.subsMu.Unlock()
		if ok {
			sub.markEOSE()
		}

	case nostrtype.FrameOK:
		c.pendingMu.Lock()
		ch, ok := c.pending[in.EventID]
		if ok {
			delete(c.pending, in.EventID)
		}
		c.pendingMu.Unlock()
		if ok {
			ch <- PublishConfirmation{EventID: in.EventID, Accepted: in.Accepted, Message: in.Message}
		}

	case nostrtype.FrameNotice:
		c.log.Info("relay notice", "url", c.url.String(), "message", in.Text)

	case nostrtype.FrameAuth:
		c.log.Debug("relay requested AUTH", "url", c.url.String(), "challenge", in.Challenge)
	}
}

func (c *RelayConnection) pingLoop() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.connMu.Lock()
			conn := c.conn
			c.connMu.Unlock()
			if conn == nil {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.metrics.RecordFailure(err.Error())
				return
			}
		}
	}
}

// drainConfirmTimeout bounds how long drainQueueLoop waits for a relay's OK
// response to a replayed EVENT frame before treating the attempt as failed.
const drainConfirmTimeout = 5 * time.Second

// drainQueueLoop pops queued frames and re-sends them while connected,
// acking each only after the relay confirms it. This is the at-least-once
// outbox drain described in spec.md's MessageQueue invariants.
func (c *RelayConnection) drainQueueLoop() {
	ticker := time.NewTicker(c.config.QueuePollInterval)
	defer ticker.Stop()
	ctx := context.Background()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if c.State() != StateConnected {
				continue
			}
			msg, ok, err := c.queue.Peek(ctx)
			if err != nil || !ok {
				continue
			}
			if !c.resendAndConfirm(ctx, msg) {
				continue
			}
			_ = c.queue.Ack(ctx, msg.ID)
		}
	}
}

// resendAndConfirm replays a queued frame and, if it decodes as an EVENT
// frame, waits for the relay's OK response before reporting success — so
// Ack only fires once delivery is actually confirmed, matching Publish's
// own confirm-then-ack behavior. Non-EVENT frames (there shouldn't be any
// in the outbox today) are considered confirmed as soon as the write
// succeeds.
func (c *RelayConnection) resendAndConfirm(ctx context.Context, msg QueuedMessage) bool {
	eventID, isEvent := eventIDFromFrame(msg.Payload)

	var confirmCh chan PublishConfirmation
	if isEvent {
		confirmCh = make(chan PublishConfirmation, 1)
		c.pendingMu.Lock()
		c.pending[eventID] = confirmCh
		c.pendingMu.Unlock()
	}

	if err := c.writeRaw(msg.Payload); err != nil {
		if isEvent {
			c.pendingMu.Lock()
			delete(c.pending, eventID)
			c.pendingMu.Unlock()
		}
		c.metrics.RecordFailure(err.Error())
		if msg.Attempts >= MaxQueueAttempts {
			_ = c.queue.Fail(ctx, msg.ID)
		}
		return false
	}
	c.metrics.RecordSent()

	if !isEvent {
		return true
	}

	select {
	case confirmation := <-confirmCh:
		if !confirmation.Accepted {
			c.metrics.RecordFailure("relay rejected queued event: " + confirmation.Message)
			if msg.Attempts >= MaxQueueAttempts {
				_ = c.queue.Fail(ctx, msg.ID)
			}
			return false
		}
		return true
	case <-time.After(drainConfirmTimeout):
		c.pendingMu.Lock()
		delete(c.pending, eventID)
		c.pendingMu.Unlock()
		c.metrics.RecordFailure("queued event confirmation timed out")
		if msg.Attempts >= MaxQueueAttempts {
			_ = c.queue.Fail(ctx, msg.ID)
		}
		return false
	}
}

// eventIDFromFrame extracts the event id from an encoded ["EVENT", event]
// frame, for matching the relay's later OK response. Returns ok=false for
// any other frame shape.
func eventIDFromFrame(payload []byte) (id string, ok bool) {
	var arr []json.RawMessage
	if err := json.Unmarshal(payload, &arr); err != nil || len(arr) < 2 {
		return "", false
	}
	var tag string
	if err := json.Unmarshal(arr[0], &tag); err != nil || tag != "EVENT" {
		return "", false
	}
	var ev nostrtype.Event
	if err := json.Unmarshal(arr[1], &ev); err != nil || ev.ID == "" {
		return "", false
	}
	return ev.ID, true
}

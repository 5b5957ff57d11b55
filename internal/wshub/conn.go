package wshub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rickgao/queuedhub/internal/hub"
)

// Errors
var (
	ErrAlreadyStarted = errors.New("connection already started")
	ErrConnectionLost = errors.New("connection lost")
)

// RemoteError is an error returned by the hub for an invocation.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("invoke %s: %s", e.Method, e.Message)
}

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultReconnectWindow  = 30 * time.Second
	defaultKeepAlive        = 15 * time.Second
	defaultWriteTimeout     = 5 * time.Second

	reconnectBaseWait = 250 * time.Millisecond
	reconnectMaxWait  = 5 * time.Second
)

// Option configures a Conn.
type Option func(*Conn)

// WithReconnectWindow bounds how long a dropped socket is redialed before
// the connection gives up and reports Disconnected.
func WithReconnectWindow(d time.Duration) Option {
	return func(c *Conn) {
		c.reconnectWindow = d
	}
}

// WithKeepAliveInterval sets the client ping interval. A socket that sees no
// ping or pong for twice the interval is treated as dropped.
func WithKeepAliveInterval(d time.Duration) Option {
	return func(c *Conn) {
		c.keepAlive = d
	}
}

// WithWriteTimeout sets the write deadline for outgoing frames.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Conn) {
		c.writeTimeout = d
	}
}

// Factory returns a hub.Factory producing websocket connections.
func Factory(opts ...Option) hub.Factory {
	return func(endpoint string) hub.Connection {
		return New(endpoint, opts...)
	}
}

type stateHandler struct {
	id uint64
	fn func(hub.StateChange)
}

type reconnectedHandler struct {
	id uint64
	fn func()
}

// Conn is a hub connection over a WebSocket.
type Conn struct {
	endpoint string
	logger   *slog.Logger

	handshakeTimeout time.Duration
	reconnectWindow  time.Duration
	keepAlive        time.Duration
	writeTimeout     time.Duration

	mu         sync.Mutex
	header     http.Header
	state      hub.State
	ws         *websocket.Conn
	started    bool
	disposed   bool
	done       chan struct{} // closed by Dispose
	lastPingAt time.Time
	pending    map[string]chan result
	proxies    map[string]*proxy

	stateHandlers       []stateHandler
	reconnectedHandlers []reconnectedHandler
	nextHandlerID       uint64

	// Serializes notification delivery so handlers observe transitions in order.
	emitMu sync.Mutex

	writeMu sync.Mutex
}

// New creates a disconnected connection to endpoint (ws:// or wss://).
func New(endpoint string, opts ...Option) *Conn {
	c := &Conn{
		endpoint:         endpoint,
		logger:           slog.Default(),
		handshakeTimeout: defaultHandshakeTimeout,
		reconnectWindow:  defaultReconnectWindow,
		keepAlive:        defaultKeepAlive,
		writeTimeout:     defaultWriteTimeout,
		header:           http.Header{},
		state:            hub.Disconnected,
		done:             make(chan struct{}),
		pending:          make(map[string]chan result),
		proxies:          make(map[string]*proxy),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// SetTransportTimeout sets the handshake timeout.
func (c *Conn) SetTransportTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d > 0 {
		c.handshakeTimeout = d
	}
}

// SetLogger sets the logger for transport diagnostics.
func (c *Conn) SetLogger(logger *slog.Logger) {
	if logger == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logger = logger.With("transport", "websocket")
}

// SetHeader adds a handshake header.
func (c *Conn) SetHeader(name, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.header.Set(name, value)
}

// CreateHubProxy returns the proxy for hubName, creating it on first use.
func (c *Conn) CreateHubProxy(hubName string) hub.Proxy {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.proxies[hubName]
	if !ok {
		p = &proxy{conn: c, hub: hubName, handlers: make(map[string]func([]json.RawMessage))}
		c.proxies[hubName] = p
	}
	return p
}

// OnStateChanged registers fn for state transitions.
func (c *Conn) OnStateChanged(fn func(hub.StateChange)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextHandlerID++
	id := c.nextHandlerID
	c.stateHandlers = append(c.stateHandlers, stateHandler{id: id, fn: fn})

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, h := range c.stateHandlers {
			if h.id == id {
				c.stateHandlers = append(c.stateHandlers[:i:i], c.stateHandlers[i+1:]...)
				return
			}
		}
	}
}

// OnReconnected registers fn for in-place reconnections.
func (c *Conn) OnReconnected(fn func()) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextHandlerID++
	id := c.nextHandlerID
	c.reconnectedHandlers = append(c.reconnectedHandlers, reconnectedHandler{id: id, fn: fn})

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, h := range c.reconnectedHandlers {
			if h.id == id {
				c.reconnectedHandlers = append(c.reconnectedHandlers[:i:i], c.reconnectedHandlers[i+1:]...)
				return
			}
		}
	}
}

// State returns the current state.
func (c *Conn) State() hub.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start dials the hub. It can only be called once.
func (c *Conn) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return hub.ErrDisposed
	}
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	c.mu.Unlock()

	c.transition(hub.Connecting)

	ws, err := c.dial(ctx)
	if err != nil {
		c.transition(hub.Disconnected)
		return fmt.Errorf("start: %w", err)
	}

	if !c.attach(ws) {
		ws.Close()
		return hub.ErrDisposed
	}

	c.transition(hub.Connected)
	c.log().Debug("hub connected", "url", c.endpoint)

	return nil
}

// Dispose closes the socket, fails pending invocations and stops reconnecting.
func (c *Conn) Dispose() error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return nil
	}
	c.disposed = true
	close(c.done)
	ws := c.ws
	c.ws = nil
	pending := c.pending
	c.pending = make(map[string]chan result)
	c.mu.Unlock()

	failPending(pending, hub.ErrDisposed)

	var err error
	if ws != nil {
		ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		err = ws.Close()
	}

	c.transition(hub.Disconnected)
	c.log().Debug("hub connection disposed", "url", c.endpoint)

	return err
}

func (c *Conn) log() *slog.Logger {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.logger
}

// transition moves to state to and notifies handlers. Once disposed, only a
// transition to Disconnected is allowed.
func (c *Conn) transition(to hub.State) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.mu.Lock()
	from := c.state
	if from == to || (c.disposed && to != hub.Disconnected) {
		c.mu.Unlock()
		return
	}
	c.state = to
	handlers := make([]stateHandler, len(c.stateHandlers))
	copy(handlers, c.stateHandlers)
	logger := c.logger
	c.mu.Unlock()

	logger.Debug("hub state changed", "old", from, "new", to)

	change := hub.StateChange{Old: from, New: to}
	for _, h := range handlers {
		h.fn(change)
	}
}

func (c *Conn) emitReconnected() {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.mu.Lock()
	handlers := make([]reconnectedHandler, len(c.reconnectedHandlers))
	copy(handlers, c.reconnectedHandlers)
	c.mu.Unlock()

	for _, h := range handlers {
		h.fn()
	}
}

func (c *Conn) dial(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	header := c.header.Clone()
	dialer := websocket.Dialer{
		HandshakeTimeout: c.handshakeTimeout,
	}
	c.mu.Unlock()

	ws, resp, err := dialer.DialContext(ctx, c.endpoint, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s (status %d): %w", c.endpoint, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", c.endpoint, err)
	}
	return ws, nil
}

// attach makes ws the live socket and starts its loops. It returns false if
// the connection was disposed while dialing.
func (c *Conn) attach(ws *websocket.Conn) bool {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return false
	}
	c.ws = ws
	c.lastPingAt = time.Now()
	c.mu.Unlock()

	// Server pings are answered and count as liveness, as do pongs to ours.
	ws.SetPingHandler(func(data string) error {
		c.touch()
		return ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})
	ws.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})

	go c.readLoop(ws)
	go c.keepAliveLoop(ws)

	return true
}

func (c *Conn) touch() {
	c.mu.Lock()
	c.lastPingAt = time.Now()
	c.mu.Unlock()
}

func (c *Conn) current() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws
}

// readLoop reads frames from ws until it fails.
func (c *Conn) readLoop(ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.handleDrop(ws, err)
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.log().Warn("invalid frame", "error", err)
			continue
		}

		switch f.Type {
		case frameCompletion:
			c.complete(f)
		case frameInvocation:
			c.dispatch(f)
		case framePing:
		default:
			c.log().Debug("unknown frame type", "type", f.Type)
		}
	}
}

// keepAliveLoop pings the hub and closes ws when it goes quiet.
func (c *Conn) keepAliveLoop(ws *websocket.Conn) {
	if c.keepAlive <= 0 {
		return
	}

	ticker := time.NewTicker(c.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if c.current() != ws {
				return
			}

			if err := ws.WriteControl(websocket.PingMessage, []byte("keepalive"), time.Now().Add(c.writeTimeout)); err != nil {
				c.log().Debug("failed to send ping", "error", err)
			}

			c.mu.Lock()
			lastPing := c.lastPingAt
			c.mu.Unlock()

			if time.Since(lastPing) > 2*c.keepAlive {
				c.log().Warn("no ping received, connection stale",
					"last_ping", lastPing,
					"timeout", 2*c.keepAlive,
				)
				// Unblocks readLoop, which handles the drop.
				ws.Close()
				return
			}
		}
	}
}

func (c *Conn) handleDrop(ws *websocket.Conn, err error) {
	c.mu.Lock()
	if c.disposed || c.ws != ws {
		c.mu.Unlock()
		return
	}
	c.ws = nil
	pending := c.pending
	c.pending = make(map[string]chan result)
	logger := c.logger
	c.mu.Unlock()

	ws.Close()
	failPending(pending, ErrConnectionLost)

	logger.Warn("hub connection lost", "error", err)
	go c.reconnect()
}

// reconnect redials with doubling backoff until the reconnect window closes.
func (c *Conn) reconnect() {
	c.transition(hub.Reconnecting)

	deadline := time.Now().Add(c.reconnectWindow)
	wait := reconnectBaseWait

	for {
		select {
		case <-c.done:
			return
		default:
		}

		c.mu.Lock()
		timeout := c.handshakeTimeout
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		go func() {
			select {
			case <-c.done:
				cancel()
			case <-ctx.Done():
			}
		}()
		ws, err := c.dial(ctx)
		cancel()

		if err == nil {
			if !c.attach(ws) {
				ws.Close()
				return
			}
			c.transition(hub.Connected)
			c.log().Info("hub reconnected", "url", c.endpoint)
			c.emitReconnected()
			return
		}

		if !time.Now().Add(wait).Before(deadline) {
			c.log().Warn("reconnect window exhausted", "url", c.endpoint, "error", err)
			c.transition(hub.Disconnected)
			return
		}

		c.log().Debug("reconnect attempt failed", "error", err, "retry_in", wait)

		select {
		case <-c.done:
			return
		case <-time.After(wait):
		}

		wait *= 2
		if wait > reconnectMaxWait {
			wait = reconnectMaxWait
		}
	}
}

func (c *Conn) invoke(ctx context.Context, hubName, method string, reply any, args []any) error {
	encoded, err := encodeArgs(args)
	if err != nil {
		return fmt.Errorf("encode %s: %w", method, err)
	}

	id := uuid.NewString()
	respCh := make(chan result, 1)

	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return hub.ErrDisposed
	}
	if c.state != hub.Connected || c.ws == nil {
		c.mu.Unlock()
		return hub.ErrNotConnected
	}
	ws := c.ws
	c.pending[id] = respCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	data, err := json.Marshal(frame{
		Type:         frameInvocation,
		InvocationID: id,
		Hub:          hubName,
		Target:       method,
		Arguments:    encoded,
	})
	if err != nil {
		return fmt.Errorf("encode %s: %w", method, err)
	}

	if err := c.write(ws, data); err != nil {
		return fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return hub.ErrDisposed
	case res := <-respCh:
		if res.err != nil {
			return res.err
		}
		if res.frame.Error != "" {
			return &RemoteError{Method: method, Message: res.frame.Error}
		}
		if reply != nil && len(res.frame.Result) > 0 {
			if err := json.Unmarshal(res.frame.Result, reply); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	}
}

func (c *Conn) write(ws *websocket.Conn, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return ws.WriteMessage(websocket.TextMessage, data)
}

// complete routes a completion to the waiting invoke.
func (c *Conn) complete(f frame) {
	c.mu.Lock()
	ch, ok := c.pending[f.InvocationID]
	if ok {
		delete(c.pending, f.InvocationID)
	}
	c.mu.Unlock()

	if !ok {
		c.log().Debug("completion for unknown invocation", "invocation_id", f.InvocationID)
		return
	}

	select {
	case ch <- result{frame: f}:
	default:
	}
}

// dispatch runs the proxy handler for a server invocation.
func (c *Conn) dispatch(f frame) {
	c.mu.Lock()
	p, ok := c.proxies[f.Hub]
	c.mu.Unlock()

	if !ok {
		c.log().Debug("invocation for unknown hub", "hub", f.Hub, "target", f.Target)
		return
	}
	p.handle(f.Target, f.Arguments)
}

func failPending(pending map[string]chan result, err error) {
	for _, ch := range pending {
		select {
		case ch <- result{err: err}:
		default:
		}
	}
}

package connection

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/rickgao/queuedhub/internal/bus"
	"github.com/rickgao/queuedhub/internal/hub"
	"github.com/rickgao/queuedhub/internal/metrics"
	"github.com/rickgao/queuedhub/internal/queue"
	"github.com/rickgao/queuedhub/internal/timer"
	"github.com/rickgao/queuedhub/internal/wshub"
)

var stateLabels = []string{
	hub.Disconnected.String(),
	hub.Connecting.String(),
	hub.Connected.String(),
	hub.Reconnecting.String(),
}

// Manager keeps one logical hub session alive across transport drops.
type Manager struct {
	name              string
	endpoint          string
	hubName           string
	transportTimeout  time.Duration
	reconnectInterval time.Duration
	invokeTimeout     time.Duration
	headersProvider   func() (map[string]string, error)
	proxySubscriber   func(hub.Proxy)
	retryOnReconnect  bool
	failurePolicy     ConnectFailurePolicy
	factory           hub.Factory
	bus               bus.MessageBus
	metrics           *metrics.Collectors
	baseLogger        *slog.Logger
	logger            *slog.Logger

	queue *queue.Queue // nil unless retryOnReconnect

	// Guards the connection object and everything tied to it.
	lifecycleMu sync.Mutex
	conn        hub.Connection
	proxy       hub.Proxy
	detach      []func()
	connecting  bool
	timer       *timer.PeriodicTimer
	epoch       uint64 // bumped by Disconnect
	armedEpoch  uint64 // epoch the reconnect deadline was armed in

	stateMu        sync.RWMutex
	state          hub.State
	observers      []observer
	nextObserverID uint64

	drainMu sync.Mutex
}

type observer struct {
	id uint64
	fn func(hub.StateChange)
}

// attempt carries the context of one connect call.
type attempt struct {
	fromInvoke bool
	checkEpoch bool
	epoch      uint64
}

// NewManager creates an idle manager. Nothing is dialed until Connect or
// Invoke is called.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		name:              defaultName,
		reconnectInterval: defaultReconnectInterval,
		invokeTimeout:     defaultInvokeTimeout,
		factory:           wshub.Factory(),
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.baseLogger == nil {
		m.baseLogger = slog.Default()
	}
	m.logger = m.baseLogger.With("client", m.name)

	if m.retryOnReconnect {
		m.queue = queue.New()
	}

	return m
}

// Connect builds and starts a connection object and reports whether the
// transport came up. It returns false without an error when a connection
// object already exists or when Start failed; failures are logged. Only
// configuration errors are returned.
func (m *Manager) Connect(ctx context.Context) (bool, error) {
	return m.connect(ctx, attempt{})
}

func (m *Manager) connect(ctx context.Context, a attempt) (bool, error) {
	if m.endpoint == "" {
		m.metrics.ConnectAttempt(metrics.ConnectConfigError)
		return false, ErrEndpointRequired
	}
	if m.hubName == "" {
		m.metrics.ConnectAttempt(metrics.ConnectConfigError)
		return false, ErrHubNameRequired
	}

	conn, proxy, ok := m.build(a)
	if !ok {
		return false, nil
	}
	defer m.doneConnecting()

	if m.proxySubscriber != nil {
		m.proxySubscriber(proxy)
	}

	if st := conn.State(); st != hub.Disconnected {
		m.logger.Debug("connection not startable", "state", st)
		m.metrics.ConnectAttempt(metrics.ConnectRefused)
		return false, nil
	}

	m.logger.Info("connecting", "endpoint", m.endpoint, "hub", m.hubName)

	if err := conn.Start(ctx); err != nil {
		m.logger.Warn("connection start error", "error", err, "policy", m.failurePolicy)
		m.metrics.ConnectAttempt(metrics.ConnectFailed)
		m.startFailed(conn)
		return false, nil
	}

	m.metrics.ConnectAttempt(metrics.ConnectSuccess)
	m.logger.Info("connected", "endpoint", m.endpoint, "hub", m.hubName)

	if m.queue != nil && m.isCurrent(conn) {
		m.ProcessInvokeQueue(ctx)
	}

	return true, nil
}

// build creates and wires a connection object under the lifecycle lock. It
// returns false when the attempt is refused or no headers could be fetched.
func (m *Manager) build(a attempt) (hub.Connection, hub.Proxy, bool) {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	if a.checkEpoch && a.epoch != m.epoch {
		m.logger.Debug("reconnect canceled by disconnect")
		return nil, nil, false
	}

	if m.conn != nil {
		if !a.fromInvoke {
			m.metrics.ConnectAttempt(metrics.ConnectRefused)
		}
		return nil, nil, false
	}

	var headers map[string]string
	if m.headersProvider != nil {
		h, err := m.headersProvider()
		if err != nil {
			// No connection object exists to report Disconnected, so the
			// deadline is armed here.
			m.logger.Warn("headers provider failed", "error", err)
			m.metrics.ConnectAttempt(metrics.ConnectFailed)
			m.armReconnectLocked()
			return nil, nil, false
		}
		headers = h
	}

	conn := m.factory(m.endpoint)
	m.detach = []func(){
		conn.OnStateChanged(func(change hub.StateChange) {
			m.onStateChanged(conn, change)
		}),
		conn.OnReconnected(func() {
			m.onReconnected(conn)
		}),
	}

	if m.transportTimeout > 0 {
		conn.SetTransportTimeout(m.transportTimeout)
	}
	conn.SetLogger(m.logger)
	for name, value := range headers {
		conn.SetHeader(name, value)
	}

	m.conn = conn
	m.proxy = conn.CreateHubProxy(m.hubName)
	m.connecting = true

	return conn, m.proxy, true
}

func (m *Manager) doneConnecting() {
	m.lifecycleMu.Lock()
	m.connecting = false
	m.lifecycleMu.Unlock()
}

func (m *Manager) isCurrent(conn hub.Connection) bool {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	return m.conn == conn
}

// startFailed applies the connect failure policy to conn.
func (m *Manager) startFailed(conn hub.Connection) {
	if m.failurePolicy != TeardownOnFailure {
		return
	}

	m.lifecycleMu.Lock()
	if m.conn != conn {
		m.lifecycleMu.Unlock()
		return
	}
	finish := m.dismissLocked()
	if m.timer == nil || !m.timer.IsRunning() {
		m.armReconnectLocked()
	}
	m.lifecycleMu.Unlock()

	finish()
}

// Disconnect stops the reconnect deadline and releases the connection
// object. A later Connect starts a fresh session.
func (m *Manager) Disconnect() {
	m.lifecycleMu.Lock()
	m.epoch++
	if m.timer != nil {
		m.timer.Stop()
	}
	finish := m.dismissLocked()
	m.proxy = nil
	m.lifecycleMu.Unlock()

	finish()
	m.logger.Info("disconnected")
}

// dismissLocked detaches and releases the current connection object. The
// returned func delivers the terminal Disconnected notification and starts
// the dispose; it must run after the lifecycle lock is released.
func (m *Manager) dismissLocked() func() {
	conn := m.conn
	if conn == nil {
		return func() {}
	}

	change := hub.StateChange{Old: conn.State(), New: hub.Disconnected}

	for _, detach := range m.detach {
		detach()
	}
	m.detach = nil
	m.conn = nil

	return func() {
		m.publishState(change)
		go m.dispose(conn)
	}
}

func (m *Manager) dispose(conn hub.Connection) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Warn("connection could not be disposed", "panic", r)
			m.metrics.DisposeError()
		}
	}()

	if err := conn.Dispose(); err != nil {
		m.logger.Warn("connection could not be disposed", "error", err)
		m.metrics.DisposeError()
	}
}

func (m *Manager) onStateChanged(conn hub.Connection, change hub.StateChange) {
	if !m.isCurrent(conn) {
		m.logger.Debug("ignoring state change from dismissed connection",
			"old", change.Old,
			"new", change.New,
		)
		return
	}

	m.publishState(change)

	if change.New != hub.Disconnected {
		return
	}

	// The connection does not recover from Disconnected on its own.
	m.lifecycleMu.Lock()
	if m.conn == conn {
		m.armReconnectLocked()
	}
	m.lifecycleMu.Unlock()
}

func (m *Manager) onReconnected(conn hub.Connection) {
	if m.queue == nil || !m.isCurrent(conn) {
		return
	}

	if m.ConnectionState() != hub.Connected {
		m.logger.Debug("reconnected before connected state, queue left as is")
		return
	}

	m.logger.Info("reconnected, replaying queue", "pending", m.queue.Len())

	// Off the connection's notification path.
	go m.ProcessInvokeQueue(context.Background())
}

// publishState records change as the exposed state and fans it out.
func (m *Manager) publishState(change hub.StateChange) {
	m.stateMu.Lock()
	m.state = change.New
	observers := slices.Clone(m.observers)
	m.stateMu.Unlock()

	m.logger.Info("state changed", "old", change.Old, "new", change.New)
	m.metrics.SetState(change.New.String(), stateLabels...)

	for _, o := range observers {
		o.fn(change)
	}
	m.publish(TopicState, change)
}

func (m *Manager) publish(topic string, msg any) {
	if m.bus != nil {
		m.bus.Publish(topic, msg)
	}
}

// armReconnectLocked re-issues the single-shot reconnect deadline.
func (m *Manager) armReconnectLocked() {
	if m.timer == nil {
		m.timer = timer.New(m.reconnectInterval, m.reconnectTick, true)
	}

	m.timer.Stop()
	m.armedEpoch = m.epoch
	m.timer.Start()

	m.metrics.ReconnectArmed()
	m.logger.Info("reconnect armed", "interval", m.reconnectInterval)
}

func (m *Manager) reconnectTick() {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("reconnect tick panicked", "panic", r)
		}
	}()

	m.lifecycleMu.Lock()
	if m.armedEpoch != m.epoch {
		m.lifecycleMu.Unlock()
		return
	}
	epoch := m.epoch
	finish := m.dismissLocked()
	m.lifecycleMu.Unlock()

	finish()

	m.logger.Info("reconnecting", "endpoint", m.endpoint)
	if _, err := m.connect(context.Background(), attempt{checkEpoch: true, epoch: epoch}); err != nil {
		m.logger.Error("reconnect failed", "error", err)
	}
}

// ConnectionState returns the most recently reported state.
func (m *Manager) ConnectionState() hub.State {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.state
}

// Lifecycle returns the manager's session state.
func (m *Manager) Lifecycle() LifecycleState {
	m.lifecycleMu.Lock()
	armed := m.timer != nil && m.timer.IsRunning()
	connecting := m.connecting
	hasConn := m.conn != nil
	m.lifecycleMu.Unlock()

	switch {
	case armed:
		return DisconnectedRetrying
	case connecting:
		return Connecting
	case !hasConn:
		return Idle
	}

	switch m.ConnectionState() {
	case hub.Connected:
		return Connected
	case hub.Connecting, hub.Reconnecting:
		return Connecting
	default:
		return DisconnectedRetrying
	}
}

// OnStateChanged registers fn for every state change, including the
// synthetic Disconnected delivered when a connection object is released.
// The returned func removes it.
func (m *Manager) OnStateChanged(fn func(hub.StateChange)) func() {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()

	m.nextObserverID++
	id := m.nextObserverID
	m.observers = append(m.observers, observer{id: id, fn: fn})

	return func() {
		m.stateMu.Lock()
		defer m.stateMu.Unlock()
		m.observers = slices.DeleteFunc(m.observers, func(o observer) bool {
			return o.id == id
		})
	}
}

// Name returns the manager name.
func (m *Manager) Name() string {
	return m.name
}

// QueueLen returns the number of invocations waiting for replay.
func (m *Manager) QueueLen() int {
	if m.queue == nil {
		return 0
	}
	return m.queue.Len()
}

// PendingInvocations returns a copy of the queue, head first.
func (m *Manager) PendingInvocations() []queue.Invocation {
	if m.queue == nil {
		return nil
	}
	return m.queue.Snapshot()
}

// ClearQueue drops every pending invocation and returns how many there were.
func (m *Manager) ClearQueue() int {
	if m.queue == nil {
		return 0
	}
	n := m.queue.Clear()
	m.metrics.QueueDepth(0)
	return n
}

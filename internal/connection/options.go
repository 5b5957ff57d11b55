package connection

import (
	"io"
	"log/slog"
	"time"

	"github.com/rickgao/queuedhub/internal/bus"
	"github.com/rickgao/queuedhub/internal/hub"
	"github.com/rickgao/queuedhub/internal/metrics"
)

const (
	defaultName              = "QueuedHubClient"
	defaultReconnectInterval = 5 * time.Second
	defaultInvokeTimeout     = 30 * time.Second
)

// Option configures a Manager.
type Option func(*Manager)

// WithEndpoint sets the hub address. Required.
func WithEndpoint(uri string) Option {
	return func(m *Manager) {
		m.endpoint = uri
	}
}

// WithHubName sets the hub to proxy. Required.
func WithHubName(name string) Option {
	return func(m *Manager) {
		m.hubName = name
	}
}

// WithTransportTimeout bounds establishing the transport.
func WithTransportTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.transportTimeout = d
	}
}

// WithTracer writes diagnostic lines up to level to w.
func WithTracer(w io.Writer, level TraceLevel) Option {
	return func(m *Manager) {
		if w == nil || level == TraceNone {
			m.baseLogger = slog.New(slog.DiscardHandler)
			return
		}
		m.baseLogger = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
			Level: level.slogLevel(),
		}))
	}
}

// WithLogger traces through an existing logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.baseLogger = logger
	}
}

// WithHeadersProvider sets the handshake header source. It is called on
// every connect attempt while the manager holds its lifecycle lock, so it
// must not call back into the manager.
func WithHeadersProvider(fn func() (map[string]string, error)) Option {
	return func(m *Manager) {
		m.headersProvider = fn
	}
}

// WithRetryOnReconnect queues failed invokes for replay once connected.
// Without it, failed invokes are dropped.
func WithRetryOnReconnect() Option {
	return func(m *Manager) {
		m.retryOnReconnect = true
	}
}

// WithReconnectInterval sets the delay between an unsolicited disconnect and
// the reconnect attempt.
func WithReconnectInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.reconnectInterval = d
		}
	}
}

// WithSecondsToReconnect is WithReconnectInterval in whole seconds.
func WithSecondsToReconnect(n int) Option {
	return WithReconnectInterval(time.Duration(n) * time.Second)
}

// WithProxySubscriber registers fn to run once for every proxy created,
// before the transport starts.
func WithProxySubscriber(fn func(hub.Proxy)) Option {
	return func(m *Manager) {
		m.proxySubscriber = fn
	}
}

// WithName sets the name every log line is tagged with.
func WithName(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.name = name
		}
	}
}

// WithConnectionFactory replaces the websocket connection factory.
func WithConnectionFactory(f hub.Factory) Option {
	return func(m *Manager) {
		if f != nil {
			m.factory = f
		}
	}
}

// WithBus publishes lifecycle and invoke events on b.
func WithBus(b bus.MessageBus) Option {
	return func(m *Manager) {
		m.bus = b
	}
}

// WithMetrics records metrics on c.
func WithMetrics(c *metrics.Collectors) Option {
	return func(m *Manager) {
		m.metrics = c
	}
}

// WithInvokeTimeout bounds each proxy call. Zero leaves calls bounded by
// the caller's context only.
func WithInvokeTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d >= 0 {
			m.invokeTimeout = d
		}
	}
}

// WithConnectFailurePolicy decides what happens to a connection object
// whose Start failed.
func WithConnectFailurePolicy(p ConnectFailurePolicy) Option {
	return func(m *Manager) {
		m.failurePolicy = p
	}
}

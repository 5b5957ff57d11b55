package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "queuedhub"

// Connect attempt outcomes.
const (
	ConnectSuccess     = "success"
	ConnectRefused     = "refused"
	ConnectFailed      = "failed"
	ConnectConfigError = "config_error"
)

// Invoke outcomes.
const (
	InvokeOK      = "ok"
	InvokeQueued  = "queued"
	InvokeDropped = "dropped"
)

// Replay outcomes.
const (
	ReplayOK     = "ok"
	ReplayFailed = "failed"
)

// Collectors holds the metrics for one process.
type Collectors struct {
	registry *prometheus.Registry

	ConnectAttemptsTotal *prometheus.CounterVec
	ConnectionState      *prometheus.GaugeVec
	ReconnectArmedTotal  prometheus.Counter
	InvokesTotal         *prometheus.CounterVec
	InvokeQueueDepth     prometheus.Gauge
	ReplaysTotal         *prometheus.CounterVec
	DisposeErrorsTotal   prometheus.Counter
}

// New registers the collectors on a fresh registry, along with the Go and
// process collectors.
func New() *Collectors {
	c := &Collectors{
		registry: prometheus.NewRegistry(),

		ConnectAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connect_attempts_total",
				Help:      "Total number of connect attempts by result",
			},
			[]string{"result"},
		),
		ConnectionState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "connection_state",
				Help:      "Current hub connection state (1 for the active state)",
			},
			[]string{"state"},
		),
		ReconnectArmedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconnect_armed_total",
				Help:      "Total number of reconnect deadlines armed",
			},
		),
		InvokesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "invokes_total",
				Help:      "Total number of invokes by result",
			},
			[]string{"result"},
		),
		InvokeQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "invoke_queue_depth",
				Help:      "Number of invocations waiting for replay",
			},
		),
		ReplaysTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "replays_total",
				Help:      "Total number of replayed invocations by result",
			},
			[]string{"result"},
		),
		DisposeErrorsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispose_errors_total",
				Help:      "Total number of connection dispose failures",
			},
		),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.ConnectAttemptsTotal,
		c.ConnectionState,
		c.ReconnectArmedTotal,
		c.InvokesTotal,
		c.InvokeQueueDepth,
		c.ReplaysTotal,
		c.DisposeErrorsTotal,
	)

	return c
}

// Registry returns the registry the collectors are registered on.
func (c *Collectors) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collectors) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

func (c *Collectors) ConnectAttempt(result string) {
	if c == nil {
		return
	}
	c.ConnectAttemptsTotal.WithLabelValues(result).Inc()
}

// SetState marks state as the current connection state among states.
func (c *Collectors) SetState(current string, states ...string) {
	if c == nil {
		return
	}
	for _, s := range states {
		v := 0.0
		if s == current {
			v = 1
		}
		c.ConnectionState.WithLabelValues(s).Set(v)
	}
}

func (c *Collectors) ReconnectArmed() {
	if c == nil {
		return
	}
	c.ReconnectArmedTotal.Inc()
}

func (c *Collectors) Invoke(result string) {
	if c == nil {
		return
	}
	c.InvokesTotal.WithLabelValues(result).Inc()
}

func (c *Collectors) QueueDepth(n int) {
	if c == nil {
		return
	}
	c.InvokeQueueDepth.Set(float64(n))
}

func (c *Collectors) Replay(result string) {
	if c == nil {
		return
	}
	c.ReplaysTotal.WithLabelValues(result).Inc()
}

func (c *Collectors) DisposeError() {
	if c == nil {
		return
	}
	c.DisposeErrorsTotal.Inc()
}

package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultClientName        = "QueuedHubClient"
	DefaultTransportTimeout  = 10 * time.Second
	DefaultReconnectInterval = 5 * time.Second
	DefaultInvokeTimeout     = 30 * time.Second
	DefaultHandshakePath     = "/hub"
	DefaultHeartbeatMethod   = "Heartbeat"
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultLogLevel          = "info"
	DefaultMetricsPort       = 9090
	DefaultMetricsPath       = "/metrics"
	DefaultEchoListen        = ":8081"
	DefaultEchoPath          = "/hub"
)

// ApplyDefaults fills unset optional fields.
func (c *Config) ApplyDefaults() {
	// Client defaults
	if c.Client.Name == "" {
		c.Client.Name = DefaultClientName
	}
	if c.Client.TransportTimeout == 0 {
		c.Client.TransportTimeout = DefaultTransportTimeout
	}
	if c.Client.ReconnectInterval == 0 {
		c.Client.ReconnectInterval = DefaultReconnectInterval
	}
	if c.Client.InvokeTimeout == 0 {
		c.Client.InvokeTimeout = DefaultInvokeTimeout
	}

	// Auth defaults
	if c.Auth.HandshakePath == "" {
		c.Auth.HandshakePath = DefaultHandshakePath
	}

	// Heartbeat defaults
	if c.Heartbeat.Method == "" {
		c.Heartbeat.Method = DefaultHeartbeatMethod
	}
	if c.Heartbeat.Interval == 0 {
		c.Heartbeat.Interval = DefaultHeartbeatInterval
	}

	// Logging defaults
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}

	// Metrics defaults
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}

	// Echo defaults
	if c.Echo.Listen == "" {
		c.Echo.Listen = DefaultEchoListen
	}
	if c.Echo.Path == "" {
		c.Echo.Path = DefaultEchoPath
	}
}

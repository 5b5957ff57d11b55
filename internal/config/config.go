package config

import "time"

// Config is the root configuration for hubclient and hubecho.
type Config struct {
	Client    ClientConfig    `yaml:"client"`
	Auth      AuthConfig      `yaml:"auth"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Echo      EchoConfig      `yaml:"echo"`
}

// ClientConfig holds the managed hub connection settings.
type ClientConfig struct {
	Name                     string            `yaml:"name"`
	Endpoint                 string            `yaml:"endpoint"` // ws:// or wss:// hub URL
	Hub                      string            `yaml:"hub"`
	TransportTimeout         time.Duration     `yaml:"transport_timeout"`
	ReconnectInterval        time.Duration     `yaml:"reconnect_interval"`
	InvokeTimeout            time.Duration     `yaml:"invoke_timeout"`
	RetryFailedInvokes       bool              `yaml:"retry_failed_invokes"`
	TeardownOnConnectFailure bool              `yaml:"teardown_on_connect_failure"`
	Headers                  map[string]string `yaml:"headers"`   // Static handshake headers
	Subscribe                []string          `yaml:"subscribe"` // Server-to-client targets to log
}

// AuthConfig holds the handshake signing key. Signing is off when KeyID is empty.
type AuthConfig struct {
	KeyID          string `yaml:"key_id"`
	PrivateKeyPath string `yaml:"private_key_path"` // Path to RSA private key PEM file
	HandshakePath  string `yaml:"handshake_path"`   // Path covered by the signature
}

// HeartbeatConfig holds the periodic invoke settings.
type HeartbeatConfig struct {
	Method   string        `yaml:"method"`
	Interval time.Duration `yaml:"interval"` // 0 disables the heartbeat
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
	File  string `yaml:"file"`  // Optional file teed alongside stdout
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}

// EchoConfig holds the hubecho listener settings.
type EchoConfig struct {
	Listen string `yaml:"listen"`
	Path   string `yaml:"path"`
}

package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if err := c.Client.validate("client"); err != nil {
		return err
	}

	if c.Auth.KeyID != "" && c.Auth.PrivateKeyPath == "" {
		return errors.New("auth.private_key_path is required when auth.key_id is set")
	}
	if !strings.HasPrefix(c.Auth.HandshakePath, "/") {
		return fmt.Errorf("auth.handshake_path must start with /, got %q", c.Auth.HandshakePath)
	}

	if c.Heartbeat.Interval < 0 {
		return errors.New("heartbeat.interval must be >= 0")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error, got %q", c.Logging.Level)
	}

	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be between 1 and 65535, got %d", c.Metrics.Port)
	}

	return nil
}

func (cc *ClientConfig) validate(prefix string) error {
	if cc.Endpoint == "" {
		return fmt.Errorf("%s.endpoint is required", prefix)
	}
	u, err := url.Parse(cc.Endpoint)
	if err != nil {
		return fmt.Errorf("%s.endpoint is invalid: %w", prefix, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%s.endpoint must use ws or wss, got %q", prefix, u.Scheme)
	}
	if cc.Hub == "" {
		return fmt.Errorf("%s.hub is required", prefix)
	}
	if cc.TransportTimeout < 0 {
		return fmt.Errorf("%s.transport_timeout must be >= 0", prefix)
	}
	if cc.ReconnectInterval <= 0 {
		return fmt.Errorf("%s.reconnect_interval must be > 0", prefix)
	}
	if cc.InvokeTimeout < 0 {
		return fmt.Errorf("%s.invoke_timeout must be >= 0", prefix)
	}
	return nil
}

package session

import "time"

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines connection timeouts shared by relay and agent.
type Config struct {
	// ConnectTimeout bounds one dial to the relay or a sub-service.
	ConnectTimeout time.Duration
	// HandshakeTimeout bounds the identification exchange on both sides.
	HandshakeTimeout time.Duration
	// ReadTimeout bounds each read on a CAD connection.
	ReadTimeout time.Duration
	// WriteTimeout bounds each write to a peer.
	WriteTimeout time.Duration
	// AckTimeout bounds the wait for an operator's delivery ack.
	AckTimeout time.Duration
	Backoff    BackoffConfig
}

// DefaultConfig mirrors the deployed relay: one second identification, read and ack
// windows, and a fixed five second reconnect delay.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:   5 * time.Second,
		HandshakeTimeout: time.Second,
		ReadTimeout:      time.Second,
		WriteTimeout:     5 * time.Second,
		AckTimeout:       time.Second,
		Backoff: BackoffConfig{
			InitialDelay: 5 * time.Second,
			Multiplier:   1.0,
			MaxDelay:     5 * time.Second,
			Jitter:       false,
		},
	}
}

// WithDefaults fills unset durations from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = def.ReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = def.AckTimeout
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = def.Backoff
	}
	return c
}

package transport

import (
	"fmt"
	"strings"
	"time"
)

// Kind selects the wire carrying the event stream.
type Kind string

const (
	// KindAuto picks ws for ws:// and wss:// addresses and tcp otherwise.
	KindAuto Kind = "auto"
	KindWS   Kind = "ws"
	KindTCP  Kind = "tcp"
)

const DefaultGreeting = "Hello Server!"

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines dial, reconnect, and keepalive behavior for one dialer.
type Config struct {
	Kind Kind
	// Greeting is sent after every successful (re)connect. Empty disables it.
	Greeting         string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// PingInterval enables ws ping keepalive and tcp keepalive. 0 disables.
	PingInterval time.Duration
	// MaxRetries bounds redials after the first attempt, both on Open and after a drop.
	MaxRetries int
	MaxLineBytes int
	Backoff      BackoffConfig
}

// DefaultConfig retries five times starting at three seconds.
func DefaultConfig() Config {
	return Config{
		Kind:             KindAuto,
		Greeting:         DefaultGreeting,
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     5 * time.Second,
		MaxRetries:       5,
		MaxLineBytes:     128 * 1024,
		Backoff: BackoffConfig{
			InitialDelay: 3 * time.Second,
			Multiplier:   1.3,
			MaxDelay:     10 * time.Second,
			Jitter:       true,
		},
	}
}

// WithDefaults fills zero-valued fields. Greeting and PingInterval keep their zero values.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if strings.TrimSpace(string(c.Kind)) == "" {
		c.Kind = def.Kind
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.MaxLineBytes <= 0 {
		c.MaxLineBytes = def.MaxLineBytes
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff.InitialDelay = def.Backoff.InitialDelay
	}
	if c.Backoff.Multiplier < 1.0 {
		c.Backoff.Multiplier = def.Backoff.Multiplier
	}
	if c.Backoff.MaxDelay <= 0 {
		c.Backoff.MaxDelay = def.Backoff.MaxDelay
	}
	return c
}

func ParseKind(raw string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(raw))) {
	case "", KindAuto:
		return KindAuto, nil
	case KindWS:
		return KindWS, nil
	case KindTCP:
		return KindTCP, nil
	default:
		return "", fmt.Errorf("transport: unknown kind %q", raw)
	}
}

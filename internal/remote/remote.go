package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrRejected         = errors.New("remote: call rejected")
	ErrEndpointRequired = errors.New("remote: endpoint required")
)

type Mode string

const (
	ModeSimulated Mode = "simulated"
	ModeHTTP      Mode = "http"
)

// Request is one queue item on its way to the remote service.
type Request struct {
	// Fields is the session context merged into the payload (e.g. type=cash).
	Fields map[string]any
	Amount int64
}

// Payload flattens Fields and Amount into the body sent upstream; amount wins on collision.
func (r Request) Payload() map[string]any {
	out := make(map[string]any, len(r.Fields)+1)
	for k, v := range r.Fields {
		out[k] = v
	}
	out["amount"] = r.Amount
	return out
}

type Response struct {
	OK    bool `json:"ok"`
	Value any  `json:"value,omitempty"`
}

// Caller performs the rate-limited side effect for one queue item.
type Caller interface {
	Call(ctx context.Context, req Request) (Response, error)
}

type Config struct {
	Mode     Mode
	Endpoint string
	Delay    time.Duration
	Timeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		Mode:    ModeSimulated,
		Delay:   2 * time.Second,
		Timeout: 10 * time.Second,
	}
}

// New builds the caller selected by cfg.Mode.
func New(cfg Config) (Caller, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(string(cfg.Mode)))) {
	case "", ModeSimulated:
		return NewSimulated(cfg.Delay), nil
	case ModeHTTP:
		return NewHTTP(cfg.Endpoint, cfg.Timeout)
	default:
		return nil, fmt.Errorf("remote: unknown mode %q", cfg.Mode)
	}
}

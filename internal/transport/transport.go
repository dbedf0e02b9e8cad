// Package transport owns the persistent socket to the event source.
//
// Ownership boundary:
// - dialing with bounded retry and backoff
// - transparent reconnect after an abrupt drop
// - per-kind wire links (websocket, newline-delimited tcp)
//
// A Conn delivers inbound messages through its Handler from a single reader
// goroutine. Handler callbacks must not call Conn.Close.
package transport

import (
	"context"
	"errors"
)

var (
	ErrConnect          = errors.New("transport: connect failed")
	ErrNotConnected     = errors.New("transport: not connected")
	ErrRetriesExhausted = errors.New("transport: reconnect attempts exhausted")
	ErrAddressRequired  = errors.New("transport: address required")
)

// Status is a reachability notification for a live Conn.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusReconnected  Status = "reconnected"
)

// Handler receives everything a Conn observes. Nil callbacks are skipped.
type Handler struct {
	OnMessage func(payload []byte)
	// OnStatus reports transient drops (with the read error) and recoveries.
	OnStatus func(status Status, err error)
	// OnClose is terminal: nil after a local Close, ErrRetriesExhausted otherwise.
	OnClose func(err error)
}

// Conn is one live connection handle.
type Conn interface {
	Send(ctx context.Context, payload []byte) error
	// Close is idempotent and returns after the reader goroutine exits.
	Close() error
}

// Dialer opens connections to an event source.
type Dialer interface {
	Open(ctx context.Context, address string, h Handler) (Conn, error)
}

func (h Handler) message(payload []byte) {
	if h.OnMessage != nil {
		h.OnMessage(payload)
	}
}

func (h Handler) status(status Status, err error) {
	if h.OnStatus != nil {
		h.OnStatus(status, err)
	}
}

func (h Handler) closed(err error) {
	if h.OnClose != nil {
		h.OnClose(err)
	}
}

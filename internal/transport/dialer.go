package transport

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/feedctl/internal/observability"
	"github.com/rs/zerolog/log"
)

// link is one physical connection. ReadMessage is called from a single goroutine;
// WriteMessage and Close may be called concurrently with it.
type link interface {
	ReadMessage() ([]byte, error)
	WriteMessage(ctx context.Context, payload []byte) error
	Close() error
}

type linkDialFunc func(ctx context.Context, address string, cfg Config) (link, error)

// ReconnectingDialer opens Conns that redial after abrupt drops.
type ReconnectingDialer struct {
	cfg Config
	// dial overrides kind resolution; tests only.
	dial linkDialFunc
}

func NewDialer(cfg Config) (*ReconnectingDialer, error) {
	cfg = cfg.WithDefaults()
	if _, err := ParseKind(string(cfg.Kind)); err != nil {
		return nil, err
	}
	return &ReconnectingDialer{cfg: cfg}, nil
}

// ResolveAddress maps a configured address to the wire kind and dial target.
func ResolveAddress(kind Kind, address string) (Kind, string, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return "", "", ErrAddressRequired
	}
	lower := strings.ToLower(address)
	hasWSScheme := strings.HasPrefix(lower, "ws://") || strings.HasPrefix(lower, "wss://")
	hasTCPScheme := strings.HasPrefix(lower, "tcp://")
	hostPort := address
	if hasTCPScheme {
		hostPort = address[len("tcp://"):]
	}

	switch kind {
	case KindWS:
		if hasTCPScheme {
			return "", "", fmt.Errorf("transport: ws kind with tcp address %q", address)
		}
		if !hasWSScheme {
			address = "ws://" + address
		}
		return KindWS, address, nil
	case KindTCP:
		if hasWSScheme {
			return "", "", fmt.Errorf("transport: tcp kind with ws address %q", address)
		}
		return KindTCP, hostPort, nil
	case KindAuto, "":
		if hasWSScheme {
			return KindWS, address, nil
		}
		return KindTCP, hostPort, nil
	default:
		return "", "", fmt.Errorf("transport: unknown kind %q", kind)
	}
}

// Open dials address, retrying up to MaxRetries times with backoff, then starts
// the reader. The greeting is sent before Open returns.
func (d *ReconnectingDialer) Open(ctx context.Context, address string, h Handler) (Conn, error) {
	kind, target, err := ResolveAddress(d.cfg.Kind, address)
	if err != nil {
		return nil, err
	}
	dial := d.dial
	if dial == nil {
		dial = dialWS
		if kind == KindTCP {
			dial = dialTCP
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c := &reconnectingConn{
		cfg:     d.cfg,
		kind:    kind,
		target:  target,
		dial:    dial,
		handler: h,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		ctx:     runCtx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	l, err := c.connect(ctx, d.cfg.MaxRetries+1)
	if err != nil {
		cancel()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrConnect, target, err)
	}
	c.install(l)
	log.Info().Str("kind", string(kind)).Str("addr", target).Msg("transport.ReconnectingDialer.Open connected")
	go c.run(l)
	return c, nil
}

type reconnectingConn struct {
	cfg     Config
	kind    Kind
	target  string
	dial    linkDialFunc
	handler Handler
	rng     *rand.Rand

	// ctx is cancelled by Close and bounds every redial.
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	link    link
	closing bool
}

// connect tries up to attempts dials, sleeping with backoff between them.
func (c *reconnectingConn) connect(ctx context.Context, attempts int) (link, error) {
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		l, err := c.dial(ctx, c.target, c.cfg)
		if err == nil {
			return l, nil
		}
		lastErr = err
		log.Warn().Err(err).Int("attempt", attempt).Str("addr", c.target).Msg("transport.reconnectingConn.connect dial")
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt == attempts {
			break
		}
		if err := sleepContext(ctx, NextBackoffDelay(c.cfg.Backoff, attempt, c.rng)); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

// install publishes l for Send and sends the greeting on it. It reports false
// once Close has started.
func (c *reconnectingConn) install(l link) bool {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return false
	}
	c.link = l
	c.mu.Unlock()
	if c.cfg.Greeting == "" {
		return true
	}
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.WriteTimeout)
	defer cancel()
	if err := l.WriteMessage(ctx, []byte(c.cfg.Greeting)); err != nil {
		log.Warn().Err(err).Str("addr", c.target).Msg("transport.reconnectingConn.install greeting")
	}
	return true
}

func (c *reconnectingConn) run(l link) {
	defer close(c.done)
	for {
		for {
			payload, err := l.ReadMessage()
			if err != nil {
				if c.isClosing() {
					c.handler.closed(nil)
					return
				}
				c.drop(l, err)
				break
			}
			c.handler.message(payload)
		}

		next, err := c.connect(c.ctx, c.cfg.MaxRetries)
		if err != nil || next == nil {
			if c.isClosing() {
				c.handler.closed(nil)
				return
			}
			if err == nil {
				err = errors.New("no retries configured")
			}
			log.Error().Err(err).Str("addr", c.target).Int("max_retries", c.cfg.MaxRetries).Msg("transport.reconnectingConn.run give up")
			c.handler.closed(fmt.Errorf("%w: %w", ErrRetriesExhausted, err))
			return
		}
		if !c.install(next) {
			_ = next.Close()
			c.handler.closed(nil)
			return
		}
		l = next
		observability.RecordTransportStatus(string(c.kind), string(StatusReconnected))
		log.Info().Str("addr", c.target).Msg("transport.reconnectingConn.run reconnected")
		c.handler.status(StatusReconnected, nil)
	}
}

func (c *reconnectingConn) drop(l link, err error) {
	c.mu.Lock()
	if c.link == l {
		c.link = nil
	}
	c.mu.Unlock()
	_ = l.Close()
	observability.RecordTransportStatus(string(c.kind), string(StatusDisconnected))
	log.Warn().Err(err).Str("addr", c.target).Msg("transport.reconnectingConn.run dropped")
	c.handler.status(StatusDisconnected, err)
}

func (c *reconnectingConn) isClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

func (c *reconnectingConn) Send(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	l := c.link
	closing := c.closing
	c.mu.Unlock()
	if closing || l == nil {
		return ErrNotConnected
	}
	if err := l.WriteMessage(ctx, payload); err != nil {
		return fmt.Errorf("%w: %w", ErrNotConnected, err)
	}
	return nil
}

func (c *reconnectingConn) Close() error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		<-c.done
		return nil
	}
	c.closing = true
	l := c.link
	c.link = nil
	c.mu.Unlock()

	c.cancel()
	var err error
	if l != nil {
		err = l.Close()
	}
	<-c.done
	log.Debug().Str("addr", c.target).Msg("transport.reconnectingConn.Close")
	return err
}

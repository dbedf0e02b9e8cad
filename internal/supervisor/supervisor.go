package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/feedctl/internal/demux"
	"github.com/danmuck/feedctl/internal/observability"
	"github.com/danmuck/feedctl/internal/store"
	"github.com/danmuck/feedctl/internal/transport"
	"github.com/rs/zerolog/log"
)

var (
	ErrConnectTimeout  = errors.New("supervisor: connect timeout")
	ErrNotActive       = errors.New("supervisor: no active session")
	ErrStopped         = errors.New("supervisor: control loop stopped")
	ErrAlreadyRunning  = errors.New("supervisor: control loop already running")
	ErrAddressRequired = errors.New("supervisor: source address required")
	ErrBusy            = errors.New("supervisor: event stream full")
)

type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseActivating Phase = "activating"
	PhaseActive     Phase = "active"
)

// SessionState is the externally visible connection state.
type SessionState string

const (
	SessionOff          SessionState = "off"
	SessionConnecting   SessionState = "connecting"
	SessionConnected    SessionState = "connected"
	SessionDisconnected SessionState = "disconnected"
)

type TimeoutPolicy string

const (
	// PolicyContinue logs the timeout and keeps waiting for the dial.
	PolicyContinue TimeoutPolicy = "continue"
	// PolicyAbort tears the session down when the connect window closes.
	PolicyAbort TimeoutPolicy = "abort"
)

func ParseTimeoutPolicy(raw string) (TimeoutPolicy, error) {
	switch TimeoutPolicy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", PolicyContinue:
		return PolicyContinue, nil
	case PolicyAbort:
		return PolicyAbort, nil
	default:
		return "", fmt.Errorf("supervisor: unknown timeout policy %q", raw)
	}
}

type Config struct {
	Address        string
	ConnectTimeout time.Duration
	TimeoutPolicy  TimeoutPolicy
	// RetryInterval re-triggers queue processing while items remain. 0 disables.
	RetryInterval time.Duration
	// EventBuffer bounds the per-session event stream. 0 is unbounded.
	EventBuffer int
	// RequestFields is the context merged into every remote call.
	RequestFields map[string]any
	Autostart     bool
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 10 * time.Second,
		TimeoutPolicy:  PolicyContinue,
		RequestFields:  map[string]any{"type": "cash"},
	}
}

// Processor drains one queue item per call.
type Processor interface {
	ProcessOne(ctx context.Context, fields map[string]any) error
}

// Info is a point-in-time view of the supervisor.
type Info struct {
	Phase     Phase        `json:"phase"`
	State     SessionState `json:"state"`
	SessionID string       `json:"session_id,omitempty"`
	Address   string       `json:"address"`
	StartedAt *time.Time   `json:"started_at,omitempty"`
}

type command struct {
	start bool
	done  chan struct{}
}

func (c command) ack() {
	if c.done != nil {
		close(c.done)
	}
}

// Supervisor runs at most one session at a time against a transport.Dialer.
type Supervisor struct {
	cfg    Config
	dialer transport.Dialer
	store  *store.Store
	proc   Processor

	cmds       chan command
	exited     chan struct{}
	exitOnce   sync.Once
	running    atomic.Bool
	nextItemID atomic.Uint64

	mu      sync.RWMutex
	phase   Phase
	current *session
}

func New(cfg Config, dialer transport.Dialer, st *store.Store, proc Processor) (*Supervisor, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, ErrAddressRequired
	}
	policy, err := ParseTimeoutPolicy(string(cfg.TimeoutPolicy))
	if err != nil {
		return nil, err
	}
	cfg.TimeoutPolicy = policy
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConfig().ConnectTimeout
	}
	if cfg.RetryInterval < 0 {
		cfg.RetryInterval = 0
	}
	return &Supervisor{
		cfg:    cfg,
		dialer: dialer,
		store:  st,
		proc:   proc,
		cmds:   make(chan command),
		exited: make(chan struct{}),
		phase:  PhaseIdle,
	}, nil
}

// Run is the outer control loop. It waits for a start, runs one session until
// stop, teardown, or ctx end, then loops. Run returns nil when ctx ends.
func (s *Supervisor) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer s.exitOnce.Do(func() { close(s.exited) })

	log.Info().
		Str("addr", s.cfg.Address).
		Dur("connect_timeout", s.cfg.ConnectTimeout).
		Str("timeout_policy", string(s.cfg.TimeoutPolicy)).
		Bool("autostart", s.cfg.Autostart).
		Msg("supervisor.Supervisor.Run start")

	if s.cfg.Autostart {
		s.runSession(ctx, command{start: true})
	}
	for {
		if ctx.Err() != nil {
			log.Info().Msg("supervisor.Supervisor.Run stop")
			return nil
		}
		select {
		case <-ctx.Done():
			log.Info().Msg("supervisor.Supervisor.Run stop")
			return nil
		case cmd := <-s.cmds:
			if !cmd.start {
				log.Debug().Msg("supervisor.Supervisor.Run stop while idle")
				cmd.ack()
				continue
			}
			s.runSession(ctx, cmd)
		}
	}
}

// Start begins a session. It returns once the session is activating; a start
// while a session exists is a no-op.
func (s *Supervisor) Start(ctx context.Context) error {
	return s.send(ctx, true)
}

// Stop ends the current session and returns after teardown completed. A stop
// while idle is a no-op.
func (s *Supervisor) Stop(ctx context.Context) error {
	return s.send(ctx, false)
}

func (s *Supervisor) send(ctx context.Context, start bool) error {
	cmd := command{start: start, done: make(chan struct{})}
	select {
	case s.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.exited:
		return ErrStopped
	}
	select {
	case <-cmd.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.exited:
		return ErrStopped
	}
}

// Retrigger asks the active session to process the queue head once more. It
// returns ErrBusy when the session's bounded event stream is full.
func (s *Supervisor) Retrigger() error {
	s.mu.RLock()
	phase, sess := s.phase, s.current
	s.mu.RUnlock()
	if phase != PhaseActive || sess == nil {
		return ErrNotActive
	}
	if !sess.stream.Push(demux.RetryEvent()) {
		select {
		case <-sess.stream.Done():
			return ErrNotActive
		default:
			return ErrBusy
		}
	}
	return nil
}

func (s *Supervisor) Phase() Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

func (s *Supervisor) SessionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return ""
	}
	return s.current.id
}

// SessionState derives the visible state from the phase and server reachability.
func (s *Supervisor) SessionState() SessionState {
	return deriveState(s.Phase(), s.store.Snapshot().ServerStatus)
}

func (s *Supervisor) Info() Info {
	s.mu.RLock()
	info := Info{Phase: s.phase, Address: s.cfg.Address}
	if s.current != nil {
		info.SessionID = s.current.id
		started := s.current.startedAt
		info.StartedAt = &started
	}
	s.mu.RUnlock()
	info.State = deriveState(info.Phase, s.store.Snapshot().ServerStatus)
	return info
}

func deriveState(phase Phase, server store.ServerStatus) SessionState {
	switch phase {
	case PhaseActivating:
		return SessionConnecting
	case PhaseActive:
		if server == store.ServerOff {
			return SessionDisconnected
		}
		return SessionConnected
	default:
		return SessionOff
	}
}

func (s *Supervisor) setPhase(phase Phase, sess *session) {
	s.mu.Lock()
	s.phase = phase
	s.current = sess
	s.mu.Unlock()
	observability.RecordSessionTransition(string(phase))
}

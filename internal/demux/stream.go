package demux

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/feedctl/internal/observability"
	"github.com/rs/zerolog/log"
)

var ErrClosed = errors.New("demux: stream closed")

// Options tunes one stream.
type Options struct {
	// MaxBuffered bounds pending events; 0 means unbounded. Overflow drops the newest event.
	MaxBuffered int
	Now         func() time.Time
}

// Stream turns callback delivery into an ordered, buffered pull stream.
// Producers may call Publish/Push from any goroutine; exactly one reader may call Next.
type Stream struct {
	mu      sync.Mutex
	buf     []Event
	seq     uint64
	closed  bool
	cause   error
	dropped uint64
	opts    Options

	notify chan struct{}
	done   chan struct{}
}

func NewStream(opts Options) *Stream {
	if opts.MaxBuffered < 0 {
		opts.MaxBuffered = 0
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Stream{
		opts:   opts,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Publish decodes one raw inbound message and appends it. Decode failures pass
// the raw payload through as an unknown event.
func (s *Stream) Publish(payload []byte) {
	ev, err := Decode(payload)
	if err != nil {
		log.Debug().Err(err).Int("bytes", len(payload)).Msg("demux.Stream.Publish raw passthrough")
		observability.RecordStreamEvent("undecodable")
	} else {
		observability.RecordStreamEvent(string(ev.Kind()))
	}
	s.Push(ev)
}

// Push appends ev in arrival order. It reports false when the stream is closed or full.
func (s *Stream) Push(ev Event) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if s.opts.MaxBuffered > 0 && len(s.buf) >= s.opts.MaxBuffered {
		s.dropped++
		dropped := s.dropped
		s.mu.Unlock()
		observability.RecordStreamDropped()
		log.Warn().Uint64("dropped", dropped).Str("kind", string(ev.Kind())).Msg("demux.Stream.Push buffer full")
		return false
	}
	s.seq++
	ev.Seq = s.seq
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = s.opts.Now()
	}
	s.buf = append(s.buf, ev)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return true
}

// Next blocks for the next event. Once closed, buffered events drain first and
// then ErrClosed is returned, wrapping the close cause when there is one. A done
// ctx wins over buffered events.
func (s *Stream) Next(ctx context.Context) (Event, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Event{}, err
		}
		s.mu.Lock()
		if len(s.buf) > 0 {
			ev := s.buf[0]
			s.buf[0] = Event{}
			s.buf = s.buf[1:]
			s.mu.Unlock()
			return ev, nil
		}
		if s.closed {
			cause := s.cause
			s.mu.Unlock()
			if cause != nil {
				return Event{}, fmt.Errorf("%w: %w", ErrClosed, cause)
			}
			return Event{}, ErrClosed
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-s.notify:
		case <-s.done:
		}
	}
}

// Close marks the stream closed and wakes a suspended reader. Idempotent; the
// first cause wins.
func (s *Stream) Close(cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.cause = cause
	close(s.done)
}

// Unsubscribe closes the stream and discards anything still buffered.
func (s *Stream) Unsubscribe() {
	s.Close(nil)
	s.mu.Lock()
	s.buf = nil
	s.mu.Unlock()
}

func (s *Stream) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

func (s *Stream) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Done is closed once the stream is closed.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

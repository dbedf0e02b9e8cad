package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/feedctl/internal/demux"
	"github.com/danmuck/feedctl/internal/observability"
	"github.com/danmuck/feedctl/internal/queue"
	"github.com/danmuck/feedctl/internal/store"
	"github.com/danmuck/feedctl/internal/transport"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var errHalted = errors.New("supervisor: session halted")

type session struct {
	id        string
	startedAt time.Time
	stream    *demux.Stream
	statuses  chan transport.Status

	// gate orders store writes from the dispatch loop against halt.
	gate   sync.Mutex
	halted bool
}

// halt blocks until any in-progress write finished; no write applies afterwards.
func (sess *session) halt() {
	sess.gate.Lock()
	sess.halted = true
	sess.gate.Unlock()
}

// write runs fn unless the session was halted.
func (sess *session) write(fn func()) error {
	sess.gate.Lock()
	defer sess.gate.Unlock()
	if sess.halted {
		return errHalted
	}
	fn()
	return nil
}

type openResult struct {
	conn transport.Conn
	err  error
}

// runSession owns one session from activation to teardown. It returns only
// after every session goroutine has exited and the store is reset.
func (s *Supervisor) runSession(parent context.Context, start command) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sess := &session{
		id:        uuid.NewString(),
		startedAt: time.Now(),
		stream:    demux.NewStream(demux.Options{MaxBuffered: s.cfg.EventBuffer}),
		statuses:  make(chan transport.Status, 8),
	}
	s.setPhase(PhaseActivating, sess)
	s.store.Dispatch(store.ChannelOnAction{})
	start.ack()
	log.Info().Str("session", sess.id).Str("addr", s.cfg.Address).Msg("supervisor.Supervisor.runSession activating")

	var wg sync.WaitGroup
	opened := make(chan openResult, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		conn, err := s.dialer.Open(ctx, s.cfg.Address, s.handler(ctx, sess))
		opened <- openResult{conn: conn, err: err}
	}()

	timer := time.NewTimer(s.cfg.ConnectTimeout)
	defer timer.Stop()
	timeout := timer.C

	ended := make(chan error, 1)
	var (
		conn    transport.Conn
		stopCmd *command
		reason  error
	)

loop:
	for {
		select {
		case <-ctx.Done():
			reason = ctx.Err()
			break loop

		case cmd := <-s.cmds:
			if cmd.start {
				log.Debug().Str("session", sess.id).Msg("supervisor.Supervisor.runSession start while active")
				cmd.ack()
				continue
			}
			stopCmd = &cmd
			sess.halt()
			cancel()
			break loop

		case <-timeout:
			timeout = nil
			observability.RecordConnectTimeout(string(s.cfg.TimeoutPolicy))
			log.Warn().
				Str("session", sess.id).
				Dur("connect_timeout", s.cfg.ConnectTimeout).
				Str("policy", string(s.cfg.TimeoutPolicy)).
				Msg("supervisor.Supervisor.runSession connect timeout")
			if s.cfg.TimeoutPolicy == PolicyAbort {
				reason = ErrConnectTimeout
				break loop
			}

		case res := <-opened:
			timeout = nil
			if res.err != nil {
				reason = res.err
				log.Warn().Err(res.err).Str("session", sess.id).Msg("supervisor.Supervisor.runSession connect failed")
				break loop
			}
			conn = res.conn
			s.activate(ctx, sess, &wg, ended)

		case err := <-ended:
			reason = err
			break loop
		}
	}

	if conn == nil {
		conn = s.awaitDial(cancel, &wg, opened)
	}
	s.teardown(sess, cancel, &wg, conn, reason)
	if stopCmd != nil {
		stopCmd.ack()
	}
}

// activate moves the session to Active and forks the dispatch loop, the
// reachability watcher, and the optional retry ticker.
func (s *Supervisor) activate(ctx context.Context, sess *session, wg *sync.WaitGroup, ended chan<- error) {
	s.setPhase(PhaseActive, sess)
	s.store.Dispatch(store.ServerOnAction{})
	log.Info().Str("session", sess.id).Msg("supervisor.Supervisor.runSession active")

	wg.Add(2)
	go func() {
		defer wg.Done()
		ended <- s.dispatchLoop(ctx, sess)
	}()
	go func() {
		defer wg.Done()
		s.watchReachability(ctx, sess)
	}()
	if s.cfg.RetryInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.retryTicker(ctx, sess)
		}()
	}
}

// awaitDial cancels an outstanding dial and returns a conn that raced in anyway.
func (s *Supervisor) awaitDial(cancel context.CancelFunc, wg *sync.WaitGroup, opened <-chan openResult) transport.Conn {
	cancel()
	wg.Wait()
	select {
	case res := <-opened:
		if res.err == nil {
			return res.conn
		}
	default:
	}
	return nil
}

// teardown stops inbound delivery before joining the session goroutines so a
// busy feed cannot keep the dispatch loop alive.
func (s *Supervisor) teardown(sess *session, cancel context.CancelFunc, wg *sync.WaitGroup, conn transport.Conn, reason error) {
	sess.halt()
	cancel()
	if conn != nil {
		if err := conn.Close(); err != nil {
			log.Debug().Err(err).Str("session", sess.id).Msg("supervisor.Supervisor.teardown close")
		}
	}
	sess.stream.Unsubscribe()
	wg.Wait()
	s.store.Dispatch(store.ChannelOffAction{})
	s.setPhase(PhaseIdle, nil)

	evt := log.Info()
	if reason != nil && !errors.Is(reason, context.Canceled) {
		evt = log.Warn().Err(reason)
	}
	evt.Str("session", sess.id).Dur("uptime", time.Since(sess.startedAt)).Msg("supervisor.Supervisor.teardown idle")
}

func (s *Supervisor) handler(ctx context.Context, sess *session) transport.Handler {
	return transport.Handler{
		OnMessage: sess.stream.Publish,
		OnStatus: func(status transport.Status, err error) {
			select {
			case sess.statuses <- status:
			case <-ctx.Done():
			}
		},
		OnClose: func(err error) {
			if err != nil {
				log.Warn().Err(err).Str("session", sess.id).Msg("supervisor.Supervisor.handler transport closed")
			}
			sess.stream.Close(err)
		},
	}
}

// watchReachability mirrors transport status into the server status. It never
// touches tasks or the queue.
func (s *Supervisor) watchReachability(ctx context.Context, sess *session) {
	for {
		select {
		case <-ctx.Done():
			return
		case status := <-sess.statuses:
			switch status {
			case transport.StatusDisconnected:
				s.store.Dispatch(store.ServerOffAction{})
			case transport.StatusReconnected:
				s.store.Dispatch(store.ServerOnAction{})
			}
		}
	}
}

func (s *Supervisor) retryTicker(ctx context.Context, sess *session) {
	ticker := time.NewTicker(s.cfg.RetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, ok := s.store.Head(); ok && sess.stream.Len() == 0 {
				sess.stream.Push(demux.RetryEvent())
			}
		}
	}
}

// dispatchLoop consumes the stream in arrival order until it closes or ctx ends.
// A panic while dispatching is returned as an error so the session tears down.
func (s *Supervisor) dispatchLoop(ctx context.Context, sess *session) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("supervisor: dispatch panic: %v", r)
			log.Error().Err(err).Str("session", sess.id).Msg("supervisor.Supervisor.dispatchLoop recovered")
		}
	}()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ev, err := sess.stream.Next(ctx)
		if err != nil {
			return err
		}
		if err := s.dispatch(ctx, sess, ev); err != nil {
			return err
		}
	}
}

func (s *Supervisor) dispatch(ctx context.Context, sess *session, ev demux.Event) error {
	switch ev.Kind() {
	case demux.KindUnknown:
		log.Debug().Uint64("seq", ev.Seq).Int("bytes", len(ev.Raw)).Msg("supervisor.Supervisor.dispatch ignore")
		return nil
	case demux.KindRetry:
		return s.process(ctx)
	}

	if ev.HasTask {
		task := store.Task{ID: ev.TaskID, Name: ev.TaskName}
		if err := sess.write(func() { s.store.Dispatch(store.TaskAdded{Task: task}) }); err != nil {
			return err
		}
	}
	if ev.HasAmount {
		item := store.QueueItem{
			Amount:     ev.Amount,
			EnqueuedAt: ev.ReceivedAt,
		}
		err := sess.write(func() {
			item.ID = s.nextItemID.Add(1)
			s.store.Dispatch(store.ItemEnqueued{Item: item})
		})
		if err != nil {
			return err
		}
		return s.process(ctx)
	}
	return nil
}

// process runs one queue step. Rejections keep the head and are not fatal.
func (s *Supervisor) process(ctx context.Context) error {
	err := s.proc.ProcessOne(ctx, s.cfg.RequestFields)
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, queue.ErrRemoteCallRejected):
		log.Warn().Err(err).Msg("supervisor.Supervisor.process head retained")
		return nil
	default:
		log.Warn().Err(err).Msg("supervisor.Supervisor.process")
		return nil
	}
}

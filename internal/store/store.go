package store

import (
	"context"
	"sync"

	"github.com/danmuck/feedctl/internal/observability"
	"github.com/rs/zerolog/log"
)

// Options tunes retention for the store.
type Options struct {
	// TaskRetention caps the task list; oldest tasks are evicted first. 0 keeps everything.
	TaskRetention int
}

// Store holds the observable state. Writes go through Dispatch only.
type Store struct {
	mu       sync.RWMutex
	state    State
	opts     Options
	watchers map[chan State]struct{}
}

func New(opts Options) *Store {
	if opts.TaskRetention < 0 {
		opts.TaskRetention = 0
	}
	s := &Store{
		state:    InitialState(),
		opts:     opts,
		watchers: make(map[chan State]struct{}),
	}
	observability.SetQueueDepth(0)
	observability.SetServerReachable(nil)
	return s
}

// Dispatch applies one action and notifies watchers. Watchers get a copy;
// without watchers no copy is made.
func (s *Store) Dispatch(a Action) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.state
	next := s.apply(prev, a)
	s.state = next

	log.Debug().
		Str("action", a.Name()).
		Str("channel", string(next.ChannelStatus)).
		Str("server", string(next.ServerStatus)).
		Int("tasks", len(next.Tasks)).
		Int("queue", len(next.Queue)).
		Msg("store.Store.Dispatch")

	if len(prev.Queue) != len(next.Queue) {
		observability.SetQueueDepth(len(next.Queue))
	}
	if prev.ServerStatus != next.ServerStatus {
		observability.SetServerReachable(reachability(next.ServerStatus))
	}
	if len(s.watchers) == 0 {
		return
	}
	snap := next.Clone()
	for ch := range s.watchers {
		offerLatest(ch, snap)
	}
}

// apply is Reduce for the store's private state. The task list is never handed
// out without a copy, so TaskAdded appends in place instead of copying the list,
// and retention evicts by reslicing.
func (s *Store) apply(prev State, a Action) State {
	act, ok := a.(TaskAdded)
	if !ok {
		return Reduce(prev, a)
	}
	next := prev
	next.Tasks = append(next.Tasks, act.Task)
	if n := s.opts.TaskRetention; n > 0 && len(next.Tasks) > n {
		evicted := len(next.Tasks) - n
		clear(next.Tasks[:evicted])
		next.Tasks = next.Tasks[evicted:]
	}
	return next
}

func (s *Store) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Clone()
}

func (s *Store) Tasks() []Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Task{}, s.state.Tasks...)
}

func (s *Store) TopTasks(n int) []Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return TopTasks(s.state.Tasks, n)
}

func (s *Store) Queue() []QueueItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]QueueItem{}, s.state.Queue...)
}

func (s *Store) Head() (QueueItem, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Head(s.state.Queue)
}

// Watch streams snapshots after every dispatch, starting with the current one.
// Slow readers only ever see the latest snapshot. The channel closes when ctx ends.
func (s *Store) Watch(ctx context.Context) <-chan State {
	ch := make(chan State, 1)
	s.mu.Lock()
	ch <- s.state.Clone()
	s.watchers[ch] = struct{}{}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.watchers, ch)
		close(ch)
		s.mu.Unlock()
	}()
	return ch
}

func offerLatest(ch chan State, snap State) {
	select {
	case ch <- snap:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- snap:
	default:
	}
}

func reachability(status ServerStatus) *bool {
	switch status {
	case ServerOn:
		v := true
		return &v
	case ServerOff:
		v := false
		return &v
	default:
		return nil
	}
}

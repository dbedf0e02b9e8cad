package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/feedctl/internal/remote"
	"github.com/danmuck/feedctl/internal/store"
	"github.com/danmuck/feedctl/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedCaller returns outcomes in order, then succeeds. A non-nil gate blocks every call.
type scriptedCaller struct {
	mu       sync.Mutex
	outcomes []error
	calls    []remote.Request
	gate     chan struct{}
	active   atomic.Int32
	peak     atomic.Int32
}

func (c *scriptedCaller) Call(ctx context.Context, req remote.Request) (remote.Response, error) {
	n := c.active.Add(1)
	defer c.active.Add(-1)
	for {
		peak := c.peak.Load()
		if n <= peak || c.peak.CompareAndSwap(peak, n) {
			break
		}
	}

	c.mu.Lock()
	c.calls = append(c.calls, req)
	var outcome error
	if len(c.outcomes) > 0 {
		outcome = c.outcomes[0]
		c.outcomes = c.outcomes[1:]
	}
	gate := c.gate
	c.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return remote.Response{}, ctx.Err()
		}
	}
	if outcome != nil {
		return remote.Response{}, outcome
	}
	return remote.Response{OK: true}, nil
}

func (c *scriptedCaller) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func seeded(amounts ...int64) *store.Store {
	st := store.New(store.Options{})
	for i, amount := range amounts {
		st.Dispatch(store.ItemEnqueued{Item: store.QueueItem{ID: uint64(i + 1), Amount: amount}})
	}
	return st
}

func amounts(queue []store.QueueItem) []int64 {
	out := make([]int64, 0, len(queue))
	for _, item := range queue {
		out = append(out, item.Amount)
	}
	return out
}

func TestProcessOneEmptyQueueIsNoop(t *testing.T) {
	testlog.Start(t)

	caller := &scriptedCaller{}
	p := NewProcessor(store.New(store.Options{}), caller, DefaultConfig())
	require.NoError(t, p.ProcessOne(context.Background(), nil))
	assert.Zero(t, caller.callCount())
}

func TestProcessOneDequeuesHeadInFIFOOrder(t *testing.T) {
	testlog.Start(t)

	st := seeded(10, 20, 30)
	caller := &scriptedCaller{}
	p := NewProcessor(st, caller, DefaultConfig())

	fields := map[string]any{"type": "cash"}
	require.NoError(t, p.ProcessOne(context.Background(), fields))
	assert.Equal(t, []int64{20, 30}, amounts(st.Queue()))
	require.Len(t, caller.calls, 1)
	assert.Equal(t, int64(10), caller.calls[0].Amount)
	assert.Equal(t, "cash", caller.calls[0].Fields["type"])
}

func TestProcessOneRejectThenSucceedRemovesOneItem(t *testing.T) {
	testlog.Start(t)

	st := seeded(10, 20)
	rejection := errors.New("declined")
	caller := &scriptedCaller{outcomes: []error{rejection}}
	p := NewProcessor(st, caller, DefaultConfig())

	err := p.ProcessOne(context.Background(), nil)
	assert.ErrorIs(t, err, ErrRemoteCallRejected)
	assert.ErrorIs(t, err, rejection)
	assert.Equal(t, []int64{10, 20}, amounts(st.Queue()), "head retained after rejection")

	require.NoError(t, p.ProcessOne(context.Background(), nil))
	assert.Equal(t, []int64{20}, amounts(st.Queue()))
	assert.Equal(t, 2, caller.callCount())
}

func TestProcessOneCancelLeavesHead(t *testing.T) {
	testlog.Start(t)

	st := seeded(10)
	caller := &scriptedCaller{gate: make(chan struct{})}
	p := NewProcessor(st, caller, DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- p.ProcessOne(ctx, nil) }()

	require.Eventually(t, p.InFlight, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatalf("ProcessOne did not return after cancel")
	}
	assert.False(t, p.InFlight())
	assert.Equal(t, []int64{10}, amounts(st.Queue()))
}

func TestProcessOneIsSingleFlight(t *testing.T) {
	testlog.Start(t)

	st := seeded(10, 20, 30)
	gate := make(chan struct{})
	caller := &scriptedCaller{gate: gate}
	p := NewProcessor(st, caller, DefaultConfig())

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, p.ProcessOne(context.Background(), nil))
		}()
	}
	require.Eventually(t, p.InFlight, time.Second, 5*time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, int32(1), caller.peak.Load())
	assert.Empty(t, st.Queue())
	assert.Equal(t, []int64{10, 20, 30}, []int64{caller.calls[0].Amount, caller.calls[1].Amount, caller.calls[2].Amount})
}

func TestProcessOneCallTimeoutIsRejection(t *testing.T) {
	testlog.Start(t)

	st := seeded(10)
	caller := &scriptedCaller{gate: make(chan struct{})}
	cfg := DefaultConfig()
	cfg.CallTimeout = 10 * time.Millisecond
	p := NewProcessor(st, caller, cfg)

	err := p.ProcessOne(context.Background(), nil)
	assert.ErrorIs(t, err, ErrRemoteCallRejected)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Len(t, st.Queue(), 1)
}

func TestProcessOneRateLimiterHonoursContext(t *testing.T) {
	testlog.Start(t)

	st := seeded(10, 20)
	caller := &scriptedCaller{}
	p := NewProcessor(st, caller, Config{RateLimit: 0.01, RateBurst: 1})

	require.NoError(t, p.ProcessOne(context.Background(), nil))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.ProcessOne(ctx, nil)
	require.Error(t, err)
	assert.Equal(t, 1, caller.callCount())
	assert.Equal(t, []int64{20}, amounts(st.Queue()))
}

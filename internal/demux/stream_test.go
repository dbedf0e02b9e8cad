package demux

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/feedctl/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeShapes(t *testing.T) {
	testlog.Start(t)

	cases := []struct {
		name    string
		payload string
		kind    Kind
		decoded bool
	}{
		{name: "task", payload: `{"taskName":"Task 7","taskID":7}`, kind: KindTask, decoded: true},
		{name: "amount", payload: `{"amount":10}`, kind: KindAmount, decoded: true},
		{name: "both", payload: `{"taskID":8,"amount":20}`, kind: KindTaskAmount, decoded: true},
		{name: "zero id", payload: `{"taskID":0,"taskName":"x"}`, kind: KindUnknown, decoded: true},
		{name: "fractional amount", payload: `{"amount":1.5}`, kind: KindUnknown, decoded: true},
		{name: "other object", payload: `{"hello":"world"}`, kind: KindUnknown, decoded: true},
		{name: "greeting text", payload: `Hello Client!`, kind: KindUnknown},
		{name: "json scalar", payload: `42`, kind: KindUnknown},
		{name: "json array", payload: `[{"amount":10}]`, kind: KindUnknown},
		{name: "broken object", payload: `{"amount":`, kind: KindUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev, err := Decode([]byte(tc.payload))
			assert.Equal(t, tc.kind, ev.Kind())
			assert.Equal(t, tc.decoded, ev.Decoded)
			assert.Equal(t, tc.payload, string(ev.Raw))
			if tc.decoded {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrDecode)
			}
		})
	}

	ev, err := Decode([]byte(`{"taskName":"Task 7","taskID":7}`))
	require.NoError(t, err)
	assert.Equal(t, int64(7), ev.TaskID)
	assert.Equal(t, "Task 7", ev.TaskName)
}

func TestStreamPreservesArrivalOrder(t *testing.T) {
	testlog.Start(t)

	s := NewStream(Options{})
	s.Publish([]byte(`{"amount":10}`))
	s.Publish([]byte(`not json`))
	s.Push(RetryEvent())
	s.Publish([]byte(`{"taskID":3}`))

	ctx := context.Background()
	want := []Kind{KindAmount, KindUnknown, KindRetry, KindTask}
	for i, kind := range want {
		ev, err := s.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, kind, ev.Kind())
		assert.Equal(t, uint64(i+1), ev.Seq)
		assert.False(t, ev.ReceivedAt.IsZero())
	}
}

func TestStreamCloseUnblocksSuspendedReader(t *testing.T) {
	testlog.Start(t)

	s := NewStream(Options{})
	errCh := make(chan error, 1)
	go func() {
		_, err := s.Next(context.Background())
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cause := errors.New("transport gone")
	s.Close(cause)

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
		assert.ErrorIs(t, err, cause)
	case <-time.After(time.Second):
		t.Fatalf("reader still blocked after close")
	}
}

func TestStreamDrainsBufferedEventsAfterClose(t *testing.T) {
	testlog.Start(t)

	s := NewStream(Options{})
	s.Publish([]byte(`{"amount":10}`))
	s.Close(nil)
	assert.False(t, s.Push(RetryEvent()), "push after close must be rejected")

	ev, err := s.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, KindAmount, ev.Kind())

	_, err = s.Next(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestStreamUnsubscribeDiscardsBuffer(t *testing.T) {
	testlog.Start(t)

	s := NewStream(Options{})
	s.Publish([]byte(`{"amount":10}`))
	s.Unsubscribe()
	assert.Zero(t, s.Len())

	_, err := s.Next(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	select {
	case <-s.Done():
	default:
		t.Fatalf("done channel should be closed")
	}
}

func TestStreamNextHonoursContext(t *testing.T) {
	testlog.Start(t)

	s := NewStream(Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStreamBoundDropsNewest(t *testing.T) {
	testlog.Start(t)

	s := NewStream(Options{MaxBuffered: 2})
	assert.True(t, s.Push(Event{HasAmount: true, Amount: 1}))
	assert.True(t, s.Push(Event{HasAmount: true, Amount: 2}))
	assert.False(t, s.Push(Event{HasAmount: true, Amount: 3}))
	assert.Equal(t, uint64(1), s.Dropped())

	ev, err := s.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), ev.Amount)
}

func TestStreamConcurrentProducersSingleReader(t *testing.T) {
	testlog.Start(t)

	s := NewStream(Options{})
	const producers, perProducer = 4, 50
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				s.Publish([]byte(`{"amount":1}`))
			}
		}()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var last uint64
	for i := 0; i < producers*perProducer; i++ {
		ev, err := s.Next(ctx)
		require.NoError(t, err)
		require.Greater(t, ev.Seq, last)
		last = ev.Seq
	}
	wg.Wait()
}

func TestStreamNextPrefersDoneContextOverBuffer(t *testing.T) {
	testlog.Start(t)

	s := NewStream(Options{})
	require.True(t, s.Push(Event{HasAmount: true, Amount: 1}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, s.Len(), "buffered event stays for a live reader")

	ev, err := s.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), ev.Amount)
}

package store

import (
	"context"
	"testing"
	"time"

	"github.com/danmuck/feedctl/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func taskIDs(tasks []Task) []int64 {
	out := make([]int64, 0, len(tasks))
	for _, task := range tasks {
		out = append(out, task.ID)
	}
	return out
}

func itemIDs(queue []QueueItem) []uint64 {
	out := make([]uint64, 0, len(queue))
	for _, item := range queue {
		out = append(out, item.ID)
	}
	return out
}

func TestReduceChannelTransitions(t *testing.T) {
	testlog.Start(t)

	s := InitialState()
	assert.Equal(t, ChannelOff, s.ChannelStatus)
	assert.Equal(t, ServerUnknown, s.ServerStatus)

	s = Reduce(s, ChannelOnAction{})
	s = Reduce(s, ServerOnAction{})
	assert.Equal(t, ChannelOn, s.ChannelStatus)
	assert.Equal(t, ServerOn, s.ServerStatus)

	s = Reduce(s, ServerOffAction{})
	assert.Equal(t, ServerOff, s.ServerStatus)

	s = Reduce(s, ChannelOffAction{})
	assert.Equal(t, ChannelOff, s.ChannelStatus)
	assert.Equal(t, ServerUnknown, s.ServerStatus)
}

func TestReduceDequeueOnEmptyQueueIsNoop(t *testing.T) {
	testlog.Start(t)

	s := InitialState()
	got := Reduce(s, ItemDequeued{})
	assert.Equal(t, s, got)
	got = Reduce(s, ItemDequeued{ItemID: 7})
	assert.Equal(t, s, got)
}

func TestReduceDequeuePreservesFIFO(t *testing.T) {
	testlog.Start(t)

	s := InitialState()
	for i, amount := range []int64{10, 20, 30} {
		s = Reduce(s, ItemEnqueued{Item: QueueItem{ID: uint64(i + 1), Amount: amount}})
	}
	s = Reduce(s, ItemDequeued{ItemID: 1})
	assert.Equal(t, []uint64{2, 3}, itemIDs(s.Queue))
	assert.Equal(t, int64(20), s.Queue[0].Amount)
}

func TestReduceDequeueReplayRemovesOneItem(t *testing.T) {
	testlog.Start(t)

	s := InitialState()
	s = Reduce(s, ItemEnqueued{Item: QueueItem{ID: 1, Amount: 10}})
	s = Reduce(s, ItemEnqueued{Item: QueueItem{ID: 2, Amount: 20}})

	dequeue := ItemDequeued{ItemID: 1}
	s = Reduce(s, dequeue)
	s = Reduce(s, dequeue)
	assert.Equal(t, []uint64{2}, itemIDs(s.Queue))
}

func TestReduceEnqueueReplayIsIdempotent(t *testing.T) {
	testlog.Start(t)

	s := InitialState()
	enqueue := ItemEnqueued{Item: QueueItem{ID: 4, Amount: 10}}
	s = Reduce(s, enqueue)
	s = Reduce(s, enqueue)
	assert.Equal(t, []uint64{4}, itemIDs(s.Queue))
}

func TestReduceDoesNotMutateInput(t *testing.T) {
	testlog.Start(t)

	base := InitialState()
	base = Reduce(base, ItemEnqueued{Item: QueueItem{ID: 1, Amount: 10}})
	base = Reduce(base, ItemEnqueued{Item: QueueItem{ID: 2, Amount: 20}})
	base = Reduce(base, TaskAdded{Task: Task{ID: 1, Name: "Task 1"}})
	before := base.Clone()

	_ = Reduce(base, ItemDequeued{ItemID: 1})
	_ = Reduce(base, TaskAdded{Task: Task{ID: 2, Name: "Task 2"}})
	assert.Equal(t, before, base)
}

func TestTopTasksOrdering(t *testing.T) {
	testlog.Start(t)

	s := InitialState()
	for _, id := range []int64{3, 1, 4, 1, 5, 9, 2, 6} {
		s = Reduce(s, TaskAdded{Task: Task{ID: id}})
	}
	assert.Equal(t, []int64{9, 6, 5, 4, 3}, taskIDs(TopTasks(s.Tasks, DefaultTopTasks)))
	assert.Equal(t, []int64{3, 1, 4, 1, 5, 9, 2, 6}, taskIDs(s.Tasks), "insertion order must be kept")
	assert.Equal(t, []int64{9, 6}, taskIDs(TopTasks(s.Tasks, 2)))
	assert.Len(t, TopTasks(s.Tasks[:2], DefaultTopTasks), 2)
}

func TestHeadSelector(t *testing.T) {
	testlog.Start(t)

	_, ok := Head(nil)
	assert.False(t, ok)
	item, ok := Head([]QueueItem{{ID: 5, Amount: 10}, {ID: 6, Amount: 20}})
	require.True(t, ok)
	assert.Equal(t, uint64(5), item.ID)
}

func TestStoreTaskRetentionEvictsOldest(t *testing.T) {
	testlog.Start(t)

	st := New(Options{TaskRetention: 3})
	for id := int64(1); id <= 5; id++ {
		st.Dispatch(TaskAdded{Task: Task{ID: id}})
	}
	assert.Equal(t, []int64{3, 4, 5}, taskIDs(st.Tasks()))
	assert.Equal(t, []int64{5, 4, 3}, taskIDs(st.TopTasks(0)))
}

func TestStoreSnapshotIsDetached(t *testing.T) {
	testlog.Start(t)

	st := New(Options{})
	st.Dispatch(ItemEnqueued{Item: QueueItem{ID: 1, Amount: 10}})
	snap := st.Snapshot()
	snap.Queue[0].Amount = 99

	head, ok := st.Head()
	require.True(t, ok)
	assert.Equal(t, int64(10), head.Amount)
}

func TestStoreWatchDeliversLatest(t *testing.T) {
	testlog.Start(t)

	st := New(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	ch := st.Watch(ctx)

	first := <-ch
	assert.Equal(t, ChannelOff, first.ChannelStatus)

	st.Dispatch(ChannelOnAction{})
	st.Dispatch(ServerOnAction{})

	select {
	case got := <-ch:
		assert.Equal(t, ChannelOn, got.ChannelStatus)
		assert.Equal(t, ServerOn, got.ServerStatus)
	case <-time.After(time.Second):
		t.Fatalf("watch did not deliver snapshot")
	}

	cancel()
	deadline := time.After(time.Second)
	for {
		select {
		case _, open := <-ch:
			if !open {
				return
			}
		case <-deadline:
			t.Fatalf("watch channel not closed after cancel")
		}
	}
}

func TestStoreTaskAddedAppendsInPlace(t *testing.T) {
	testlog.Start(t)

	st := New(Options{})
	for id := int64(1); id <= 65; id++ {
		st.Dispatch(TaskAdded{Task: Task{ID: id}})
	}
	st.mu.RLock()
	require.Greater(t, cap(st.state.Tasks), len(st.state.Tasks))
	base := &st.state.Tasks[0]
	st.mu.RUnlock()

	st.Dispatch(TaskAdded{Task: Task{ID: 66}})
	st.Dispatch(ChannelOnAction{})

	st.mu.RLock()
	defer st.mu.RUnlock()
	assert.Same(t, base, &st.state.Tasks[0], "task list must not be copied per dispatch")
	assert.Len(t, st.state.Tasks, 66)
}

func TestStoreSnapshotsSurviveLaterAppends(t *testing.T) {
	testlog.Start(t)

	st := New(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := st.Watch(ctx)
	<-ch

	for id := int64(1); id <= 3; id++ {
		st.Dispatch(TaskAdded{Task: Task{ID: id}})
	}
	snap := st.Snapshot()
	watched := <-ch
	tasks := st.Tasks()

	for id := int64(4); id <= 40; id++ {
		st.Dispatch(TaskAdded{Task: Task{ID: id}})
	}
	assert.Equal(t, []int64{1, 2, 3}, taskIDs(snap.Tasks))
	assert.Equal(t, []int64{1, 2, 3}, taskIDs(watched.Tasks))
	assert.Equal(t, []int64{1, 2, 3}, taskIDs(tasks))
}

func TestStoreRetentionKeepsOrderAcrossRegrowth(t *testing.T) {
	testlog.Start(t)

	st := New(Options{TaskRetention: 4})
	for id := int64(1); id <= 1000; id++ {
		st.Dispatch(TaskAdded{Task: Task{ID: id}})
	}
	assert.Equal(t, []int64{997, 998, 999, 1000}, taskIDs(st.Tasks()))
}

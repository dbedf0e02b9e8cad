package store

// Action is one named state transition. The set is closed: only the types in
// this file implement it.
type Action interface {
	Name() string
	isAction()
}

type ChannelOnAction struct{}

// ChannelOffAction also resets server reachability to unknown.
type ChannelOffAction struct{}

type TaskAdded struct {
	Task Task
}

type ItemEnqueued struct {
	Item QueueItem
}

// ItemDequeued removes the head only when its ID matches ItemID.
// A zero ItemID removes whatever head is present.
type ItemDequeued struct {
	ItemID uint64
}

type ServerOnAction struct{}

type ServerOffAction struct{}

func (ChannelOnAction) Name() string  { return "channel-on" }
func (ChannelOffAction) Name() string { return "channel-off" }
func (TaskAdded) Name() string        { return "task-added" }
func (ItemEnqueued) Name() string     { return "item-enqueued" }
func (ItemDequeued) Name() string     { return "item-dequeued" }
func (ServerOnAction) Name() string   { return "server-on" }
func (ServerOffAction) Name() string  { return "server-off" }

func (ChannelOnAction) isAction()  {}
func (ChannelOffAction) isAction() {}
func (TaskAdded) isAction()        {}
func (ItemEnqueued) isAction()     {}
func (ItemDequeued) isAction()     {}
func (ServerOnAction) isAction()   {}
func (ServerOffAction) isAction()  {}

// Reduce is a total function from (state, action) to the next state.
// It never mutates the slices of its input.
func Reduce(s State, a Action) State {
	switch act := a.(type) {
	case ChannelOnAction:
		s.ChannelStatus = ChannelOn
	case ChannelOffAction:
		s.ChannelStatus = ChannelOff
		s.ServerStatus = ServerUnknown
	case TaskAdded:
		tasks := make([]Task, 0, len(s.Tasks)+1)
		tasks = append(tasks, s.Tasks...)
		s.Tasks = append(tasks, act.Task)
	case ItemEnqueued:
		if act.Item.ID != 0 && containsItem(s.Queue, act.Item.ID) {
			return s
		}
		queue := make([]QueueItem, 0, len(s.Queue)+1)
		queue = append(queue, s.Queue...)
		s.Queue = append(queue, act.Item)
	case ItemDequeued:
		if len(s.Queue) == 0 {
			return s
		}
		if act.ItemID != 0 && s.Queue[0].ID != act.ItemID {
			return s
		}
		s.Queue = append(make([]QueueItem, 0, len(s.Queue)-1), s.Queue[1:]...)
	case ServerOnAction:
		s.ServerStatus = ServerOn
	case ServerOffAction:
		s.ServerStatus = ServerOff
	}
	return s
}

func containsItem(queue []QueueItem, id uint64) bool {
	for _, item := range queue {
		if item.ID == id {
			return true
		}
	}
	return false
}

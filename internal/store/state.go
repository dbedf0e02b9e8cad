package store

import "time"

// ChannelStatus is the on/off status of the client's subscription to the event source.
type ChannelStatus string

const (
	ChannelOff ChannelStatus = "off"
	ChannelOn  ChannelStatus = "on"
)

// ServerStatus reflects whether the remote endpoint is currently reachable.
// It is independent of ChannelStatus.
type ServerStatus string

const (
	ServerUnknown ServerStatus = "unknown"
	ServerOn      ServerStatus = "on"
	ServerOff     ServerStatus = "off"
)

// Task is one inbound task announcement. Immutable once created.
type Task struct {
	ID   int64  `json:"taskID"`
	Name string `json:"taskName"`
}

// QueueItem is one pending unit of work.
// ID is assigned by the producer and makes enqueue/dequeue replay idempotent.
type QueueItem struct {
	ID         uint64    `json:"id"`
	Amount     int64     `json:"amount"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// State is the observable session/task/queue state.
type State struct {
	ChannelStatus ChannelStatus `json:"channel_status"`
	ServerStatus  ServerStatus  `json:"server_status"`
	Tasks         []Task        `json:"tasks"`
	Queue         []QueueItem   `json:"queue"`
}

func InitialState() State {
	return State{
		ChannelStatus: ChannelOff,
		ServerStatus:  ServerUnknown,
		Tasks:         []Task{},
		Queue:         []QueueItem{},
	}
}

// Clone returns a deep copy safe to hand to readers.
func (s State) Clone() State {
	out := s
	out.Tasks = append(make([]Task, 0, len(s.Tasks)), s.Tasks...)
	out.Queue = append(make([]QueueItem, 0, len(s.Queue)), s.Queue...)
	return out
}

package demux

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrDecode = errors.New("demux: payload is not a json object")

// Kind classifies an event for dispatch.
type Kind string

const (
	KindUnknown    Kind = "unknown"
	KindTask       Kind = "task"
	KindAmount     Kind = "amount"
	KindTaskAmount Kind = "task+amount"
	// KindRetry is injected locally to re-trigger queue processing.
	KindRetry Kind = "retry"
)

// Event is one decoded inbound message, or a locally injected signal.
type Event struct {
	Seq        uint64
	ReceivedAt time.Time
	// Raw is the payload as received; set even when decoding failed.
	Raw     []byte
	Decoded bool

	HasTask  bool
	TaskID   int64
	TaskName string

	HasAmount bool
	Amount    int64

	Retry bool
}

func (e Event) Kind() Kind {
	switch {
	case e.Retry:
		return KindRetry
	case e.HasTask && e.HasAmount:
		return KindTaskAmount
	case e.HasTask:
		return KindTask
	case e.HasAmount:
		return KindAmount
	default:
		return KindUnknown
	}
}

// RetryEvent builds the local queue re-trigger signal.
func RetryEvent() Event {
	return Event{Retry: true}
}

type wireMessage struct {
	TaskID   *json.Number `json:"taskID"`
	TaskName *string      `json:"taskName"`
	Amount   *json.Number `json:"amount"`
}

// Decode classifies payload by field presence. Zero ids and amounts count as absent.
// On failure the returned event still carries Raw and classifies as unknown.
func Decode(payload []byte) (Event, error) {
	ev := Event{Raw: append([]byte(nil), payload...)}
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return ev, ErrDecode
	}
	var msg wireMessage
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return ev, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	ev.Decoded = true

	if id, ok := nonZeroInt(msg.TaskID); ok {
		ev.HasTask = true
		ev.TaskID = id
		if msg.TaskName != nil {
			ev.TaskName = *msg.TaskName
		}
	}
	if amount, ok := nonZeroInt(msg.Amount); ok {
		ev.HasAmount = true
		ev.Amount = amount
	}
	return ev, nil
}

func nonZeroInt(n *json.Number) (int64, bool) {
	if n == nil {
		return 0, false
	}
	v, err := n.Int64()
	if err != nil || v == 0 {
		return 0, false
	}
	return v, true
}

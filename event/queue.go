package event

import (
	"encoding/json"
	"sync/atomic"

	"github.com/golang/glog"
	"github.com/hedzr/go-ringbuf/v2/mpmc"
)

// Event is a value change of one characteristic, already encoded in its
// wire format.
type Event struct {
	ID
	Value json.RawMessage
}

// Queue is the outbound event queue of one session. Push never blocks: when
// the consumer falls behind, the oldest events are overwritten.
type Queue struct {
	buf     mpmc.RichOverlappedRingBuffer[Event]
	wake    chan struct{}
	dropped atomic.Uint64
}

func NewQueue(size uint32) *Queue {
	return &Queue{
		buf:  mpmc.NewOverlappedRingBuffer[Event](size),
		wake: make(chan struct{}, 1),
	}
}

func (q *Queue) Push(e Event) {
	overwrites, err := q.buf.EnqueueM(e)
	if err != nil {
		glog.Warningf("event: drop %s: %v", e.ID, err)
		q.dropped.Add(1)
	} else if overwrites > 0 {
		q.dropped.Add(uint64(overwrites))
	}
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Wake is signalled after events have been pushed.
func (q *Queue) Wake() <-chan struct{} {
	return q.wake
}

// Drain removes the pending events. Repeated changes of one characteristic
// collapse into its latest value, kept at the position of the first.
func (q *Queue) Drain() []Event {
	var out []Event
	pos := make(map[ID]int)
	for !q.buf.IsEmpty() {
		e, err := q.buf.Dequeue()
		if err != nil {
			break
		}
		if i, ok := pos[e.ID]; ok {
			out[i].Value = e.Value
			continue
		}
		pos[e.ID] = len(out)
		out = append(out, e)
	}
	return out
}

// Dropped returns the number of events lost to overflow.
func (q *Queue) Dropped() uint64 {
	return q.dropped.Load()
}

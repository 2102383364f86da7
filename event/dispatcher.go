// Package event delivers characteristic value changes to the sessions that
// subscribed to them.
package event

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cornelk/hashmap"
	"github.com/golang/glog"
)

var ErrUnknownSession = errors.New("event: unknown session")

const DefaultQueueSize = 64

type originKey struct{}

// WithOrigin marks ctx as carrying a change made by session. The session is
// not notified of its own change.
func WithOrigin(ctx context.Context, session string) context.Context {
	return context.WithValue(ctx, originKey{}, session)
}

func origin(ctx context.Context) string {
	s, _ := ctx.Value(originKey{}).(string)
	return s
}

// Dispatcher fans value changes out to the queues of subscribed sessions.
// Notify only enqueues, so a stalled session never blocks the writer.
type Dispatcher struct {
	subs      *SubscriptionSet
	queues    *hashmap.Map[string, *Queue]
	queueSize uint32
}

func NewDispatcher(queueSize uint32) *Dispatcher {
	if queueSize == 0 {
		queueSize = DefaultQueueSize
	}
	return &Dispatcher{
		subs:      NewSubscriptionSet(),
		queues:    hashmap.New[string, *Queue](),
		queueSize: queueSize,
	}
}

// Register creates the queue of a new session.
func (d *Dispatcher) Register(session string) *Queue {
	q, _ := d.queues.GetOrInsert(session, NewQueue(d.queueSize))
	glog.V(1).Infof("event: session %s registered", session)
	return q
}

// Unregister drops the queue and subscriptions of session. Pending events
// are discarded.
func (d *Dispatcher) Unregister(session string) {
	d.queues.Del(session)
	d.subs.RemoveSession(session)
	glog.V(1).Infof("event: session %s unregistered", session)
}

func (d *Dispatcher) Subscribe(session string, aid, iid uint64) error {
	if _, ok := d.queues.Get(session); !ok {
		return fmt.Errorf("%s: %w", session, ErrUnknownSession)
	}
	d.subs.Add(ID{aid, iid}, session)
	return nil
}

func (d *Dispatcher) Unsubscribe(session string, aid, iid uint64) {
	d.subs.Remove(ID{aid, iid}, session)
}

func (d *Dispatcher) Subscribed(session string, aid, iid uint64) bool {
	return d.subs.Has(ID{aid, iid}, session)
}

// Notify enqueues the change for every subscribed session except the one
// that made it.
func (d *Dispatcher) Notify(ctx context.Context, aid, iid uint64, value json.RawMessage) {
	id := ID{aid, iid}
	from := origin(ctx)
	for _, session := range d.subs.Sessions(id) {
		if session == from {
			continue
		}
		q, ok := d.queues.Get(session)
		if !ok {
			continue
		}
		q.Push(Event{ID: id, Value: value})
		glog.V(2).Infof("event: %s -> %s: %s", id, session, value)
	}
}

package server

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/lockstep/internal/poller"
)

// AppliedNotice is the message fanned out when the local poller applies an
// event. Subscribers that fall behind lose messages rather than block the
// apply path.
type AppliedNotice struct {
	Session   string
	EventID   uint64
	EventType int
	Timestamp time.Time
}

// Dispatcher fans applied-event notices out to in-process subscribers, keyed
// by session name. It implements the poller's Notifier capability.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber
	nextID      int64
	bufferSize  int
	clock       func() time.Time
}

type subscriber struct {
	id     int64
	stream chan AppliedNotice
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[string]map[int64]*subscriber),
		bufferSize:  16,
		clock:       time.Now,
	}
}

// EventApplied satisfies poller.Notifier.
func (d *Dispatcher) EventApplied(event poller.AppliedEvent) {
	d.Publish(AppliedNotice{
		Session:   event.Session,
		EventID:   event.EventID,
		EventType: int(event.Type),
		Timestamp: d.clock().UTC(),
	})
}

// Subscribe registers for notices on the named session until ctx is done.
func (d *Dispatcher) Subscribe(ctx context.Context, session string) (<-chan AppliedNotice, func()) {
	if session == "" {
		ch := make(chan AppliedNotice)
		close(ch)
		return ch, func() {}
	}
	sub := &subscriber{
		id:     d.nextSequence(),
		stream: make(chan AppliedNotice, d.bufferSize),
	}
	d.register(session, sub)
	cleanup := func() {
		d.unregister(session, sub.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

// Publish delivers a notice to every subscriber of its session. Delivery is
// best effort; a full subscriber buffer drops the notice.
func (d *Dispatcher) Publish(notice AppliedNotice) {
	if notice.Session == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[notice.Session]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*subscriber, 0, len(subscribers))
	for _, sub := range subscribers {
		copies = append(copies, sub)
	}
	d.mu.RUnlock()
	for _, sub := range copies {
		select {
		case sub.stream <- notice:
		default:
		}
	}
}

func (d *Dispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *Dispatcher) register(session string, sub *subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[session]; !ok {
		d.subscribers[session] = make(map[int64]*subscriber)
	}
	d.subscribers[session][sub.id] = sub
}

func (d *Dispatcher) unregister(session string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[session]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, session)
		}
	}
	d.mu.Unlock()
}

package job

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// subscriberBuffer is the per-subscriber mailbox size. Intermediate
// progress events past this are dropped newest-wins; terminal events
// always get through.
const subscriberBuffer = 16

// Event is one progress update on the bus.
type Event struct {
	JobID     string
	Status    Status
	Progress  float64
	Message   string
	Timestamp time.Time
}

// Bus is a per-job-id publish/subscribe channel. Workers publish into
// it; it never calls back into workers. Delivery of intermediate
// progress is best-effort and lossy — a newer event supersedes an
// undelivered older one — but every terminal transition is delivered
// to every live subscriber, after which the subscription closes.
type Bus struct {
	mu     sync.Mutex
	subs   map[string][]*subscriber
	closed bool
}

type subscriber struct {
	ch   chan Event
	done bool
}

// NewBus creates an empty progress bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string][]*subscriber)}
}

// Subscribe registers for a job's progress events. The returned channel
// closes after the job's terminal event is delivered, or when the
// returned cancel function runs, or when the bus shuts down.
func (b *Bus) Subscribe(jobID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscriber{ch: make(chan Event, subscriberBuffer)}
	if b.closed {
		close(sub.ch)
		sub.done = true
		return sub.ch, func() {}
	}
	b.subs[jobID] = append(b.subs[jobID], sub)

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.remove(jobID, sub)
	}
	return sub.ch, cancel
}

// remove detaches and closes one subscriber. Caller holds the lock.
func (b *Bus) remove(jobID string, target *subscriber) {
	subs := b.subs[jobID]
	for i, sub := range subs {
		if sub == target {
			b.subs[jobID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[jobID]) == 0 {
		delete(b.subs, jobID)
	}
	if !target.done {
		target.done = true
		close(target.ch)
	}
}

// Publish delivers an event to the job's subscribers without ever
// blocking. A full mailbox loses its oldest pending event to make room
// (newest wins). Terminal events additionally close the subscription.
func (b *Bus) Publish(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	subs := b.subs[event.JobID]
	for _, sub := range subs {
		select {
		case sub.ch <- event:
		default:
			// Mailbox full: discard the oldest pending event, then
			// retry once. The drain guarantees room, so the second
			// send cannot block.
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- event:
			default:
				logrus.WithFields(logrus.Fields{
					"function": "Publish",
					"job_id":   event.JobID,
				}).Warn("Dropped progress event for slow subscriber")
			}
		}
	}

	if event.Status.Terminal() {
		for _, sub := range subs {
			if !sub.done {
				sub.done = true
				close(sub.ch)
			}
		}
		delete(b.subs, event.JobID)
	}
}

// Close shuts the bus down, closing every live subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, subs := range b.subs {
		for _, sub := range subs {
			if !sub.done {
				sub.done = true
				close(sub.ch)
			}
		}
		delete(b.subs, id)
	}
}

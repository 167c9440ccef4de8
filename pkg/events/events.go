// Package events is the scheduling core's internal pub/sub bus: state
// changes, deletions, and filter vetoes are published here after the
// storage write that caused them commits, never while its lock is held.
package events

import (
	"sync"
	"time"

	"github.com/cuemby/shardsched/pkg/types"
)

// EventType represents the type of event carried across the bus.
type EventType string

const (
	// EventStorageStarted fires once, after a storage recovery/backfill pass
	// completes and the store is safe to read from.
	EventStorageStarted EventType = "storage.started"
	// EventTaskStateChange fires on every legal task status transition.
	EventTaskStateChange EventType = "task.state_change"
	// EventTasksDeleted fires when one or more tasks are removed from the
	// store outright (not a status transition).
	EventTasksDeleted EventType = "tasks.deleted"
	// EventVetoed fires when the scheduling filter rejects a task/offer
	// pairing, for observability of admission decisions.
	EventVetoed EventType = "filter.vetoed"
	// EventUpdateFinished fires once a rolling update's bookkeeping is
	// cleared, carrying the result the caller reported for it.
	EventUpdateFinished EventType = "update.finished"
)

// Event is a single notification published on the bus. Only the fields
// relevant to Type are populated; the rest are zero.
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Message   string

	TaskID   string
	JobKey   types.JobKey
	OldState types.ScheduleStatus
	NewState types.ScheduleStatus

	TaskIDs []string // EventTasksDeleted

	VetoReason string // EventVetoed

	UpdateResult string // EventUpdateFinished
	User         string // EventUpdateFinished
}

// Subscriber is a channel that receives events.
type Subscriber chan *Event

// Broker manages event subscriptions and distribution. Publish never blocks
// the caller on a slow subscriber: subscriber channels are buffered and a
// full buffer drops the event rather than stalling the publisher.
// pkg/storage publishes a write's events after releasing its write lock.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 256),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker.
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 64)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish enqueues an event for distribution to all subscribers. Callers
// inside a storage write critical section should call this only after the
// mutation has committed, per the re-entrant dispatch rule: a handler
// reacting to this event that itself writes to storage must not deadlock
// against the writer that is publishing it.
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// subscriber buffer full, drop rather than block the broker loop
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

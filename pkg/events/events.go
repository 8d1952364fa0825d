package events

import (
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event
type EventType string

const (
	EventTaskClaimed   EventType = "task.claimed"
	EventTaskFinished  EventType = "task.finished"
	EventTaskFailed    EventType = "task.failed"
	EventTaskRequeued  EventType = "task.requeued"
	EventTaskPreempted EventType = "task.preempted"
	EventWorkerStarted EventType = "worker.started"
	EventWorkerDrain   EventType = "worker.draining"
	EventWorkerStopped EventType = "worker.stopped"
	EventWorkerDead    EventType = "worker.dead"
)

// Requeue reasons carried in the "reason" metadata key
const (
	ReasonRetry       = "retry"
	ReasonPreempted   = "preempted"
	ReasonDeadWorker  = "dead_worker"
	ReasonInterrupted = "interrupted"
	ReasonAdmin       = "admin"
)

// Event represents a task or worker lifecycle event
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Worker    string
	Task      string
	Message   string
	Metadata  map[string]string
}

// New creates an event with a fresh ID
func New(typ EventType, worker, task string) *Event {
	return &Event{
		ID:     uuid.NewString(),
		Type:   typ,
		Worker: worker,
		Task:   task,
	}
}

// WithReason sets the reason metadata and returns the event
func (e *Event) WithReason(reason string) *Event {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata["reason"] = reason
	return e
}

// Reason returns the reason metadata, if any
func (e *Event) Reason() string {
	return e.Metadata["reason"]
}

// WithFinal marks a task.failed event as the last failure the task is
// allowed, or as one that will be retried
func (e *Event) WithFinal(final bool) *Event {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata["final"] = strconv.FormatBool(final)
	return e
}

// Final reports whether a task.failed event ended the task's retries
func (e *Event) Final() bool {
	return e.Metadata["final"] == "true"
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 256),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
	})
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 128)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription and closes its channel
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; !ok {
		return
	}
	delete(b.subscribers, sub)
	close(sub)
}

// Publish queues an event for delivery. It never blocks; a full queue drops
// the event. Publishing on a nil broker is a no-op.
func (b *Broker) Publish(event *Event) {
	if b == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}

	select {
	case <-b.stopCh:
	case b.eventCh <- event:
	default:
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
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

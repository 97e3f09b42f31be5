// Package bus is a small in-process pub/sub with topic prefix matching. It
// decouples the gateway, agent loops, heartbeat, and dashboard.
package bus

import (
	"strings"
	"sync"
)

const defaultBufferSize = 100

// Task lifecycle topics.
const (
	TopicTaskStarted   = "task.started"
	TopicTaskStep      = "task.step"
	TopicTaskSucceeded = "task.succeeded"
	TopicTaskFailed    = "task.failed"
	TopicTaskCancelled = "task.cancelled"

	TopicAuthOpened   = "auth.opened"
	TopicAuthResolved = "auth.resolved"
)

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload any
}

// TaskEvent is the payload for task.* topics.
type TaskEvent struct {
	TaskID    string
	ChatID    int64
	SessionID string
	Step      int
	Message   string
}

// AuthEvent is the payload for auth.* topics.
type AuthEvent struct {
	RequestID  string
	ChatID     int64
	Capability string
	Status     string
	OpenURL    string
}

// Subscription is an active subscription.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

// Ch returns the receive channel.
func (s *Subscription) Ch() <-chan Event { return s.ch }

// Bus fans events out to prefix-matched subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

// New creates a Bus.
func New() *Bus {
	return &Bus{subs: make(map[int]*Subscription)}
}

// Subscribe registers for events whose topic starts with topicPrefix; empty
// matches everything. The channel holds 100 events; slow consumers drop.
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{id: b.nextID, prefix: topicPrefix, ch: make(chan Event, defaultBufferSize)}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish delivers the event to matching subscribers without blocking.
func (b *Bus) Publish(topic string, payload any) {
	event := Event{Topic: topic, Payload: payload}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(topic, sub.prefix) {
			select {
			case sub.ch <- event:
			default:
			}
		}
	}
}

// Package events provides the in-process fan-out bus feeding monitor
// subscribers.
package events

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/VladPil/llm-gateway/logger"
	"github.com/VladPil/llm-gateway/metrics"
)

// Domain event types, named exactly as emitted on the wire.
const (
	TypeTaskQueued    = "task.queued"
	TypeTaskStarted   = "task.started"
	TypeTaskProgress  = "task.progress"
	TypeTaskCompleted = "task.completed"
	TypeTaskFailed    = "task.failed"
	TypeModelLoaded   = "model.loaded"
	TypeModelUnloaded = "model.unloaded"
	TypeGPUStats      = "gpu_stats"
	TypeLog           = "log"
)

// Control message types exchanged with monitor subscribers.
const (
	TypeConnected    = "connected"
	TypeSubscribed   = "subscribed"
	TypeUnsubscribed = "unsubscribed"
	TypeFilterSet    = "filter_set"
	TypePong         = "pong"
	TypeQueueStats   = "queue_stats"
	TypeError        = "error"
	TypeHeartbeat    = "heartbeat"
	TypeInitial      = "initial"
)

// DomainTypes lists the subscribable event types advertised on connect.
var DomainTypes = []string{
	TypeTaskQueued, TypeTaskStarted, TypeTaskProgress, TypeTaskCompleted,
	TypeTaskFailed, TypeModelLoaded, TypeModelUnloaded, TypeGPUStats, TypeLog,
}

// Event is the wire frame delivered to subscribers.
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	TaskID    string    `json:"task_id,omitempty"`
	Data      any       `json:"data,omitempty"`
}

// Envelope carries one event serialized once for all subscribers.
type Envelope struct {
	Type    string
	TaskID  string
	Payload []byte
}

const subscriberQueueSize = 64

// Subscriber is one attached monitor connection. Its queue is bounded; a
// saturated queue drops events rather than blocking the broadcaster.
type Subscriber struct {
	id string
	ch chan Envelope

	mu         sync.Mutex
	subs       map[string]struct{}
	taskFilter string
}

// ID returns the connection id assigned at subscription.
func (s *Subscriber) ID() string { return s.id }

// Events returns the delivery channel. Closed on Unsubscribe.
func (s *Subscriber) Events() <-chan Envelope { return s.ch }

// Subscribe adds event types to the subscription set. "*" and prefix
// wildcards like "task.*" are honored.
func (s *Subscriber) Subscribe(types ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range types {
		s.subs[t] = struct{}{}
	}
}

// Unsubscribe removes event types from the subscription set.
func (s *Subscriber) Unsubscribe(types ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range types {
		delete(s.subs, t)
	}
}

// Subscriptions returns the current subscription set.
func (s *Subscriber) Subscriptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.subs))
	for t := range s.subs {
		out = append(out, t)
	}
	return out
}

// SetTaskFilter restricts delivery to events of one task. Empty clears the
// filter. Events without a task id always pass.
func (s *Subscriber) SetTaskFilter(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.taskFilter = taskID
}

// TaskFilter returns the active task filter, "" when unset.
func (s *Subscriber) TaskFilter() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.taskFilter
}

func (s *Subscriber) matches(eventType, taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.taskFilter != "" && taskID != "" && taskID != s.taskFilter {
		return false
	}
	for pattern := range s.subs {
		if matchesPattern(pattern, eventType) {
			return true
		}
	}
	return false
}

func matchesPattern(pattern, eventType string) bool {
	if pattern == "*" || pattern == eventType {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(eventType, prefix)
	}
	return false
}

// Bus fans events out to all eligible subscribers. Delivery is best-effort
// and at-most-once per subscriber.
type Bus struct {
	mu   sync.Mutex
	subs map[string]*Subscriber
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string]*Subscriber)}
}

// Subscribe attaches a new subscriber with the wildcard subscription.
func (b *Bus) Subscribe() *Subscriber {
	sub := &Subscriber{
		id:   uuid.New().String(),
		ch:   make(chan Envelope, subscriberQueueSize),
		subs: map[string]struct{}{"*": {}},
	}

	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()

	logger.Debug("monitor subscriber attached", "subscriber_id", sub.id)
	return sub
}

// Unsubscribe detaches a subscriber and closes its channel.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	sub, exists := b.subs[id]
	if exists {
		delete(b.subs, id)
	}
	b.mu.Unlock()

	if exists {
		close(sub.ch)
		logger.Debug("monitor subscriber detached", "subscriber_id", id)
	}
}

// SubscriberCount returns the number of attached subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Publish serializes the event once and sends it to every eligible
// subscriber. A full queue drops the event for that subscriber only.
func (b *Bus) Publish(eventType, taskID string, data any) {
	payload, err := json.Marshal(Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		TaskID:    taskID,
		Data:      data,
	})
	if err != nil {
		logger.Error("failed to serialize event", "type", eventType, "error", err)
		return
	}
	envelope := Envelope{Type: eventType, TaskID: taskID, Payload: payload}

	b.mu.Lock()
	targets := make([]*Subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		targets = append(targets, sub)
	}
	b.mu.Unlock()

	for _, sub := range targets {
		if !sub.matches(eventType, taskID) {
			continue
		}
		select {
		case sub.ch <- envelope:
		default:
			metrics.RecordEventDropped()
			logger.Warn("subscriber queue full, dropping event",
				"subscriber_id", sub.id, "type", eventType)
		}
	}
}

// Marshal builds a wire frame outside the broadcast path, for control
// replies sent to a single connection.
func Marshal(eventType string, data any) []byte {
	payload, err := json.Marshal(Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
	if err != nil {
		logger.Error("failed to serialize event", "type", eventType, "error", err)
		return []byte(`{"type":"error"}`)
	}
	return payload
}

// Package events provides a typed in-process event bus for job lifecycle
// notifications. Publishing never blocks: subscribers with full channels miss
// events rather than stalling the pipeline.
package events

import (
	"sync"
	"time"
)

// EventType identifies the kind of event
type EventType string

const (
	// JobQueued - an optimization job was accepted and queued
	JobQueued EventType = "job_queued"
	// JobStageChanged - a job transitioned to a new pipeline stage
	JobStageChanged EventType = "job_stage_changed"
	// JobCompleted - a job finished successfully
	JobCompleted EventType = "job_completed"
	// JobFailed - a job reached the failed terminal state
	JobFailed EventType = "job_failed"
)

// EventData is the interface that all event data types must implement
// This allows for type-safe event data while maintaining flexibility
type EventData interface {
	// EventType returns the event type this data is associated with
	EventType() EventType
}

// JobQueuedData contains data for JobQueued events
type JobQueuedData struct {
	JobID  string  `json:"job_id"`
	Amount float64 `json:"amount"`
}

// EventType returns the event type for JobQueuedData
func (d *JobQueuedData) EventType() EventType {
	return JobQueued
}

// JobStageChangedData contains data for JobStageChanged events
type JobStageChangedData struct {
	JobID string `json:"job_id"`
	Stage string `json:"stage"`
}

// EventType returns the event type for JobStageChangedData
func (d *JobStageChangedData) EventType() EventType {
	return JobStageChanged
}

// JobCompletedData contains data for JobCompleted events
type JobCompletedData struct {
	JobID    string  `json:"job_id"`
	Holdings int     `json:"holdings"`
	Sharpe   float64 `json:"sharpe"`
}

// EventType returns the event type for JobCompletedData
func (d *JobCompletedData) EventType() EventType {
	return JobCompleted
}

// JobFailedData contains data for JobFailed events
type JobFailedData struct {
	JobID string `json:"job_id"`
	Error string `json:"error"`
}

// EventType returns the event type for JobFailedData
func (d *JobFailedData) EventType() EventType {
	return JobFailed
}

// Event is a published occurrence with its typed payload
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      EventData `json:"data"`
}

// Bus fans events out to subscribers
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int]chan Event
	nextID      int
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[int]chan Event),
	}
}

// Publish delivers an event to all subscribers. Subscribers whose buffers are
// full are skipped so a slow consumer cannot stall the publisher.
func (b *Bus) Publish(data EventData) {
	event := Event{
		Type:      data.EventType(),
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribe registers a new subscriber. The returned cancel function must be
// called when the subscriber is done; it closes the channel.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++

	ch := make(chan Event, 64)
	b.subscribers[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(sub)
		}
	}

	return ch, cancel
}

// SubscriberCount returns the number of active subscribers
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

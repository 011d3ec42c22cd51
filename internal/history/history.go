// Package history exports instance lifecycle events to external systems.
package history

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart       EventType = "start"
	EventStop        EventType = "stop"
	EventCrash       EventType = "crash"
	EventAdopt       EventType = "adopt"
	EventDrop        EventType = "drop"
	EventSpawnFailed EventType = "spawn_failed"
)

// Instance describes the instance an event is about.
type Instance struct {
	Name   string `json:"name"`
	Key    int    `json:"key"`
	PID    int    `json:"pid"`
	RunID  string `json:"run_id,omitempty"`
	Forced bool   `json:"forced,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Instance   Instance  `json:"instance"`
}

// NewEvent stamps an event with a fresh id and the current UTC time.
func NewEvent(t EventType, inst Instance) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       t,
		OccurredAt: time.Now().UTC(),
		Instance:   inst,
	}
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

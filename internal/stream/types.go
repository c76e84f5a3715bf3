// Package stream provides the push side of the sync-status subsystem: a
// transport abstraction over long-lived server-to-client connections and the
// decoder that turns raw frames into the closed set of typed sync events.
package stream

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType identifies the type of event carried by a frame.
type EventType string

const (
	// EventJobStarted signals a sync job picked up an entity.
	EventJobStarted EventType = "job-started"
	// EventJobProgress reports intermediate progress for an in-flight job.
	EventJobProgress EventType = "job-progress"
	// EventJobCompleted signals a job finished and the entity is verified.
	EventJobCompleted EventType = "job-completed"
	// EventJobFailed signals a job reached a terminal failure.
	EventJobFailed EventType = "job-failed"
	// EventHeartbeat is a keepalive. It carries no state change and exists
	// only so silent connection death is detectable.
	EventHeartbeat EventType = "heartbeat"
)

// valid reports whether t belongs to the closed event set.
func (t EventType) valid() bool {
	switch t {
	case EventJobStarted, EventJobProgress, EventJobCompleted, EventJobFailed, EventHeartbeat:
		return true
	}
	return false
}

// Event is one decoded message from the sync-status stream.
type Event struct {
	Type EventType `json:"type"`

	// EntityID identifies the entity being synchronized. Empty for heartbeats.
	EntityID string `json:"entityId,omitempty"`

	// Detail carries progress detail for job-progress events.
	Detail string `json:"detail,omitempty"`

	// Reason carries the failure reason for job-failed events.
	Reason string `json:"reason,omitempty"`

	// UpdatedAt orders events per entity. Frames older than the stored
	// timestamp are discarded downstream; a zero value means "now".
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// DecodeEvent parses a raw frame payload into a typed Event.
// A malformed frame is an error for the caller to log and drop; it must
// never tear down the connection.
func DecodeEvent(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	if !e.Type.valid() {
		return nil, fmt.Errorf("unknown event type %q", e.Type)
	}
	if e.Type != EventHeartbeat && e.EntityID == "" {
		return nil, fmt.Errorf("%s event missing entityId", e.Type)
	}
	return &e, nil
}

// Marshal serializes the event to JSON bytes.
func (e *Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// MustMarshal serializes the event, panicking on error.
// Use only when the event is known to be serializable.
func (e *Event) MustMarshal() []byte {
	data, err := e.Marshal()
	if err != nil {
		panic(err)
	}
	return data
}

package events

import (
	"encoding/json"
	"time"
)

// EventType enumerates the update notifications flowing to connected clients.
type EventType string

const (
	// EventTypeSessions signals that the active or inactive session lists
	// changed.
	EventTypeSessions EventType = "sessions_update"
	// EventTypeSchedules signals that the schedule list changed.
	EventTypeSchedules EventType = "schedules_update"
	// EventTypeVideos signals that the video library contents changed.
	EventTypeVideos EventType = "videos_update"
	// EventTypeRecovery carries the result of a reconciliation sweep.
	EventTypeRecovery EventType = "recovery_update"
)

// Event is the wire representation broadcast to clients and carried on the
// queue. Payload holds the updated listing for the event's type.
type Event struct {
	Type       EventType       `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	OccurredAt time.Time       `json:"occurredAt"`
}

package history

import (
	"context"
	"time"
)

// EventType defines the kind of supervision event.
type EventType string

const (
	EventSessionStart  EventType = "session_start"
	EventSessionEnd    EventType = "session_end"
	EventWorkerStart   EventType = "worker_start"
	EventWorkerStop    EventType = "worker_stop"
	EventWorkerRestart EventType = "worker_restart"
	EventQuotaSuspend  EventType = "quota_suspend"
)

// Event is an append-only record of a supervision or scheduling decision,
// exported to external analytics/statistics systems. Sink failures are
// advisory and must never feed back into supervision.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	SessionID  string    `json:"session_id"`
	Mode       string    `json:"mode,omitempty"`
	PID        int       `json:"pid,omitempty"`
	SourceID   int64     `json:"source_id,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

// Sink is a destination for supervision events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
	Close() error
}

package store

import (
	"context"
	"errors"
	"strconv"
	"time"
)

// EndReason classifies how a session terminated. Graceful reasons
// suppress auto-resume on the next boot; everything else resumes.
type EndReason string

const (
	EndManualStop     EndReason = "manual_stop"
	EndNormalShutdown EndReason = "normal_shutdown"
	EndCrash          EndReason = "crash"
	EndUnknown        EndReason = "unknown"
)

// Graceful reports whether the reason describes an intentional shutdown.
func (r EndReason) Graceful() bool {
	return r == EndManualStop || r == EndNormalShutdown
}

// CounterKind selects which per-source daily counter a row belongs to.
type CounterKind string

const (
	CounterForward CounterKind = "forward"
	CounterRandom  CounterKind = "random"
)

// DayFormat is the calendar-day key used by durable counters.
const DayFormat = "2006-01-02"

// Today returns the current counter day key in UTC.
func Today() string { return time.Now().UTC().Format(DayFormat) }

// State type namespace keys. Records are unique per (session, state type).
const (
	StateApplication   = "application"
	StateForwardCounts = "forward_counts"
	StateDailyReset    = "daily_reset"
	StateSessionMarker = "session"
)

// StateMessageProcessing returns the per-chat processing progress key.
func StateMessageProcessing(chatID int64) string {
	return "message_processing:" + strconv.FormatInt(chatID, 10)
}

// StateRandomMessages returns the per-source random posting state key.
func StateRandomMessages(chatID int64) string {
	return "random_messages:" + strconv.FormatInt(chatID, 10)
}

// SessionSummary describes one supervisor run as seen by ListSessions.
type SessionSummary struct {
	ID           string    `json:"session_id"`
	LastActivity time.Time `json:"last_activity"`
	StateTypes   []string  `json:"state_types"`
	Ended        bool      `json:"ended"`
	EndedAt      time.Time `json:"ended_at,omitempty"`
	EndReason    EndReason `json:"end_reason,omitempty"`
}

// ErrSessionEnded is returned by SaveState when the target session
// carries an end marker and the write was not forced.
var ErrSessionEnded = errors.New("session already ended")

// Store is the durable state backend. Implementations must be safe for
// concurrent use; counter increments must be atomic upserts.
type Store interface {
	// Ping is the trivial availability probe used by auto-resume.
	Ping(ctx context.Context) error

	// SaveState upserts the record for (sessionID, stateType). Payload is
	// JSON-serialized. Writes into an ended session fail with
	// ErrSessionEnded unless force is set.
	SaveState(ctx context.Context, sessionID, stateType string, payload any, force bool) error

	// LoadState unmarshals the best available record of stateType into out.
	// Lookup order: exact session, then the most recently updated record
	// among sessions without an end marker, then the most recent anywhere.
	// Returns false when no record of stateType exists at all.
	LoadState(ctx context.Context, sessionID, stateType string, out any) (bool, error)

	// MarkSessionEnded stamps every record of the session with the end
	// marker. Marking an already-ended session is a no-op success.
	MarkSessionEnded(ctx context.Context, sessionID string, reason EndReason) error

	// ListSessions returns summaries, most recently active first.
	ListSessions(ctx context.Context) ([]SessionSummary, error)

	// CleanupOldSessions deletes all records of every session except the
	// keep most recently active ones. Returns the number of sessions removed.
	CleanupOldSessions(ctx context.Context, keep int) (int, error)

	// IncrCounter atomically increments the (sourceID, day, kind) counter
	// and returns the new value.
	IncrCounter(ctx context.Context, sourceID int64, day string, kind CounterKind) (int, error)

	// GetCounter reads the counter; a missing row reads as 0.
	GetCounter(ctx context.Context, sourceID int64, day string, kind CounterKind) (int, error)

	// ResetCounters deletes all counters of the given kind for the day and
	// returns how many rows were removed. Used by the manual reset surface.
	ResetCounters(ctx context.Context, day string, kind CounterKind) (int64, error)

	Close() error
}

package store

import "time"

// Closed payload schemas, one per state type. The original keyed loose
// documents by free-form strings; each shape is explicit here so drift
// shows up as a decode error instead of silently missing fields.

// ApplicationState is written by the supervisor on every worker start
// and refreshed by heartbeats. Its Mode drives auto-resume.
type ApplicationState struct {
	Mode          string    `json:"mode"`
	ConfigHash    string    `json:"config_hash"`
	RunningSince  time.Time `json:"running_since"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// MessageProcessingState tracks forwarding progress within one chat.
// The worker owns these; the supervisor only carries them across runs.
type MessageProcessingState struct {
	ChatID        int64     `json:"chat_id"`
	LastMessageID int       `json:"last_message_id"`
	Offset        int       `json:"offset"`
	LastProcessed time.Time `json:"last_processed"`
}

// RandomMessageState is the durable slice of a scheduler source task.
type RandomMessageState struct {
	ChatID       int64     `json:"chat_id"`
	LastPostTime time.Time `json:"last_post_time"`
	DailyCount   int       `json:"daily_count"`
	TotalSent    int       `json:"total_sent"`
}

// ForwardCounts snapshots the per-chat forward totals.
type ForwardCounts struct {
	Counts    map[int64]int `json:"counts"`
	LastReset time.Time     `json:"last_reset"`
}

// DailyReset records the last observed calendar-day rollover.
type DailyReset struct {
	Day          string    `json:"day"`
	ResetAt      time.Time `json:"reset_at"`
	SourcesReset int       `json:"sources_reset"`
}

// SessionMarker is the placeholder record written when a session with no
// state of its own is ended, so the end marker stays discoverable.
type SessionMarker struct {
	Reason EndReason `json:"reason"`
}

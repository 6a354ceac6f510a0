package client

import "time"

// WorkerStatus mirrors the daemon's /status payload.
type WorkerStatus struct {
	Running   bool      `json:"running"`
	Degraded  bool      `json:"degraded"`
	PID       int       `json:"pid,omitempty"`
	Mode      string    `json:"mode,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	Restarts  int       `json:"restarts"`
}

// SessionSummary mirrors one entry of the daemon's /sessions payload.
type SessionSummary struct {
	ID           string    `json:"session_id"`
	LastActivity time.Time `json:"last_activity"`
	StateTypes   []string  `json:"state_types"`
	Ended        bool      `json:"ended"`
	EndedAt      time.Time `json:"ended_at,omitempty"`
	EndReason    string    `json:"end_reason,omitempty"`
}

// TaskStatus mirrors one scheduler task in /scheduler/status.
type TaskStatus struct {
	Source     string    `json:"source"`
	SourceID   int64     `json:"source_id"`
	State      string    `json:"state"`
	DailyCount int       `json:"daily_count"`
	TotalSent  int       `json:"total_sent"`
	LastPost   time.Time `json:"last_post,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
}

// SchedulerStatus mirrors the daemon's /scheduler/status payload.
type SchedulerStatus struct {
	Enabled bool         `json:"enabled"`
	Running bool         `json:"running"`
	Tasks   []TaskStatus `json:"tasks"`
}

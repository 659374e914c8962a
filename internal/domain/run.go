package domain

import "time"

// Run is the relay's record of one stream session.
type Run struct {
	RunID     string        `json:"run_id"`
	AgentID   string        `json:"agent_id"`
	ThreadID  string        `json:"thread_id,omitempty"`
	Request   StreamRequest `json:"request"`
	State     SessionState  `json:"state"`
	Events    int           `json:"events"`
	Error     string        `json:"error,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   *time.Time    `json:"ended_at,omitempty"`
}

// Thread is a server-assigned conversation identity that persists across runs.
type Thread struct {
	ThreadID  string    `json:"thread_id"`
	AgentID   string    `json:"agent_id"`
	LastQuery string    `json:"last_query"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RecordedEvent is a NodeEvent as stored in the transcript, numbered in
// arrival order within its run.
type RecordedEvent struct {
	EventID    string    `json:"event_id"`
	RunID      string    `json:"run_id"`
	Seq        int       `json:"seq"`
	Event      NodeEvent `json:"event"`
	ReceivedAt time.Time `json:"received_at"`
}

package presence

import "time"

type EventType string

const (
	EventJoin   EventType = "join"
	EventLeave  EventType = "leave"
	EventCursor EventType = "cursor-move"
)

type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Event is the wire payload exchanged on a thread's presence channel.
type Event struct {
	Type      EventType `json:"type"`
	ThreadID  string    `json:"thread_id"`
	UserID    string    `json:"user_id"`
	UserName  string    `json:"user_name,omitempty"`
	Position  *Position `json:"position,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Record is the ephemeral per-user liveness state kept client-side. Never
// persisted; it exists only while join/heartbeat events keep refreshing it.
type Record struct {
	UserID     string    `json:"user_id"`
	UserName   string    `json:"user_name"`
	ThreadID   string    `json:"thread_id"`
	LastActive time.Time `json:"last_active"`
	Cursor     *Position `json:"cursor,omitempty"`
}

package sessionmgr

import (
	"encoding/json"
	"time"

	"github.com/clharman/afkbot/internal/transcript"
)

// EventType discriminates the normalized events the tailer emits.
type EventType string

const (
	EventMessage    EventType = "message"
	EventSlug       EventType = "slug"
	EventTaskList   EventType = "task_list"
	EventToolCall   EventType = "tool_call"
	EventToolResult EventType = "tool_result"
	EventModeChange EventType = "mode_change"
	EventStatus     EventType = "status"
)

const (
	StatusRunning = "running"
	StatusIdle    = "idle"
	StatusEnded   = "ended"
)

const (
	ModePlanning  = "planning"
	ModeExecuting = "executing"
)

// Event is one normalized tailer output. Which fields are meaningful
// depends on Type.
type Event struct {
	SessionID string
	Type      EventType

	Role      string
	Text      string
	Timestamp time.Time

	Slug  string
	Todos []transcript.TodoItem

	ToolID    string
	ToolName  string
	ToolInput json.RawMessage
	IsError   bool

	Mode   string
	Status string
}

// Handler receives session lifecycle callbacks and the per-session
// event stream. Calls arrive from the session's tailer goroutine in
// transcript order; implementations must not block and should hand off
// to their own queues.
type Handler interface {
	OnSessionStart(s *Session)
	OnEvent(s *Session, ev Event)
	OnSessionEnd(s *Session)
}

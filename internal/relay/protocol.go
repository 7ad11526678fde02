package relay

import (
	"github.com/clharman/afkbot/internal/transcript"
)

// Message type discriminants, both directions.
const (
	MsgAuth      = "auth"
	MsgAuthOK    = "auth_ok"
	MsgAuthError = "auth_error"

	// Workstation → server.
	MsgSessionStart = "session_start"
	MsgSessionEnd   = "session_end"

	// Workstation → server, mirrored server → viewer.
	MsgSessionUpdate  = "session_update"
	MsgSessionTodos   = "session_todos"
	MsgSessionMessage = "session_message"
	MsgSessionStatus  = "session_status"

	// Viewer → server.
	MsgListSessions      = "list_sessions"
	MsgSubscribe         = "subscribe"
	MsgUnsubscribe       = "unsubscribe"
	MsgSendInput         = "send_input"
	MsgTrackSession      = "track_session"
	MsgUntrackSession    = "untrack_session"
	MsgRegisterPushToken = "register_push_token"

	// Server → viewer.
	MsgSessionsList = "sessions_list"
	MsgError        = "error"
)

// Message is the single frame shape on relay connections: one JSON
// object per websocket text message, discriminated by Type.
type Message struct {
	Type string `json:"type"`

	Token   string `json:"token,omitempty"`
	Message string `json:"message,omitempty"`

	SessionID string                `json:"sessionId,omitempty"`
	Name      string                `json:"name,omitempty"`
	Cwd       string                `json:"cwd,omitempty"`
	Role      string                `json:"role,omitempty"`
	Content   string                `json:"content,omitempty"`
	Status    string                `json:"status,omitempty"`
	Todos     []transcript.TodoItem `json:"todos,omitempty"`
	Text      string                `json:"text,omitempty"`

	PushToken string `json:"pushToken,omitempty"`
	Platform  string `json:"platform,omitempty"`

	Sessions []SessionInfo `json:"sessions,omitempty"`
}

// SessionInfo is one entry of a sessions_list snapshot.
type SessionInfo struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Cwd    string `json:"cwd,omitempty"`
	Status string `json:"status"`
}

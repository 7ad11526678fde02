package relay

import (
	"context"
	"log"
	"sort"
	"sync"

	"github.com/clharman/afkbot/internal/database"
	"github.com/clharman/afkbot/internal/transcript"
)

const (
	statusRunning = "running"
	statusIdle    = "idle"
	statusEnded   = "ended"
)

// sendQueueSize must exceed ringCapacity so a subscribe replay never
// trips the slow-consumer drop.
const sendQueueSize = 256

// connection is one authenticated websocket, either role. The send
// channel is drained by the connection's writer pump; enqueueing never
// blocks the hub.
type connection struct {
	id       string
	kind     string
	userID   uint
	deviceID string

	send   chan Message
	cancel context.CancelFunc

	// subs is the viewer's subscribed session set. Touched only under
	// the hub mutex.
	subs map[string]struct{}
}

// trackedSession is the relay-side registry entry for one announced
// session.
type trackedSession struct {
	ID     string
	UserID uint
	Name   string
	Cwd    string
	Status string

	owner *connection
	ring  *messageRing

	todos    []transcript.TodoItem
	hasTodos bool
}

// Hub routes frames between workstations and viewers of the same user,
// retains per-session replay buffers, and emits push notifications for
// tracked sessions.
type Hub struct {
	mu       sync.Mutex
	conns    map[string]*connection
	sessions map[string]*trackedSession

	// tracked maps user → session ids flagged for idle/ended pushes.
	tracked map[uint]map[string]struct{}

	push PushSender
}

func NewHub(push PushSender) *Hub {
	return &Hub{
		conns:    make(map[string]*connection),
		sessions: make(map[string]*trackedSession),
		tracked:  make(map[uint]map[string]struct{}),
		push:     push,
	}
}

// Counts reports connection and session totals for the health surface.
func (h *Hub) Counts() (workstations, viewers, sessions int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.conns {
		if c.kind == database.DeviceKindWorkstation {
			workstations++
		} else {
			viewers++
		}
	}
	return workstations, viewers, len(h.sessions)
}

func (h *Hub) addConnection(c *connection) {
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
	log.Printf("[relay] %s connected (user %d, device %s)", c.kind, c.userID, c.deviceID)
}

// removeConnection drops a connection. A workstation takes all the
// sessions it owns down with it; their subscribers are notified and
// tracked sessions produce an ended push.
func (h *Hub) removeConnection(c *connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.conns[c.id]; !ok {
		return
	}
	delete(h.conns, c.id)

	if c.kind == database.DeviceKindWorkstation {
		var owned []*trackedSession
		for _, sess := range h.sessions {
			if sess.owner == c {
				owned = append(owned, sess)
			}
		}
		for _, sess := range owned {
			h.endSessionLocked(sess)
		}
	}
	log.Printf("[relay] %s disconnected (user %d)", c.kind, c.userID)
}

// enqueue hands a frame to a connection's writer. A full queue means a
// consumer that stopped draining; the connection is dropped rather than
// letting the hub back up.
func (h *Hub) enqueue(c *connection, msg Message) bool {
	select {
	case c.send <- msg:
		return true
	default:
		log.Printf("[relay] dropping %s connection of user %d: send queue full", c.kind, c.userID)
		c.cancel()
		return false
	}
}

// HandleWorkstation routes one frame from an authenticated workstation.
func (h *Hub) HandleWorkstation(c *connection, msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch msg.Type {
	case MsgSessionStart:
		h.announceLocked(c, msg)

	case MsgSessionUpdate:
		sess := h.ownedSessionLocked(c, msg.SessionID)
		if sess == nil {
			return
		}
		sess.Name = msg.Name
		h.forwardLocked(sess, Message{
			Type: MsgSessionUpdate, SessionID: sess.ID, Name: msg.Name,
		})

	case MsgSessionTodos:
		sess := h.ownedSessionLocked(c, msg.SessionID)
		if sess == nil {
			return
		}
		sess.todos = msg.Todos
		sess.hasTodos = true
		h.forwardLocked(sess, Message{
			Type: MsgSessionTodos, SessionID: sess.ID, Todos: msg.Todos,
		})

	case MsgSessionMessage:
		sess := h.ownedSessionLocked(c, msg.SessionID)
		if sess == nil {
			return
		}
		frame := Message{
			Type: MsgSessionMessage, SessionID: sess.ID,
			Role: msg.Role, Content: msg.Content,
		}
		// Only conversational turns are replayable; tool chatter is
		// forwarded live and not retained.
		if msg.Role == "user" || msg.Role == "assistant" {
			sess.ring.add(frame)
		}
		h.forwardLocked(sess, frame)

	case MsgSessionStatus:
		sess := h.ownedSessionLocked(c, msg.SessionID)
		if sess == nil {
			return
		}
		if msg.Status == statusEnded {
			h.endSessionLocked(sess)
			return
		}
		prev := sess.Status
		sess.Status = msg.Status
		h.forwardLocked(sess, Message{
			Type: MsgSessionStatus, SessionID: sess.ID, Status: msg.Status,
		})
		if prev != statusIdle && msg.Status == statusIdle && h.isTrackedLocked(sess.UserID, sess.ID) {
			h.notify(sess.UserID, sess.Name, "Session is waiting for input")
		}

	case MsgSessionEnd:
		sess := h.ownedSessionLocked(c, msg.SessionID)
		if sess == nil {
			return
		}
		h.endSessionLocked(sess)

	default:
		log.Printf("[relay] unknown workstation frame %q", msg.Type)
	}
}

// announceLocked registers or re-registers a session. Re-announce after
// a reconnect keeps nothing: the previous disconnect already ended the
// old registration, so this starts a fresh replay buffer.
func (h *Hub) announceLocked(c *connection, msg Message) {
	if msg.SessionID == "" {
		return
	}
	if sess, ok := h.sessions[msg.SessionID]; ok {
		if sess.UserID != c.userID {
			h.enqueue(c, Message{Type: MsgError, Message: "session id already in use"})
			return
		}
		sess.owner = c
		sess.Name = msg.Name
		sess.Cwd = msg.Cwd
		sess.Status = statusRunning
	} else {
		h.sessions[msg.SessionID] = &trackedSession{
			ID:     msg.SessionID,
			UserID: c.userID,
			Name:   msg.Name,
			Cwd:    msg.Cwd,
			Status: statusRunning,
			owner:  c,
			ring:   newMessageRing(),
		}
	}
	log.Printf("[relay] session %s announced by user %d", msg.SessionID, c.userID)
	h.broadcastSessionsLocked(c.userID)
}

// HandleViewer routes one frame from an authenticated viewer.
func (h *Hub) HandleViewer(c *connection, msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch msg.Type {
	case MsgListSessions:
		h.enqueue(c, Message{Type: MsgSessionsList, Sessions: h.sessionsListLocked(c.userID)})

	case MsgSubscribe:
		sess := h.visibleSessionLocked(c, msg.SessionID)
		if sess == nil {
			h.enqueue(c, Message{Type: MsgError, Message: "session not found"})
			return
		}
		// Status first, then history, then the latest task list. The
		// subscription only becomes live afterwards, so replay cannot
		// interleave with forwarded frames.
		if !h.enqueue(c, Message{Type: MsgSessionStatus, SessionID: sess.ID, Status: sess.Status}) {
			return
		}
		for _, frame := range sess.ring.list() {
			if !h.enqueue(c, frame) {
				return
			}
		}
		if sess.hasTodos {
			if !h.enqueue(c, Message{Type: MsgSessionTodos, SessionID: sess.ID, Todos: sess.todos}) {
				return
			}
		}
		c.subs[sess.ID] = struct{}{}

	case MsgUnsubscribe:
		delete(c.subs, msg.SessionID)

	case MsgSendInput:
		sess := h.visibleSessionLocked(c, msg.SessionID)
		if sess == nil {
			h.enqueue(c, Message{Type: MsgError, Message: "session not found"})
			return
		}
		if sess.owner == nil {
			h.enqueue(c, Message{Type: MsgError, Message: "session not connected"})
			h.endSessionLocked(sess)
			return
		}
		if !h.enqueue(sess.owner, Message{Type: MsgSendInput, SessionID: sess.ID, Text: msg.Text}) {
			h.enqueue(c, Message{Type: MsgError, Message: "session not connected"})
		}

	case MsgTrackSession:
		sess := h.visibleSessionLocked(c, msg.SessionID)
		if sess == nil {
			h.enqueue(c, Message{Type: MsgError, Message: "session not found"})
			return
		}
		set, ok := h.tracked[c.userID]
		if !ok {
			set = make(map[string]struct{})
			h.tracked[c.userID] = set
		}
		set[sess.ID] = struct{}{}

	case MsgUntrackSession:
		if set, ok := h.tracked[c.userID]; ok {
			delete(set, msg.SessionID)
		}

	case MsgRegisterPushToken:
		if msg.PushToken == "" {
			h.enqueue(c, Message{Type: MsgError, Message: "missing push token"})
			return
		}
		if err := database.RegisterPushToken(c.userID, msg.PushToken, msg.Platform); err != nil {
			log.Printf("[relay] register push token for user %d: %v", c.userID, err)
		}

	default:
		h.enqueue(c, Message{Type: MsgError, Message: "unknown message type"})
	}
}

// ownedSessionLocked resolves a session only for its owning workstation
// connection.
func (h *Hub) ownedSessionLocked(c *connection, id string) *trackedSession {
	sess, ok := h.sessions[id]
	if !ok || sess.owner != c {
		return nil
	}
	return sess
}

// visibleSessionLocked resolves a session for a viewer. Another user's
// session is indistinguishable from a missing one.
func (h *Hub) visibleSessionLocked(c *connection, id string) *trackedSession {
	sess, ok := h.sessions[id]
	if !ok || sess.UserID != c.userID {
		return nil
	}
	return sess
}

// forwardLocked delivers a frame to every viewer of the session's user
// that is subscribed to it.
func (h *Hub) forwardLocked(sess *trackedSession, msg Message) {
	for _, c := range h.conns {
		if c.kind != database.DeviceKindViewer || c.userID != sess.UserID {
			continue
		}
		if _, subscribed := c.subs[sess.ID]; !subscribed {
			continue
		}
		h.enqueue(c, msg)
	}
}

// endSessionLocked transitions a session to ended, notifies
// subscribers, pushes if tracked, and forgets the session.
func (h *Hub) endSessionLocked(sess *trackedSession) {
	if _, ok := h.sessions[sess.ID]; !ok {
		return
	}
	sess.Status = statusEnded
	h.forwardLocked(sess, Message{
		Type: MsgSessionStatus, SessionID: sess.ID, Status: statusEnded,
	})

	if h.isTrackedLocked(sess.UserID, sess.ID) {
		h.notify(sess.UserID, sess.Name, "Session ended")
		delete(h.tracked[sess.UserID], sess.ID)
	}

	delete(h.sessions, sess.ID)
	for _, c := range h.conns {
		delete(c.subs, sess.ID)
	}
	h.broadcastSessionsLocked(sess.UserID)
	log.Printf("[relay] session %s ended", sess.ID)
}

func (h *Hub) isTrackedLocked(userID uint, sessionID string) bool {
	set, ok := h.tracked[userID]
	if !ok {
		return false
	}
	_, tracked := set[sessionID]
	return tracked
}

// sessionsListLocked snapshots the user's sessions for a sessions_list
// frame.
func (h *Hub) sessionsListLocked(userID uint) []SessionInfo {
	out := make([]SessionInfo, 0, 4)
	for _, sess := range h.sessions {
		if sess.UserID != userID {
			continue
		}
		out = append(out, SessionInfo{
			ID: sess.ID, Name: sess.Name, Cwd: sess.Cwd, Status: sess.Status,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// broadcastSessionsLocked sends the authoritative snapshot to every
// viewer of the user.
func (h *Hub) broadcastSessionsLocked(userID uint) {
	list := h.sessionsListLocked(userID)
	for _, c := range h.conns {
		if c.kind == database.DeviceKindViewer && c.userID == userID {
			h.enqueue(c, Message{Type: MsgSessionsList, Sessions: list})
		}
	}
}

// notify dispatches a push without holding up the hub; lookup and
// delivery failures are logged and forgotten.
func (h *Hub) notify(userID uint, title, body string) {
	if h.push == nil {
		return
	}
	go func() {
		tokens, err := database.GetUserPushTokens(userID)
		if err != nil {
			log.Printf("[push] tokens for user %d: %v", userID, err)
			return
		}
		if len(tokens) == 0 {
			return
		}
		if err := h.push.Send(context.Background(), tokens, title, body); err != nil {
			log.Printf("[push] send to user %d: %v", userID, err)
		}
	}()
}

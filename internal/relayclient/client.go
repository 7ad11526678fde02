package relayclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/coder/websocket"

	"github.com/clharman/afkbot/internal/logging"
	"github.com/clharman/afkbot/internal/relay"
	"github.com/clharman/afkbot/internal/sessionmgr"
)

// ErrAuthRejected means the relay refused the stored credential.
// Retrying will not help; the device needs to pair again.
var ErrAuthRejected = errors.New("relay rejected credential")

// Reconnection backoff configuration. Package-level vars so tests can
// override.
var (
	reconnectInitialBackoff = 1 * time.Second
	reconnectMaxAttempts    = 10
)

const (
	dialTimeout = 10 * time.Second
	readLimit   = 1024 * 1024

	outboxSize = 512
)

// Client bridges the local session manager to the relay: session events
// flow out as frames, inbound send_input frames are handed to the
// manager. Register it with Manager.Subscribe and run Run in its own
// goroutine.
type Client struct {
	url   string
	token string
	mgr   *sessionmgr.Manager

	outbox chan relay.Message
}

func New(relayURL, token string, mgr *sessionmgr.Manager) *Client {
	return &Client{
		url:    endpointURL(relayURL),
		token:  token,
		mgr:    mgr,
		outbox: make(chan relay.Message, outboxSize),
	}
}

// endpointURL turns the configured relay base URL into the workstation
// websocket endpoint.
func endpointURL(base string) string {
	u := strings.TrimRight(base, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws/workstation"
}

// OnSessionStart announces a new session to the relay.
func (c *Client) OnSessionStart(s *sessionmgr.Session) {
	c.send(relay.Message{
		Type: relay.MsgSessionStart, SessionID: s.ID, Name: s.Name(), Cwd: s.Cwd,
	})
}

// OnEvent translates one session manager event into its relay frame.
func (c *Client) OnEvent(s *sessionmgr.Session, ev sessionmgr.Event) {
	switch ev.Type {
	case sessionmgr.EventSlug:
		c.send(relay.Message{Type: relay.MsgSessionUpdate, SessionID: ev.SessionID, Name: ev.Slug})
	case sessionmgr.EventTaskList:
		c.send(relay.Message{Type: relay.MsgSessionTodos, SessionID: ev.SessionID, Todos: ev.Todos})
	case sessionmgr.EventMessage:
		c.send(relay.Message{Type: relay.MsgSessionMessage, SessionID: ev.SessionID, Role: ev.Role, Content: ev.Text})
	case sessionmgr.EventStatus:
		c.send(relay.Message{Type: relay.MsgSessionStatus, SessionID: ev.SessionID, Status: ev.Status})
	case sessionmgr.EventToolCall:
		c.send(relay.Message{Type: relay.MsgSessionMessage, SessionID: ev.SessionID, Role: "tool", Content: formatToolCall(ev)})
	case sessionmgr.EventToolResult:
		c.send(relay.Message{Type: relay.MsgSessionMessage, SessionID: ev.SessionID, Role: "tool", Content: formatToolResult(ev)})
	}
	// Mode changes stay local; the relay protocol has no frame for them.
}

// OnSessionEnd reports the end of a session.
func (c *Client) OnSessionEnd(s *sessionmgr.Session) {
	c.send(relay.Message{Type: relay.MsgSessionEnd, SessionID: s.ID})
}

// send queues a frame without blocking the tailer. A full outbox drops
// the frame; the relay replays from its own buffers, not ours.
func (c *Client) send(msg relay.Message) {
	select {
	case c.outbox <- msg:
	default:
		logging.Debugf("[client] outbox full, dropping %s frame for %s", msg.Type, msg.SessionID)
	}
}

// Run keeps a relay connection alive until ctx is cancelled, the
// credential is rejected, or the attempt budget is spent. Each
// successful connection resets the budget.
func (c *Client) Run(ctx context.Context) error {
	backoff := reconnectInitialBackoff
	attempts := 0
	for {
		authed, err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrAuthRejected) {
			return err
		}
		if authed {
			attempts = 0
			backoff = reconnectInitialBackoff
		}
		attempts++
		if attempts >= reconnectMaxAttempts {
			return fmt.Errorf("relay connection failed after %d attempts: %w", attempts, err)
		}
		log.Printf("[client] relay connection lost (attempt %d/%d): %v; retrying in %s",
			attempts, reconnectMaxAttempts, err, backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

// runOnce dials, authenticates, re-announces live sessions, and pumps
// frames until the connection dies. The bool reports whether auth
// completed, which is what resets the retry budget.
func (c *Client) runOnce(ctx context.Context) (bool, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	conn, _, err := websocket.Dial(dialCtx, c.url, nil)
	cancel()
	if err != nil {
		return false, err
	}
	defer conn.CloseNow()
	conn.SetReadLimit(readLimit)

	if err := writeFrame(ctx, conn, relay.Message{Type: relay.MsgAuth, Token: c.token}); err != nil {
		return false, err
	}
	authCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	resp, err := readFrame(authCtx, conn)
	cancel()
	if err != nil {
		return false, err
	}
	if resp.Type != relay.MsgAuthOK {
		return false, fmt.Errorf("%w: %s", ErrAuthRejected, resp.Message)
	}
	log.Printf("[client] connected to relay")

	// The relay forgot everything when we dropped; announce every live
	// session with its current name, status and last task list before
	// pumping events.
	for _, s := range c.mgr.List() {
		if err := writeFrame(ctx, conn, relay.Message{
			Type: relay.MsgSessionStart, SessionID: s.ID, Name: s.Name(), Cwd: s.Cwd,
		}); err != nil {
			return true, err
		}
		if err := writeFrame(ctx, conn, relay.Message{
			Type: relay.MsgSessionStatus, SessionID: s.ID, Status: s.Status(),
		}); err != nil {
			return true, err
		}
		if todos := s.Todos(); len(todos) > 0 {
			if err := writeFrame(ctx, conn, relay.Message{
				Type: relay.MsgSessionTodos, SessionID: s.ID, Todos: todos,
			}); err != nil {
				return true, err
			}
		}
	}

	relayCtx, relayCancel := context.WithCancel(ctx)
	defer relayCancel()

	// Outbox → relay.
	go func() {
		defer relayCancel()
		for {
			select {
			case <-relayCtx.Done():
				return
			case msg := <-c.outbox:
				if err := writeFrame(relayCtx, conn, msg); err != nil {
					return
				}
			}
		}
	}()

	// Relay → session manager.
	for {
		_, data, err := conn.Read(relayCtx)
		if err != nil {
			return true, err
		}
		var msg relay.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("[client] invalid frame from relay: %v", err)
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg relay.Message) {
	switch msg.Type {
	case relay.MsgSendInput:
		if !c.mgr.SendInput(msg.SessionID, msg.Text) {
			log.Printf("[client] dropping input for unknown session %s", msg.SessionID)
		}
	case relay.MsgError:
		log.Printf("[client] relay error: %s", msg.Message)
	default:
		logging.Debugf("[client] ignoring %s frame from relay", msg.Type)
	}
}

func formatToolCall(ev sessionmgr.Event) string {
	if len(ev.ToolInput) == 0 {
		return ev.ToolName
	}
	return ev.ToolName + " " + truncate(string(ev.ToolInput), 200)
}

func formatToolResult(ev sessionmgr.Event) string {
	text := truncate(ev.Text, 500)
	if ev.IsError {
		return "error: " + text
	}
	return text
}

// truncate cuts s to at most maxLen bytes without splitting a UTF-8
// sequence.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	if cut == 0 {
		cut = maxLen
	}
	return s[:cut]
}

func writeFrame(ctx context.Context, conn *websocket.Conn, msg relay.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func readFrame(ctx context.Context, conn *websocket.Conn) (relay.Message, error) {
	var msg relay.Message
	_, data, err := conn.Read(ctx)
	if err != nil {
		return msg, err
	}
	err = json.Unmarshal(data, &msg)
	return msg, err
}

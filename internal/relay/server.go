package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/clharman/afkbot/internal/auth"
	"github.com/clharman/afkbot/internal/database"
)

// ErrNotAuthenticated is returned when a socket's first frame is not a
// valid auth frame.
var ErrNotAuthenticated = errors.New("not authenticated")

const (
	authTimeout = 10 * time.Second

	readLimit = 1024 * 1024
)

// ServeWorkstation upgrades and runs a workstation socket.
func (h *Hub) ServeWorkstation(w http.ResponseWriter, r *http.Request) {
	h.serveWS(w, r, database.DeviceKindWorkstation)
}

// ServeViewer upgrades and runs a viewer socket.
func (h *Hub) ServeViewer(w http.ResponseWriter, r *http.Request) {
	h.serveWS(w, r, database.DeviceKindViewer)
}

func (h *Hub) serveWS(w http.ResponseWriter, r *http.Request, kind string) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[relay] failed to accept websocket: %v", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(readLimit)

	ctx := r.Context()

	device, user, err := h.authenticate(ctx, conn, kind)
	if err != nil {
		log.Printf("[relay] %s auth failed: %v", kind, err)
		return
	}

	relayCtx, relayCancel := context.WithCancel(ctx)
	defer relayCancel()

	c := &connection{
		id:       uuid.New().String(),
		kind:     kind,
		userID:   user.ID,
		deviceID: device.ID,
		send:     make(chan Message, sendQueueSize),
		cancel:   relayCancel,
		subs:     make(map[string]struct{}),
	}
	h.addConnection(c)
	defer h.removeConnection(c)

	if err := writeFrame(ctx, conn, Message{Type: MsgAuthOK}); err != nil {
		return
	}

	// Writer pump. Everything the hub emits for this connection flows
	// through the send channel so hub dispatch never blocks on the
	// network.
	go func() {
		defer relayCancel()
		for {
			select {
			case <-relayCtx.Done():
				return
			case msg := <-c.send:
				if err := writeFrame(relayCtx, conn, msg); err != nil {
					return
				}
			}
		}
	}()

	// Reader pump.
	for {
		_, data, err := conn.Read(relayCtx)
		if err != nil {
			break
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("[relay] invalid JSON from %s: %v", kind, err)
			continue
		}
		if kind == database.DeviceKindWorkstation {
			h.HandleWorkstation(c, msg)
		} else {
			h.HandleViewer(c, msg)
		}
	}

	conn.Close(websocket.StatusNormalClosure, "")
}

// authenticate reads the first frame, verifies the credential, and
// checks the device kind matches the endpoint. Nothing else is accepted
// before auth.
func (h *Hub) authenticate(ctx context.Context, conn *websocket.Conn, kind string) (*database.Device, *database.User, error) {
	authCtx, cancel := context.WithTimeout(ctx, authTimeout)
	defer cancel()

	_, data, err := conn.Read(authCtx)
	if err != nil {
		conn.Close(4401, "auth timeout")
		return nil, nil, ErrNotAuthenticated
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type != MsgAuth {
		writeFrame(authCtx, conn, Message{Type: MsgAuthError, Message: "expected auth frame"})
		conn.Close(4401, "expected auth frame")
		return nil, nil, ErrNotAuthenticated
	}

	device, user, err := auth.VerifyCredential(msg.Token)
	if err != nil {
		writeFrame(authCtx, conn, Message{Type: MsgAuthError, Message: "invalid credentials"})
		conn.Close(4401, "invalid credentials")
		return nil, nil, ErrNotAuthenticated
	}
	if device.Kind != kind {
		writeFrame(authCtx, conn, Message{Type: MsgAuthError, Message: "wrong endpoint for device kind"})
		conn.Close(4401, "wrong endpoint for device kind")
		return nil, nil, ErrNotAuthenticated
	}
	return device, user, nil
}

func writeFrame(ctx context.Context, conn *websocket.Conn, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/clharman/afkbot/internal/auth"
	"github.com/clharman/afkbot/internal/database"
)

type pushCall struct {
	tokens []string
	title  string
	body   string
}

type fakePush struct {
	mu    sync.Mutex
	calls []pushCall
}

func (f *fakePush) Send(ctx context.Context, tokens []database.PushToken, title, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := pushCall{title: title, body: body}
	for _, t := range tokens {
		call.tokens = append(call.tokens, t.Token)
	}
	f.calls = append(f.calls, call)
	return nil
}

func (f *fakePush) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakePush) last() pushCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return pushCall{}
	}
	return f.calls[len(f.calls)-1]
}

func setupRelay(t *testing.T) (*httptest.Server, *fakePush) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "relay-test.db")
	if err := database.Init(dbPath); err != nil {
		t.Fatalf("init test database: %v", err)
	}

	push := &fakePush{}
	hub := NewHub(push)
	pairing := NewPairingStore()
	api := NewAPI(hub, pairing)

	r := chi.NewRouter()
	r.Get("/health", api.Health)
	r.Get("/ws/workstation", hub.ServeWorkstation)
	r.Get("/ws/viewer", hub.ServeViewer)
	r.Post("/pair", api.CreatePairing)
	r.Get("/pair/{code}", api.PollPairing)
	r.Post("/pair/verify", api.VerifyPairing)
	r.Post("/devices", api.CreateDevice)

	ts := httptest.NewServer(r)
	t.Cleanup(func() {
		ts.Close()
		database.Close()
	})
	return ts, push
}

func mustUser(t *testing.T, email string) *database.User {
	t.Helper()
	u := &database.User{Email: email}
	if err := database.CreateUser(u); err != nil {
		t.Fatalf("create user: %v", err)
	}
	return u
}

func mustCredential(t *testing.T, userID uint, kind string) string {
	t.Helper()
	_, raw, err := auth.IssueDevice(userID, kind, kind)
	if err != nil {
		t.Fatalf("issue %s device: %v", kind, err)
	}
	return raw
}

func dialRaw(t *testing.T, ts *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + path
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

// dialWS connects and completes the first-frame auth exchange.
func dialWS(t *testing.T, ts *httptest.Server, path, token string) *websocket.Conn {
	t.Helper()
	conn := dialRaw(t, ts, path)
	sendFrame(t, conn, Message{Type: MsgAuth, Token: token})
	resp := readFrame(t, conn)
	if resp.Type != MsgAuthOK {
		t.Fatalf("expected auth_ok on %s, got %s (%s)", path, resp.Type, resp.Message)
	}
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, msg Message) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode frame %q: %v", data, err)
	}
	return msg
}

// waitForSession polls list_sessions until the hub reports the session.
// Doubles as an ordering barrier: once it returns, every earlier frame
// from this viewer has been handled.
func waitForSession(t *testing.T, conn *websocket.Conn, sessionID string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		sendFrame(t, conn, Message{Type: MsgListSessions})
		msg := readFrame(t, conn)
		if msg.Type != MsgSessionsList {
			continue
		}
		for _, s := range msg.Sessions {
			if s.ID == sessionID {
				return
			}
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("session %s never appeared in sessions_list", sessionID)
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func httpGet(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func httpPost(t *testing.T, url, bearer string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

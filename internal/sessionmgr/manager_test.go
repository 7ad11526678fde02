package sessionmgr

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// recorder collects handler callbacks for assertions.
type recorder struct {
	mu      sync.Mutex
	started []string
	ended   []string
	events  []Event
}

func (r *recorder) OnSessionStart(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, s.ID)
}

func (r *recorder) OnSessionEnd(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended = append(r.ended, s.ID)
}

func (r *recorder) OnEvent(s *Session, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) endedIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ended...)
}

// waitFor polls until cond returns true or the deadline expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return cond()
}

type inputFrame struct {
	frame ipcFrame
	at    time.Time
}

// drainFrames reads input frames from the runner side of a pipe.
func drainFrames(conn net.Conn) (<-chan inputFrame, func()) {
	ch := make(chan inputFrame, 16)
	done := make(chan struct{})
	go func() {
		defer close(ch)
		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			var f ipcFrame
			if err := json.Unmarshal(scanner.Bytes(), &f); err != nil {
				continue
			}
			select {
			case ch <- inputFrame{frame: f, at: time.Now()}:
			case <-done:
				return
			}
		}
	}()
	return ch, func() { close(done) }
}

func TestSendInputFraming(t *testing.T) {
	m := New(0)
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	if _, err := m.Register(Announce{ID: "s1", Name: "claude", ProjectDir: t.TempDir()}, server); err != nil {
		t.Fatalf("register: %v", err)
	}

	frames, stop := drainFrames(client)
	defer stop()

	if !m.SendInput("s1", "run tests") {
		t.Fatal("SendInput returned false for live session")
	}

	first := <-frames
	second := <-frames

	if first.frame.Type != "input" || first.frame.Text != "run tests" {
		t.Errorf("first frame = %+v", first.frame)
	}
	if second.frame.Type != "input" || second.frame.Text != "\r" {
		t.Errorf("second frame = %+v", second.frame)
	}
	if gap := second.at.Sub(first.at); gap < 30*time.Millisecond {
		t.Errorf("carriage return arrived %v after text, want ~50ms", gap)
	}
}

func TestSendInputUnknownSession(t *testing.T) {
	m := New(0)
	if m.SendInput("nope", "hello") {
		t.Error("SendInput must return false for unknown session")
	}
}

func TestSendInputWriteFailureEndsSession(t *testing.T) {
	m := New(0)
	rec := &recorder{}
	m.Subscribe(rec)

	server, client := net.Pipe()
	defer server.Close()

	if _, err := m.Register(Announce{ID: "s1", Name: "claude", ProjectDir: t.TempDir()}, server); err != nil {
		t.Fatalf("register: %v", err)
	}

	client.Close()
	if m.SendInput("s1", "doomed") {
		t.Error("SendInput must fail after runner connection closed")
	}

	if !waitFor(t, time.Second, func() bool { return len(rec.endedIDs()) == 1 }) {
		t.Fatal("write failure did not end the session")
	}
	if m.Get("s1") != nil {
		t.Error("ended session still listed")
	}
}

func TestRegisterDuplicateID(t *testing.T) {
	m := New(0)
	if _, err := m.Register(Announce{ID: "dup", ProjectDir: t.TempDir()}, nil); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if _, err := m.Register(Announce{ID: "dup", ProjectDir: t.TempDir()}, nil); err == nil {
		t.Error("duplicate id accepted")
	}
}

func TestEndReleasesClaimAndIsIdempotent(t *testing.T) {
	m := New(0)
	rec := &recorder{}
	m.Subscribe(rec)

	s, err := m.Register(Announce{ID: "s1", ProjectDir: t.TempDir()}, nil)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	path := filepath.Join(s.ProjectDir, "x.jsonl")
	if !m.claim(path, s.ID) {
		t.Fatal("claim failed")
	}
	s.mu.Lock()
	s.claimed = path
	s.mu.Unlock()

	m.End("s1")
	m.End("s1")

	if m.isClaimed(path) {
		t.Error("claim not released on end")
	}
	if got := len(rec.endedIDs()); got != 1 {
		t.Errorf("session-end emitted %d times, want 1", got)
	}
	if len(m.List()) != 0 {
		t.Error("ended session still in list")
	}
}

func TestSocketAnnounceAndEnd(t *testing.T) {
	m := New(0)
	rec := &recorder{}
	m.Subscribe(rec)

	socketPath := filepath.Join(t.TempDir(), "afkbot.sock")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go m.Listen(ctx, socketPath)

	var conn net.Conn
	if !waitFor(t, 2*time.Second, func() bool {
		c, err := net.Dial("unix", socketPath)
		if err != nil {
			return false
		}
		conn = c
		return true
	}) {
		t.Fatal("socket never came up")
	}
	defer conn.Close()

	announce := ipcFrame{
		Type:       "session_start",
		ID:         "sock1",
		Name:       "claude",
		Cwd:        "/tmp",
		ProjectDir: t.TempDir(),
		Command:    []string{"claude"},
	}
	enc := json.NewEncoder(conn)
	if err := enc.Encode(announce); err != nil {
		t.Fatalf("send announce: %v", err)
	}

	if !waitFor(t, 2*time.Second, func() bool { return m.Get("sock1") != nil }) {
		t.Fatal("announced session never registered")
	}
	if got := m.Get("sock1").Name(); got != "claude" {
		t.Errorf("name = %q", got)
	}

	if err := enc.Encode(ipcFrame{Type: "session_end", SessionID: "sock1"}); err != nil {
		t.Fatalf("send end: %v", err)
	}
	if !waitFor(t, 2*time.Second, func() bool { return m.Get("sock1") == nil }) {
		t.Fatal("session_end did not terminate the session")
	}
}

func TestSocketDisconnectEndsOwnedSessions(t *testing.T) {
	m := New(0)
	rec := &recorder{}
	m.Subscribe(rec)

	socketPath := filepath.Join(t.TempDir(), "afkbot.sock")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Listen(ctx, socketPath)

	var conn net.Conn
	if !waitFor(t, 2*time.Second, func() bool {
		c, err := net.Dial("unix", socketPath)
		if err != nil {
			return false
		}
		conn = c
		return true
	}) {
		t.Fatal("socket never came up")
	}

	enc := json.NewEncoder(conn)
	enc.Encode(ipcFrame{Type: "session_start", ID: "a", ProjectDir: t.TempDir()})
	enc.Encode(ipcFrame{Type: "session_start", ID: "b", ProjectDir: t.TempDir()})

	if !waitFor(t, 2*time.Second, func() bool { return len(m.List()) == 2 }) {
		t.Fatal("sessions never registered")
	}

	conn.Close()

	if !waitFor(t, 2*time.Second, func() bool { return len(m.List()) == 0 }) {
		t.Fatal("runner disconnect did not end its sessions")
	}
	if got := len(rec.endedIDs()); got != 2 {
		t.Errorf("ended callbacks = %d, want 2", got)
	}
}

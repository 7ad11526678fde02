package sessionmgr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/clharman/afkbot/internal/transcript"
	"github.com/google/uuid"
)

// Session state machine. waiting-for-file → tailing on claim; ended is
// absorbing.
const (
	stateWaiting = "waiting-for-file"
	stateTailing = "tailing"
	stateEnded   = "ended"
)

// inputSettleDelay separates the input text from the synthetic carriage
// return so the terminal registers them as two writes.
const inputSettleDelay = 50 * time.Millisecond

var ErrSessionNotFound = errors.New("session not found")

// Announce is the runner's registration payload.
type Announce struct {
	ID         string
	Name       string
	Cwd        string
	ProjectDir string
	Command    []string
}

// Session is one live AI-coding session owned by a runner connection.
type Session struct {
	ID         string
	Cwd        string
	ProjectDir string
	StartedAt  time.Time

	conn net.Conn

	// inputMu keeps a text+return pair contiguous on the runner
	// socket when inputs arrive from several surfaces at once.
	inputMu sync.Mutex

	mu        sync.Mutex
	name      string
	status    string
	state     string
	claimed   string
	snapshot  map[string]time.Time
	seen      map[string]struct{}
	slugSeen  bool
	todosHash string
	todos     []transcript.TodoItem
	planning  bool
	planKnown bool
	lastRole  string
	lastSeen  time.Time

	cancel context.CancelFunc
}

// Name returns the display name: the spawn command until a transcript
// slug replaces it.
func (s *Session) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// Status returns running, idle or ended.
func (s *Session) Status() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Todos returns the last task list seen in the transcript, or nil.
func (s *Session) Todos() []transcript.TodoItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.todos) == 0 {
		return nil
	}
	return append([]transcript.TodoItem(nil), s.todos...)
}

func (s *Session) ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateEnded
}

// Manager owns session registration, transcript discovery and tailing,
// and the input path back to runners.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	// claimMu guards the process-wide transcript claim set. No two
	// live sessions may tail the same file.
	claimMu sync.Mutex
	claimed map[string]string

	handlerMu sync.RWMutex
	handlers  []Handler

	// IdleAfter is how long a running session may sit without new
	// transcript records before it is reported idle. Zero disables
	// idle detection.
	IdleAfter time.Duration
}

func New(idleAfter time.Duration) *Manager {
	return &Manager{
		sessions:  make(map[string]*Session),
		claimed:   make(map[string]string),
		IdleAfter: idleAfter,
	}
}

// Subscribe registers a handler for session callbacks. Subscribing
// after sessions exist delivers only future events.
func (m *Manager) Subscribe(h Handler) {
	m.handlerMu.Lock()
	m.handlers = append(m.handlers, h)
	m.handlerMu.Unlock()
}

func (m *Manager) snapshot() []Handler {
	m.handlerMu.RLock()
	defer m.handlerMu.RUnlock()
	return append([]Handler(nil), m.handlers...)
}

func (m *Manager) emit(s *Session, ev Event) {
	if s.ended() {
		return
	}
	ev.SessionID = s.ID
	for _, h := range m.snapshot() {
		h.OnEvent(s, ev)
	}
}

// Register records a session announced by a runner, snapshots the
// project directory, and starts the tailer.
func (m *Manager) Register(ann Announce, conn net.Conn) (*Session, error) {
	if ann.ID == "" {
		ann.ID = uuid.NewString()
	}

	m.mu.Lock()
	if _, exists := m.sessions[ann.ID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("session %q already registered", ann.ID)
	}

	name := ann.Name
	if name == "" && len(ann.Command) > 0 {
		name = ann.Command[0]
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:         ann.ID,
		Cwd:        ann.Cwd,
		ProjectDir: ann.ProjectDir,
		StartedAt:  time.Now(),
		conn:       conn,
		name:       name,
		status:     StatusRunning,
		state:      stateWaiting,
		snapshot:   snapshotDir(ann.ProjectDir),
		seen:       make(map[string]struct{}),
		lastSeen:   time.Now(),
		cancel:     cancel,
	}
	m.sessions[s.ID] = s
	m.mu.Unlock()

	log.Printf("[sessionmgr] registered session %s (%s) in %s", s.ID, name, ann.Cwd)

	for _, h := range m.snapshot() {
		h.OnSessionStart(s)
	}

	go m.runTailer(ctx, s)
	return s, nil
}

// SendInput writes the text to the runner, then the carriage return
// after the settle delay. A failed write tears the session down.
func (m *Manager) SendInput(id, text string) bool {
	s := m.Get(id)
	if s == nil || s.ended() {
		return false
	}

	s.inputMu.Lock()
	defer s.inputMu.Unlock()

	if err := s.writeInput(text); err != nil {
		log.Printf("[sessionmgr] input write failed for %s: %v", id, err)
		m.End(id)
		return false
	}
	time.Sleep(inputSettleDelay)
	if err := s.writeInput("\r"); err != nil {
		log.Printf("[sessionmgr] return write failed for %s: %v", id, err)
		m.End(id)
		return false
	}
	return true
}

func (s *Session) writeInput(text string) error {
	if s.conn == nil {
		return errors.New("no runner connection")
	}
	frame, err := json.Marshal(map[string]string{"type": "input", "text": text})
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.conn.Write(append(frame, '\n'))
	return err
}

// End terminates the session: stop the tailer, release the transcript
// claim, drop state, notify handlers. Idempotent.
func (m *Manager) End(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	alreadyEnded := s.state == stateEnded
	s.state = stateEnded
	s.status = StatusEnded
	claimed := s.claimed
	s.claimed = ""
	s.mu.Unlock()

	s.cancel()
	if claimed != "" {
		m.release(claimed)
	}
	if alreadyEnded {
		return
	}

	log.Printf("[sessionmgr] session %s ended", id)
	for _, h := range m.snapshot() {
		h.OnSessionEnd(s)
	}
}

// EndAllForConn ends every session owned by a runner connection. Called
// when the rendezvous socket connection drops.
func (m *Manager) EndAllForConn(conn net.Conn) {
	m.mu.RLock()
	var ids []string
	for id, s := range m.sessions {
		if s.conn == conn {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.End(id)
	}
}

// Get returns a session by id, or nil.
func (m *Manager) Get(id string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[id]
}

// List returns all live sessions ordered by start time.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// setStatus applies an edge-triggered status change. Transitions are
// monotone once ended.
func (m *Manager) setStatus(s *Session, status string) {
	s.mu.Lock()
	if s.status == status || s.state == stateEnded {
		s.mu.Unlock()
		return
	}
	s.status = status
	s.mu.Unlock()

	m.emit(s, Event{Type: EventStatus, Status: status})
}

package sessionmgr

import (
	"bytes"
	"context"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/clharman/afkbot/internal/logging"
	"github.com/clharman/afkbot/internal/transcript"
	"github.com/fsnotify/fsnotify"
)

// runTailer owns one session's discovery and tailing loop. It wakes on
// filesystem notifications for the project directory and on a 1-second
// poll; the poll doubles as recovery for lost notifications.
func (m *Manager) runTailer(ctx context.Context, s *Session) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("[tailer] %s: watcher unavailable, polling only: %v", s.ID, err)
	} else {
		defer watcher.Close()
		os.MkdirAll(s.ProjectDir, 0755)
		if err := watcher.Add(s.ProjectDir); err != nil {
			log.Printf("[tailer] %s: watch %s: %v", s.ID, s.ProjectDir, err)
		}
	}

	var events chan fsnotify.Event
	var errs chan error
	if watcher != nil {
		events = watcher.Events
		errs = watcher.Errors
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if m.wantsWake(s, ev) {
				m.wake(s)
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			log.Printf("[tailer] %s: watch error: %v", s.ID, err)
		case <-ticker.C:
			m.wake(s)
		}
	}
}

// wantsWake filters notifications: while waiting any transcript churn
// in the directory matters, once tailing only the claimed file does.
func (m *Manager) wantsWake(s *Session, ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
		return false
	}
	name := filepath.Base(ev.Name)
	if !transcript.IsTranscriptName(name) {
		return false
	}
	s.mu.Lock()
	claimed := s.claimed
	s.mu.Unlock()
	if claimed == "" {
		return true
	}
	return filepath.Base(claimed) == name
}

func (m *Manager) wake(s *Session) {
	if s.ended() {
		return
	}

	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	if state == stateWaiting {
		path := m.findTranscript(s)
		if path == "" || !m.claim(path, s.ID) {
			return
		}
		s.mu.Lock()
		s.claimed = path
		s.state = stateTailing
		s.mu.Unlock()
		log.Printf("[tailer] %s: claimed transcript %s", s.ID, path)
	}

	m.readTranscript(s)
	m.checkIdle(s)
}

// readTranscript re-reads the claimed file in full and processes every
// record not seen before, in file order.
func (m *Manager) readTranscript(s *Session) {
	s.mu.Lock()
	path := s.claimed
	s.mu.Unlock()
	if path == "" {
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[tailer] %s: read %s: %v", s.ID, path, err)
		return
	}

	fresh := false
	for _, line := range bytes.Split(data, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		hash := transcript.Hash(line)

		s.mu.Lock()
		if _, dup := s.seen[hash]; dup {
			s.mu.Unlock()
			continue
		}
		s.seen[hash] = struct{}{}
		s.mu.Unlock()

		fresh = true
		m.processRecord(s, line)
	}

	if fresh {
		s.mu.Lock()
		s.lastSeen = time.Now()
		wasIdle := s.status == StatusIdle
		s.mu.Unlock()
		if wasIdle {
			m.setStatus(s, StatusRunning)
		}
	}
}

// processRecord applies the per-record pipeline: slug, task list, plan
// mode, tool activity, then the conversational message itself. Parse
// failures skip the record and never stop the tailer.
func (m *Manager) processRecord(s *Session, raw []byte) {
	rec, err := transcript.Parse(raw)
	if err != nil {
		logging.Debugf("[tailer] %s: skip malformed record: %v", s.ID, err)
		return
	}

	if rec.Slug != "" {
		s.mu.Lock()
		first := !s.slugSeen
		if first {
			s.slugSeen = true
			s.name = rec.Slug
		}
		s.mu.Unlock()
		if first {
			m.emit(s, Event{Type: EventSlug, Slug: rec.Slug})
		}
	}

	if len(rec.Todos) > 0 {
		h := transcript.TodosHash(rec.Todos)
		s.mu.Lock()
		changed := h != s.todosHash
		s.todosHash = h
		s.todos = rec.Todos
		s.mu.Unlock()
		if changed {
			m.emit(s, Event{Type: EventTaskList, Todos: rec.Todos})
		}
	}

	if planning, ok := rec.PlanMode(); ok {
		s.mu.Lock()
		changed := !s.planKnown || s.planning != planning
		s.planKnown = true
		s.planning = planning
		s.mu.Unlock()
		if changed {
			mode := ModeExecuting
			if planning {
				mode = ModePlanning
			}
			m.emit(s, Event{Type: EventModeChange, Mode: mode})
		}
	}

	ts, hasTime := rec.Time()
	preStart := hasTime && ts.Before(s.StartedAt)

	if !preStart {
		if rec.Type == "assistant" && rec.Message != nil {
			for _, b := range rec.Message.Blocks() {
				if b.Type == "tool_use" {
					m.emit(s, Event{
						Type:      EventToolCall,
						ToolID:    b.ID,
						ToolName:  b.Name,
						ToolInput: b.Input,
					})
				}
			}
		}
		if rec.Type == "user" && rec.Message != nil {
			for _, b := range rec.Message.Blocks() {
				if b.Type == "tool_result" {
					m.emit(s, Event{
						Type:    EventToolResult,
						ToolID:  b.ToolUseID,
						Text:    b.ResultText(),
						IsError: b.IsError,
					})
				}
			}
		}
	}

	if rec.IsConversational() {
		text := rec.Text()
		if text == "" || preStart {
			return
		}
		if !hasTime {
			ts = time.Now()
		}
		s.mu.Lock()
		s.lastRole = rec.Message.Role
		s.mu.Unlock()
		m.emit(s, Event{
			Type:      EventMessage,
			Role:      rec.Message.Role,
			Text:      text,
			Timestamp: ts,
		})
	}
}

// checkIdle flags a running session as idle once no new records have
// arrived for the configured window and the assistant spoke last.
func (m *Manager) checkIdle(s *Session) {
	if m.IdleAfter <= 0 {
		return
	}
	s.mu.Lock()
	shouldIdle := s.status == StatusRunning &&
		s.lastRole == "assistant" &&
		time.Since(s.lastSeen) >= m.IdleAfter
	s.mu.Unlock()
	if shouldIdle {
		m.setStatus(s, StatusIdle)
	}
}

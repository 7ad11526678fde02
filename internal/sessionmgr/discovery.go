package sessionmgr

import (
	"os"
	"path/filepath"
	"time"

	"github.com/clharman/afkbot/internal/transcript"
)

// snapshotDir records the transcripts already present at registration
// with their modification times. Discovery treats these as stale unless
// they are modified past the recorded mtime.
func snapshotDir(projectDir string) map[string]time.Time {
	snap := make(map[string]time.Time)
	entries, err := os.ReadDir(projectDir)
	if err != nil {
		return snap
	}
	for _, e := range entries {
		if e.IsDir() || !transcript.IsTranscriptName(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		snap[e.Name()] = info.ModTime()
	}
	return snap
}

// claim reserves a transcript path for a session. Returns false when
// another live session already holds it.
func (m *Manager) claim(path, sessionID string) bool {
	m.claimMu.Lock()
	defer m.claimMu.Unlock()
	if _, taken := m.claimed[path]; taken {
		return false
	}
	m.claimed[path] = sessionID
	return true
}

func (m *Manager) release(path string) {
	m.claimMu.Lock()
	delete(m.claimed, path)
	m.claimMu.Unlock()
}

func (m *Manager) isClaimed(path string) bool {
	m.claimMu.Lock()
	defer m.claimMu.Unlock()
	_, taken := m.claimed[path]
	return taken
}

type candidate struct {
	path  string
	mtime time.Time
}

// findTranscript applies the two-phase discovery rule: prefer a
// pre-existing file modified past its snapshot mtime (resumed session),
// then a file that appeared after registration. Both phases require at
// least one conversation record and skip files claimed elsewhere.
// Returns "" while no file qualifies.
func (m *Manager) findTranscript(s *Session) string {
	entries, err := os.ReadDir(s.ProjectDir)
	if err != nil {
		return ""
	}

	var resumed, fresh []candidate
	for _, e := range entries {
		if e.IsDir() || !transcript.IsTranscriptName(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		path := filepath.Join(s.ProjectDir, e.Name())
		if m.isClaimed(path) {
			continue
		}

		snapMtime, existed := s.snapshot[e.Name()]
		c := candidate{path: path, mtime: info.ModTime()}
		if existed {
			if info.ModTime().After(snapMtime) {
				resumed = append(resumed, c)
			}
		} else {
			fresh = append(fresh, c)
		}
	}

	if path := pickNewest(resumed); path != "" {
		return path
	}
	return pickNewest(fresh)
}

func pickNewest(cands []candidate) string {
	best := ""
	var bestMtime time.Time
	for _, c := range cands {
		if !transcript.FileHasConversation(c.path) {
			continue
		}
		if best == "" || c.mtime.After(bestMtime) {
			best = c.path
			bestMtime = c.mtime
		}
	}
	return best
}

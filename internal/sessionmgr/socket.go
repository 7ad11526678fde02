package sessionmgr

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
)

const socketPermissions = 0600

// maxFrameSize bounds one IPC line; announce payloads are tiny but
// input text can carry pasted content.
const maxFrameSize = 1 << 20

// ipcFrame is the line-framed JSON envelope both directions of the
// runner socket speak.
type ipcFrame struct {
	Type       string   `json:"type"`
	ID         string   `json:"id,omitempty"`
	SessionID  string   `json:"sessionId,omitempty"`
	Name       string   `json:"name,omitempty"`
	Cwd        string   `json:"cwd,omitempty"`
	ProjectDir string   `json:"projectDir,omitempty"`
	Command    []string `json:"command,omitempty"`
	Text       string   `json:"text,omitempty"`
}

// Listen opens the local rendezvous socket and serves runner
// connections until ctx is cancelled. Blocks.
func (m *Manager) Listen(ctx context.Context, socketPath string) error {
	listener, err := setupSocket(socketPath)
	if err != nil {
		return err
	}
	defer listener.Close()
	defer os.Remove(socketPath)

	log.Printf("[sessionmgr] listening on %s", socketPath)

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("accept: %w", err)
			}
		}
		go m.handleRunnerConn(conn)
	}
}

func setupSocket(path string) (net.Listener, error) {
	if _, err := os.Stat(path); err == nil {
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create socket directory: %w", err)
	}
	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", path, err)
	}
	if err := os.Chmod(path, socketPermissions); err != nil {
		listener.Close()
		return nil, fmt.Errorf("set socket permissions: %w", err)
	}
	return listener, nil
}

// handleRunnerConn reads announce and end frames from one runner. When
// the connection drops, every session it owns is ended.
func (m *Manager) handleRunnerConn(conn net.Conn) {
	defer func() {
		m.EndAllForConn(conn)
		conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var frame ipcFrame
		if err := json.Unmarshal(line, &frame); err != nil {
			log.Printf("[sessionmgr] malformed runner frame: %v", err)
			continue
		}

		switch frame.Type {
		case "session_start":
			_, err := m.Register(Announce{
				ID:         frame.ID,
				Name:       frame.Name,
				Cwd:        frame.Cwd,
				ProjectDir: frame.ProjectDir,
				Command:    frame.Command,
			}, conn)
			if err != nil {
				log.Printf("[sessionmgr] register: %v", err)
			}
		case "session_end":
			m.End(frame.SessionID)
		default:
			log.Printf("[sessionmgr] unknown runner frame type %q", frame.Type)
		}
	}
	if err := scanner.Err(); err != nil {
		log.Printf("[sessionmgr] runner connection read: %v", err)
	}
}

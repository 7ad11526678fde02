package app

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/creack/pty"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/clharman/afkbot/internal/config"
)

var runName string

var runCmd = &cobra.Command{
	Use:   "run [flags] -- <command> [args...]",
	Short: "Run a command under a PTY and announce it as a session",
	Long: `Spawns the command under a pseudo-terminal, announces it to the
local session manager, and bridges the terminal. Remote input arriving
through the session manager is typed into the PTY as keystrokes.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCmdFunc,
}

func init() {
	runCmd.Flags().StringVar(&runName, "name", "", "Session name (default: the command)")
}

func runCmdFunc(cmd *cobra.Command, args []string) error {
	ws, err := config.LoadWorkstation(configPath)
	if err != nil {
		return err
	}

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getwd: %w", err)
	}

	name := runName
	if name == "" {
		name = filepath.Base(args[0])
	}
	id := uuid.NewString()
	projectDir := filepath.Join(ws.ProjectsDir, encodeProjectDir(cwd))

	conn, err := net.Dial("unix", ws.SocketPath)
	if err != nil {
		return fmt.Errorf("connect to session manager at %s (is 'afkbot serve' running?): %w",
			ws.SocketPath, err)
	}
	defer conn.Close()

	if err := writeIPC(conn, map[string]interface{}{
		"type":       "session_start",
		"id":         id,
		"name":       name,
		"cwd":        cwd,
		"projectDir": projectDir,
		"command":    args,
	}); err != nil {
		return fmt.Errorf("announce session: %w", err)
	}

	child := exec.Command(args[0], args[1:]...)
	child.Dir = cwd
	ptmx, err := pty.Start(child)
	if err != nil {
		writeIPC(conn, map[string]interface{}{"type": "session_end", "sessionId": id})
		return fmt.Errorf("start %s: %w", args[0], err)
	}
	defer ptmx.Close()

	// Keep the PTY sized like the surrounding terminal.
	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	defer signal.Stop(winch)
	go func() {
		for range winch {
			if err := pty.InheritSize(os.Stdin, ptmx); err != nil {
				log.Printf("[runner] resize: %v", err)
			}
		}
	}()
	winch <- syscall.SIGWINCH

	if term.IsTerminal(int(os.Stdin.Fd())) {
		oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
		if err != nil {
			return fmt.Errorf("raw mode: %w", err)
		}
		defer term.Restore(int(os.Stdin.Fd()), oldState)
	}

	go relayInput(conn, ptmx)
	go io.Copy(ptmx, os.Stdin)
	io.Copy(os.Stdout, ptmx) // returns once the child exits

	err = child.Wait()
	writeIPC(conn, map[string]interface{}{"type": "session_end", "sessionId": id})
	if err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}
	return nil
}

// relayInput types remote input frames into the PTY.
func relayInput(conn net.Conn, ptmx *os.File) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		var f struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}
		if json.Unmarshal(scanner.Bytes(), &f) != nil || f.Type != "input" {
			continue
		}
		if _, err := ptmx.Write([]byte(f.Text)); err != nil {
			return
		}
	}
}

func writeIPC(conn net.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = conn.Write(append(data, '\n'))
	return err
}

// encodeProjectDir maps a working directory to its transcript directory
// name: the absolute path with every non-alphanumeric rune flattened
// to '-', the convention coding agents use under ~/.claude/projects.
func encodeProjectDir(cwd string) string {
	var b strings.Builder
	for _, r := range cwd {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}

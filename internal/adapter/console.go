package adapter

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/clharman/afkbot/internal/sessionmgr"
)

// Console posts the session stream to a writer, normally stdout. It is
// the smallest complete adapter and the template the real chat
// adapters follow.
type Console struct {
	mu  sync.Mutex
	out io.Writer
}

func NewConsole(out io.Writer) *Console {
	if out == nil {
		out = os.Stdout
	}
	return &Console{out: out}
}

func (c *Console) Name() string { return "console" }

func (c *Console) PostBanner(ctx context.Context, sessionID, text string) error {
	return c.printf("== [%s] %s\n", shortID(sessionID), text)
}

func (c *Console) PostMessage(ctx context.Context, sessionID, role, text string) error {
	return c.printf("[%s] %s: %s\n", shortID(sessionID), role, text)
}

func (c *Console) AttachImage(ctx context.Context, sessionID, path string) error {
	return c.printf("[%s] image: %s\n", shortID(sessionID), path)
}

func (c *Console) Rename(ctx context.Context, sessionID, name string) error {
	return c.printf("== [%s] renamed to %s\n", shortID(sessionID), name)
}

func (c *Console) printf(format string, args ...interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintf(c.out, format, args...)
	return err
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// RunInput reads lines from in and forwards each to the most recently
// started session through the binder, so echo suppression applies.
// Returns when in closes or ctx ends.
func RunInput(ctx context.Context, b *Binder, mgr *sessionmgr.Manager, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		sessions := mgr.List()
		if len(sessions) == 0 {
			log.Printf("[adapter] no live session to send input to")
			continue
		}
		target := sessions[len(sessions)-1]
		if err := b.HandleRemote(target.ID, line); err != nil {
			log.Printf("[adapter] %v", err)
		}
	}
	return scanner.Err()
}

package adapter

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/clharman/afkbot/internal/logging"
	"github.com/clharman/afkbot/internal/sessionmgr"
)

// Adapter is the platform-specific half of a chat surface. The Binder
// drives it: lifecycle banners, conversational turns, attachments, and
// channel renames. Implementations talk to one platform and report
// inbound remote text back through Binder.HandleRemote.
type Adapter interface {
	Name() string
	PostBanner(ctx context.Context, sessionID, text string) error
	PostMessage(ctx context.Context, sessionID, role, text string) error
	AttachImage(ctx context.Context, sessionID, path string) error
	Rename(ctx context.Context, sessionID, name string) error
}

const (
	dispatchQueueSize = 256
	defaultChunkLimit = 4000

	// Sustained posting pace across all of an adapter's channels.
	postRate  = 10.0
	postBurst = 5
)

type task struct {
	session *sessionmgr.Session
	ev      sessionmgr.Event
	start   bool
	end     bool
}

// Binder connects one adapter to the session manager. It consumes the
// event stream on its own dispatch queue and applies the shared
// contract: echo suppression for user messages, image attachment scans
// for assistant messages, chunking, and rate limiting.
type Binder struct {
	adapter Adapter
	mgr     *sessionmgr.Manager
	ledger  *Ledger
	bucket  *tokenBucket
	limit   int

	queue chan task

	bindMu  sync.Mutex
	bindAll bool
	bound   map[string]struct{}
}

func NewBinder(a Adapter, mgr *sessionmgr.Manager, chunkLimit int) *Binder {
	if chunkLimit <= 0 {
		chunkLimit = defaultChunkLimit
	}
	return &Binder{
		adapter: a,
		mgr:     mgr,
		ledger:  NewLedger(),
		bucket:  newTokenBucket(postRate, postBurst),
		limit:   chunkLimit,
		queue:   make(chan task, dispatchQueueSize),
		bound:   make(map[string]struct{}),
	}
}

// BindAll attaches the adapter to every current and future session.
func (b *Binder) BindAll() {
	b.bindMu.Lock()
	b.bindAll = true
	b.bindMu.Unlock()
}

// Bind attaches the adapter to one session.
func (b *Binder) Bind(sessionID string) {
	b.bindMu.Lock()
	b.bound[sessionID] = struct{}{}
	b.bindMu.Unlock()
}

func (b *Binder) Unbind(sessionID string) {
	b.bindMu.Lock()
	delete(b.bound, sessionID)
	b.bindMu.Unlock()
}

func (b *Binder) isBound(sessionID string) bool {
	b.bindMu.Lock()
	defer b.bindMu.Unlock()
	if b.bindAll {
		return true
	}
	_, ok := b.bound[sessionID]
	return ok
}

// Ledger exposes the echo-suppression ledger, mainly for tests and
// for adapters that forward input outside HandleRemote.
func (b *Binder) Ledger() *Ledger {
	return b.ledger
}

func (b *Binder) OnSessionStart(s *sessionmgr.Session) {
	if !b.isBound(s.ID) {
		return
	}
	b.enqueue(task{session: s, start: true})
}

func (b *Binder) OnSessionEnd(s *sessionmgr.Session) {
	if !b.isBound(s.ID) {
		return
	}
	b.enqueue(task{session: s, end: true})
	b.Unbind(s.ID)
}

func (b *Binder) OnEvent(s *sessionmgr.Session, ev sessionmgr.Event) {
	if !b.isBound(s.ID) {
		return
	}
	switch ev.Type {
	case sessionmgr.EventToolCall, sessionmgr.EventToolResult:
		// Tool chatter stays off chat surfaces.
		return
	}
	b.enqueue(task{session: s, ev: ev})
}

// enqueue never blocks the tailer; a full queue drops the event.
func (b *Binder) enqueue(tk task) {
	select {
	case b.queue <- tk:
	default:
		logging.Debugf("[adapter] %s queue full, dropping event", b.adapter.Name())
	}
}

// Run drains the dispatch queue until ctx is cancelled.
func (b *Binder) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case tk := <-b.queue:
			b.handle(ctx, tk)
		}
	}
}

// HandleRemote forwards text typed on the remote surface into the
// session, fingerprinting it first so the transcript echo is not
// posted back. The ledger keys on the trimmed text; the session
// receives the input verbatim. A refused send removes the fingerprint
// again.
func (b *Binder) HandleRemote(sessionID, text string) error {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	b.ledger.Add(trimmed)
	if !b.mgr.SendInput(sessionID, text) {
		b.ledger.Remove(trimmed)
		return fmt.Errorf("session %s rejected input", sessionID)
	}
	return nil
}

func (b *Binder) handle(ctx context.Context, tk task) {
	s := tk.session
	switch {
	case tk.start:
		b.post(ctx, func(ctx context.Context) error {
			return b.adapter.PostBanner(ctx, s.ID, fmt.Sprintf("Session %s started in %s", s.Name(), s.Cwd))
		})
	case tk.end:
		b.post(ctx, func(ctx context.Context) error {
			return b.adapter.PostBanner(ctx, s.ID, fmt.Sprintf("Session %s ended", s.Name()))
		})
	default:
		b.handleEvent(ctx, tk)
	}
}

func (b *Binder) handleEvent(ctx context.Context, tk task) {
	s, ev := tk.session, tk.ev
	switch ev.Type {
	case sessionmgr.EventMessage:
		if ev.Role == "user" && b.ledger.Consume(ev.Text) {
			// Our own forwarded input coming back through the
			// transcript.
			return
		}
		for _, chunk := range ChunkText(ev.Text, b.limit) {
			chunk := chunk
			b.post(ctx, func(ctx context.Context) error {
				return b.adapter.PostMessage(ctx, s.ID, ev.Role, chunk)
			})
		}
		if ev.Role == "assistant" {
			for _, img := range ScanImagePaths(ev.Text, s.Cwd) {
				img := img
				b.post(ctx, func(ctx context.Context) error {
					return b.adapter.AttachImage(ctx, s.ID, img)
				})
			}
		}

	case sessionmgr.EventSlug:
		b.post(ctx, func(ctx context.Context) error {
			return b.adapter.Rename(ctx, s.ID, ev.Slug)
		})

	case sessionmgr.EventTaskList:
		list := FormatTaskList(ev.Todos)
		b.post(ctx, func(ctx context.Context) error {
			return b.adapter.PostMessage(ctx, s.ID, "assistant", list)
		})

	case sessionmgr.EventStatus:
		if ev.Status == sessionmgr.StatusIdle {
			b.post(ctx, func(ctx context.Context) error {
				return b.adapter.PostBanner(ctx, s.ID, fmt.Sprintf("Session %s is waiting for input", s.Name()))
			})
		}

	case sessionmgr.EventModeChange:
		text := "left plan mode"
		if ev.Mode == sessionmgr.ModePlanning {
			text = "entered plan mode"
		}
		b.post(ctx, func(ctx context.Context) error {
			return b.adapter.PostBanner(ctx, s.ID, fmt.Sprintf("Session %s %s", s.Name(), text))
		})
	}
}

// post runs one adapter call behind the rate limiter.
func (b *Binder) post(ctx context.Context, fn func(context.Context) error) {
	if err := b.bucket.Wait(ctx); err != nil {
		return
	}
	if err := fn(ctx); err != nil {
		log.Printf("[adapter] %s post failed: %v", b.adapter.Name(), err)
	}
}

package adapter

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/clharman/afkbot/internal/transcript"
)

// ChunkText splits text into pieces of at most limit bytes, preferring
// line boundaries. Lines longer than the limit are cut at rune
// boundaries.
func ChunkText(s string, limit int) []string {
	if s == "" {
		return nil
	}
	if limit <= 0 || len(s) <= limit {
		return []string{s}
	}

	var chunks []string
	var cur strings.Builder
	for _, line := range strings.Split(s, "\n") {
		for len(line) > limit {
			if cur.Len() > 0 {
				chunks = append(chunks, cur.String())
				cur.Reset()
			}
			cut := runeCut(line, limit)
			chunks = append(chunks, line[:cut])
			line = line[cut:]
		}
		switch {
		case cur.Len() == 0:
			cur.WriteString(line)
		case cur.Len()+1+len(line) <= limit:
			cur.WriteByte('\n')
			cur.WriteString(line)
		default:
			chunks = append(chunks, cur.String())
			cur.Reset()
			cur.WriteString(line)
		}
	}
	if cur.Len() > 0 {
		chunks = append(chunks, cur.String())
	}
	return chunks
}

// runeCut finds the largest cut point <= limit that does not split a
// UTF-8 sequence.
func runeCut(s string, limit int) int {
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	if cut == 0 {
		cut = limit
	}
	return cut
}

// FormatTaskList renders a task list the way chat surfaces show it:
// one line per item with the in-progress item marked.
func FormatTaskList(todos []transcript.TodoItem) string {
	var sb strings.Builder
	sb.WriteString("Tasks:")
	for _, td := range todos {
		sb.WriteByte('\n')
		switch td.Status {
		case "completed":
			sb.WriteString("[x] ")
		case "in_progress":
			sb.WriteString("[>] ")
		default:
			sb.WriteString("[ ] ")
		}
		sb.WriteString(td.Content)
	}
	return sb.String()
}

// tokenBucket paces outbound posts at a sustained rate with a small
// burst allowance.
type tokenBucket struct {
	mu     sync.Mutex
	rate   float64
	burst  float64
	tokens float64
	last   time.Time
	nowFn  func() time.Time // injectable clock for testing
}

func newTokenBucket(rate float64, burst int) *tokenBucket {
	tb := &tokenBucket{
		rate:   rate,
		burst:  float64(burst),
		tokens: float64(burst),
		nowFn:  time.Now,
	}
	tb.last = tb.nowFn()
	return tb
}

// take consumes a token if one is available, otherwise returns how long
// until the next one accrues.
func (tb *tokenBucket) take() time.Duration {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	now := tb.nowFn()
	tb.tokens += now.Sub(tb.last).Seconds() * tb.rate
	if tb.tokens > tb.burst {
		tb.tokens = tb.burst
	}
	tb.last = now
	if tb.tokens >= 1 {
		tb.tokens--
		return 0
	}
	wait := (1 - tb.tokens) / tb.rate
	return time.Duration(wait * float64(time.Second))
}

// Wait blocks until a token is granted or the context ends.
func (tb *tokenBucket) Wait(ctx context.Context) error {
	for {
		d := tb.take()
		if d == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d):
		}
	}
}

// Package transcript models the newline-delimited session log records
// written by the AI runner and extracts the pieces the session manager
// forwards: conversational text, slugs, task lists, tool activity and
// plan-mode markers.
package transcript

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"strings"
	"time"
)

// Record is one parsed transcript line. Unknown type discriminants
// still parse; callers route on Type and ignore what they don't know.
type Record struct {
	Type      string     `json:"type"`
	Subtype   string     `json:"subtype,omitempty"`
	IsMeta    bool       `json:"isMeta,omitempty"`
	Timestamp string     `json:"timestamp,omitempty"`
	Slug      string     `json:"slug,omitempty"`
	Todos     []TodoItem `json:"todos,omitempty"`
	Message   *Message   `json:"message,omitempty"`
}

// Message carries the conversational payload. Content is either a bare
// string or a list of typed blocks; keep it raw and decode on demand.
type Message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// ContentBlock mirrors the runner's content block union.
type ContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type TodoItem struct {
	Content    string `json:"content"`
	Status     string `json:"status"`
	ActiveForm string `json:"activeForm,omitempty"`
}

// Plan-mode marker substrings injected into synthetic user messages by
// the runner. Matched case-insensitively.
const (
	planOnMarker  = "plan mode is active"
	planOffMarker = "approved your plan"
)

// Parse decodes one raw transcript line.
func Parse(line []byte) (*Record, error) {
	var r Record
	if err := json.Unmarshal(line, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Hash identifies a raw record for deduplication.
func Hash(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Blocks normalizes Content to a block list. A bare string becomes a
// single text block. Malformed content yields nil.
func (m *Message) Blocks() []ContentBlock {
	if m == nil || len(m.Content) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		return []ContentBlock{{Type: "text", Text: s}}
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(m.Content, &blocks); err != nil {
		return nil
	}
	return blocks
}

// Text concatenates the record's text blocks, trimmed.
func (r *Record) Text() string {
	if r.Message == nil {
		return ""
	}
	var sb strings.Builder
	for _, b := range r.Message.Blocks() {
		if b.Type == "text" && b.Text != "" {
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(b.Text)
		}
	}
	return strings.TrimSpace(sb.String())
}

// ResultText flattens a tool_result content payload, which is either a
// string or a list of text blocks.
func (b *ContentBlock) ResultText() string {
	if len(b.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(b.Content, &s); err == nil {
		return s
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(b.Content, &blocks); err != nil {
		return ""
	}
	var sb strings.Builder
	for _, inner := range blocks {
		if inner.Type == "text" && inner.Text != "" {
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(inner.Text)
		}
	}
	return sb.String()
}

// Time parses the record timestamp. ok is false when absent or
// unparseable.
func (r *Record) Time() (time.Time, bool) {
	if r.Timestamp == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, r.Timestamp); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// IsConversational reports whether the record is a plain user or
// assistant message rather than meta or synthetic traffic.
func (r *Record) IsConversational() bool {
	if r.Type != "user" && r.Type != "assistant" {
		return false
	}
	if r.IsMeta || r.Subtype != "" {
		return false
	}
	return r.Message != nil
}

// PlanMode reports a plan-mode transition carried by a synthetic user
// record: (true, true) entering plan mode, (false, true) leaving it.
func (r *Record) PlanMode() (planning bool, ok bool) {
	if r.Type != "user" || r.Message == nil {
		return false, false
	}
	text := strings.ToLower(r.Text())
	if text == "" {
		// Marker may live inside a tool_result payload.
		for _, b := range r.Message.Blocks() {
			if b.Type == "tool_result" {
				text += strings.ToLower(b.ResultText())
			}
		}
	}
	if strings.Contains(text, planOffMarker) {
		return false, true
	}
	if strings.Contains(text, planOnMarker) {
		return true, true
	}
	return false, false
}

// TodosHash fingerprints a task list so repeats are suppressed.
func TodosHash(todos []TodoItem) string {
	raw, err := json.Marshal(todos)
	if err != nil {
		return ""
	}
	return Hash(raw)
}

// IsTranscriptName matches regular transcript file names and excludes
// sub-agent transcripts, which carry the agent- prefix.
func IsTranscriptName(name string) bool {
	if !strings.HasSuffix(name, ".jsonl") {
		return false
	}
	return !strings.HasPrefix(name, "agent-")
}

// FileHasConversation reports whether the file already contains at
// least one user or assistant record. Used by discovery to tell a
// resumed transcript from unrelated churn.
func FileHasConversation(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		r, err := Parse([]byte(line))
		if err != nil {
			continue
		}
		if r.Type == "user" || r.Type == "assistant" {
			return true
		}
	}
	return false
}

package adapter

import (
	"strings"
	"sync"
	"time"
)

const (
	ledgerCapacity = 64
	ledgerTTL      = 5 * time.Minute
)

type ledgerEntry struct {
	text    string
	addedAt time.Time
}

// Ledger tracks text the adapter recently forwarded into a session so
// the echo that comes back through the transcript is not posted again.
// Entries are matched on trimmed content, oldest first.
type Ledger struct {
	mu      sync.Mutex
	entries []ledgerEntry
	nowFn   func() time.Time // injectable clock for testing
}

func NewLedger() *Ledger {
	return &Ledger{nowFn: time.Now}
}

// Add fingerprints outbound text. The oldest entry falls off when the
// ledger is full.
func (l *Ledger) Add(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked()
	if len(l.entries) >= ledgerCapacity {
		l.entries = l.entries[1:]
	}
	l.entries = append(l.entries, ledgerEntry{text: text, addedAt: l.nowFn()})
}

// Consume reports whether the text matches a live entry, removing the
// first match.
func (l *Ledger) Consume(text string) bool {
	text = strings.TrimSpace(text)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked()
	for i, e := range l.entries {
		if e.text == text {
			l.entries = append(l.entries[:i], l.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Remove drops the newest entry matching the text. Called when the
// send-input that justified the entry failed, so the fingerprint does
// not swallow a genuine future message.
func (l *Ledger) Remove(text string) {
	text = strings.TrimSpace(text)
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.entries) - 1; i >= 0; i-- {
		if l.entries[i].text == text {
			l.entries = append(l.entries[:i], l.entries[i+1:]...)
			return
		}
	}
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked()
	return len(l.entries)
}

// pruneLocked drops entries past the TTL. Insertion order makes the
// slice time-ordered, so expiry only ever trims the front.
func (l *Ledger) pruneLocked() {
	cutoff := l.nowFn().Add(-ledgerTTL)
	for len(l.entries) > 0 && l.entries[0].addedAt.Before(cutoff) {
		l.entries = l.entries[1:]
	}
}

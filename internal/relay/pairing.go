package relay

import (
	"crypto/rand"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/clharman/afkbot/internal/auth"
	"github.com/clharman/afkbot/internal/database"
)

// ErrCodeExpired covers every way a pairing code can be unusable:
// unknown, expired, or already claimed.
var ErrCodeExpired = errors.New("pairing code expired")

const (
	pairTTL = 10 * time.Minute

	// No 0/O/1/I so codes survive being read aloud.
	pairAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	pairCodeLen  = 6
)

const (
	pairPending  = "pending"
	pairVerified = "verified"
)

type pairingCode struct {
	name      string
	state     string
	userID    uint
	expiresAt time.Time
}

// PairingStore holds in-flight device-code pairings. Codes live in
// memory only; a relay restart voids them.
type PairingStore struct {
	mu    sync.Mutex
	codes map[string]*pairingCode

	issueDevice func(userID uint, name, kind string) (*database.Device, string, error) // swappable in tests
}

func NewPairingStore() *PairingStore {
	return &PairingStore{
		codes:       make(map[string]*pairingCode),
		issueDevice: auth.IssueDevice,
	}
}

// Create registers a fresh pending code for a device that wants a
// workstation credential.
func (p *PairingStore) Create(name string) (string, time.Time, error) {
	if name == "" {
		name = "workstation"
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for attempt := 0; attempt < 5; attempt++ {
		code, err := generateCode()
		if err != nil {
			return "", time.Time{}, err
		}
		if _, taken := p.codes[code]; taken {
			continue
		}
		expires := time.Now().Add(pairTTL)
		p.codes[code] = &pairingCode{name: name, state: pairPending, expiresAt: expires}
		return code, expires, nil
	}
	return "", time.Time{}, errors.New("could not allocate pairing code")
}

// Approve marks a pending code as verified by the given user.
func (p *PairingStore) Approve(code string, userID uint) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	pc := p.liveLocked(code)
	if pc == nil || pc.state != pairPending {
		return ErrCodeExpired
	}
	pc.state = pairVerified
	pc.userID = userID
	log.Printf("[pairing] code %s approved by user %d", code, userID)
	return nil
}

// Claim polls a code. A pending code reports pending=true; a verified
// code issues the workstation credential exactly once and is gone
// afterwards. An issue failure leaves the code claimable, so the next
// poll retries instead of restarting the pairing.
func (p *PairingStore) Claim(code string) (raw, deviceID string, pending bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pc := p.liveLocked(code)
	if pc == nil {
		return "", "", false, ErrCodeExpired
	}
	if pc.state == pairPending {
		return "", "", true, nil
	}

	// Issue before deleting; the lock keeps a concurrent poll from
	// double-claiming while the database write is in flight.
	dev, raw, err := p.issueDevice(pc.userID, pc.name, database.DeviceKindWorkstation)
	if err != nil {
		return "", "", false, err
	}
	delete(p.codes, code)
	log.Printf("[pairing] code %s claimed, issued device %s", code, dev.ID)
	return raw, dev.ID, false, nil
}

// Sweep drops expired codes. Wired to the minutely cron so abandoned
// codes do not accumulate between polls.
func (p *PairingStore) Sweep() {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	removed := 0
	for code, pc := range p.codes {
		if now.After(pc.expiresAt) {
			delete(p.codes, code)
			removed++
		}
	}
	if removed > 0 {
		log.Printf("[pairing] swept %d expired codes", removed)
	}
}

// liveLocked returns the code entry if it exists and has not expired.
// Expired entries are evicted on touch.
func (p *PairingStore) liveLocked(code string) *pairingCode {
	pc, ok := p.codes[code]
	if !ok {
		return nil
	}
	if time.Now().After(pc.expiresAt) {
		delete(p.codes, code)
		return nil
	}
	return pc
}

func generateCode() (string, error) {
	buf := make([]byte, pairCodeLen)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, pairCodeLen)
	for i, b := range buf {
		out[i] = pairAlphabet[int(b)%len(pairAlphabet)]
	}
	return string(out), nil
}

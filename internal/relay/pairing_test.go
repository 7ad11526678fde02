package relay

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/clharman/afkbot/internal/database"
)

func TestPairingCodeShape(t *testing.T) {
	p := NewPairingStore()
	code, expires, err := p.Create("")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(code) != pairCodeLen {
		t.Fatalf("expected %d chars, got %q", pairCodeLen, code)
	}
	for _, c := range code {
		if !strings.ContainsRune(pairAlphabet, c) {
			t.Errorf("code %q contains %q outside the alphabet", code, c)
		}
	}
	if until := time.Until(expires); until > pairTTL || until < pairTTL-time.Minute {
		t.Errorf("implausible expiry %v from now", until)
	}
}

func TestPairingApproveUnknownCode(t *testing.T) {
	p := NewPairingStore()
	if err := p.Approve("NOPE22", 1); !errors.Is(err, ErrCodeExpired) {
		t.Fatalf("expected ErrCodeExpired, got %v", err)
	}
}

func TestPairingApproveTwiceFails(t *testing.T) {
	p := NewPairingStore()
	code, _, err := p.Create("laptop")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := p.Approve(code, 1); err != nil {
		t.Fatalf("first approve: %v", err)
	}
	if err := p.Approve(code, 2); !errors.Is(err, ErrCodeExpired) {
		t.Fatalf("second approve should fail, got %v", err)
	}
}

func TestPairingExpiryEvictsOnTouch(t *testing.T) {
	p := NewPairingStore()
	code, _, err := p.Create("laptop")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	p.mu.Lock()
	p.codes[code].expiresAt = time.Now().Add(-time.Second)
	p.mu.Unlock()

	if err := p.Approve(code, 1); !errors.Is(err, ErrCodeExpired) {
		t.Fatalf("expected ErrCodeExpired on approve, got %v", err)
	}
	if _, _, _, err := p.Claim(code); !errors.Is(err, ErrCodeExpired) {
		t.Fatalf("expected ErrCodeExpired on claim, got %v", err)
	}
}

// A credential-issue failure must not burn the code: the approval
// stays claimable until a poll actually walks away with the credential.
func TestPairingClaimSurvivesIssueFailure(t *testing.T) {
	p := NewPairingStore()
	code, _, err := p.Create("laptop")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := p.Approve(code, 7); err != nil {
		t.Fatalf("approve: %v", err)
	}

	boom := errors.New("database is locked")
	p.issueDevice = func(userID uint, name, kind string) (*database.Device, string, error) {
		return nil, "", boom
	}
	if _, _, _, err := p.Claim(code); !errors.Is(err, boom) {
		t.Fatalf("expected issue error, got %v", err)
	}

	// The approval survived; the next poll issues the credential.
	p.issueDevice = func(userID uint, name, kind string) (*database.Device, string, error) {
		if userID != 7 || name != "laptop" || kind != database.DeviceKindWorkstation {
			t.Errorf("issue called with userID=%d name=%q kind=%q", userID, name, kind)
		}
		return &database.Device{ID: "dev-1"}, "raw-cred", nil
	}
	raw, deviceID, pending, err := p.Claim(code)
	if err != nil || pending {
		t.Fatalf("claim after recovery: pending=%v err=%v", pending, err)
	}
	if raw != "raw-cred" || deviceID != "dev-1" {
		t.Fatalf("claim returned raw=%q device=%q", raw, deviceID)
	}

	if _, _, _, err := p.Claim(code); !errors.Is(err, ErrCodeExpired) {
		t.Fatalf("code must be single-use after a successful claim, got %v", err)
	}
}

func TestPairingSweepRemovesOnlyExpired(t *testing.T) {
	p := NewPairingStore()
	stale, _, _ := p.Create("old")
	fresh, _, _ := p.Create("new")

	p.mu.Lock()
	p.codes[stale].expiresAt = time.Now().Add(-time.Minute)
	p.mu.Unlock()

	p.Sweep()

	if _, _, _, err := p.Claim(stale); !errors.Is(err, ErrCodeExpired) {
		t.Errorf("stale code should be swept, got %v", err)
	}
	if _, _, pending, err := p.Claim(fresh); err != nil || !pending {
		t.Errorf("fresh code should still be pending, got pending=%v err=%v", pending, err)
	}
}

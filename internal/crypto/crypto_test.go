package crypto

import (
	"path/filepath"
	"testing"

	"github.com/clharman/afkbot/internal/database"
)

func setupDB(t *testing.T) {
	t.Helper()
	if err := database.Init(filepath.Join(t.TempDir(), "crypto-test.db")); err != nil {
		t.Fatalf("init database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
}

func TestSealOpenRoundTrip(t *testing.T) {
	setupDB(t)

	token, err := Seal("device-1:secret")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	got, err := Open(token)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if got != "device-1:secret" {
		t.Errorf("opened %q", got)
	}
}

func TestOpenRejectsTamperedToken(t *testing.T) {
	setupDB(t)

	token, err := Seal("payload")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	raw := []byte(token)
	raw[len(raw)/2] ^= 0x01
	if _, err := Open(string(raw)); err == nil {
		t.Error("tampered token opened")
	}
	if _, err := Open(""); err == nil {
		t.Error("empty token opened")
	}
}

// The sealing key is generated once and persisted; tokens stay valid
// for the lifetime of the settings row.
func TestKeyPersistedInSettings(t *testing.T) {
	setupDB(t)

	token, err := Seal("before")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	stored, err := database.GetSetting("fernet_key")
	if err != nil || stored == "" {
		t.Fatalf("fernet key not persisted: %v", err)
	}

	// Later seals reuse the stored key, so older tokens still open.
	if _, err := Seal("after"); err != nil {
		t.Fatalf("second seal: %v", err)
	}
	again, err := database.GetSetting("fernet_key")
	if err != nil {
		t.Fatalf("read key: %v", err)
	}
	if again != stored {
		t.Error("sealing key changed between calls")
	}
	if got, err := Open(token); err != nil || got != "before" {
		t.Errorf("old token: %q, %v", got, err)
	}
}

func TestMask(t *testing.T) {
	cases := map[string]string{
		"":          "",
		"ab":        "****",
		"abcd":      "****",
		"abcdefgh":  "****efgh",
		"token1234": "****1234",
	}
	for in, want := range cases {
		if got := Mask(in); got != want {
			t.Errorf("Mask(%q) = %q, want %q", in, got, want)
		}
	}
}

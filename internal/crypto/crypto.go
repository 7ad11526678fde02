package crypto

import (
	"fmt"
	"time"

	"github.com/clharman/afkbot/internal/database"
	"github.com/fernet/fernet-go"
)

// getKey loads the sealing key from the settings table, generating and
// persisting one on first use.
func getKey() (*fernet.Key, error) {
	keyStr, err := database.GetSetting("fernet_key")
	if err != nil {
		var k fernet.Key
		if err := k.Generate(); err != nil {
			return nil, fmt.Errorf("generate fernet key: %w", err)
		}
		keyStr = k.Encode()
		if err := database.SetSetting("fernet_key", keyStr); err != nil {
			return nil, fmt.Errorf("save fernet key: %w", err)
		}
		return &k, nil
	}

	key, err := fernet.DecodeKey(keyStr)
	if err != nil {
		return nil, fmt.Errorf("decode fernet key: %w", err)
	}
	return key, nil
}

// Seal wraps plaintext in a signed fernet token.
func Seal(plaintext string) (string, error) {
	key, err := getKey()
	if err != nil {
		return "", err
	}
	tok, err := fernet.EncryptAndSign([]byte(plaintext), key)
	if err != nil {
		return "", fmt.Errorf("seal: %w", err)
	}
	return string(tok), nil
}

// Open verifies and unwraps a fernet token. Tokens do not expire;
// revocation happens by deleting the device row.
func Open(token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("open: empty token")
	}
	key, err := getKey()
	if err != nil {
		return "", err
	}
	msg := fernet.VerifyAndDecrypt([]byte(token), 0*time.Second, []*fernet.Key{key})
	if msg == nil {
		return "", fmt.Errorf("open: invalid token")
	}
	return string(msg), nil
}

// Mask redacts a secret for display, keeping the last 4 characters.
func Mask(value string) string {
	if value == "" {
		return ""
	}
	if len(value) > 4 {
		return "****" + value[len(value)-4:]
	}
	return "****"
}

package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/clharman/afkbot/internal/crypto"
	"github.com/clharman/afkbot/internal/database"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const BcryptCost = 12

var ErrInvalidToken = errors.New("invalid token")

// IssueDevice creates a device row for the user and returns the raw
// credential. The credential is a fernet token sealing "deviceID:secret";
// only the bcrypt hash of the secret survives in the database, so the
// raw string cannot be recovered later.
func IssueDevice(userID uint, name, kind string) (*database.Device, string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return nil, "", fmt.Errorf("generate secret: %w", err)
	}
	secret := hex.EncodeToString(b)

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), BcryptCost)
	if err != nil {
		return nil, "", fmt.Errorf("hash secret: %w", err)
	}

	dev := &database.Device{
		ID:         uuid.NewString(),
		UserID:     userID,
		Name:       name,
		Kind:       kind,
		TokenHash:  string(hash),
		LastSeenAt: time.Now(),
	}
	if err := database.CreateDevice(dev); err != nil {
		return nil, "", fmt.Errorf("create device: %w", err)
	}

	raw, err := crypto.Seal(dev.ID + ":" + secret)
	if err != nil {
		return nil, "", fmt.Errorf("seal credential: %w", err)
	}
	return dev, raw, nil
}

// VerifyCredential resolves a raw credential to its device and user.
// Any failure collapses to ErrInvalidToken so callers cannot
// distinguish unknown devices from bad secrets.
func VerifyCredential(raw string) (*database.Device, *database.User, error) {
	inner, err := crypto.Open(strings.TrimSpace(raw))
	if err != nil {
		return nil, nil, ErrInvalidToken
	}
	deviceID, secret, ok := strings.Cut(inner, ":")
	if !ok {
		return nil, nil, ErrInvalidToken
	}

	dev, err := database.GetDevice(deviceID)
	if err != nil {
		return nil, nil, ErrInvalidToken
	}
	if bcrypt.CompareHashAndPassword([]byte(dev.TokenHash), []byte(secret)) != nil {
		return nil, nil, ErrInvalidToken
	}

	user, err := database.GetUserByID(dev.UserID)
	if err != nil {
		return nil, nil, ErrInvalidToken
	}

	if err := database.TouchDevice(dev.ID); err == nil {
		dev.LastSeenAt = time.Now()
	}
	return dev, user, nil
}

// BearerToken extracts the credential from an Authorization header.
func BearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	tok := strings.TrimSpace(header[len(prefix):])
	return tok, tok != ""
}

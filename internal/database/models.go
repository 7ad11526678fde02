package database

import "time"

const (
	DeviceKindWorkstation = "workstation"
	DeviceKindViewer      = "viewer"
)

type User struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Email     string    `gorm:"uniqueIndex;not null;size:255" json:"email"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Device is one issued credential. The raw token is handed out exactly
// once at issue time; only the bcrypt hash of its secret half is kept.
type Device struct {
	ID         string    `gorm:"primaryKey;size:36" json:"id"`
	UserID     uint      `gorm:"not null;index" json:"user_id"`
	Name       string    `gorm:"not null" json:"name"`
	Kind       string    `gorm:"not null;default:viewer" json:"kind"`
	TokenHash  string    `gorm:"not null" json:"-"`
	LastSeenAt time.Time `json:"last_seen_at"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
}

type PushToken struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID    uint      `gorm:"not null;uniqueIndex:idx_user_push" json:"user_id"`
	Token     string    `gorm:"not null;uniqueIndex:idx_user_push;size:512" json:"-"`
	Platform  string    `json:"platform"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

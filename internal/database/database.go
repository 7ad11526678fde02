package database

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

func Init(dbPath string) error {
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create db directory: %w", err)
		}
	}

	var err error
	DB, err = gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}

	if err := DB.AutoMigrate(&User{}, &Device{}, &PushToken{}, &Setting{}); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}

	return nil
}

func Close() error {
	if DB != nil {
		sqlDB, err := DB.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return nil
}

func GetSetting(key string) (string, error) {
	var s Setting
	if err := DB.Where("key = ?", key).First(&s).Error; err != nil {
		return "", err
	}
	return s.Value, nil
}

func SetSetting(key, value string) error {
	return DB.Where("key = ?", key).Assign(Setting{Value: value}).FirstOrCreate(&Setting{Key: key}).Error
}

// User helpers

func GetUserByID(id uint) (*User, error) {
	var u User
	if err := DB.First(&u, id).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func GetUserByEmail(email string) (*User, error) {
	var u User
	if err := DB.Where("email = ?", email).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func CreateUser(user *User) error {
	return DB.Create(user).Error
}

func UserCount() (int64, error) {
	var count int64
	err := DB.Model(&User{}).Count(&count).Error
	return count, err
}

// Device helpers

func CreateDevice(dev *Device) error {
	return DB.Create(dev).Error
}

func GetDevice(id string) (*Device, error) {
	var d Device
	if err := DB.Where("id = ?", id).First(&d).Error; err != nil {
		return nil, err
	}
	return &d, nil
}

func ListUserDevices(userID uint) ([]Device, error) {
	var devices []Device
	if err := DB.Where("user_id = ?", userID).Order("created_at").Find(&devices).Error; err != nil {
		return nil, err
	}
	return devices, nil
}

func TouchDevice(id string) error {
	return DB.Model(&Device{}).Where("id = ?", id).Update("last_seen_at", time.Now()).Error
}

func DeleteDevice(id string, userID uint) error {
	return DB.Where("id = ? AND user_id = ?", id, userID).Delete(&Device{}).Error
}

// PruneUnusedDevices deletes credentials that were issued but never
// authenticated within the grace window. Issue stamps last_seen_at just
// before the insert, so it trails created_at until the first verify
// touches it forward. Devices that authenticated at least once are
// never pruned here; those are revoked explicitly.
func PruneUnusedDevices(grace time.Duration) (int64, error) {
	cutoff := time.Now().Add(-grace)
	res := DB.Where("last_seen_at < created_at AND created_at < ?", cutoff).Delete(&Device{})
	return res.RowsAffected, res.Error
}

// Push token helpers

func RegisterPushToken(userID uint, token, platform string) error {
	var count int64
	DB.Model(&PushToken{}).Where("user_id = ? AND token = ?", userID, token).Count(&count)
	if count > 0 {
		return nil
	}
	return DB.Create(&PushToken{UserID: userID, Token: token, Platform: platform}).Error
}

func GetUserPushTokens(userID uint) ([]PushToken, error) {
	var tokens []PushToken
	if err := DB.Where("user_id = ?", userID).Find(&tokens).Error; err != nil {
		return nil, err
	}
	return tokens, nil
}

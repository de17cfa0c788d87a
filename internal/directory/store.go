// Package directory persists per-identity registration records keyed by
// wallet address. A wallet is "registered" once a verified session binding
// has been stored for it.
package directory

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// UserInfo is one registration record. AvailableStart and AvailableEnd keep
// their first written value; later registrations refresh the session binding
// without touching them.
type UserInfo struct {
	WalletAddress  string `gorm:"primaryKey"`
	UserName       string
	SessionAddress string `gorm:"not null"`
	NotifAddress   string `gorm:"not null"`
	Signature      string `gorm:"not null"`
	AvailableStart string `gorm:"not null"`
	AvailableEnd   string `gorm:"not null"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) AutoMigrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&UserInfo{})
}

// Upsert writes the record, preserving the availability window of an
// existing row.
func (s *Store) Upsert(ctx context.Context, u *UserInfo) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "wallet_address"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"user_name", "session_address", "notif_address", "signature", "updated_at",
		}),
	}).Create(u).Error
}

func (s *Store) Get(ctx context.Context, walletAddress string) (UserInfo, error) {
	var u UserInfo
	err := s.db.WithContext(ctx).First(&u, "wallet_address = ?", walletAddress).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return UserInfo{}, ErrNotRegistered
	}
	if err != nil {
		return UserInfo{}, err
	}
	return u, nil
}

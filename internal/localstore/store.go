// Package localstore is the device-local persistence used by the client
// runtime: session key material keyed by purpose and a content-addressed
// record of canonical proposals for later verification against the on-chain
// hash.
package localstore

import (
	"context"
	"crypto/sha256"
	"errors"
	"time"

	"github.com/mr-tron/base58"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Secret purposes.
const (
	PurposeIdentity    = "identity"
	PurposeSessionKeys = "session_keys"
)

var ErrNotFound = errors.New("localstore: not found")

type Secret struct {
	Purpose   string    `gorm:"primaryKey"`
	Owner     string    `gorm:"primaryKey"`
	SecretKey []byte    `gorm:"type:blob;not null"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime"`
}

type Proposal struct {
	Hash      string    `gorm:"primaryKey"`
	Canonical []byte    `gorm:"type:blob;not null"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime"`
}

type Store struct {
	db *gorm.DB
}

// Open opens (and migrates) the device store at path. Use ":memory:" for
// throwaway stores.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&Secret{}, &Proposal{}); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// PutSecret stores key material for purpose/owner. Existing material is
// overwritten; GetOrCreate semantics belong to the caller.
func (s *Store) PutSecret(ctx context.Context, purpose, owner string, secret []byte) error {
	rec := Secret{Purpose: purpose, Owner: owner, SecretKey: append([]byte(nil), secret...)}
	return s.db.WithContext(ctx).Save(&rec).Error
}

// GetSecret fetches key material for purpose/owner.
func (s *Store) GetSecret(ctx context.Context, purpose, owner string) ([]byte, error) {
	var rec Secret
	err := s.db.WithContext(ctx).
		Where("purpose = ? AND owner = ?", purpose, owner).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec.SecretKey, nil
}

// PutProposal stores the canonical proposal bytes under their hash and
// returns the base58 hash key.
func (s *Store) PutProposal(ctx context.Context, canonical []byte) (string, error) {
	sum := sha256.Sum256(canonical)
	key := base58.Encode(sum[:])
	rec := Proposal{Hash: key, Canonical: append([]byte(nil), canonical...)}
	if err := s.db.WithContext(ctx).Save(&rec).Error; err != nil {
		return "", err
	}
	return key, nil
}

// GetProposal fetches the canonical bytes stored under hash.
func (s *Store) GetProposal(ctx context.Context, hash string) ([]byte, error) {
	var rec Proposal
	err := s.db.WithContext(ctx).Where("hash = ?", hash).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec.Canonical, nil
}

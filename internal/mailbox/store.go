// Package mailbox is the per-recipient durable store of encrypted
// notification envelopes plus the delivery fan-out to live connections.
package mailbox

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Notification is one mailbox entry. The payload is opaque ciphertext; only
// the sender and recipient can decrypt it.
type Notification struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Recipient       string    `gorm:"not null;index:idx_notifications_recipient_received,priority:1" json:"recipient"`
	Sender          string    `gorm:"not null" json:"sender"`
	SenderNotifAddr string    `gorm:"not null" json:"senderNotifAddr"`
	MessageType     string    `gorm:"not null" json:"messageType"`
	Payload         string    `gorm:"type:text;not null" json:"payload"`
	ReceivedAt      time.Time `gorm:"not null;index:idx_notifications_recipient_received,priority:2" json:"receivedAt"`
}

type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) AutoMigrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&Notification{})
}

func (s *Store) Create(ctx context.Context, n *Notification) error {
	return s.db.WithContext(ctx).Create(n).Error
}

// ForRecipient returns the recipient's mailbox ordered by receipt time.
func (s *Store) ForRecipient(ctx context.Context, recipient string) ([]Notification, error) {
	var out []Notification
	err := s.db.WithContext(ctx).
		Where("recipient = ?", recipient).
		Order("received_at asc").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes an entry from the recipient's mailbox. Removal is scoped to
// the recipient and idempotent: deleting an id that is absent, already
// deleted, or belongs to someone else's mailbox does nothing.
func (s *Store) Delete(ctx context.Context, recipient string, id uuid.UUID) error {
	return s.db.WithContext(ctx).
		Where("recipient = ? AND id = ?", recipient, id).
		Delete(&Notification{}).Error
}

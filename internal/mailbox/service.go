package mailbox

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"questboard/internal/negotiation"
)

var ErrInvalidRequest = errors.New("mailbox: invalid request")

// Notifier pushes an envelope to a recipient's live connections, if any.
type Notifier interface {
	Push(walletAddress string, payload []byte) int
}

// Service owns every recipient's mailbox. Each mailbox has a single logical
// owner; concurrent sends get distinct ids and concurrent deletes are
// commutative, so no locking beyond the store is needed.
type Service struct {
	store    *Store
	notifier Notifier
	now      func() time.Time
}

type SendInput struct {
	Recipient       string
	Sender          string
	SenderNotifAddr string
	MessageType     string
	Payload         string
}

func NewService(store *Store, notifier Notifier) *Service {
	return &Service{store: store, notifier: notifier, now: time.Now}
}

// Envelope is the discriminated wire frame multiplexed over the realtime
// channel.
type Envelope struct {
	Type         string        `json:"type"`
	ID           string        `json:"id,omitempty"`
	Notification *Notification `json:"notification,omitempty"`
}

// Envelope discriminators.
const (
	EnvelopeNotification = "notification"
	EnvelopeDelete       = "delete_notification"
)

// Send appends to the recipient's mailbox and pushes the entry to their live
// connections. Delivery is at-least-once while connected; an offline
// recipient picks the entry up on the next list.
func (s *Service) Send(ctx context.Context, in SendInput) (Notification, error) {
	if in.Recipient == "" || in.Sender == "" || in.SenderNotifAddr == "" || in.Payload == "" {
		return Notification{}, ErrInvalidRequest
	}
	if !negotiation.KnownType(negotiation.MessageType(in.MessageType)) {
		return Notification{}, ErrInvalidRequest
	}
	n := Notification{
		ID:              uuid.New(),
		Recipient:       in.Recipient,
		Sender:          in.Sender,
		SenderNotifAddr: in.SenderNotifAddr,
		MessageType:     in.MessageType,
		Payload:         in.Payload,
		ReceivedAt:      s.now().UTC(),
	}
	if err := s.store.Create(ctx, &n); err != nil {
		return Notification{}, err
	}

	if s.notifier != nil {
		env, err := json.Marshal(Envelope{Type: EnvelopeNotification, Notification: &n})
		if err == nil {
			delivered := s.notifier.Push(in.Recipient, env)
			slog.Debug("notification pushed", "recipient", in.Recipient, "connections", delivered)
		}
	}
	return n, nil
}

// List returns the recipient's mailbox ordered by receipt time.
func (s *Service) List(ctx context.Context, recipient string) ([]Notification, error) {
	if recipient == "" {
		return nil, ErrInvalidRequest
	}
	return s.store.ForRecipient(ctx, recipient)
}

// Delete removes one entry from the recipient's own mailbox. Idempotent; a
// nonexistent id is not an error.
func (s *Service) Delete(ctx context.Context, recipient string, id uuid.UUID) error {
	if recipient == "" || id == uuid.Nil {
		return ErrInvalidRequest
	}
	return s.store.Delete(ctx, recipient, id)
}

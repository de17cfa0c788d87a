// Package negotiation models the quest offer protocol: the typed payloads
// exchanged inside encrypted notifications and the state machine derived from
// replaying them.
package negotiation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType discriminates decrypted notification payloads.
type MessageType string

const (
	TypeQuestProposal MessageType = "QUEST_PROPOSAL"
	TypeQuestAccepted MessageType = "QUEST_ACCEPTED"
	TypeQuestRejected MessageType = "QUEST_REJECTED"
	TypeQuestCanceled MessageType = "QUEST_CANCELED"
	TypeQuestSettled  MessageType = "QUEST_SETTLED"
)

var ErrInvalidMessage = errors.New("negotiation: invalid message")

// Message is the decrypted notification payload. Which fields are required
// depends on the message type; Validate enforces the per-kind shape before
// any field is trusted.
type Message struct {
	Quest    string  `json:"quest"`
	Content  string  `json:"content"`
	MinStake float64 `json:"minStake"`

	// CancelID references the prior notification this message supersedes so
	// the recipient can remove it from their mailbox.
	CancelID *uuid.UUID `json:"cancelId,omitempty"`

	// SerializedTx carries the partially signed staking transaction on
	// acceptance.
	SerializedTx string `json:"serializedTx,omitempty"`

	// ExpiresAt is the handoff deadline declared by the acceptor; the
	// proposer must countersign before it passes.
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// KnownType reports whether t is one of the protocol message types.
func KnownType(t MessageType) bool {
	switch t {
	case TypeQuestProposal, TypeQuestAccepted, TypeQuestRejected, TypeQuestCanceled, TypeQuestSettled:
		return true
	}
	return false
}

// Parse decodes and validates a decrypted payload for the given type.
// Unknown or malformed shapes map to ErrInvalidMessage, never to a silently
// defaulted message.
func Parse(t MessageType, plaintext []byte) (Message, error) {
	var m Message
	if !KnownType(t) {
		return Message{}, fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, t)
	}
	dec := json.NewDecoder(bytes.NewReader(plaintext))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := m.Validate(t); err != nil {
		return Message{}, err
	}
	return m, nil
}

// Validate enforces the tagged-union shape per message kind.
func (m Message) Validate(t MessageType) error {
	if m.Quest == "" {
		return fmt.Errorf("%w: missing quest id", ErrInvalidMessage)
	}
	if m.MinStake < 0 {
		return fmt.Errorf("%w: negative minStake", ErrInvalidMessage)
	}
	switch t {
	case TypeQuestProposal:
		if m.CancelID != nil {
			return fmt.Errorf("%w: proposal must not carry cancelId", ErrInvalidMessage)
		}
		if m.SerializedTx != "" {
			return fmt.Errorf("%w: proposal must not carry serializedTx", ErrInvalidMessage)
		}
	case TypeQuestAccepted:
		if m.CancelID == nil {
			return fmt.Errorf("%w: acceptance missing cancelId", ErrInvalidMessage)
		}
		if m.SerializedTx == "" {
			return fmt.Errorf("%w: acceptance missing serializedTx", ErrInvalidMessage)
		}
		if m.ExpiresAt == nil {
			return fmt.Errorf("%w: acceptance missing expiresAt", ErrInvalidMessage)
		}
	case TypeQuestRejected:
		// echoes the proposal; no extra requirements
	case TypeQuestCanceled, TypeQuestSettled:
		if m.CancelID == nil {
			return fmt.Errorf("%w: %s missing cancelId", ErrInvalidMessage, t)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, t)
	}
	return nil
}

// Canonical returns the canonical JSON used for proposal hashing: only the
// quest id, content and stake, in fixed field order.
func (m Message) Canonical() []byte {
	data, _ := json.Marshal(struct {
		Quest    string  `json:"quest"`
		Content  string  `json:"content"`
		MinStake float64 `json:"minStake"`
	}{m.Quest, m.Content, m.MinStake})
	return data
}

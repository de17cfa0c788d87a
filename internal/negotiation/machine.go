package negotiation

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// State is the derived lifecycle position of a quest offer.
type State int

const (
	StateNone State = iota
	StateProposed
	StateAccepted
	StateRejected
	StateCanceled
	StateSettled
)

func (s State) String() string {
	switch s {
	case StateProposed:
		return "PROPOSED"
	case StateAccepted:
		return "ACCEPTED"
	case StateRejected:
		return "REJECTED"
	case StateCanceled:
		return "CANCELED"
	case StateSettled:
		return "SETTLED"
	}
	return "NONE"
}

// Event is a decrypted, validated notification applied to the state machine.
// A party's log holds both directions of the exchange, so Sender may be the
// log owner itself; Recipient disambiguates who the other party is.
type Event struct {
	NotificationID uuid.UUID
	Type           MessageType
	Sender         string
	Recipient      string
	ReceivedAt     time.Time
	Message        Message
}

// Offer is the reconstructed state of a single quest negotiation.
type Offer struct {
	Quest        string
	State        State
	Counterparty string
	MinStake     float64
	Content      string
	SerializedTx string
	ExpiresAt    *time.Time
	// LastEventID is the notification that produced the current state; it is
	// the entry a response's cancelId should reference.
	LastEventID uuid.UUID
	UpdatedAt   time.Time
}

// transition reports the resulting state for an event applied to a current
// state. Invalid transitions return StateNone, meaning the event is inert.
func transition(cur State, t MessageType) State {
	switch t {
	case TypeQuestProposal:
		// a repropose after rejection, cancellation or settlement starts over
		if cur == StateNone || cur == StateRejected || cur == StateCanceled || cur == StateSettled {
			return StateProposed
		}
	case TypeQuestAccepted:
		if cur == StateProposed {
			return StateAccepted
		}
	case TypeQuestRejected:
		if cur == StateProposed {
			return StateRejected
		}
	case TypeQuestCanceled:
		if cur == StateAccepted {
			return StateCanceled
		}
	case TypeQuestSettled:
		if cur == StateAccepted {
			return StateSettled
		}
	}
	return StateNone
}

// Reduce replays events ordered by receipt time and derives the current offer
// per quest id, from the perspective of owner (the wallet whose log this is):
// Counterparty is always the other party, whichever direction the last event
// traveled. Events that fail validation or are out of order for their quest
// are inert: they never corrupt the derived state.
func Reduce(events []Event, owner string) map[string]Offer {
	ordered := make([]Event, len(events))
	copy(ordered, events)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].ReceivedAt.Before(ordered[j].ReceivedAt)
	})

	offers := make(map[string]Offer)
	for _, ev := range ordered {
		if err := ev.Message.Validate(ev.Type); err != nil {
			continue
		}
		offer := offers[ev.Message.Quest]
		next := transition(offer.State, ev.Type)
		if next == StateNone {
			continue
		}
		offer.Quest = ev.Message.Quest
		offer.State = next
		if ev.Sender == owner {
			offer.Counterparty = ev.Recipient
		} else {
			offer.Counterparty = ev.Sender
		}
		offer.MinStake = ev.Message.MinStake
		if ev.Message.Content != "" {
			offer.Content = ev.Message.Content
		}
		offer.SerializedTx = ev.Message.SerializedTx
		offer.ExpiresAt = ev.Message.ExpiresAt
		offer.LastEventID = ev.NotificationID
		offer.UpdatedAt = ev.ReceivedAt
		offers[ev.Message.Quest] = offer
	}
	return offers
}

// ResolveCancel maps a cancelId to the prior notification it supersedes.
// The instruction is honored only when it resolves to exactly one known
// notification; otherwise it is a no-op.
func ResolveCancel(events []Event, cancelID uuid.UUID) (Event, bool) {
	var found Event
	matches := 0
	for _, ev := range events {
		if ev.NotificationID == cancelID {
			found = ev
			matches++
		}
	}
	if matches != 1 {
		return Event{}, false
	}
	return found, true
}

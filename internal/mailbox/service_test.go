package mailbox_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"questboard/internal/mailbox"
	"questboard/internal/negotiation"
)

type recordingNotifier struct {
	mu       sync.Mutex
	payloads map[string][][]byte
}

func (n *recordingNotifier) Push(walletAddress string, payload []byte) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.payloads == nil {
		n.payloads = make(map[string][][]byte)
	}
	n.payloads[walletAddress] = append(n.payloads[walletAddress], payload)
	return 1
}

func (n *recordingNotifier) forWallet(wallet string) [][]byte {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.payloads[wallet]
}

func setupService(t *testing.T) (*mailbox.Service, *recordingNotifier) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	store := mailbox.NewStore(db)
	if err := store.AutoMigrate(context.Background()); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	notifier := &recordingNotifier{}
	return mailbox.NewService(store, notifier), notifier
}

func sendInput(recipient, messageType, payload string) mailbox.SendInput {
	return mailbox.SendInput{
		Recipient:       recipient,
		Sender:          "senderWallet",
		SenderNotifAddr: "senderNotifAddr",
		MessageType:     messageType,
		Payload:         payload,
	}
}

func TestSendStoresAndPushes(t *testing.T) {
	svc, notifier := setupService(t)
	ctx := context.Background()

	n, err := svc.Send(ctx, sendInput("walletB", string(negotiation.TypeQuestProposal), "ciphertext-1"))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if n.ID == uuid.Nil {
		t.Fatalf("expected assigned id")
	}

	listed, err := svc.List(ctx, "walletB")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed) != 1 || listed[0].ID != n.ID || listed[0].Payload != "ciphertext-1" {
		t.Fatalf("unexpected mailbox contents: %+v", listed)
	}

	pushed := notifier.forWallet("walletB")
	if len(pushed) != 1 {
		t.Fatalf("expected 1 pushed envelope, got %d", len(pushed))
	}
	var env mailbox.Envelope
	if err := json.Unmarshal(pushed[0], &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.Type != mailbox.EnvelopeNotification {
		t.Fatalf("expected %q envelope, got %q", mailbox.EnvelopeNotification, env.Type)
	}
	if env.Notification == nil || env.Notification.ID != n.ID {
		t.Fatalf("envelope does not carry the stored notification: %+v", env)
	}
}

func TestListOrderedByReceipt(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	first, err := svc.Send(ctx, sendInput("walletB", string(negotiation.TypeQuestProposal), "p1"))
	if err != nil {
		t.Fatalf("send first: %v", err)
	}
	second, err := svc.Send(ctx, sendInput("walletB", string(negotiation.TypeQuestRejected), "p2"))
	if err != nil {
		t.Fatalf("send second: %v", err)
	}

	listed, err := svc.List(ctx, "walletB")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(listed))
	}
	if listed[0].ID != first.ID || listed[1].ID != second.ID {
		t.Fatalf("entries out of receipt order: %+v", listed)
	}
}

func TestMailboxesAreIsolated(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	if _, err := svc.Send(ctx, sendInput("walletB", string(negotiation.TypeQuestProposal), "forB")); err != nil {
		t.Fatalf("send: %v", err)
	}

	listed, err := svc.List(ctx, "walletC")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed) != 0 {
		t.Fatalf("expected empty mailbox for walletC, got %+v", listed)
	}
}

func TestDeleteIdempotentAndScoped(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	n, err := svc.Send(ctx, sendInput("walletB", string(negotiation.TypeQuestProposal), "p1"))
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	// A different recipient cannot remove the entry.
	if err := svc.Delete(ctx, "walletC", n.ID); err != nil {
		t.Fatalf("delete by other recipient: %v", err)
	}
	listed, _ := svc.List(ctx, "walletB")
	if len(listed) != 1 {
		t.Fatalf("entry removed by foreign delete")
	}

	if err := svc.Delete(ctx, "walletB", n.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := svc.Delete(ctx, "walletB", n.ID); err != nil {
		t.Fatalf("second delete should be a no-op: %v", err)
	}

	listed, _ = svc.List(ctx, "walletB")
	if len(listed) != 0 {
		t.Fatalf("expected empty mailbox after delete, got %+v", listed)
	}
}

func TestSendRejectsInvalidInput(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	cases := []struct {
		name string
		in   mailbox.SendInput
	}{
		{"missing recipient", sendInput("", string(negotiation.TypeQuestProposal), "p")},
		{"missing payload", sendInput("walletB", string(negotiation.TypeQuestProposal), "")},
		{"unknown message type", sendInput("walletB", "QUEST_UNKNOWN", "p")},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.Send(ctx, tc.in); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

package questclient

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"net/http/httptest"

	"questboard/internal/chain"
	"questboard/internal/directory"
	"questboard/internal/handoff"
	"questboard/internal/localstore"
	"questboard/internal/mailbox"
	"questboard/internal/negotiation"
	"questboard/internal/presence"
	transporthttp "questboard/internal/transport/http"
	"questboard/internal/wallet"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Now().UTC()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeChainConn struct {
	mu         sync.Mutex
	broadcasts [][]byte
}

func (f *fakeChainConn) LatestBlockhash(context.Context) (string, error) {
	return "blockhash-1", nil
}

func (f *fakeChainConn) SendRawTransaction(_ context.Context, raw []byte, _ chain.SendOptions) (string, error) {
	f.mu.Lock()
	f.broadcasts = append(f.broadcasts, raw)
	f.mu.Unlock()
	return "txsig-1", nil
}

func (f *fakeChainConn) ConfirmSignature(context.Context, string) error { return nil }

func (f *fakeChainConn) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.broadcasts)
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	dirStore := directory.NewStore(db)
	if err := dirStore.AutoMigrate(context.Background()); err != nil {
		t.Fatalf("directory migrate: %v", err)
	}
	mailStore := mailbox.NewStore(db)
	if err := mailStore.AutoMigrate(context.Background()); err != nil {
		t.Fatalf("mailbox migrate: %v", err)
	}
	hub := presence.NewHub()
	srv := httptest.NewServer(transporthttp.NewRouter(
		directory.NewService(dirStore),
		mailbox.NewService(mailStore, hub),
		hub,
	))
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T, baseURL string, conn chain.Conn, clock handoff.Clock) *Client {
	t.Helper()

	pub, priv, err := wallet.GenerateKeypair()
	if err != nil {
		t.Fatalf("wallet keypair: %v", err)
	}
	store, err := localstore.Open(filepath.Join(t.TempDir(), "device.db"))
	if err != nil {
		t.Fatalf("local store: %v", err)
	}
	c, err := New(Config{
		BaseURL:       baseURL,
		WalletAddress: wallet.Address(pub),
		WalletKey:     priv,
		Store:         store,
		Builder:       chain.NewProgram("QuestProgram11111111111111111111"),
		Conn:          conn,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx := context.Background()
	if err := c.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func processNext(t *testing.T, c *Client) {
	t.Helper()
	if err := c.ProcessNext(context.Background()); err != nil {
		t.Fatalf("process next for %s: %v", c.walletAddr, err)
	}
}

func offerFor(t *testing.T, c *Client, quest string, want negotiation.State) negotiation.Offer {
	t.Helper()
	offer, ok := c.Offers()[quest]
	if !ok {
		t.Fatalf("no offer for quest %s", quest)
	}
	if offer.State != want {
		t.Fatalf("quest %s: state %s, want %s", quest, offer.State, want)
	}
	return offer
}

func waitForEmptyMailbox(t *testing.T, c *Client) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		list, err := c.api.ListNotifications(context.Background(), c.walletAddr)
		if err != nil {
			t.Fatalf("list mailbox: %v", err)
		}
		if len(list) == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("mailbox for %s still has %d entries", c.walletAddr, len(list))
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestNegotiationSettles(t *testing.T) {
	srv := newTestServer(t)
	clock := newFakeClock()
	chainConn := &fakeChainConn{}

	alice := newTestClient(t, srv.URL, chainConn, clock)
	bob := newTestClient(t, srv.URL, chainConn, clock)
	ctx := context.Background()

	if err := alice.Propose(ctx, bob.walletAddr, "quest-1", "escort the caravan", 5); err != nil {
		t.Fatalf("propose: %v", err)
	}

	processNext(t, bob)
	proposal := offerFor(t, bob, "quest-1", negotiation.StateProposed)
	if proposal.MinStake != 5 {
		t.Fatalf("proposal stake %v, want 5", proposal.MinStake)
	}

	if err := bob.Accept(ctx, proposal); err != nil {
		t.Fatalf("accept: %v", err)
	}

	processNext(t, alice)
	accepted := offerFor(t, alice, "quest-1", negotiation.StateAccepted)
	if accepted.SerializedTx == "" {
		t.Fatalf("acceptance carries no transaction")
	}
	if accepted.ExpiresAt == nil {
		t.Fatalf("acceptance carries no deadline")
	}
	if window := accepted.ExpiresAt.Sub(clock.Now()); window != handoff.Window {
		t.Fatalf("handoff window %v, want %v", window, handoff.Window)
	}

	// Countersign just inside the window.
	clock.Advance(handoff.Window - time.Second)
	if err := alice.Countersign(ctx, accepted); err != nil {
		t.Fatalf("countersign: %v", err)
	}
	if chainConn.count() != 1 {
		t.Fatalf("expected 1 broadcast, got %d", chainConn.count())
	}

	processNext(t, bob)
	offerFor(t, bob, "quest-1", negotiation.StateSettled)

	waitForEmptyMailbox(t, alice)
	waitForEmptyMailbox(t, bob)
}

func TestCountersignAfterDeadlineRefused(t *testing.T) {
	srv := newTestServer(t)
	clock := newFakeClock()
	chainConn := &fakeChainConn{}

	alice := newTestClient(t, srv.URL, chainConn, clock)
	bob := newTestClient(t, srv.URL, chainConn, clock)
	ctx := context.Background()

	if err := alice.Propose(ctx, bob.walletAddr, "quest-2", "guard the gate", 3); err != nil {
		t.Fatalf("propose: %v", err)
	}
	processNext(t, bob)
	if err := bob.Accept(ctx, offerFor(t, bob, "quest-2", negotiation.StateProposed)); err != nil {
		t.Fatalf("accept: %v", err)
	}
	processNext(t, alice)
	accepted := offerFor(t, alice, "quest-2", negotiation.StateAccepted)

	clock.Advance(handoff.Window + time.Second)
	err := alice.Countersign(ctx, accepted)
	if !errors.Is(err, handoff.ErrExpiredHandoff) {
		t.Fatalf("expected ErrExpiredHandoff, got %v", err)
	}
	if chainConn.count() != 0 {
		t.Fatalf("stale acceptance must not be broadcast")
	}

	// The stale acceptance entry is removed from the proposer's mailbox.
	waitForEmptyMailbox(t, alice)
}

func TestRejectionEndsNegotiation(t *testing.T) {
	srv := newTestServer(t)
	clock := newFakeClock()
	chainConn := &fakeChainConn{}

	alice := newTestClient(t, srv.URL, chainConn, clock)
	bob := newTestClient(t, srv.URL, chainConn, clock)
	ctx := context.Background()

	if err := alice.Propose(ctx, bob.walletAddr, "quest-3", "clear the mine", 7); err != nil {
		t.Fatalf("propose: %v", err)
	}
	processNext(t, bob)
	if err := bob.Reject(ctx, offerFor(t, bob, "quest-3", negotiation.StateProposed)); err != nil {
		t.Fatalf("reject: %v", err)
	}

	processNext(t, alice)
	offerFor(t, alice, "quest-3", negotiation.StateRejected)

	if chainConn.count() != 0 {
		t.Fatalf("rejection must never build a transaction")
	}
	waitForEmptyMailbox(t, bob)
}

func TestCancelAfterAcceptanceReachesProposer(t *testing.T) {
	srv := newTestServer(t)
	clock := newFakeClock()
	chainConn := &fakeChainConn{}

	alice := newTestClient(t, srv.URL, chainConn, clock)
	bob := newTestClient(t, srv.URL, chainConn, clock)
	ctx := context.Background()

	if err := alice.Propose(ctx, bob.walletAddr, "quest-5", "light the beacons", 4); err != nil {
		t.Fatalf("propose: %v", err)
	}
	processNext(t, bob)
	if err := bob.Accept(ctx, offerFor(t, bob, "quest-5", negotiation.StateProposed)); err != nil {
		t.Fatalf("accept: %v", err)
	}
	processNext(t, alice)
	offerFor(t, alice, "quest-5", negotiation.StateAccepted)

	// The acceptor withdraws. Its own acceptance was the last event, so the
	// derived offer must still point the cancellation at the proposer.
	accepted := offerFor(t, bob, "quest-5", negotiation.StateAccepted)
	if accepted.Counterparty != alice.walletAddr {
		t.Fatalf("acceptor's offer names %s as counterparty, want %s", accepted.Counterparty, alice.walletAddr)
	}
	if err := bob.Cancel(ctx, accepted); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	processNext(t, alice)
	offerFor(t, alice, "quest-5", negotiation.StateCanceled)
	offerFor(t, bob, "quest-5", negotiation.StateCanceled)

	if chainConn.count() != 0 {
		t.Fatalf("a withdrawn offer must never be broadcast")
	}

	// The superseded acceptance is removed; only the cancellation itself
	// remains in the proposer's mailbox.
	deadline := time.Now().Add(3 * time.Second)
	for {
		list, err := alice.api.ListNotifications(ctx, alice.walletAddr)
		if err != nil {
			t.Fatalf("list mailbox: %v", err)
		}
		if len(list) == 1 && list[0].MessageType == string(negotiation.TypeQuestCanceled) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("proposer mailbox not reduced to the cancellation, %d entries", len(list))
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestAcceptRequiresCounterpartyOnline(t *testing.T) {
	srv := newTestServer(t)
	clock := newFakeClock()
	chainConn := &fakeChainConn{}

	alice := newTestClient(t, srv.URL, chainConn, clock)
	bob := newTestClient(t, srv.URL, chainConn, clock)
	ctx := context.Background()

	if err := alice.Propose(ctx, bob.walletAddr, "quest-4", "map the ruins", 2); err != nil {
		t.Fatalf("propose: %v", err)
	}
	processNext(t, bob)
	proposal := offerFor(t, bob, "quest-4", negotiation.StateProposed)

	_ = alice.Close()
	deadline := time.Now().Add(3 * time.Second)
	for {
		online, err := bob.CounterpartyOnline(ctx, alice.walletAddr)
		if err != nil {
			t.Fatalf("presence: %v", err)
		}
		if !online {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("proposer still reads online after disconnect")
		}
		time.Sleep(20 * time.Millisecond)
	}

	if err := bob.Accept(ctx, proposal); !errors.Is(err, ErrOffline) {
		t.Fatalf("expected ErrOffline, got %v", err)
	}
	if chainConn.count() != 0 {
		t.Fatalf("no transaction may be built while the counterparty is offline")
	}
}

func TestSessionBootstrapIsStableAcrossClients(t *testing.T) {
	srv := newTestServer(t)
	clock := newFakeClock()
	chainConn := &fakeChainConn{}

	alice := newTestClient(t, srv.URL, chainConn, clock)

	// A second bootstrap for the same wallet and store keeps the binding.
	again, err := New(Config{
		BaseURL:       srv.URL,
		WalletAddress: alice.walletAddr,
		WalletKey:     alice.walletKey,
		Store:         alice.store,
		Builder:       chain.NewProgram("QuestProgram11111111111111111111"),
		Conn:          chainConn,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if err := again.Bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if again.NotifAddress() != alice.NotifAddress() {
		t.Fatalf("rebootstrap changed the notification address")
	}
}

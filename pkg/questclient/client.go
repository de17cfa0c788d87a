package questclient

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"questboard/internal/chain"
	"questboard/internal/cryptobox"
	"questboard/internal/handoff"
	"questboard/internal/localstore"
	"questboard/internal/negotiation"
	"questboard/internal/session"
	"questboard/internal/wallet"
)

var (
	ErrOffline      = errors.New("questclient: counterparty is offline")
	ErrUnknownOffer = errors.New("questclient: no such offer event")
	ErrNotConnected = errors.New("questclient: channel not connected")
)

const defaultTokenTTL = 24 * time.Hour

type channelEnvelope struct {
	Type         string        `json:"type"`
	ID           string        `json:"id,omitempty"`
	Notification *Notification `json:"notification,omitempty"`
}

const (
	envelopeNotification = "notification"
	envelopeDelete       = "delete_notification"
)

// Config wires a client runtime. The wallet key stands in for the external
// wallet's signing capability; signing UI is out of scope.
type Config struct {
	BaseURL       string
	WalletAddress string
	WalletKey     ed25519.PrivateKey
	UserName      string
	Store         *localstore.Store
	Builder       chain.Builder
	Conn          chain.Conn
	Clock         handoff.Clock
	TokenTTL      time.Duration
}

// Client is one party's runtime: it owns the session identity, the realtime
// channel, the replayed event log and the handoff coordinator. Incoming
// events are processed to completion one at a time.
type Client struct {
	api      *API
	store    *localstore.Store
	sessions *session.Manager
	clock    handoff.Clock

	walletAddr  string
	walletKey   ed25519.PrivateKey
	userName    string
	sessionPriv ed25519.PrivateKey
	notifAddr   string

	coordinator *handoff.Coordinator
	tokenTTL    time.Duration

	mu       sync.Mutex
	conn     *wsClientConn
	events   []negotiation.Event
	secrets  map[string][32]byte
	contacts map[string]UserInfo
}

func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" || cfg.WalletAddress == "" || len(cfg.WalletKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("questclient: incomplete config")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("questclient: local store required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = handoff.SystemClock()
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	return &Client{
		api:         NewAPI(cfg.BaseURL),
		store:       cfg.Store,
		sessions:    session.NewManager(cfg.Store),
		clock:       clock,
		walletAddr:  cfg.WalletAddress,
		walletKey:   cfg.WalletKey,
		userName:    cfg.UserName,
		coordinator: handoff.New(cfg.Builder, cfg.Conn, handoff.NewKeySigner(cfg.WalletKey, cfg.WalletAddress), clock),
		tokenTTL:    ttl,
		secrets:     make(map[string][32]byte),
		contacts:    make(map[string]UserInfo),
	}, nil
}

// Bootstrap establishes the session identity: load-or-create the device
// keypair, register the consent-signed binding if the directory has no
// matching record, and mint the channel access token.
func (c *Client) Bootstrap(ctx context.Context) error {
	priv, err := c.sessions.GetOrCreate(ctx, c.walletAddr)
	if err != nil {
		return err
	}
	c.sessionPriv = priv

	notifAddr, err := cryptobox.NotifAddress(priv)
	if err != nil {
		return err
	}
	c.notifAddr = notifAddr
	sessionAddr := wallet.Address(priv.Public().(ed25519.PublicKey))

	info, err := c.api.FetchUser(ctx, c.walletAddr)
	switch {
	case errors.Is(err, ErrNotRegistered):
		if err := c.register(ctx, priv); err != nil {
			return err
		}
	case err != nil:
		return err
	case info.SessionAddress != sessionAddr:
		// A previous device's binding; replace it with ours.
		if err := c.register(ctx, priv); err != nil {
			return err
		}
	}

	token, err := wallet.AccessToken(priv, c.walletAddr, c.tokenTTL)
	if err != nil {
		return err
	}
	c.api.SetToken(token)
	return nil
}

func (c *Client) register(ctx context.Context, priv ed25519.PrivateKey) error {
	binding, err := c.sessions.Bind(priv, func(msg []byte) (string, error) {
		return wallet.SignDetached(c.walletKey, msg), nil
	})
	if err != nil {
		return err
	}
	_, err = c.api.RegisterUser(ctx, c.walletAddr, registerUserRequest{
		UserName:       c.userName,
		SessionAddress: binding.SessionAddress,
		NotifAddress:   binding.NotifAddress,
		Signature:      binding.Signature,
	})
	return err
}

// Connect opens the realtime channel, establishing presence. Stored mailbox
// entries are replayed by the server as the first pushed frames.
func (c *Client) Connect(ctx context.Context) error {
	wsURL, err := c.api.channelURL(c.walletAddr)
	if err != nil {
		return err
	}
	conn, err := dialWebsocket(wsURL)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// NotifAddress is the client's published encryption address.
func (c *Client) NotifAddress() string { return c.notifAddr }

// Offers replays the event log into the current per-quest offer states.
func (c *Client) Offers() map[string]negotiation.Offer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return negotiation.Reduce(c.events, c.walletAddr)
}

// CounterpartyOnline reads presence fresh; callers must not cache it.
func (c *Client) CounterpartyOnline(ctx context.Context, walletAddress string) (bool, error) {
	return c.api.IsOnline(ctx, walletAddress)
}

// ProcessNext blocks for one pushed frame and handles it to completion.
// Undecryptable or malformed payloads are reported and otherwise inert.
func (c *Client) ProcessNext(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	payload, err := conn.ReadText()
	if err != nil {
		return err
	}
	var env channelEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return fmt.Errorf("questclient: unreadable envelope: %w", err)
	}
	if env.Type != envelopeNotification || env.Notification == nil {
		return nil
	}
	return c.handleNotification(ctx, *env.Notification)
}

// Run processes pushed frames until the channel closes or ctx is canceled.
// A failed event never stops the stream.
func (c *Client) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := c.ProcessNext(ctx)
		switch {
		case err == nil:
		case errors.Is(err, cryptobox.ErrDecryptionFailed), errors.Is(err, negotiation.ErrInvalidMessage):
			slog.Warn("notification dropped", "wallet", c.walletAddr, "err", err)
		default:
			return err
		}
	}
}

// Sync drains the mailbox over the request/response fallback, processing
// every entry not yet seen. Used when no channel is open, and harmless when
// one is: entries already in the event log are skipped.
func (c *Client) Sync(ctx context.Context) error {
	list, err := c.api.ListNotifications(ctx, c.walletAddr)
	if err != nil {
		return err
	}
	for _, n := range list {
		if err := c.handleNotification(ctx, n); err != nil {
			slog.Warn("notification dropped", "wallet", c.walletAddr, "id", n.ID, "err", err)
		}
	}
	return nil
}

func (c *Client) handleNotification(ctx context.Context, n Notification) error {
	if _, seen := c.eventByID(n.ID); seen {
		return nil
	}
	secret, err := c.secretFor(n.SenderNotifAddr)
	if err != nil {
		return err
	}
	plaintext, err := cryptobox.Decrypt(n.Payload, secret)
	if err != nil {
		return err
	}
	msg, err := negotiation.Parse(negotiation.MessageType(n.MessageType), plaintext)
	if err != nil {
		return err
	}

	ev := negotiation.Event{
		NotificationID: n.ID,
		Type:           negotiation.MessageType(n.MessageType),
		Sender:         n.Sender,
		Recipient:      c.walletAddr,
		ReceivedAt:     n.ReceivedAt,
		Message:        msg,
	}

	c.mu.Lock()
	c.events = append(c.events, ev)
	var cancelTarget *uuid.UUID
	if msg.CancelID != nil {
		if _, ok := negotiation.ResolveCancel(c.events, *msg.CancelID); ok {
			cancelTarget = msg.CancelID
		}
	}
	c.mu.Unlock()

	// Remove the entry this message supersedes from our own mailbox.
	if cancelTarget != nil {
		if err := c.deleteOwn(ctx, *cancelTarget); err != nil {
			slog.Warn("superseded entry not deleted", "id", cancelTarget, "err", err)
		}
	}

	// Settlement is consumed silently: drop the signal itself and rotate the
	// post-negotiation session key.
	if ev.Type == negotiation.TypeQuestSettled {
		if err := c.deleteOwn(ctx, n.ID); err != nil {
			slog.Warn("settled entry not deleted", "id", n.ID, "err", err)
		}
		if _, err := c.sessions.Rotate(ctx, c.walletAddr); err != nil {
			return err
		}
	}
	return nil
}

// Propose starts a negotiation: encrypt the proposal for the counterparty
// and append it to their mailbox.
func (c *Client) Propose(ctx context.Context, counterparty, quest, content string, minStake float64) error {
	msg := negotiation.Message{Quest: quest, Content: content, MinStake: minStake}
	_, err := c.send(ctx, counterparty, negotiation.TypeQuestProposal, msg)
	return err
}

// Reject answers a received proposal. The response supersedes the proposal
// entry on both sides.
func (c *Client) Reject(ctx context.Context, offer negotiation.Offer) error {
	proposal, ok := c.eventByID(offer.LastEventID)
	if !ok {
		return ErrUnknownOffer
	}
	msg := proposal.Message
	msg.CancelID = &offer.LastEventID
	if _, err := c.send(ctx, offer.Counterparty, negotiation.TypeQuestRejected, msg); err != nil {
		return err
	}
	return c.deleteOwn(ctx, offer.LastEventID)
}

// Accept answers a received proposal with a partially signed staking
// transaction and the handoff deadline. Requires the counterparty online;
// the canonical proposal is stored content-addressed for later audit.
func (c *Client) Accept(ctx context.Context, offer negotiation.Offer) error {
	online, err := c.api.IsOnline(ctx, offer.Counterparty)
	if err != nil {
		return err
	}
	if !online {
		return ErrOffline
	}
	proposal, ok := c.eventByID(offer.LastEventID)
	if !ok {
		return ErrUnknownOffer
	}

	acc, err := c.coordinator.Accept(ctx, proposal.Message, c.walletAddr)
	if err != nil {
		return err
	}
	if _, err := c.store.PutProposal(ctx, acc.Canonical); err != nil {
		return err
	}

	msg := proposal.Message
	msg.CancelID = &offer.LastEventID
	msg.SerializedTx = acc.SerializedTx
	msg.ExpiresAt = &acc.ExpiresAt
	if _, err := c.send(ctx, offer.Counterparty, negotiation.TypeQuestAccepted, msg); err != nil {
		return err
	}
	return c.deleteOwn(ctx, offer.LastEventID)
}

// Countersign completes the handoff for a received acceptance: countersign,
// broadcast, confirm, then signal settlement. A stale acceptance is refused
// and its entry deleted without any broadcast.
func (c *Client) Countersign(ctx context.Context, offer negotiation.Offer) error {
	online, err := c.api.IsOnline(ctx, offer.Counterparty)
	if err != nil {
		return err
	}
	if !online {
		return ErrOffline
	}
	acceptance, ok := c.eventByID(offer.LastEventID)
	if !ok {
		return ErrUnknownOffer
	}

	if _, err := c.coordinator.Countersign(ctx, acceptance.Message); err != nil {
		if errors.Is(err, handoff.ErrExpiredHandoff) {
			if derr := c.deleteOwn(ctx, offer.LastEventID); derr != nil {
				slog.Warn("stale acceptance not deleted", "id", offer.LastEventID, "err", derr)
			}
		}
		return err
	}

	msg := negotiation.Message{Quest: offer.Quest, CancelID: &offer.LastEventID}
	if _, err := c.send(ctx, offer.Counterparty, negotiation.TypeQuestSettled, msg); err != nil {
		return err
	}
	if err := c.deleteOwn(ctx, offer.LastEventID); err != nil {
		return err
	}
	_, err = c.sessions.Rotate(ctx, c.walletAddr)
	return err
}

// Cancel withdraws from an accepted offer without settling.
func (c *Client) Cancel(ctx context.Context, offer negotiation.Offer) error {
	msg := negotiation.Message{Quest: offer.Quest, CancelID: &offer.LastEventID}
	if _, err := c.send(ctx, offer.Counterparty, negotiation.TypeQuestCanceled, msg); err != nil {
		return err
	}
	return c.deleteOwn(ctx, offer.LastEventID)
}

func (c *Client) send(ctx context.Context, counterparty string, t negotiation.MessageType, msg negotiation.Message) (Notification, error) {
	if err := msg.Validate(t); err != nil {
		return Notification{}, err
	}
	info, err := c.contactFor(ctx, counterparty)
	if err != nil {
		return Notification{}, err
	}
	secret, err := c.secretFor(info.NotifAddress)
	if err != nil {
		return Notification{}, err
	}
	plaintext, err := json.Marshal(msg)
	if err != nil {
		return Notification{}, err
	}
	payload, err := cryptobox.Encrypt(plaintext, secret)
	if err != nil {
		return Notification{}, err
	}
	n, err := c.api.SendNotification(ctx, counterparty, sendNotificationRequest{
		Sender:          c.walletAddr,
		SenderNotifAddr: c.notifAddr,
		MessageType:     string(t),
		Payload:         payload,
	})
	if err != nil {
		return Notification{}, err
	}

	// Our own sends enter the event log too; the derived offer state covers
	// both directions of the exchange.
	c.mu.Lock()
	c.events = append(c.events, negotiation.Event{
		NotificationID: n.ID,
		Type:           t,
		Sender:         c.walletAddr,
		Recipient:      counterparty,
		ReceivedAt:     n.ReceivedAt,
		Message:        msg,
	})
	c.mu.Unlock()
	return n, nil
}

// deleteOwn removes an entry from our own mailbox, over the channel when
// connected, through the REST fallback otherwise.
func (c *Client) deleteOwn(ctx context.Context, id uuid.UUID) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		data, err := json.Marshal(channelEnvelope{Type: envelopeDelete, ID: id.String()})
		if err != nil {
			return err
		}
		return conn.WriteText(data)
	}
	return c.api.DeleteNotification(ctx, c.walletAddr, id)
}

func (c *Client) eventByID(id uuid.UUID) (negotiation.Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ev := range c.events {
		if ev.NotificationID == id {
			return ev, true
		}
	}
	return negotiation.Event{}, false
}

func (c *Client) contactFor(ctx context.Context, walletAddress string) (UserInfo, error) {
	c.mu.Lock()
	info, ok := c.contacts[walletAddress]
	c.mu.Unlock()
	if ok {
		return info, nil
	}
	info, err := c.api.FetchUser(ctx, walletAddress)
	if err != nil {
		return UserInfo{}, err
	}
	c.mu.Lock()
	c.contacts[walletAddress] = info
	c.mu.Unlock()
	return info, nil
}

func (c *Client) secretFor(notifAddress string) ([32]byte, error) {
	c.mu.Lock()
	secret, ok := c.secrets[notifAddress]
	c.mu.Unlock()
	if ok {
		return secret, nil
	}
	secret, err := cryptobox.DeriveSharedSecret(c.sessionPriv, notifAddress)
	if err != nil {
		return [32]byte{}, err
	}
	c.mu.Lock()
	c.secrets[notifAddress] = secret
	c.mu.Unlock()
	return secret, nil
}

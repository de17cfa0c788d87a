// Package handoff orchestrates the two-phase staking transaction: the quest
// owner builds and partially signs on acceptance, the proposer countersigns,
// broadcasts and confirms within the handoff window.
package handoff

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"questboard/internal/chain"
	"questboard/internal/negotiation"
)

// Window is how long a partially signed transaction remains valid for
// countersigning.
const Window = 180 * time.Second

var (
	ErrExpiredHandoff = errors.New("handoff: transaction expired before countersigning")
	ErrBroadcast      = errors.New("handoff: broadcast failed")
	ErrConfirm        = errors.New("handoff: confirmation failed")
	ErrNoTransaction  = errors.New("handoff: acceptance carries no transaction")
)

// Clock abstracts wall time so expiry logic is deterministically testable.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// SystemClock is the production clock.
func SystemClock() Clock { return realClock{} }

// Signer is the wallet's primary signing capability, injected so the
// coordinator never holds wallet keys itself.
type Signer interface {
	Address() string
	SignTransaction(tx *chain.Transaction) error
}

// KeySigner signs with an in-memory Ed25519 key. Production wraps a wallet
// prompt; tests and the CLI use this.
type KeySigner struct {
	priv ed25519.PrivateKey
	addr string
}

func NewKeySigner(priv ed25519.PrivateKey, address string) *KeySigner {
	return &KeySigner{priv: priv, addr: address}
}

func (s *KeySigner) Address() string { return s.addr }

func (s *KeySigner) SignTransaction(tx *chain.Transaction) error {
	return tx.Sign(s.priv)
}

// Acceptance is the outcome of the accept phase: everything the QUEST_ACCEPTED
// payload needs, plus the proposal hash for the content-addressed store.
type Acceptance struct {
	SerializedTx string
	ExpiresAt    time.Time
	ProposalHash [32]byte
	Canonical    []byte
}

// Coordinator drives both phases against the injected chain collaborator.
type Coordinator struct {
	builder chain.Builder
	conn    chain.Conn
	signer  Signer
	clock   Clock
}

func New(builder chain.Builder, conn chain.Conn, signer Signer, clock Clock) *Coordinator {
	if clock == nil {
		clock = SystemClock()
	}
	return &Coordinator{builder: builder, conn: conn, signer: signer, clock: clock}
}

// Accept builds the staking transaction for a received proposal: hash the
// canonical proposal, build the accept-quest instruction, set the fee payer,
// fetch a recent blockhash, partially sign and serialize. The returned
// deadline starts the counterparty's handoff window.
func (c *Coordinator) Accept(ctx context.Context, proposal negotiation.Message, offeree string) (Acceptance, error) {
	canonical := proposal.Canonical()
	hash := sha256.Sum256(canonical)

	ix, err := c.builder.AcceptQuest(ctx, chain.AcceptQuestParams{
		Quest:               proposal.Quest,
		Offeree:             offeree,
		StakeAmount:         chain.Lamports(proposal.MinStake),
		OffereeProposalHash: hash,
	})
	if err != nil {
		return Acceptance{}, err
	}

	blockhash, err := c.conn.LatestBlockhash(ctx)
	if err != nil {
		return Acceptance{}, err
	}

	tx := &chain.Transaction{
		FeePayer:        c.signer.Address(),
		RecentBlockhash: blockhash,
		Instructions:    []chain.Instruction{ix},
	}
	if err := c.signer.SignTransaction(tx); err != nil {
		return Acceptance{}, err
	}
	blob, err := tx.Serialize()
	if err != nil {
		return Acceptance{}, err
	}
	return Acceptance{
		SerializedTx: blob,
		ExpiresAt:    c.clock.Now().Add(Window),
		ProposalHash: hash,
		Canonical:    canonical,
	}, nil
}

// Countersign completes the handoff for a received QUEST_ACCEPTED message:
// refuse when the declared expiry has passed, otherwise countersign,
// broadcast without preflight and await confirmation. Broadcast and
// confirmation failures leave the offer unresolved; no automatic retry.
func (c *Coordinator) Countersign(ctx context.Context, acceptance negotiation.Message) (string, error) {
	if acceptance.SerializedTx == "" {
		return "", ErrNoTransaction
	}
	if acceptance.ExpiresAt != nil && c.clock.Now().After(*acceptance.ExpiresAt) {
		return "", ErrExpiredHandoff
	}

	tx, err := chain.Deserialize(acceptance.SerializedTx)
	if err != nil {
		return "", err
	}
	if err := c.signer.SignTransaction(tx); err != nil {
		return "", err
	}
	raw, err := tx.Raw()
	if err != nil {
		return "", err
	}

	signature, err := c.conn.SendRawTransaction(ctx, raw, chain.SendOptions{SkipPreflight: true})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBroadcast, err)
	}
	if err := c.conn.ConfirmSignature(ctx, signature); err != nil {
		return "", fmt.Errorf("%w: %v", ErrConfirm, err)
	}
	return signature, nil
}

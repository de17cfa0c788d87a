// Package session manages the device-local session keypair bound to a
// wallet identity: one persisted signing key per wallet, a derived
// notification address, and the signed consent needed to register both.
package session

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"

	"questboard/internal/cryptobox"
	"questboard/internal/localstore"
	"questboard/internal/wallet"
)

// SignMessage obtains a wallet signature over a consent message. The
// returned signature is base58.
type SignMessage func(message []byte) (string, error)

// Binding is the verified identity submitted to the directory.
type Binding struct {
	SessionAddress string
	NotifAddress   string
	Signature      string
}

type Manager struct {
	store *localstore.Store
}

func NewManager(store *localstore.Store) *Manager {
	return &Manager{store: store}
}

// GetOrCreate returns the wallet's persisted session key, generating and
// persisting a fresh one on first use. The key never leaves the device.
func (m *Manager) GetOrCreate(ctx context.Context, walletAddress string) (ed25519.PrivateKey, error) {
	seed, err := m.store.GetSecret(ctx, localstore.PurposeIdentity, walletAddress)
	if err == nil {
		if len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("session: corrupt stored seed for %s", walletAddress)
		}
		return ed25519.NewKeyFromSeed(seed), nil
	}
	if !errors.Is(err, localstore.ErrNotFound) {
		return nil, err
	}

	_, priv, err := wallet.GenerateKeypair()
	if err != nil {
		return nil, err
	}
	if err := m.store.PutSecret(ctx, localstore.PurposeIdentity, walletAddress, priv.Seed()); err != nil {
		return nil, err
	}
	return priv, nil
}

// Rotate mints and persists a fresh post-settlement keypair for the wallet.
func (m *Manager) Rotate(ctx context.Context, walletAddress string) (ed25519.PrivateKey, error) {
	_, priv, err := wallet.GenerateKeypair()
	if err != nil {
		return nil, err
	}
	if err := m.store.PutSecret(ctx, localstore.PurposeSessionKeys, walletAddress, priv.Seed()); err != nil {
		return nil, err
	}
	return priv, nil
}

// Bind produces the consent-signed binding for a session key. The wallet
// signs the canonical consent string embedding both derived addresses; the
// directory verifies that signature before persisting anything.
func (m *Manager) Bind(sessionPriv ed25519.PrivateKey, sign SignMessage) (Binding, error) {
	sessionAddr := wallet.Address(sessionPriv.Public().(ed25519.PublicKey))
	notifAddr, err := cryptobox.NotifAddress(sessionPriv)
	if err != nil {
		return Binding{}, err
	}
	msg := wallet.ConsentMessage(sessionAddr, notifAddr)
	sig, err := sign([]byte(msg))
	if err != nil {
		return Binding{}, fmt.Errorf("session: consent signing: %w", err)
	}
	return Binding{
		SessionAddress: sessionAddr,
		NotifAddress:   notifAddr,
		Signature:      sig,
	}, nil
}

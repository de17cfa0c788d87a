// Package cryptobox implements the notification payload encryption shared by
// both negotiation parties: an X25519 key agreement between device session
// keys followed by authenticated symmetric encryption. Each party derives the
// same secret independently, no round-trip is required.
package cryptobox

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"io"
	"sync"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const hkdfInfoNotif = "QuestBoard-Notif-v1"

var (
	ErrInvalidNotifAddress = errors.New("cryptobox: invalid notification address")
	ErrDecryptionFailed    = errors.New("cryptobox: message authentication failed")
)

var (
	randMu        sync.RWMutex
	randomnessSrc io.Reader = randReader{}
)

// randReader wraps crypto/rand.Reader but keeps the type unexported so tests
// can substitute deterministic sources.
type randReader struct{}

func (randReader) Read(p []byte) (int, error) {
	return rand.Read(p)
}

// UseDeterministicRandom swaps the randomness source for deterministic testing
// and returns a restore function that must be called when the test completes.
func UseDeterministicRandom(r io.Reader) func() {
	randMu.Lock()
	prev := randomnessSrc
	randomnessSrc = r
	randMu.Unlock()
	return func() {
		randMu.Lock()
		randomnessSrc = prev
		randMu.Unlock()
	}
}

func readRandom(b []byte) error {
	randMu.RLock()
	src := randomnessSrc
	randMu.RUnlock()
	_, err := io.ReadFull(src, b)
	return err
}

func ed25519PrivToCurve25519(priv ed25519.PrivateKey) [32]byte {
	h := sha512.Sum512(priv.Seed())
	h[0] &= 248
	h[31] &= 127
	h[31] |= 64
	var out [32]byte
	copy(out[:], h[:32])
	return out
}

// NotifAddress derives the public encryption address for a session keypair:
// the X25519 public key of the converted Ed25519 private key, base58 encoded.
func NotifAddress(sessionPriv ed25519.PrivateKey) (string, error) {
	dhPriv := ed25519PrivToCurve25519(sessionPriv)
	pub, err := curve25519.X25519(dhPriv[:], curve25519.Basepoint)
	if err != nil {
		return "", err
	}
	return base58.Encode(pub), nil
}

// DeriveSharedSecret performs the key agreement between the local session
// keypair and the counterparty's notification address. The result is
// symmetric: A's session key with B's notif address yields the same secret as
// B's session key with A's notif address.
func DeriveSharedSecret(sessionPriv ed25519.PrivateKey, counterpartyNotifAddress string) ([32]byte, error) {
	var secret [32]byte
	theirPub, err := base58.Decode(counterpartyNotifAddress)
	if err != nil || len(theirPub) != 32 {
		return secret, ErrInvalidNotifAddress
	}
	dhPriv := ed25519PrivToCurve25519(sessionPriv)
	shared, err := curve25519.X25519(dhPriv[:], theirPub)
	if err != nil {
		return secret, err
	}
	kdf := hkdf.New(sha256.New, shared, nil, []byte(hkdfInfoNotif))
	if _, err := io.ReadFull(kdf, secret[:]); err != nil {
		return [32]byte{}, err
	}
	return secret, nil
}

// Encrypt seals plaintext under the shared secret and returns the base58
// encoding of nonce||ciphertext.
func Encrypt(plaintext []byte, secret [32]byte) (string, error) {
	aead, err := chacha20poly1305.NewX(secret[:])
	if err != nil {
		return "", err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if err := readRandom(nonce); err != nil {
		return "", err
	}
	sealed := aead.Seal(nonce, nonce, plaintext, nil)
	return base58.Encode(sealed), nil
}

// Decrypt opens a payload produced by Encrypt. It fails closed: any tampering
// or secret mismatch yields ErrDecryptionFailed and no partial plaintext.
func Decrypt(payload string, secret [32]byte) ([]byte, error) {
	raw, err := base58.Decode(payload)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	if len(raw) < chacha20poly1305.NonceSizeX {
		return nil, ErrDecryptionFailed
	}
	aead, err := chacha20poly1305.NewX(secret[:])
	if err != nil {
		return nil, err
	}
	nonce, ct := raw[:chacha20poly1305.NonceSizeX], raw[chacha20poly1305.NonceSizeX:]
	plaintext, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

var _ io.Reader = randReader{}

package wallet

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mr-tron/base58"
)

var (
	ErrInvalidAddress   = errors.New("wallet: invalid address")
	ErrInvalidSignature = errors.New("wallet: invalid signature")
	ErrInvalidToken     = errors.New("wallet: invalid access token")
)

// ConsentMessage is the canonical string a wallet signs to bind a device
// session keypair to its identity. The session and notification addresses are
// embedded so the signature cannot be replayed for different key material.
func ConsentMessage(sessionAddress, notifAddress string) string {
	return fmt.Sprintf("I agree with QuestBoard's terms and privacy policy. %s.%s", sessionAddress, notifAddress)
}

// DecodePublicKey parses a base58 wallet or session address into an Ed25519
// public key.
func DecodePublicKey(address string) (ed25519.PublicKey, error) {
	raw, err := base58.Decode(address)
	if err != nil {
		return nil, ErrInvalidAddress
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, ErrInvalidAddress
	}
	return ed25519.PublicKey(raw), nil
}

// Address renders an Ed25519 public key as a base58 wallet address.
func Address(pub ed25519.PublicKey) string {
	return base58.Encode(pub)
}

// GenerateKeypair creates a fresh Ed25519 keypair for use as a device session
// identity.
func GenerateKeypair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}

// VerifyConsent checks the detached signature over the canonical consent
// message against the wallet address extracted from the request route.
func VerifyConsent(walletAddress, sessionAddress, notifAddress, signature string) error {
	pub, err := DecodePublicKey(walletAddress)
	if err != nil {
		return err
	}
	sig, err := base58.Decode(signature)
	if err != nil {
		return ErrInvalidSignature
	}
	msg := []byte(ConsentMessage(sessionAddress, notifAddress))
	if !ed25519.Verify(pub, msg, sig) {
		return ErrInvalidSignature
	}
	return nil
}

// SignDetached produces a base58 detached signature over msg.
func SignDetached(priv ed25519.PrivateKey, msg []byte) string {
	return base58.Encode(ed25519.Sign(priv, msg))
}

const tokenIssuer = "questboard"

// AccessToken mints a short-lived EdDSA token signed by the session keypair.
// The subject is the wallet address; servers verify the signature against the
// session address registered for that wallet.
func AccessToken(sessionPriv ed25519.PrivateKey, walletAddress string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   walletAddress,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	t := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	return t.SignedString(sessionPriv)
}

// VerifyAccessToken validates token against the registered session address and
// returns the wallet address it was minted for.
func VerifyAccessToken(token, sessionAddress string) (string, error) {
	pub, err := DecodePublicKey(sessionAddress)
	if err != nil {
		return "", err
	}
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return pub, nil
	}, jwt.WithIssuer(tokenIssuer), jwt.WithExpirationRequired())
	if err != nil || !parsed.Valid {
		return "", ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

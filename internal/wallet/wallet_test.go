package wallet

import (
	"crypto/ed25519"
	"errors"
	"testing"
	"time"
)

func TestVerifyConsent(t *testing.T) {
	pub, priv, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	walletAddr := Address(pub)
	session := "SessSessSessSessSessSessSessSess"
	notif := "NotifNotifNotifNotifNotifNotifNo"

	sig := SignDetached(priv, []byte(ConsentMessage(session, notif)))
	if err := VerifyConsent(walletAddr, session, notif, sig); err != nil {
		t.Fatalf("expected valid consent, got %v", err)
	}

	// signature from a different wallet must not verify
	_, otherPriv, _ := GenerateKeypair()
	badSig := SignDetached(otherPriv, []byte(ConsentMessage(session, notif)))
	if err := VerifyConsent(walletAddr, session, notif, badSig); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}

	// tampered embedded addresses must not verify
	if err := VerifyConsent(walletAddr, session, "tampered", sig); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature for tampered message, got %v", err)
	}
}

func TestDecodePublicKey(t *testing.T) {
	pub, _, _ := GenerateKeypair()
	addr := Address(pub)

	got, err := DecodePublicKey(addr)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.Equal(pub) {
		t.Fatalf("roundtrip mismatch")
	}

	if _, err := DecodePublicKey("not-base58-0OIl"); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("expected ErrInvalidAddress, got %v", err)
	}
	if _, err := DecodePublicKey("abc"); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("expected ErrInvalidAddress for short key, got %v", err)
	}
}

func TestAccessToken(t *testing.T) {
	sessPub, sessPriv, _ := GenerateKeypair()
	sessionAddr := Address(sessPub)
	walletAddr := Address(ed25519.PublicKey(make([]byte, ed25519.PublicKeySize)))

	token, err := AccessToken(sessPriv, walletAddr, time.Minute)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	subject, err := VerifyAccessToken(token, sessionAddr)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if subject != walletAddr {
		t.Fatalf("expected subject %s, got %s", walletAddr, subject)
	}

	// verification against a different session address must fail
	otherPub, _, _ := GenerateKeypair()
	if _, err := VerifyAccessToken(token, Address(otherPub)); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestAccessTokenExpired(t *testing.T) {
	sessPub, sessPriv, _ := GenerateKeypair()
	token, err := AccessToken(sessPriv, "wallet", -time.Minute)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := VerifyAccessToken(token, Address(sessPub)); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for expired token, got %v", err)
	}
}

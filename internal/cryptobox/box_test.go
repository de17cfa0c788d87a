package cryptobox

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"testing"
)

func deterministicReader(size int) *bytes.Reader {
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = byte(i % 251)
	}
	return bytes.NewReader(buf)
}

func keypair(t *testing.T) ed25519.PrivateKey {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	return priv
}

func TestSharedSecretSymmetry(t *testing.T) {
	alice := keypair(t)
	bob := keypair(t)

	aliceNotif, err := NotifAddress(alice)
	if err != nil {
		t.Fatalf("alice notif: %v", err)
	}
	bobNotif, err := NotifAddress(bob)
	if err != nil {
		t.Fatalf("bob notif: %v", err)
	}

	s1, err := DeriveSharedSecret(alice, bobNotif)
	if err != nil {
		t.Fatalf("alice secret: %v", err)
	}
	s2, err := DeriveSharedSecret(bob, aliceNotif)
	if err != nil {
		t.Fatalf("bob secret: %v", err)
	}
	if s1 != s2 {
		t.Fatalf("secrets differ: %x vs %x", s1, s2)
	}

	carol := keypair(t)
	s3, err := DeriveSharedSecret(carol, bobNotif)
	if err != nil {
		t.Fatalf("carol secret: %v", err)
	}
	if s3 == s1 {
		t.Fatalf("unrelated party derived the same secret")
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	restore := UseDeterministicRandom(deterministicReader(4096))
	defer restore()

	alice := keypair(t)
	bob := keypair(t)
	bobNotif, _ := NotifAddress(bob)
	secret, err := DeriveSharedSecret(alice, bobNotif)
	if err != nil {
		t.Fatalf("secret: %v", err)
	}

	plaintext := []byte(`{"quest":"q1","content":"hello","minStake":5}`)
	ct, err := Encrypt(plaintext, secret)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	got, err := Decrypt(ct, secret)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("roundtrip mismatch: %q", got)
	}
}

func TestDecryptFailsClosed(t *testing.T) {
	alice := keypair(t)
	bob := keypair(t)
	bobNotif, _ := NotifAddress(bob)
	secret, _ := DeriveSharedSecret(alice, bobNotif)

	ct, err := Encrypt([]byte("payload"), secret)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	// mismatched secret
	var wrong [32]byte
	wrong[0] = 1
	if _, err := Decrypt(ct, wrong); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("expected ErrDecryptionFailed, got %v", err)
	}

	// flipped ciphertext byte
	raw := []byte(ct)
	raw[len(raw)-1] ^= 1
	if _, err := Decrypt(string(raw), secret); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("expected ErrDecryptionFailed for tampered payload, got %v", err)
	}

	// garbage input
	if _, err := Decrypt("zz", secret); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("expected ErrDecryptionFailed for short payload, got %v", err)
	}
}

// Package chain wraps the on-chain program consumed by the handoff
// coordinator. Transactions are carried as opaque blobs between the two
// parties; this package only builds, partially signs and relays them, it
// never validates their semantics.
package chain

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"

	"questboard/internal/wallet"
)

var (
	ErrMalformedTransaction = errors.New("chain: malformed transaction")
	ErrMissingSignature     = errors.New("chain: fee payer signature missing")
)

// AccountMeta references an account an instruction touches.
type AccountMeta struct {
	Address  string `json:"address"`
	Signer   bool   `json:"signer"`
	Writable bool   `json:"writable"`
}

// Instruction is a single program invocation.
type Instruction struct {
	ProgramID string        `json:"programId"`
	Accounts  []AccountMeta `json:"accounts"`
	Data      []byte        `json:"data"`
}

// Transaction is the two-party staking transaction in transit. Signatures map
// signer addresses to base58 detached signatures over the canonical message.
type Transaction struct {
	FeePayer        string            `json:"feePayer"`
	RecentBlockhash string            `json:"recentBlockhash"`
	Instructions    []Instruction     `json:"instructions"`
	Signatures      map[string]string `json:"signatures,omitempty"`
}

// Message returns the canonical bytes every signer commits to: the
// transaction without its signatures.
func (tx *Transaction) Message() ([]byte, error) {
	unsigned := Transaction{
		FeePayer:        tx.FeePayer,
		RecentBlockhash: tx.RecentBlockhash,
		Instructions:    tx.Instructions,
	}
	return json.Marshal(&unsigned)
}

// Sign appends a partial signature from the given wallet key. Signing is
// additive: both parties sign the same canonical message.
func (tx *Transaction) Sign(priv ed25519.PrivateKey) error {
	msg, err := tx.Message()
	if err != nil {
		return err
	}
	if tx.Signatures == nil {
		tx.Signatures = make(map[string]string)
	}
	addr := wallet.Address(priv.Public().(ed25519.PublicKey))
	tx.Signatures[addr] = wallet.SignDetached(priv, msg)
	return nil
}

// SignedBy reports whether addr has a verifying signature on the transaction.
func (tx *Transaction) SignedBy(addr string) bool {
	sigB58, ok := tx.Signatures[addr]
	if !ok {
		return false
	}
	pub, err := wallet.DecodePublicKey(addr)
	if err != nil {
		return false
	}
	sig, err := base58.Decode(sigB58)
	if err != nil {
		return false
	}
	msg, err := tx.Message()
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// Serialize renders the transaction, partial signatures included, as a base58
// blob suitable for embedding in a notification payload.
func (tx *Transaction) Serialize() (string, error) {
	data, err := json.Marshal(tx)
	if err != nil {
		return "", err
	}
	return base58.Encode(data), nil
}

// Deserialize parses a blob produced by Serialize.
func Deserialize(blob string) (*Transaction, error) {
	raw, err := base58.Decode(blob)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedTransaction, err)
	}
	var tx Transaction
	if err := json.Unmarshal(raw, &tx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedTransaction, err)
	}
	if tx.FeePayer == "" || tx.RecentBlockhash == "" || len(tx.Instructions) == 0 {
		return nil, ErrMalformedTransaction
	}
	return &tx, nil
}

// Raw returns the broadcast form. It requires the fee payer's signature to be
// present and valid; anything else is the counterparty's concern, not ours.
func (tx *Transaction) Raw() ([]byte, error) {
	if !tx.SignedBy(tx.FeePayer) {
		return nil, ErrMissingSignature
	}
	return json.Marshal(tx)
}

package directory

import (
	"context"
	"errors"
	"log/slog"

	"questboard/internal/wallet"
)

// Defaults applied when a first registration omits the availability window.
const (
	DefaultAvailableStart = "8.0.AM"
	DefaultAvailableEnd   = "8.0.PM"
)

var (
	ErrMissingFields = errors.New("directory: missing required fields")
	ErrBadSignature  = errors.New("directory: consent signature does not verify")
	ErrNotRegistered = errors.New("directory: user not registered")
)

type RegisterInput struct {
	UserName       string
	SessionAddress string
	NotifAddress   string
	Signature      string
	AvailableStart string
	AvailableEnd   string
}

type Service struct {
	store *Store
}

func NewService(store *Store) *Service {
	return &Service{store: store}
}

// Register binds a device session to a wallet identity. The consent
// signature must verify against the wallet address before anything is
// written; a failed verification mutates nothing. Re-registering replaces
// the session binding but the availability window is first-write-wins.
func (s *Service) Register(ctx context.Context, walletAddress string, in RegisterInput) (UserInfo, error) {
	if walletAddress == "" || in.SessionAddress == "" || in.NotifAddress == "" || in.Signature == "" {
		return UserInfo{}, ErrMissingFields
	}
	if err := wallet.VerifyConsent(walletAddress, in.SessionAddress, in.NotifAddress, in.Signature); err != nil {
		slog.Warn("registration rejected", "wallet", walletAddress, "err", err)
		return UserInfo{}, ErrBadSignature
	}

	start, end := in.AvailableStart, in.AvailableEnd
	if start == "" {
		start = DefaultAvailableStart
	}
	if end == "" {
		end = DefaultAvailableEnd
	}

	u := UserInfo{
		WalletAddress:  walletAddress,
		UserName:       in.UserName,
		SessionAddress: in.SessionAddress,
		NotifAddress:   in.NotifAddress,
		Signature:      in.Signature,
		AvailableStart: start,
		AvailableEnd:   end,
	}
	if err := s.store.Upsert(ctx, &u); err != nil {
		return UserInfo{}, err
	}
	// Re-read so a repeat registration reports the original availability.
	return s.store.Get(ctx, walletAddress)
}

// Lookup returns the registration record for a wallet, or ErrNotRegistered.
func (s *Service) Lookup(ctx context.Context, walletAddress string) (UserInfo, error) {
	if walletAddress == "" {
		return UserInfo{}, ErrMissingFields
	}
	return s.store.Get(ctx, walletAddress)
}

package directory_test

import (
	"context"
	"errors"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"questboard/internal/directory"
	"questboard/internal/wallet"
)

func setupService(t *testing.T) *directory.Service {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	store := directory.NewStore(db)
	if err := store.AutoMigrate(context.Background()); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return directory.NewService(store)
}

func signedInput(t *testing.T) (string, directory.RegisterInput) {
	t.Helper()

	walletPub, walletPriv, err := wallet.GenerateKeypair()
	if err != nil {
		t.Fatalf("wallet keypair: %v", err)
	}
	sessionPub, _, err := wallet.GenerateKeypair()
	if err != nil {
		t.Fatalf("session keypair: %v", err)
	}
	notifPub, _, err := wallet.GenerateKeypair()
	if err != nil {
		t.Fatalf("notif keypair: %v", err)
	}

	walletAddr := wallet.Address(walletPub)
	sessionAddr := wallet.Address(sessionPub)
	notifAddr := wallet.Address(notifPub)

	msg := wallet.ConsentMessage(sessionAddr, notifAddr)
	sig := wallet.SignDetached(walletPriv, []byte(msg))

	return walletAddr, directory.RegisterInput{
		SessionAddress: sessionAddr,
		NotifAddress:   notifAddr,
		Signature:      sig,
	}
}

func TestRegisterAndLookup(t *testing.T) {
	svc := setupService(t)
	ctx := context.Background()

	walletAddr, in := signedInput(t)
	in.UserName = "ada"

	stored, err := svc.Register(ctx, walletAddr, in)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if stored.SessionAddress != in.SessionAddress || stored.NotifAddress != in.NotifAddress {
		t.Fatalf("stored binding differs from input: %+v", stored)
	}
	if stored.AvailableStart != directory.DefaultAvailableStart || stored.AvailableEnd != directory.DefaultAvailableEnd {
		t.Fatalf("expected default availability, got %q-%q", stored.AvailableStart, stored.AvailableEnd)
	}

	got, err := svc.Lookup(ctx, walletAddr)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.UserName != "ada" {
		t.Fatalf("expected user name persisted, got %q", got.UserName)
	}
}

func TestAvailabilityFirstWriteWins(t *testing.T) {
	svc := setupService(t)
	ctx := context.Background()

	walletAddr, in := signedInput(t)
	in.AvailableStart = "9.30.AM"
	in.AvailableEnd = "6.0.PM"

	if _, err := svc.Register(ctx, walletAddr, in); err != nil {
		t.Fatalf("first register: %v", err)
	}

	in.AvailableStart = "1.0.AM"
	in.AvailableEnd = "2.0.AM"
	in.UserName = "renamed"

	stored, err := svc.Register(ctx, walletAddr, in)
	if err != nil {
		t.Fatalf("second register: %v", err)
	}
	if stored.AvailableStart != "9.30.AM" || stored.AvailableEnd != "6.0.PM" {
		t.Fatalf("availability overwritten: %q-%q", stored.AvailableStart, stored.AvailableEnd)
	}
	if stored.UserName != "renamed" {
		t.Fatalf("expected session binding fields to refresh, got %+v", stored)
	}
}

func TestRegisterRejectsBadSignature(t *testing.T) {
	svc := setupService(t)
	ctx := context.Background()

	walletAddr, in := signedInput(t)
	otherAddr, otherIn := signedInput(t)
	_ = otherAddr

	// Signature covers a different session/notif pair.
	in.Signature = otherIn.Signature

	if _, err := svc.Register(ctx, walletAddr, in); !errors.Is(err, directory.ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}

	// Storage untouched: the wallet still reads as unregistered.
	if _, err := svc.Lookup(ctx, walletAddr); !errors.Is(err, directory.ErrNotRegistered) {
		t.Fatalf("expected ErrNotRegistered after failed register, got %v", err)
	}
}

func TestRegisterRejectsMissingFields(t *testing.T) {
	svc := setupService(t)
	ctx := context.Background()

	walletAddr, in := signedInput(t)

	cases := []struct {
		name   string
		mutate func(*directory.RegisterInput)
	}{
		{"no session address", func(r *directory.RegisterInput) { r.SessionAddress = "" }},
		{"no notif address", func(r *directory.RegisterInput) { r.NotifAddress = "" }},
		{"no signature", func(r *directory.RegisterInput) { r.Signature = "" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			bad := in
			tc.mutate(&bad)
			if _, err := svc.Register(ctx, walletAddr, bad); !errors.Is(err, directory.ErrMissingFields) {
				t.Fatalf("expected ErrMissingFields, got %v", err)
			}
		})
	}
}

func TestLookupUnregistered(t *testing.T) {
	svc := setupService(t)

	_, err := svc.Lookup(context.Background(), "neverRegisteredWallet")
	if !errors.Is(err, directory.ErrNotRegistered) {
		t.Fatalf("expected ErrNotRegistered, got %v", err)
	}
}

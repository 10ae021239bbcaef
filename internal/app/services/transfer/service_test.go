package transfer

import (
	"context"
	"testing"
	"time"

	"github.com/custodia-network/custodia/internal/address"
	"github.com/custodia-network/custodia/internal/app/collab"
	delegationdom "github.com/custodia-network/custodia/internal/app/domain/delegation"
	ledgerdom "github.com/custodia-network/custodia/internal/app/domain/ledger"
	sessiondom "github.com/custodia-network/custodia/internal/app/domain/session"
	"github.com/custodia-network/custodia/internal/app/storage/memory"
	"github.com/custodia-network/custodia/internal/errors"
)

func seedOwner(t *testing.T, store *memory.Store, owner, asset string, balance uint64) ledgerdom.OwnerBalance {
	t.Helper()
	ctx := context.Background()
	addr, err := ledgerdom.OwnerBalanceAddress(owner, asset)
	if err != nil {
		t.Fatalf("derive address: %v", err)
	}
	rec, err := store.CreateOwnerBalance(ctx, ledgerdom.OwnerBalance{Address: addr, Owner: owner, Asset: asset, Balance: balance})
	if err != nil {
		t.Fatalf("seed owner %s: %v", owner, err)
	}
	return rec
}

func TestService_TransferOwnerToOwner(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	svc := New(nil, store, store, nil, nil)

	seedOwner(t, store, "alice", "tok", 900)
	seedOwner(t, store, "bob", "tok", 100)

	auth := Authority{Identity: "alice"}
	if err := svc.TransferOwnerToOwner(ctx, auth, "alice", "bob", "tok", 400); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	source, _ := store.GetOwnerBalance(ctx, mustAddr(t, "alice", "tok"))
	dest, _ := store.GetOwnerBalance(ctx, mustAddr(t, "bob", "tok"))
	if source.Balance != 500 || dest.Balance != 500 {
		t.Fatalf("balances = %d/%d, want 500/500", source.Balance, dest.Balance)
	}
	if source.Balance+dest.Balance != 1000 {
		t.Fatalf("sum changed: %d", source.Balance+dest.Balance)
	}
}

func TestService_TransferRules(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	svc := New(nil, store, store, nil, nil)

	seedOwner(t, store, "alice", "tok", 100)
	seedOwner(t, store, "bob", "tok", 0)

	cases := []struct {
		name   string
		auth   Authority
		source string
		dest   string
		amount uint64
		code   errors.Code
	}{
		{"non-owner", Authority{Identity: "mallory"}, "alice", "bob", 10, errors.CodeUnauthorized},
		{"self transfer", Authority{Identity: "alice"}, "alice", "alice", 10, errors.CodeInvalidInput},
		{"zero amount", Authority{Identity: "alice"}, "alice", "bob", 0, errors.CodeInvalidInput},
		{"overdraw", Authority{Identity: "alice"}, "alice", "bob", 200, errors.CodeInsufficientDeposit},
		{"missing dest", Authority{Identity: "alice"}, "alice", "carol", 10, errors.CodeNotFound},
	}
	for _, tc := range cases {
		err := svc.TransferOwnerToOwner(ctx, tc.auth, tc.source, tc.dest, "tok", tc.amount)
		if !errors.HasCode(err, tc.code) {
			t.Fatalf("%s: err = %v, want %s", tc.name, err, tc.code)
		}
	}
}

func TestService_TransferWithDelegatedAuthorityToken(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	svc := New(nil, store, store, nil, nil)
	svc.now = func() time.Time { return time.Unix(1_700_000_000, 0) }

	seedOwner(t, store, "alice", "tok", 100)
	seedOwner(t, store, "bob", "tok", 0)

	valid := &sessiondom.DelegatedAuthority{
		Authority:     "alice",
		TargetProgram: collab.ProgramIdentity,
		Signer:        "relayer",
		ValidUntil:    time.Unix(1_700_000_100, 0),
	}
	if err := svc.TransferOwnerToOwner(ctx, Authority{Identity: "relayer", Token: valid}, "alice", "bob", "tok", 30); err != nil {
		t.Fatalf("token transfer: %v", err)
	}

	expired := &sessiondom.DelegatedAuthority{
		Authority:     "alice",
		TargetProgram: collab.ProgramIdentity,
		Signer:        "relayer",
		ValidUntil:    time.Unix(1_600_000_000, 0),
	}
	if err := svc.TransferOwnerToOwner(ctx, Authority{Identity: "relayer", Token: expired}, "alice", "bob", "tok", 30); !errors.HasCode(err, errors.CodeUnauthorized) {
		t.Fatalf("expired token = %v, want unauthorized", err)
	}

	wrongProgram := &sessiondom.DelegatedAuthority{
		Authority:     "alice",
		TargetProgram: "some-other-program",
		Signer:        "relayer",
		ValidUntil:    time.Unix(1_700_000_100, 0),
	}
	if err := svc.TransferOwnerToOwner(ctx, Authority{Identity: "relayer", Token: wrongProgram}, "alice", "bob", "tok", 30); !errors.HasCode(err, errors.CodeUnauthorized) {
		t.Fatalf("wrong program token = %v, want unauthorized", err)
	}

	wrongSigner := &sessiondom.DelegatedAuthority{
		Authority:     "alice",
		TargetProgram: collab.ProgramIdentity,
		Signer:        "someone-else",
		ValidUntil:    time.Unix(1_700_000_100, 0),
	}
	if err := svc.TransferOwnerToOwner(ctx, Authority{Identity: "relayer", Token: wrongSigner}, "alice", "bob", "tok", 30); !errors.HasCode(err, errors.CodeUnauthorized) {
		t.Fatalf("wrong signer token = %v, want unauthorized", err)
	}
}

func TestService_TransferOwnerToName(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	svc := New(nil, store, store, nil, nil)

	seedOwner(t, store, "alice", "tok", 100)
	nameAddr, _ := ledgerdom.NameBalanceAddress("dig133713337", "tok")
	if _, err := store.CreateNameBalance(ctx, ledgerdom.NameBalance{Address: nameAddr, Username: "dig133713337", Asset: "tok"}); err != nil {
		t.Fatalf("seed name balance: %v", err)
	}

	if err := svc.TransferOwnerToName(ctx, Authority{Identity: "alice"}, "alice", "dig133713337", "tok", 60); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	dest, _ := store.GetNameBalance(ctx, nameAddr)
	if dest.Balance != 60 {
		t.Fatalf("name balance = %d, want 60", dest.Balance)
	}
}

func TestService_DelegatedTransferRouting(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	bridge := collab.NewMemoryBridge("venue")
	svc := New(nil, store, store, bridge, nil)

	alice := seedOwner(t, store, "alice", "tok", 500)
	bob := seedOwner(t, store, "bob", "tok", 100)

	// Delegate both records to the venue with their base balances.
	for _, rec := range []ledgerdom.OwnerBalance{alice, bob} {
		buf := delegationdom.StagingBuffer{Account: rec.Address, Balance: rec.Balance}
		if err := bridge.Delegate(ctx, rec.Address, buf, delegationdom.Record{}, collab.DelegateMetadata{}); err != nil {
			t.Fatalf("bridge delegate: %v", err)
		}
		if _, err := store.CreateDelegation(ctx, delegationdom.Record{Account: rec.Address, Status: delegationdom.StatusDelegated}); err != nil {
			t.Fatalf("seed delegation: %v", err)
		}
	}

	if err := svc.TransferOwnerToOwner(ctx, Authority{Identity: "alice"}, "alice", "bob", "tok", 200); err != nil {
		t.Fatalf("delegated transfer: %v", err)
	}

	// Base records are untouched; the venue carries the updated balances.
	base, _ := store.GetOwnerBalance(ctx, alice.Address)
	if base.Balance != 500 {
		t.Fatalf("base balance changed under delegation: %d", base.Balance)
	}
	venueAlice, _ := bridge.VenueBalance(ctx, alice.Address)
	venueBob, _ := bridge.VenueBalance(ctx, bob.Address)
	if venueAlice != 300 || venueBob != 300 {
		t.Fatalf("venue balances = %d/%d, want 300/300", venueAlice, venueBob)
	}
}

func TestService_MixedDelegationRejected(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	bridge := collab.NewMemoryBridge("venue")
	svc := New(nil, store, store, bridge, nil)

	alice := seedOwner(t, store, "alice", "tok", 500)
	seedOwner(t, store, "bob", "tok", 100)

	buf := delegationdom.StagingBuffer{Account: alice.Address, Balance: alice.Balance}
	if err := bridge.Delegate(ctx, alice.Address, buf, delegationdom.Record{}, collab.DelegateMetadata{}); err != nil {
		t.Fatalf("bridge delegate: %v", err)
	}
	if _, err := store.CreateDelegation(ctx, delegationdom.Record{Account: alice.Address, Status: delegationdom.StatusDelegated}); err != nil {
		t.Fatalf("seed delegation: %v", err)
	}

	if err := svc.TransferOwnerToOwner(ctx, Authority{Identity: "alice"}, "alice", "bob", "tok", 10); !errors.HasCode(err, errors.CodeAccountDelegated) {
		t.Fatalf("mixed delegation transfer = %v, want account delegated", err)
	}
}

func mustAddr(t *testing.T, owner, asset string) address.Address {
	t.Helper()
	addr, err := ledgerdom.OwnerBalanceAddress(owner, asset)
	if err != nil {
		t.Fatalf("derive address: %v", err)
	}
	return addr
}

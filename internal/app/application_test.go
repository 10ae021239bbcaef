package app

import (
	"context"
	"testing"
	"time"

	"github.com/custodia-network/custodia/internal/app/collab"
	delegationsvc "github.com/custodia-network/custodia/internal/app/services/delegation"
	ledgersvc "github.com/custodia-network/custodia/internal/app/services/ledger"
	transfersvc "github.com/custodia-network/custodia/internal/app/services/transfer"
)

func TestApplication_DelegationReconcilesAsynchronously(t *testing.T) {
	ctx := context.Background()
	bank := collab.NewMemoryTokenBank()
	bank.Mint("alice", "tok", 1000)
	bank.Mint("bob", "tok", 1000)

	application, err := New(Stores{}, Collaborators{Bank: bank}, Options{
		ReconcileInterval: 10 * time.Millisecond,
	}, nil)
	if err != nil {
		t.Fatalf("new application: %v", err)
	}
	if err := application.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer application.Stop(ctx)

	for _, owner := range []string{"alice", "bob"} {
		if _, err := application.Ledger.InitializeOwnerBalance(ctx, owner, "tok"); err != nil {
			t.Fatalf("initialize %s: %v", owner, err)
		}
		if _, err := application.Ledger.AdjustOwnerBalance(ctx, owner, owner, "tok", 500, ledgersvc.DirectionIncrease); err != nil {
			t.Fatalf("fund %s: %v", owner, err)
		}
		if _, err := application.Permissions.CreatePermission(ctx, owner, owner, "tok"); err != nil {
			t.Fatalf("permission %s: %v", owner, err)
		}
	}

	aliceDel, err := application.Delegations.Delegate(ctx, "alice", "tok", "validator-1")
	if err != nil {
		t.Fatalf("delegate alice: %v", err)
	}
	bobDel, err := application.Delegations.Delegate(ctx, "bob", "tok", "validator-1")
	if err != nil {
		t.Fatalf("delegate bob: %v", err)
	}

	// Both delegated, so transfers execute at the venue.
	if err := application.Transfers.TransferOwnerToOwner(ctx, transfersvc.Authority{Identity: "alice"}, "alice", "bob", "tok", 150); err != nil {
		t.Fatalf("delegated transfer: %v", err)
	}

	if _, err := application.Delegations.RequestUndelegate(ctx, delegationsvc.Authority{Identity: "alice"}, "alice", "tok"); err != nil {
		t.Fatalf("request undelegate alice: %v", err)
	}
	if _, err := application.Delegations.RequestUndelegate(ctx, delegationsvc.Authority{Identity: "bob"}, "bob", "tok"); err != nil {
		t.Fatalf("request undelegate bob: %v", err)
	}

	// The background poller applies the commits; wait for both.
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := application.Delegations.WaitForResident(waitCtx, aliceDel.Account, 0, 0); err != nil {
		t.Fatalf("wait alice: %v", err)
	}
	if err := application.Delegations.WaitForResident(waitCtx, bobDel.Account, 0, 0); err != nil {
		t.Fatalf("wait bob: %v", err)
	}

	alice, err := application.Ledger.GetOwnerBalance(ctx, "alice", "tok")
	if err != nil {
		t.Fatalf("get alice: %v", err)
	}
	bob, err := application.Ledger.GetOwnerBalance(ctx, "bob", "tok")
	if err != nil {
		t.Fatalf("get bob: %v", err)
	}
	if alice.Balance != 350 || bob.Balance != 650 {
		t.Fatalf("balances = %d/%d, want 350/650", alice.Balance, bob.Balance)
	}
	// Conservation: the vault still custodies the full deposited total.
	vault, err := application.Ledger.GetVault(ctx, "tok")
	if err != nil {
		t.Fatalf("get vault: %v", err)
	}
	if vault.Custodied != alice.Balance+bob.Balance {
		t.Fatalf("custodied %d != balances %d", vault.Custodied, alice.Balance+bob.Balance)
	}
}

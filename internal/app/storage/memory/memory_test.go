package memory

import (
	"context"
	"testing"
	"time"

	"github.com/custodia-network/custodia/internal/app/domain/delegation"
	"github.com/custodia-network/custodia/internal/app/domain/ledger"
	"github.com/custodia-network/custodia/internal/app/domain/session"
	"github.com/custodia-network/custodia/internal/errors"
)

func TestStore_OwnerBalances(t *testing.T) {
	ctx := context.Background()
	store := New()

	addr, err := ledger.OwnerBalanceAddress("alice", "tok")
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if _, err := store.GetOwnerBalance(ctx, addr); !errors.IsNotFound(err) {
		t.Fatalf("get missing = %v, want not found", err)
	}

	rec, err := store.CreateOwnerBalance(ctx, ledger.OwnerBalance{Address: addr, Owner: "alice", Asset: "tok"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.CreatedAt.IsZero() {
		t.Fatal("created at not set")
	}
	if _, err := store.CreateOwnerBalance(ctx, rec); err == nil {
		t.Fatal("duplicate create accepted")
	}

	rec.Balance = 42
	if _, err := store.UpdateOwnerBalance(ctx, rec); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := store.GetOwnerBalance(ctx, addr)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Balance != 42 {
		t.Fatalf("balance = %d", got.Balance)
	}

	list, err := store.ListOwnerBalances(ctx, "tok")
	if err != nil || len(list) != 1 {
		t.Fatalf("list = %v, %v", list, err)
	}
	list, err = store.ListOwnerBalances(ctx, "other")
	if err != nil || len(list) != 0 {
		t.Fatalf("filtered list = %v, %v", list, err)
	}
}

func TestStore_Sessions(t *testing.T) {
	ctx := context.Background()
	store := New()

	if _, err := store.GetSession(ctx, "alice"); !errors.IsNotFound(err) {
		t.Fatalf("get missing = %v, want not found", err)
	}
	if _, err := store.PutSession(ctx, session.IdentitySession{Owner: "alice", Username: "dig133713337"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	sess, err := store.GetSession(ctx, "alice")
	if err != nil || sess.Username != "dig133713337" {
		t.Fatalf("get = %+v, %v", sess, err)
	}

	if err := store.ConsumePayload(ctx, "digest-1"); err != nil {
		t.Fatalf("consume: %v", err)
	}
	if err := store.ConsumePayload(ctx, "digest-1"); !errors.HasCode(err, errors.CodeReplay) {
		t.Fatalf("repeat consume = %v, want replay", err)
	}
}

func TestStore_Delegations(t *testing.T) {
	ctx := context.Background()
	store := New()
	addr, _ := ledger.OwnerBalanceAddress("alice", "tok")

	rec, err := store.CreateDelegation(ctx, delegation.Record{Account: addr, Status: delegation.StatusDelegated})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.CreateDelegation(ctx, delegation.Record{Account: addr, Status: delegation.StatusDelegated}); !errors.HasCode(err, errors.CodeAlreadyDelegated) {
		t.Fatalf("double create = %v, want already delegated", err)
	}

	active, err := store.GetActiveDelegation(ctx, addr)
	if err != nil || active.ID != rec.ID {
		t.Fatalf("active = %+v, %v", active, err)
	}

	rec.Status = delegation.StatusResident
	if _, err := store.UpdateDelegation(ctx, rec); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := store.GetActiveDelegation(ctx, addr); !errors.IsNotFound(err) {
		t.Fatalf("active after resident = %v, want not found", err)
	}

	// The account can be delegated again once resident.
	if _, err := store.CreateDelegation(ctx, delegation.Record{Account: addr, Status: delegation.StatusDelegated}); err != nil {
		t.Fatalf("re-delegate: %v", err)
	}

	list, err := store.ListDelegations(ctx)
	if err != nil || len(list) != 2 {
		t.Fatalf("list = %d records, %v", len(list), err)
	}
}

func TestStore_Buffers(t *testing.T) {
	ctx := context.Background()
	store := New()
	addr, _ := ledger.OwnerBalanceAddress("alice", "tok")

	buf, err := store.PutBuffer(ctx, delegation.StagingBuffer{Account: addr, Balance: 10})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	// Upsert keeps the original identity.
	buf2, err := store.PutBuffer(ctx, delegation.StagingBuffer{Account: addr, Balance: 77})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if buf2.ID != buf.ID {
		t.Fatalf("upsert changed id: %s vs %s", buf2.ID, buf.ID)
	}
	got, err := store.GetBuffer(ctx, addr)
	if err != nil || got.Balance != 77 {
		t.Fatalf("get = %+v, %v", got, err)
	}
	if err := store.DeleteBuffer(ctx, addr); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.GetBuffer(ctx, addr); !errors.IsNotFound(err) {
		t.Fatalf("get after delete = %v, want not found", err)
	}
}

func TestStore_DeleteDelegation(t *testing.T) {
	ctx := context.Background()
	store := New()
	addr, _ := ledger.OwnerBalanceAddress("alice", "tok")

	rec, err := store.CreateDelegation(ctx, delegation.Record{Account: addr, Status: delegation.StatusDelegated})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.DeleteDelegation(ctx, rec.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.GetActiveDelegation(ctx, addr); !errors.IsNotFound(err) {
		t.Fatalf("active after delete = %v, want not found", err)
	}
	// Deleting an unknown ID is a no-op.
	if err := store.DeleteDelegation(ctx, "missing"); err != nil {
		t.Fatalf("delete unknown: %v", err)
	}
	// The account is free to delegate again.
	if _, err := store.CreateDelegation(ctx, delegation.Record{Account: addr, Status: delegation.StatusDelegated}); err != nil {
		t.Fatalf("re-delegate after delete: %v", err)
	}
}

func TestStore_ListDelegationsNewestFirst(t *testing.T) {
	ctx := context.Background()
	store := New()

	owners := []string{"alice", "bob", "carol"}
	var ids []string
	for _, owner := range owners {
		addr, _ := ledger.OwnerBalanceAddress(owner, "tok")
		rec, err := store.CreateDelegation(ctx, delegation.Record{Account: addr, Status: delegation.StatusDelegated})
		if err != nil {
			t.Fatalf("create %s: %v", owner, err)
		}
		ids = append(ids, rec.ID)
		time.Sleep(2 * time.Millisecond)
	}

	list, err := store.ListDelegations(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != len(ids) {
		t.Fatalf("list = %d records, want %d", len(list), len(ids))
	}
	for i := range list {
		if want := ids[len(ids)-1-i]; list[i].ID != want {
			t.Fatalf("list[%d] = %s, want %s", i, list[i].ID, want)
		}
		if i > 0 && list[i].DelegatedAt.After(list[i-1].DelegatedAt) {
			t.Fatalf("list[%d] is newer than list[%d]", i, i-1)
		}
	}
}

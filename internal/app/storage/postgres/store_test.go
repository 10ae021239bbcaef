package postgres

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/lib/pq"

	"github.com/custodia-network/custodia/internal/app/domain/delegation"
	"github.com/custodia-network/custodia/internal/app/domain/ledger"
	"github.com/custodia-network/custodia/internal/app/domain/session"
	"github.com/custodia-network/custodia/internal/errors"
	"github.com/custodia-network/custodia/internal/platform/migrations"
)

func TestStoreIntegration(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping postgres integration test")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	if err := migrations.Apply(ctx, db); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	store := New(db)

	addr, err := ledger.OwnerBalanceAddress("owner-pg", "asset-pg")
	if err != nil {
		t.Fatalf("derive address: %v", err)
	}
	rec, err := store.CreateOwnerBalance(ctx, ledger.OwnerBalance{Address: addr, Owner: "owner-pg", Asset: "asset-pg"})
	if err != nil {
		t.Fatalf("create owner balance: %v", err)
	}
	rec.Balance = 500000
	if _, err := store.UpdateOwnerBalance(ctx, rec); err != nil {
		t.Fatalf("update owner balance: %v", err)
	}
	got, err := store.GetOwnerBalance(ctx, addr)
	if err != nil {
		t.Fatalf("get owner balance: %v", err)
	}
	if got.Balance != 500000 {
		t.Fatalf("balance = %d, want 500000", got.Balance)
	}

	vaultAddr, _ := ledger.VaultAddress("asset-pg")
	if _, err := store.UpsertVault(ctx, ledger.Vault{Address: vaultAddr, Asset: "asset-pg", Custodied: 500000}); err != nil {
		t.Fatalf("upsert vault: %v", err)
	}

	sess, err := store.PutSession(ctx, session.IdentitySession{
		Owner:             "owner-pg",
		Username:          "tester_pg",
		ValidationPayload: []byte(`{"username":"tester_pg"}` + "\nauth_date=1700000000"),
		AuthAt:            1700000000,
	})
	if err != nil {
		t.Fatalf("put session: %v", err)
	}
	if err := store.ConsumePayload(ctx, "digest-pg"); err != nil {
		t.Fatalf("consume payload: %v", err)
	}
	if err := store.ConsumePayload(ctx, "digest-pg"); !errors.HasCode(err, errors.CodeReplay) {
		t.Fatalf("second consume = %v, want replay", err)
	}
	_ = sess

	del, err := store.CreateDelegation(ctx, delegation.Record{Account: addr, Status: delegation.StatusDelegated})
	if err != nil {
		t.Fatalf("create delegation: %v", err)
	}
	if _, err := store.GetActiveDelegation(ctx, addr); err != nil {
		t.Fatalf("get active delegation: %v", err)
	}
	del.Status = delegation.StatusResident
	if _, err := store.UpdateDelegation(ctx, del); err != nil {
		t.Fatalf("update delegation: %v", err)
	}
	if _, err := store.GetActiveDelegation(ctx, addr); !errors.IsNotFound(err) {
		t.Fatalf("active delegation after resident = %v, want not found", err)
	}
}

package storage

import (
	"context"

	"github.com/custodia-network/custodia/internal/address"
	"github.com/custodia-network/custodia/internal/app/domain/delegation"
	"github.com/custodia-network/custodia/internal/app/domain/ledger"
	"github.com/custodia-network/custodia/internal/app/domain/session"
)

// LedgerStore persists balance records and custodial vaults. Implementations
// return a NotFound service error for missing records so callers can implement
// idempotent initialisation.
type LedgerStore interface {
	CreateOwnerBalance(ctx context.Context, rec ledger.OwnerBalance) (ledger.OwnerBalance, error)
	GetOwnerBalance(ctx context.Context, addr address.Address) (ledger.OwnerBalance, error)
	UpdateOwnerBalance(ctx context.Context, rec ledger.OwnerBalance) (ledger.OwnerBalance, error)
	ListOwnerBalances(ctx context.Context, asset string) ([]ledger.OwnerBalance, error)

	CreateNameBalance(ctx context.Context, rec ledger.NameBalance) (ledger.NameBalance, error)
	GetNameBalance(ctx context.Context, addr address.Address) (ledger.NameBalance, error)
	UpdateNameBalance(ctx context.Context, rec ledger.NameBalance) (ledger.NameBalance, error)
	ListNameBalances(ctx context.Context, asset string) ([]ledger.NameBalance, error)

	GetVault(ctx context.Context, addr address.Address) (ledger.Vault, error)
	UpsertVault(ctx context.Context, vault ledger.Vault) (ledger.Vault, error)
	ListVaults(ctx context.Context) ([]ledger.Vault, error)
}

// SessionStore persists identity sessions and the set of consumed validation
// payload digests backing replay protection.
type SessionStore interface {
	PutSession(ctx context.Context, sess session.IdentitySession) (session.IdentitySession, error)
	GetSession(ctx context.Context, owner string) (session.IdentitySession, error)
	// ConsumePayload records a payload digest, failing with a Replay service
	// error when the digest has been consumed before.
	ConsumePayload(ctx context.Context, digest string) error
}

// DelegationStore persists delegation records and staging buffers.
type DelegationStore interface {
	CreateDelegation(ctx context.Context, rec delegation.Record) (delegation.Record, error)
	// GetActiveDelegation returns the non-resident delegation for an account,
	// or NotFound when the account is resident.
	GetActiveDelegation(ctx context.Context, account address.Address) (delegation.Record, error)
	UpdateDelegation(ctx context.Context, rec delegation.Record) (delegation.Record, error)
	// DeleteDelegation removes a record by ID. Deleting an unknown ID is a
	// no-op so compensation paths can run after partial failures.
	DeleteDelegation(ctx context.Context, id string) error
	ListDelegations(ctx context.Context) ([]delegation.Record, error)

	PutBuffer(ctx context.Context, buf delegation.StagingBuffer) (delegation.StagingBuffer, error)
	GetBuffer(ctx context.Context, account address.Address) (delegation.StagingBuffer, error)
	DeleteBuffer(ctx context.Context, account address.Address) error
}

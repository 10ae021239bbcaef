// Package collab declares the external collaborator contracts the core builds
// on - the token-holding primitive, the authorization program and the
// delegation program - together with in-process adapters used by tests and
// local development. Each contract is an interface so concrete adapters can
// target real collaborators without touching the core.
package collab

import (
	"context"

	"github.com/custodia-network/custodia/internal/address"
	"github.com/custodia-network/custodia/internal/app/domain/delegation"
)

// ProgramIdentity is this core's fixed program identity. Delegated-authority
// tokens must target it. Initialised once, never mutated at runtime.
const ProgramIdentity = "custodia-ledger"

// TokenBank is the external token-holding primitive: debit and credit of a
// holder's external balance in a given asset. Vault deposits debit the holder;
// vault releases credit the recipient.
type TokenBank interface {
	// Debit removes amount from the holder's external holding. Fails with an
	// InvalidDepositor service error when the holding is missing or short.
	Debit(ctx context.Context, holder, asset string, amount uint64) error
	// Credit adds amount to the holder's external holding, creating it if
	// needed.
	Credit(ctx context.Context, holder, asset string, amount uint64) error
	// Balance reports the holder's external holding.
	Balance(ctx context.Context, holder, asset string) (uint64, error)
}

// Authorizer is the authorization collaborator issuing permission records.
type Authorizer interface {
	// CreatePermission issues a permission record for the subject account.
	// Repeat calls for the same subject succeed and return the existing
	// record, since concurrent callers may race.
	CreatePermission(ctx context.Context, subject address.Address, members []delegation.Member) (delegation.PermissionRecord, error)
	// Exists reports whether a permission record exists for the subject.
	Exists(ctx context.Context, subject address.Address) (bool, error)
}

// DelegateMetadata configures a capability transfer to the alternate venue.
type DelegateMetadata struct {
	Validator         string
	CommitFrequencyMS uint32
}

// DelegationBridge is the delegation collaborator. Delegate hands an account
// to the alternate venue; RequestCommitAndUndelegate asks it to flush and
// return the account. The bridge's Identity is the only caller allowed to
// complete an undelegation on the base ledger.
type DelegationBridge interface {
	Identity() string
	Delegate(ctx context.Context, account address.Address, buffer delegation.StagingBuffer, record delegation.Record, meta DelegateMetadata) error
	RequestCommitAndUndelegate(ctx context.Context, account address.Address) error
}

// Venue exposes delegated-side account state for accounts currently under the
// alternate venue's control. Accounts not delegated to the venue are reported
// as NotFound; a caller must never observe another account's delegated state.
type Venue interface {
	VenueBalance(ctx context.Context, account address.Address) (uint64, error)
	VenueTransfer(ctx context.Context, source, dest address.Address, amount uint64) error
}

// CommitSource is the feed of undelegation commits awaiting application on the
// base ledger. The reconcile poller drains it.
type CommitSource interface {
	PendingUndelegations(ctx context.Context) ([]address.Address, error)
	CompleteUndelegation(ctx context.Context, account address.Address) error
}

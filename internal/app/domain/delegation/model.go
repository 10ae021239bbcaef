// Package delegation defines the capability-transfer records: permissions,
// delegation state and the staging buffer used by the undelegate handshake.
package delegation

import (
	"time"

	"github.com/custodia-network/custodia/internal/address"
)

// Status tracks where write authority for a record currently lives.
type Status string

const (
	// StatusDelegated means the alternate venue is authoritative.
	StatusDelegated Status = "delegated"
	// StatusUndelegateRequested means delegated state has been flushed to the
	// staging buffer and the return to the base ledger is pending.
	StatusUndelegateRequested Status = "undelegate_requested"
	// StatusResident means the base ledger is authoritative again.
	StatusResident Status = "resident"
)

// Member permission flags, mirrored from the authorization collaborator.
const (
	FlagAuthority uint8 = 1 << iota
	FlagTxLogs
	FlagTxBalances
	FlagTxMessage
	FlagAccountSignatures
)

// DefaultMemberFlags is the flag set granted to a record's controlling
// identity when a permission is created.
const DefaultMemberFlags = FlagAuthority | FlagTxLogs | FlagTxBalances | FlagTxMessage | FlagAccountSignatures

// Member is an identity listed on a permission record.
type Member struct {
	Identity string
	Flags    uint8
}

// PermissionRecord is an externally-issued authorization marker. Its existence
// gates delegation and username claims; this core never mutates it.
type PermissionRecord struct {
	Address   address.Address
	Subject   address.Address
	Members   []Member
	CreatedAt time.Time
}

// Record captures one delegation of a ledger account to the alternate venue.
type Record struct {
	ID                    string
	Account               address.Address
	Validator             string
	Status                Status
	DelegatedAt           time.Time
	UndelegateRequestedAt *time.Time
	CompletedAt           *time.Time
}

// StagingBuffer holds the flushed delegated-side state of an account while the
// undelegate handshake is in flight. ApplyUndelegation copies it into the live
// base-ledger record.
type StagingBuffer struct {
	ID        string
	Account   address.Address
	Balance   uint64
	CreatedAt time.Time
	FlushedAt *time.Time
}

// BufferAddress derives the staging buffer address for a delegated account.
func BufferAddress(account address.Address) (address.Address, error) {
	return address.Derive(address.SeedBuffer, []byte(account))
}

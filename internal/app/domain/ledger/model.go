// Package ledger defines the balance record kinds and their arithmetic rules.
package ledger

import (
	"time"

	"github.com/custodia-network/custodia/internal/address"
	"github.com/custodia-network/custodia/internal/errors"
)

// Username format bounds.
const (
	MinUsernameLen = 5
	MaxUsernameLen = 32
)

// OwnerBalance is a ledger record keyed by an on-chain owner identity.
// One record exists per (owner, asset); a zero balance is a valid terminal
// state, the record is never deleted.
type OwnerBalance struct {
	Address   address.Address
	Owner     string
	Asset     string
	Balance   uint64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NameBalance is a ledger record keyed by an unclaimed external username,
// claimable by whoever later proves the username through a verified session.
type NameBalance struct {
	Address   address.Address
	Username  string
	Asset     string
	Balance   uint64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Vault is the custodial pool backing all ledger balances for one asset.
// Conservation invariant: while no record of the asset is delegated,
// Custodied equals the sum of every OwnerBalance and NameBalance balance.
type Vault struct {
	Address   address.Address
	Asset     string
	Custodied uint64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// OwnerBalanceAddress derives the record address for (owner, asset).
func OwnerBalanceAddress(owner, asset string) (address.Address, error) {
	return address.Derive(address.SeedBalance, []byte(owner), []byte(asset))
}

// NameBalanceAddress derives the record address for (username, asset).
func NameBalanceAddress(username, asset string) (address.Address, error) {
	return address.Derive(address.SeedNameBalance, []byte(username), []byte(asset))
}

// VaultAddress derives the custodial pool address for an asset.
func VaultAddress(asset string) (address.Address, error) {
	return address.Derive(address.SeedVault, []byte(asset))
}

// ValidateUsername enforces the username format rule: 5-32 characters, each a
// letter, digit or underscore. Malformed usernames are rejected before any
// state is touched.
func ValidateUsername(username string) error {
	if len(username) < MinUsernameLen || len(username) > MaxUsernameLen {
		return errors.InvalidUsername("username must be 5-32 characters").
			WithDetails("username", username)
	}
	for i := 0; i < len(username); i++ {
		b := username[i]
		switch {
		case b >= 'A' && b <= 'Z':
		case b >= 'a' && b <= 'z':
		case b >= '0' && b <= '9':
		case b == '_':
		default:
			return errors.InvalidUsername("username may only contain letters, digits and underscore").
				WithDetails("username", username)
		}
	}
	return nil
}

// AddChecked returns a+b, reporting false on uint64 wraparound.
func AddChecked(a, b uint64) (uint64, bool) {
	sum := a + b
	if sum < a {
		return 0, false
	}
	return sum, true
}

// SubChecked returns a-b, reporting false when b exceeds a. Balances are never
// negative; every decrement goes through this rather than raw subtraction.
func SubChecked(a, b uint64) (uint64, bool) {
	if b > a {
		return 0, false
	}
	return a - b, true
}

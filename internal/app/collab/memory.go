package collab

import (
	"context"
	"sync"
	"time"

	"github.com/custodia-network/custodia/internal/address"
	"github.com/custodia-network/custodia/internal/app/domain/delegation"
	"github.com/custodia-network/custodia/internal/app/domain/ledger"
	"github.com/custodia-network/custodia/internal/errors"
)

// MemoryTokenBank is an in-process token-holding primitive.
type MemoryTokenBank struct {
	mu       sync.RWMutex
	holdings map[string]uint64 // holder|asset -> amount
}

var _ TokenBank = (*MemoryTokenBank)(nil)

// NewMemoryTokenBank creates an empty token bank.
func NewMemoryTokenBank() *MemoryTokenBank {
	return &MemoryTokenBank{holdings: make(map[string]uint64)}
}

func holdingKey(holder, asset string) string { return holder + "|" + asset }

// Mint seeds a holding. Test and local-development helper.
func (b *MemoryTokenBank) Mint(holder, asset string, amount uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.holdings[holdingKey(holder, asset)] += amount
}

func (b *MemoryTokenBank) Debit(_ context.Context, holder, asset string, amount uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := holdingKey(holder, asset)
	current, ok := b.holdings[key]
	if !ok {
		return errors.InvalidDepositor("token holding not found").
			WithDetails("holder", holder).WithDetails("asset", asset)
	}
	next, ok := ledger.SubChecked(current, amount)
	if !ok {
		return errors.InvalidDepositor("token holding cannot cover debit").
			WithDetails("holder", holder).WithDetails("asset", asset)
	}
	b.holdings[key] = next
	return nil
}

func (b *MemoryTokenBank) Credit(_ context.Context, holder, asset string, amount uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := holdingKey(holder, asset)
	next, ok := ledger.AddChecked(b.holdings[key], amount)
	if !ok {
		return errors.Overflow("token holding credit would overflow").
			WithDetails("holder", holder).WithDetails("asset", asset)
	}
	b.holdings[key] = next
	return nil
}

func (b *MemoryTokenBank) Balance(_ context.Context, holder, asset string) (uint64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.holdings[holdingKey(holder, asset)], nil
}

// MemoryAuthorizer is an in-process authorization collaborator.
type MemoryAuthorizer struct {
	mu      sync.RWMutex
	records map[address.Address]delegation.PermissionRecord // keyed by subject
}

var _ Authorizer = (*MemoryAuthorizer)(nil)

// NewMemoryAuthorizer creates an empty authorizer.
func NewMemoryAuthorizer() *MemoryAuthorizer {
	return &MemoryAuthorizer{records: make(map[address.Address]delegation.PermissionRecord)}
}

func (a *MemoryAuthorizer) CreatePermission(_ context.Context, subject address.Address, members []delegation.Member) (delegation.PermissionRecord, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if existing, ok := a.records[subject]; ok {
		return existing, nil
	}

	addr, err := address.Derive(address.SeedPermission, []byte(subject))
	if err != nil {
		return delegation.PermissionRecord{}, err
	}
	rec := delegation.PermissionRecord{
		Address:   addr,
		Subject:   subject,
		Members:   append([]delegation.Member(nil), members...),
		CreatedAt: time.Now().UTC(),
	}
	a.records[subject] = rec
	return rec, nil
}

func (a *MemoryAuthorizer) Exists(_ context.Context, subject address.Address) (bool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.records[subject]
	return ok, nil
}

// MemoryBridge is an in-process delegation collaborator holding the alternate
// venue's side of every delegated account.
type MemoryBridge struct {
	identity string

	mu       sync.Mutex
	venue    map[address.Address]uint64
	pending  []address.Address
	inflight map[address.Address]bool
}

var _ DelegationBridge = (*MemoryBridge)(nil)
var _ Venue = (*MemoryBridge)(nil)
var _ CommitSource = (*MemoryBridge)(nil)

// NewMemoryBridge creates a bridge acting under the given collaborator
// identity.
func NewMemoryBridge(identity string) *MemoryBridge {
	return &MemoryBridge{
		identity: identity,
		venue:    make(map[address.Address]uint64),
		inflight: make(map[address.Address]bool),
	}
}

func (b *MemoryBridge) Identity() string { return b.identity }

func (b *MemoryBridge) Delegate(_ context.Context, account address.Address, buffer delegation.StagingBuffer, _ delegation.Record, _ DelegateMetadata) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.inflight[account] {
		return errors.AlreadyDelegated("account has an undelegation in flight")
	}
	if _, ok := b.venue[account]; ok {
		return errors.AlreadyDelegated("account already held by the venue")
	}
	b.venue[account] = buffer.Balance
	return nil
}

func (b *MemoryBridge) RequestCommitAndUndelegate(_ context.Context, account address.Address) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.venue[account]; !ok {
		return errors.NotFoundf("account %s not held by the venue", account)
	}
	if b.inflight[account] {
		return nil
	}
	b.inflight[account] = true
	b.pending = append(b.pending, account)
	return nil
}

func (b *MemoryBridge) VenueBalance(_ context.Context, account address.Address) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	balance, ok := b.venue[account]
	if !ok {
		return 0, errors.NotFoundf("account %s not held by the venue", account)
	}
	return balance, nil
}

func (b *MemoryBridge) VenueTransfer(_ context.Context, source, dest address.Address, amount uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	sourceBalance, ok := b.venue[source]
	if !ok {
		return errors.NotFoundf("account %s not held by the venue", source)
	}
	destBalance, ok := b.venue[dest]
	if !ok {
		return errors.NotFoundf("account %s not held by the venue", dest)
	}

	nextSource, ok := ledger.SubChecked(sourceBalance, amount)
	if !ok {
		return errors.InsufficientDeposit("delegated balance cannot cover transfer")
	}
	nextDest, ok := ledger.AddChecked(destBalance, amount)
	if !ok {
		return errors.Overflow("delegated balance addition would overflow")
	}
	b.venue[source] = nextSource
	b.venue[dest] = nextDest
	return nil
}

func (b *MemoryBridge) PendingUndelegations(_ context.Context) ([]address.Address, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]address.Address(nil), b.pending...), nil
}

func (b *MemoryBridge) CompleteUndelegation(_ context.Context, account address.Address) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.venue, account)
	delete(b.inflight, account)
	filtered := b.pending[:0]
	for _, pending := range b.pending {
		if pending != account {
			filtered = append(filtered, pending)
		}
	}
	b.pending = filtered
	return nil
}

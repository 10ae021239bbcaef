package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/custodia-network/custodia/internal/address"
	"github.com/custodia-network/custodia/internal/app/domain/delegation"
	"github.com/custodia-network/custodia/internal/app/domain/ledger"
	"github.com/custodia-network/custodia/internal/app/domain/session"
	"github.com/custodia-network/custodia/internal/app/storage"
	"github.com/custodia-network/custodia/internal/errors"
)

// Store is an in-memory implementation of the storage interfaces. It is safe
// for concurrent use and is primarily intended for tests and local development.
type Store struct {
	mu               sync.RWMutex
	ownerBalances    map[address.Address]ledger.OwnerBalance
	nameBalances     map[address.Address]ledger.NameBalance
	vaults           map[address.Address]ledger.Vault
	sessions         map[string]session.IdentitySession
	consumedPayloads map[string]time.Time
	delegations      map[string]delegation.Record
	activeByAccount  map[address.Address]string
	buffers          map[address.Address]delegation.StagingBuffer
}

var _ storage.LedgerStore = (*Store)(nil)
var _ storage.SessionStore = (*Store)(nil)
var _ storage.DelegationStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		ownerBalances:    make(map[address.Address]ledger.OwnerBalance),
		nameBalances:     make(map[address.Address]ledger.NameBalance),
		vaults:           make(map[address.Address]ledger.Vault),
		sessions:         make(map[string]session.IdentitySession),
		consumedPayloads: make(map[string]time.Time),
		delegations:      make(map[string]delegation.Record),
		activeByAccount:  make(map[address.Address]string),
		buffers:          make(map[address.Address]delegation.StagingBuffer),
	}
}

// LedgerStore implementation --------------------------------------------------

func (s *Store) CreateOwnerBalance(_ context.Context, rec ledger.OwnerBalance) (ledger.OwnerBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.ownerBalances[rec.Address]; exists {
		return ledger.OwnerBalance{}, errors.InvalidInput("owner balance already exists").
			WithDetails("address", rec.Address.String())
	}
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	s.ownerBalances[rec.Address] = rec
	return rec, nil
}

func (s *Store) GetOwnerBalance(_ context.Context, addr address.Address) (ledger.OwnerBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.ownerBalances[addr]
	if !ok {
		return ledger.OwnerBalance{}, errors.NotFoundf("owner balance %s not found", addr)
	}
	return rec, nil
}

func (s *Store) UpdateOwnerBalance(_ context.Context, rec ledger.OwnerBalance) (ledger.OwnerBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.ownerBalances[rec.Address]
	if !ok {
		return ledger.OwnerBalance{}, errors.NotFoundf("owner balance %s not found", rec.Address)
	}
	rec.CreatedAt = original.CreatedAt
	rec.UpdatedAt = time.Now().UTC()
	s.ownerBalances[rec.Address] = rec
	return rec, nil
}

func (s *Store) ListOwnerBalances(_ context.Context, asset string) ([]ledger.OwnerBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ledger.OwnerBalance, 0, len(s.ownerBalances))
	for _, rec := range s.ownerBalances {
		if asset != "" && rec.Asset != asset {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Store) CreateNameBalance(_ context.Context, rec ledger.NameBalance) (ledger.NameBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.nameBalances[rec.Address]; exists {
		return ledger.NameBalance{}, errors.InvalidInput("name balance already exists").
			WithDetails("address", rec.Address.String())
	}
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	s.nameBalances[rec.Address] = rec
	return rec, nil
}

func (s *Store) GetNameBalance(_ context.Context, addr address.Address) (ledger.NameBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.nameBalances[addr]
	if !ok {
		return ledger.NameBalance{}, errors.NotFoundf("name balance %s not found", addr)
	}
	return rec, nil
}

func (s *Store) UpdateNameBalance(_ context.Context, rec ledger.NameBalance) (ledger.NameBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.nameBalances[rec.Address]
	if !ok {
		return ledger.NameBalance{}, errors.NotFoundf("name balance %s not found", rec.Address)
	}
	rec.CreatedAt = original.CreatedAt
	rec.UpdatedAt = time.Now().UTC()
	s.nameBalances[rec.Address] = rec
	return rec, nil
}

func (s *Store) ListNameBalances(_ context.Context, asset string) ([]ledger.NameBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ledger.NameBalance, 0, len(s.nameBalances))
	for _, rec := range s.nameBalances {
		if asset != "" && rec.Asset != asset {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Store) GetVault(_ context.Context, addr address.Address) (ledger.Vault, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	vault, ok := s.vaults[addr]
	if !ok {
		return ledger.Vault{}, errors.NotFoundf("vault %s not found", addr)
	}
	return vault, nil
}

func (s *Store) UpsertVault(_ context.Context, vault ledger.Vault) (ledger.Vault, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if original, ok := s.vaults[vault.Address]; ok {
		vault.CreatedAt = original.CreatedAt
	} else {
		vault.CreatedAt = now
	}
	vault.UpdatedAt = now
	s.vaults[vault.Address] = vault
	return vault, nil
}

func (s *Store) ListVaults(_ context.Context) ([]ledger.Vault, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ledger.Vault, 0, len(s.vaults))
	for _, vault := range s.vaults {
		out = append(out, vault)
	}
	return out, nil
}

// SessionStore implementation -------------------------------------------------

func (s *Store) PutSession(_ context.Context, sess session.IdentitySession) (session.IdentitySession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess.ValidationPayload = append([]byte(nil), sess.ValidationPayload...)
	s.sessions[sess.Owner] = sess
	return sess, nil
}

func (s *Store) GetSession(_ context.Context, owner string) (session.IdentitySession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[owner]
	if !ok {
		return session.IdentitySession{}, errors.NotFoundf("session for %s not found", owner)
	}
	sess.ValidationPayload = append([]byte(nil), sess.ValidationPayload...)
	return sess, nil
}

func (s *Store) ConsumePayload(_ context.Context, digest string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, consumed := s.consumedPayloads[digest]; consumed {
		return errors.Replay("validation payload already consumed")
	}
	s.consumedPayloads[digest] = time.Now().UTC()
	return nil
}

// DelegationStore implementation ----------------------------------------------

func (s *Store) CreateDelegation(_ context.Context, rec delegation.Record) (delegation.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if existing, ok := s.activeByAccount[rec.Account]; ok {
		return delegation.Record{}, errors.AlreadyDelegated("account already delegated").
			WithDetails("delegation_id", existing)
	}
	rec.DelegatedAt = time.Now().UTC()
	s.delegations[rec.ID] = rec
	if rec.Status != delegation.StatusResident {
		s.activeByAccount[rec.Account] = rec.ID
	}
	return rec, nil
}

func (s *Store) GetActiveDelegation(_ context.Context, account address.Address) (delegation.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.activeByAccount[account]
	if !ok {
		return delegation.Record{}, errors.NotFoundf("no active delegation for %s", account)
	}
	return s.delegations[id], nil
}

func (s *Store) UpdateDelegation(_ context.Context, rec delegation.Record) (delegation.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.delegations[rec.ID]; !ok {
		return delegation.Record{}, errors.NotFoundf("delegation %s not found", rec.ID)
	}
	s.delegations[rec.ID] = rec
	if rec.Status == delegation.StatusResident {
		delete(s.activeByAccount, rec.Account)
	} else {
		s.activeByAccount[rec.Account] = rec.ID
	}
	return rec, nil
}

func (s *Store) DeleteDelegation(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.delegations[id]
	if !ok {
		return nil
	}
	delete(s.delegations, id)
	if s.activeByAccount[rec.Account] == id {
		delete(s.activeByAccount, rec.Account)
	}
	return nil
}

func (s *Store) ListDelegations(_ context.Context) ([]delegation.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]delegation.Record, 0, len(s.delegations))
	for _, rec := range s.delegations {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DelegatedAt.Equal(out[j].DelegatedAt) {
			return out[i].DelegatedAt.After(out[j].DelegatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) PutBuffer(_ context.Context, buf delegation.StagingBuffer) (delegation.StagingBuffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if buf.ID == "" {
		buf.ID = uuid.NewString()
	}
	if original, ok := s.buffers[buf.Account]; ok {
		buf.ID = original.ID
		buf.CreatedAt = original.CreatedAt
	} else {
		buf.CreatedAt = time.Now().UTC()
	}
	s.buffers[buf.Account] = buf
	return buf, nil
}

func (s *Store) GetBuffer(_ context.Context, account address.Address) (delegation.StagingBuffer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	buf, ok := s.buffers[account]
	if !ok {
		return delegation.StagingBuffer{}, errors.NotFoundf("staging buffer for %s not found", account)
	}
	return buf, nil
}

func (s *Store) DeleteBuffer(_ context.Context, account address.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.buffers, account)
	return nil
}

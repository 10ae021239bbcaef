// Package ledger implements the balance-record and vault operations of the
// custodial core.
package ledger

import (
	"context"
	"sync"

	"github.com/custodia-network/custodia/internal/address"
	"github.com/custodia-network/custodia/internal/app/collab"
	domain "github.com/custodia-network/custodia/internal/app/domain/ledger"
	"github.com/custodia-network/custodia/internal/app/metrics"
	"github.com/custodia-network/custodia/internal/app/storage"
	"github.com/custodia-network/custodia/internal/errors"
	"github.com/custodia-network/custodia/pkg/logger"
)

// Direction selects whether an adjustment deposits into or withdraws from the
// vault.
type Direction string

const (
	DirectionIncrease Direction = "increase"
	DirectionDecrease Direction = "decrease"
)

// Holding identifies an external token holding at the token-holding
// collaborator.
type Holding struct {
	Holder string
	Asset  string
}

// Service owns the two balance record kinds and the custodial vaults backing
// them. Every operation applies fully or fails without mutation.
type Service struct {
	gate        *sync.Mutex
	store       storage.LedgerStore
	delegations storage.DelegationStore
	sessions    storage.SessionStore
	bank        collab.TokenBank
	log         *logger.Logger
}

// New constructs a ledger service. The gate serialises balance mutations with
// the other services sharing it; pass the same mutex to the transfer and
// delegation services.
func New(gate *sync.Mutex, store storage.LedgerStore, delegations storage.DelegationStore, sessions storage.SessionStore, bank collab.TokenBank, log *logger.Logger) *Service {
	if gate == nil {
		gate = &sync.Mutex{}
	}
	if log == nil {
		log = logger.NewDefault("ledger")
	}
	return &Service{
		gate:        gate,
		store:       store,
		delegations: delegations,
		sessions:    sessions,
		bank:        bank,
		log:         log,
	}
}

// InitializeOwnerBalance creates the (owner, asset) record at balance zero.
// A repeat call returns the existing record untouched; a nonzero balance is
// never reset.
func (s *Service) InitializeOwnerBalance(ctx context.Context, owner, asset string) (domain.OwnerBalance, error) {
	if owner == "" || asset == "" {
		return domain.OwnerBalance{}, errors.InvalidInput("owner and asset are required")
	}
	addr, err := domain.OwnerBalanceAddress(owner, asset)
	if err != nil {
		return domain.OwnerBalance{}, err
	}

	s.gate.Lock()
	defer s.gate.Unlock()

	if existing, err := s.store.GetOwnerBalance(ctx, addr); err == nil {
		return existing, nil
	} else if !errors.IsNotFound(err) {
		return domain.OwnerBalance{}, err
	}

	rec, err := s.store.CreateOwnerBalance(ctx, domain.OwnerBalance{
		Address: addr,
		Owner:   owner,
		Asset:   asset,
	})
	if err != nil {
		return domain.OwnerBalance{}, err
	}
	s.log.WithField("owner", owner).WithField("asset", asset).Info("owner balance initialised")
	return rec, nil
}

// InitializeNameBalance creates the (username, asset) record at balance zero,
// idempotently. The username format is checked before any state is touched.
func (s *Service) InitializeNameBalance(ctx context.Context, username, asset string) (domain.NameBalance, error) {
	if err := domain.ValidateUsername(username); err != nil {
		return domain.NameBalance{}, err
	}
	if asset == "" {
		return domain.NameBalance{}, errors.InvalidInput("asset is required")
	}
	addr, err := domain.NameBalanceAddress(username, asset)
	if err != nil {
		return domain.NameBalance{}, err
	}

	s.gate.Lock()
	defer s.gate.Unlock()

	rec, err := s.getOrCreateNameBalance(ctx, addr, username, asset)
	if err != nil {
		return domain.NameBalance{}, err
	}
	return rec, nil
}

// AdjustOwnerBalance moves value between the owner's external token holding
// and the vault. Increase deposits into custody, decrease withdraws from it.
// Only the owner may adjust their own balance.
func (s *Service) AdjustOwnerBalance(ctx context.Context, caller, owner, asset string, amount uint64, direction Direction) (rec domain.OwnerBalance, err error) {
	kind := "deposit"
	if direction == DirectionDecrease {
		kind = "release"
	}
	defer func() { metrics.RecordVaultMovement(kind, err) }()

	if caller != owner {
		return domain.OwnerBalance{}, errors.Unauthorized("only the owner may adjust this balance")
	}
	if amount == 0 {
		return domain.OwnerBalance{}, errors.InvalidInput("amount must be positive")
	}
	addr, err := domain.OwnerBalanceAddress(owner, asset)
	if err != nil {
		return domain.OwnerBalance{}, err
	}

	s.gate.Lock()
	defer s.gate.Unlock()

	rec, err = s.store.GetOwnerBalance(ctx, addr)
	if err != nil {
		return domain.OwnerBalance{}, err
	}
	if err := s.ensureResident(ctx, addr); err != nil {
		return domain.OwnerBalance{}, err
	}

	vaultAddr, err := domain.VaultAddress(asset)
	if err != nil {
		return domain.OwnerBalance{}, err
	}

	switch direction {
	case DirectionIncrease:
		vault, err := s.getOrCreateVault(ctx, vaultAddr, asset)
		if err != nil {
			return domain.OwnerBalance{}, err
		}
		newBalance, ok := domain.AddChecked(rec.Balance, amount)
		if !ok {
			return domain.OwnerBalance{}, errors.Overflow("balance addition would overflow")
		}
		newCustodied, ok := domain.AddChecked(vault.Custodied, amount)
		if !ok {
			return domain.OwnerBalance{}, errors.Overflow("vault addition would overflow")
		}
		if err := s.bank.Debit(ctx, owner, asset, amount); err != nil {
			return domain.OwnerBalance{}, err
		}
		vault.Custodied = newCustodied
		if _, err := s.store.UpsertVault(ctx, vault); err != nil {
			return domain.OwnerBalance{}, errors.Internal("persist vault", err)
		}
		rec.Balance = newBalance

	case DirectionDecrease:
		newBalance, ok := domain.SubChecked(rec.Balance, amount)
		if !ok {
			return domain.OwnerBalance{}, errors.InsufficientDeposit("balance cannot cover withdrawal")
		}
		vault, err := s.store.GetVault(ctx, vaultAddr)
		if err != nil {
			if errors.IsNotFound(err) {
				return domain.OwnerBalance{}, errors.InsufficientVault("vault has no custodied funds")
			}
			return domain.OwnerBalance{}, err
		}
		// Implied by conservation, enforced anyway.
		newCustodied, ok := domain.SubChecked(vault.Custodied, amount)
		if !ok {
			return domain.OwnerBalance{}, errors.InsufficientVault("vault cannot cover withdrawal")
		}
		if err := s.bank.Credit(ctx, owner, asset, amount); err != nil {
			return domain.OwnerBalance{}, err
		}
		vault.Custodied = newCustodied
		if _, err := s.store.UpsertVault(ctx, vault); err != nil {
			return domain.OwnerBalance{}, errors.Internal("persist vault", err)
		}
		rec.Balance = newBalance

	default:
		return domain.OwnerBalance{}, errors.InvalidInput("direction must be increase or decrease")
	}

	rec, err = s.store.UpdateOwnerBalance(ctx, rec)
	if err != nil {
		return domain.OwnerBalance{}, errors.Internal("persist balance", err)
	}
	s.log.WithFields(map[string]interface{}{
		"owner":     owner,
		"asset":     asset,
		"amount":    amount,
		"direction": direction,
	}).Info("owner balance adjusted")
	return rec, nil
}

// FundNameBalance deposits into a username-keyed balance. Open to any caller;
// the deposit is pulled from the depositor's external holding into the vault.
func (s *Service) FundNameBalance(ctx context.Context, depositor, username, asset string, amount uint64) (rec domain.NameBalance, err error) {
	defer func() { metrics.RecordVaultMovement("deposit", err) }()

	if err := domain.ValidateUsername(username); err != nil {
		return domain.NameBalance{}, err
	}
	if depositor == "" {
		return domain.NameBalance{}, errors.InvalidDepositor("depositor is required")
	}
	if amount == 0 {
		return domain.NameBalance{}, errors.InvalidInput("amount must be positive")
	}
	addr, err := domain.NameBalanceAddress(username, asset)
	if err != nil {
		return domain.NameBalance{}, err
	}

	s.gate.Lock()
	defer s.gate.Unlock()

	rec, err = s.getOrCreateNameBalance(ctx, addr, username, asset)
	if err != nil {
		return domain.NameBalance{}, err
	}
	if rec.Asset != asset {
		return domain.NameBalance{}, errors.InvalidMint("asset does not match existing record")
	}
	if err := s.ensureResident(ctx, addr); err != nil {
		return domain.NameBalance{}, err
	}

	vaultAddr, err := domain.VaultAddress(asset)
	if err != nil {
		return domain.NameBalance{}, err
	}
	vault, err := s.getOrCreateVault(ctx, vaultAddr, asset)
	if err != nil {
		return domain.NameBalance{}, err
	}

	newBalance, ok := domain.AddChecked(rec.Balance, amount)
	if !ok {
		return domain.NameBalance{}, errors.Overflow("balance addition would overflow")
	}
	newCustodied, ok := domain.AddChecked(vault.Custodied, amount)
	if !ok {
		return domain.NameBalance{}, errors.Overflow("vault addition would overflow")
	}
	if err := s.bank.Debit(ctx, depositor, asset, amount); err != nil {
		return domain.NameBalance{}, err
	}

	vault.Custodied = newCustodied
	if _, err := s.store.UpsertVault(ctx, vault); err != nil {
		return domain.NameBalance{}, errors.Internal("persist vault", err)
	}
	rec.Balance = newBalance
	rec, err = s.store.UpdateNameBalance(ctx, rec)
	if err != nil {
		return domain.NameBalance{}, errors.Internal("persist balance", err)
	}

	s.log.WithFields(map[string]interface{}{
		"username":  username,
		"asset":     asset,
		"amount":    amount,
		"depositor": depositor,
	}).Info("name balance funded")
	return rec, nil
}

// ClaimNameBalance releases custodied funds from a username-keyed balance to
// the claimant's external holding. Requires a verified session matching the
// username.
func (s *Service) ClaimNameBalance(ctx context.Context, claimant, username, asset string, amount uint64, recipient Holding) (rec domain.NameBalance, err error) {
	defer func() { metrics.RecordVaultMovement("release", err) }()

	if err := domain.ValidateUsername(username); err != nil {
		return domain.NameBalance{}, err
	}
	if amount == 0 {
		return domain.NameBalance{}, errors.InvalidInput("amount must be positive")
	}
	if err := s.requireVerifiedSession(ctx, claimant, username); err != nil {
		return domain.NameBalance{}, err
	}
	if recipient.Asset != asset {
		return domain.NameBalance{}, errors.InvalidMint("recipient holding asset mismatch")
	}
	if recipient.Holder != claimant {
		return domain.NameBalance{}, errors.InvalidRecipient("recipient holding not owned by claimant")
	}

	addr, err := domain.NameBalanceAddress(username, asset)
	if err != nil {
		return domain.NameBalance{}, err
	}

	s.gate.Lock()
	defer s.gate.Unlock()

	rec, err = s.store.GetNameBalance(ctx, addr)
	if err != nil {
		return domain.NameBalance{}, err
	}
	if err := s.ensureResident(ctx, addr); err != nil {
		return domain.NameBalance{}, err
	}

	newBalance, ok := domain.SubChecked(rec.Balance, amount)
	if !ok {
		return domain.NameBalance{}, errors.InsufficientDeposit("name balance cannot cover claim")
	}

	vaultAddr, err := domain.VaultAddress(asset)
	if err != nil {
		return domain.NameBalance{}, err
	}
	vault, err := s.store.GetVault(ctx, vaultAddr)
	if err != nil {
		if errors.IsNotFound(err) {
			return domain.NameBalance{}, errors.InsufficientVault("vault has no custodied funds")
		}
		return domain.NameBalance{}, err
	}
	newCustodied, ok := domain.SubChecked(vault.Custodied, amount)
	if !ok {
		return domain.NameBalance{}, errors.InsufficientVault("vault cannot cover claim")
	}

	if err := s.bank.Credit(ctx, recipient.Holder, asset, amount); err != nil {
		return domain.NameBalance{}, err
	}
	vault.Custodied = newCustodied
	if _, err := s.store.UpsertVault(ctx, vault); err != nil {
		return domain.NameBalance{}, errors.Internal("persist vault", err)
	}
	rec.Balance = newBalance
	rec, err = s.store.UpdateNameBalance(ctx, rec)
	if err != nil {
		return domain.NameBalance{}, errors.Internal("persist balance", err)
	}

	s.log.WithFields(map[string]interface{}{
		"username": username,
		"asset":    asset,
		"amount":   amount,
		"claimant": claimant,
	}).Info("name balance claimed")
	return rec, nil
}

// ClaimNameBalanceToOwner moves value from a username-keyed balance into the
// verified claimant's owner balance. Accounting only; the vault is untouched.
func (s *Service) ClaimNameBalanceToOwner(ctx context.Context, claimant, username, asset string, amount uint64) (rec domain.OwnerBalance, err error) {
	defer func() { metrics.RecordTransfer("name_to_owner", err) }()

	if err := domain.ValidateUsername(username); err != nil {
		return domain.OwnerBalance{}, err
	}
	if amount == 0 {
		return domain.OwnerBalance{}, errors.InvalidInput("amount must be positive")
	}
	if err := s.requireVerifiedSession(ctx, claimant, username); err != nil {
		return domain.OwnerBalance{}, err
	}

	nameAddr, err := domain.NameBalanceAddress(username, asset)
	if err != nil {
		return domain.OwnerBalance{}, err
	}
	ownerAddr, err := domain.OwnerBalanceAddress(claimant, asset)
	if err != nil {
		return domain.OwnerBalance{}, err
	}

	s.gate.Lock()
	defer s.gate.Unlock()

	source, err := s.store.GetNameBalance(ctx, nameAddr)
	if err != nil {
		return domain.OwnerBalance{}, err
	}
	dest, err := s.store.GetOwnerBalance(ctx, ownerAddr)
	if err != nil {
		if errors.IsNotFound(err) {
			return domain.OwnerBalance{}, errors.InvalidRecipient("claimant has no owner balance for this asset")
		}
		return domain.OwnerBalance{}, err
	}
	if err := s.ensureResident(ctx, nameAddr); err != nil {
		return domain.OwnerBalance{}, err
	}
	if err := s.ensureResident(ctx, ownerAddr); err != nil {
		return domain.OwnerBalance{}, err
	}

	newSource, ok := domain.SubChecked(source.Balance, amount)
	if !ok {
		return domain.OwnerBalance{}, errors.InsufficientDeposit("name balance cannot cover claim")
	}
	newDest, ok := domain.AddChecked(dest.Balance, amount)
	if !ok {
		return domain.OwnerBalance{}, errors.Overflow("destination balance would overflow")
	}

	source.Balance = newSource
	if _, err := s.store.UpdateNameBalance(ctx, source); err != nil {
		return domain.OwnerBalance{}, errors.Internal("persist source", err)
	}
	dest.Balance = newDest
	rec, err = s.store.UpdateOwnerBalance(ctx, dest)
	if err != nil {
		return domain.OwnerBalance{}, errors.Internal("persist destination", err)
	}
	return rec, nil
}

// GetOwnerBalance reads the (owner, asset) record.
func (s *Service) GetOwnerBalance(ctx context.Context, owner, asset string) (domain.OwnerBalance, error) {
	addr, err := domain.OwnerBalanceAddress(owner, asset)
	if err != nil {
		return domain.OwnerBalance{}, err
	}
	return s.store.GetOwnerBalance(ctx, addr)
}

// GetNameBalance reads the (username, asset) record.
func (s *Service) GetNameBalance(ctx context.Context, username, asset string) (domain.NameBalance, error) {
	addr, err := domain.NameBalanceAddress(username, asset)
	if err != nil {
		return domain.NameBalance{}, err
	}
	return s.store.GetNameBalance(ctx, addr)
}

// GetVault reads the custodial pool for an asset.
func (s *Service) GetVault(ctx context.Context, asset string) (domain.Vault, error) {
	addr, err := domain.VaultAddress(asset)
	if err != nil {
		return domain.Vault{}, err
	}
	return s.store.GetVault(ctx, addr)
}

func (s *Service) getOrCreateNameBalance(ctx context.Context, addr address.Address, username, asset string) (domain.NameBalance, error) {
	rec, err := s.store.GetNameBalance(ctx, addr)
	if err == nil {
		return rec, nil
	}
	if !errors.IsNotFound(err) {
		return domain.NameBalance{}, err
	}
	return s.store.CreateNameBalance(ctx, domain.NameBalance{
		Address:  addr,
		Username: username,
		Asset:    asset,
	})
}

func (s *Service) getOrCreateVault(ctx context.Context, addr address.Address, asset string) (domain.Vault, error) {
	vault, err := s.store.GetVault(ctx, addr)
	if err == nil {
		return vault, nil
	}
	if !errors.IsNotFound(err) {
		return domain.Vault{}, err
	}
	return s.store.UpsertVault(ctx, domain.Vault{Address: addr, Asset: asset})
}

// ensureResident rejects base-ledger writes against a delegated record.
// Ownership has moved to the alternate venue, not merely permission.
func (s *Service) ensureResident(ctx context.Context, addr address.Address) error {
	if s.delegations == nil {
		return nil
	}
	_, err := s.delegations.GetActiveDelegation(ctx, addr)
	if err == nil {
		return errors.AccountDelegated("record is under delegated control").
			WithDetails("account", addr.String())
	}
	if errors.IsNotFound(err) {
		return nil
	}
	return err
}

func (s *Service) requireVerifiedSession(ctx context.Context, claimant, username string) error {
	if s.sessions == nil {
		return errors.NotVerified("no session store configured")
	}
	sess, err := s.sessions.GetSession(ctx, claimant)
	if err != nil {
		if errors.IsNotFound(err) {
			return errors.NotVerified("claimant has no identity session")
		}
		return err
	}
	if !sess.Verified {
		return errors.NotVerified("identity session is not verified")
	}
	if sess.Username != username {
		return errors.Unauthorized("session username does not match the claimed record")
	}
	return nil
}

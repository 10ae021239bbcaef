// Package transfer implements internal accounting transfers between balance
// records. Transfers never touch the vault; the custodied total is invariant.
package transfer

import (
	"context"
	"sync"
	"time"

	"github.com/custodia-network/custodia/internal/address"
	"github.com/custodia-network/custodia/internal/app/collab"
	ledgerdom "github.com/custodia-network/custodia/internal/app/domain/ledger"
	sessiondom "github.com/custodia-network/custodia/internal/app/domain/session"
	"github.com/custodia-network/custodia/internal/app/metrics"
	"github.com/custodia-network/custodia/internal/app/storage"
	"github.com/custodia-network/custodia/internal/errors"
	"github.com/custodia-network/custodia/pkg/logger"
)

// Authority describes who is acting on the source balance. Identity is the
// signer of the request. Token, when present, lets that signer act on behalf
// of the authority named inside it.
type Authority struct {
	Identity string
	Token    *sessiondom.DelegatedAuthority
}

// Service moves value between balance records, routing through the alternate
// venue when both sides are delegated.
type Service struct {
	gate        *sync.Mutex
	store       storage.LedgerStore
	delegations storage.DelegationStore
	venue       collab.Venue
	now         func() time.Time
	log         *logger.Logger
}

// New constructs a transfer service sharing the mutation gate with the ledger
// service. venue may be nil when no delegation collaborator is configured.
func New(gate *sync.Mutex, store storage.LedgerStore, delegations storage.DelegationStore, venue collab.Venue, log *logger.Logger) *Service {
	if gate == nil {
		gate = &sync.Mutex{}
	}
	if log == nil {
		log = logger.NewDefault("transfer")
	}
	return &Service{
		gate:        gate,
		store:       store,
		delegations: delegations,
		venue:       venue,
		now:         time.Now,
		log:         log,
	}
}

// TransferOwnerToOwner moves value between two owner-keyed records of the same
// asset. The authority must be the source owner, directly or through a valid
// delegated-authority token.
func (s *Service) TransferOwnerToOwner(ctx context.Context, auth Authority, sourceOwner, destOwner, asset string, amount uint64) (err error) {
	defer func() { metrics.RecordTransfer("owner_to_owner", err) }()

	if sourceOwner == destOwner {
		return errors.InvalidInput("source and destination must differ")
	}
	if amount == 0 {
		return errors.InvalidInput("amount must be positive")
	}
	if err := s.authorize(auth, sourceOwner); err != nil {
		return err
	}

	sourceAddr, err := ledgerdom.OwnerBalanceAddress(sourceOwner, asset)
	if err != nil {
		return err
	}
	destAddr, err := ledgerdom.OwnerBalanceAddress(destOwner, asset)
	if err != nil {
		return err
	}

	s.gate.Lock()
	defer s.gate.Unlock()

	source, err := s.store.GetOwnerBalance(ctx, sourceAddr)
	if err != nil {
		return err
	}
	dest, err := s.store.GetOwnerBalance(ctx, destAddr)
	if err != nil {
		return err
	}

	routed, err := s.routeDelegated(ctx, sourceAddr, destAddr, amount)
	if routed || err != nil {
		return err
	}

	newSource, ok := ledgerdom.SubChecked(source.Balance, amount)
	if !ok {
		return errors.InsufficientDeposit("source balance cannot cover transfer")
	}
	newDest, ok := ledgerdom.AddChecked(dest.Balance, amount)
	if !ok {
		return errors.Overflow("destination balance would overflow")
	}

	source.Balance = newSource
	if _, err := s.store.UpdateOwnerBalance(ctx, source); err != nil {
		return errors.Internal("persist source", err)
	}
	dest.Balance = newDest
	if _, err := s.store.UpdateOwnerBalance(ctx, dest); err != nil {
		return errors.Internal("persist destination", err)
	}

	s.log.WithFields(map[string]interface{}{
		"source": sourceOwner,
		"dest":   destOwner,
		"asset":  asset,
		"amount": amount,
	}).Info("owner transfer applied")
	return nil
}

// TransferOwnerToName moves value from an owner-keyed record into a
// username-keyed record of the same asset.
func (s *Service) TransferOwnerToName(ctx context.Context, auth Authority, sourceOwner, username, asset string, amount uint64) (err error) {
	defer func() { metrics.RecordTransfer("owner_to_name", err) }()

	if err := ledgerdom.ValidateUsername(username); err != nil {
		return err
	}
	if amount == 0 {
		return errors.InvalidInput("amount must be positive")
	}
	if err := s.authorize(auth, sourceOwner); err != nil {
		return err
	}

	sourceAddr, err := ledgerdom.OwnerBalanceAddress(sourceOwner, asset)
	if err != nil {
		return err
	}
	destAddr, err := ledgerdom.NameBalanceAddress(username, asset)
	if err != nil {
		return err
	}

	s.gate.Lock()
	defer s.gate.Unlock()

	source, err := s.store.GetOwnerBalance(ctx, sourceAddr)
	if err != nil {
		return err
	}
	dest, err := s.store.GetNameBalance(ctx, destAddr)
	if err != nil {
		return err
	}

	routed, err := s.routeDelegated(ctx, sourceAddr, destAddr, amount)
	if routed || err != nil {
		return err
	}

	newSource, ok := ledgerdom.SubChecked(source.Balance, amount)
	if !ok {
		return errors.InsufficientDeposit("source balance cannot cover transfer")
	}
	newDest, ok := ledgerdom.AddChecked(dest.Balance, amount)
	if !ok {
		return errors.Overflow("destination balance would overflow")
	}

	source.Balance = newSource
	if _, err := s.store.UpdateOwnerBalance(ctx, source); err != nil {
		return errors.Internal("persist source", err)
	}
	dest.Balance = newDest
	if _, err := s.store.UpdateNameBalance(ctx, dest); err != nil {
		return errors.Internal("persist destination", err)
	}

	s.log.WithFields(map[string]interface{}{
		"source":   sourceOwner,
		"username": username,
		"asset":    asset,
		"amount":   amount,
	}).Info("owner to name transfer applied")
	return nil
}

// authorize accepts either the owner acting directly or a signer carrying a
// delegated-authority token issued by the owner for this program.
func (s *Service) authorize(auth Authority, owner string) error {
	if auth.Token == nil {
		if auth.Identity != owner {
			return errors.Unauthorized("only the source owner may transfer")
		}
		return nil
	}
	if auth.Token.Signer != auth.Identity {
		return errors.Unauthorized("token signer does not match request identity")
	}
	return auth.Token.Validate(owner, collab.ProgramIdentity, s.now())
}

// routeDelegated sends the transfer through the alternate venue when the
// source record is delegated. Both endpoints must live at the venue; a mixed
// pair cannot settle anywhere.
func (s *Service) routeDelegated(ctx context.Context, sourceAddr, destAddr address.Address, amount uint64) (bool, error) {
	if s.delegations == nil {
		return false, nil
	}
	sourceDelegated, err := s.isDelegated(ctx, sourceAddr)
	if err != nil {
		return false, err
	}
	destDelegated, err := s.isDelegated(ctx, destAddr)
	if err != nil {
		return false, err
	}
	if !sourceDelegated && !destDelegated {
		return false, nil
	}
	if !sourceDelegated || !destDelegated {
		return false, errors.AccountDelegated("both records must be delegated to transfer at the venue")
	}
	if s.venue == nil {
		return false, errors.AccountDelegated("no venue configured for delegated transfers")
	}
	if err := s.venue.VenueTransfer(ctx, sourceAddr, destAddr, amount); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) isDelegated(ctx context.Context, addr address.Address) (bool, error) {
	_, err := s.delegations.GetActiveDelegation(ctx, addr)
	if err == nil {
		return true, nil
	}
	if errors.IsNotFound(err) {
		return false, nil
	}
	return false, err
}

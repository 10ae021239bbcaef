// Package delegation implements the handover of balance records to an
// alternate execution venue and their reconciled return.
package delegation

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/custodia-network/custodia/internal/address"
	"github.com/custodia-network/custodia/internal/app/collab"
	domain "github.com/custodia-network/custodia/internal/app/domain/delegation"
	ledgerdom "github.com/custodia-network/custodia/internal/app/domain/ledger"
	sessiondom "github.com/custodia-network/custodia/internal/app/domain/session"
	"github.com/custodia-network/custodia/internal/app/metrics"
	"github.com/custodia-network/custodia/internal/app/storage"
	"github.com/custodia-network/custodia/internal/errors"
	"github.com/custodia-network/custodia/pkg/logger"
)

// Authority mirrors the transfer-side authority model: a direct owner or a
// signer holding a delegated-authority token from the owner.
type Authority struct {
	Identity string
	Token    *sessiondom.DelegatedAuthority
}

// Service drives the delegate / request-undelegate / apply state machine.
type Service struct {
	gate       *sync.Mutex
	ledger     storage.LedgerStore
	store      storage.DelegationStore
	sessions   storage.SessionStore
	authorizer collab.Authorizer
	bridge     collab.DelegationBridge
	venue      collab.Venue
	now        func() time.Time
	log        *logger.Logger
}

// New constructs a delegation service. gate must be the same mutex used by
// the ledger and transfer services so reconciliation and balance writes
// serialise.
func New(gate *sync.Mutex, ledger storage.LedgerStore, store storage.DelegationStore, sessions storage.SessionStore, authorizer collab.Authorizer, bridge collab.DelegationBridge, venue collab.Venue, log *logger.Logger) *Service {
	if gate == nil {
		gate = &sync.Mutex{}
	}
	if log == nil {
		log = logger.NewDefault("delegation")
	}
	return &Service{
		gate:       gate,
		ledger:     ledger,
		store:      store,
		sessions:   sessions,
		authorizer: authorizer,
		bridge:     bridge,
		venue:      venue,
		now:        time.Now,
		log:        log,
	}
}

// Delegate hands an (owner, asset) record to the alternate venue. The record
// must exist, carry a permission record, and not already be delegated.
func (s *Service) Delegate(ctx context.Context, owner, asset, validator string) (rec domain.Record, err error) {
	defer func() { metrics.RecordDelegationTransition("delegate", err) }()

	addr, err := ledgerdom.OwnerBalanceAddress(owner, asset)
	if err != nil {
		return domain.Record{}, err
	}

	s.gate.Lock()
	defer s.gate.Unlock()

	bal, err := s.ledger.GetOwnerBalance(ctx, addr)
	if err != nil {
		return domain.Record{}, err
	}
	return s.delegate(ctx, addr, bal.Balance, validator)
}

// DelegateName hands a (username, asset) record to the alternate venue. The
// caller must hold a verified session for the username.
func (s *Service) DelegateName(ctx context.Context, caller, username, asset, validator string) (rec domain.Record, err error) {
	defer func() { metrics.RecordDelegationTransition("delegate", err) }()

	if err := ledgerdom.ValidateUsername(username); err != nil {
		return domain.Record{}, err
	}
	if err := s.requireVerifiedSession(ctx, caller, username); err != nil {
		return domain.Record{}, err
	}
	addr, err := ledgerdom.NameBalanceAddress(username, asset)
	if err != nil {
		return domain.Record{}, err
	}

	s.gate.Lock()
	defer s.gate.Unlock()

	bal, err := s.ledger.GetNameBalance(ctx, addr)
	if err != nil {
		return domain.Record{}, err
	}
	return s.delegate(ctx, addr, bal.Balance, validator)
}

func (s *Service) delegate(ctx context.Context, addr address.Address, balance uint64, validator string) (domain.Record, error) {
	ok, err := s.authorizer.Exists(ctx, addr)
	if err != nil {
		return domain.Record{}, err
	}
	if !ok {
		return domain.Record{}, errors.Unauthorized("permission record required before delegation")
	}
	if _, err := s.store.GetActiveDelegation(ctx, addr); err == nil {
		return domain.Record{}, errors.AlreadyDelegated("record is already delegated").
			WithDetails("account", addr.String())
	} else if !errors.IsNotFound(err) {
		return domain.Record{}, err
	}

	now := s.now().UTC()
	buf, err := s.store.PutBuffer(ctx, domain.StagingBuffer{
		ID:        uuid.NewString(),
		Account:   addr,
		Balance:   balance,
		CreatedAt: now,
	})
	if err != nil {
		return domain.Record{}, errors.Internal("stage delegation buffer", err)
	}
	rec, err := s.store.CreateDelegation(ctx, domain.Record{
		ID:          uuid.NewString(),
		Account:     addr,
		Validator:   validator,
		Status:      domain.StatusDelegated,
		DelegatedAt: now,
	})
	if err != nil {
		return domain.Record{}, err
	}
	if s.bridge != nil {
		if bridgeErr := s.bridge.Delegate(ctx, addr, buf, rec, collab.DelegateMetadata{Validator: validator}); bridgeErr != nil {
			// The venue never took the account; revert the record and buffer
			// so the account is neither wedged nor blocked from retrying.
			if err := s.store.DeleteDelegation(ctx, rec.ID); err != nil {
				s.log.WithError(err).WithField("account", addr.String()).Error("revert delegation record after venue failure")
			}
			if err := s.store.DeleteBuffer(ctx, addr); err != nil {
				s.log.WithError(err).WithField("account", addr.String()).Error("revert staging buffer after venue failure")
			}
			return domain.Record{}, errors.Internal("hand record to venue", bridgeErr)
		}
	}
	s.log.WithField("account", addr.String()).WithField("validator", validator).Info("record delegated")
	return rec, nil
}

// RequestUndelegate flushes the venue-side state of a delegated (owner, asset)
// record into the staging buffer and asks the venue to commit and release.
// Only the owner, directly or through a token, may request it.
func (s *Service) RequestUndelegate(ctx context.Context, auth Authority, owner, asset string) (rec domain.Record, err error) {
	defer func() { metrics.RecordDelegationTransition("request_undelegate", err) }()

	if err := s.authorize(auth, owner); err != nil {
		return domain.Record{}, err
	}
	addr, err := ledgerdom.OwnerBalanceAddress(owner, asset)
	if err != nil {
		return domain.Record{}, err
	}

	s.gate.Lock()
	defer s.gate.Unlock()
	return s.requestUndelegate(ctx, addr)
}

// RequestUndelegateName is the username-keyed variant; the caller must hold a
// verified session for the username.
func (s *Service) RequestUndelegateName(ctx context.Context, caller, username, asset string) (rec domain.Record, err error) {
	defer func() { metrics.RecordDelegationTransition("request_undelegate", err) }()

	if err := ledgerdom.ValidateUsername(username); err != nil {
		return domain.Record{}, err
	}
	if err := s.requireVerifiedSession(ctx, caller, username); err != nil {
		return domain.Record{}, err
	}
	addr, err := ledgerdom.NameBalanceAddress(username, asset)
	if err != nil {
		return domain.Record{}, err
	}

	s.gate.Lock()
	defer s.gate.Unlock()
	return s.requestUndelegate(ctx, addr)
}

func (s *Service) requestUndelegate(ctx context.Context, addr address.Address) (domain.Record, error) {
	rec, err := s.store.GetActiveDelegation(ctx, addr)
	if err != nil {
		if errors.IsNotFound(err) {
			return domain.Record{}, errors.NotFound("record is not delegated")
		}
		return domain.Record{}, err
	}
	if rec.Status != domain.StatusDelegated {
		return domain.Record{}, errors.InvalidInput("undelegation already requested")
	}

	buf, err := s.store.GetBuffer(ctx, addr)
	if err != nil {
		return domain.Record{}, err
	}
	prevBuf := buf
	if s.venue != nil {
		balance, err := s.venue.VenueBalance(ctx, addr)
		if err != nil {
			return domain.Record{}, errors.Internal("read venue balance", err)
		}
		buf.Balance = balance
	}
	now := s.now().UTC()
	buf.FlushedAt = &now
	if _, err := s.store.PutBuffer(ctx, buf); err != nil {
		return domain.Record{}, errors.Internal("flush staging buffer", err)
	}

	rec.Status = domain.StatusUndelegateRequested
	rec.UndelegateRequestedAt = &now
	rec, err = s.store.UpdateDelegation(ctx, rec)
	if err != nil {
		return domain.Record{}, err
	}
	if s.bridge != nil {
		if bridgeErr := s.bridge.RequestCommitAndUndelegate(ctx, addr); bridgeErr != nil {
			// The venue never queued the commit; put the record and buffer
			// back so the request can be retried.
			rec.Status = domain.StatusDelegated
			rec.UndelegateRequestedAt = nil
			if _, err := s.store.UpdateDelegation(ctx, rec); err != nil {
				s.log.WithError(err).WithField("account", addr.String()).Error("revert delegation status after venue failure")
			}
			if _, err := s.store.PutBuffer(ctx, prevBuf); err != nil {
				s.log.WithError(err).WithField("account", addr.String()).Error("revert staging buffer after venue failure")
			}
			return domain.Record{}, errors.Internal("request venue commit", bridgeErr)
		}
	}
	s.log.WithField("account", addr.String()).Info("undelegation requested")
	return rec, nil
}

// ApplyUndelegation copies the flushed staging buffer into the base-ledger
// record and marks it resident. Only the venue collaborator identity may call
// it.
func (s *Service) ApplyUndelegation(ctx context.Context, caller string, account address.Address) (rec domain.Record, err error) {
	defer func() { metrics.RecordDelegationTransition("apply", err) }()

	if s.bridge == nil || caller != s.bridge.Identity() {
		return domain.Record{}, errors.Unauthorized("only the venue collaborator may apply undelegation")
	}

	s.gate.Lock()
	defer s.gate.Unlock()

	rec, err = s.store.GetActiveDelegation(ctx, account)
	if err != nil {
		if errors.IsNotFound(err) {
			return domain.Record{}, errors.NotFound("record is not delegated")
		}
		return domain.Record{}, err
	}
	if rec.Status != domain.StatusUndelegateRequested {
		return domain.Record{}, errors.InvalidInput("no undelegation requested for this record")
	}

	buf, err := s.store.GetBuffer(ctx, account)
	if err != nil {
		return domain.Record{}, err
	}
	if err := s.applyBuffer(ctx, account, buf.Balance); err != nil {
		return domain.Record{}, err
	}

	now := s.now().UTC()
	rec.Status = domain.StatusResident
	rec.CompletedAt = &now
	rec, err = s.store.UpdateDelegation(ctx, rec)
	if err != nil {
		return domain.Record{}, err
	}
	if err := s.store.DeleteBuffer(ctx, account); err != nil {
		return domain.Record{}, errors.Internal("drop staging buffer", err)
	}
	s.log.WithField("account", account.String()).Info("undelegation applied")
	return rec, nil
}

// applyBuffer writes the flushed balance into whichever record kind the
// address resolves to.
func (s *Service) applyBuffer(ctx context.Context, account address.Address, balance uint64) error {
	if bal, err := s.ledger.GetOwnerBalance(ctx, account); err == nil {
		bal.Balance = balance
		_, err = s.ledger.UpdateOwnerBalance(ctx, bal)
		return err
	} else if !errors.IsNotFound(err) {
		return err
	}
	bal, err := s.ledger.GetNameBalance(ctx, account)
	if err != nil {
		return err
	}
	bal.Balance = balance
	_, err = s.ledger.UpdateNameBalance(ctx, bal)
	return err
}

// Status reports where write authority for an account currently lives.
func (s *Service) Status(ctx context.Context, account address.Address) (domain.Status, error) {
	rec, err := s.store.GetActiveDelegation(ctx, account)
	if err != nil {
		if errors.IsNotFound(err) {
			return domain.StatusResident, nil
		}
		return "", err
	}
	return rec.Status, nil
}

// Delegations lists all delegation records, newest first.
func (s *Service) Delegations(ctx context.Context) ([]domain.Record, error) {
	return s.store.ListDelegations(ctx)
}

func (s *Service) authorize(auth Authority, owner string) error {
	if auth.Token == nil {
		if auth.Identity != owner {
			return errors.Unauthorized("only the owner may undelegate")
		}
		return nil
	}
	if auth.Token.Signer != auth.Identity {
		return errors.Unauthorized("token signer does not match request identity")
	}
	return auth.Token.Validate(owner, collab.ProgramIdentity, s.now())
}

func (s *Service) requireVerifiedSession(ctx context.Context, caller, username string) error {
	sess, err := s.sessions.GetSession(ctx, caller)
	if err != nil {
		if errors.IsNotFound(err) {
			return errors.NotVerified("caller has no identity session")
		}
		return err
	}
	if !sess.Verified {
		return errors.NotVerified("identity session is not verified")
	}
	if sess.Username != username {
		return errors.Unauthorized("session username does not match the record")
	}
	return nil
}

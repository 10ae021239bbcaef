// Package permission gates delegation behind per-record permission records
// held at the authorization collaborator.
package permission

import (
	"context"

	"github.com/custodia-network/custodia/internal/app/collab"
	delegationdom "github.com/custodia-network/custodia/internal/app/domain/delegation"
	ledgerdom "github.com/custodia-network/custodia/internal/app/domain/ledger"
	"github.com/custodia-network/custodia/internal/app/storage"
	"github.com/custodia-network/custodia/internal/errors"
	"github.com/custodia-network/custodia/pkg/logger"
)

// Service creates permission records for balance records. Creation is
// idempotent at the collaborator; repeating it is not an error.
type Service struct {
	authorizer collab.Authorizer
	ledger     storage.LedgerStore
	sessions   storage.SessionStore
	log        *logger.Logger
}

func New(authorizer collab.Authorizer, ledger storage.LedgerStore, sessions storage.SessionStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("permission")
	}
	return &Service{
		authorizer: authorizer,
		ledger:     ledger,
		sessions:   sessions,
		log:        log,
	}
}

// CreatePermission registers the owner as the sole member over their own
// (owner, asset) record.
func (s *Service) CreatePermission(ctx context.Context, caller, owner, asset string) (delegationdom.PermissionRecord, error) {
	if caller != owner {
		return delegationdom.PermissionRecord{}, errors.Unauthorized("only the owner may create this permission")
	}
	addr, err := ledgerdom.OwnerBalanceAddress(owner, asset)
	if err != nil {
		return delegationdom.PermissionRecord{}, err
	}
	if _, err := s.ledger.GetOwnerBalance(ctx, addr); err != nil {
		return delegationdom.PermissionRecord{}, err
	}

	rec, err := s.authorizer.CreatePermission(ctx, addr, []delegationdom.Member{
		{Identity: owner, Flags: delegationdom.DefaultMemberFlags},
	})
	if err != nil {
		return delegationdom.PermissionRecord{}, err
	}
	s.log.WithField("owner", owner).WithField("asset", asset).Info("permission created")
	return rec, nil
}

// CreateNamePermission registers the caller as the sole member over a
// username-keyed record. The caller must hold a verified session for the
// username.
func (s *Service) CreateNamePermission(ctx context.Context, caller, username, asset string) (delegationdom.PermissionRecord, error) {
	if err := ledgerdom.ValidateUsername(username); err != nil {
		return delegationdom.PermissionRecord{}, err
	}
	if err := s.requireVerifiedSession(ctx, caller, username); err != nil {
		return delegationdom.PermissionRecord{}, err
	}
	addr, err := ledgerdom.NameBalanceAddress(username, asset)
	if err != nil {
		return delegationdom.PermissionRecord{}, err
	}
	if _, err := s.ledger.GetNameBalance(ctx, addr); err != nil {
		return delegationdom.PermissionRecord{}, err
	}

	rec, err := s.authorizer.CreatePermission(ctx, addr, []delegationdom.Member{
		{Identity: caller, Flags: delegationdom.DefaultMemberFlags},
	})
	if err != nil {
		return delegationdom.PermissionRecord{}, err
	}
	s.log.WithField("username", username).WithField("asset", asset).Info("name permission created")
	return rec, nil
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

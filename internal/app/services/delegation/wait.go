package delegation

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/custodia-network/custodia/internal/address"
	domain "github.com/custodia-network/custodia/internal/app/domain/delegation"
)

// ErrWaitBudgetExceeded reports that a record did not return to resident
// status within the polling budget. It is a client-side timeout, not a
// protocol failure; the undelegation may still complete later.
var ErrWaitBudgetExceeded = stderrors.New("reconciliation wait budget exceeded")

const (
	DefaultWaitAttempts = 50
	DefaultWaitDelay    = 100 * time.Millisecond
)

// WaitForResident polls until the account is resident again, up to attempts
// polls spaced by delay. Zero values take the defaults.
func (s *Service) WaitForResident(ctx context.Context, account address.Address, attempts int, delay time.Duration) error {
	if attempts <= 0 {
		attempts = DefaultWaitAttempts
	}
	if delay <= 0 {
		delay = DefaultWaitDelay
	}
	for i := 0; i < attempts; i++ {
		status, err := s.Status(ctx, account)
		if err != nil {
			return err
		}
		if status == domain.StatusResident {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return ErrWaitBudgetExceeded
}

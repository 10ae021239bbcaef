// Package app assembles the custodial core: stores, collaborators, domain
// services and their lifecycle.
package app

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"
	"time"

	"github.com/custodia-network/custodia/internal/app/collab"
	delegationsvc "github.com/custodia-network/custodia/internal/app/services/delegation"
	ledgersvc "github.com/custodia-network/custodia/internal/app/services/ledger"
	permissionsvc "github.com/custodia-network/custodia/internal/app/services/permission"
	sessionsvc "github.com/custodia-network/custodia/internal/app/services/session"
	transfersvc "github.com/custodia-network/custodia/internal/app/services/transfer"
	"github.com/custodia-network/custodia/internal/app/storage"
	"github.com/custodia-network/custodia/internal/app/storage/memory"
	"github.com/custodia-network/custodia/internal/app/system"
	"github.com/custodia-network/custodia/pkg/logger"
)

// Stores encapsulates persistence dependencies. Nil stores default to the
// in-memory implementation.
type Stores struct {
	Ledger      storage.LedgerStore
	Sessions    storage.SessionStore
	Delegations storage.DelegationStore
}

// Collaborators are the external systems the core talks to. Nil fields
// default to in-memory stand-ins suitable for development and tests.
type Collaborators struct {
	Bank       collab.TokenBank
	Authorizer collab.Authorizer
	Bridge     collab.DelegationBridge
	Venue      collab.Venue
	Commits    collab.CommitSource
}

// Options tunes application behaviour beyond the stores and collaborators.
type Options struct {
	// IssuerKey is the trusted session issuer public key. Required for
	// verification to succeed against real attestations.
	IssuerKey ed25519.PublicKey
	// SessionMaxAge bounds auth timestamp staleness at verification.
	SessionMaxAge time.Duration
	// ReconcileInterval is the poller cadence for applying venue commits.
	ReconcileInterval time.Duration
	// DisablePoller turns off the background reconciler; commits then apply
	// only through the collaborator endpoint or explicit RunOnce calls.
	DisablePoller bool
}

// Application ties domain services together and manages their lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Ledger      *ledgersvc.Service
	Transfers   *transfersvc.Service
	Sessions    *sessionsvc.Service
	Permissions *permissionsvc.Service
	Delegations *delegationsvc.Service
	Reconciler  *delegationsvc.ReconcilePoller
}

// New builds a fully initialised application with the provided stores and
// collaborators.
func New(stores Stores, collaborators Collaborators, opts Options, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}

	mem := memory.New()
	if stores.Ledger == nil {
		stores.Ledger = mem
	}
	if stores.Sessions == nil {
		stores.Sessions = mem
	}
	if stores.Delegations == nil {
		stores.Delegations = mem
	}

	if collaborators.Bank == nil {
		collaborators.Bank = collab.NewMemoryTokenBank()
	}
	if collaborators.Authorizer == nil {
		collaborators.Authorizer = collab.NewMemoryAuthorizer()
	}
	if collaborators.Bridge == nil {
		bridge := collab.NewMemoryBridge("venue-collaborator")
		collaborators.Bridge = bridge
		if collaborators.Venue == nil {
			collaborators.Venue = bridge
		}
		if collaborators.Commits == nil {
			collaborators.Commits = bridge
		}
	}

	// One gate serialises every balance mutation, including reconciliation.
	gate := &sync.Mutex{}

	ledgerService := ledgersvc.New(gate, stores.Ledger, stores.Delegations, stores.Sessions, collaborators.Bank, log)
	transferService := transfersvc.New(gate, stores.Ledger, stores.Delegations, collaborators.Venue, log)
	sessionService := sessionsvc.New(stores.Sessions, opts.IssuerKey, opts.SessionMaxAge, log)
	permissionService := permissionsvc.New(collaborators.Authorizer, stores.Ledger, stores.Sessions, log)
	delegationService := delegationsvc.New(gate, stores.Ledger, stores.Delegations, stores.Sessions, collaborators.Authorizer, collaborators.Bridge, collaborators.Venue, log)

	manager := system.NewManager()
	for _, name := range []string{"ledger", "transfers", "sessions", "permissions", "delegations"} {
		if err := manager.Register(system.NoopService{ServiceName: name}); err != nil {
			return nil, fmt.Errorf("register %s service: %w", name, err)
		}
	}

	var reconciler *delegationsvc.ReconcilePoller
	if !opts.DisablePoller && collaborators.Commits != nil {
		reconciler = delegationsvc.NewReconcilePoller(delegationService, collaborators.Commits, collaborators.Bridge.Identity(), opts.ReconcileInterval, log)
		if err := manager.Register(reconciler); err != nil {
			return nil, fmt.Errorf("register %s: %w", reconciler.Name(), err)
		}
	} else if opts.DisablePoller {
		log.Warn("reconcile poller disabled; venue commits apply only on request")
	}

	return &Application{
		manager:     manager,
		log:         log,
		Ledger:      ledgerService,
		Transfers:   transferService,
		Sessions:    sessionService,
		Permissions: permissionService,
		Delegations: delegationService,
		Reconciler:  reconciler,
	}, nil
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}

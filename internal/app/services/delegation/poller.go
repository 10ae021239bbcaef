package delegation

import (
	"context"
	"sync"
	"time"

	"github.com/custodia-network/custodia/internal/app/collab"
	"github.com/custodia-network/custodia/internal/app/metrics"
	"github.com/custodia-network/custodia/internal/errors"
	"github.com/custodia-network/custodia/pkg/logger"
)

// DefaultReconcileInterval is how often the poller drains the venue's pending
// undelegations when no interval is configured.
const DefaultReconcileInterval = 2 * time.Second

// ReconcilePoller periodically drains the venue's committed undelegations and
// applies them to the base ledger. It implements the system service contract.
type ReconcilePoller struct {
	svc      *Service
	source   collab.CommitSource
	identity string
	interval time.Duration
	log      *logger.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewReconcilePoller builds a poller that applies commits from source under
// the given collaborator identity.
func NewReconcilePoller(svc *Service, source collab.CommitSource, identity string, interval time.Duration, log *logger.Logger) *ReconcilePoller {
	if interval <= 0 {
		interval = DefaultReconcileInterval
	}
	if log == nil {
		log = logger.NewDefault("reconcile-poller")
	}
	return &ReconcilePoller{
		svc:      svc,
		source:   source,
		identity: identity,
		interval: interval,
		log:      log,
	}
}

func (p *ReconcilePoller) Name() string { return "delegation-reconcile-poller" }

// Start launches the polling loop. It returns immediately.
func (p *ReconcilePoller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true

	go p.loop(loopCtx)
	p.log.WithField("interval", p.interval.String()).Info("reconcile poller started")
	return nil
}

// Stop halts the loop and waits for the in-flight pass to finish.
func (p *ReconcilePoller) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *ReconcilePoller) loop(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single reconciliation pass. Exported so tests and
// operators can drive the poller without the ticker.
func (p *ReconcilePoller) RunOnce(ctx context.Context) {
	start := time.Now()
	defer func() { metrics.ObserveReconcilePass(time.Since(start)) }()

	pending, err := p.source.PendingUndelegations(ctx)
	if err != nil {
		p.log.WithError(err).Warn("listing pending undelegations failed")
		return
	}
	for _, account := range pending {
		if _, err := p.svc.ApplyUndelegation(ctx, p.identity, account); err != nil {
			// Resident means another pass already applied this commit.
			if errors.HasCode(err, errors.CodeNotFound) {
				p.log.WithField("account", account.String()).Debug("commit already applied")
			} else {
				p.log.WithError(err).WithField("account", account.String()).Warn("applying undelegation failed")
				continue
			}
		}
		if err := p.source.CompleteUndelegation(ctx, account); err != nil {
			p.log.WithError(err).WithField("account", account.String()).Warn("completing undelegation failed")
		}
	}
}

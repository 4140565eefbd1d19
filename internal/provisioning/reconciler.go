package provisioning

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"tenantcore/internal/apperr"
	"tenantcore/internal/logging"
	"tenantcore/internal/repository"
	"tenantcore/pkg/models"
)

const (
	DefaultReconcileInterval = time.Minute
	DefaultStuckAfter        = 2 * time.Minute
	DefaultMaxAttempts       = 10
	DefaultMaxBackoff        = time.Hour
)

// Reconciler resumes tenants whose provisioning stopped before completion.
// A tenant whose resume keeps failing is retried with exponential backoff and
// left alone after MaxAttempts failures until it is resumed by hand.
type Reconciler struct {
	orch        *Orchestrator
	catalog     Catalog
	interval    time.Duration
	stuckAfter  time.Duration
	maxAttempts int
	maxBackoff  time.Duration
	clock       clock.Clock
	logger      *logging.Logger

	mu       sync.Mutex
	attempts map[string]*retryState

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type retryState struct {
	failures int
	nextAt   time.Time
}

// ReconcilerOption customizes a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithMaxAttempts caps how many failed resumes of one tenant are attempted.
func WithMaxAttempts(n int) ReconcilerOption {
	return func(r *Reconciler) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

// WithMaxBackoff caps the delay between attempts.
func WithMaxBackoff(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) {
		if d > 0 {
			r.maxBackoff = d
		}
	}
}

// NewReconciler creates a reconciler. A zero stuckAfter uses the default.
func NewReconciler(orch *Orchestrator, interval, stuckAfter time.Duration, opts ...ReconcilerOption) *Reconciler {
	if stuckAfter <= 0 {
		stuckAfter = DefaultStuckAfter
	}
	r := &Reconciler{
		orch:        orch,
		catalog:     orch.catalog,
		interval:    interval,
		stuckAfter:  stuckAfter,
		maxAttempts: DefaultMaxAttempts,
		maxBackoff:  DefaultMaxBackoff,
		clock:       orch.clock,
		logger:      orch.logger.With("component", "reconciler"),
		attempts:    make(map[string]*retryState),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RunOnce resumes every tenant stuck in provisioning and returns how many
// completed. Individual failures are logged and do not stop the pass.
func (r *Reconciler) RunOnce(ctx context.Context) (int, error) {
	now := r.clock.Now()
	cutoff := now.Add(-r.stuckAfter)

	// collect first; resuming bumps updated_at and would shift the pages
	var stuck []string
	opts := repository.ListOptions{
		Status:        models.TenantStatusProvisioning,
		UpdatedBefore: cutoff,
		PageSize:      repository.MaxPageSize,
	}
	for page := 1; ; page++ {
		opts.Page = page
		res, err := r.catalog.List(ctx, opts)
		if err != nil {
			return 0, err
		}
		for _, t := range res.Items {
			stuck = append(stuck, t.ID)
		}
		if page*res.PageSize >= res.Total || len(res.Items) == 0 {
			break
		}
	}
	r.forgetFinished(ctx, stuck)

	completed, attempted := 0, 0
	for _, id := range stuck {
		if ctx.Err() != nil {
			return completed, ctx.Err()
		}
		if !r.due(id, now) {
			continue
		}
		attempted++
		t, err := r.orch.Resume(ctx, id)
		if err != nil {
			r.recordFailure(id, err)
			continue
		}
		if t.ProvisioningState == models.ProvisioningReady {
			r.forget(id)
			completed++
		}
	}
	if attempted > 0 {
		r.logger.Info("reconcile pass finished", "stuck", len(stuck), "attempted", attempted, "completed", completed)
	}
	return completed, nil
}

// due reports whether id may be attempted at now.
func (r *Reconciler) due(id string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.attempts[id]
	if !ok {
		return true
	}
	return s.failures < r.maxAttempts && !now.Before(s.nextAt)
}

func (r *Reconciler) recordFailure(id string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.attempts[id]
	if !ok {
		s = &retryState{}
		r.attempts[id] = s
	}
	s.failures++
	delay := r.backoff(s.failures)
	s.nextAt = r.clock.Now().Add(delay)

	if s.failures >= r.maxAttempts {
		r.logger.Error("giving up on tenant provisioning; resume it manually",
			"tenant_id", id, "attempts", s.failures, "error", err)
		return
	}
	r.logger.Warn("resume failed", "tenant_id", id, "attempts", s.failures, "retry_in", delay, "error", err)
}

// backoff doubles stuckAfter per failure, capped at maxBackoff.
func (r *Reconciler) backoff(failures int) time.Duration {
	delay := r.stuckAfter
	for i := 1; i < failures; i++ {
		delay *= 2
		if delay >= r.maxBackoff {
			return r.maxBackoff
		}
	}
	if delay > r.maxBackoff {
		return r.maxBackoff
	}
	return delay
}

// forgetFinished drops retry state of tenants that are no longer stuck.
// A tenant absent from the pass may only be waiting out stuckAfter again, so
// the catalog decides.
func (r *Reconciler) forgetFinished(ctx context.Context, stuck []string) {
	listed := make(map[string]bool, len(stuck))
	for _, id := range stuck {
		listed[id] = true
	}
	r.mu.Lock()
	var check []string
	for id := range r.attempts {
		if !listed[id] {
			check = append(check, id)
		}
	}
	r.mu.Unlock()

	for _, id := range check {
		t, err := r.catalog.FindByID(ctx, id)
		switch {
		case apperr.Is(err, apperr.KindNotFound):
			r.forget(id)
		case err != nil:
			continue
		case t.ProvisioningState == models.ProvisioningReady:
			r.forget(id)
		}
	}
}

func (r *Reconciler) forget(id string) {
	r.mu.Lock()
	delete(r.attempts, id)
	r.mu.Unlock()
}

// Start runs RunOnce every interval until Stop is called or ctx is done.
// A non-positive interval disables the loop.
func (r *Reconciler) Start(ctx context.Context) {
	if r.interval <= 0 {
		r.logger.Info("reconciler disabled")
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := r.clock.Ticker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
					r.logger.Error("reconcile pass failed", "error", err)
				}
			}
		}
	}()
}

// Stop ends the loop and waits for a running pass to return.
func (r *Reconciler) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

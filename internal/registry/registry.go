// Package registry keeps one live database handle per tenant.
//
// Handles are opened lazily on first use, shared by every request of that
// tenant and closed after a period without access. All cache mutations go
// through a single registry-wide mutex; opening a handle happens outside it,
// and concurrent first requests for one tenant share a single open.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/multierr"
	"golang.org/x/sync/singleflight"

	"tenantcore/internal/apperr"
	"tenantcore/internal/logging"
	"tenantcore/internal/observability"
	"tenantcore/internal/tenantdb"
	"tenantcore/pkg/models"
)

const (
	DefaultIdleTTL            = 30 * time.Minute
	DefaultSweepInterval      = 5 * time.Minute
	DefaultConnectTimeout     = 10 * time.Second
	DefaultRevalidateInterval = time.Minute
)

// Catalog is the part of the tenant catalog the registry reads.
type Catalog interface {
	FindByID(ctx context.Context, id string) (*models.Tenant, error)
}

// Decrypter turns a stored credential token back into a password.
type Decrypter interface {
	Decrypt(token string) (string, error)
}

// Options tune the registry. Zero values fall back to the defaults.
type Options struct {
	IdleTTL        time.Duration
	SweepInterval  time.Duration
	ConnectTimeout time.Duration
	// RevalidateInterval bounds how long a cached handle is served before
	// the tenant's status is read from the catalog again.
	RevalidateInterval time.Duration
	SSLMode            string
	Clock              clock.Clock
}

// Stats is a snapshot of the registry contents.
type Stats struct {
	Count     int      `json:"count"`
	TenantIDs []string `json:"tenant_ids"`
}

// entry is a cached handle. Handles stored by Attach are pending until the
// tenant is seen active; Get never serves a pending entry.
type entry struct {
	handle       tenantdb.Handle
	lastAccessed time.Time
	active       bool
	checkedAt    time.Time
}

// Registry caches tenant database handles.
type Registry struct {
	catalog Catalog
	cipher  Decrypter
	opener  tenantdb.Opener
	logger  *logging.Logger
	opts    Options
	clock   clock.Clock

	mu      sync.Mutex
	entries map[string]*entry
	// generations change on every explicit close; an open that started
	// under an older generation is discarded.
	generations map[string]uint64
	epoch       uint64

	group singleflight.Group

	cancel context.CancelFunc
	wg     sync.WaitGroup

	metrics *metrics
}

type generation struct {
	id    uint64
	epoch uint64
}

// New creates a registry.
func New(catalog Catalog, cipher Decrypter, opener tenantdb.Opener, logger *logging.Logger, opts Options) *Registry {
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = DefaultIdleTTL
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.RevalidateInterval <= 0 {
		opts.RevalidateInterval = DefaultRevalidateInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Registry{
		catalog:     catalog,
		cipher:      cipher,
		opener:      opener,
		logger:      logger.With("component", "registry"),
		opts:        opts,
		clock:       opts.Clock,
		entries:     make(map[string]*entry),
		generations: make(map[string]uint64),
		metrics:     newMetrics(observability.Meter()),
	}
}

// Get returns the handle of an active tenant, opening it on first use.
// Cached handles are served without a catalog read while their last status
// check is younger than the revalidate interval.
func (r *Registry) Get(ctx context.Context, tenantID string) (tenantdb.Handle, error) {
	const op = "registry.Get"
	if h, ok := r.lookupActive(tenantID); ok {
		return h, nil
	}

	v, err, _ := r.group.Do(tenantID, func() (interface{}, error) {
		if h, ok := r.lookupActive(tenantID); ok {
			return h, nil
		}
		gen := r.generation(tenantID)

		t, err := r.catalog.FindByID(ctx, tenantID)
		if apperr.Is(err, apperr.KindNotFound) {
			r.evictAdmitted(tenantID)
			return nil, apperr.Errorf(apperr.KindUnknownTenant, op, "tenant %q is not registered", tenantID)
		}
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, op, err)
		}
		if !t.IsActive() {
			r.evictAdmitted(tenantID)
			return nil, apperr.Errorf(apperr.KindTenantInactive, op, "tenant %q is %s", tenantID, t.Status)
		}
		if h, ok := r.admit(tenantID, gen); ok {
			return h, nil
		}
		return r.open(ctx, t, gen, true)
	})
	if err != nil {
		return nil, err
	}
	return v.(tenantdb.Handle), nil
}

// Attach opens and caches the handle of t regardless of its status.
// Provisioning uses it before the tenant is activated. The entry stays
// pending, invisible to Get, until MarkActive or a status check admits it.
func (r *Registry) Attach(ctx context.Context, t *models.Tenant) (tenantdb.Handle, error) {
	if h, ok := r.lookup(t.ID); ok {
		return h, nil
	}
	v, err, _ := r.group.Do("attach:"+t.ID, func() (interface{}, error) {
		if h, ok := r.lookup(t.ID); ok {
			return h, nil
		}
		return r.open(ctx, t, r.generation(t.ID), false)
	})
	if err != nil {
		return nil, err
	}
	return v.(tenantdb.Handle), nil
}

// MarkActive admits the pending handle of a tenant that has just been
// activated.
func (r *Registry) MarkActive(tenantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[tenantID]; ok {
		e.active = true
		e.checkedAt = r.clock.Now()
	}
}

// lookup returns any cached handle and refreshes its access time.
func (r *Registry) lookup(tenantID string) (tenantdb.Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[tenantID]
	if !ok {
		return nil, false
	}
	e.lastAccessed = r.clock.Now()
	return e.handle, true
}

// lookupActive returns a cached handle only if it was admitted as active
// and its status check is still fresh.
func (r *Registry) lookupActive(tenantID string) (tenantdb.Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[tenantID]
	if !ok || !e.active {
		return nil, false
	}
	now := r.clock.Now()
	if now.Sub(e.checkedAt) >= r.opts.RevalidateInterval {
		return nil, false
	}
	e.lastAccessed = now
	return e.handle, true
}

// admit marks an existing entry as active after a successful status check.
func (r *Registry) admit(tenantID string, gen generation) (tenantdb.Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[tenantID]
	if !ok || r.currentLocked(tenantID) != gen {
		return nil, false
	}
	now := r.clock.Now()
	e.active = true
	e.checkedAt = now
	e.lastAccessed = now
	return e.handle, true
}

// evictAdmitted closes the handle of a tenant that was served as active
// but no longer is. Pending provisioning handles are left alone.
func (r *Registry) evictAdmitted(tenantID string) {
	r.mu.Lock()
	e, ok := r.entries[tenantID]
	if !ok || !e.active {
		r.mu.Unlock()
		return
	}
	delete(r.entries, tenantID)
	r.generations[tenantID]++
	r.mu.Unlock()

	r.metrics.openHandles.Add(context.Background(), -1)
	r.metrics.evictions.Add(context.Background(), 1)
	if err := e.handle.Close(); err != nil {
		r.logger.Warn("failed to close handle of inactive tenant", "tenant_id", tenantID, "error", err)
		return
	}
	r.logger.Info("closed handle of inactive tenant", "tenant_id", tenantID)
}

func (r *Registry) generation(tenantID string) generation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentLocked(tenantID)
}

func (r *Registry) currentLocked(tenantID string) generation {
	return generation{id: r.generations[tenantID], epoch: r.epoch}
}

func (r *Registry) open(ctx context.Context, t *models.Tenant, gen generation, active bool) (tenantdb.Handle, error) {
	const op = "registry.open"

	password, err := r.cipher.Decrypt(t.DBPasswordEncrypted)
	if err != nil {
		return nil, err
	}
	params := tenantdb.ParamsFor(t, password, r.opts.SSLMode)

	ctx, cancel := context.WithTimeout(ctx, r.opts.ConnectTimeout)
	defer cancel()

	start := r.clock.Now()
	h, err := r.opener.Open(ctx, params)
	if err != nil {
		r.metrics.openFailures.Add(ctx, 1, metric.WithAttributes(observability.TenantAttr(t.ID)))
		r.logger.Error("failed to open tenant database",
			"tenant_id", t.ID, "dsn", params.Redacted(), "error", err)
		return nil, apperr.Wrap(apperr.KindConnectionFailure, op, err)
	}

	stored, err := r.store(ctx, t.ID, h, gen, active)
	if err != nil {
		return nil, err
	}
	r.metrics.opens.Add(ctx, 1, metric.WithAttributes(observability.TenantAttr(t.ID)))
	r.logger.Info("opened tenant database",
		"tenant_id", t.ID, "database", t.DBName, "active", active, "elapsed", r.clock.Since(start))
	return stored, nil
}

// store caches h unless another handle for the tenant got there first, in
// which case h is closed and the cached one returned. A handle whose tenant
// was closed while it was being opened is closed and not cached.
func (r *Registry) store(ctx context.Context, tenantID string, h tenantdb.Handle, gen generation, active bool) (tenantdb.Handle, error) {
	now := r.clock.Now()

	r.mu.Lock()
	if r.currentLocked(tenantID) != gen {
		r.mu.Unlock()
		r.closeQuietly(tenantID, h)
		return nil, apperr.Errorf(apperr.KindConnectionFailure, "registry.store",
			"tenant %q was closed while its database was being opened", tenantID)
	}
	if existing, ok := r.entries[tenantID]; ok {
		existing.lastAccessed = now
		if active {
			existing.active = true
			existing.checkedAt = now
		}
		r.mu.Unlock()
		r.closeQuietly(tenantID, h)
		return existing.handle, nil
	}
	e := &entry{handle: h, lastAccessed: now, active: active}
	if active {
		e.checkedAt = now
	}
	r.entries[tenantID] = e
	r.mu.Unlock()
	r.metrics.openHandles.Add(ctx, 1)
	return h, nil
}

func (r *Registry) closeQuietly(tenantID string, h tenantdb.Handle) {
	if err := h.Close(); err != nil {
		r.logger.Warn("failed to close discarded handle", "tenant_id", tenantID, "error", err)
	}
}

// Close evicts and closes the handle of one tenant. An open already in
// flight for the tenant is discarded when it completes. Closing an unknown
// tenant is a no-op.
func (r *Registry) Close(tenantID string) error {
	r.mu.Lock()
	e, ok := r.entries[tenantID]
	delete(r.entries, tenantID)
	r.generations[tenantID]++
	r.mu.Unlock()

	r.group.Forget(tenantID)
	r.group.Forget("attach:" + tenantID)
	if !ok {
		return nil
	}
	r.metrics.openHandles.Add(context.Background(), -1)
	if err := e.handle.Close(); err != nil {
		return apperr.Wrap(apperr.KindInternal, "registry.Close", err)
	}
	return nil
}

// CloseAll closes every cached handle. Failures are logged and aggregated;
// one failing handle does not stop the others from closing.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*entry)
	r.epoch++
	r.mu.Unlock()

	var errs error
	for id, e := range entries {
		r.metrics.openHandles.Add(context.Background(), -1)
		if err := e.handle.Close(); err != nil {
			r.logger.Error("failed to close tenant database", "tenant_id", id, "error", err)
			errs = multierr.Append(errs, apperr.Wrap(apperr.KindInternal, "registry.CloseAll", err))
		}
	}
	if len(entries) > 0 {
		r.logger.Info("closed tenant databases", "count", len(entries))
	}
	return errs
}

// Stats reports the tenants that currently have a live handle.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	sort.Strings(ids)
	return Stats{Count: len(ids), TenantIDs: ids}
}

// Sweep closes handles idle for longer than the TTL and returns how many
// were evicted.
func (r *Registry) Sweep() int {
	now := r.clock.Now()

	r.mu.Lock()
	expired := make(map[string]*entry)
	for id, e := range r.entries {
		if now.Sub(e.lastAccessed) > r.opts.IdleTTL {
			expired[id] = e
			delete(r.entries, id)
		}
	}
	r.mu.Unlock()

	ctx := context.Background()
	for id, e := range expired {
		r.group.Forget(id)
		r.metrics.openHandles.Add(ctx, -1)
		r.metrics.evictions.Add(ctx, 1)
		if err := e.handle.Close(); err != nil {
			r.logger.Warn("failed to close idle tenant database", "tenant_id", id, "error", err)
			continue
		}
		r.logger.Debug("evicted idle tenant database", "tenant_id", id, "idle", now.Sub(e.lastAccessed))
	}
	return len(expired)
}

// Start runs the idle sweep in the background until Stop is called or ctx
// is done.
func (r *Registry) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := r.clock.Ticker(r.opts.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := r.Sweep(); n > 0 {
					r.logger.Info("idle sweep finished", "evicted", n)
				}
			}
		}
	}()
}

// Stop ends the background sweep and waits for it to exit.
func (r *Registry) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

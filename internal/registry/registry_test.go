package registry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"tenantcore/internal/apperr"
	"tenantcore/internal/credentials"
	"tenantcore/internal/logging"
	"tenantcore/internal/repository"
	"tenantcore/internal/tenantdb"
	"tenantcore/pkg/models"
)

type fakeHandle struct {
	tenantdb.Handle
	params   tenantdb.ConnParams
	closed   atomic.Bool
	closeErr error
}

func (h *fakeHandle) Ping(context.Context) error { return nil }

func (h *fakeHandle) Close() error {
	h.closed.Store(true)
	return h.closeErr
}

type fakeOpener struct {
	mu       sync.Mutex
	opens    int
	handles  []*fakeHandle
	fail     error
	closeErr error
	gate     chan struct{}
	waiting  atomic.Int32
}

func (o *fakeOpener) Open(ctx context.Context, params tenantdb.ConnParams) (tenantdb.Handle, error) {
	if o.gate != nil {
		o.waiting.Add(1)
		select {
		case <-o.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opens++
	if o.fail != nil {
		return nil, o.fail
	}
	h := &fakeHandle{params: params, closeErr: o.closeErr}
	o.handles = append(o.handles, h)
	return h, nil
}

func (o *fakeOpener) openCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opens
}

type fixture struct {
	registry *Registry
	catalog  *repository.MemoryCatalog
	cipher   *credentials.Cipher
	opener   *fakeOpener
	clock    *clock.Mock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cipher, err := credentials.NewCipher("registry-test-secret")
	require.NoError(t, err)
	f := &fixture{
		catalog: repository.NewMemoryCatalog(),
		cipher:  cipher,
		opener:  &fakeOpener{},
		clock:   clock.NewMock(),
	}
	f.registry = New(f.catalog, cipher, f.opener, logging.NewNop(), Options{
		IdleTTL:            30 * time.Minute,
		SweepInterval:      5 * time.Minute,
		RevalidateInterval: time.Minute,
		SSLMode:            "disable",
		Clock:              f.clock,
	})
	return f
}

func (f *fixture) addTenant(t *testing.T, subdomain string, status models.TenantStatus) *models.Tenant {
	t.Helper()
	token, err := f.cipher.Encrypt("pw-" + subdomain)
	require.NoError(t, err)
	tenant := &models.Tenant{
		Name:                subdomain,
		Subdomain:           subdomain,
		DBHost:              "db.internal",
		DBPort:              5432,
		DBName:              "tenant_" + subdomain,
		DBUser:              "app",
		DBPasswordEncrypted: token,
		FeaturePackage:      models.FeaturePackageBasic,
		Status:              status,
	}
	require.NoError(t, f.catalog.Create(context.Background(), tenant))
	return tenant
}

func TestGet_OpensOnceAndReuses(t *testing.T) {
	f := newFixture(t)
	tenant := f.addTenant(t, "acme", models.TenantStatusActive)
	ctx := context.Background()

	first, err := f.registry.Get(ctx, tenant.ID)
	require.NoError(t, err)
	second, err := f.registry.Get(ctx, tenant.ID)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, f.opener.openCount())

	params := first.(*fakeHandle).params
	assert.Equal(t, "db.internal", params.Host)
	assert.Equal(t, "tenant_acme", params.Database)
	assert.Equal(t, "pw-acme", params.Password)
	assert.Equal(t, "disable", params.SSLMode)

	stats := f.registry.Stats()
	assert.Equal(t, 1, stats.Count)
	assert.Equal(t, []string{tenant.ID}, stats.TenantIDs)
}

func TestGet_ConcurrentFirstAccessOpensOnce(t *testing.T) {
	f := newFixture(t)
	tenant := f.addTenant(t, "acme", models.TenantStatusActive)
	f.opener.gate = make(chan struct{})

	const callers = 16
	handles := make([]tenantdb.Handle, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handles[i], errs[i] = f.registry.Get(context.Background(), tenant.ID)
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(f.opener.gate)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, handles[0], handles[i])
	}
	assert.Equal(t, 1, f.opener.openCount())
	assert.Equal(t, 1, f.registry.Stats().Count)
}

func TestGet_DifferentTenantsGetDifferentHandles(t *testing.T) {
	f := newFixture(t)
	a := f.addTenant(t, "acme", models.TenantStatusActive)
	b := f.addTenant(t, "globex", models.TenantStatusActive)

	ha, err := f.registry.Get(context.Background(), a.ID)
	require.NoError(t, err)
	hb, err := f.registry.Get(context.Background(), b.ID)
	require.NoError(t, err)

	assert.NotSame(t, ha, hb)
	assert.Equal(t, "tenant_acme", ha.(*fakeHandle).params.Database)
	assert.Equal(t, "tenant_globex", hb.(*fakeHandle).params.Database)
}

func TestGet_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t.Run("unknown tenant", func(t *testing.T) {
		_, err := f.registry.Get(ctx, "00000000-0000-4000-8000-000000000000")
		assert.True(t, apperr.Is(err, apperr.KindUnknownTenant), "got %v", err)
	})

	t.Run("inactive tenants are rejected", func(t *testing.T) {
		for _, status := range []models.TenantStatus{
			models.TenantStatusSuspended,
			models.TenantStatusInactive,
			models.TenantStatusProvisioning,
		} {
			tenant := f.addTenant(t, "t-"+string(status), status)
			_, err := f.registry.Get(ctx, tenant.ID)
			assert.True(t, apperr.Is(err, apperr.KindTenantInactive), "status %s: got %v", status, err)
		}
		assert.Equal(t, 0, f.opener.openCount())
	})

	t.Run("corrupt credentials", func(t *testing.T) {
		tenant := f.addTenant(t, "corrupt", models.TenantStatusActive)
		tenant.DBPasswordEncrypted = "not-a-token"
		require.NoError(t, f.catalog.Update(ctx, tenant))

		_, err := f.registry.Get(ctx, tenant.ID)
		assert.True(t, apperr.Is(err, apperr.KindCrypto), "got %v", err)
	})
}

func TestGet_FailedOpenIsNotCached(t *testing.T) {
	f := newFixture(t)
	tenant := f.addTenant(t, "acme", models.TenantStatusActive)
	f.opener.fail = errors.New("connection refused")

	_, err := f.registry.Get(context.Background(), tenant.ID)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindConnectionFailure), "got %v", err)
	assert.Equal(t, 0, f.registry.Stats().Count)

	f.opener.mu.Lock()
	f.opener.fail = nil
	f.opener.mu.Unlock()

	h, err := f.registry.Get(context.Background(), tenant.ID)
	require.NoError(t, err)
	assert.NotNil(t, h)
	assert.Equal(t, 2, f.opener.openCount())
}

func TestAttach_IgnoresStatus(t *testing.T) {
	f := newFixture(t)
	tenant := f.addTenant(t, "fresh", models.TenantStatusProvisioning)

	h, err := f.registry.Attach(context.Background(), tenant)
	require.NoError(t, err)

	// once attached the handle is served from the cache
	again, err := f.registry.Attach(context.Background(), tenant)
	require.NoError(t, err)
	assert.Same(t, h, again)
	assert.Equal(t, 1, f.opener.openCount())
}

func TestGet_DoesNotServePendingHandle(t *testing.T) {
	f := newFixture(t)
	tenant := f.addTenant(t, "fresh", models.TenantStatusProvisioning)
	ctx := context.Background()

	h, err := f.registry.Attach(ctx, tenant)
	require.NoError(t, err)

	_, err = f.registry.Get(ctx, tenant.ID)
	assert.True(t, apperr.Is(err, apperr.KindTenantInactive), "got %v", err)

	// provisioning keeps its handle
	assert.Equal(t, 1, f.registry.Stats().Count)
	assert.False(t, h.(*fakeHandle).closed.Load())

	require.NoError(t, f.catalog.SetStatus(ctx, tenant.ID, models.TenantStatusActive))
	got, err := f.registry.Get(ctx, tenant.ID)
	require.NoError(t, err)
	assert.Same(t, h, got)
	assert.Equal(t, 1, f.opener.openCount())
}

func TestMarkActive_AdmitsPendingHandle(t *testing.T) {
	f := newFixture(t)
	tenant := f.addTenant(t, "fresh", models.TenantStatusProvisioning)
	ctx := context.Background()

	h, err := f.registry.Attach(ctx, tenant)
	require.NoError(t, err)
	require.NoError(t, f.catalog.SetStatus(ctx, tenant.ID, models.TenantStatusActive))
	f.registry.MarkActive(tenant.ID)

	got, err := f.registry.Get(ctx, tenant.ID)
	require.NoError(t, err)
	assert.Same(t, h, got)
	assert.Equal(t, 1, f.opener.openCount())
}

func TestGet_RevalidatesCachedStatus(t *testing.T) {
	f := newFixture(t)
	tenant := f.addTenant(t, "acme", models.TenantStatusActive)
	ctx := context.Background()

	h, err := f.registry.Get(ctx, tenant.ID)
	require.NoError(t, err)

	// suspended by another process; the cached check is still fresh
	require.NoError(t, f.catalog.SetStatus(ctx, tenant.ID, models.TenantStatusSuspended))
	again, err := f.registry.Get(ctx, tenant.ID)
	require.NoError(t, err)
	assert.Same(t, h, again)

	f.clock.Add(time.Minute)
	_, err = f.registry.Get(ctx, tenant.ID)
	assert.True(t, apperr.Is(err, apperr.KindTenantInactive), "got %v", err)
	assert.True(t, h.(*fakeHandle).closed.Load())
	assert.Equal(t, 0, f.registry.Stats().Count)

	require.NoError(t, f.catalog.SetStatus(ctx, tenant.ID, models.TenantStatusActive))
	reopened, err := f.registry.Get(ctx, tenant.ID)
	require.NoError(t, err)
	assert.NotSame(t, h, reopened)
	assert.Equal(t, 2, f.opener.openCount())
}

func TestGet_UnregisteredTenantLosesCachedHandle(t *testing.T) {
	f := newFixture(t)
	tenant := f.addTenant(t, "acme", models.TenantStatusActive)
	ctx := context.Background()

	h, err := f.registry.Get(ctx, tenant.ID)
	require.NoError(t, err)
	require.NoError(t, f.catalog.Delete(ctx, tenant.ID))

	f.clock.Add(time.Minute)
	_, err = f.registry.Get(ctx, tenant.ID)
	assert.True(t, apperr.Is(err, apperr.KindUnknownTenant), "got %v", err)
	assert.True(t, h.(*fakeHandle).closed.Load())
	assert.Equal(t, 0, f.registry.Stats().Count)
}

func TestClose_DiscardsInFlightOpen(t *testing.T) {
	f := newFixture(t)
	tenant := f.addTenant(t, "acme", models.TenantStatusActive)
	f.opener.gate = make(chan struct{})

	errc := make(chan error, 1)
	go func() {
		_, err := f.registry.Get(context.Background(), tenant.ID)
		errc <- err
	}()
	require.Eventually(t, func() bool {
		return f.opener.waiting.Load() == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, f.registry.Close(tenant.ID))
	close(f.opener.gate)

	err := <-errc
	assert.True(t, apperr.Is(err, apperr.KindConnectionFailure), "got %v", err)
	assert.Equal(t, 0, f.registry.Stats().Count)
	f.opener.mu.Lock()
	require.Len(t, f.opener.handles, 1)
	assert.True(t, f.opener.handles[0].closed.Load())
	f.opener.mu.Unlock()

	// the next request opens afresh
	h, err := f.registry.Get(context.Background(), tenant.ID)
	require.NoError(t, err)
	assert.False(t, h.(*fakeHandle).closed.Load())
	assert.Equal(t, 1, f.registry.Stats().Count)
}

func TestCloseAll_DiscardsInFlightAttach(t *testing.T) {
	f := newFixture(t)
	tenant := f.addTenant(t, "fresh", models.TenantStatusProvisioning)
	f.opener.gate = make(chan struct{})

	errc := make(chan error, 1)
	go func() {
		_, err := f.registry.Attach(context.Background(), tenant)
		errc <- err
	}()
	require.Eventually(t, func() bool {
		return f.opener.waiting.Load() == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, f.registry.CloseAll())
	close(f.opener.gate)

	assert.Error(t, <-errc)
	assert.Equal(t, 0, f.registry.Stats().Count)
	f.opener.mu.Lock()
	defer f.opener.mu.Unlock()
	require.Len(t, f.opener.handles, 1)
	assert.True(t, f.opener.handles[0].closed.Load())
}

func TestSweep_EvictsIdleHandlesAndReopens(t *testing.T) {
	f := newFixture(t)
	idle := f.addTenant(t, "idle", models.TenantStatusActive)
	busy := f.addTenant(t, "busy", models.TenantStatusActive)
	ctx := context.Background()

	first, err := f.registry.Get(ctx, idle.ID)
	require.NoError(t, err)
	_, err = f.registry.Get(ctx, busy.ID)
	require.NoError(t, err)

	f.clock.Add(20 * time.Minute)
	_, err = f.registry.Get(ctx, busy.ID)
	require.NoError(t, err)

	f.clock.Add(11 * time.Minute)
	assert.Equal(t, 1, f.registry.Sweep())
	assert.True(t, first.(*fakeHandle).closed.Load())
	assert.Equal(t, []string{busy.ID}, f.registry.Stats().TenantIDs)

	reopened, err := f.registry.Get(ctx, idle.ID)
	require.NoError(t, err)
	assert.NotSame(t, first, reopened)
	assert.Equal(t, 3, f.opener.openCount())
}

func TestStart_SweepsOnTicker(t *testing.T) {
	f := newFixture(t)
	tenant := f.addTenant(t, "acme", models.TenantStatusActive)
	_, err := f.registry.Get(context.Background(), tenant.ID)
	require.NoError(t, err)

	f.registry.Start(context.Background())
	defer f.registry.Stop()

	assert.Eventually(t, func() bool {
		f.clock.Add(5 * time.Minute)
		return f.registry.Stats().Count == 0
	}, time.Second, 10*time.Millisecond)
}

func TestClose(t *testing.T) {
	f := newFixture(t)
	tenant := f.addTenant(t, "acme", models.TenantStatusActive)

	h, err := f.registry.Get(context.Background(), tenant.ID)
	require.NoError(t, err)

	require.NoError(t, f.registry.Close(tenant.ID))
	assert.True(t, h.(*fakeHandle).closed.Load())
	assert.Equal(t, 0, f.registry.Stats().Count)

	// unknown ids are ignored
	assert.NoError(t, f.registry.Close(tenant.ID))
}

func TestCloseAll_ContinuesPastFailures(t *testing.T) {
	f := newFixture(t)
	f.opener.closeErr = errors.New("close failed")
	ids := []string{
		f.addTenant(t, "a", models.TenantStatusActive).ID,
		f.addTenant(t, "b", models.TenantStatusActive).ID,
		f.addTenant(t, "c", models.TenantStatusActive).ID,
	}
	for _, id := range ids {
		_, err := f.registry.Get(context.Background(), id)
		require.NoError(t, err)
	}

	err := f.registry.CloseAll()
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 3)
	for _, h := range f.opener.handles {
		assert.True(t, h.closed.Load())
	}
	assert.Equal(t, 0, f.registry.Stats().Count)
}

package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"tenantcore/internal/apperr"
	"tenantcore/pkg/models"
)

// MemoryCatalog is an in-process TenantCatalog used by tests and local
// development. It enforces the same invariants as PostgresCatalog.
type MemoryCatalog struct {
	mu      sync.RWMutex
	tenants map[string]*models.Tenant
	now     func() time.Time
}

// NewMemoryCatalog creates an empty catalog.
func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{
		tenants: make(map[string]*models.Tenant),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

var _ TenantCatalog = (*MemoryCatalog)(nil)

func (m *MemoryCatalog) Ping(context.Context) error { return nil }

func (m *MemoryCatalog) FindByID(_ context.Context, id string) (*models.Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tenants[id]
	if !ok {
		return nil, apperr.Errorf(apperr.KindNotFound, "repository.FindByID", "tenant %q not found", id)
	}
	return clone(t), nil
}

func (m *MemoryCatalog) FindBySubdomain(_ context.Context, subdomain string) (*models.Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.tenants {
		if t.Subdomain == subdomain {
			return clone(t), nil
		}
	}
	return nil, apperr.Errorf(apperr.KindNotFound, "repository.FindBySubdomain", "no tenant for subdomain %q", subdomain)
}

func (m *MemoryCatalog) Create(_ context.Context, t *models.Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.tenants {
		if existing.Subdomain == t.Subdomain {
			return subdomainTaken("repository.Create", t.Subdomain)
		}
	}
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if _, dup := m.tenants[t.ID]; dup {
		return apperr.Errorf(apperr.KindConflict, "repository.Create", "tenant %q already exists", t.ID)
	}
	if t.ProvisioningState == "" {
		t.ProvisioningState = models.ProvisioningRequested
	}
	now := m.now()
	t.CreatedAt, t.UpdatedAt = now, now
	m.tenants[t.ID] = clone(t)
	return nil
}

func (m *MemoryCatalog) Update(_ context.Context, t *models.Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.tenants[t.ID]
	if !ok {
		return apperr.Errorf(apperr.KindNotFound, "repository.Update", "tenant %q not found", t.ID)
	}
	if existing.Subdomain != t.Subdomain {
		return apperr.New(apperr.KindInvalid, "repository.Update", "subdomain cannot be changed")
	}
	t.CreatedAt = existing.CreatedAt
	t.UpdatedAt = m.now()
	m.tenants[t.ID] = clone(t)
	return nil
}

func (m *MemoryCatalog) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tenants[id]; !ok {
		return apperr.Errorf(apperr.KindNotFound, "repository.Delete", "tenant %q not found", id)
	}
	delete(m.tenants, id)
	return nil
}

func (m *MemoryCatalog) SetStatus(_ context.Context, id string, status models.TenantStatus) error {
	return m.mutate("repository.SetStatus", id, func(t *models.Tenant) {
		t.Status = status
	})
}

func (m *MemoryCatalog) SetProvisioningState(_ context.Context, id string, state models.ProvisioningState, errText string) error {
	return m.mutate("repository.SetProvisioningState", id, func(t *models.Tenant) {
		t.ProvisioningState = state
		t.ProvisioningError = errText
	})
}

func (m *MemoryCatalog) mutate(op, id string, fn func(*models.Tenant)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[id]
	if !ok {
		return apperr.Errorf(apperr.KindNotFound, op, "tenant %q not found", id)
	}
	fn(t)
	t.UpdatedAt = m.now()
	return nil
}

func (m *MemoryCatalog) List(_ context.Context, opts ListOptions) (*TenantPage, error) {
	opts = opts.normalize()
	search := strings.ToLower(strings.TrimSpace(opts.Search))

	m.mu.RLock()
	matched := make([]*models.Tenant, 0, len(m.tenants))
	for _, t := range m.tenants {
		if opts.Status != "" && t.Status != opts.Status {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(t.Name), search) &&
			!strings.Contains(strings.ToLower(t.Subdomain), search) {
			continue
		}
		if !opts.UpdatedBefore.IsZero() && !t.UpdatedAt.Before(opts.UpdatedBefore) {
			continue
		}
		matched = append(matched, clone(t))
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	page := &TenantPage{Items: []*models.Tenant{}, Total: len(matched), Page: opts.Page, PageSize: opts.PageSize}
	if start := opts.offset(); start < len(matched) {
		end := start + opts.PageSize
		if end > len(matched) {
			end = len(matched)
		}
		page.Items = matched[start:end]
	}
	return page, nil
}

func clone(t *models.Tenant) *models.Tenant {
	c := *t
	return &c
}

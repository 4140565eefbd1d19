package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tenantcore/pkg/models"
)

func TestMemoryCatalog(t *testing.T) {
	runCatalogContract(t, NewMemoryCatalog())
}

func TestMemoryCatalog_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	catalog := NewMemoryCatalog()

	tenant := newTenant("Acme", "acme")
	require.NoError(t, catalog.Create(ctx, tenant))
	tenant.Name = "mutated after create"

	got, err := catalog.FindByID(ctx, tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, "Acme", got.Name)

	got.Status = models.TenantStatusActive
	again, err := catalog.FindByID(ctx, tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TenantStatusProvisioning, again.Status)
}

func TestMemoryCatalog_UpdatedBefore(t *testing.T) {
	ctx := context.Background()
	catalog := NewMemoryCatalog()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	catalog.now = func() time.Time { return now }

	old := newTenant("Old", "old")
	require.NoError(t, catalog.Create(ctx, old))

	now = now.Add(10 * time.Minute)
	fresh := newTenant("Fresh", "fresh")
	require.NoError(t, catalog.Create(ctx, fresh))

	page, err := catalog.List(ctx, ListOptions{UpdatedBefore: now.Add(-5 * time.Minute)})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, old.ID, page.Items[0].ID)
}

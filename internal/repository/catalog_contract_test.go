package repository

import (
	"context"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tenantcore/internal/apperr"
	"tenantcore/pkg/models"
)

func newTenant(name, subdomain string) *models.Tenant {
	return &models.Tenant{
		Name:                name,
		Subdomain:           subdomain,
		DBHost:              "localhost",
		DBPort:              5432,
		DBName:              "tenant_" + subdomain,
		DBUser:              "postgres",
		DBPasswordEncrypted: "00112233445566778899aabbccddeeff:00112233445566778899aabbccddeeff",
		FeaturePackage:      models.FeaturePackageBasic,
		Status:              models.TenantStatusProvisioning,
	}
}

// runCatalogContract exercises the behaviour every TenantCatalog must share.
func runCatalogContract(t *testing.T, catalog TenantCatalog) {
	ctx := context.Background()

	t.Run("Create and Find", func(t *testing.T) {
		tenant := newTenant("Acme Education", "acme")
		require.NoError(t, catalog.Create(ctx, tenant))
		assert.NotEmpty(t, tenant.ID)
		assert.Equal(t, models.ProvisioningRequested, tenant.ProvisioningState)
		assert.False(t, tenant.CreatedAt.IsZero())

		byID, err := catalog.FindByID(ctx, tenant.ID)
		require.NoError(t, err)
		assert.Equal(t, "acme", byID.Subdomain)
		assert.Equal(t, tenant.DBPasswordEncrypted, byID.DBPasswordEncrypted)
		assert.Equal(t, models.FeaturePackageBasic, byID.FeaturePackage)

		bySub, err := catalog.FindBySubdomain(ctx, "acme")
		require.NoError(t, err)
		assert.Equal(t, tenant.ID, bySub.ID)
	})

	t.Run("Duplicate subdomain conflicts and adds no row", func(t *testing.T) {
		before, err := catalog.List(ctx, ListOptions{Search: "dup"})
		require.NoError(t, err)

		require.NoError(t, catalog.Create(ctx, newTenant("Dup One", "dup")))
		err = catalog.Create(ctx, newTenant("Dup Two", "dup"))
		require.Error(t, err)
		assert.True(t, apperr.Is(err, apperr.KindConflict), "got %v", err)

		after, err := catalog.List(ctx, ListOptions{Search: "dup"})
		require.NoError(t, err)
		assert.Equal(t, before.Total+1, after.Total)
	})

	t.Run("Not found", func(t *testing.T) {
		_, err := catalog.FindByID(ctx, "3f1c2b9e-0000-4000-8000-000000000000")
		assert.True(t, apperr.Is(err, apperr.KindNotFound))
		_, err = catalog.FindByID(ctx, "not-a-uuid")
		assert.True(t, apperr.Is(err, apperr.KindNotFound))
		_, err = catalog.FindBySubdomain(ctx, "nobody")
		assert.True(t, apperr.Is(err, apperr.KindNotFound))
		err = catalog.Delete(ctx, "3f1c2b9e-0000-4000-8000-000000000000")
		assert.True(t, apperr.Is(err, apperr.KindNotFound))
	})

	t.Run("Update keeps subdomain immutable", func(t *testing.T) {
		tenant := newTenant("Globex", "globex")
		require.NoError(t, catalog.Create(ctx, tenant))

		tenant.Name = "Globex Corporation"
		tenant.FeaturePackage = models.FeaturePackageAdvanced
		require.NoError(t, catalog.Update(ctx, tenant))

		got, err := catalog.FindByID(ctx, tenant.ID)
		require.NoError(t, err)
		assert.Equal(t, "Globex Corporation", got.Name)
		assert.Equal(t, models.FeaturePackageAdvanced, got.FeaturePackage)

		tenant.Subdomain = "globex2"
		err = catalog.Update(ctx, tenant)
		assert.True(t, apperr.Is(err, apperr.KindInvalid), "got %v", err)
	})

	t.Run("Status and provisioning state", func(t *testing.T) {
		tenant := newTenant("Initech", "initech")
		require.NoError(t, catalog.Create(ctx, tenant))

		require.NoError(t, catalog.SetProvisioningState(ctx, tenant.ID, models.ProvisioningFailed, "migrations: exit status 1"))
		require.NoError(t, catalog.SetStatus(ctx, tenant.ID, models.TenantStatusActive))

		got, err := catalog.FindByID(ctx, tenant.ID)
		require.NoError(t, err)
		assert.Equal(t, models.TenantStatusActive, got.Status)
		assert.Equal(t, models.ProvisioningFailed, got.ProvisioningState)
		assert.Equal(t, "migrations: exit status 1", got.ProvisioningError)
	})

	t.Run("Delete removes only the row", func(t *testing.T) {
		tenant := newTenant("Umbrella", "umbrella")
		require.NoError(t, catalog.Create(ctx, tenant))
		require.NoError(t, catalog.Delete(ctx, tenant.ID))

		_, err := catalog.FindByID(ctx, tenant.ID)
		assert.True(t, apperr.Is(err, apperr.KindNotFound))

		// the subdomain is free again
		require.NoError(t, catalog.Create(ctx, newTenant("Umbrella Again", "umbrella")))
	})

	t.Run("List paginates and filters", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			tenant := newTenant(fmt.Sprintf("Paged %d", i), fmt.Sprintf("paged-%d", i))
			require.NoError(t, catalog.Create(ctx, tenant))
			if i%2 == 0 {
				require.NoError(t, catalog.SetStatus(ctx, tenant.ID, models.TenantStatusSuspended))
			}
		}

		page, err := catalog.List(ctx, ListOptions{Search: "paged", Page: 1, PageSize: 2})
		require.NoError(t, err)
		assert.Equal(t, 5, page.Total)
		assert.Len(t, page.Items, 2)

		last, err := catalog.List(ctx, ListOptions{Search: "PAGED", Page: 3, PageSize: 2})
		require.NoError(t, err)
		assert.Len(t, last.Items, 1)

		suspended, err := catalog.List(ctx, ListOptions{Search: "paged", Status: models.TenantStatusSuspended})
		require.NoError(t, err)
		assert.Equal(t, 3, suspended.Total)
		for _, item := range suspended.Items {
			assert.Equal(t, models.TenantStatusSuspended, item.Status)
		}

		beyond, err := catalog.List(ctx, ListOptions{Search: "paged", Page: 10})
		require.NoError(t, err)
		assert.Empty(t, beyond.Items)
		assert.Equal(t, DefaultPageSize, beyond.PageSize)

		huge, err := catalog.List(ctx, ListOptions{Search: "paged", Page: math.MaxInt, PageSize: MaxPageSize})
		require.NoError(t, err)
		assert.Empty(t, huge.Items)
		assert.Equal(t, 5, huge.Total)
		assert.Equal(t, MaxPage, huge.Page)
	})
}

package services

import (
	"context"

	"tenantcore/internal/registry"
	"tenantcore/internal/tenantdb"
	"tenantcore/pkg/models"
)

// Provisioner builds tenant databases.
type Provisioner interface {
	Provision(ctx context.Context, req models.CreateTenantRequest) (*models.Tenant, error)
	Resume(ctx context.Context, tenantID string) (*models.Tenant, error)
}

// Connections is the connection registry as seen by the service layer.
type Connections interface {
	Get(ctx context.Context, tenantID string) (tenantdb.Handle, error)
	Close(tenantID string) error
	Stats() registry.Stats
}

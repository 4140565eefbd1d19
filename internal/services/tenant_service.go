package services

import (
	"context"
	"strings"

	"tenantcore/internal/apperr"
	"tenantcore/internal/logging"
	"tenantcore/internal/registry"
	"tenantcore/internal/repository"
	"tenantcore/pkg/models"
)

// TenantService is the administrative entry point for tenant lifecycle
// operations shared by the REST API, the MCP tools and the CLI.
type TenantService struct {
	catalog     repository.TenantCatalog
	provisioner Provisioner
	connections Connections
	logger      *logging.Logger
}

// NewTenantService creates a new TenantService.
func NewTenantService(catalog repository.TenantCatalog, provisioner Provisioner, connections Connections, logger *logging.Logger) *TenantService {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &TenantService{
		catalog:     catalog,
		provisioner: provisioner,
		connections: connections,
		logger:      logger,
	}
}

// Register provisions a new tenant.
func (s *TenantService) Register(ctx context.Context, req models.CreateTenantRequest) (*models.Tenant, error) {
	return s.provisioner.Provision(ctx, req)
}

// Resume retries provisioning of a tenant that did not complete.
func (s *TenantService) Resume(ctx context.Context, id string) (*models.Tenant, error) {
	return s.provisioner.Resume(ctx, id)
}

// Get returns one tenant.
func (s *TenantService) Get(ctx context.Context, id string) (*models.Tenant, error) {
	return s.catalog.FindByID(ctx, id)
}

// List returns a page of tenants.
func (s *TenantService) List(ctx context.Context, opts repository.ListOptions) (*repository.TenantPage, error) {
	return s.catalog.List(ctx, opts)
}

// Update applies an administrative change. Taking a tenant out of the
// active state closes its cached connection.
func (s *TenantService) Update(ctx context.Context, id string, upd models.TenantUpdate) (*models.Tenant, error) {
	const op = "services.Update"

	t, err := s.catalog.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	wasActive := t.IsActive()

	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		if name == "" {
			return nil, apperr.New(apperr.KindInvalid, op, "name cannot be empty")
		}
		t.Name = name
	}
	if upd.FeaturePackage != nil {
		if !upd.FeaturePackage.Valid() {
			return nil, apperr.Errorf(apperr.KindInvalid, op, "unknown feature package %q", *upd.FeaturePackage)
		}
		t.FeaturePackage = *upd.FeaturePackage
	}
	if upd.Status != nil {
		switch status := *upd.Status; {
		case !status.Valid():
			return nil, apperr.Errorf(apperr.KindInvalid, op, "unknown status %q", status)
		case status == models.TenantStatusProvisioning && t.Status != status:
			return nil, apperr.New(apperr.KindInvalid, op, "status provisioning is set by provisioning only")
		case status == models.TenantStatusActive && t.ProvisioningState != models.ProvisioningReady:
			return nil, apperr.Errorf(apperr.KindInvalid, op, "tenant cannot be activated while provisioning is %s", t.ProvisioningState)
		}
		t.Status = *upd.Status
	}

	if err := s.catalog.Update(ctx, t); err != nil {
		return nil, err
	}
	if wasActive && !t.IsActive() {
		s.closeConnection(t.ID)
	}
	s.logger.Info("tenant updated", "tenant_id", t.ID, "status", t.Status, "feature_package", t.FeaturePackage)
	return t, nil
}

// Delete removes the catalog row of a tenant and closes its connection.
// The tenant database itself is left in place.
func (s *TenantService) Delete(ctx context.Context, id string) error {
	if err := s.catalog.Delete(ctx, id); err != nil {
		return err
	}
	s.closeConnection(id)
	s.logger.Info("tenant deleted", "tenant_id", id)
	return nil
}

// Health checks that the catalog is reachable.
func (s *TenantService) Health(ctx context.Context) error {
	return s.catalog.Ping(ctx)
}

// ConnectionStats reports the cached tenant connections.
func (s *TenantService) ConnectionStats() registry.Stats {
	return s.connections.Stats()
}

// Ping checks that the database of an active tenant is reachable.
func (s *TenantService) Ping(ctx context.Context, tenantID string) error {
	db, err := s.connections.Get(ctx, tenantID)
	if err != nil {
		return err
	}
	if err := db.Ping(ctx); err != nil {
		return apperr.Wrap(apperr.KindConnectionFailure, "services.Ping", err)
	}
	return nil
}

func (s *TenantService) closeConnection(id string) {
	if err := s.connections.Close(id); err != nil {
		s.logger.Warn("failed to close tenant connection", "tenant_id", id, "error", err)
	}
}

package repository

import (
	"context"
	"time"

	"tenantcore/pkg/models"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
	// MaxPage bounds the page number so the offset cannot overflow.
	MaxPage = 1_000_000
)

// ListOptions filters and paginates catalog listings.
type ListOptions struct {
	Page     int
	PageSize int
	// Status restricts results to one status when set.
	Status models.TenantStatus
	// Search matches name or subdomain case-insensitively.
	Search string
	// UpdatedBefore restricts results to tenants last updated before it.
	UpdatedBefore time.Time
}

// normalize applies paging defaults and bounds.
func (o ListOptions) normalize() ListOptions {
	if o.Page <= 0 {
		o.Page = 1
	}
	if o.Page > MaxPage {
		o.Page = MaxPage
	}
	if o.PageSize <= 0 {
		o.PageSize = DefaultPageSize
	}
	if o.PageSize > MaxPageSize {
		o.PageSize = MaxPageSize
	}
	return o
}

func (o ListOptions) offset() int {
	return (o.Page - 1) * o.PageSize
}

// TenantPage is one page of a catalog listing.
type TenantPage struct {
	Items    []*models.Tenant `json:"items"`
	Total    int              `json:"total"`
	Page     int              `json:"page"`
	PageSize int              `json:"page_size"`
}

// TenantCatalog is the source of truth for tenant registrations.
//
// Lookups that find nothing return an apperr.KindNotFound error. Create
// returns apperr.KindConflict when the subdomain is taken. Delete removes the
// registration only; the tenant's physical database is never dropped here.
type TenantCatalog interface {
	FindByID(ctx context.Context, id string) (*models.Tenant, error)
	FindBySubdomain(ctx context.Context, subdomain string) (*models.Tenant, error)
	// Create inserts t, assigning ID and timestamps when unset.
	Create(ctx context.Context, t *models.Tenant) error
	// Update persists every mutable field of t. The subdomain cannot change.
	Update(ctx context.Context, t *models.Tenant) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, opts ListOptions) (*TenantPage, error)
	SetStatus(ctx context.Context, id string, status models.TenantStatus) error
	// SetProvisioningState records provisioning progress; errText is empty on success.
	SetProvisioningState(ctx context.Context, id string, state models.ProvisioningState, errText string) error
	Ping(ctx context.Context) error
}

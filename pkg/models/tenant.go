// Package models defines the domain models shared by the tenant core.
package models

import (
	"time"
)

// TenantStatus represents the routing state of a tenant.
type TenantStatus string

const (
	TenantStatusActive       TenantStatus = "active"
	TenantStatusSuspended    TenantStatus = "suspended"
	TenantStatusInactive     TenantStatus = "inactive"
	TenantStatusProvisioning TenantStatus = "provisioning"
)

// Valid reports whether s is a known status.
func (s TenantStatus) Valid() bool {
	switch s {
	case TenantStatusActive, TenantStatusSuspended, TenantStatusInactive, TenantStatusProvisioning:
		return true
	}
	return false
}

// FeaturePackage gates feature module behavior for a tenant.
type FeaturePackage string

const (
	FeaturePackageBasic    FeaturePackage = "basic"
	FeaturePackageAdvanced FeaturePackage = "advanced"
)

// Valid reports whether p is a known package.
func (p FeaturePackage) Valid() bool {
	return p == FeaturePackageBasic || p == FeaturePackageAdvanced
}

// ProvisioningState tracks how far provisioning of a tenant has progressed.
type ProvisioningState string

const (
	ProvisioningRequested         ProvisioningState = "requested"
	ProvisioningCatalogRegistered ProvisioningState = "catalog_registered"
	ProvisioningDatabaseCreated   ProvisioningState = "database_created"
	ProvisioningMigrationsApplied ProvisioningState = "migrations_applied"
	ProvisioningBaselineSeeded    ProvisioningState = "baseline_seeded"
	ProvisioningReady             ProvisioningState = "ready"
	ProvisioningFailed            ProvisioningState = "failed"
)

// Tenant is a registration record in the master catalog.
type Tenant struct {
	ID                  string            `json:"id"`
	Name                string            `json:"name"`
	Subdomain           string            `json:"subdomain"`
	DBHost              string            `json:"db_host"`
	DBPort              int               `json:"db_port"`
	DBName              string            `json:"db_name"`
	DBUser              string            `json:"db_user"`
	DBPasswordEncrypted string            `json:"-"`
	FeaturePackage      FeaturePackage    `json:"feature_package"`
	Status              TenantStatus      `json:"status"`
	ProvisioningState   ProvisioningState `json:"provisioning_state"`
	ProvisioningError   string            `json:"provisioning_error,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

// IsActive reports whether requests may be routed to the tenant's database.
func (t *Tenant) IsActive() bool {
	return t != nil && t.Status == TenantStatusActive
}

// CreateTenantRequest carries the input for registering a new tenant.
// Database connection fields are optional and fall back to configured defaults.
type CreateTenantRequest struct {
	Name           string         `json:"name"`
	Subdomain      string         `json:"subdomain"`
	FeaturePackage FeaturePackage `json:"feature_package,omitempty"`
	DBHost         string         `json:"db_host,omitempty"`
	DBPort         int            `json:"db_port,omitempty"`
	DBUser         string         `json:"db_user,omitempty"`
	DBPassword     string         `json:"db_password,omitempty"`
}

// TenantUpdate lists the mutable fields of a tenant. Nil fields are left unchanged.
type TenantUpdate struct {
	Name           *string         `json:"name,omitempty"`
	FeaturePackage *FeaturePackage `json:"feature_package,omitempty"`
	Status         *TenantStatus   `json:"status,omitempty"`
}

package provisioning

import (
	"context"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"tenantcore/internal/tenantdb"
	"tenantcore/pkg/models"
)

// AdminAccount is the default administrator created in a new tenant.
type AdminAccount struct {
	Email     string
	Password  string
	FirstName string
	LastName  string
}

// Seeder writes the baseline security data into a migrated tenant database.
// Every method is idempotent.
type Seeder interface {
	SeedPermissions(ctx context.Context, db tenantdb.Handle, tenantID string) error
	EnsureAdminRole(ctx context.Context, db tenantdb.Handle, tenantID string) (roleID string, err error)
	EnsureAdminUser(ctx context.Context, db tenantdb.Handle, tenantID, roleID string, account AdminAccount) error
}

// PostgresSeeder seeds the tables created by migrations/tenant.
type PostgresSeeder struct {
	// BcryptCost defaults to bcrypt.DefaultCost.
	BcryptCost int
}

var _ Seeder = (*PostgresSeeder)(nil)

// SeedPermissions inserts one row per baseline {module, action} pair.
func (s *PostgresSeeder) SeedPermissions(ctx context.Context, db tenantdb.Handle, tenantID string) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, p := range models.BaselinePermissions() {
		_, err := tx.Exec(ctx, `
			INSERT INTO permissions (tenant_id, module, action, description)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (tenant_id, module, action) DO NOTHING`,
			tenantID, p.Module, p.Action, fmt.Sprintf("%s %s", p.Action, p.Module),
		)
		if err != nil {
			return fmt.Errorf("failed to seed permission %s: %w", p.Key(), err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit permissions: %w", err)
	}
	return nil
}

// EnsureAdminRole upserts the administrator role and grants it every
// permission of the tenant.
func (s *PostgresSeeder) EnsureAdminRole(ctx context.Context, db tenantdb.Handle, tenantID string) (string, error) {
	tx, err := db.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var roleID string
	err = tx.QueryRow(ctx, `
		INSERT INTO roles (tenant_id, name, description, is_system)
		VALUES ($1, $2, 'Full access to every module', true)
		ON CONFLICT (tenant_id, name) DO UPDATE SET is_system = true
		RETURNING id::text`,
		tenantID, models.AdminRoleName,
	).Scan(&roleID)
	if err != nil {
		return "", fmt.Errorf("failed to upsert admin role: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO role_permissions (role_id, permission_id)
		SELECT $1, id FROM permissions WHERE tenant_id = $2
		ON CONFLICT DO NOTHING`,
		roleID, tenantID,
	)
	if err != nil {
		return "", fmt.Errorf("failed to grant admin permissions: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("failed to commit admin role: %w", err)
	}
	return roleID, nil
}

// EnsureAdminUser creates the administrator account unless its email is
// already taken. Only the bcrypt hash of the password is stored.
func (s *PostgresSeeder) EnsureAdminUser(ctx context.Context, db tenantdb.Handle, tenantID, roleID string, account AdminAccount) error {
	cost := s.BcryptCost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(account.Password), cost)
	if err != nil {
		return fmt.Errorf("failed to hash admin password: %w", err)
	}

	_, err = db.Exec(ctx, `
		INSERT INTO users (tenant_id, email, password_hash, first_name, last_name, role_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (email) DO NOTHING`,
		tenantID, account.Email, string(hash), account.FirstName, account.LastName, roleID,
	)
	if err != nil {
		return fmt.Errorf("failed to create admin user: %w", err)
	}
	return nil
}

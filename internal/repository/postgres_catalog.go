package repository

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"tenantcore/internal/apperr"
	"tenantcore/pkg/models"
)

// CatalogSchema is the DDL of the master catalog. It is idempotent.
//
//go:embed schema.sql
var CatalogSchema string

// uniqueViolation is the SQLSTATE of a unique constraint violation.
const uniqueViolation = "23505"

const tenantColumns = `id::text, name, subdomain, db_host, db_port, db_name, db_user,
	db_password_encrypted, feature_package, status, provisioning_state,
	provisioning_error, created_at, updated_at`

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// PostgresCatalog is a PostgreSQL implementation of the TenantCatalog interface.
type PostgresCatalog struct {
	db *pgxpool.Pool
}

// NewPostgresCatalog creates a new PostgresCatalog.
func NewPostgresCatalog(db *pgxpool.Pool) *PostgresCatalog {
	return &PostgresCatalog{db: db}
}

var _ TenantCatalog = (*PostgresCatalog)(nil)

// InitSchema creates the catalog tables if they do not exist.
func (s *PostgresCatalog) InitSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, CatalogSchema); err != nil {
		return fmt.Errorf("failed to apply catalog schema: %w", err)
	}
	return nil
}

// Ping checks connectivity to the catalog database.
func (s *PostgresCatalog) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// FindByID retrieves a tenant by its ID.
func (s *PostgresCatalog) FindByID(ctx context.Context, id string) (*models.Tenant, error) {
	const op = "repository.FindByID"
	if _, err := uuid.Parse(id); err != nil {
		return nil, apperr.Errorf(apperr.KindNotFound, op, "tenant %q not found", id)
	}
	row := s.db.QueryRow(ctx, "SELECT "+tenantColumns+" FROM tenants WHERE id = $1", id)
	t, err := scanTenant(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.Errorf(apperr.KindNotFound, op, "tenant %q not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tenant: %w", err)
	}
	return t, nil
}

// FindBySubdomain retrieves a tenant by its routing subdomain.
func (s *PostgresCatalog) FindBySubdomain(ctx context.Context, subdomain string) (*models.Tenant, error) {
	const op = "repository.FindBySubdomain"
	row := s.db.QueryRow(ctx, "SELECT "+tenantColumns+" FROM tenants WHERE subdomain = $1", subdomain)
	t, err := scanTenant(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.Errorf(apperr.KindNotFound, op, "no tenant for subdomain %q", subdomain)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tenant by subdomain: %w", err)
	}
	return t, nil
}

// Create inserts a tenant. The subdomain is checked right before the insert;
// the unique constraint catches registrations racing past that check.
func (s *PostgresCatalog) Create(ctx context.Context, t *models.Tenant) error {
	const op = "repository.Create"

	var exists bool
	if err := s.db.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM tenants WHERE subdomain = $1)", t.Subdomain).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check subdomain: %w", err)
	}
	if exists {
		return subdomainTaken(op, t.Subdomain)
	}

	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.ProvisioningState == "" {
		t.ProvisioningState = models.ProvisioningRequested
	}
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now

	_, err := s.db.Exec(ctx, `
		INSERT INTO tenants (id, name, subdomain, db_host, db_port, db_name, db_user,
			db_password_encrypted, feature_package, status, provisioning_state,
			provisioning_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		t.ID, t.Name, t.Subdomain, t.DBHost, t.DBPort, t.DBName, t.DBUser,
		t.DBPasswordEncrypted, t.FeaturePackage, t.Status, t.ProvisioningState,
		t.ProvisioningError, t.CreatedAt, t.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return subdomainTaken(op, t.Subdomain)
	}
	if err != nil {
		return fmt.Errorf("failed to create tenant: %w", err)
	}
	return nil
}

// Update persists the mutable fields of t.
func (s *PostgresCatalog) Update(ctx context.Context, t *models.Tenant) error {
	const op = "repository.Update"

	err := s.db.QueryRow(ctx, `
		UPDATE tenants SET name = $3, db_host = $4, db_port = $5, db_name = $6, db_user = $7,
			db_password_encrypted = $8, feature_package = $9, status = $10,
			provisioning_state = $11, provisioning_error = $12, updated_at = now()
		WHERE id = $1 AND subdomain = $2
		RETURNING updated_at`,
		t.ID, t.Subdomain, t.Name, t.DBHost, t.DBPort, t.DBName, t.DBUser,
		t.DBPasswordEncrypted, t.FeaturePackage, t.Status, t.ProvisioningState,
		t.ProvisioningError,
	).Scan(&t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// either the tenant is gone or the caller tried to move its subdomain
		if _, findErr := s.FindByID(ctx, t.ID); findErr != nil {
			return findErr
		}
		return apperr.New(apperr.KindInvalid, op, "subdomain cannot be changed")
	}
	if err != nil {
		return fmt.Errorf("failed to update tenant: %w", err)
	}
	return nil
}

// Delete removes the catalog row of a tenant.
func (s *PostgresCatalog) Delete(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return apperr.Errorf(apperr.KindNotFound, "repository.Delete", "tenant %q not found", id)
	}
	tag, err := s.db.Exec(ctx, "DELETE FROM tenants WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete tenant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.Errorf(apperr.KindNotFound, "repository.Delete", "tenant %q not found", id)
	}
	return nil
}

// SetStatus changes the routing status of a tenant.
func (s *PostgresCatalog) SetStatus(ctx context.Context, id string, status models.TenantStatus) error {
	return s.exec1(ctx, "repository.SetStatus", id,
		"UPDATE tenants SET status = $2, updated_at = now() WHERE id = $1", id, status)
}

// SetProvisioningState records provisioning progress.
func (s *PostgresCatalog) SetProvisioningState(ctx context.Context, id string, state models.ProvisioningState, errText string) error {
	return s.exec1(ctx, "repository.SetProvisioningState", id,
		"UPDATE tenants SET provisioning_state = $2, provisioning_error = $3, updated_at = now() WHERE id = $1",
		id, state, errText)
}

// exec1 runs a statement that must touch exactly one tenant row.
func (s *PostgresCatalog) exec1(ctx context.Context, op, id, query string, args ...any) error {
	if _, err := uuid.Parse(id); err != nil {
		return apperr.Errorf(apperr.KindNotFound, op, "tenant %q not found", id)
	}
	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.Errorf(apperr.KindNotFound, op, "tenant %q not found", id)
	}
	return nil
}

// List returns one page of tenants, newest first.
func (s *PostgresCatalog) List(ctx context.Context, opts ListOptions) (*TenantPage, error) {
	opts = opts.normalize()

	var where sq.And
	if opts.Status != "" {
		where = append(where, sq.Eq{"status": opts.Status})
	}
	if search := strings.TrimSpace(opts.Search); search != "" {
		pattern := "%" + search + "%"
		where = append(where, sq.Or{sq.ILike{"name": pattern}, sq.ILike{"subdomain": pattern}})
	}
	if !opts.UpdatedBefore.IsZero() {
		where = append(where, sq.Lt{"updated_at": opts.UpdatedBefore})
	}

	countQuery, countArgs, err := psql.Select("COUNT(*)").From("tenants").Where(where).ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build count query: %w", err)
	}
	var total int
	if err := s.db.QueryRow(ctx, countQuery, countArgs...).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count tenants: %w", err)
	}

	query, args, err := psql.Select(tenantColumns).From("tenants").Where(where).
		OrderBy("created_at DESC", "id").
		Limit(uint64(opts.PageSize)).
		Offset(uint64(opts.offset())).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build list query: %w", err)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	defer rows.Close()

	items := []*models.Tenant{}
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tenant: %w", err)
		}
		items = append(items, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}

	return &TenantPage{Items: items, Total: total, Page: opts.Page, PageSize: opts.PageSize}, nil
}

func scanTenant(row pgx.Row) (*models.Tenant, error) {
	var t models.Tenant
	err := row.Scan(
		&t.ID, &t.Name, &t.Subdomain, &t.DBHost, &t.DBPort, &t.DBName, &t.DBUser,
		&t.DBPasswordEncrypted, &t.FeaturePackage, &t.Status, &t.ProvisioningState,
		&t.ProvisioningError, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func subdomainTaken(op, subdomain string) error {
	return apperr.Errorf(apperr.KindConflict, op, "subdomain %q is already taken", subdomain)
}

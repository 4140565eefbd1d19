package provisioning

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"tenantcore/internal/logging"
	"tenantcore/internal/tenantdb"
)

// DatabaseCreator creates the physical database of a tenant. Creating a
// database that already exists succeeds.
type DatabaseCreator interface {
	CreateDatabase(ctx context.Context, params tenantdb.ConnParams) error
}

// PostgresCreator creates databases through an administrative connection to
// the server's maintenance database.
type PostgresCreator struct {
	// AdminDatabase is the database to connect to, usually "postgres".
	AdminDatabase string
	// AdminUser and AdminPassword override the tenant credentials for the
	// administrative connection when set.
	AdminUser     string
	AdminPassword string
	Logger        *logging.Logger
}

// CreateDatabase creates params.Database on params' server unless it exists.
func (c *PostgresCreator) CreateDatabase(ctx context.Context, params tenantdb.ConnParams) error {
	admin := params.WithDatabase(c.AdminDatabase)
	if admin.Database == "" {
		admin.Database = "postgres"
	}
	if c.AdminUser != "" {
		admin.User = c.AdminUser
		admin.Password = c.AdminPassword
	}

	conn, err := pgx.Connect(ctx, admin.DSN())
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", admin.Redacted(), err)
	}
	defer conn.Close(context.Background())

	var exists bool
	err = conn.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)", params.Database,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check database %q: %w", params.Database, err)
	}
	if exists {
		c.logger().Info("database already exists", "database", params.Database)
		return nil
	}

	// CREATE DATABASE cannot take bind parameters
	stmt := "CREATE DATABASE " + pgx.Identifier{params.Database}.Sanitize()
	if _, err := conn.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("failed to create database %q: %w", params.Database, err)
	}
	c.logger().Info("database created", "database", params.Database, "host", params.Host)
	return nil
}

func (c *PostgresCreator) logger() *logging.Logger {
	if c.Logger == nil {
		return logging.NewNop()
	}
	return c.Logger
}

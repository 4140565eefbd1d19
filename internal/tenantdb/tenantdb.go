// Package tenantdb defines the handle feature modules use to query a
// tenant's database, and opens those handles with pgx.
package tenantdb

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"tenantcore/pkg/models"
)

// Handle is a live connection pool to one tenant database.
type Handle interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close() error
}

// ConnParams are the parameters needed to reach a PostgreSQL database.
type ConnParams struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// ParamsFor returns the connection parameters of a tenant database.
// password is the decrypted tenant password.
func ParamsFor(t *models.Tenant, password, sslMode string) ConnParams {
	return ConnParams{
		Host:     t.DBHost,
		Port:     t.DBPort,
		User:     t.DBUser,
		Password: password,
		Database: t.DBName,
		SSLMode:  sslMode,
	}
}

// WithDatabase returns a copy of p pointing at another database on the same server.
func (p ConnParams) WithDatabase(name string) ConnParams {
	p.Database = name
	return p
}

// DSN returns the connection string in URL form, which both pgx and
// external migration tools accept.
func (p ConnParams) DSN() string {
	return p.url(true).String()
}

// Redacted returns the DSN with the password masked, for logging.
func (p ConnParams) Redacted() string {
	return p.url(false).String()
}

func (p ConnParams) url(withPassword bool) *url.URL {
	u := &url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(p.Host, strconv.Itoa(p.Port)),
		Path:   "/" + p.Database,
	}
	switch {
	case withPassword && p.Password != "":
		u.User = url.UserPassword(p.User, p.Password)
	case p.Password != "":
		u.User = url.UserPassword(p.User, "xxxxx")
	default:
		u.User = url.User(p.User)
	}
	if p.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": []string{p.SSLMode}}.Encode()
	}
	return u
}

// Opener opens handles.
type Opener interface {
	Open(ctx context.Context, params ConnParams) (Handle, error)
}

// PoolOpener opens pgxpool-backed handles.
type PoolOpener struct {
	MaxConns       int32
	ConnectTimeout time.Duration
}

// Open creates a pool and pings it before returning.
func (o PoolOpener) Open(ctx context.Context, params ConnParams) (Handle, error) {
	cfg, err := pgxpool.ParseConfig(params.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	if o.MaxConns > 0 {
		cfg.MaxConns = o.MaxConns
	}
	if o.ConnectTimeout > 0 {
		cfg.ConnConfig.ConnectTimeout = o.ConnectTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &PoolHandle{pool: pool}, nil
}

// PoolHandle adapts a *pgxpool.Pool to Handle.
type PoolHandle struct {
	pool *pgxpool.Pool
}

// NewPoolHandle wraps an existing pool.
func NewPoolHandle(pool *pgxpool.Pool) *PoolHandle {
	return &PoolHandle{pool: pool}
}

// Pool exposes the underlying pool.
func (h *PoolHandle) Pool() *pgxpool.Pool { return h.pool }

func (h *PoolHandle) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return h.pool.Exec(ctx, sql, args...)
}

func (h *PoolHandle) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return h.pool.Query(ctx, sql, args...)
}

func (h *PoolHandle) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return h.pool.QueryRow(ctx, sql, args...)
}

func (h *PoolHandle) Begin(ctx context.Context) (pgx.Tx, error) {
	return h.pool.Begin(ctx)
}

func (h *PoolHandle) Ping(ctx context.Context) error {
	return h.pool.Ping(ctx)
}

// Close closes the pool, waiting for acquired connections to be released.
func (h *PoolHandle) Close() error {
	h.pool.Close()
	return nil
}

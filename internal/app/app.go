// Package app wires the tenant core components from configuration. It is
// shared by the server and the tenantctl command.
package app

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"tenantcore/internal/config"
	"tenantcore/internal/credentials"
	"tenantcore/internal/logging"
	"tenantcore/internal/provisioning"
	"tenantcore/internal/registry"
	"tenantcore/internal/repository"
	"tenantcore/internal/services"
	"tenantcore/internal/tenancy"
	"tenantcore/internal/tenantdb"
)

// App holds the wired components.
type App struct {
	Config       *config.Config
	Logger       *logging.Logger
	Pool         *pgxpool.Pool
	Catalog      *repository.PostgresCatalog
	Cipher       *credentials.Cipher
	Registry     *registry.Registry
	Orchestrator *provisioning.Orchestrator
	Reconciler   *provisioning.Reconciler
	Resolver     *tenancy.Resolver
	Tenants      *services.TenantService
}

// New connects to the catalog and builds every component. Background loops
// are not started.
func New(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*App, error) {
	cipher, err := credentials.NewCipher(cfg.Crypto.Secret)
	if err != nil {
		return nil, fmt.Errorf("failed to create credential cipher: %w", err)
	}

	pool, err := OpenCatalog(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	catalog := repository.NewPostgresCatalog(pool)

	reg := registry.New(catalog, cipher, tenantdb.PoolOpener{
		MaxConns:       cfg.Registry.MaxConns,
		ConnectTimeout: cfg.Registry.ConnectTimeout,
	}, logger, registry.Options{
		IdleTTL:            cfg.Registry.IdleTTL,
		SweepInterval:      cfg.Registry.SweepInterval,
		ConnectTimeout:     cfg.Registry.ConnectTimeout,
		RevalidateInterval: cfg.Registry.RevalidateInterval,
		SSLMode:            cfg.Tenants.SSLMode,
	})

	orch := provisioning.NewOrchestrator(provisioning.Deps{
		Catalog: catalog,
		Cipher:  cipher,
		Creator: &provisioning.PostgresCreator{
			AdminDatabase: cfg.Provisioning.AdminDatabase,
			AdminUser:     cfg.Provisioning.AdminUser,
			AdminPassword: cfg.Provisioning.AdminPassword,
			Logger:        logger,
		},
		Migrator: &provisioning.CommandMigrator{
			Command: cfg.Provisioning.MigrateCommand,
			EnvVar:  cfg.Provisioning.MigrateEnvVar,
			Timeout: cfg.Provisioning.MigrateTimeout,
			Logger:  logger,
		},
		Connector:  reg,
		Seeder:     &provisioning.PostgresSeeder{},
		Logger:     logger,
		RunTimeout: cfg.Provisioning.RunTimeout,
	}, provisioning.Defaults{
		DBHost:               cfg.Tenants.DBHost,
		DBPort:               cfg.Tenants.DBPort,
		DBUser:               cfg.Tenants.DBUser,
		DBPassword:           cfg.Tenants.DBPassword,
		SSLMode:              cfg.Tenants.SSLMode,
		AdminEmailDomain:     cfg.Provisioning.AdminEmailDomain,
		DefaultAdminPassword: cfg.Provisioning.DefaultAdminPassword,
	})

	reconciler := provisioning.NewReconciler(orch, cfg.Provisioning.ReconcileInterval, cfg.Provisioning.StuckAfter,
		provisioning.WithMaxAttempts(cfg.Provisioning.MaxAttempts))

	return &App{
		Config:       cfg,
		Logger:       logger,
		Pool:         pool,
		Catalog:      catalog,
		Cipher:       cipher,
		Registry:     reg,
		Orchestrator: orch,
		Reconciler:   reconciler,
		Resolver:     tenancy.NewResolver(catalog),
		Tenants:      services.NewTenantService(catalog, orch, reg, logger),
	}, nil
}

// Start launches the registry sweep and the reconciler.
func (a *App) Start(ctx context.Context) {
	a.Registry.Start(ctx)
	a.Reconciler.Start(ctx)
}

// Close stops background work and releases every connection.
func (a *App) Close() error {
	a.Reconciler.Stop()
	a.Registry.Stop()
	err := a.Registry.CloseAll()
	a.Pool.Close()
	return err
}

// OpenCatalog connects to the catalog database and pings it.
func OpenCatalog(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*pgxpool.Pool, error) {
	logger.Debug("Initializing catalog connection", "host", cfg.Catalog.Host, "database", cfg.Catalog.Name)

	params := tenantdb.ConnParams{
		Host:     cfg.Catalog.Host,
		Port:     cfg.Catalog.Port,
		Database: cfg.Catalog.Name,
		User:     cfg.Catalog.User,
		Password: cfg.Catalog.Password,
		SSLMode:  cfg.Catalog.SSLMode,
	}
	poolConfig, err := pgxpool.ParseConfig(params.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	if cfg.Catalog.MaxConns > 0 {
		poolConfig.MaxConns = cfg.Catalog.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database %s: %w", params.Redacted(), err)
	}
	return pool, nil
}

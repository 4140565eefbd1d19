package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"tenantcore/internal/api"
	"tenantcore/internal/app"
	"tenantcore/internal/auth"
	"tenantcore/internal/config"
	"tenantcore/internal/logging"
	"tenantcore/internal/mcp"
)

func main() {
	var configFile string

	cmd := &cobra.Command{
		Use:           "server",
		Short:         "Serve the tenant administration API",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configFile)
		},
	}
	cmd.Flags().StringVar(&configFile, "config", "", "Path to config file (default ./config.yaml)")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "server:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configFile string) error {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.NewLogger(cfg.Log.Level, cfg.Log.Format, "tenantcore")
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Configuration loaded",
		"environment", cfg.Environment,
		"catalog_host", cfg.Catalog.Host,
		"catalog_database", cfg.Catalog.Name,
		"okta_domain", cfg.Auth.OktaDomain,
		"auth_bypass", cfg.IsDev() && cfg.DevModeBypass,
	)

	core, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := core.Close(); err != nil {
			logger.Error("failed to close tenant connections", "error", err)
		}
	}()
	if err := core.Catalog.InitSchema(ctx); err != nil {
		return fmt.Errorf("failed to initialize catalog schema: %w", err)
	}
	logger.Info("Catalog connected")

	core.Start(ctx)

	authz, err := auth.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("auth initialization failed: %w", err)
	}
	adminAuth := echo.WrapMiddleware(authz.RequireAdmin)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = api.ErrorHandler(logger)

	e.Use(otelecho.Middleware("tenantcore"))
	e.Use(middleware.Recover())
	e.Use(requestLogger(logger))

	if authz.LoginEnabled() {
		e.GET("/login", echo.WrapHandler(http.HandlerFunc(authz.LoginHandler)))
		e.GET("/auth/callback", echo.WrapHandler(http.HandlerFunc(authz.CallbackHandler)))
		e.GET("/logout", echo.WrapHandler(http.HandlerFunc(authz.LogoutHandler)))
	}

	api.RegisterRoutes(e, api.NewHandler(core.Tenants, logger), adminAuth, core.Resolver)
	logger.Info("REST API handlers mounted")

	mcpServer := mcp.NewServer(core.Tenants, api.Version)
	mcpHandler := echo.WrapHandler(mcp.Handler(mcpServer.GetMCPServer()))
	e.Any("/mcp", mcpHandler, adminAuth)
	e.Any("/mcp/*", mcpHandler, adminAuth)
	logger.Info("MCP protocol handlers mounted")

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      e,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Server starting", "address", cfg.Server.Addr)
		serverErrors <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		logger.Info("Shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", "error", err)
			if err := server.Close(); err != nil {
				logger.Error("Server close error", "error", err)
			}
		}
		logger.Info("Server stopped gracefully")
	}
	return nil
}

func requestLogger(logger *logging.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			kv := []any{"method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency}
			if v.Error != nil {
				kv = append(kv, "error", v.Error)
			}
			logger.Debug("request", kv...)
			return nil
		},
	})
}

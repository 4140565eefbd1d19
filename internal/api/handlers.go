// Package api contains the HTTP handlers of the tenant administration API
package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"tenantcore/internal/apperr"
	"tenantcore/internal/logging"
	"tenantcore/internal/services"
	"tenantcore/internal/tenancy"
)

// Version is reported by the health endpoint.
const Version = "1.0.0"

// Handler contains HTTP handlers for the tenant administration API
type Handler struct {
	tenants *services.TenantService
	logger  *logging.Logger
}

// NewHandler creates a new Handler with required dependencies
func NewHandler(tenants *services.TenantService, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Handler{tenants: tenants, logger: logger}
}

// RegisterRoutes mounts the API on e. adminAuth guards the administration
// group; resolver identifies the tenant of tenant-scoped routes.
func RegisterRoutes(e *echo.Echo, h *Handler, adminAuth echo.MiddlewareFunc, resolver *tenancy.Resolver) {
	e.GET("/healthz", h.HandleHealth)

	admin := e.Group("/api/v1/admin")
	if adminAuth != nil {
		admin.Use(adminAuth)
	}
	admin.POST("/tenants", h.CreateTenant)
	admin.GET("/tenants", h.ListTenants)
	admin.GET("/tenants/:id", h.GetTenant)
	admin.PATCH("/tenants/:id", h.UpdateTenant)
	admin.DELETE("/tenants/:id", h.DeleteTenant)
	admin.POST("/tenants/:id/provision", h.ResumeProvisioning)
	admin.GET("/connections", h.ConnectionStats)

	tenant := e.Group("/api/v1/tenant")
	tenant.Use(echo.WrapMiddleware(resolver.Middleware))
	tenant.GET("/ping", h.TenantPing)
}

// HealthStatus represents the health check response
type HealthStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	Version   string    `json:"version"`
	Catalog   string    `json:"catalog"`
}

// HandleHealth reports whether the catalog database is reachable
func (h *Handler) HandleHealth(c echo.Context) error {
	status := HealthStatus{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Service:   "tenantcore",
		Version:   Version,
		Catalog:   "ok",
	}
	code := http.StatusOK
	if err := h.tenants.Health(c.Request().Context()); err != nil {
		h.logger.Warn("catalog health check failed", "error", err)
		status.Status = "degraded"
		status.Catalog = "unreachable"
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// ErrorHandler renders every error as an RFC 7807 Problem Details response.
// It is installed as echo's HTTPErrorHandler.
func ErrorHandler(logger *logging.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		var problem apperr.ProblemDetails
		var he *echo.HTTPError
		if errors.As(err, &he) {
			problem = apperr.ProblemDetails{
				Type:   "about:blank",
				Title:  http.StatusText(he.Code),
				Status: he.Code,
				Detail: http.StatusText(he.Code),
			}
			if msg, ok := he.Message.(string); ok {
				problem.Detail = msg
			}
		} else {
			problem = apperr.Problem(err, "")
		}
		problem.Instance = c.Request().URL.Path

		if problem.Status >= http.StatusInternalServerError {
			logger.Error("request failed",
				"method", c.Request().Method, "path", problem.Instance, "kind", problem.Kind, "error", err)
		}

		c.Response().Header().Set(echo.HeaderContentType, "application/problem+json")
		if c.Request().Method == http.MethodHead {
			err = c.NoContent(problem.Status)
		} else {
			err = c.JSON(problem.Status, problem)
		}
		if err != nil {
			logger.Error("failed to write error response", "error", err)
		}
	}
}

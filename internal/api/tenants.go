package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"tenantcore/internal/apperr"
	"tenantcore/internal/provisioning"
	"tenantcore/internal/repository"
	"tenantcore/internal/tenancy"
	"tenantcore/pkg/models"
)

// ProvisioningFailure is returned when a tenant was registered but one of
// its provisioning steps failed.
type ProvisioningFailure struct {
	apperr.ProblemDetails
	Step   provisioning.Step `json:"step"`
	Tenant *models.Tenant    `json:"tenant"`
}

// CreateTenant registers and provisions a tenant
// (POST /api/v1/admin/tenants)
func (h *Handler) CreateTenant(c echo.Context) error {
	var req models.CreateTenantRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}

	tenant, err := h.tenants.Register(c.Request().Context(), req)
	if err != nil {
		return h.provisioningError(c, tenant, err)
	}
	return c.JSON(http.StatusCreated, tenant)
}

// ResumeProvisioning re-runs provisioning of an unfinished tenant
// (POST /api/v1/admin/tenants/:id/provision)
func (h *Handler) ResumeProvisioning(c echo.Context) error {
	tenant, err := h.tenants.Resume(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.provisioningError(c, tenant, err)
	}
	return c.JSON(http.StatusOK, tenant)
}

// provisioningError reports a failed step together with the registered
// tenant so the caller can resume it.
func (h *Handler) provisioningError(c echo.Context, tenant *models.Tenant, err error) error {
	var stepErr *provisioning.StepError
	if tenant == nil || !errors.As(err, &stepErr) {
		return err
	}
	body := ProvisioningFailure{
		ProblemDetails: apperr.Problem(err, c.Request().URL.Path),
		Step:           stepErr.Step,
		Tenant:         tenant,
	}
	c.Response().Header().Set(echo.HeaderContentType, "application/problem+json")
	return c.JSON(body.Status, body)
}

// ListTenants returns one page of tenants
// (GET /api/v1/admin/tenants?page=&page_size=&status=&search=)
func (h *Handler) ListTenants(c echo.Context) error {
	opts := repository.ListOptions{
		Status: models.TenantStatus(c.QueryParam("status")),
		Search: c.QueryParam("search"),
	}
	var err error
	if opts.Page, err = intParam(c, "page"); err != nil {
		return err
	}
	if opts.PageSize, err = intParam(c, "page_size"); err != nil {
		return err
	}
	if opts.Status != "" && !opts.Status.Valid() {
		return apperr.Errorf(apperr.KindInvalid, "api.ListTenants", "unknown status %q", opts.Status)
	}

	page, err := h.tenants.List(c.Request().Context(), opts)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, page)
}

// GetTenant returns one tenant
// (GET /api/v1/admin/tenants/:id)
func (h *Handler) GetTenant(c echo.Context) error {
	tenant, err := h.tenants.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, tenant)
}

// UpdateTenant changes name, feature package or status
// (PATCH /api/v1/admin/tenants/:id)
func (h *Handler) UpdateTenant(c echo.Context) error {
	var upd models.TenantUpdate
	if err := c.Bind(&upd); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	tenant, err := h.tenants.Update(c.Request().Context(), c.Param("id"), upd)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, tenant)
}

// DeleteTenant removes a tenant from the catalog
// (DELETE /api/v1/admin/tenants/:id)
func (h *Handler) DeleteTenant(c echo.Context) error {
	if err := h.tenants.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// ConnectionStats lists the tenants with an open database handle
// (GET /api/v1/admin/connections)
func (h *Handler) ConnectionStats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.tenants.ConnectionStats())
}

// TenantPing checks the database of the tenant the request resolved to
// (GET /api/v1/tenant/ping)
func (h *Handler) TenantPing(c echo.Context) error {
	ctx := c.Request().Context()
	tenant, ok := tenancy.FromContext(ctx)
	if !ok {
		return apperr.New(apperr.KindAuthRequired, "api.TenantPing", "request does not identify a tenant")
	}
	if err := h.tenants.Ping(ctx, tenant.ID); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{
		"tenant_id": tenant.ID,
		"subdomain": tenant.Subdomain,
		"database":  "ok",
	})
}

func intParam(c echo.Context, name string) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, apperr.Errorf(apperr.KindInvalid, "api.intParam", "%s must be a non-negative integer", name)
	}
	return v, nil
}

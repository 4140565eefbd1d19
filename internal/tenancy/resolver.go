// Package tenancy identifies the tenant an HTTP request belongs to and
// carries it on the request context.
package tenancy

import (
	"context"
	"net"
	"net/http"
	"strings"

	"tenantcore/internal/apperr"
	"tenantcore/pkg/models"
)

// HeaderTenantID names the header that selects a tenant by id.
const HeaderTenantID = "X-Tenant-ID"

// Catalog is the part of the tenant catalog the resolver reads.
type Catalog interface {
	FindByID(ctx context.Context, id string) (*models.Tenant, error)
	FindBySubdomain(ctx context.Context, subdomain string) (*models.Tenant, error)
}

// ErrorWriter renders a resolution failure.
type ErrorWriter func(w http.ResponseWriter, r *http.Request, err error)

// Resolver maps requests to tenants.
type Resolver struct {
	catalog     Catalog
	writeError  ErrorWriter
	ignoredHost map[string]bool
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithErrorWriter replaces the default problem+json error rendering.
func WithErrorWriter(fn ErrorWriter) Option {
	return func(r *Resolver) { r.writeError = fn }
}

// NewResolver creates a resolver backed by catalog.
func NewResolver(catalog Catalog, opts ...Option) *Resolver {
	r := &Resolver{
		catalog:     catalog,
		writeError:  apperr.WriteProblem,
		ignoredHost: map[string]bool{"localhost": true, "www": true},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type candidateKind int

const (
	byID candidateKind = iota + 1
	bySubdomain
)

// candidate extracts the tenant identifier from r. The header wins over the
// host; an empty result means the request names no tenant.
func (res *Resolver) candidate(r *http.Request) (string, candidateKind) {
	if id := strings.TrimSpace(r.Header.Get(HeaderTenantID)); id != "" {
		return id, byID
	}
	if sub := res.Subdomain(r.Host); sub != "" {
		return sub, bySubdomain
	}
	return "", 0
}

// Subdomain returns the first label of host, or "" when host carries no
// usable subdomain.
func (res *Resolver) Subdomain(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	if host == "" || net.ParseIP(host) != nil {
		return ""
	}
	label, _, _ := strings.Cut(host, ".")
	if label == "" || res.ignoredHost[label] {
		return ""
	}
	return label
}

// Resolve returns the tenant named by r. It does not check the tenant's
// status; callers acquiring a database handle get that check from the
// connection registry.
func (res *Resolver) Resolve(r *http.Request) (*models.Tenant, error) {
	const op = "tenancy.Resolve"

	key, kind := res.candidate(r)
	if kind == 0 {
		return nil, apperr.New(apperr.KindAuthRequired, op, "request does not identify a tenant")
	}

	var (
		t   *models.Tenant
		err error
	)
	if kind == byID {
		t, err = res.catalog.FindByID(r.Context(), key)
	} else {
		t, err = res.catalog.FindBySubdomain(r.Context(), key)
	}
	if apperr.Is(err, apperr.KindNotFound) {
		return nil, apperr.Errorf(apperr.KindUnknownTenant, op, "unknown tenant %q", key)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, op, err)
	}
	return t, nil
}

// Middleware resolves the tenant and stores it on the request context
// before calling next.
func (res *Resolver) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t, err := res.Resolve(r)
		if err != nil {
			res.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithTenant(r.Context(), t)))
	})
}

type contextKey struct{}

// WithTenant returns a copy of ctx carrying t.
func WithTenant(ctx context.Context, t *models.Tenant) context.Context {
	return context.WithValue(ctx, contextKey{}, t)
}

// FromContext returns the tenant stored on ctx, if any.
func FromContext(ctx context.Context) (*models.Tenant, bool) {
	t, ok := ctx.Value(contextKey{}).(*models.Tenant)
	return t, ok && t != nil
}

// TenantID returns the id of the tenant stored on ctx, or "".
func TenantID(ctx context.Context) string {
	if t, ok := FromContext(ctx); ok {
		return t.ID
	}
	return ""
}

// Package provisioning turns a tenant registration into a working tenant
// database: catalog row, physical database, schema, baseline permissions,
// administrator role and administrator account.
//
// A tenant is registered with status "provisioning" and only becomes
// "active" once every step has succeeded. A failed step leaves the catalog
// row in place with state "failed"; Resume, or the Reconciler, re-runs the
// steps, all of which are idempotent.
package provisioning

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"tenantcore/internal/apperr"
	"tenantcore/internal/logging"
	"tenantcore/internal/observability"
	"tenantcore/internal/repository"
	"tenantcore/internal/tenantdb"
	"tenantcore/pkg/models"
)

// Catalog is the part of the tenant catalog provisioning writes to.
type Catalog interface {
	FindByID(ctx context.Context, id string) (*models.Tenant, error)
	Create(ctx context.Context, t *models.Tenant) error
	SetStatus(ctx context.Context, id string, status models.TenantStatus) error
	SetProvisioningState(ctx context.Context, id string, state models.ProvisioningState, errText string) error
	List(ctx context.Context, opts repository.ListOptions) (*repository.TenantPage, error)
}

// Cipher protects tenant database passwords.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(token string) (string, error)
}

// Connector opens and caches the handle of a tenant that is not active yet.
// MarkActive admits that handle once the tenant is activated; Close drops it
// when provisioning fails.
type Connector interface {
	Attach(ctx context.Context, t *models.Tenant) (tenantdb.Handle, error)
	MarkActive(tenantID string)
	Close(tenantID string) error
}

// DefaultRunTimeout bounds one provisioning run.
const DefaultRunTimeout = 15 * time.Minute

// Defaults fill in what a CreateTenantRequest leaves out.
type Defaults struct {
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	SSLMode    string

	AdminEmailDomain     string
	DefaultAdminPassword string
}

// Orchestrator runs the provisioning workflow.
type Orchestrator struct {
	catalog   Catalog
	cipher    Cipher
	creator   DatabaseCreator
	migrator  Migrator
	connector Connector
	seeder    Seeder
	defaults  Defaults
	logger    *logging.Logger
	clock     clock.Clock
	timeout   time.Duration

	inflight singleflight.Group

	tracer       trace.Tracer
	stepDuration metric.Float64Histogram
}

// Deps groups the collaborators of an Orchestrator.
type Deps struct {
	Catalog   Catalog
	Cipher    Cipher
	Creator   DatabaseCreator
	Migrator  Migrator
	Connector Connector
	Seeder    Seeder
	Logger    *logging.Logger
	Clock     clock.Clock
	// RunTimeout bounds the database steps of one run. It defaults to
	// DefaultRunTimeout.
	RunTimeout time.Duration
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(deps Deps, defaults Defaults) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = logging.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.RunTimeout <= 0 {
		deps.RunTimeout = DefaultRunTimeout
	}
	if defaults.DBPort == 0 {
		defaults.DBPort = 5432
	}
	if defaults.AdminEmailDomain == "" {
		defaults.AdminEmailDomain = DefaultEmailDomain
	}

	stepDuration, err := observability.Meter().Float64Histogram("tenantcore.provisioning.step_duration",
		metric.WithDescription("Duration of provisioning steps"),
		metric.WithUnit("s"))
	if err != nil {
		stepDuration, _ = noop.NewMeterProvider().Meter("provisioning").Float64Histogram("step_duration")
	}

	return &Orchestrator{
		catalog:      deps.Catalog,
		cipher:       deps.Cipher,
		creator:      deps.Creator,
		migrator:     deps.Migrator,
		connector:    deps.Connector,
		seeder:       deps.Seeder,
		defaults:     defaults,
		logger:       deps.Logger.With("component", "provisioning"),
		clock:        deps.Clock,
		timeout:      deps.RunTimeout,
		tracer:       observability.Tracer(),
		stepDuration: stepDuration,
	}
}

var subdomainPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

var reservedSubdomains = map[string]bool{"www": true, "localhost": true}

// DatabaseName returns the physical database name of a subdomain.
func DatabaseName(subdomain string) string {
	return "tenant_" + strings.ReplaceAll(subdomain, "-", "_")
}

func validate(req *models.CreateTenantRequest) error {
	const op = "provisioning.validate"
	req.Name = strings.TrimSpace(req.Name)
	req.Subdomain = strings.ToLower(strings.TrimSpace(req.Subdomain))

	if req.Name == "" {
		return apperr.New(apperr.KindInvalid, op, "name is required")
	}
	if !subdomainPattern.MatchString(req.Subdomain) {
		return apperr.Errorf(apperr.KindInvalid, op, "subdomain %q must be 1-63 lower-case letters, digits or hyphens", req.Subdomain)
	}
	if reservedSubdomains[req.Subdomain] {
		return apperr.Errorf(apperr.KindInvalid, op, "subdomain %q is reserved", req.Subdomain)
	}
	if req.FeaturePackage == "" {
		req.FeaturePackage = models.FeaturePackageBasic
	}
	if !req.FeaturePackage.Valid() {
		return apperr.Errorf(apperr.KindInvalid, op, "unknown feature package %q", req.FeaturePackage)
	}
	if req.DBPort < 0 || req.DBPort > 65535 {
		return apperr.Errorf(apperr.KindInvalid, op, "invalid database port %d", req.DBPort)
	}
	return nil
}

// Provision registers a tenant and builds its database. Validation and
// registration errors are returned without a tenant. Once the tenant is
// registered, a failing step returns the tenant together with a *StepError;
// the registration is kept so the tenant can be resumed.
func (o *Orchestrator) Provision(ctx context.Context, req models.CreateTenantRequest) (*models.Tenant, error) {
	if err := validate(&req); err != nil {
		return nil, err
	}

	password := req.DBPassword
	if password == "" {
		password = o.defaults.DBPassword
	}
	token, err := o.cipher.Encrypt(password)
	if err != nil {
		return nil, err
	}

	t := &models.Tenant{
		Name:                req.Name,
		Subdomain:           req.Subdomain,
		DBHost:              firstNonEmpty(req.DBHost, o.defaults.DBHost, "localhost"),
		DBPort:              req.DBPort,
		DBName:              DatabaseName(req.Subdomain),
		DBUser:              firstNonEmpty(req.DBUser, o.defaults.DBUser, "postgres"),
		DBPasswordEncrypted: token,
		FeaturePackage:      req.FeaturePackage,
		Status:              models.TenantStatusProvisioning,
		ProvisioningState:   models.ProvisioningCatalogRegistered,
	}
	if t.DBPort == 0 {
		t.DBPort = o.defaults.DBPort
	}
	if err := o.catalog.Create(ctx, t); err != nil {
		return nil, err
	}
	o.logger.Info("tenant registered", "tenant_id", t.ID, "subdomain", t.Subdomain, "database", t.DBName)

	return o.guard(ctx, t, password)
}

// Resume re-runs the database steps of a registered tenant that is not
// ready yet. It is a no-op for ready tenants.
func (o *Orchestrator) Resume(ctx context.Context, tenantID string) (*models.Tenant, error) {
	t, err := o.catalog.FindByID(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if t.ProvisioningState == models.ProvisioningReady {
		return t, nil
	}
	password, err := o.cipher.Decrypt(t.DBPasswordEncrypted)
	if err != nil {
		return t, o.fail(ctx, t, StepEncrypt, err)
	}
	o.logger.Info("resuming provisioning", "tenant_id", t.ID, "state", t.ProvisioningState)
	return o.guard(ctx, t, password)
}

// guard runs the steps for t unless they are already running, in which case
// the caller waits for and shares the running attempt's result. Once started,
// the steps are not cancelled by the caller; they are bounded by the run
// timeout only.
func (o *Orchestrator) guard(ctx context.Context, t *models.Tenant, password string) (*models.Tenant, error) {
	v, err, _ := o.inflight.Do(t.ID, func() (interface{}, error) {
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.timeout)
		defer cancel()
		return o.run(runCtx, t, password)
	})
	if v == nil {
		return t, err
	}
	return v.(*models.Tenant), err
}

func (o *Orchestrator) run(ctx context.Context, t *models.Tenant, password string) (*models.Tenant, error) {
	params := tenantdb.ParamsFor(t, password, o.defaults.SSLMode)
	var (
		db     tenantdb.Handle
		roleID string
	)

	steps := []struct {
		step Step
		// state is recorded after the step succeeds; empty leaves it unchanged
		state models.ProvisioningState
		fn    func(ctx context.Context) error
	}{
		{StepCreateDatabase, models.ProvisioningDatabaseCreated, func(ctx context.Context) error {
			return o.creator.CreateDatabase(ctx, params)
		}},
		{StepMigrate, models.ProvisioningMigrationsApplied, func(ctx context.Context) error {
			return o.migrator.ApplyMigrations(ctx, params)
		}},
		{StepConnect, "", func(ctx context.Context) (err error) {
			db, err = o.connector.Attach(ctx, t)
			return err
		}},
		{StepSeedPermissions, "", func(ctx context.Context) error {
			return o.seeder.SeedPermissions(ctx, db, t.ID)
		}},
		{StepAdminRole, "", func(ctx context.Context) (err error) {
			roleID, err = o.seeder.EnsureAdminRole(ctx, db, t.ID)
			return err
		}},
		{StepAdminUser, models.ProvisioningBaselineSeeded, func(ctx context.Context) error {
			return o.seeder.EnsureAdminUser(ctx, db, t.ID, roleID, AdminAccount{
				Email:     AdminEmail(t.Name, o.defaults.AdminEmailDomain),
				Password:  o.defaults.DefaultAdminPassword,
				FirstName: "Admin",
				LastName:  t.Name,
			})
		}},
		{StepActivate, models.ProvisioningReady, func(ctx context.Context) error {
			if t.Status != models.TenantStatusProvisioning {
				// suspended or deactivated while provisioning; leave it be
				return nil
			}
			if err := o.catalog.SetStatus(ctx, t.ID, models.TenantStatusActive); err != nil {
				return err
			}
			t.Status = models.TenantStatusActive
			o.connector.MarkActive(t.ID)
			return nil
		}},
	}

	for _, s := range steps {
		if err := o.runStep(ctx, t, s.step, s.fn); err != nil {
			return t, o.fail(ctx, t, s.step, err)
		}
		if s.state == "" {
			continue
		}
		if err := o.catalog.SetProvisioningState(ctx, t.ID, s.state, ""); err != nil {
			return t, o.fail(ctx, t, s.step, err)
		}
		t.ProvisioningState = s.state
		t.ProvisioningError = ""
	}

	if !t.IsActive() {
		o.release(t.ID)
	}
	o.logger.Info("tenant provisioned", "tenant_id", t.ID, "subdomain", t.Subdomain, "status", t.Status)
	return t, nil
}

func (o *Orchestrator) runStep(ctx context.Context, t *models.Tenant, step Step, fn func(context.Context) error) error {
	ctx, span := o.tracer.Start(ctx, "provisioning."+string(step),
		trace.WithAttributes(observability.TenantAttr(t.ID)))
	start := o.clock.Now()

	err := fn(ctx)

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	o.stepDuration.Record(ctx, o.clock.Since(start).Seconds(), metric.WithAttributes(
		attribute.String("step", string(step)),
		attribute.String("outcome", outcome),
	))
	observability.EndSpan(span, err)
	o.logger.Debug("provisioning step finished", "tenant_id", t.ID, "step", step, "outcome", outcome)
	return err
}

// fail records the failure on the catalog row and returns it as a StepError.
func (o *Orchestrator) fail(ctx context.Context, t *models.Tenant, step Step, cause error) error {
	o.logger.Error("provisioning step failed",
		"tenant_id", t.ID, "subdomain", t.Subdomain, "step", step, "error", cause)

	o.release(t.ID)

	errText := fmt.Sprintf("%s: %v", step, cause)
	// the caller's context may be what failed the step
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := o.catalog.SetProvisioningState(recordCtx, t.ID, models.ProvisioningFailed, errText); err != nil {
		o.logger.Error("failed to record provisioning failure", "tenant_id", t.ID, "error", err)
	} else {
		t.ProvisioningState = models.ProvisioningFailed
		t.ProvisioningError = errText
	}
	return &StepError{Step: step, TenantID: t.ID, Err: cause}
}

// release drops the handle provisioning attached for a tenant that is not
// being activated.
func (o *Orchestrator) release(tenantID string) {
	if err := o.connector.Close(tenantID); err != nil {
		o.logger.Warn("failed to release tenant connection", "tenant_id", tenantID, "error", err)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

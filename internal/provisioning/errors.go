package provisioning

import (
	"fmt"

	"tenantcore/internal/apperr"
)

// Step names a provisioning step.
type Step string

const (
	StepValidate        Step = "validate"
	StepEncrypt         Step = "encrypt_credentials"
	StepRegister        Step = "register"
	StepCreateDatabase  Step = "create_database"
	StepMigrate         Step = "apply_migrations"
	StepConnect         Step = "connect"
	StepSeedPermissions Step = "seed_permissions"
	StepAdminRole       Step = "admin_role"
	StepAdminUser       Step = "admin_user"
	StepActivate        Step = "activate"
)

// StepError reports the step at which provisioning of a tenant stopped.
type StepError struct {
	Step     Step
	TenantID string
	Err      error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("provisioning tenant %s failed at %s: %v", e.TenantID, e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// ErrorKind classifies every step failure as a provisioning failure.
func (e *StepError) ErrorKind() apperr.Kind { return apperr.KindProvisioningFailure }

package provisioning

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"tenantcore/internal/logging"
	"tenantcore/internal/tenantdb"
)

// DefaultMigrateEnvVar carries the tenant DSN to the migration tool.
const DefaultMigrateEnvVar = "DATABASE_URL"

// Migrator applies the tenant schema to a freshly created database.
type Migrator interface {
	ApplyMigrations(ctx context.Context, params tenantdb.ConnParams) error
}

// CommandMigrator runs an external migration tool. The DSN of the target
// database is exported in EnvVar; $VAR and ${VAR} in Command are expanded
// against the child environment, so the DSN can also be passed as a flag.
type CommandMigrator struct {
	Command []string
	EnvVar  string
	Timeout time.Duration
	Logger  *logging.Logger
}

// ApplyMigrations runs the tool and reports failure on a non-zero exit.
// Its output is logged, never interpreted.
func (m *CommandMigrator) ApplyMigrations(ctx context.Context, params tenantdb.ConnParams) error {
	if len(m.Command) == 0 {
		return errors.New("no migration command configured")
	}
	envVar := m.EnvVar
	if envVar == "" {
		envVar = DefaultMigrateEnvVar
	}
	if m.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.Timeout)
		defer cancel()
	}

	env := append(os.Environ(), envVar+"="+params.DSN())
	lookup := envLookup(env)
	argv := make([]string, len(m.Command))
	for i, arg := range m.Command {
		argv[i] = os.Expand(arg, lookup)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = env
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	log := m.logger().With("database", params.Database, "command", m.Command[0], "elapsed", time.Since(start))
	if out := strings.TrimSpace(stdout.String()); out != "" {
		log.Info("migration output", "stdout", out)
	}
	if out := strings.TrimSpace(stderr.String()); out != "" {
		log.Warn("migration output", "stderr", out)
	}
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("migration tool timed out: %w", ctx.Err())
		}
		return fmt.Errorf("migration tool failed: %w", err)
	}
	log.Info("migrations applied")
	return nil
}

func (m *CommandMigrator) logger() *logging.Logger {
	if m.Logger == nil {
		return logging.NewNop()
	}
	return m.Logger
}

// envLookup resolves names against env, last assignment winning.
func envLookup(env []string) func(string) string {
	vars := make(map[string]string, len(env))
	for _, kv := range env {
		if k, v, ok := strings.Cut(kv, "="); ok {
			vars[k] = v
		}
	}
	return func(name string) string { return vars[name] }
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
environment: DEV
catalog:
  host: catalog.internal
  port: 6543
  user: catalog_admin
  password: catalog-pass
  name: master
crypto:
  secret: from-file
registry:
  idle_ttl: 10m
provisioning:
  admin_email_domain: tenants.example.org
  migrate_command: ["tool", "up"]
auth:
  okta_domain: https://example.okta.com/oauth2/default/
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig_FileAndDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.True(t, cfg.IsDev())
	assert.Equal(t, "catalog.internal", cfg.Catalog.Host)
	assert.Equal(t, 6543, cfg.Catalog.Port)
	assert.Equal(t, "from-file", cfg.Crypto.Secret)
	assert.Equal(t, 10*time.Minute, cfg.Registry.IdleTTL)
	assert.Equal(t, 5*time.Minute, cfg.Registry.SweepInterval)
	assert.Equal(t, time.Minute, cfg.Registry.RevalidateInterval)
	assert.Equal(t, 15*time.Minute, cfg.Provisioning.RunTimeout)
	assert.Equal(t, 10, cfg.Provisioning.MaxAttempts)
	assert.Equal(t, []string{"tool", "up"}, cfg.Provisioning.MigrateCommand)
	assert.Equal(t, "tenants.example.org", cfg.Provisioning.AdminEmailDomain)
	assert.Equal(t, "https://example.okta.com/oauth2/default", cfg.Auth.OktaDomain)

	// admin and tenant credentials fall back to the catalog login
	assert.Equal(t, "catalog_admin", cfg.Provisioning.AdminUser)
	assert.Equal(t, "catalog-pass", cfg.Provisioning.AdminPassword)
	assert.Equal(t, "catalog-pass", cfg.Tenants.DBPassword)

	require.NoError(t, cfg.Validate())
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("TENANTCORE_CRYPTO_SECRET", "from-env")
	t.Setenv("TENANTCORE_REGISTRY_SWEEP_INTERVAL", "30s")

	cfg, err := LoadConfig(writeConfig(t, sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Crypto.Secret)
	assert.Equal(t, 30*time.Second, cfg.Registry.SweepInterval)
}

func TestLoadConfig_MissingExplicitFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "environment: PROD\n"))
	require.NoError(t, err)

	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "crypto.secret is required")

	cfg.Crypto.Secret = "x"
	cfg.Registry.IdleTTL = 0
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "registry.idle_ttl")

	cfg.Registry.IdleTTL = time.Minute
	cfg.Registry.RevalidateInterval = 0
	cfg.Provisioning.RunTimeout = 0
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "registry.revalidate_interval")
	assert.Contains(t, err.Error(), "provisioning.run_timeout")
}

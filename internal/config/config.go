package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DBConfig describes a PostgreSQL server connection.
type DBConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	SSLMode  string `mapstructure:"sslmode"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// Config holds the configuration for the application.
type Config struct {
	Environment   string `mapstructure:"environment"`
	DevModeBypass bool   `mapstructure:"dev_mode_bypass"`

	Server struct {
		Addr            string        `mapstructure:"addr"`
		ReadTimeout     time.Duration `mapstructure:"read_timeout"`
		WriteTimeout    time.Duration `mapstructure:"write_timeout"`
		IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"server"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`

	// Catalog is the shared master database holding tenant registrations.
	Catalog DBConfig `mapstructure:"catalog"`

	Crypto struct {
		Secret string `mapstructure:"secret"`
	} `mapstructure:"crypto"`

	Registry struct {
		IdleTTL        time.Duration `mapstructure:"idle_ttl"`
		SweepInterval  time.Duration `mapstructure:"sweep_interval"`
		ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
		// RevalidateInterval is how long a cached handle is trusted before
		// the tenant's status is re-read from the catalog.
		RevalidateInterval time.Duration `mapstructure:"revalidate_interval"`
		MaxConns           int32         `mapstructure:"max_conns"`
	} `mapstructure:"registry"`

	// Tenants holds the defaults applied to new tenant databases.
	Tenants struct {
		DBHost     string `mapstructure:"db_host"`
		DBPort     int    `mapstructure:"db_port"`
		DBUser     string `mapstructure:"db_user"`
		DBPassword string `mapstructure:"db_password"`
		SSLMode    string `mapstructure:"sslmode"`
	} `mapstructure:"tenants"`

	Provisioning struct {
		AdminDatabase        string        `mapstructure:"admin_database"`
		AdminUser            string        `mapstructure:"admin_user"`
		AdminPassword        string        `mapstructure:"admin_password"`
		MigrateCommand       []string      `mapstructure:"migrate_command"`
		MigrateEnvVar        string        `mapstructure:"migrate_env_var"`
		MigrateTimeout       time.Duration `mapstructure:"migrate_timeout"`
		AdminEmailDomain     string        `mapstructure:"admin_email_domain"`
		DefaultAdminPassword string        `mapstructure:"default_admin_password"`
		ReconcileInterval    time.Duration `mapstructure:"reconcile_interval"`
		StuckAfter           time.Duration `mapstructure:"stuck_after"`
		RunTimeout           time.Duration `mapstructure:"run_timeout"`
		MaxAttempts          int           `mapstructure:"max_attempts"`
	} `mapstructure:"provisioning"`

	// Auth protects the administration API. Browser login is enabled when
	// client_id, client_secret and redirect_url are all set.
	Auth struct {
		OktaDomain   string `mapstructure:"okta_domain"`
		Audience     string `mapstructure:"audience"`
		AdminGroup   string `mapstructure:"admin_group"`
		ClientID     string `mapstructure:"client_id"`
		ClientSecret string `mapstructure:"client_secret"`
		RedirectURL  string `mapstructure:"redirect_url"`
	} `mapstructure:"auth"`
}

// IsDev reports whether the service runs in the DEV environment.
func (c *Config) IsDev() bool {
	return strings.EqualFold(c.Environment, "DEV")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "PROD")
	v.SetDefault("dev_mode_bypass", false)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// keys without a meaningful default are still registered so that
	// AutomaticEnv can supply them
	for _, key := range []string{
		"catalog.password", "crypto.secret", "tenants.db_password",
		"provisioning.admin_user", "provisioning.admin_password",
		"auth.okta_domain", "auth.audience", "auth.admin_group",
		"auth.client_id", "auth.client_secret", "auth.redirect_url",
	} {
		v.SetDefault(key, "")
	}

	v.SetDefault("catalog.host", "localhost")
	v.SetDefault("catalog.port", 5432)
	v.SetDefault("catalog.user", "postgres")
	v.SetDefault("catalog.name", "tenant_catalog")
	v.SetDefault("catalog.sslmode", "disable")
	v.SetDefault("catalog.max_conns", 10)

	v.SetDefault("registry.idle_ttl", 30*time.Minute)
	v.SetDefault("registry.sweep_interval", 5*time.Minute)
	v.SetDefault("registry.connect_timeout", 10*time.Second)
	v.SetDefault("registry.revalidate_interval", time.Minute)
	v.SetDefault("registry.max_conns", 5)

	v.SetDefault("tenants.db_host", "localhost")
	v.SetDefault("tenants.db_port", 5432)
	v.SetDefault("tenants.db_user", "postgres")
	v.SetDefault("tenants.sslmode", "disable")

	v.SetDefault("provisioning.admin_database", "postgres")
	v.SetDefault("provisioning.migrate_command", []string{"migrate", "-path", "migrations/tenant", "-database", "$DATABASE_URL", "up"})
	v.SetDefault("provisioning.migrate_env_var", "DATABASE_URL")
	v.SetDefault("provisioning.migrate_timeout", 5*time.Minute)
	v.SetDefault("provisioning.admin_email_domain", "example.com")
	v.SetDefault("provisioning.default_admin_password", "ChangeMe123!")
	v.SetDefault("provisioning.reconcile_interval", time.Minute)
	v.SetDefault("provisioning.stuck_after", 2*time.Minute)
	v.SetDefault("provisioning.run_timeout", 15*time.Minute)
	v.SetDefault("provisioning.max_attempts", 10)
}

// LoadConfig loads the configuration from a file and the environment.
// When path is empty, config.yaml is looked up in . and ./config; a missing
// file is not an error in that case.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("TENANTCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	normalize(&config)

	return &config, nil
}

// normalize fills values that derive from other settings.
func normalize(c *Config) {
	c.Auth.OktaDomain = strings.TrimRight(strings.TrimSpace(c.Auth.OktaDomain), "/")
	if c.Provisioning.AdminUser == "" {
		c.Provisioning.AdminUser = c.Catalog.User
		if c.Provisioning.AdminPassword == "" {
			c.Provisioning.AdminPassword = c.Catalog.Password
		}
	}
	if c.Tenants.DBPassword == "" {
		c.Tenants.DBPassword = c.Catalog.Password
	}
}

// Validate checks the settings every binary depends on.
func (c *Config) Validate() error {
	var errs []error
	if c.Crypto.Secret == "" {
		errs = append(errs, errors.New("crypto.secret is required"))
	}
	if c.Registry.IdleTTL <= 0 {
		errs = append(errs, errors.New("registry.idle_ttl must be positive"))
	}
	if c.Registry.SweepInterval <= 0 {
		errs = append(errs, errors.New("registry.sweep_interval must be positive"))
	}
	if c.Registry.ConnectTimeout <= 0 {
		errs = append(errs, errors.New("registry.connect_timeout must be positive"))
	}
	if c.Registry.RevalidateInterval <= 0 {
		errs = append(errs, errors.New("registry.revalidate_interval must be positive"))
	}
	if c.Provisioning.RunTimeout <= 0 {
		errs = append(errs, errors.New("provisioning.run_timeout must be positive"))
	}
	if c.Provisioning.ReconcileInterval < 0 {
		errs = append(errs, errors.New("provisioning.reconcile_interval must not be negative"))
	}
	if len(c.Provisioning.MigrateCommand) == 0 {
		errs = append(errs, errors.New("provisioning.migrate_command is required"))
	}
	return errors.Join(errs...)
}

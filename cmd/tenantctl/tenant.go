package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"tenantcore/internal/app"
	"tenantcore/internal/provisioning"
	"tenantcore/internal/repository"
	"tenantcore/pkg/models"
)

func (c *cli) newCatalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Manage the catalog database",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Create the catalog schema if it does not exist",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(core *app.App) error {
				if err := core.Catalog.InitSchema(cmd.Context()); err != nil {
					return err
				}
				c.logger.Info("catalog schema ready", "database", c.cfg.Catalog.Name)
				return nil
			})
		},
	})
	return cmd
}

func (c *cli) newTenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Register, inspect and manage tenants",
	}
	cmd.AddCommand(
		c.newTenantCreateCmd(),
		c.newTenantListCmd(),
		&cobra.Command{
			Use:   "get ID",
			Short: "Show one tenant",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.withApp(cmd.Context(), func(core *app.App) error {
					t, err := core.Tenants.Get(cmd.Context(), args[0])
					if err != nil {
						return err
					}
					return c.printJSON(t)
				})
			},
		},
		&cobra.Command{
			Use:   "resume ID",
			Short: "Retry provisioning of a tenant that did not finish",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.withApp(cmd.Context(), func(core *app.App) error {
					t, err := core.Tenants.Resume(cmd.Context(), args[0])
					return c.provisioningResult(t, err)
				})
			},
		},
		&cobra.Command{
			Use:   "set-status ID STATUS",
			Short: "Set a tenant to active, inactive or suspended",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				status := models.TenantStatus(args[1])
				return c.withApp(cmd.Context(), func(core *app.App) error {
					t, err := core.Tenants.Update(cmd.Context(), args[0], models.TenantUpdate{Status: &status})
					if err != nil {
						return err
					}
					return c.printJSON(t)
				})
			},
		},
		&cobra.Command{
			Use:   "delete ID",
			Short: "Remove a tenant from the catalog; its database is kept",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.withApp(cmd.Context(), func(core *app.App) error {
					if err := core.Tenants.Delete(cmd.Context(), args[0]); err != nil {
						return err
					}
					c.logger.Info("tenant deleted", "tenant_id", args[0])
					return nil
				})
			},
		},
	)
	return cmd
}

func (c *cli) newTenantCreateCmd() *cobra.Command {
	var req models.CreateTenantRequest
	var featurePackage string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a tenant and provision its database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req.FeaturePackage = models.FeaturePackage(featurePackage)
			return c.withApp(cmd.Context(), func(core *app.App) error {
				t, err := core.Tenants.Register(cmd.Context(), req)
				return c.provisioningResult(t, err)
			})
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&req.Name, "name", "", "Display name of the tenant")
	flags.StringVar(&req.Subdomain, "subdomain", "", "Subdomain the tenant is served under")
	flags.StringVar(&featurePackage, "feature-package", string(models.FeaturePackageBasic), "basic or advanced")
	flags.StringVar(&req.DBHost, "db-host", "", "Database server (default from config)")
	flags.IntVar(&req.DBPort, "db-port", 0, "Database port (default from config)")
	flags.StringVar(&req.DBUser, "db-user", "", "Database user (default from config)")
	flags.StringVar(&req.DBPassword, "db-password", "", "Database password (default from config)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("subdomain")
	return cmd
}

func (c *cli) newTenantListCmd() *cobra.Command {
	var opts repository.ListOptions
	var status string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tenants",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Status = models.TenantStatus(status)
			if opts.Status != "" && !opts.Status.Valid() {
				return fmt.Errorf("unknown status %q", status)
			}
			return c.withApp(cmd.Context(), func(core *app.App) error {
				page, err := core.Tenants.List(cmd.Context(), opts)
				if err != nil {
					return err
				}
				return c.printJSON(page)
			})
		},
	}
	flags := cmd.Flags()
	flags.IntVar(&opts.Page, "page", 1, "Page number")
	flags.IntVar(&opts.PageSize, "page-size", repository.DefaultPageSize, "Tenants per page")
	flags.StringVar(&status, "status", "", "Only tenants with this status")
	flags.StringVar(&opts.Search, "search", "", "Match against name or subdomain")
	return cmd
}

// provisioningResult prints the tenant, and on a failed step also tells the
// operator how to resume.
func (c *cli) provisioningResult(t *models.Tenant, err error) error {
	var stepErr *provisioning.StepError
	if err != nil && t != nil && errors.As(err, &stepErr) {
		_ = c.printJSON(t)
		return fmt.Errorf("%w (retry with: tenantctl tenant resume %s)", err, t.ID)
	}
	if err != nil {
		return err
	}
	return c.printJSON(t)
}

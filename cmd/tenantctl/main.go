// Command tenantctl administers the tenant catalog from the command line.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"tenantcore/internal/app"
	"tenantcore/internal/config"
	"tenantcore/internal/logging"
)

type cli struct {
	configFile string
	cfg        *config.Config
	logger     *logging.Logger
	out        io.Writer
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdout).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "tenantctl:", err)
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	c := &cli{out: out}

	root := &cobra.Command{
		Use:           "tenantctl",
		Short:         "Manage tenants of the tenant core",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(c.configFile)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			logger, err := logging.NewLogger(cfg.Log.Level, "console", "tenantctl")
			if err != nil {
				return fmt.Errorf("failed to create logger: %w", err)
			}
			c.cfg = cfg
			c.logger = logger
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if c.logger != nil {
				_ = c.logger.Sync()
			}
		},
	}
	root.PersistentFlags().StringVar(&c.configFile, "config", "", "Path to config file (default ./config.yaml)")
	root.SetOut(out)

	root.AddCommand(
		c.newCatalogCmd(),
		c.newTenantCmd(),
		c.newCryptoCmd(),
	)
	return root
}

// withApp connects to the catalog for the duration of fn.
func (c *cli) withApp(ctx context.Context, fn func(*app.App) error) error {
	core, err := app.New(ctx, c.cfg, c.logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := core.Close(); err != nil {
			c.logger.Warn("failed to close connections", "error", err)
		}
	}()
	return fn(core)
}

func (c *cli) printJSON(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Package commands provides the CLI command implementations for inventory.
package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/matsushun1/inventory/cli/config"
	"github.com/matsushun1/inventory/cli/styles"
	"github.com/matsushun1/inventory/cli/ui"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// NewRootCommand creates the root command for the inventory CLI
func NewRootCommand() *cobra.Command {
	var noColor bool

	rootCmd := &cobra.Command{
		Use:   "inventory",
		Short: "Event-sourced inventory service",
		Long: ui.SimpleBanner() + `

Inventory keeps product stock as an append-only log of events and serves
a queryable read model built from it.

` + styles.Title.Render("Quick Start:") + `

  ` + styles.Code.Render("inventory init") + `              Create inventory.yaml
  ` + styles.Code.Render("inventory migrate up") + `        Create the database tables
  ` + styles.Code.Render("inventory serve") + `             Start the HTTP API
  ` + styles.Code.Render("inventory product list") + `      Show current stock
  ` + styles.Code.Render("inventory diagnose") + `          Check your setup`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if noColor {
				styles.DisableColors()
			}
		},
	}

	// Global flags
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to inventory.yaml (default: search upwards from the working directory)")

	rootCmd.AddCommand(NewInitCommand())
	rootCmd.AddCommand(NewServeCommand())
	rootCmd.AddCommand(NewProductCommand())
	rootCmd.AddCommand(NewMigrateCommand())
	rootCmd.AddCommand(NewProjectionCommand())
	rootCmd.AddCommand(NewDiagnoseCommand())
	rootCmd.AddCommand(NewVersionCommand(Version, Commit, BuildDate))

	return rootCmd
}

// Execute runs the root command
func Execute() error {
	rootCmd := NewRootCommand()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, styles.FormatError(err.Error()))
		return err
	}

	return nil
}

// loadConfig reads the file named by --config, or the nearest
// inventory.yaml, or the defaults. Environment overrides apply to all three.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	var path string
	if f := cmd.Flag("config"); f != nil {
		path = f.Value.String()
	}

	if path == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		_, cfg, err := config.Resolve(cwd)
		return cfg, err
	}

	cfg, err := config.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openApp loads the configuration and builds the App. The caller closes it.
func openApp(ctx context.Context, cmd *cobra.Command) (*App, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return NewApp(ctx, cfg, cmd.ErrOrStderr())
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

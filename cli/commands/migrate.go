package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/matsushun1/inventory/adapters"
	"github.com/matsushun1/inventory/cli/styles"
	"github.com/matsushun1/inventory/cli/ui"
)

// NewMigrateCommand creates the migrate command
func NewMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage database tables",
		Long: `Create and inspect the tables of the event store, the read model and the
idempotency store.

Examples:
  inventory migrate up       # Create missing tables
  inventory migrate status   # Show the event store schema version`,
	}

	cmd.AddCommand(newMigrateUpCommand())
	cmd.AddCommand(newMigrateStatusCommand())

	return cmd
}

func newMigrateUpCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Create missing tables",
		Long: `Create every table the configured backends need. Running it twice is safe.`,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx := commandContext(cmd)
			app, err := openApp(ctx, cmd)
			if err != nil {
				return err
			}
			defer func() {
				err = errors.Join(err, app.Close(context.Background()))
			}()

			out := cmd.OutOrStdout()
			if app.Config.Database.Driver == "memory" && app.Config.ReadModel.Driver == "memory" {
				fmt.Fprintln(out, styles.FormatInfo("Memory driver doesn't require migrations"))
				return nil
			}

			return ui.RunWithSpinner(out, "Applying migrations...", func() (string, error) {
				if err := app.Migrate(ctx); err != nil {
					return "", fmt.Errorf("migration failed: %w", err)
				}
				version, err := migrationVersion(ctx, app)
				if err != nil {
					return "Tables ready", nil
				}
				return fmt.Sprintf("Tables ready (event store schema version %d)", version), nil
			})
		},
	}
}

func newMigrateStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx := commandContext(cmd)
			app, err := openApp(ctx, cmd)
			if err != nil {
				return err
			}
			defer func() {
				err = errors.Join(err, app.Close(context.Background()))
			}()

			out := cmd.OutOrStdout()
			fmt.Fprintln(out)
			fmt.Fprintln(out, styles.Title.Render(styles.IconDatabase+" Migration Status"))
			fmt.Fprintln(out)

			table := ui.NewTable("Backend", "Driver", "Status")
			version, err := migrationVersion(ctx, app)
			switch {
			case errors.Is(err, errNoMigrations):
				table.AddRow("event store", app.Config.Database.Driver, ui.StatusBadge("ok"))
			case err != nil:
				table.AddRow("event store", app.Config.Database.Driver, ui.StatusBadge("error"))
				fmt.Fprintln(out, table.Render())
				return err
			case version == 0:
				table.AddRow("event store", app.Config.Database.Driver, ui.StatusBadge("pending"))
			default:
				table.AddRow("event store", app.Config.Database.Driver, ui.StatusBadge("applied")+fmt.Sprintf(" v%d", version))
			}
			table.AddRow("read model", app.Config.ReadModel.Driver, readModelStatus(ctx, app))
			fmt.Fprintln(out, table.Render())

			if version == 0 && err == nil {
				fmt.Fprintln(out, styles.FormatInfo("Run 'inventory migrate up' to create the tables"))
			}
			return nil
		},
	}
}

var errNoMigrations = errors.New("backend has no migrations")

// migrationVersion returns the event store schema version.
func migrationVersion(ctx context.Context, app *App) (int, error) {
	m, ok := app.base.(adapters.Migrator)
	if !ok {
		return 0, errNoMigrations
	}
	return m.MigrationVersion(ctx)
}

func readModelStatus(ctx context.Context, app *App) string {
	hc, ok := app.products.(adapters.HealthChecker)
	if !ok {
		return ui.StatusBadge("ok")
	}
	if err := hc.Ping(ctx); err != nil {
		return ui.StatusBadge("error")
	}
	return ui.StatusBadge("ok")
}

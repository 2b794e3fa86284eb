package commands

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/matsushun1/inventory"
	"github.com/matsushun1/inventory/cli/styles"
	"github.com/matsushun1/inventory/cli/ui"
)

// NewProjectionCommand creates the projection command
func NewProjectionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "projection",
		Short: "Inspect and rebuild the read model",
		Long: `Inspect event subscribers and rebuild the product read model.

Examples:
  inventory projection status    # Show subscriber positions and lag
  inventory projection rebuild   # Replay the whole log into the read model`,
		Aliases: []string{"proj"},
	}

	cmd.AddCommand(newProjectionStatusCommand())
	cmd.AddCommand(newProjectionRebuildCommand())

	return cmd
}

func newProjectionStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show subscriber positions and lag",
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx := commandContext(cmd)
			app, err := openApp(ctx, cmd)
			if err != nil {
				return err
			}
			defer func() {
				err = errors.Join(err, app.Close(context.Background()))
			}()

			if err := app.Service.Start(ctx); err != nil {
				return err
			}
			head, err := app.Service.Store.GetLastPosition(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out)
			fmt.Fprintln(out, styles.Title.Render(styles.IconChart+" Subscribers"))
			fmt.Fprintln(out)
			fmt.Fprintln(out, styles.FormatKeyValue("Log head", strconv.FormatUint(head, 10)))
			fmt.Fprintln(out)

			table := ui.NewTable("Subscriber", "State", "Position", "Lag", "Delivered", "Error")
			for _, s := range app.Service.Dispatcher.Statuses() {
				table.AddRow(
					s.Name,
					ui.StatusBadge(string(s.State)),
					strconv.FormatUint(s.Position, 10),
					strconv.FormatUint(lag(head, s.Position), 10),
					strconv.FormatUint(s.EventsDelivered, 10),
					s.Error,
				)
			}
			fmt.Fprintln(out, table.Render())
			return nil
		},
	}
}

func newProjectionRebuildCommand() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Rebuild the product read model from the event log",
		Long: `Clear the product read model and replay every event into it. Dispatch to
the read model is paused while the rebuild runs.`,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx := commandContext(cmd)
			app, err := openApp(ctx, cmd)
			if err != nil {
				return err
			}
			defer func() {
				err = errors.Join(err, app.Close(context.Background()))
			}()

			if !yes {
				fmt.Fprintln(cmd.OutOrStdout(), styles.FormatWarning("This clears the read model. Re-run with --yes to continue."))
				return nil
			}

			return ui.RunWithProgress(cmd.OutOrStdout(), "Replaying events...", func(report func(float64, string)) (string, error) {
				result, err := app.Service.RebuildProjection(ctx, func(p inventory.RebuildProgress) {
					report(p.Percent()/100, fmt.Sprintf("%d/%d events", p.ProcessedEvents, p.TotalEvents))
				})
				if err != nil {
					return "", fmt.Errorf("rebuild failed: %w", err)
				}
				return fmt.Sprintf("Rebuilt %s from %d events in %s",
					result.ProjectionName, result.ProcessedEvents, result.Duration.Round(time.Millisecond)), nil
			})
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip the confirmation")

	return cmd
}

func lag(head, position uint64) uint64 {
	if position >= head {
		return 0
	}
	return head - position
}

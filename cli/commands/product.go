package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/matsushun1/inventory"
	"github.com/matsushun1/inventory/cli/styles"
	"github.com/matsushun1/inventory/cli/ui"
)

// lowStock is the quantity at or below which list output flags a product.
const lowStock = 5

// projectionWait bounds how long product commands wait for the read model.
const projectionWait = 10 * time.Second

// NewProductCommand creates the product command
func NewProductCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "product",
		Short: "Create products and change their stock",
		Long: `Submit product commands and query the read model.

With the memory driver every invocation starts from an empty store; use
postgres for state that outlives the process.

Examples:
  inventory product create "Blue Widget" --quantity 10
  inventory product add widget-1 5
  inventory product remove widget-1 3 --idempotency-key order-42
  inventory product get widget-1
  inventory product list -o json`,
		Aliases: []string{"products", "p"},
	}

	cmd.AddCommand(newProductCreateCommand())
	cmd.AddCommand(newProductAddCommand())
	cmd.AddCommand(newProductRemoveCommand())
	cmd.AddCommand(newProductGetCommand())
	cmd.AddCommand(newProductListCommand())

	return cmd
}

func newProductCreateCommand() *cobra.Command {
	var (
		id       string
		quantity int64
		key      string
	)

	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a product",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				id = uuid.NewString()
			}
			return runProductCommand(cmd, inventory.CreateProduct{
				CommandBase:     newCommandBase(key),
				ProductID:       id,
				Name:            args[0],
				InitialQuantity: quantity,
			}, "Created product")
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "Product ID (default: random UUID)")
	cmd.Flags().Int64VarP(&quantity, "quantity", "q", 0, "Initial quantity")
	cmd.Flags().StringVar(&key, "idempotency-key", "", "Idempotency key for safe retries")

	return cmd
}

func newProductAddCommand() *cobra.Command {
	var key string

	cmd := &cobra.Command{
		Use:   "add ID QUANTITY",
		Short: "Add stock to a product",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			qty, err := parseQuantity(args[1])
			if err != nil {
				return err
			}
			return runProductCommand(cmd, inventory.AddInventory{
				CommandBase: newCommandBase(key),
				ProductID:   args[0],
				Quantity:    qty,
			}, "Added stock")
		},
	}

	cmd.Flags().StringVar(&key, "idempotency-key", "", "Idempotency key for safe retries")

	return cmd
}

func newProductRemoveCommand() *cobra.Command {
	var key string

	cmd := &cobra.Command{
		Use:   "remove ID QUANTITY",
		Short: "Remove stock from a product",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			qty, err := parseQuantity(args[1])
			if err != nil {
				return err
			}
			return runProductCommand(cmd, inventory.RemoveInventory{
				CommandBase: newCommandBase(key),
				ProductID:   args[0],
				Quantity:    qty,
			}, "Removed stock")
		},
	}

	cmd.Flags().StringVar(&key, "idempotency-key", "", "Idempotency key for safe retries")

	return cmd
}

func newProductGetCommand() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "get ID",
		Short: "Show one product",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStartedApp(cmd, func(ctx context.Context, app *App) error {
				view, err := app.Service.GetProduct(ctx, args[0])
				if err != nil {
					return err
				}
				if output == "json" {
					return writeJSON(cmd.OutOrStdout(), view)
				}
				printProducts(cmd.OutOrStdout(), []*inventory.ProductView{view})
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format: table or json")

	return cmd
}

func newProductListCommand() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:     "list",
		Short:   "List products",
		Aliases: []string{"ls"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStartedApp(cmd, func(ctx context.Context, app *App) error {
				views, err := app.Service.ListProducts(ctx)
				if err != nil {
					return err
				}
				if output == "json" {
					if views == nil {
						views = []*inventory.ProductView{}
					}
					return writeJSON(cmd.OutOrStdout(), views)
				}
				if len(views) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), styles.FormatInfo("No products"))
					return nil
				}
				printProducts(cmd.OutOrStdout(), views)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format: table or json")

	return cmd
}

// withStartedApp opens the app, starts dispatch and waits for the read
// model to catch up before calling fn.
func withStartedApp(cmd *cobra.Command, fn func(ctx context.Context, app *App) error) (err error) {
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
	waitCtx, cancel := context.WithTimeout(ctx, projectionWait)
	defer cancel()
	if err := app.Service.WaitForProjection(waitCtx); err != nil {
		return fmt.Errorf("read model did not catch up: %w", err)
	}
	return fn(ctx, app)
}

func runProductCommand(cmd *cobra.Command, command inventory.Command, verb string) error {
	return withStartedApp(cmd, func(ctx context.Context, app *App) error {
		result, err := app.Service.Submit(ctx, command)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, styles.FormatSuccess(fmt.Sprintf("%s %s (version %d)", verb, result.AggregateID, result.Version)))

		waitCtx, cancel := context.WithTimeout(ctx, projectionWait)
		defer cancel()
		if err := app.Service.WaitForProjection(waitCtx); err != nil {
			fmt.Fprintln(out, styles.FormatWarning("Read model is still catching up"))
			return nil
		}
		if view, err := app.Service.GetProduct(ctx, result.AggregateID); err == nil {
			printProducts(out, []*inventory.ProductView{view})
		}
		return nil
	})
}

func newCommandBase(key string) inventory.CommandBase {
	return inventory.CommandBase{
		CommandID: uuid.NewString(),
		Key:       key,
	}
}

func parseQuantity(s string) (int64, error) {
	qty, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid quantity %q: must be an integer", s)
	}
	return qty, nil
}

func printProducts(out io.Writer, views []*inventory.ProductView) {
	table := ui.NewTable("Product", "Name", "Quantity", "Sequence", "Updated")
	for _, v := range views {
		table.AddRow(
			v.ProductID,
			v.Name,
			ui.StockLevel(v.Quantity, lowStock),
			strconv.FormatInt(v.LastAppliedSequence, 10),
			v.UpdatedAt.Format(time.RFC3339),
		)
	}
	fmt.Fprintln(out, table.Render())
}

func writeJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

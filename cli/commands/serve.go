package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/matsushun1/inventory/api"
	"github.com/matsushun1/inventory/cli/styles"
)

// lagInterval is how often the subscriber lag gauges are refreshed.
const lagInterval = 5 * time.Second

// NewServeCommand creates the serve command
func NewServeCommand() *cobra.Command {
	var (
		addr    string
		migrate bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: `Start event dispatch and serve the inventory HTTP API.

Endpoints:
  POST /api/products                          Create a product
  POST /api/products/{id}/add-inventory       Add stock
  POST /api/products/{id}/remove-inventory    Remove stock
  GET  /api/products                          List products
  GET  /api/products/{id}                     Get one product
  GET  /healthz                               Health check
  GET  /metrics                               Prometheus metrics

The server stops gracefully on SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(commandContext(cmd), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			app, err := openApp(ctx, cmd)
			if err != nil {
				return err
			}
			if addr != "" {
				app.Config.HTTP.Addr = addr
			}

			ln, err := net.Listen("tcp", app.Config.HTTP.Addr)
			if err != nil {
				_ = app.Close(context.Background())
				return fmt.Errorf("failed to listen on %s: %w", app.Config.HTTP.Addr, err)
			}
			return serve(ctx, cmd, app, ln, migrate)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides http.addr)")
	cmd.Flags().BoolVar(&migrate, "migrate", true, "Create missing tables before serving")

	return cmd
}

// serve runs the API on ln until ctx is done, then drains requests and
// stops dispatch within the configured shutdown timeout.
func serve(ctx context.Context, cmd *cobra.Command, app *App, ln net.Listener, migrate bool) (err error) {
	out := cmd.OutOrStdout()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), app.Config.HTTP.ShutdownTimeout)
		defer cancel()
		err = errors.Join(err, app.Close(shutdownCtx))
	}()

	if migrate {
		if err := app.Migrate(ctx); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	if err := app.Service.Start(ctx); err != nil {
		return err
	}

	opts := []api.Option{
		api.WithLogger(app.Logger),
		api.WithHealthCheck(app.Health),
	}
	if app.Metrics != nil {
		opts = append(opts, api.WithMetricsHandler(app.Metrics.Handler(app.Registry)))
	}

	srv := &http.Server{
		Handler:           api.NewHandler(app.Service, opts...).ServeMux(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ln)
	}()

	fmt.Fprintln(out, styles.FormatSuccess(fmt.Sprintf("Listening on %s", ln.Addr())))
	app.Logger.Info("HTTP server started",
		"addr", ln.Addr().String(),
		"driver", app.Config.Database.Driver,
		"readModel", app.Config.ReadModel.Driver)

	ticker := time.NewTicker(lagInterval)
	defer ticker.Stop()

	for {
		select {
		case err := <-serveErr:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err

		case <-ticker.C:
			if err := app.RecordLag(ctx); err != nil {
				app.Logger.Warn("Failed to record subscriber lag", "error", err)
			}

		case <-ctx.Done():
			fmt.Fprintln(out, styles.FormatInfo("Shutting down..."))
			shutdownCtx, cancel := context.WithTimeout(context.Background(), app.Config.HTTP.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("http shutdown: %w", err)
			}
			return nil
		}
	}
}

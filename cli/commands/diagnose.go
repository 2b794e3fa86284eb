package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/matsushun1/inventory"
	"github.com/matsushun1/inventory/adapters"
	"github.com/matsushun1/inventory/cli/config"
	"github.com/matsushun1/inventory/cli/styles"
	"github.com/matsushun1/inventory/cli/ui"
)

// diagnoseTimeout bounds each backend check.
const diagnoseTimeout = 5 * time.Second

// NewDiagnoseCommand creates the diagnose command
func NewDiagnoseCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "diagnose",
		Short: "Run diagnostic checks",
		Long: `Run diagnostic checks on your inventory setup.

This command verifies:
  • Configuration file validity
  • Event store connectivity
  • Read model and idempotency store connectivity
  • Subscriber lag
  • System requirements`,
		Aliases: []string{"diag", "doctor"},
		RunE:    runDiagnose,
	}

	return cmd
}

// diagnosticEnv is shared by every check of one run.
type diagnosticEnv struct {
	cfg    *config.Config
	cfgErr error
	file   string
	app    *App
	appErr error
}

func runDiagnose(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	ctx := commandContext(cmd)

	fmt.Fprintln(out)
	fmt.Fprintln(out, ui.Banner())
	fmt.Fprintln(out)
	fmt.Fprintln(out, styles.Title.Render(styles.IconHealth+" Running Diagnostics"))
	fmt.Fprintln(out)

	env := &diagnosticEnv{}
	if f := cmd.Flag("config"); f != nil {
		env.file = f.Value.String()
	}
	env.cfg, env.cfgErr = loadConfig(cmd)
	if env.cfgErr == nil && len(env.cfg.Validate()) == 0 {
		openCtx, cancel := context.WithTimeout(ctx, diagnoseTimeout)
		env.app, env.appErr = NewApp(openCtx, env.cfg, io.Discard)
		cancel()
	}
	defer func() {
		if env.app != nil {
			_ = env.app.Close(context.Background())
		}
	}()

	checks := []DiagnosticCheck{
		{Name: "Go Version", Check: checkGoVersion},
		{Name: "Configuration", Check: checkConfiguration},
		{Name: "Event Store", Check: checkEventStore},
		{Name: "Read Model", Check: checkReadModel},
		{Name: "Idempotency Store", Check: checkIdempotency},
		{Name: "Subscribers", Check: checkSubscribers},
		{Name: "Publishers", Check: checkPublishers},
		{Name: "System Resources", Check: checkSystemResources},
	}

	results := make([]CheckResult, 0, len(checks))
	allPassed := true

	for _, check := range checks {
		fmt.Fprintf(out, "  %s Checking %s... ", styles.IconPending, check.Name)

		checkCtx, cancel := context.WithTimeout(ctx, diagnoseTimeout)
		result := check.Check(checkCtx, env)
		cancel()
		results = append(results, result)

		switch result.Status {
		case StatusOK:
			fmt.Fprintln(out, styles.SuccessStyle.Render("OK"))
		case StatusWarning:
			fmt.Fprintln(out, styles.WarningStyle.Render("WARNING"))
			allPassed = false
		default:
			fmt.Fprintln(out, styles.ErrorStyle.Render("FAILED"))
			allPassed = false
		}

		if result.Message != "" {
			fmt.Fprintf(out, "    %s\n", styles.Muted.Render(result.Message))
		}
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, ui.Divider(50))
	fmt.Fprintln(out)

	if allPassed {
		fmt.Fprintln(out, styles.FormatSuccess("All checks passed! Your inventory setup is healthy."))
		return nil
	}

	fmt.Fprintln(out, styles.FormatWarning("Some checks failed or have warnings."))
	fmt.Fprintln(out)
	fmt.Fprintln(out, styles.Subtitle.Render("Recommendations:"))
	for _, r := range results {
		if r.Recommendation != "" {
			fmt.Fprintf(out, "  %s %s\n", styles.IconArrow, r.Recommendation)
		}
	}
	return nil
}

// CheckStatus represents the status of a diagnostic check
type CheckStatus int

const (
	StatusOK CheckStatus = iota
	StatusWarning
	StatusError
)

// CheckResult represents the result of a diagnostic check
type CheckResult struct {
	Name           string
	Status         CheckStatus
	Message        string
	Recommendation string
}

func newCheckResult(name string, status CheckStatus, message string) CheckResult {
	return CheckResult{Name: name, Status: status, Message: message}
}

func (r CheckResult) withRecommendation(rec string) CheckResult {
	r.Recommendation = rec
	return r
}

// DiagnosticCheck represents a diagnostic check function
type DiagnosticCheck struct {
	Name  string
	Check func(ctx context.Context, env *diagnosticEnv) CheckResult
}

func checkGoVersion(context.Context, *diagnosticEnv) CheckResult {
	version := runtime.Version()
	if version < "go1.22" {
		return newCheckResult("Go Version", StatusWarning, version).
			withRecommendation("Upgrade to Go 1.22 or later")
	}
	return newCheckResult("Go Version", StatusOK, version)
}

func checkConfiguration(_ context.Context, env *diagnosticEnv) CheckResult {
	const name = "Configuration"
	if env.cfgErr != nil {
		return newCheckResult(name, StatusError, fmt.Sprintf("Invalid config: %v", env.cfgErr)).
			withRecommendation("Check inventory.yaml syntax")
	}
	if problems := env.cfg.Validate(); len(problems) > 0 {
		return newCheckResult(name, StatusError, fmt.Sprintf("%d validation errors", len(problems))).
			withRecommendation(problems[0])
	}

	message := fmt.Sprintf("Project: %s, Driver: %s, Read model: %s",
		env.cfg.Project.Name, env.cfg.Database.Driver, env.cfg.ReadModel.Driver)
	if env.file == "" {
		cwd, _ := os.Getwd()
		if _, _, err := config.FindConfig(cwd); err != nil {
			return newCheckResult(name, StatusWarning, "No inventory.yaml found, using defaults").
				withRecommendation("Run 'inventory init' to create a configuration file")
		}
	}
	return newCheckResult(name, StatusOK, message)
}

// appUnavailable reports why a backend check cannot run, or ok.
func appUnavailable(name string, env *diagnosticEnv) (CheckResult, bool) {
	switch {
	case env.cfgErr != nil || env.cfg == nil:
		return newCheckResult(name, StatusWarning, "Skipped (no valid configuration)"), true
	case env.appErr != nil:
		return newCheckResult(name, StatusError, env.appErr.Error()).
			withRecommendation("Verify backend URLs and credentials"), true
	case env.app == nil:
		return newCheckResult(name, StatusWarning, "Skipped (invalid configuration)"), true
	}
	return CheckResult{}, false
}

func checkEventStore(ctx context.Context, env *diagnosticEnv) CheckResult {
	const name = "Event Store"
	if r, skip := appUnavailable(name, env); skip {
		return r
	}
	app := env.app

	if err := app.Service.Store.Ping(ctx); err != nil {
		return newCheckResult(name, StatusError, err.Error()).withRecommendation("Check database server status")
	}
	head, err := app.Service.Store.GetLastPosition(ctx)
	if err != nil {
		return newCheckResult(name, StatusError, err.Error()).
			withRecommendation("Run 'inventory migrate up' to create tables")
	}

	message := fmt.Sprintf("%s driver, %d events", app.Config.Database.Driver, head)
	if m, ok := app.base.(adapters.Migrator); ok {
		version, err := m.MigrationVersion(ctx)
		if err != nil || version == 0 {
			return newCheckResult(name, StatusWarning, "Schema not migrated").
				withRecommendation("Run 'inventory migrate up' to create tables")
		}
		message += fmt.Sprintf(", schema v%d", version)
	}
	return newCheckResult(name, StatusOK, message)
}

func checkReadModel(ctx context.Context, env *diagnosticEnv) CheckResult {
	const name = "Read Model"
	if r, skip := appUnavailable(name, env); skip {
		return r
	}
	driver := env.app.Config.ReadModel.Driver

	if hc, ok := env.app.products.(adapters.HealthChecker); ok {
		if err := hc.Ping(ctx); err != nil {
			return newCheckResult(name, StatusError, err.Error()).
				withRecommendation(fmt.Sprintf("Check the %s read model at readmodel.url", driver))
		}
	}
	if driver == "memory" && env.app.Config.Database.Driver != "memory" {
		return newCheckResult(name, StatusWarning, "memory read model is rebuilt from the log on every start").
			withRecommendation("Use a postgres, redis or mysql read model for large logs")
	}
	return newCheckResult(name, StatusOK, fmt.Sprintf("%s driver", driver))
}

func checkIdempotency(ctx context.Context, env *diagnosticEnv) CheckResult {
	const name = "Idempotency Store"
	if r, skip := appUnavailable(name, env); skip {
		return r
	}
	if env.app.idempotency == nil {
		return newCheckResult(name, StatusWarning, "Disabled; retried commands may apply twice").
			withRecommendation("Set idempotency.driver to enable duplicate detection")
	}

	if hc, ok := env.app.idempotency.(adapters.HealthChecker); ok {
		if err := hc.Ping(ctx); err != nil {
			return newCheckResult(name, StatusError, err.Error())
		}
	} else if _, err := env.app.idempotency.Get(ctx, "diagnose"); err != nil {
		return newCheckResult(name, StatusError, err.Error()).
			withRecommendation("Run 'inventory migrate up' to create tables")
	}
	return newCheckResult(name, StatusOK, fmt.Sprintf("%s driver, ttl %s",
		env.app.Config.Idempotency.Driver, env.app.Config.Idempotency.TTL))
}

func checkSubscribers(ctx context.Context, env *diagnosticEnv) CheckResult {
	const name = "Subscribers"
	if r, skip := appUnavailable(name, env); skip {
		return r
	}
	svc := env.app.Service

	if err := svc.Start(ctx); err != nil {
		return newCheckResult(name, StatusError, err.Error())
	}
	head, err := svc.Store.GetLastPosition(ctx)
	if err != nil {
		return newCheckResult(name, StatusError, err.Error())
	}
	if err := svc.WaitForProjection(ctx); err != nil {
		return newCheckResult(name, StatusWarning, "Subscribers did not catch up within the timeout").
			withRecommendation("Run 'inventory projection status'")
	}

	var behind, faulted []string
	for _, s := range svc.Dispatcher.Statuses() {
		switch {
		case s.State == inventory.SubscriberFaulted:
			faulted = append(faulted, s.Name)
		case lag(head, s.Position) > 0:
			behind = append(behind, s.Name)
		}
	}
	switch {
	case len(faulted) > 0:
		return newCheckResult(name, StatusError, "Faulted: "+strings.Join(faulted, ", ")).
			withRecommendation("Run 'inventory projection status' for the last error")
	case len(behind) > 0:
		return newCheckResult(name, StatusWarning, "Behind: "+strings.Join(behind, ", "))
	}
	return newCheckResult(name, StatusOK, fmt.Sprintf("%d subscriber(s) at position %d", len(svc.Dispatcher.Statuses()), head))
}

func checkPublishers(_ context.Context, env *diagnosticEnv) CheckResult {
	const name = "Publishers"
	if r, skip := appUnavailable(name, env); skip {
		return r
	}
	if env.app.Relay == nil {
		return newCheckResult(name, StatusOK, "None configured")
	}
	var names []string
	for _, p := range env.app.Relay.Publishers() {
		names = append(names, p.Name())
	}
	return newCheckResult(name, StatusOK, strings.Join(names, ", ")+" -> "+env.app.Config.Publishers.Topic)
}

func checkSystemResources(context.Context, *diagnosticEnv) CheckResult {
	const name = "System Resources"
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	allocMB := float64(m.Alloc) / 1024 / 1024
	sysMB := float64(m.Sys) / 1024 / 1024
	message := fmt.Sprintf("Memory: %.1f MB used, %.1f MB total, %d CPUs", allocMB, sysMB, runtime.NumCPU())

	if allocMB > 500 {
		return newCheckResult(name, StatusWarning, message).withRecommendation("Consider optimizing memory usage")
	}
	return newCheckResult(name, StatusOK, message)
}

// NewVersionCommand creates the version command
func NewVersionCommand(version, commit, date string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintln(out)
			fmt.Fprintln(out, ui.SimpleBanner())
			fmt.Fprintln(out)

			table := ui.NewTable("", "")
			table.AddRow("Version", version)
			table.AddRow("Commit", commit)
			table.AddRow("Built", date)
			table.AddRow("Go", runtime.Version())
			table.AddRow("OS/Arch", fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH))

			fmt.Fprintln(out, table.Render())

			return nil
		},
	}
}

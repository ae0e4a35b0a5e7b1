package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/strata-db/strata/pkg/config"
	"github.com/strata-db/strata/pkg/telemetry"

	// Register the engine drivers.
	_ "github.com/strata-db/strata/pkg/drivers/remote"
	_ "github.com/strata-db/strata/pkg/drivers/shell"
	_ "github.com/strata-db/strata/pkg/drivers/sqlite"
)

var (
	// Global flags
	configPath string
	targetName string
	logLevel   string

	// Loaded once in the root PersistentPreRunE and shared by every
	// command body.
	cfg *config.Config
	tel *telemetry.Telemetry
	log *telemetry.Logger
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "strata",
		Short: "Strata - database schema change management",
		Long: `Strata manages database schema changes as a hash-chained plan of
deployable, revertable, verifiable steps.

Changes are planned in a ledger file, deployed to targets through
engine drivers (sqlite, shell, remote), and tracked per target in a
registry database. Every change carries deploy, revert, and verify
scripts; dependencies between changes are declared in the plan and
validated before anything touches the target.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setup(version)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			teardown(cmd.Context())
		},
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (default ./strata.yaml)")
	rootCmd.PersistentFlags().StringVarP(&targetName, "target", "t", "", "deployment target name")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (trace, debug, info, warn, error)")

	// Add subcommands
	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newAddCommand())
	rootCmd.AddCommand(newTagCommand())
	rootCmd.AddCommand(newDeployCommand())
	rootCmd.AddCommand(newRevertCommand())
	rootCmd.AddCommand(newVerifyCommand())
	rootCmd.AddCommand(newCheckoutCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newLogCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newCheckCommand())

	return rootCmd
}

// setup loads the layered configuration and builds the telemetry stack
// every command shares.
func setup(version string) error {
	loaded, err := config.Load(configPath)
	if err != nil {
		return err
	}
	cfg = loaded

	tcfg := telemetry.DefaultConfig()
	tcfg.ServiceVersion = version
	tcfg.Logging.Level = cfg.Log.Level
	tcfg.Logging.Format = cfg.Log.Format
	if logLevel != "" {
		tcfg.Logging.Level = logLevel
	}
	tcfg.Tracing.Enabled = cfg.Telemetry.Tracing
	if cfg.Telemetry.OTLPEndpoint != "" {
		tcfg.Tracing.Exporter = "otlp"
		tcfg.Tracing.Endpoint = cfg.Telemetry.OTLPEndpoint
	}
	tcfg.Metrics.PushGateway = cfg.Telemetry.PushGateway

	t, err := telemetry.NewTelemetry(tcfg)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	tel = t
	log = t.Logger
	return nil
}

// teardown pushes collected metrics and flushes spans. Both are
// best-effort: a dead push gateway must not fail a finished deploy.
func teardown(ctx context.Context) {
	if tel == nil {
		return
	}
	if err := tel.Metrics.Push(ctx); err != nil {
		log.WithError(err).Warn("Failed to push metrics")
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tel.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Debug("Telemetry shutdown reported an error")
	}
}

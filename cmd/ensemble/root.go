package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/ensemblekit/ensemble/pkg/orchestrator"
	"github.com/ensemblekit/ensemble/pkg/runner"
	"github.com/ensemblekit/ensemble/pkg/telemetry"
	"github.com/ensemblekit/ensemble/pkg/version"
)

var (
	stateDir     string
	verbose      bool
	metricsAddr  string
	otlpEndpoint string
	runnerBinary string
	runnerArgs   []string

	// set by setup, called from shutdown
	traceShutdown func(context.Context) error
)

var rootCmd = &cobra.Command{
	Use:   "ensemble",
	Short: "Multi-agent coordination engine",
	Long: "Ensemble coordinates clusters of AI CLI agents over a durable message ledger:\n" +
		"triggers wake agents, context is assembled from the ledger, and every record\n" +
		"survives a crash.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setup(cmd.Context())
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		teardown()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&stateDir, "state-dir", "",
		"state directory (default: $ENSEMBLE_STATE_DIR or ~/.ensemble)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "",
		"expose Prometheus metrics on this address (e.g. :9090)")
	rootCmd.PersistentFlags().StringVar(&otlpEndpoint, "otlp-endpoint", "",
		"OTLP gRPC endpoint for traces (default: $OTEL_EXPORTER_OTLP_ENDPOINT, empty disables)")
	rootCmd.PersistentFlags().StringVar(&runnerBinary, "runner", "claude",
		"AI CLI binary used to execute agent tasks")
	rootCmd.PersistentFlags().StringArrayVar(&runnerArgs, "runner-arg", nil,
		"extra argument passed to every runner invocation (repeatable)")

	rootCmd.AddCommand(startCmd())
	rootCmd.AddCommand(resumeCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(logsCmd())
	rootCmd.AddCommand(stopCmd())
	rootCmd.AddCommand(killCmd())
	rootCmd.AddCommand(purgeCmd())
	rootCmd.AddCommand(versionCmd())
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setup(ctx context.Context) error {
	if stateDir == "" {
		stateDir = resolveStateDir()
	}

	envPath := filepath.Join(stateDir, ".env")
	if err := godotenv.Load(envPath); err == nil {
		slog.Debug("Loaded environment", "path", envPath)
	}

	level := slog.LevelInfo
	if verbose || strings.EqualFold(os.Getenv("LOG_LEVEL"), "debug") {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			slog.Info("Metrics listening", "addr", metricsAddr)
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				slog.Error("Metrics listener failed", "error", err)
			}
		}()
	}

	endpoint := otlpEndpoint
	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	shutdown, err := telemetry.InitTraceProvider(ctx, endpoint, version.Full())
	if err != nil {
		return fmt.Errorf("failed to initialise tracing: %w", err)
	}
	traceShutdown = shutdown
	return nil
}

func teardown() {
	if traceShutdown == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := traceShutdown(ctx); err != nil {
		slog.Warn("Trace shutdown failed", "error", err)
	}
}

func resolveStateDir() string {
	if dir := os.Getenv("ENSEMBLE_STATE_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ensemble"
	}
	return filepath.Join(home, ".ensemble")
}

func newOrchestrator() (*orchestrator.Orchestrator, error) {
	return orchestrator.New(orchestrator.Options{
		StateDir: stateDir,
		Runner:   runner.NewSubprocessRunner(runnerBinary, runnerArgs...),
	})
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.Full())
		},
	}
}

// Package main implements the tabula CLI.
//
// tabula loads tables from CSV files or SQLite queries into a registry and
// then runs instruction sequences, sandboxed Go snippets, or the full
// question-answering pipeline against them.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"tabula/internal/config"
	"tabula/internal/logging"
	"tabula/internal/metrics"
)

var (
	verbose     bool
	configPath  string
	metricsAddr string
	traceSpans  bool

	// Table sources shared by every data command.
	tableArgs  []string
	sqlitePath string
	queryArgs  []string

	logger *zap.Logger
	cfg    *config.Config

	// Set up by PersistentPreRunE, torn down by PersistentPostRunE.
	promRegistry   *prometheus.Registry
	collectors     *metrics.Metrics
	tracerProvider *sdktrace.TracerProvider
	metricsServer  *http.Server
)

var rootCmd = &cobra.Command{
	Use:   "tabula",
	Short: "Run tabular analysis plans, sandboxed code and LLM-driven questions",
	Long: `tabula executes analysis plans over named tables.

Tables are loaded with --table NAME=file.csv or --sqlite db --query NAME="SELECT ...".
A plan is a JSON array of [output, operation, input, {params}] instructions;
"tabula ops" lists the operations.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if metricsAddr != "" {
			cfg.Metrics.Addr = metricsAddr
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}

		level := cfg.Logging.Level
		if verbose {
			level = "debug"
		}
		if err := logging.Initialize(logging.Config{
			Level:      level,
			JSONFormat: cfg.Logging.Format == "json",
			File:       cfg.Logging.File,
			Categories: cfg.Logging.Categories,
		}); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		logger = logging.Base()

		promRegistry = prometheus.NewRegistry()
		collectors = metrics.New(promRegistry)
		if cfg.Metrics.Addr != "" {
			if err := serveMetrics(cfg.Metrics.Addr); err != nil {
				return err
			}
		}
		if traceSpans {
			tracerProvider, err = newTracerProvider()
			if err != nil {
				return fmt.Errorf("failed to initialize tracing: %w", err)
			}
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		var errs []error
		if tracerProvider != nil {
			errs = append(errs, tracerProvider.Shutdown(ctx))
			tracerProvider = nil
		}
		if metricsServer != nil {
			errs = append(errs, metricsServer.Shutdown(ctx))
			metricsServer = nil
		}
		if logger != nil {
			_ = logger.Sync()
		}
		return errors.Join(errs...)
	},
}

// serveMetrics binds addr synchronously so a bad address fails the command.
func serveMetrics(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(promRegistry))
	metricsServer = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	srv := metricsServer
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	logger.Info("serving metrics", zap.String("addr", ln.Addr().String()))
	return nil
}

// newTracerProvider prints finished spans to stderr.
func newTracerProvider() (*sdktrace.TracerProvider, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(os.Stderr), stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}
	res := resource.NewWithAttributes("", attribute.String("service.name", "tabula"))
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	), nil
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Config file")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while the command runs")
	rootCmd.PersistentFlags().BoolVar(&traceSpans, "trace", false, "Print OpenTelemetry spans to stderr")

	for _, c := range []*cobra.Command{describeCmd, runCmd, codeCmd, askCmd, batchCmd} {
		addTableFlags(c)
	}
	runCmd.Flags().StringVarP(&planPath, "plan", "p", "", "Instruction array file (- for stdin)")
	runCmd.Flags().StringVar(&exportSQLite, "export-sqlite", "", "Write every produced table to this SQLite database")
	runCmd.Flags().StringVar(&exportCSV, "csv", "", "Write the final table to this CSV file")
	_ = runCmd.MarkFlagRequired("plan")
	codeCmd.Flags().StringVarP(&codePath, "file", "f", "", "Go snippet file (- for stdin)")
	_ = codeCmd.MarkFlagRequired("file")
	askCmd.Flags().BoolVar(&showPlan, "show-plan", false, "Print the plan and instruction array before the summary")

	rootCmd.AddCommand(opsCmd, describeCmd, runCmd, codeCmd, askCmd, batchCmd)
}

func addTableFlags(c *cobra.Command) {
	c.Flags().StringArrayVarP(&tableArgs, "table", "t", nil, "Load a CSV file as NAME=path (repeatable)")
	c.Flags().StringVar(&sqlitePath, "sqlite", "", "SQLite database for --query")
	c.Flags().StringArrayVarP(&queryArgs, "query", "q", nil, "Load a SQLite query result as NAME=\"SELECT ...\" (repeatable)")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

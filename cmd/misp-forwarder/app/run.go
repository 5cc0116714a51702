package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/stacklok/misp-secops-forwarder/internal/api"
	"github.com/stacklok/misp-secops-forwarder/internal/config"
	"github.com/stacklok/misp-secops-forwarder/internal/status"
	"github.com/stacklok/misp-secops-forwarder/internal/supervisor"
	"github.com/stacklok/misp-secops-forwarder/internal/sync/coordinator"
	"github.com/stacklok/misp-secops-forwarder/internal/telemetry"
	"github.com/stacklok/misp-secops-forwarder/internal/versions"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the forwarder",
	Long: `Run the synchronization loop until interrupted.

The configuration file is watched for changes. A valid change restarts the loop
with the new settings; an invalid change is rejected and reported on /status
while the running loop continues with the previous settings.

Flags that override configuration keys are re-applied on every reload.`,
	RunE: runForwarder,
}

const (
	defaultGracefulTimeout = 30 * time.Second
	serverRequestTimeout   = 10 * time.Second
	serverReadTimeout      = 10 * time.Second
	serverWriteTimeout     = 15 * time.Second
	serverIdleTimeout      = 60 * time.Second
	watchDebounce          = 500 * time.Millisecond
)

// overrideFlags maps run flags to the configuration keys they override
var overrideFlags = map[string]string{
	"fetch-interval":          config.KeyFetchInterval,
	"fetch-page-size":         config.KeyFetchPageSize,
	"forwarder-batch-size":    config.KeyForwarderBatchSize,
	"test-mode":               config.KeyTestMode,
	"max-test-events":         config.KeyMaxTestEvents,
	"historical-polling-days": config.KeyHistoricalPollingDays,
}

func init() {
	runCmd.Flags().String("address", ":9090", "Address of the status server, empty to disable it")
	runCmd.Flags().String("metrics-exporter", string(telemetry.ExporterPrometheus), "Metrics exporter (prometheus, otlp, none)")
	runCmd.Flags().String("otlp-endpoint", telemetry.DefaultEndpoint, "OTLP collector endpoint (host:port)")
	runCmd.Flags().Bool("otlp-insecure", false, "Use plain HTTP for the OTLP collector")
	runCmd.Flags().Bool("tracing", false, "Export cycle traces to the OTLP collector")
	runCmd.Flags().Float64("tracing-sampling", telemetry.DefaultSamplingRatio, "Fraction of cycles traced (0-1)")

	runCmd.Flags().Int("fetch-interval", 0, "Override fetch_interval (seconds)")
	runCmd.Flags().Int("fetch-page-size", 0, "Override fetch_page_size")
	runCmd.Flags().Int("forwarder-batch-size", 0, "Override forwarder_batch_size")
	runCmd.Flags().Bool("test-mode", false, "Override test_mode")
	runCmd.Flags().Int("max-test-events", 0, "Override max_test_events")
	runCmd.Flags().String("historical-polling-days", "", "Override historical_polling_days (days or YYYY-MM-DD)")

	for _, name := range []string{
		"address", "metrics-exporter", "otlp-endpoint", "otlp-insecure", "tracing", "tracing-sampling",
	} {
		if err := viper.BindPFlag(name, runCmd.Flags().Lookup(name)); err != nil {
			slog.Error("Error binding flag", "flag", name, "error", err)
		}
	}
}

// overridesFromFlags collects the override flags the user actually set
func overridesFromFlags(flags *pflag.FlagSet) (map[string]any, error) {
	overrides := map[string]any{}
	for name, key := range overrideFlags {
		f := flags.Lookup(name)
		if f == nil || !f.Changed {
			continue
		}
		var (
			value any
			err   error
		)
		switch f.Value.Type() {
		case "int":
			value, err = flags.GetInt(name)
		case "bool":
			value, err = flags.GetBool(name)
		default:
			value, err = flags.GetString(name)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get %s flag: %w", name, err)
		}
		overrides[key] = value
	}
	return overrides, nil
}

func telemetryConfig() (*telemetry.Config, error) {
	exporter, err := telemetry.ParseExporter(viper.GetString("metrics-exporter"))
	if err != nil {
		return nil, err
	}
	cfg := &telemetry.Config{
		Exporter:       exporter,
		ServiceVersion: versions.GetVersionInfo().Version,
		Endpoint:       viper.GetString("otlp-endpoint"),
		Insecure:       viper.GetBool("otlp-insecure"),
		Tracing:        viper.GetBool("tracing"),
		SamplingRatio:  viper.GetFloat64("tracing-sampling"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runForwarder(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	configPath := viper.GetString("config")
	overrides, err := overridesFromFlags(cmd.Flags())
	if err != nil {
		return err
	}
	manager, err := config.NewManager(configPath, config.WithOverrides(overrides))
	if err != nil {
		return err
	}
	slog.Info("Loaded configuration", "path", configPath, "overrides", len(overrides))

	store, closeStore, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	telCfg, err := telemetryConfig()
	if err != nil {
		return fmt.Errorf("invalid telemetry configuration: %w", err)
	}
	tel, err := telemetry.New(ctx, telCfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			slog.Error("Failed to shut down telemetry", "error", err)
		}
	}()
	metrics, err := telemetry.NewForwarderMetrics(tel.MeterProvider())
	if err != nil {
		return err
	}

	tracker := status.NewTracker()
	factory := &supervisor.LoopFactory{
		Store:   store,
		Metrics: metrics,
		Tracer:  tel.Tracer(),
		Tracker: tracker,
	}
	watcher := config.NewWatcher(manager.Path(), watchDebounce)
	sup := supervisor.New(manager, watcher.Changes(), factory.Build, store,
		supervisor.WithLevelVar(levelVar),
		supervisor.WithTracker(tracker),
		supervisor.WithMetrics(metrics),
	)

	address := viper.GetString("address")
	var router http.Handler
	if address != "" {
		httpMetrics, err := telemetry.NewHTTPMetrics(tel.MeterProvider())
		if err != nil {
			return err
		}
		router = api.NewServer(tracker, store,
			api.WithMetricsHandler(tel.Handler()),
			api.WithMiddlewares(
				middleware.RequestID,
				middleware.RealIP,
				middleware.Recoverer,
				middleware.Timeout(serverRequestTimeout),
				httpMetrics.Middleware,
				api.LoggingMiddleware,
			),
		)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return watcher.Run(gctx)
	})
	g.Go(func() error {
		return sup.Run(gctx)
	})
	if router != nil {
		g.Go(func() error {
			return serveStatus(gctx, address, router)
		})
	}

	err = g.Wait()
	if errors.Is(err, coordinator.ErrTestLimitReached) {
		slog.Info("Test mode event limit reached, exiting")
		return nil
	}
	if err != nil {
		return err
	}
	slog.Info("Forwarder stopped")
	return nil
}

// serveStatus runs the status server until ctx is cancelled
func serveStatus(ctx context.Context, address string, handler http.Handler) error {
	server := &http.Server{
		Addr:         address,
		Handler:      handler,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
		IdleTimeout:  serverIdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Status server listening", "address", address)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("status server failed: %w", err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("status server forced to shut down: %w", err)
	}
	return nil
}

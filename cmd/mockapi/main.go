// Command mockapi serves an in-memory experiments API for local development of
// the dashboard and for exercising dashctl.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gaborage/go-bricks-datalayer/config"
	"github.com/gaborage/go-bricks-datalayer/internal/testapi"
	"github.com/gaborage/go-bricks-datalayer/logger"
	"github.com/gaborage/go-bricks-datalayer/observability"
)

var version = "dev" // Will be set during build

const shutdownTimeout = 10 * time.Second

type options struct {
	Addr     string
	Prefix   string
	Token    string
	Origins  []string
	Seed     bool
	LogLevel string
	Pretty   bool

	Telemetry    string
	OTLPEndpoint string
}

func main() {
	opts := &options{}
	rootCmd := &cobra.Command{
		Use:   "mockapi",
		Short: "Serve an in-memory experiments API",
		Long: `mockapi serves the experiments and dashboard endpoints from memory.
State is lost on exit.`,
		Version:      version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts)
		},
	}
	f := rootCmd.Flags()
	f.StringVar(&opts.Addr, "addr", ":8080", "listen address")
	f.StringVar(&opts.Prefix, "prefix", "/api", "path prefix of every route")
	f.StringVar(&opts.Token, "token", "", "require this bearer token on every route but the health probe")
	f.StringSliceVar(&opts.Origins, "cors-origin", nil, "allowed browser origins (default *)")
	f.BoolVar(&opts.Seed, "seed", true, "start with sample experiments")
	f.StringVar(&opts.LogLevel, "log-level", "info", "log level")
	f.BoolVar(&opts.Pretty, "pretty", false, "human readable logs")
	f.StringVar(&opts.Telemetry, "telemetry", config.ExporterNone, "span and metric exporter: none, stdout or otlp")
	f.StringVar(&opts.OTLPEndpoint, "otlp-endpoint", "localhost:4318", "OTLP/HTTP collector host:port")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts *options) error {
	log := logger.New(opts.LogLevel, opts.Pretty)

	tel, err := observability.NewProvider(config.TelemetryConfig{
		Exporter:         opts.Telemetry,
		Protocol:         config.ProtocolHTTP,
		Endpoint:         opts.OTLPEndpoint,
		Insecure:         true,
		SampleRate:       1,
		MetricIntervalMS: 60000,
	}, observability.Service{Name: "mockapi", Version: version, Environment: config.EnvDevelopment},
		observability.WithLogger(log))
	if err != nil {
		return err
	}
	defer func() {
		if err := observability.Shutdown(tel, shutdownTimeout); err != nil {
			log.Warn().Err(err).Msg("telemetry flush failed")
		}
	}()

	api := testapi.New(
		testapi.WithPrefix(opts.Prefix),
		testapi.WithToken(opts.Token),
		testapi.WithLogger(log),
		testapi.WithCORSOrigins(opts.Origins...),
		testapi.WithTracing("mockapi"),
	)
	if opts.Seed {
		api.Seed(sampleExperiments(time.Now())...)
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("address", opts.Addr).Str("prefix", opts.Prefix).Msg("Starting mock API...")
		errCh <- api.Start(opts.Addr)
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down mock API...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := api.Echo().Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down: %w", err)
	}
	return nil
}

func sampleExperiments(now time.Time) []testapi.Experiment {
	day := 24 * time.Hour
	return []testapi.Experiment{
		{Name: "Checkout button color", Type: "ab_test", Status: "running", Description: "Green vs. blue primary action", CreatedAt: now.Add(-6 * day)},
		{Name: "New onboarding flow", Type: "feature_flag", Status: "completed", CreatedAt: now.Add(-5 * day)},
		{Name: "Pricing page layout", Type: "multivariate", Status: "draft", CreatedAt: now.Add(-3 * day)},
		{Name: "Search ranking v2", Type: "ab_test", Status: "paused", CreatedAt: now.Add(-2 * day)},
		{Name: "Recommendation widget", Type: "ab_test", Status: "failed", Description: "Rolled back after latency regression", CreatedAt: now.Add(-day)},
		{Name: "Dark mode default", Type: "feature_flag", Status: "running", CreatedAt: now},
	}
}

// Package commands implements the dashctl command line over the data layer.
package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/gaborage/go-bricks-datalayer/auth"
	"github.com/gaborage/go-bricks-datalayer/config"
	"github.com/gaborage/go-bricks-datalayer/datalayer"
	"github.com/gaborage/go-bricks-datalayer/logger"
	"github.com/gaborage/go-bricks-datalayer/observability"
)

const telemetryFlushTimeout = 5 * time.Second

// GlobalOptions are the persistent flags shared by every command.
type GlobalOptions struct {
	ConfigPath string
	BaseURL    string
	User       string
	PrefsDir   string
	Timeout    time.Duration
	JSON       bool
	Telemetry  string

	version string
}

// NewRootCommand builds the dashctl command tree.
func NewRootCommand(version string) *cobra.Command {
	opts := &GlobalOptions{version: version}

	root := &cobra.Command{
		Use:   "dashctl",
		Short: "Inspect and edit experiments through the dashboard data layer",
		Long: `dashctl drives the same data layer the dashboard uses: cached reads,
optimistic writes, offline queueing and persisted preferences.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.ConfigPath, "config", "c", config.DefaultFile, "YAML config file (missing file is ignored)")
	flags.StringVar(&opts.BaseURL, "base-url", "", "API base URL (overrides API_BASE_URL)")
	flags.StringVarP(&opts.User, "user", "u", "cli", "principal id to sign in as; empty stays signed out")
	flags.StringVar(&opts.PrefsDir, "prefs-dir", "", "persist preferences as files in this directory")
	flags.DurationVar(&opts.Timeout, "timeout", 30*time.Second, "overall command timeout")
	flags.BoolVar(&opts.JSON, "json", false, "print JSON instead of tables")
	flags.StringVar(&opts.Telemetry, "telemetry", "", "span and metric exporter: none, stdout or otlp (overrides telemetry.exporter)")

	root.AddCommand(
		newExperimentsCommand(opts),
		newDashboardCommand(opts),
		newPrefsCommand(opts),
		newCacheCommand(opts),
		NewVersionCommand(version),
	)
	return root
}

// session is an open data layer bound to one command run.
type session struct {
	layer     *datalayer.DataLayer
	telemetry observability.Provider
	ctx       context.Context
	cancel    context.CancelFunc
}

func (s *session) Close() {
	s.cancel()
	_ = s.layer.Close()
	_ = observability.Shutdown(s.telemetry, telemetryFlushTimeout)
}

func openSession(cmd *cobra.Command, opts *GlobalOptions) (*session, error) {
	cfg, err := config.LoadFile(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	if opts.BaseURL != "" {
		cfg.API.BaseURL = opts.BaseURL
	}
	if opts.PrefsDir != "" {
		cfg.Preferences.Backend = config.PreferencesFile
		cfg.Preferences.Dir = opts.PrefsDir
	}
	// one-shot commands never need background syncing
	cfg.Sync.IntervalMS = 0
	cfg.Sync.ProbeIntervalMS = 0

	if opts.Telemetry != "" {
		cfg.Telemetry.Exporter = opts.Telemetry
	}

	log := logger.NewWithWriter(cfg.Log.Level, cmd.ErrOrStderr())
	tel, err := observability.NewProvider(cfg.Telemetry, observability.Service{
		Name:        "dashctl",
		Version:     opts.version,
		Environment: cfg.App.Env,
	}, observability.WithWriter(cmd.ErrOrStderr()), observability.WithLogger(log))
	if err != nil {
		return nil, err
	}
	layer, err := datalayer.New(cfg, log, nil)
	if err != nil {
		_ = observability.Shutdown(tel, telemetryFlushTimeout)
		return nil, fmt.Errorf("failed to build data layer: %w", err)
	}
	if opts.User != "" {
		layer.SignIn(auth.Principal{ID: opts.User})
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
	return &session{layer: layer, telemetry: tel, ctx: ctx, cancel: cancel}, nil
}

// Package datalayer wires every data layer component into one explicitly
// constructed object. Each collaborator can be replaced through Options.
package datalayer

import (
	"context"
	"fmt"
	nethttp "net/http"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/gaborage/go-bricks-datalayer/auth"
	"github.com/gaborage/go-bricks-datalayer/cache"
	"github.com/gaborage/go-bricks-datalayer/config"
	"github.com/gaborage/go-bricks-datalayer/conflict"
	"github.com/gaborage/go-bricks-datalayer/connectivity"
	"github.com/gaborage/go-bricks-datalayer/experiments"
	"github.com/gaborage/go-bricks-datalayer/fetch"
	"github.com/gaborage/go-bricks-datalayer/http"
	"github.com/gaborage/go-bricks-datalayer/logger"
	"github.com/gaborage/go-bricks-datalayer/pending"
	"github.com/gaborage/go-bricks-datalayer/preferences"
	"github.com/gaborage/go-bricks-datalayer/syncengine"
)

// PrincipalTag is the cache tag carried by every entry read for principal id.
func PrincipalTag(id string) string {
	return "principal:" + id
}

// Options contains optional collaborators. Nil fields are built from the config.
type Options struct {
	PreferencesBackend preferences.Backend
	TokenProvider      auth.TokenProvider
	Client             http.Client
	// Online seeds connectivity; nil means online.
	Online *bool
	// Now replaces the clock used for preference metadata.
	Now func() time.Time
}

type closer struct {
	name string
	fn   func() error
}

// DataLayer owns every component for the lifetime of the application.
type DataLayer struct {
	cfg *config.Config
	log logger.Logger

	prefs       *preferences.Store
	cache       *cache.Cache
	client      http.Client
	auth        *auth.Bridge
	conn        *connectivity.Monitor
	queue       *pending.Queue
	coordinator *fetch.Coordinator
	sync        *syncengine.Engine
	experiments *experiments.Service

	stopProbe context.CancelFunc
	closers   []closer
}

// New builds the data layer. Nothing runs in the background until Start.
func New(cfg *config.Config, log logger.Logger, opts *Options) (*DataLayer, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration required")
	}
	if opts == nil {
		opts = &Options{}
	}
	log = logger.OrNop(log)
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	d := &DataLayer{cfg: cfg, log: log.Component("datalayer")}

	backend := opts.PreferencesBackend
	if backend == nil {
		b, err := newPreferencesBackend(cfg.Preferences, log)
		if err != nil {
			return nil, err
		}
		backend = b
	}
	d.prefs = preferences.New(backend, cfg.App.Name,
		preferences.WithMaxBytes(cfg.Preferences.MaxBytes),
		preferences.WithLogger(log),
	)
	d.registerCloser("preferences", d.prefs.Close)
	if d.prefs.EnsureVersion(cfg.Preferences.Version, now()) {
		d.log.Info().Str("version", cfg.Preferences.Version).Msg("preferences cleared after version change")
	}

	online := true
	if opts.Online != nil {
		online = *opts.Online
	}
	d.conn = connectivity.New(online, log)

	provider := opts.TokenProvider
	if provider == nil {
		provider = defaultTokenProvider(cfg.Auth)
	}
	d.auth = auth.New(provider, log)
	d.registerCloser("auth", func() error { d.auth.Close(); return nil })

	d.client = opts.Client
	if d.client == nil {
		d.client = newClient(cfg, d.auth, d.conn, log)
	}

	d.cache = cache.New(cache.WithNamespace(cfg.App.Name), cache.WithLogger(log))
	d.registerCloser("cache", d.cache.Close)
	d.queue = pending.New(log)
	d.coordinator = fetch.New(d.cache,
		fetch.WithErrorDebounce(cfg.Sync.ErrorDebounce()),
		fetch.WithLogger(log),
	)
	d.registerCloser("fetch", func() error { d.coordinator.Close(); return nil })

	policy, err := conflict.ParsePolicy(cfg.Conflict.Policy)
	if err != nil {
		_ = d.Close()
		return nil, err
	}
	svc, err := experiments.New(experiments.Config{
		Endpoints:      cfg.API.Endpoints,
		Client:         d.client,
		Coordinator:    d.coordinator,
		Preferences:    d.prefs,
		Connectivity:   d.conn,
		Queue:          d.queue,
		Session:        d.auth,
		Tags:           d.tags,
		TTL:            cfg.Cache.DefaultTTL(),
		RollbackDelay:  cfg.Optimistic.RollbackDelay(),
		ConflictPolicy: policy,
		ConflictTick:   cfg.Conflict.Tick(),
		Logger:         log,
	})
	if err != nil {
		_ = d.Close()
		return nil, err
	}
	d.experiments = svc
	d.registerCloser("experiments", func() error { svc.Close(); return nil })

	d.sync = syncengine.New(syncengine.Config{
		Interval:     cfg.Sync.Interval(),
		OnVisibility: cfg.Sync.OnVisibility,
		OnFocus:      cfg.Sync.OnFocus,
		OnReconnect:  cfg.Sync.OnReconnect,
		Throttle:     cfg.Sync.Throttle(),
	}, syncengine.Deps{
		Connectivity: d.conn,
		Queue:        d.queue,
		Session:      syncengine.SessionFunc(func() bool { return d.auth.State().SignedIn() }),
	}, log)
	d.sync.Register(svc.Refresh)
	d.registerCloser("sync", d.sync.Stop)

	return d, nil
}

// Start enables background work: the sync triggers, the cache sweep and, when
// configured, the connectivity probe.
func (d *DataLayer) Start(ctx context.Context) error {
	if err := d.sync.Start(); err != nil {
		return fmt.Errorf("failed to start sync engine: %w", err)
	}
	if iv := d.cfg.Cache.SweepInterval(); iv > 0 {
		if err := d.cache.StartSweeper(iv); err != nil {
			return fmt.Errorf("failed to start cache sweeper: %w", err)
		}
	}
	if iv := d.cfg.Sync.ProbeInterval(); iv > 0 && d.cfg.API.Endpoints.Health != "" {
		probeCtx, cancel := context.WithCancel(ctx)
		probe := connectivity.HTTPProbe(d.client, d.cfg.API.Endpoints.Health, d.cfg.Request.Timeout())
		if err := d.conn.Watch(probeCtx, probe, iv); err != nil {
			cancel()
			return err
		}
		d.stopProbe = cancel
	}
	d.log.Info().Str("app", d.cfg.App.Name).Msg("data layer started")
	return nil
}

// SignIn records p as the active principal.
func (d *DataLayer) SignIn(p auth.Principal) {
	d.auth.SignIn(p)
}

// SignOut ends the session. Running fetches are cancelled first so none can
// write back, the pending queue is discarded, cached entries of the principal
// are removed without triggering revalidation, and the experiment list drops
// its unconfirmed changes along with the data of the ended session.
func (d *DataLayer) SignOut() {
	var id string
	if u := d.auth.State().User; u != nil {
		id = u.ID
	}
	d.auth.SignOut()

	dropped := d.queue.Clear()
	removed := 0
	d.coordinator.Reset(func() {
		if id != "" {
			removed = d.cache.InvalidateByTag(PrincipalTag(id))
		}
	})
	d.experiments.Reset()

	d.log.Info().
		Int("cache_entries", removed).
		Int("pending_changes", dropped).
		Msg("session data cleared")
}

// Close stops background work and releases every component, newest first.
func (d *DataLayer) Close() error {
	if d.stopProbe != nil {
		d.stopProbe()
	}
	var result *multierror.Error
	for i := len(d.closers) - 1; i >= 0; i-- {
		c := d.closers[i]
		if err := c.fn(); err != nil {
			d.log.Error().Err(err).Str("component", c.name).Msg("failed to close component")
			result = multierror.Append(result, fmt.Errorf("%s: %w", c.name, err))
		}
	}
	d.closers = nil
	return result.ErrorOrNil()
}

// Config returns the configuration the layer was built with.
func (d *DataLayer) Config() *config.Config { return d.cfg }

// Preferences returns the preference store.
func (d *DataLayer) Preferences() *preferences.Store { return d.prefs }

// Cache returns the cache.
func (d *DataLayer) Cache() *cache.Cache { return d.cache }

// Client returns the network client.
func (d *DataLayer) Client() http.Client { return d.client }

// Auth returns the auth bridge.
func (d *DataLayer) Auth() *auth.Bridge { return d.auth }

// Connectivity returns the connectivity monitor.
func (d *DataLayer) Connectivity() *connectivity.Monitor { return d.conn }

// Queue returns the pending change queue.
func (d *DataLayer) Queue() *pending.Queue { return d.queue }

// Fetch returns the fetch coordinator.
func (d *DataLayer) Fetch() *fetch.Coordinator { return d.coordinator }

// Sync returns the sync engine.
func (d *DataLayer) Sync() *syncengine.Engine { return d.sync }

// Experiments returns the experiments service.
func (d *DataLayer) Experiments() *experiments.Service { return d.experiments }

func (d *DataLayer) registerCloser(name string, fn func() error) {
	d.closers = append(d.closers, closer{name: name, fn: fn})
}

// tags attaches the current principal to every cache entry.
func (d *DataLayer) tags() []string {
	if u := d.auth.State().User; u != nil {
		return []string{PrincipalTag(u.ID)}
	}
	return nil
}

func newPreferencesBackend(cfg config.PreferencesConfig, log logger.Logger) (preferences.Backend, error) {
	switch cfg.Backend {
	case config.PreferencesFile:
		return preferences.NewFileBackend(cfg.Dir, log)
	case config.PreferencesRedis:
		return preferences.NewRedisBackend(preferences.RedisConfig{Addr: cfg.RedisAddr}, log)
	case config.PreferencesMemory, "":
		return preferences.NewMemoryBackend(), nil
	}
	return nil, fmt.Errorf("unknown preferences backend %q", cfg.Backend)
}

func newClient(cfg *config.Config, bridge *auth.Bridge, conn http.Connectivity, log logger.Logger) http.Client {
	policy := http.DefaultRetryPolicy()
	policy.MaxAttempts = cfg.Retry.MaxAttempts
	policy.BaseDelay = cfg.Retry.BaseDelay()
	policy.MaxDelay = cfg.Retry.MaxDelay()
	policy.BackoffFactor = cfg.Retry.BackoffFactor

	b := http.NewBuilder(log).
		WithBaseURL(cfg.API.BaseURL).
		WithTimeout(cfg.Request.Timeout()).
		WithRetryPolicy(policy).
		WithRequestInterceptor(sessionInterceptor(bridge)).
		WithConnectivity(conn)
	if cfg.Auth.AnonKey != "" {
		b = b.WithDefaultHeader("apikey", cfg.Auth.AnonKey)
	}
	return b.Build()
}

// sessionInterceptor adds the bearer token of the signed-in principal. Requests
// made while signed out go without one; mutations check the session themselves.
func sessionInterceptor(bridge *auth.Bridge) http.RequestInterceptor {
	bearer := http.BearerTokenInterceptor(bridge)
	return func(ctx context.Context, req *nethttp.Request) error {
		if !bridge.State().SignedIn() {
			return nil
		}
		return bearer(ctx, req)
	}
}

// defaultTokenProvider uses the anon key as a static token, or a per-principal
// local token when none is configured.
func defaultTokenProvider(cfg config.AuthConfig) auth.TokenProvider {
	if cfg.AnonKey != "" {
		return auth.StaticTokenProvider(cfg.AnonKey)
	}
	return auth.TokenProviderFunc(func(_ context.Context, p auth.Principal) (auth.Token, error) {
		return auth.Token{Value: "local-" + p.ID}, nil
	})
}

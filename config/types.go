package config

import "time"

// Config is the data layer configuration. Every section has a default so an empty
// environment yields a working (offline-capable) setup.
type Config struct {
	App         AppConfig         `koanf:"app" json:"app" yaml:"app"`
	API         APIConfig         `koanf:"api" json:"api" yaml:"api"`
	Auth        AuthConfig        `koanf:"auth" json:"auth" yaml:"auth"`
	Request     RequestConfig     `koanf:"request" json:"request" yaml:"request"`
	Retry       RetryConfig       `koanf:"retry" json:"retry" yaml:"retry"`
	Cache       CacheConfig       `koanf:"cache" json:"cache" yaml:"cache"`
	Sync        SyncConfig        `koanf:"sync" json:"sync" yaml:"sync"`
	Optimistic  OptimisticConfig  `koanf:"optimistic" json:"optimistic" yaml:"optimistic"`
	Conflict    ConflictConfig    `koanf:"conflict" json:"conflict" yaml:"conflict"`
	Preferences PreferencesConfig `koanf:"preferences" json:"preferences" yaml:"preferences"`
	Log         LogConfig         `koanf:"log" json:"log" yaml:"log"`
	Telemetry   TelemetryConfig   `koanf:"telemetry" json:"telemetry" yaml:"telemetry"`
}

// AppConfig holds general application settings.
type AppConfig struct {
	// Name is the application name; it becomes the preference namespace prefix "{name}_".
	Name string `koanf:"name" json:"name" yaml:"name" validate:"required,alphanum"`
	Env  string `koanf:"env" json:"env" yaml:"env" validate:"oneof=development staging production"`
}

// APIConfig locates the remote HTTP service.
type APIConfig struct {
	// BaseURL is origin + prefix of the service (API_BASE_URL).
	BaseURL   string          `koanf:"baseurl" json:"baseurl" yaml:"baseurl" validate:"omitempty,url"`
	Endpoints EndpointsConfig `koanf:"endpoints" json:"endpoints" yaml:"endpoints"`
}

// EndpointsConfig holds path templates relative to BaseURL. "{id}" is replaced by the record id.
type EndpointsConfig struct {
	ListCollection   string `koanf:"listcollection" json:"listcollection" yaml:"listcollection" validate:"required,endpoint"`
	CreateCollection string `koanf:"createcollection" json:"createcollection" yaml:"createcollection" validate:"required,endpoint"`
	ItemByID         string `koanf:"itembyid" json:"itembyid" yaml:"itembyid" validate:"required,endpoint"`
	Summary          string `koanf:"summary" json:"summary" yaml:"summary" validate:"required,endpoint"`
	ChartData        string `koanf:"chartdata" json:"chartdata" yaml:"chartdata" validate:"required,endpoint"`
	Recent           string `koanf:"recent" json:"recent" yaml:"recent" validate:"required,endpoint"`
	Health           string `koanf:"health" json:"health" yaml:"health" validate:"omitempty,endpoint"`
}

// AuthConfig holds identity provider settings (AUTH_URL, AUTH_ANON_KEY).
type AuthConfig struct {
	URL     string `koanf:"url" json:"url" yaml:"url" validate:"omitempty,url"`
	AnonKey string `koanf:"anonkey" json:"-" yaml:"anonkey"` //nolint:gosec // G117 - loaded from env
}

// RequestConfig holds per-request defaults.
type RequestConfig struct {
	TimeoutMS int `koanf:"timeoutms" json:"timeoutms" yaml:"timeoutms" validate:"min=1"`
}

// Timeout returns the default request timeout.
func (c RequestConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// RetryConfig holds the default retry policy.
type RetryConfig struct {
	MaxAttempts   int     `koanf:"maxattempts" json:"maxattempts" yaml:"maxattempts" validate:"min=1,max=10"`
	BaseDelayMS   int     `koanf:"basedelayms" json:"basedelayms" yaml:"basedelayms" validate:"min=0"`
	BackoffFactor float64 `koanf:"backofffactor" json:"backofffactor" yaml:"backofffactor" validate:"gte=1"`
	MaxDelayMS    int     `koanf:"maxdelayms" json:"maxdelayms" yaml:"maxdelayms" validate:"min=0,gtefield=BaseDelayMS"`
}

// BaseDelay returns the first backoff delay.
func (c RetryConfig) BaseDelay() time.Duration {
	return time.Duration(c.BaseDelayMS) * time.Millisecond
}

// MaxDelay returns the backoff cap.
func (c RetryConfig) MaxDelay() time.Duration {
	return time.Duration(c.MaxDelayMS) * time.Millisecond
}

// CacheConfig holds in-memory cache settings.
type CacheConfig struct {
	DefaultTTLMS    int `koanf:"defaultttlms" json:"defaultttlms" yaml:"defaultttlms" validate:"min=0"`
	SweepIntervalMS int `koanf:"sweepintervalms" json:"sweepintervalms" yaml:"sweepintervalms" validate:"min=0"`
}

// DefaultTTL returns the TTL applied to reads that do not specify one.
func (c CacheConfig) DefaultTTL() time.Duration {
	return time.Duration(c.DefaultTTLMS) * time.Millisecond
}

// SweepInterval returns the period of the expired-entry sweep (0 disables it).
func (c CacheConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMS) * time.Millisecond
}

// SyncConfig holds SyncEngine trigger settings.
type SyncConfig struct {
	IntervalMS      int  `koanf:"intervalms" json:"intervalms" yaml:"intervalms" validate:"min=0"`
	OnFocus         bool `koanf:"onfocus" json:"onfocus" yaml:"onfocus"`
	OnVisibility    bool `koanf:"onvisibility" json:"onvisibility" yaml:"onvisibility"`
	OnReconnect     bool `koanf:"onreconnect" json:"onreconnect" yaml:"onreconnect"`
	ErrorDebounceMS int  `koanf:"errordebouncems" json:"errordebouncems" yaml:"errordebouncems" validate:"min=0"`
	// ThrottleMS is the minimum gap between focus/visibility triggered syncs.
	ThrottleMS int `koanf:"throttlems" json:"throttlems" yaml:"throttlems" validate:"min=0"`
	// ProbeIntervalMS is the period of the health probe feeding connectivity (0 disables it).
	ProbeIntervalMS int `koanf:"probeintervalms" json:"probeintervalms" yaml:"probeintervalms" validate:"min=0"`
}

// Interval returns the periodic sync interval (0 disables it).
func (c SyncConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMS) * time.Millisecond
}

// ErrorDebounce returns the delay before errors become visible to readers.
func (c SyncConfig) ErrorDebounce() time.Duration {
	return time.Duration(c.ErrorDebounceMS) * time.Millisecond
}

// Throttle returns the minimum gap between focus/visibility syncs.
func (c SyncConfig) Throttle() time.Duration {
	return time.Duration(c.ThrottleMS) * time.Millisecond
}

// ProbeInterval returns the connectivity probe period (0 disables probing).
func (c SyncConfig) ProbeInterval() time.Duration {
	return time.Duration(c.ProbeIntervalMS) * time.Millisecond
}

// OptimisticConfig holds OptimisticMutator settings.
type OptimisticConfig struct {
	RollbackDelayMS int `koanf:"rollbackdelayms" json:"rollbackdelayms" yaml:"rollbackdelayms" validate:"min=1"`
}

// RollbackDelay returns the automatic rollback timeout.
func (c OptimisticConfig) RollbackDelay() time.Duration {
	return time.Duration(c.RollbackDelayMS) * time.Millisecond
}

// ConflictConfig selects how replay conflicts are reconciled.
type ConflictConfig struct {
	Policy string `koanf:"policy" json:"policy" yaml:"policy" validate:"oneof=server-wins client-wins merge manual"`
	TickMS int    `koanf:"tickms" json:"tickms" yaml:"tickms" validate:"min=1"`
}

// Tick returns the delay before automatic policies resolve a conflict.
func (c ConflictConfig) Tick() time.Duration {
	return time.Duration(c.TickMS) * time.Millisecond
}

// Preference backends.
const (
	PreferencesMemory = "memory"
	PreferencesFile   = "file"
	PreferencesRedis  = "redis"
)

// PreferencesConfig selects the preference store backend.
type PreferencesConfig struct {
	Backend   string `koanf:"backend" json:"backend" yaml:"backend" validate:"oneof=memory file redis"`
	Dir       string `koanf:"dir" json:"dir" yaml:"dir" validate:"required_if=Backend file"`
	RedisAddr string `koanf:"redisaddr" json:"redisaddr" yaml:"redisaddr" validate:"required_if=Backend redis"`
	// Version is compared with cache_metadata.version; a mismatch clears the namespace.
	Version  string `koanf:"version" json:"version" yaml:"version" validate:"required"`
	MaxBytes int    `koanf:"maxbytes" json:"maxbytes" yaml:"maxbytes" validate:"min=0"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `koanf:"level" json:"level" yaml:"level" validate:"oneof=trace debug info warn error"`
	Pretty bool   `koanf:"pretty" json:"pretty" yaml:"pretty"`
}

// Telemetry exporters.
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"
)

// OTLP protocols.
const (
	ProtocolHTTP = "http"
	ProtocolGRPC = "grpc"
)

// TelemetryConfig selects where client spans and metrics are exported.
type TelemetryConfig struct {
	Exporter string `koanf:"exporter" json:"exporter" yaml:"exporter" validate:"oneof=none stdout otlp"`
	Protocol string `koanf:"protocol" json:"protocol" yaml:"protocol" validate:"oneof=http grpc"`
	// Endpoint is host:port of the OTLP collector (OTEL_EXPORTER_OTLP_ENDPOINT).
	Endpoint         string  `koanf:"endpoint" json:"endpoint" yaml:"endpoint" validate:"required_if=Exporter otlp"`
	Insecure         bool    `koanf:"insecure" json:"insecure" yaml:"insecure"`
	SampleRate       float64 `koanf:"samplerate" json:"samplerate" yaml:"samplerate" validate:"gte=0,lte=1"`
	MetricIntervalMS int     `koanf:"metricintervalms" json:"metricintervalms" yaml:"metricintervalms" validate:"min=1"`
}

// MetricInterval returns the metric export period.
func (c TelemetryConfig) MetricInterval() time.Duration {
	return time.Duration(c.MetricIntervalMS) * time.Millisecond
}

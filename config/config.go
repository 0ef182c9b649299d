// Package config loads data layer configuration from defaults, an optional YAML
// file, and environment variables (highest priority) using koanf.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	envprovider "github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// DefaultFile is the optional YAML file read by Load.
const DefaultFile = "config.yaml"

// envKeys maps the recognized deployment variables onto config paths.
var envKeys = map[string]string{
	"API_BASE_URL":         "api.baseurl",
	"AUTH_URL":             "auth.url",
	"AUTH_ANON_KEY":        "auth.anonkey",
	"REQUEST_TIMEOUT_MS":   "request.timeoutms",
	"RETRY_MAX_ATTEMPTS":   "retry.maxattempts",
	"RETRY_BASE_DELAY_MS":  "retry.basedelayms",
	"RETRY_BACKOFF_FACTOR": "retry.backofffactor",
	"RETRY_MAX_DELAY_MS":   "retry.maxdelayms",

	"OTEL_EXPORTER_OTLP_ENDPOINT": "telemetry.endpoint",
}

// sectionPrefixes are the env prefixes converted with the generic UPPER_CASE -> lower.case rule.
var sectionPrefixes = []string{"APP_", "API_ENDPOINTS_", "CACHE_", "SYNC_", "OPTIMISTIC_", "CONFLICT_", "PREFERENCES_", "LOG_", "TELEMETRY_"}

// Load loads configuration with priority env > config.yaml > defaults.
func Load() (*Config, error) {
	return LoadFile(DefaultFile)
}

// LoadFile loads configuration using path as the optional YAML layer.
// A missing file is not an error; a malformed one is.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
	}

	if err := k.Load(envprovider.Provider("", ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// envKey converts an environment variable name to a koanf path.
// Returning "" makes the provider skip the variable.
func envKey(name string) string {
	if path, ok := envKeys[name]; ok {
		return path
	}
	for _, prefix := range sectionPrefixes {
		if strings.HasPrefix(name, prefix) {
			return strings.ReplaceAll(strings.ToLower(name), "_", ".")
		}
	}
	return ""
}

// Default returns the configuration produced by defaults alone.
func Default() *Config {
	k := koanf.New(".")
	_ = k.Load(confmap.Provider(defaults(), "."), nil)
	var cfg Config
	_ = k.Unmarshal("", &cfg)
	return &cfg
}

func defaults() map[string]any {
	return map[string]any{
		"app.name": "dashboard",
		"app.env":  EnvDevelopment,

		"api.baseurl":                    "http://localhost:8080/api",
		"api.endpoints.listcollection":   "/experiments",
		"api.endpoints.createcollection": "/experiments",
		"api.endpoints.itembyid":         "/experiments/{id}",
		"api.endpoints.summary":          "/dashboard/summary",
		"api.endpoints.chartdata":        "/dashboard/charts",
		"api.endpoints.recent":           "/dashboard/recent",
		"api.endpoints.health":           "/health",

		"request.timeoutms": 30000,

		"retry.maxattempts":   3,
		"retry.basedelayms":   1000,
		"retry.backofffactor": 2.0,
		"retry.maxdelayms":    10000,

		"cache.defaultttlms":    300000,
		"cache.sweepintervalms": 60000,

		"sync.intervalms":      60000,
		"sync.onfocus":         true,
		"sync.onvisibility":    true,
		"sync.onreconnect":     true,
		"sync.errordebouncems": 500,
		"sync.throttlems":      5000,
		"sync.probeintervalms": 0,

		"optimistic.rollbackdelayms": 5000,

		"conflict.policy": "server-wins",
		"conflict.tickms": 50,

		"preferences.backend":  PreferencesMemory,
		"preferences.version":  "1",
		"preferences.maxbytes": 5 * 1024 * 1024,

		"log.level":  "info",
		"log.pretty": false,

		"telemetry.exporter":         ExporterNone,
		"telemetry.protocol":         ProtocolHTTP,
		"telemetry.samplerate":       1.0,
		"telemetry.metricintervalms": 60000,
	}
}

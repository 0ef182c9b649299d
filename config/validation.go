package config

import (
	"errors"
	"strings"

	"github.com/gaborage/go-bricks-datalayer/validation"
)

// Environment constants
const (
	EnvDevelopment = "development"
	EnvStaging     = "staging"
	EnvProduction  = "production"
)

// envVars names the variable that sets each field, for actionable messages.
var envVars = map[string]string{
	"api.baseurl":         "API_BASE_URL",
	"auth.url":            "AUTH_URL",
	"request.timeoutms":   "REQUEST_TIMEOUT_MS",
	"retry.maxattempts":   "RETRY_MAX_ATTEMPTS",
	"retry.basedelayms":   "RETRY_BASE_DELAY_MS",
	"retry.backofffactor": "RETRY_BACKOFF_FACTOR",
	"retry.maxdelayms":    "RETRY_MAX_DELAY_MS",
	"telemetry.endpoint":  "OTEL_EXPORTER_OTLP_ENDPOINT",
}

// Validate checks cfg and returns a *ConfigError for the first failing field.
func Validate(cfg *Config) error {
	err := validation.Default().Struct(cfg)
	if err == nil {
		return validateCross(cfg)
	}

	var verr *validation.Error
	if !errors.As(err, &verr) || len(verr.Fields) == 0 {
		return NewValidationError("config", err.Error())
	}

	f := verr.Fields[0]
	path := fieldPath(f.Field)
	if f.Tag == "required" || f.Tag == "required_if" {
		env, ok := envVars[path]
		if !ok {
			env = strings.ToUpper(strings.ReplaceAll(path, ".", "_"))
		}
		return NewMissingFieldError(path, env, path)
	}
	if f.Tag == "oneof" {
		return NewInvalidFieldError(path, "invalid value", strings.Fields(f.Param))
	}
	return NewValidationError(path, f.String())
}

// validateCross checks rules spanning several sections.
func validateCross(cfg *Config) error {
	if cfg.Auth.URL != "" && cfg.Auth.AnonKey == "" {
		return NewMissingFieldError("auth.anonkey", "AUTH_ANON_KEY", "auth.anonkey")
	}
	return nil
}

// fieldPath turns a validator namespace such as "Config.Retry.MaxAttempts" into "retry.maxattempts".
func fieldPath(namespace string) string {
	parts := strings.Split(namespace, ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	return strings.ToLower(strings.Join(parts, "."))
}

// AuthConfigured reports whether an identity provider is configured.
// The returned error satisfies IsNotConfigured when it is not.
func (c *Config) AuthConfigured() error {
	if c.Auth.URL == "" {
		return NewNotConfiguredError("auth", "AUTH_URL", "auth.url")
	}
	return nil
}

package config

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotConfigured marks an optional section left empty on purpose.
var ErrNotConfigured = errors.New("not configured")

// Category groups configuration errors.
type Category string

const (
	CategoryMissing       Category = "missing"
	CategoryInvalid       Category = "invalid"
	CategoryNotConfigured Category = "not_configured"
)

// ConfigError points at one offending field and how to fix it.
//
//nolint:revive // stutters on purpose, callers read it as config.ConfigError
type ConfigError struct {
	Category Category
	Field    string // koanf path, e.g. "retry.maxattempts"
	Message  string
	Action   string
}

func (e *ConfigError) Error() string {
	parts := make([]string, 0, 4)
	if e.Category != "" {
		parts = append(parts, "config_"+string(e.Category)+":")
	}
	for _, s := range []string{e.Field, e.Message, e.Action} {
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}

// Is lets errors.Is(err, ErrNotConfigured) match not_configured errors.
func (e *ConfigError) Is(target error) bool {
	return target == ErrNotConfigured && e.Category == CategoryNotConfigured
}

// NewMissingFieldError reports a required field with no value.
func NewMissingFieldError(field, envVar, yamlPath string) *ConfigError {
	return &ConfigError{
		Category: CategoryMissing,
		Field:    field,
		Message:  "required",
		Action:   fmt.Sprintf("set %s env var or add %s to %s", envVar, yamlPath, DefaultFile),
	}
}

// NewInvalidFieldError reports a value outside the accepted set.
func NewInvalidFieldError(field, message string, validOptions []string) *ConfigError {
	err := &ConfigError{Category: CategoryInvalid, Field: field, Message: message}
	if len(validOptions) > 0 {
		err.Action = "must be one of: " + strings.Join(validOptions, ", ")
	}
	return err
}

// NewValidationError reports any other rule violation.
func NewValidationError(field, message string) *ConfigError {
	return &ConfigError{Category: CategoryInvalid, Field: field, Message: message}
}

// NewNotConfiguredError describes how to switch on an optional feature.
func NewNotConfiguredError(feature, envVar, yamlPath string) *ConfigError {
	return &ConfigError{
		Category: CategoryNotConfigured,
		Field:    feature,
		Message:  "(optional)",
		Action:   fmt.Sprintf("to enable: set %s env var or add %s to %s", envVar, yamlPath, DefaultFile),
	}
}

// IsNotConfigured reports whether err says a feature was left unconfigured.
func IsNotConfigured(err error) bool {
	return errors.Is(err, ErrNotConfigured)
}

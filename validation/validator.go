// Package validation wraps go-playground/validator with the custom rules used by
// the data layer (endpoint templates, sort fields) and converts failures into
// errs.KindValidation errors.
package validation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/gaborage/go-bricks-datalayer/errs"
)

var endpointPattern = regexp.MustCompile(`^/[A-Za-z0-9_\-./{}]*$`)

// Validator wraps go-playground/validator with custom validation logic.
type Validator struct {
	validate *validator.Validate
}

var (
	defaultValidator *Validator
	defaultOnce      sync.Once
)

// Default returns the shared Validator instance.
func Default() *Validator {
	defaultOnce.Do(func() {
		defaultValidator = New()
	})
	return defaultValidator
}

// New creates a Validator with the custom rules registered:
//   - endpoint: path template starting with "/" (placeholders like {id} allowed)
//   - sortorder: "asc" or "desc"
func New() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("endpoint", validateEndpoint)
	_ = v.RegisterValidation("sortorder", validateSortOrder)
	return &Validator{validate: v}
}

func validateEndpoint(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	return s == "" || endpointPattern.MatchString(s)
}

func validateSortOrder(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	return s == "asc" || s == "desc"
}

// Struct validates s and returns a *Error listing every failing field.
func (v *Validator) Struct(s any) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) {
		out := &Error{Fields: make([]FieldError, 0, len(fieldErrs))}
		for _, fe := range fieldErrs {
			out.Fields = append(out.Fields, FieldError{
				Field: fe.Namespace(),
				Tag:   fe.Tag(),
				Param: fe.Param(),
				Value: fe.Value(),
			})
		}
		return out
	}
	return errs.Validation("validate", err.Error())
}

// Var validates a single value against tag.
func (v *Validator) Var(field string, value any, tag string) error {
	if err := v.validate.Var(value, tag); err != nil {
		return &Error{Fields: []FieldError{{Field: field, Tag: tag, Value: value}}}
	}
	return nil
}

// FieldError describes one failing field.
type FieldError struct {
	Field string
	Tag   string
	Param string
	Value any
}

func (f FieldError) String() string {
	if f.Param != "" {
		return fmt.Sprintf("%s failed %s=%s (got %v)", f.Field, f.Tag, f.Param, f.Value)
	}
	return fmt.Sprintf("%s failed %s (got %v)", f.Field, f.Tag, f.Value)
}

// Error is returned when struct validation fails.
type Error struct {
	Fields []FieldError
}

func (e *Error) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.String())
	}
	return "validation error: " + strings.Join(parts, "; ")
}

// Kind implements errs.Kinded.
func (e *Error) Kind() errs.Kind {
	return errs.KindValidation
}

// HasField reports whether field (namespace suffix match) failed validation.
func (e *Error) HasField(field string) bool {
	for _, f := range e.Fields {
		if f.Field == field || strings.HasSuffix(f.Field, "."+field) {
			return true
		}
	}
	return false
}

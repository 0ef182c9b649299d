package http

import (
	"encoding/json"
	"errors"
	"fmt"
	nethttp "net/http"
	"time"

	"github.com/gaborage/go-bricks-datalayer/errs"
)

// ClientError represents different types of REST client errors
type ClientError interface {
	error
	Type() ErrorType
}

// ErrorType defines the category of client error
type ErrorType string

const (
	NetworkError     ErrorType = "network"
	TimeoutError     ErrorType = "timeout"
	HTTPError        ErrorType = "http"
	ValidationError  ErrorType = "validation"
	InterceptorError ErrorType = "interceptor"
	CancelledError   ErrorType = "cancelled"
)

// RequestError is the failure of a request after the retry loop has finished.
// It carries enough context to classify, log, and surface the failure.
type RequestError struct {
	ErrType   ErrorType
	Status    int // HTTP status, 0 when no response was received
	Message   string
	Endpoint  string
	Method    string
	Retryable bool          // the failure was transient; attempts were exhausted
	Timeout   time.Duration // set for TimeoutError
	Field     string        // set for ValidationError
	Stage     string        // set for InterceptorError
	Response  *Response     // last response, if any
	Err       error
}

func (e *RequestError) Error() string {
	var msg string
	switch e.ErrType {
	case HTTPError:
		msg = fmt.Sprintf("HTTP error: %s (status: %d)", e.Message, e.Status)
	case TimeoutError:
		msg = fmt.Sprintf("timeout error: %s (timeout: %v)", e.Message, e.Timeout)
	case ValidationError:
		msg = "validation error: " + e.Message
		if e.Field != "" {
			msg += fmt.Sprintf(" (field: %s)", e.Field)
		}
	case InterceptorError:
		msg = fmt.Sprintf("interceptor error: %s (stage: %s)", e.Message, e.Stage)
	default:
		msg = fmt.Sprintf("%s error: %s", e.ErrType, e.Message)
	}
	if e.Method != "" {
		msg = fmt.Sprintf("%s [%s %s]", msg, e.Method, e.Endpoint)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Type implements ClientError.
func (e *RequestError) Type() ErrorType {
	return e.ErrType
}

// StatusCode returns the HTTP status, or 0 when no response was received.
func (e *RequestError) StatusCode() int {
	return e.Status
}

// Body returns the body of the last response.
func (e *RequestError) Body() []byte {
	if e.Response == nil {
		return nil
	}
	return e.Response.Body
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// Kind implements errs.Kinded. 401/403 are auth failures and 409 is a conflict;
// interceptor failures inherit the kind of the error they wrap.
func (e *RequestError) Kind() errs.Kind {
	switch e.ErrType {
	case CancelledError:
		return errs.KindCancelled
	case ValidationError:
		return errs.KindValidation
	case InterceptorError:
		if e.Err != nil {
			return errs.KindOf(e.Err)
		}
		return errs.KindInternal
	case HTTPError:
		switch e.Status {
		case nethttp.StatusUnauthorized, nethttp.StatusForbidden:
			return errs.KindAuth
		case nethttp.StatusConflict:
			return errs.KindConflict
		case nethttp.StatusBadRequest, nethttp.StatusUnprocessableEntity:
			return errs.KindValidation
		}
	}
	return errs.KindNetwork
}

func (e *RequestError) withRequest(method, endpoint string) *RequestError {
	e.Method = method
	e.Endpoint = endpoint
	return e
}

// NewNetworkError creates a new network error
func NewNetworkError(message string, wrapped error) *RequestError {
	return &RequestError{ErrType: NetworkError, Message: message, Err: wrapped}
}

// NewTimeoutError creates a new timeout error
func NewTimeoutError(message string, timeout time.Duration) *RequestError {
	return &RequestError{ErrType: TimeoutError, Message: message, Timeout: timeout}
}

// NewHTTPError creates a new HTTP error. The message is replaced by the
// service's {error, message} body when one is present.
func NewHTTPError(message string, statusCode int, body []byte) *RequestError {
	if m := serviceMessage(body); m != "" {
		message = m
	}
	return &RequestError{ErrType: HTTPError, Message: message, Status: statusCode}
}

// NewValidationError creates a new validation error
func NewValidationError(message, field string) *RequestError {
	return &RequestError{ErrType: ValidationError, Message: message, Field: field}
}

// NewInterceptorError creates a new interceptor error
func NewInterceptorError(message, stage string, wrapped error) *RequestError {
	return &RequestError{ErrType: InterceptorError, Message: message, Stage: stage, Err: wrapped}
}

// NewCancelledError creates an error for a caller-cancelled request.
func NewCancelledError(wrapped error) *RequestError {
	return &RequestError{ErrType: CancelledError, Message: "request cancelled", Err: wrapped}
}

// serviceMessage extracts the message of an {error, message} error body.
func serviceMessage(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	switch {
	case payload.Error != "" && payload.Message != "":
		return payload.Error + ": " + payload.Message
	case payload.Message != "":
		return payload.Message
	default:
		return payload.Error
	}
}

// IsErrorType checks if an error is of a specific type
func IsErrorType(err error, errorType ErrorType) bool {
	if err == nil {
		return false
	}
	var clientErr ClientError
	if errors.As(err, &clientErr) {
		return clientErr.Type() == errorType
	}
	return false
}

// IsHTTPStatusError checks if an error is an HTTP error with a specific status code
func IsHTTPStatusError(err error, statusCode int) bool {
	return StatusOf(err) == statusCode
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var reqErr *RequestError
	if errors.As(err, &reqErr) && reqErr.ErrType == HTTPError {
		return reqErr.Status
	}
	return 0
}

// IsSuccessStatus checks if a status code represents success (2xx)
func IsSuccessStatus(statusCode int) bool {
	return statusCode >= 200 && statusCode < 300
}

package observability

import "errors"

// ErrMissingServiceName is returned when export is enabled without a service name.
var ErrMissingServiceName = errors.New("observability: service name is required when telemetry is exported")

// ErrInvalidSampleRate is returned when the trace sample rate is outside [0.0, 1.0].
var ErrInvalidSampleRate = errors.New("observability: trace sample rate must be between 0.0 and 1.0")

// ErrInvalidProtocol is returned when the OTLP protocol is not "http" or "grpc".
var ErrInvalidProtocol = errors.New("observability: protocol must be either 'http' or 'grpc'")

// ErrInvalidExporter is returned for an exporter other than "none", "stdout" or "otlp".
var ErrInvalidExporter = errors.New("observability: exporter must be one of 'none', 'stdout' or 'otlp'")

// ErrMissingEndpoint is returned when the OTLP exporter has no collector endpoint.
var ErrMissingEndpoint = errors.New("observability: endpoint is required for the otlp exporter")

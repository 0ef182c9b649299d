// Package tracking records OpenTelemetry metrics for the REST client.
package tracking

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	clientMeterName = "go-bricks-datalayer/http"

	metricRequestDuration = "http.client.request.duration" // Histogram in seconds
	metricRetries         = "http.client.retries"          // Counter

	attrMethod    = "http.request.method"
	attrStatus    = "http.response.status_code"
	attrErrorType = "error.type"
)

var (
	meterOnce   sync.Once
	meterInitMu sync.Mutex
	clientMeter metric.Meter

	requestDuration metric.Float64Histogram
	retryCounter    metric.Int64Counter
)

func logMetricError(metricName string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "WARNING: Failed to initialize http metric %s: %v\n", metricName, err)
	}
}

func initMeter() {
	meterInitMu.Lock()
	defer meterInitMu.Unlock()

	if clientMeter != nil {
		return
	}
	clientMeter = otel.Meter(clientMeterName)

	var err error
	requestDuration, err = clientMeter.Float64Histogram(
		metricRequestDuration,
		metric.WithDescription("Duration of outbound HTTP requests including retries"),
		metric.WithUnit("s"),
	)
	logMetricError(metricRequestDuration, err)

	retryCounter, err = clientMeter.Int64Counter(
		metricRetries,
		metric.WithDescription("Number of retried HTTP attempts"),
		metric.WithUnit("{retry}"),
	)
	logMetricError(metricRetries, err)
}

// RecordRequest records the outcome of a request. errorType is empty on success.
func RecordRequest(ctx context.Context, method string, status int, errorType string, duration time.Duration) {
	meterOnce.Do(initMeter)

	attrs := []attribute.KeyValue{attribute.String(attrMethod, method)}
	if status > 0 {
		attrs = append(attrs, attribute.Int(attrStatus, status))
	}
	if errorType != "" {
		attrs = append(attrs, attribute.String(attrErrorType, errorType))
	}
	if requestDuration != nil {
		requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	}
}

// RecordRetry records one retry of method.
func RecordRetry(ctx context.Context, method string) {
	meterOnce.Do(initMeter)

	if retryCounter != nil {
		retryCounter.Add(ctx, 1, metric.WithAttributes(attribute.String(attrMethod, method)))
	}
}

// ResetForTesting resets the metric state for testing purposes.
func ResetForTesting() {
	meterInitMu.Lock()
	defer meterInitMu.Unlock()

	clientMeter = nil
	requestDuration = nil
	retryCounter = nil
	meterOnce = sync.Once{}
}

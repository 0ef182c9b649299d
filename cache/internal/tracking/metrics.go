package tracking

import (
	"context"
	"fmt"
	"os"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	// Meter name for cache metrics instrumentation
	cacheMeterName = "go-bricks-datalayer/cache"

	metricCacheHit       = "cache.hit"       // Counter for cache hits
	metricCacheMiss      = "cache.miss"      // Counter for cache misses
	metricCacheEvictions = "cache.evictions" // Counter, by reason
	metricCacheEntries   = "cache.entries"   // Observable gauge
	metricCacheBytes     = "cache.size"      // Observable gauge, approximate bytes

	attrNamespace = "cache.namespace"
	attrReason    = "cache.eviction.reason"
)

// Eviction reasons.
const (
	ReasonExpired    = "expired"
	ReasonDeleted    = "deleted"
	ReasonDependency = "dependency"
	ReasonTag        = "tag"
	ReasonCleared    = "cleared"
)

var (
	// Singleton meter initialization
	cacheMeter    metric.Meter
	meterOnce     sync.Once
	meterInitMu   sync.Mutex
	metricsInited bool

	// Metric instruments
	cacheHitCounter      metric.Int64Counter
	cacheMissCounter     metric.Int64Counter
	cacheEvictionCounter metric.Int64Counter
)

// logMetricError logs a metric initialization error to stderr.
func logMetricError(metricName string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "WARNING: Failed to initialize cache metric %s: %v\n", metricName, err)
	}
}

// initCacheMeter initializes the OpenTelemetry meter and cache metric instruments.
func initCacheMeter() {
	meterInitMu.Lock()
	defer meterInitMu.Unlock()

	if cacheMeter != nil {
		return
	}

	cacheMeter = otel.Meter(cacheMeterName)

	var err error

	cacheHitCounter, err = cacheMeter.Int64Counter(
		metricCacheHit,
		metric.WithDescription("Number of cache hits"),
		metric.WithUnit("{hit}"),
	)
	logMetricError(metricCacheHit, err)

	cacheMissCounter, err = cacheMeter.Int64Counter(
		metricCacheMiss,
		metric.WithDescription("Number of cache misses"),
		metric.WithUnit("{miss}"),
	)
	logMetricError(metricCacheMiss, err)

	cacheEvictionCounter, err = cacheMeter.Int64Counter(
		metricCacheEvictions,
		metric.WithDescription("Number of entries removed from the cache"),
		metric.WithUnit("{entry}"),
	)
	logMetricError(metricCacheEvictions, err)

	metricsInited = true
}

// ensureCacheMeterInitialized ensures the cache meter is initialized.
func ensureCacheMeterInitialized() {
	meterOnce.Do(initCacheMeter)
}

func baseAttrs(namespace string) []attribute.KeyValue {
	if namespace == "" {
		return nil
	}
	return []attribute.KeyValue{attribute.String(attrNamespace, namespace)}
}

// RecordLookup records a cache hit or miss.
func RecordLookup(ctx context.Context, hit bool, namespace string) {
	ensureCacheMeterInitialized()

	attrs := baseAttrs(namespace)
	if hit {
		if cacheHitCounter != nil {
			cacheHitCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
		}
		return
	}
	if cacheMissCounter != nil {
		cacheMissCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordEvictions records n entries removed for reason.
func RecordEvictions(ctx context.Context, reason string, n int, namespace string) {
	if n <= 0 {
		return
	}
	ensureCacheMeterInitialized()

	if cacheEvictionCounter != nil {
		attrs := append(baseAttrs(namespace), attribute.String(attrReason, reason))
		cacheEvictionCounter.Add(ctx, int64(n), metric.WithAttributes(attrs...))
	}
}

// SizeStats holds the values reported by the observable gauges.
type SizeStats struct {
	Entries int
	Bytes   int
}

// noOpCleanup returns a no-op cleanup function.
func noOpCleanup() func() {
	return func() { /** no-op **/ }
}

// RegisterSizeMetrics registers observable gauges for entry count and approximate size.
// The statsProvider function is called during each metrics collection cycle.
// Returns a cleanup function to unregister the metrics.
func RegisterSizeMetrics(statsProvider func() SizeStats, namespace string) func() {
	ensureCacheMeterInitialized()

	if cacheMeter == nil {
		return noOpCleanup()
	}

	entries, err := cacheMeter.Int64ObservableGauge(metricCacheEntries,
		metric.WithDescription("Current number of cache entries"))
	logMetricError(metricCacheEntries, err)
	if err != nil {
		return noOpCleanup()
	}

	size, err := cacheMeter.Int64ObservableGauge(metricCacheBytes,
		metric.WithDescription("Approximate encoded size of cached values"),
		metric.WithUnit("By"))
	logMetricError(metricCacheBytes, err)
	if err != nil {
		return noOpCleanup()
	}

	attrs := baseAttrs(namespace)
	registration, err := cacheMeter.RegisterCallback(func(_ context.Context, observer metric.Observer) error {
		stats := statsProvider()
		observer.ObserveInt64(entries, int64(stats.Entries), metric.WithAttributes(attrs...))
		observer.ObserveInt64(size, int64(stats.Bytes), metric.WithAttributes(attrs...))
		return nil
	}, entries, size)
	if err != nil {
		logMetricError("size_metrics_callback", err)
		return noOpCleanup()
	}

	return func() {
		if err := registration.Unregister(); err != nil {
			logMetricError("size_metrics_unregister", err)
		}
	}
}

// IsInitialized returns true if cache metrics have been initialized.
func IsInitialized() bool {
	meterInitMu.Lock()
	defer meterInitMu.Unlock()
	return metricsInited
}

// ResetForTesting resets the metric state for testing purposes.
func ResetForTesting() {
	meterInitMu.Lock()
	defer meterInitMu.Unlock()

	cacheMeter = nil
	cacheHitCounter = nil
	cacheMissCounter = nil
	cacheEvictionCounter = nil
	metricsInited = false
	meterOnce = sync.Once{}
}

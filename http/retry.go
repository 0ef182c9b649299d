package http

import (
	"context"
	crand "crypto/rand"
	"math"
	"math/big"
	nethttp "net/http"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
)

const (
	// DefaultMaxAttempts is the default number of attempts, including the first
	DefaultMaxAttempts = 3

	// DefaultBaseDelay is the delay before the first retry
	DefaultBaseDelay = 1 * time.Second

	// DefaultMaxDelay caps the exponential delay
	DefaultMaxDelay = 10 * time.Second

	// DefaultBackoffFactor is the exponential growth factor
	DefaultBackoffFactor = 2.0

	// jitterRatio bounds the uniform jitter added to each delay
	jitterRatio = 0.1
)

// RetryPolicy controls the attempt loop. It is immutable once built; share it freely.
type RetryPolicy struct {
	MaxAttempts       int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	BackoffFactor     float64
	RetryableStatuses mapset.Set[int]
	RetryableKinds    mapset.Set[ErrorType]
}

// DefaultRetryableStatuses returns the statuses retried by default.
func DefaultRetryableStatuses() mapset.Set[int] {
	return mapset.NewSet(
		nethttp.StatusRequestTimeout,
		nethttp.StatusTooManyRequests,
		nethttp.StatusInternalServerError,
		nethttp.StatusBadGateway,
		nethttp.StatusServiceUnavailable,
		nethttp.StatusGatewayTimeout,
	)
}

// DefaultRetryableKinds returns the transport failure kinds retried by default.
func DefaultRetryableKinds() mapset.Set[ErrorType] {
	return mapset.NewSet(NetworkError, TimeoutError)
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       DefaultMaxAttempts,
		BaseDelay:         DefaultBaseDelay,
		MaxDelay:          DefaultMaxDelay,
		BackoffFactor:     DefaultBackoffFactor,
		RetryableStatuses: DefaultRetryableStatuses(),
		RetryableKinds:    DefaultRetryableKinds(),
	}
}

// normalized fills zero fields with defaults.
func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.BackoffFactor < 1 {
		p.BackoffFactor = DefaultBackoffFactor
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.RetryableStatuses == nil {
		p.RetryableStatuses = DefaultRetryableStatuses()
	}
	if p.RetryableKinds == nil {
		p.RetryableKinds = DefaultRetryableKinds()
	}
	return p
}

// Delay returns the exponential delay before retry n (0-based), without jitter:
// min(MaxDelay, BaseDelay * BackoffFactor^n).
func (p RetryPolicy) Delay(n int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	d := float64(p.BaseDelay) * math.Pow(p.BackoffFactor, float64(n))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Backoff returns Delay(n) plus uniform jitter in [0, 10% of Delay(n)).
func (p RetryPolicy) Backoff(n int) time.Duration {
	d := p.Delay(n)
	return d + jitter(d)
}

// retryableStatus reports whether status is in the retryable set.
func (p RetryPolicy) retryableStatus(status int) bool {
	return p.RetryableStatuses != nil && p.RetryableStatuses.Contains(status)
}

// retryableKind reports whether t is in the retryable set.
func (p RetryPolicy) retryableKind(t ErrorType) bool {
	return p.RetryableKinds != nil && p.RetryableKinds.Contains(t)
}

func jitter(d time.Duration) time.Duration {
	limit := int64(float64(d) * jitterRatio)
	if limit <= 0 {
		return 0
	}
	n, err := crand.Int(crand.Reader, big.NewInt(limit))
	if err != nil {
		return 0
	}
	return time.Duration(n.Int64())
}

// sleepContext is the default Sleeper.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Package cache provides the in-memory keyed store of the data layer: TTL expiry,
// tag and dependency invalidation, ordered subscriber notifications, and access statistics.
//
// Example usage:
//
//	c := cache.New(cache.WithLogger(log))
//	_ = c.Set("experiments:list", items, cache.SetOptions{
//	    TTL:          5 * time.Minute,
//	    Tags:         []string{userID},
//	    Dependencies: []string{"experiments"},
//	})
//	v, ok := c.Get("experiments:list")
//	c.InvalidateByDependency("experiments")
package cache

import (
	"time"

	mapset "github.com/deckarep/golang-set/v2"
)

// Priority is an advisory entry priority reported by Stats.
type Priority string

// Entry priorities. The zero value is treated as PriorityNormal.
const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Entry is a snapshot of a cached value and its lifetime metadata.
type Entry struct {
	Key          string
	Value        any
	CreatedAt    time.Time
	TTL          time.Duration // 0 means no automatic expiry
	Tags         mapset.Set[string]
	Dependencies mapset.Set[string]
	Priority     Priority
	AccessCount  int64
	Stale        bool // explicitly marked stale; readers revalidate
}

// Expired reports whether the entry's TTL has elapsed at now.
func (e Entry) Expired(now time.Time) bool {
	return e.TTL > 0 && now.Sub(e.CreatedAt) >= e.TTL
}

// SetOptions controls the lifetime and invalidation wiring of a Set.
type SetOptions struct {
	TTL          time.Duration
	Dependencies []string
	Tags         []string
	Priority     Priority
	Stale        bool
}

// Subscriber receives the new value of a key, or nil when the key is deleted or expires.
// Subscribers run synchronously and must not block. A write issued from inside a
// subscriber is delivered to subscribers after the current callback returns.
type Subscriber func(key string, value any)

// PriorityCounts is the number of entries per priority.
type PriorityCounts struct {
	Low    int
	Normal int
	High   int
}

// Stats summarizes the cache contents.
type Stats struct {
	TotalEntries int
	ApproxBytes  int
	HitRate      float64 // hits / (hits + misses); 0 before any lookup
	Oldest       time.Time
	Newest       time.Time
	ByPriority   PriorityCounts
}

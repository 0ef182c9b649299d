package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/go-co-op/gocron/v2"

	"github.com/gaborage/go-bricks-datalayer/cache/internal/tracking"
	"github.com/gaborage/go-bricks-datalayer/logger"
)

// item is an Entry plus its expiry timer. gen distinguishes replacements so a
// stale timer never evicts a newer entry under the same key.
type item struct {
	Entry
	size  int
	gen   uint64
	timer *time.Timer
}

type subscription struct {
	id uint64
	fn Subscriber
}

type notification struct {
	key   string
	value any
	subs  []subscription
}

// Cache is an in-memory keyed store with TTL expiry, inverse dependency and tag
// indices, and ordered subscriber notifications. It is safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*item
	deps    map[string]mapset.Set[string] // dependency -> keys
	tags    map[string]mapset.Set[string] // tag -> keys
	subs    map[string][]subscription
	nextID  uint64
	gen     uint64

	hits   int64
	misses int64

	// pending notifications, delivered in order by whichever caller holds delivering
	queue      []notification
	delivering bool

	scheduler      gocron.Scheduler
	closed         bool
	metricsCleanup func()
	namespace      string
	now            func() time.Time
	log            logger.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger used for subscriber failures and sweeps.
func WithLogger(log logger.Logger) Option {
	return func(c *Cache) {
		c.log = logger.OrNop(log).Component("cache")
	}
}

// WithNamespace labels the cache's metrics.
func WithNamespace(ns string) Option {
	return func(c *Cache) {
		c.namespace = ns
	}
}

// WithClock overrides the time source used for CreatedAt and expiry checks.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// New creates an empty cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		entries: make(map[string]*item),
		deps:    make(map[string]mapset.Set[string]),
		tags:    make(map[string]mapset.Set[string]),
		subs:    make(map[string][]subscription),
		now:     time.Now,
		log:     logger.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.metricsCleanup = tracking.RegisterSizeMetrics(func() tracking.SizeStats {
		s := c.Stats()
		return tracking.SizeStats{Entries: s.TotalEntries, Bytes: s.ApproxBytes}
	}, c.namespace)
	return c
}

// Set stores value under key, replacing any existing entry, and notifies subscribers.
// A zero TTL disables expiry; a negative TTL is rejected with ErrInvalidTTL.
func (c *Cache) Set(key string, value any, opts SetOptions) error {
	if opts.TTL < 0 {
		return NewOperationError("set", key, ErrInvalidTTL)
	}
	priority := opts.Priority
	if priority == "" {
		priority = PriorityNormal
	}
	size := approxSize(value)

	c.mu.Lock()
	if old, ok := c.entries[key]; ok {
		c.detachLocked(old)
	}

	c.gen++
	it := &item{
		Entry: Entry{
			Key:          key,
			Value:        value,
			CreatedAt:    c.now(),
			TTL:          opts.TTL,
			Tags:         mapset.NewThreadUnsafeSet(opts.Tags...),
			Dependencies: mapset.NewThreadUnsafeSet(opts.Dependencies...),
			Priority:     priority,
			Stale:        opts.Stale,
		},
		size: size,
		gen:  c.gen,
	}
	c.entries[key] = it
	indexAdd(c.deps, it.Dependencies, key)
	indexAdd(c.tags, it.Tags, key)

	if opts.TTL > 0 {
		gen := it.gen
		it.timer = time.AfterFunc(opts.TTL, func() { c.expire(key, gen) })
	}
	c.enqueueLocked(key, value)
	c.mu.Unlock()

	c.drain()
	return nil
}

// Get returns the value for key. Expired entries are evicted on access and
// reported as absent. A hit bumps the entry's access count.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	it, ok := c.entries[key]
	if ok && it.Expired(c.now()) {
		c.removeLocked(it)
		ok = false
		c.mu.Unlock()
		c.drain()
		tracking.RecordEvictions(context.Background(), tracking.ReasonExpired, 1, c.namespace)
		c.mu.Lock()
	}
	if !ok {
		c.misses++
		c.mu.Unlock()
		tracking.RecordLookup(context.Background(), false, c.namespace)
		return nil, false
	}
	it.AccessCount++
	c.hits++
	value := it.Value
	c.mu.Unlock()

	tracking.RecordLookup(context.Background(), true, c.namespace)
	return value, true
}

// Has reports whether key holds an unexpired entry without touching access statistics.
func (c *Cache) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.entries[key]
	return ok && !it.Expired(c.now())
}

// Lookup returns a snapshot of the entry for key even when it has expired.
// It neither evicts nor counts as an access; readers use it to serve stale data.
func (c *Cache) Lookup(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.entries[key]
	if !ok {
		return Entry{}, false
	}
	e := it.Entry
	e.Tags = it.Tags.Clone()
	e.Dependencies = it.Dependencies.Clone()
	return e, true
}

// MarkStale flags the entry for key as stale without changing its value.
// Returns false if the key is absent.
func (c *Cache) MarkStale(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.entries[key]
	if ok {
		it.Stale = true
	}
	return ok
}

// Delete removes key and notifies subscribers with nil. Deleting an absent key is a no-op.
func (c *Cache) Delete(key string) {
	if c.deleteKeys(tracking.ReasonDeleted, key) > 0 {
		c.log.Debug().Str("key", key).Msg("cache entry deleted")
	}
}

// InvalidateByDependency deletes every entry that declared dep and returns the count.
func (c *Cache) InvalidateByDependency(dep string) int {
	c.mu.Lock()
	keys := indexKeys(c.deps, dep)
	c.mu.Unlock()
	return c.deleteKeys(tracking.ReasonDependency, keys...)
}

// InvalidateByTag deletes every entry tagged with tag and returns the count.
func (c *Cache) InvalidateByTag(tag string) int {
	c.mu.Lock()
	keys := indexKeys(c.tags, tag)
	c.mu.Unlock()
	n := c.deleteKeys(tracking.ReasonTag, keys...)
	if n > 0 {
		c.log.Debug().Str("tag", tag).Int("count", n).Msg("cache invalidated by tag")
	}
	return n
}

// Clear removes every entry, notifying each key's subscribers with nil.
func (c *Cache) Clear() int {
	c.mu.Lock()
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	c.mu.Unlock()
	return c.deleteKeys(tracking.ReasonCleared, keys...)
}

// Sweep deletes every expired entry and returns the number removed.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	now := c.now()
	n := 0
	for _, it := range c.entries {
		if it.Expired(now) {
			c.removeLocked(it)
			n++
		}
	}
	c.mu.Unlock()

	c.drain()
	tracking.RecordEvictions(context.Background(), tracking.ReasonExpired, n, c.namespace)
	return n
}

// Subscribe registers fn for key. The returned disposer is idempotent.
func (c *Cache) Subscribe(key string, fn Subscriber) func() {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.subs[key] = append(c.subs[key], subscription{id: id, fn: fn})
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			list := c.subs[key]
			for i, s := range list {
				if s.id == id {
					c.subs[key] = append(list[:i:i], list[i+1:]...)
					break
				}
			}
			if len(c.subs[key]) == 0 {
				delete(c.subs, key)
			}
		})
	}
}

// Stats returns a summary of the current contents and the lookup hit rate.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	var s Stats
	s.TotalEntries = len(c.entries)
	for _, it := range c.entries {
		s.ApproxBytes += it.size
		if s.Oldest.IsZero() || it.CreatedAt.Before(s.Oldest) {
			s.Oldest = it.CreatedAt
		}
		if it.CreatedAt.After(s.Newest) {
			s.Newest = it.CreatedAt
		}
		switch it.Priority {
		case PriorityLow:
			s.ByPriority.Low++
		case PriorityHigh:
			s.ByPriority.High++
		default:
			s.ByPriority.Normal++
		}
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}

// StartSweeper runs Sweep every interval on a gocron scheduler until Close.
func (c *Cache) StartSweeper(interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.scheduler != nil {
		return nil
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to create sweep scheduler: %w", err)
	}
	_, err = s.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			if n := c.Sweep(); n > 0 {
				c.log.Debug().Int("count", n).Msg("swept expired cache entries")
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = s.Shutdown()
		return fmt.Errorf("failed to register sweep job: %w", err)
	}
	s.Start()
	c.scheduler = s
	c.log.Info().Dur("interval", interval).Msg("cache sweeper started")
	return nil
}

// Close stops the sweeper and all expiry timers. Entries remain readable.
func (c *Cache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	s := c.scheduler
	c.scheduler = nil
	for _, it := range c.entries {
		if it.timer != nil {
			it.timer.Stop()
		}
	}
	cleanup := c.metricsCleanup
	c.mu.Unlock()

	if cleanup != nil {
		cleanup()
	}
	if s != nil {
		if err := s.Shutdown(); err != nil {
			return fmt.Errorf("failed to stop sweep scheduler: %w", err)
		}
	}
	return nil
}

// expire is the timer callback; it only evicts the generation that armed it.
func (c *Cache) expire(key string, gen uint64) {
	c.mu.Lock()
	it, ok := c.entries[key]
	if !ok || it.gen != gen {
		c.mu.Unlock()
		return
	}
	c.removeLocked(it)
	c.mu.Unlock()

	c.drain()
	tracking.RecordEvictions(context.Background(), tracking.ReasonExpired, 1, c.namespace)
}

func (c *Cache) deleteKeys(reason string, keys ...string) int {
	c.mu.Lock()
	n := 0
	for _, k := range keys {
		if it, ok := c.entries[k]; ok {
			c.removeLocked(it)
			n++
		}
	}
	c.mu.Unlock()

	c.drain()
	tracking.RecordEvictions(context.Background(), reason, n, c.namespace)
	return n
}

// removeLocked deletes it from the store and indices and queues a nil notification.
func (c *Cache) removeLocked(it *item) {
	c.detachLocked(it)
	delete(c.entries, it.Key)
	c.enqueueLocked(it.Key, nil)
}

// detachLocked stops the timer and removes the key from the inverse indices.
func (c *Cache) detachLocked(it *item) {
	if it.timer != nil {
		it.timer.Stop()
	}
	indexRemove(c.deps, it.Dependencies, it.Key)
	indexRemove(c.tags, it.Tags, it.Key)
}

func (c *Cache) enqueueLocked(key string, value any) {
	subs := c.subs[key]
	if len(subs) == 0 {
		return
	}
	snapshot := make([]subscription, len(subs))
	copy(snapshot, subs)
	c.queue = append(c.queue, notification{key: key, value: value, subs: snapshot})
}

// drain delivers queued notifications in order. Only one goroutine delivers at a
// time; writes made by subscribers are appended and delivered by the same loop.
func (c *Cache) drain() {
	c.mu.Lock()
	if c.delivering {
		c.mu.Unlock()
		return
	}
	c.delivering = true
	for len(c.queue) > 0 {
		n := c.queue[0]
		c.queue[0] = notification{}
		c.queue = c.queue[1:]
		c.mu.Unlock()
		for _, s := range n.subs {
			c.invoke(s.fn, n.key, n.value)
		}
		c.mu.Lock()
	}
	c.queue = nil
	c.delivering = false
	c.mu.Unlock()
}

func (c *Cache) invoke(fn Subscriber, key string, value any) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Str("key", key).Interface("panic", r).Msg("cache subscriber failed")
		}
	}()
	fn(key, value)
}

func indexAdd(index map[string]mapset.Set[string], labels mapset.Set[string], key string) {
	for _, label := range labels.ToSlice() {
		set, ok := index[label]
		if !ok {
			set = mapset.NewThreadUnsafeSet[string]()
			index[label] = set
		}
		set.Add(key)
	}
}

func indexRemove(index map[string]mapset.Set[string], labels mapset.Set[string], key string) {
	for _, label := range labels.ToSlice() {
		if set, ok := index[label]; ok {
			set.Remove(key)
			if set.Cardinality() == 0 {
				delete(index, label)
			}
		}
	}
}

func indexKeys(index map[string]mapset.Set[string], label string) []string {
	set, ok := index[label]
	if !ok {
		return nil
	}
	return set.ToSlice()
}

// Package fetch coordinates cache-first reads: one in-flight request per key,
// stale-while-revalidate, debounced error surfacing, and cancellation of
// background revalidations nobody is waiting for.
package fetch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/gaborage/go-bricks-datalayer/cache"
	"github.com/gaborage/go-bricks-datalayer/errs"
	"github.com/gaborage/go-bricks-datalayer/logger"
)

// DefaultErrorDebounce delays publishing a fetch error to subscribers so that a
// quick successful retry does not flicker an error.
const DefaultErrorDebounce = 500 * time.Millisecond

// State is the observable state of one key.
type State struct {
	Data        any
	Loading     bool
	Err         error
	IsStale     bool
	LastFetchAt time.Time
}

// flight is the cancellation handle of the running fetch for a key.
type flight struct {
	cancel     context.CancelFunc
	background bool
	gen        uint64
}

type keyState struct {
	state State
	query Query
	subs  []*Subscription

	flight  *flight
	gen     uint64 // bumped by Mutate; a flight started under an older gen is discarded
	waiters int    // blocking callers joined to the flight
	initial bool   // a subscriber is waiting for the first value

	pendingErr error
	errTimer   *time.Timer

	unsubscribeCache func()
	suppress         int // own cache writes in progress

	dirty      bool
	delivering bool
}

// Coordinator owns the per-key read state machines. It is safe for concurrent use.
type Coordinator struct {
	cache    *cache.Cache
	group    singleflight.Group
	debounce time.Duration
	now      func() time.Time
	log      logger.Logger

	root       context.Context
	cancelRoot context.CancelFunc

	mu        sync.Mutex
	keys      map[string]*keyState
	nextID    uint64
	resetting int // purges in progress; cache deletions are not revalidated
	closed    bool

	flights sync.WaitGroup
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithErrorDebounce sets how long a failure waits before it is published. Zero publishes immediately.
func WithErrorDebounce(d time.Duration) Option {
	return func(c *Coordinator) {
		c.debounce = d
	}
}

// WithLogger sets the coordinator logger.
func WithLogger(log logger.Logger) Option {
	return func(c *Coordinator) {
		c.log = logger.OrNop(log).Component("fetch")
	}
}

// WithClock overrides the time source used for expiry checks and LastFetchAt.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// New creates a Coordinator reading through store.
func New(store *cache.Cache, opts ...Option) *Coordinator {
	root, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		cache:      store,
		debounce:   DefaultErrorDebounce,
		now:        time.Now,
		log:        logger.Nop(),
		root:       root,
		cancelRoot: cancel,
		keys:       make(map[string]*keyState),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Subscription is a live reader of one key.
type Subscription struct {
	c      *Coordinator
	key    string
	id     uint64
	fn     func(State)
	closed atomic.Bool
}

// Key returns the subscribed key.
func (s *Subscription) Key() string {
	return s.key
}

// State returns the current state of the key.
func (s *Subscription) State() State {
	return s.c.State(s.key)
}

// Refetch fetches the key again. See Coordinator.Refetch.
func (s *Subscription) Refetch(ctx context.Context, force bool) (State, error) {
	return s.c.Refetch(ctx, s.key, force)
}

// Mutate writes data for the key. See Coordinator.Mutate.
func (s *Subscription) Mutate(data any, revalidate bool) {
	s.c.Mutate(s.key, data, revalidate)
}

// Close detaches the subscriber. No callback runs after Close returns. When the
// last subscriber leaves, a background revalidation nobody else waits for is cancelled.
func (s *Subscription) Close() {
	if s.closed.Swap(true) {
		return
	}
	s.c.unsubscribe(s)
}

// Subscribe starts observing key. fn receives the current state before Subscribe
// returns and every later change. A fresh entry is served as is; a stale entry is
// served and revalidated in the background; a miss starts (or joins) a fetch.
func (c *Coordinator) Subscribe(key string, q Query, fn func(State)) *Subscription {
	c.mu.Lock()
	ks := c.keyLocked(key)
	ks.query = q
	c.nextID++
	sub := &Subscription{c: c, key: key, id: c.nextID, fn: fn}
	ks.subs = append(ks.subs, sub)
	if ks.unsubscribeCache == nil {
		ks.unsubscribeCache = c.cache.Subscribe(key, c.onCacheChange)
	}
	c.mu.Unlock()

	r := c.resolve(key, q)
	if r == resolvedMiss {
		c.mu.Lock()
		ks.initial = true
		c.mu.Unlock()
	}
	c.publish(key)

	switch r {
	case resolvedStale:
		c.start(key, q, true)
	case resolvedMiss:
		c.start(key, q, false)
	}
	return sub
}

// Read returns the state of key, fetching on a miss and waiting for the result.
// A stale entry is returned immediately with IsStale set while a background fetch runs.
func (c *Coordinator) Read(ctx context.Context, key string, q Query) (State, error) {
	c.mu.Lock()
	ks := c.keyLocked(key)
	if ks.query.Fetch == nil || len(ks.subs) == 0 {
		ks.query = q
	}
	c.mu.Unlock()

	switch c.resolve(key, q) {
	case resolvedFresh:
		return c.State(key), nil
	case resolvedStale:
		c.publish(key)
		c.start(key, q, true)
		return c.State(key), nil
	}
	c.publish(key)
	return c.await(ctx, key, q)
}

// Refetch fetches key again using the query it was last read or subscribed with.
// With force the cache entry is deleted first; entries sharing its dependencies are kept.
func (c *Coordinator) Refetch(ctx context.Context, key string, force bool) (State, error) {
	c.mu.Lock()
	ks, ok := c.keys[key]
	var q Query
	if ok {
		q = ks.query
	}
	c.mu.Unlock()
	if !ok || q.Fetch == nil {
		return State{}, errs.Validation("fetch.refetch", "key "+key+" has never been read")
	}

	if force {
		c.cache.Delete(key)
	}
	return c.await(ctx, key, q)
}

// Mutate writes data to the cache for key; subscribers observe it before Mutate
// returns. A fetch already running for the key is superseded. With revalidate a
// background fetch follows so subscribers end with the server's value.
func (c *Coordinator) Mutate(key string, data any, revalidate bool) {
	c.mu.Lock()
	ks := c.keyLocked(key)
	ks.gen++
	q := ks.query
	if f := ks.flight; f != nil && revalidate {
		f.cancel()
		ks.flight = nil
		ks.initial = false
		c.group.Forget(key)
	}
	c.mu.Unlock()

	if err := c.cache.Set(key, data, q.setOptions()); err != nil {
		c.log.Error().Str("key", key).Err(err).Msg("mutate failed")
		return
	}
	if !revalidate {
		return
	}
	if q.Fetch == nil {
		c.log.Debug().Str("key", key).Msg("mutate without query; skipping revalidation")
		return
	}
	c.start(key, q, true)
}

// State returns a snapshot of key's state.
func (c *Coordinator) State(key string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ks, ok := c.keys[key]; ok {
		return ks.state
	}
	return State{}
}

// CancelAll cancels every running fetch and pending error publication.
// Cancelled fetches leave state untouched apart from clearing Loading.
func (c *Coordinator) CancelAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, ks := range c.keys {
		c.stopLocked(key, ks)
	}
}

// Reset discards every reader's session: running fetches are cancelled and their
// results dropped, purge runs without triggering revalidation, and readers whose
// entry purge removed lose their data. Nothing is refetched until a reader asks.
func (c *Coordinator) Reset(purge func()) {
	c.mu.Lock()
	c.resetting++
	keys := make([]string, 0, len(c.keys))
	for key, ks := range c.keys {
		keys = append(keys, key)
		ks.gen++
		c.stopLocked(key, ks)
	}
	c.mu.Unlock()

	if purge != nil {
		purge()
	}

	gone := make([]string, 0, len(keys))
	for _, key := range keys {
		if !c.cache.Has(key) {
			gone = append(gone, key)
		}
	}

	c.mu.Lock()
	c.resetting--
	for _, key := range gone {
		if ks, ok := c.keys[key]; ok {
			ks.state = State{}
		}
	}
	c.mu.Unlock()

	for _, key := range gone {
		c.publish(key)
	}
	c.log.Debug().Int("readers", len(keys)).Int("cleared", len(gone)).Msg("readers reset")
}

// Evict removes key from the cache and clears its state without revalidating.
// A fetch running for the key is cancelled and its result dropped.
func (c *Coordinator) Evict(key string) {
	c.mu.Lock()
	ks, ok := c.keys[key]
	if ok {
		ks.gen++
		c.stopLocked(key, ks)
		ks.state = State{}
		ks.suppress++
	}
	c.mu.Unlock()

	c.cache.Delete(key)
	if !ok {
		return
	}
	c.mu.Lock()
	ks.suppress--
	c.mu.Unlock()
	c.publish(key)
}

// Revalidate starts a background fetch of key with the query it was last read
// or subscribed with. Unknown keys are ignored.
func (c *Coordinator) Revalidate(key string) {
	c.mu.Lock()
	ks, ok := c.keys[key]
	var q Query
	if ok {
		q = ks.query
	}
	c.mu.Unlock()
	if !ok || q.Fetch == nil {
		return
	}
	c.start(key, q, true)
}

// Close cancels all work, detaches from the cache and waits for running
// fetches to return. No fetch starts after Close.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.CancelAll()
	c.cancelRoot()

	c.mu.Lock()
	var stops []func()
	for _, ks := range c.keys {
		if ks.unsubscribeCache != nil {
			stops = append(stops, ks.unsubscribeCache)
			ks.unsubscribeCache = nil
		}
	}
	c.mu.Unlock()
	for _, stop := range stops {
		stop()
	}
	c.flights.Wait()
}

// stopLocked cancels key's running fetch and pending error publication.
func (c *Coordinator) stopLocked(key string, ks *keyState) {
	if ks.flight != nil {
		ks.flight.cancel()
		ks.flight = nil
		c.group.Forget(key)
	}
	ks.initial = false
	ks.state.Loading = false
	if ks.errTimer != nil {
		ks.errTimer.Stop()
		ks.errTimer = nil
	}
	ks.pendingErr = nil
}

type resolution int

const (
	resolvedFresh resolution = iota
	resolvedStale
	resolvedMiss
)

// resolve applies the cache to key's state and reports what the caller must do.
func (c *Coordinator) resolve(key string, q Query) resolution {
	e, ok := c.cache.Lookup(key)
	expired := ok && e.Expired(c.now())
	switch {
	case ok && !expired && !e.Stale:
		value, hit := c.cache.Get(key)
		if !hit {
			return c.markLoading(key)
		}
		c.mu.Lock()
		ks := c.keyLocked(key)
		ks.state.Data = value
		ks.state.IsStale = false
		ks.state.Loading = false
		c.mu.Unlock()
		return resolvedFresh
	case ok && (e.Stale || q.StaleWhileRevalidate):
		c.mu.Lock()
		ks := c.keyLocked(key)
		ks.state.Data = e.Value
		ks.state.IsStale = true
		ks.state.Loading = false
		c.mu.Unlock()
		return resolvedStale
	default:
		if !ok {
			c.cache.Get(key) // counts the miss
		}
		return c.markLoading(key)
	}
}

func (c *Coordinator) markLoading(key string) resolution {
	c.mu.Lock()
	c.keyLocked(key).state.Loading = true
	c.mu.Unlock()
	return resolvedMiss
}

// start runs q for key unless a fetch is already running, in which case the
// caller joins it. A foreground caller pins a joined background fetch. The fetch
// belongs to the generation current now; a Mutate, Evict or Reset before it
// registers drops it.
func (c *Coordinator) start(key string, q Query, background bool) <-chan singleflight.Result {
	c.mu.Lock()
	ks := c.keyLocked(key)
	if ks.flight != nil && !background {
		ks.flight.background = false
	}
	gen := ks.gen
	c.mu.Unlock()

	return c.group.DoChan(key, func() (any, error) {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, errs.Cancelled("fetch.run", context.Canceled)
		}
		c.flights.Add(1)
		c.mu.Unlock()
		defer c.flights.Done()

		return c.run(key, q, background, gen)
	})
}

// await joins or starts a foreground fetch and waits for it or ctx.
func (c *Coordinator) await(ctx context.Context, key string, q Query) (State, error) {
	for {
		c.mu.Lock()
		ks := c.keyLocked(key)
		ks.waiters++
		gen := ks.gen
		c.mu.Unlock()

		ch := c.start(key, q, false)
		var res singleflight.Result
		select {
		case res = <-ch:
		case <-ctx.Done():
			c.mu.Lock()
			ks.waiters--
			c.mu.Unlock()
			return c.State(key), errs.Cancelled("fetch.read", ctx.Err())
		}

		c.mu.Lock()
		ks.waiters--
		superseded := ks.gen != gen
		c.mu.Unlock()

		if res.Err != nil && errs.IsCancelled(res.Err) && superseded && ctx.Err() == nil {
			continue
		}
		st := c.State(key)
		if res.Err != nil {
			return st, res.Err
		}
		return st, nil
	}
}

// run executes one fetch and folds its outcome into key's state.
func (c *Coordinator) run(key string, q Query, background bool, gen uint64) (any, error) {
	ctx, cancel := context.WithCancel(c.root)
	defer cancel()

	c.mu.Lock()
	ks := c.keyLocked(key)
	if gen != ks.gen {
		// superseded before it started
		if ks.flight == nil {
			ks.initial = false
			ks.state.Loading = false
		}
		c.mu.Unlock()
		c.publish(key)
		return nil, errs.Cancelled("fetch.run", context.Canceled)
	}
	f := &flight{cancel: cancel, background: background && !ks.initial && ks.waiters == 0, gen: gen}
	ks.flight = f
	c.mu.Unlock()

	c.log.Debug().Str("key", key).Bool("background", background).Msg("fetch started")
	data, err := c.invoke(ctx, q)
	if err == nil && ctx.Err() != nil {
		err = errs.Cancelled("fetch.run", ctx.Err())
	}
	if err != nil && ctx.Err() != nil && !errs.IsCancelled(err) {
		err = errs.Cancelled("fetch.run", err)
	}

	c.finish(key, q, f, data, err)
	return data, err
}

func (c *Coordinator) invoke(ctx context.Context, q Query) (data any, err error) {
	if q.Fetch == nil {
		return nil, errs.Internal("fetch.run", "query has no fetch function", nil)
	}
	defer func() {
		if r := recover(); r != nil {
			data, err = nil, errs.Internal("fetch.run", "fetch panicked", nil)
			c.log.Error().Interface("panic", r).Msg("fetch panicked")
		}
	}()
	return q.Fetch(ctx)
}

func (c *Coordinator) finish(key string, q Query, f *flight, data any, err error) {
	c.mu.Lock()
	ks := c.keyLocked(key)
	current := ks.flight == f
	if current {
		ks.flight = nil
		ks.initial = false
	}
	if !current || f.gen != ks.gen {
		// superseded by Mutate or CancelAll; nothing from this fetch is published
		if current {
			ks.state.Loading = false
		}
		c.mu.Unlock()
		if current {
			c.publish(key)
		}
		return
	}

	ks.state.Loading = false
	switch {
	case err != nil && errs.IsCancelled(err):
		c.mu.Unlock()
		c.log.Debug().Str("key", key).Msg("fetch cancelled")

	case err != nil:
		c.scheduleErrorLocked(key, ks, err)
		c.mu.Unlock()
		c.log.Warn().Str("key", key).Err(err).Msg("fetch failed")

	default:
		if ks.errTimer != nil {
			ks.errTimer.Stop()
			ks.errTimer = nil
		}
		ks.pendingErr = nil
		ks.state.Err = nil
		ks.state.Data = data
		ks.state.IsStale = false
		ks.state.LastFetchAt = c.now()
		ks.suppress++
		c.mu.Unlock()

		if setErr := c.cache.Set(key, data, q.setOptions()); setErr != nil {
			c.log.Error().Str("key", key).Err(setErr).Msg("caching fetch result failed")
		}
		c.mu.Lock()
		ks.suppress--
		c.mu.Unlock()
	}
	c.publish(key)
}

// scheduleErrorLocked publishes err after the debounce unless a success arrives first.
func (c *Coordinator) scheduleErrorLocked(key string, ks *keyState, err error) {
	if c.debounce <= 0 {
		ks.state.Err = err
		return
	}
	ks.pendingErr = err
	if ks.errTimer == nil {
		ks.errTimer = time.AfterFunc(c.debounce, func() { c.surfaceError(key) })
	}
}

func (c *Coordinator) surfaceError(key string) {
	c.mu.Lock()
	ks := c.keyLocked(key)
	ks.errTimer = nil
	if ks.pendingErr == nil {
		c.mu.Unlock()
		return
	}
	ks.state.Err = ks.pendingErr
	ks.pendingErr = nil
	c.mu.Unlock()
	c.publish(key)
}

// onCacheChange keeps subscribers in sync with writes made by anyone else.
// A deleted or expired entry keeps its data, turns stale, and is revalidated.
func (c *Coordinator) onCacheChange(key string, value any) {
	stale := false
	if value != nil {
		if e, found := c.cache.Lookup(key); found {
			stale = e.Stale
		}
	}

	c.mu.Lock()
	ks, ok := c.keys[key]
	if !ok || ks.suppress > 0 {
		c.mu.Unlock()
		return
	}
	q := ks.query
	revalidate := false
	if value != nil {
		ks.state.Data = value
		ks.state.IsStale = stale
	} else {
		ks.state.IsStale = ks.state.Data != nil
		revalidate = len(ks.subs) > 0 && q.Fetch != nil && ks.flight == nil &&
			c.resetting == 0 && !c.closed
	}
	c.mu.Unlock()

	c.publish(key)
	if revalidate {
		c.start(key, q, true)
	}
}

// publish delivers key's latest state to its subscribers. One goroutine delivers
// at a time; changes made meanwhile (including from callbacks) trigger another
// round with the then-current state.
func (c *Coordinator) publish(key string) {
	c.mu.Lock()
	ks, ok := c.keys[key]
	if !ok {
		c.mu.Unlock()
		return
	}
	ks.dirty = true
	if ks.delivering {
		c.mu.Unlock()
		return
	}
	ks.delivering = true
	for ks.dirty {
		ks.dirty = false
		st := ks.state
		subs := append([]*Subscription(nil), ks.subs...)
		c.mu.Unlock()

		for _, s := range subs {
			c.deliver(s, st)
		}
		c.mu.Lock()
	}
	ks.delivering = false
	c.mu.Unlock()
}

func (c *Coordinator) deliver(s *Subscription, st State) {
	if s.closed.Load() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Str("key", s.key).Interface("panic", r).Msg("fetch subscriber failed")
		}
	}()
	s.fn(st)
}

func (c *Coordinator) unsubscribe(s *Subscription) {
	c.mu.Lock()
	ks, ok := c.keys[s.key]
	if !ok {
		c.mu.Unlock()
		return
	}
	for i, x := range ks.subs {
		if x == s {
			ks.subs = append(ks.subs[:i:i], ks.subs[i+1:]...)
			break
		}
	}
	if len(ks.subs) > 0 {
		c.mu.Unlock()
		return
	}

	if f := ks.flight; f != nil && f.background && ks.waiters == 0 && !ks.initial {
		f.cancel()
		c.log.Debug().Str("key", s.key).Msg("background revalidation cancelled")
	}
	stop := ks.unsubscribeCache
	ks.unsubscribeCache = nil
	c.mu.Unlock()

	if stop != nil {
		stop()
	}
}

func (c *Coordinator) keyLocked(key string) *keyState {
	ks, ok := c.keys[key]
	if !ok {
		ks = &keyState{}
		c.keys[key] = ks
	}
	return ks
}

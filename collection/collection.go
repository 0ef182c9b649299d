// Package collection exposes a typed, filterable list of domain records with
// optimistic CRUD. Reads go through the fetch coordinator; writes are projected
// locally, sent to the server, and deferred to the pending queue while offline.
package collection

import (
	"context"
	"encoding/json"
	"fmt"
	nethttp "net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/gaborage/go-bricks-datalayer/conflict"
	"github.com/gaborage/go-bricks-datalayer/errs"
	"github.com/gaborage/go-bricks-datalayer/fetch"
	"github.com/gaborage/go-bricks-datalayer/http"
	"github.com/gaborage/go-bricks-datalayer/logger"
	"github.com/gaborage/go-bricks-datalayer/optimistic"
	"github.com/gaborage/go-bricks-datalayer/pending"
	"github.com/gaborage/go-bricks-datalayer/preferences"
)

// Endpoints are path templates; "{id}" is replaced by the escaped record id.
type Endpoints struct {
	List   string
	Create string
	Item   string
}

// Connectivity is the online signal mutations consult.
type Connectivity interface {
	Online() bool
	Subscribe(fn func(online bool)) func()
}

// Config wires a Collection. Client, Coordinator, Endpoints and WithID are required.
type Config[T Record] struct {
	// Name prefixes cache keys and is the dependency every entry carries.
	Name        string
	Endpoints   Endpoints
	Client      http.Client
	Coordinator *fetch.Coordinator
	// WithID returns a copy of a record carrying id.
	WithID func(T, string) T

	Preferences  *preferences.Store
	FiltersKey   string
	Connectivity Connectivity
	Queue        *pending.Queue
	// Session must yield a token before any mutation is attempted.
	Session http.TokenSource
	// Tags returns the tags attached to every cache entry (e.g. the principal id).
	Tags func() []string

	TTL            time.Duration
	RollbackDelay  time.Duration
	ConflictPolicy conflict.Policy
	ConflictTick   time.Duration
	Logger         logger.Logger
}

// Collection is a live list of records of type T.
type Collection[T Record] struct {
	cfg      Config[T]
	items    *optimistic.Value[[]T]
	list     *optimistic.List[T]
	resolver *conflict.Resolver[T]
	log      logger.Logger

	// writeMu orders server snapshots against the start of local mutations.
	writeMu  sync.Mutex
	inflight int
	stash    []T
	epoch    uint64 // bumped by Reset; mutations of an older epoch never write back

	mu        sync.Mutex
	filters   Filters
	sort      Sort
	key       string
	sub       *fetch.Subscription
	fetched   fetch.State
	updating  mapset.Set[string]
	online    bool
	listeners map[uint64]func(State[T])
	nextID    uint64
	stops     []func()
	closed    bool
}

// New builds a collection, restores persisted filters and starts reading the list.
func New[T Record](cfg Config[T]) (*Collection[T], error) {
	if cfg.Client == nil || cfg.Coordinator == nil || cfg.WithID == nil {
		return nil, errs.Validation("collection.new", "client, coordinator and WithID are required")
	}
	if cfg.Endpoints.List == "" || cfg.Endpoints.Create == "" || cfg.Endpoints.Item == "" {
		return nil, errs.Validation("collection.new", "list, create and item endpoints are required")
	}
	if cfg.Name == "" {
		cfg.Name = "collection"
	}
	if cfg.FiltersKey == "" {
		cfg.FiltersKey = preferences.KeyExperimentFilters
	}
	if cfg.ConflictPolicy == "" {
		cfg.ConflictPolicy = conflict.ServerWins
	}

	c := &Collection[T]{
		cfg:       cfg,
		items:     optimistic.NewValue[[]T](nil),
		log:       logger.OrNop(cfg.Logger).Component("collection." + cfg.Name),
		updating:  mapset.NewSet[string](),
		online:    true,
		listeners: make(map[uint64]func(State[T])),
	}

	m := optimistic.New[[]T](c.items,
		optimistic.WithRollbackDelay(cfg.RollbackDelay),
		optimistic.WithLogger(cfg.Logger),
	)
	c.list = optimistic.NewList(m, optimistic.Identity[T]{
		ID:     func(t T) string { return t.Attributes().ID },
		WithID: cfg.WithID,
	})
	c.resolver = conflict.New(cfg.ConflictPolicy,
		conflict.WithTick[T](cfg.ConflictTick),
		conflict.WithPush[T](c.push),
		conflict.WithApply[T](c.applyResolved),
		conflict.WithLogger[T](cfg.Logger),
	)

	c.filters, c.sort = Filters{}, DefaultSort()
	if cfg.Preferences != nil {
		c.filters, c.sort = fromPreferences(cfg.Preferences.ExperimentFilters())
		c.stops = append(c.stops, cfg.Preferences.Subscribe(cfg.FiltersKey, c.onPersistedFilters))
	}
	if cfg.Connectivity != nil {
		c.online = cfg.Connectivity.Online()
		c.stops = append(c.stops, cfg.Connectivity.Subscribe(c.onConnectivity))
	}
	if cfg.Queue != nil {
		c.stops = append(c.stops, cfg.Queue.Subscribe(func(pending.Event) { c.publish() }))
	}
	c.stops = append(c.stops, c.items.Subscribe(func([]T) { c.publish() }))

	c.resubscribe()
	return c, nil
}

// State returns the current snapshot.
func (c *Collection[T]) State() State[T] {
	items := c.items.Get()

	c.mu.Lock()
	defer c.mu.Unlock()
	ids := c.updating.Clone()
	for _, it := range items {
		if id := it.Attributes().ID; optimistic.IsTemp(id) {
			ids.Add(id)
		}
	}
	st := State[T]{
		Items:        Project(items, c.filters, c.sort),
		Filters:      c.filters,
		Sort:         c.sort,
		IsOptimistic: ids.Cardinality() > 0,
		PendingIDs:   ids,
		Loading:      c.fetched.Loading,
		Err:          c.fetched.Err,
		IsOnline:     c.online,
	}
	if c.cfg.Queue != nil {
		st.Queued = c.cfg.Queue.Len()
	}
	return st
}

// Subscribe registers fn for state changes and returns an idempotent disposer.
func (c *Collection[T]) Subscribe(fn func(State[T])) func() {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.listeners[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.listeners, id)
			c.mu.Unlock()
		})
	}
}

// Conflicts returns the resolver that receives replay conflicts.
func (c *Collection[T]) Conflicts() *conflict.Resolver[T] {
	return c.resolver
}

// UpdateFilters merges u into the filters and persists them. A change of the
// server-side filters switches to (and fetches if needed) the matching list;
// a search change only reprojects the current list.
func (c *Collection[T]) UpdateFilters(u FilterUpdate) {
	c.mu.Lock()
	c.filters = c.filters.apply(u)
	f, s := c.filters, c.sort
	c.mu.Unlock()

	c.persist(f, s)
	c.resubscribe()
	c.publish()
}

// UpdateSorting sorts by field, persists the choice and revalidates the list.
// Choosing the current field toggles the order; a new field starts descending.
func (c *Collection[T]) UpdateSorting(field SortField) error {
	next := Sort{By: field, Order: Desc}
	if err := validateSort(next); err != nil {
		return err
	}

	c.mu.Lock()
	if c.sort.By == field {
		next.Order = Asc
		if c.sort.Order == Asc {
			next.Order = Desc
		}
	}
	c.sort = next
	f, key := c.filters, c.key
	c.mu.Unlock()

	c.persist(f, next)
	c.publish()
	c.cfg.Coordinator.Revalidate(key)
	return nil
}

// SetSorting replaces the sort without toggling and revalidates the list.
func (c *Collection[T]) SetSorting(s Sort) error {
	if err := validateSort(s); err != nil {
		return err
	}
	c.mu.Lock()
	c.sort = s
	f, key := c.filters, c.key
	c.mu.Unlock()

	c.persist(f, s)
	c.publish()
	c.cfg.Coordinator.Revalidate(key)
	return nil
}

// ClearFilters restores the default filters and sort.
func (c *Collection[T]) ClearFilters() {
	c.mu.Lock()
	c.filters, c.sort = Filters{}, DefaultSort()
	f, s := c.filters, c.sort
	c.mu.Unlock()

	c.persist(f, s)
	c.resubscribe()
	c.publish()
}

// Refetch reloads the current list from the server.
func (c *Collection[T]) Refetch(ctx context.Context) error {
	c.mu.Lock()
	key := c.key
	c.mu.Unlock()
	_, err := c.cfg.Coordinator.Refetch(ctx, key, false)
	return err
}

// GetDetails reads one record through the cache.
func (c *Collection[T]) GetDetails(ctx context.Context, id string) (T, error) {
	var zero T
	st, err := c.cfg.Coordinator.Read(ctx, c.itemKey(id), c.itemQuery(id))
	if err != nil {
		return zero, err
	}
	rec, ok := fetch.DataAs[T](st)
	if !ok {
		return zero, errs.Internal("collection.details", fmt.Sprintf("unexpected cached value %T", st.Data), nil)
	}
	return rec, nil
}

// Create adds item. While offline the request is queued and a *pending.QueuedError
// (matching pending.ErrQueued) is returned; otherwise item is shown under a
// temporary id until the server answers.
func (c *Collection[T]) Create(ctx context.Context, item T) (T, error) {
	var zero T
	if err := c.authorize(ctx); err != nil {
		return zero, err
	}
	if !c.isOnline() {
		return zero, c.enqueue(pending.KindCreate, c.cfg.Endpoints.Create, item, func(ctx context.Context) error {
			created, err := c.post(ctx, item)
			if err != nil {
				return err
			}
			c.mutateList(func(items []T) []T { return append([]T{created}, items...) }, true)
			return nil
		})
	}

	epoch := c.beginMutation("")
	created, err := c.list.Create(ctx, item, func(ctx context.Context, it T) (T, error) { return c.post(ctx, it) })
	c.endMutation("", epoch, err == nil)
	if err != nil {
		return zero, err
	}
	return created, nil
}

// Update merges the non-zero fields of partial into the record with id.
func (c *Collection[T]) Update(ctx context.Context, id string, partial T) (T, error) {
	var zero T
	if err := c.authorize(ctx); err != nil {
		return zero, err
	}
	if !c.isOnline() {
		return zero, c.enqueue(pending.KindUpdate, c.itemURL(id), partial, func(ctx context.Context) error {
			updated, err := c.patch(ctx, id, partial)
			if errs.Is(err, errs.KindConflict) {
				return c.conflicted(ctx, id, partial)
			}
			if err != nil {
				return err
			}
			c.mutateList(func(items []T) []T { return replace(items, id, updated) }, true)
			return nil
		})
	}

	epoch := c.beginMutation(id)
	updated, err := c.list.Update(ctx, id, partial, func(ctx context.Context, merged T) (T, error) {
		return c.patch(ctx, id, merged)
	})
	c.endMutation(id, epoch, err == nil)
	if err != nil {
		return zero, err
	}
	if cur := c.cfg.Coordinator.State(c.itemKey(id)); cur.Data != nil {
		c.cfg.Coordinator.Mutate(c.itemKey(id), updated, false)
	}
	return updated, nil
}

// Delete removes the record with id.
func (c *Collection[T]) Delete(ctx context.Context, id string) error {
	if err := c.authorize(ctx); err != nil {
		return err
	}
	if !c.isOnline() {
		return c.enqueue(pending.KindDelete, c.itemURL(id), nil, func(ctx context.Context) error {
			err := c.remove(ctx, id)
			if http.IsHTTPStatusError(err, nethttp.StatusNotFound) {
				err = nil
			}
			if err != nil {
				return err
			}
			c.mutateList(func(items []T) []T { return without(items, id) }, true)
			c.cfg.Coordinator.Evict(c.itemKey(id))
			return nil
		})
	}

	epoch := c.beginMutation(id)
	err := c.list.Delete(ctx, id, c.remove)
	c.endMutation(id, epoch, err == nil)
	if err != nil {
		return err
	}
	c.cfg.Coordinator.Evict(c.itemKey(id))
	return nil
}

// Close stops reading and releases subscriptions. Open optimistic operations are rolled back.
func (c *Collection[T]) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	sub := c.sub
	c.sub = nil
	stops := c.stops
	c.stops = nil
	c.listeners = make(map[uint64]func(State[T]))
	c.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
	for _, stop := range stops {
		stop()
	}
	c.list.Mutator().RollbackAll()
	c.resolver.Close()
}

// Reset ends the session's view of the list: unconfirmed changes are rolled
// back, mutations still in flight will not write their result back, and the
// items are replaced by whatever the coordinator still holds for the list.
// Call it after Coordinator.Reset.
func (c *Collection[T]) Reset() {
	c.list.Mutator().RollbackAll()

	c.writeMu.Lock()
	c.epoch++
	c.stash = nil
	c.writeMu.Unlock()
	c.updating.Clear()

	c.mu.Lock()
	key := c.key
	c.mu.Unlock()
	st := c.cfg.Coordinator.State(key)
	c.mu.Lock()
	c.fetched = st
	c.mu.Unlock()

	items, _ := fetch.DataAs[[]T](st)
	c.items.Set(items)
}

func (c *Collection[T]) authorize(ctx context.Context) error {
	if c.cfg.Session == nil {
		return nil
	}
	if _, err := c.cfg.Session.Token(ctx); err != nil {
		return err
	}
	return nil
}

func (c *Collection[T]) isOnline() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

func (c *Collection[T]) enqueue(kind pending.ChangeKind, endpoint string, payload any, replay func(context.Context) error) error {
	if c.cfg.Queue == nil {
		return errs.New(errs.KindNetwork, "collection."+string(kind), "offline", nil)
	}
	id := c.cfg.Queue.Enqueue(pending.Change{Kind: kind, Endpoint: endpoint, Payload: payload, Replay: replay})
	c.log.Info().Str("change_id", id).Str("kind", string(kind)).Str("endpoint", endpoint).Msg("mutation queued while offline")
	c.publish()
	return &pending.QueuedError{ChangeID: id}
}

// conflicted hands a replayed update the server rejected with 409 to the resolver.
func (c *Collection[T]) conflicted(ctx context.Context, id string, partial T) error {
	server, err := c.get(ctx, id)
	if err != nil {
		return err
	}
	client := server
	if items := c.items.Get(); index(items, id) >= 0 {
		client = items[index(items, id)]
	}
	merged, err := mergeInto(client, partial)
	if err != nil {
		return err
	}
	c.resolver.Detect(id, server, merged)
	return nil
}

func (c *Collection[T]) beginMutation(id string) uint64 {
	c.writeMu.Lock()
	c.inflight++
	epoch := c.epoch
	c.writeMu.Unlock()
	if id != "" {
		c.updating.Add(id)
	}
	return epoch
}

// endMutation publishes the confirmed list to the cache once no mutation is in
// flight, or applies a server snapshot that arrived meanwhile. A snapshot held
// back during a successful mutation predates it, so the list is revalidated
// instead of trusting either version.
func (c *Collection[T]) endMutation(id string, epoch uint64, ok bool) {
	if id != "" {
		c.updating.Remove(id)
	}
	c.writeMu.Lock()
	c.inflight--
	idle := c.inflight == 0
	stash := c.stash
	if idle {
		c.stash = nil
	}
	current := epoch == c.epoch
	c.writeMu.Unlock()

	switch {
	case !idle:
		c.publish()
	case ok && current:
		c.mu.Lock()
		key := c.key
		c.mu.Unlock()
		c.cfg.Coordinator.Mutate(key, c.items.Get(), stash != nil)
	case stash != nil:
		c.items.Set(stash)
	default:
		c.publish()
	}
}

// mutateList writes fn(current) to the cache and revalidates.
func (c *Collection[T]) mutateList(fn func([]T) []T, revalidate bool) {
	c.mu.Lock()
	key := c.key
	c.mu.Unlock()
	c.cfg.Coordinator.Mutate(key, fn(c.items.Get()), revalidate)
}

func (c *Collection[T]) resubscribe() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	key := c.listKey(c.filters)
	if key == c.key && c.sub != nil {
		c.mu.Unlock()
		return
	}
	old := c.sub
	c.key = key
	c.sub = nil
	q := c.listQuery(c.filters)
	c.mu.Unlock()

	if old != nil {
		old.Close()
	}
	sub := c.cfg.Coordinator.Subscribe(key, q, func(st fetch.State) { c.onFetch(key, st) })

	c.mu.Lock()
	if c.key == key && !c.closed {
		c.sub = sub
		sub = nil
	}
	c.mu.Unlock()
	if sub != nil {
		sub.Close()
	}
}

func (c *Collection[T]) onFetch(key string, st fetch.State) {
	c.mu.Lock()
	if key != c.key {
		c.mu.Unlock()
		return
	}
	c.fetched = st
	c.mu.Unlock()

	items, ok := fetch.DataAs[[]T](st)
	if !ok {
		c.publish()
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.inflight > 0 {
		c.stash = items
		return
	}
	c.items.Set(items)
}

func (c *Collection[T]) onConnectivity(online bool) {
	c.mu.Lock()
	c.online = online
	c.mu.Unlock()
	c.publish()
}

// onPersistedFilters follows filter changes written by another process.
func (c *Collection[T]) onPersistedFilters(raw json.RawMessage) {
	if raw == nil {
		return
	}
	stored := preferences.DefaultExperimentFilters()
	if err := json.Unmarshal(raw, &stored); err != nil {
		return
	}
	f, s := fromPreferences(stored)

	c.mu.Lock()
	changed := f != c.filters || s != c.sort
	c.filters, c.sort = f, s
	c.mu.Unlock()

	if changed {
		c.resubscribe()
		c.publish()
	}
}

func (c *Collection[T]) persist(f Filters, s Sort) {
	if c.cfg.Preferences == nil {
		return
	}
	stored := preferences.Get(c.cfg.Preferences, c.cfg.FiltersKey, preferences.DefaultExperimentFilters())
	if !c.cfg.Preferences.Set(c.cfg.FiltersKey, toPreferences(stored, f, s)) {
		c.log.Debug().Msg("filters not persisted")
	}
}

func (c *Collection[T]) publish() {
	st := c.State()
	c.mu.Lock()
	listeners := make([]func(State[T]), 0, len(c.listeners))
	for _, fn := range c.listeners {
		listeners = append(listeners, fn)
	}
	c.mu.Unlock()

	for _, fn := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.log.Error().Interface("panic", r).Msg("collection subscriber failed")
				}
			}()
			fn(st)
		}()
	}
}

func (c *Collection[T]) listKey(f Filters) string {
	q := listParams(f)
	if len(q) == 0 {
		return c.cfg.Name + ":list"
	}
	return c.cfg.Name + ":list?" + q.Encode()
}

func (c *Collection[T]) itemKey(id string) string {
	return c.cfg.Name + ":item:" + id
}

func listParams(f Filters) url.Values {
	q := url.Values{}
	if f.TypeFilter != "" {
		q.Set("type", f.TypeFilter)
	}
	if f.StatusFilter != "" {
		q.Set("status", f.StatusFilter)
	}
	return q
}

func (c *Collection[T]) listQuery(f Filters) fetch.Query {
	endpoint := c.cfg.Endpoints.List
	if q := listParams(f); len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	q := fetch.JSONQuery[[]T](c.cfg.Client, nethttp.MethodGet, endpoint, nil)
	return c.decorate(q)
}

func (c *Collection[T]) itemQuery(id string) fetch.Query {
	return c.decorate(fetch.Query{
		StaleWhileRevalidate: true,
		Fetch: func(ctx context.Context) (any, error) {
			return c.get(ctx, id)
		},
	})
}

func (c *Collection[T]) decorate(q fetch.Query) fetch.Query {
	q.TTL = c.cfg.TTL
	q.Dependencies = []string{c.cfg.Name}
	q.SessionTags = c.cfg.Tags
	return q
}

func (c *Collection[T]) itemURL(id string) string {
	return strings.ReplaceAll(c.cfg.Endpoints.Item, "{id}", url.PathEscape(id))
}

func (c *Collection[T]) get(ctx context.Context, id string) (T, error) {
	var out T
	resp, err := c.cfg.Client.Get(ctx, &http.Request{URL: c.itemURL(id)})
	if err != nil {
		return out, err
	}
	err = resp.Decode(&out)
	return out, err
}

func (c *Collection[T]) post(ctx context.Context, item T) (T, error) {
	var out T
	resp, err := c.cfg.Client.Post(ctx, &http.Request{URL: c.cfg.Endpoints.Create, JSON: item})
	if err != nil {
		return out, err
	}
	err = resp.Decode(&out)
	return out, err
}

func (c *Collection[T]) patch(ctx context.Context, id string, body T) (T, error) {
	var out T
	resp, err := c.cfg.Client.Patch(ctx, &http.Request{URL: c.itemURL(id), JSON: body})
	if err != nil {
		return out, err
	}
	err = resp.Decode(&out)
	return out, err
}

func (c *Collection[T]) remove(ctx context.Context, id string) error {
	_, err := c.cfg.Client.Delete(ctx, &http.Request{URL: c.itemURL(id)})
	return err
}

// push stores a client-chosen conflict resolution on the server.
func (c *Collection[T]) push(ctx context.Context, id string, snapshot T) (T, error) {
	var out T
	resp, err := c.cfg.Client.Put(ctx, &http.Request{URL: c.itemURL(id), JSON: snapshot})
	if err != nil {
		return out, err
	}
	err = resp.Decode(&out)
	return out, err
}

func (c *Collection[T]) applyResolved(id string, snapshot T) {
	c.mutateList(func(items []T) []T { return replace(items, id, snapshot) }, false)
	if cur := c.cfg.Coordinator.State(c.itemKey(id)); cur.Data != nil {
		c.cfg.Coordinator.Mutate(c.itemKey(id), snapshot, false)
	}
}

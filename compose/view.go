// Package compose bundles related reads into one view with a single loading and
// error signal, so a screen made of several panels does not flicker panel by panel.
package compose

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/gaborage/go-bricks-datalayer/errs"
	"github.com/gaborage/go-bricks-datalayer/fetch"
	"github.com/gaborage/go-bricks-datalayer/logger"
)

// Part is one sub-reader of a view.
type Part struct {
	Name  string
	Key   string
	Query fetch.Query
}

// Snapshot is the combined state of a view.
type Snapshot struct {
	Parts map[string]fetch.State
	// IsInitialLoading is true while every part loads and none has data yet.
	IsInitialLoading bool
	// HasAllErrors is true when every part failed and none has data.
	HasAllErrors bool
	// Populated latches once any part delivered data; later loads are silent.
	Populated bool
}

// View is a live composite of parts read through a fetch.Coordinator.
type View struct {
	name  string
	coord *fetch.Coordinator
	parts []Part
	log   logger.Logger

	mu        sync.Mutex
	states    map[string]fetch.State
	subs      []*fetch.Subscription
	populated bool
	listeners map[uint64]func(Snapshot)
	nextID    uint64
	closed    bool
}

// Option configures a View.
type Option func(*View)

// WithLogger sets the view logger.
func WithLogger(log logger.Logger) Option {
	return func(v *View) {
		v.log = log
	}
}

// New subscribes to every part and returns the view. Part names must be unique.
func New(name string, coord *fetch.Coordinator, parts []Part, opts ...Option) (*View, error) {
	if coord == nil {
		return nil, errs.Validation("compose.new", "coordinator is required")
	}
	if len(parts) == 0 {
		return nil, errs.Validation("compose.new", "at least one part is required")
	}
	seen := make(map[string]bool, len(parts))
	for _, p := range parts {
		if p.Name == "" || p.Key == "" || p.Query.Fetch == nil {
			return nil, errs.Validation("compose.new", "parts need a name, a key and a fetcher")
		}
		if seen[p.Name] {
			return nil, errs.Validation("compose.new", fmt.Sprintf("duplicate part %q", p.Name))
		}
		seen[p.Name] = true
	}

	v := &View{
		name:      name,
		coord:     coord,
		parts:     slices.Clone(parts),
		states:    make(map[string]fetch.State, len(parts)),
		listeners: make(map[uint64]func(Snapshot)),
	}
	for _, opt := range opts {
		opt(v)
	}
	v.log = logger.OrNop(v.log).Component("compose." + name)

	subs := make([]*fetch.Subscription, 0, len(parts))
	for _, p := range v.parts {
		subs = append(subs, coord.Subscribe(p.Key, p.Query, func(st fetch.State) { v.onState(p.Name, st) }))
	}
	v.mu.Lock()
	v.subs = subs
	v.mu.Unlock()
	return v, nil
}

// Snapshot returns the current combined state.
func (v *View) Snapshot() Snapshot {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.snapshotLocked()
}

// IsInitialLoading reports whether the view should show its first-load placeholder.
func (v *View) IsInitialLoading() bool {
	return v.Snapshot().IsInitialLoading
}

// HasAllErrors reports whether every part failed without data.
func (v *View) HasAllErrors() bool {
	return v.Snapshot().HasAllErrors
}

// Populated reports whether any part ever delivered data.
func (v *View) Populated() bool {
	return v.Snapshot().Populated
}

// Part returns the state of the named part.
func (v *View) Part(name string) (fetch.State, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	st, ok := v.states[name]
	return st, ok
}

// RefetchAll refetches every part in parallel and returns the first failure.
// One failing part does not cancel the others.
func (v *View) RefetchAll(ctx context.Context) error {
	var g errgroup.Group
	for _, p := range v.parts {
		g.Go(func() error {
			_, err := v.coord.Refetch(ctx, p.Key, false)
			if err != nil && !errs.IsCancelled(err) {
				v.log.Debug().Str("part", p.Name).Err(err).Msg("refetch failed")
			}
			return err
		})
	}
	return g.Wait()
}

// Subscribe registers fn for combined state changes and returns an idempotent disposer.
func (v *View) Subscribe(fn func(Snapshot)) func() {
	v.mu.Lock()
	v.nextID++
	id := v.nextID
	v.listeners[id] = fn
	v.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			v.mu.Lock()
			delete(v.listeners, id)
			v.mu.Unlock()
		})
	}
}

// Close unsubscribes every part.
func (v *View) Close() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	subs := v.subs
	v.subs = nil
	v.listeners = make(map[uint64]func(Snapshot))
	v.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
}

func (v *View) onState(name string, st fetch.State) {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.states[name] = st
	if st.Data != nil {
		v.populated = true
	}
	snap := v.snapshotLocked()
	listeners := make([]func(Snapshot), 0, len(v.listeners))
	for _, fn := range v.listeners {
		listeners = append(listeners, fn)
	}
	v.mu.Unlock()

	for _, fn := range listeners {
		v.deliver(fn, snap)
	}
}

func (v *View) deliver(fn func(Snapshot), snap Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			v.log.Error().Interface("panic", r).Msg("view subscriber failed")
		}
	}()
	fn(snap)
}

func (v *View) snapshotLocked() Snapshot {
	snap := Snapshot{
		Parts:     make(map[string]fetch.State, len(v.parts)),
		Populated: v.populated,
	}
	allLoading, allErrors, anyData := true, true, false
	for _, p := range v.parts {
		st := v.states[p.Name]
		snap.Parts[p.Name] = st
		if !st.Loading {
			allLoading = false
		}
		if st.Err == nil {
			allErrors = false
		}
		if st.Data != nil {
			anyData = true
		}
	}
	snap.IsInitialLoading = allLoading && !anyData && !v.populated
	snap.HasAllErrors = allErrors && !anyData
	return snap
}

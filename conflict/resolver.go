// Package conflict reconciles local snapshots that diverged from the server,
// typically after a delayed replay answered 409 or a revalidation returned data
// that disagrees with an unconfirmed local edit.
package conflict

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"slices"
	"sync"
	"time"

	"github.com/gaborage/go-bricks-datalayer/errs"
	"github.com/gaborage/go-bricks-datalayer/logger"
)

// DefaultTick delays automatic resolution so subscribers observe the pending record.
const DefaultTick = 50 * time.Millisecond

// Policy decides how a conflict is resolved.
type Policy string

const (
	ServerWins Policy = "server-wins"
	ClientWins Policy = "client-wins"
	Merge      Policy = "merge"
	Manual     Policy = "manual"
)

// ParsePolicy validates a policy name.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case ServerWins, ClientWins, Merge, Manual:
		return p, nil
	}
	return "", errs.Validation("conflict.policy", fmt.Sprintf("unknown policy %q", s))
}

// ErrUnknownConflict is returned by Resolve for ids with no pending record.
var ErrUnknownConflict = errs.Validation("conflict.resolve", "no pending conflict with that id")

// Record is one detected divergence.
type Record[T any] struct {
	ID         string
	Server     T
	Client     T
	DetectedAt time.Time
	Policy     Policy
	Resolved   bool
	Result     T
	ResolvedAt time.Time
}

// EventKind names a resolver event.
type EventKind string

const (
	EventDetected EventKind = "detected"
	EventResolved EventKind = "resolved"
	EventFailed   EventKind = "failed"
)

// Event reports a change to a conflict record.
type Event[T any] struct {
	Kind   EventKind
	Record Record[T]
	Err    error
}

// PushFunc sends the chosen snapshot to the authoritative store and returns what it stored.
type PushFunc[T any] func(ctx context.Context, id string, snapshot T) (T, error)

// ApplyFunc installs the resolved snapshot into local state.
type ApplyFunc[T any] func(id string, snapshot T)

type pendingRecord[T any] struct {
	Record[T]
	timer *time.Timer
}

type listener[T any] struct {
	id uint64
	fn func(Event[T])
}

// Resolver holds conflicts until they are resolved by policy or by the caller.
type Resolver[T any] struct {
	policy Policy
	tick   time.Duration
	push   PushFunc[T]
	apply  ApplyFunc[T]
	now    func() time.Time
	log    logger.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	pending   map[string]*pendingRecord[T]
	listeners []listener[T]
	nextID    uint64
}

// Option configures a Resolver.
type Option[T any] func(*Resolver[T])

// WithTick sets the automatic resolution delay. Non-positive values use DefaultTick.
func WithTick[T any](d time.Duration) Option[T] {
	return func(r *Resolver[T]) {
		if d > 0 {
			r.tick = d
		}
	}
}

// WithPush sets the function that sends client-side snapshots to the server.
func WithPush[T any](fn PushFunc[T]) Option[T] {
	return func(r *Resolver[T]) {
		r.push = fn
	}
}

// WithApply sets the function that installs resolved snapshots locally.
func WithApply[T any](fn ApplyFunc[T]) Option[T] {
	return func(r *Resolver[T]) {
		r.apply = fn
	}
}

// WithLogger sets the resolver logger.
func WithLogger[T any](log logger.Logger) Option[T] {
	return func(r *Resolver[T]) {
		r.log = logger.OrNop(log).Component("conflict")
	}
}

// New creates a resolver applying policy to every detected conflict.
func New[T any](policy Policy, opts ...Option[T]) *Resolver[T] {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Resolver[T]{
		policy:  policy,
		tick:    DefaultTick,
		now:     time.Now,
		log:     logger.Nop(),
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[string]*pendingRecord[T]),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Policy returns the configured policy.
func (r *Resolver[T]) Policy() Policy {
	return r.policy
}

// Detect records a conflict for id. A record already pending for id is replaced.
// Automatic policies resolve it after the tick; Manual waits for Resolve.
func (r *Resolver[T]) Detect(id string, server, client T) Record[T] {
	rec := Record[T]{ID: id, Server: server, Client: client, DetectedAt: r.now(), Policy: r.policy}

	r.mu.Lock()
	if old, ok := r.pending[id]; ok && old.timer != nil {
		old.timer.Stop()
	}
	p := &pendingRecord[T]{Record: rec}
	if r.policy != Manual {
		p.timer = time.AfterFunc(r.tick, func() { r.autoResolve(id, p) })
	}
	r.pending[id] = p
	r.mu.Unlock()

	r.log.Info().Str("id", id).Str("policy", string(r.policy)).Msg("conflict detected")
	r.emit(Event[T]{Kind: EventDetected, Record: rec})
	return rec
}

// Resolve settles the pending conflict for id with chosen. The snapshot is pushed
// to the server unless the policy is ServerWins or chosen is the server snapshot,
// then applied locally. On push failure the record stays pending.
func (r *Resolver[T]) Resolve(ctx context.Context, id string, chosen T) error {
	r.mu.Lock()
	p, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
		if p.timer != nil {
			p.timer.Stop()
		}
	}
	r.mu.Unlock()
	if !ok {
		return ErrUnknownConflict
	}
	push := r.policy != ServerWins && !reflect.DeepEqual(chosen, p.Server)
	return r.settle(ctx, p, chosen, push)
}

// Pending returns unresolved records, oldest first.
func (r *Resolver[T]) Pending() []Record[T] {
	r.mu.Lock()
	out := make([]Record[T], 0, len(r.pending))
	for _, p := range r.pending {
		out = append(out, p.Record)
	}
	r.mu.Unlock()

	slices.SortFunc(out, func(a, b Record[T]) int { return a.DetectedAt.Compare(b.DetectedAt) })
	return out
}

// Subscribe registers fn for detect and resolve events and returns an idempotent disposer.
func (r *Resolver[T]) Subscribe(fn func(Event[T])) func() {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.listeners = append(r.listeners, listener[T]{id: id, fn: fn})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.listeners = slices.DeleteFunc(r.listeners, func(l listener[T]) bool { return l.id == id })
		})
	}
}

// Close stops pending automatic resolutions and cancels running pushes.
func (r *Resolver[T]) Close() {
	r.cancel()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.pending {
		if p.timer != nil {
			p.timer.Stop()
		}
	}
}

// Choose returns the snapshot policy selects for rec.
func Choose[T any](policy Policy, rec Record[T]) (T, error) {
	switch policy {
	case ServerWins:
		return rec.Server, nil
	case ClientWins:
		return rec.Client, nil
	case Merge:
		merged, err := overlay(rec.Server, rec.Client)
		if err != nil {
			var zero T
			return zero, errs.Internal("conflict.merge", "merge client over server", err)
		}
		return merged, nil
	}
	var zero T
	return zero, errs.Validation("conflict.choose", fmt.Sprintf("policy %q needs a caller decision", policy))
}

// overlay is a shallow merge: every top-level field client encodes replaces the
// server's, nested objects included.
func overlay[T any](server, client T) (T, error) {
	var out T
	fields := map[string]json.RawMessage{}
	for _, v := range []T{server, client} {
		raw, err := json.Marshal(v)
		if err != nil {
			return out, err
		}
		if err := json.Unmarshal(raw, &fields); err != nil {
			return out, err
		}
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return out, err
	}
	err = json.Unmarshal(raw, &out)
	return out, err
}

func (r *Resolver[T]) autoResolve(id string, p *pendingRecord[T]) {
	r.mu.Lock()
	if r.pending[id] != p {
		r.mu.Unlock()
		return
	}
	delete(r.pending, id)
	r.mu.Unlock()

	chosen, err := Choose(r.policy, p.Record)
	if err != nil {
		r.fail(p, err)
		return
	}
	_ = r.settle(r.ctx, p, chosen, r.policy != ServerWins)
}

func (r *Resolver[T]) settle(ctx context.Context, p *pendingRecord[T], chosen T, push bool) error {
	result := chosen
	if push && r.push != nil {
		stored, err := r.push(ctx, p.ID, chosen)
		if err != nil {
			r.fail(p, err)
			return err
		}
		result = stored
	}
	if r.apply != nil {
		r.apply(p.ID, result)
	}

	rec := p.Record
	rec.Resolved = true
	rec.Result = result
	rec.ResolvedAt = r.now()
	r.log.Info().Str("id", rec.ID).Str("policy", string(r.policy)).Msg("conflict resolved")
	r.emit(Event[T]{Kind: EventResolved, Record: rec})
	return nil
}

// fail puts p back as pending (unless replaced meanwhile) and reports err.
func (r *Resolver[T]) fail(p *pendingRecord[T], err error) {
	r.mu.Lock()
	if _, replaced := r.pending[p.ID]; !replaced {
		p.timer = nil
		r.pending[p.ID] = p
	}
	r.mu.Unlock()

	r.log.Warn().Str("id", p.ID).Err(err).Msg("conflict resolution failed")
	r.emit(Event[T]{Kind: EventFailed, Record: p.Record, Err: err})
}

func (r *Resolver[T]) emit(e Event[T]) {
	r.mu.Lock()
	snapshot := slices.Clone(r.listeners)
	r.mu.Unlock()

	for _, l := range snapshot {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.log.Error().Interface("panic", rec).Msg("conflict listener failed")
				}
			}()
			l.fn(e)
		}()
	}
}

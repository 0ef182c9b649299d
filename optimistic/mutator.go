// Package optimistic applies local projections of mutations before the server
// confirms them and guarantees that every projection is either confirmed or
// rolled back exactly once.
package optimistic

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/gaborage/go-bricks-datalayer/errs"
	"github.com/gaborage/go-bricks-datalayer/logger"
)

// DefaultRollbackDelay bounds how long a projection may stay unconfirmed.
const DefaultRollbackDelay = 5 * time.Second

var (
	// ErrOperationPending is returned by Apply when the key already has an open operation.
	ErrOperationPending = errs.New(errs.KindValidation, "optimistic.apply", "operation already pending for key", nil)

	// ErrRollbackTimeout is the cause recorded when the rollback timer fires.
	ErrRollbackTimeout = errs.New(errs.KindNetwork, "optimistic", "mutation not confirmed in time", context.DeadlineExceeded)
)

// Store holds the authoritative visible value a Mutator projects over.
type Store[T any] interface {
	Get() T
	Set(T)
}

// EventKind names an operation outcome.
type EventKind string

const (
	EventSuccess  EventKind = "success"
	EventRollback EventKind = "rollback"
	EventError    EventKind = "error"
)

// Event reports the end of an operation.
type Event struct {
	Kind EventKind
	OpID string
	Key  string
	Err  error
}

// Operation is an open projection.
type Operation[T any] struct {
	ID        string
	Key       string
	Prior     T
	Projected T

	revert func(current T) T
	timer  *time.Timer
	cancel context.CancelFunc
	done   chan struct{}
	err    error // rollback cause; nil after confirm
}

// Done is closed once the operation is confirmed or rolled back.
func (o *Operation[T]) Done() <-chan struct{} {
	return o.done
}

// Mutator owns the open operations over one Store. Listeners run synchronously
// and must not call back into the Mutator.
type Mutator[T any] struct {
	mu        sync.Mutex
	store     Store[T]
	ops       map[string]*Operation[T]
	byKey     map[string]string
	listeners []func(Event)
	delay     time.Duration
	log       logger.Logger
}

// Option configures a Mutator.
type Option func(*settings)

type settings struct {
	delay time.Duration
	log   logger.Logger
}

// WithRollbackDelay sets the rollback timer. Zero disables it.
func WithRollbackDelay(d time.Duration) Option {
	return func(s *settings) {
		s.delay = d
	}
}

// WithLogger sets the mutator logger.
func WithLogger(log logger.Logger) Option {
	return func(s *settings) {
		s.log = log
	}
}

// New creates a Mutator over store.
func New[T any](store Store[T], opts ...Option) *Mutator[T] {
	s := settings{delay: DefaultRollbackDelay}
	for _, opt := range opts {
		opt(&s)
	}
	return &Mutator[T]{
		store: store,
		ops:   make(map[string]*Operation[T]),
		byKey: make(map[string]string),
		delay: s.delay,
		log:   logger.OrNop(s.log).Component("optimistic"),
	}
}

// Apply replaces the visible value with project(current) and returns the operation id.
// Rollback restores the value seen before Apply.
func (m *Mutator[T]) Apply(key string, project func(T) T) (string, error) {
	op, err := m.apply(key, project, nil, nil)
	if err != nil {
		return "", err
	}
	return op.ID, nil
}

// ApplyWith is Apply with a custom revert. Rollback sets revert(current) instead
// of the prior snapshot, so concurrent operations on other keys survive.
func (m *Mutator[T]) ApplyWith(key string, project, revert func(T) T) (string, error) {
	op, err := m.apply(key, project, revert, nil)
	if err != nil {
		return "", err
	}
	return op.ID, nil
}

func (m *Mutator[T]) apply(key string, project, revert func(T) T, cancel context.CancelFunc) (*Operation[T], error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, busy := m.byKey[key]; busy {
		return nil, ErrOperationPending
	}

	prior := m.store.Get()
	projected := project(prior)
	op := &Operation[T]{
		ID:        ulid.Make().String(),
		Key:       key,
		Prior:     prior,
		Projected: projected,
		revert:    revert,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	m.ops[op.ID] = op
	m.byKey[key] = op.ID
	m.store.Set(projected)

	if m.delay > 0 {
		id := op.ID
		op.timer = time.AfterFunc(m.delay, func() {
			m.log.Warn().Str("op_id", id).Str("key", key).Dur("delay", m.delay).Msg("optimistic operation timed out")
			m.Rollback(id, ErrRollbackTimeout)
		})
	}
	m.log.Debug().Str("op_id", op.ID).Str("key", key).Msg("projection applied")
	return op, nil
}

// Confirm closes the operation. When final is non-nil it becomes the visible value.
// Confirming a closed or unknown operation is a no-op.
func (m *Mutator[T]) Confirm(opID string, final *T) {
	m.ConfirmWith(opID, func(current T) T {
		if final != nil {
			return *final
		}
		return current
	})
}

// ConfirmWith closes the operation and sets commit(current) as the visible value.
func (m *Mutator[T]) ConfirmWith(opID string, commit func(T) T) {
	m.mu.Lock()
	op, ok := m.closeLocked(opID)
	if !ok {
		m.mu.Unlock()
		return
	}
	if commit != nil {
		m.store.Set(commit(m.store.Get()))
	}
	listeners := m.listenersLocked()
	m.mu.Unlock()

	close(op.done)
	emit(listeners, Event{Kind: EventSuccess, OpID: op.ID, Key: op.Key}, m.log)
}

// Rollback restores the state prior to the operation and records cause.
// Rolling back a closed or unknown operation is a no-op.
func (m *Mutator[T]) Rollback(opID string, cause error) {
	m.mu.Lock()
	op, ok := m.closeLocked(opID)
	if !ok {
		m.mu.Unlock()
		return
	}
	if op.revert != nil {
		m.store.Set(op.revert(m.store.Get()))
	} else {
		m.store.Set(op.Prior)
	}
	op.err = cause
	listeners := m.listenersLocked()
	m.mu.Unlock()

	if op.cancel != nil {
		op.cancel()
	}
	close(op.done)

	m.log.Info().Str("op_id", op.ID).Str("key", op.Key).Err(cause).Msg("projection rolled back")
	emit(listeners, Event{Kind: EventRollback, OpID: op.ID, Key: op.Key, Err: cause}, m.log)
	if cause != nil {
		emit(listeners, Event{Kind: EventError, OpID: op.ID, Key: op.Key, Err: cause}, m.log)
	}
}

// RollbackAll rolls back every open operation, newest first.
func (m *Mutator[T]) RollbackAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.ops))
	for id := range m.ops {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	// ULIDs sort by creation time
	slices.Sort(ids)
	slices.Reverse(ids)
	for _, id := range ids {
		m.Rollback(id, nil)
	}
}

// Run applies project, invokes call, and confirms with its result or rolls back on
// failure. call's context is cancelled when the rollback timer fires. On failure
// the rollback is complete before Run returns the error.
func (m *Mutator[T]) Run(ctx context.Context, key string, project func(T) T, call func(ctx context.Context) (*T, error)) error {
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	op, err := m.apply(key, project, nil, cancel)
	if err != nil {
		return err
	}
	final, err := call(callCtx)
	return m.settle(op, err, func(current T) T {
		if final != nil {
			return *final
		}
		return current
	})
}

// settle confirms op with commit or rolls it back with err, and returns the
// error the caller must see.
func (m *Mutator[T]) settle(op *Operation[T], err error, commit func(T) T) error {
	if err == nil {
		m.ConfirmWith(op.ID, commit)
		// a confirm after the rollback timer fired is a no-op; report the timeout
		return m.rolledBackWith(op)
	}
	m.Rollback(op.ID, err)
	if cause := m.rolledBackWith(op); errors.Is(cause, ErrRollbackTimeout) {
		return cause
	}
	return err
}

func (m *Mutator[T]) rolledBackWith(op *Operation[T]) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return op.err
}

// Pending returns the keys with open operations.
func (m *Mutator[T]) Pending() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.byKey))
	for k := range m.byKey {
		keys = append(keys, k)
	}
	return keys
}

// HasPending reports whether any operation is open.
func (m *Mutator[T]) HasPending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ops) > 0
}

// Subscribe registers fn for operation events and returns an idempotent disposer.
func (m *Mutator[T]) Subscribe(fn func(Event)) func() {
	m.mu.Lock()
	idx := len(m.listeners)
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			m.listeners[idx] = nil
			m.mu.Unlock()
		})
	}
}

func (m *Mutator[T]) closeLocked(opID string) (*Operation[T], bool) {
	op, ok := m.ops[opID]
	if !ok {
		return nil, false
	}
	delete(m.ops, opID)
	delete(m.byKey, op.Key)
	if op.timer != nil {
		op.timer.Stop()
	}
	return op, true
}

func (m *Mutator[T]) listenersLocked() []func(Event) {
	out := make([]func(Event), 0, len(m.listeners))
	for _, fn := range m.listeners {
		if fn != nil {
			out = append(out, fn)
		}
	}
	return out
}

func emit(listeners []func(Event), e Event, log logger.Logger) {
	for _, fn := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Interface("panic", r).Msg("optimistic listener failed")
				}
			}()
			fn(e)
		}()
	}
}

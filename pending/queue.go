// Package pending holds mutations that could not reach the server and replays
// them, strictly in enqueue order, when connectivity returns.
package pending

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/oklog/ulid/v2"

	"github.com/gaborage/go-bricks-datalayer/errs"
	"github.com/gaborage/go-bricks-datalayer/logger"
)

// ChangeKind is the kind of deferred mutation.
type ChangeKind string

const (
	KindCreate ChangeKind = "create"
	KindUpdate ChangeKind = "update"
	KindDelete ChangeKind = "delete"
)

// ErrQueued is matched (errors.Is) by the error returned to callers whose
// mutation was deferred while offline.
var ErrQueued = errs.New(errs.KindNetwork, "", "offline; queued", nil)

// QueuedError reports that a mutation was queued instead of sent.
type QueuedError struct {
	ChangeID string
}

func (e *QueuedError) Error() string {
	return "offline; queued"
}

// Is matches ErrQueued.
func (e *QueuedError) Is(target error) bool {
	return target == ErrQueued
}

// Kind implements errs.Kinded.
func (e *QueuedError) Kind() errs.Kind {
	return errs.KindNetwork
}

// Change is a deferred mutation. Replay sends it; a nil error drops it from the queue.
type Change struct {
	ID         string
	Kind       ChangeKind
	Endpoint   string
	Payload    any
	Replay     func(ctx context.Context) error `json:"-"`
	EnqueuedAt time.Time
	Attempts   int
	LastError  error `json:"-"`
}

// EventKind names the outcome of one replay.
type EventKind string

const (
	EventReplayed EventKind = "replayed"
	EventFailed   EventKind = "failed"
)

// Event is emitted after each replay attempt.
type Event struct {
	Kind   EventKind
	Change Change
	Err    error
}

type listener struct {
	id uint64
	fn func(Event)
}

// Queue is an ordered queue of pending changes. Drains are serialized.
type Queue struct {
	mu        sync.Mutex
	changes   []*Change
	listeners []listener
	nextID    uint64

	drainMu sync.Mutex
	now     func() time.Time
	log     logger.Logger
}

// New creates an empty queue.
func New(log logger.Logger) *Queue {
	return &Queue{
		now: time.Now,
		log: logger.OrNop(log).Component("pending"),
	}
}

// Enqueue appends c and returns its id. A ULID is assigned when c.ID is empty.
func (q *Queue) Enqueue(c Change) string {
	if c.ID == "" {
		c.ID = ulid.Make().String()
	}
	if c.EnqueuedAt.IsZero() {
		c.EnqueuedAt = q.now()
	}

	q.mu.Lock()
	q.changes = append(q.changes, &c)
	n := len(q.changes)
	q.mu.Unlock()

	q.log.Info().
		Str("change_id", c.ID).
		Str("kind", string(c.Kind)).
		Str("endpoint", c.Endpoint).
		Int("queue_length", n).
		Msg("change queued")
	return c.ID
}

// Drop removes the change with id. Returns false when absent.
func (q *Queue) Drop(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, c := range q.changes {
		if c.ID == id {
			q.changes = append(q.changes[:i], q.changes[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of queued changes.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.changes)
}

// List returns copies of the queued changes in order.
func (q *Queue) List() []Change {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Change, len(q.changes))
	for i, c := range q.changes {
		out[i] = *c
	}
	return out
}

// Clear discards every queued change and returns how many were dropped.
func (q *Queue) Clear() int {
	q.mu.Lock()
	n := len(q.changes)
	q.changes = nil
	q.mu.Unlock()

	if n > 0 {
		q.log.Info().Int("count", n).Msg("pending changes discarded")
	}
	return n
}

// Subscribe registers fn for replay events and returns an idempotent disposer.
func (q *Queue) Subscribe(fn func(Event)) func() {
	q.mu.Lock()
	q.nextID++
	id := q.nextID
	q.listeners = append(q.listeners, listener{id: id, fn: fn})
	q.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			q.mu.Lock()
			defer q.mu.Unlock()
			for i, l := range q.listeners {
				if l.id == id {
					q.listeners = append(q.listeners[:i:i], q.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// Drain replays every change present when it starts, one at a time, in order.
// Successful changes are dropped; failed ones stay queued for the next drain.
// Concurrent calls wait for the running drain. The returned error aggregates
// the failures; cancellation stops the drain and is returned alone.
func (q *Queue) Drain(ctx context.Context) error {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	q.mu.Lock()
	batch := append([]*Change(nil), q.changes...)
	q.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	q.log.Info().Int("count", len(batch)).Msg("draining pending changes")

	var result *multierror.Error
	replayed := 0
	for _, c := range batch {
		if err := ctx.Err(); err != nil {
			return errs.Cancelled("pending.drain", err)
		}
		if !q.contains(c) {
			continue
		}

		err := q.replay(ctx, c)
		if err != nil && errs.IsCancelled(err) {
			return err
		}

		q.mu.Lock()
		c.Attempts++
		c.LastError = err
		snapshot := *c
		q.mu.Unlock()

		if err == nil {
			q.remove(c)
			replayed++
			q.emit(Event{Kind: EventReplayed, Change: snapshot})
			continue
		}

		q.log.Warn().Str("change_id", c.ID).Int("attempts", snapshot.Attempts).Err(err).Msg("pending change replay failed")
		result = multierror.Append(result, fmt.Errorf("change %s (%s %s): %w", c.ID, c.Kind, c.Endpoint, err))
		q.emit(Event{Kind: EventFailed, Change: snapshot, Err: err})
	}

	q.log.Info().Int("replayed", replayed).Int("remaining", q.Len()).Msg("pending drain finished")
	return result.ErrorOrNil()
}

func (q *Queue) replay(ctx context.Context, c *Change) (err error) {
	if c.Replay == nil {
		return errs.Internal("pending.replay", "change has no replay function", nil)
	}
	defer func() {
		if r := recover(); r != nil {
			err = errs.Internal("pending.replay", fmt.Sprintf("replay panicked: %v", r), nil)
		}
	}()
	return c.Replay(ctx)
}

func (q *Queue) contains(c *Change) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, x := range q.changes {
		if x == c {
			return true
		}
	}
	return false
}

func (q *Queue) remove(c *Change) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, x := range q.changes {
		if x == c {
			q.changes = append(q.changes[:i], q.changes[i+1:]...)
			return
		}
	}
}

func (q *Queue) emit(e Event) {
	q.mu.Lock()
	snapshot := append([]listener(nil), q.listeners...)
	q.mu.Unlock()

	for _, l := range snapshot {
		func() {
			defer func() {
				if r := recover(); r != nil {
					q.log.Error().Interface("panic", r).Msg("pending listener failed")
				}
			}()
			l.fn(e)
		}()
	}
}

package optimistic

import (
	"context"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/gaborage/go-bricks-datalayer/errs"
)

// TempIDPrefix marks ids assigned to records the server has not created yet.
const TempIDPrefix = "temp-"

// Position selects where Create inserts the projected record.
type Position int

const (
	Head Position = iota
	Tail
)

// Identity reads and assigns record ids.
type Identity[T any] struct {
	ID     func(T) string
	WithID func(T, string) T
}

// List applies item-level optimistic CRUD over a []T store. Each operation is
// keyed by the record id; rollback only touches that record, so concurrent
// operations on other records survive.
type List[T any] struct {
	m        *Mutator[[]T]
	identity Identity[T]
	insertAt Position
}

// ListOption configures a List.
type ListOption[T any] func(*List[T])

// InsertAt sets where Create places new records. The default is Head.
func InsertAt[T any](p Position) ListOption[T] {
	return func(l *List[T]) {
		l.insertAt = p
	}
}

// NewList wraps m with CRUD helpers.
func NewList[T any](m *Mutator[[]T], identity Identity[T], opts ...ListOption[T]) *List[T] {
	l := &List[T]{m: m, identity: identity}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Mutator returns the underlying mutator.
func (l *List[T]) Mutator() *Mutator[[]T] {
	return l.m
}

// IsTemp reports whether id was assigned by Create.
func IsTemp(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// Create shows item under a temporary id, then replaces it with the record
// returned by call. On failure the temporary record is removed before the error
// is returned.
func (l *List[T]) Create(ctx context.Context, item T, call func(ctx context.Context, item T) (T, error)) (T, error) {
	tempID := TempIDPrefix + uuid.NewString()
	projected := l.identity.WithID(item, tempID)

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	op, err := l.m.apply(tempID,
		func(items []T) []T {
			if l.insertAt == Tail {
				return append(slices.Clone(items), projected)
			}
			return append([]T{projected}, items...)
		},
		func(items []T) []T { return l.without(items, tempID) },
		cancel,
	)
	if err != nil {
		var zero T
		return zero, err
	}

	created, err := call(callCtx, item)
	err = l.m.settle(op, err, func(items []T) []T { return l.replace(items, tempID, created) })
	if err != nil {
		var zero T
		return zero, err
	}
	return created, nil
}

// Update merges the non-zero fields of partial into the record with id, then
// replaces it with the record returned by call. On failure the pre-merge record
// is restored before the error is returned.
func (l *List[T]) Update(ctx context.Context, id string, partial T, call func(ctx context.Context, merged T) (T, error)) (T, error) {
	var zero T
	items := l.m.store.Get()
	idx := l.index(items, id)
	if idx < 0 {
		return zero, errs.Validation("optimistic.update", "record "+id+" not found")
	}
	before := items[idx]
	merged := before
	if err := Merge(&merged, partial); err != nil {
		return zero, errs.Internal("optimistic.update", "merge partial update", err)
	}

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	op, err := l.m.apply(id,
		func(items []T) []T { return l.replace(items, id, merged) },
		func(items []T) []T { return l.replace(items, id, before) },
		cancel,
	)
	if err != nil {
		return zero, err
	}

	updated, err := call(callCtx, merged)
	err = l.m.settle(op, err, func(items []T) []T { return l.replace(items, id, updated) })
	if err != nil {
		return zero, err
	}
	return updated, nil
}

// Delete hides the record with id and calls call. On failure the record is
// restored at its original position before the error is returned.
func (l *List[T]) Delete(ctx context.Context, id string, call func(ctx context.Context, id string) error) error {
	items := l.m.store.Get()
	idx := l.index(items, id)
	if idx < 0 {
		return errs.Validation("optimistic.delete", "record "+id+" not found")
	}
	removed := items[idx]

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	op, err := l.m.apply(id,
		func(items []T) []T { return l.without(items, id) },
		func(items []T) []T {
			if l.index(items, id) >= 0 {
				return items
			}
			at := min(idx, len(items))
			return slices.Insert(slices.Clone(items), at, removed)
		},
		cancel,
	)
	if err != nil {
		return err
	}

	err = call(callCtx, id)
	return l.m.settle(op, err, nil)
}

func (l *List[T]) index(items []T, id string) int {
	return slices.IndexFunc(items, func(it T) bool { return l.identity.ID(it) == id })
}

func (l *List[T]) without(items []T, id string) []T {
	return slices.DeleteFunc(slices.Clone(items), func(it T) bool { return l.identity.ID(it) == id })
}

func (l *List[T]) replace(items []T, id string, with T) []T {
	idx := l.index(items, id)
	if idx < 0 {
		return items
	}
	out := slices.Clone(items)
	out[idx] = with
	return out
}

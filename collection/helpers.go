package collection

import (
	"slices"

	"github.com/gaborage/go-bricks-datalayer/errs"
	"github.com/gaborage/go-bricks-datalayer/optimistic"
)

func index[T Record](items []T, id string) int {
	return slices.IndexFunc(items, func(it T) bool { return it.Attributes().ID == id })
}

func without[T Record](items []T, id string) []T {
	return slices.DeleteFunc(slices.Clone(items), func(it T) bool { return it.Attributes().ID == id })
}

// replace swaps the record with id for with, or prepends with when id is absent.
func replace[T Record](items []T, id string, with T) []T {
	i := index(items, id)
	if i < 0 {
		return append([]T{with}, items...)
	}
	out := slices.Clone(items)
	out[i] = with
	return out
}

// mergeInto overrides base with the non-zero fields of partial.
func mergeInto[T any](base, partial T) (T, error) {
	if err := optimistic.Merge(&base, partial); err != nil {
		return base, errs.Internal("collection.merge", "merge partial update", err)
	}
	return base, nil
}

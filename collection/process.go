package collection

import (
	"cmp"
	"slices"
	"strings"

	"github.com/gaborage/go-bricks-datalayer/validation"
)

func validateSort(s Sort) error {
	return validation.Default().Struct(s)
}

// Search keeps items whose name or type contains term, case-insensitively.
// An empty term keeps everything.
func Search[T Record](items []T, term string) []T {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return slices.Clone(items)
	}
	out := make([]T, 0, len(items))
	for _, it := range items {
		a := it.Attributes()
		if strings.Contains(strings.ToLower(a.Name), term) || strings.Contains(strings.ToLower(a.Type), term) {
			out = append(out, it)
		}
	}
	return out
}

// SortItems stable-sorts items in place. Dates compare as timestamps, strings
// case-folded, and equal keys fall back to ascending id regardless of order.
func SortItems[T Record](items []T, s Sort) {
	slices.SortStableFunc(items, func(x, y T) int {
		a, b := x.Attributes(), y.Attributes()
		c := compareField(a, b, s.By)
		if s.Order == Desc {
			c = -c
		}
		if c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

func compareField(a, b Attributes, field SortField) int {
	switch field {
	case SortCreatedAt:
		return a.CreatedAt.Compare(b.CreatedAt)
	case SortUpdatedAt:
		return a.UpdatedAt.Compare(b.UpdatedAt)
	case SortName:
		return cmp.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name))
	case SortType:
		return cmp.Compare(strings.ToLower(a.Type), strings.ToLower(b.Type))
	case SortStatus:
		return cmp.Compare(strings.ToLower(a.Status), strings.ToLower(b.Status))
	}
	return 0
}

// Project applies search then sort to a copy of items.
func Project[T Record](items []T, f Filters, s Sort) []T {
	out := Search(items, f.Search)
	SortItems(out, s)
	return out
}

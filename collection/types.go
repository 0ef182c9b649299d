package collection

import (
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/gaborage/go-bricks-datalayer/preferences"
)

// Attributes are the record fields the collection filters, searches and sorts on.
type Attributes struct {
	ID        string
	Name      string
	Type      string
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Record is a domain record held by a Collection.
type Record interface {
	Attributes() Attributes
}

// SortField names a sortable attribute.
type SortField string

const (
	SortCreatedAt SortField = "created_at"
	SortUpdatedAt SortField = "updated_at"
	SortName      SortField = "name"
	SortType      SortField = "type"
	SortStatus    SortField = "status"
)

// SortOrder is asc or desc.
type SortOrder string

const (
	Asc  SortOrder = "asc"
	Desc SortOrder = "desc"
)

// Sort selects the client-side ordering.
type Sort struct {
	By    SortField `validate:"oneof=created_at updated_at name type status"`
	Order SortOrder `validate:"sortorder"`
}

// DefaultSort orders newest first.
func DefaultSort() Sort {
	return Sort{By: SortCreatedAt, Order: Desc}
}

// Filters are the recognized list filters. Empty means no filter. Type and
// status are sent to the server; search is applied client-side.
type Filters struct {
	TypeFilter   string
	StatusFilter string
	Search       string
}

// FilterUpdate is a partial Filters; nil fields are left unchanged.
type FilterUpdate struct {
	TypeFilter   *string
	StatusFilter *string
	Search       *string
}

func (f Filters) apply(u FilterUpdate) Filters {
	if u.TypeFilter != nil {
		f.TypeFilter = *u.TypeFilter
	}
	if u.StatusFilter != nil {
		f.StatusFilter = *u.StatusFilter
	}
	if u.Search != nil {
		f.Search = *u.Search
	}
	return f
}

// State is the collection snapshot delivered to subscribers.
type State[T Record] struct {
	// Items is the searched and sorted list, including unconfirmed local changes.
	Items   []T
	Filters Filters
	Sort    Sort
	// IsOptimistic is true while any local change awaits the server.
	IsOptimistic bool
	PendingIDs   mapset.Set[string]
	Loading      bool
	Err          error
	IsOnline     bool
	// Queued counts mutations deferred while offline.
	Queued int
}

func fromPreferences(p preferences.ExperimentFilters) (Filters, Sort) {
	f := Filters{TypeFilter: p.TypeFilter, StatusFilter: p.StatusFilter, Search: p.Search}
	s := Sort{By: SortField(p.SortBy), Order: SortOrder(p.SortOrder)}
	if validateSort(s) != nil {
		s = DefaultSort()
	}
	return f, s
}

func toPreferences(base preferences.ExperimentFilters, f Filters, s Sort) preferences.ExperimentFilters {
	base.TypeFilter = f.TypeFilter
	base.StatusFilter = f.StatusFilter
	base.Search = f.Search
	base.SortBy = string(s.By)
	base.SortOrder = string(s.Order)
	return base
}

package preferences

import (
	"time"

	"github.com/gaborage/go-bricks-datalayer/validation"
)

// Persisted keys.
const (
	KeyUserPreferences   = "user_preferences"
	KeyDashboardSettings = "dashboard_settings"
	KeyExperimentFilters = "experiment_filters"
	KeyUIState           = "ui_state"
	KeyCacheMetadata     = "cache_metadata"
)

// Notifications selects which events notify the user.
type Notifications struct {
	ExperimentComplete bool `json:"experimentComplete"`
	SystemUpdates      bool `json:"systemUpdates"`
	Errors             bool `json:"errors"`
}

// UserPreferences is stored under user_preferences.
type UserPreferences struct {
	Theme         string        `json:"theme" validate:"oneof=light dark system"`
	Language      string        `json:"language" validate:"required"`
	Timezone      string        `json:"timezone" validate:"required"`
	Notifications Notifications `json:"notifications"`
}

// DashboardSettings is stored under dashboard_settings.
type DashboardSettings struct {
	DefaultPeriod   string   `json:"defaultPeriod" validate:"oneof=7d 30d 90d 1y"`
	ChartTypes      []string `json:"chartTypes"`
	AutoRefresh     bool     `json:"autoRefresh"`
	RefreshInterval int      `json:"refreshInterval" validate:"min=0"`
	CompactView     bool     `json:"compactView"`
}

// ExperimentFilters is stored under experiment_filters.
type ExperimentFilters struct {
	TypeFilter   string `json:"typeFilter"`
	StatusFilter string `json:"statusFilter"`
	Search       string `json:"search"`
	SortBy       string `json:"sortBy"`
	SortOrder    string `json:"sortOrder" validate:"sortorder"`
	PageSize     int    `json:"pageSize" validate:"min=1,max=500"`
}

// UIState is stored under ui_state.
type UIState struct {
	SidebarCollapsed bool   `json:"sidebarCollapsed"`
	ActiveTab        string `json:"activeTab"`
	LastVisitedPage  string `json:"lastVisitedPage"`
}

// CacheMetadata is stored under cache_metadata.
type CacheMetadata struct {
	Version     string    `json:"version"`
	LastCleared time.Time `json:"lastCleared"`
}

// DefaultUserPreferences returns the built-in user preferences.
func DefaultUserPreferences() UserPreferences {
	return UserPreferences{
		Theme:    "system",
		Language: "en",
		Timezone: "UTC",
		Notifications: Notifications{
			ExperimentComplete: true,
			SystemUpdates:      true,
			Errors:             true,
		},
	}
}

// DefaultDashboardSettings returns the built-in dashboard settings.
func DefaultDashboardSettings() DashboardSettings {
	return DashboardSettings{
		DefaultPeriod:   "30d",
		ChartTypes:      []string{"line", "bar"},
		AutoRefresh:     true,
		RefreshInterval: 30,
	}
}

// DefaultExperimentFilters returns the built-in list filters: newest first.
func DefaultExperimentFilters() ExperimentFilters {
	return ExperimentFilters{
		SortBy:    "created_at",
		SortOrder: "desc",
		PageSize:  20,
	}
}

// DefaultUIState returns the built-in UI state.
func DefaultUIState() UIState {
	return UIState{ActiveTab: "overview", LastVisitedPage: "/"}
}

func (s *Store) UserPreferences() UserPreferences {
	return Get(s, KeyUserPreferences, DefaultUserPreferences())
}

func (s *Store) DashboardSettings() DashboardSettings {
	return Get(s, KeyDashboardSettings, DefaultDashboardSettings())
}

func (s *Store) ExperimentFilters() ExperimentFilters {
	return Get(s, KeyExperimentFilters, DefaultExperimentFilters())
}

func (s *Store) UIState() UIState {
	return Get(s, KeyUIState, DefaultUIState())
}

// SetValidated validates v with its struct tags before storing it under key.
func (s *Store) SetValidated(key string, v any) error {
	if err := validation.Default().Struct(v); err != nil {
		return err
	}
	if !s.Set(key, v) {
		return errStorageUnavailable
	}
	return nil
}

// EnsureVersion clears the namespace when cache_metadata.version differs from
// version, then records version. It reports whether the namespace was cleared.
func (s *Store) EnsureVersion(version string, now time.Time) bool {
	if !s.available {
		return false
	}
	meta := Get(s, KeyCacheMetadata, CacheMetadata{})
	if meta.Version == version {
		return false
	}
	cleared := false
	if s.Info().ItemCount > 0 {
		cleared = s.ClearNamespace()
		s.log.Info().Str("from", meta.Version).Str("to", version).Bool("cleared", cleared).Msg("preference layout version changed")
		meta.LastCleared = now
	}
	meta.Version = version
	s.Set(KeyCacheMetadata, meta)
	return cleared
}

package preferences

import (
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gaborage/go-bricks-datalayer/validation"
)

const app = "dash"

type received struct {
	mu     sync.Mutex
	values []json.RawMessage
}

func (r *received) add(v json.RawMessage) {
	r.mu.Lock()
	r.values = append(r.values, v)
	r.mu.Unlock()
}

func (r *received) all() []json.RawMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]json.RawMessage(nil), r.values...)
}

func TestGetReturnsDefaultWhenMissing(t *testing.T) {
	s := New(NewMemoryBackend(), app)
	assert.True(t, s.Available())
	assert.Equal(t, DefaultDashboardSettings(), s.DashboardSettings())
}

func TestGetDeepMergesOverDefault(t *testing.T) {
	s := New(NewMemoryBackend(), app)
	require.True(t, s.Set(KeyUserPreferences, map[string]any{
		"theme":         "dark",
		"notifications": map[string]any{"errors": false},
	}))

	got := s.UserPreferences()
	want := DefaultUserPreferences()
	want.Theme = "dark"
	want.Notifications.Errors = false
	assert.Equal(t, want, got)
}

func TestGetDoesNotAliasDefault(t *testing.T) {
	s := New(NewMemoryBackend(), app)
	require.True(t, s.Set(KeyDashboardSettings, map[string]any{"chartTypes": []string{"pie"}}))

	def := DefaultDashboardSettings()
	got := Get(s, KeyDashboardSettings, def)
	assert.Equal(t, []string{"pie"}, got.ChartTypes)
	assert.Equal(t, []string{"line", "bar"}, def.ChartTypes)
}

func TestGetParseFailureReturnsDefault(t *testing.T) {
	b := NewMemoryBackend()
	s := New(b, app)
	require.NoError(t, b.Store(app+"_"+KeyUIState, []byte("{not json")))
	assert.Equal(t, DefaultUIState(), s.UIState())

	require.True(t, s.Set(KeyUIState, "a string, not an object"))
	assert.Equal(t, DefaultUIState(), s.UIState())
}

func TestSetFailures(t *testing.T) {
	t.Run("unencodable", func(t *testing.T) {
		s := New(NewMemoryBackend(), app)
		assert.False(t, s.Set("bad", make(chan int)))
	})

	t.Run("quota", func(t *testing.T) {
		s := New(NewMemoryBackend(), app, WithMaxBytes(32))
		assert.True(t, s.Set("a", strings.Repeat("x", 10)))
		assert.False(t, s.Set("b", strings.Repeat("y", 30)))
		assert.True(t, s.Set("a", strings.Repeat("z", 20)), "replacing a key does not count its old size")
		_, ok := s.Raw("b")
		assert.False(t, ok)
	})

	t.Run("backend failure after probe", func(t *testing.T) {
		b := NewMemoryBackend()
		s := New(b, app)
		b.Fail()
		assert.False(t, s.Set("a", 1))
		assert.False(t, s.Remove("a"))
	})
}

func TestUnavailableStorageIsNoOp(t *testing.T) {
	b := NewMemoryBackend()
	b.Fail()
	s := New(b, app)

	assert.False(t, s.Available())
	assert.False(t, s.Set(KeyUIState, UIState{ActiveTab: "x"}))
	assert.Equal(t, DefaultUIState(), s.UIState())
	assert.False(t, s.Remove(KeyUIState))
	assert.False(t, s.ClearNamespace())
	assert.Equal(t, Info{Available: false, Items: map[string]ItemInfo{}}, s.Info())
	s.Subscribe(KeyUIState, func(json.RawMessage) { t.Fatal("unexpected notification") })()
}

func TestNamespaceIsolation(t *testing.T) {
	origin := NewMemoryOrigin()
	a := New(origin.Backend(), "one")
	b := New(origin.Backend(), "two")

	require.True(t, a.Set("k", 1))
	require.True(t, b.Set("k", 2))
	require.True(t, a.ClearNamespace())

	assert.Equal(t, 0, Get(a, "k", 0))
	assert.Equal(t, 2, Get(b, "k", 0))
}

func TestRemoveClearAndInfo(t *testing.T) {
	s := New(NewMemoryBackend(), app)
	require.True(t, s.Set("a", "xy"))
	require.True(t, s.Set("b", 12345))

	info := s.Info()
	assert.True(t, info.Available)
	assert.Equal(t, 2, info.ItemCount)
	assert.Equal(t, 4+5, info.TotalBytes)
	assert.Equal(t, ItemInfo{Bytes: 4}, info.Items["a"])

	rec := &received{}
	s.Subscribe("a", rec.add)
	require.True(t, s.Remove("a"))
	assert.Equal(t, []json.RawMessage{nil}, rec.all())

	require.True(t, s.ClearNamespace())
	assert.Equal(t, 0, s.Info().ItemCount)
}

func TestSubscribeSameProcess(t *testing.T) {
	s := New(NewMemoryBackend(), app)
	rec := &received{}
	dispose := s.Subscribe("filters", rec.add)
	s.Subscribe("filters", func(json.RawMessage) { panic("subscriber bug") })

	require.True(t, s.Set("filters", map[string]string{"search": "x"}))
	assert.Equal(t, []json.RawMessage{json.RawMessage(`{"search":"x"}`)}, rec.all())

	dispose()
	dispose()
	require.True(t, s.Set("filters", map[string]string{"search": "y"}))
	assert.Len(t, rec.all(), 1)
}

func TestCrossTabSync(t *testing.T) {
	origin := NewMemoryOrigin()
	tabA := New(origin.Backend(), app)
	tabB := New(origin.Backend(), app)

	rec := &received{}
	tabB.Subscribe("filters", rec.add)

	require.True(t, tabA.Set("filters", map[string]string{"search": "x"}))
	assert.Eventually(t, func() bool { return len(rec.all()) == 1 }, time.Second, 5*time.Millisecond)
	assert.JSONEq(t, `{"search":"x"}`, string(rec.all()[0]))

	require.True(t, tabA.Remove("filters"))
	assert.Eventually(t, func() bool { return len(rec.all()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Nil(t, rec.all()[1])
}

func TestEnsureVersion(t *testing.T) {
	s := New(NewMemoryBackend(), app)
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	assert.False(t, s.EnsureVersion("1", now), "empty namespace has nothing to clear")
	require.True(t, s.Set(KeyUIState, UIState{ActiveTab: "runs"}))
	assert.False(t, s.EnsureVersion("1", now))
	assert.Equal(t, "runs", s.UIState().ActiveTab)

	assert.True(t, s.EnsureVersion("2", now))
	assert.Equal(t, DefaultUIState(), s.UIState())
	meta := Get(s, KeyCacheMetadata, CacheMetadata{})
	assert.Equal(t, "2", meta.Version)
	assert.True(t, meta.LastCleared.Equal(now))
}

func TestSetValidated(t *testing.T) {
	s := New(NewMemoryBackend(), app)

	bad := DefaultDashboardSettings()
	bad.DefaultPeriod = "2w"
	err := s.SetValidated(KeyDashboardSettings, bad)
	var verr *validation.Error
	require.ErrorAs(t, err, &verr)
	assert.True(t, verr.HasField("DefaultPeriod"))

	good := DefaultDashboardSettings()
	good.DefaultPeriod = "7d"
	require.NoError(t, s.SetValidated(KeyDashboardSettings, good))
	assert.Equal(t, "7d", s.DashboardSettings().DefaultPeriod)
}

func TestValidateKey(t *testing.T) {
	assert.NoError(t, ValidateKey("dash_user_preferences"))
	assert.Error(t, ValidateKey(""))
	assert.Error(t, ValidateKey("../etc/passwd"))
	assert.Error(t, ValidateKey(strings.Repeat("k", maxKeyLength+1)))
}

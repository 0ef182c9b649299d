package datalayer

import (
	"context"
	"errors"
	nethttp "net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gaborage/go-bricks-datalayer/auth"
	"github.com/gaborage/go-bricks-datalayer/config"
	"github.com/gaborage/go-bricks-datalayer/errs"
	"github.com/gaborage/go-bricks-datalayer/experiments"
	"github.com/gaborage/go-bricks-datalayer/internal/testapi"
	"github.com/gaborage/go-bricks-datalayer/pending"
	"github.com/gaborage/go-bricks-datalayer/preferences"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func newLayer(t *testing.T, api *testapi.Server, online bool) *DataLayer {
	t.Helper()
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	cfg := config.Default()
	cfg.API.BaseURL = srv.URL + "/api"
	cfg.Retry.BaseDelayMS = 1
	cfg.Retry.MaxDelayMS = 1
	cfg.Sync.ErrorDebounceMS = 0
	cfg.Sync.IntervalMS = 0

	d, err := New(cfg, nil, &Options{Online: &online})
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, d.Close()) })
	require.NoError(t, d.Start(context.Background()))
	return d
}

func TestMutationsRequireSession(t *testing.T) {
	api := testapi.New(testapi.WithPrefix("/api"))
	d := newLayer(t, api, true)

	_, err := d.Experiments().Create(context.Background(), experiments.Experiment{Name: "x"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, auth.ErrNoSession))
	assert.True(t, errs.Is(err, errs.KindAuth))
	assert.Zero(t, api.Calls("POST /experiments"))
}

func TestReadsWithoutSession(t *testing.T) {
	api := testapi.New(testapi.WithPrefix("/api"))
	api.Seed(testapi.Experiment{ID: "1", Name: "Public"})
	d := newLayer(t, api, true)

	require.Eventually(t, func() bool {
		return len(d.Experiments().Collection().State().Items) == 1
	}, waitFor, tick)
}

func TestBearerTokenAfterSignIn(t *testing.T) {
	api := testapi.New(testapi.WithPrefix("/api"), testapi.WithToken("local-u1"))
	d := newLayer(t, api, true)
	d.SignIn(auth.Principal{ID: "u1"})

	created, err := d.Experiments().Create(context.Background(), experiments.Experiment{Name: "Mine"})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
}

func TestOfflineQueueDrainsOnReconnect(t *testing.T) {
	api := testapi.New(testapi.WithPrefix("/api"))
	d := newLayer(t, api, false)
	d.SignIn(auth.Principal{ID: "u1"})

	_, err := d.Experiments().Create(context.Background(), experiments.Experiment{Name: "Queued"})
	require.ErrorIs(t, err, pending.ErrQueued)
	assert.Equal(t, 1, d.Queue().Len())

	d.Connectivity().SetOnline(true)
	require.Eventually(t, func() bool {
		return d.Queue().Len() == 0 && len(api.Experiments()) == 1
	}, waitFor, tick)
	require.Eventually(t, func() bool {
		items := d.Experiments().Collection().State().Items
		return len(items) == 1 && items[0].Name == "Queued"
	}, waitFor, tick)
}

func TestSignOutClearsSessionData(t *testing.T) {
	api := testapi.New(testapi.WithPrefix("/api"))
	api.Seed(testapi.Experiment{ID: "1", Name: "Private"})
	d := newLayer(t, api, true)
	d.SignIn(auth.Principal{ID: "u1"})

	_, err := d.Experiments().Get(context.Background(), "1")
	require.NoError(t, err)
	assert.True(t, d.Cache().Has("experiments:item:1"))

	d.Connectivity().SetOnline(false)
	err = d.Experiments().Delete(context.Background(), "1")
	require.ErrorIs(t, err, pending.ErrQueued)
	require.Equal(t, 1, d.Queue().Len())

	d.SignOut()

	assert.False(t, d.Auth().State().SignedIn())
	assert.Zero(t, d.Queue().Len())
	assert.False(t, d.Cache().Has("experiments:item:1"))

	_, err = d.Experiments().Create(context.Background(), experiments.Experiment{Name: "after"})
	assert.ErrorIs(t, err, auth.ErrNoSession)
}

func TestSignOutEvictsListAndDashboard(t *testing.T) {
	api := testapi.New(testapi.WithPrefix("/api"))
	api.Seed(testapi.Experiment{ID: "1", Name: "Private"})
	d := newLayer(t, api, true)
	d.SignIn(auth.Principal{ID: "u1"})

	coll := d.Experiments().Collection()
	require.NoError(t, coll.Refetch(context.Background()))
	view, err := d.Experiments().Dashboard()
	require.NoError(t, err)
	require.NoError(t, view.RefetchAll(context.Background()))
	require.True(t, d.Cache().Has("experiments:list"))
	require.True(t, d.Cache().Has("dashboard:summary"))
	require.Len(t, coll.State().Items, 1)

	d.SignOut()

	assert.False(t, d.Cache().Has("experiments:list"))
	assert.False(t, d.Cache().Has("dashboard:summary"))
	assert.False(t, d.Cache().Has("dashboard:recent"))
	assert.Empty(t, coll.State().Items)
	assert.Nil(t, d.Fetch().State("experiments:list").Data)

	time.Sleep(50 * time.Millisecond)
	assert.False(t, d.Cache().Has("experiments:list"), "nothing refills the signed-out session")
	assert.Empty(t, coll.State().Items)
}

func TestPreferencesVersionReset(t *testing.T) {
	origin := preferences.NewMemoryOrigin()
	seed := preferences.New(origin.Backend(), "dashboard")
	defer seed.Close()
	require.True(t, seed.Set(preferences.KeyUIState, preferences.UIState{ActiveTab: "charts"}))
	require.True(t, seed.Set(preferences.KeyCacheMetadata, preferences.CacheMetadata{Version: "0"}))

	cfg := config.Default()
	cfg.Sync.IntervalMS = 0
	now := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	d, err := New(cfg, nil, &Options{PreferencesBackend: origin.Backend(), Now: func() time.Time { return now }})
	require.NoError(t, err)
	defer d.Close()

	assert.Equal(t, preferences.DefaultUIState(), d.Preferences().UIState())
	meta := preferences.Get(d.Preferences(), preferences.KeyCacheMetadata, preferences.CacheMetadata{})
	assert.Equal(t, "1", meta.Version)
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(nil, nil, nil)
	require.Error(t, err)

	cfg := config.Default()
	cfg.Preferences.Backend = "floppy"
	_, err = New(cfg, nil, nil)
	require.Error(t, err)

	cfg = config.Default()
	cfg.Conflict.Policy = "coin-flip"
	_, err = New(cfg, nil, nil)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindValidation))
}

func TestHealthProbeFeedsConnectivity(t *testing.T) {
	api := testapi.New(testapi.WithPrefix("/api"))
	srv := httptest.NewServer(api.Handler())
	defer srv.Close()

	cfg := config.Default()
	cfg.API.BaseURL = srv.URL + "/api"
	cfg.Sync.ProbeIntervalMS = 20
	offline := false

	d, err := New(cfg, nil, &Options{Online: &offline})
	require.NoError(t, err)
	defer d.Close()
	require.NoError(t, d.Start(context.Background()))

	require.Eventually(t, d.Connectivity().Online, waitFor, tick)
	assert.Positive(t, api.Calls(nethttp.MethodGet+" /health"))
}

package collection

import (
	"context"
	"errors"
	nethttp "net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gaborage/go-bricks-datalayer/cache"
	"github.com/gaborage/go-bricks-datalayer/conflict"
	"github.com/gaborage/go-bricks-datalayer/connectivity"
	"github.com/gaborage/go-bricks-datalayer/errs"
	"github.com/gaborage/go-bricks-datalayer/fetch"
	"github.com/gaborage/go-bricks-datalayer/http"
	"github.com/gaborage/go-bricks-datalayer/internal/testapi"
	"github.com/gaborage/go-bricks-datalayer/optimistic"
	"github.com/gaborage/go-bricks-datalayer/pending"
	"github.com/gaborage/go-bricks-datalayer/preferences"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type exp struct {
	ID        string    `json:"id,omitempty"`
	Name      string    `json:"name,omitempty"`
	Type      string    `json:"type,omitempty"`
	Status    string    `json:"status,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (e exp) Attributes() Attributes {
	return Attributes{ID: e.ID, Name: e.Name, Type: e.Type, Status: e.Status, CreatedAt: e.CreatedAt, UpdatedAt: e.UpdatedAt}
}

func withID(e exp, id string) exp {
	e.ID = id
	return e
}

type fixture struct {
	api    *testapi.Server
	srv    *httptest.Server
	coord  *fetch.Coordinator
	conn   *connectivity.Monitor
	queue  *pending.Queue
	prefs  *preferences.Store
	client http.Client
}

func newFixture(t *testing.T, online bool) *fixture {
	t.Helper()
	api := testapi.New()
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	store := cache.New()
	coord := fetch.New(store, fetch.WithErrorDebounce(0))
	t.Cleanup(coord.Close)

	prefs := preferences.New(preferences.NewMemoryBackend(), "test")
	t.Cleanup(func() { _ = prefs.Close() })

	client := http.NewBuilder(nil).
		WithBaseURL(srv.URL).
		WithSleeper(func(context.Context, time.Duration) error { return nil }).
		Build()

	return &fixture{
		api:    api,
		srv:    srv,
		coord:  coord,
		conn:   connectivity.New(online, nil),
		queue:  pending.New(nil),
		prefs:  prefs,
		client: client,
	}
}

func (f *fixture) collection(t *testing.T, mutate ...func(*Config[exp])) *Collection[exp] {
	t.Helper()
	cfg := Config[exp]{
		Name:           "experiments",
		Endpoints:      Endpoints{List: "/experiments", Create: "/experiments", Item: "/experiments/{id}"},
		Client:         f.client,
		Coordinator:    f.coord,
		WithID:         withID,
		Preferences:    f.prefs,
		Connectivity:   f.conn,
		Queue:          f.queue,
		ConflictPolicy: conflict.Manual,
		ConflictTick:   time.Millisecond,
		RollbackDelay:  time.Second,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	c, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func names(items []exp) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.Name)
	}
	return out
}

func waitItems(t *testing.T, c *Collection[exp], n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		st := c.State()
		return !st.Loading && len(st.Items) == n
	}, waitFor, tick)
}

func TestSearch(t *testing.T) {
	items := []exp{
		{ID: "1", Name: "Checkout Flow", Type: "ab_test"},
		{ID: "2", Name: "Pricing", Type: "multivariate"},
		{ID: "3", Name: "Banner", Type: "AB_TEST"},
	}

	assert.Equal(t, []string{"Checkout Flow", "Banner"}, names(Search(items, "ab_")))
	assert.Equal(t, []string{"Pricing"}, names(Search(items, "  PRIC ")))
	assert.Len(t, Search(items, ""), 3)
	assert.Empty(t, Search(items, "zzz"))
}

func TestSortItems(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	items := []exp{
		{ID: "b", Name: "beta", CreatedAt: base.Add(time.Hour)},
		{ID: "a", Name: "Alpha", CreatedAt: base.Add(time.Hour)},
		{ID: "c", Name: "gamma", CreatedAt: base},
	}

	t.Run("dates desc tie broken by id asc", func(t *testing.T) {
		got := append([]exp(nil), items...)
		SortItems(got, Sort{By: SortCreatedAt, Order: Desc})
		assert.Equal(t, []string{"Alpha", "beta", "gamma"}, names(got))
	})

	t.Run("strings are case folded", func(t *testing.T) {
		got := append([]exp(nil), items...)
		SortItems(got, Sort{By: SortName, Order: Asc})
		assert.Equal(t, []string{"Alpha", "beta", "gamma"}, names(got))
	})

	t.Run("ascending keeps id tie break", func(t *testing.T) {
		got := append([]exp(nil), items...)
		SortItems(got, Sort{By: SortCreatedAt, Order: Asc})
		assert.Equal(t, []string{"gamma", "Alpha", "beta"}, names(got))
	})
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config[exp]{})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindValidation))

	f := newFixture(t, true)
	_, err = New(Config[exp]{Client: f.client, Coordinator: f.coord, WithID: withID})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindValidation))
}

func TestLoadsAndProjects(t *testing.T) {
	f := newFixture(t, true)
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	f.api.Seed(
		testapi.Experiment{ID: "1", Name: "Old", Type: "ab_test", Status: "running", CreatedAt: base},
		testapi.Experiment{ID: "2", Name: "New", Type: "feature_flag", Status: "draft", CreatedAt: base.Add(time.Hour)},
	)

	c := f.collection(t)
	waitItems(t, c, 2)

	st := c.State()
	assert.Equal(t, []string{"New", "Old"}, names(st.Items))
	assert.True(t, st.IsOnline)
	assert.False(t, st.IsOptimistic)
	assert.NoError(t, st.Err)
}

func TestFilters(t *testing.T) {
	f := newFixture(t, true)
	f.api.Seed(
		testapi.Experiment{ID: "1", Name: "Checkout", Type: "ab_test", Status: "running"},
		testapi.Experiment{ID: "2", Name: "Pricing", Type: "ab_test", Status: "draft"},
		testapi.Experiment{ID: "3", Name: "Flag", Type: "feature_flag", Status: "running"},
	)
	c := f.collection(t)
	waitItems(t, c, 3)
	listCalls := f.api.Calls("GET /experiments")

	t.Run("search reprojects without fetching", func(t *testing.T) {
		term := "pric"
		c.UpdateFilters(FilterUpdate{Search: &term})
		assert.Equal(t, []string{"Pricing"}, names(c.State().Items))
		assert.Equal(t, listCalls, f.api.Calls("GET /experiments"))
	})

	t.Run("server filters switch the list", func(t *testing.T) {
		empty, status := "", "running"
		c.UpdateFilters(FilterUpdate{Search: &empty, StatusFilter: &status})
		waitItems(t, c, 2)
		assert.ElementsMatch(t, []string{"Checkout", "Flag"}, names(c.State().Items))
		assert.Greater(t, f.api.Calls("GET /experiments"), listCalls)
	})

	t.Run("filters are persisted", func(t *testing.T) {
		stored := f.prefs.ExperimentFilters()
		assert.Equal(t, "running", stored.StatusFilter)
		assert.Empty(t, stored.Search)
	})

	t.Run("clear restores defaults", func(t *testing.T) {
		c.ClearFilters()
		waitItems(t, c, 3)
		st := c.State()
		assert.Equal(t, Filters{}, st.Filters)
		assert.Equal(t, DefaultSort(), st.Sort)
	})
}

func TestUpdateSorting(t *testing.T) {
	f := newFixture(t, true)
	c := f.collection(t)

	require.NoError(t, c.UpdateSorting(SortName))
	assert.Equal(t, Sort{By: SortName, Order: Desc}, c.State().Sort)

	require.NoError(t, c.UpdateSorting(SortName))
	assert.Equal(t, Sort{By: SortName, Order: Asc}, c.State().Sort)

	require.NoError(t, c.UpdateSorting(SortName))
	assert.Equal(t, Sort{By: SortName, Order: Desc}, c.State().Sort)

	err := c.UpdateSorting("priority")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindValidation))
	assert.Equal(t, SortName, c.State().Sort.By)

	stored := f.prefs.ExperimentFilters()
	assert.Equal(t, "name", stored.SortBy)
	assert.Equal(t, "desc", stored.SortOrder)
}

func TestRestoresPersistedFilters(t *testing.T) {
	f := newFixture(t, true)
	stored := preferences.DefaultExperimentFilters()
	stored.Search = "chk"
	stored.SortBy = "name"
	stored.SortOrder = "asc"
	require.True(t, f.prefs.Set(preferences.KeyExperimentFilters, stored))

	c := f.collection(t)
	st := c.State()
	assert.Equal(t, "chk", st.Filters.Search)
	assert.Equal(t, Sort{By: SortName, Order: Asc}, st.Sort)
}

func TestFollowsFiltersPersistedElsewhere(t *testing.T) {
	f := newFixture(t, true)
	c := f.collection(t)

	stored := preferences.DefaultExperimentFilters()
	stored.StatusFilter = "running"
	stored.SortBy = "status"
	stored.SortOrder = "asc"
	require.True(t, f.prefs.Set(preferences.KeyExperimentFilters, stored))

	require.Eventually(t, func() bool { return c.State().Filters.StatusFilter == "running" }, waitFor, tick)
	assert.Equal(t, Sort{By: SortStatus, Order: Asc}, c.State().Sort)
}

func TestSortingChangesRevalidateTheList(t *testing.T) {
	f := newFixture(t, true)
	f.api.Seed(testapi.Experiment{ID: "1", Name: "One"})
	c := f.collection(t)
	waitItems(t, c, 1)

	listCalls := f.api.Calls("GET /experiments")
	require.NoError(t, c.UpdateSorting(SortName))
	require.Eventually(t, func() bool { return f.api.Calls("GET /experiments") > listCalls }, waitFor, tick)

	listCalls = f.api.Calls("GET /experiments")
	require.NoError(t, c.SetSorting(Sort{By: SortStatus, Order: Asc}))
	require.Eventually(t, func() bool { return f.api.Calls("GET /experiments") > listCalls }, waitFor, tick)
	waitItems(t, c, 1)
}

func TestOptimisticCreate(t *testing.T) {
	f := newFixture(t, true)
	f.api.Seed(testapi.Experiment{ID: "1", Name: "Existing"})
	c := f.collection(t)
	waitItems(t, c, 1)

	release := f.api.Hold("POST /experiments")
	done := make(chan exp, 1)
	go func() {
		created, err := c.Create(context.Background(), exp{Name: "Fresh", Type: "ab_test"})
		assert.NoError(t, err)
		done <- created
	}()

	require.Eventually(t, func() bool {
		st := c.State()
		return st.IsOptimistic && len(st.Items) == 2
	}, waitFor, tick)
	st := c.State()
	for id := range st.PendingIDs.Iter() {
		assert.True(t, optimistic.IsTemp(id))
	}

	release()
	created := <-done
	assert.NotEmpty(t, created.ID)
	assert.False(t, optimistic.IsTemp(created.ID))

	require.Eventually(t, func() bool {
		st := c.State()
		return !st.IsOptimistic && len(st.Items) == 2
	}, waitFor, tick)
	assert.Contains(t, names(c.State().Items), "Fresh")
}

func TestOptimisticCreateFailureRollsBack(t *testing.T) {
	f := newFixture(t, true)
	f.api.Seed(testapi.Experiment{ID: "1", Name: "Existing"})
	c := f.collection(t)
	waitItems(t, c, 1)

	f.api.Script("POST /experiments", nethttp.StatusBadRequest)
	_, err := c.Create(context.Background(), exp{Name: "Broken"})
	require.Error(t, err)

	st := c.State()
	assert.Equal(t, []string{"Existing"}, names(st.Items))
	assert.False(t, st.IsOptimistic)
}

func TestOptimisticUpdate(t *testing.T) {
	f := newFixture(t, true)
	created := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	f.api.Seed(testapi.Experiment{ID: "1", Name: "Before", Type: "ab_test", Status: "draft", CreatedAt: created})
	c := f.collection(t)
	waitItems(t, c, 1)

	updated, err := c.Update(context.Background(), "1", exp{Status: "running"})
	require.NoError(t, err)
	assert.Equal(t, "running", updated.Status)
	assert.Equal(t, "Before", updated.Name)
	assert.True(t, created.Equal(updated.CreatedAt))

	st := c.State()
	require.Len(t, st.Items, 1)
	assert.Equal(t, "running", st.Items[0].Status)
	assert.Equal(t, "running", f.api.Experiments()[0].Status)
}

func TestOptimisticUpdateFailureRestores(t *testing.T) {
	f := newFixture(t, true)
	f.api.Seed(testapi.Experiment{ID: "1", Name: "Before", Status: "draft"})
	c := f.collection(t)
	waitItems(t, c, 1)

	f.api.Script("PATCH /experiments/:id", nethttp.StatusUnprocessableEntity)
	_, err := c.Update(context.Background(), "1", exp{Status: "running"})
	require.Error(t, err)
	assert.Equal(t, "draft", c.State().Items[0].Status)

	_, err = c.Update(context.Background(), "missing", exp{Status: "running"})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindValidation))
}

func TestOptimisticDelete(t *testing.T) {
	f := newFixture(t, true)
	f.api.Seed(
		testapi.Experiment{ID: "1", Name: "Keep"},
		testapi.Experiment{ID: "2", Name: "Drop"},
	)
	c := f.collection(t)
	waitItems(t, c, 2)

	f.api.Script("DELETE /experiments/:id", nethttp.StatusInternalServerError, nethttp.StatusInternalServerError, nethttp.StatusInternalServerError)
	err := c.Delete(context.Background(), "2")
	require.Error(t, err)
	assert.Len(t, c.State().Items, 2)

	require.NoError(t, c.Delete(context.Background(), "2"))
	assert.Equal(t, []string{"Keep"}, names(c.State().Items))
	assert.Len(t, f.api.Experiments(), 1)
}

func TestDeleteEvictsCachedDetails(t *testing.T) {
	f := newFixture(t, true)
	f.api.Seed(
		testapi.Experiment{ID: "1", Name: "Keep"},
		testapi.Experiment{ID: "2", Name: "Drop"},
	)
	c := f.collection(t)
	waitItems(t, c, 2)

	_, err := c.GetDetails(context.Background(), "2")
	require.NoError(t, err)
	require.Equal(t, 1, f.api.Calls("GET /experiments/:id"))

	require.NoError(t, c.Delete(context.Background(), "2"))

	_, err = c.GetDetails(context.Background(), "2")
	require.Error(t, err)
	assert.True(t, http.IsHTTPStatusError(err, nethttp.StatusNotFound))
	assert.Equal(t, 2, f.api.Calls("GET /experiments/:id"))
}

func TestSnapshotHeldDuringMutationIsRevalidated(t *testing.T) {
	f := newFixture(t, true)
	f.api.Seed(testapi.Experiment{ID: "1", Name: "Existing"})
	c := f.collection(t)
	waitItems(t, c, 1)

	release := f.api.Hold("POST /experiments")
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := c.Create(context.Background(), exp{Name: "Fresh"})
		assert.NoError(t, err)
	}()
	require.Eventually(t, func() bool { return c.State().IsOptimistic }, waitFor, tick)

	f.api.Seed(testapi.Experiment{ID: "9", Name: "Remote"})
	require.NoError(t, c.Refetch(context.Background()))
	assert.NotContains(t, names(c.State().Items), "Remote", "server snapshot waits for the mutation")

	release()
	<-done

	require.Eventually(t, func() bool {
		st := c.State()
		return !st.Loading && len(st.Items) == 3
	}, waitFor, tick)
	assert.ElementsMatch(t, []string{"Existing", "Remote", "Fresh"}, names(c.State().Items))
}

func TestResetDropsSessionItems(t *testing.T) {
	f := newFixture(t, true)
	f.api.Seed(testapi.Experiment{ID: "1", Name: "Mine", Status: "draft"})
	c := f.collection(t)
	waitItems(t, c, 1)

	release := f.api.Hold("PATCH /experiments/:id")
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.Update(context.Background(), "1", exp{Status: "running"})
	}()
	require.Eventually(t, func() bool { return c.State().IsOptimistic }, waitFor, tick)

	f.coord.Evict("experiments:list")
	c.Reset()
	st := c.State()
	assert.Empty(t, st.Items)
	assert.False(t, st.IsOptimistic)

	release()
	<-done
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, c.State().Items, "a mutation of the ended session writes nothing back")
	assert.Nil(t, f.coord.State("experiments:list").Data)
}

type fakeSession struct {
	err error
}

func (s fakeSession) Token(context.Context) (string, error) {
	return "tok", s.err
}

func TestMutationsRequireSession(t *testing.T) {
	f := newFixture(t, true)
	noSession := errs.New(errs.KindAuth, "auth.token", "not signed in", nil)
	c := f.collection(t, func(cfg *Config[exp]) { cfg.Session = fakeSession{err: noSession} })

	_, err := c.Create(context.Background(), exp{Name: "x"})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindAuth))
	assert.Zero(t, f.api.Calls("POST /experiments"))
}

func TestOfflineCreateIsQueuedAndReplayed(t *testing.T) {
	f := newFixture(t, false)
	c := f.collection(t)

	_, err := c.Create(context.Background(), exp{Name: "C"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, pending.ErrQueued))
	var queued *pending.QueuedError
	require.ErrorAs(t, err, &queued)
	assert.NotEmpty(t, queued.ChangeID)

	assert.Equal(t, 1, f.queue.Len())
	assert.Equal(t, 1, c.State().Queued)
	assert.False(t, c.State().IsOnline)
	assert.Zero(t, f.api.Calls("POST /experiments"))

	f.conn.SetOnline(true)
	require.NoError(t, f.queue.Drain(context.Background()))

	assert.Equal(t, 1, f.api.Calls("POST /experiments"))
	assert.Zero(t, f.queue.Len())
	waitItems(t, c, 1)
	assert.Equal(t, []string{"C"}, names(c.State().Items))
	assert.True(t, c.State().IsOnline)
}

func TestOfflineDeleteTreatsNotFoundAsDone(t *testing.T) {
	f := newFixture(t, false)
	c := f.collection(t)

	err := c.Delete(context.Background(), "gone")
	require.ErrorIs(t, err, pending.ErrQueued)

	f.conn.SetOnline(true)
	require.NoError(t, f.queue.Drain(context.Background()))
	assert.Zero(t, f.queue.Len())
	assert.Equal(t, 1, f.api.Calls("DELETE /experiments/:id"))
}

func TestReplayConflictGoesToResolver(t *testing.T) {
	f := newFixture(t, true)
	f.api.Seed(testapi.Experiment{ID: "1", Name: "Server", Status: "running"})
	c := f.collection(t)
	waitItems(t, c, 1)

	var mu sync.Mutex
	var events []conflict.Event[exp]
	stop := c.Conflicts().Subscribe(func(e conflict.Event[exp]) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	})
	defer stop()

	f.conn.SetOnline(false)
	_, err := c.Update(context.Background(), "1", exp{Status: "paused"})
	require.ErrorIs(t, err, pending.ErrQueued)

	f.api.Script("PATCH /experiments/:id", nethttp.StatusConflict)
	f.conn.SetOnline(true)
	require.NoError(t, f.queue.Drain(context.Background()))
	assert.Zero(t, f.queue.Len())

	pendingConflicts := c.Conflicts().Pending()
	require.Len(t, pendingConflicts, 1)
	rec := pendingConflicts[0]
	assert.Equal(t, "1", rec.ID)
	assert.Equal(t, "running", rec.Server.Status)
	assert.Equal(t, "paused", rec.Client.Status)
	assert.Equal(t, "Server", rec.Client.Name)

	require.NoError(t, c.Conflicts().Resolve(context.Background(), "1", rec.Client))
	assert.Eventually(t, func() bool {
		return f.api.Experiments()[0].Status == "paused"
	}, waitFor, tick)
	assert.Eventually(t, func() bool {
		st := c.State()
		return len(st.Items) == 1 && st.Items[0].Status == "paused"
	}, waitFor, tick)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, events)
	assert.Equal(t, conflict.EventDetected, events[0].Kind)
}

func TestGetDetails(t *testing.T) {
	f := newFixture(t, true)
	f.api.Seed(testapi.Experiment{ID: "42", Name: "Answer"})
	c := f.collection(t)

	got, err := c.GetDetails(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, "Answer", got.Name)

	_, err = c.GetDetails(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, 1, f.api.Calls("GET /experiments/:id"))

	_, err = c.GetDetails(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, http.IsHTTPStatusError(err, nethttp.StatusNotFound))
}

func TestSubscribeReceivesStates(t *testing.T) {
	f := newFixture(t, true)
	f.api.Seed(testapi.Experiment{ID: "1", Name: "One"})
	c := f.collection(t)

	var mu sync.Mutex
	var seen []State[exp]
	stop := c.Subscribe(func(st State[exp]) {
		mu.Lock()
		seen = append(seen, st)
		mu.Unlock()
	})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) > 0 && len(seen[len(seen)-1].Items) == 1
	}, waitFor, tick)

	stop()
	stop()
	mu.Lock()
	n := len(seen)
	mu.Unlock()
	f.conn.SetOnline(false)
	mu.Lock()
	assert.Equal(t, n, len(seen))
	mu.Unlock()
}

func TestSetSorting(t *testing.T) {
	f := newFixture(t, true)
	c := f.collection(t)

	require.NoError(t, c.SetSorting(Sort{By: SortStatus, Order: Asc}))
	require.NoError(t, c.SetSorting(Sort{By: SortStatus, Order: Asc}))
	assert.Equal(t, Sort{By: SortStatus, Order: Asc}, c.State().Sort)

	err := c.SetSorting(Sort{By: SortName, Order: "sideways"})
	require.Error(t, err)
	assert.Equal(t, Sort{By: SortStatus, Order: Asc}, c.State().Sort)
}

package compose

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gaborage/go-bricks-datalayer/cache"
	"github.com/gaborage/go-bricks-datalayer/errs"
	"github.com/gaborage/go-bricks-datalayer/fetch"
)

const (
	waitFor = time.Second
	tick    = 5 * time.Millisecond
)

// gate is a fetcher that answers once released.
type gate struct {
	calls   atomic.Int32
	release chan struct{}
	value   any
	err     error
}

func newGate(value any, err error) *gate {
	return &gate{release: make(chan struct{}), value: value, err: err}
}

func (g *gate) fetch(ctx context.Context) (any, error) {
	g.calls.Add(1)
	select {
	case <-g.release:
		return g.value, g.err
	case <-ctx.Done():
		return nil, errs.Cancelled("test.fetch", ctx.Err())
	}
}

func newCoordinator(t *testing.T) *fetch.Coordinator {
	t.Helper()
	c := fetch.New(cache.New(), fetch.WithErrorDebounce(0))
	t.Cleanup(c.Close)
	return c
}

func dashboardParts(summary, charts, recent *gate) []Part {
	return []Part{
		{Name: "summary", Key: "dashboard:summary", Query: fetch.Query{Fetch: summary.fetch}},
		{Name: "charts", Key: "dashboard:charts", Query: fetch.Query{Fetch: charts.fetch}},
		{Name: "recent", Key: "dashboard:recent", Query: fetch.Query{Fetch: recent.fetch}},
	}
}

func TestCoordinatedLoading(t *testing.T) {
	summary, charts, recent := newGate("s", nil), newGate("c", nil), newGate("r", nil)
	v, err := New("dashboard", newCoordinator(t), dashboardParts(summary, charts, recent))
	require.NoError(t, err)
	defer v.Close()

	assert.True(t, v.IsInitialLoading())
	assert.False(t, v.Populated())
	assert.False(t, v.HasAllErrors())

	close(summary.release)
	require.Eventually(t, func() bool { return !v.IsInitialLoading() }, waitFor, tick)
	assert.True(t, v.Populated())

	chartState, _ := v.Part("charts")
	assert.True(t, chartState.Loading)

	close(charts.release)
	close(recent.release)
	require.Eventually(t, func() bool {
		st, _ := v.Part("recent")
		return st.Data == "r"
	}, waitFor, tick)
}

func TestPopulatedLatches(t *testing.T) {
	coord := newCoordinator(t)
	summary, charts, recent := newGate("s", nil), newGate("c", nil), newGate("r", nil)
	close(summary.release)
	close(charts.release)
	close(recent.release)

	v, err := New("dashboard", coord, dashboardParts(summary, charts, recent))
	require.NoError(t, err)
	defer v.Close()
	require.Eventually(t, v.Populated, waitFor, tick)

	for _, key := range []string{"dashboard:summary", "dashboard:charts", "dashboard:recent"} {
		coord.Mutate(key, nil, false)
	}
	assert.True(t, v.Populated())
	assert.False(t, v.IsInitialLoading())
}

func TestHasAllErrors(t *testing.T) {
	boom := errs.New(errs.KindNetwork, "test", "boom", nil)
	summary, charts, recent := newGate(nil, boom), newGate(nil, boom), newGate(nil, boom)

	v, err := New("dashboard", newCoordinator(t), dashboardParts(summary, charts, recent))
	require.NoError(t, err)
	defer v.Close()

	close(summary.release)
	close(charts.release)
	require.Eventually(t, func() bool {
		st, _ := v.Part("charts")
		return st.Err != nil
	}, waitFor, tick)
	assert.False(t, v.HasAllErrors(), "recent is still loading")

	close(recent.release)
	require.Eventually(t, v.HasAllErrors, waitFor, tick)
	assert.False(t, v.IsInitialLoading())
}

func TestRefetchAllRunsInParallel(t *testing.T) {
	coord := newCoordinator(t)
	var running, peak atomic.Int32
	slow := func(value string) fetch.Fetcher {
		return func(ctx context.Context) (any, error) {
			n := running.Add(1)
			defer running.Add(-1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(30 * time.Millisecond)
			return value, nil
		}
	}
	parts := []Part{
		{Name: "a", Key: "a", Query: fetch.Query{Fetch: slow("a")}},
		{Name: "b", Key: "b", Query: fetch.Query{Fetch: slow("b")}},
		{Name: "c", Key: "c", Query: fetch.Query{Fetch: slow("c")}},
	}
	v, err := New("parallel", coord, parts)
	require.NoError(t, err)
	defer v.Close()
	require.Eventually(t, func() bool { return !v.IsInitialLoading() && running.Load() == 0 }, waitFor, tick)
	peak.Store(0)

	require.NoError(t, v.RefetchAll(context.Background()))
	assert.Equal(t, int32(3), peak.Load())
}

func TestRefetchAllReportsFailure(t *testing.T) {
	coord := newCoordinator(t)
	var fail atomic.Bool
	boom := errors.New("boom")
	parts := []Part{
		{Name: "ok", Key: "ok", Query: fetch.Query{Fetch: func(context.Context) (any, error) { return 1, nil }}},
		{Name: "flaky", Key: "flaky", Query: fetch.Query{Fetch: func(context.Context) (any, error) {
			if fail.Load() {
				return nil, boom
			}
			return 2, nil
		}}},
	}
	v, err := New("flaky", coord, parts)
	require.NoError(t, err)
	defer v.Close()
	require.Eventually(t, func() bool {
		st, _ := v.Part("flaky")
		return st.Data == 2
	}, waitFor, tick)

	fail.Store(true)
	err = v.RefetchAll(context.Background())
	require.ErrorIs(t, err, boom)

	st, _ := v.Part("flaky")
	assert.Equal(t, 2, st.Data, "data is kept on error")
	assert.False(t, v.HasAllErrors())
}

func TestSubscribe(t *testing.T) {
	summary, charts, recent := newGate("s", nil), newGate("c", nil), newGate("r", nil)
	v, err := New("dashboard", newCoordinator(t), dashboardParts(summary, charts, recent))
	require.NoError(t, err)
	defer v.Close()

	var mu sync.Mutex
	var snaps []Snapshot
	stop := v.Subscribe(func(s Snapshot) {
		mu.Lock()
		snaps = append(snaps, s)
		mu.Unlock()
	})

	close(summary.release)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(snaps) > 0 && snaps[len(snaps)-1].Populated
	}, waitFor, tick)

	stop()
	stop()
	mu.Lock()
	n := len(snaps)
	mu.Unlock()

	close(charts.release)
	close(recent.release)
	require.Eventually(t, func() bool {
		st, _ := v.Part("recent")
		return st.Data == "r"
	}, waitFor, tick)
	mu.Lock()
	assert.Equal(t, n, len(snaps))
	mu.Unlock()
}

func TestNewValidates(t *testing.T) {
	coord := newCoordinator(t)
	fetcher := fetch.Query{Fetch: func(context.Context) (any, error) { return nil, nil }}

	_, err := New("x", nil, []Part{{Name: "a", Key: "a", Query: fetcher}})
	assert.True(t, errs.Is(err, errs.KindValidation))

	_, err = New("x", coord, nil)
	assert.True(t, errs.Is(err, errs.KindValidation))

	_, err = New("x", coord, []Part{{Name: "a", Key: "a", Query: fetcher}, {Name: "a", Key: "b", Query: fetcher}})
	assert.True(t, errs.Is(err, errs.KindValidation))
}

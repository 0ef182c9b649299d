package connectivity

import (
	"context"
	nethttp "net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gaborage/go-bricks-datalayer/http"
	"github.com/gaborage/go-bricks-datalayer/logger"
)

func TestMonitorSetOnline(t *testing.T) {
	m := New(true, logger.Nop())
	assert.True(t, m.Online())

	var seen []bool
	dispose := m.Subscribe(func(online bool) { seen = append(seen, online) })

	m.SetOnline(true) // unchanged, no notification
	m.SetOnline(false)
	assert.False(t, m.Online())
	m.SetOnline(true)

	dispose()
	dispose()
	m.SetOnline(false)

	assert.Equal(t, []bool{false, true}, seen)
}

func TestMonitorListenerOrderAndIsolation(t *testing.T) {
	m := New(false, nil)
	var order []string
	m.Subscribe(func(bool) { order = append(order, "a") })
	m.Subscribe(func(bool) { panic("boom") })
	m.Subscribe(func(bool) { order = append(order, "c") })

	assert.NotPanics(t, func() { m.SetOnline(true) })
	assert.Equal(t, []string{"a", "c"}, order)
}

func TestMonitorListenerMayReadState(t *testing.T) {
	m := New(false, nil)
	var observed bool
	m.Subscribe(func(bool) { observed = m.Online() })
	m.SetOnline(true)
	assert.True(t, observed)
}

func TestWatch(t *testing.T) {
	m := New(true, nil)
	var up atomic.Bool
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, m.Watch(ctx, func(context.Context) bool { return up.Load() }, 10*time.Millisecond))

	assert.Eventually(t, func() bool { return !m.Online() }, time.Second, 5*time.Millisecond)
	up.Store(true)
	assert.Eventually(t, m.Online, time.Second, 5*time.Millisecond)
}

func TestHTTPProbe(t *testing.T) {
	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.URL.Path == "/down" {
			w.WriteHeader(nethttp.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(nethttp.StatusOK)
	}))
	client := http.NewClient(logger.Nop())

	assert.True(t, HTTPProbe(client, server.URL+"/health", time.Second)(context.Background()))
	assert.True(t, HTTPProbe(client, server.URL+"/down", time.Second)(context.Background()), "an error status still proves reachability")

	server.Close()
	assert.False(t, HTTPProbe(client, server.URL+"/health", time.Second)(context.Background()))
}

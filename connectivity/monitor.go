// Package connectivity holds the process-wide online/offline signal.
//
// The Monitor is the only component that observes reachability; everything else
// subscribes to it. Watch feeds it from a periodic probe such as a health check.
package connectivity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/gaborage/go-bricks-datalayer/http"
	"github.com/gaborage/go-bricks-datalayer/logger"
)

// DefaultProbeInterval is the Watch interval used when none is given.
const DefaultProbeInterval = 15 * time.Second

// Listener observes online transitions.
type Listener = func(online bool)

type listener struct {
	id uint64
	fn Listener
}

// Monitor is a single online flag with synchronous subscribers.
type Monitor struct {
	mu        sync.Mutex
	online    bool
	listeners []listener
	nextID    uint64
	log       logger.Logger
}

// New creates a monitor seeded with online.
func New(online bool, log logger.Logger) *Monitor {
	return &Monitor{
		online: online,
		log:    logger.OrNop(log).Component("connectivity"),
	}
}

// Online reports the current state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline updates the state. Listeners are called synchronously, in
// registration order, only when the value changes.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	snapshot := append([]listener(nil), m.listeners...)
	m.mu.Unlock()

	m.log.Info().Bool("online", online).Msg("connectivity changed")
	for _, l := range snapshot {
		m.notify(l.fn, online)
	}
}

func (m *Monitor) notify(fn Listener, online bool) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Interface("panic", r).Msg("connectivity listener failed")
		}
	}()
	fn(online)
}

// Subscribe registers fn and returns an idempotent disposer.
func (m *Monitor) Subscribe(fn Listener) func() {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.listeners = append(m.listeners, listener{id: id, fn: fn})
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			for i, l := range m.listeners {
				if l.id == id {
					m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// Probe reports whether the remote service is reachable.
type Probe func(ctx context.Context) bool

// Watch runs probe every interval on a gocron scheduler and feeds SetOnline
// until ctx is done. It probes once immediately.
func (m *Monitor) Watch(ctx context.Context, probe Probe, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	s, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to create connectivity scheduler: %w", err)
	}
	_, err = s.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() { m.SetOnline(probe(ctx)) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		_ = s.Shutdown()
		return fmt.Errorf("failed to register connectivity probe: %w", err)
	}
	s.Start()

	go func() {
		<-ctx.Done()
		if err := s.Shutdown(); err != nil {
			m.log.Warn().Err(err).Msg("failed to stop connectivity probe")
		}
	}()
	return nil
}

// HTTPProbe probes url with a single GET. Any response, even an error status,
// proves reachability; only transport failures and timeouts count as offline.
func HTTPProbe(client http.Client, url string, timeout time.Duration) Probe {
	single := http.DefaultRetryPolicy()
	single.MaxAttempts = 1
	return func(ctx context.Context) bool {
		_, err := client.Get(ctx, &http.Request{URL: url, Timeout: timeout, Retry: &single})
		if err == nil {
			return true
		}
		return !http.IsErrorType(err, http.NetworkError) && !http.IsErrorType(err, http.TimeoutError)
	}
}

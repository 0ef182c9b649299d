// Package syncengine keeps registered readers fresh without per-reader polling.
// It reacts to a small set of triggers (interval, visibility, focus, reconnect)
// and runs every registered callback with all-settled semantics.
package syncengine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/gaborage/go-bricks-datalayer/errs"
	"github.com/gaborage/go-bricks-datalayer/logger"
)

// Status is the engine's three-valued sync status.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusSyncing Status = "syncing"
	StatusError   Status = "error"
)

// Trigger names what started a sync.
type Trigger string

const (
	TriggerInterval   Trigger = "interval"
	TriggerVisibility Trigger = "visibility"
	TriggerFocus      Trigger = "focus"
	TriggerReconnect  Trigger = "reconnect"
	TriggerManual     Trigger = "manual"
)

// Callback refreshes one reader.
type Callback func(ctx context.Context) error

// Config selects the enabled triggers.
type Config struct {
	// Interval between periodic syncs; zero disables the interval trigger.
	Interval     time.Duration
	OnVisibility bool
	OnFocus      bool
	OnReconnect  bool
	// Throttle is the minimum gap between focus/visibility syncs; zero disables throttling.
	Throttle time.Duration
}

// Connectivity is the online signal the engine gates on and listens to.
type Connectivity interface {
	Online() bool
	Subscribe(fn func(online bool)) func()
}

// Drainer replays deferred mutations.
type Drainer interface {
	Drain(ctx context.Context) error
}

// Session reports whether a principal is signed in.
type Session interface {
	SignedIn() bool
}

// SessionFunc adapts a function to Session.
type SessionFunc func() bool

// SignedIn implements Session.
func (f SessionFunc) SignedIn() bool { return f() }

// Deps are the engine's collaborators. Any may be nil: a nil Connectivity is
// always online, a nil Session is always signed in, and a nil Drainer skips draining.
type Deps struct {
	Connectivity Connectivity
	Queue        Drainer
	Session      Session
}

// Engine coordinates sync passes. Concurrent triggers share the running pass.
type Engine struct {
	cfg     Config
	deps    Deps
	limiter *rate.Limiter
	passes  singleflight.Group
	now     func() time.Time
	log     logger.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	readers    map[uint64]Callback
	nextID     uint64
	status     Status
	lastSyncAt time.Time
	lastErr    error
	listeners  map[uint64]func(Status)
	scheduler  gocron.Scheduler
	stopConn   func()
	started    bool
}

// New creates an idle engine. Call Start to enable the interval and reconnect triggers.
func New(cfg Config, deps Deps, log logger.Logger) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	limit := rate.Inf
	if cfg.Throttle > 0 {
		limit = rate.Every(cfg.Throttle)
	}
	return &Engine{
		cfg:       cfg,
		deps:      deps,
		limiter:   rate.NewLimiter(limit, 1),
		now:       time.Now,
		log:       logger.OrNop(log).Component("sync"),
		ctx:       ctx,
		cancel:    cancel,
		readers:   make(map[uint64]Callback),
		listeners: make(map[uint64]func(Status)),
		status:    StatusIdle,
	}
}

// Register adds a reader callback and returns an idempotent disposer.
func (e *Engine) Register(cb Callback) func() {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.readers[id] = cb
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.readers, id)
			e.mu.Unlock()
		})
	}
}

// Start enables the interval trigger (gocron) and the reconnect trigger.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return nil
	}

	if e.cfg.Interval > 0 {
		s, err := gocron.NewScheduler()
		if err != nil {
			return fmt.Errorf("failed to create sync scheduler: %w", err)
		}
		_, err = s.NewJob(
			gocron.DurationJob(e.cfg.Interval),
			gocron.NewTask(e.tick),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			_ = s.Shutdown()
			return fmt.Errorf("failed to register sync job: %w", err)
		}
		s.Start()
		e.scheduler = s
	}

	if e.cfg.OnReconnect && e.deps.Connectivity != nil {
		e.stopConn = e.deps.Connectivity.Subscribe(func(online bool) {
			if online {
				go e.reconnected()
			}
		})
	}
	e.started = true
	e.log.Info().Dur("interval", e.cfg.Interval).Bool("on_reconnect", e.cfg.OnReconnect).Msg("sync engine started")
	return nil
}

// Stop disables all triggers and cancels a running pass. A stopped engine cannot be restarted.
func (e *Engine) Stop() error {
	e.mu.Lock()
	s := e.scheduler
	stop := e.stopConn
	e.scheduler = nil
	e.stopConn = nil
	e.started = false
	e.mu.Unlock()

	e.cancel()
	if stop != nil {
		stop()
	}
	if s != nil {
		if err := s.Shutdown(); err != nil {
			return fmt.Errorf("failed to stop sync scheduler: %w", err)
		}
	}
	return nil
}

// NotifyVisible reports the view became visible. It syncs unless disabled or throttled.
func (e *Engine) NotifyVisible(ctx context.Context) error {
	if !e.cfg.OnVisibility {
		return nil
	}
	return e.throttled(ctx, TriggerVisibility)
}

// NotifyFocus reports the view gained focus. It syncs unless disabled or throttled.
func (e *Engine) NotifyFocus(ctx context.Context) error {
	if !e.cfg.OnFocus {
		return nil
	}
	return e.throttled(ctx, TriggerFocus)
}

// RetryNow drains pending changes and then syncs every reader.
func (e *Engine) RetryNow(ctx context.Context) error {
	var result *multierror.Error
	if err := e.drain(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	if err := e.run(ctx, TriggerManual); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// SyncNow runs every registered reader once and waits for all of them. A failing
// reader sets StatusError without preventing the others from running.
func (e *Engine) SyncNow(ctx context.Context) error {
	return e.run(ctx, TriggerManual)
}

// Status returns the current status.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// LastSyncAt returns when the last pass finished; zero before the first.
func (e *Engine) LastSyncAt() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSyncAt
}

// LastError returns the aggregated error of the last pass, if it failed.
func (e *Engine) LastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// Subscribe registers fn for status changes and returns an idempotent disposer.
func (e *Engine) Subscribe(fn func(Status)) func() {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.listeners[id] = fn
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.listeners, id)
			e.mu.Unlock()
		})
	}
}

func (e *Engine) tick() {
	if !e.online() || !e.signedIn() {
		return
	}
	if err := e.drain(e.ctx); err != nil {
		e.log.Warn().Err(err).Msg("pending drain on interval failed")
	}
	if err := e.run(e.ctx, TriggerInterval); err != nil {
		e.log.Debug().Err(err).Msg("interval sync finished with errors")
	}
}

func (e *Engine) reconnected() {
	if err := e.drain(e.ctx); err != nil {
		e.log.Warn().Err(err).Msg("pending drain on reconnect failed")
	}
	if !e.signedIn() {
		return
	}
	if err := e.run(e.ctx, TriggerReconnect); err != nil {
		e.log.Debug().Err(err).Msg("reconnect sync finished with errors")
	}
}

func (e *Engine) throttled(ctx context.Context, trigger Trigger) error {
	if !e.limiter.Allow() {
		e.log.Debug().Str("trigger", string(trigger)).Msg("sync throttled")
		return nil
	}
	return e.run(ctx, trigger)
}

func (e *Engine) drain(ctx context.Context) error {
	if e.deps.Queue == nil {
		return nil
	}
	return e.deps.Queue.Drain(ctx)
}

// run joins the running pass or starts one, then waits for it or ctx.
func (e *Engine) run(ctx context.Context, trigger Trigger) error {
	ch := e.passes.DoChan("pass", func() (any, error) {
		return nil, e.pass(trigger)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return errs.Cancelled("sync.run", ctx.Err())
	}
}

// pass invokes every reader concurrently and aggregates their failures.
func (e *Engine) pass(trigger Trigger) error {
	e.mu.Lock()
	readers := make([]Callback, 0, len(e.readers))
	for _, cb := range e.readers {
		readers = append(readers, cb)
	}
	e.mu.Unlock()

	e.setStatus(StatusSyncing, nil, false)
	start := e.now()

	var g multierror.Group
	for _, cb := range readers {
		g.Go(func() error { return e.invoke(cb) })
	}
	var failures *multierror.Error
	if all := g.Wait(); all != nil {
		for _, one := range all.Errors {
			if !errs.IsCancelled(one) {
				failures = multierror.Append(failures, one)
			}
		}
	}
	result := failures.ErrorOrNil()

	if result != nil {
		e.setStatus(StatusError, result, true)
		e.log.Warn().Str("trigger", string(trigger)).Int("readers", len(readers)).Err(result).Msg("sync pass failed")
	} else {
		e.setStatus(StatusIdle, nil, true)
		e.log.Debug().Str("trigger", string(trigger)).Int("readers", len(readers)).Dur("elapsed", e.now().Sub(start)).Msg("sync pass finished")
	}
	return result
}

func (e *Engine) invoke(cb Callback) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errs.Internal("sync.reader", fmt.Sprintf("reader panicked: %v", r), nil)
		}
	}()
	return cb(e.ctx)
}

func (e *Engine) setStatus(s Status, err error, finished bool) {
	e.mu.Lock()
	changed := e.status != s
	e.status = s
	if finished {
		e.lastSyncAt = e.now()
		e.lastErr = err
	}
	listeners := make([]func(Status), 0, len(e.listeners))
	for _, fn := range e.listeners {
		listeners = append(listeners, fn)
	}
	e.mu.Unlock()

	if !changed {
		return
	}
	for _, fn := range listeners {
		fn(s)
	}
}

func (e *Engine) online() bool {
	return e.deps.Connectivity == nil || e.deps.Connectivity.Online()
}

func (e *Engine) signedIn() bool {
	return e.deps.Session == nil || e.deps.Session.SignedIn()
}

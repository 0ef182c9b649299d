package experiments

import (
	"context"
	nethttp "net/http"
	"sync"
	"time"

	"github.com/gaborage/go-bricks-datalayer/collection"
	"github.com/gaborage/go-bricks-datalayer/compose"
	"github.com/gaborage/go-bricks-datalayer/config"
	"github.com/gaborage/go-bricks-datalayer/conflict"
	"github.com/gaborage/go-bricks-datalayer/errs"
	"github.com/gaborage/go-bricks-datalayer/fetch"
	"github.com/gaborage/go-bricks-datalayer/http"
	"github.com/gaborage/go-bricks-datalayer/logger"
	"github.com/gaborage/go-bricks-datalayer/pending"
	"github.com/gaborage/go-bricks-datalayer/preferences"
	"github.com/gaborage/go-bricks-datalayer/validation"
)

// Name is the cache key prefix and dependency of every experiments entry.
const Name = "experiments"

// Dashboard part names.
const (
	PartSummary = "summary"
	PartCharts  = "charts"
	PartRecent  = "recent"
)

// Config wires a Service.
type Config struct {
	Endpoints    config.EndpointsConfig
	Client       http.Client
	Coordinator  *fetch.Coordinator
	Preferences  *preferences.Store
	Connectivity collection.Connectivity
	Queue        *pending.Queue
	Session      http.TokenSource
	// Tags returns the tags attached to every cache entry.
	Tags func() []string

	TTL            time.Duration
	RollbackDelay  time.Duration
	ConflictPolicy conflict.Policy
	ConflictTick   time.Duration
	Logger         logger.Logger
}

// Service exposes experiments and the dashboard.
type Service struct {
	cfg  Config
	coll *collection.Collection[Experiment]
	log  logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	bg     sync.WaitGroup

	mu        sync.Mutex
	dashboard *compose.View
}

// New builds the service and starts reading the experiment list.
func New(cfg Config) (*Service, error) {
	if cfg.Client == nil || cfg.Coordinator == nil {
		return nil, errs.Validation("experiments.new", "client and coordinator are required")
	}
	if err := validation.Default().Struct(cfg.Endpoints); err != nil {
		return nil, err
	}

	coll, err := collection.New(collection.Config[Experiment]{
		Name: Name,
		Endpoints: collection.Endpoints{
			List:   cfg.Endpoints.ListCollection,
			Create: cfg.Endpoints.CreateCollection,
			Item:   cfg.Endpoints.ItemByID,
		},
		Client:         cfg.Client,
		Coordinator:    cfg.Coordinator,
		WithID:         withID,
		Preferences:    cfg.Preferences,
		FiltersKey:     preferences.KeyExperimentFilters,
		Connectivity:   cfg.Connectivity,
		Queue:          cfg.Queue,
		Session:        cfg.Session,
		Tags:           cfg.Tags,
		TTL:            cfg.TTL,
		RollbackDelay:  cfg.RollbackDelay,
		ConflictPolicy: cfg.ConflictPolicy,
		ConflictTick:   cfg.ConflictTick,
		Logger:         cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cfg:    cfg,
		coll:   coll,
		log:    logger.OrNop(cfg.Logger).Component("experiments"),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Collection returns the experiment list.
func (s *Service) Collection() *collection.Collection[Experiment] {
	return s.coll
}

// Create validates e and adds it to the collection.
func (s *Service) Create(ctx context.Context, e Experiment) (Experiment, error) {
	if err := validation.Default().Struct(e); err != nil {
		return Experiment{}, err
	}
	if e.Name == "" {
		return Experiment{}, errs.Validation("experiments.create", "name is required")
	}
	created, err := s.coll.Create(ctx, e)
	s.afterWrite(err)
	return created, err
}

// Update merges the non-zero fields of partial into experiment id.
func (s *Service) Update(ctx context.Context, id string, partial Experiment) (Experiment, error) {
	if err := validation.Default().Struct(partial); err != nil {
		return Experiment{}, err
	}
	updated, err := s.coll.Update(ctx, id, partial)
	s.afterWrite(err)
	return updated, err
}

// Delete removes experiment id.
func (s *Service) Delete(ctx context.Context, id string) error {
	err := s.coll.Delete(ctx, id)
	s.afterWrite(err)
	return err
}

// Get reads one experiment.
func (s *Service) Get(ctx context.Context, id string) (Experiment, error) {
	return s.coll.GetDetails(ctx, id)
}

// Dashboard returns the dashboard view, subscribing to its parts on first use.
func (s *Service) Dashboard() (*compose.View, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dashboard != nil {
		return s.dashboard, nil
	}
	v, err := compose.New("dashboard", s.cfg.Coordinator, []compose.Part{
		{Name: PartSummary, Key: "dashboard:summary", Query: s.query(fetch.JSONQuery[Summary](s.cfg.Client, nethttp.MethodGet, s.cfg.Endpoints.Summary, nil))},
		{Name: PartCharts, Key: "dashboard:charts", Query: s.query(fetch.JSONQuery[[]ChartPoint](s.cfg.Client, nethttp.MethodGet, s.cfg.Endpoints.ChartData, nil))},
		{Name: PartRecent, Key: "dashboard:recent", Query: s.query(fetch.JSONQuery[[]Experiment](s.cfg.Client, nethttp.MethodGet, s.cfg.Endpoints.Recent, nil))},
	}, compose.WithLogger(s.cfg.Logger))
	if err != nil {
		return nil, err
	}
	s.dashboard = v
	return v, nil
}

// DashboardData decodes a dashboard snapshot.
func DashboardData(snap compose.Snapshot) Dashboard {
	var d Dashboard
	if sum, ok := fetch.DataAs[Summary](snap.Parts[PartSummary]); ok {
		d.Summary = &sum
	}
	d.Charts, _ = fetch.DataAs[[]ChartPoint](snap.Parts[PartCharts])
	d.Recent, _ = fetch.DataAs[[]Experiment](snap.Parts[PartRecent])
	return d
}

// Refresh refetches the list and, once opened, the dashboard. It is the
// service's sync callback.
func (s *Service) Refresh(ctx context.Context) error {
	if err := s.coll.Refetch(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	v := s.dashboard
	s.mu.Unlock()
	if v == nil {
		return nil
	}
	return v.RefetchAll(ctx)
}

// Reset drops the list of the ended session and its unconfirmed changes.
func (s *Service) Reset() {
	s.coll.Reset()
}

// Close releases the collection and the dashboard once background refreshes
// have returned.
func (s *Service) Close() {
	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()
	s.bg.Wait()

	s.mu.Lock()
	v := s.dashboard
	s.dashboard = nil
	s.mu.Unlock()
	if v != nil {
		v.Close()
	}
	s.coll.Close()
}

// afterWrite refreshes the dashboard in the background once a write reached the server.
func (s *Service) afterWrite(err error) {
	if err != nil {
		return
	}
	s.mu.Lock()
	v := s.dashboard
	if v == nil || s.ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	s.bg.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.bg.Done()
		if err := v.RefetchAll(s.ctx); err != nil && !errs.IsCancelled(err) {
			s.log.Debug().Err(err).Msg("dashboard refresh after write failed")
		}
	}()
}

func (s *Service) query(q fetch.Query) fetch.Query {
	q.TTL = s.cfg.TTL
	q.Dependencies = []string{Name}
	q.SessionTags = s.cfg.Tags
	return q
}

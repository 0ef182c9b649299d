// Package testapi is an in-memory experiments service used by tests and by the
// mockapi binary. Responses can be scripted per route to exercise retries,
// conflicts and failures.
package testapi

import (
	"cmp"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/gaborage/go-bricks-datalayer/logger"
)

// Experiment is the wire form of an experiment record.
type Experiment struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Type        string    `json:"type"`
	Status      string    `json:"status"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Summary counts experiments by status.
type Summary struct {
	Total     int `json:"total"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// ChartPoint is the number of experiments created on one day.
type ChartPoint struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

// ErrorBody is the JSON error envelope.
type ErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// Server is the fake service.
type Server struct {
	echo    *echo.Echo
	prefix  string
	now     func() time.Time
	log     logger.Logger
	origins []string
	tracing string

	mu          sync.Mutex
	experiments map[string]Experiment
	scripts     map[string][]int
	calls       map[string]int
	delays      map[string]time.Duration
	holds       map[string]chan struct{}
	token       string
}

// Option configures a Server.
type Option func(*Server)

// WithPrefix mounts every route under prefix (e.g. "/api").
func WithPrefix(prefix string) Option {
	return func(s *Server) {
		s.prefix = strings.TrimSuffix(prefix, "/")
	}
}

// WithToken requires "Authorization: Bearer <token>" on every route but /health.
func WithToken(token string) Option {
	return func(s *Server) {
		s.token = token
	}
}

// WithClock sets the clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

// New builds the service with its routes registered.
func New(opts ...Option) *Server {
	s := &Server{
		now:         time.Now,
		experiments: make(map[string]Experiment),
		scripts:     make(map[string][]int),
		calls:       make(map[string]int),
		delays:      make(map[string]time.Duration),
		holds:       make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler
	s.setupMiddlewares(e)

	g := e.Group(s.prefix, s.intercept)
	g.GET("/health", func(c echo.Context) error { return c.JSON(http.StatusOK, map[string]string{"status": "ok"}) })
	g.GET("/experiments", s.list)
	g.POST("/experiments", s.create)
	g.GET("/experiments/:id", s.get)
	g.PATCH("/experiments/:id", s.patch)
	g.PUT("/experiments/:id", s.put)
	g.DELETE("/experiments/:id", s.delete)
	g.GET("/dashboard/summary", s.summary)
	g.GET("/dashboard/charts", s.charts)
	g.GET("/dashboard/recent", s.recent)

	s.echo = e
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens on addr until Shutdown.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Echo exposes the underlying router for graceful shutdown.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Seed stores experiments, assigning ids and timestamps where missing.
func (s *Server) Seed(exps ...Experiment) []Experiment {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Experiment, 0, len(exps))
	for _, x := range exps {
		x = s.fillLocked(x)
		s.experiments[x.ID] = x
		out = append(out, x)
	}
	return out
}

// Experiments returns every stored experiment ordered by id.
func (s *Server) Experiments() []Experiment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedLocked()
}

// Script makes the next requests to route answer with statuses, in order,
// before normal handling resumes. route is "METHOD /path" with echo params,
// e.g. "PATCH /experiments/:id".
func (s *Server) Script(route string, statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[route] = append(s.scripts[route], statuses...)
}

// Calls returns how many requests route received.
func (s *Server) Calls(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[route]
}

// Delay makes every request to route wait d before it is handled.
func (s *Server) Delay(route string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays[route] = d
}

// Hold blocks requests to route until the returned release is called.
func (s *Server) Hold(route string) (release func()) {
	ch := make(chan struct{})
	s.mu.Lock()
	s.holds[route] = ch
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			if s.holds[route] == ch {
				delete(s.holds, route)
			}
			s.mu.Unlock()
			close(ch)
		})
	}
}

func (s *Server) intercept(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		route := c.Request().Method + " " + strings.TrimPrefix(c.Path(), s.prefix)

		s.mu.Lock()
		s.calls[route]++
		var scripted int
		if queue := s.scripts[route]; len(queue) > 0 {
			scripted, s.scripts[route] = queue[0], queue[1:]
		}
		delay := s.delays[route]
		hold := s.holds[route]
		token := s.token
		s.mu.Unlock()

		if hold != nil {
			select {
			case <-hold:
			case <-c.Request().Context().Done():
				return c.Request().Context().Err()
			}
		}
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-c.Request().Context().Done():
				return c.Request().Context().Err()
			}
		}
		if scripted != 0 {
			return c.JSON(scripted, ErrorBody{Error: http.StatusText(scripted), Message: "scripted response"})
		}
		if token != "" && route != "GET /health" && c.Request().Header.Get(echo.HeaderAuthorization) != "Bearer "+token {
			return echo.NewHTTPError(http.StatusUnauthorized, "missing or invalid bearer token")
		}
		return next(c)
	}
}

func errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status := http.StatusInternalServerError
	msg := err.Error()
	if he, ok := err.(*echo.HTTPError); ok {
		status = he.Code
		msg = fmt.Sprint(he.Message)
	}
	_ = c.JSON(status, ErrorBody{Error: http.StatusText(status), Message: msg})
}

func (s *Server) list(c echo.Context) error {
	typ, status := c.QueryParam("type"), c.QueryParam("status")
	s.mu.Lock()
	all := s.sortedLocked()
	s.mu.Unlock()

	out := make([]Experiment, 0, len(all))
	for _, x := range all {
		if (typ == "" || x.Type == typ) && (status == "" || x.Status == status) {
			out = append(out, x)
		}
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) create(c echo.Context) error {
	var in Experiment
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	if strings.TrimSpace(in.Name) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name is required")
	}
	in.ID = ""
	s.mu.Lock()
	x := s.fillLocked(in)
	s.experiments[x.ID] = x
	s.mu.Unlock()
	return c.JSON(http.StatusCreated, x)
}

func (s *Server) get(c echo.Context) error {
	s.mu.Lock()
	x, ok := s.experiments[c.Param("id")]
	s.mu.Unlock()
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "experiment not found")
	}
	return c.JSON(http.StatusOK, x)
}

func (s *Server) patch(c echo.Context) error {
	var in Experiment
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	id := c.Param("id")
	s.mu.Lock()
	defer s.mu.Unlock()
	x, ok := s.experiments[id]
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "experiment not found")
	}
	if in.Name != "" {
		x.Name = in.Name
	}
	if in.Type != "" {
		x.Type = in.Type
	}
	if in.Status != "" {
		x.Status = in.Status
	}
	if in.Description != "" {
		x.Description = in.Description
	}
	x.UpdatedAt = s.now().UTC()
	s.experiments[id] = x
	return c.JSON(http.StatusOK, x)
}

func (s *Server) put(c echo.Context) error {
	var in Experiment
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	id := c.Param("id")
	s.mu.Lock()
	defer s.mu.Unlock()
	x, ok := s.experiments[id]
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "experiment not found")
	}
	in.ID = id
	in.CreatedAt = x.CreatedAt
	in.UpdatedAt = s.now().UTC()
	s.experiments[id] = in
	return c.JSON(http.StatusOK, in)
}

func (s *Server) delete(c echo.Context) error {
	id := c.Param("id")
	s.mu.Lock()
	_, ok := s.experiments[id]
	delete(s.experiments, id)
	s.mu.Unlock()
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "experiment not found")
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) summary(c echo.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out Summary
	for _, x := range s.experiments {
		out.Total++
		switch x.Status {
		case "running":
			out.Running++
		case "completed":
			out.Completed++
		case "failed":
			out.Failed++
		}
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) charts(c echo.Context) error {
	s.mu.Lock()
	counts := map[string]int{}
	for _, x := range s.experiments {
		counts[x.CreatedAt.UTC().Format(time.DateOnly)]++
	}
	s.mu.Unlock()

	out := make([]ChartPoint, 0, len(counts))
	for d, n := range counts {
		out = append(out, ChartPoint{Date: d, Count: n})
	}
	slices.SortFunc(out, func(a, b ChartPoint) int { return cmp.Compare(a.Date, b.Date) })
	return c.JSON(http.StatusOK, out)
}

func (s *Server) recent(c echo.Context) error {
	s.mu.Lock()
	all := s.sortedLocked()
	s.mu.Unlock()

	slices.SortStableFunc(all, func(a, b Experiment) int { return b.UpdatedAt.Compare(a.UpdatedAt) })
	if len(all) > 5 {
		all = all[:5]
	}
	return c.JSON(http.StatusOK, all)
}

func (s *Server) fillLocked(x Experiment) Experiment {
	now := s.now().UTC()
	if x.ID == "" {
		x.ID = uuid.NewString()
	}
	if x.Status == "" {
		x.Status = "draft"
	}
	if x.CreatedAt.IsZero() {
		x.CreatedAt = now
	}
	if x.UpdatedAt.IsZero() {
		x.UpdatedAt = x.CreatedAt
	}
	return x
}

func (s *Server) sortedLocked() []Experiment {
	out := make([]Experiment, 0, len(s.experiments))
	for _, x := range s.experiments {
		out = append(out, x)
	}
	slices.SortFunc(out, func(a, b Experiment) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

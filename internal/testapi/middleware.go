package testapi

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/gaborage/go-bricks-datalayer/logger"
)

// slowRequest marks requests logged at warn level even when they succeed.
const slowRequest = time.Second

// WithLogger enables request ids, panic recovery, CORS and per-request logging.
// Tests usually leave it off; the mockapi binary turns it on.
func WithLogger(log logger.Logger) Option {
	return func(s *Server) {
		s.log = log
	}
}

// WithTracing records a server span per request under service, using the
// global tracer provider.
func WithTracing(service string) Option {
	return func(s *Server) {
		s.tracing = service
	}
}

// WithCORSOrigins restricts the allowed browser origins. The default is "*".
func WithCORSOrigins(origins ...string) Option {
	return func(s *Server) {
		s.origins = origins
	}
}

func (s *Server) setupMiddlewares(e *echo.Echo) {
	if s.tracing != "" {
		e.Use(otelecho.Middleware(s.tracing))
	}
	if s.log == nil {
		return
	}
	log := s.log.Component("mockapi")

	e.Use(middleware.RequestID())
	e.Use(cors(s.origins))
	e.Use(requestLogger(log, s.prefix+"/health"))
	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
			log.Error().
				Err(err).
				Str("request_id", c.Response().Header().Get(echo.HeaderXRequestID)).
				Str("stack", string(stack)).
				Msg("Panic recovered")
			return err
		},
	}))
}

func cors(origins []string) echo.MiddlewareFunc {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: origins,
		AllowMethods: []string{
			http.MethodGet,
			http.MethodPost,
			http.MethodPut,
			http.MethodPatch,
			http.MethodDelete,
			http.MethodOptions,
		},
		AllowHeaders: []string{
			echo.HeaderOrigin,
			echo.HeaderContentType,
			echo.HeaderAccept,
			echo.HeaderAuthorization,
			echo.HeaderXRequestID,
			"apikey",
		},
		ExposeHeaders: []string{echo.HeaderXRequestID},
		MaxAge:        86400,
	})
}

// requestLogger emits one line per request. 4xx, 5xx and slow requests are
// logged at warn level; the health probe is never logged.
func requestLogger(log logger.Logger, healthPath string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			path := c.Path()
			if path == "" {
				path = c.Request().URL.Path
			}
			if path == healthPath {
				return next(c)
			}

			start := time.Now()
			err := next(c)
			if err != nil {
				// let the error handler write the status before it is logged
				c.Error(err)
			}
			latency := time.Since(start)
			status := c.Response().Status

			event := log.Info()
			if status >= http.StatusBadRequest || latency > slowRequest {
				event = log.Warn()
			}
			event.
				Str("request_id", c.Response().Header().Get(echo.HeaderXRequestID)).
				Str("method", c.Request().Method).
				Str("route", path).
				Str("uri", c.Request().RequestURI).
				Int("status", status).
				Dur("latency", latency).
				Msg("request handled")
			return nil
		}
	}
}

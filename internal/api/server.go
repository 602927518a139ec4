// Package api exposes the workflows over HTTP: one trigger route per
// procedure, read access to runs and their diagrams, and a Server-Sent Events
// stream of run transitions.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/rendis/bizflow/internal/scheduler"
	"github.com/rendis/bizflow/internal/store"
	"github.com/rendis/bizflow/internal/streaming"
	"github.com/rendis/bizflow/internal/workflow"
	"github.com/rendis/bizflow/pkg/schema"
)

const serviceName = "bizflow"

// Invoker runs one workflow against one entity.
type Invoker interface {
	Invoke(ctx context.Context, wfType schema.WorkflowType, entityID string) (*workflow.Outcome, error)
}

// RunReader reads persisted runs.
type RunReader interface {
	GetInstance(ctx context.Context, id string) (*store.Instance, error)
	ListInstances(ctx context.Context, filter store.InstanceFilter) ([]*store.Instance, error)
	ListStepStates(ctx context.Context, instanceID string) ([]*store.StepState, error)
	GetEvents(ctx context.Context, instanceID string, since int64) ([]*store.Event, error)
}

// JobLister reports scheduled sweeps.
type JobLister interface {
	Jobs() []scheduler.JobStatus
}

// Deps holds the dependencies of the API server. Invoker and Runs are
// required.
type Deps struct {
	Invoker   Invoker
	Runs      RunReader
	Hub       streaming.EventHub
	Scheduler JobLister
	Logger    *slog.Logger
}

// Server serves the HTTP API.
type Server struct {
	deps Deps
	echo *echo.Echo
}

// NewServer creates a Server with every route registered.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler(deps.Logger)

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(otelecho.Middleware(serviceName, otelecho.WithSkipper(func(c echo.Context) bool {
		return c.Path() == "/healthz"
	})))
	e.Use(requestLogger(deps.Logger))

	s := &Server{deps: deps, echo: e}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.echo.GET("/healthz", s.handleHealth)

	v1 := s.echo.Group("/api/v1")

	v1.POST("/opportunities/:id/convert", s.trigger(schema.WorkflowDealToProject))
	v1.POST("/quotes/:id/convert", s.trigger(schema.WorkflowQuoteToContract))
	v1.POST("/payments/:id/process", s.trigger(schema.WorkflowInvoicePayment))
	v1.POST("/candidates/:id/hire", s.trigger(schema.WorkflowCandidateHiring))
	v1.POST("/projects/:id/complete", s.trigger(schema.WorkflowProjectCompletion))

	v1.GET("/workflows", s.handleListInstances)
	v1.GET("/workflows/:id", s.handleGetInstance)
	v1.GET("/workflows/:id/diagram", s.handleInstanceDiagram)
	v1.GET("/workflow-types/:type/diagram", s.handleTypeDiagram)
	v1.GET("/scheduler/jobs", s.handleJobs)

	v1.GET("/stream", s.handleStream)
}

// Handler returns the HTTP handler for every route.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:        addr,
		Handler:     s.echo,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.deps.Logger.Info("http server starting", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.deps.Logger.Error("http server shutdown", "error", err)
		return srv.Close()
	}
	s.deps.Logger.Info("http server stopped")
	return nil
}

func requestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			level := slog.LevelInfo
			if v.Status >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			attrs := []slog.Attr{
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
				slog.String("request_id", v.RequestID),
			}
			if v.Error != nil {
				attrs = append(attrs, slog.String("error", v.Error.Error()))
			}
			logger.LogAttrs(c.Request().Context(), level, "http request", attrs...)
			return nil
		},
	})
}

package ops

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kavos113/quicklab/lab-manager/domain"
	"github.com/kavos113/quicklab/lab-manager/scheduler"
	"github.com/kavos113/quicklab/lib/logger"
)

const (
	serviceName = "lab-manager-ops"

	healthTimeout = 5 * time.Second
)

type QueueStatusProvider interface {
	QueueStatus(ctx context.Context) (*domain.QueueStatus, error)
}

// QueueDepthReader reports scans handed to an external worker but not yet
// picked up.
type QueueDepthReader interface {
	Depth(ctx context.Context) (int64, error)
}

type LatestMetricsReader interface {
	Latest(ctx context.Context, job string) (map[string]any, error)
}

type Options struct {
	Health   domain.HealthChecker
	Gatherer prometheus.Gatherer
	Queue    QueueStatusProvider
	Depth    QueueDepthReader
	// Metrics is optional; without it /api/v1/metrics/latest answers 503.
	Metrics LatestMetricsReader
	Jobs    map[string]scheduler.Job
	Logger  *slog.Logger
}

// Server is the operator-facing HTTP surface. It is not exposed to learners.
type Server struct {
	echo   *echo.Echo
	opts   Options
	logger *slog.Logger
}

type errorResponse struct {
	Error string `json:"error"`
}

type queueResponse struct {
	*domain.QueueStatus
	Dispatched *int64 `json:"dispatched,omitempty"`
}

type healthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func NewServer(opts Options) *Server {
	s := &Server{
		echo:   echo.New(),
		opts:   opts,
		logger: logger.Ensure(opts.Logger).With("component", "ops"),
	}
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.Use(middleware.Recover())
	s.echo.Use(logger.EchoRequestLogger(serviceName, opts.Logger))

	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s.echo.GET("/healthz", s.getHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	api := s.echo.Group("/api/v1")
	api.GET("/scans/queue", s.getQueueStatus)
	api.GET("/metrics/latest/:job", s.getLatestMetrics)
	api.POST("/jobs/:job/trigger", s.triggerJob)

	return s
}

func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.logger.Info("ops server listening", "address", addr)
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) getHealth(c echo.Context) error {
	if s.opts.Health == nil {
		return c.JSON(http.StatusOK, healthResponse{Status: "ok"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), healthTimeout)
	defer cancel()

	if err := s.opts.Health.Ping(ctx); err != nil {
		return c.JSON(http.StatusServiceUnavailable, healthResponse{Status: "unavailable", Error: err.Error()})
	}
	return c.JSON(http.StatusOK, healthResponse{Status: "ok"})
}

func (s *Server) getQueueStatus(c echo.Context) error {
	if s.opts.Queue == nil {
		return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "scan queue is not configured"})
	}

	status, err := s.opts.Queue.QueueStatus(c.Request().Context())
	if err != nil {
		s.logger.Error("failed to get queue status", "error", err)
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "failed to get queue status"})
	}

	res := queueResponse{QueueStatus: status}
	if s.opts.Depth != nil {
		depth, err := s.opts.Depth.Depth(c.Request().Context())
		if err != nil {
			s.logger.Warn("failed to get dispatch queue depth", "error", err)
		} else {
			res.Dispatched = &depth
		}
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) getLatestMetrics(c echo.Context) error {
	if s.opts.Metrics == nil {
		return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "metrics store is not configured"})
	}

	job := c.Param("job")
	record, err := s.opts.Metrics.Latest(c.Request().Context(), job)
	if err != nil {
		s.logger.Error("failed to get latest metrics", "job", job, "error", err)
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "failed to get latest metrics"})
	}
	if record == nil {
		return c.JSON(http.StatusNotFound, errorResponse{Error: "no metrics recorded for " + job})
	}
	return c.JSON(http.StatusOK, record)
}

func (s *Server) triggerJob(c echo.Context) error {
	name := c.Param("job")
	job, ok := s.opts.Jobs[name]
	if !ok {
		return c.JSON(http.StatusNotFound, errorResponse{Error: "unknown job " + name})
	}

	s.logger.Info("manual run requested", "job", name)
	// A manual run outlives the request.
	m, err := job.Tick(context.WithoutCancel(c.Request().Context()))
	if errors.Is(err, scheduler.ErrAlreadyRunning) {
		return c.JSON(http.StatusConflict, errorResponse{Error: err.Error()})
	}
	if err != nil {
		s.logger.Error("manual run failed", "job", name, "error", err)
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
	return c.JSON(http.StatusOK, m.Fields())
}

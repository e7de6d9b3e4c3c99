package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"VisaTracker/internal/gateway"
	"VisaTracker/internal/infrastructure/metrics"
	"VisaTracker/internal/ports"
	"VisaTracker/internal/usecase"
	"VisaTracker/pkg/logger"
)

type (
	// Runner executes one reconcile batch.
	Runner interface {
		RunOnce(ctx context.Context) (usecase.RunResult, error)
	}

	// MessageSender delivers a ready-made Telegram message.
	MessageSender interface {
		Enabled() bool
		Send(ctx context.Context, text string) error
	}

	Options struct {
		Address        string
		AllowedOrigins []string
		CronSecret     string
		DisableReqLogs bool

		Forwarder  *gateway.Forwarder
		Sender     MessageSender
		Reconciler Runner
		Records    *usecase.RecordService
		// Feed backs the SSE stream; nil when the store cannot stream changes.
		Feed    ports.ChangeFeed
		Metrics *metrics.Metrics
		Logger  *slog.Logger
	}

	Server interface {
		http.Handler
		Start() error
		Stop(context.Context) error
	}

	server struct {
		opts   *Options
		app    *echo.Echo
		logger *slog.Logger
	}
)

var _ Server = (*server)(nil)

func NewServer(opts *Options) Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &server{
		opts:   opts,
		app:    echo.New(),
		logger: logger,
	}
	s.setup()
	return s
}

func (s *server) setup() {
	s.app.HideBanner = true
	s.app.HidePort = true
	s.app.StdLogger = logger.New(s.logger, "http", slog.LevelError)

	s.app.Pre(middleware.RemoveTrailingSlashWithConfig(middleware.TrailingSlashConfig{
		Skipper: isProxyPath,
	}))
	s.app.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{Generator: uuid.NewString}))
	if !s.opts.DisableReqLogs {
		s.app.Use(s.requestLogger())
	}
	s.app.Use(middleware.Recover())

	s.app.HTTPErrorHandler = appHTTPErrorHandler(s.logger)

	s.app.GET("/healthz", healthz)
	if s.opts.Metrics != nil {
		s.app.GET("/metrics", echo.WrapHandler(s.opts.Metrics.Handler()))
	}

	if s.opts.Forwarder != nil {
		registerProxyAPI(s.app, s.opts.Forwarder, s.opts.AllowedOrigins)
	}
	registerNotifyAPI(s.app, s.opts.Sender, s.opts.AllowedOrigins)
	if s.opts.Reconciler != nil {
		registerCronAPI(s.app, s.opts.Reconciler, s.opts.CronSecret, s.logger)
	}
	if s.opts.Records != nil {
		registerRecordsAPI(s.app.Group("/api/records"), s.opts.Records, s.opts.Feed, s.logger)
	}
}

func (s *server) Start() error {
	s.logger.Info("http server listening", "address", s.opts.Address)
	if err := s.app.Start(s.opts.Address); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *server) Stop(ctx context.Context) error {
	return s.app.Shutdown(ctx)
}

func (s *server) ServeHTTP(w http.ResponseWriter, r *http.Request) { // for tests
	s.app.ServeHTTP(w, r)
}

func (s *server) requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
				"request_id", v.RequestID,
			}
			if v.Error != nil {
				s.logger.Warn("request failed", append(attrs, "error", v.Error)...)
				return nil
			}
			s.logger.Info("request", attrs...)
			return nil
		},
	})
}

// isProxyPath keeps trailing slashes on proxied task paths; the visa API treats
// "uuid/" and "uuid" as different resources.
func isProxyPath(c echo.Context) bool {
	p := c.Request().URL.Path
	return strings.HasPrefix(p, "/check-status") || strings.HasPrefix(p, "/api/check-status")
}

func healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{"status": "ok"})
}

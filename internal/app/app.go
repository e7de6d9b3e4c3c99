package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"VisaTracker/internal/config"
	"VisaTracker/internal/gateway"
	"VisaTracker/internal/infrastructure/lock"
	"VisaTracker/internal/infrastructure/metrics"
	"VisaTracker/internal/infrastructure/scheduler"
	"VisaTracker/internal/infrastructure/storage"
	"VisaTracker/internal/infrastructure/telegram"
	"VisaTracker/internal/infrastructure/visaapi"
	"VisaTracker/internal/logging"
	"VisaTracker/internal/ports"
	"VisaTracker/internal/transport/httpapi"
	"VisaTracker/internal/usecase"
)

const (
	leasePrefix = "visatracker:"
	mirrorRetry = 5 * time.Second
)

// Application wires configs to use cases and lifecycle orchestration.
type Application struct {
	cfg    config.Config
	logger *slog.Logger

	reconciler *usecase.Reconciler
	scheduler  *usecase.Scheduler
	mirror     *usecase.Mirror
	server     httpapi.Server

	closers []func() error
}

// New opens the configured store and builds every component on top of it.
func New(ctx context.Context, cfg config.Config, baseLogger *slog.Logger) (*Application, error) {
	if baseLogger == nil {
		baseLogger = logging.New(cfg.Logging.Level, cfg.Logging.Format)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &Application{cfg: cfg, logger: baseLogger}
	m := metrics.New()

	repo, feed, err := a.openStore(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	checker := visaapi.NewClient(visaapi.Options{
		Endpoint:     cfg.Upstream.Endpoint,
		PollInterval: cfg.Upstream.PollInterval,
		MaxRetries:   cfg.Upstream.MaxRetries,
		Timeout:      cfg.Upstream.Timeout,
		UserAgent:    cfg.Upstream.UserAgent,
		Metrics:      m,
		Logger:       baseLogger.With("component", "visaapi"),
	})

	tg := cfg.Notifications.Telegram
	notifier := telegram.NewNotifier(telegram.Options{
		BotToken: tg.BotToken,
		ChatID:   tg.ChatID,
		APIURL:   tg.APIURL,
		Timeout:  tg.Timeout,
		Logger:   baseLogger.With("component", "telegram"),
	})
	if !notifier.Enabled() {
		baseLogger.Warn("telegram credentials missing, notifications disabled")
	}

	var locker ports.Locker
	if cfg.Redis.Address != "" {
		client := lock.NewRedisClient(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB)
		a.closers = append(a.closers, client.Close)
		locker = lock.NewRedisLocker(client, leasePrefix)
	}

	a.reconciler = usecase.NewReconciler(usecase.ReconcilerDeps{
		Repository: repo,
		Checker:    checker,
		Notifier:   notifier,
		Locker:     locker,
		LeaseTTL:   cfg.Reconciler.LeaseTTL,
		Metrics:    m,
		Logger:     baseLogger.With("component", "reconciler"),
	})

	var lister usecase.RecordLister
	if feed != nil && cfg.Storage.Driver == config.DriverFirestore {
		a.mirror = usecase.NewMirror(feed, mirrorRetry, baseLogger.With("component", "mirror"))
		lister = a.mirror
	}

	records := usecase.NewRecordService(usecase.RecordServiceDeps{
		Repository: repo,
		Reconciler: a.reconciler,
		Lister:     lister,
		Logger:     baseLogger.With("component", "records"),
	})

	if cfg.Scheduler.Enabled {
		driver := scheduler.NewCronScheduler(cfg.Scheduler.CronExpression, cfg.Scheduler.Location(),
			baseLogger.With("component", "cron"))
		if err := driver.Validate(); err != nil {
			a.Close()
			return nil, err
		}
		a.scheduler = usecase.NewScheduler(driver, a.reconciler, baseLogger.With("component", "scheduler"))
	}

	a.server = httpapi.NewServer(&httpapi.Options{
		Address:        cfg.HTTP.Address,
		AllowedOrigins: cfg.Proxy.AllowedOrigins,
		CronSecret:     cfg.Reconciler.CronSecret,
		Forwarder: gateway.NewForwarder(gateway.Options{
			UpstreamURL: cfg.Proxy.UpstreamURL,
			UserAgent:   cfg.Upstream.UserAgent,
			Timeout:     cfg.Proxy.Timeout,
			Metrics:     m,
			Logger:      baseLogger.With("component", "proxy"),
		}),
		Sender:     notifier,
		Reconciler: a.reconciler,
		Records:    records,
		Feed:       feed,
		Metrics:    m,
		Logger:     baseLogger.With("component", "http"),
	})

	return a, nil
}

func (a *Application) openStore(ctx context.Context) (ports.RecordRepository, ports.ChangeFeed, error) {
	st := a.cfg.Storage
	switch st.Driver {
	case config.DriverPostgres:
		db, err := storage.OpenPostgres(ctx, st.Postgres.DSN, st.Postgres.MaxOpenConns, st.Postgres.MaxIdleConns)
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, db.Close)
		repo := storage.NewPostgresRepository(db)
		if err := repo.EnsureSchema(ctx); err != nil {
			return nil, nil, err
		}
		return repo, nil, nil
	case config.DriverFirestore:
		client, err := storage.OpenFirestore(ctx, storage.FirebaseCredentials{
			ProjectID:   st.Firestore.ProjectID,
			ClientEmail: st.Firestore.ClientEmail,
			PrivateKey:  st.Firestore.PrivateKey,
		})
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, client.Close)
		repo := storage.NewFirestoreRepository(client, st.Firestore.Collection, a.logger.With("component", "firestore"))
		return repo, repo, nil
	default:
		a.logger.Warn("using in-memory store, records are lost on restart")
		repo := storage.NewMemoryRepository()
		return repo, repo, nil
	}
}

// Serve runs the HTTP server, the scheduler and the mirror until ctx is done,
// then shuts everything down within the configured timeout.
func (a *Application) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if a.mirror != nil {
		go a.mirror.Run(ctx)
	}
	if a.scheduler != nil {
		if err := a.scheduler.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- a.server.Start()
	}()

	var err error
	select {
	case <-ctx.Done():
	case err = <-serverErr:
		if err != nil {
			err = fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.HTTP.ShutdownTimeout)
	defer stop()

	a.logger.Info("shutting down")
	if serr := a.server.Stop(shutdownCtx); serr != nil {
		err = errors.Join(err, fmt.Errorf("stop http server: %w", serr))
	}
	if a.scheduler != nil {
		if serr := a.scheduler.Stop(shutdownCtx); serr != nil {
			err = errors.Join(err, fmt.Errorf("stop scheduler: %w", serr))
		}
	}
	return err
}

// RunOnce executes a single reconcile batch.
func (a *Application) RunOnce(ctx context.Context) (usecase.RunResult, error) {
	return a.reconciler.RunOnce(ctx)
}

// Close releases store and cache connections.
func (a *Application) Close() error {
	var err error
	for i := len(a.closers) - 1; i >= 0; i-- {
		err = errors.Join(err, a.closers[i]())
	}
	a.closers = nil
	return err
}

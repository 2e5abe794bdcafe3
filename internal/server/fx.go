// Package server builds the application graph and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/restock-monitor/internal/api"
	"github.com/JakeFAU/restock-monitor/internal/checker"
	"github.com/JakeFAU/restock-monitor/internal/clock/system"
	"github.com/JakeFAU/restock-monitor/internal/config"
	"github.com/JakeFAU/restock-monitor/internal/detector"
	collyfetcher "github.com/JakeFAU/restock-monitor/internal/fetcher/colly"
	"github.com/JakeFAU/restock-monitor/internal/id/uuid"
	"github.com/JakeFAU/restock-monitor/internal/logging"
	"github.com/JakeFAU/restock-monitor/internal/metrics"
	"github.com/JakeFAU/restock-monitor/internal/monitor"
	"github.com/JakeFAU/restock-monitor/internal/notifier/email"
	"github.com/JakeFAU/restock-monitor/internal/pipeline"
	"github.com/JakeFAU/restock-monitor/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/restock-monitor/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/restock-monitor/internal/publisher/pubsub"
	queuememory "github.com/JakeFAU/restock-monitor/internal/queue/memory"
	"github.com/JakeFAU/restock-monitor/internal/relevance"
	"github.com/JakeFAU/restock-monitor/internal/scheduler"
	"github.com/JakeFAU/restock-monitor/internal/search/serper"
	memorystore "github.com/JakeFAU/restock-monitor/internal/storage/memory"
	pgstore "github.com/JakeFAU/restock-monitor/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/restock-monitor/internal/storage/sqlite"
	"github.com/JakeFAU/restock-monitor/internal/telemetry"
)

// memoryPublisherLimit bounds the in-process event log.
const memoryPublisherLimit = 1000

// App contains the application's dependencies.
type App struct {
	cfg             *config.Config
	logger          *zap.Logger
	store           monitor.Store
	searcher        *serper.Searcher
	filter          *relevance.Filter
	notifier        *email.Notifier
	runner          *pipeline.Runner
	queue           *queuememory.Queue
	scheduler       *scheduler.Scheduler
	apiServer       *api.Server
	pubsubClient    *pubsub.Client
	pubsubPublisher *pubsub.Publisher
	tracerShutdown  func(context.Context) error
}

// Runner exposes the pipeline for one-shot runs.
func (a *App) Runner() *pipeline.Runner {
	return a.runner
}

// Store exposes the configured task store.
func (a *App) Store() monitor.Store {
	return a.store
}

// Logger returns the root application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Run starts the scheduler and HTTP server and blocks until ctx is canceled or
// SIGINT/SIGTERM arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		a.scheduler.Run(ctx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout())
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	a.queue.Close()
	select {
	case <-schedDone:
	case <-shutdownCtx.Done():
		a.logger.Warn("scheduler did not drain before shutdown deadline")
	}

	return a.Close(shutdownCtx)
}

// Close releases infrastructure clients.
func (a *App) Close(ctx context.Context) error {
	if a.queue != nil {
		a.queue.Close()
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("store close failed", zap.Error(err))
		}
	}
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	a.logger.Info("shutdown complete")
	_ = a.logger.Sync()
	return nil
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("store", cfg.Store.Backend),
		zap.Duration("interval", cfg.Scheduler.Interval),
		zap.Int("workers", cfg.Scheduler.Workers),
	)

	app.tracerShutdown, err = telemetry.Init(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Version:     cfg.Telemetry.Version,
		ProjectID:   cfg.Telemetry.ProjectID,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}

	if app.store, err = setupStore(ctx, app); err != nil {
		return nil, err
	}
	publisher, err := setupPublisher(ctx, app)
	if err != nil {
		_ = app.Close(ctx)
		return nil, err
	}
	if app.runner, err = setupPipeline(app, publisher); err != nil {
		_ = app.Close(ctx)
		return nil, err
	}

	clk := system.New()
	app.queue = queuememory.NewQueue(cfg.Scheduler.QueueDepth)
	app.scheduler = scheduler.New(app.store, app.runner, app.queue, clk, scheduler.Config{
		Interval:   cfg.Scheduler.Interval,
		Workers:    cfg.Scheduler.Workers,
		RunTimeout: cfg.Scheduler.RunTimeout,
		RunOnStart: cfg.Scheduler.RunOnStart,
	}, logger)

	app.apiServer = api.NewServer(api.Deps{
		Store:     app.store,
		Scheduler: app.scheduler,
		IDs:       uuid.New(),
		Clock:     clk,
		Mailer:    app.notifier,
		Pingers: map[string]monitor.Pinger{
			"store":     app.store,
			"search":    app.searcher,
			"relevance": app.filter,
			"mail":      app.notifier,
		},
	}, *cfg, logger.Named("api"))

	return app, nil
}

func setupStore(ctx context.Context, app *App) (monitor.Store, error) {
	cfg := app.cfg.Store
	switch cfg.Backend {
	case config.BackendPostgres:
		store, err := pgstore.NewTaskStore(ctx, pgstore.Config{
			DSN:             cfg.DSN,
			MaxConns:        cfg.MaxConns,
			MinConns:        cfg.MinConns,
			MaxConnLifetime: cfg.MaxConnLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres store init failed: %w", err)
		}
		app.logger.Info("using postgres task store")
		return store, nil
	case config.BackendSQLite:
		store, err := sqlitestore.NewTaskStore(ctx, cfg.SQLitePath, app.logger)
		if err != nil {
			return nil, fmt.Errorf("sqlite store init failed: %w", err)
		}
		app.logger.Info("using sqlite task store", zap.String("path", cfg.SQLitePath))
		return store, nil
	default:
		app.logger.Warn("using in-memory task store; tasks are lost on restart")
		return memorystore.NewTaskStore(), nil
	}
}

func setupPublisher(ctx context.Context, app *App) (monitor.Publisher, error) {
	cfg := app.cfg.PubSub
	if cfg.TopicName == "" || cfg.ProjectID == "" {
		app.logger.Info("no Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(memoryPublisherLimit, app.logger), nil
	}
	var err error
	app.pubsubClient, err = pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.pubsubPublisher = app.pubsubClient.Publisher(cfg.TopicName)
	app.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", cfg.ProjectID),
		zap.String("topic", cfg.TopicName),
	)
	return gcppublisher.New(app.pubsubPublisher, app.logger), nil
}

func setupPipeline(app *App, publisher monitor.Publisher) (*pipeline.Runner, error) {
	cfg := app.cfg
	clk := system.New()

	app.searcher = serper.New(serper.Config{
		Endpoint:       cfg.Search.Endpoint,
		APIKey:         cfg.Search.APIKey,
		Country:        cfg.Search.Country,
		Language:       cfg.Search.Language,
		MaxPerSite:     cfg.Search.MaxPerSite,
		Timeout:        cfg.Search.Timeout,
		MaxConcurrency: cfg.Search.MaxConcurrency,
	}, &http.Client{Timeout: cfg.Search.Timeout}, clk, app.logger)

	var err error
	app.filter, err = relevance.New(relevance.Config{
		APIKey:    cfg.Relevance.APIKey,
		BaseURL:   cfg.Relevance.BaseURL,
		Model:     cfg.Relevance.Model,
		BatchSize: cfg.Relevance.BatchSize,
		Timeout:   cfg.Relevance.Timeout,
		CacheSize: cfg.Relevance.CacheSize,
	}, app.logger)
	if err != nil {
		return nil, fmt.Errorf("relevance filter init failed: %w", err)
	}

	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.Checker.UserAgent,
		Timeout:       cfg.Checker.Timeout,
		MaxBodyBytes:  cfg.Checker.MaxBodyBytes,
		RespectRobots: cfg.Checker.RespectRobots,
	})
	var limiter checker.Limiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.New(ratelimit.Config{
			DefaultRPS:   cfg.RateLimit.DefaultRPS,
			DefaultBurst: cfg.RateLimit.DefaultBurst,
		})
		app.logger.Info("rate limiter enabled",
			zap.Float64("default_rps", cfg.RateLimit.DefaultRPS),
			zap.Int("default_burst", cfg.RateLimit.DefaultBurst),
		)
	}
	check := checker.New(fetcher, detector.Default(), limiter, clk, checker.Config{
		Timeout:     cfg.Checker.Timeout,
		MaxAttempts: cfg.Checker.MaxAttempts,
		BackoffBase: cfg.Checker.BackoffBase,
	}, app.logger)

	app.notifier = email.New(email.Config{
		Host:     cfg.Mail.Host,
		Port:     cfg.Mail.Port,
		Username: cfg.Mail.Username,
		Password: cfg.Mail.Password,
		From:     cfg.Mail.From,
		FromName: cfg.Mail.FromName,
		TLS:      cfg.Mail.TLS,
		Timeout:  cfg.Mail.Timeout,
	}, clk, app.logger)
	if !app.notifier.Configured() {
		app.logger.Warn("mail relay not configured; change notifications will be skipped")
	}

	runner, err := pipeline.New(pipeline.Deps{
		Store:     app.store,
		Searcher:  app.searcher,
		Filter:    app.filter,
		Checker:   check,
		Notifier:  app.notifier,
		Publisher: publisher,
		Clock:     clk,
	}, pipeline.Config{
		CheckConcurrency: cfg.Pipeline.CheckConcurrency,
		MaxCandidates:    cfg.Pipeline.MaxCandidates,
	}, app.logger)
	if err != nil {
		return nil, fmt.Errorf("pipeline init failed: %w", err)
	}
	return runner, nil
}

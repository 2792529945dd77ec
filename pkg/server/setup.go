// Package server assembles the tinyexp process: storage, event source,
// services, HTTP routes and background jobs.
package server

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/nicktill/tinyexp/pkg/abtest"
	"github.com/nicktill/tinyexp/pkg/aggregate"
	"github.com/nicktill/tinyexp/pkg/analysis"
	"github.com/nicktill/tinyexp/pkg/assign"
	"github.com/nicktill/tinyexp/pkg/config"
	"github.com/nicktill/tinyexp/pkg/optimize"
	"github.com/nicktill/tinyexp/pkg/scheduler"
	"github.com/nicktill/tinyexp/pkg/server/monitor"
	"github.com/nicktill/tinyexp/pkg/source"
	sourcemem "github.com/nicktill/tinyexp/pkg/source/memory"
	sourcepg "github.com/nicktill/tinyexp/pkg/source/postgres"
	"github.com/nicktill/tinyexp/pkg/storage"
	"github.com/nicktill/tinyexp/pkg/storage/badger"
	"github.com/nicktill/tinyexp/pkg/storage/memory"
	"github.com/nicktill/tinyexp/pkg/storage/postgres"
	"github.com/nicktill/tinyexp/pkg/telemetry"
)

// App holds every long-lived component of the process.
type App struct {
	Config config.Config
	Logger *zap.Logger

	Store   storage.Storage
	Events  source.EventStore
	Catalog source.Catalog

	// Seed is the in-process event source used when no source database is
	// configured; nil otherwise.
	Seed *sourcemem.Store

	Metrics     *telemetry.Metrics
	Aggregator  *aggregate.Aggregator
	Experiments *abtest.Service
	Exporter    *abtest.Exporter
	Hub         *abtest.ResultsHub
	Optimizer   *optimize.Engine
	Scheduler   *scheduler.Scheduler
	Disk        *monitor.DiskMonitor

	closers []func() error
}

// NewApp wires the components described by cfg. The returned App owns its
// connections; call Close when done.
func NewApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{Config: cfg, Logger: logger, Metrics: telemetry.New()}
	if err := app.wire(ctx); err != nil {
		if cerr := app.Close(); cerr != nil {
			logger.Warn("failed to release resources after setup error", zap.Error(cerr))
		}
		return nil, err
	}
	return app, nil
}

func (a *App) wire(ctx context.Context) error {
	cfg, logger := a.Config, a.Logger
	if err := a.openStorage(ctx); err != nil {
		return err
	}
	if err := a.openSource(ctx); err != nil {
		return err
	}

	assignOpts := []assign.Option{assign.WithMetrics(a.Metrics), assign.WithLogger(logger.Named("assign"))}
	if cfg.RedisAddr != "" {
		cache, err := assign.NewRedisCache(ctx, assign.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			TTL:      cfg.RedisTTL,
		})
		if err != nil {
			return err
		}
		a.closers = append(a.closers, cache.Close)
		assignOpts = append(assignOpts, assign.WithCache(cache))
		logger.Info("assignment cache enabled", zap.String("addr", cfg.RedisAddr))
	}

	a.Aggregator = aggregate.New(a.Events, logger.Named("aggregate"))
	analyzer := analysis.New(a.Aggregator, a.Store, analysis.Config{}, logger.Named("analysis"), a.Metrics)
	a.Hub = abtest.NewResultsHub(logger.Named("ws"))
	a.Experiments = abtest.NewService(a.Store,
		assign.New(a.Store, assignOpts...),
		analyzer,
		a.Aggregator,
		abtest.WithBroadcaster(a.Hub),
		abtest.WithCatalog(a.Catalog),
		abtest.WithLogger(logger.Named("abtest")))
	a.Exporter = abtest.NewExporter(a.Store)

	models := optimize.NewModelStore(a.Store, cfg.Optimize.RidgeLambda, cfg.Optimize.MinTrainingRows, logger.Named("model"))
	if err := models.Load(ctx); err != nil {
		// A corrupt model is replaced on the next retrain.
		logger.Warn("ignoring stored model", zap.Error(err))
	}
	a.Optimizer = optimize.New(a.Events, a.Catalog, a.Aggregator, a.Store, models,
		optimize.Config{
			CandidateOffers:  cfg.Optimize.CandidateOffers,
			CampaignLookback: cfg.Optimize.CampaignLookback,
			TrainingWindow:   cfg.Optimize.TrainingWindow,
		},
		optimize.WithLogger(logger.Named("optimize")),
		optimize.WithMetrics(a.Metrics))

	if cfg.Storage == "badger" {
		a.Disk = monitor.NewDiskMonitor(cfg.DataDir, cfg.MaxDiskMB*1024*1024)
	}

	a.Scheduler = scheduler.New(
		scheduler.WithLogger(logger.Named("scheduler")),
		scheduler.WithMetrics(a.Metrics),
		scheduler.WithRunTimeout(cfg.Jobs.RunTimeout))
	return RegisterJobs(a)
}

func (a *App) openStorage(ctx context.Context) error {
	switch a.Config.Storage {
	case "memory":
		a.Store = memory.New()
		a.Logger.Warn("using in-memory storage, data is lost on exit")

	case "badger":
		if err := os.MkdirAll(a.Config.DataDir, 0o755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
		store, err := badger.New(badger.Config{Path: a.Config.DataDir, MaxMemoryMB: a.Config.MaxMemoryMB})
		if err != nil {
			return fmt.Errorf("failed to open badger: %w", err)
		}
		a.Store = store
		a.Logger.Info("badger storage ready", zap.String("dir", a.Config.DataDir), zap.Int64("max_memory_mb", a.Config.MaxMemoryMB))

	case "postgres":
		if err := postgres.Migrate(a.Config.PostgresDSN); err != nil {
			return err
		}
		db, err := postgres.Open(ctx, postgres.Config{DSN: a.Config.PostgresDSN})
		if err != nil {
			return err
		}
		a.Store = postgres.New(db)
		a.Logger.Info("postgres storage ready")

	default:
		return fmt.Errorf("unknown storage backend %q", a.Config.Storage)
	}
	a.closers = append(a.closers, a.Store.Close)
	return nil
}

func (a *App) openSource(ctx context.Context) error {
	dsn := a.Config.SourceDSN
	if dsn == "" && a.Config.Storage == "postgres" {
		dsn = a.Config.PostgresDSN
	}
	if dsn == "" {
		a.Seed = sourcemem.New()
		a.Events, a.Catalog = a.Seed, a.Seed
		a.Logger.Warn("no source database configured, using an empty in-process event store")
		return nil
	}

	db, err := postgres.Open(ctx, postgres.Config{DSN: dsn})
	if err != nil {
		return fmt.Errorf("failed to open source database: %w", err)
	}
	a.closers = append(a.closers, db.Close)
	src := sourcepg.New(db)
	a.Events, a.Catalog = src, src
	return nil
}

// Close releases connections in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

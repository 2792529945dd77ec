package server

import (
	"context"
	"errors"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/nicktill/tinyexp/pkg/scheduler"
	"github.com/nicktill/tinyexp/pkg/storage/badger"
)

// Job ids.
const (
	JobDailyRollup           = "daily_metrics_rollup"
	JobReanalysis            = "experiment_reanalysis"
	JobModelRetrain          = "weekly_model_retrain"
	JobRecommendationRefresh = "recommendation_refresh"
	JobBadgerGC              = "badger_gc"
)

// gcDiscardRatio rewrites a value log file once half of it is garbage.
const gcDiscardRatio = 0.5

// RegisterJobs adds the background jobs to app.Scheduler. The badger GC
// job is only registered for the badger backend.
func RegisterJobs(app *App) error {
	jobs := app.Config.Jobs
	list := []scheduler.Job{
		{ID: JobDailyRollup, Name: "daily metrics rollup", Cadence: jobs.DailyRollup, Handler: app.rollupDaily},
		{ID: JobReanalysis, Name: "experiment reanalysis", Cadence: jobs.Reanalysis, Handler: app.reanalyze},
		{ID: JobModelRetrain, Name: "conversion model retrain", Cadence: jobs.ModelRetrain, Handler: app.retrain},
		{ID: JobRecommendationRefresh, Name: "recommendation refresh", Cadence: jobs.RecommendationRefresh, Handler: app.refreshRecommendations},
	}
	if _, ok := app.Store.(*badger.Storage); ok {
		list = append(list, scheduler.Job{ID: JobBadgerGC, Name: "badger value log gc", Cadence: jobs.BadgerGC, Handler: app.collectGarbage})
	}

	for _, job := range list {
		if err := app.Scheduler.Register(job); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) batchOptions(job string) scheduler.BatchOptions {
	return scheduler.BatchOptions{
		Concurrency: a.Config.Jobs.Concurrency,
		ItemTimeout: a.Config.Jobs.ItemTimeout,
		Logger:      a.Logger.With(zap.String("job", job)),
	}
}

// rollupDaily stores yesterday's totals for every active campaign.
func (a *App) rollupDaily(ctx context.Context) (scheduler.BatchReport, error) {
	campaigns, err := a.Catalog.ActiveCampaigns(ctx)
	if err != nil {
		return scheduler.BatchReport{}, err
	}
	ids := make([]string, 0, len(campaigns))
	for _, c := range campaigns {
		ids = append(ids, c.ID)
	}

	day := time.Now().UTC().AddDate(0, 0, -1)
	return scheduler.ForEach(ctx, ids, a.batchOptions(JobDailyRollup), func(ctx context.Context, id string) error {
		row, err := a.Aggregator.Daily(ctx, id, day)
		if err != nil {
			return err
		}
		return a.Store.UpsertDailyMetrics(ctx, row)
	}), nil
}

// reanalyze appends a fresh analysis for every active experiment.
func (a *App) reanalyze(ctx context.Context) (scheduler.BatchReport, error) {
	exps, err := a.Experiments.List(ctx, true)
	if err != nil {
		return scheduler.BatchReport{}, err
	}
	ids := make([]string, 0, len(exps))
	for _, e := range exps {
		ids = append(ids, e.ID)
	}

	return scheduler.ForEach(ctx, ids, a.batchOptions(JobReanalysis), func(ctx context.Context, id string) error {
		_, err := a.Experiments.Analyze(ctx, id)
		return err
	}), nil
}

// retrain fits the conversion model. Too little history is not a failure.
func (a *App) retrain(ctx context.Context) (scheduler.BatchReport, error) {
	report, err := a.Optimizer.Train(ctx)
	if err != nil {
		return scheduler.BatchReport{Total: 1, Failed: 1, Errors: []string{err.Error()}}, err
	}
	a.Logger.Info("retrain finished",
		zap.String("status", report.Status),
		zap.Int("samples", report.Samples),
		zap.Int64("version", report.Version))
	return scheduler.BatchReport{Total: 1, Succeeded: 1}, nil
}

// refreshRecommendations persists fresh recommendations for active
// campaigns.
func (a *App) refreshRecommendations(ctx context.Context) (scheduler.BatchReport, error) {
	ids, err := a.Optimizer.ActiveCampaignIDs(ctx)
	if err != nil {
		return scheduler.BatchReport{}, err
	}
	return scheduler.ForEach(ctx, ids, a.batchOptions(JobRecommendationRefresh), func(ctx context.Context, id string) error {
		_, err := a.Optimizer.RefreshCampaign(ctx, id)
		return err
	}), nil
}

// collectGarbage runs one value log GC pass.
func (a *App) collectGarbage(ctx context.Context) (scheduler.BatchReport, error) {
	store, ok := a.Store.(*badger.Storage)
	if !ok {
		return scheduler.BatchReport{}, nil
	}
	err := store.RunGC(gcDiscardRatio)
	switch {
	case errors.Is(err, badgerdb.ErrNoRewrite), errors.Is(err, badgerdb.ErrGCInMemoryMode):
		a.Logger.Debug("badger gc found nothing to rewrite")
		return scheduler.BatchReport{}, nil
	case err != nil:
		return scheduler.BatchReport{}, err
	}
	a.Logger.Info("badger gc reclaimed a value log file")
	return scheduler.BatchReport{}, nil
}

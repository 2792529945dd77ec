// Package aggregate turns raw event counts into per-group metrics. It does no
// statistics: rates are derived later from the counts it returns.
package aggregate

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nicktill/tinyexp/pkg/experiment"
	"github.com/nicktill/tinyexp/pkg/source"
	"github.com/nicktill/tinyexp/pkg/storage"
)

// Aggregator reads counts from an event store.
type Aggregator struct {
	events source.EventStore
	logger *zap.Logger
	now    func() time.Time
}

// New creates an aggregator. A nil logger discards output.
func New(events source.EventStore, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{events: events, logger: logger, now: time.Now}
}

// Aggregate returns the metrics for one arm over [start, end). Event store
// failures are wrapped with experiment.ErrTransientIO.
func (a *Aggregator) Aggregate(ctx context.Context, groupID string, group experiment.Group, start, end time.Time) (experiment.GroupMetrics, error) {
	counts, err := a.events.GroupCounts(ctx, groupID, start, end)
	if err != nil {
		return experiment.GroupMetrics{}, experiment.Transient(fmt.Sprintf("aggregate %s", groupID), err)
	}

	m := experiment.GroupMetrics{
		Group:       group,
		GroupID:     groupID,
		Subjects:    counts.Subjects,
		Impressions: counts.Impressions,
		Conversions: counts.Conversions,
		Revenue:     counts.Revenue,
	}

	// A conversion without a recorded impression is an upstream data issue;
	// clamp so the rate stays within [0, 1].
	if m.Conversions > m.Impressions {
		a.logger.Warn("conversions exceed impressions, clamping",
			zap.String("group_id", groupID),
			zap.Int64("conversions", m.Conversions),
			zap.Int64("impressions", m.Impressions))
		m.Conversions = m.Impressions
	}
	return m, nil
}

// Experiment aggregates both arms of an experiment over its window.
func (a *Aggregator) Experiment(ctx context.Context, exp experiment.Experiment) (control, variant experiment.GroupMetrics, err error) {
	start, end := exp.Window(a.now())

	control, err = a.Aggregate(ctx, exp.ControlID, experiment.GroupControl, start, end)
	if err != nil {
		return control, variant, err
	}
	variant, err = a.Aggregate(ctx, exp.VariantID, experiment.GroupVariant, start, end)
	return control, variant, err
}

// Daily builds the rollup row for one campaign and UTC day.
func (a *Aggregator) Daily(ctx context.Context, campaignID string, day time.Time) (experiment.DailyMetrics, error) {
	start := storage.DayStart(day)
	m, err := a.Aggregate(ctx, campaignID, "", start, start.AddDate(0, 0, 1))
	if err != nil {
		return experiment.DailyMetrics{}, err
	}
	return experiment.DailyMetrics{
		CampaignID:  campaignID,
		Day:         start,
		Subjects:    m.Subjects,
		Impressions: m.Impressions,
		Conversions: m.Conversions,
		Revenue:     m.Revenue,
		UpdatedAt:   a.now().UTC(),
	}, nil
}

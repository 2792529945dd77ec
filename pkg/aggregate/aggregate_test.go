package aggregate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinyexp/pkg/experiment"
	"github.com/nicktill/tinyexp/pkg/source"
	"github.com/nicktill/tinyexp/pkg/source/memory"
)

var t0 = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

type failingEvents struct {
	source.EventStore
}

func (failingEvents) GroupCounts(context.Context, string, time.Time, time.Time) (source.Counts, error) {
	return source.Counts{}, errors.New("connection reset")
}

type overCounting struct {
	source.EventStore
}

func (overCounting) GroupCounts(context.Context, string, time.Time, time.Time) (source.Counts, error) {
	return source.Counts{Impressions: 5, Conversions: 9}, nil
}

func TestAggregate(t *testing.T) {
	events := memory.New()
	events.RecordView("camp-a", "u1", t0)
	events.RecordView("camp-a", "u1", t0.Add(time.Minute))
	events.RecordView("camp-a", "u2", t0.Add(2*time.Minute))
	events.RecordView("camp-a", "u3", t0.Add(48*time.Hour)) // outside window
	events.RecordConversion("camp-a", "u2", 20, t0.Add(3*time.Minute))
	events.RecordView("camp-b", "u9", t0)

	agg := New(events, nil)
	m, err := agg.Aggregate(context.Background(), "camp-a", experiment.GroupControl, t0, t0.Add(24*time.Hour))
	require.NoError(t, err)

	assert.Equal(t, experiment.GroupControl, m.Group)
	assert.Equal(t, int64(2), m.Subjects)
	assert.Equal(t, int64(3), m.Impressions)
	assert.Equal(t, int64(1), m.Conversions)
	assert.InDelta(t, 1.0/3.0, m.ConversionRate(), 1e-12)
	assert.Equal(t, 10.0, m.RevenuePerSubject())
}

func TestAggregate_EmptyWindow(t *testing.T) {
	agg := New(memory.New(), nil)
	m, err := agg.Aggregate(context.Background(), "camp-a", experiment.GroupVariant, t0, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0.0, m.ConversionRate())
}

func TestAggregate_TransientFailure(t *testing.T) {
	agg := New(failingEvents{}, nil)
	_, err := agg.Aggregate(context.Background(), "camp-a", experiment.GroupControl, t0, t0.Add(time.Hour))
	require.Error(t, err)
	assert.ErrorIs(t, err, experiment.ErrTransientIO)
}

func TestAggregate_ClampsConversions(t *testing.T) {
	agg := New(overCounting{}, nil)
	m, err := agg.Aggregate(context.Background(), "camp-a", experiment.GroupControl, t0, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(5), m.Conversions)
	assert.Equal(t, 1.0, m.ConversionRate())
}

func TestExperimentUsesWindow(t *testing.T) {
	events := memory.New()
	events.RecordView("ctl", "u1", t0.Add(time.Hour))
	events.RecordView("var", "u2", t0.Add(time.Hour))
	events.RecordView("var", "u3", t0.Add(30*time.Hour)) // after end

	exp := experiment.Experiment{ID: "e", ControlID: "ctl", VariantID: "var", StartedAt: t0}
	ended := t0.Add(24 * time.Hour)
	exp.EndedAt = &ended

	agg := New(events, nil)
	control, variant, err := agg.Experiment(context.Background(), exp)
	require.NoError(t, err)
	assert.Equal(t, int64(1), control.Impressions)
	assert.Equal(t, int64(1), variant.Impressions)
	assert.Equal(t, experiment.GroupVariant, variant.Group)
}

func TestDaily(t *testing.T) {
	events := memory.New()
	events.RecordView("camp-a", "u1", t0)
	events.RecordView("camp-a", "u1", t0.AddDate(0, 0, 1))
	events.RecordConversion("camp-a", "u1", 5, t0.Add(time.Hour))

	agg := New(events, nil)
	agg.now = func() time.Time { return t0.Add(36 * time.Hour) }

	d, err := agg.Daily(context.Background(), "camp-a", t0)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 5, 4, 0, 0, 0, 0, time.UTC), d.Day)
	assert.Equal(t, int64(1), d.Impressions)
	assert.Equal(t, int64(1), d.Conversions)
	assert.Equal(t, 5.0, d.Revenue)
}

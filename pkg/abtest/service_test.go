package abtest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinyexp/pkg/aggregate"
	"github.com/nicktill/tinyexp/pkg/analysis"
	"github.com/nicktill/tinyexp/pkg/assign"
	"github.com/nicktill/tinyexp/pkg/experiment"
	sourcemem "github.com/nicktill/tinyexp/pkg/source/memory"
	"github.com/nicktill/tinyexp/pkg/storage/memory"
)

type recordingHub struct {
	mu     sync.Mutex
	events []LiveEvent
}

func (h *recordingHub) Broadcast(data interface{}) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, data.(LiveEvent))
	return nil
}

func (h *recordingHub) types() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.events))
	for _, e := range h.events {
		out = append(out, e.Type)
	}
	return out
}

type fixture struct {
	svc    *Service
	store  *memory.Storage
	events *sourcemem.Store
	hub    *recordingHub
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	t.Cleanup(func() { store.Close() })

	events := sourcemem.New()
	agg := aggregate.New(events, nil)
	hub := &recordingHub{}
	svc := NewService(store,
		assign.New(store),
		analysis.New(agg, store, analysis.Config{}, nil, nil),
		agg,
		WithBroadcaster(hub))
	return &fixture{svc: svc, store: store, events: events, hub: hub}
}

// record spreads views over distinct subjects; the first conversions of
// them convert.
func (f *fixture) record(campaignID string, at time.Time, views, conversions int) {
	for i := 0; i < views; i++ {
		subject := fmt.Sprintf("%s-u%d", campaignID, i)
		f.events.RecordView(campaignID, subject, at)
		if i < conversions {
			f.events.RecordConversion(campaignID, subject, 10, at)
		}
	}
}

func createRequest() CreateRequest {
	return CreateRequest{Name: "welcome offer", ControlID: "camp-a", VariantID: "camp-b"}
}

func TestCreate_Defaults(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	exp, err := f.svc.Create(ctx, createRequest())
	require.NoError(t, err)

	assert.NotEmpty(t, exp.ID)
	assert.True(t, exp.Active)
	assert.Equal(t, int64(DefaultTargetSampleSize), exp.TargetSampleSize)
	assert.Equal(t, experiment.Confidence95, exp.Confidence)
	assert.Equal(t, DefaultMinimumEffect, exp.MinimumEffect)

	got, err := f.svc.Get(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, exp.ID, got.ID)
}

func TestCreate_ConfidenceAsPercentage(t *testing.T) {
	f := newFixture(t)
	req := createRequest()
	req.Confidence = 99

	exp, err := f.svc.Create(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, experiment.Confidence99, exp.Confidence)
}

func TestCreate_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*CreateRequest)
	}{
		{"missing name", func(r *CreateRequest) { r.Name = "" }},
		{"missing control", func(r *CreateRequest) { r.ControlID = "" }},
		{"same arms", func(r *CreateRequest) { r.VariantID = r.ControlID }},
		{"unsupported confidence", func(r *CreateRequest) { r.Confidence = 0.8 }},
		{"confidence out of range", func(r *CreateRequest) { r.Confidence = 150 }},
		{"negative effect", func(r *CreateRequest) { r.MinimumEffect = -0.1 }},
		{"negative target", func(r *CreateRequest) { r.TargetSampleSize = -5 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			req := createRequest()
			tt.mutate(&req)

			_, err := f.svc.Create(context.Background(), req)
			assert.ErrorIs(t, err, experiment.ErrInvalidConfiguration)
		})
	}
}

func TestCreate_UnknownCampaign(t *testing.T) {
	f := newFixture(t)
	f.svc.catalog = f.events
	f.events.PutCampaign(experiment.Campaign{ID: "camp-a", Active: true})

	_, err := f.svc.Create(context.Background(), createRequest())
	require.ErrorIs(t, err, experiment.ErrNotFound)
	assert.Contains(t, err.Error(), "camp-b")

	f.events.PutCampaign(experiment.Campaign{ID: "camp-b", Active: true})
	_, err = f.svc.Create(context.Background(), createRequest())
	assert.NoError(t, err)
}

func TestList_EmptyIsNotNil(t *testing.T) {
	f := newFixture(t)
	exps, err := f.svc.List(context.Background(), false)
	require.NoError(t, err)
	assert.NotNil(t, exps)
	assert.Empty(t, exps)
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	started := time.Now().Add(-time.Hour)

	req := createRequest()
	req.TargetSampleSize = 40
	req.StartedAt = &started
	exp, err := f.svc.Create(ctx, req)
	require.NoError(t, err)

	f.record("camp-a", started.Add(time.Minute), 10, 2)
	f.record("camp-b", started.Add(time.Minute), 50, 5)

	status, err := f.svc.Status(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, 25.0, status.ControlProgress)
	assert.Equal(t, 100.0, status.VariantProgress)
	assert.True(t, status.CanConclude)
	assert.Equal(t, int64(10), status.Control.Subjects)
}

func TestProgress(t *testing.T) {
	tests := []struct {
		subjects, target int64
		want             float64
	}{
		{0, 100, 0},
		{1, 3, 33.3},
		{2, 3, 66.7},
		{500, 100, 100},
		{10, 0, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Progress(tt.subjects, tt.target), "%d/%d", tt.subjects, tt.target)
	}
}

func TestStatus_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Status(context.Background(), "missing")
	assert.ErrorIs(t, err, experiment.ErrNotFound)
}

func TestAnalyzeAndHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	started := time.Now().Add(-time.Hour)

	req := createRequest()
	req.StartedAt = &started
	exp, err := f.svc.Create(ctx, req)
	require.NoError(t, err)

	f.record("camp-a", started.Add(time.Minute), 1000, 50)
	f.record("camp-b", started.Add(time.Minute), 1000, 65)

	result, err := f.svc.Analyze(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, experiment.WinnerNone, result.Winner)
	assert.InDelta(t, 0.1787, result.PValue, 5e-4)

	history, err := f.svc.History(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, result.ID, history[0].ID)

	assert.Equal(t, []string{EventAnalysis}, f.hub.types())
}

func TestHistory_Limits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, limit := range []int{-1, 101} {
		_, err := f.svc.History(ctx, "", limit)
		assert.ErrorIs(t, err, experiment.ErrInvalidConfiguration, "limit %d", limit)
	}

	results, err := f.svc.History(ctx, "", 100)
	require.NoError(t, err)
	assert.NotNil(t, results)
}

func TestEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	started := time.Now().Add(-time.Hour)

	req := createRequest()
	req.StartedAt = &started
	exp, err := f.svc.Create(ctx, req)
	require.NoError(t, err)

	f.record("camp-a", started.Add(time.Minute), 2000, 100)
	f.record("camp-b", started.Add(time.Minute), 2000, 180)

	// Assigned while running, still served after the end.
	before, err := f.svc.Assign(ctx, exp.ID, "subject-1")
	require.NoError(t, err)

	out, err := f.svc.End(ctx, exp.ID)
	require.NoError(t, err)
	assert.False(t, out.Experiment.Active)
	require.NotNil(t, out.Experiment.EndedAt)
	require.NotNil(t, out.Final)
	assert.Equal(t, experiment.WinnerVariant, out.Final.Winner)

	results, err := f.svc.History(ctx, exp.ID, 0)
	require.NoError(t, err)
	require.Len(t, results, 1)

	_, err = f.svc.End(ctx, exp.ID)
	assert.ErrorIs(t, err, experiment.ErrInvalidState)

	after, err := f.svc.Assign(ctx, exp.ID, "subject-1")
	assert.ErrorIs(t, err, experiment.ErrInvalidState)
	assert.Equal(t, before.Group, after.Group)

	_, err = f.svc.Assign(ctx, exp.ID, "subject-new")
	assert.ErrorIs(t, err, experiment.ErrInvalidState)

	assert.Equal(t, []string{EventAnalysis, EventEnded}, f.hub.types())
}

type failingAnalyzer struct{}

func (failingAnalyzer) Analyze(ctx context.Context, exp experiment.Experiment) (experiment.AnalysisResult, error) {
	return experiment.AnalysisResult{}, experiment.Transient("aggregate", errors.New("event store down"))
}

func TestEnd_FailedAnalysisLeavesExperimentRunning(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.svc.analyzer = failingAnalyzer{}

	exp, err := f.svc.Create(ctx, createRequest())
	require.NoError(t, err)

	out, err := f.svc.End(ctx, exp.ID)
	require.ErrorIs(t, err, experiment.ErrTransientIO)
	assert.Nil(t, out.Final)

	stored, err := f.store.GetExperiment(ctx, exp.ID)
	require.NoError(t, err)
	assert.True(t, stored.Active)
	assert.Nil(t, stored.EndedAt)
	assert.Empty(t, f.hub.types())

	results, err := f.svc.History(ctx, exp.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, results)
}

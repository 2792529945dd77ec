// Package storagetest is a conformance suite run against every storage
// backend.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinyexp/pkg/experiment"
	"github.com/nicktill/tinyexp/pkg/stats"
	"github.com/nicktill/tinyexp/pkg/storage"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) storage.Storage

// Run executes every conformance test against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s storage.Storage)
	}{
		{"ExperimentLifecycle", testExperimentLifecycle},
		{"ListExperiments", testListExperiments},
		{"AssignmentFirstWriteWins", testAssignmentFirstWriteWins},
		{"AssignmentConcurrentInsert", testAssignmentConcurrentInsert},
		{"ResultsNewestFirst", testResultsNewestFirst},
		{"LatestRecommendations", testLatestRecommendations},
		{"DailyUpsert", testDailyUpsert},
		{"Models", testModels},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			defer s.Close()
			tt.fn(t, s)
		})
	}
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Experiment builds a valid active experiment.
func Experiment(id string, started time.Time) experiment.Experiment {
	return experiment.Experiment{
		ID:               id,
		Name:             "experiment " + id,
		ControlID:        id + "-control",
		VariantID:        id + "-variant",
		StartedAt:        started,
		TargetSampleSize: 500,
		Confidence:       experiment.Confidence95,
		MinimumEffect:    0.1,
		Active:           true,
	}
}

func testExperimentLifecycle(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	exp := Experiment("exp-1", base)

	require.NoError(t, s.CreateExperiment(ctx, exp))
	err := s.CreateExperiment(ctx, exp)
	assert.True(t, errors.Is(err, experiment.ErrInvalidState), "duplicate create: %v", err)

	got, err := s.GetExperiment(ctx, "exp-1")
	require.NoError(t, err)
	assert.Equal(t, exp.Name, got.Name)
	assert.Equal(t, experiment.Confidence95, got.Confidence)
	assert.True(t, got.StartedAt.Equal(base))
	assert.True(t, got.Active)

	require.NoError(t, got.End(base.Add(time.Hour)))
	require.NoError(t, s.UpdateExperiment(ctx, got))

	got, err = s.GetExperiment(ctx, "exp-1")
	require.NoError(t, err)
	assert.False(t, got.Active)
	require.NotNil(t, got.EndedAt)
	assert.True(t, got.EndedAt.Equal(base.Add(time.Hour)))

	_, err = s.GetExperiment(ctx, "missing")
	assert.ErrorIs(t, err, experiment.ErrNotFound)

	err = s.UpdateExperiment(ctx, Experiment("missing", base))
	assert.ErrorIs(t, err, experiment.ErrNotFound)
}

func testListExperiments(t *testing.T, s storage.Storage) {
	ctx := context.Background()

	empty, err := s.ListExperiments(ctx, storage.ListOptions{})
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)

	for i := 0; i < 3; i++ {
		exp := Experiment(fmt.Sprintf("exp-%d", i), base.Add(time.Duration(i)*time.Hour))
		if i == 1 {
			exp.Active = false
			ended := base.Add(5 * time.Hour)
			exp.EndedAt = &ended
		}
		require.NoError(t, s.CreateExperiment(ctx, exp))
	}

	all, err := s.ListExperiments(ctx, storage.ListOptions{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "exp-2", all[0].ID)
	assert.Equal(t, "exp-0", all[2].ID)

	active, err := s.ListExperiments(ctx, storage.ListOptions{ActiveOnly: true})
	require.NoError(t, err)
	require.Len(t, active, 2)
	for _, e := range active {
		assert.True(t, e.Active)
	}

	limited, err := s.ListExperiments(ctx, storage.ListOptions{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func testAssignmentFirstWriteWins(t *testing.T, s storage.Storage) {
	ctx := context.Background()

	_, err := s.GetAssignment(ctx, "exp-1", "user-1")
	assert.ErrorIs(t, err, experiment.ErrNotFound)

	first := experiment.Assignment{ExperimentID: "exp-1", SubjectID: "user-1", Group: experiment.GroupVariant, AssignedAt: base}
	stored, inserted, err := s.InsertAssignment(ctx, first)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, experiment.GroupVariant, stored.Group)

	second := first
	second.Group = experiment.GroupControl
	second.AssignedAt = base.Add(time.Minute)
	stored, inserted, err = s.InsertAssignment(ctx, second)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, experiment.GroupVariant, stored.Group)
	assert.True(t, stored.AssignedAt.Equal(base))

	got, err := s.GetAssignment(ctx, "exp-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, experiment.GroupVariant, got.Group)
}

func testAssignmentConcurrentInsert(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	const writers = 16

	var wg sync.WaitGroup
	groups := make([]experiment.Group, writers)
	inserted := make([]bool, writers)
	errs := make([]error, writers)

	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			g := experiment.GroupControl
			if i%2 == 1 {
				g = experiment.GroupVariant
			}
			a := experiment.Assignment{ExperimentID: "exp-race", SubjectID: "user-race", Group: g, AssignedAt: base}
			stored, ok, err := s.InsertAssignment(ctx, a)
			groups[i], inserted[i], errs[i] = stored.Group, ok, err
		}(i)
	}
	wg.Wait()

	wins := 0
	for i := 0; i < writers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, groups[0], groups[i], "writer %d saw a different group", i)
		if inserted[i] {
			wins++
		}
	}
	assert.Equal(t, 1, wins)
}

func result(id, expID string, at time.Time) experiment.AnalysisResult {
	return experiment.AnalysisResult{
		ID:                 id,
		ExperimentID:       expID,
		AnalyzedAt:         at,
		Confidence:         experiment.Confidence95,
		Winner:             experiment.WinnerNone,
		PValue:             0.5,
		RequiredSampleSize: stats.Determinable(1200),
	}
}

func testResultsNewestFirst(t *testing.T, s storage.Storage) {
	ctx := context.Background()

	empty, err := s.ListResults(ctx, storage.ResultQuery{})
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)

	require.NoError(t, s.AppendResult(ctx, result("r1", "exp-a", base)))
	require.NoError(t, s.AppendResult(ctx, result("r2", "exp-b", base.Add(time.Hour))))
	require.NoError(t, s.AppendResult(ctx, result("r3", "exp-a", base.Add(2*time.Hour))))

	all, err := s.ListResults(ctx, storage.ResultQuery{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"r3", "r2", "r1"}, []string{all[0].ID, all[1].ID, all[2].ID})

	n, ok := all[0].RequiredSampleSize.N()
	assert.True(t, ok)
	assert.Equal(t, int64(1200), n)

	onlyA, err := s.ListResults(ctx, storage.ResultQuery{ExperimentID: "exp-a", Limit: 1})
	require.NoError(t, err)
	require.Len(t, onlyA, 1)
	assert.Equal(t, "r3", onlyA[0].ID)
}

func testLatestRecommendations(t *testing.T, s storage.Storage) {
	ctx := context.Background()

	none, err := s.LatestRecommendations(ctx, "camp-1")
	require.NoError(t, err)
	assert.Empty(t, none)

	older := experiment.Recommendation{ID: "rec-1", CampaignID: "camp-1", Parameter: experiment.ParameterOfferAmount, CurrentValue: 10, RecommendedValue: 15, CreatedAt: base}
	newer := older
	newer.ID = "rec-2"
	newer.RecommendedValue = 20
	newer.CreatedAt = base.Add(6 * time.Hour)
	other := older
	other.ID = "rec-3"
	other.CampaignID = "camp-2"

	require.NoError(t, s.AppendRecommendations(ctx, []experiment.Recommendation{older, other}))
	require.NoError(t, s.AppendRecommendations(ctx, []experiment.Recommendation{newer}))

	latest, err := s.LatestRecommendations(ctx, "camp-1")
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, "rec-2", latest[0].ID)
	assert.Equal(t, 20.0, latest[0].RecommendedValue)
}

func testDailyUpsert(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	day := storage.DayStart(base)

	row := experiment.DailyMetrics{CampaignID: "camp-1", Day: day, Impressions: 100, Conversions: 5, UpdatedAt: base}
	require.NoError(t, s.UpsertDailyMetrics(ctx, row))
	row.Impressions = 150
	row.Conversions = 9
	require.NoError(t, s.UpsertDailyMetrics(ctx, row))

	next := row
	next.Day = day.AddDate(0, 0, 1)
	require.NoError(t, s.UpsertDailyMetrics(ctx, next))

	rows, err := s.ListDailyMetrics(ctx, "camp-1", day, day.AddDate(0, 0, 7))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, int64(150), rows[0].Impressions)
	assert.Equal(t, int64(9), rows[0].Conversions)
	assert.True(t, rows[0].Day.Equal(day))
	assert.True(t, rows[1].Day.Equal(day.AddDate(0, 0, 1)))
}

func testModels(t *testing.T, s storage.Storage) {
	ctx := context.Background()

	_, err := s.GetModel(ctx, "offer")
	assert.ErrorIs(t, err, experiment.ErrNotFound)

	require.NoError(t, s.PutModel(ctx, storage.Model{Name: "offer", Version: 1, TrainedAt: base, Data: []byte(`{"v":1}`)}))
	require.NoError(t, s.PutModel(ctx, storage.Model{Name: "offer", Version: 2, TrainedAt: base.Add(time.Hour), Data: []byte(`{"v":2}`)}))

	m, err := s.GetModel(ctx, "offer")
	require.NoError(t, err)
	assert.Equal(t, int64(2), m.Version)
	assert.JSONEq(t, `{"v":2}`, string(m.Data))
}

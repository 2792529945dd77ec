package analysis

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinyexp/pkg/experiment"
	"github.com/nicktill/tinyexp/pkg/stats"
	"github.com/nicktill/tinyexp/pkg/storage"
	"github.com/nicktill/tinyexp/pkg/storage/memory"
	"github.com/nicktill/tinyexp/pkg/storage/storagetest"
)

func groups(cc, ci, vc, vi int64) (experiment.GroupMetrics, experiment.GroupMetrics) {
	return experiment.GroupMetrics{Group: experiment.GroupControl, Impressions: ci, Conversions: cc},
		experiment.GroupMetrics{Group: experiment.GroupVariant, Impressions: vi, Conversions: vc}
}

func exp95() experiment.Experiment {
	return storagetest.Experiment("exp-1", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
}

func TestEvaluate_NotSignificantExample(t *testing.T) {
	control, variant := groups(50, 1000, 65, 1000)
	r := Evaluate(exp95(), control, variant, stats.ZBeta80)

	assert.False(t, r.IsSignificant)
	assert.Equal(t, experiment.WinnerNone, r.Winner)
	assert.Equal(t, TextContinue, r.Recommendation)
	assert.Equal(t, 0.05, r.ControlRate)
	assert.Equal(t, 0.065, r.VariantRate)
	assert.Equal(t, 0.015, r.AbsoluteDifference)
	assert.Equal(t, 30.0, r.RelativeImprovement)
	assert.InDelta(t, 0.1787, r.PValue, 5e-4)
	assert.InDelta(t, 1.8083, r.ChiSquared, 5e-4)
	assert.False(t, r.Degenerate)

	n, ok := r.RequiredSampleSize.N()
	require.True(t, ok)
	assert.Greater(t, n, int64(1000))
	assert.Greater(t, r.Power, 0.0)
	assert.Less(t, r.Power, 0.8)
}

func TestEvaluate_Winners(t *testing.T) {
	tests := []struct {
		name           string
		cc, ci, vc, vi int64
		winner         experiment.Winner
		text           string
	}{
		{"variant better", 100, 2000, 180, 2000, experiment.WinnerVariant, "variant wins with 80.0% improvement, deploy variant"},
		{"control better", 180, 2000, 100, 2000, experiment.WinnerControl, TextKeepControl},
		{"no difference", 100, 2000, 101, 2000, experiment.WinnerNone, TextContinue},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			control, variant := groups(tt.cc, tt.ci, tt.vc, tt.vi)
			r := Evaluate(exp95(), control, variant, stats.ZBeta80)
			assert.Equal(t, tt.winner, r.Winner)
			assert.Equal(t, tt.text, r.Recommendation)
		})
	}
}

func TestEvaluate_ConfidenceLevels(t *testing.T) {
	// p is roughly 0.022: significant at 90% and 95%, not at 99%.
	control, variant := groups(100, 2000, 135, 2000)
	tests := []struct {
		level experiment.ConfidenceLevel
		want  bool
	}{
		{experiment.Confidence90, true},
		{experiment.Confidence95, true},
		{experiment.Confidence99, false},
	}

	for _, tt := range tests {
		t.Run(tt.level.String(), func(t *testing.T) {
			exp := exp95()
			exp.Confidence = tt.level
			r := Evaluate(exp, control, variant, stats.ZBeta80)
			assert.Equal(t, tt.want, r.IsSignificant, "p=%v", r.PValue)
		})
	}
}

func TestEvaluate_Degenerate(t *testing.T) {
	tests := []struct {
		name           string
		cc, ci, vc, vi int64
	}{
		{"control has no impressions", 0, 0, 10, 100},
		{"variant has no impressions", 10, 100, 0, 0},
		{"nobody converted", 0, 500, 0, 500},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			control, variant := groups(tt.cc, tt.ci, tt.vc, tt.vi)
			r := Evaluate(exp95(), control, variant, stats.ZBeta80)

			assert.True(t, r.Degenerate)
			assert.NotEmpty(t, r.DegenerateReason)
			assert.False(t, r.IsSignificant)
			assert.Equal(t, experiment.WinnerNone, r.Winner)
			assert.Equal(t, 1.0, r.PValue)
			assert.Equal(t, 0.0, r.Power)
			_, ok := r.RequiredSampleSize.N()
			assert.False(t, ok)
		})
	}
}

func TestEvaluate_ZeroControlRate(t *testing.T) {
	control, variant := groups(0, 1000, 30, 1000)
	r := Evaluate(exp95(), control, variant, stats.ZBeta80)

	assert.Equal(t, 0.0, r.RelativeImprovement)
	assert.Equal(t, 0.0, r.Power)
	_, ok := r.RequiredSampleSize.N()
	assert.False(t, ok)
}

func TestEvaluate_SignificanceUsesUnroundedPValue(t *testing.T) {
	control, variant := groups(50, 1000, 11, 431)
	raw := stats.ChiSquareYates(stats.NewTable2x2(50, 1000, 11, 431)).PValue
	require.Less(t, raw, 0.05)
	require.Greater(t, raw, 0.04995)

	r := Evaluate(exp95(), control, variant, stats.ZBeta80)
	assert.Equal(t, 0.05, r.PValue)
	assert.True(t, r.IsSignificant)
	assert.Equal(t, experiment.WinnerControl, r.Winner)
	assert.Equal(t, TextKeepControl, r.Recommendation)
}

func TestEvaluate_SignificanceConsistency(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	levels := []experiment.ConfidenceLevel{experiment.Confidence90, experiment.Confidence95, experiment.Confidence99}

	for i := 0; i < 500; i++ {
		ci := int64(rng.Intn(5000))
		vi := int64(rng.Intn(5000))
		var cc, vc int64
		if ci > 0 {
			cc = int64(rng.Intn(int(ci) + 1))
		}
		if vi > 0 {
			vc = int64(rng.Intn(int(vi) + 1))
		}

		exp := exp95()
		exp.Confidence = levels[i%len(levels)]
		control, variant := groups(cc, ci, vc, vi)
		r := Evaluate(exp, control, variant, stats.ZBeta80)

		if !r.Degenerate {
			raw := stats.ChiSquareYates(stats.NewTable2x2(cc, ci, vc, vi)).PValue
			assert.Equal(t, raw < exp.Confidence.Alpha(), r.IsSignificant, "case %d: %+v", i, r)
		}
		if !r.IsSignificant {
			assert.Equal(t, experiment.WinnerNone, r.Winner, "case %d", i)
		} else {
			assert.NotEqual(t, experiment.WinnerNone, r.Winner, "case %d", i)
		}
		assert.GreaterOrEqual(t, r.Power, 0.0)
		assert.LessOrEqual(t, r.Power, 1.0)
	}
}

type fixedMetrics struct {
	control, variant experiment.GroupMetrics
	err              error
}

func (f fixedMetrics) Experiment(context.Context, experiment.Experiment) (experiment.GroupMetrics, experiment.GroupMetrics, error) {
	return f.control, f.variant, f.err
}

func TestAnalyze_PersistsResult(t *testing.T) {
	store := memory.New()
	control, variant := groups(100, 2000, 180, 2000)
	a := New(fixedMetrics{control: control, variant: variant}, store, Config{}, nil, nil)
	a.now = func() time.Time { return time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC) }

	r, err := a.Analyze(context.Background(), exp95())
	require.NoError(t, err)
	assert.NotEmpty(t, r.ID)
	assert.Equal(t, experiment.WinnerVariant, r.Winner)

	history, err := store.ListResults(context.Background(), storage.ResultQuery{ExperimentID: "exp-1"})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, r.ID, history[0].ID)
}

func TestAnalyze_TransientFailureWritesNothing(t *testing.T) {
	store := memory.New()
	failure := errors.Join(experiment.ErrTransientIO, errors.New("timeout"))
	a := New(fixedMetrics{err: failure}, store, Config{}, nil, nil)

	_, err := a.Analyze(context.Background(), exp95())
	require.Error(t, err)
	assert.ErrorIs(t, err, experiment.ErrTransientIO)

	history, err := store.ListResults(context.Background(), storage.ResultQuery{})
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestAnalyze_RejectsInvalidExperiment(t *testing.T) {
	a := New(fixedMetrics{}, memory.New(), Config{}, nil, nil)
	exp := exp95()
	exp.MinimumEffect = 0

	_, err := a.Analyze(context.Background(), exp)
	assert.ErrorIs(t, err, experiment.ErrInvalidConfiguration)
}

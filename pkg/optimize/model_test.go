package optimize

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinyexp/pkg/experiment"
	"github.com/nicktill/tinyexp/pkg/source"
	"github.com/nicktill/tinyexp/pkg/storage/memory"
)

// linearRows returns n rows whose conversion rate grows with the offer.
func linearRows(n int) []source.TrainingRow {
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	rows := make([]source.TrainingRow, 0, n)
	for i := 0; i < n; i++ {
		offer := float64(5 + i)
		rows = append(rows, source.TrainingRow{
			CampaignID:   fmt.Sprintf("c%02d", i),
			CampaignType: experiment.CampaignLocationDeal,
			OfferAmount:  offer,
			CreatedAt:    base.Add(time.Duration(i) * 24 * time.Hour),
			Impressions:  1000,
			Conversions:  int64(5 * offer),
		})
	}
	return rows
}

func TestFit(t *testing.T) {
	rows := linearRows(20)
	s, err := Fit(rows, 1.0)
	require.NoError(t, err)

	assert.Equal(t, 20, s.Samples)
	assert.Len(t, s.Coefficients, len(FeatureNames))
	assert.Greater(t, s.R2, 0.9)
	assert.Less(t, s.MAE, 0.01)

	low := s.Predict(FeaturesFromRow(rows[0]))
	high := s.Predict(FeaturesFromRow(rows[len(rows)-1]))
	assert.Greater(t, high, low)

	importance := s.Importance()
	total := 0.0
	for _, name := range FeatureNames {
		total += importance[name]
	}
	assert.InDelta(t, 1.0, total, 0.001)
}

func TestFit_TooFewRows(t *testing.T) {
	_, err := Fit(linearRows(1), 1.0)
	assert.ErrorIs(t, err, experiment.ErrInvalidConfiguration)
}

func TestFit_ConstantTarget(t *testing.T) {
	rows := linearRows(12)
	for i := range rows {
		rows[i].Conversions = 100
	}
	s, err := Fit(rows, 1.0)
	require.NoError(t, err)
	assert.Equal(t, 0.0, s.R2)
	assert.InDelta(t, 0.1, s.Predict(FeaturesFromRow(rows[3])), 1e-6)
}

func TestSurface_PredictIsClamped(t *testing.T) {
	s := &Surface{
		Means:        make([]float64, len(FeatureNames)),
		Scales:       []float64{1, 1, 1, 1, 1, 1},
		Coefficients: []float64{1, 0, 0, 0, 0, 0},
	}
	assert.Equal(t, MaxPredictedRate, s.Predict(Features{OfferAmount: 100}))
	assert.Equal(t, 0.0, s.Predict(Features{OfferAmount: -100}))
}

func TestModelStore_InsufficientData(t *testing.T) {
	store := memory.New()
	defer store.Close()

	models := NewModelStore(store, 1.0, 10, nil)
	report, err := models.Train(context.Background(), linearRows(9))
	require.NoError(t, err)
	assert.Equal(t, TrainInsufficientData, report.Status)
	assert.Equal(t, 9, report.Samples)
	assert.Nil(t, models.Current())
}

func TestModelStore_TrainPersistsAndReloads(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	defer store.Close()

	models := NewModelStore(store, 1.0, 10, nil)
	require.NoError(t, models.Load(ctx), "missing model is not an error")
	assert.Nil(t, models.Current())

	report, err := models.Train(ctx, linearRows(15))
	require.NoError(t, err)
	assert.Equal(t, TrainSuccess, report.Status)
	assert.Equal(t, int64(1), report.Version)
	assert.NotEmpty(t, report.FeatureImportance)

	report, err = models.Train(ctx, linearRows(16))
	require.NoError(t, err)
	assert.Equal(t, int64(2), report.Version)

	restarted := NewModelStore(store, 1.0, 10, nil)
	require.NoError(t, restarted.Load(ctx))
	got := restarted.Current()
	require.NotNil(t, got)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, models.Current().Coefficients, got.Coefficients)
	assert.Equal(t, 16, got.Samples)
}

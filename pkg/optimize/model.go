package optimize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/nicktill/tinyexp/pkg/experiment"
	"github.com/nicktill/tinyexp/pkg/source"
	"github.com/nicktill/tinyexp/pkg/stats"
	"github.com/nicktill/tinyexp/pkg/storage"
)

// ModelName is the storage key of the conversion surface.
const ModelName = "conversion"

// MaxPredictedRate caps every predicted conversion rate.
const MaxPredictedRate = 0.50

// minLambda keeps the normal equations positive definite when a feature
// column is constant.
const minLambda = 1e-8

// FeatureNames lists the regression inputs in column order.
var FeatureNames = []string{"offer_amount", "day_of_week", "month", "campaign_type", "impressions", "conversions"}

// Features is one input row of the conversion surface.
type Features struct {
	OfferAmount  float64
	DayOfWeek    float64
	Month        float64
	CampaignType float64
	Impressions  float64
	Conversions  float64
}

func (f Features) vector() []float64 {
	return []float64{f.OfferAmount, f.DayOfWeek, f.Month, f.CampaignType, f.Impressions, f.Conversions}
}

// FeaturesFromRow derives the features of a historical observation.
func FeaturesFromRow(r source.TrainingRow) Features {
	created := r.CreatedAt.UTC()
	return Features{
		OfferAmount:  r.OfferAmount,
		DayOfWeek:    float64(created.Weekday()),
		Month:        float64(created.Month()),
		CampaignType: r.CampaignType.Code(),
		Impressions:  float64(r.Impressions),
		Conversions:  float64(r.Conversions),
	}
}

// Surface is a ridge regression of conversion rate on standardized
// features. It is immutable once trained.
type Surface struct {
	Version      int64     `json:"version"`
	TrainedAt    time.Time `json:"trained_at"`
	Means        []float64 `json:"means"`
	Scales       []float64 `json:"scales"`
	Coefficients []float64 `json:"coefficients"`
	Intercept    float64   `json:"intercept"`
	Lambda       float64   `json:"lambda"`
	Samples      int       `json:"samples"`
	R2           float64   `json:"r2"`
	MAE          float64   `json:"mae"`
}

// Predict returns the conversion rate for f, clamped to [0, MaxPredictedRate].
func (s *Surface) Predict(f Features) float64 {
	y := s.Intercept
	for j, x := range f.vector() {
		y += s.Coefficients[j] * (x - s.Means[j]) / s.Scales[j]
	}
	return math.Max(0, math.Min(MaxPredictedRate, y))
}

// Importance is each feature's share of the absolute standardized
// coefficients.
func (s *Surface) Importance() map[string]float64 {
	total := 0.0
	for _, c := range s.Coefficients {
		total += math.Abs(c)
	}
	out := make(map[string]float64, len(FeatureNames))
	for j, name := range FeatureNames {
		share := 0.0
		if total > 0 {
			share = math.Abs(s.Coefficients[j]) / total
		}
		out[name] = stats.Round(share, 4)
	}
	return out
}

// Fit trains a surface on rows. lambda is the ridge penalty on the
// standardized coefficients.
func Fit(rows []source.TrainingRow, lambda float64) (*Surface, error) {
	n, p := len(rows), len(FeatureNames)
	if n < 2 {
		return nil, fmt.Errorf("need at least 2 rows to fit, got %d: %w", n, experiment.ErrInvalidConfiguration)
	}
	lambda = math.Max(lambda, minLambda)

	raw := mat.NewDense(n, p, nil)
	y := make([]float64, n)
	for i, r := range rows {
		raw.SetRow(i, FeaturesFromRow(r).vector())
		y[i] = r.ConversionRate()
	}

	means := make([]float64, p)
	scales := make([]float64, p)
	col := make([]float64, n)
	for j := 0; j < p; j++ {
		mat.Col(col, j, raw)
		mean, std := stat.MeanStdDev(col, nil)
		if std == 0 || math.IsNaN(std) {
			std = 1
		}
		means[j], scales[j] = mean, std
	}

	x := mat.NewDense(n, p, nil)
	x.Apply(func(_, j int, v float64) float64 {
		return (v - means[j]) / scales[j]
	}, raw)

	yMean := stat.Mean(y, nil)
	centered := make([]float64, n)
	for i, v := range y {
		centered[i] = v - yMean
	}

	// (XᵀX + λI) β = Xᵀy
	var gram mat.SymDense
	gram.SymOuterK(1, x.T())
	for j := 0; j < p; j++ {
		gram.SetSym(j, j, gram.At(j, j)+lambda)
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(&gram); !ok {
		return nil, errors.New("normal equations are not positive definite")
	}

	var xty mat.VecDense
	xty.MulVec(x.T(), mat.NewVecDense(n, centered))

	var beta mat.VecDense
	if err := chol.SolveVecTo(&beta, &xty); err != nil {
		return nil, fmt.Errorf("failed to solve normal equations: %w", err)
	}

	s := &Surface{
		Means:        means,
		Scales:       scales,
		Coefficients: make([]float64, p),
		Intercept:    yMean,
		Lambda:       lambda,
		Samples:      n,
	}
	for j := 0; j < p; j++ {
		s.Coefficients[j] = beta.AtVec(j)
	}

	predicted := make([]float64, n)
	absErr := 0.0
	for i, r := range rows {
		predicted[i] = s.Predict(FeaturesFromRow(r))
		absErr += math.Abs(predicted[i] - y[i])
	}
	r2 := stat.RSquaredFrom(predicted, y, nil)
	if math.IsNaN(r2) || math.IsInf(r2, 0) {
		// Constant targets leave R² undefined.
		r2 = 0
	}
	s.R2 = stats.Round(r2, 3)
	s.MAE = stats.Round(absErr/float64(n), 4)
	return s, nil
}

// Training outcomes.
const (
	TrainSuccess          = "success"
	TrainInsufficientData = "insufficient_data"
)

// TrainReport summarizes a training run.
type TrainReport struct {
	Model             string             `json:"model"`
	Status            string             `json:"status"`
	Samples           int                `json:"samples"`
	Version           int64              `json:"version,omitempty"`
	R2                float64            `json:"r2_score,omitempty"`
	MAE               float64            `json:"mae,omitempty"`
	FeatureImportance map[string]float64 `json:"feature_importance,omitempty"`
	Message           string             `json:"message,omitempty"`
}

// ModelStore holds the current conversion surface and persists it through
// storage so a restart keeps the last trained model. Readers see either the
// old or the new surface, never a partial one.
type ModelStore struct {
	store   storage.Storage
	lambda  float64
	minRows int
	logger  *zap.Logger
	now     func() time.Time

	// writeMu serializes Replace; mu only guards the pointer swap.
	writeMu sync.Mutex
	mu      sync.RWMutex
	current *Surface
}

// NewModelStore creates an empty model store. Call Load to pick up a
// persisted surface.
func NewModelStore(store storage.Storage, lambda float64, minRows int, logger *zap.Logger) *ModelStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if minRows < 2 {
		minRows = 2
	}
	return &ModelStore{
		store:   store,
		lambda:  lambda,
		minRows: minRows,
		logger:  logger,
		now:     time.Now,
	}
}

// Current returns the active surface, or nil before any training.
func (m *ModelStore) Current() *Surface {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Load restores the persisted surface. A missing model is not an error.
func (m *ModelStore) Load(ctx context.Context) error {
	stored, err := m.store.GetModel(ctx, ModelName)
	if errors.Is(err, experiment.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load model: %w", err)
	}

	var s Surface
	if err := json.Unmarshal(stored.Data, &s); err != nil {
		return fmt.Errorf("failed to decode model %s v%d: %w", stored.Name, stored.Version, err)
	}
	p := len(FeatureNames)
	if len(s.Coefficients) != p || len(s.Means) != p || len(s.Scales) != p {
		return fmt.Errorf("model %s does not match the %d-feature layout", stored.Name, p)
	}

	m.mu.Lock()
	m.current = &s
	m.mu.Unlock()
	m.logger.Info("model loaded", zap.Int64("version", s.Version), zap.Int("samples", s.Samples))
	return nil
}

// Replace persists s and makes it current. The version is assigned here.
func (m *ModelStore) Replace(ctx context.Context, s *Surface) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	next := *s
	next.Version = 1
	if prev := m.Current(); prev != nil {
		next.Version = prev.Version + 1
	}
	if next.TrainedAt.IsZero() {
		next.TrainedAt = m.now().UTC()
	}

	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to encode model: %w", err)
	}
	err = m.store.PutModel(ctx, storage.Model{
		Name:      ModelName,
		Version:   next.Version,
		TrainedAt: next.TrainedAt,
		Data:      data,
	})
	if err != nil {
		return fmt.Errorf("failed to persist model: %w", err)
	}

	m.mu.Lock()
	m.current = &next
	m.mu.Unlock()
	return nil
}

// Train fits a new surface on rows and replaces the current one. Fewer
// rows than the configured minimum leave the current surface in place and
// report insufficient_data.
func (m *ModelStore) Train(ctx context.Context, rows []source.TrainingRow) (TrainReport, error) {
	report := TrainReport{Model: ModelName, Samples: len(rows)}
	if len(rows) < m.minRows {
		report.Status = TrainInsufficientData
		report.Message = fmt.Sprintf("need at least %d campaigns with impressions, have %d", m.minRows, len(rows))
		m.logger.Warn("insufficient training data", zap.Int("samples", len(rows)), zap.Int("required", m.minRows))
		return report, nil
	}

	surface, err := Fit(rows, m.lambda)
	if err != nil {
		return report, err
	}
	if err := m.Replace(ctx, surface); err != nil {
		return report, err
	}

	current := m.Current()
	report.Status = TrainSuccess
	report.Version = current.Version
	report.R2 = current.R2
	report.MAE = current.MAE
	report.FeatureImportance = current.Importance()

	m.logger.Info("model trained",
		zap.Int64("version", current.Version),
		zap.Int("samples", current.Samples),
		zap.Float64("r2", current.R2),
		zap.Float64("mae", current.MAE))
	return report, nil
}

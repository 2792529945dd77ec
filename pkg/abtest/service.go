package abtest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nicktill/tinyexp/pkg/config"
	"github.com/nicktill/tinyexp/pkg/experiment"
	"github.com/nicktill/tinyexp/pkg/storage"
)

// Creation defaults.
const (
	DefaultTargetSampleSize = 1000
	DefaultConfidence       = 0.95
	DefaultMinimumEffect    = 0.10
)

// Assigner places subjects into arms.
type Assigner interface {
	Assign(ctx context.Context, experimentID, subjectID string) (experiment.Assignment, error)
}

// Analyzer runs and persists one analysis.
type Analyzer interface {
	Analyze(ctx context.Context, exp experiment.Experiment) (experiment.AnalysisResult, error)
}

// MetricsSource aggregates both arms of an experiment.
type MetricsSource interface {
	Experiment(ctx context.Context, exp experiment.Experiment) (control, variant experiment.GroupMetrics, err error)
}

// Campaigns resolves the campaign ids an experiment compares.
type Campaigns interface {
	Campaign(ctx context.Context, id string) (experiment.Campaign, error)
}

// Broadcaster publishes events to live listeners.
type Broadcaster interface {
	Broadcast(data interface{}) error
}

// CreateRequest is the input to Create. Zero values take the defaults.
// Confidence is accepted as a probability (0.95) or a percentage (95).
type CreateRequest struct {
	Name             string     `json:"name" validate:"required,max=200"`
	ControlID        string     `json:"control_id" validate:"required"`
	VariantID        string     `json:"variant_id" validate:"required,nefield=ControlID"`
	TargetSampleSize int64      `json:"target_sample_size" validate:"gte=0"`
	Confidence       float64    `json:"confidence_level" validate:"gte=0,lte=100"`
	MinimumEffect    float64    `json:"minimum_effect" validate:"gte=0"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
}

// EndResult is the outcome of ending an experiment: the ended experiment
// and its final analysis.
type EndResult struct {
	Experiment experiment.Experiment      `json:"experiment"`
	Final      *experiment.AnalysisResult `json:"final_result"`
}

// LiveEvent is the envelope sent to websocket clients.
type LiveEvent struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Event types.
const (
	EventAnalysis = "analysis_result"
	EventEnded    = "experiment_ended"
)

var requestValidate = validator.New()

// Service implements the experiment operations.
type Service struct {
	store    storage.Storage
	assigner Assigner
	analyzer Analyzer
	metrics  MetricsSource
	hub      Broadcaster
	catalog  Campaigns
	logger   *zap.Logger
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithBroadcaster streams analysis results to b.
func WithBroadcaster(b Broadcaster) Option {
	return func(s *Service) { s.hub = b }
}

// WithCatalog makes Create reject campaign ids the catalog does not know.
func WithCatalog(c Campaigns) Option {
	return func(s *Service) { s.catalog = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewService wires the service to its collaborators.
func NewService(store storage.Storage, assigner Assigner, analyzer Analyzer, metrics MetricsSource, opts ...Option) *Service {
	s := &Service{
		store:    store,
		assigner: assigner,
		analyzer: analyzer,
		metrics:  metrics,
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create validates and stores a new active experiment.
func (s *Service) Create(ctx context.Context, req CreateRequest) (experiment.Experiment, error) {
	if err := requestValidate.Struct(req); err != nil {
		return experiment.Experiment{}, fmt.Errorf("%s: %w", describeValidation(err), experiment.ErrInvalidConfiguration)
	}

	if req.TargetSampleSize == 0 {
		req.TargetSampleSize = DefaultTargetSampleSize
	}
	if req.Confidence == 0 {
		req.Confidence = DefaultConfidence
	}
	if req.Confidence > 1 {
		req.Confidence /= 100
	}
	if req.MinimumEffect == 0 {
		req.MinimumEffect = DefaultMinimumEffect
	}

	level, err := experiment.ParseConfidence(req.Confidence)
	if err != nil {
		return experiment.Experiment{}, err
	}

	started := s.now().UTC()
	if req.StartedAt != nil {
		started = req.StartedAt.UTC()
	}

	exp := experiment.Experiment{
		ID:               uuid.NewString(),
		Name:             req.Name,
		ControlID:        req.ControlID,
		VariantID:        req.VariantID,
		StartedAt:        started,
		TargetSampleSize: req.TargetSampleSize,
		Confidence:       level,
		MinimumEffect:    req.MinimumEffect,
		Active:           true,
	}
	if err := exp.Validate(); err != nil {
		return experiment.Experiment{}, err
	}
	if err := s.checkCampaigns(ctx, exp.ControlID, exp.VariantID); err != nil {
		return experiment.Experiment{}, err
	}
	if err := s.store.CreateExperiment(ctx, exp); err != nil {
		return experiment.Experiment{}, fmt.Errorf("failed to create experiment: %w", err)
	}

	s.logger.Info("experiment created",
		zap.String("experiment", exp.ID),
		zap.String("name", exp.Name),
		zap.String("control", exp.ControlID),
		zap.String("variant", exp.VariantID))
	return exp, nil
}

func (s *Service) checkCampaigns(ctx context.Context, ids ...string) error {
	if s.catalog == nil {
		return nil
	}
	for _, id := range ids {
		_, err := s.catalog.Campaign(ctx, id)
		switch {
		case errors.Is(err, experiment.ErrNotFound):
			return fmt.Errorf("campaign %q does not exist: %w", id, experiment.ErrNotFound)
		case err != nil:
			return experiment.Transient("lookup campaign "+id, err)
		}
	}
	return nil
}

// Get loads one experiment.
func (s *Service) Get(ctx context.Context, id string) (experiment.Experiment, error) {
	return s.store.GetExperiment(ctx, id)
}

// List returns experiments, newest first.
func (s *Service) List(ctx context.Context, activeOnly bool) ([]experiment.Experiment, error) {
	exps, err := s.store.ListExperiments(ctx, storage.ListOptions{ActiveOnly: activeOnly})
	if err != nil {
		return nil, err
	}
	if exps == nil {
		exps = []experiment.Experiment{}
	}
	return exps, nil
}

// Assign returns the subject's arm. See assign.Engine.Assign for the
// ended-experiment contract.
func (s *Service) Assign(ctx context.Context, experimentID, subjectID string) (experiment.Assignment, error) {
	return s.assigner.Assign(ctx, experimentID, subjectID)
}

// Status reports per-arm progress toward the target sample size.
func (s *Service) Status(ctx context.Context, id string) (experiment.Status, error) {
	exp, err := s.store.GetExperiment(ctx, id)
	if err != nil {
		return experiment.Status{}, err
	}

	control, variant, err := s.metrics.Experiment(ctx, exp)
	if err != nil {
		return experiment.Status{}, fmt.Errorf("failed to aggregate experiment %s: %w", id, err)
	}

	return experiment.Status{
		Experiment:      exp,
		Control:         control,
		Variant:         variant,
		ControlProgress: Progress(control.Subjects, exp.TargetSampleSize),
		VariantProgress: Progress(variant.Subjects, exp.TargetSampleSize),
		CanConclude:     control.Subjects >= exp.TargetSampleSize || variant.Subjects >= exp.TargetSampleSize,
	}, nil
}

// Progress is subjects as a percentage of target, capped at 100 and
// rounded to one decimal.
func Progress(subjects, target int64) float64 {
	if target <= 0 {
		return 0
	}
	pct := math.Min(100, float64(subjects)/float64(target)*100)
	return math.Round(pct*10) / 10
}

// Analyze runs a fresh analysis and publishes it.
func (s *Service) Analyze(ctx context.Context, id string) (experiment.AnalysisResult, error) {
	exp, err := s.store.GetExperiment(ctx, id)
	if err != nil {
		return experiment.AnalysisResult{}, err
	}

	result, err := s.analyzer.Analyze(ctx, exp)
	if err != nil {
		return experiment.AnalysisResult{}, err
	}
	s.publish(EventAnalysis, result)
	return result, nil
}

// End runs the final analysis over the closed window, then marks the
// experiment inactive. A failed analysis leaves the experiment running.
func (s *Service) End(ctx context.Context, id string) (EndResult, error) {
	exp, err := s.store.GetExperiment(ctx, id)
	if err != nil {
		return EndResult{}, err
	}
	if err := exp.End(s.now().UTC()); err != nil {
		return EndResult{}, err
	}

	final, err := s.analyzer.Analyze(ctx, exp)
	if err != nil {
		s.logger.Warn("final analysis failed, experiment left running", zap.String("experiment", id), zap.Error(err))
		return EndResult{}, fmt.Errorf("final analysis of %s: %w", id, err)
	}
	if err := s.store.UpdateExperiment(ctx, exp); err != nil {
		return EndResult{}, fmt.Errorf("failed to end experiment %s: %w", id, err)
	}
	s.logger.Info("experiment ended", zap.String("experiment", id), zap.String("winner", string(final.Winner)))

	s.publish(EventAnalysis, final)
	s.publish(EventEnded, exp)
	return EndResult{Experiment: exp, Final: &final}, nil
}

// History returns the newest analysis results across experiments, or for
// one experiment when experimentID is set. limit must be within
// [1, config.MaxHistoryLimit]; 0 means config.DefaultHistoryLimit.
func (s *Service) History(ctx context.Context, experimentID string, limit int) ([]experiment.AnalysisResult, error) {
	if limit == 0 {
		limit = config.DefaultHistoryLimit
	}
	if limit < 1 || limit > config.MaxHistoryLimit {
		return nil, fmt.Errorf("limit must be between 1 and %d, got %d: %w",
			config.MaxHistoryLimit, limit, experiment.ErrInvalidConfiguration)
	}

	results, err := s.store.ListResults(ctx, storage.ResultQuery{ExperimentID: experimentID, Limit: limit})
	if err != nil {
		return nil, err
	}
	if results == nil {
		results = []experiment.AnalysisResult{}
	}
	return results, nil
}

func (s *Service) publish(kind string, data interface{}) {
	if s.hub == nil {
		return
	}
	if err := s.hub.Broadcast(LiveEvent{Type: kind, Data: data}); err != nil {
		s.logger.Warn("failed to broadcast event", zap.String("type", kind), zap.Error(err))
	}
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Field(), fe.Tag()))
	}
	return "invalid request: " + strings.Join(msgs, "; ")
}

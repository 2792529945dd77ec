package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nicktill/tinyexp/pkg/experiment"
	"github.com/nicktill/tinyexp/pkg/storage"
)

// Storage keeps everything in memory. Data is lost on restart.
// Useful for testing and development.
type Storage struct {
	mu sync.RWMutex

	experiments     map[string]experiment.Experiment
	assignments     map[assignmentKey]experiment.Assignment
	results         []experiment.AnalysisResult
	recommendations []experiment.Recommendation
	daily           map[dailyKey]experiment.DailyMetrics
	models          map[string]storage.Model
}

type assignmentKey struct {
	experimentID string
	subjectID    string
}

type dailyKey struct {
	campaignID string
	day        int64
}

// New creates an in-memory storage backend
func New() *Storage {
	return &Storage{
		experiments: make(map[string]experiment.Experiment),
		assignments: make(map[assignmentKey]experiment.Assignment),
		daily:       make(map[dailyKey]experiment.DailyMetrics),
		models:      make(map[string]storage.Model),
	}
}

// CreateExperiment stores a new experiment.
func (s *Storage) CreateExperiment(ctx context.Context, exp experiment.Experiment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.experiments[exp.ID]; ok {
		return fmt.Errorf("experiment %s already exists: %w", exp.ID, experiment.ErrInvalidState)
	}
	s.experiments[exp.ID] = exp
	return nil
}

// GetExperiment loads one experiment.
func (s *Storage) GetExperiment(ctx context.Context, id string) (experiment.Experiment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exp, ok := s.experiments[id]
	if !ok {
		return experiment.Experiment{}, fmt.Errorf("experiment %s: %w", id, experiment.ErrNotFound)
	}
	return exp, nil
}

// ListExperiments returns experiments newest first.
func (s *Storage) ListExperiments(ctx context.Context, opts storage.ListOptions) ([]experiment.Experiment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]experiment.Experiment, 0, len(s.experiments))
	for _, exp := range s.experiments {
		if opts.ActiveOnly && !exp.Active {
			continue
		}
		out = append(out, exp)
	}
	storage.SortExperiments(out)

	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// UpdateExperiment overwrites an existing experiment.
func (s *Storage) UpdateExperiment(ctx context.Context, exp experiment.Experiment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.experiments[exp.ID]; !ok {
		return fmt.Errorf("experiment %s: %w", exp.ID, experiment.ErrNotFound)
	}
	s.experiments[exp.ID] = exp
	return nil
}

// InsertAssignment stores a unless the subject is already assigned.
func (s *Storage) InsertAssignment(ctx context.Context, a experiment.Assignment) (experiment.Assignment, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := assignmentKey{a.ExperimentID, a.SubjectID}
	if existing, ok := s.assignments[key]; ok {
		return existing, false, nil
	}
	s.assignments[key] = a
	return a, true, nil
}

// GetAssignment loads a subject's assignment.
func (s *Storage) GetAssignment(ctx context.Context, experimentID, subjectID string) (experiment.Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.assignments[assignmentKey{experimentID, subjectID}]
	if !ok {
		return experiment.Assignment{}, fmt.Errorf("assignment %s/%s: %w", experimentID, subjectID, experiment.ErrNotFound)
	}
	return a, nil
}

// AppendResult appends an analysis result.
func (s *Storage) AppendResult(ctx context.Context, r experiment.AnalysisResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.results = append(s.results, r)
	return nil
}

// ListResults returns results newest first.
func (s *Storage) ListResults(ctx context.Context, q storage.ResultQuery) ([]experiment.AnalysisResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]experiment.AnalysisResult, 0)
	// Walk backwards so equal timestamps keep insertion order reversed.
	for i := len(s.results) - 1; i >= 0; i-- {
		r := s.results[i]
		if q.ExperimentID != "" && r.ExperimentID != q.ExperimentID {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].AnalyzedAt.After(out[j].AnalyzedAt)
	})

	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// AppendRecommendations appends recommendation rows.
func (s *Storage) AppendRecommendations(ctx context.Context, recs []experiment.Recommendation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.recommendations = append(s.recommendations, recs...)
	return nil
}

// LatestRecommendations returns the newest row per parameter.
func (s *Storage) LatestRecommendations(ctx context.Context, campaignID string) ([]experiment.Recommendation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows []experiment.Recommendation
	for _, r := range s.recommendations {
		if r.CampaignID == campaignID {
			rows = append(rows, r)
		}
	}
	return storage.LatestPerParameter(rows), nil
}

// UpsertDailyMetrics writes the rollup row for (campaign, day).
func (s *Storage) UpsertDailyMetrics(ctx context.Context, d experiment.DailyMetrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d.Day = storage.DayStart(d.Day)
	s.daily[dailyKey{d.CampaignID, d.Day.Unix()}] = d
	return nil
}

// ListDailyMetrics returns rollup rows for a campaign, oldest first.
func (s *Storage) ListDailyMetrics(ctx context.Context, campaignID string, from, to time.Time) ([]experiment.DailyMetrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]experiment.DailyMetrics, 0)
	for k, d := range s.daily {
		if k.campaignID != campaignID || d.Day.Before(from) || d.Day.After(to) {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day.Before(out[j].Day) })
	return out, nil
}

// PutModel stores a serialized model.
func (s *Storage) PutModel(ctx context.Context, m storage.Model) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.models[m.Name] = m
	return nil
}

// GetModel loads a serialized model.
func (s *Storage) GetModel(ctx context.Context, name string) (storage.Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.models[name]
	if !ok {
		return storage.Model{}, fmt.Errorf("model %s: %w", name, experiment.ErrNotFound)
	}
	return m, nil
}

// Stats returns record counts.
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return &storage.Stats{
		Experiments:     uint64(len(s.experiments)),
		Assignments:     uint64(len(s.assignments)),
		Results:         uint64(len(s.results)),
		Recommendations: uint64(len(s.recommendations)),
		DailyRows:       uint64(len(s.daily)),
	}, nil
}

// Close is a no-op for memory storage
func (s *Storage) Close() error {
	return nil
}

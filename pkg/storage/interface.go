package storage

import (
	"context"
	"time"

	"github.com/nicktill/tinyexp/pkg/experiment"
)

// Storage defines the interface for experiment persistence backends.
// Implementations: memory (testing), badger (embedded), postgres (shared).
//
// Lookups of missing records return an error wrapping experiment.ErrNotFound.
type Storage interface {
	// CreateExperiment stores a new experiment. An existing id is an
	// ErrInvalidState.
	CreateExperiment(ctx context.Context, exp experiment.Experiment) error

	// GetExperiment loads one experiment by id.
	GetExperiment(ctx context.Context, id string) (experiment.Experiment, error)

	// ListExperiments returns experiments ordered by start time, newest first.
	ListExperiments(ctx context.Context, opts ListOptions) ([]experiment.Experiment, error)

	// UpdateExperiment overwrites an existing experiment.
	UpdateExperiment(ctx context.Context, exp experiment.Experiment) error

	// InsertAssignment stores a if no assignment exists for the same
	// experiment and subject. It returns the stored assignment, which is the
	// earlier one when a concurrent writer won, and whether a was inserted.
	InsertAssignment(ctx context.Context, a experiment.Assignment) (experiment.Assignment, bool, error)

	// GetAssignment loads the assignment for a subject.
	GetAssignment(ctx context.Context, experimentID, subjectID string) (experiment.Assignment, error)

	// AppendResult appends an analysis snapshot.
	AppendResult(ctx context.Context, r experiment.AnalysisResult) error

	// ListResults returns analysis results, newest first.
	ListResults(ctx context.Context, q ResultQuery) ([]experiment.AnalysisResult, error)

	// AppendRecommendations appends recommendation rows.
	AppendRecommendations(ctx context.Context, recs []experiment.Recommendation) error

	// LatestRecommendations returns the newest recommendation per parameter
	// for a campaign.
	LatestRecommendations(ctx context.Context, campaignID string) ([]experiment.Recommendation, error)

	// UpsertDailyMetrics writes the rollup row for (campaign, day).
	UpsertDailyMetrics(ctx context.Context, d experiment.DailyMetrics) error

	// ListDailyMetrics returns rollup rows for a campaign with Day in [from, to], oldest first.
	ListDailyMetrics(ctx context.Context, campaignID string, from, to time.Time) ([]experiment.DailyMetrics, error)

	// PutModel stores a serialized model under its name, replacing any prior version.
	PutModel(ctx context.Context, m Model) error

	// GetModel loads a serialized model by name.
	GetModel(ctx context.Context, name string) (Model, error)

	// Stats returns storage statistics
	Stats(ctx context.Context) (*Stats, error)

	// Close cleanly shuts down the storage
	Close() error
}

// ListOptions filters ListExperiments.
type ListOptions struct {
	// ActiveOnly excludes ended experiments.
	ActiveOnly bool

	// Limit number of results (0 = no limit)
	Limit int
}

// ResultQuery filters ListResults.
type ResultQuery struct {
	// ExperimentID restricts results to one experiment (optional)
	ExperimentID string

	// Limit number of results (0 = no limit)
	Limit int
}

// Model is a serialized trained model.
type Model struct {
	Name      string    `json:"name"`
	Version   int64     `json:"version"`
	TrainedAt time.Time `json:"trained_at"`
	Data      []byte    `json:"data"`
}

// Stats provides storage health and usage info
type Stats struct {
	Experiments     uint64 `json:"experiments"`
	Assignments     uint64 `json:"assignments"`
	Results         uint64 `json:"results"`
	Recommendations uint64 `json:"recommendations"`
	DailyRows       uint64 `json:"daily_rows"`

	// Storage size in bytes (0 when the backend cannot tell)
	SizeBytes uint64 `json:"size_bytes"`
}

// DayStart truncates t to midnight UTC. Daily rollups are keyed by it.
func DayStart(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

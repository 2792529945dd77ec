package experiment

import (
	"time"

	"github.com/nicktill/tinyexp/pkg/stats"
)

// AnalysisResult is one immutable snapshot of an experiment's statistics.
// Results are appended, never updated.
type AnalysisResult struct {
	ID           string    `json:"id"`
	ExperimentID string    `json:"experiment_id"`
	AnalyzedAt   time.Time `json:"analyzed_at"`

	Control GroupMetrics `json:"control"`
	Variant GroupMetrics `json:"variant"`

	ControlRate         float64 `json:"control_rate"`
	VariantRate         float64 `json:"variant_rate"`
	AbsoluteDifference  float64 `json:"absolute_difference"`
	RelativeImprovement float64 `json:"relative_improvement"`

	ChiSquared    float64         `json:"chi_squared"`
	PValue        float64         `json:"p_value"`
	Confidence    ConfidenceLevel `json:"confidence_level"`
	IsSignificant bool            `json:"is_significant"`

	Winner         Winner `json:"winner"`
	Recommendation string `json:"recommendation"`

	Power              float64          `json:"power"`
	RequiredSampleSize stats.SampleSize `json:"required_sample_size"`

	// Degenerate marks a table with an empty row or column. The statistics
	// above are well-formed but carry no evidence.
	Degenerate       bool   `json:"degenerate,omitempty"`
	DegenerateReason string `json:"degenerate_reason,omitempty"`
}

// Status is the progress view of an experiment.
type Status struct {
	Experiment      Experiment   `json:"experiment"`
	Control         GroupMetrics `json:"control"`
	Variant         GroupMetrics `json:"variant"`
	ControlProgress float64      `json:"control_progress_pct"`
	VariantProgress float64      `json:"variant_progress_pct"`
	CanConclude     bool         `json:"can_conclude"`
}

package experiment

import (
	"fmt"
	"time"
)

// Group is the arm a subject is assigned to.
type Group string

const (
	GroupControl Group = "control"
	GroupVariant Group = "variant"
)

// Valid reports whether g is control or variant.
func (g Group) Valid() bool {
	return g == GroupControl || g == GroupVariant
}

// Winner is the outcome of an analysis.
type Winner string

const (
	WinnerControl Winner = "control"
	WinnerVariant Winner = "variant"
	WinnerNone    Winner = "no_winner"
)

// Experiment is a two-arm test between a control and a variant campaign.
// Experiments are never deleted; ending one clears Active and sets EndedAt.
type Experiment struct {
	ID               string          `json:"id"`
	Name             string          `json:"name"`
	ControlID        string          `json:"control_id"`
	VariantID        string          `json:"variant_id"`
	StartedAt        time.Time       `json:"started_at"`
	EndedAt          *time.Time      `json:"ended_at,omitempty"`
	TargetSampleSize int64           `json:"target_sample_size"`
	Confidence       ConfidenceLevel `json:"confidence_level"`
	MinimumEffect    float64         `json:"minimum_effect"`
	Active           bool            `json:"active"`
}

// Validate checks the construction invariants.
func (e *Experiment) Validate() error {
	if e.Name == "" {
		return fmt.Errorf("experiment name is required: %w", ErrInvalidConfiguration)
	}
	if e.ControlID == "" || e.VariantID == "" {
		return fmt.Errorf("control and variant ids are required: %w", ErrInvalidConfiguration)
	}
	if e.ControlID == e.VariantID {
		return fmt.Errorf("control and variant must differ (both %q): %w", e.ControlID, ErrInvalidConfiguration)
	}
	if !e.Confidence.Valid() {
		return fmt.Errorf("unsupported confidence level %s: %w", e.Confidence, ErrInvalidConfiguration)
	}
	if e.MinimumEffect <= 0 {
		return fmt.Errorf("minimum effect must be positive, got %v: %w", e.MinimumEffect, ErrInvalidConfiguration)
	}
	if e.TargetSampleSize <= 0 {
		return fmt.Errorf("target sample size must be positive, got %d: %w", e.TargetSampleSize, ErrInvalidConfiguration)
	}
	return nil
}

// GroupID returns the campaign id backing the given arm.
func (e *Experiment) GroupID(g Group) string {
	if g == GroupVariant {
		return e.VariantID
	}
	return e.ControlID
}

// Window returns the analysis window: start to end, or start to now while
// the experiment is running.
func (e *Experiment) Window(now time.Time) (time.Time, time.Time) {
	if e.EndedAt != nil {
		return e.StartedAt, *e.EndedAt
	}
	return e.StartedAt, now
}

// End marks the experiment finished at t. Ending an ended experiment is an
// ErrInvalidState.
func (e *Experiment) End(t time.Time) error {
	if !e.Active {
		return fmt.Errorf("experiment %s already ended: %w", e.ID, ErrInvalidState)
	}
	e.Active = false
	ended := t
	e.EndedAt = &ended
	return nil
}

// Assignment records which arm a subject landed in. The first persisted
// assignment for a (experiment, subject) pair is final.
type Assignment struct {
	ExperimentID string    `json:"experiment_id"`
	SubjectID    string    `json:"subject_id"`
	Group        Group     `json:"group"`
	AssignedAt   time.Time `json:"assigned_at"`
}

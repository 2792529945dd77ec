// Package analysis computes fixed-horizon significance for two-arm
// experiments and persists each result as an immutable snapshot.
package analysis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nicktill/tinyexp/pkg/experiment"
	"github.com/nicktill/tinyexp/pkg/stats"
	"github.com/nicktill/tinyexp/pkg/storage"
	"github.com/nicktill/tinyexp/pkg/telemetry"
)

// Recommendation texts.
const (
	TextContinue       = "insufficient power, continue or raise sample size"
	TextKeepControl    = "control performs better, keep control"
	textVariantWinsFmt = "variant wins with %.1f%% improvement, deploy variant"
)

// MetricsSource aggregates both arms of an experiment.
type MetricsSource interface {
	Experiment(ctx context.Context, exp experiment.Experiment) (control, variant experiment.GroupMetrics, err error)
}

// Analyzer runs the significance test and stores the result.
type Analyzer struct {
	metrics MetricsSource
	store   storage.Storage
	zBeta   float64
	logger  *zap.Logger
	telem   *telemetry.Metrics
	now     func() time.Time
}

// Config tunes the analyzer.
type Config struct {
	// ZBeta is the power quantile used for sample sizing (default stats.ZBeta80).
	ZBeta float64
}

// New creates an analyzer.
func New(metrics MetricsSource, store storage.Storage, cfg Config, logger *zap.Logger, telem *telemetry.Metrics) *Analyzer {
	if cfg.ZBeta <= 0 {
		cfg.ZBeta = stats.ZBeta80
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Analyzer{
		metrics: metrics,
		store:   store,
		zBeta:   cfg.ZBeta,
		logger:  logger,
		telem:   telem,
		now:     time.Now,
	}
}

// Analyze aggregates, tests and appends one result. Nothing is written if
// aggregation fails.
func (a *Analyzer) Analyze(ctx context.Context, exp experiment.Experiment) (experiment.AnalysisResult, error) {
	if err := exp.Validate(); err != nil {
		return experiment.AnalysisResult{}, err
	}

	control, variant, err := a.metrics.Experiment(ctx, exp)
	if err != nil {
		return experiment.AnalysisResult{}, fmt.Errorf("failed to aggregate experiment %s: %w", exp.ID, err)
	}

	result := Evaluate(exp, control, variant, a.zBeta)
	result.ID = uuid.NewString()
	result.AnalyzedAt = a.now().UTC()

	if err := a.store.AppendResult(ctx, result); err != nil {
		return experiment.AnalysisResult{}, fmt.Errorf("failed to store analysis of %s: %w", exp.ID, err)
	}

	a.telem.Analysis(string(result.Winner), result.PValue)
	a.logger.Info("experiment analyzed",
		zap.String("experiment", exp.ID),
		zap.Float64("p_value", result.PValue),
		zap.Bool("significant", result.IsSignificant),
		zap.String("winner", string(result.Winner)),
		zap.Bool("degenerate", result.Degenerate))
	return result, nil
}

// Evaluate is the pure statistical core of Analyze. Significance is decided
// on the computed p-value; only the reported PValue is rounded.
func Evaluate(exp experiment.Experiment, control, variant experiment.GroupMetrics, zBeta float64) experiment.AnalysisResult {
	cRate := control.ConversionRate()
	vRate := variant.ConversionRate()
	alpha := exp.Confidence.Alpha()
	zAlpha := exp.Confidence.Z()

	test := stats.ChiSquareYates(stats.NewTable2x2(
		control.Conversions, control.Impressions,
		variant.Conversions, variant.Impressions,
	))
	significant := !test.Degenerate && test.PValue < alpha

	relative := 0.0
	if cRate > 0 {
		relative = (vRate - cRate) / cRate * 100
	}

	winner, text := decide(significant, cRate, vRate, relative)

	result := experiment.AnalysisResult{
		ExperimentID:        exp.ID,
		Control:             control,
		Variant:             variant,
		ControlRate:         stats.Round(cRate, stats.RatePlaces),
		VariantRate:         stats.Round(vRate, stats.RatePlaces),
		AbsoluteDifference:  stats.Round(vRate-cRate, stats.RatePlaces),
		RelativeImprovement: stats.Round(relative, stats.PercentPlaces),
		ChiSquared:          stats.Round(test.Statistic, stats.StatisticPlaces),
		PValue:              stats.Round(test.PValue, stats.PValuePlaces),
		Confidence:          exp.Confidence,
		IsSignificant:       significant,
		Winner:              winner,
		Recommendation:      text,
	}

	if test.Degenerate {
		result.Degenerate = true
		result.DegenerateReason = test.Reason
		result.Power = 0
		result.RequiredSampleSize = stats.Undeterminable("degenerate table: " + test.Reason)
		return result
	}

	result.Power = stats.Round(stats.Power(
		control.Conversions, control.Impressions,
		variant.Conversions, variant.Impressions, zAlpha), stats.PowerPlaces)
	result.RequiredSampleSize = stats.RequiredSampleSize(cRate, exp.MinimumEffect, zAlpha, zBeta)
	return result
}

func decide(significant bool, cRate, vRate, relative float64) (experiment.Winner, string) {
	switch {
	case !significant:
		return experiment.WinnerNone, TextContinue
	case vRate > cRate:
		return experiment.WinnerVariant, fmt.Sprintf(textVariantWinsFmt, relative)
	default:
		return experiment.WinnerControl, TextKeepControl
	}
}

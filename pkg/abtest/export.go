package abtest

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/nicktill/tinyexp/pkg/config"
	"github.com/nicktill/tinyexp/pkg/experiment"
	"github.com/nicktill/tinyexp/pkg/storage"
)

// Export formats.
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
)

// ExportOptions selects the results to export.
type ExportOptions struct {
	// ExperimentID restricts the export to one experiment (optional)
	ExperimentID string

	// Limit caps the number of results (0 = config.MaxExportResults)
	Limit int
}

// ExportResult describes a finished export.
type ExportResult struct {
	ResultsExported int       `json:"results_exported"`
	Format          string    `json:"format"`
	ExportedAt      time.Time `json:"exported_at"`
}

// ExportDocument is the JSON export layout.
type ExportDocument struct {
	Metadata struct {
		ExportedAt   time.Time `json:"exported_at"`
		ExperimentID string    `json:"experiment_id,omitempty"`
		ResultCount  int       `json:"result_count"`
		Version      string    `json:"version"`
	} `json:"metadata"`
	Results []experiment.AnalysisResult `json:"results"`
}

var csvHeader = []string{
	"analyzed_at", "experiment_id", "result_id",
	"control_impressions", "control_conversions", "control_rate",
	"variant_impressions", "variant_conversions", "variant_rate",
	"relative_improvement", "chi_squared", "p_value", "confidence_level",
	"is_significant", "winner", "power", "required_sample_size", "degenerate",
}

// Exporter writes analysis history as JSON or CSV.
type Exporter struct {
	store storage.Storage
	now   func() time.Time
}

// NewExporter creates an exporter over store.
func NewExporter(store storage.Storage) *Exporter {
	return &Exporter{store: store, now: time.Now}
}

func (e *Exporter) load(ctx context.Context, opts ExportOptions) ([]experiment.AnalysisResult, error) {
	limit := opts.Limit
	if limit <= 0 || limit > config.MaxExportResults {
		limit = config.MaxExportResults
	}
	results, err := e.store.ListResults(ctx, storage.ResultQuery{ExperimentID: opts.ExperimentID, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("failed to list results: %w", err)
	}
	if results == nil {
		results = []experiment.AnalysisResult{}
	}
	return results, nil
}

// ExportToJSON writes the results, newest first, with a metadata header.
func (e *Exporter) ExportToJSON(ctx context.Context, w io.Writer, opts ExportOptions) (*ExportResult, error) {
	results, err := e.load(ctx, opts)
	if err != nil {
		return nil, err
	}

	var doc ExportDocument
	doc.Metadata.ExportedAt = e.now().UTC()
	doc.Metadata.ExperimentID = opts.ExperimentID
	doc.Metadata.ResultCount = len(results)
	doc.Metadata.Version = "1.0"
	doc.Results = results

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(doc); err != nil {
		return nil, fmt.Errorf("failed to encode JSON: %w", err)
	}

	return &ExportResult{
		ResultsExported: len(results),
		Format:          FormatJSON,
		ExportedAt:      doc.Metadata.ExportedAt,
	}, nil
}

// ExportToCSV writes one row per result, newest first.
func (e *Exporter) ExportToCSV(ctx context.Context, w io.Writer, opts ExportOptions) (*ExportResult, error) {
	results, err := e.load(ctx, opts)
	if err != nil {
		return nil, err
	}

	writer := csv.NewWriter(w)
	if err := writer.Write(csvHeader); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, r := range results {
		sampleSize := ""
		if n, ok := r.RequiredSampleSize.N(); ok {
			sampleSize = strconv.FormatInt(n, 10)
		}
		row := []string{
			r.AnalyzedAt.Format(time.RFC3339),
			r.ExperimentID,
			r.ID,
			strconv.FormatInt(r.Control.Impressions, 10),
			strconv.FormatInt(r.Control.Conversions, 10),
			formatFloat(r.ControlRate),
			strconv.FormatInt(r.Variant.Impressions, 10),
			strconv.FormatInt(r.Variant.Conversions, 10),
			formatFloat(r.VariantRate),
			formatFloat(r.RelativeImprovement),
			formatFloat(r.ChiSquared),
			formatFloat(r.PValue),
			r.Confidence.String(),
			strconv.FormatBool(r.IsSignificant),
			string(r.Winner),
			formatFloat(r.Power),
			sampleSize,
			strconv.FormatBool(r.Degenerate),
		}
		if err := writer.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("failed to flush CSV: %w", err)
	}

	return &ExportResult{
		ResultsExported: len(results),
		Format:          FormatCSV,
		ExportedAt:      e.now().UTC(),
	}, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

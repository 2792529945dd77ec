package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nicktill/tinyexp/pkg/experiment"
	"github.com/nicktill/tinyexp/pkg/storage"
)

// Storage implements storage.Storage on PostgreSQL. Driver failures are
// wrapped with experiment.ErrTransientIO.
type Storage struct {
	db *sql.DB
}

// New wraps an open database. Run Migrate first.
func New(db *sql.DB) *Storage {
	return &Storage{db: db}
}

// DB exposes the pool so collaborators can share it.
func (s *Storage) DB() *sql.DB {
	return s.db
}

func transient(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, experiment.ErrTransientIO, err)
}

const experimentColumns = `id, name, control_id, variant_id, started_at, ended_at,
	target_sample_size, confidence_level, minimum_effect, active`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExperiment(row rowScanner) (experiment.Experiment, error) {
	var exp experiment.Experiment
	var ended sql.NullTime
	var confidence float64

	err := row.Scan(&exp.ID, &exp.Name, &exp.ControlID, &exp.VariantID, &exp.StartedAt, &ended,
		&exp.TargetSampleSize, &confidence, &exp.MinimumEffect, &exp.Active)
	if err != nil {
		return exp, err
	}

	exp.StartedAt = exp.StartedAt.UTC()
	if ended.Valid {
		t := ended.Time.UTC()
		exp.EndedAt = &t
	}
	exp.Confidence, err = experiment.ParseConfidence(confidence)
	return exp, err
}

// CreateExperiment stores a new experiment.
func (s *Storage) CreateExperiment(ctx context.Context, exp experiment.Experiment) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO experiments (`+experimentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING`,
		exp.ID, exp.Name, exp.ControlID, exp.VariantID, exp.StartedAt, exp.EndedAt,
		exp.TargetSampleSize, exp.Confidence.Value(), exp.MinimumEffect, exp.Active)
	if err != nil {
		return transient("create experiment", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("experiment %s already exists: %w", exp.ID, experiment.ErrInvalidState)
	}
	return nil
}

// GetExperiment loads one experiment.
func (s *Storage) GetExperiment(ctx context.Context, id string) (experiment.Experiment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+experimentColumns+` FROM experiments WHERE id = $1`, id)
	exp, err := scanExperiment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return exp, fmt.Errorf("experiment %s: %w", id, experiment.ErrNotFound)
	}
	if err != nil {
		return exp, transient("get experiment", err)
	}
	return exp, nil
}

// ListExperiments returns experiments newest first.
func (s *Storage) ListExperiments(ctx context.Context, opts storage.ListOptions) ([]experiment.Experiment, error) {
	query := `SELECT ` + experimentColumns + ` FROM experiments WHERE ($1 = FALSE OR active)
		ORDER BY started_at DESC, id ASC`
	args := []any{opts.ActiveOnly}
	if opts.Limit > 0 {
		query += ` LIMIT $2`
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, transient("list experiments", err)
	}
	defer rows.Close()

	out := make([]experiment.Experiment, 0)
	for rows.Next() {
		exp, err := scanExperiment(rows)
		if err != nil {
			return nil, transient("scan experiment", err)
		}
		out = append(out, exp)
	}
	if err := rows.Err(); err != nil {
		return nil, transient("list experiments", err)
	}
	return out, nil
}

// UpdateExperiment overwrites an existing experiment.
func (s *Storage) UpdateExperiment(ctx context.Context, exp experiment.Experiment) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE experiments SET name = $2, control_id = $3, variant_id = $4, started_at = $5, ended_at = $6,
			target_sample_size = $7, confidence_level = $8, minimum_effect = $9, active = $10
		WHERE id = $1`,
		exp.ID, exp.Name, exp.ControlID, exp.VariantID, exp.StartedAt, exp.EndedAt,
		exp.TargetSampleSize, exp.Confidence.Value(), exp.MinimumEffect, exp.Active)
	if err != nil {
		return transient("update experiment", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("experiment %s: %w", exp.ID, experiment.ErrNotFound)
	}
	return nil
}

// InsertAssignment relies on the primary key: the losing INSERT does
// nothing and the follow-up SELECT returns the winning row.
func (s *Storage) InsertAssignment(ctx context.Context, a experiment.Assignment) (experiment.Assignment, bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO assignments (experiment_id, subject_id, group_label, assigned_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (experiment_id, subject_id) DO NOTHING`,
		a.ExperimentID, a.SubjectID, string(a.Group), a.AssignedAt)
	if err != nil {
		return experiment.Assignment{}, false, transient("insert assignment", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 1 {
		return a, true, nil
	}

	stored, err := s.GetAssignment(ctx, a.ExperimentID, a.SubjectID)
	if err != nil {
		return experiment.Assignment{}, false, err
	}
	return stored, false, nil
}

// GetAssignment loads a subject's assignment.
func (s *Storage) GetAssignment(ctx context.Context, experimentID, subjectID string) (experiment.Assignment, error) {
	a := experiment.Assignment{ExperimentID: experimentID, SubjectID: subjectID}
	var group string
	err := s.db.QueryRowContext(ctx, `
		SELECT group_label, assigned_at FROM assignments
		WHERE experiment_id = $1 AND subject_id = $2`,
		experimentID, subjectID).Scan(&group, &a.AssignedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return a, fmt.Errorf("assignment %s/%s: %w", experimentID, subjectID, experiment.ErrNotFound)
	}
	if err != nil {
		return a, transient("get assignment", err)
	}
	a.Group = experiment.Group(group)
	a.AssignedAt = a.AssignedAt.UTC()
	return a, nil
}

// AppendResult appends an analysis result.
func (s *Storage) AppendResult(ctx context.Context, r experiment.AnalysisResult) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO analysis_results (id, experiment_id, analyzed_at, payload)
		VALUES ($1, $2, $3, $4)`,
		r.ID, r.ExperimentID, r.AnalyzedAt, payload)
	if err != nil {
		return transient("append result", err)
	}
	return nil
}

// ListResults returns results newest first.
func (s *Storage) ListResults(ctx context.Context, q storage.ResultQuery) ([]experiment.AnalysisResult, error) {
	query := `SELECT payload FROM analysis_results WHERE ($1 = '' OR experiment_id = $1)
		ORDER BY analyzed_at DESC, id DESC`
	args := []any{q.ExperimentID}
	if q.Limit > 0 {
		query += ` LIMIT $2`
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, transient("list results", err)
	}
	defer rows.Close()

	out := make([]experiment.AnalysisResult, 0)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, transient("scan result", err)
		}
		var r experiment.AnalysisResult
		if err := json.Unmarshal(payload, &r); err != nil {
			return nil, fmt.Errorf("failed to decode result: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, transient("list results", err)
	}
	return out, nil
}

// AppendRecommendations appends rows in one transaction.
func (s *Storage) AppendRecommendations(ctx context.Context, recs []experiment.Recommendation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return transient("begin recommendations", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO recommendations (id, campaign_id, parameter, created_at, payload)
		VALUES ($1, $2, $3, $4, $5)`)
	if err != nil {
		return transient("prepare recommendations", err)
	}
	defer stmt.Close()

	for _, r := range recs {
		payload, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to encode recommendation: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, r.ID, r.CampaignID, string(r.Parameter), r.CreatedAt, payload); err != nil {
			return transient("insert recommendation", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return transient("commit recommendations", err)
	}
	return nil
}

// LatestRecommendations returns the newest row per parameter.
func (s *Storage) LatestRecommendations(ctx context.Context, campaignID string) ([]experiment.Recommendation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT ON (parameter) payload FROM recommendations
		WHERE campaign_id = $1
		ORDER BY parameter, created_at DESC, seq DESC`, campaignID)
	if err != nil {
		return nil, transient("latest recommendations", err)
	}
	defer rows.Close()

	out := make([]experiment.Recommendation, 0)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, transient("scan recommendation", err)
		}
		var r experiment.Recommendation
		if err := json.Unmarshal(payload, &r); err != nil {
			return nil, fmt.Errorf("failed to decode recommendation: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, transient("latest recommendations", err)
	}
	return out, nil
}

// UpsertDailyMetrics writes the rollup row for (campaign, day).
func (s *Storage) UpsertDailyMetrics(ctx context.Context, d experiment.DailyMetrics) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO daily_metrics (campaign_id, day, subjects, impressions, conversions, revenue, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (campaign_id, day) DO UPDATE SET
			subjects = EXCLUDED.subjects,
			impressions = EXCLUDED.impressions,
			conversions = EXCLUDED.conversions,
			revenue = EXCLUDED.revenue,
			updated_at = EXCLUDED.updated_at`,
		d.CampaignID, storage.DayStart(d.Day), d.Subjects, d.Impressions, d.Conversions, d.Revenue, d.UpdatedAt)
	if err != nil {
		return transient("upsert daily metrics", err)
	}
	return nil
}

// ListDailyMetrics returns rollup rows for a campaign, oldest first.
func (s *Storage) ListDailyMetrics(ctx context.Context, campaignID string, from, to time.Time) ([]experiment.DailyMetrics, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT day, subjects, impressions, conversions, revenue, updated_at FROM daily_metrics
		WHERE campaign_id = $1 AND day BETWEEN $2 AND $3
		ORDER BY day`, campaignID, from, to)
	if err != nil {
		return nil, transient("list daily metrics", err)
	}
	defer rows.Close()

	out := make([]experiment.DailyMetrics, 0)
	for rows.Next() {
		d := experiment.DailyMetrics{CampaignID: campaignID}
		if err := rows.Scan(&d.Day, &d.Subjects, &d.Impressions, &d.Conversions, &d.Revenue, &d.UpdatedAt); err != nil {
			return nil, transient("scan daily metrics", err)
		}
		d.Day = storage.DayStart(d.Day)
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, transient("list daily metrics", err)
	}
	return out, nil
}

// PutModel stores a serialized model.
func (s *Storage) PutModel(ctx context.Context, m storage.Model) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO models (name, version, trained_at, data) VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO UPDATE SET version = EXCLUDED.version, trained_at = EXCLUDED.trained_at, data = EXCLUDED.data`,
		m.Name, m.Version, m.TrainedAt, m.Data)
	if err != nil {
		return transient("put model", err)
	}
	return nil
}

// GetModel loads a serialized model.
func (s *Storage) GetModel(ctx context.Context, name string) (storage.Model, error) {
	m := storage.Model{Name: name}
	err := s.db.QueryRowContext(ctx, `SELECT version, trained_at, data FROM models WHERE name = $1`, name).
		Scan(&m.Version, &m.TrainedAt, &m.Data)
	if errors.Is(err, sql.ErrNoRows) {
		return m, fmt.Errorf("model %s: %w", name, experiment.ErrNotFound)
	}
	if err != nil {
		return m, transient("get model", err)
	}
	return m, nil
}

// Stats returns row counts and database size.
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	stats := &storage.Stats{}
	var size int64
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM experiments),
			(SELECT COUNT(*) FROM assignments),
			(SELECT COUNT(*) FROM analysis_results),
			(SELECT COUNT(*) FROM recommendations),
			(SELECT COUNT(*) FROM daily_metrics),
			pg_database_size(current_database())`).
		Scan(&stats.Experiments, &stats.Assignments, &stats.Results, &stats.Recommendations, &stats.DailyRows, &size)
	if err != nil {
		return nil, transient("stats", err)
	}
	stats.SizeBytes = uint64(size)
	return stats, nil
}

// Close closes the pool.
func (s *Storage) Close() error {
	return s.db.Close()
}

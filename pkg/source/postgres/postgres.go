// Package postgres reads events and campaigns from the rewards platform's
// PostgreSQL schema:
//
//	campaigns(id, merchant_id, campaign_type, offer_amount, status, created_at)
//	campaign_views(id, campaign_id, user_id, created_at)
//	campaign_conversions(id, view_id, user_id, conversion_amount, created_at)
//	user_segments(user_id, segment_name)
//	merchants(id, name, category_id, rating)
//
// Every query failure is wrapped with experiment.ErrTransientIO.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/nicktill/tinyexp/pkg/experiment"
	"github.com/nicktill/tinyexp/pkg/source"
)

// Source implements source.EventStore and source.Catalog.
type Source struct {
	db *sql.DB
}

// New wraps an open pool.
func New(db *sql.DB) *Source {
	return &Source{db: db}
}

func transient(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, experiment.ErrTransientIO, err)
}

// GroupCounts totals events for a campaign in [start, end).
func (s *Source) GroupCounts(ctx context.Context, campaignID string, start, end time.Time) (source.Counts, error) {
	var c source.Counts
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(DISTINCT cv.user_id),
			COUNT(DISTINCT cv.id),
			COUNT(DISTINCT cc.id),
			COALESCE(SUM(cc.conversion_amount), 0)
		FROM campaign_views cv
		LEFT JOIN campaign_conversions cc ON cc.view_id = cv.id
			AND cc.created_at >= $2 AND cc.created_at < $3
		WHERE cv.campaign_id = $1 AND cv.created_at >= $2 AND cv.created_at < $3`,
		campaignID, start, end).Scan(&c.Subjects, &c.Impressions, &c.Conversions, &c.Revenue)
	if err != nil {
		return c, transient("group counts", err)
	}
	return c, nil
}

// HourlyConversions buckets a subject's activity by hour of day.
func (s *Source) HourlyConversions(ctx context.Context, subjectID string, campaignType experiment.CampaignType) ([]source.HourStat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			EXTRACT(HOUR FROM cc.created_at)::int AS hour_of_day,
			COUNT(DISTINCT cc.view_id),
			COUNT(cc.id)
		FROM campaign_conversions cc
		JOIN campaign_views cv ON cc.view_id = cv.id
		JOIN campaigns c ON cv.campaign_id = c.id
		WHERE cv.user_id = $1 AND ($2 = '' OR c.campaign_type = $2)
		GROUP BY hour_of_day
		ORDER BY hour_of_day`, subjectID, string(campaignType))
	if err != nil {
		return nil, transient("hourly conversions", err)
	}
	defer rows.Close()

	out := make([]source.HourStat, 0)
	for rows.Next() {
		var h source.HourStat
		if err := rows.Scan(&h.Hour, &h.Views, &h.Conversions); err != nil {
			return nil, transient("scan hourly conversions", err)
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, transient("hourly conversions", err)
	}
	return out, nil
}

// SegmentCounts totals segment activity on campaigns of one type.
func (s *Source) SegmentCounts(ctx context.Context, campaignType experiment.CampaignType) ([]source.SegmentStat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT us.segment_name, COUNT(DISTINCT cv.id), COUNT(DISTINCT cc.id)
		FROM user_segments us
		JOIN campaign_views cv ON us.user_id = cv.user_id
		JOIN campaigns c ON cv.campaign_id = c.id
		LEFT JOIN campaign_conversions cc ON cv.id = cc.view_id
		WHERE c.campaign_type = $1 AND us.segment_name IS NOT NULL
		GROUP BY us.segment_name
		ORDER BY us.segment_name`, string(campaignType))
	if err != nil {
		return nil, transient("segment counts", err)
	}
	defer rows.Close()

	out := make([]source.SegmentStat, 0)
	for rows.Next() {
		var st source.SegmentStat
		if err := rows.Scan(&st.Segment, &st.Views, &st.Conversions); err != nil {
			return nil, transient("scan segment counts", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, transient("segment counts", err)
	}
	return out, nil
}

// TrainingRows returns per-campaign observations created since the given time.
func (s *Source) TrainingRows(ctx context.Context, since time.Time) ([]source.TrainingRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.campaign_type, COALESCE(c.offer_amount, 0), c.created_at,
			COUNT(DISTINCT cv.id), COUNT(DISTINCT cc.id)
		FROM campaigns c
		LEFT JOIN campaign_views cv ON c.id = cv.campaign_id
		LEFT JOIN campaign_conversions cc ON cv.id = cc.view_id
		WHERE c.created_at >= $1
		GROUP BY c.id, c.campaign_type, c.offer_amount, c.created_at
		HAVING COUNT(DISTINCT cv.id) > 0
		ORDER BY c.id`, since)
	if err != nil {
		return nil, transient("training rows", err)
	}
	defer rows.Close()

	out := make([]source.TrainingRow, 0)
	for rows.Next() {
		var r source.TrainingRow
		var ct string
		if err := rows.Scan(&r.CampaignID, &ct, &r.OfferAmount, &r.CreatedAt, &r.Impressions, &r.Conversions); err != nil {
			return nil, transient("scan training rows", err)
		}
		r.CampaignType = experiment.CampaignType(ct)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, transient("training rows", err)
	}
	return out, nil
}

const campaignColumns = `id, merchant_id, campaign_type, COALESCE(offer_amount, 0), status = 'active', created_at`

func scanCampaign(scan func(dest ...any) error) (experiment.Campaign, error) {
	var c experiment.Campaign
	var ct string
	err := scan(&c.ID, &c.MerchantID, &ct, &c.OfferAmount, &c.Active, &c.CreatedAt)
	c.Type = experiment.CampaignType(ct)
	return c, err
}

// Campaign loads a campaign.
func (s *Source) Campaign(ctx context.Context, id string) (experiment.Campaign, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id)
	c, err := scanCampaign(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return c, fmt.Errorf("campaign %s: %w", id, experiment.ErrNotFound)
	}
	if err != nil {
		return c, transient("get campaign", err)
	}
	return c, nil
}

// ActiveCampaigns lists active campaigns ordered by id.
func (s *Source) ActiveCampaigns(ctx context.Context) ([]experiment.Campaign, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE status = 'active' ORDER BY id`)
	if err != nil {
		return nil, transient("active campaigns", err)
	}
	defer rows.Close()

	out := make([]experiment.Campaign, 0)
	for rows.Next() {
		c, err := scanCampaign(rows.Scan)
		if err != nil {
			return nil, transient("scan campaign", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, transient("active campaigns", err)
	}
	return out, nil
}

// VisitedMerchants lists merchants behind campaigns the subject converted on.
func (s *Source) VisitedMerchants(ctx context.Context, subjectID string) ([]experiment.Merchant, error) {
	return s.queryMerchants(ctx, "visited merchants", `
		SELECT DISTINCT m.id, m.name, m.category_id, COALESCE(m.rating, 0), 0
		FROM campaign_conversions cc
		JOIN campaign_views cv ON cc.view_id = cv.id
		JOIN campaigns c ON cv.campaign_id = c.id
		JOIN merchants m ON c.merchant_id = m.id
		WHERE cc.user_id = $1
		ORDER BY m.id`, subjectID)
}

// TopMerchants ranks merchants by rating + 0.01 per visit.
func (s *Source) TopMerchants(ctx context.Context, categories, exclude []string, limit int) ([]experiment.Merchant, error) {
	if limit <= 0 {
		limit = 10
	}
	// nil slices encode as NULL, which would filter out every row.
	if categories == nil {
		categories = []string{}
	}
	if exclude == nil {
		exclude = []string{}
	}
	return s.queryMerchants(ctx, "top merchants", `
		SELECT m.id, m.name, m.category_id, COALESCE(m.rating, 0), COUNT(DISTINCT cc.id) AS visits
		FROM merchants m
		LEFT JOIN campaigns c ON c.merchant_id = m.id
		LEFT JOIN campaign_views cv ON cv.campaign_id = c.id
		LEFT JOIN campaign_conversions cc ON cc.view_id = cv.id
		WHERE (cardinality($1::text[]) = 0 OR m.category_id = ANY($1))
			AND NOT (m.id = ANY($2))
		GROUP BY m.id, m.name, m.category_id, m.rating
		ORDER BY COALESCE(m.rating, 0) + COUNT(DISTINCT cc.id) * 0.01 DESC, m.id
		LIMIT $3`, pq.Array(categories), pq.Array(exclude), limit)
}

func (s *Source) queryMerchants(ctx context.Context, op, query string, args ...any) ([]experiment.Merchant, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, transient(op, err)
	}
	defer rows.Close()

	out := make([]experiment.Merchant, 0)
	for rows.Next() {
		var m experiment.Merchant
		if err := rows.Scan(&m.ID, &m.Name, &m.CategoryID, &m.Rating, &m.Visits); err != nil {
			return nil, transient("scan "+op, err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, transient(op, err)
	}
	return out, nil
}

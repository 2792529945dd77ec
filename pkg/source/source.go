// Package source declares the read-only collaborators the engine consumes:
// the event store holding impressions and conversions, and the campaign
// catalog. Neither is owned by this service; implementations adapt whatever
// system holds the data.
package source

import (
	"context"
	"time"

	"github.com/nicktill/tinyexp/pkg/experiment"
)

// Counts are raw event totals for one campaign over a window.
type Counts struct {
	Subjects    int64
	Impressions int64
	Conversions int64
	Revenue     float64
}

// HourStat is a subject's conversion activity in one hour of the day.
type HourStat struct {
	Hour        int
	Views       int64
	Conversions int64
}

// SegmentStat is the activity of one audience segment.
type SegmentStat struct {
	Segment     string
	Views       int64
	Conversions int64
}

// TrainingRow is one historical campaign observation for the offer model.
type TrainingRow struct {
	CampaignID   string
	CampaignType experiment.CampaignType
	OfferAmount  float64
	CreatedAt    time.Time
	Impressions  int64
	Conversions  int64
}

// ConversionRate is the regression target, 0 with no impressions.
func (r TrainingRow) ConversionRate() float64 {
	if r.Impressions == 0 {
		return 0
	}
	return float64(r.Conversions) / float64(r.Impressions)
}

// EventStore reads impression and conversion events.
type EventStore interface {
	// GroupCounts totals events for a campaign with timestamps in [start, end).
	GroupCounts(ctx context.Context, campaignID string, start, end time.Time) (Counts, error)

	// HourlyConversions buckets a subject's conversions by hour of day,
	// optionally restricted to one campaign type (empty = all).
	HourlyConversions(ctx context.Context, subjectID string, campaignType experiment.CampaignType) ([]HourStat, error)

	// SegmentCounts totals views and conversions per audience segment for a
	// campaign type.
	SegmentCounts(ctx context.Context, campaignType experiment.CampaignType) ([]SegmentStat, error)

	// TrainingRows returns per-campaign observations created since the
	// given time. Campaigns without impressions are omitted.
	TrainingRows(ctx context.Context, since time.Time) ([]TrainingRow, error)
}

// Catalog reads campaigns and merchants.
type Catalog interface {
	// Campaign loads a campaign; missing ids wrap experiment.ErrNotFound.
	Campaign(ctx context.Context, id string) (experiment.Campaign, error)

	// ActiveCampaigns lists campaigns currently running.
	ActiveCampaigns(ctx context.Context) ([]experiment.Campaign, error)

	// VisitedMerchants lists merchants the subject has converted with.
	VisitedMerchants(ctx context.Context, subjectID string) ([]experiment.Merchant, error)

	// TopMerchants ranks merchants by rating plus visit volume. When
	// categories is non-empty only those categories are considered; ids in
	// exclude are skipped.
	TopMerchants(ctx context.Context, categories, exclude []string, limit int) ([]experiment.Merchant, error)
}

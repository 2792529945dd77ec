package experiment

import (
	"encoding/json"
	"time"
)

// GroupMetrics holds raw counts for one arm over an analysis window.
// Derived rates are methods and are never stored.
type GroupMetrics struct {
	Group       Group   `json:"group"`
	GroupID     string  `json:"group_id"`
	Subjects    int64   `json:"subjects"`
	Impressions int64   `json:"impressions"`
	Conversions int64   `json:"conversions"`
	Revenue     float64 `json:"revenue"`
}

// ConversionRate is conversions/impressions, 0 with no impressions.
func (m GroupMetrics) ConversionRate() float64 {
	if m.Impressions == 0 {
		return 0
	}
	return float64(m.Conversions) / float64(m.Impressions)
}

// RevenuePerSubject is revenue/subjects, 0 with no subjects.
func (m GroupMetrics) RevenuePerSubject() float64 {
	if m.Subjects == 0 {
		return 0
	}
	return m.Revenue / float64(m.Subjects)
}

// RevenuePerImpression is revenue/impressions, 0 with no impressions.
func (m GroupMetrics) RevenuePerImpression() float64 {
	if m.Impressions == 0 {
		return 0
	}
	return m.Revenue / float64(m.Impressions)
}

// MarshalJSON adds the derived rates next to the raw counts.
func (m GroupMetrics) MarshalJSON() ([]byte, error) {
	type raw GroupMetrics
	return json.Marshal(struct {
		raw
		ConversionRate       float64 `json:"conversion_rate"`
		RevenuePerSubject    float64 `json:"revenue_per_subject"`
		RevenuePerImpression float64 `json:"revenue_per_impression"`
	}{
		raw:                  raw(m),
		ConversionRate:       m.ConversionRate(),
		RevenuePerSubject:    m.RevenuePerSubject(),
		RevenuePerImpression: m.RevenuePerImpression(),
	})
}

// DailyMetrics is the per-campaign, per-day rollup written by the daily job.
// Re-running the rollup for the same day replaces the row.
type DailyMetrics struct {
	CampaignID  string    `json:"campaign_id"`
	Day         time.Time `json:"day"`
	Subjects    int64     `json:"subjects"`
	Impressions int64     `json:"impressions"`
	Conversions int64     `json:"conversions"`
	Revenue     float64   `json:"revenue"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ConversionRate is conversions/impressions, 0 with no impressions.
func (d DailyMetrics) ConversionRate() float64 {
	if d.Impressions == 0 {
		return 0
	}
	return float64(d.Conversions) / float64(d.Impressions)
}

// Package memory is an in-process event store and campaign catalog for
// tests, local runs and demos.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nicktill/tinyexp/pkg/experiment"
	"github.com/nicktill/tinyexp/pkg/source"
)

type view struct {
	campaignID string
	subjectID  string
	at         time.Time
}

type conversion struct {
	campaignID string
	subjectID  string
	amount     float64
	at         time.Time
}

// Store implements source.EventStore and source.Catalog.
type Store struct {
	mu          sync.RWMutex
	campaigns   map[string]experiment.Campaign
	merchants   map[string]experiment.Merchant
	segments    map[string]string
	views       []view
	conversions []conversion
}

// New creates an empty store.
func New() *Store {
	return &Store{
		campaigns: make(map[string]experiment.Campaign),
		merchants: make(map[string]experiment.Merchant),
		segments:  make(map[string]string),
	}
}

// PutCampaign adds or replaces a campaign.
func (s *Store) PutCampaign(c experiment.Campaign) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.campaigns[c.ID] = c
}

// PutMerchant adds or replaces a merchant.
func (s *Store) PutMerchant(m experiment.Merchant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.merchants[m.ID] = m
}

// SetSegment places a subject in an audience segment.
func (s *Store) SetSegment(subjectID, segment string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.segments[subjectID] = segment
}

// RecordView records an impression of a campaign.
func (s *Store) RecordView(campaignID, subjectID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.views = append(s.views, view{campaignID, subjectID, at})
}

// RecordConversion records a conversion on a campaign.
func (s *Store) RecordConversion(campaignID, subjectID string, amount float64, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversions = append(s.conversions, conversion{campaignID, subjectID, amount, at})
}

func inWindow(t, start, end time.Time) bool {
	return !t.Before(start) && t.Before(end)
}

// GroupCounts totals events for a campaign in [start, end).
func (s *Store) GroupCounts(ctx context.Context, campaignID string, start, end time.Time) (source.Counts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var c source.Counts
	subjects := make(map[string]struct{})
	for _, v := range s.views {
		if v.campaignID != campaignID || !inWindow(v.at, start, end) {
			continue
		}
		c.Impressions++
		subjects[v.subjectID] = struct{}{}
	}
	for _, cv := range s.conversions {
		if cv.campaignID != campaignID || !inWindow(cv.at, start, end) {
			continue
		}
		c.Conversions++
		c.Revenue += cv.amount
	}
	c.Subjects = int64(len(subjects))
	return c, nil
}

func (s *Store) matchesType(campaignID string, t experiment.CampaignType) bool {
	if t == "" {
		return true
	}
	c, ok := s.campaigns[campaignID]
	return ok && c.Type == t
}

// HourlyConversions buckets a subject's activity by hour of day (UTC).
func (s *Store) HourlyConversions(ctx context.Context, subjectID string, campaignType experiment.CampaignType) ([]source.HourStat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var hours [24]source.HourStat
	for _, v := range s.views {
		if v.subjectID == subjectID && s.matchesType(v.campaignID, campaignType) {
			hours[v.at.UTC().Hour()].Views++
		}
	}
	for _, cv := range s.conversions {
		if cv.subjectID == subjectID && s.matchesType(cv.campaignID, campaignType) {
			hours[cv.at.UTC().Hour()].Conversions++
		}
	}

	out := make([]source.HourStat, 0)
	for h, st := range hours {
		if st.Views == 0 && st.Conversions == 0 {
			continue
		}
		st.Hour = h
		out = append(out, st)
	}
	return out, nil
}

// SegmentCounts totals segment activity on campaigns of one type.
func (s *Store) SegmentCounts(ctx context.Context, campaignType experiment.CampaignType) ([]source.SegmentStat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bySegment := make(map[string]*source.SegmentStat)
	stat := func(subjectID string) *source.SegmentStat {
		seg, ok := s.segments[subjectID]
		if !ok {
			return nil
		}
		st, ok := bySegment[seg]
		if !ok {
			st = &source.SegmentStat{Segment: seg}
			bySegment[seg] = st
		}
		return st
	}

	for _, v := range s.views {
		if !s.matchesType(v.campaignID, campaignType) {
			continue
		}
		if st := stat(v.subjectID); st != nil {
			st.Views++
		}
	}
	for _, cv := range s.conversions {
		if !s.matchesType(cv.campaignID, campaignType) {
			continue
		}
		if st := stat(cv.subjectID); st != nil {
			st.Conversions++
		}
	}

	out := make([]source.SegmentStat, 0, len(bySegment))
	for _, st := range bySegment {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Segment < out[j].Segment })
	return out, nil
}

// TrainingRows returns one row per campaign created since the given time.
func (s *Store) TrainingRows(ctx context.Context, since time.Time) ([]source.TrainingRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	impressions := make(map[string]int64)
	conversions := make(map[string]int64)
	for _, v := range s.views {
		impressions[v.campaignID]++
	}
	for _, cv := range s.conversions {
		conversions[cv.campaignID]++
	}

	out := make([]source.TrainingRow, 0)
	for _, c := range s.campaigns {
		if c.CreatedAt.Before(since) || impressions[c.ID] == 0 {
			continue
		}
		out = append(out, source.TrainingRow{
			CampaignID:   c.ID,
			CampaignType: c.Type,
			OfferAmount:  c.OfferAmount,
			CreatedAt:    c.CreatedAt,
			Impressions:  impressions[c.ID],
			Conversions:  conversions[c.ID],
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CampaignID < out[j].CampaignID })
	return out, nil
}

// Campaign loads a campaign.
func (s *Store) Campaign(ctx context.Context, id string) (experiment.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.campaigns[id]
	if !ok {
		return c, fmt.Errorf("campaign %s: %w", id, experiment.ErrNotFound)
	}
	return c, nil
}

// ActiveCampaigns lists active campaigns ordered by id.
func (s *Store) ActiveCampaigns(ctx context.Context) ([]experiment.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]experiment.Campaign, 0)
	for _, c := range s.campaigns {
		if c.Active {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// VisitedMerchants lists merchants behind campaigns the subject converted on.
func (s *Store) VisitedMerchants(ctx context.Context, subjectID string) ([]experiment.Merchant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	out := make([]experiment.Merchant, 0)
	for _, cv := range s.conversions {
		if cv.subjectID != subjectID {
			continue
		}
		c, ok := s.campaigns[cv.campaignID]
		if !ok || seen[c.MerchantID] {
			continue
		}
		if m, ok := s.merchants[c.MerchantID]; ok {
			seen[c.MerchantID] = true
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// TopMerchants ranks merchants by rating + 0.01 per visit.
func (s *Store) TopMerchants(ctx context.Context, categories, exclude []string, limit int) ([]experiment.Merchant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	visits := make(map[string]int64)
	for _, cv := range s.conversions {
		if c, ok := s.campaigns[cv.campaignID]; ok {
			visits[c.MerchantID]++
		}
	}

	wantCategory := toSet(categories)
	skip := toSet(exclude)

	out := make([]experiment.Merchant, 0)
	for _, m := range s.merchants {
		if skip[m.ID] || (len(wantCategory) > 0 && !wantCategory[m.CategoryID]) {
			continue
		}
		m.Visits = visits[m.ID]
		out = append(out, m)
	}

	sort.Slice(out, func(i, j int) bool {
		si := out[i].Rating + float64(out[i].Visits)*0.01
		sj := out[j].Rating + float64(out[j].Visits)*0.01
		if si != sj {
			return si > sj
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func toSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

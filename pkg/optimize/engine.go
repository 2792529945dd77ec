// Package optimize turns campaign history into parameter recommendations:
// the offer amount that maximizes expected value, the best hour to reach a
// subject, segment rankings and merchant affinity.
//
// Confidence scores produced here are coverage heuristics, not statistical
// confidence levels.
package optimize

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nicktill/tinyexp/pkg/config"
	"github.com/nicktill/tinyexp/pkg/experiment"
	"github.com/nicktill/tinyexp/pkg/source"
	"github.com/nicktill/tinyexp/pkg/stats"
	"github.com/nicktill/tinyexp/pkg/storage"
	"github.com/nicktill/tinyexp/pkg/telemetry"
)

// Heuristic constants.
const (
	DefaultSendHour      = 8
	DefaultSendRate      = 0.10
	SegmentRateReference = 0.20

	// AssumedImpressions is the traffic volume fed to the model when
	// scoring candidate offers.
	AssumedImpressions = 100

	DefaultAffinityLimit = 10
	MaxAffinityLimit     = 100
	affinityCategories   = 5
)

// CampaignMetrics aggregates a campaign's events over a window.
type CampaignMetrics interface {
	Aggregate(ctx context.Context, groupID string, group experiment.Group, start, end time.Time) (experiment.GroupMetrics, error)
}

// Config tunes the engine.
type Config struct {
	CandidateOffers  []float64
	CampaignLookback time.Duration
	TrainingWindow   time.Duration
}

// Engine produces recommendations.
type Engine struct {
	events  source.EventStore
	catalog source.Catalog
	metrics CampaignMetrics
	store   storage.Storage
	models  *ModelStore
	cfg     Config
	telem   *telemetry.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics records recommendation counters.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(e *Engine) { e.telem = m }
}

// New creates an engine. Zero config fields take the package defaults.
func New(events source.EventStore, catalog source.Catalog, metrics CampaignMetrics, store storage.Storage, models *ModelStore, cfg Config, opts ...Option) *Engine {
	if len(cfg.CandidateOffers) == 0 {
		cfg.CandidateOffers = config.DefaultCandidateOffers
	}
	offers := append([]float64(nil), cfg.CandidateOffers...)
	sort.Float64s(offers)
	cfg.CandidateOffers = offers
	if cfg.CampaignLookback <= 0 {
		cfg.CampaignLookback = config.CampaignLookback
	}
	if cfg.TrainingWindow <= 0 {
		cfg.TrainingWindow = config.TrainingWindow
	}

	e := &Engine{
		events:  events,
		catalog: catalog,
		metrics: metrics,
		store:   store,
		models:  models,
		cfg:     cfg,
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Models exposes the model store.
func (e *Engine) Models() *ModelStore {
	return e.models
}

// OfferRequest describes the campaign an offer is optimized for.
type OfferRequest struct {
	CampaignType experiment.CampaignType
	MerchantID   string
	CurrentOffer float64
	CurrentRate  float64
}

// OfferCandidate is one scored grid point.
type OfferCandidate struct {
	Offer         float64 `json:"offer"`
	PredictedRate float64 `json:"predicted_conversion_rate"`
	Score         float64 `json:"expected_value"`
}

// OfferRecommendation is the best offer on the grid.
type OfferRecommendation struct {
	Offer         float64                     `json:"offer_amount"`
	OfferType     string                      `json:"offer_type"`
	Frequency     string                      `json:"optimal_frequency"`
	PredictedRate float64                     `json:"predicted_conversion_rate"`
	Confidence    float64                     `json:"confidence"`
	Source        experiment.PredictionSource `json:"source"`
	Candidates    []OfferCandidate            `json:"candidates"`
}

// HeuristicRate estimates the conversion rate at newOffer from the rate
// observed at currentOffer. Raising the offer by d lifts the rate by
// 1.5% per unit with a quadratic falloff; lowering it changes nothing.
func HeuristicRate(newOffer, currentOffer, currentRate float64) float64 {
	if newOffer <= currentOffer {
		return currentRate
	}
	d := newOffer - currentOffer
	elasticity := 0.015*d - 0.0005*d*d
	return math.Min(MaxPredictedRate, currentRate*(1+elasticity))
}

// RecommendOffer scores every candidate offer by predicted rate times offer
// and returns the best, preferring the lower offer on ties. The trained
// surface is used when present.
func (e *Engine) RecommendOffer(ctx context.Context, req OfferRequest) (OfferRecommendation, error) {
	if err := ctx.Err(); err != nil {
		return OfferRecommendation{}, err
	}

	surface := e.models.Current()
	src := experiment.SourceHeuristic
	if surface != nil {
		src = experiment.SourceModel
	}

	now := e.now().UTC()
	candidates := make([]OfferCandidate, 0, len(e.cfg.CandidateOffers))
	for _, offer := range e.cfg.CandidateOffers {
		var rate float64
		if surface != nil {
			rate = surface.Predict(Features{
				OfferAmount:  offer,
				DayOfWeek:    float64(now.Weekday()),
				Month:        float64(now.Month()),
				CampaignType: req.CampaignType.Code(),
				Impressions:  AssumedImpressions,
				Conversions:  req.CurrentRate * AssumedImpressions,
			})
		} else {
			rate = HeuristicRate(offer, req.CurrentOffer, req.CurrentRate)
		}
		candidates = append(candidates, OfferCandidate{Offer: offer, PredictedRate: rate, Score: rate * offer})
	}

	out := OfferRecommendation{
		Offer:         req.CurrentOffer,
		OfferType:     "discount",
		Frequency:     "weekly",
		PredictedRate: stats.Round(req.CurrentRate, stats.RatePlaces),
		Confidence:    confidence(len(candidates)),
		Source:        src,
		Candidates:    candidates,
	}

	best := -1
	for i, c := range candidates {
		if best < 0 || c.Score > candidates[best].Score {
			best = i
		}
	}
	if best >= 0 {
		out.Offer = candidates[best].Offer
		out.PredictedRate = stats.Round(candidates[best].PredictedRate, stats.RatePlaces)
	}
	for i := range out.Candidates {
		out.Candidates[i].PredictedRate = stats.Round(out.Candidates[i].PredictedRate, stats.RatePlaces)
		out.Candidates[i].Score = stats.Round(out.Candidates[i].Score, stats.RatePlaces)
	}
	return out, nil
}

func confidence(evaluated int) float64 {
	return stats.Round(math.Min(0.95, 0.70+0.05*float64(evaluated)), 3)
}

// SendTime is the best hour to reach a subject.
type SendTime struct {
	SubjectID    string  `json:"subject_id"`
	Hour         int     `json:"optimal_hour"`
	Window       string  `json:"optimal_window"`
	ExpectedRate float64 `json:"expected_conversion_rate"`
	Confidence   float64 `json:"confidence"`
	Default      bool    `json:"default"`
}

// RecommendSendTime picks the hour in which the subject converted most,
// the earliest on ties. Without conversions it falls back to 8 AM.
func (e *Engine) RecommendSendTime(ctx context.Context, subjectID string, campaignType experiment.CampaignType) (SendTime, error) {
	if subjectID == "" {
		return SendTime{}, fmt.Errorf("subject id is required: %w", experiment.ErrInvalidConfiguration)
	}

	hours, err := e.events.HourlyConversions(ctx, subjectID, campaignType)
	if err != nil {
		return SendTime{}, experiment.Transient("hourly conversions", err)
	}

	var best *source.HourStat
	for i := range hours {
		h := &hours[i]
		if h.Conversions <= 0 || h.Hour < 0 || h.Hour > 23 {
			continue
		}
		if best == nil || h.Conversions > best.Conversions || (h.Conversions == best.Conversions && h.Hour < best.Hour) {
			best = h
		}
	}

	out := SendTime{SubjectID: subjectID, Hour: DefaultSendHour, Default: true}
	rate := DefaultSendRate
	if best != nil {
		out.Hour = best.Hour
		out.Default = false
		if best.Views > 0 {
			rate = math.Min(1, float64(best.Conversions)/float64(best.Views))
		}
	}
	out.Window = HourWindow(out.Hour)
	out.ExpectedRate = stats.Round(rate, stats.RatePlaces)
	out.Confidence = stats.Round(math.Min(0.95, 0.6+10*rate), 3)
	return out, nil
}

// HourWindow labels an hour of day, e.g. "8:00 AM - 9:00 AM".
func HourWindow(hour int) string {
	return clock(hour) + " - " + clock((hour+1)%24)
}

func clock(hour int) string {
	suffix := "AM"
	if hour >= 12 {
		suffix = "PM"
	}
	h := hour % 12
	if h == 0 {
		h = 12
	}
	return fmt.Sprintf("%d:00 %s", h, suffix)
}

// SegmentRank is a segment's performance for a campaign type.
type SegmentRank struct {
	Segment        string  `json:"segment"`
	Views          int64   `json:"views"`
	Conversions    int64   `json:"conversions"`
	ConversionRate float64 `json:"conversion_rate"`
	Strength       float64 `json:"recommendation_strength"`
}

// RankSegments orders segments by conversion rate, best first. Strength is
// the rate relative to a 20% reference, capped at 1.
func (e *Engine) RankSegments(ctx context.Context, campaignType experiment.CampaignType) ([]SegmentRank, error) {
	segments, err := e.events.SegmentCounts(ctx, campaignType)
	if err != nil {
		return nil, experiment.Transient("segment counts", err)
	}

	out := make([]SegmentRank, 0, len(segments))
	for _, s := range segments {
		rate := stats.Rate(float64(s.Conversions), float64(s.Views))
		out = append(out, SegmentRank{
			Segment:        s.Segment,
			Views:          s.Views,
			Conversions:    s.Conversions,
			ConversionRate: stats.Round(rate, stats.RatePlaces),
			Strength:       stats.Round(math.Min(1, rate/SegmentRateReference), stats.RatePlaces),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ConversionRate != out[j].ConversionRate {
			return out[i].ConversionRate > out[j].ConversionRate
		}
		return out[i].Segment < out[j].Segment
	})
	return out, nil
}

// Affinity is a merchant suggested to a subject.
type Affinity struct {
	MerchantID string  `json:"merchant_id"`
	Name       string  `json:"merchant_name"`
	CategoryID string  `json:"category_id"`
	Rating     float64 `json:"rating"`
	Score      float64 `json:"affinity_score"`
	Reason     string  `json:"recommendation_reason"`
}

// MerchantAffinity suggests merchants the subject has not visited in the
// categories they already use, or the top-rated merchants when they have
// no history.
func (e *Engine) MerchantAffinity(ctx context.Context, subjectID string, limit int) ([]Affinity, error) {
	if subjectID == "" {
		return nil, fmt.Errorf("subject id is required: %w", experiment.ErrInvalidConfiguration)
	}
	if limit == 0 {
		limit = DefaultAffinityLimit
	}
	if limit < 1 || limit > MaxAffinityLimit {
		return nil, fmt.Errorf("limit must be between 1 and %d, got %d: %w", MaxAffinityLimit, limit, experiment.ErrInvalidConfiguration)
	}

	visited, err := e.catalog.VisitedMerchants(ctx, subjectID)
	if err != nil {
		return nil, experiment.Transient("visited merchants", err)
	}

	var categories, exclude []string
	seen := make(map[string]bool)
	for i, m := range visited {
		exclude = append(exclude, m.ID)
		if i < affinityCategories && !seen[m.CategoryID] {
			seen[m.CategoryID] = true
			categories = append(categories, m.CategoryID)
		}
	}
	personal := len(visited) > 0

	merchants, err := e.catalog.TopMerchants(ctx, categories, exclude, limit)
	if err != nil {
		return nil, experiment.Transient("top merchants", err)
	}

	out := make([]Affinity, 0, len(merchants))
	for i, m := range merchants {
		reason := fmt.Sprintf("top rated (%.1f) overall", m.Rating)
		if personal {
			reason = fmt.Sprintf("highly rated (%.1f) in a preferred category", m.Rating)
		}
		out = append(out, Affinity{
			MerchantID: m.ID,
			Name:       m.Name,
			CategoryID: m.CategoryID,
			Rating:     math.Round(m.Rating*10) / 10,
			Score:      stats.Round(math.Min(1, 0.5+m.Rating/10+float64(i)*0.01), 3),
			Reason:     reason,
		})
	}
	return out, nil
}

// CampaignOffer is the offer recommendation for a stored campaign.
type CampaignOffer struct {
	CampaignID   string  `json:"campaign_id"`
	CurrentOffer float64 `json:"current_offer"`
	CurrentRate  float64 `json:"current_conversion_rate"`
	OfferRecommendation
}

// OfferForCampaign recommends an offer for a campaign from its conversion
// rate over the lookback window.
func (e *Engine) OfferForCampaign(ctx context.Context, campaignID string) (CampaignOffer, error) {
	campaign, err := e.catalog.Campaign(ctx, campaignID)
	if err != nil {
		return CampaignOffer{}, err
	}

	now := e.now().UTC()
	m, err := e.metrics.Aggregate(ctx, campaign.ID, "", now.Add(-e.cfg.CampaignLookback), now)
	if err != nil {
		return CampaignOffer{}, err
	}

	offer, err := e.RecommendOffer(ctx, OfferRequest{
		CampaignType: campaign.Type,
		MerchantID:   campaign.MerchantID,
		CurrentOffer: campaign.OfferAmount,
		CurrentRate:  m.ConversionRate(),
	})
	if err != nil {
		return CampaignOffer{}, err
	}
	return CampaignOffer{
		CampaignID:          campaign.ID,
		CurrentOffer:        campaign.OfferAmount,
		CurrentRate:         m.ConversionRate(),
		OfferRecommendation: offer,
	}, nil
}

// CampaignRecommendations computes fresh recommendations for a campaign
// from its recent metrics. Nothing is persisted.
func (e *Engine) CampaignRecommendations(ctx context.Context, campaignID string) ([]experiment.Recommendation, error) {
	co, err := e.OfferForCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	offer, currentRate := co.OfferRecommendation, co.CurrentRate

	recs := []experiment.Recommendation{}
	if offer.Offer != co.CurrentOffer {
		improvement := (offer.PredictedRate - currentRate) / math.Max(currentRate, 0.001) * 100
		recs = append(recs, experiment.Recommendation{
			ID:                  uuid.NewString(),
			CampaignID:          co.CampaignID,
			Parameter:           experiment.ParameterOfferAmount,
			CurrentValue:        co.CurrentOffer,
			RecommendedValue:    offer.Offer,
			ConfidenceScore:     offer.Confidence,
			ExpectedImprovement: math.Round(improvement*10) / 10,
			Justification: fmt.Sprintf("optimize offer from $%.2f to $%.2f for %.1f%% predicted conversion",
				co.CurrentOffer, offer.Offer, offer.PredictedRate*100),
			Source:    offer.Source,
			CreatedAt: e.now().UTC(),
		})
	}
	return recs, nil
}

// RefreshCampaign computes and persists a campaign's recommendations.
func (e *Engine) RefreshCampaign(ctx context.Context, campaignID string) ([]experiment.Recommendation, error) {
	recs, err := e.CampaignRecommendations(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return recs, nil
	}
	if err := e.store.AppendRecommendations(ctx, recs); err != nil {
		return nil, fmt.Errorf("failed to store recommendations for %s: %w", campaignID, err)
	}
	for _, r := range recs {
		e.telem.Recommendation(string(r.Source))
	}
	e.logger.Debug("recommendations stored", zap.String("campaign", campaignID), zap.Int("count", len(recs)))
	return recs, nil
}

// LatestRecommendations returns the newest persisted recommendation per
// parameter.
func (e *Engine) LatestRecommendations(ctx context.Context, campaignID string) ([]experiment.Recommendation, error) {
	recs, err := e.store.LatestRecommendations(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if recs == nil {
		recs = []experiment.Recommendation{}
	}
	return recs, nil
}

// Train fits the conversion surface on campaigns created within the
// training window.
func (e *Engine) Train(ctx context.Context) (TrainReport, error) {
	since := e.now().UTC().Add(-e.cfg.TrainingWindow)
	rows, err := e.events.TrainingRows(ctx, since)
	if err != nil {
		return TrainReport{}, experiment.Transient("training rows", err)
	}
	return e.models.Train(ctx, rows)
}

// ActiveCampaignIDs lists the campaigns the refresh job walks.
func (e *Engine) ActiveCampaignIDs(ctx context.Context) ([]string, error) {
	campaigns, err := e.catalog.ActiveCampaigns(ctx)
	if err != nil {
		return nil, experiment.Transient("active campaigns", err)
	}
	ids := make([]string, 0, len(campaigns))
	for _, c := range campaigns {
		ids = append(ids, c.ID)
	}
	return ids, nil
}

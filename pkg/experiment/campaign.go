package experiment

import (
	"fmt"
	"strings"
	"time"
)

// CampaignType enumerates the campaign kinds the optimizer knows about.
type CampaignType string

const (
	CampaignVIPOffer      CampaignType = "VIP_OFFER"
	CampaignLoyaltyReward CampaignType = "LOYALTY_REWARD"
	CampaignLocationDeal  CampaignType = "LOCATION_DEAL"
	CampaignReengagement  CampaignType = "REENGAGEMENT"
	CampaignWelcomeOffer  CampaignType = "WELCOME_OFFER"
	CampaignMilestone     CampaignType = "MILESTONE"
	CampaignChallenge     CampaignType = "CHALLENGE"
)

// Code returns the stable numeric code used as a regression feature.
// Unknown types code to 0.
func (t CampaignType) Code() float64 {
	switch t {
	case CampaignVIPOffer:
		return 1
	case CampaignLoyaltyReward:
		return 2
	case CampaignLocationDeal:
		return 3
	case CampaignReengagement:
		return 4
	case CampaignWelcomeOffer:
		return 5
	case CampaignMilestone:
		return 6
	case CampaignChallenge:
		return 7
	}
	return 0
}

// ParseCampaignType normalises s and checks it is a known type.
func ParseCampaignType(s string) (CampaignType, error) {
	t := CampaignType(strings.ToUpper(strings.TrimSpace(s)))
	if t.Code() == 0 {
		return "", fmt.Errorf("unknown campaign type %q: %w", s, ErrInvalidConfiguration)
	}
	return t, nil
}

// Campaign is the subset of a campaign record the engine reads from the
// campaign catalog. The engine never writes campaigns.
type Campaign struct {
	ID          string       `json:"id"`
	MerchantID  string       `json:"merchant_id"`
	Type        CampaignType `json:"type"`
	OfferAmount float64      `json:"offer_amount"`
	Active      bool         `json:"active"`
	CreatedAt   time.Time    `json:"created_at"`
}

// Parameter names a tunable campaign parameter.
type Parameter string

const ParameterOfferAmount Parameter = "offer_amount"

// PredictionSource says where a predicted conversion rate came from.
type PredictionSource string

const (
	SourceModel     PredictionSource = "model"
	SourceHeuristic PredictionSource = "heuristic"
)

// Recommendation is a suggested parameter change for a campaign. Later rows
// for the same campaign and parameter supersede earlier ones.
type Recommendation struct {
	ID                  string           `json:"id"`
	CampaignID          string           `json:"campaign_id"`
	Parameter           Parameter        `json:"parameter"`
	CurrentValue        float64          `json:"current_value"`
	RecommendedValue    float64          `json:"recommended_value"`
	ConfidenceScore     float64          `json:"confidence_score"`
	ExpectedImprovement float64          `json:"expected_improvement_pct"`
	Justification       string           `json:"justification"`
	Source              PredictionSource `json:"source"`
	CreatedAt           time.Time        `json:"created_at"`
}

// Merchant is the catalog view of a merchant used for affinity ranking.
type Merchant struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	CategoryID string  `json:"category_id"`
	Rating     float64 `json:"rating"`
	Visits     int64   `json:"visits"`
}

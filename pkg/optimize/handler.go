package optimize

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/nicktill/tinyexp/pkg/experiment"
	"github.com/nicktill/tinyexp/pkg/httpx"
)

// Handler serves the optimization API.
type Handler struct {
	engine *Engine
	logger *zap.Logger
}

// NewHandler creates a handler.
func NewHandler(engine *Engine, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{engine: engine, logger: logger}
}

// SegmentsResponse wraps a segment ranking.
type SegmentsResponse struct {
	CampaignType experiment.CampaignType `json:"campaign_type"`
	Segments     []SegmentRank           `json:"segments"`
}

// AffinityResponse wraps merchant suggestions.
type AffinityResponse struct {
	SubjectID       string     `json:"subject_id"`
	Recommendations []Affinity `json:"recommendations"`
}

// RecommendationsResponse wraps campaign recommendations.
type RecommendationsResponse struct {
	CampaignID      string                      `json:"campaign_id"`
	Recommendations []experiment.Recommendation `json:"recommendations"`
}

// Register mounts the routes on the /v1 subrouter.
func (h *Handler) Register(api *mux.Router) {
	api.HandleFunc("/optimize/offer/{campaign}", h.HandleOffer).Methods("GET")
	api.HandleFunc("/optimize/send-time/{subject}", h.HandleSendTime).Methods("GET")
	api.HandleFunc("/optimize/segments/{campaignType}", h.HandleSegments).Methods("GET")
	api.HandleFunc("/optimize/affinity/{subject}", h.HandleAffinity).Methods("GET")
	api.HandleFunc("/optimize/recommendations/{campaign}", h.HandleRecommendations).Methods("GET")
	api.HandleFunc("/optimize/train", h.HandleTrain).Methods("POST")
}

// HandleOffer handles GET /v1/optimize/offer/{campaign}.
func (h *Handler) HandleOffer(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := httpx.RequestContext(r)
	defer cancel()

	offer, err := h.engine.OfferForCampaign(ctx, mux.Vars(r)["campaign"])
	if err != nil {
		httpx.RespondServiceError(w, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, offer)
}

// HandleSendTime handles GET /v1/optimize/send-time/{subject}?campaign_type=.
func (h *Handler) HandleSendTime(w http.ResponseWriter, r *http.Request) {
	var campaignType experiment.CampaignType
	if raw := r.URL.Query().Get("campaign_type"); raw != "" {
		parsed, err := experiment.ParseCampaignType(raw)
		if err != nil {
			httpx.RespondError(w, http.StatusBadRequest, err)
			return
		}
		campaignType = parsed
	}

	ctx, cancel := httpx.RequestContext(r)
	defer cancel()

	st, err := h.engine.RecommendSendTime(ctx, mux.Vars(r)["subject"], campaignType)
	if err != nil {
		httpx.RespondServiceError(w, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, st)
}

// HandleSegments handles GET /v1/optimize/segments/{campaignType}.
func (h *Handler) HandleSegments(w http.ResponseWriter, r *http.Request) {
	campaignType, err := experiment.ParseCampaignType(mux.Vars(r)["campaignType"])
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := httpx.RequestContext(r)
	defer cancel()

	ranks, err := h.engine.RankSegments(ctx, campaignType)
	if err != nil {
		httpx.RespondServiceError(w, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, SegmentsResponse{CampaignType: campaignType, Segments: ranks})
}

// HandleAffinity handles GET /v1/optimize/affinity/{subject}?limit=N.
func (h *Handler) HandleAffinity(w http.ResponseWriter, r *http.Request) {
	limit := DefaultAffinityLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > MaxAffinityLimit {
			httpx.RespondErrorString(w, http.StatusBadRequest,
				fmt.Sprintf("limit must be between 1 and %d", MaxAffinityLimit))
			return
		}
		limit = parsed
	}

	ctx, cancel := httpx.RequestContext(r)
	defer cancel()

	subject := mux.Vars(r)["subject"]
	recs, err := h.engine.MerchantAffinity(ctx, subject, limit)
	if err != nil {
		httpx.RespondServiceError(w, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, AffinityResponse{SubjectID: subject, Recommendations: recs})
}

// HandleRecommendations handles GET /v1/optimize/recommendations/{campaign}.
// With latest=true the persisted rows are served instead of fresh ones.
func (h *Handler) HandleRecommendations(w http.ResponseWriter, r *http.Request) {
	latest, _ := strconv.ParseBool(r.URL.Query().Get("latest"))
	id := mux.Vars(r)["campaign"]

	ctx, cancel := httpx.RequestContext(r)
	defer cancel()

	var (
		recs []experiment.Recommendation
		err  error
	)
	if latest {
		recs, err = h.engine.LatestRecommendations(ctx, id)
	} else {
		recs, err = h.engine.CampaignRecommendations(ctx, id)
	}
	if err != nil {
		httpx.RespondServiceError(w, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, RecommendationsResponse{CampaignID: id, Recommendations: recs})
}

// HandleTrain handles POST /v1/optimize/train. Training reads the whole
// window, so it runs on the request context without the usual timeout.
func (h *Handler) HandleTrain(w http.ResponseWriter, r *http.Request) {
	report, err := h.engine.Train(r.Context())
	if err != nil {
		h.logger.Error("model training failed", zap.Error(err))
		httpx.RespondServiceError(w, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, report)
}

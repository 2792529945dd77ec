package optimize

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinyexp/pkg/experiment"
)

func newOptimizeRouter(t *testing.T) (*mux.Router, *engineFixture) {
	t.Helper()
	f := newEngine(t)
	router := mux.NewRouter()
	NewHandler(f.engine, nil).Register(router.PathPrefix("/v1").Subrouter())
	return router, f
}

func get(router http.Handler, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestHandleOffer(t *testing.T) {
	router, f := newOptimizeRouter(t)
	f.events.PutCampaign(experiment.Campaign{ID: "c1", Type: experiment.CampaignLocationDeal, OfferAmount: 10})
	f.traffic("c1", f.now.Add(-time.Hour), 100, 10)

	rec := get(router, http.MethodGet, "/v1/optimize/offer/c1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body CampaignOffer
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "c1", body.CampaignID)
	assert.Equal(t, 0.1, body.CurrentRate)
	assert.Equal(t, 25.0, body.Offer)
	assert.Equal(t, experiment.SourceHeuristic, body.Source)

	rec = get(router, http.MethodGet, "/v1/optimize/offer/missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleSendTimeAndSegments(t *testing.T) {
	router, _ := newOptimizeRouter(t)

	rec := get(router, http.MethodGet, "/v1/optimize/send-time/sub?campaign_type=vip_offer")
	require.Equal(t, http.StatusOK, rec.Code)
	var st SendTime
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.True(t, st.Default)
	assert.Equal(t, 8, st.Hour)

	rec = get(router, http.MethodGet, "/v1/optimize/send-time/sub?campaign_type=coupon")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = get(router, http.MethodGet, "/v1/optimize/segments/LOCATION_DEAL")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"segments":[]`)

	rec = get(router, http.MethodGet, "/v1/optimize/segments/unknown")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleAffinity(t *testing.T) {
	router, f := newOptimizeRouter(t)
	seedMerchants(f)

	rec := get(router, http.MethodGet, "/v1/optimize/affinity/sub?limit=3")
	require.Equal(t, http.StatusOK, rec.Code)
	var body AffinityResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "sub", body.SubjectID)
	assert.Len(t, body.Recommendations, 3)

	for _, q := range []string{"0", "101", "many"} {
		rec = get(router, http.MethodGet, "/v1/optimize/affinity/sub?limit="+q)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "limit=%s", q)
	}
}

func TestHandleRecommendations(t *testing.T) {
	router, f := newOptimizeRouter(t)
	f.events.PutCampaign(experiment.Campaign{ID: "c1", Type: experiment.CampaignLocationDeal, OfferAmount: 10})
	f.traffic("c1", f.now.Add(-time.Hour), 100, 10)

	rec := get(router, http.MethodGet, "/v1/optimize/recommendations/c1?latest=true")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"recommendations":[]`)

	rec = get(router, http.MethodGet, "/v1/optimize/recommendations/c1")
	require.Equal(t, http.StatusOK, rec.Code)
	var body RecommendationsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Recommendations, 1)
	assert.Equal(t, 25.0, body.Recommendations[0].RecommendedValue)

	rec = get(router, http.MethodGet, "/v1/optimize/recommendations/missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleTrain(t *testing.T) {
	router, _ := newOptimizeRouter(t)

	rec := get(router, http.MethodPost, "/v1/optimize/train")
	require.Equal(t, http.StatusOK, rec.Code)
	var report TrainReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, TrainInsufficientData, report.Status)
	assert.Equal(t, ModelName, report.Model)
}

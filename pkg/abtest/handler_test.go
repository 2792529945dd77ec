package abtest

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinyexp/pkg/experiment"
	"github.com/nicktill/tinyexp/pkg/httpx"
)

func newRouter(t *testing.T) (*mux.Router, *fixture) {
	t.Helper()
	f := newFixture(t)
	h := NewHandler(f.svc, NewExporter(f.store), nil, nil)
	router := mux.NewRouter()
	h.Register(router.PathPrefix("/v1").Subrouter())
	return router, f
}

func do(t *testing.T, router http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func createViaAPI(t *testing.T, router http.Handler) experiment.Experiment {
	t.Helper()
	started := time.Now().Add(-time.Hour)
	req := createRequest()
	req.StartedAt = &started

	rec := do(t, router, http.MethodPost, "/v1/experiments", req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var exp experiment.Experiment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &exp))
	return exp
}

func TestHandleCreateAndGet(t *testing.T) {
	router, _ := newRouter(t)
	exp := createViaAPI(t, router)

	rec := do(t, router, http.MethodGet, "/v1/experiments/"+exp.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got experiment.Experiment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, exp.ID, got.ID)
	assert.Equal(t, experiment.Confidence95, got.Confidence)

	rec = do(t, router, http.MethodGet, "/v1/experiments", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list ListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Count)
}

func TestHandleCreate_BadRequests(t *testing.T) {
	router, _ := newRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/experiments", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	bad := createRequest()
	bad.Confidence = 0.5
	rec = do(t, router, http.MethodPost, "/v1/experiments", bad)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var body httpx.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body.Message, "confidence")
}

func TestHandleCreate_UnknownCampaign(t *testing.T) {
	router, f := newRouter(t)
	f.svc.catalog = f.events
	f.events.PutCampaign(experiment.Campaign{ID: "camp-a", Active: true})

	rec := do(t, router, http.MethodPost, "/v1/experiments", createRequest())
	assert.Equal(t, http.StatusNotFound, rec.Code, rec.Body.String())

	rec = do(t, router, http.MethodGet, "/v1/experiments", nil)
	var list ListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Zero(t, list.Count)
}

func TestHandleErrorMapping(t *testing.T) {
	router, _ := newRouter(t)

	tests := []struct {
		method, path string
		want         int
	}{
		{http.MethodGet, "/v1/experiments/missing", http.StatusNotFound},
		{http.MethodGet, "/v1/experiments/missing/status", http.StatusNotFound},
		{http.MethodPost, "/v1/experiments/missing/analyze", http.StatusNotFound},
		{http.MethodPost, "/v1/experiments/missing/end", http.StatusNotFound},
		{http.MethodGet, "/v1/experiments/missing/assignments/u1", http.StatusNotFound},
		{http.MethodGet, "/v1/history?limit=0", http.StatusBadRequest},
		{http.MethodGet, "/v1/history?limit=101", http.StatusBadRequest},
		{http.MethodGet, "/v1/history?limit=ten", http.StatusBadRequest},
		{http.MethodGet, "/v1/history/export?format=xml", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rec := do(t, router, tt.method, tt.path, nil)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestHandleAssign(t *testing.T) {
	router, _ := newRouter(t)
	exp := createViaAPI(t, router)

	rec := do(t, router, http.MethodGet, "/v1/experiments/"+exp.ID+"/assignments/user-7", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var first AssignmentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &first))
	assert.True(t, first.Active)
	assert.True(t, first.Group.Valid())

	rec = do(t, router, http.MethodPost, "/v1/experiments/"+exp.ID+"/end", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Known subject: stored arm, flagged inactive.
	rec = do(t, router, http.MethodGet, "/v1/experiments/"+exp.ID+"/assignments/user-7", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var again AssignmentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &again))
	assert.False(t, again.Active)
	assert.Equal(t, first.Group, again.Group)

	// New subject on an ended experiment.
	rec = do(t, router, http.MethodGet, "/v1/experiments/"+exp.ID+"/assignments/user-8", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandleAnalyzeAndHistory(t *testing.T) {
	router, f := newRouter(t)
	exp := createViaAPI(t, router)
	f.record("camp-a", exp.StartedAt.Add(time.Minute), 1000, 50)
	f.record("camp-b", exp.StartedAt.Add(time.Minute), 1000, 65)

	rec := do(t, router, http.MethodPost, "/v1/experiments/"+exp.ID+"/analyze", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, "no_winner", result["winner"])
	assert.Equal(t, false, result["is_significant"])

	rec = do(t, router, http.MethodGet, "/v1/history?limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var history HistoryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &history))
	assert.Equal(t, 5, history.Limit)
	assert.Len(t, history.Results, 1)

	rec = do(t, router, http.MethodGet, "/v1/experiments/"+exp.ID+"/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &history))
	assert.Equal(t, 10, history.Limit)
	assert.Len(t, history.Results, 1)
}

func TestHandleHistory_EmptyIsList(t *testing.T) {
	router, _ := newRouter(t)
	rec := do(t, router, http.MethodGet, "/v1/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"results":[]`)
}

func TestHandleExportCSV(t *testing.T) {
	router, f := newRouter(t)
	exp := createViaAPI(t, router)
	f.record("camp-a", exp.StartedAt.Add(time.Minute), 100, 5)
	f.record("camp-b", exp.StartedAt.Add(time.Minute), 100, 9)

	rec := do(t, router, http.MethodPost, "/v1/experiments/"+exp.ID+"/analyze", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, router, http.MethodGet, "/v1/history/export?format=csv", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), ".csv")

	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "analyzed_at,experiment_id"))
	assert.Contains(t, lines[1], exp.ID)
}

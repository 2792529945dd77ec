package abtest

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/nicktill/tinyexp/pkg/config"
	"github.com/nicktill/tinyexp/pkg/experiment"
	"github.com/nicktill/tinyexp/pkg/httpx"
)

// Handler serves the experiment API.
type Handler struct {
	svc      *Service
	exporter *Exporter
	hub      *ResultsHub
	logger   *zap.Logger
}

// NewHandler creates a handler. hub may be nil, in which case /ws is not
// registered.
func NewHandler(svc *Service, exporter *Exporter, hub *ResultsHub, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, exporter: exporter, hub: hub, logger: logger}
}

// AssignmentResponse is the body of the assignment endpoint. Active is
// false when the experiment has ended and the stored assignment is served
// for reference.
type AssignmentResponse struct {
	experiment.Assignment
	Active bool `json:"active"`
}

// HistoryResponse wraps a history page.
type HistoryResponse struct {
	Limit   int                         `json:"limit"`
	Results []experiment.AnalysisResult `json:"results"`
}

// ListResponse wraps the experiment list.
type ListResponse struct {
	Experiments []experiment.Experiment `json:"experiments"`
	Count       int                     `json:"count"`
}

// Register mounts the routes on api, which is expected to be the /v1
// subrouter.
func (h *Handler) Register(api *mux.Router) {
	api.HandleFunc("/experiments", h.HandleCreate).Methods("POST")
	api.HandleFunc("/experiments", h.HandleList).Methods("GET")
	api.HandleFunc("/experiments/{id}", h.HandleGet).Methods("GET")
	api.HandleFunc("/experiments/{id}/status", h.HandleStatus).Methods("GET")
	api.HandleFunc("/experiments/{id}/analyze", h.HandleAnalyze).Methods("POST")
	api.HandleFunc("/experiments/{id}/end", h.HandleEnd).Methods("POST")
	api.HandleFunc("/experiments/{id}/history", h.HandleHistory).Methods("GET")
	api.HandleFunc("/experiments/{id}/assignments/{subject}", h.HandleAssign).Methods("GET")
	api.HandleFunc("/history", h.HandleHistory).Methods("GET")
	api.HandleFunc("/history/export", h.HandleExport).Methods("GET")
	if h.hub != nil {
		api.HandleFunc("/ws", h.hub.HandleWebSocket).Methods("GET")
	}
}

// HandleCreate handles POST /v1/experiments.
func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON: %w", err))
		return
	}

	ctx, cancel := httpx.RequestContext(r)
	defer cancel()

	exp, err := h.svc.Create(ctx, req)
	if err != nil {
		httpx.RespondServiceError(w, err)
		return
	}
	httpx.RespondJSON(w, http.StatusCreated, exp)
}

// HandleList handles GET /v1/experiments?active=true.
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	activeOnly, _ := strconv.ParseBool(r.URL.Query().Get("active"))

	ctx, cancel := httpx.RequestContext(r)
	defer cancel()

	exps, err := h.svc.List(ctx, activeOnly)
	if err != nil {
		httpx.RespondServiceError(w, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, ListResponse{Experiments: exps, Count: len(exps)})
}

// HandleGet handles GET /v1/experiments/{id}.
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := httpx.RequestContext(r)
	defer cancel()

	exp, err := h.svc.Get(ctx, mux.Vars(r)["id"])
	if err != nil {
		httpx.RespondServiceError(w, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, exp)
}

// HandleStatus handles GET /v1/experiments/{id}/status.
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := httpx.RequestContext(r)
	defer cancel()

	status, err := h.svc.Status(ctx, mux.Vars(r)["id"])
	if err != nil {
		httpx.RespondServiceError(w, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, status)
}

// HandleAnalyze handles POST /v1/experiments/{id}/analyze.
func (h *Handler) HandleAnalyze(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := httpx.RequestContext(r)
	defer cancel()

	result, err := h.svc.Analyze(ctx, mux.Vars(r)["id"])
	if err != nil {
		httpx.RespondServiceError(w, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, result)
}

// HandleEnd handles POST /v1/experiments/{id}/end.
func (h *Handler) HandleEnd(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := httpx.RequestContext(r)
	defer cancel()

	out, err := h.svc.End(ctx, mux.Vars(r)["id"])
	if err != nil {
		httpx.RespondServiceError(w, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, out)
}

// HandleAssign handles GET /v1/experiments/{id}/assignments/{subject}.
func (h *Handler) HandleAssign(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	ctx, cancel := httpx.RequestContext(r)
	defer cancel()

	a, err := h.svc.Assign(ctx, vars["id"], vars["subject"])
	switch {
	case err == nil:
		httpx.RespondJSON(w, http.StatusOK, AssignmentResponse{Assignment: a, Active: true})
	case errors.Is(err, experiment.ErrInvalidState) && a.Group.Valid():
		httpx.RespondJSON(w, http.StatusOK, AssignmentResponse{Assignment: a, Active: false})
	default:
		httpx.RespondServiceError(w, err)
	}
}

// HandleHistory handles GET /v1/history and GET /v1/experiments/{id}/history.
// Query params:
//   - limit: 1..100 (default 10)
//   - experiment: experiment id filter (optional, /v1/history only)
func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	limit := config.DefaultHistoryLimit
	if raw := query.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			httpx.RespondErrorString(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		if parsed < 1 || parsed > config.MaxHistoryLimit {
			httpx.RespondErrorString(w, http.StatusBadRequest,
				fmt.Sprintf("limit must be between 1 and %d", config.MaxHistoryLimit))
			return
		}
		limit = parsed
	}

	experimentID := mux.Vars(r)["id"]
	if experimentID == "" {
		experimentID = query.Get("experiment")
	}

	ctx, cancel := httpx.RequestContext(r)
	defer cancel()

	results, err := h.svc.History(ctx, experimentID, limit)
	if err != nil {
		httpx.RespondServiceError(w, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, HistoryResponse{Limit: limit, Results: results})
}

// HandleExport handles GET /v1/history/export.
// Query params:
//   - format: "json" or "csv" (default: json)
//   - experiment: experiment id filter (optional)
//   - limit: maximum results (optional)
func (h *Handler) HandleExport(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	format := query.Get("format")
	if format == "" {
		format = FormatJSON
	}
	if format != FormatJSON && format != FormatCSV {
		httpx.RespondErrorString(w, http.StatusBadRequest, "invalid format, must be 'json' or 'csv'")
		return
	}

	opts := ExportOptions{ExperimentID: query.Get("experiment")}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			httpx.RespondErrorString(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		opts.Limit = limit
	}

	timestamp := time.Now().Format("20060102-150405")
	if format == FormatJSON {
		w.Header().Set("Content-Type", "application/json")
	} else {
		w.Header().Set("Content-Type", "text/csv")
	}
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=tinyexp-history-%s.%s", timestamp, format))

	var (
		result *ExportResult
		err    error
	)
	if format == FormatJSON {
		result, err = h.exporter.ExportToJSON(r.Context(), w, opts)
	} else {
		result, err = h.exporter.ExportToCSV(r.Context(), w, opts)
	}
	if err != nil {
		// Headers may already be out; the status is best effort.
		h.logger.Error("history export failed", zap.String("format", format), zap.Error(err))
		httpx.RespondServiceError(w, err)
		return
	}

	h.logger.Info("history exported", zap.Int("results", result.ResultsExported), zap.String("format", format))
}

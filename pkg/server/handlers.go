package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/nicktill/tinyexp/pkg/abtest"
	"github.com/nicktill/tinyexp/pkg/httpx"
	"github.com/nicktill/tinyexp/pkg/optimize"
	"github.com/nicktill/tinyexp/pkg/scheduler"
	"github.com/nicktill/tinyexp/pkg/server/monitor"
	"github.com/nicktill/tinyexp/pkg/storage"
	"github.com/nicktill/tinyexp/pkg/telemetry"
)

// Version is reported by the health endpoint.
const Version = "1.0.0"

var startTime = time.Now()

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status  string                `json:"status"`
	Version string                `json:"version"`
	Uptime  string                `json:"uptime"`
	Jobs    []scheduler.JobStatus `json:"jobs"`
	Disk    *monitor.DiskUsage    `json:"disk,omitempty"`
}

// StorageResponse is the body of the storage endpoint.
type StorageResponse struct {
	Backend string             `json:"backend"`
	Stats   *storage.Stats     `json:"stats"`
	Disk    *monitor.DiskUsage `json:"disk,omitempty"`
}

// JobsResponse lists scheduler jobs.
type JobsResponse struct {
	Jobs []scheduler.JobStatus `json:"jobs"`
}

// handleHealth reports degraded when a job is unhealthy or the data
// directory is over its limit.
func handleHealth(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := HealthResponse{
			Status:  "healthy",
			Version: Version,
			Uptime:  time.Since(startTime).Round(time.Second).String(),
			Jobs:    app.Scheduler.Status(),
		}
		healthy := app.Scheduler.Healthy()

		if app.Disk != nil {
			usage, err := app.Disk.Snapshot()
			if err != nil {
				app.Logger.Warn("failed to measure data directory", zap.Error(err))
			} else {
				response.Disk = &usage
				healthy = healthy && !usage.OverLimit
			}
		}

		statusCode := http.StatusOK
		if !healthy {
			response.Status = "degraded"
			statusCode = http.StatusServiceUnavailable
		}
		httpx.RespondJSON(w, statusCode, response)
	}
}

// handleStorage returns record counts and disk usage.
func handleStorage(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := httpx.RequestContext(r)
		defer cancel()

		stats, err := app.Store.Stats(ctx)
		if err != nil {
			httpx.RespondServiceError(w, err)
			return
		}
		response := StorageResponse{Backend: app.Config.Storage, Stats: stats}
		if app.Disk != nil {
			usage, err := app.Disk.Snapshot()
			if err != nil {
				httpx.RespondError(w, http.StatusInternalServerError, err)
				return
			}
			response.Disk = &usage
		}
		httpx.RespondJSON(w, http.StatusOK, response)
	}
}

func handleJobs(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httpx.RespondJSON(w, http.StatusOK, JobsResponse{Jobs: app.Scheduler.Status()})
	}
}

// handleRunJob starts a job in the background and answers 202.
func handleRunJob(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		if err := app.Scheduler.Trigger(id); err != nil {
			httpx.RespondServiceError(w, err)
			return
		}
		httpx.RespondJSON(w, http.StatusAccepted, map[string]string{"job": id, "status": "started"})
	}
}

// NewRouter configures all HTTP routes for the app.
func NewRouter(app *App) *mux.Router {
	router := mux.NewRouter()
	router.Use(corsMiddleware(app.Config.Port))
	router.Use(metricsMiddleware(app.Metrics))

	api := router.PathPrefix("/v1").Subrouter()
	abtest.NewHandler(app.Experiments, app.Exporter, app.Hub, app.Logger.Named("http")).Register(api)
	optimize.NewHandler(app.Optimizer, app.Logger.Named("http")).Register(api)

	api.HandleFunc("/jobs", handleJobs(app)).Methods("GET")
	api.HandleFunc("/jobs/{id}/run", handleRunJob(app)).Methods("POST")
	api.HandleFunc("/storage", handleStorage(app)).Methods("GET")
	api.HandleFunc("/health", handleHealth(app)).Methods("GET")

	router.Handle("/metrics", app.Metrics.Handler()).Methods("GET")
	return router
}

// statusRecorder captures the response code for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// metricsMiddleware counts requests by route template and status code.
// Websocket upgrades are passed through untouched since the recorder does
// not implement http.Hijacker.
func metricsMiddleware(m *telemetry.Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route := "unmatched"
			if cur := mux.CurrentRoute(r); cur != nil {
				if tmpl, err := cur.GetPathTemplate(); err == nil {
					route = tmpl
				}
			}
			if r.Header.Get("Upgrade") != "" {
				next.ServeHTTP(w, r)
				m.HTTPRequest(route, "101")
				return
			}

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			m.HTTPRequest(route, strconv.Itoa(rec.status))
		})
	}
}

// corsMiddleware creates CORS middleware that restricts to localhost origins only.
func corsMiddleware(port string) mux.MiddlewareFunc {
	allowedOrigins := map[string]bool{
		"http://localhost:" + port: true,
		"http://127.0.0.1:" + port: true,
		"http://localhost:3000":    true,
		"http://127.0.0.1:3000":    true,
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if allowedOrigins[origin] {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

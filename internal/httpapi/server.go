// Package httpapi serves the worker-facing and caller-facing HTTP API.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/ankittk/jobplane/internal/agent"
	"github.com/ankittk/jobplane/internal/approval"
	"github.com/ankittk/jobplane/internal/blob"
	"github.com/ankittk/jobplane/internal/dispatch"
	"github.com/ankittk/jobplane/internal/events"
	"github.com/ankittk/jobplane/internal/ledger"
	"github.com/ankittk/jobplane/internal/registry"
	"github.com/ankittk/jobplane/internal/store"
	"github.com/ankittk/jobplane/internal/workflow"
	"github.com/ankittk/jobplane/pkg/models"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// ClusterHeader selects the cluster a request operates on.
const ClusterHeader = "X-Cluster-ID"

// limitBody wraps r.Body with http.MaxBytesReader so handlers cannot read more than maxBytes.
func limitBody(w http.ResponseWriter, r *http.Request, maxBytes int64) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
}

// bodyLimitMiddleware limits request body size for POST, PUT, PATCH to prevent OOM.
func bodyLimitMiddleware(maxBytes int64, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
			limitBody(w, r, maxBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// ServerOptions configures the HTTP server.
type ServerOptions struct {
	Addr           string
	APIKey         string       // if set, require X-API-Key header or query api_key
	DefaultCluster string       // cluster used when a request carries no X-Cluster-ID
	MetricsHandler http.Handler // if set, used for /metrics (e.g. OTel Prometheus handler)
	UseOtelHTTP    bool         // if true, wrap handler with otelhttp for request metrics
	MaxBodyBytes   int64
}

// Deps are the components the routes call into. Every field is required.
type Deps struct {
	Store      store.Store
	Ledger     *ledger.Ledger
	Registry   *registry.Registry
	Dispatcher *dispatch.Dispatcher
	Gate       *approval.Gate
	Controller *agent.Controller
	Runner     *agent.Runner
	Workflows  *workflow.Service
	Blobs      *blob.Manager
	Events     *events.Recorder
}

// App holds the HTTP server, the SSE hub and the components behind the routes.
type App struct {
	Server *http.Server
	Hub    *SSEHub
	deps   Deps
	opts   ServerOptions
}

// NewApp registers all routes on a new server. hub must be the publisher the event recorder
// was built with; nil creates a hub that only sees what the routes publish.
func NewApp(deps Deps, hub *SSEHub, opts ServerOptions) *App {
	if hub == nil {
		hub = NewSSEHub()
	}
	if opts.DefaultCluster == "" {
		opts.DefaultCluster = models.DefaultClusterID
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = models.DefaultMaxRequestBodyBytes
	}
	a := &App{Hub: hub, deps: deps, opts: opts}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"ok": true})
	})
	if opts.MetricsHandler != nil {
		mux.Handle("GET /metrics", opts.MetricsHandler)
	} else {
		mux.HandleFunc("GET /metrics", a.plainMetrics)
	}
	mux.HandleFunc("GET /stream", hub.Handler(opts.DefaultCluster))

	// Worker-facing.
	mux.HandleFunc("POST /register", a.register)
	mux.HandleFunc("POST /jobs/poll", a.poll)
	mux.HandleFunc("POST /jobs/{id}/ack", a.ack)
	mux.HandleFunc("POST /jobs/{id}/result", a.submitResult)
	mux.HandleFunc("POST /jobs/{id}/request-approval", a.requestApproval)
	mux.HandleFunc("POST /jobs/{id}/approval", a.decide)

	// Caller-facing.
	mux.HandleFunc("GET /functions", a.listFunctions)
	mux.HandleFunc("GET /machines", a.listMachines)
	mux.HandleFunc("POST /jobs", a.createJob)
	mux.HandleFunc("GET /jobs", a.listJobs)
	mux.HandleFunc("GET /jobs/{id}", a.getJob)
	mux.HandleFunc("GET /jobs/{id}/result", a.awaitResult)
	mux.HandleFunc("POST /jobs/{id}/cancel", a.cancelJob)
	mux.HandleFunc("GET /approvals", a.listApprovals)
	mux.HandleFunc("GET /blobs/{id}", a.getBlob)
	mux.HandleFunc("GET /events", a.listEvents)

	mux.HandleFunc("POST /runs", a.createRun)
	mux.HandleFunc("GET /runs", a.listRuns)
	mux.HandleFunc("GET /runs/{id}", a.getRun)
	mux.HandleFunc("DELETE /runs/{id}", a.deleteRun)
	mux.HandleFunc("POST /runs/{id}/messages", a.addMessage)
	mux.HandleFunc("POST /runs/{id}/feedback", a.feedback)
	mux.HandleFunc("GET /runs/{id}/timeline", a.runTimeline)

	mux.HandleFunc("GET /run-configs", a.listRunConfigs)
	mux.HandleFunc("PUT /run-configs/{id}", a.putRunConfig)
	mux.HandleFunc("GET /run-configs/{id}", a.getRunConfig)
	mux.HandleFunc("DELETE /run-configs/{id}", a.deleteRunConfig)

	mux.HandleFunc("POST /workflows/{name}/executions", a.createExecution)
	mux.HandleFunc("GET /workflows/{name}/executions", a.listExecutions)
	mux.HandleFunc("GET /workflows/{name}/executions/{id}", a.getExecution)
	mux.HandleFunc("DELETE /workflows/{name}/executions/{id}", a.deleteExecution)
	mux.HandleFunc("GET /workflows/{name}/executions/{id}/timeline", a.executionTimeline)

	var handler http.Handler = mux
	handler = bodyLimitMiddleware(opts.MaxBodyBytes, handler)
	if opts.APIKey != "" {
		handler = apiKeyMiddleware(opts.APIKey, handler)
	}
	handler = requestLogMiddleware(handler)
	if opts.UseOtelHTTP {
		handler = otelhttp.NewHandler(handler, "jobplane")
	}
	// No WriteTimeout: long polls and /stream hold the response open.
	a.Server = &http.Server{
		Addr:              opts.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return a
}

// Handler returns the fully wrapped handler, for tests and embedding.
func (a *App) Handler() http.Handler { return a.Server.Handler }

// plainMetrics renders job counts when no OTel exporter is configured.
func (a *App) plainMetrics(w http.ResponseWriter, r *http.Request) {
	counts, err := a.deps.Store.CountJobsByStatus(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	statuses := make([]string, 0, len(counts))
	for s := range counts {
		statuses = append(statuses, s)
	}
	sort.Strings(statuses)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = fmt.Fprintf(w, "# TYPE jobplane_jobs gauge\n")
	for _, s := range statuses {
		_, _ = fmt.Fprintf(w, "jobplane_jobs{status=%q} %d\n", s, counts[s])
	}
}

func (a *App) cluster(r *http.Request) string {
	return clusterID(r, a.opts.DefaultCluster)
}

func clusterID(r *http.Request, fallback string) string {
	if c := r.Header.Get(ClusterHeader); c != "" {
		return c
	}
	if c := r.URL.Query().Get("cluster"); c != "" {
		return c
	}
	return fallback
}

// responseRecorder captures status code for logging and forwards Flusher if supported.
type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (r *responseRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func apiKeyMiddleware(apiKey string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if path == "/health" || path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get("X-API-Key")
		if key == "" {
			key = r.URL.Query().Get("api_key")
		}
		if key != apiKey {
			writeJSONError(w, http.StatusUnauthorized, models.CodeUnauthorized, "invalid or missing API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, req)
		level := slog.LevelInfo
		if req.URL.Path == "/health" || req.URL.Path == "/jobs/poll" {
			level = slog.LevelDebug
		}
		slog.Log(req.Context(), level, "request",
			"method", req.Method,
			"path", req.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds())
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func writeJSONError(w http.ResponseWriter, code int, errCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(models.ErrorBody{Error: message, Code: errCode})
}

// decodeJSON reads the body into v. An empty body leaves v untouched.
func decodeJSON(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return err
	}
	return fmt.Errorf("%w: invalid json: %v", store.ErrInvalid, err)
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

// publicJob strips the attempt token from caller-facing views; only the claiming machine
// receives it.
func publicJob(j store.Job) models.Job {
	m := store.JobModel(j)
	m.AttemptToken = ""
	return m
}

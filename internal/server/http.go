package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/joseph-ayodele/medsummary/internal/async"
	"github.com/joseph-ayodele/medsummary/internal/common"
	"github.com/joseph-ayodele/medsummary/internal/export"
	"github.com/joseph-ayodele/medsummary/internal/ingest"
	"github.com/joseph-ayodele/medsummary/internal/pipeline"
	"github.com/joseph-ayodele/medsummary/internal/repository"
)

// HealthFunc reports whether the backing store is reachable.
type HealthFunc func(ctx context.Context) error

// Deps are the collaborators the HTTP API is built from. Queue, Export and
// Health are optional; their routes answer 503 when unset.
type Deps struct {
	Controller *pipeline.Controller
	Ingest     *ingest.Usecase
	Visits     repository.VisitRepository
	Queue      async.Queue
	Export     *export.Service
	Health     HealthFunc
}

// DefaultMaxAdvanceWait caps caller-requested advance timeouts on both transports.
const DefaultMaxAdvanceWait = 10 * time.Minute

type HTTPOptions struct {
	CORSOrigins []string
	// MaxAdvanceWait caps the ?timeout= a caller may ask for.
	MaxAdvanceWait time.Duration
}

type API struct {
	deps Deps
	opts HTTPOptions
	log  *slog.Logger
}

// NewHTTPHandler builds the chi router for the visit API.
func NewHTTPHandler(deps Deps, opts HTTPOptions, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxAdvanceWait <= 0 {
		opts.MaxAdvanceWait = DefaultMaxAdvanceWait
	}
	a := &API{deps: deps, opts: opts, log: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(a.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: opts.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"Retry-After", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", a.health)
	r.Post("/upload", a.upload)
	r.Post("/advance/{visitId}/{stage}", a.advance)
	r.Get("/result/{visitId}", a.result)
	r.Get("/status/{visitId}", a.status)
	r.Route("/visits", func(r chi.Router) {
		r.Get("/", a.listVisits)
		r.Get("/export.xlsx", a.exportVisits)
		r.Get("/{visitId}", a.result)
		r.Post("/{visitId}/process", a.process)
	})
	return r
}

// requestLogger logs one line per request and puts a request-scoped logger on the context.
func (a *API) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := middleware.GetReqID(r.Context())
		log := a.log.With("request_id", reqID)
		ctx := common.WithLogger(common.WithRequestID(r.Context(), reqID), log)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		log.Info("http.request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
	})
}

func (a *API) logger(ctx context.Context) *slog.Logger {
	return common.LoggerFromContext(ctx, a.log)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	if a.deps.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.deps.Health(ctx); err != nil {
			a.logger(r.Context()).Warn("http.health.failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

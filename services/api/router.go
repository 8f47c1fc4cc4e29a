package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/klauspost/compress/gzhttp"

	"qaharness/pkg/metrics"
)

// Routes constructs the chi router containing all API endpoints.
func (a *API) Routes() (http.Handler, error) {
	if a == nil {
		return nil, errors.New("nil api")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	allowed := a.cfg.AllowedOrigins
	if len(allowed) == 0 {
		allowed = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowed,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders: []string{"Content-Disposition"},
		MaxAge:         int((10 * time.Minute).Seconds()),
	}))
	r.Use(func(next http.Handler) http.Handler {
		return gzhttp.GzipHandler(next)
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", a.handleReady)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		if a.cfg.RateLimitPerMinute > 0 {
			r.Use(httprate.LimitByIP(a.cfg.RateLimitPerMinute, time.Minute))
		}

		r.Post("/schedule/run", a.handleScheduleRun)
		r.Post("/api/schedule/run", a.handleScheduleRun)

		r.Get("/executions", a.handleListExecutions)
		r.Get("/executions/{executionID}/status", a.handleExecutionStatus)
		r.Post("/executions/{executionID}/outcomes", a.handleRecordOutcome)
		r.Post("/executions/{executionID}/finish", a.handleFinishExecution)

		r.Get("/reports/{executionID}/download", a.handleReportDownload)
		r.Get("/reports/{executionID}/link", a.handleReportLink)

		r.Get("/artifacts/{executionID}/{testCaseID}/{file}", a.handleArtifact)
		r.Get("/results/artifact/{executionID}/{testCaseID}/{file}", a.handleArtifact)
		r.Get("/results", a.handleListResults)
	})

	var h http.Handler = r
	if a.cfg.Middleware != nil {
		h = a.cfg.Middleware(h)
	}
	return h, nil
}

func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	if a.cfg.Ready != nil {
		ctx, cancel := withTimeout(r.Context())
		defer cancel()
		if err := a.cfg.Ready(ctx); err != nil {
			respondError(w, http.StatusServiceUnavailable, err)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// Package server exposes the pipeline over HTTP: ingestion, stage-result
// callbacks, company enrichment and the operator endpoints for stuck items
// and reconciliation.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-pipeline/internal/model"
	"github.com/sells-group/lead-pipeline/internal/pipeline"
	"github.com/sells-group/lead-pipeline/internal/resilience"
)

// Pipeline is the work-item side of the orchestrator.
type Pipeline interface {
	Ingest(ctx context.Context, in pipeline.IngestItem) (*model.WorkItem, error)
	DeleteItems(ctx context.Context, ids []string) (int, error)
	Stuck(ctx context.Context) ([]model.WorkItem, error)
	RetryItem(ctx context.Context, id string) (pipeline.Outcome, error)
	ApplyCallback(ctx context.Context, cb pipeline.Callback) (pipeline.CallbackResult, error)
}

// Enricher runs the company enrichment action.
type Enricher interface {
	EnrichCompany(ctx context.Context, ref string, force, async bool) (pipeline.Outcome, *model.EnrichmentRecord, error)
}

// Reconciler re-checks HR-provider matches.
type Reconciler interface {
	Run(ctx context.Context) (pipeline.ReconcileStats, error)
}

// Server holds the handlers' dependencies.
type Server struct {
	pipeline   Pipeline
	enricher   Enricher
	reconciler Reconciler
}

// New creates a Server.
func New(p Pipeline, e Enricher, r Reconciler) *Server {
	return &Server{pipeline: p, enricher: e, reconciler: r}
}

// Handler builds the router. An empty origins list allows any origin.
func (s *Server) Handler(origins []string) http.Handler {
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)

	r.Route("/items", func(r chi.Router) {
		r.Post("/", s.ingest)
		r.Delete("/", s.deleteItems)
		r.Get("/stuck", s.stuck)
		r.Post("/{id}/retry", s.retry)
	})
	r.Post("/callbacks/stages", s.callback)
	r.Post("/companies/{ref}/enrich", s.enrichCompany)
	r.Post("/reconcile/hr-providers", s.reconcile)

	return r
}

// Start serves h on port until ctx is cancelled, then shuts down gracefully.
func Start(ctx context.Context, h http.Handler, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		zap.L().Info("server: listening", zap.Int("port", port))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return eris.Wrap(err, "server: listen")
	case <-ctx.Done():
	}

	zap.L().Info("server: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return eris.Wrap(err, "server: shutdown")
	}
	return nil
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("server: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("server: encode response", zap.Error(err))
	}
}

// writeError maps err onto a status code: validation errors are the
// caller's fault, unknown ids are 404, everything else is ours.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case resilience.IsValidation(err):
		status = http.StatusBadRequest
	case resilience.IsNotFound(err):
		status = http.StatusNotFound
	case errors.Is(err, context.Canceled):
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		zap.L().Error("server: request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return resilience.NewValidationError("body", "invalid request body", err)
	}
	return nil
}

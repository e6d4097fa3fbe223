// Package api exposes the HTTP interface for the ingestion service.
package api

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/rag-ingestor/internal/ingest"
	"github.com/JakeFAU/rag-ingestor/internal/jobs"
	"github.com/JakeFAU/rag-ingestor/internal/metrics"
	"github.com/JakeFAU/rag-ingestor/internal/orchestrator"
	"github.com/JakeFAU/rag-ingestor/internal/reindex"
)

// Ingestor is the pipeline surface served over HTTP.
type Ingestor interface {
	Scrape(ctx context.Context, rawURL string, opts orchestrator.ScrapeOptions) (orchestrator.ScrapeResult, error)
	Discover(ctx context.Context, startURL string, opts ingest.CrawlOptions) (ingest.DiscoveryResult, error)
	Crawl(ctx context.Context, jobID, startURL string, opts ingest.CrawlOptions) (ingest.CrawlSummary, error)
	Reindex(ctx context.Context, domain string, wait bool) (string, error)
	ReindexStatus(ctx context.Context, jobID string) (ingest.ReindexStatus, error)
	IngestUpload(ctx context.Context, project string, files []orchestrator.Upload) (orchestrator.UploadSummary, error)
}

// CrawlStarter launches background crawls.
type CrawlStarter interface {
	StartCrawl(ctx context.Context, startURL string, opts ingest.CrawlOptions) (ingest.Job, error)
}

// ReadinessCheck reports whether a downstream dependency can serve traffic.
type ReadinessCheck func(ctx context.Context) error

// Options tune request handling.
type Options struct {
	APIKey string
	// RespectRobots is used when a request omits options.respectRobots.
	RespectRobots  bool
	MaxUploadBytes int64
	// RequestTimeout bounds the short endpoints. Synchronous crawls, uploads
	// and /sync, which may wait for an active reindex, are not bounded by it.
	RequestTimeout time.Duration
}

// Deps are the collaborators behind the routes. Ingestor, Runner and Jobs
// are required.
type Deps struct {
	Ingestor Ingestor
	Runner   CrawlStarter
	Jobs     JobReader
	History  JobHistory
	Ready    []ReadinessCheck
}

// Server wires HTTP handlers to the ingestion pipeline.
type Server struct {
	router   chi.Router
	deps     Deps
	opts     Options
	progress *ProgressHandler
	logger   *zap.Logger
}

const (
	defaultMaxUploadBytes = 32 << 20
	defaultRequestTimeout = 60 * time.Second
	readinessTimeout      = 2 * time.Second
)

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, opts Options, logger *zap.Logger) (*Server, error) {
	if deps.Ingestor == nil || deps.Runner == nil || deps.Jobs == nil {
		return nil, errors.New("ingestor, runner and jobs are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = defaultMaxUploadBytes
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	s := &Server{
		deps:     deps,
		opts:     opts,
		progress: NewProgressHandler(deps.Jobs, deps.History, logger),
		logger:   logger.Named("api"),
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		if opts.APIKey != "" {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Post("/enhanced-crawl", s.enhancedCrawl)
		r.Post("/upload", s.upload)
		r.Post("/sync", s.sync)

		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(opts.RequestTimeout))
			r.Post("/scrape", s.scrape)
			r.Post("/discover", s.discover)
			r.Post("/crawl-async", s.crawlAsync)
			r.Get("/crawl/status/{jobId}", s.progress.GetJob)
			r.Get("/jobs", s.progress.ListJobs)
			r.Get("/sync/status/{jobId}", s.syncStatus)
		})
	})

	s.router = r
	return s, nil
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()
	for _, check := range s.deps.Ready {
		if err := check(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// statusFor maps the pipeline error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	var status *ingest.StatusError
	switch {
	case errors.Is(err, ingest.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, jobs.ErrNotFound), errors.Is(err, reindex.ErrUnknownJob):
		return http.StatusNotFound
	case errors.Is(err, ingest.ErrReindexConflict):
		return http.StatusConflict
	case errors.Is(err, ingest.ErrContentRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &status),
		errors.Is(err, ingest.ErrTransient),
		errors.Is(err, ingest.ErrFatal),
		errors.Is(err, ingest.ErrCallFailedAfterRetries):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeError(w, code, err.Error())
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Info("request completed",
			zap.String("request_id", reqID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec), zap.Stack("stack"))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if subtle.ConstantTimeCompare([]byte(key), []byte(expected)) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

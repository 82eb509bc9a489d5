// Package api serves the operator HTTP API: pushing findings, triggering
// runs, and inspecting batches and dead letters.
package api

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lvonguyen/guardduty-sentinel/internal/batch"
	"github.com/lvonguyen/guardduty-sentinel/internal/finding"
	"github.com/lvonguyen/guardduty-sentinel/internal/ingestion"
	"github.com/lvonguyen/guardduty-sentinel/internal/parser"
	"github.com/lvonguyen/guardduty-sentinel/internal/processor"
	"github.com/lvonguyen/guardduty-sentinel/internal/retry"
	"github.com/lvonguyen/guardduty-sentinel/internal/storage"
)

// Service is what the API drives. *processor.Processor implements it.
type Service interface {
	ProcessPendingObjects(ctx context.Context) (*processor.Summary, error)
	ProcessSpecificObjects(ctx context.Context, refs []storage.ObjectRef) *processor.Summary
	ProcessFindings(ctx context.Context, findings []finding.Finding) *processor.Summary
	Refs(keys ...string) []storage.ObjectRef
	Batches() []batch.Snapshot
	Batch(id string) (batch.Snapshot, bool)
	DeadLetters(ctx context.Context) ([]retry.DeadLetterItem, error)
	ReplayDeadLetter(ctx context.Context, id string) (*ingestion.Response, error)
	DiscardDeadLetter(ctx context.Context, id string) error
}

// Config holds API settings.
type Config struct {
	// Token is the bearer token callers must present. An empty token rejects
	// every request.
	Token        string
	MaxBodyBytes int64
	Timeout      time.Duration
}

// Server routes operator requests to a Service.
type Server struct {
	service Service
	config  Config
	logger  *zap.Logger
	limiter *RateLimiter
}

// Option customises a Server.
type Option func(*Server)

// WithRateLimiter limits requests per client.
func WithRateLimiter(rl *RateLimiter) Option {
	return func(s *Server) { s.limiter = rl }
}

// NewServer creates an API server.
func NewServer(service Service, cfg Config, logger *zap.Logger, opts ...Option) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 10 << 20
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{service: service, config: cfg, logger: logger.Named("api")}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes returns the API router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.config.Timeout))

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authenticate)
		if s.limiter != nil {
			r.Use(s.limiter.Middleware(nil))
		}

		r.Post("/findings", s.handleFindings)
		r.Post("/process", s.handleProcess)
		r.Post("/objects", s.handleObjects)

		r.Get("/batches", s.handleListBatches)
		r.Get("/batches/{id}", s.handleGetBatch)

		r.Get("/deadletters", s.handleListDeadLetters)
		r.Post("/deadletters/{id}/replay", s.handleReplayDeadLetter)
		r.Delete("/deadletters/{id}", s.handleDiscardDeadLetter)
	})
	return r
}

// authenticate requires "Authorization: Bearer <token>". Query-string tokens
// are not accepted.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.Token == "" {
			writeError(w, http.StatusServiceUnavailable, "api token not configured")
			return
		}
		auth := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.config.Token)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid or missing token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Info("Request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// findingsResponse is returned by POST /findings.
type findingsResponse struct {
	Accepted    int                `json:"accepted"`
	ParseErrors []parser.LineError `json:"parse_errors"`
	Summary     *processor.Summary `json:"summary"`
}

// handleFindings accepts a JSON array of findings or line-delimited JSON,
// optionally gzip compressed.
func (s *Server) handleFindings(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "reading body: "+err.Error())
		return
	}

	parsed, err := parseFindings(body, s.config.MaxBodyBytes)
	if errors.Is(err, errInflatedTooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(parsed.Findings) == 0 {
		writeJSON(w, http.StatusBadRequest, findingsResponse{ParseErrors: parsed.Errors})
		return
	}

	sum := s.service.ProcessFindings(r.Context(), parsed.Findings)
	writeJSON(w, http.StatusOK, findingsResponse{
		Accepted:    len(parsed.Findings),
		ParseErrors: parsed.Errors,
		Summary:     sum,
	})
}

var errInflatedTooLarge = errors.New("decompressed body too large")

// parseFindings turns a JSON array into lines so every element goes through
// the same validation as exported objects. The decompressed body is held to
// the same limit as the raw one.
func parseFindings(body []byte, limit int64) (*parser.Result, error) {
	rc, err := parser.Decompress(body)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	plain, err := io.ReadAll(io.LimitReader(rc, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(plain)) > limit {
		return nil, errInflatedTooLarge
	}

	trimmed := bytes.TrimSpace(plain)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return parser.Parse(bytes.NewReader(trimmed))
	}

	var elems []json.RawMessage
	if err := json.Unmarshal(trimmed, &elems); err != nil {
		return nil, errors.New("invalid JSON array: " + err.Error())
	}
	var lines bytes.Buffer
	for _, e := range elems {
		if err := json.Compact(&lines, e); err != nil {
			return nil, err
		}
		lines.WriteByte('\n')
	}
	return parser.Parse(&lines)
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	sum, err := s.service.ProcessPendingObjects(r.Context())
	if err != nil {
		s.logger.Error("Process run failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

type objectsRequest struct {
	Keys []string `json:"keys"`
}

func (s *Server) handleObjects(w http.ResponseWriter, r *http.Request) {
	var req objectsRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Keys) == 0 {
		writeError(w, http.StatusBadRequest, "keys is required")
		return
	}
	writeJSON(w, http.StatusOK, s.service.ProcessSpecificObjects(r.Context(), s.service.Refs(req.Keys...)))
}

func (s *Server) handleListBatches(w http.ResponseWriter, r *http.Request) {
	batches := s.service.Batches()
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := make([]batch.Snapshot, 0, len(batches))
		for _, b := range batches {
			if string(b.Status) == status {
				filtered = append(filtered, b)
			}
		}
		batches = filtered
	}
	writeJSON(w, http.StatusOK, map[string]any{"batches": batches, "count": len(batches)})
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	b, ok := s.service.Batch(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "batch not found")
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	items, err := s.service.DeadLetters(r.Context())
	if err != nil {
		s.deadLetterError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

func (s *Server) handleReplayDeadLetter(w http.ResponseWriter, r *http.Request) {
	resp, err := s.service.ReplayDeadLetter(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.deadLetterError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDiscardDeadLetter(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DiscardDeadLetter(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.deadLetterError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deadLetterError(w http.ResponseWriter, err error) {
	var ingErr *ingestion.Error
	switch {
	case errors.Is(err, retry.ErrDeadLetterNotFound):
		writeError(w, http.StatusNotFound, "dead-letter item not found")
	case errors.Is(err, processor.ErrNoDeadLetterStore):
		writeError(w, http.StatusNotImplemented, err.Error())
	case errors.Is(err, processor.ErrEmptyReplay):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &ingErr):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		s.logger.Error("Dead-letter operation failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

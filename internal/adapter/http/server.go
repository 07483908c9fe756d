package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/couchcryptid/wx-cache-service/internal/domain"
	"github.com/couchcryptid/wx-cache-service/internal/pipeline"
	"github.com/couchcryptid/wx-cache-service/internal/retrieval"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ReadinessChecker reports whether the service is ready to serve traffic.
type ReadinessChecker interface {
	CheckReadiness(ctx context.Context) error
}

// Retriever answers lookups and index queries.
type Retriever interface {
	Lookup(ctx context.Context, kind domain.Kind, id string) (retrieval.Result, error)
	List(ctx context.Context, kind domain.Kind, q retrieval.Query) (retrieval.ListResult, error)
}

// Ingester runs ingestion on demand.
type Ingester interface {
	Run(ctx context.Context, trig domain.Trigger) (pipeline.Summary, error)
	RunAll(ctx context.Context, triggers []domain.Trigger) ([]pipeline.Summary, error)
	Feeds() map[domain.Kind]domain.Feed
}

// maxTriggerBody bounds the optional JSON body of an ingest request.
const maxTriggerBody = 64 << 10

// Server exposes the bulletin API plus health, readiness, and metrics.
type Server struct {
	httpServer *http.Server
	retriever  Retriever
	ingester   Ingester
	logger     *slog.Logger
}

// NewServer creates an HTTP server with the /v1 bulletin routes and the
// /healthz, /readyz, and /metrics routes.
func NewServer(addr string, ready ReadinessChecker, retriever Retriever, ingester Ingester, logger *slog.Logger) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	s := &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			// Ingest requests run a whole download synchronously.
			WriteTimeout: 2 * time.Minute,
			IdleTimeout:  60 * time.Second,
		},
		retriever: retriever,
		ingester:  ingester,
		logger:    logger,
	}

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", handleReady(ready))
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/ingest", s.handleIngestAll)
		r.Post("/ingest/{kind}", s.handleIngest)
		r.Get("/{kind}", s.handleList)
		r.Get("/{kind}/{id}", s.handleLookup)
	})

	return s
}

// Start begins listening. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains connections within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the underlying handler, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func handleReady(checker ReadinessChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := checker.CheckReadiness(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
				"error":  err.Error(),
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

type lookupResponse struct {
	Record            domain.Record `json:"record"`
	Origin            string        `json:"origin"`
	ResolvedFrom      string        `json:"resolvedFrom,omitempty"`
	WriteThroughError string        `json:"writeThroughError,omitempty"`
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	kind, err := domain.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.retriever.Lookup(r.Context(), kind, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp := lookupResponse{
		Record:       res.Record,
		Origin:       string(res.Origin),
		ResolvedFrom: res.Diagnostics.ResolvedFrom,
	}
	if res.Diagnostics.WriteThroughErr != nil {
		resp.WriteThroughError = res.Diagnostics.WriteThroughErr.Error()
	}
	w.Header().Set("X-Cache-Origin", string(res.Origin))
	writeJSON(w, http.StatusOK, resp)
}

type listResponse struct {
	Index   string          `json:"index"`
	Count   int             `json:"count"`
	Skipped int             `json:"skipped"`
	Records []domain.Record `json:"records"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	kind, err := domain.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	q := retrieval.Query{
		Index: retrieval.IndexName(r.URL.Query().Get("index")),
		Group: r.URL.Query().Get("group"),
	}
	if q.Group != "" && q.Index == "" {
		q.Index = retrieval.IndexGroup
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.writeError(w, r, errors.Join(retrieval.ErrInvalidQuery, errors.New("limit must be a positive integer")))
			return
		}
		q.Limit = n
	}

	res, err := s.retriever.List(r.Context(), kind, q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	records := res.Records
	if records == nil {
		records = []domain.Record{}
	}
	writeJSON(w, http.StatusOK, listResponse{
		Index:   res.Index,
		Count:   len(records),
		Skipped: res.Skipped,
		Records: records,
	})
}

// handleIngest runs one ingestion and answers with its summary. The body may
// carry {"sourceUrl": "..."} to override the feed's source.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	trig := domain.Trigger{BulletinKind: chi.URLParam(r, "kind")}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxTriggerBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "read body: " + err.Error()})
		return
	}
	if len(body) > 0 {
		var override struct {
			SourceURL string `json:"sourceUrl"`
		}
		if err := json.Unmarshal(body, &override); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body: " + err.Error()})
			return
		}
		trig.SourceURL = override.SourceURL
	}

	summary, err := s.ingester.Run(r.Context(), trig)
	writeJSON(w, ingestStatus(summary, err), summary)
}

func (s *Server) handleIngestAll(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.ingester.RunAll(r.Context(), pipeline.FeedTriggers(s.ingester.Feeds()))
	status := http.StatusOK
	if err != nil {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, map[string]any{"runs": summaries})
}

func ingestStatus(s pipeline.Summary, err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case s.FailedStage == pipeline.StageIdle:
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

// writeError maps service errors onto status codes.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrUnknownKind),
		errors.Is(err, domain.ErrInvalidIdentifier),
		errors.Is(err, retrieval.ErrInvalidQuery):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrSourceUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"error", err,
		)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck // best-effort response
}

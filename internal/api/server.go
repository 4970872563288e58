// Package api provides REST API handlers for querying the workload.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fidde/pgworkload/internal/ingest"
	"github.com/fidde/pgworkload/internal/receiver"
	"github.com/fidde/pgworkload/internal/storage"
	"github.com/fidde/pgworkload/pkg/models"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// DefaultMaxIngestBytes bounds an ingest request body, both as sent and
// after decompression.
const DefaultMaxIngestBytes = 1 << 30

var errBodyTooLarge = errors.New("request body too large")

// Config configures the API server.
type Config struct {
	Addr string

	// Location resolves zone abbreviations of ingested logs. Nil means UTC.
	Location *time.Location

	// MaxIngestBytes bounds the ingest request body before and after
	// decompression. Zero selects the default.
	MaxIngestBytes int64
}

// Server is the REST API server.
type Server struct {
	store     storage.Storage
	consumer  *receiver.Consumer
	snapshots *SnapshotHandler
	config    Config
	router    *chi.Mux
	server    *http.Server
}

// PaginationParams contains pagination parameters from query string.
type PaginationParams struct {
	Limit  int
	Offset int
}

// PaginatedResponse wraps a paginated response with metadata.
type PaginatedResponse struct {
	Data    interface{} `json:"data"`
	Total   int         `json:"total"`
	Limit   int         `json:"limit"`
	Offset  int         `json:"offset"`
	HasMore bool        `json:"has_more"`
}

// parsePaginationParams extracts pagination parameters from request.
// Defaults: limit=100, offset=0, max_limit=1000
func parsePaginationParams(r *http.Request) PaginationParams {
	const (
		defaultLimit = 100
		maxLimit     = 1000
	)

	limit := defaultLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 {
			limit = parsed
			if limit > maxLimit {
				limit = maxLimit
			}
		}
	}

	offset := 0
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if parsed, err := strconv.Atoi(offsetStr); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	return PaginationParams{
		Limit:  limit,
		Offset: offset,
	}
}

// NewServer creates a new API server. consumer and snapshots may be nil, in
// which case the ingest and snapshot routes are not registered.
func NewServer(config Config, store storage.Storage, consumer *receiver.Consumer, snapshots *SnapshotHandler) *Server {
	if config.MaxIngestBytes <= 0 {
		config.MaxIngestBytes = DefaultMaxIngestBytes
	}

	s := &Server{
		store:     store,
		consumer:  consumer,
		snapshots: snapshots,
		config:    config,
		router:    chi.NewRouter(),
	}

	// Middleware
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.HandleHealth)

		// Template endpoints
		r.Get("/templates", s.listTemplates)
		r.Get("/templates/{hash}", s.getTemplate)
		r.Get("/templates/{hash}/buckets", s.listBuckets)
		r.Get("/templates/{hash}/records", s.listRecords)

		r.Get("/exclusions", s.getExclusions)

		if s.consumer != nil {
			r.Post("/ingest", s.ingestLog)
		}

		if s.snapshots != nil {
			// diff must come before the generic {name} routes
			r.Get("/snapshots", s.snapshots.ListSnapshots)
			r.Post("/snapshots", s.snapshots.CreateSnapshot)
			r.Get("/snapshots/diff", s.snapshots.DiffSnapshots)
			r.Get("/snapshots/{name}", s.snapshots.GetSnapshotMetadata)
			r.Delete("/snapshots/{name}", s.snapshots.DeleteSnapshot)
			r.Post("/snapshots/{name}/load", s.snapshots.LoadSnapshot)
			r.Post("/snapshots/{name}/merge", s.snapshots.MergeSnapshot)
		}

		// Admin endpoints
		r.Post("/admin/clear", s.clearAllData)
	})

	s.server = &http.Server{
		Addr:    config.Addr,
		Handler: s.router,
	}

	return s
}

// Handler returns the router, for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the API server.
func (s *Server) Start() error {
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the API server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// listTemplates returns templates sorted by count, descending.
// Query parameters: limit, offset, min_count, command_tag, q.
func (s *Server) listTemplates(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	params := parsePaginationParams(r)
	query := r.URL.Query()

	filter := models.TemplateFilter{
		CommandTag: query.Get("command_tag"),
		Query:      query.Get("q"),
		Limit:      params.Limit,
		Offset:     params.Offset,
	}
	if minCountStr := query.Get("min_count"); minCountStr != "" {
		minCount, err := strconv.ParseInt(minCountStr, 10, 64)
		if err != nil || minCount < 0 {
			respondError(w, http.StatusBadRequest, "min_count must be a non-negative integer")
			return
		}
		filter.MinCount = minCount
	}

	templates, total, err := s.store.ListTemplates(ctx, filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, PaginatedResponse{
		Data:    templates,
		Total:   total,
		Limit:   params.Limit,
		Offset:  params.Offset,
		HasMore: params.Offset+len(templates) < total,
	})
}

// getTemplate returns a specific template by ID.
func (s *Server) getTemplate(w http.ResponseWriter, r *http.Request) {
	hash, ok := templateHash(w, r)
	if !ok {
		return
	}

	template, err := s.store.GetTemplate(r.Context(), hash)
	if err != nil {
		respondStoreError(w, err, "template not found")
		return
	}

	respondJSON(w, http.StatusOK, template)
}

// listBuckets returns the per-bucket counts of a template.
// Query parameters: from, to (RFC3339, inclusive, optional).
func (s *Server) listBuckets(w http.ResponseWriter, r *http.Request) {
	hash, ok := templateHash(w, r)
	if !ok {
		return
	}

	from, err := parseTimeParam(r, "from")
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	to, err := parseTimeParam(r, "to")
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	buckets, err := s.store.ListBuckets(r.Context(), hash, from, to)
	if err != nil {
		respondStoreError(w, err, "template not found")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"data":  buckets,
		"total": len(buckets),
	})
}

// listRecords returns the most recent example records of a template.
func (s *Server) listRecords(w http.ResponseWriter, r *http.Request) {
	hash, ok := templateHash(w, r)
	if !ok {
		return
	}
	params := parsePaginationParams(r)

	records, err := s.store.ListRecords(r.Context(), hash, params.Limit)
	if err != nil {
		respondStoreError(w, err, "template not found")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"data":  records,
		"total": len(records),
	})
}

// getExclusions returns the exclusion report.
func (s *Server) getExclusions(w http.ResponseWriter, r *http.Request) {
	report, err := s.store.GetExclusions(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"total":   report.Total(),
		"counts":  report.Counts,
		"samples": report.Samples,
	})
}

// ingestLog runs an uploaded PostgreSQL log file through the pipeline.
// POST /api/v1/ingest?format=auto|csvlog|jsonlog&source=name
// The body may be gzip or zstd encoded (Content-Encoding).
func (s *Server) ingestLog(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	query := r.URL.Query()

	format := query.Get("format")
	if format == "" {
		format = ingest.FormatAuto
	}
	source := query.Get("source")
	if source == "" {
		source = "upload"
	}

	limit := s.config.MaxIngestBytes
	decoded, err := decodeBody(http.MaxBytesReader(w, r.Body, limit), r.Header.Get("Content-Encoding"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	body := &limitedBody{ReadCloser: decoded, remaining: limit}
	defer body.Close()

	reader, err := ingest.NewReader(body, source, format, s.config.Location)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	records, unreadable, err := ingest.ReadAll(reader)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) || errors.Is(err, errBodyTooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		respondError(w, http.StatusBadRequest, "reading log: "+err.Error())
		return
	}

	summary, err := s.consumer.ConsumeRecords(ctx, records)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	summary.Unreadable = unreadable

	respondJSON(w, http.StatusOK, summary)
}

func decodeBody(body io.ReadCloser, encoding string) (io.ReadCloser, error) {
	switch strings.ToLower(encoding) {
	case "", "identity":
		return body, nil
	case "gzip":
		gz, err := gzip.NewReader(body)
		if err != nil {
			return nil, errors.New("invalid gzip body: " + err.Error())
		}
		return gz, nil
	case "zstd":
		dec, err := zstd.NewReader(body)
		if err != nil {
			return nil, errors.New("invalid zstd body: " + err.Error())
		}
		return dec.IOReadCloser(), nil
	default:
		return nil, errors.New("unsupported content encoding: " + encoding)
	}
}

// limitedBody fails with errBodyTooLarge once more than remaining bytes
// have been decoded.
type limitedBody struct {
	io.ReadCloser
	remaining int64
}

func (l *limitedBody) Read(p []byte) (int, error) {
	if l.remaining <= 0 {
		var one [1]byte
		n, err := l.ReadCloser.Read(one[:])
		if n > 0 {
			return 0, errBodyTooLarge
		}
		return 0, err
	}
	if int64(len(p)) > l.remaining {
		p = p[:l.remaining]
	}
	n, err := l.ReadCloser.Read(p)
	l.remaining -= int64(n)
	return n, err
}

// templateHash parses the {hash} URL parameter, answering 400 when invalid.
func templateHash(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	hash, err := models.ParseTemplateID(chi.URLParam(r, "hash"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return 0, false
	}
	return hash, true
}

func parseTimeParam(r *http.Request, name string) (time.Time, error) {
	value := r.URL.Query().Get(name)
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, errors.New(name + " must be an RFC3339 timestamp")
	}
	return t, nil
}

// respondJSON writes a JSON response.
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError writes an error response.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{
		"error": message,
	})
}

// respondStoreError maps storage errors to status codes.
func respondStoreError(w http.ResponseWriter, err error, notFound string) {
	if errors.Is(err, models.ErrNotFound) {
		respondError(w, http.StatusNotFound, notFound)
		return
	}
	respondError(w, http.StatusInternalServerError, err.Error())
}

// clearAllData clears all data from the storage.
// POST /api/v1/admin/clear
func (s *Server) clearAllData(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := s.store.Clear(ctx); err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to clear data")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"message": "All data cleared successfully",
	})
}

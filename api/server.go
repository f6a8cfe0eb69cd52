// Package api is the HTTP adapter over the query pipeline and ingestion.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/phuslu/log"

	"github.com/9MpulS/RAG-Asistent/ingestion"
	"github.com/9MpulS/RAG-Asistent/logging"
	"github.com/9MpulS/RAG-Asistent/pipeline"
	"github.com/9MpulS/RAG-Asistent/retrieval"
)

const maxBodyBytes = 1 << 20

type QueryService interface {
	AnswerQuery(ctx context.Context, req pipeline.Request) (pipeline.QueryResult, error)
}

type Ingester interface {
	IngestDirectory(ctx context.Context, dir string) (ingestion.Report, error)
	ReprocessDocument(ctx context.Context, root, documentID string) (ingestion.FileResult, error)
	DeleteDocument(ctx context.Context, documentID string) error
	GetDocument(ctx context.Context, documentID string) (retrieval.Document, error)
	ListDocuments(ctx context.Context, page retrieval.Page) ([]retrieval.Document, int, error)
}

// ClearFunc removes every stored document, chunk and graph node.
type ClearFunc func(ctx context.Context) error

type Dependencies struct {
	Query       QueryService
	Ingest      Ingester
	Clear       ClearFunc
	DataDir     string
	DefaultTopK int
}

// Server exposes HTTP handlers for querying and maintaining the corpus.
type Server struct {
	deps    Dependencies
	logger  *log.Logger
	handler http.Handler
}

type messageResponse struct {
	Message string `json:"message"`
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
	Stage string `json:"stage,omitempty"`
}

type queryRequest struct {
	Question    string   `json:"question"`
	TopK        *int     `json:"top_k"`
	DocumentIDs []string `json:"document_ids"`
}

type ingestRequest struct {
	Dir string `json:"dir"`
}

type clearRequest struct {
	Confirm bool `json:"confirm"`
}

type documentList struct {
	Items  []retrieval.Document `json:"items"`
	Total  int                  `json:"total"`
	Offset int                  `json:"offset"`
	Limit  int                  `json:"limit"`
}

func New(deps Dependencies, logger *log.Logger) *Server {
	s := &Server{deps: deps, logger: logging.OrDefault(logger)}
	s.handler = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/openapi.yaml", s.handleOpenAPI)
	mux.HandleFunc("/v1/query", s.handleQuery)
	mux.HandleFunc("/v1/ingest", s.handleIngest)
	mux.HandleFunc("/v1/clear", s.handleClear)
	mux.HandleFunc("GET /v1/documents", s.handleListDocuments)
	mux.HandleFunc("GET /v1/documents/{id}", s.handleGetDocument)
	mux.HandleFunc("POST /v1/documents/{id}/reprocess", s.handleReprocessDocument)
	mux.HandleFunc("DELETE /v1/documents/{id}", s.handleDeleteDocument)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	s.writeJSON(w, http.StatusOK, messageResponse{Message: "ok"})
}

func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	w.Header().Set("Content-Type", "text/yaml; charset=utf-8")
	w.Header().Set("Content-Disposition", "inline; filename=\"openapi.yaml\"")
	_, _ = w.Write(openAPIDocument)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	if s.deps.Query == nil {
		s.writeError(w, http.StatusServiceUnavailable, fmt.Errorf("query service is not configured"))
		return
	}

	var req queryRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	topK := s.deps.DefaultTopK
	if req.TopK != nil {
		topK = *req.TopK
	}

	result, err := s.deps.Query.AnswerQuery(r.Context(), pipeline.Request{
		Query:          req.Question,
		TopK:           topK,
		DocumentFilter: retrieval.Filter{DocumentIDs: compact(req.DocumentIDs)},
	})
	if err != nil {
		s.writePipelineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	if s.deps.Ingest == nil {
		s.writeError(w, http.StatusServiceUnavailable, fmt.Errorf("ingestion is not configured"))
		return
	}

	var req ingestRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	dir := strings.TrimSpace(req.Dir)
	if dir == "" {
		dir = s.deps.DataDir
	}

	report, err := s.deps.Ingest.IngestDirectory(r.Context(), dir)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Errorf("ingestion failed: %w", err))
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	if !s.ingestConfigured(w) {
		return
	}

	page, err := parsePage(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	page = page.Normalize()

	docs, total, err := s.deps.Ingest.ListDocuments(r.Context(), page)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Errorf("list documents: %w", err))
		return
	}
	s.writeJSON(w, http.StatusOK, documentList{Items: docs, Total: total, Offset: page.Offset, Limit: page.Limit})
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	if !s.ingestConfigured(w) {
		return
	}

	doc, err := s.deps.Ingest.GetDocument(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, documentStatus(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleReprocessDocument(w http.ResponseWriter, r *http.Request) {
	if !s.ingestConfigured(w) {
		return
	}

	res, err := s.deps.Ingest.ReprocessDocument(r.Context(), s.deps.DataDir, r.PathValue("id"))
	if err != nil {
		s.writeError(w, documentStatus(err), fmt.Errorf("reprocess document: %w", err))
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	if !s.ingestConfigured(w) {
		return
	}

	if err := s.deps.Ingest.DeleteDocument(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, documentStatus(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, messageResponse{Message: "document deleted"})
}

func (s *Server) ingestConfigured(w http.ResponseWriter) bool {
	if s.deps.Ingest == nil {
		s.writeError(w, http.StatusServiceUnavailable, fmt.Errorf("ingestion is not configured"))
		return false
	}
	return true
}

func documentStatus(err error) int {
	switch {
	case errors.Is(err, retrieval.ErrDocumentNotFound):
		return http.StatusNotFound
	case errors.Is(err, ingestion.ErrNoSourceFile):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func parsePage(r *http.Request) (retrieval.Page, error) {
	var page retrieval.Page
	for name, dst := range map[string]*int{"offset": &page.Offset, "limit": &page.Limit} {
		raw := strings.TrimSpace(r.URL.Query().Get(name))
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return retrieval.Page{}, fmt.Errorf("%s must be a non-negative integer", name)
		}
		*dst = n
	}
	return page, nil
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	if s.deps.Clear == nil {
		s.writeError(w, http.StatusServiceUnavailable, fmt.Errorf("clear is not configured"))
		return
	}

	var req clearRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if !req.Confirm {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("confirm must be true to clear data"))
		return
	}

	if err := s.deps.Clear(r.Context()); err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Errorf("clear data: %w", err))
		return
	}
	s.logger.Info().Msg("rag data removed")
	s.writeJSON(w, http.StatusOK, messageResponse{Message: "rag data cleared"})
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, allowed string) {
	w.Header().Set("Allow", allowed)
	s.writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed, use %s", allowed))
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error().Err(err).Msg("encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.logger.Warn().Int("status", status).Err(err).Msg("api error")
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (s *Server) writePipelineError(w http.ResponseWriter, err error) {
	var pe *pipeline.Error
	if !errors.As(err, &pe) {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	status := pe.Kind.HTTPStatus()
	s.logger.Warn().Int("status", status).Str("kind", pe.Kind.String()).Err(err).Msg("query failed")
	s.writeJSON(w, status, errorResponse{Error: pe.Error(), Kind: pe.Kind.String(), Stage: pe.Stage.String()})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}

	if dec.More() {
		return fmt.Errorf("request body must contain a single JSON object")
	}
	return nil
}

func compact(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

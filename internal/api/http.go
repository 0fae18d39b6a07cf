// Package api exposes retrieval and question answering over HTTP and MCP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kalambet/litrag/internal/index"
	"github.com/kalambet/litrag/internal/pipeline"
	"github.com/kalambet/litrag/internal/proxy"
	"github.com/kalambet/litrag/internal/retrieval"
	"github.com/kalambet/litrag/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Retriever finds chunks for a query.
type Retriever interface {
	Retrieve(ctx context.Context, query string, k int) ([]retrieval.Result, error)
}

// Asker answers a question from the k best chunks.
type Asker interface {
	Ask(ctx context.Context, question string, k int) (pipeline.Answer, error)
}

// DocumentReader is the read side of the document store.
type DocumentReader interface {
	GetDocument(ctx context.Context, id string) (storage.Document, error)
	ListDocuments(ctx context.Context) ([]storage.Document, error)
	CountByStatus(ctx context.Context) (map[string]int, error)
}

// Deps holds what the HTTP and MCP surfaces need. Retriever and Answerer are
// nil when no index is loaded; the endpoints that need them answer 503.
type Deps struct {
	Documents  DocumentReader
	Retriever  Retriever
	Answerer   Asker
	IndexDir   string
	EmbedModel string
	DefaultK   int
	Token      string
}

func (d Deps) k(requested *int) int {
	if requested != nil {
		return *requested
	}
	if d.DefaultK > 0 {
		return d.DefaultK
	}
	return 5
}

// NewHandler returns the HTTP API. When deps.Token is set every route except
// /health requires it as a bearer token.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		if deps.Token != "" {
			r.Use(BearerAuth(deps.Token))
		}
		r.Get("/v1/status", handleStatus(deps))
		r.Post("/v1/retrieve", handleRetrieve(deps))
		r.Post("/v1/ask", handleAsk(deps))
		r.Get("/v1/documents", handleListDocuments(deps))
		r.Get("/v1/documents/{id}", handleGetDocument(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// StatusResponse reports index and corpus state.
type StatusResponse struct {
	Index     index.State     `json:"index"`
	Manifest  *index.Manifest `json:"manifest,omitempty"`
	Error     string          `json:"error,omitempty"`
	Documents map[string]int  `json:"documents"`
}

func handleStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := index.Inspect(deps.IndexDir, deps.EmbedModel)
		resp := StatusResponse{Index: st.State, Manifest: st.Manifest, Documents: map[string]int{}}
		if st.Err != nil {
			resp.Error = st.Err.Error()
		}
		if deps.Documents != nil {
			counts, err := deps.Documents.CountByStatus(r.Context())
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to count documents: %v", err)
				return
			}
			resp.Documents = counts
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// RetrieveRequest is the body of POST /v1/retrieve. K defaults to the
// configured top k when omitted.
type RetrieveRequest struct {
	Query string `json:"query"`
	K     *int   `json:"k,omitempty"`
}

// ChunkResult is one retrieved chunk.
type ChunkResult struct {
	ChunkID string  `json:"chunk_id"`
	DocID   string  `json:"doc_id"`
	Section string  `json:"section"`
	Text    string  `json:"text"`
	Score   float32 `json:"score"`
}

func chunkResults(results []retrieval.Result) []ChunkResult {
	out := make([]ChunkResult, len(results))
	for i, r := range results {
		out[i] = ChunkResult{
			ChunkID: r.Chunk.ID,
			DocID:   r.Chunk.DocID,
			Section: r.Chunk.Section,
			Text:    r.Chunk.Text,
			Score:   r.Score,
		}
	}
	return out
}

func handleRetrieve(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Retriever == nil {
			httpError(w, http.StatusServiceUnavailable, "index_unavailable", "no index is loaded; run `litrag build`")
			return
		}
		var req RetrieveRequest
		if !decodeBody(w, r, &req) {
			return
		}

		results, err := deps.Retriever.Retrieve(r.Context(), req.Query, deps.k(req.K))
		if err != nil {
			writeError(w, err)
			return
		}
		slog.Debug("retrieved", "query_len", len(req.Query), "results", len(results))
		writeJSON(w, http.StatusOK, map[string]any{"results": chunkResults(results)})
	}
}

// AskRequest is the body of POST /v1/ask.
type AskRequest struct {
	Question string `json:"question"`
	K        *int   `json:"k,omitempty"`
}

// AskResponse is an answer with its sources.
type AskResponse struct {
	pipeline.Answer
	DurationMs int64 `json:"duration_ms"`
}

func handleAsk(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Answerer == nil {
			httpError(w, http.StatusServiceUnavailable, "index_unavailable", "no index is loaded; run `litrag build`")
			return
		}
		var req AskRequest
		if !decodeBody(w, r, &req) {
			return
		}

		start := time.Now()
		ans, err := deps.Answerer.Ask(r.Context(), req.Question, deps.k(req.K))
		if err != nil {
			writeError(w, err)
			return
		}
		if ans.Sources == nil {
			ans.Sources = []pipeline.Source{}
		}
		slog.Debug("answered", "sources", len(ans.Sources), "no_context", ans.NoContext, "duration", time.Since(start))
		writeJSON(w, http.StatusOK, AskResponse{Answer: ans, DurationMs: time.Since(start).Milliseconds()})
	}
}

// DocumentResponse describes a stored document without its raw bytes.
type DocumentResponse struct {
	ID           string          `json:"id"`
	Version      int             `json:"version"`
	Source       string          `json:"source"`
	Format       string          `json:"format"`
	Title        string          `json:"title"`
	Status       string          `json:"status"`
	StatusReason string          `json:"status_reason,omitempty"`
	FetchedAt    string          `json:"fetched_at"`
	Metadata     json.RawMessage `json:"metadata"`
	Text         string          `json:"text,omitempty"`
}

func documentResponse(d storage.Document, withText bool) DocumentResponse {
	resp := DocumentResponse{
		ID:           d.ID,
		Version:      d.Version,
		Source:       d.Source,
		Format:       d.Format,
		Title:        d.Title,
		Status:       d.Status,
		StatusReason: d.StatusReason,
		FetchedAt:    d.FetchedAt.Format(time.RFC3339),
		Metadata:     json.RawMessage(d.MetadataJSON),
	}
	if !json.Valid(resp.Metadata) {
		resp.Metadata = json.RawMessage("{}")
	}
	if withText {
		resp.Text = d.Normalized
	}
	return resp
}

func handleListDocuments(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)
		offset := parseIntParam(r, "offset", 0, 0)

		docs, err := deps.Documents.ListDocuments(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list documents: %v", err)
			return
		}

		out := []DocumentResponse{}
		for i := offset; i < len(docs) && len(out) < limit; i++ {
			out = append(out, documentResponse(docs[i], false))
		}
		writeJSON(w, http.StatusOK, map[string]any{"documents": out, "total": len(docs)})
	}
}

func handleGetDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		doc, err := deps.Documents.GetDocument(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "document not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get document: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, documentResponse(doc, true))
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

// writeError maps pipeline failures onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	var (
		verr *retrieval.ValidationError
		gerr *proxy.GenerationError
		eerr *index.EmbeddingError
	)
	switch {
	case errors.As(err, &verr):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case errors.As(err, &gerr):
		code := http.StatusBadGateway
		switch gerr.Kind {
		case proxy.KindRateLimit:
			code = http.StatusTooManyRequests
		case proxy.KindTimeout:
			code = http.StatusGatewayTimeout
		}
		httpError(w, code, "generation_error_"+string(gerr.Kind), "%v", err)
	case errors.As(err, &eerr):
		httpError(w, http.StatusBadGateway, "embedding_error", "%v", err)
	case errors.Is(err, context.DeadlineExceeded):
		httpError(w, http.StatusGatewayTimeout, "timeout", "%v", err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

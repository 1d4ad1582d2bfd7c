package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/abdul-hamid-achik/vecrag/internal/corpus"
	"github.com/abdul-hamid-achik/vecrag/internal/embed"
	"github.com/abdul-hamid-achik/vecrag/internal/index"
	"github.com/abdul-hamid-achik/vecrag/internal/service"
	"github.com/abdul-hamid-achik/vecrag/internal/version"
	"github.com/abdul-hamid-achik/vecrag/internal/web/templates"
)

// recentDocuments caps the listing on the status page.
const recentDocuments = 20

// Handler handles HTTP requests.
type Handler struct {
	backend   Backend
	log       *slog.Logger
	maxUpload int64
}

// NewHandler creates a new Handler.
func NewHandler(backend Backend, logger *slog.Logger, maxUpload int64) *Handler {
	return &Handler{
		backend:   backend,
		log:       logger,
		maxUpload: maxUpload,
	}
}

// QueryRequest is the body of /api/query and /api/retrieve.
type QueryRequest struct {
	Query     string   `json:"query"`
	TopK      int      `json:"top_k,omitempty"`
	Threshold *float64 `json:"threshold,omitempty"`
}

// UploadResponse is returned after a successful upload.
type UploadResponse struct {
	Message       string          `json:"message"`
	DocumentID    string          `json:"document_id"`
	ChunksCreated int             `json:"chunks_created"`
	Document      corpus.Document `json:"document"`
}

// Status renders the status page.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	stats, err := h.backend.Stats(ctx)
	if err != nil {
		h.htmlError(w, r, err.Error(), http.StatusInternalServerError)
		return
	}
	docs, err := h.backend.List(ctx)
	if err != nil {
		h.htmlError(w, r, err.Error(), http.StatusInternalServerError)
		return
	}

	data := templates.StatusData{
		Version:          version.Version,
		Ready:            stats.Ready,
		Documents:        stats.Documents,
		IndexedDocuments: stats.IndexedDocuments,
		Chunks:           stats.Chunks,
		Dimension:        stats.Dimension,
		Model:            stats.Model,
		Generator:        stats.Generator,
		TopK:             stats.TopK,
		Threshold:        stats.Threshold,
		StartedAt:        stats.StartedAt,
	}
	// List is oldest first.
	for i := len(docs) - 1; i >= 0 && len(data.Recent) < recentDocuments; i-- {
		d := docs[i]
		data.Recent = append(data.Recent, templates.DocumentRow{
			ID:         d.ID,
			Filename:   d.Filename,
			Size:       d.Size,
			Chunks:     d.Chunks,
			UploadedAt: d.UploadedAt,
		})
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := templates.StatusPage(data).Render(ctx, w); err != nil {
		h.log.Warn("render status page", "error", err)
	}
}

// Health reports readiness. It answers 503 until the index is restored.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	stats, err := h.backend.Stats(r.Context())
	if err != nil {
		h.jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	status, code := "ok", http.StatusOK
	if !stats.Ready {
		status, code = "starting", http.StatusServiceUnavailable
	}
	h.jsonStatus(w, code, map[string]interface{}{
		"status":           status,
		"ready":            stats.Ready,
		"version":          version.Version,
		"documents_loaded": stats.Documents,
		"chunks":           stats.Chunks,
	})
}

// Stats returns index statistics as JSON.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.backend.Stats(r.Context())
	if err != nil {
		h.jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.jsonResponse(w, stats)
}

// ListDocuments returns every stored document.
func (h *Handler) ListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := h.backend.List(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	h.jsonResponse(w, map[string]interface{}{
		"count":     len(docs),
		"documents": docs,
	})
}

// Upload stores and indexes the multipart field "file".
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	if err := r.ParseMultipartForm(h.maxUpload); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.jsonError(w, "file too large", http.StatusRequestEntityTooLarge)
			return
		}
		h.jsonError(w, "expected multipart form data", http.StatusBadRequest)
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, header, err := r.FormFile("file")
	if err != nil {
		h.jsonError(w, "No file provided", http.StatusBadRequest)
		return
	}
	defer file.Close()

	if strings.TrimSpace(header.Filename) == "" {
		h.jsonError(w, "No file selected", http.StatusBadRequest)
		return
	}

	doc, err := h.backend.Upload(r.Context(), header.Filename, file)
	if err != nil {
		h.fail(w, err)
		return
	}

	h.jsonStatus(w, http.StatusCreated, UploadResponse{
		Message:       "Document uploaded successfully",
		DocumentID:    doc.ID,
		ChunksCreated: doc.Chunks,
		Document:      doc,
	})
}

// DeleteDocument removes a document from the corpus and the index.
func (h *Handler) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	removed, err := h.backend.Delete(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	if !removed {
		h.jsonError(w, "document not found", http.StatusNotFound)
		return
	}
	h.jsonResponse(w, map[string]interface{}{
		"deleted": true,
		"id":      id,
	})
}

// Query answers a question from the indexed documents.
func (h *Handler) Query(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeQuery(w, r)
	if !ok {
		return
	}
	answer, err := h.backend.Ask(r.Context(), req.Query, service.QueryOptions{TopK: req.TopK, Threshold: req.Threshold})
	if err != nil {
		h.fail(w, err)
		return
	}
	h.jsonResponse(w, answer)
}

// Retrieve returns the relevant passages without generating an answer.
func (h *Handler) Retrieve(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeQuery(w, r)
	if !ok {
		return
	}
	res, err := h.backend.Retrieve(r.Context(), req.Query, service.QueryOptions{TopK: req.TopK, Threshold: req.Threshold})
	if err != nil {
		h.fail(w, err)
		return
	}
	h.jsonResponse(w, res)
}

func (h *Handler) decodeQuery(w http.ResponseWriter, r *http.Request) (QueryRequest, bool) {
	var req QueryRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		h.jsonError(w, "invalid JSON body", http.StatusBadRequest)
		return req, false
	}
	if strings.TrimSpace(req.Query) == "" {
		h.jsonError(w, "Query cannot be empty", http.StatusBadRequest)
		return req, false
	}
	if req.TopK < 0 {
		h.jsonError(w, "top_k must not be negative", http.StatusBadRequest)
		return req, false
	}
	if req.Threshold != nil && *req.Threshold < 0 {
		h.jsonError(w, "threshold must not be negative", http.StatusBadRequest)
		return req, false
	}
	return req, true
}

// fail maps a service error to a status code and writes it.
func (h *Handler) fail(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError && code != http.StatusServiceUnavailable {
		h.log.Error("request failed", "status", code, "error", err)
	}
	h.jsonError(w, err.Error(), code)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrNotReady):
		return http.StatusServiceUnavailable
	case errors.Is(err, service.ErrEmptyQuery),
		errors.Is(err, corpus.ErrUnsupportedFormat),
		errors.Is(err, corpus.ErrInvalidFilename),
		errors.Is(err, index.ErrConfiguration):
		return http.StatusBadRequest
	case errors.Is(err, corpus.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, corpus.ErrExtraction), errors.Is(err, embed.ErrEmptyText):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, embed.ErrEmbedding), errors.Is(err, embed.ErrProviderUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) htmlError(w http.ResponseWriter, r *http.Request, message string, status int) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_ = templates.Error(message).Render(r.Context(), w)
}

// jsonResponse writes a JSON response.
func (h *Handler) jsonResponse(w http.ResponseWriter, data interface{}) {
	h.jsonStatus(w, http.StatusOK, data)
}

func (h *Handler) jsonStatus(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// jsonError writes a JSON error response.
func (h *Handler) jsonError(w http.ResponseWriter, message string, status int) {
	h.jsonStatus(w, status, map[string]string{
		"error": message,
	})
}

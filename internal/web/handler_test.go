package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/abdul-hamid-achik/vecrag/internal/corpus"
	"github.com/abdul-hamid-achik/vecrag/internal/embed"
	"github.com/abdul-hamid-achik/vecrag/internal/logger"
	"github.com/abdul-hamid-achik/vecrag/internal/search"
	"github.com/abdul-hamid-achik/vecrag/internal/service"
)

// fakeBackend records calls and returns canned values.
type fakeBackend struct {
	ready     bool
	docs      []corpus.Document
	uploadErr error
	askErr    error

	uploaded  string
	body      string
	deleted   string
	lastQuery string
	lastOpts  service.QueryOptions
}

func (f *fakeBackend) Ready() bool { return f.ready }

func (f *fakeBackend) Stats(ctx context.Context) (service.Stats, error) {
	return service.Stats{
		Ready:     f.ready,
		Documents: len(f.docs),
		Chunks:    3,
		Dimension: 128,
		Model:     "hash-bow",
		Generator: "extractive",
		TopK:      5,
		Threshold: 0.3,
	}, nil
}

func (f *fakeBackend) List(ctx context.Context) ([]corpus.Document, error) {
	return f.docs, nil
}

func (f *fakeBackend) Upload(ctx context.Context, filename string, r io.Reader) (corpus.Document, error) {
	if !f.ready {
		return corpus.Document{}, service.ErrNotReady
	}
	if f.uploadErr != nil {
		return corpus.Document{}, f.uploadErr
	}
	data, _ := io.ReadAll(r)
	f.uploaded, f.body = filename, string(data)
	doc := corpus.Document{ID: "doc-1", Filename: filename, Size: int64(len(data)), Chunks: 2, UploadedAt: time.Now()}
	f.docs = append(f.docs, doc)
	return doc, nil
}

func (f *fakeBackend) Delete(ctx context.Context, id string) (bool, error) {
	f.deleted = id
	return id == "doc-1", nil
}

func (f *fakeBackend) Ask(ctx context.Context, query string, opts service.QueryOptions) (service.Answer, error) {
	if !f.ready {
		return service.Answer{}, service.ErrNotReady
	}
	if f.askErr != nil {
		return service.Answer{}, f.askErr
	}
	f.lastQuery, f.lastOpts = query, opts
	return service.Answer{
		Query:      query,
		Answer:     "May 1.",
		Sources:    []search.Source{{DocID: "doc-1", ChunkID: "doc-1_chunk_0", SourceName: "deadlines.txt", Score: 0.8}},
		Confidence: 0.8,
		Generator:  "extractive",
	}, nil
}

func (f *fakeBackend) Retrieve(ctx context.Context, query string, opts service.QueryOptions) (search.RetrievalResult, error) {
	f.lastQuery, f.lastOpts = query, opts
	return search.RetrievalResult{
		Query:      query,
		Contexts:   []string{"Deadline is May 1."},
		Sources:    []search.Source{{DocID: "doc-1", ChunkID: "doc-1_chunk_0", SourceName: "deadlines.txt", Score: 0.8}},
		Confidence: 0.8,
	}, nil
}

func newTestServer(b *fakeBackend) *Server {
	return NewServer(ServerConfig{Backend: b, Logger: logger.Discard(), Quiet: true})
}

func do(t *testing.T, s *Server, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
}

func multipartBody(t *testing.T, field, filename, content string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile(field, filename)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = io.WriteString(fw, content)
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf, mw.FormDataContentType()
}

func TestHealth(t *testing.T) {
	b := &fakeBackend{}
	s := newTestServer(b)

	rec := do(t, s, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 before ready, got %d", rec.Code)
	}

	b.ready = true
	rec = do(t, s, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 when ready, got %d", rec.Code)
	}
	var body map[string]any
	decode(t, rec, &body)
	if body["status"] != "ok" || body["ready"] != true {
		t.Errorf("unexpected health body: %v", body)
	}
}

func TestStats(t *testing.T) {
	s := newTestServer(&fakeBackend{ready: true})

	rec := do(t, s, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var stats service.Stats
	decode(t, rec, &stats)
	if stats.Model != "hash-bow" || stats.Dimension != 128 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestQuery(t *testing.T) {
	b := &fakeBackend{ready: true}
	s := newTestServer(b)

	req := httptest.NewRequest(http.MethodPost, "/api/query", strings.NewReader(`{"query":"When is the deadline?","top_k":3,"threshold":0.5}`))
	rec := do(t, s, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var answer service.Answer
	decode(t, rec, &answer)
	if answer.Answer != "May 1." || len(answer.Sources) != 1 || answer.Confidence != 0.8 {
		t.Errorf("unexpected answer: %+v", answer)
	}
	if b.lastOpts.TopK != 3 || b.lastOpts.Threshold == nil || *b.lastOpts.Threshold != 0.5 {
		t.Errorf("options not forwarded: %+v", b.lastOpts)
	}
}

func TestQuery_BadRequests(t *testing.T) {
	s := newTestServer(&fakeBackend{ready: true})

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{"query":`},
		{"empty query", `{"query":"   "}`},
		{"negative top_k", `{"query":"q","top_k":-1}`},
		{"negative threshold", `{"query":"q","threshold":-0.2}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s, httptest.NewRequest(http.MethodPost, "/api/query", strings.NewReader(tt.body)))
			if rec.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", rec.Code)
			}
		})
	}
}

func TestQuery_ErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		b    *fakeBackend
		want int
	}{
		{"not ready", &fakeBackend{}, http.StatusServiceUnavailable},
		{"embedding failure", &fakeBackend{ready: true, askErr: fmt.Errorf("retrieve: %w", embed.ErrProviderUnavailable)}, http.StatusBadGateway},
		{"deadline", &fakeBackend{ready: true, askErr: context.DeadlineExceeded}, http.StatusGatewayTimeout},
		{"other", &fakeBackend{ready: true, askErr: fmt.Errorf("boom")}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(tt.b)
			rec := do(t, s, httptest.NewRequest(http.MethodPost, "/api/query", strings.NewReader(`{"query":"q"}`)))
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, rec.Code)
			}
		})
	}
}

func TestRetrieve(t *testing.T) {
	b := &fakeBackend{ready: true}
	s := newTestServer(b)

	rec := do(t, s, httptest.NewRequest(http.MethodPost, "/api/retrieve", strings.NewReader(`{"query":"deadline"}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var res search.RetrievalResult
	decode(t, rec, &res)
	if len(res.Contexts) != 1 || res.Contexts[0] != "Deadline is May 1." {
		t.Errorf("unexpected contexts: %v", res.Contexts)
	}
	if b.lastOpts.Threshold != nil {
		t.Error("omitted threshold should stay nil")
	}
}

func TestUpload(t *testing.T) {
	for _, path := range []string{"/api/documents", "/api/upload"} {
		t.Run(path, func(t *testing.T) {
			b := &fakeBackend{ready: true}
			s := newTestServer(b)

			body, contentType := multipartBody(t, "file", "deadlines.txt", "Deadline is May 1.")
			req := httptest.NewRequest(http.MethodPost, path, body)
			req.Header.Set("Content-Type", contentType)

			rec := do(t, s, req)
			if rec.Code != http.StatusCreated {
				t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
			}
			var resp UploadResponse
			decode(t, rec, &resp)
			if resp.DocumentID != "doc-1" || resp.ChunksCreated != 2 {
				t.Errorf("unexpected response: %+v", resp)
			}
			if b.uploaded != "deadlines.txt" || b.body != "Deadline is May 1." {
				t.Errorf("backend got %q / %q", b.uploaded, b.body)
			}
		})
	}
}

func TestUpload_Errors(t *testing.T) {
	t.Run("missing field", func(t *testing.T) {
		s := newTestServer(&fakeBackend{ready: true})
		body, contentType := multipartBody(t, "other", "a.txt", "x")
		req := httptest.NewRequest(http.MethodPost, "/api/documents", body)
		req.Header.Set("Content-Type", contentType)
		if rec := do(t, s, req); rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("not multipart", func(t *testing.T) {
		s := newTestServer(&fakeBackend{ready: true})
		req := httptest.NewRequest(http.MethodPost, "/api/documents", strings.NewReader("plain"))
		req.Header.Set("Content-Type", "text/plain")
		if rec := do(t, s, req); rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"unsupported", fmt.Errorf("upload: %w", corpus.ErrUnsupportedFormat), http.StatusBadRequest},
		{"extraction", &corpus.ExtractError{DocID: "d", Format: "txt", Err: corpus.ErrExtraction}, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(&fakeBackend{ready: true, uploadErr: tt.err})
			body, contentType := multipartBody(t, "file", "a.exe", "x")
			req := httptest.NewRequest(http.MethodPost, "/api/documents", body)
			req.Header.Set("Content-Type", contentType)
			if rec := do(t, s, req); rec.Code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, rec.Code)
			}
		})
	}
}

func TestDocuments(t *testing.T) {
	b := &fakeBackend{ready: true, docs: []corpus.Document{{ID: "doc-1", Filename: "a.txt"}}}
	s := newTestServer(b)

	rec := do(t, s, httptest.NewRequest(http.MethodGet, "/api/documents", nil))
	var list struct {
		Count     int               `json:"count"`
		Documents []corpus.Document `json:"documents"`
	}
	decode(t, rec, &list)
	if list.Count != 1 || list.Documents[0].ID != "doc-1" {
		t.Errorf("unexpected listing: %+v", list)
	}

	rec = do(t, s, httptest.NewRequest(http.MethodDelete, "/api/documents/doc-1", nil))
	if rec.Code != http.StatusOK || b.deleted != "doc-1" {
		t.Errorf("expected delete of doc-1, got %d (%q)", rec.Code, b.deleted)
	}

	rec = do(t, s, httptest.NewRequest(http.MethodDelete, "/api/documents/missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown id, got %d", rec.Code)
	}
}

func TestStatusPage(t *testing.T) {
	b := &fakeBackend{ready: true, docs: []corpus.Document{
		{ID: "doc-1", Filename: "<script>.txt", Size: 2048, Chunks: 4, UploadedAt: time.Now()},
	}}
	s := newTestServer(b)

	rec := do(t, s, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	html := rec.Body.String()
	if !strings.Contains(html, "ready") || !strings.Contains(html, "hash-bow") {
		t.Error("status page should show readiness and the model")
	}
	if strings.Contains(html, "<script>.txt") {
		t.Error("filenames must be escaped")
	}
	if !strings.Contains(html, "2.0 KB") {
		t.Error("size should be human readable")
	}
}

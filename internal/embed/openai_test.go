package embed

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

func writeEmbeddings(t *testing.T, w http.ResponseWriter, n, dims int, reversed bool) {
	t.Helper()
	resp := openai.EmbeddingResponse{
		Object: "list",
		Model:  openai.SmallEmbedding3,
		Data:   make([]openai.Embedding, n),
	}
	for i := 0; i < n; i++ {
		vec := make([]float32, dims)
		vec[0] = float32(i + 1)
		idx := i
		if reversed {
			idx = n - 1 - i
		}
		resp.Data[idx] = openai.Embedding{Object: "embedding", Index: i, Embedding: vec}
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		t.Errorf("encode response: %v", err)
	}
}

func TestNewOpenAIProvider(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("VECRAG_OPENAI_API_KEY", "")
	t.Setenv("OPENAI_BASE_URL", "")
	t.Setenv("VECRAG_OPENAI_BASE_URL", "")

	provider := NewOpenAIProvider(OpenAIConfig{APIKey: "test-key"})

	if provider.config.APIKey != "test-key" {
		t.Errorf("expected API key 'test-key', got %s", provider.config.APIKey)
	}
	if provider.Model() != defaultOpenAIModel {
		t.Errorf("expected model %s, got %s", defaultOpenAIModel, provider.Model())
	}
	if provider.config.BaseURL != defaultOpenAIURL {
		t.Errorf("expected base URL %s, got %s", defaultOpenAIURL, provider.config.BaseURL)
	}
	if provider.Dimensions() != 1536 {
		t.Errorf("expected 1536 dimensions, got %d", provider.Dimensions())
	}

	large := NewOpenAIProvider(OpenAIConfig{APIKey: "k", Model: "text-embedding-3-large"})
	if large.Dimensions() != 3072 {
		t.Errorf("expected 3072 dimensions for large model, got %d", large.Dimensions())
	}
}

func TestOpenAIProvider_Embed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.URL.Path != "/embeddings" {
			t.Errorf("expected /embeddings, got %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("expected 'Bearer test-key', got %s", auth)
		}
		writeEmbeddings(t, w, 1, 1536, false)
	}))
	defer server.Close()

	provider := NewOpenAIProvider(OpenAIConfig{
		APIKey:     "test-key",
		BaseURL:    server.URL,
		Dimensions: 1536,
	})

	embedding, err := provider.Embed(context.Background(), "test text")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(embedding) != 1536 {
		t.Errorf("expected 1536 dimensions, got %d", len(embedding))
	}
}

func TestOpenAIProvider_EmbedEmpty(t *testing.T) {
	provider := NewOpenAIProvider(OpenAIConfig{APIKey: "test-key"})

	_, err := provider.Embed(context.Background(), "")
	if !errors.Is(err, ErrEmptyText) {
		t.Errorf("expected ErrEmptyText, got %v", err)
	}
	if !errors.Is(err, ErrEmbedding) {
		t.Errorf("expected error to match ErrEmbedding, got %v", err)
	}
}

func TestOpenAIProvider_EmbedBatchRestoresOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Input []string `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		writeEmbeddings(t, w, len(req.Input), 8, true)
	}))
	defer server.Close()

	provider := NewOpenAIProvider(OpenAIConfig{
		APIKey:     "test-key",
		BaseURL:    server.URL,
		Model:      "custom-model",
		Dimensions: 8,
	})

	texts := []string{"text 1", "text 2", "text 3"}
	embeddings, err := provider.EmbedBatch(context.Background(), texts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(embeddings) != len(texts) {
		t.Fatalf("expected %d embeddings, got %d", len(texts), len(embeddings))
	}
	for i, emb := range embeddings {
		if emb[0] != float32(i+1) {
			t.Errorf("embedding %d out of order: first component %v", i, emb[0])
		}
	}
}

func TestOpenAIProvider_RateLimitRetry(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 2 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"message":"Rate limit exceeded","type":"rate_limit_error"}}`))
			return
		}
		writeEmbeddings(t, w, 1, 4, false)
	}))
	defer server.Close()

	provider := NewOpenAIProvider(OpenAIConfig{
		APIKey:        "test-key",
		BaseURL:       server.URL,
		Model:         "custom-model",
		Dimensions:    4,
		RetryInterval: time.Millisecond,
	})

	if _, err := provider.Embed(context.Background(), "test"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := attempts.Load(); got != 2 {
		t.Errorf("expected 2 attempts, got %d", got)
	}
}

func TestOpenAIProvider_AuthErrorNotRetried(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"Invalid API key","type":"invalid_request_error"}}`))
	}))
	defer server.Close()

	provider := NewOpenAIProvider(OpenAIConfig{
		APIKey:        "bad-key",
		BaseURL:       server.URL,
		RetryInterval: time.Millisecond,
	})

	_, err := provider.Embed(context.Background(), "test")
	if err == nil {
		t.Fatal("expected error for invalid key")
	}
	if got := attempts.Load(); got != 1 {
		t.Errorf("expected a single attempt, got %d", got)
	}
}

func TestOpenAIProvider_DimensionMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEmbeddings(t, w, 1, 3, false)
	}))
	defer server.Close()

	provider := NewOpenAIProvider(OpenAIConfig{
		APIKey:        "test-key",
		BaseURL:       server.URL,
		Model:         "custom-model",
		Dimensions:    4,
		RetryInterval: time.Millisecond,
	})

	_, err := provider.Embed(context.Background(), "test")
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("expected ErrDimensionMismatch, got %v", err)
	}
}

func TestOpenAIProvider_NoAPIKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("VECRAG_OPENAI_API_KEY", "")

	provider := NewOpenAIProvider(OpenAIConfig{})
	if err := provider.Ping(context.Background()); err == nil {
		t.Error("expected ping to fail without an API key")
	}
}

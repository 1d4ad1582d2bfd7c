package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultOllamaURL     = "http://localhost:11434"
	defaultOllamaModel   = "nomic-embed-text"
	defaultOllamaDims    = 768
	defaultTimeout       = 30 * time.Second
	defaultMaxRetries    = 3
	defaultRetryInterval = 500 * time.Millisecond
	ollamaMaxBatchSize   = 32
)

// OllamaConfig holds configuration for the Ollama embedding provider.
type OllamaConfig struct {
	URL           string
	Model         string
	Dimensions    int
	Timeout       time.Duration
	MaxRetries    int
	RetryInterval time.Duration
}

// DefaultOllamaConfig returns a default configuration for Ollama.
func DefaultOllamaConfig() OllamaConfig {
	return OllamaConfig{
		URL:           defaultOllamaURL,
		Model:         defaultOllamaModel,
		Dimensions:    defaultOllamaDims,
		Timeout:       defaultTimeout,
		MaxRetries:    defaultMaxRetries,
		RetryInterval: defaultRetryInterval,
	}
}

// OllamaProvider implements the Provider interface using Ollama's
// batched /api/embed endpoint.
type OllamaProvider struct {
	config OllamaConfig
	client *http.Client
}

type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaEmbedResponse struct {
	Model      string      `json:"model"`
	Embeddings [][]float64 `json:"embeddings"`
}

type ollamaErrorResponse struct {
	Error string `json:"error"`
}

// NewOllamaProvider creates a new Ollama embedding provider.
func NewOllamaProvider(cfg OllamaConfig) *OllamaProvider {
	if cfg.URL == "" {
		cfg.URL = defaultOllamaURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultOllamaModel
	}
	if cfg.Dimensions == 0 {
		cfg.Dimensions = ModelDimensions(cfg.Model)
		if cfg.Dimensions == 0 {
			cfg.Dimensions = defaultOllamaDims
		}
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = defaultRetryInterval
	}

	cfg.URL = strings.TrimRight(cfg.URL, "/")

	return &OllamaProvider{
		config: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Embed generates an embedding for a single text.
func (p *OllamaProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, NewProviderError("ollama", "embed", ErrEmptyText)
	}
	out, err := p.embedWithRetry(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// EmbedBatch generates embeddings for multiple texts, ollamaMaxBatchSize
// inputs per request.
func (p *OllamaProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if err := checkTexts("ollama", texts); err != nil {
		return nil, err
	}

	results := make([][]float32, 0, len(texts))
	for i := 0; i < len(texts); i += ollamaMaxBatchSize {
		end := min(i+ollamaMaxBatchSize, len(texts))
		out, err := p.embedWithRetry(ctx, texts[i:end])
		if err != nil {
			return nil, err
		}
		results = append(results, out...)
	}
	return results, nil
}

func (p *OllamaProvider) embedWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	var lastErr error
	for attempt := 0; attempt < p.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, NewProviderError("ollama", "embed", ErrContextCanceled)
			case <-time.After(p.config.RetryInterval * time.Duration(attempt)):
			}
		}

		out, err := p.doEmbed(ctx, texts)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !IsRetriable(err) {
			break
		}
	}
	return nil, NewProviderError("ollama", "embed", lastErr)
}

// doEmbed performs a single embedding request.
func (p *OllamaProvider) doEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	jsonBody, err := json.Marshal(ollamaEmbedRequest{Model: p.config.Model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.URL+"/api/embed", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ErrContextCanceled
		}
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errResp ollamaErrorResponse
		if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
			if strings.Contains(errResp.Error, "model") && strings.Contains(errResp.Error, "not found") {
				return nil, ErrModelNotFound
			}
			return nil, fmt.Errorf("ollama error: %s", errResp.Error)
		}
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}

	var embResp ollamaEmbedResponse
	if err := json.Unmarshal(body, &embResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if len(embResp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(embResp.Embeddings))
	}

	out := make([][]float32, len(texts))
	for i, e := range embResp.Embeddings {
		if len(e) != p.config.Dimensions {
			return nil, fmt.Errorf("%w: expected %d, got %d", ErrDimensionMismatch, p.config.Dimensions, len(e))
		}
		vec := make([]float32, len(e))
		for j, x := range e {
			vec[j] = float32(x)
		}
		out[i] = vec
	}
	return out, nil
}

// Model returns the name of the embedding model.
func (p *OllamaProvider) Model() string {
	return p.config.Model
}

// Dimensions returns the embedding vector dimensions.
func (p *OllamaProvider) Dimensions() int {
	return p.config.Dimensions
}

// Ping checks if Ollama is running and the model is pulled.
func (p *OllamaProvider) Ping(ctx context.Context) error {
	body, _ := json.Marshal(map[string]string{"model": p.config.Model})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.URL+"/api/show", bytes.NewReader(body))
	if err != nil {
		return NewProviderError("ollama", "ping", fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return NewProviderError("ollama", "ping", ErrProviderUnavailable)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusNotFound:
		return NewProviderError("ollama", "ping", ErrModelNotFound)
	default:
		return NewProviderError("ollama", "ping", fmt.Errorf("unexpected status: %d", resp.StatusCode))
	}
}

package embed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

const (
	defaultOpenAIURL        = "https://api.openai.com/v1"
	defaultOpenAIModel      = "text-embedding-3-small"
	defaultOpenAIDims       = 1536
	defaultOpenAITimeout    = 60 * time.Second
	defaultOpenAIMaxRetries = 3
	defaultOpenAIRetryDelay = 1 * time.Second
	openAIMaxBatchSize      = 2048 // OpenAI supports up to 2048 inputs per request
)

// OpenAIConfig holds configuration for the OpenAI embedding provider.
type OpenAIConfig struct {
	APIKey        string
	Model         string
	Dimensions    int
	BaseURL       string
	Timeout       time.Duration
	MaxRetries    int
	RetryInterval time.Duration
}

// DefaultOpenAIConfig returns a default configuration for OpenAI.
func DefaultOpenAIConfig() OpenAIConfig {
	return OpenAIConfig{
		APIKey:        firstEnv("OPENAI_API_KEY", "VECRAG_OPENAI_API_KEY"),
		Model:         defaultOpenAIModel,
		Dimensions:    defaultOpenAIDims,
		BaseURL:       defaultOpenAIURL,
		Timeout:       defaultOpenAITimeout,
		MaxRetries:    defaultOpenAIMaxRetries,
		RetryInterval: defaultOpenAIRetryDelay,
	}
}

// OpenAIProvider implements the Provider interface on top of go-openai.
type OpenAIProvider struct {
	config OpenAIConfig
	client *openai.Client
}

// NewOpenAIProvider creates a new OpenAI embedding provider.
func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	if cfg.APIKey == "" {
		cfg.APIKey = firstEnv("OPENAI_API_KEY", "VECRAG_OPENAI_API_KEY")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = firstEnv("OPENAI_BASE_URL", "VECRAG_OPENAI_BASE_URL")
		if cfg.BaseURL == "" {
			cfg.BaseURL = defaultOpenAIURL
		}
	}
	if cfg.Model == "" {
		cfg.Model = defaultOpenAIModel
	}
	if cfg.Dimensions == 0 {
		cfg.Dimensions = ModelDimensions(cfg.Model)
		if cfg.Dimensions == 0 {
			cfg.Dimensions = defaultOpenAIDims
		}
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultOpenAITimeout
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultOpenAIMaxRetries
	}
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = defaultOpenAIRetryDelay
	}

	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	clientCfg.BaseURL = cfg.BaseURL
	clientCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}

	return &OpenAIProvider{
		config: cfg,
		client: openai.NewClientWithConfig(clientCfg),
	}
}

// Embed generates an embedding for a single text.
func (p *OpenAIProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, NewProviderError("openai", "embed", ErrEmptyText)
	}

	embeddings, err := p.embedWithRetry(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return embeddings[0], nil
}

// EmbedBatch generates embeddings for multiple texts.
func (p *OpenAIProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if err := checkTexts("openai", texts); err != nil {
		return nil, err
	}

	results := make([][]float32, 0, len(texts))
	for i := 0; i < len(texts); i += openAIMaxBatchSize {
		end := min(i+openAIMaxBatchSize, len(texts))
		embeddings, err := p.embedWithRetry(ctx, texts[i:end])
		if err != nil {
			return nil, err
		}
		results = append(results, embeddings...)
	}
	return results, nil
}

// embedWithRetry performs a batch request with exponential backoff.
func (p *OpenAIProvider) embedWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	if p.config.APIKey == "" {
		return nil, NewProviderError("openai", "embed", fmt.Errorf("API key not configured"))
	}

	var lastErr error
	for attempt := 0; attempt < p.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, NewProviderError("openai", "embed", ErrContextCanceled)
			case <-time.After(p.config.RetryInterval * time.Duration(1<<uint(attempt-1))):
			}
		}

		embeddings, err := p.doEmbed(ctx, texts)
		if err == nil {
			return embeddings, nil
		}
		lastErr = err

		if !IsRetriable(err) || isAuthError(err) {
			break
		}
	}

	return nil, NewProviderError("openai", "embed", lastErr)
}

// doEmbed performs a single request and restores input order.
func (p *OpenAIProvider) doEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	req := openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(p.config.Model),
	}
	// Only text-embedding-3-* accepts a dimensions override.
	if strings.HasPrefix(p.config.Model, "text-embedding-3") {
		req.Dimensions = p.config.Dimensions
	}

	resp, err := p.client.CreateEmbeddings(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ErrContextCanceled
		}
		if isStatus(err, http.StatusTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", ErrRateLimited, err)
		}
		return nil, err
	}

	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("no embeddings returned")
	}

	embeddings := make([][]float32, len(texts))
	for _, data := range resp.Data {
		if data.Index < 0 || data.Index >= len(texts) {
			return nil, fmt.Errorf("invalid embedding index: %d", data.Index)
		}
		vec := make([]float32, len(data.Embedding))
		for i, x := range data.Embedding {
			vec[i] = float32(x)
		}
		if len(vec) != p.config.Dimensions {
			return nil, fmt.Errorf("%w: expected %d, got %d", ErrDimensionMismatch, p.config.Dimensions, len(vec))
		}
		embeddings[data.Index] = vec
	}

	for i, emb := range embeddings {
		if emb == nil {
			return nil, fmt.Errorf("missing embedding for index %d", i)
		}
	}
	return embeddings, nil
}

// Model returns the name of the embedding model.
func (p *OpenAIProvider) Model() string {
	return p.config.Model
}

// Dimensions returns the embedding vector dimensions.
func (p *OpenAIProvider) Dimensions() int {
	return p.config.Dimensions
}

// Ping checks if OpenAI is available and the API key is valid.
func (p *OpenAIProvider) Ping(ctx context.Context) error {
	if p.config.APIKey == "" {
		return NewProviderError("openai", "ping", fmt.Errorf("API key not configured"))
	}
	if _, err := p.Embed(ctx, "ping"); err != nil {
		return NewProviderError("openai", "ping", err)
	}
	return nil
}

func isStatus(err error, code int) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == code {
		return true
	}
	var reqErr *openai.RequestError
	return errors.As(err, &reqErr) && reqErr.HTTPStatusCode == code
}

func isAuthError(err error) bool {
	return isStatus(err, http.StatusUnauthorized) || isStatus(err, http.StatusForbidden)
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

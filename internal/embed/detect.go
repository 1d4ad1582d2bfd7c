package embed

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"
)

// ProviderType represents the type of embedding provider.
type ProviderType string

const (
	// ProviderHash is the offline feature-hashing provider.
	ProviderHash ProviderType = "hash"
	// ProviderOllama is the Ollama embedding provider.
	ProviderOllama ProviderType = "ollama"
	// ProviderOpenAI is the OpenAI embedding provider.
	ProviderOpenAI ProviderType = "openai"
)

// ParseProviderType validates a provider name.
func ParseProviderType(s string) (ProviderType, error) {
	switch t := ProviderType(strings.ToLower(strings.TrimSpace(s))); t {
	case ProviderHash, ProviderOllama, ProviderOpenAI:
		return t, nil
	case "":
		return ProviderHash, nil
	default:
		return "", fmt.Errorf("unknown embedding provider: %q", s)
	}
}

// Options selects and configures a provider.
type Options struct {
	Provider          ProviderType
	Model             string
	Dimensions        int
	OllamaURL         string
	OpenAIAPIKey      string
	OpenAIBaseURL     string
	RequestsPerSecond float64
	Burst             int
	CacheSize         int
}

// New builds a provider from opts. A positive RequestsPerSecond adds rate
// limiting and a positive CacheSize adds an LRU cache in front of it.
func New(opts Options) (Provider, error) {
	var p Provider

	switch opts.Provider {
	case ProviderHash, "":
		p = NewHashProvider(opts.Dimensions)
	case ProviderOllama:
		p = NewOllamaProvider(OllamaConfig{
			URL:        opts.OllamaURL,
			Model:      opts.Model,
			Dimensions: opts.Dimensions,
		})
	case ProviderOpenAI:
		p = NewOpenAIProvider(OpenAIConfig{
			APIKey:     opts.OpenAIAPIKey,
			BaseURL:    opts.OpenAIBaseURL,
			Model:      opts.Model,
			Dimensions: opts.Dimensions,
		})
	default:
		return nil, fmt.Errorf("unknown embedding provider: %q", opts.Provider)
	}

	if opts.RequestsPerSecond > 0 {
		p = WithRateLimit(p, opts.RequestsPerSecond, opts.Burst)
	}
	if opts.CacheSize > 0 {
		p = WithCache(p, opts.CacheSize)
	}
	return p, nil
}

// DetectedProvider contains information about a detected embedding provider.
type DetectedProvider struct {
	Type        ProviderType
	Available   bool
	URL         string
	Model       string
	Dimensions  int
	Description string
}

// DetectProviders reports which providers are usable from this machine.
// The hash provider is always available.
func DetectProviders(ctx context.Context, ollamaURL string) []DetectedProvider {
	if host := os.Getenv("OLLAMA_HOST"); host != "" && ollamaURL == "" {
		ollamaURL = host
	}
	if ollamaURL == "" {
		ollamaURL = defaultOllamaURL
	}

	return []DetectedProvider{
		detectOllama(ctx, ollamaURL),
		{
			Type:        ProviderOpenAI,
			Available:   firstEnv("OPENAI_API_KEY", "VECRAG_OPENAI_API_KEY") != "",
			URL:         defaultOpenAIURL,
			Model:       defaultOpenAIModel,
			Dimensions:  defaultOpenAIDims,
			Description: "OpenAI embedding API",
		},
		{
			Type:        ProviderHash,
			Available:   true,
			Model:       "hash-bow",
			Dimensions:  defaultHashDims,
			Description: "Offline feature-hashing embedder",
		},
	}
}

func detectOllama(ctx context.Context, url string) DetectedProvider {
	d := DetectedProvider{
		Type:        ProviderOllama,
		URL:         strings.TrimRight(url, "/"),
		Model:       defaultOllamaModel,
		Dimensions:  defaultOllamaDims,
		Description: "Local embedding provider using Ollama",
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.URL+"/api/tags", nil)
	if err != nil {
		return d
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return d
	}
	defer resp.Body.Close()

	d.Available = resp.StatusCode == http.StatusOK
	return d
}

// Best returns the preferred available provider: Ollama, then OpenAI,
// then the offline hash provider.
func Best(detected []DetectedProvider) DetectedProvider {
	for _, want := range []ProviderType{ProviderOllama, ProviderOpenAI} {
		for _, d := range detected {
			if d.Type == want && d.Available {
				return d
			}
		}
	}
	return DetectedProvider{Type: ProviderHash, Available: true, Model: "hash-bow", Dimensions: defaultHashDims}
}

// ModelInfo contains information about an embedding model.
type ModelInfo struct {
	Name       string
	Provider   ProviderType
	Dimensions int
}

// SupportedModels returns the embedding models with known dimensions.
func SupportedModels() []ModelInfo {
	return []ModelInfo{
		{Name: "nomic-embed-text", Provider: ProviderOllama, Dimensions: 768},
		{Name: "mxbai-embed-large", Provider: ProviderOllama, Dimensions: 1024},
		{Name: "all-minilm", Provider: ProviderOllama, Dimensions: 384},
		{Name: "text-embedding-3-small", Provider: ProviderOpenAI, Dimensions: 1536},
		{Name: "text-embedding-3-large", Provider: ProviderOpenAI, Dimensions: 3072},
		{Name: "text-embedding-ada-002", Provider: ProviderOpenAI, Dimensions: 1536},
	}
}

// ModelDimensions returns the embedding dimensions for a known model,
// or 0 if the model is unknown.
func ModelDimensions(model string) int {
	for _, m := range SupportedModels() {
		if m.Name == model {
			return m.Dimensions
		}
	}
	return 0
}

package generate

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

const (
	defaultChatModel       = openai.GPT4oMini
	defaultChatMaxTokens   = 500
	defaultChatTemperature = 0.1
	defaultChatTimeout     = 60 * time.Second
)

// OpenAIConfig configures the chat completion generator.
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float32
	Timeout     time.Duration
}

// OpenAIGenerator answers with an OpenAI-compatible chat completion.
type OpenAIGenerator struct {
	config OpenAIConfig
	client *openai.Client
}

// NewOpenAIGenerator creates a chat generator. Missing settings fall back
// to OPENAI_API_KEY, OPENAI_BASE_URL and the defaults.
func NewOpenAIGenerator(cfg OpenAIConfig) *OpenAIGenerator {
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = os.Getenv("OPENAI_BASE_URL")
	}
	if cfg.Model == "" {
		cfg.Model = defaultChatModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultChatMaxTokens
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = defaultChatTemperature
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultChatTimeout
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	clientCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}

	return &OpenAIGenerator{
		config: cfg,
		client: openai.NewClientWithConfig(clientCfg),
	}
}

// Name returns the provider and model.
func (g *OpenAIGenerator) Name() string {
	return ProviderOpenAI + ":" + g.config.Model
}

// Generate sends the filled prompt and returns the trimmed first choice.
func (g *OpenAIGenerator) Generate(ctx context.Context, query string, contexts []string) (string, error) {
	if g.config.APIKey == "" {
		return "", &genError{provider: ProviderOpenAI, err: errors.New("OPENAI_API_KEY not set")}
	}

	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: g.config.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: BuildPrompt(query, contexts)},
		},
		MaxTokens:   g.config.MaxTokens,
		Temperature: g.config.Temperature,
	})
	if err != nil {
		return "", &genError{provider: ProviderOpenAI, err: err}
	}
	if len(resp.Choices) == 0 {
		return "", &genError{provider: ProviderOpenAI, err: errors.New("response has no choices")}
	}

	answer := strings.TrimSpace(resp.Choices[0].Message.Content)
	if answer == "" {
		return "", &genError{provider: ProviderOpenAI, err: errors.New("empty completion")}
	}
	return answer, nil
}

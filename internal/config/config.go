package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/abdul-hamid-achik/vecrag/internal/corpus"
	"github.com/abdul-hamid-achik/vecrag/internal/embed"
	"github.com/abdul-hamid-achik/vecrag/internal/generate"
	"github.com/abdul-hamid-achik/vecrag/internal/index"
	"github.com/abdul-hamid-achik/vecrag/internal/search"
)

const (
	// DefaultDataDir is the default directory name for vecrag data
	DefaultDataDir = ".vecrag"
	// DefaultConfigName is the config file name without extension
	DefaultConfigName = "vecrag"
	// DefaultConfigFile is the default config filename
	DefaultConfigFile = DefaultConfigName + ".yaml"
	// EnvPrefix prefixes every environment override
	EnvPrefix = "VECRAG"
)

// Config holds the application configuration
type Config struct {
	// DataDir holds uploads, the corpus database and the entry snapshot
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`

	Embedding  EmbeddingConfig  `mapstructure:"embedding" yaml:"embedding"`
	Chunking   ChunkingConfig   `mapstructure:"chunking" yaml:"chunking"`
	Retrieval  RetrievalConfig  `mapstructure:"retrieval" yaml:"retrieval"`
	Indexing   IndexingConfig   `mapstructure:"indexing" yaml:"indexing"`
	Generation GenerationConfig `mapstructure:"generation" yaml:"generation"`
	Server     ServerConfig     `mapstructure:"server" yaml:"server"`
	Watch      WatchConfig      `mapstructure:"watch" yaml:"watch"`
	Log        LogConfig        `mapstructure:"log" yaml:"log"`

	// File is the config file that was read, empty when none was found
	File string `mapstructure:"-" yaml:"-"`
}

// EmbeddingConfig holds embedding provider settings
type EmbeddingConfig struct {
	// Provider is the embedding provider: "hash", "ollama", "openai"
	Provider string `mapstructure:"provider" yaml:"provider"`
	// Model is the embedding model name, empty for the provider default
	Model string `mapstructure:"model" yaml:"model,omitempty"`
	// Dimensions is the embedding vector dimensions, 0 for the model default
	Dimensions int `mapstructure:"dimensions" yaml:"dimensions,omitempty"`
	// OllamaURL is the Ollama API URL
	OllamaURL string `mapstructure:"ollama_url" yaml:"ollama_url,omitempty"`
	// OpenAIAPIKey can also be set via VECRAG_OPENAI_API_KEY or OPENAI_API_KEY
	OpenAIAPIKey string `mapstructure:"openai_api_key" yaml:"openai_api_key,omitempty"`
	// OpenAIBaseURL can also be set via VECRAG_OPENAI_BASE_URL or OPENAI_BASE_URL
	OpenAIBaseURL string `mapstructure:"openai_base_url" yaml:"openai_base_url,omitempty"`
	// RequestsPerSecond limits provider calls, 0 disables the limit
	RequestsPerSecond float64 `mapstructure:"requests_per_second" yaml:"requests_per_second,omitempty"`
	// CacheSize is the number of cached embeddings, 0 disables the cache
	CacheSize int `mapstructure:"cache_size" yaml:"cache_size,omitempty"`
}

// ChunkingConfig holds chunker settings, measured in words
type ChunkingConfig struct {
	ChunkSize int `mapstructure:"chunk_size" yaml:"chunk_size"`
	Overlap   int `mapstructure:"overlap" yaml:"overlap"`
	MinChars  int `mapstructure:"min_chars" yaml:"min_chars"`
}

// RetrievalConfig holds query defaults
type RetrievalConfig struct {
	TopK      int     `mapstructure:"top_k" yaml:"top_k"`
	Threshold float64 `mapstructure:"threshold" yaml:"threshold"`
	Normalize bool    `mapstructure:"normalize" yaml:"normalize"`
	// Warmup embeds a few common questions after startup
	Warmup bool `mapstructure:"warmup" yaml:"warmup,omitempty"`
}

// IndexingConfig holds ingestion settings
type IndexingConfig struct {
	Workers        int      `mapstructure:"workers" yaml:"workers"`
	BatchSize      int      `mapstructure:"batch_size" yaml:"batch_size"`
	IgnorePatterns []string `mapstructure:"ignore_patterns" yaml:"ignore_patterns,omitempty"`
	PDFTool        string   `mapstructure:"pdf_tool" yaml:"pdf_tool,omitempty"` // pdftotext binary
}

// GenerationConfig selects how answers are produced
type GenerationConfig struct {
	// Provider is "none" (extractive answers) or "openai"
	Provider    string  `mapstructure:"provider" yaml:"provider"`
	Model       string  `mapstructure:"model" yaml:"model,omitempty"`
	MaxTokens   int     `mapstructure:"max_tokens" yaml:"max_tokens,omitempty"`
	Temperature float32 `mapstructure:"temperature" yaml:"temperature,omitempty"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`
}

// WatchConfig holds inbox watcher settings
type WatchConfig struct {
	// Dir is watched by "serve" when set
	Dir      string        `mapstructure:"dir" yaml:"dir,omitempty"`
	Debounce time.Duration `mapstructure:"debounce" yaml:"debounce"`
}

// MarshalYAML writes the debounce as a duration string.
func (w WatchConfig) MarshalYAML() (any, error) {
	return struct {
		Dir      string `yaml:"dir,omitempty"`
		Debounce string `yaml:"debounce"`
	}{w.Dir, w.Debounce.String()}, nil
}

// LogConfig holds logger settings
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	chunking := index.DefaultChunkerConfig()
	indexing := index.DefaultIndexerConfig()
	return &Config{
		DataDir: DefaultDataDir,
		Embedding: EmbeddingConfig{
			Provider:  string(embed.ProviderHash),
			OllamaURL: "http://localhost:11434",
			CacheSize: 1000,
		},
		Chunking: ChunkingConfig{
			ChunkSize: chunking.ChunkSize,
			Overlap:   chunking.ChunkOverlap,
			MinChars:  chunking.MinChars,
		},
		Retrieval: RetrievalConfig{
			TopK:      search.DefaultTopK,
			Threshold: search.DefaultThreshold,
			Normalize: true,
		},
		Indexing: IndexingConfig{
			Workers:        indexing.Workers,
			BatchSize:      indexing.BatchSize,
			IgnorePatterns: append([]string(nil), corpus.DefaultIgnorePatterns...),
			PDFTool:        corpus.DefaultPDFTool,
		},
		Generation: GenerationConfig{
			Provider:  generate.ProviderNone,
			MaxTokens: 500,
		},
		Server: ServerConfig{
			Host: "localhost",
			Port: 8080,
		},
		Watch: WatchConfig{
			Debounce: 500 * time.Millisecond,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from defaults, then the config file, then
// VECRAG_* environment variables. An explicit path must exist; otherwise
// vecrag.yaml is searched in the current directory and the data directory.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("data_dir", EnvPrefix+"_DATA_DIR", "DATA_DIR")
	_ = v.BindEnv("embedding.openai_api_key", EnvPrefix+"_OPENAI_API_KEY")
	_ = v.BindEnv("embedding.openai_base_url", EnvPrefix+"_OPENAI_BASE_URL")
	_ = v.BindEnv("embedding.ollama_url", EnvPrefix+"_OLLAMA_URL", EnvPrefix+"_EMBEDDING_OLLAMA_URL")
	_ = v.BindEnv("server.host", EnvPrefix+"_HOST", EnvPrefix+"_SERVER_HOST")
	_ = v.BindEnv("server.port", EnvPrefix+"_PORT", EnvPrefix+"_SERVER_PORT")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(DefaultConfigName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(v.GetString("data_dir"))
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()

	if !filepath.IsAbs(cfg.DataDir) {
		abs, err := filepath.Abs(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("resolve data dir: %w", err)
		}
		cfg.DataDir = abs
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("data_dir", d.DataDir)

	v.SetDefault("embedding.provider", d.Embedding.Provider)
	v.SetDefault("embedding.model", d.Embedding.Model)
	v.SetDefault("embedding.dimensions", d.Embedding.Dimensions)
	v.SetDefault("embedding.ollama_url", d.Embedding.OllamaURL)
	v.SetDefault("embedding.openai_api_key", d.Embedding.OpenAIAPIKey)
	v.SetDefault("embedding.openai_base_url", d.Embedding.OpenAIBaseURL)
	v.SetDefault("embedding.requests_per_second", d.Embedding.RequestsPerSecond)
	v.SetDefault("embedding.cache_size", d.Embedding.CacheSize)

	v.SetDefault("chunking.chunk_size", d.Chunking.ChunkSize)
	v.SetDefault("chunking.overlap", d.Chunking.Overlap)
	v.SetDefault("chunking.min_chars", d.Chunking.MinChars)

	v.SetDefault("retrieval.top_k", d.Retrieval.TopK)
	v.SetDefault("retrieval.threshold", d.Retrieval.Threshold)
	v.SetDefault("retrieval.normalize", d.Retrieval.Normalize)
	v.SetDefault("retrieval.warmup", d.Retrieval.Warmup)

	v.SetDefault("indexing.workers", d.Indexing.Workers)
	v.SetDefault("indexing.batch_size", d.Indexing.BatchSize)
	v.SetDefault("indexing.ignore_patterns", d.Indexing.IgnorePatterns)
	v.SetDefault("indexing.pdf_tool", d.Indexing.PDFTool)

	v.SetDefault("generation.provider", d.Generation.Provider)
	v.SetDefault("generation.model", d.Generation.Model)
	v.SetDefault("generation.max_tokens", d.Generation.MaxTokens)
	v.SetDefault("generation.temperature", d.Generation.Temperature)

	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)

	v.SetDefault("watch.dir", d.Watch.Dir)
	v.SetDefault("watch.debounce", d.Watch.Debounce)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// Validate checks the settings that would otherwise fail deep inside a
// component. Errors are *index.ConfigError values wrapping
// index.ErrConfiguration.
func (c *Config) Validate() error {
	if err := c.ChunkerConfig().Validate(); err != nil {
		return err
	}
	if c.Retrieval.TopK <= 0 {
		return invalid("retrieval.top_k", "must be positive, got %d", c.Retrieval.TopK)
	}
	if c.Retrieval.Threshold < 0 {
		return invalid("retrieval.threshold", "must not be negative, got %g", c.Retrieval.Threshold)
	}
	if _, err := embed.ParseProviderType(c.Embedding.Provider); err != nil {
		return invalid("embedding.provider", "unknown provider %q", c.Embedding.Provider)
	}
	if c.Embedding.Dimensions < 0 {
		return invalid("embedding.dimensions", "must not be negative, got %d", c.Embedding.Dimensions)
	}
	switch strings.ToLower(c.Generation.Provider) {
	case "", generate.ProviderNone, generate.ProviderExtractive, generate.ProviderOpenAI:
	default:
		return invalid("generation.provider", "unknown provider %q", c.Generation.Provider)
	}
	if c.Indexing.Workers < 0 || c.Indexing.BatchSize < 0 {
		return invalid("indexing", "workers and batch_size must not be negative")
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return invalid("server.port", "out of range: %d", c.Server.Port)
	}
	if c.Watch.Debounce < 0 {
		return invalid("watch.debounce", "must not be negative, got %s", c.Watch.Debounce)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return invalid("log.format", "must be text or json, got %q", c.Log.Format)
	}
	return nil
}

func invalid(field, format string, args ...any) error {
	return &index.ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ChunkerConfig returns the chunker settings.
func (c *Config) ChunkerConfig() index.ChunkerConfig {
	return index.ChunkerConfig{
		ChunkSize:    c.Chunking.ChunkSize,
		ChunkOverlap: c.Chunking.Overlap,
		MinChars:     c.Chunking.MinChars,
	}
}

// IndexerConfig returns the indexer settings, falling back to the defaults
// for zero values.
func (c *Config) IndexerConfig() index.IndexerConfig {
	cfg := index.DefaultIndexerConfig()
	if c.Indexing.Workers > 0 {
		cfg.Workers = c.Indexing.Workers
	}
	if c.Indexing.BatchSize > 0 {
		cfg.BatchSize = c.Indexing.BatchSize
	}
	return cfg
}

// EmbedOptions returns the provider options.
func (c *Config) EmbedOptions() embed.Options {
	provider, _ := embed.ParseProviderType(c.Embedding.Provider)
	return embed.Options{
		Provider:          provider,
		Model:             c.Embedding.Model,
		Dimensions:        c.Embedding.Dimensions,
		OllamaURL:         c.Embedding.OllamaURL,
		OpenAIAPIKey:      c.Embedding.OpenAIAPIKey,
		OpenAIBaseURL:     c.Embedding.OpenAIBaseURL,
		RequestsPerSecond: c.Embedding.RequestsPerSecond,
		CacheSize:         c.Embedding.CacheSize,
	}
}

// GeneratorOptions returns the generator options. The OpenAI credentials
// are shared with the embedding section.
func (c *Config) GeneratorOptions() generate.Options {
	return generate.Options{
		Provider:    c.Generation.Provider,
		Model:       c.Generation.Model,
		APIKey:      c.Embedding.OpenAIAPIKey,
		BaseURL:     c.Embedding.OpenAIBaseURL,
		MaxTokens:   c.Generation.MaxTokens,
		Temperature: c.Generation.Temperature,
	}
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// EnsureDataDir creates the data directory if it doesn't exist
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0755)
}

// Redacted returns a copy with secrets masked, for display.
func (c *Config) Redacted() *Config {
	out := *c
	out.Indexing.IgnorePatterns = append([]string(nil), c.Indexing.IgnorePatterns...)
	if out.Embedding.OpenAIAPIKey != "" {
		out.Embedding.OpenAIAPIKey = "[set]"
	}
	return &out
}

// Marshal renders cfg as YAML.
func Marshal(cfg *Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}

// Write writes cfg to path as YAML, creating parent directories.
func Write(path string, cfg *Config) error {
	data, err := Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Package index provides chunking, the in-memory vector index, and the
// ingestion pipeline that keeps the two in sync with the corpus.
package index

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Chunk is a bounded, overlapping segment of a document's text.
type Chunk struct {
	ID         string `json:"id"`
	DocID      string `json:"doc_id"`
	SourceName string `json:"source_name"`
	ChunkIndex int    `json:"chunk_index"`
	Text       string `json:"text"`
	StartWord  int    `json:"start_word"`
	EndWord    int    `json:"end_word"`
}

// ChunkID returns the deterministic chunk id for a document ordinal.
func ChunkID(docID string, n int) string {
	return fmt.Sprintf("%s_chunk_%d", docID, n)
}

// ChunkerConfig holds configuration for the chunker.
type ChunkerConfig struct {
	ChunkSize    int // Window size in words
	ChunkOverlap int // Words shared between consecutive windows
	MinChars     int // Windows whose trimmed text is shorter are dropped
}

// DefaultChunkerConfig returns default chunker configuration.
func DefaultChunkerConfig() ChunkerConfig {
	return ChunkerConfig{
		ChunkSize:    1000,
		ChunkOverlap: 200,
		MinChars:     50,
	}
}

// Validate reports whether the configuration yields a positive stride.
func (c ChunkerConfig) Validate() error {
	if c.ChunkSize <= 0 {
		return &ConfigError{Field: "chunk_size", Reason: fmt.Sprintf("must be positive, got %d", c.ChunkSize)}
	}
	if c.ChunkOverlap < 0 {
		return &ConfigError{Field: "chunk_overlap", Reason: fmt.Sprintf("must not be negative, got %d", c.ChunkOverlap)}
	}
	if c.ChunkOverlap >= c.ChunkSize {
		return &ConfigError{
			Field:  "chunk_overlap",
			Reason: fmt.Sprintf("must be smaller than chunk_size (%d >= %d)", c.ChunkOverlap, c.ChunkSize),
		}
	}
	if c.MinChars < 0 {
		return &ConfigError{Field: "min_chars", Reason: fmt.Sprintf("must not be negative, got %d", c.MinChars)}
	}
	return nil
}

// Fingerprint identifies the windows this configuration produces. Two
// configurations chunk every text identically when their fingerprints match.
func (c ChunkerConfig) Fingerprint() string {
	return fmt.Sprintf("words:%d/%d/%d", c.ChunkSize, c.ChunkOverlap, c.MinChars)
}

// Chunker splits document text into overlapping word windows.
type Chunker struct {
	config ChunkerConfig
}

// NewChunker creates a new Chunker. A zero ChunkSize selects the default
// window and overlap; MinChars of zero selects the default minimum.
func NewChunker(cfg ChunkerConfig) (*Chunker, error) {
	def := DefaultChunkerConfig()
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = def.ChunkSize
		if cfg.ChunkOverlap == 0 {
			cfg.ChunkOverlap = def.ChunkOverlap
		}
	}
	if cfg.MinChars == 0 {
		cfg.MinChars = def.MinChars
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Chunker{config: cfg}, nil
}

// Config returns the effective configuration.
func (c *Chunker) Config() ChunkerConfig {
	return c.config
}

// Chunk splits text into chunks. The output depends only on the inputs.
func (c *Chunker) Chunk(text, docID, sourceName string) []Chunk {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}

	stride := c.config.ChunkSize - c.config.ChunkOverlap
	var chunks []Chunk

	for start := 0; start < len(words); start += stride {
		end := min(start+c.config.ChunkSize, len(words))

		window := strings.TrimSpace(strings.Join(words[start:end], " "))
		if utf8.RuneCountInString(window) >= c.config.MinChars {
			n := len(chunks)
			chunks = append(chunks, Chunk{
				ID:         ChunkID(docID, n),
				DocID:      docID,
				SourceName: sourceName,
				ChunkIndex: n,
				Text:       window,
				StartWord:  start,
				EndWord:    end,
			})
		}

		// The last window already covers the tail.
		if end == len(words) {
			break
		}
	}

	return chunks
}

// WordCount returns the number of whitespace separated words in text.
func WordCount(text string) int {
	return len(strings.Fields(text))
}

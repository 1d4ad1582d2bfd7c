// Package embed provides embedding generation for document chunks and queries.
package embed

import (
	"context"
	"errors"
	"fmt"
)

// Common errors for embedding providers.
var (
	ErrEmbedding           = errors.New("embedding failed")
	ErrProviderUnavailable = errors.New("embedding provider unavailable")
	ErrModelNotFound       = errors.New("embedding model not found")
	ErrEmptyText           = errors.New("cannot embed empty text")
	ErrContextCanceled     = errors.New("embedding operation canceled")
	ErrRateLimited         = errors.New("rate limited by embedding provider")
	ErrDimensionMismatch   = errors.New("embedding dimension mismatch")
)

// Provider defines the interface for embedding backends.
type Provider interface {
	// Embed generates an embedding vector for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embedding vectors for multiple texts.
	// Returns embeddings in the same order as input texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Model returns the name of the embedding model being used.
	Model() string

	// Dimensions returns the dimensionality of the embedding vectors.
	Dimensions() int

	// Ping checks if the provider is available and the model is loaded.
	Ping(ctx context.Context) error
}

// ProviderError wraps errors with provider context. Every ProviderError
// matches ErrEmbedding under errors.Is.
type ProviderError struct {
	Provider string
	Op       string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

func (e *ProviderError) Is(target error) bool {
	return target == ErrEmbedding
}

// NewProviderError creates a new ProviderError.
func NewProviderError(provider, op string, err error) error {
	return &ProviderError{
		Provider: provider,
		Op:       op,
		Err:      err,
	}
}

// IsRetriable reports whether a failed call may succeed if repeated.
// Invalid input never becomes valid.
func IsRetriable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrEmptyText), errors.Is(err, ErrModelNotFound),
		errors.Is(err, ErrDimensionMismatch), errors.Is(err, ErrContextCanceled):
		return false
	}
	return true
}

// checkTexts rejects empty inputs before any request is made.
func checkTexts(provider string, texts []string) error {
	for i, text := range texts {
		if text == "" {
			return NewProviderError(provider, "embedBatch", fmt.Errorf("text %d: %w", i, ErrEmptyText))
		}
	}
	return nil
}

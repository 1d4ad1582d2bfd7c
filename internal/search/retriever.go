// Package search turns a query into ranked, thresholded context passages.
package search

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/abdul-hamid-achik/vecrag/internal/index"
)

// Retrieval defaults.
const (
	DefaultTopK      = 5
	DefaultThreshold = 0.3
)

// Encoder turns query text into a vector.
type Encoder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Searcher is the read side of the vector index.
type Searcher interface {
	Search(query []float32, k int) ([]index.Hit, error)
	Len() int
}

// Source identifies a passage that cleared the relevance threshold.
type Source struct {
	DocID      string  `json:"doc_id"`
	ChunkID    string  `json:"chunk_id"`
	SourceName string  `json:"source_name"`
	ChunkIndex int     `json:"chunk_index"`
	Score      float64 `json:"score"`
}

// RetrievalResult is the outcome of one query. Contexts and Sources are
// parallel and ordered by descending score. An empty result with zero
// confidence means nothing relevant was found.
type RetrievalResult struct {
	Query      string   `json:"query"`
	Contexts   []string `json:"contexts"`
	Sources    []Source `json:"sources"`
	Confidence float64  `json:"confidence"`
}

// Empty reports whether no passage cleared the threshold.
func (r RetrievalResult) Empty() bool {
	return len(r.Contexts) == 0
}

// RetrieverOption configures a Retriever.
type RetrieverOption func(*Retriever)

// WithRetrieverLogger sets the logger used for query diagnostics.
func WithRetrieverLogger(l *slog.Logger) RetrieverOption {
	return func(r *Retriever) {
		r.log = l
	}
}

// Retriever runs queries against an index.
type Retriever struct {
	index   Searcher
	encoder Encoder
	log     *slog.Logger
}

// NewRetriever creates a Retriever reading from idx and encoding queries
// with enc.
func NewRetriever(idx Searcher, enc Encoder, opts ...RetrieverOption) *Retriever {
	r := &Retriever{
		index:   idx,
		encoder: enc,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Retrieve returns up to topK passages scoring strictly above threshold.
// Confidence is the mean score of the kept passages, or 0 when none are
// kept. An empty index is not an error; a failing encoder is.
func (r *Retriever) Retrieve(ctx context.Context, query string, topK int, threshold float64) (RetrievalResult, error) {
	result := RetrievalResult{
		Query:    query,
		Contexts: []string{},
		Sources:  []Source{},
	}
	if r.index.Len() == 0 || topK <= 0 {
		return result, nil
	}

	vec, err := r.encoder.Embed(ctx, query)
	if err != nil {
		return result, fmt.Errorf("retrieve: embed query: %w", err)
	}

	hits, err := r.index.Search(vec, topK)
	if err != nil {
		return result, fmt.Errorf("retrieve: search: %w", err)
	}

	var sum float64
	for _, h := range hits {
		if !(h.Score > threshold) {
			continue
		}
		result.Contexts = append(result.Contexts, h.Text)
		result.Sources = append(result.Sources, Source{
			DocID:      h.DocID,
			ChunkID:    h.ChunkID,
			SourceName: h.SourceName,
			ChunkIndex: h.ChunkIndex,
			Score:      h.Score,
		})
		sum += h.Score
	}
	if n := len(result.Sources); n > 0 {
		result.Confidence = sum / float64(n)
	}

	r.log.Debug("retrieved",
		"hits", len(hits),
		"kept", len(result.Sources),
		"threshold", threshold,
		"confidence", result.Confidence)
	return result, nil
}

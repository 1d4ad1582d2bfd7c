package service

import (
	"context"
	"strings"
	"time"

	"github.com/abdul-hamid-achik/vecrag/internal/generate"
	"github.com/abdul-hamid-achik/vecrag/internal/search"
)

// QueryOptions overrides the configured retrieval defaults. Zero TopK and
// nil Threshold keep the defaults.
type QueryOptions struct {
	TopK      int      `json:"top_k,omitempty"`
	Threshold *float64 `json:"threshold,omitempty"`
}

// Answer is the response to a question.
type Answer struct {
	Query      string          `json:"query"`
	Answer     string          `json:"answer"`
	Sources    []search.Source `json:"sources"`
	Confidence float64         `json:"confidence"`
	Generator  string          `json:"generator,omitempty"`
}

func (s *Service) resolve(opts QueryOptions) (int, float64) {
	topK := s.config.TopK
	if opts.TopK > 0 {
		topK = opts.TopK
	}
	threshold := s.config.Threshold
	if opts.Threshold != nil {
		threshold = *opts.Threshold
	}
	return topK, threshold
}

// Retrieve returns the passages relevant to query.
func (s *Service) Retrieve(ctx context.Context, query string, opts QueryOptions) (search.RetrievalResult, error) {
	if err := s.checkReady(); err != nil {
		return search.RetrievalResult{}, err
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return search.RetrievalResult{}, ErrEmptyQuery
	}

	topK, threshold := s.resolve(opts)
	return s.retriever.Retrieve(ctx, query, topK, threshold)
}

// Ask retrieves context for query and generates an answer from it. With no
// relevant context the fixed fallback answer is returned without calling
// the generator. A generator failure yields the apology answer together
// with the retrieved sources.
func (s *Service) Ask(ctx context.Context, query string, opts QueryOptions) (Answer, error) {
	res, err := s.Retrieve(ctx, query, opts)
	if err != nil {
		return Answer{}, err
	}

	answer := Answer{
		Query:      res.Query,
		Sources:    res.Sources,
		Confidence: res.Confidence,
	}
	if res.Empty() {
		answer.Answer = generate.NoContextAnswer
		answer.Confidence = 0
		return answer, nil
	}

	answer.Generator = s.generator.Name()
	text, err := s.generator.Generate(ctx, res.Query, res.Contexts)
	if err != nil {
		s.log.Warn("answer generation failed", "generator", answer.Generator, "error", err)
		answer.Answer = generate.ErrorAnswer
		return answer, nil
	}
	answer.Answer = text
	return answer, nil
}

// Stats describes the corpus and the index.
type Stats struct {
	Ready            bool      `json:"ready"`
	Documents        int       `json:"documents"`
	IndexedDocuments int       `json:"indexed_documents"`
	Chunks           int       `json:"chunks"`
	Dimension        int       `json:"dimension"`
	Model            string    `json:"model"`
	Generator        string    `json:"generator"`
	TopK             int       `json:"top_k"`
	Threshold        float64   `json:"threshold"`
	StartedAt        time.Time `json:"started_at"`
}

// Stats returns current counts. It works before the service is ready.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	docs, err := s.corpus.Count(ctx)
	if err != nil {
		return Stats{}, err
	}
	vi := s.indexer.Index()
	var started time.Time
	if ns := s.started.Load(); ns != 0 {
		started = time.Unix(0, ns)
	}
	return Stats{
		Ready:            s.Ready(),
		Documents:        docs,
		IndexedDocuments: vi.DocCount(),
		Chunks:           vi.Len(),
		Dimension:        vi.Dimension(),
		Model:            s.provider.Model(),
		Generator:        s.generator.Name(),
		TopK:             s.config.TopK,
		Threshold:        s.config.Threshold,
		StartedAt:        started,
	}, nil
}

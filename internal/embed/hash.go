package embed

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

const (
	hashProviderName = "hash"
	defaultHashDims  = 384
)

// HashProvider is an offline, deterministic embedder based on feature
// hashing of lowercased word tokens. Texts sharing vocabulary produce
// vectors with positive cosine similarity.
type HashProvider struct {
	dims int
}

// NewHashProvider creates a HashProvider with the given dimensionality.
func NewHashProvider(dims int) *HashProvider {
	if dims <= 0 {
		dims = defaultHashDims
	}
	return &HashProvider{dims: dims}
}

// Embed generates an embedding for a single text.
func (p *HashProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, NewProviderError(hashProviderName, "embed", ErrEmptyText)
	}
	if err := ctx.Err(); err != nil {
		return nil, NewProviderError(hashProviderName, "embed", ErrContextCanceled)
	}

	vec := make([]float32, p.dims)
	for _, tok := range tokenize(text) {
		h := fnv.New64a()
		_, _ = h.Write([]byte(tok))
		sum := h.Sum64()

		bucket := int(sum % uint64(p.dims))
		sign := float32(1)
		if sum>>63 == 1 {
			sign = -1
		}
		vec[bucket] += sign
	}

	var norm float64
	for _, x := range vec {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		// Text with no word characters still gets a stable, non-zero vector.
		vec[0] = 1
		return vec, nil
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= inv
	}
	return vec, nil
}

// EmbedBatch generates embeddings for multiple texts.
func (p *HashProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if err := checkTexts(hashProviderName, texts); err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := p.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Model returns the model name.
func (p *HashProvider) Model() string {
	return "hash-bow"
}

// Dimensions returns the embedding vector dimensions.
func (p *HashProvider) Dimensions() int {
	return p.dims
}

// Ping always succeeds.
func (p *HashProvider) Ping(ctx context.Context) error {
	return nil
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

package embed

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimitedProvider throttles calls to an underlying provider with a
// token bucket. Each Embed or EmbedBatch call consumes one token.
type RateLimitedProvider struct {
	inner   Provider
	limiter *rate.Limiter
}

// WithRateLimit wraps p so that at most rps requests per second are issued,
// with bursts of up to burst requests.
func WithRateLimit(p Provider, rps float64, burst int) *RateLimitedProvider {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimitedProvider{
		inner:   p,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

func (r *RateLimitedProvider) wait(ctx context.Context, op string) error {
	if err := r.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return NewProviderError(r.inner.Model(), op, ErrContextCanceled)
		}
		return NewProviderError(r.inner.Model(), op, ErrRateLimited)
	}
	return nil
}

// Embed waits for a token, then delegates.
func (r *RateLimitedProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := r.wait(ctx, "embed"); err != nil {
		return nil, err
	}
	return r.inner.Embed(ctx, text)
}

// EmbedBatch waits for a token, then delegates.
func (r *RateLimitedProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if err := r.wait(ctx, "embedBatch"); err != nil {
		return nil, err
	}
	return r.inner.EmbedBatch(ctx, texts)
}

// Model returns the name of the embedding model being used.
func (r *RateLimitedProvider) Model() string {
	return r.inner.Model()
}

// Dimensions returns the dimensionality of the embedding vectors.
func (r *RateLimitedProvider) Dimensions() int {
	return r.inner.Dimensions()
}

// Ping is not rate limited.
func (r *RateLimitedProvider) Ping(ctx context.Context) error {
	return r.inner.Ping(ctx)
}

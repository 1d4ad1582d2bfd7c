package embed

import (
	"context"
	"errors"
	"math"
	"testing"
)

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func TestHashProvider_Deterministic(t *testing.T) {
	p := NewHashProvider(0)
	ctx := context.Background()

	if p.Dimensions() != 384 {
		t.Fatalf("expected default 384 dimensions, got %d", p.Dimensions())
	}

	a, err := p.Embed(ctx, "Admission requirements for graduate programs")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, _ := p.Embed(ctx, "Admission requirements for graduate programs")
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("embedding not deterministic at %d", i)
		}
	}

	var norm float64
	for _, x := range a {
		norm += float64(x) * float64(x)
	}
	if math.Abs(norm-1) > 1e-5 {
		t.Errorf("expected unit norm, got %v", norm)
	}
}

func TestHashProvider_SharedVocabularyIsCloser(t *testing.T) {
	p := NewHashProvider(256)
	ctx := context.Background()

	query, _ := p.Embed(ctx, "tuition fees deadline")
	related, _ := p.Embed(ctx, "The tuition fees are due before the deadline")
	unrelated, _ := p.Embed(ctx, "campus parking permits for visitors")

	if cosine(query, related) <= cosine(query, unrelated) {
		t.Errorf("expected related text to score higher: related=%v unrelated=%v",
			cosine(query, related), cosine(query, unrelated))
	}
}

func TestHashProvider_EmptyText(t *testing.T) {
	p := NewHashProvider(16)

	if _, err := p.Embed(context.Background(), "   "); !errors.Is(err, ErrEmptyText) {
		t.Errorf("expected ErrEmptyText, got %v", err)
	}
	if _, err := p.EmbedBatch(context.Background(), []string{"ok", ""}); !errors.Is(err, ErrEmptyText) {
		t.Errorf("expected ErrEmptyText from batch, got %v", err)
	}
}

func TestHashProvider_Canceled(t *testing.T) {
	p := NewHashProvider(16)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := p.Embed(ctx, "text"); !errors.Is(err, ErrContextCanceled) {
		t.Errorf("expected ErrContextCanceled, got %v", err)
	}
}

func TestHashProvider_EmbedBatch(t *testing.T) {
	p := NewHashProvider(32)
	out, err := p.EmbedBatch(context.Background(), []string{"one", "two", "three"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("expected 3 embeddings, got %d", len(out))
	}
	for i, v := range out {
		if len(v) != 32 {
			t.Errorf("embedding %d: expected 32 dimensions, got %d", i, len(v))
		}
	}
}

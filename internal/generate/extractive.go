package generate

import (
	"context"
	"math"
	"regexp"
	"sort"
	"strings"
)

const defaultSentences = 3

var (
	sentencePattern = regexp.MustCompile(`[^.!?\n]+[.!?]?`)
	tokenPattern    = regexp.MustCompile(`\p{L}+(?:['’]\p{L}+)*|\p{N}+`)
)

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {}, "by": {},
	"can": {}, "do": {}, "for": {}, "from": {}, "has": {}, "have": {}, "how": {},
	"i": {}, "in": {}, "is": {}, "it": {}, "of": {}, "on": {}, "or": {}, "that": {},
	"the": {}, "this": {}, "to": {}, "was": {}, "what": {}, "when": {}, "where": {},
	"which": {}, "who": {}, "will": {}, "with": {}, "you": {}, "your": {}, "my": {},
}

// ExtractiveGenerator answers by quoting the context sentences that best
// match the question. It never calls out to a model.
type ExtractiveGenerator struct {
	sentences int
}

// NewExtractiveGenerator returns a generator keeping up to n sentences.
func NewExtractiveGenerator(n int) *ExtractiveGenerator {
	if n <= 0 {
		n = defaultSentences
	}
	return &ExtractiveGenerator{sentences: n}
}

// Name returns "extractive".
func (g *ExtractiveGenerator) Name() string {
	return ProviderExtractive
}

// Generate ranks sentences by how many question terms they contain, then by
// normalized term frequency across all contexts, and returns the best ones
// in their original order.
func (g *ExtractiveGenerator) Generate(ctx context.Context, query string, contexts []string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &genError{provider: ProviderExtractive, err: err}
	}

	var sentences []string
	for _, c := range contexts {
		for _, s := range sentencePattern.FindAllString(c, -1) {
			if s = strings.Join(strings.Fields(s), " "); s != "" {
				sentences = append(sentences, s)
			}
		}
	}
	if len(sentences) == 0 {
		return NoContextAnswer, nil
	}

	freq := make(map[string]float64)
	var maxF float64
	for _, s := range sentences {
		for _, tok := range tokens(s) {
			freq[tok]++
			maxF = math.Max(maxF, freq[tok])
		}
	}

	queryTerms := make(map[string]struct{})
	for _, tok := range tokens(query) {
		queryTerms[tok] = struct{}{}
	}

	type scored struct {
		idx   int
		score float64
	}
	ranked := make([]scored, len(sentences))
	for i, s := range sentences {
		toks := tokens(s)
		var overlap, weight float64
		seen := make(map[string]bool)
		for _, tok := range toks {
			weight += freq[tok] / maxF
			if _, ok := queryTerms[tok]; ok && !seen[tok] {
				overlap++
				seen[tok] = true
			}
		}
		if n := float64(len(toks)); n > 0 {
			weight /= math.Sqrt(n)
		}
		ranked[i] = scored{idx: i, score: overlap*10 + weight}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	keep := ranked[:min(g.sentences, len(ranked))]
	sort.Slice(keep, func(i, j int) bool { return keep[i].idx < keep[j].idx })

	parts := make([]string, len(keep))
	for i, k := range keep {
		parts[i] = sentences[k.idx]
	}
	return strings.Join(parts, " "), nil
}

func tokens(s string) []string {
	raw := tokenPattern.FindAllString(strings.ToLower(s), -1)
	out := raw[:0]
	for _, t := range raw {
		if _, stop := stopwords[t]; !stop {
			out = append(out, t)
		}
	}
	return out
}

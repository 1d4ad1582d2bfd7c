package search

import (
	"context"
	"errors"
)

// commonQueries are questions prospective students ask most often.
var commonQueries = []string{
	"admission requirements",
	"application deadline",
	"how do I apply",
	"tuition fees",
	"scholarships and financial aid",
	"entrance exam",
	"required documents",
	"international students",
	"transfer credits",
	"student housing",
	"program duration",
	"contact the admissions office",
}

// CommonQueries returns a copy of the built-in warmup queries.
func CommonQueries() []string {
	out := make([]string, len(commonQueries))
	copy(out, commonQueries)
	return out
}

// Warmup embeds queries so a caching encoder answers them without a
// provider round trip. A nil or empty list uses CommonQueries. Individual
// failures are skipped; the last one is returned.
func (r *Retriever) Warmup(ctx context.Context, queries []string) error {
	if r.encoder == nil {
		return errors.New("warmup: no encoder configured")
	}
	if len(queries) == 0 {
		queries = commonQueries
	}

	var last error
	for _, q := range queries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := r.encoder.Embed(ctx, q); err != nil {
			last = err
		}
	}
	return last
}

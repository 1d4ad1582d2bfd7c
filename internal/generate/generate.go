// Package generate produces answers from a question and retrieved context.
package generate

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrGeneration is matched by every error returned from a Generator.
var ErrGeneration = errors.New("answer generation failed")

// NoContextAnswer is returned when nothing relevant was retrieved.
const NoContextAnswer = `I don't have specific information about that topic in my knowledge base. However, I'd recommend contacting the admissions office directly for the most accurate and up-to-date information.

For general admission inquiries, you can typically find information about:
- Application deadlines and requirements
- Tuition and financial aid
- Academic programs and prerequisites
- Campus life and facilities
- Transfer credit policies

Is there anything else about college admissions I can help you with?`

// ErrorAnswer is returned in place of an answer when generation fails.
const ErrorAnswer = "I apologize, but I'm having trouble processing your request right now."

// Generator turns a question and its context passages into an answer.
type Generator interface {
	Generate(ctx context.Context, query string, contexts []string) (string, error)
	Name() string
}

// Provider names accepted by New.
const (
	ProviderNone       = "none"
	ProviderExtractive = "extractive"
	ProviderOpenAI     = "openai"
)

// Options configures New.
type Options struct {
	Provider    string
	Model       string
	APIKey      string
	BaseURL     string
	MaxTokens   int
	Temperature float32
	Sentences   int
}

// New returns the generator named by opts.Provider. An empty provider and
// "none" select the extractive generator, which needs no network.
func New(opts Options) (Generator, error) {
	switch strings.ToLower(opts.Provider) {
	case "", ProviderNone, ProviderExtractive:
		return NewExtractiveGenerator(opts.Sentences), nil
	case ProviderOpenAI:
		return NewOpenAIGenerator(OpenAIConfig{
			APIKey:      opts.APIKey,
			BaseURL:     opts.BaseURL,
			Model:       opts.Model,
			MaxTokens:   opts.MaxTokens,
			Temperature: opts.Temperature,
		}), nil
	}
	return nil, fmt.Errorf("unknown generation provider %q (want none, extractive or openai)", opts.Provider)
}

const promptTemplate = `You are a College Admission Assistant. You help prospective students with admission-related questions using official college information.

Context Information:
%s

Student Question: %s

Instructions:
1. Answer based on the provided context information
2. Be helpful, accurate, and professional
3. If information is not available in context, state that clearly
4. Provide specific details like deadlines, requirements, and procedures when available
5. Always be encouraging and supportive

Answer:`

// BuildPrompt joins contexts with blank lines and fills the prompt template.
func BuildPrompt(query string, contexts []string) string {
	return fmt.Sprintf(promptTemplate, strings.Join(contexts, "\n\n"), query)
}

type genError struct {
	provider string
	err      error
}

func (e *genError) Error() string {
	return fmt.Sprintf("%s: generate: %v", e.provider, e.err)
}

func (e *genError) Unwrap() error { return e.err }

func (e *genError) Is(target error) bool { return target == ErrGeneration }

// Package tokens counts prompt tokens for chat requests so policy backends can
// keep a conversation inside the model's context budget.
package tokens

import (
	"strings"

	"github.com/tjfontaine/teller/internal/api/openai"
)

// Counter counts the prompt tokens of a chat completion request.
type Counter interface {
	// SupportsModel reports whether counts for model are exact.
	SupportsModel(model string) bool

	// CountMessages returns the prompt size of msgs plus tool declarations.
	CountMessages(model string, msgs []openai.ChatCompletionMessage, tools []openai.Tool) (int, error)
}

// Registry picks the counter for a model, falling back to an estimate.
type Registry struct {
	counters []Counter
	fallback Counter
}

// NewRegistry creates a registry with the character-based estimator as fallback.
func NewRegistry(counters ...Counter) *Registry {
	return &Registry{
		counters: counters,
		fallback: NewEstimator(),
	}
}

// Register adds a token counter to the registry.
func (r *Registry) Register(counter Counter) {
	r.counters = append(r.counters, counter)
}

// CounterFor returns the first counter supporting model, or the fallback.
func (r *Registry) CounterFor(model string) Counter {
	for _, counter := range r.counters {
		if counter.SupportsModel(model) {
			return counter
		}
	}
	return r.fallback
}

// Estimator approximates token counts from character length. It is used for
// models without a local tokenizer, such as llama models served by Ollama.
type Estimator struct {
	// CharsPerToken is the average characters per token (default: 4)
	CharsPerToken float64
}

// NewEstimator creates a new token estimator.
func NewEstimator() *Estimator {
	return &Estimator{CharsPerToken: 4.0}
}

// CountMessages estimates the token count.
func (e *Estimator) CountMessages(model string, msgs []openai.ChatCompletionMessage, tools []openai.Tool) (int, error) {
	totalChars := 0
	for _, msg := range msgs {
		totalChars += len(msg.Role) + len(msg.Text()) + 4
		for _, tc := range msg.ToolCalls {
			totalChars += len(tc.Function.Name) + len(tc.Function.Arguments) + 12
		}
	}
	for _, tool := range tools {
		totalChars += len(tool.Function.Name) + len(tool.Function.Description) + 50
	}
	return int(float64(totalChars) / e.CharsPerToken), nil
}

// SupportsModel returns true - estimator supports all models as a fallback.
func (e *Estimator) SupportsModel(model string) bool {
	return true
}

// ModelMatcher helps match model names to provider patterns.
type ModelMatcher struct {
	prefixes []string
	exact    []string
}

// NewModelMatcher creates a new model matcher.
func NewModelMatcher(prefixes, exact []string) *ModelMatcher {
	return &ModelMatcher{prefixes: prefixes, exact: exact}
}

// Matches returns true if the model matches any pattern.
func (m *ModelMatcher) Matches(model string) bool {
	for _, e := range m.exact {
		if model == e {
			return true
		}
	}
	for _, p := range m.prefixes {
		if strings.HasPrefix(model, p) {
			return true
		}
	}
	return false
}

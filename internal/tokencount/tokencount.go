// Package tokencount adapts llm/tokenizer's model-aware counters to the
// memory service's domain types, so working.Store and the pipeline never
// need to know about tiktoken or the estimator fallback directly.
package tokencount

import (
	"github.com/agentmem/memoryd/llm/tokenizer"
	"github.com/agentmem/memoryd/types"
)

// Counter counts tokens for a configured model, falling back to the
// character-heuristic estimator when no tokenizer is registered for that
// model (spec.md §9 open question: tokenizer precision vs. portability).
type Counter struct {
	model string
	t     tokenizer.Tokenizer
}

// New resolves (or lazily falls back to an estimator for) the tokenizer
// registered under model.
func New(model string) *Counter {
	return &Counter{model: model, t: tokenizer.GetTokenizerOrEstimator(model)}
}

// CountText counts the tokens in a single string.
func (c *Counter) CountText(text string) (int, error) {
	return c.t.CountTokens(text)
}

// CountMessages sums token counts across a WorkingMemory's message log plus
// its free-form context blob, matching the shape working.Store persists.
func (c *Counter) CountMessages(messages []types.MemoryMessage, context string) (int, error) {
	tMessages := make([]tokenizer.Message, len(messages))
	for i, m := range messages {
		tMessages[i] = tokenizer.Message{Role: string(m.Role), Content: m.Content}
	}

	total, err := c.t.CountMessages(tMessages)
	if err != nil {
		return 0, err
	}

	if context != "" {
		ctxTokens, err := c.t.CountTokens(context)
		if err != nil {
			return 0, err
		}
		total += ctxTokens
	}
	return total, nil
}

// MaxTokens returns the configured model's context window, used as the
// default context_window_max when the service config omits one.
func (c *Counter) MaxTokens() int {
	return c.t.MaxTokens()
}

// Name returns the underlying tokenizer's name (e.g. "tiktoken[cl100k_base]"
// or "estimator").
func (c *Counter) Name() string {
	return c.t.Name()
}

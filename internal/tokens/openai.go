package tokens

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"github.com/tjfontaine/teller/internal/api/openai"
)

// Per-message framing overhead for chat models, per OpenAI's cookbook.
const (
	tokensPerMessage  = 3
	tokensPerRole     = 1
	tokensPerToolCall = 3
	tokensPerTool     = 7
	assistantPriming  = 3
)

// OpenAICounter provides exact token counts for OpenAI models using tiktoken.
type OpenAICounter struct {
	matcher *ModelMatcher

	mu     sync.RWMutex
	codecs map[tokenizer.Encoding]tokenizer.Codec
}

// NewOpenAICounter creates a new OpenAI token counter.
func NewOpenAICounter() *OpenAICounter {
	return &OpenAICounter{
		matcher: NewModelMatcher([]string{"gpt-", "o1", "o3", "o4"}, nil),
		codecs:  make(map[tokenizer.Encoding]tokenizer.Codec),
	}
}

// SupportsModel returns true for OpenAI models.
func (c *OpenAICounter) SupportsModel(model string) bool {
	return c.matcher.Matches(model)
}

func (c *OpenAICounter) codec(model string) (tokenizer.Codec, error) {
	encoding := modelToEncoding(model)

	c.mu.RLock()
	cached, ok := c.codecs[encoding]
	c.mu.RUnlock()
	if ok {
		return cached, nil
	}

	codec, err := tokenizer.Get(encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to get tokenizer encoding: %w", err)
	}

	c.mu.Lock()
	c.codecs[encoding] = codec
	c.mu.Unlock()
	return codec, nil
}

// CountText counts tokens for a plain text string.
func (c *OpenAICounter) CountText(model, text string) (int, error) {
	codec, err := c.codec(model)
	if err != nil {
		return 0, err
	}
	ids, _, err := codec.Encode(text)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// CountMessages counts the prompt tokens of a chat request.
func (c *OpenAICounter) CountMessages(model string, msgs []openai.ChatCompletionMessage, tools []openai.Tool) (int, error) {
	codec, err := c.codec(model)
	if err != nil {
		return 0, err
	}
	count := func(s string) int {
		if s == "" {
			return 0
		}
		ids, _, _ := codec.Encode(s)
		return len(ids)
	}

	total := assistantPriming
	for _, msg := range msgs {
		total += tokensPerMessage + tokensPerRole
		total += count(msg.Text())
		for _, tc := range msg.ToolCalls {
			total += tokensPerToolCall
			total += count(tc.Function.Name)
			total += count(tc.Function.Arguments)
		}
	}
	for _, tool := range tools {
		total += tokensPerTool
		total += count(tool.Function.Name)
		total += count(tool.Function.Description)
		if tool.Function.Parameters != nil {
			params, _ := json.Marshal(tool.Function.Parameters)
			total += count(string(params))
		}
	}
	return total, nil
}

// modelToEncoding maps model names to encoding names.
//
// Encoding reference:
// - O200kBase: GPT-5, GPT-4.1, GPT-4o, O1, O3, O4-mini and newer models
// - Cl100kBase: GPT-4, GPT-3.5-turbo
func modelToEncoding(model string) tokenizer.Encoding {
	model = strings.ToLower(model)

	switch {
	case strings.HasPrefix(model, "gpt-4o"), strings.HasPrefix(model, "gpt-4.1"), strings.HasPrefix(model, "gpt-5"):
		return tokenizer.O200kBase
	case strings.HasPrefix(model, "o1"), strings.HasPrefix(model, "o3"), strings.HasPrefix(model, "o4"):
		return tokenizer.O200kBase
	case strings.HasPrefix(model, "gpt-4"), strings.HasPrefix(model, "gpt-3.5"):
		return tokenizer.Cl100kBase
	default:
		return tokenizer.O200kBase
	}
}

// Package openai implements the policy oracle on top of the OpenAI Chat
// Completions API with function calling.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	openaiapi "github.com/tjfontaine/teller/internal/api/openai"
	"github.com/tjfontaine/teller/internal/capability"
	"github.com/tjfontaine/teller/internal/core/domain"
	"github.com/tjfontaine/teller/internal/policy"
	"github.com/tjfontaine/teller/internal/tokens"
)

// DefaultModel matches the model the assistant was first built against.
const DefaultModel = "gpt-3.5-turbo"

// Option configures a Policy.
type Option func(*Policy)

// WithTemperature sets the sampling temperature.
func WithTemperature(t float32) Option {
	return func(p *Policy) {
		p.temperature = &t
	}
}

// WithTokenBudget trims the oldest exchanges until the prompt fits in max
// tokens as counted by counter. Zero disables trimming.
func WithTokenBudget(counter tokens.Counter, max int) Option {
	return func(p *Policy) {
		p.counter = counter
		p.maxPromptTokens = max
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Policy) {
		p.logger = logger
	}
}

// Policy asks an OpenAI-compatible chat model for the next step.
type Policy struct {
	client      *openaiapi.Client
	model       string
	temperature *float32
	logger      *slog.Logger

	counter         tokens.Counter
	maxPromptTokens int
}

var _ policy.Policy = (*Policy)(nil)

// New creates a policy backed by client.
func New(client *openaiapi.Client, model string, opts ...Option) *Policy {
	if model == "" {
		model = DefaultModel
	}
	zero := float32(0)
	p := &Policy{
		client:      client,
		model:       model,
		temperature: &zero,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Decide implements policy.Policy.
func (p *Policy) Decide(ctx context.Context, in policy.Input) (policy.Decision, error) {
	tools := Tools(in.Capabilities)
	system := openaiapi.TextMessage(openaiapi.RoleSystem, policy.SystemPrompt(in))
	history := p.fitBudget(system, in.Messages, tools)

	req := &openaiapi.ChatCompletionRequest{
		Model:       p.model,
		Messages:    append([]openaiapi.ChatCompletionMessage{system}, history...),
		Temperature: p.temperature,
		Tools:       tools,
	}

	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return policy.Decision{}, ctxErr
		}
		return policy.Decision{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return policy.Decision{}, fmt.Errorf("%w: no choices in response %s", domain.ErrMalformedDecision, resp.ID)
	}

	p.logger.Debug("policy decided",
		slog.String("model", resp.Model),
		slog.String("finish_reason", resp.Choices[0].FinishReason),
		slog.Int("prompt_tokens", resp.Usage.PromptTokens),
		slog.Int("completion_tokens", resp.Usage.CompletionTokens),
	)

	return decisionFromMessage(resp.Choices[0].Message)
}

func decisionFromMessage(msg openaiapi.ChatCompletionMessage) (policy.Decision, error) {
	if len(msg.ToolCalls) == 0 {
		return policy.Decision{Message: msg.Text()}, nil
	}

	// Text alongside tool calls is narration; the turn continues.
	reqs := make([]domain.OperationRequest, 0, len(msg.ToolCalls))
	for _, tc := range msg.ToolCalls {
		args := map[string]any{}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return policy.Decision{}, fmt.Errorf("%w: arguments for %s: %v", domain.ErrMalformedDecision, tc.Function.Name, err)
			}
		}
		reqs = append(reqs, domain.OperationRequest{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}
	return policy.Decision{Requests: reqs}, nil
}

// Tools renders capability descriptors as function tools.
func Tools(descs []capability.Descriptor) []openaiapi.Tool {
	if len(descs) == 0 {
		return nil
	}
	out := make([]openaiapi.Tool, 0, len(descs))
	for _, d := range descs {
		out = append(out, openaiapi.Tool{
			Type: "function",
			Function: openaiapi.FunctionTool{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  d.JSONSchema(),
			},
		})
	}
	return out
}

// RenderHistory maps conversation messages to chat messages.
func RenderHistory(msgs []domain.Message) []openaiapi.ChatCompletionMessage {
	out := make([]openaiapi.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		switch m.Kind {
		case domain.KindUser:
			out = append(out, openaiapi.TextMessage(openaiapi.RoleUser, m.Text))
		case domain.KindAssistantFinal:
			out = append(out, openaiapi.TextMessage(openaiapi.RoleAssistant, m.Text))
		case domain.KindAssistantRequest:
			calls := make([]openaiapi.ToolCall, 0, len(m.Requests))
			for _, r := range m.Requests {
				calls = append(calls, openaiapi.ToolCall{
					ID:   r.ID,
					Type: "function",
					Function: openaiapi.FunctionCall{
						Name:      r.Name,
						Arguments: r.ArgumentsJSON(),
					},
				})
			}
			out = append(out, openaiapi.ChatCompletionMessage{Role: openaiapi.RoleAssistant, ToolCalls: calls})
		case domain.KindOperationResult:
			if m.Result == nil {
				continue
			}
			msg := openaiapi.TextMessage(openaiapi.RoleTool, policy.RenderResult(*m.Result))
			msg.ToolCallID = m.Result.RequestID
			out = append(out, msg)
		}
	}
	return out
}

// fitBudget drops the oldest exchanges until the prompt fits. The newest
// exchange is always kept.
func (p *Policy) fitBudget(system openaiapi.ChatCompletionMessage, msgs []domain.Message, tools []openaiapi.Tool) []openaiapi.ChatCompletionMessage {
	if p.counter == nil || p.maxPromptTokens <= 0 {
		return RenderHistory(msgs)
	}

	exchanges := policy.Exchanges(msgs)
	for start := 0; start < len(exchanges); start++ {
		var kept []domain.Message
		for _, ex := range exchanges[start:] {
			kept = append(kept, ex...)
		}
		rendered := RenderHistory(kept)
		if start == len(exchanges)-1 {
			return rendered
		}
		n, err := p.counter.CountMessages(p.model, append([]openaiapi.ChatCompletionMessage{system}, rendered...), tools)
		if err != nil {
			p.logger.Warn("token count failed, sending full history", slog.String("error", err.Error()))
			return RenderHistory(msgs)
		}
		if n <= p.maxPromptTokens {
			if start > 0 {
				p.logger.Info("trimmed conversation history",
					slog.Int("dropped_exchanges", start),
					slog.Int("prompt_tokens", n),
				)
			}
			return rendered
		}
	}
	return RenderHistory(msgs)
}

// Package langchain implements the policy oracle over any langchaingo chat
// model. It backs the local Ollama assistant as well as hosted OpenAI models.
package langchain

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/tmc/langchaingo/llms"

	"github.com/tjfontaine/teller/internal/capability"
	"github.com/tjfontaine/teller/internal/core/domain"
	"github.com/tjfontaine/teller/internal/policy"
)

// Option configures a Policy.
type Option func(*Policy)

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(p *Policy) {
		p.temperature = t
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Policy) {
		p.logger = logger
	}
}

// Policy asks a langchaingo model for the next step.
type Policy struct {
	model       llms.Model
	temperature float64
	logger      *slog.Logger
}

var _ policy.Policy = (*Policy)(nil)

// New wraps model.
func New(model llms.Model, opts ...Option) *Policy {
	p := &Policy{
		model:  model,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Decide implements policy.Policy.
func (p *Policy) Decide(ctx context.Context, in policy.Input) (policy.Decision, error) {
	msgs := append([]llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, policy.SystemPrompt(in)),
	}, RenderHistory(in.Messages)...)

	callOpts := []llms.CallOption{llms.WithTemperature(p.temperature)}
	if tools := Tools(in.Capabilities); len(tools) > 0 {
		callOpts = append(callOpts, llms.WithTools(tools))
	}

	resp, err := p.model.GenerateContent(ctx, msgs, callOpts...)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return policy.Decision{}, ctxErr
		}
		return policy.Decision{}, fmt.Errorf("generate content: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 || resp.Choices[0] == nil {
		return policy.Decision{}, fmt.Errorf("%w: no choices in response", domain.ErrMalformedDecision)
	}

	choice := resp.Choices[0]
	p.logger.Debug("policy decided",
		slog.String("stop_reason", choice.StopReason),
		slog.Int("tool_calls", len(choice.ToolCalls)),
	)

	if len(choice.ToolCalls) == 0 {
		return policy.Decision{Message: choice.Content}, nil
	}

	reqs := make([]domain.OperationRequest, 0, len(choice.ToolCalls))
	for _, tc := range choice.ToolCalls {
		if tc.FunctionCall == nil {
			return policy.Decision{}, fmt.Errorf("%w: tool call %s has no function", domain.ErrMalformedDecision, tc.ID)
		}
		args := map[string]any{}
		if tc.FunctionCall.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.FunctionCall.Arguments), &args); err != nil {
				return policy.Decision{}, fmt.Errorf("%w: arguments for %s: %v", domain.ErrMalformedDecision, tc.FunctionCall.Name, err)
			}
		}
		reqs = append(reqs, domain.OperationRequest{
			ID:        tc.ID,
			Name:      tc.FunctionCall.Name,
			Arguments: args,
		})
	}
	return policy.Decision{Requests: reqs}, nil
}

// Tools renders capability descriptors as langchaingo function tools.
func Tools(descs []capability.Descriptor) []llms.Tool {
	out := make([]llms.Tool, 0, len(descs))
	for _, d := range descs {
		out = append(out, llms.Tool{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  d.JSONSchema(),
			},
		})
	}
	return out
}

// RenderHistory maps conversation messages to langchaingo message contents.
func RenderHistory(msgs []domain.Message) []llms.MessageContent {
	out := make([]llms.MessageContent, 0, len(msgs))
	for _, m := range msgs {
		switch m.Kind {
		case domain.KindUser:
			out = append(out, llms.TextParts(llms.ChatMessageTypeHuman, m.Text))
		case domain.KindAssistantFinal:
			out = append(out, llms.TextParts(llms.ChatMessageTypeAI, m.Text))
		case domain.KindAssistantRequest:
			parts := make([]llms.ContentPart, 0, len(m.Requests))
			for _, r := range m.Requests {
				parts = append(parts, llms.ToolCall{
					ID:   r.ID,
					Type: "function",
					FunctionCall: &llms.FunctionCall{
						Name:      r.Name,
						Arguments: r.ArgumentsJSON(),
					},
				})
			}
			out = append(out, llms.MessageContent{Role: llms.ChatMessageTypeAI, Parts: parts})
		case domain.KindOperationResult:
			if m.Result == nil {
				continue
			}
			out = append(out, llms.MessageContent{
				Role: llms.ChatMessageTypeTool,
				Parts: []llms.ContentPart{llms.ToolCallResponse{
					ToolCallID: m.Result.RequestID,
					Name:       m.Result.Name,
					Content:    policy.RenderResult(*m.Result),
				}},
			})
		}
	}
	return out
}

// Package domain holds the conversation data model shared by every layer of
// the orchestrator: messages, operation requests and results, capability
// sensitivity and per-thread conversation state.
package domain

import (
	"encoding/json"
	"time"
)

// MessageKind tags the variant carried by a Message.
type MessageKind string

const (
	// KindUser is inbound text from the customer.
	KindUser MessageKind = "user"

	// KindAssistantFinal is a user-facing reply that ends a turn.
	KindAssistantFinal MessageKind = "assistant_final"

	// KindAssistantRequest carries one or more operation requests issued by the policy.
	KindAssistantRequest MessageKind = "assistant_request"

	// KindOperationResult carries the outcome of exactly one operation request.
	KindOperationResult MessageKind = "operation_result"
)

// Valid reports whether k is one of the known message kinds.
func (k MessageKind) Valid() bool {
	switch k {
	case KindUser, KindAssistantFinal, KindAssistantRequest, KindOperationResult:
		return true
	}
	return false
}

// Sensitivity classifies a capability for the verification gate.
type Sensitivity string

const (
	// Public capabilities may run before the caller has proven their identity.
	Public Sensitivity = "public"

	// Sensitive capabilities never run until the thread is verified.
	Sensitive Sensitivity = "sensitive"
)

// Message is one entry of a thread's append-only history.
// Exactly one of Text, Requests or Result is meaningful, selected by Kind.
type Message struct {
	Kind MessageKind `json:"kind"`

	// Text is set for user and assistant_final messages.
	Text string `json:"text,omitempty"`

	// Requests is set for assistant_request messages.
	Requests []OperationRequest `json:"requests,omitempty"`

	// Result is set for operation_result messages.
	Result *OperationResult `json:"result,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// UserMessage builds an inbound customer message.
func UserMessage(text string) Message {
	return Message{Kind: KindUser, Text: text, CreatedAt: time.Now().UTC()}
}

// FinalMessage builds a terminal assistant reply.
func FinalMessage(text string) Message {
	return Message{Kind: KindAssistantFinal, Text: text, CreatedAt: time.Now().UTC()}
}

// RequestMessage builds an assistant message requesting operations.
func RequestMessage(reqs []OperationRequest) Message {
	cp := make([]OperationRequest, len(reqs))
	copy(cp, reqs)
	return Message{Kind: KindAssistantRequest, Requests: cp, CreatedAt: time.Now().UTC()}
}

// ResultMessage wraps a single operation result.
func ResultMessage(res OperationResult) Message {
	r := res
	return Message{Kind: KindOperationResult, Result: &r, CreatedAt: time.Now().UTC()}
}

// OperationRequest is a single capability invocation proposed by the policy.
type OperationRequest struct {
	// ID pairs the request with its result; unique within a turn.
	ID string `json:"id"`

	// Name is the capability name as registered.
	Name string `json:"name"`

	// Arguments maps parameter names to JSON values.
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ArgumentsJSON renders the arguments as a JSON object.
func (r OperationRequest) ArgumentsJSON() string {
	if len(r.Arguments) == 0 {
		return "{}"
	}
	b, err := json.Marshal(r.Arguments)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// Outcome is Success(Value) when Err is nil, Failure(Kind, Detail) otherwise.
type Outcome struct {
	Value any      `json:"value,omitempty"`
	Err   *Failure `json:"error,omitempty"`
}

// Failure describes why an operation did not produce a value.
type Failure struct {
	Kind   ErrorKind `json:"kind"`
	Detail string    `json:"detail,omitempty"`
}

// Success builds a successful outcome.
func Success(v any) Outcome {
	return Outcome{Value: v}
}

// Fail builds a failed outcome.
func Fail(kind ErrorKind, detail string) Outcome {
	return Outcome{Err: &Failure{Kind: kind, Detail: detail}}
}

// OK reports whether the outcome is a success.
func (o Outcome) OK() bool {
	return o.Err == nil
}

// OperationResult is the normalized outcome of one OperationRequest.
type OperationResult struct {
	RequestID string  `json:"request_id"`
	Name      string  `json:"name"`
	Outcome   Outcome `json:"outcome"`

	// Sensitivity and Authorized record what the gate saw when the request was
	// approved, so the sensitive-result invariant can be checked from history.
	Sensitivity Sensitivity `json:"sensitivity,omitempty"`
	Authorized  bool        `json:"authorized"`
}

// ConversationState is everything the orchestrator knows about one thread.
type ConversationState struct {
	ThreadID   string    `json:"thread_id"`
	Messages   []Message `json:"messages"`
	CustomerID string    `json:"customer_id,omitempty"`
	Verified   bool      `json:"verified"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// NewConversationState returns the empty, unverified state for a thread.
func NewConversationState(threadID string) *ConversationState {
	return &ConversationState{
		ThreadID: threadID,
		Messages: []Message{},
	}
}

// Clone returns a deep copy so callers never share message slices.
func (s *ConversationState) Clone() *ConversationState {
	if s == nil {
		return nil
	}
	out := *s
	out.Messages = make([]Message, len(s.Messages))
	for i, m := range s.Messages {
		out.Messages[i] = m.clone()
	}
	return &out
}

// LastMessage returns the most recent message, if any.
func (s *ConversationState) LastMessage() (Message, bool) {
	if len(s.Messages) == 0 {
		return Message{}, false
	}
	return s.Messages[len(s.Messages)-1], true
}

func (m Message) clone() Message {
	out := m
	if m.Requests != nil {
		out.Requests = make([]OperationRequest, len(m.Requests))
		for i, r := range m.Requests {
			out.Requests[i] = r
			if r.Arguments != nil {
				args := make(map[string]any, len(r.Arguments))
				for k, v := range r.Arguments {
					args[k] = v
				}
				out.Requests[i].Arguments = args
			}
		}
	}
	if m.Result != nil {
		r := *m.Result
		if m.Result.Outcome.Err != nil {
			f := *m.Result.Outcome.Err
			r.Outcome.Err = &f
		}
		out.Result = &r
	}
	return out
}

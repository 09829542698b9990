// Package policy defines the boundary to the external decision oracle. A
// policy sees the full history and the current verification status and
// answers with either a final message or a batch of operation requests.
package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lithammer/shortuuid/v4"

	"github.com/tjfontaine/teller/internal/capability"
	"github.com/tjfontaine/teller/internal/core/domain"
)

// Input is everything a policy is told on each invocation.
type Input struct {
	ThreadID     string
	Messages     []domain.Message
	Verified     bool
	CustomerID   string
	Capabilities []capability.Descriptor
}

// Decision is exactly one of a final Message or a non-empty set of Requests.
type Decision struct {
	Message  string
	Requests []domain.OperationRequest
}

// IsFinal reports whether the decision ends the turn.
func (d Decision) IsFinal() bool {
	return len(d.Requests) == 0
}

// Policy decides the next step of a turn.
type Policy interface {
	Decide(ctx context.Context, in Input) (Decision, error)
}

// Func adapts a function to the Policy interface.
type Func func(ctx context.Context, in Input) (Decision, error)

// Decide implements Policy.
func (f Func) Decide(ctx context.Context, in Input) (Decision, error) {
	return f(ctx, in)
}

// Validate enforces the decision contract and fills in missing request ids.
// Violations wrap domain.ErrMalformedDecision.
func Validate(d *Decision) error {
	if len(d.Requests) == 0 {
		if strings.TrimSpace(d.Message) == "" {
			return fmt.Errorf("%w: neither a message nor operation requests", domain.ErrMalformedDecision)
		}
		return nil
	}
	if d.Message != "" {
		return fmt.Errorf("%w: both a message and operation requests", domain.ErrMalformedDecision)
	}

	seen := make(map[string]bool, len(d.Requests))
	for i := range d.Requests {
		r := &d.Requests[i]
		if r.Name == "" {
			return fmt.Errorf("%w: request %d has no capability name", domain.ErrMalformedDecision, i)
		}
		if r.ID == "" {
			r.ID = "op_" + shortuuid.New()
		}
		if seen[r.ID] {
			return fmt.Errorf("%w: duplicate request id %q", domain.ErrMalformedDecision, r.ID)
		}
		seen[r.ID] = true
		if r.Arguments == nil {
			r.Arguments = map[string]any{}
		}
	}
	return nil
}

const basePrompt = `You are a helpful banking assistant for Bank ABC.
You have access to tools to help customers.

CRITICAL SECURITY RULES:
1. You MUST verify the user's identity using verify_identity(customer_id, pin) BEFORE providing any account details (balance, transactions) or performing actions (block card).
2. If the user hasn't provided their Customer ID and PIN, ask for it politely.
3. Once verified, you can proceed with their request.
4. Never invent balances, transactions or confirmations. Only report what a tool returned.

Flow Handling:
- Card & ATM Issues: Use block_card if needed.
- Account Servicing: Use get_account_balance or get_recent_transactions.

For other flows (Account Opening, Digital Support, Transfers, Account Closure),
provide a helpful stub response simulating that flow, e.g. "I can help you with account opening. Please visit our nearest branch..."`

// SystemPrompt renders the instructions sent ahead of the history. It is
// rebuilt on every invocation so the oracle always sees the current status.
func SystemPrompt(in Input) string {
	var b strings.Builder
	b.WriteString(basePrompt)
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "Current User Verification Status: %t", in.Verified)
	if in.CustomerID != "" {
		fmt.Fprintf(&b, "\nKnown Customer ID: %s", in.CustomerID)
	}
	return b.String()
}

// RenderResult serializes an operation result as the JSON text handed back to
// the oracle. Failures carry their kind so the oracle can react to gate
// denials differently from backend errors.
func RenderResult(res domain.OperationResult) string {
	var payload any
	if res.Outcome.OK() {
		payload = res.Outcome.Value
	} else {
		payload = map[string]any{
			"error":  string(res.Outcome.Err.Kind),
			"detail": res.Outcome.Err.Detail,
		}
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return `{"error":"unserializable result"}`
	}
	return string(b)
}

// Exchanges splits a history into exchanges, each starting at a user message.
// Trimming whole exchanges never separates a request from its results.
func Exchanges(msgs []domain.Message) [][]domain.Message {
	var out [][]domain.Message
	for i, m := range msgs {
		if m.Kind == domain.KindUser || i == 0 {
			out = append(out, nil)
		}
		out[len(out)-1] = append(out[len(out)-1], m)
	}
	return out
}

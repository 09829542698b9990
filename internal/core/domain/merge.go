package domain

import (
	"fmt"
	"time"
)

// VerifyIdentity is the one capability allowed to flip a thread to verified.
const VerifyIdentity = "verify_identity"

// IsVerificationSuccess reports whether res is a verify_identity Success(true).
func IsVerificationSuccess(res OperationResult) bool {
	if res.Name != VerifyIdentity || !res.Outcome.OK() {
		return false
	}
	ok, _ := res.Outcome.Value.(bool)
	return ok
}

// Merge folds delta into base and returns a new state. Messages are
// concatenated, Verified is OR-ed, and CustomerID is taken from delta only
// while base is still unverified: once verified the customer id is pinned.
// Neither argument is modified.
func Merge(base, delta *ConversationState) *ConversationState {
	if delta == nil {
		return base.Clone()
	}
	out := base.Clone()
	if out == nil {
		out = NewConversationState(delta.ThreadID)
	}
	for _, m := range delta.Messages {
		out.Messages = append(out.Messages, m.clone())
	}
	if delta.CustomerID != "" && !out.Verified {
		out.CustomerID = delta.CustomerID
	}
	out.Verified = out.Verified || delta.Verified
	out.UpdatedAt = time.Now().UTC()
	return out
}

// CheckPairing verifies that every assistant_request is immediately followed
// by exactly one operation_result per contained request id, and that no
// operation_result appears outside such a batch.
func CheckPairing(msgs []Message) error {
	for i := 0; i < len(msgs); i++ {
		m := msgs[i]
		switch m.Kind {
		case KindOperationResult:
			return fmt.Errorf("message %d: operation result without a preceding request", i)
		case KindAssistantRequest:
			if len(m.Requests) == 0 {
				return fmt.Errorf("message %d: empty operation request", i)
			}
			pending := make(map[string]bool, len(m.Requests))
			for _, r := range m.Requests {
				if pending[r.ID] {
					return fmt.Errorf("message %d: duplicate request id %q", i, r.ID)
				}
				pending[r.ID] = true
			}
			for n := 0; n < len(m.Requests); n++ {
				j := i + 1 + n
				if j >= len(msgs) {
					return fmt.Errorf("message %d: %d of %d results missing", i, len(m.Requests)-n, len(m.Requests))
				}
				res := msgs[j]
				if res.Kind != KindOperationResult || res.Result == nil {
					return fmt.Errorf("message %d: expected operation result, got %s", j, res.Kind)
				}
				if !pending[res.Result.RequestID] {
					return fmt.Errorf("message %d: unexpected result for request %q", j, res.Result.RequestID)
				}
				delete(pending, res.Result.RequestID)
			}
			i += len(m.Requests)
		}
	}
	return nil
}

// ReplayVerification walks a history and returns the verification flag it
// implies. It fails if any sensitive capability produced a result other than
// a gate denial while the thread was unverified at the start of its batch.
func ReplayVerification(msgs []Message) (bool, error) {
	verified := false
	batchVerified := false
	for i, m := range msgs {
		switch m.Kind {
		case KindAssistantRequest:
			batchVerified = verified
		case KindOperationResult:
			if m.Result == nil {
				return verified, fmt.Errorf("message %d: missing result", i)
			}
			res := *m.Result
			if res.Sensitivity == Sensitive && !batchVerified {
				if res.Authorized || res.Outcome.OK() || res.Outcome.Err.Kind != ErrorKindVerificationRequired {
					return verified, fmt.Errorf("message %d: sensitive %s ran on an unverified thread", i, res.Name)
				}
			}
			if IsVerificationSuccess(res) {
				verified = true
			}
		}
	}
	return verified, nil
}

// Validate checks both history invariants and that the stored flag agrees
// with the history. Stores call it before persisting.
func (s *ConversationState) Validate() error {
	if err := CheckPairing(s.Messages); err != nil {
		return fmt.Errorf("pairing: %w", err)
	}
	verified, err := ReplayVerification(s.Messages)
	if err != nil {
		return fmt.Errorf("verification: %w", err)
	}
	if s.Verified != verified {
		return fmt.Errorf("verification flag %t disagrees with history (%t)", s.Verified, verified)
	}
	return nil
}

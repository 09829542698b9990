package domain

import (
	"strings"
	"testing"
)

func result(id, name string, sens Sensitivity, authorized bool, out Outcome) Message {
	return ResultMessage(OperationResult{
		RequestID:   id,
		Name:        name,
		Outcome:     out,
		Sensitivity: sens,
		Authorized:  authorized,
	})
}

func TestMerge(t *testing.T) {
	base := NewConversationState("t1")
	base.Messages = append(base.Messages, UserMessage("hi"), FinalMessage("hello"))

	delta := &ConversationState{
		ThreadID:   "t1",
		Messages:   []Message{UserMessage("balance?")},
		CustomerID: "user123",
	}

	merged := Merge(base, delta)

	if len(merged.Messages) != 3 {
		t.Fatalf("Messages count = %d, want 3", len(merged.Messages))
	}
	if merged.Messages[2].Text != "balance?" {
		t.Errorf("appended message = %q, want balance?", merged.Messages[2].Text)
	}
	if merged.CustomerID != "user123" {
		t.Errorf("CustomerID = %q, want user123", merged.CustomerID)
	}
	if len(base.Messages) != 2 {
		t.Errorf("base was mutated: %d messages", len(base.Messages))
	}
}

func TestMerge_VerificationIsMonotonic(t *testing.T) {
	base := NewConversationState("t1")
	base.Verified = true
	base.CustomerID = "user123"

	merged := Merge(base, &ConversationState{ThreadID: "t1", Verified: false, CustomerID: "user456"})

	if !merged.Verified {
		t.Error("Verified flipped back to false")
	}
	if merged.CustomerID != "user123" {
		t.Errorf("CustomerID = %q, want pinned user123", merged.CustomerID)
	}
}

func TestMerge_CloneIsolation(t *testing.T) {
	base := NewConversationState("t1")
	req := OperationRequest{ID: "c1", Name: "get_account_balance", Arguments: map[string]any{"customer_id": "user123"}}
	base.Messages = append(base.Messages, RequestMessage([]OperationRequest{req}))

	merged := Merge(base, &ConversationState{ThreadID: "t1"})
	merged.Messages[0].Requests[0].Arguments["customer_id"] = "mallory"

	if got := base.Messages[0].Requests[0].Arguments["customer_id"]; got != "user123" {
		t.Errorf("base arguments mutated through merge result: %v", got)
	}
}

func TestCheckPairing(t *testing.T) {
	req := func(ids ...string) Message {
		var reqs []OperationRequest
		for _, id := range ids {
			reqs = append(reqs, OperationRequest{ID: id, Name: "x"})
		}
		return RequestMessage(reqs)
	}
	res := func(id string) Message {
		return result(id, "x", Public, true, Success(true))
	}

	tests := []struct {
		name    string
		msgs    []Message
		wantErr string
	}{
		{
			name: "empty",
		},
		{
			name: "single pair",
			msgs: []Message{UserMessage("hi"), req("a"), res("a"), FinalMessage("done")},
		},
		{
			name: "batch answered out of order",
			msgs: []Message{req("a", "b"), res("b"), res("a")},
		},
		{
			name:    "missing result",
			msgs:    []Message{req("a", "b"), res("a")},
			wantErr: "results missing",
		},
		{
			name:    "interleaved final",
			msgs:    []Message{req("a", "b"), res("a"), FinalMessage("x")},
			wantErr: "expected operation result",
		},
		{
			name:    "orphan result",
			msgs:    []Message{UserMessage("hi"), res("a")},
			wantErr: "without a preceding request",
		},
		{
			name:    "duplicate ids",
			msgs:    []Message{req("a", "a"), res("a"), res("a")},
			wantErr: "duplicate request id",
		},
		{
			name:    "wrong id",
			msgs:    []Message{req("a"), res("z")},
			wantErr: "unexpected result",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckPairing(tt.msgs)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("CheckPairing() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("CheckPairing() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestReplayVerification(t *testing.T) {
	verifyReq := RequestMessage([]OperationRequest{{ID: "v", Name: VerifyIdentity}})
	verifyOK := result("v", VerifyIdentity, Public, true, Success(true))
	verifyBad := result("v", VerifyIdentity, Public, true, Success(false))
	balReq := RequestMessage([]OperationRequest{{ID: "b", Name: "get_account_balance"}})
	balDenied := result("b", "get_account_balance", Sensitive, false, Fail(ErrorKindVerificationRequired, "verify first"))
	balOK := result("b", "get_account_balance", Sensitive, true, Success(map[string]any{"balance": 5000.0}))

	tests := []struct {
		name         string
		msgs         []Message
		wantVerified bool
		wantErr      bool
	}{
		{"denied before verification", []Message{balReq, balDenied}, false, false},
		{"allowed after verification", []Message{verifyReq, verifyOK, balReq, balOK}, true, false},
		{"wrong pin keeps unverified", []Message{verifyReq, verifyBad, balReq, balDenied}, false, false},
		{"sensitive success while unverified", []Message{balReq, balOK}, false, true},
		{
			name: "same-batch verification does not authorize",
			msgs: []Message{
				RequestMessage([]OperationRequest{{ID: "v", Name: VerifyIdentity}, {ID: "b", Name: "get_account_balance"}}),
				verifyOK,
				balOK,
			},
			wantVerified: true,
			wantErr:      true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ReplayVerification(tt.msgs)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ReplayVerification() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.wantVerified {
				t.Errorf("ReplayVerification() = %t, want %t", got, tt.wantVerified)
			}
		})
	}
}

func TestConversationState_Validate(t *testing.T) {
	s := NewConversationState("t1")
	s.Messages = []Message{
		RequestMessage([]OperationRequest{{ID: "v", Name: VerifyIdentity}}),
		result("v", VerifyIdentity, Public, true, Success(true)),
	}

	if err := s.Validate(); err == nil {
		t.Error("Validate() should reject a flag that disagrees with history")
	}

	s.Verified = true
	if err := s.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/tjfontaine/teller/internal/core/domain"
	"github.com/tjfontaine/teller/internal/core/ports"
)

func verifiedState(id string) *domain.ConversationState {
	st := domain.NewConversationState(id)
	st.Messages = append(st.Messages,
		domain.UserMessage("I am user123, pin 1234"),
		domain.RequestMessage([]domain.OperationRequest{{ID: "c1", Name: domain.VerifyIdentity, Arguments: map[string]any{"customer_id": "user123", "pin": "1234"}}}),
		domain.ResultMessage(domain.OperationResult{RequestID: "c1", Name: domain.VerifyIdentity, Outcome: domain.Success(true), Sensitivity: domain.Public, Authorized: true}),
		domain.FinalMessage("You are verified."),
	)
	st.Verified = true
	st.CustomerID = "user123"
	return st
}

func TestMemoryStore_LoadMissing(t *testing.T) {
	store := New()

	st, ok, err := store.Load(context.Background(), "nope")
	if err != nil || ok || st != nil {
		t.Errorf("Load() = %v, %t, %v; want nil, false, nil", st, ok, err)
	}
}

func TestMemoryStore_CommitLoad(t *testing.T) {
	store := New()
	ctx := context.Background()
	want := verifiedState("t1")

	if err := store.Commit(ctx, want); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	// Mutating the committed value must not leak into the store.
	want.Messages[0].Text = "changed"

	got, ok, err := store.Load(ctx, "t1")
	if err != nil || !ok {
		t.Fatalf("Load() = %t, %v", ok, err)
	}
	if got.Messages[0].Text != "I am user123, pin 1234" {
		t.Errorf("stored message aliased caller slice: %q", got.Messages[0].Text)
	}
	if !got.Verified || got.CustomerID != "user123" || len(got.Messages) != 4 {
		t.Errorf("Load() = %+v", got)
	}

	got.Messages = got.Messages[:1]
	again, _, _ := store.Load(ctx, "t1")
	if len(again.Messages) != 4 {
		t.Errorf("loaded state aliased store: %d messages", len(again.Messages))
	}
}

func TestMemoryStore_CommitRejects(t *testing.T) {
	ctx := context.Background()

	unpaired := domain.NewConversationState("t")
	unpaired.Messages = append(unpaired.Messages,
		domain.RequestMessage([]domain.OperationRequest{{ID: "c1", Name: "get_account_balance"}}))

	flagOnly := domain.NewConversationState("t")
	flagOnly.Verified = true

	tests := []struct {
		name  string
		state *domain.ConversationState
	}{
		{"nil", nil},
		{"no thread id", domain.NewConversationState("")},
		{"unpaired request", unpaired},
		{"flag without verification", flagOnly},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := New().Commit(ctx, tt.state); err == nil {
				t.Error("Commit() should fail")
			}
		})
	}
}

func TestMemoryStore_CommitRefusesShrink(t *testing.T) {
	store := New()
	ctx := context.Background()
	if err := store.Commit(ctx, verifiedState("t1")); err != nil {
		t.Fatal(err)
	}

	short := domain.NewConversationState("t1")
	short.Messages = append(short.Messages, domain.UserMessage("hi"))
	if err := store.Commit(ctx, short); !errors.Is(err, ports.ErrHistoryRewrite) {
		t.Errorf("Commit(shorter) error = %v, want ErrHistoryRewrite", err)
	}
}

func TestMemoryStore_ListThreads(t *testing.T) {
	store := New()
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		st := domain.NewConversationState(id)
		st.Messages = append(st.Messages, domain.UserMessage("hi"))
		st.UpdatedAt = base.Add(time.Duration(i) * time.Minute)
		if err := store.Commit(ctx, st); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name string
		opts ports.ListOptions
		want []string
	}{
		{"all", ports.ListOptions{}, []string{"c", "b", "a"}},
		{"limit", ports.ListOptions{Limit: 2}, []string{"c", "b"}},
		{"offset", ports.ListOptions{Offset: 1, Limit: 5}, []string{"b", "a"}},
		{"past end", ports.ListOptions{Offset: 10}, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.ListThreads(ctx, tt.opts)
			if err != nil {
				t.Fatalf("ListThreads() error = %v", err)
			}
			ids := make([]string, len(got))
			for i, s := range got {
				ids[i] = s.ThreadID
				if s.MessageCount != 1 {
					t.Errorf("%s MessageCount = %d", s.ThreadID, s.MessageCount)
				}
			}
			if diff := cmp.Diff(tt.want, ids); diff != "" {
				t.Errorf("ListThreads() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestMemoryStore_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	store := New()
	if _, _, err := store.Load(ctx, "t"); !errors.Is(err, context.Canceled) {
		t.Errorf("Load() error = %v", err)
	}
	if err := store.Commit(ctx, verifiedState("t")); !errors.Is(err, context.Canceled) {
		t.Errorf("Commit() error = %v", err)
	}
}

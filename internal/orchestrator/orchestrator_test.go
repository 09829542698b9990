package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
	"golang.org/x/crypto/bcrypt"

	"github.com/tjfontaine/teller/internal/banking"
	"github.com/tjfontaine/teller/internal/capability"
	"github.com/tjfontaine/teller/internal/conversation"
	"github.com/tjfontaine/teller/internal/core/domain"
	"github.com/tjfontaine/teller/internal/dispatch"
	"github.com/tjfontaine/teller/internal/policy"
	"github.com/tjfontaine/teller/internal/storage/memory"
	"github.com/tjfontaine/teller/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type step func(ctx context.Context, in policy.Input) (policy.Decision, error)

// script replays steps in order and records every input it was given.
type script struct {
	mu     sync.Mutex
	steps  []step
	inputs []policy.Input
}

func newScript(steps ...step) *script {
	return &script{steps: steps}
}

func (s *script) Decide(ctx context.Context, in policy.Input) (policy.Decision, error) {
	s.mu.Lock()
	s.inputs = append(s.inputs, in)
	if len(s.steps) == 0 {
		s.mu.Unlock()
		return policy.Decision{}, errors.New("script exhausted")
	}
	next := s.steps[0]
	s.steps = s.steps[1:]
	s.mu.Unlock()
	return next(ctx, in)
}

func (s *script) calls() []policy.Input {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]policy.Input(nil), s.inputs...)
}

func reply(text string) step {
	return func(context.Context, policy.Input) (policy.Decision, error) {
		return policy.Decision{Message: text}, nil
	}
}

func request(reqs ...domain.OperationRequest) step {
	return func(context.Context, policy.Input) (policy.Decision, error) {
		return policy.Decision{Requests: reqs}, nil
	}
}

func op(id, name string, args map[string]any) domain.OperationRequest {
	return domain.OperationRequest{ID: id, Name: name, Arguments: args}
}

var (
	verifyOK  = map[string]any{"customer_id": "user123", "pin": "1234"}
	verifyBad = map[string]any{"customer_id": "user456", "pin": "0000"}
	own       = map[string]any{"customer_id": "user123"}
)

type harness struct {
	orch    *Orchestrator
	mgr     *conversation.Manager
	store   *memory.Store
	started chan struct{}
}

func newHarness(t *testing.T, p policy.Policy, opts ...Option) *harness {
	t.Helper()

	repo, err := banking.NewDefaultRepository(banking.WithBcryptCost(bcrypt.MinCost))
	if err != nil {
		t.Fatal(err)
	}
	reg := capability.NewRegistry()
	if err := banking.Register(reg, repo); err != nil {
		t.Fatal(err)
	}

	h := &harness{store: memory.New(), started: make(chan struct{})}
	var once sync.Once
	reg.MustRegister(capability.Descriptor{Name: "slow", Sensitivity: domain.Public}, func(ctx context.Context, _ capability.Args) (any, error) {
		once.Do(func() { close(h.started) })
		<-ctx.Done()
		return nil, ctx.Err()
	})
	reg.Seal()

	logger := testutil.DiscardLogger()
	h.mgr = conversation.NewManager(h.store, conversation.WithLogger(logger), conversation.WithLockTimeout(time.Second))
	disp := dispatch.New(reg, dispatch.WithLogger(logger), dispatch.WithOperationTimeout(5*time.Second))
	opts = append([]Option{WithLogger(logger), WithPolicyTimeout(5 * time.Second)}, opts...)
	h.orch = New(h.mgr, reg, disp, p, opts...)
	return h
}

func (h *harness) history(t *testing.T, threadID string) *domain.ConversationState {
	t.Helper()
	st, ok, err := h.store.Load(context.Background(), threadID)
	if err != nil || !ok {
		t.Fatalf("Load(%s) = %t, %v", threadID, ok, err)
	}
	if err := st.Validate(); err != nil {
		t.Fatalf("committed history invalid: %v", err)
	}
	return st
}

func resultFor(st *domain.ConversationState, requestID string) *domain.OperationResult {
	for _, m := range st.Messages {
		if m.Result != nil && m.Result.RequestID == requestID {
			return m.Result
		}
	}
	return nil
}

func turnErrorKind(err error) domain.ErrorKind {
	var te *domain.TurnError
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}

func TestSubmit_SensitiveDeniedWhileUnverified(t *testing.T) {
	p := newScript(
		request(op("c1", banking.GetAccountBalance, own)),
		reply("Please provide your customer ID and PIN."),
	)
	h := newHarness(t, p)

	resp, err := h.orch.Submit(context.Background(), SubmitRequest{ThreadID: "a", Text: "What's my balance?"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if resp.Verified || resp.Response != "Please provide your customer ID and PIN." {
		t.Errorf("Submit() = %+v", resp)
	}

	st := h.history(t, "a")
	res := resultFor(st, "c1")
	if res == nil || res.Outcome.OK() || res.Outcome.Err.Kind != domain.ErrorKindVerificationRequired || res.Authorized {
		t.Fatalf("balance result = %+v, want verification_required denial", res)
	}
	if st.Verified {
		t.Error("thread verified without verify_identity")
	}

	calls := p.calls()
	if len(calls) != 2 || calls[0].Verified || calls[1].Verified {
		t.Errorf("policy inputs = %+v", calls)
	}
	if last := calls[1].Messages[len(calls[1].Messages)-1]; last.Kind != domain.KindOperationResult {
		t.Errorf("policy not shown the denial, last message %s", last.Kind)
	}
}

func TestSubmit_VerifyThenBalance(t *testing.T) {
	p := newScript(
		request(op("c1", banking.VerifyIdentity, verifyOK)),
		reply("You're verified."),
		request(op("c2", banking.GetAccountBalance, own)),
		reply("Your balance is 5000.00 USD."),
	)
	h := newHarness(t, p)
	ctx := context.Background()

	first, err := h.orch.Submit(ctx, SubmitRequest{Text: "I'm user123, PIN 1234"})
	if err != nil {
		t.Fatalf("Submit(verify) error = %v", err)
	}
	if first.ThreadID == "" || !first.Verified {
		t.Fatalf("Submit(verify) = %+v", first)
	}

	second, err := h.orch.Submit(ctx, SubmitRequest{ThreadID: first.ThreadID, Text: "What's my balance?"})
	if err != nil {
		t.Fatalf("Submit(balance) error = %v", err)
	}
	if second.Response != "Your balance is 5000.00 USD." {
		t.Errorf("Submit(balance) = %+v", second)
	}

	st := h.history(t, first.ThreadID)
	if !st.Verified || st.CustomerID != "user123" {
		t.Errorf("state verified=%t customer=%q", st.Verified, st.CustomerID)
	}
	res := resultFor(st, "c2")
	if res == nil || !res.Outcome.OK() || !res.Authorized {
		t.Fatalf("balance result = %+v", res)
	}
	if b, ok := res.Outcome.Value.(banking.Balance); !ok || b.Balance != 5000.00 {
		t.Errorf("balance value = %#v", res.Outcome.Value)
	}
	if len(st.Messages) != 8 {
		t.Errorf("history has %d messages, want 8", len(st.Messages))
	}

	calls := p.calls()
	if calls[1].Verified != true || calls[2].Verified != true {
		t.Errorf("policy not informed of verification: %t %t", calls[1].Verified, calls[2].Verified)
	}
	if calls[0].Verified {
		t.Error("first invocation saw verified=true")
	}
}

func TestSubmit_WrongPINStaysUnverified(t *testing.T) {
	p := newScript(
		request(op("c1", banking.VerifyIdentity, verifyBad)),
		request(op("c2", banking.BlockCard, map[string]any{"customer_id": "user123", "card_id": "c9", "reason": "lost"})),
		reply("Those credentials didn't match."),
	)
	h := newHarness(t, p)

	resp, err := h.orch.Submit(context.Background(), SubmitRequest{ThreadID: "c", Text: "I'm user456, pin 0000. Block card c9."})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if resp.Verified {
		t.Error("wrong PIN verified the thread")
	}

	st := h.history(t, "c")
	if v := resultFor(st, "c1"); v == nil || !v.Outcome.OK() || v.Outcome.Value != false {
		t.Errorf("verify result = %+v", v)
	}
	if b := resultFor(st, "c2"); b == nil || b.Outcome.Err == nil || b.Outcome.Err.Kind != domain.ErrorKindVerificationRequired {
		t.Errorf("block_card result = %+v", b)
	}
}

func TestSubmit_SameBatchVerifyDoesNotAuthorize(t *testing.T) {
	p := newScript(
		request(op("c1", banking.VerifyIdentity, verifyOK), op("c2", banking.GetAccountBalance, own)),
		func(_ context.Context, in policy.Input) (policy.Decision, error) {
			if !in.Verified {
				return policy.Decision{}, errors.New("expected verified input after batch")
			}
			return policy.Decision{Requests: []domain.OperationRequest{op("c3", banking.GetAccountBalance, own)}}, nil
		},
		reply("Your balance is 5000.00 USD."),
	)
	h := newHarness(t, p)

	if _, err := h.orch.Submit(context.Background(), SubmitRequest{ThreadID: "d", Text: "user123 1234 balance"}); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	st := h.history(t, "d")
	if r := resultFor(st, "c2"); r == nil || r.Outcome.Err == nil || r.Outcome.Err.Kind != domain.ErrorKindVerificationRequired {
		t.Errorf("same-batch balance = %+v, want denial", r)
	}
	if r := resultFor(st, "c3"); r == nil || !r.Outcome.OK() {
		t.Errorf("next-batch balance = %+v, want success", r)
	}
}

func TestSubmit_RecoverableFailuresContinue(t *testing.T) {
	p := newScript(
		request(op("c1", banking.VerifyIdentity, verifyOK)),
		request(
			op("c2", "transfer_funds", nil),
			op("c3", banking.GetAccountBalance, map[string]any{"customer_id": "user456"}),
			op("c4", banking.GetRecentTransactions, map[string]any{"customer_id": "user123", "count": "many"}),
		),
		reply("Sorry, I couldn't do that."),
	)
	h := newHarness(t, p)

	if _, err := h.orch.Submit(context.Background(), SubmitRequest{ThreadID: "r", Text: "hi"}); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	st := h.history(t, "r")
	want := map[string]domain.ErrorKind{
		"c2": domain.ErrorKindUnknownCapability,
		"c3": domain.ErrorKindHandlerError,
		"c4": domain.ErrorKindInvalidArgument,
	}
	for id, kind := range want {
		r := resultFor(st, id)
		if r == nil || r.Outcome.Err == nil || r.Outcome.Err.Kind != kind {
			t.Errorf("%s result = %+v, want %s", id, r, kind)
		}
	}
}

func TestSubmit_PolicyFailures(t *testing.T) {
	tests := []struct {
		name     string
		steps    []step
		opts     []Option
		wantKind domain.ErrorKind
		// wantMessages is the committed history length; 0 means nothing committed.
		wantMessages int
	}{
		{
			name: "oracle down",
			steps: []step{func(context.Context, policy.Input) (policy.Decision, error) {
				return policy.Decision{}, errors.New("connection refused")
			}},
			wantKind: domain.ErrorKindPolicyError,
		},
		{
			name: "message and requests",
			steps: []step{func(context.Context, policy.Input) (policy.Decision, error) {
				return policy.Decision{Message: "sure", Requests: []domain.OperationRequest{op("c1", banking.VerifyIdentity, verifyOK)}}, nil
			}},
			wantKind: domain.ErrorKindPolicyError,
		},
		{
			name:         "fails after a batch",
			steps:        []step{request(op("c1", banking.VerifyIdentity, verifyOK)), reply("")},
			wantKind:     domain.ErrorKindPolicyError,
			wantMessages: 3,
		},
		{
			name: "iteration limit",
			steps: []step{
				request(op("", banking.VerifyIdentity, verifyBad)),
				request(op("", banking.VerifyIdentity, verifyBad)),
				request(op("", banking.VerifyIdentity, verifyBad)),
				reply("never reached"),
			},
			opts:         []Option{WithMaxIterations(3)},
			wantKind:     domain.ErrorKindPolicyError,
			wantMessages: 7,
		},
		{
			name: "policy timeout",
			steps: []step{func(ctx context.Context, _ policy.Input) (policy.Decision, error) {
				<-ctx.Done()
				return policy.Decision{}, ctx.Err()
			}},
			opts:     []Option{WithPolicyTimeout(20 * time.Millisecond)},
			wantKind: domain.ErrorKindTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, newScript(tt.steps...), tt.opts...)
			ctx := context.Background()

			_, err := h.orch.Submit(ctx, SubmitRequest{ThreadID: "p", Text: "hello"})
			if got := turnErrorKind(err); got != tt.wantKind {
				t.Fatalf("Submit() error = %v, want kind %s", err, tt.wantKind)
			}

			st, ok, _ := h.store.Load(ctx, "p")
			switch {
			case tt.wantMessages == 0 && ok:
				t.Errorf("failed turn committed %d messages", len(st.Messages))
			case tt.wantMessages > 0 && (!ok || len(st.Messages) != tt.wantMessages):
				t.Errorf("committed %v, want %d messages", st, tt.wantMessages)
			}

			// The lock is free for the next turn.
			sess, err := h.mgr.Acquire(ctx, "p")
			if err != nil {
				t.Fatalf("thread still locked: %v", err)
			}
			sess.Release()
		})
	}
}

func TestSubmit_CancelReleasesLock(t *testing.T) {
	h := newHarness(t, newScript(request(op("c1", "slow", nil))))
	ctx, cancel := context.WithCancel(context.Background())

	errc := make(chan error, 1)
	go func() {
		_, err := h.orch.Submit(ctx, SubmitRequest{ThreadID: "x", Text: "hi"})
		errc <- err
	}()

	select {
	case <-h.started:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never started")
	}
	cancel()

	if kind := turnErrorKind(<-errc); kind != domain.ErrorKindCanceled {
		t.Fatalf("Submit() kind = %s, want canceled", kind)
	}
	if _, ok, _ := h.store.Load(context.Background(), "x"); ok {
		t.Error("partial batch was committed")
	}

	sess, err := h.mgr.Acquire(context.Background(), "x")
	if err != nil {
		t.Fatalf("lock not released after cancel: %v", err)
	}
	sess.Release()
}

func TestSubmit_InvalidRequest(t *testing.T) {
	h := newHarness(t, newScript())
	_, err := h.orch.Submit(context.Background(), SubmitRequest{ThreadID: "t", Text: "   "})
	if kind := turnErrorKind(err); kind != domain.ErrorKindInvalidRequest {
		t.Errorf("Submit(blank) kind = %s", kind)
	}
}

func TestSubmit_ThreadsRunInParallel(t *testing.T) {
	var arrived atomic.Int32
	both := make(chan struct{})
	p := policy.Func(func(ctx context.Context, in policy.Input) (policy.Decision, error) {
		if arrived.Add(1) == 2 {
			close(both)
		}
		select {
		case <-both:
			return policy.Decision{Message: "hello " + in.ThreadID}, nil
		case <-time.After(2 * time.Second):
			return policy.Decision{}, errors.New("other thread never arrived")
		}
	})
	h := newHarness(t, p)

	var wg sync.WaitGroup
	for _, id := range []string{"p1", "p2"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := h.orch.Submit(context.Background(), SubmitRequest{ThreadID: id, Text: "hi"})
			if err != nil {
				t.Errorf("Submit(%s) error = %v", id, err)
				return
			}
			if resp.Response != "hello "+id {
				t.Errorf("Submit(%s) = %q", id, resp.Response)
			}
		}()
	}
	wg.Wait()
}

func TestSubmit_SameThreadSerialized(t *testing.T) {
	var active, overlap atomic.Int32
	p := policy.Func(func(ctx context.Context, in policy.Input) (policy.Decision, error) {
		if active.Add(1) > 1 {
			overlap.Add(1)
		}
		time.Sleep(5 * time.Millisecond)
		active.Add(-1)
		return policy.Decision{Message: "ok"}, nil
	})
	h := newHarness(t, p)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.orch.Submit(context.Background(), SubmitRequest{ThreadID: "s", Text: "hi"}); err != nil {
				t.Errorf("Submit() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if overlap.Load() != 0 {
		t.Error("turns on one thread overlapped")
	}
	if st := h.history(t, "s"); len(st.Messages) != 8 {
		t.Errorf("history has %d messages, want 8", len(st.Messages))
	}
}

func TestSubmit_VerifiedCustomerPinned(t *testing.T) {
	p := newScript(
		request(op("c1", banking.VerifyIdentity, verifyOK)),
		request(op("c2", banking.VerifyIdentity, map[string]any{"customer_id": "user456", "pin": "5678"})),
		request(op("c3", banking.GetAccountBalance, map[string]any{"customer_id": "user456"})),
		reply("done"),
	)
	h := newHarness(t, p)

	resp, err := h.orch.Submit(context.Background(), SubmitRequest{ThreadID: "pin", Text: "hi", CustomerID: "user456"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	st := h.history(t, resp.ThreadID)
	if st.CustomerID != "user123" {
		t.Errorf("CustomerID = %q, want pinned user123", st.CustomerID)
	}
	if r := resultFor(st, "c3"); r == nil || r.Outcome.Err == nil || r.Outcome.Err.Kind != domain.ErrorKindHandlerError {
		t.Errorf("cross-customer balance = %+v, want handler_error", r)
	}
}

func TestSubmit_ReverifyAndRepeatedBlockCard(t *testing.T) {
	blockArgs := map[string]any{"customer_id": "user123", "card_id": "card9", "reason": "lost"}
	p := newScript(
		request(op("c1", banking.VerifyIdentity, verifyOK)),
		reply("You're verified."),
		request(
			op("c2", banking.VerifyIdentity, verifyOK),
			op("c3", banking.BlockCard, blockArgs),
			op("c4", banking.BlockCard, blockArgs),
		),
		reply("Card card9 is blocked."),
		request(op("c5", banking.VerifyIdentity, verifyBad)),
		request(op("c6", banking.GetAccountBalance, own)),
		reply("Your balance is 5000.00 USD."),
	)
	h := newHarness(t, p)
	ctx := context.Background()

	turns := []string{
		"I'm user123, PIN 1234",
		"Verify me again and block card9, I lost it",
		"Try user456 with 0000, then show my balance",
	}
	for _, text := range turns {
		resp, err := h.orch.Submit(ctx, SubmitRequest{ThreadID: "T1", Text: text})
		if err != nil {
			t.Fatalf("Submit(%q) error = %v", text, err)
		}
		if !resp.Verified {
			t.Errorf("Submit(%q) left the thread unverified", text)
		}
	}

	st := h.history(t, "T1")
	if !st.Verified || st.CustomerID != "user123" {
		t.Errorf("state verified=%t customer=%q, want verified user123", st.Verified, st.CustomerID)
	}

	if r := resultFor(st, "c2"); r == nil || !r.Outcome.OK() || r.Outcome.Value != true {
		t.Errorf("second verify_identity = %+v, want Success(true)", r)
	}
	for _, id := range []string{"c3", "c4"} {
		r := resultFor(st, id)
		if r == nil || !r.Outcome.OK() || !r.Authorized {
			t.Fatalf("%s block_card = %+v, want success", id, r)
		}
		text, _ := r.Outcome.Value.(string)
		if !strings.Contains(text, "card9") || !strings.Contains(text, "lost") {
			t.Errorf("%s block_card text = %q", id, text)
		}
	}
	if r := resultFor(st, "c5"); r == nil || !r.Outcome.OK() || r.Outcome.Value != false {
		t.Errorf("wrong PIN verify_identity = %+v, want Success(false)", r)
	}
	if r := resultFor(st, "c6"); r == nil || !r.Outcome.OK() || !r.Authorized {
		t.Errorf("balance after failed re-verify = %+v, want success", r)
	}

	// 4 + 6 + 6 messages over the three turns.
	if len(st.Messages) != 16 {
		t.Errorf("history has %d messages, want 16", len(st.Messages))
	}
}

func TestSubmit_PINNotRecorded(t *testing.T) {
	p := newScript(
		request(op("c1", banking.VerifyIdentity, verifyOK)),
		func(_ context.Context, in policy.Input) (policy.Decision, error) {
			for _, m := range in.Messages {
				for _, r := range m.Requests {
					if pin, ok := r.Arguments["pin"]; ok && pin != capability.RedactedValue {
						return policy.Decision{}, errors.New("policy saw a plaintext pin")
					}
				}
			}
			return policy.Decision{Message: "verified"}, nil
		},
	)
	h := newHarness(t, p)

	if _, err := h.orch.Submit(context.Background(), SubmitRequest{ThreadID: "secret", Text: "user123 1234"}); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	st := h.history(t, "secret")
	if !st.Verified {
		t.Fatal("masking the pin broke verification")
	}
	req := st.Messages[1].Requests[0]
	if req.Arguments["pin"] != capability.RedactedValue || req.Arguments["customer_id"] != "user123" {
		t.Errorf("recorded arguments = %v", req.Arguments)
	}
	if verifyOK["pin"] != "1234" {
		t.Error("redaction mutated the policy's request")
	}
}

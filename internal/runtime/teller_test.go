package runtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tjfontaine/teller/internal/banking"
	"github.com/tjfontaine/teller/internal/capability"
	"github.com/tjfontaine/teller/internal/config"
	"github.com/tjfontaine/teller/internal/core/domain"
	"github.com/tjfontaine/teller/internal/orchestrator"
	"github.com/tjfontaine/teller/internal/policy"
	"github.com/tjfontaine/teller/internal/testutil"
)

func testConfig() *config.Config {
	return &config.Config{
		Server:  config.ServerConfig{Addr: "127.0.0.1:0", RequestTimeout: 5 * time.Second},
		Storage: config.StorageConfig{Type: "memory"},
		Policy:  config.PolicyConfig{Backend: "openai"},
		Orchestrator: config.OrchestratorConfig{
			MaxIterations:    4,
			MaxParallel:      2,
			PolicyTimeout:    time.Second,
			OperationTimeout: time.Second,
			LockTimeout:      time.Second,
		},
	}
}

// balancePolicy verifies user123 and then reports the balance.
func balancePolicy() policy.Policy {
	return policy.Func(func(ctx context.Context, in policy.Input) (policy.Decision, error) {
		last := in.Messages[len(in.Messages)-1]
		switch {
		case last.Kind == domain.KindUser:
			return policy.Decision{Requests: []domain.OperationRequest{{
				ID:        "op_1",
				Name:      banking.VerifyIdentity,
				Arguments: map[string]any{"customer_id": "user123", "pin": "1234"},
			}}}, nil
		case in.Verified && len(in.Messages) == 3:
			return policy.Decision{Requests: []domain.OperationRequest{{
				ID:        "op_2",
				Name:      banking.GetAccountBalance,
				Arguments: map[string]any{"customer_id": "user123"},
			}}}, nil
		default:
			return policy.Decision{Message: "Your balance is 5000.00 USD."}, nil
		}
	})
}

func TestNew_RequiresAPIKey(t *testing.T) {
	_, err := New(WithConfig(testConfig()), WithLogger(testutil.DiscardLogger()))
	if err == nil || !strings.Contains(err.Error(), "api_key") {
		t.Fatalf("New() error = %v, want missing api key", err)
	}
}

func TestNew_NilConfig(t *testing.T) {
	if _, err := New(WithConfig(nil)); err == nil {
		t.Fatal("New(WithConfig(nil)) should fail")
	}
}

func TestTeller_Submit(t *testing.T) {
	tl, err := New(
		WithConfig(testConfig()),
		WithLogger(testutil.DiscardLogger()),
		WithMemoryStore(),
		WithPolicy(balancePolicy()),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer tl.Shutdown(context.Background())

	resp, err := tl.Submit(context.Background(), orchestrator.SubmitRequest{ThreadID: "t1", Text: "balance please"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if !resp.Verified || resp.Response != "Your balance is 5000.00 USD." {
		t.Errorf("Submit() = %+v", resp)
	}

	state, err := tl.Conversations().Snapshot(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if len(state.Messages) != 6 || state.CustomerID != "user123" {
		t.Errorf("state = %d messages, customer %q", len(state.Messages), state.CustomerID)
	}

	if _, err := tl.SubmitLocal(context.Background(), orchestrator.SubmitRequest{Text: "hi"}); err == nil {
		t.Error("SubmitLocal() without a local policy should fail")
	}
}

func TestTeller_Handler(t *testing.T) {
	echo := policy.Func(func(ctx context.Context, in policy.Input) (policy.Decision, error) {
		return policy.Decision{Message: "local says hi"}, nil
	})
	tl, err := New(
		WithConfig(testConfig()),
		WithLogger(testutil.DiscardLogger()),
		WithMemoryStore(),
		WithPolicy(balancePolicy()),
		WithLocalPolicy(echo),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer tl.Shutdown(context.Background())

	srv := httptest.NewServer(tl.Handler())
	defer srv.Close()

	res, err := http.Post(srv.URL+"/chat/local", "application/json", strings.NewReader(`{"message":"hello","thread_id":"local-1"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", res.StatusCode)
	}
	var body struct {
		Response string `json:"response"`
		ThreadID string `json:"thread_id"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Response != "local says hi" || body.ThreadID != "local-1" {
		t.Errorf("body = %+v", body)
	}
}

func TestTeller_WithCapability(t *testing.T) {
	tl, err := New(
		WithConfig(testConfig()),
		WithLogger(testutil.DiscardLogger()),
		WithMemoryStore(),
		WithPolicy(balancePolicy()),
		WithCapability(capability.Descriptor{
			Name:        "branch_hours",
			Description: "Returns branch opening hours.",
			Sensitivity: domain.Public,
		}, func(ctx context.Context, args capability.Args) (any, error) {
			return "9-5", nil
		}),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer tl.Shutdown(context.Background())

	if _, ok := tl.Registry().Lookup("branch_hours"); !ok {
		t.Error("branch_hours not registered")
	}
	if !tl.Registry().Sealed() {
		t.Error("registry should be sealed")
	}
}

func TestTeller_StartShutdown(t *testing.T) {
	tl, err := New(
		WithConfig(testConfig()),
		WithLogger(testutil.DiscardLogger()),
		WithPolicy(balancePolicy()),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx := context.Background()
	if err := tl.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := tl.Start(ctx); err == nil {
		t.Error("second Start() should fail")
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := tl.Shutdown(shutdownCtx); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}

	waitCtx, cancelWait := context.WithTimeout(ctx, 5*time.Second)
	defer cancelWait()
	if err := tl.Wait(waitCtx); err != nil {
		t.Errorf("Wait() error = %v", err)
	}
}

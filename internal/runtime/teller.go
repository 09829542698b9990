// Package runtime assembles the assistant from configuration and manages its
// lifecycle. It is the implementation behind pkg/teller.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	openaiapi "github.com/tjfontaine/teller/internal/api/openai"
	"github.com/tjfontaine/teller/internal/auth"
	"github.com/tjfontaine/teller/internal/banking"
	"github.com/tjfontaine/teller/internal/capability"
	"github.com/tjfontaine/teller/internal/config"
	"github.com/tjfontaine/teller/internal/conversation"
	"github.com/tjfontaine/teller/internal/core/ports"
	"github.com/tjfontaine/teller/internal/dispatch"
	"github.com/tjfontaine/teller/internal/orchestrator"
	"github.com/tjfontaine/teller/internal/policy"
	"github.com/tjfontaine/teller/internal/policy/langchain"
	openaipolicy "github.com/tjfontaine/teller/internal/policy/openai"
	"github.com/tjfontaine/teller/internal/server"
	"github.com/tjfontaine/teller/internal/storage"
	"github.com/tjfontaine/teller/internal/telemetry"
	"github.com/tjfontaine/teller/internal/tokens"
)

// Teller is a fully wired assistant: capability registry, dispatcher,
// conversation manager, orchestrators and the HTTP server in front of them.
type Teller struct {
	// Dependencies (injected via options)
	cfg        *config.Config
	logger     *slog.Logger
	tracer     trace.Tracer
	store      ports.StateStore
	repo       banking.Repository
	primary    policy.Policy
	local      policy.Policy
	httpClient *http.Client
	extra      []func(*capability.Registry) error

	// Built in New
	registry      *capability.Registry
	conversations *conversation.Manager
	orchestrator  *orchestrator.Orchestrator
	localOrch     *orchestrator.Orchestrator
	server        *server.Server

	mu      sync.Mutex
	serving bool
	errc    chan error
}

// New builds a Teller. Without WithConfig or WithFileConfig the defaults of
// config.Load apply.
func New(opts ...Option) (*Teller, error) {
	t := &Teller{
		logger: slog.Default(),
		tracer: telemetry.Tracer(),
	}

	for _, opt := range opts {
		if err := opt(t); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	if t.cfg == nil {
		cfg, err := config.Load("")
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		t.cfg = cfg
	}

	if err := t.build(); err != nil {
		if t.store != nil {
			t.store.Close()
		}
		return nil, err
	}
	return t, nil
}

func (t *Teller) build() error {
	cfg := t.cfg

	if t.store == nil {
		store, err := storage.Open(storage.Config{Type: cfg.Storage.Type, DSN: cfg.Storage.DSN})
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		t.store = store
	}

	if t.repo == nil {
		repo, err := loadRepository(cfg.Banking.FixturesPath)
		if err != nil {
			return fmt.Errorf("load banking fixtures: %w", err)
		}
		t.repo = repo
	}

	t.registry = capability.NewRegistry()
	if err := banking.Register(t.registry, t.repo); err != nil {
		return fmt.Errorf("register banking capabilities: %w", err)
	}
	for _, register := range t.extra {
		if err := register(t.registry); err != nil {
			return fmt.Errorf("register capability: %w", err)
		}
	}
	t.registry.Seal()

	if t.primary == nil {
		p, err := t.primaryPolicy()
		if err != nil {
			return fmt.Errorf("create policy: %w", err)
		}
		t.primary = p
	}
	if t.local == nil && cfg.Local.Enabled {
		p, err := t.localPolicy()
		if err != nil {
			return fmt.Errorf("create local policy: %w", err)
		}
		t.local = p
	}

	dispatcher := dispatch.New(t.registry,
		dispatch.WithLogger(t.logger),
		dispatch.WithTracer(t.tracer),
		dispatch.WithMaxParallel(cfg.Orchestrator.MaxParallel),
		dispatch.WithOperationTimeout(cfg.Orchestrator.OperationTimeout),
	)

	convOpts := []conversation.Option{conversation.WithLogger(t.logger)}
	if cfg.Orchestrator.LockTimeout > 0 {
		convOpts = append(convOpts, conversation.WithLockTimeout(cfg.Orchestrator.LockTimeout))
	}
	t.conversations = conversation.NewManager(t.store, convOpts...)

	orchOpts := []orchestrator.Option{
		orchestrator.WithLogger(t.logger),
		orchestrator.WithTracer(t.tracer),
		orchestrator.WithMaxIterations(cfg.Orchestrator.MaxIterations),
		orchestrator.WithPolicyTimeout(cfg.Orchestrator.PolicyTimeout),
		orchestrator.WithTurnTimeout(cfg.Orchestrator.TurnTimeout),
	}
	t.orchestrator = orchestrator.New(t.conversations, t.registry, dispatcher, t.primary, orchOpts...)

	var local server.Submitter
	if t.local != nil {
		t.localOrch = orchestrator.New(t.conversations, t.registry, dispatcher, t.local, orchOpts...)
		local = t.localOrch
	}

	keys := make([]auth.APIKey, len(cfg.Auth.APIKeys))
	for i, k := range cfg.Auth.APIKeys {
		keys[i] = auth.APIKey{KeyHash: k.KeyHash, Description: k.Description}
	}

	h := server.NewHandler(t.orchestrator, local, t.conversations, t.logger)
	t.server = server.New(server.Config{
		Addr:           cfg.Server.Addr,
		RequestTimeout: cfg.Server.RequestTimeout,
		CORSOrigins:    cfg.Server.CORSOrigins,
		RateLimit:      cfg.Server.RateLimit,
		RateBurst:      cfg.Server.RateBurst,
	}, t.logger, auth.NewAuthenticator(keys), h)

	t.logger.Info("teller assembled",
		slog.String("storage", cfg.Storage.Type),
		slog.String("policy", cfg.Policy.Backend),
		slog.Bool("local", t.local != nil),
		slog.Int("capabilities", t.registry.Len()))
	return nil
}

func (t *Teller) primaryPolicy() (policy.Policy, error) {
	pc := t.cfg.Policy
	switch pc.Backend {
	case "langchain":
		model, err := langchain.NewModel(langchain.ProviderConfig{
			Provider:   pc.Provider,
			Model:      pc.Model,
			BaseURL:    pc.BaseURL,
			APIKey:     pc.APIKey,
			HTTPClient: t.httpClient,
		})
		if err != nil {
			return nil, err
		}
		return langchain.New(model, langchain.WithTemperature(pc.Temperature), langchain.WithLogger(t.logger)), nil

	default:
		if pc.APIKey == "" {
			return nil, errors.New("policy.api_key (or OPENAI_API_KEY) is required")
		}
		var clientOpts []openaiapi.ClientOption
		if pc.BaseURL != "" {
			clientOpts = append(clientOpts, openaiapi.WithBaseURL(pc.BaseURL))
		}
		if t.httpClient != nil {
			clientOpts = append(clientOpts, openaiapi.WithHTTPClient(t.httpClient))
		}
		opts := []openaipolicy.Option{
			openaipolicy.WithTemperature(float32(pc.Temperature)),
			openaipolicy.WithLogger(t.logger),
		}
		if pc.MaxContextTokens > 0 {
			counters := tokens.NewRegistry(tokens.NewOpenAICounter())
			opts = append(opts, openaipolicy.WithTokenBudget(counters.CounterFor(pc.Model), pc.MaxContextTokens))
		}
		return openaipolicy.New(openaiapi.NewClient(pc.APIKey, clientOpts...), pc.Model, opts...), nil
	}
}

func (t *Teller) localPolicy() (policy.Policy, error) {
	lc := t.cfg.Local
	model, err := langchain.NewModel(langchain.ProviderConfig{
		Provider:   lc.Provider,
		Model:      lc.Model,
		BaseURL:    lc.BaseURL,
		HTTPClient: t.httpClient,
	})
	if err != nil {
		return nil, err
	}
	return langchain.New(model, langchain.WithLogger(t.logger)), nil
}

func loadRepository(path string) (*banking.MemoryRepository, error) {
	if path == "" {
		return banking.NewDefaultRepository()
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return banking.LoadRepository(f)
}

// Submit runs one turn against the primary policy.
func (t *Teller) Submit(ctx context.Context, req orchestrator.SubmitRequest) (*orchestrator.SubmitResponse, error) {
	return t.orchestrator.Submit(ctx, req)
}

// SubmitLocal runs one turn against the local policy. It fails when no local
// policy is configured.
func (t *Teller) SubmitLocal(ctx context.Context, req orchestrator.SubmitRequest) (*orchestrator.SubmitResponse, error) {
	if t.localOrch == nil {
		return nil, errors.New("local assistant is not configured")
	}
	return t.localOrch.Submit(ctx, req)
}

// Conversations exposes committed thread state.
func (t *Teller) Conversations() *conversation.Manager {
	return t.conversations
}

// Registry returns the sealed capability registry.
func (t *Teller) Registry() *capability.Registry {
	return t.registry
}

// Handler returns the HTTP handler with the full middleware chain.
func (t *Teller) Handler() http.Handler {
	return t.server.Router
}

// Config returns the resolved configuration.
func (t *Teller) Config() *config.Config {
	return t.cfg
}

// Start begins serving HTTP in the background. Errors from the listener are
// reported by Wait.
func (t *Teller) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.serving {
		return errors.New("teller already started")
	}
	t.serving = true
	t.errc = make(chan error, 1)

	go func() {
		t.errc <- t.server.Start()
	}()

	t.logger.InfoContext(ctx, "teller started", slog.String("addr", t.cfg.Server.Addr))
	return nil
}

// Wait blocks until the listener stops or ctx is done.
func (t *Teller) Wait(ctx context.Context) error {
	t.mu.Lock()
	errc := t.errc
	t.mu.Unlock()
	if errc == nil {
		return errors.New("teller not started")
	}

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return nil
	}
}

// Shutdown stops the server, waits for in-flight turns and closes storage.
func (t *Teller) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.logger.Info("shutting down teller")

	var errs []error
	if t.serving {
		if err := t.server.Shutdown(ctx); err != nil {
			t.logger.Error("failed to shutdown server", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
		t.serving = false
	}

	if err := t.store.Close(); err != nil {
		t.logger.Error("failed to close storage", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	t.logger.Info("teller shutdown complete")
	return errors.Join(errs...)
}

// DefaultShutdownTimeout bounds graceful shutdown in the command.
const DefaultShutdownTimeout = 30 * time.Second

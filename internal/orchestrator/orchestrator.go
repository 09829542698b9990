// Package orchestrator runs one customer turn: it asks the policy what to do,
// executes the operations it requests through the verification gate, and
// loops until the policy produces a reply.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/teller/internal/capability"
	"github.com/tjfontaine/teller/internal/conversation"
	"github.com/tjfontaine/teller/internal/core/domain"
	"github.com/tjfontaine/teller/internal/dispatch"
	"github.com/tjfontaine/teller/internal/policy"
	"github.com/tjfontaine/teller/internal/telemetry"
	"github.com/tjfontaine/teller/internal/verification"
)

const (
	// DefaultMaxIterations caps policy invocations per turn.
	DefaultMaxIterations = 8

	// DefaultPolicyTimeout bounds one policy invocation.
	DefaultPolicyTimeout = 60 * time.Second
)

// SubmitRequest is one inbound customer message.
type SubmitRequest struct {
	ThreadID   string
	Text       string
	CustomerID string
}

// SubmitResponse is the reply to a SubmitRequest.
type SubmitResponse struct {
	Response string `json:"response"`
	ThreadID string `json:"thread_id"`
	Verified bool   `json:"verified"`
}

// Orchestrator is safe for concurrent use. Turns on the same thread are
// serialized by the conversation manager; distinct threads run in parallel.
type Orchestrator struct {
	conversations *conversation.Manager
	registry      *capability.Registry
	dispatcher    *dispatch.Dispatcher
	policy        policy.Policy

	logger        *slog.Logger
	tracer        trace.Tracer
	maxIterations int
	policyTimeout time.Duration
	turnTimeout   time.Duration
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithTracer sets the tracer used for turn and policy spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *Orchestrator) {
		o.tracer = tracer
	}
}

// WithMaxIterations caps policy invocations per turn.
func WithMaxIterations(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxIterations = n
		}
	}
}

// WithPolicyTimeout bounds each policy invocation. Zero disables the bound.
func WithPolicyTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.policyTimeout = d
	}
}

// WithTurnTimeout bounds a whole turn, lock wait included. Zero disables it.
func WithTurnTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.turnTimeout = d
	}
}

// New creates an Orchestrator. The registry should be sealed.
func New(conversations *conversation.Manager, registry *capability.Registry, dispatcher *dispatch.Dispatcher, p policy.Policy, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		conversations: conversations,
		registry:      registry,
		dispatcher:    dispatcher,
		policy:        p,
		logger:        slog.Default(),
		tracer:        telemetry.Tracer(),
		maxIterations: DefaultMaxIterations,
		policyTimeout: DefaultPolicyTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Conversations exposes the manager for read-only history lookups.
func (o *Orchestrator) Conversations() *conversation.Manager {
	return o.conversations
}

// Submit runs one turn. Errors are *domain.TurnError; their UserMessage is
// safe to show the customer.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (*SubmitResponse, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, domain.ErrInvalidRequest("message is required")
	}
	threadID := req.ThreadID
	if threadID == "" {
		threadID = uuid.NewString()
	}

	ctx, span := o.tracer.Start(ctx, "turn", trace.WithAttributes(attribute.String("thread.id", threadID)))
	defer span.End()

	if o.turnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.turnTimeout)
		defer cancel()
	}

	start := time.Now()
	logger := o.logger.With(slog.String("thread_id", threadID))
	logger.Info("turn started", slog.Bool("has_customer_hint", req.CustomerID != ""))

	sess, err := o.conversations.Acquire(ctx, threadID)
	if err != nil {
		return nil, o.abort(span, logger, err)
	}
	defer sess.Release()

	wasVerified := sess.Verified()
	sess.SetCustomerID(req.CustomerID)
	sess.Append(domain.UserMessage(req.Text))

	reply, iterations, err := o.run(ctx, sess, logger)
	if err != nil {
		if wrote, cerr := sess.CommitCheckpoint(ctx); cerr != nil {
			logger.Error("checkpoint commit failed", slog.String("error", cerr.Error()))
		} else if wrote {
			logger.Info("committed last checkpoint of failed turn")
		}
		return nil, o.abort(span, logger, err)
	}

	if err := sess.Commit(ctx); err != nil {
		return nil, o.abort(span, logger, err)
	}

	verified := sess.Verified()
	span.SetAttributes(
		attribute.Int("turn.iterations", iterations),
		attribute.Bool("thread.verified", verified),
	)
	logger.Info("turn completed",
		slog.Int("iterations", iterations),
		slog.Bool("verified", verified),
		slog.Bool("verified_this_turn", verified && !wasVerified),
		slog.Duration("duration", time.Since(start)),
	)
	return &SubmitResponse{Response: reply, ThreadID: threadID, Verified: verified}, nil
}

func (o *Orchestrator) run(ctx context.Context, sess *conversation.Session, logger *slog.Logger) (string, int, error) {
	state := AwaitingPolicy
	iterations := 0
	var decision policy.Decision

	for {
		var ev event
		switch state {
		case AwaitingPolicy:
			if iterations >= o.maxIterations {
				return "", iterations, domain.ErrPolicy(fmt.Errorf("%w: %d policy invocations", domain.ErrIterationLimit, iterations))
			}
			iterations++

			d, err := o.decide(ctx, sess, iterations)
			if err != nil {
				return "", iterations, err
			}
			decision = d
			if d.IsFinal() {
				sess.Append(domain.FinalMessage(d.Message))
				ev = eventFinal
			} else {
				ev = eventRequests
			}

		case ExecutingOperations:
			if err := o.executeBatch(ctx, sess, decision.Requests, logger); err != nil {
				return "", iterations, err
			}
			ev = eventBatchDone

		case Terminal:
			return decision.Message, iterations, nil
		}

		next, err := transition(state, ev)
		if err != nil {
			return "", iterations, domain.NewTurnError(domain.ErrorKindInternal, err)
		}
		state = next
	}
}

func (o *Orchestrator) decide(ctx context.Context, sess *conversation.Session, iteration int) (policy.Decision, error) {
	ctx, span := o.tracer.Start(ctx, "policy.decide", trace.WithAttributes(attribute.Int("policy.iteration", iteration)))
	defer span.End()

	pctx := ctx
	if o.policyTimeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, o.policyTimeout)
		defer cancel()
	}

	in := policy.Input{
		ThreadID:     sess.ThreadID(),
		Messages:     sess.Messages(),
		Verified:     sess.Verified(),
		CustomerID:   sess.CustomerID(),
		Capabilities: o.registry.Descriptors(),
	}
	d, err := o.policy.Decide(pctx, in)
	if err == nil {
		err = policy.Validate(&d)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		switch {
		case ctx.Err() != nil:
			return d, domain.FromContext(ctx.Err())
		case errors.Is(err, context.DeadlineExceeded) && pctx.Err() != nil:
			return d, domain.NewTurnError(domain.ErrorKindTimeout, fmt.Errorf("policy: %w", err))
		default:
			return d, domain.ErrPolicy(err)
		}
	}

	span.SetAttributes(
		attribute.Bool("policy.final", d.IsFinal()),
		attribute.Int("policy.requests", len(d.Requests)),
	)
	return d, nil
}

// executeBatch runs one batch and appends the request message followed by
// its results. Nothing is appended if the batch fails.
func (o *Orchestrator) executeBatch(ctx context.Context, sess *conversation.Session, reqs []domain.OperationRequest, logger *slog.Logger) error {
	verified := sess.Verified()
	ctx = capability.WithCaller(ctx, capability.Caller{
		ThreadID:   sess.ThreadID(),
		CustomerID: sess.CustomerID(),
		Verified:   verified,
	})

	results, err := o.dispatcher.ExecuteBatch(ctx, verified, reqs)
	if err != nil {
		var te *domain.TurnError
		if errors.As(err, &te) {
			return te
		}
		if errors.Is(err, domain.ErrOperationTimeout) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return domain.FromContext(err)
		}
		return domain.NewTurnError(domain.ErrorKindInternal, err)
	}

	recorded := make([]domain.OperationRequest, len(reqs))
	for i, req := range reqs {
		recorded[i] = o.registry.Redact(req)
	}

	msgs := make([]domain.Message, 0, len(results)+1)
	msgs = append(msgs, domain.RequestMessage(recorded))
	var (
		verifiedNow bool
		verifiedAs  string
	)
	for i, res := range results {
		msgs = append(msgs, domain.ResultMessage(res))
		if !verifiedNow && verification.IsVerificationEvent(res) {
			verifiedNow = true
			verifiedAs, _ = reqs[i].Arguments["customer_id"].(string)
		}
	}
	sess.Append(msgs...)

	if verifiedNow && !verified {
		sess.MarkVerified(verifiedAs)
		logger.Info("thread verified", slog.String("customer_id", verifiedAs))
	}
	sess.Checkpoint()
	return nil
}

func (o *Orchestrator) abort(span trace.Span, logger *slog.Logger, err error) error {
	te := domain.AsTurnError(err)
	span.RecordError(err)
	span.SetStatus(codes.Error, string(te.Kind))
	span.SetAttributes(attribute.String("turn.error_kind", string(te.Kind)))
	logger.Error("turn failed",
		slog.String("kind", string(te.Kind)),
		slog.String("error", err.Error()),
	)
	return te
}

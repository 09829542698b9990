// Package dispatch executes approved operation requests against the
// capability registry and normalizes every per-operation failure into an
// operation result.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sourcegraph/conc/iter"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/teller/internal/capability"
	"github.com/tjfontaine/teller/internal/core/domain"
	"github.com/tjfontaine/teller/internal/telemetry"
	"github.com/tjfontaine/teller/internal/verification"
)

const (
	// DefaultMaxParallel bounds concurrent handlers within one batch.
	DefaultMaxParallel = 4

	// DefaultOperationTimeout bounds a single handler invocation.
	DefaultOperationTimeout = 10 * time.Second
)

// Dispatcher runs gate, lookup, validation and handler for each request.
type Dispatcher struct {
	registry         *capability.Registry
	logger           *slog.Logger
	tracer           trace.Tracer
	maxParallel      int
	operationTimeout time.Duration
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithMaxParallel bounds concurrent handlers per batch. Values below 1 mean 1.
func WithMaxParallel(n int) Option {
	return func(d *Dispatcher) {
		if n < 1 {
			n = 1
		}
		d.maxParallel = n
	}
}

// WithOperationTimeout bounds each handler call. Zero disables the bound.
func WithOperationTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		d.operationTimeout = timeout
	}
}

// WithTracer overrides the tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(d *Dispatcher) {
		d.tracer = tracer
	}
}

// New creates a dispatcher over registry.
func New(registry *capability.Registry, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry:         registry,
		logger:           slog.Default(),
		maxParallel:      DefaultMaxParallel,
		operationTimeout: DefaultOperationTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.tracer == nil {
		d.tracer = telemetry.Tracer()
	}
	return d
}

// Execute runs one request. Every capability-level failure comes back as a
// Failure outcome with a nil error. The error is non-nil only when ctx ends
// or the handler overruns its deadline; the turn must then be aborted.
func (d *Dispatcher) Execute(ctx context.Context, verified bool, req domain.OperationRequest) (domain.OperationResult, error) {
	ctx, span := d.tracer.Start(ctx, "operation.execute", trace.WithAttributes(
		attribute.String("operation.name", req.Name),
		attribute.String("operation.id", req.ID),
	))
	defer span.End()

	res, err := d.execute(ctx, verified, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}
	span.SetAttributes(
		attribute.String("operation.sensitivity", string(res.Sensitivity)),
		attribute.Bool("operation.authorized", res.Authorized),
		attribute.Bool("operation.ok", res.Outcome.OK()),
	)
	return res, nil
}

func (d *Dispatcher) execute(ctx context.Context, verified bool, req domain.OperationRequest) (domain.OperationResult, error) {
	res := domain.OperationResult{RequestID: req.ID, Name: req.Name}

	if err := ctx.Err(); err != nil {
		return res, err
	}

	c, ok := d.registry.Lookup(req.Name)
	if !ok {
		d.logger.Warn("policy anomaly: unknown capability requested",
			slog.String("operation", req.Name),
			slog.String("request_id", req.ID),
		)
		res.Outcome = domain.Fail(domain.ErrorKindUnknownCapability,
			fmt.Sprintf("no capability named %q is available", req.Name))
		return res, nil
	}
	res.Sensitivity = c.Sensitivity

	decision := verification.Authorize(verified, c.Descriptor)
	if !decision.Allowed {
		d.logger.Info("verification gate denied operation",
			slog.String("operation", req.Name),
			slog.String("request_id", req.ID),
		)
		res.Outcome = decision.Denial()
		return res, nil
	}
	res.Authorized = true

	args, err := c.Validate(req.Arguments)
	if err != nil {
		d.logger.Warn("operation arguments rejected",
			slog.String("operation", req.Name),
			slog.String("error", err.Error()),
		)
		res.Outcome = domain.Fail(domain.ErrorKindInvalidArgument, err.Error())
		return res, nil
	}

	value, err := d.invoke(ctx, c, args)
	if err != nil {
		var fatal *fatalError
		if errors.As(err, &fatal) {
			return res, fatal.err
		}
		d.logger.Warn("operation handler failed",
			slog.String("operation", req.Name),
			slog.String("error", err.Error()),
		)
		res.Outcome = domain.Fail(domain.ErrorKindHandlerError, err.Error())
		return res, nil
	}

	res.Outcome = domain.Success(value)
	return res, nil
}

type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return e.err.Error() }

type handlerReturn struct {
	value any
	err   error
}

// invoke calls the handler on its own goroutine so a handler that ignores its
// context cannot hold the turn past the deadline.
func (d *Dispatcher) invoke(ctx context.Context, c *capability.Capability, args capability.Args) (any, error) {
	opCtx := ctx
	if d.operationTimeout > 0 {
		var cancel context.CancelFunc
		opCtx, cancel = context.WithTimeout(ctx, d.operationTimeout)
		defer cancel()
	}

	done := make(chan handlerReturn, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("operation handler panicked",
					slog.String("operation", c.Name),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)
				done <- handlerReturn{err: fmt.Errorf("internal error in %s", c.Name)}
			}
		}()
		v, err := c.Handler(opCtx, args)
		done <- handlerReturn{value: v, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && opCtx.Err() != nil {
			return nil, &fatalError{err: deadlineCause(ctx, opCtx)}
		}
		return r.value, r.err
	case <-opCtx.Done():
		return nil, &fatalError{err: deadlineCause(ctx, opCtx)}
	}
}

func deadlineCause(parent, op context.Context) error {
	if err := parent.Err(); err != nil {
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrOperationTimeout, op.Err())
}

// ExecuteBatch runs every request of one assistant_request message, at most
// MaxParallel at a time, and returns the results in request order. All gate
// decisions use verified, the flag as it stood when the batch was issued. If
// any request fails fatally the whole batch is discarded.
func (d *Dispatcher) ExecuteBatch(ctx context.Context, verified bool, reqs []domain.OperationRequest) ([]domain.OperationResult, error) {
	seen := make(map[string]bool, len(reqs))
	for _, r := range reqs {
		if seen[r.ID] {
			return nil, domain.ErrPolicy(fmt.Errorf("%w: duplicate request id %q", domain.ErrMalformedDecision, r.ID))
		}
		seen[r.ID] = true
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// cause is the first fatal error; siblings canceled because of it only
	// report context.Canceled.
	var (
		mu    sync.Mutex
		cause error
	)
	mapper := iter.Mapper[domain.OperationRequest, domain.OperationResult]{MaxGoroutines: d.maxParallel}
	results := mapper.Map(reqs, func(r *domain.OperationRequest) domain.OperationResult {
		res, err := d.Execute(ctx, verified, *r)
		if err != nil {
			mu.Lock()
			if cause == nil {
				cause = err
			}
			mu.Unlock()
			cancel()
		}
		return res
	})

	if cause != nil {
		return nil, cause
	}
	return results, nil
}

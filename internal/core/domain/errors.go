package domain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind represents the category of a failure.
type ErrorKind string

const (
	// ErrorKindVerificationRequired is a gate denial. Recoverable: the customer
	// is asked to authenticate.
	ErrorKindVerificationRequired ErrorKind = "verification_required"

	// ErrorKindUnknownCapability means the policy named a capability that is
	// not registered. Recoverable, logged as a policy anomaly.
	ErrorKindUnknownCapability ErrorKind = "unknown_capability"

	// ErrorKindHandlerError is a backend failure inside a capability handler.
	ErrorKindHandlerError ErrorKind = "handler_error"

	// ErrorKindInvalidArgument is a schema mismatch between a request and its
	// capability descriptor. Treated like ErrorKindHandlerError.
	ErrorKindInvalidArgument ErrorKind = "invalid_argument"

	// ErrorKindPolicyError covers an unreachable or malformed oracle and the
	// loop iteration limit. Fatal for the turn only.
	ErrorKindPolicyError ErrorKind = "policy_error"

	// ErrorKindTimeout means the turn or one of its blocking steps ran out of time.
	ErrorKindTimeout ErrorKind = "timeout"

	// ErrorKindCanceled means the caller went away.
	ErrorKindCanceled ErrorKind = "canceled"

	// ErrorKindThreadBusy means another turn held the thread lock for too long.
	ErrorKindThreadBusy ErrorKind = "thread_busy"

	// ErrorKindStore is a state persistence failure.
	ErrorKindStore ErrorKind = "store_error"

	// ErrorKindInvalidRequest is a malformed submission.
	ErrorKindInvalidRequest ErrorKind = "invalid_request"

	// ErrorKindInternal is anything else.
	ErrorKindInternal ErrorKind = "internal"
)

// Recoverable reports whether failures of this kind are folded into the
// conversation as operation results instead of aborting the turn.
func (k ErrorKind) Recoverable() bool {
	switch k {
	case ErrorKindVerificationRequired, ErrorKindUnknownCapability,
		ErrorKindHandlerError, ErrorKindInvalidArgument:
		return true
	}
	return false
}

var (
	// ErrThreadBusy is returned when the per-thread lock could not be acquired in time.
	ErrThreadBusy = errors.New("thread busy")

	// ErrIterationLimit is returned when the policy keeps requesting operations.
	ErrIterationLimit = errors.New("iteration limit exceeded")

	// ErrMalformedDecision is returned when the policy output violates its contract.
	ErrMalformedDecision = errors.New("malformed policy decision")

	// ErrOperationTimeout is returned when a capability handler overruns its deadline.
	ErrOperationTimeout = errors.New("operation timed out")
)

// TurnError is the structured failure of one submitted turn. Message is safe
// to show to a customer; Err carries internal detail for logs only.
type TurnError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

// Error implements the error interface.
func (e *TurnError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the internal cause.
func (e *TurnError) Unwrap() error {
	return e.Err
}

// UserMessage returns the generic, non-leaking text for the customer.
func (e *TurnError) UserMessage() string {
	if e.Message != "" {
		return e.Message
	}
	return genericMessage(e.Kind)
}

// HTTPStatusCode returns the appropriate HTTP status code for this error.
func (e *TurnError) HTTPStatusCode() int {
	switch e.Kind {
	case ErrorKindInvalidRequest:
		return http.StatusBadRequest
	case ErrorKindTimeout:
		return http.StatusGatewayTimeout
	case ErrorKindCanceled:
		// nginx's "client closed request"; nobody is listening anyway.
		return 499
	case ErrorKindThreadBusy:
		return http.StatusConflict
	case ErrorKindPolicyError:
		return http.StatusBadGateway
	case ErrorKindStore:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func genericMessage(kind ErrorKind) string {
	switch kind {
	case ErrorKindInvalidRequest:
		return "The request could not be understood. Please check it and try again."
	case ErrorKindTimeout:
		return "Sorry, that took too long. Please try again."
	case ErrorKindCanceled:
		return "The request was cancelled."
	case ErrorKindThreadBusy:
		return "We're still working on your previous message. Please wait a moment."
	default:
		return "Sorry, something went wrong on our side. Please try again in a moment."
	}
}

// NewTurnError builds a TurnError with the generic customer message for kind.
func NewTurnError(kind ErrorKind, err error) *TurnError {
	return &TurnError{Kind: kind, Message: genericMessage(kind), Err: err}
}

// ErrPolicy wraps an oracle failure.
func ErrPolicy(err error) *TurnError {
	return NewTurnError(ErrorKindPolicyError, err)
}

// ErrStore wraps a persistence failure.
func ErrStore(err error) *TurnError {
	return NewTurnError(ErrorKindStore, err)
}

// ErrInvalidRequest reports a malformed submission.
func ErrInvalidRequest(message string) *TurnError {
	return &TurnError{Kind: ErrorKindInvalidRequest, Message: message}
}

// FromContext classifies a context error as a timeout or a cancellation.
func FromContext(err error) *TurnError {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrOperationTimeout) {
		return NewTurnError(ErrorKindTimeout, err)
	}
	return NewTurnError(ErrorKindCanceled, err)
}

// AsTurnError extracts a TurnError from err, wrapping unknown errors as
// internal failures.
func AsTurnError(err error) *TurnError {
	if err == nil {
		return nil
	}
	var te *TurnError
	if errors.As(err, &te) {
		return te
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return FromContext(err)
	}
	return NewTurnError(ErrorKindInternal, err)
}

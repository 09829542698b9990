// Package verification is the single enforcement point that keeps sensitive
// capabilities unreachable until a thread has proven the caller's identity.
package verification

import (
	"github.com/tjfontaine/teller/internal/capability"
	"github.com/tjfontaine/teller/internal/core/domain"
)

// DenyReason is the detail attached to every gate denial.
const DenyReason = "identity verification is required before this operation; ask the customer for their customer ID and PIN"

// Decision is the gate's verdict for one request.
type Decision struct {
	Allowed bool
	Reason  string
}

// Authorize denies sensitive capabilities on unverified threads and allows
// everything else. It must be evaluated for every request.
func Authorize(verified bool, d capability.Descriptor) Decision {
	if d.Sensitivity == domain.Sensitive && !verified {
		return Decision{Reason: DenyReason}
	}
	return Decision{Allowed: true}
}

// Denial converts a deny decision into the synthesized operation outcome.
func (d Decision) Denial() domain.Outcome {
	return domain.Fail(domain.ErrorKindVerificationRequired, d.Reason)
}

// IsVerificationEvent reports whether res is the one event permitted to flip
// a thread to verified.
func IsVerificationEvent(res domain.OperationResult) bool {
	return domain.IsVerificationSuccess(res)
}

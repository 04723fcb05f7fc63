package core

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode classifies a credit engine failure.
type ErrorCode string

const (
	// CodeInsufficientCredits means the subject's remaining balance cannot
	// cover the requested amount. Resolved only by a top-up or a larger
	// allocation.
	CodeInsufficientCredits ErrorCode = "insufficient_credits"
	// CodeInsufficientPoolCredits means an organization pool has fewer
	// unallocated credits than an allocation request needs.
	CodeInsufficientPoolCredits ErrorCode = "insufficient_pool_credits"
	// CodeConcurrencyTimeout means a row lock could not be acquired within
	// the configured wait. Callers may retry; retries are safe because every
	// deduction carries an idempotency key.
	CodeConcurrencyTimeout ErrorCode = "concurrency_timeout"
	// CodeInvalidAllocation means an allocation reduction would claw back
	// credits the member has already consumed.
	CodeInvalidAllocation ErrorCode = "invalid_allocation"
	// CodeUnknownSubject means the pool, allocation, or balance row does not
	// exist. The engine fails closed: no row, no spend.
	CodeUnknownSubject ErrorCode = "unknown_subject"
	// CodeInvalidAmount means the amount was zero, negative, or otherwise
	// malformed.
	CodeInvalidAmount ErrorCode = "invalid_amount"
)

// CreditError is the typed error returned by all balance-affecting
// operations. Balance violations are always surfaced this way, never
// absorbed or rounded away.
type CreditError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Subject string    `json:"subject,omitempty"`
	// Original error for debugging (not exposed to clients)
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *CreditError) Error() string {
	if e.Subject != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Subject, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap implements the error unwrapping interface.
func (e *CreditError) Unwrap() error {
	return e.Err
}

// HTTPStatusCode maps the error code to an HTTP status for the service
// boundary.
func (e *CreditError) HTTPStatusCode() int {
	switch e.Code {
	case CodeInsufficientCredits, CodeInsufficientPoolCredits:
		return http.StatusPaymentRequired
	case CodeConcurrencyTimeout:
		return http.StatusServiceUnavailable
	case CodeInvalidAllocation, CodeInvalidAmount:
		return http.StatusUnprocessableEntity
	case CodeUnknownSubject:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// ToJSON converts the error to a JSON-compatible map for HTTP responses.
func (e *CreditError) ToJSON() map[string]any {
	return map[string]any{
		"error": map[string]any{
			"code":    e.Code,
			"message": e.Message,
		},
	}
}

// CodeOf extracts the ErrorCode from err, or "" if err is not a CreditError.
func CodeOf(err error) ErrorCode {
	var ce *CreditError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// IsCode reports whether err is a CreditError with the given code.
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// NewInsufficientCreditsError reports a subject-facing shortfall.
func NewInsufficientCreditsError(subject SubjectRef, message string) *CreditError {
	return &CreditError{
		Code:    CodeInsufficientCredits,
		Message: message,
		Subject: subject.String(),
	}
}

// NewInsufficientPoolCreditsError reports an admin-facing pool shortfall.
func NewInsufficientPoolCreditsError(orgID, message string) *CreditError {
	return &CreditError{
		Code:    CodeInsufficientPoolCredits,
		Message: message,
		Subject: PoolSubject(orgID).String(),
	}
}

// NewConcurrencyTimeoutError reports a bounded lock wait that expired.
func NewConcurrencyTimeoutError(subject SubjectRef, err error) *CreditError {
	return &CreditError{
		Code:    CodeConcurrencyTimeout,
		Message: "timed out waiting for balance row lock",
		Subject: subject.String(),
		Err:     err,
	}
}

// NewInvalidAllocationError reports a reduction below consumed credit.
func NewInvalidAllocationError(orgID, userID, message string) *CreditError {
	return &CreditError{
		Code:    CodeInvalidAllocation,
		Message: message,
		Subject: MemberSubject(orgID, userID).String(),
	}
}

// NewUnknownSubjectError reports a missing pool, allocation, or balance row.
func NewUnknownSubjectError(subject SubjectRef) *CreditError {
	return &CreditError{
		Code:    CodeUnknownSubject,
		Message: "no balance record for subject",
		Subject: subject.String(),
	}
}

// NewInvalidAmountError reports a zero, negative, or malformed amount.
func NewInvalidAmountError(message string) *CreditError {
	return &CreditError{
		Code:    CodeInvalidAmount,
		Message: message,
	}
}

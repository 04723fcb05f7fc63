// Package credit implements the credit ledger and atomic deduction engine.
//
// All contended state lives in per-subject balance rows in durable storage;
// the package holds no long-lived in-process mutable state. Every
// balance-affecting operation runs as one database transaction that locks
// the target row, applies the change, and appends an immutable ledger entry
// with before/after snapshots. Locks are always taken pool-before-allocation
// so concurrent allocation calls cannot deadlock.
//
// The ledger is the single source of truth: replaying a subject's entries
// from zero reproduces its stored balance exactly, and the usage reporter is
// a disposable projection over the same rows.
package credit

import (
	"time"

	"github.com/shopspring/decimal"

	"creditmeter/internal/core"
)

// Pool is an organization's shared reservoir of credits.
// Invariant: AvailableCredits == TotalCredits − Σ allocated across members,
// and AvailableCredits ≥ 0.
type Pool struct {
	OrgID            string          `json:"org_id"`
	TotalCredits     decimal.Decimal `json:"total_credits"`
	AvailableCredits decimal.Decimal `json:"available_credits"`
	Active           bool            `json:"active"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Allocation is the sub-share of a pool earmarked for one member.
// Invariant: Remaining() ≥ 0.
type Allocation struct {
	OrgID            string          `json:"org_id"`
	UserID           string          `json:"user_id"`
	AllocatedCredits decimal.Decimal `json:"allocated_credits"`
	ConsumedCredits  decimal.Decimal `json:"consumed_credits"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Remaining returns the spendable share of the allocation.
func (a *Allocation) Remaining() decimal.Decimal {
	return a.AllocatedCredits.Sub(a.ConsumedCredits)
}

// IndividualBalance is the prepaid balance of a non-organization subject.
// Invariant: Balance ≥ 0.
type IndividualBalance struct {
	UserID  string          `json:"user_id"`
	Balance decimal.Decimal `json:"balance"`
	Tier    string          `json:"tier"`

	// MonthlyCap bounds consumption per calendar month when non-nil.
	MonthlyCap      *decimal.Decimal `json:"monthly_cap,omitempty"`
	MonthlyConsumed decimal.Decimal  `json:"monthly_consumed"`
	LastResetAt     time.Time        `json:"last_reset_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DeductParams describes one check-and-deduct request.
type DeductParams struct {
	Subject core.SubjectRef
	Amount  decimal.Decimal

	// ServiceName names the metered action (e.g. "llm_inference").
	ServiceName string

	// RequestID is the idempotency key. A repeated RequestID returns the
	// originally recorded result without a second deduction.
	RequestID string

	// Metadata is an open key-value payload recorded on the ledger entry.
	Metadata map[string]any
}

// DeductionResult is the outcome of a deduction (or its idempotent replay).
type DeductionResult struct {
	Transaction *core.Transaction `json:"transaction"`

	// Remaining is the subject's spendable balance after the deduction.
	Remaining decimal.Decimal `json:"remaining"`

	// Replayed is true when the request ID had already been processed and
	// the stored result was returned unchanged.
	Replayed bool `json:"replayed"`
}

// RefundParams describes a compensating refund. The original ledger entry is
// never touched; the refund is a new entry referencing it.
type RefundParams struct {
	Subject     core.SubjectRef
	Amount      decimal.Decimal
	ServiceName string

	// RequestID is the refund's own idempotency key.
	RequestID string

	// OriginalRequestID links the refund to the deduction it compensates.
	OriginalRequestID string

	Metadata map[string]any
}

// TopUpParams describes a positive balance adjustment (pool or individual).
type TopUpParams struct {
	Amount decimal.Decimal

	// Type must be purchase, bonus, or admin_adjustment.
	Type core.TransactionType

	// Source records where the credits came from (payment reference,
	// promotion name, admin user).
	Source string

	RequestID string
}

// LimitParams updates an individual balance's configuration. Nil fields are
// left unchanged.
type LimitParams struct {
	Tier *string

	// MonthlyCap sets a per-calendar-month consumption bound.
	MonthlyCap *decimal.Decimal

	// ClearMonthlyCap removes the cap. Takes precedence over MonthlyCap.
	ClearMonthlyCap bool
}

// Config holds engine tuning knobs.
type Config struct {
	// LockTimeout bounds how long a deduction or allocation waits for a
	// balance row lock before failing with a concurrency timeout.
	LockTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		LockTimeout: 5 * time.Second,
	}
}

package credit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"creditmeter/internal/core"
)

// Store is the durable balance store plus ledger recorder. Implementations
// must be safe for concurrent use and must apply each operation atomically:
// either the balance change and its ledger entry both commit, or neither is
// observable.
type Store interface {
	// CreatePool creates (or reactivates) an organization pool. Called when
	// a subscription activates.
	CreatePool(ctx context.Context, orgID string) (*Pool, error)

	// DeactivatePool soft-deletes a pool on subscription cancellation. The
	// ledger and balances are retained.
	DeactivatePool(ctx context.Context, orgID string) error

	// AddToPool credits an organization pool (top-up, bonus, adjustment).
	AddToPool(ctx context.Context, orgID string, p TopUpParams) (*Pool, error)

	// AllocateToUser moves credits from the pool's available share into a
	// member allocation. Locks the pool row before the allocation row.
	// Fails with InsufficientPoolCredits when the pool cannot cover it.
	AllocateToUser(ctx context.Context, orgID, userID string, amount decimal.Decimal, requestID string) (*Allocation, error)

	// ReduceAllocation returns unconsumed credits from a member allocation
	// to the pool. Fails with InvalidAllocation when the reduction would
	// drive the member's remaining share negative.
	ReduceAllocation(ctx context.Context, orgID, userID string, amount decimal.Decimal, requestID string) (*Allocation, error)

	// TopUpIndividual credits a personal balance, creating the row on first
	// use.
	TopUpIndividual(ctx context.Context, userID string, p TopUpParams) (*IndividualBalance, error)

	// SetIndividualLimits updates a personal balance's tier and monthly cap,
	// creating the row on first use. Limits are configuration, not ledger
	// events.
	SetIndividualLimits(ctx context.Context, userID string, p LimitParams) (*IndividualBalance, error)

	// Deduct performs the atomic check-and-deduct against the subject named
	// by p.Subject (member allocation or individual balance). Safe under
	// arbitrary concurrency; idempotent on p.RequestID.
	Deduct(ctx context.Context, p DeductParams) (*DeductionResult, error)

	// Refund appends a compensating entry and restores the subject's
	// spendable balance. The original entry is untouched.
	Refund(ctx context.Context, p RefundParams) (*DeductionResult, error)

	GetPool(ctx context.Context, orgID string) (*Pool, error)
	GetAllocation(ctx context.Context, orgID, userID string) (*Allocation, error)
	GetIndividual(ctx context.Context, userID string) (*IndividualBalance, error)

	// FindTransaction returns the ledger entry for an idempotency key, or
	// nil when none exists.
	FindTransaction(ctx context.Context, requestID string) (*core.Transaction, error)

	// ReplayBalance recomputes a subject's balance purely from its ledger
	// entries, from zero. Used to verify replay equivalence.
	ReplayBalance(ctx context.Context, subject core.SubjectRef) (decimal.Decimal, error)

	Close() error
}

// requestIDOrNew returns the caller's idempotency key, or a generated one so
// every ledger row carries a unique request_id.
func requestIDOrNew(requestID string) string {
	if requestID != "" {
		return requestID
	}
	return uuid.New().String()
}

// Allocation moves write two ledger rows (pool side and member side) under
// one idempotency key; these suffixes keep the request_id column unique.
const (
	poolSideSuffix   = "/pool"
	memberSideSuffix = "/member"
)

// validateTopUp rejects malformed top-up parameters before any row is
// touched.
func validateTopUp(p TopUpParams) error {
	if p.Amount.Sign() <= 0 {
		return core.NewInvalidAmountError("top-up amount must be positive")
	}
	switch p.Type {
	case core.TransactionPurchase, core.TransactionBonus, core.TransactionAdminAdjustment:
		return nil
	default:
		return core.NewInvalidAmountError("top-up type must be purchase, bonus, or admin_adjustment")
	}
}

// applyLimits merges a limits update into a balance in memory.
func applyLimits(balance *IndividualBalance, p LimitParams) {
	if p.Tier != nil {
		balance.Tier = *p.Tier
	}
	switch {
	case p.ClearMonthlyCap:
		balance.MonthlyCap = nil
	case p.MonthlyCap != nil:
		cap := *p.MonthlyCap
		balance.MonthlyCap = &cap
	}
}

// marshalMetadata serializes a metadata payload for relational storage.
// Returns nil for empty metadata. Marshal failures degrade to nil with a
// warning rather than blocking the financial operation.
func marshalMetadata(metadata map[string]any, txID string) []byte {
	if len(metadata) == 0 {
		return nil
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		slog.Warn("failed to marshal transaction metadata", "error", err, "transaction_id", txID)
		return nil
	}
	return data
}

// unmarshalMetadata parses stored metadata, tolerating empty payloads.
func unmarshalMetadata(data []byte) map[string]any {
	if len(data) == 0 {
		return nil
	}
	var metadata map[string]any
	if err := json.Unmarshal(data, &metadata); err != nil {
		slog.Warn("failed to parse stored transaction metadata", "error", err)
		return nil
	}
	return metadata
}

// newLedgerEntry assembles an immutable ledger entry. createdAt is assigned
// here so all backends timestamp identically (UTC).
func newLedgerEntry(subject core.SubjectRef, txType core.TransactionType, signed, before, after decimal.Decimal, serviceName, requestID string, metadata map[string]any) *core.Transaction {
	return &core.Transaction{
		ID:            uuid.New().String(),
		Subject:       subject,
		Type:          txType,
		SignedAmount:  signed,
		BalanceBefore: before,
		BalanceAfter:  after,
		ServiceName:   serviceName,
		RequestID:     requestID,
		Metadata:      metadata,
		CreatedAt:     time.Now().UTC(),
	}
}

// monthChanged reports whether now falls in a different UTC calendar month
// than last. Used for the lazy monthly-cap reset on individual balances.
func monthChanged(last, now time.Time) bool {
	ly, lm, _ := last.UTC().Date()
	ny, nm, _ := now.UTC().Date()
	return ly != ny || lm != nm
}

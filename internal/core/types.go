// Package core provides shared types and the error taxonomy for the credit
// metering engine.
package core

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Scope identifies which balance system a subject belongs to.
type Scope string

const (
	// ScopeIndividual bills against a user's personal balance.
	ScopeIndividual Scope = "individual"
	// ScopeOrganization bills against a member allocation carved out of an
	// organization pool.
	ScopeOrganization Scope = "organization"
)

// SubjectRef identifies the owner of a balance or a ledger entry.
// Three shapes are valid:
//   - OrgID set, UserID set:   a member allocation inside an organization pool
//   - OrgID set, UserID empty: the organization pool itself
//   - OrgID empty, UserID set: an individual user balance
type SubjectRef struct {
	OrgID  string `json:"org_id,omitempty"`
	UserID string `json:"user_id,omitempty"`
}

// IndividualSubject returns a SubjectRef for a personal balance.
func IndividualSubject(userID string) SubjectRef {
	return SubjectRef{UserID: userID}
}

// MemberSubject returns a SubjectRef for an org-member allocation.
func MemberSubject(orgID, userID string) SubjectRef {
	return SubjectRef{OrgID: orgID, UserID: userID}
}

// PoolSubject returns a SubjectRef for an organization pool.
func PoolSubject(orgID string) SubjectRef {
	return SubjectRef{OrgID: orgID}
}

// Scope returns the billing scope implied by the reference shape.
// A pool reference reports ScopeOrganization.
func (s SubjectRef) Scope() Scope {
	if s.OrgID != "" {
		return ScopeOrganization
	}
	return ScopeIndividual
}

// IsPool reports whether the reference points at an organization pool rather
// than a member allocation or individual balance.
func (s SubjectRef) IsPool() bool {
	return s.OrgID != "" && s.UserID == ""
}

// Validate checks that the reference has one of the three valid shapes.
func (s SubjectRef) Validate() error {
	if s.OrgID == "" && s.UserID == "" {
		return fmt.Errorf("subject requires an org_id or a user_id")
	}
	return nil
}

// String renders the reference for log attributes.
func (s SubjectRef) String() string {
	switch {
	case s.OrgID != "" && s.UserID != "":
		return s.OrgID + "/" + s.UserID
	case s.OrgID != "":
		return s.OrgID + "/pool"
	default:
		return s.UserID
	}
}

// TransactionType classifies a ledger entry.
type TransactionType string

const (
	TransactionPurchase        TransactionType = "purchase"
	TransactionAllocation      TransactionType = "allocation"
	TransactionDeduction       TransactionType = "deduction"
	TransactionRefund          TransactionType = "refund"
	TransactionAdminAdjustment TransactionType = "admin_adjustment"
	TransactionBonus           TransactionType = "bonus"
)

// Well-known metadata keys. Metadata is schema-flexible; these keys are the
// documented ones that reporting understands.
const (
	MetaProvider = "provider"
	MetaModel    = "model"
	MetaUnits    = "units"
	MetaBYOK     = "byok"
	MetaSource   = "source"
	MetaRefundOf = "refund_of"
)

// Transaction is an immutable ledger entry. Rows are append-only: corrections
// are represented by new compensating entries, never by edits.
type Transaction struct {
	ID            string          `json:"id"`
	Subject       SubjectRef      `json:"subject"`
	Type          TransactionType `json:"type"`
	SignedAmount  decimal.Decimal `json:"signed_amount"`
	BalanceBefore decimal.Decimal `json:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
	ServiceName   string          `json:"service_name,omitempty"`
	RequestID     string          `json:"request_id,omitempty"`
	Metadata      map[string]any  `json:"metadata,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

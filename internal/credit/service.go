package credit

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"creditmeter/internal/core"
	"creditmeter/internal/pricing"
)

// Service is the application-facing credit engine. It prices usage events,
// runs atomic deductions, and manages pools and allocations. The service
// fails closed: any doubt about a subject's balance denies the spend.
type Service struct {
	store  Store
	rules  *pricing.Rules
	logger *slog.Logger
}

// NewService creates a credit service over a store and a rate table.
func NewService(store Store, rules *pricing.Rules, logger *slog.Logger) *Service {
	if rules == nil {
		rules = pricing.DefaultRules()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, rules: rules, logger: logger}
}

// Store exposes the underlying store for read-side consumers (reporting).
func (s *Service) Store() Store {
	return s.store
}

// ChargeParams describes a usage event to price and deduct in one step.
type ChargeParams struct {
	Subject core.SubjectRef
	Usage   pricing.CostRequest

	// ServiceName names the metered action recorded on the ledger entry.
	ServiceName string

	// RequestID is the idempotency key. Required.
	RequestID string

	Metadata map[string]any
}

// ChargeResult is a priced deduction outcome.
type ChargeResult struct {
	Cost      pricing.CostResult `json:"cost"`
	Deduction *DeductionResult   `json:"deduction"`
}

// Charge prices the usage event and deducts the cost atomically. BYOK and
// free-model usage deducts zero but still appends a ledger entry so the
// usage is attributable.
func (s *Service) Charge(ctx context.Context, p ChargeParams) (*ChargeResult, error) {
	defer observeOperation("charge", time.Now())

	usage := p.Usage
	if usage.Tier == "" && p.Subject.Scope() == core.ScopeIndividual {
		// Individual subjects carry their tier on the balance row.
		if balance, err := s.store.GetIndividual(ctx, p.Subject.UserID); err == nil && balance != nil {
			usage.Tier = balance.Tier
		}
	}

	cost := pricing.ComputeCost(s.rules, usage)
	if cost.RateFallback {
		pricingFallbackTotal.Inc()
		s.logger.Warn("no pricing rule for model, using default rate",
			"provider", usage.Provider,
			"model", usage.Model,
			"default_rate", s.rules.DefaultBaseRate)
	}

	metadata := map[string]any{
		core.MetaProvider: usage.Provider,
		core.MetaModel:    usage.Model,
		core.MetaUnits:    usage.Units,
	}
	if usage.BYOK {
		metadata[core.MetaBYOK] = true
	}
	for k, v := range p.Metadata {
		metadata[k] = v
	}

	result, err := s.store.Deduct(ctx, DeductParams{
		Subject:     p.Subject,
		Amount:      cost.Credits,
		ServiceName: p.ServiceName,
		RequestID:   p.RequestID,
		Metadata:    metadata,
	})
	scope := string(p.Subject.Scope())
	if err != nil {
		outcome := "error"
		if code := core.CodeOf(err); code != "" {
			outcome = string(code)
		}
		deductionsTotal.WithLabelValues(scope, outcome).Inc()
		s.logger.Warn("deduction rejected",
			"subject", p.Subject.String(),
			"amount", cost.Credits,
			"request_id", p.RequestID,
			"error", err)
		return nil, err
	}

	deductionsTotal.WithLabelValues(scope, "ok").Inc()
	if result.Replayed {
		replayedRequestsTotal.Inc()
	} else {
		credits, _ := cost.Credits.Float64()
		deductedCreditsTotal.WithLabelValues(scope).Add(credits)
	}

	s.logger.Info("credits deducted",
		"subject", p.Subject.String(),
		"amount", cost.Credits,
		"remaining", result.Remaining,
		"service", p.ServiceName,
		"request_id", p.RequestID,
		"replayed", result.Replayed)
	return &ChargeResult{Cost: cost, Deduction: result}, nil
}

// EstimateCost prices a usage event without touching any balance.
func (s *Service) EstimateCost(usage pricing.CostRequest) pricing.CostResult {
	return pricing.ComputeCost(s.rules, usage)
}

// HasSufficientCredits is the advisory pre-flight check: it reports whether
// the subject could cover amount right now. The answer may be stale by the
// time the deduction runs; only Deduct itself is authoritative. Storage
// errors report insufficient alongside the error.
func (s *Service) HasSufficientCredits(ctx context.Context, subject core.SubjectRef, amount decimal.Decimal) (bool, decimal.Decimal, error) {
	remaining, err := s.remaining(ctx, subject)
	if err != nil {
		return false, decimal.Zero, err
	}
	return remaining.GreaterThanOrEqual(amount), remaining, nil
}

func (s *Service) remaining(ctx context.Context, subject core.SubjectRef) (decimal.Decimal, error) {
	if err := subject.Validate(); err != nil {
		return decimal.Zero, core.NewInvalidAmountError(err.Error())
	}
	switch {
	case subject.IsPool():
		pool, err := s.store.GetPool(ctx, subject.OrgID)
		if err != nil {
			return decimal.Zero, err
		}
		if pool == nil {
			return decimal.Zero, core.NewUnknownSubjectError(subject)
		}
		return pool.AvailableCredits, nil
	case subject.Scope() == core.ScopeOrganization:
		alloc, err := s.store.GetAllocation(ctx, subject.OrgID, subject.UserID)
		if err != nil {
			return decimal.Zero, err
		}
		if alloc == nil {
			return decimal.Zero, core.NewUnknownSubjectError(subject)
		}
		return alloc.Remaining(), nil
	default:
		balance, err := s.store.GetIndividual(ctx, subject.UserID)
		if err != nil {
			return decimal.Zero, err
		}
		if balance == nil {
			return decimal.Zero, core.NewUnknownSubjectError(subject)
		}
		return balance.Balance, nil
	}
}

// BalanceInfo is the unified read model for any subject shape.
type BalanceInfo struct {
	Subject   core.SubjectRef `json:"subject"`
	Scope     core.Scope      `json:"scope"`
	Remaining decimal.Decimal `json:"remaining"`

	Pool       *Pool              `json:"pool,omitempty"`
	Allocation *Allocation        `json:"allocation,omitempty"`
	Individual *IndividualBalance `json:"individual,omitempty"`
}

// Balance returns the current balance for any subject shape.
func (s *Service) Balance(ctx context.Context, subject core.SubjectRef) (*BalanceInfo, error) {
	if err := subject.Validate(); err != nil {
		return nil, core.NewInvalidAmountError(err.Error())
	}
	info := &BalanceInfo{Subject: subject, Scope: subject.Scope()}

	switch {
	case subject.IsPool():
		pool, err := s.store.GetPool(ctx, subject.OrgID)
		if err != nil {
			return nil, err
		}
		if pool == nil {
			return nil, core.NewUnknownSubjectError(subject)
		}
		info.Pool = pool
		info.Remaining = pool.AvailableCredits
	case subject.Scope() == core.ScopeOrganization:
		alloc, err := s.store.GetAllocation(ctx, subject.OrgID, subject.UserID)
		if err != nil {
			return nil, err
		}
		if alloc == nil {
			return nil, core.NewUnknownSubjectError(subject)
		}
		info.Allocation = alloc
		info.Remaining = alloc.Remaining()
	default:
		balance, err := s.store.GetIndividual(ctx, subject.UserID)
		if err != nil {
			return nil, err
		}
		if balance == nil {
			return nil, core.NewUnknownSubjectError(subject)
		}
		info.Individual = balance
		info.Remaining = balance.Balance
	}
	return info, nil
}

// CreatePool creates or reactivates an organization's credit pool.
func (s *Service) CreatePool(ctx context.Context, orgID string) (*Pool, error) {
	defer observeOperation("create_pool", time.Now())
	pool, err := s.store.CreatePool(ctx, orgID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("credit pool created", "org_id", orgID)
	return pool, nil
}

// DeactivatePool disables a pool while retaining its balances and ledger.
func (s *Service) DeactivatePool(ctx context.Context, orgID string) error {
	defer observeOperation("deactivate_pool", time.Now())
	if err := s.store.DeactivatePool(ctx, orgID); err != nil {
		return err
	}
	s.logger.Info("credit pool deactivated", "org_id", orgID)
	return nil
}

// TopUpPool credits an organization pool.
func (s *Service) TopUpPool(ctx context.Context, orgID string, p TopUpParams) (*Pool, error) {
	defer observeOperation("topup_pool", time.Now())
	pool, err := s.store.AddToPool(ctx, orgID, p)
	if err != nil {
		s.logger.Warn("pool top-up rejected", "org_id", orgID, "amount", p.Amount, "error", err)
		return nil, err
	}
	s.logger.Info("pool topped up",
		"org_id", orgID, "amount", p.Amount, "type", p.Type, "available", pool.AvailableCredits)
	return pool, nil
}

// Allocate moves credits from the org pool into a member allocation.
func (s *Service) Allocate(ctx context.Context, orgID, userID string, amount decimal.Decimal, requestID string) (*Allocation, error) {
	defer observeOperation("allocate", time.Now())
	alloc, err := s.store.AllocateToUser(ctx, orgID, userID, amount, requestID)
	if err != nil {
		s.logger.Warn("allocation rejected",
			"org_id", orgID, "user_id", userID, "amount", amount, "error", err)
		return nil, err
	}
	s.logger.Info("credits allocated",
		"org_id", orgID, "user_id", userID, "amount", amount, "allocated", alloc.AllocatedCredits)
	return alloc, nil
}

// ReduceAllocation returns unconsumed credits from a member to the pool.
func (s *Service) ReduceAllocation(ctx context.Context, orgID, userID string, amount decimal.Decimal, requestID string) (*Allocation, error) {
	defer observeOperation("reduce_allocation", time.Now())
	alloc, err := s.store.ReduceAllocation(ctx, orgID, userID, amount, requestID)
	if err != nil {
		s.logger.Warn("allocation reduction rejected",
			"org_id", orgID, "user_id", userID, "amount", amount, "error", err)
		return nil, err
	}
	s.logger.Info("allocation reduced",
		"org_id", orgID, "user_id", userID, "amount", amount, "allocated", alloc.AllocatedCredits)
	return alloc, nil
}

// TopUpIndividual credits a personal balance.
func (s *Service) TopUpIndividual(ctx context.Context, userID string, p TopUpParams) (*IndividualBalance, error) {
	defer observeOperation("topup_individual", time.Now())
	balance, err := s.store.TopUpIndividual(ctx, userID, p)
	if err != nil {
		s.logger.Warn("individual top-up rejected", "user_id", userID, "amount", p.Amount, "error", err)
		return nil, err
	}
	s.logger.Info("individual balance topped up",
		"user_id", userID, "amount", p.Amount, "type", p.Type, "balance", balance.Balance)
	return balance, nil
}

// SetIndividualLimits updates a personal balance's tier and monthly cap.
func (s *Service) SetIndividualLimits(ctx context.Context, userID string, p LimitParams) (*IndividualBalance, error) {
	defer observeOperation("set_limits", time.Now())
	balance, err := s.store.SetIndividualLimits(ctx, userID, p)
	if err != nil {
		return nil, err
	}
	s.logger.Info("individual limits updated",
		"user_id", userID, "tier", balance.Tier, "monthly_cap", balance.MonthlyCap)
	return balance, nil
}

// Refund appends a compensating entry for a prior deduction.
func (s *Service) Refund(ctx context.Context, p RefundParams) (*DeductionResult, error) {
	defer observeOperation("refund", time.Now())
	result, err := s.store.Refund(ctx, p)
	if err != nil {
		s.logger.Warn("refund rejected",
			"subject", p.Subject.String(), "amount", p.Amount, "error", err)
		return nil, err
	}
	s.logger.Info("credits refunded",
		"subject", p.Subject.String(),
		"amount", p.Amount,
		"remaining", result.Remaining,
		"refund_of", p.OriginalRequestID)
	return result, nil
}

// VerifyLedger replays a subject's ledger from zero and compares it with the
// stored balance. A mismatch indicates corruption and is logged at error
// level.
func (s *Service) VerifyLedger(ctx context.Context, subject core.SubjectRef) (stored, replayed decimal.Decimal, match bool, err error) {
	stored, err = s.remaining(ctx, subject)
	if err != nil {
		return decimal.Zero, decimal.Zero, false, err
	}
	replayed, err = s.store.ReplayBalance(ctx, subject)
	if err != nil {
		return decimal.Zero, decimal.Zero, false, err
	}
	match = stored.Equal(replayed)
	if !match {
		s.logger.Error("ledger replay mismatch",
			"subject", subject.String(), "stored", stored, "replayed", replayed)
	}
	return stored, replayed, match, nil
}

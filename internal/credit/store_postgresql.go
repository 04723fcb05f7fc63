package credit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"creditmeter/internal/core"
)

// PostgreSQLStore implements Store for PostgreSQL. Row locks are taken with
// SELECT ... FOR UPDATE under a per-transaction lock_timeout, so a blocked
// deduction fails with a concurrency timeout instead of queueing forever.
type PostgreSQLStore struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// NewPostgreSQLStore creates a new PostgreSQL credit store.
// It creates the balance tables and the ledger if they don't exist.
func NewPostgreSQLStore(pool *pgxpool.Pool, cfg Config) (*PostgreSQLStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("connection pool is required")
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = DefaultConfig().LockTimeout
	}

	ctx := context.Background()

	schema := []string{
		`CREATE TABLE IF NOT EXISTS credit_pools (
			org_id TEXT PRIMARY KEY,
			total_credits NUMERIC(20,8) NOT NULL DEFAULT 0,
			available_credits NUMERIC(20,8) NOT NULL DEFAULT 0,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS credit_allocations (
			org_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			allocated_credits NUMERIC(20,8) NOT NULL DEFAULT 0,
			consumed_credits NUMERIC(20,8) NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (org_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS individual_balances (
			user_id TEXT PRIMARY KEY,
			balance NUMERIC(20,8) NOT NULL DEFAULT 0,
			tier TEXT NOT NULL DEFAULT 'standard',
			monthly_cap NUMERIC(20,8),
			monthly_consumed NUMERIC(20,8) NOT NULL DEFAULT 0,
			last_reset_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS credit_transactions (
			id UUID PRIMARY KEY,
			org_id TEXT NOT NULL DEFAULT '',
			user_id TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL,
			signed_amount NUMERIC(20,8) NOT NULL,
			balance_before NUMERIC(20,8) NOT NULL,
			balance_after NUMERIC(20,8) NOT NULL,
			service_name TEXT NOT NULL DEFAULT '',
			request_id TEXT NOT NULL,
			metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_credit_tx_request_id ON credit_transactions(request_id)`,
		`CREATE INDEX IF NOT EXISTS idx_credit_tx_org_id ON credit_transactions(org_id)`,
		`CREATE INDEX IF NOT EXISTS idx_credit_tx_user_id ON credit_transactions(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_credit_tx_created_at ON credit_transactions(created_at)`,
	}
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return nil, fmt.Errorf("failed to create credit schema: %w", err)
		}
	}

	return &PostgreSQLStore{pool: pool, lockTimeout: cfg.LockTimeout}, nil
}

// withTx runs fn inside a transaction with the configured lock_timeout. A
// failed fn rolls the transaction back entirely, so no partial balance or
// ledger state is ever observable.
func (s *PostgreSQLStore) withTx(ctx context.Context, subject core.SubjectRef, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = %d", s.lockTimeout.Milliseconds())); err != nil {
		return fmt.Errorf("failed to set lock timeout: %w", err)
	}

	if err := fn(tx); err != nil {
		return classifyPgError(err, subject)
	}

	if err := tx.Commit(ctx); err != nil {
		return classifyPgError(fmt.Errorf("failed to commit: %w", err), subject)
	}
	return nil
}

// classifyPgError maps driver errors to the credit error taxonomy. Lock
// waits that exceed lock_timeout surface as concurrency timeouts so callers
// know a retry is safe.
func classifyPgError(err error, subject core.SubjectRef) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.LockNotAvailable {
		return core.NewConcurrencyTimeoutError(subject, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return core.NewConcurrencyTimeoutError(subject, err)
	}
	return err
}

// isUniqueViolation reports whether err is a request_id uniqueness conflict,
// meaning a concurrent call with the same idempotency key committed first.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

func (s *PostgreSQLStore) CreatePool(ctx context.Context, orgID string) (*Pool, error) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO credit_pools (org_id) VALUES ($1)
		ON CONFLICT (org_id) DO UPDATE SET active = TRUE, updated_at = now()
	`, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	return s.GetPool(ctx, orgID)
}

func (s *PostgreSQLStore) DeactivatePool(ctx context.Context, orgID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE credit_pools SET active = FALSE, updated_at = now() WHERE org_id = $1
	`, orgID)
	if err != nil {
		return fmt.Errorf("failed to deactivate pool: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return core.NewUnknownSubjectError(core.PoolSubject(orgID))
	}
	return nil
}

func (s *PostgreSQLStore) AddToPool(ctx context.Context, orgID string, p TopUpParams) (*Pool, error) {
	if err := validateTopUp(p); err != nil {
		return nil, err
	}
	subject := core.PoolSubject(orgID)
	requestID := requestIDOrNew(p.RequestID)

	var pool *Pool
	err := s.withTx(ctx, subject, func(tx pgx.Tx) error {
		if replay, err := s.findTransactionTx(ctx, tx, requestID); err != nil {
			return err
		} else if replay != nil {
			var gerr error
			pool, gerr = s.getPoolTx(ctx, tx, orgID, false)
			return gerr
		}

		existing, err := s.getPoolTx(ctx, tx, orgID, true)
		if err != nil {
			return err
		}
		if existing == nil || !existing.Active {
			return core.NewUnknownSubjectError(subject)
		}

		before := existing.AvailableCredits
		existing.TotalCredits = existing.TotalCredits.Add(p.Amount)
		existing.AvailableCredits = existing.AvailableCredits.Add(p.Amount)

		_, err = tx.Exec(ctx, `
			UPDATE credit_pools
			SET total_credits = $2::numeric, available_credits = $3::numeric, updated_at = now()
			WHERE org_id = $1
		`, orgID, existing.TotalCredits.String(), existing.AvailableCredits.String())
		if err != nil {
			return fmt.Errorf("failed to update pool: %w", err)
		}

		metadata := map[string]any{}
		if p.Source != "" {
			metadata[core.MetaSource] = p.Source
		}
		entry := newLedgerEntry(subject, p.Type, p.Amount, before, existing.AvailableCredits, "", requestID, metadata)
		if err := s.insertTransactionTx(ctx, tx, entry); err != nil {
			return err
		}

		pool = existing
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pool, nil
}

func (s *PostgreSQLStore) AllocateToUser(ctx context.Context, orgID, userID string, amount decimal.Decimal, requestID string) (*Allocation, error) {
	if amount.Sign() <= 0 {
		return nil, core.NewInvalidAmountError("allocation amount must be positive")
	}
	subject := core.MemberSubject(orgID, userID)
	requestID = requestIDOrNew(requestID)

	var alloc *Allocation
	err := s.withTx(ctx, subject, func(tx pgx.Tx) error {
		if replay, err := s.findTransactionTx(ctx, tx, requestID+memberSideSuffix); err != nil {
			return err
		} else if replay != nil {
			var gerr error
			alloc, gerr = s.getAllocationTx(ctx, tx, orgID, userID, false)
			return gerr
		}

		// Lock order: pool before allocation, always.
		pool, err := s.getPoolTx(ctx, tx, orgID, true)
		if err != nil {
			return err
		}
		if pool == nil || !pool.Active {
			return core.NewUnknownSubjectError(core.PoolSubject(orgID))
		}
		if pool.AvailableCredits.LessThan(amount) {
			return core.NewInsufficientPoolCreditsError(orgID, fmt.Sprintf(
				"pool has %s unallocated credits, allocation needs %s",
				pool.AvailableCredits, amount))
		}

		current, err := s.lockOrCreateAllocationTx(ctx, tx, orgID, userID)
		if err != nil {
			return err
		}

		poolBefore := pool.AvailableCredits
		memberBefore := current.Remaining()
		pool.AvailableCredits = pool.AvailableCredits.Sub(amount)
		current.AllocatedCredits = current.AllocatedCredits.Add(amount)

		if _, err := tx.Exec(ctx, `
			UPDATE credit_pools SET available_credits = $2::numeric, updated_at = now() WHERE org_id = $1
		`, orgID, pool.AvailableCredits.String()); err != nil {
			return fmt.Errorf("failed to update pool: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE credit_allocations SET allocated_credits = $3::numeric, updated_at = now()
			WHERE org_id = $1 AND user_id = $2
		`, orgID, userID, current.AllocatedCredits.String()); err != nil {
			return fmt.Errorf("failed to update allocation: %w", err)
		}

		poolEntry := newLedgerEntry(core.PoolSubject(orgID), core.TransactionAllocation,
			amount.Neg(), poolBefore, pool.AvailableCredits, "", requestID+poolSideSuffix,
			map[string]any{"member": userID})
		memberEntry := newLedgerEntry(subject, core.TransactionAllocation,
			amount, memberBefore, current.Remaining(), "", requestID+memberSideSuffix, nil)
		if err := s.insertTransactionTx(ctx, tx, poolEntry); err != nil {
			return err
		}
		if err := s.insertTransactionTx(ctx, tx, memberEntry); err != nil {
			return err
		}

		alloc = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return alloc, nil
}

func (s *PostgreSQLStore) ReduceAllocation(ctx context.Context, orgID, userID string, amount decimal.Decimal, requestID string) (*Allocation, error) {
	if amount.Sign() <= 0 {
		return nil, core.NewInvalidAmountError("reduction amount must be positive")
	}
	subject := core.MemberSubject(orgID, userID)
	requestID = requestIDOrNew(requestID)

	var alloc *Allocation
	err := s.withTx(ctx, subject, func(tx pgx.Tx) error {
		if replay, err := s.findTransactionTx(ctx, tx, requestID+memberSideSuffix); err != nil {
			return err
		} else if replay != nil {
			var gerr error
			alloc, gerr = s.getAllocationTx(ctx, tx, orgID, userID, false)
			return gerr
		}

		pool, err := s.getPoolTx(ctx, tx, orgID, true)
		if err != nil {
			return err
		}
		if pool == nil {
			return core.NewUnknownSubjectError(core.PoolSubject(orgID))
		}
		current, err := s.getAllocationTx(ctx, tx, orgID, userID, true)
		if err != nil {
			return err
		}
		if current == nil {
			return core.NewUnknownSubjectError(subject)
		}
		if current.Remaining().LessThan(amount) {
			return core.NewInvalidAllocationError(orgID, userID, fmt.Sprintf(
				"cannot reduce by %s: only %s unconsumed (already-consumed credit cannot be clawed back)",
				amount, current.Remaining()))
		}

		poolBefore := pool.AvailableCredits
		memberBefore := current.Remaining()
		current.AllocatedCredits = current.AllocatedCredits.Sub(amount)
		pool.AvailableCredits = pool.AvailableCredits.Add(amount)

		if _, err := tx.Exec(ctx, `
			UPDATE credit_pools SET available_credits = $2::numeric, updated_at = now() WHERE org_id = $1
		`, orgID, pool.AvailableCredits.String()); err != nil {
			return fmt.Errorf("failed to update pool: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE credit_allocations SET allocated_credits = $3::numeric, updated_at = now()
			WHERE org_id = $1 AND user_id = $2
		`, orgID, userID, current.AllocatedCredits.String()); err != nil {
			return fmt.Errorf("failed to update allocation: %w", err)
		}

		memberEntry := newLedgerEntry(subject, core.TransactionAllocation,
			amount.Neg(), memberBefore, current.Remaining(), "", requestID+memberSideSuffix,
			map[string]any{"direction": "reduce"})
		poolEntry := newLedgerEntry(core.PoolSubject(orgID), core.TransactionAllocation,
			amount, poolBefore, pool.AvailableCredits, "", requestID+poolSideSuffix,
			map[string]any{"direction": "reduce", "member": userID})
		if err := s.insertTransactionTx(ctx, tx, memberEntry); err != nil {
			return err
		}
		if err := s.insertTransactionTx(ctx, tx, poolEntry); err != nil {
			return err
		}

		alloc = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return alloc, nil
}

func (s *PostgreSQLStore) TopUpIndividual(ctx context.Context, userID string, p TopUpParams) (*IndividualBalance, error) {
	if err := validateTopUp(p); err != nil {
		return nil, err
	}
	subject := core.IndividualSubject(userID)
	requestID := requestIDOrNew(p.RequestID)

	var balance *IndividualBalance
	err := s.withTx(ctx, subject, func(tx pgx.Tx) error {
		if replay, err := s.findTransactionTx(ctx, tx, requestID); err != nil {
			return err
		} else if replay != nil {
			var gerr error
			balance, gerr = s.getIndividualTx(ctx, tx, userID, false)
			return gerr
		}

		current, err := s.lockOrCreateIndividualTx(ctx, tx, userID)
		if err != nil {
			return err
		}

		before := current.Balance
		current.Balance = current.Balance.Add(p.Amount)

		if _, err := tx.Exec(ctx, `
			UPDATE individual_balances SET balance = $2::numeric, updated_at = now() WHERE user_id = $1
		`, userID, current.Balance.String()); err != nil {
			return fmt.Errorf("failed to update balance: %w", err)
		}

		metadata := map[string]any{}
		if p.Source != "" {
			metadata[core.MetaSource] = p.Source
		}
		entry := newLedgerEntry(subject, p.Type, p.Amount, before, current.Balance, "", requestID, metadata)
		if err := s.insertTransactionTx(ctx, tx, entry); err != nil {
			return err
		}

		balance = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return balance, nil
}

func (s *PostgreSQLStore) SetIndividualLimits(ctx context.Context, userID string, p LimitParams) (*IndividualBalance, error) {
	subject := core.IndividualSubject(userID)

	var balance *IndividualBalance
	err := s.withTx(ctx, subject, func(tx pgx.Tx) error {
		current, err := s.lockOrCreateIndividualTx(ctx, tx, userID)
		if err != nil {
			return err
		}
		applyLimits(current, p)

		var cap *string
		if current.MonthlyCap != nil {
			v := current.MonthlyCap.String()
			cap = &v
		}
		if _, err := tx.Exec(ctx, `
			UPDATE individual_balances SET tier = $2, monthly_cap = $3::numeric, updated_at = now()
			WHERE user_id = $1
		`, userID, current.Tier, cap); err != nil {
			return fmt.Errorf("failed to update limits: %w", err)
		}
		balance = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return balance, nil
}

func (s *PostgreSQLStore) Deduct(ctx context.Context, p DeductParams) (*DeductionResult, error) {
	if p.Amount.Sign() < 0 {
		return nil, core.NewInvalidAmountError("deduction amount cannot be negative")
	}
	if p.RequestID == "" {
		return nil, core.NewInvalidAmountError("deduction requires a request_id idempotency key")
	}
	if err := p.Subject.Validate(); err != nil {
		return nil, core.NewInvalidAmountError(err.Error())
	}
	if p.Subject.IsPool() {
		return nil, core.NewInvalidAmountError("deductions target a member allocation or individual balance, not a pool")
	}

	var result *DeductionResult
	err := s.withTx(ctx, p.Subject, func(tx pgx.Tx) error {
		var err error
		if p.Subject.Scope() == core.ScopeOrganization {
			result, err = s.deductAllocationTx(ctx, tx, p)
		} else {
			result, err = s.deductIndividualTx(ctx, tx, p)
		}
		return err
	})
	if err != nil {
		// A unique violation on request_id means a concurrent call with the
		// same key won the race; its committed result is ours to return.
		if isUniqueViolation(err) {
			return s.replayResult(ctx, p.RequestID)
		}
		return nil, err
	}
	return result, nil
}

func (s *PostgreSQLStore) deductAllocationTx(ctx context.Context, tx pgx.Tx, p DeductParams) (*DeductionResult, error) {
	alloc, err := s.getAllocationTx(ctx, tx, p.Subject.OrgID, p.Subject.UserID, true)
	if err != nil {
		return nil, err
	}

	if replay, err := s.findTransactionTx(ctx, tx, p.RequestID); err != nil {
		return nil, err
	} else if replay != nil {
		return replayedResult(replay), nil
	}

	if alloc == nil {
		return nil, core.NewUnknownSubjectError(p.Subject)
	}

	remaining := alloc.Remaining()
	if remaining.LessThan(p.Amount) {
		return nil, core.NewInsufficientCreditsError(p.Subject, fmt.Sprintf(
			"remaining %s, requested %s", remaining, p.Amount))
	}

	alloc.ConsumedCredits = alloc.ConsumedCredits.Add(p.Amount)
	if _, err := tx.Exec(ctx, `
		UPDATE credit_allocations SET consumed_credits = $3::numeric, updated_at = now()
		WHERE org_id = $1 AND user_id = $2
	`, p.Subject.OrgID, p.Subject.UserID, alloc.ConsumedCredits.String()); err != nil {
		return nil, fmt.Errorf("failed to update allocation: %w", err)
	}

	entry := newLedgerEntry(p.Subject, core.TransactionDeduction,
		p.Amount.Neg(), remaining, alloc.Remaining(), p.ServiceName, p.RequestID, p.Metadata)
	if err := s.insertTransactionTx(ctx, tx, entry); err != nil {
		return nil, err
	}

	return &DeductionResult{Transaction: entry, Remaining: alloc.Remaining()}, nil
}

func (s *PostgreSQLStore) deductIndividualTx(ctx context.Context, tx pgx.Tx, p DeductParams) (*DeductionResult, error) {
	balance, err := s.getIndividualTx(ctx, tx, p.Subject.UserID, true)
	if err != nil {
		return nil, err
	}

	if replay, err := s.findTransactionTx(ctx, tx, p.RequestID); err != nil {
		return nil, err
	} else if replay != nil {
		return replayedResult(replay), nil
	}

	if balance == nil {
		return nil, core.NewUnknownSubjectError(p.Subject)
	}

	now := time.Now().UTC()
	if monthChanged(balance.LastResetAt, now) {
		balance.MonthlyConsumed = decimal.Zero
		balance.LastResetAt = now
	}

	if balance.Balance.LessThan(p.Amount) {
		return nil, core.NewInsufficientCreditsError(p.Subject, fmt.Sprintf(
			"balance %s, requested %s", balance.Balance, p.Amount))
	}
	if balance.MonthlyCap != nil && balance.MonthlyConsumed.Add(p.Amount).GreaterThan(*balance.MonthlyCap) {
		return nil, core.NewInsufficientCreditsError(p.Subject, fmt.Sprintf(
			"monthly cap %s reached (%s consumed this month)", balance.MonthlyCap, balance.MonthlyConsumed))
	}

	before := balance.Balance
	balance.Balance = balance.Balance.Sub(p.Amount)
	balance.MonthlyConsumed = balance.MonthlyConsumed.Add(p.Amount)

	if _, err := tx.Exec(ctx, `
		UPDATE individual_balances
		SET balance = $2::numeric, monthly_consumed = $3::numeric, last_reset_at = $4, updated_at = now()
		WHERE user_id = $1
	`, p.Subject.UserID, balance.Balance.String(), balance.MonthlyConsumed.String(), balance.LastResetAt); err != nil {
		return nil, fmt.Errorf("failed to update balance: %w", err)
	}

	entry := newLedgerEntry(p.Subject, core.TransactionDeduction,
		p.Amount.Neg(), before, balance.Balance, p.ServiceName, p.RequestID, p.Metadata)
	if err := s.insertTransactionTx(ctx, tx, entry); err != nil {
		return nil, err
	}

	return &DeductionResult{Transaction: entry, Remaining: balance.Balance}, nil
}

func (s *PostgreSQLStore) Refund(ctx context.Context, p RefundParams) (*DeductionResult, error) {
	if p.Amount.Sign() <= 0 {
		return nil, core.NewInvalidAmountError("refund amount must be positive")
	}
	if err := p.Subject.Validate(); err != nil {
		return nil, core.NewInvalidAmountError(err.Error())
	}
	requestID := requestIDOrNew(p.RequestID)

	metadata := p.Metadata
	if p.OriginalRequestID != "" {
		if metadata == nil {
			metadata = map[string]any{}
		}
		metadata[core.MetaRefundOf] = p.OriginalRequestID
	}

	var result *DeductionResult
	err := s.withTx(ctx, p.Subject, func(tx pgx.Tx) error {
		if replay, err := s.findTransactionTx(ctx, tx, requestID); err != nil {
			return err
		} else if replay != nil {
			result = replayedResult(replay)
			return nil
		}

		if p.Subject.Scope() == core.ScopeOrganization {
			alloc, err := s.getAllocationTx(ctx, tx, p.Subject.OrgID, p.Subject.UserID, true)
			if err != nil {
				return err
			}
			if alloc == nil {
				return core.NewUnknownSubjectError(p.Subject)
			}
			if alloc.ConsumedCredits.LessThan(p.Amount) {
				return core.NewInvalidAmountError(fmt.Sprintf(
					"refund %s exceeds consumed credits %s", p.Amount, alloc.ConsumedCredits))
			}

			before := alloc.Remaining()
			alloc.ConsumedCredits = alloc.ConsumedCredits.Sub(p.Amount)
			if _, err := tx.Exec(ctx, `
				UPDATE credit_allocations SET consumed_credits = $3::numeric, updated_at = now()
				WHERE org_id = $1 AND user_id = $2
			`, p.Subject.OrgID, p.Subject.UserID, alloc.ConsumedCredits.String()); err != nil {
				return fmt.Errorf("failed to update allocation: %w", err)
			}

			entry := newLedgerEntry(p.Subject, core.TransactionRefund,
				p.Amount, before, alloc.Remaining(), p.ServiceName, requestID, metadata)
			if err := s.insertTransactionTx(ctx, tx, entry); err != nil {
				return err
			}
			result = &DeductionResult{Transaction: entry, Remaining: alloc.Remaining()}
			return nil
		}

		balance, err := s.getIndividualTx(ctx, tx, p.Subject.UserID, true)
		if err != nil {
			return err
		}
		if balance == nil {
			return core.NewUnknownSubjectError(p.Subject)
		}

		before := balance.Balance
		balance.Balance = balance.Balance.Add(p.Amount)
		balance.MonthlyConsumed = decimal.Max(decimal.Zero, balance.MonthlyConsumed.Sub(p.Amount))
		if _, err := tx.Exec(ctx, `
			UPDATE individual_balances
			SET balance = $2::numeric, monthly_consumed = $3::numeric, updated_at = now()
			WHERE user_id = $1
		`, p.Subject.UserID, balance.Balance.String(), balance.MonthlyConsumed.String()); err != nil {
			return fmt.Errorf("failed to update balance: %w", err)
		}

		entry := newLedgerEntry(p.Subject, core.TransactionRefund,
			p.Amount, before, balance.Balance, p.ServiceName, requestID, metadata)
		if err := s.insertTransactionTx(ctx, tx, entry); err != nil {
			return err
		}
		result = &DeductionResult{Transaction: entry, Remaining: balance.Balance}
		return nil
	})
	if err != nil {
		if isUniqueViolation(err) {
			return s.replayResult(ctx, requestID)
		}
		return nil, err
	}
	return result, nil
}

// replayResult fetches the committed transaction for an idempotency key
// after losing an insert race.
func (s *PostgreSQLStore) replayResult(ctx context.Context, requestID string) (*DeductionResult, error) {
	entry, err := s.FindTransaction(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, fmt.Errorf("request %s conflicted but its transaction is missing", requestID)
	}
	return replayedResult(entry), nil
}

// replayedResult reconstructs a DeductionResult from a previously committed
// ledger entry, unchanged.
func replayedResult(entry *core.Transaction) *DeductionResult {
	return &DeductionResult{
		Transaction: entry,
		Remaining:   entry.BalanceAfter,
		Replayed:    true,
	}
}

func (s *PostgreSQLStore) GetPool(ctx context.Context, orgID string) (*Pool, error) {
	return s.getPool(ctx, s.pool, orgID, false)
}

func (s *PostgreSQLStore) GetAllocation(ctx context.Context, orgID, userID string) (*Allocation, error) {
	return s.getAllocation(ctx, s.pool, orgID, userID, false)
}

func (s *PostgreSQLStore) GetIndividual(ctx context.Context, userID string) (*IndividualBalance, error) {
	return s.getIndividual(ctx, s.pool, userID, false)
}

// pgQuerier covers both *pgxpool.Pool and pgx.Tx.
type pgQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PostgreSQLStore) getPoolTx(ctx context.Context, tx pgx.Tx, orgID string, forUpdate bool) (*Pool, error) {
	return s.getPool(ctx, tx, orgID, forUpdate)
}

func (s *PostgreSQLStore) getPool(ctx context.Context, q pgQuerier, orgID string, forUpdate bool) (*Pool, error) {
	query := `
		SELECT org_id, total_credits::text, available_credits::text, active, created_at, updated_at
		FROM credit_pools WHERE org_id = $1`
	if forUpdate {
		query += " FOR UPDATE"
	}

	var (
		pool           Pool
		total, availTx string
	)
	err := q.QueryRow(ctx, query, orgID).Scan(
		&pool.OrgID, &total, &availTx, &pool.Active, &pool.CreatedAt, &pool.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query pool: %w", err)
	}
	if pool.TotalCredits, err = decimal.NewFromString(total); err != nil {
		return nil, fmt.Errorf("invalid total_credits: %w", err)
	}
	if pool.AvailableCredits, err = decimal.NewFromString(availTx); err != nil {
		return nil, fmt.Errorf("invalid available_credits: %w", err)
	}
	return &pool, nil
}

func (s *PostgreSQLStore) getAllocationTx(ctx context.Context, tx pgx.Tx, orgID, userID string, forUpdate bool) (*Allocation, error) {
	return s.getAllocation(ctx, tx, orgID, userID, forUpdate)
}

func (s *PostgreSQLStore) getAllocation(ctx context.Context, q pgQuerier, orgID, userID string, forUpdate bool) (*Allocation, error) {
	query := `
		SELECT org_id, user_id, allocated_credits::text, consumed_credits::text, created_at, updated_at
		FROM credit_allocations WHERE org_id = $1 AND user_id = $2`
	if forUpdate {
		query += " FOR UPDATE"
	}

	var (
		alloc                Allocation
		allocated, consumed  string
	)
	err := q.QueryRow(ctx, query, orgID, userID).Scan(
		&alloc.OrgID, &alloc.UserID, &allocated, &consumed, &alloc.CreatedAt, &alloc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query allocation: %w", err)
	}
	if alloc.AllocatedCredits, err = decimal.NewFromString(allocated); err != nil {
		return nil, fmt.Errorf("invalid allocated_credits: %w", err)
	}
	if alloc.ConsumedCredits, err = decimal.NewFromString(consumed); err != nil {
		return nil, fmt.Errorf("invalid consumed_credits: %w", err)
	}
	return &alloc, nil
}

func (s *PostgreSQLStore) getIndividualTx(ctx context.Context, tx pgx.Tx, userID string, forUpdate bool) (*IndividualBalance, error) {
	return s.getIndividual(ctx, tx, userID, forUpdate)
}

func (s *PostgreSQLStore) getIndividual(ctx context.Context, q pgQuerier, userID string, forUpdate bool) (*IndividualBalance, error) {
	query := `
		SELECT user_id, balance::text, tier, monthly_cap::text, monthly_consumed::text,
			last_reset_at, created_at, updated_at
		FROM individual_balances WHERE user_id = $1`
	if forUpdate {
		query += " FOR UPDATE"
	}

	var (
		bal                    IndividualBalance
		balance, monthConsumed string
		cap                    *string
	)
	err := q.QueryRow(ctx, query, userID).Scan(
		&bal.UserID, &balance, &bal.Tier, &cap, &monthConsumed,
		&bal.LastResetAt, &bal.CreatedAt, &bal.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query balance: %w", err)
	}
	if bal.Balance, err = decimal.NewFromString(balance); err != nil {
		return nil, fmt.Errorf("invalid balance: %w", err)
	}
	if bal.MonthlyConsumed, err = decimal.NewFromString(monthConsumed); err != nil {
		return nil, fmt.Errorf("invalid monthly_consumed: %w", err)
	}
	if cap != nil {
		parsed, perr := decimal.NewFromString(*cap)
		if perr != nil {
			return nil, fmt.Errorf("invalid monthly_cap: %w", perr)
		}
		bal.MonthlyCap = &parsed
	}
	return &bal, nil
}

// lockOrCreateAllocationTx locks the member's allocation row, inserting a
// zero row first if the member has never been allocated to. Must be called
// with the pool row already locked.
func (s *PostgreSQLStore) lockOrCreateAllocationTx(ctx context.Context, tx pgx.Tx, orgID, userID string) (*Allocation, error) {
	if _, err := tx.Exec(ctx, `
		INSERT INTO credit_allocations (org_id, user_id) VALUES ($1, $2)
		ON CONFLICT (org_id, user_id) DO NOTHING
	`, orgID, userID); err != nil {
		return nil, fmt.Errorf("failed to ensure allocation row: %w", err)
	}
	return s.getAllocationTx(ctx, tx, orgID, userID, true)
}

// lockOrCreateIndividualTx locks the user's balance row, inserting a zero
// row on first use.
func (s *PostgreSQLStore) lockOrCreateIndividualTx(ctx context.Context, tx pgx.Tx, userID string) (*IndividualBalance, error) {
	if _, err := tx.Exec(ctx, `
		INSERT INTO individual_balances (user_id) VALUES ($1)
		ON CONFLICT (user_id) DO NOTHING
	`, userID); err != nil {
		return nil, fmt.Errorf("failed to ensure balance row: %w", err)
	}
	return s.getIndividualTx(ctx, tx, userID, true)
}

func (s *PostgreSQLStore) insertTransactionTx(ctx context.Context, tx pgx.Tx, entry *core.Transaction) error {
	metadata := marshalMetadata(entry.Metadata, entry.ID)
	_, err := tx.Exec(ctx, `
		INSERT INTO credit_transactions
			(id, org_id, user_id, type, signed_amount, balance_before, balance_after,
			 service_name, request_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7::numeric, $8, $9, $10, $11)
	`, entry.ID, entry.Subject.OrgID, entry.Subject.UserID, string(entry.Type),
		entry.SignedAmount.String(), entry.BalanceBefore.String(), entry.BalanceAfter.String(),
		entry.ServiceName, entry.RequestID, metadata, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return nil
}

func (s *PostgreSQLStore) FindTransaction(ctx context.Context, requestID string) (*core.Transaction, error) {
	return s.findTransaction(ctx, s.pool, requestID)
}

func (s *PostgreSQLStore) findTransactionTx(ctx context.Context, tx pgx.Tx, requestID string) (*core.Transaction, error) {
	return s.findTransaction(ctx, tx, requestID)
}

func (s *PostgreSQLStore) findTransaction(ctx context.Context, q pgQuerier, requestID string) (*core.Transaction, error) {
	var (
		entry                 core.Transaction
		txType                string
		signed, before, after string
		metadata              []byte
	)
	err := q.QueryRow(ctx, `
		SELECT id, org_id, user_id, type, signed_amount::text, balance_before::text,
			balance_after::text, service_name, request_id, metadata, created_at
		FROM credit_transactions WHERE request_id = $1
	`, requestID).Scan(
		&entry.ID, &entry.Subject.OrgID, &entry.Subject.UserID, &txType,
		&signed, &before, &after, &entry.ServiceName, &entry.RequestID, &metadata, &entry.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query transaction: %w", err)
	}

	entry.Type = core.TransactionType(txType)
	if entry.SignedAmount, err = decimal.NewFromString(signed); err != nil {
		return nil, fmt.Errorf("invalid signed_amount: %w", err)
	}
	if entry.BalanceBefore, err = decimal.NewFromString(before); err != nil {
		return nil, fmt.Errorf("invalid balance_before: %w", err)
	}
	if entry.BalanceAfter, err = decimal.NewFromString(after); err != nil {
		return nil, fmt.Errorf("invalid balance_after: %w", err)
	}
	entry.Metadata = unmarshalMetadata(metadata)
	return &entry, nil
}

func (s *PostgreSQLStore) ReplayBalance(ctx context.Context, subject core.SubjectRef) (decimal.Decimal, error) {
	var sum string
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(signed_amount), 0)::text
		FROM credit_transactions WHERE org_id = $1 AND user_id = $2
	`, subject.OrgID, subject.UserID).Scan(&sum)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to replay ledger: %w", err)
	}
	replayed, err := decimal.NewFromString(sum)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid replayed sum: %w", err)
	}
	return replayed, nil
}

// Close is a no-op; the pgx pool is owned by the storage layer.
func (s *PostgreSQLStore) Close() error {
	return nil
}

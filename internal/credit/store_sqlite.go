package credit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"creditmeter/internal/core"
)

// SQLiteStore implements Store for SQLite. The storage layer caps the pool at
// one connection, so transactions are serialized and the row-lock dance the
// PostgreSQL backend does is unnecessary; the lock timeout instead bounds how
// long an operation may queue behind the writer.
type SQLiteStore struct {
	db          *sql.DB
	lockTimeout time.Duration
}

// NewSQLiteStore creates a new SQLite credit store and its schema.
func NewSQLiteStore(db *sql.DB, cfg Config) (*SQLiteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database handle is required")
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = DefaultConfig().LockTimeout
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS credit_pools (
			org_id TEXT PRIMARY KEY,
			total_credits TEXT NOT NULL DEFAULT '0',
			available_credits TEXT NOT NULL DEFAULT '0',
			active INTEGER NOT NULL DEFAULT 1,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS credit_allocations (
			org_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			allocated_credits TEXT NOT NULL DEFAULT '0',
			consumed_credits TEXT NOT NULL DEFAULT '0',
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (org_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS individual_balances (
			user_id TEXT PRIMARY KEY,
			balance TEXT NOT NULL DEFAULT '0',
			tier TEXT NOT NULL DEFAULT 'standard',
			monthly_cap TEXT,
			monthly_consumed TEXT NOT NULL DEFAULT '0',
			last_reset_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS credit_transactions (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL DEFAULT '',
			user_id TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL,
			signed_amount TEXT NOT NULL,
			balance_before TEXT NOT NULL,
			balance_after TEXT NOT NULL,
			service_name TEXT NOT NULL DEFAULT '',
			request_id TEXT NOT NULL UNIQUE,
			metadata TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_credit_tx_org_id ON credit_transactions(org_id)`,
		`CREATE INDEX IF NOT EXISTS idx_credit_tx_user_id ON credit_transactions(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_credit_tx_created_at ON credit_transactions(created_at)`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("failed to create credit schema: %w", err)
		}
	}

	return &SQLiteStore{db: db, lockTimeout: cfg.LockTimeout}, nil
}

// withTx runs fn inside a transaction bounded by the lock timeout.
func (s *SQLiteStore) withTx(ctx context.Context, subject core.SubjectRef, fn func(*sql.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifySQLiteError(err, subject)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(tx); err != nil {
		return classifySQLiteError(err, subject)
	}
	if err := tx.Commit(); err != nil {
		return classifySQLiteError(fmt.Errorf("failed to commit: %w", err), subject)
	}
	return nil
}

// classifySQLiteError maps driver errors to the credit error taxonomy.
func classifySQLiteError(err error, subject core.SubjectRef) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return core.NewConcurrencyTimeoutError(subject, err)
	}
	msg := err.Error()
	if strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY") {
		return core.NewConcurrencyTimeoutError(subject, err)
	}
	return err
}

// isSQLiteUniqueViolation reports a request_id uniqueness conflict.
func isSQLiteUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *SQLiteStore) CreatePool(ctx context.Context, orgID string) (*Pool, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credit_pools (org_id, created_at, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (org_id) DO UPDATE SET active = 1, updated_at = excluded.updated_at
	`, orgID, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	return s.GetPool(ctx, orgID)
}

func (s *SQLiteStore) DeactivatePool(ctx context.Context, orgID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE credit_pools SET active = 0, updated_at = ? WHERE org_id = ?
	`, time.Now().UTC(), orgID)
	if err != nil {
		return fmt.Errorf("failed to deactivate pool: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to deactivate pool: %w", err)
	}
	if affected == 0 {
		return core.NewUnknownSubjectError(core.PoolSubject(orgID))
	}
	return nil
}

func (s *SQLiteStore) AddToPool(ctx context.Context, orgID string, p TopUpParams) (*Pool, error) {
	if err := validateTopUp(p); err != nil {
		return nil, err
	}
	subject := core.PoolSubject(orgID)
	requestID := requestIDOrNew(p.RequestID)

	var pool *Pool
	err := s.withTx(ctx, subject, func(tx *sql.Tx) error {
		if replay, err := findTransactionSQLite(ctx, tx, requestID); err != nil {
			return err
		} else if replay != nil {
			var gerr error
			pool, gerr = getPoolSQLite(ctx, tx, orgID)
			return gerr
		}

		existing, err := getPoolSQLite(ctx, tx, orgID)
		if err != nil {
			return err
		}
		if existing == nil || !existing.Active {
			return core.NewUnknownSubjectError(subject)
		}

		before := existing.AvailableCredits
		existing.TotalCredits = existing.TotalCredits.Add(p.Amount)
		existing.AvailableCredits = existing.AvailableCredits.Add(p.Amount)

		if _, err := tx.ExecContext(ctx, `
			UPDATE credit_pools SET total_credits = ?, available_credits = ?, updated_at = ?
			WHERE org_id = ?
		`, existing.TotalCredits.String(), existing.AvailableCredits.String(), time.Now().UTC(), orgID); err != nil {
			return fmt.Errorf("failed to update pool: %w", err)
		}

		metadata := map[string]any{}
		if p.Source != "" {
			metadata[core.MetaSource] = p.Source
		}
		entry := newLedgerEntry(subject, p.Type, p.Amount, before, existing.AvailableCredits, "", requestID, metadata)
		if err := insertTransactionSQLite(ctx, tx, entry); err != nil {
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

func (s *SQLiteStore) AllocateToUser(ctx context.Context, orgID, userID string, amount decimal.Decimal, requestID string) (*Allocation, error) {
	if amount.Sign() <= 0 {
		return nil, core.NewInvalidAmountError("allocation amount must be positive")
	}
	subject := core.MemberSubject(orgID, userID)
	requestID = requestIDOrNew(requestID)

	var alloc *Allocation
	err := s.withTx(ctx, subject, func(tx *sql.Tx) error {
		if replay, err := findTransactionSQLite(ctx, tx, requestID+memberSideSuffix); err != nil {
			return err
		} else if replay != nil {
			var gerr error
			alloc, gerr = getAllocationSQLite(ctx, tx, orgID, userID)
			return gerr
		}

		pool, err := getPoolSQLite(ctx, tx, orgID)
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

		current, err := ensureAllocationSQLite(ctx, tx, orgID, userID)
		if err != nil {
			return err
		}

		poolBefore := pool.AvailableCredits
		memberBefore := current.Remaining()
		pool.AvailableCredits = pool.AvailableCredits.Sub(amount)
		current.AllocatedCredits = current.AllocatedCredits.Add(amount)

		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, `
			UPDATE credit_pools SET available_credits = ?, updated_at = ? WHERE org_id = ?
		`, pool.AvailableCredits.String(), now, orgID); err != nil {
			return fmt.Errorf("failed to update pool: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE credit_allocations SET allocated_credits = ?, updated_at = ?
			WHERE org_id = ? AND user_id = ?
		`, current.AllocatedCredits.String(), now, orgID, userID); err != nil {
			return fmt.Errorf("failed to update allocation: %w", err)
		}

		poolEntry := newLedgerEntry(core.PoolSubject(orgID), core.TransactionAllocation,
			amount.Neg(), poolBefore, pool.AvailableCredits, "", requestID+poolSideSuffix,
			map[string]any{"member": userID})
		memberEntry := newLedgerEntry(subject, core.TransactionAllocation,
			amount, memberBefore, current.Remaining(), "", requestID+memberSideSuffix, nil)
		if err := insertTransactionSQLite(ctx, tx, poolEntry); err != nil {
			return err
		}
		if err := insertTransactionSQLite(ctx, tx, memberEntry); err != nil {
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

func (s *SQLiteStore) ReduceAllocation(ctx context.Context, orgID, userID string, amount decimal.Decimal, requestID string) (*Allocation, error) {
	if amount.Sign() <= 0 {
		return nil, core.NewInvalidAmountError("reduction amount must be positive")
	}
	subject := core.MemberSubject(orgID, userID)
	requestID = requestIDOrNew(requestID)

	var alloc *Allocation
	err := s.withTx(ctx, subject, func(tx *sql.Tx) error {
		if replay, err := findTransactionSQLite(ctx, tx, requestID+memberSideSuffix); err != nil {
			return err
		} else if replay != nil {
			var gerr error
			alloc, gerr = getAllocationSQLite(ctx, tx, orgID, userID)
			return gerr
		}

		pool, err := getPoolSQLite(ctx, tx, orgID)
		if err != nil {
			return err
		}
		if pool == nil {
			return core.NewUnknownSubjectError(core.PoolSubject(orgID))
		}
		current, err := getAllocationSQLite(ctx, tx, orgID, userID)
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

		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, `
			UPDATE credit_pools SET available_credits = ?, updated_at = ? WHERE org_id = ?
		`, pool.AvailableCredits.String(), now, orgID); err != nil {
			return fmt.Errorf("failed to update pool: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE credit_allocations SET allocated_credits = ?, updated_at = ?
			WHERE org_id = ? AND user_id = ?
		`, current.AllocatedCredits.String(), now, orgID, userID); err != nil {
			return fmt.Errorf("failed to update allocation: %w", err)
		}

		memberEntry := newLedgerEntry(subject, core.TransactionAllocation,
			amount.Neg(), memberBefore, current.Remaining(), "", requestID+memberSideSuffix,
			map[string]any{"direction": "reduce"})
		poolEntry := newLedgerEntry(core.PoolSubject(orgID), core.TransactionAllocation,
			amount, poolBefore, pool.AvailableCredits, "", requestID+poolSideSuffix,
			map[string]any{"direction": "reduce", "member": userID})
		if err := insertTransactionSQLite(ctx, tx, memberEntry); err != nil {
			return err
		}
		if err := insertTransactionSQLite(ctx, tx, poolEntry); err != nil {
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

func (s *SQLiteStore) TopUpIndividual(ctx context.Context, userID string, p TopUpParams) (*IndividualBalance, error) {
	if err := validateTopUp(p); err != nil {
		return nil, err
	}
	subject := core.IndividualSubject(userID)
	requestID := requestIDOrNew(p.RequestID)

	var balance *IndividualBalance
	err := s.withTx(ctx, subject, func(tx *sql.Tx) error {
		if replay, err := findTransactionSQLite(ctx, tx, requestID); err != nil {
			return err
		} else if replay != nil {
			var gerr error
			balance, gerr = getIndividualSQLite(ctx, tx, userID)
			return gerr
		}

		current, err := ensureIndividualSQLite(ctx, tx, userID)
		if err != nil {
			return err
		}

		before := current.Balance
		current.Balance = current.Balance.Add(p.Amount)

		if _, err := tx.ExecContext(ctx, `
			UPDATE individual_balances SET balance = ?, updated_at = ? WHERE user_id = ?
		`, current.Balance.String(), time.Now().UTC(), userID); err != nil {
			return fmt.Errorf("failed to update balance: %w", err)
		}

		metadata := map[string]any{}
		if p.Source != "" {
			metadata[core.MetaSource] = p.Source
		}
		entry := newLedgerEntry(subject, p.Type, p.Amount, before, current.Balance, "", requestID, metadata)
		if err := insertTransactionSQLite(ctx, tx, entry); err != nil {
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

func (s *SQLiteStore) SetIndividualLimits(ctx context.Context, userID string, p LimitParams) (*IndividualBalance, error) {
	subject := core.IndividualSubject(userID)

	var balance *IndividualBalance
	err := s.withTx(ctx, subject, func(tx *sql.Tx) error {
		current, err := ensureIndividualSQLite(ctx, tx, userID)
		if err != nil {
			return err
		}
		applyLimits(current, p)

		var cap any
		if current.MonthlyCap != nil {
			cap = current.MonthlyCap.String()
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE individual_balances SET tier = ?, monthly_cap = ?, updated_at = ?
			WHERE user_id = ?
		`, current.Tier, cap, time.Now().UTC(), userID); err != nil {
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

func (s *SQLiteStore) Deduct(ctx context.Context, p DeductParams) (*DeductionResult, error) {
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
	err := s.withTx(ctx, p.Subject, func(tx *sql.Tx) error {
		if replay, err := findTransactionSQLite(ctx, tx, p.RequestID); err != nil {
			return err
		} else if replay != nil {
			result = replayedResult(replay)
			return nil
		}

		if p.Subject.Scope() == core.ScopeOrganization {
			alloc, err := getAllocationSQLite(ctx, tx, p.Subject.OrgID, p.Subject.UserID)
			if err != nil {
				return err
			}
			if alloc == nil {
				return core.NewUnknownSubjectError(p.Subject)
			}

			remaining := alloc.Remaining()
			if remaining.LessThan(p.Amount) {
				return core.NewInsufficientCreditsError(p.Subject, fmt.Sprintf(
					"remaining %s, requested %s", remaining, p.Amount))
			}

			alloc.ConsumedCredits = alloc.ConsumedCredits.Add(p.Amount)
			if _, err := tx.ExecContext(ctx, `
				UPDATE credit_allocations SET consumed_credits = ?, updated_at = ?
				WHERE org_id = ? AND user_id = ?
			`, alloc.ConsumedCredits.String(), time.Now().UTC(), p.Subject.OrgID, p.Subject.UserID); err != nil {
				return fmt.Errorf("failed to update allocation: %w", err)
			}

			entry := newLedgerEntry(p.Subject, core.TransactionDeduction,
				p.Amount.Neg(), remaining, alloc.Remaining(), p.ServiceName, p.RequestID, p.Metadata)
			if err := insertTransactionSQLite(ctx, tx, entry); err != nil {
				return err
			}
			result = &DeductionResult{Transaction: entry, Remaining: alloc.Remaining()}
			return nil
		}

		balance, err := getIndividualSQLite(ctx, tx, p.Subject.UserID)
		if err != nil {
			return err
		}
		if balance == nil {
			return core.NewUnknownSubjectError(p.Subject)
		}

		now := time.Now().UTC()
		if monthChanged(balance.LastResetAt, now) {
			balance.MonthlyConsumed = decimal.Zero
			balance.LastResetAt = now
		}

		if balance.Balance.LessThan(p.Amount) {
			return core.NewInsufficientCreditsError(p.Subject, fmt.Sprintf(
				"balance %s, requested %s", balance.Balance, p.Amount))
		}
		if balance.MonthlyCap != nil && balance.MonthlyConsumed.Add(p.Amount).GreaterThan(*balance.MonthlyCap) {
			return core.NewInsufficientCreditsError(p.Subject, fmt.Sprintf(
				"monthly cap %s reached (%s consumed this month)", balance.MonthlyCap, balance.MonthlyConsumed))
		}

		before := balance.Balance
		balance.Balance = balance.Balance.Sub(p.Amount)
		balance.MonthlyConsumed = balance.MonthlyConsumed.Add(p.Amount)

		if _, err := tx.ExecContext(ctx, `
			UPDATE individual_balances
			SET balance = ?, monthly_consumed = ?, last_reset_at = ?, updated_at = ?
			WHERE user_id = ?
		`, balance.Balance.String(), balance.MonthlyConsumed.String(), balance.LastResetAt, now, p.Subject.UserID); err != nil {
			return fmt.Errorf("failed to update balance: %w", err)
		}

		entry := newLedgerEntry(p.Subject, core.TransactionDeduction,
			p.Amount.Neg(), before, balance.Balance, p.ServiceName, p.RequestID, p.Metadata)
		if err := insertTransactionSQLite(ctx, tx, entry); err != nil {
			return err
		}
		result = &DeductionResult{Transaction: entry, Remaining: balance.Balance}
		return nil
	})
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return s.replayResult(ctx, p.RequestID)
		}
		return nil, err
	}
	return result, nil
}

func (s *SQLiteStore) Refund(ctx context.Context, p RefundParams) (*DeductionResult, error) {
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
	err := s.withTx(ctx, p.Subject, func(tx *sql.Tx) error {
		if replay, err := findTransactionSQLite(ctx, tx, requestID); err != nil {
			return err
		} else if replay != nil {
			result = replayedResult(replay)
			return nil
		}

		now := time.Now().UTC()
		if p.Subject.Scope() == core.ScopeOrganization {
			alloc, err := getAllocationSQLite(ctx, tx, p.Subject.OrgID, p.Subject.UserID)
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
			if _, err := tx.ExecContext(ctx, `
				UPDATE credit_allocations SET consumed_credits = ?, updated_at = ?
				WHERE org_id = ? AND user_id = ?
			`, alloc.ConsumedCredits.String(), now, p.Subject.OrgID, p.Subject.UserID); err != nil {
				return fmt.Errorf("failed to update allocation: %w", err)
			}

			entry := newLedgerEntry(p.Subject, core.TransactionRefund,
				p.Amount, before, alloc.Remaining(), p.ServiceName, requestID, metadata)
			if err := insertTransactionSQLite(ctx, tx, entry); err != nil {
				return err
			}
			result = &DeductionResult{Transaction: entry, Remaining: alloc.Remaining()}
			return nil
		}

		balance, err := getIndividualSQLite(ctx, tx, p.Subject.UserID)
		if err != nil {
			return err
		}
		if balance == nil {
			return core.NewUnknownSubjectError(p.Subject)
		}

		before := balance.Balance
		balance.Balance = balance.Balance.Add(p.Amount)
		balance.MonthlyConsumed = decimal.Max(decimal.Zero, balance.MonthlyConsumed.Sub(p.Amount))
		if _, err := tx.ExecContext(ctx, `
			UPDATE individual_balances SET balance = ?, monthly_consumed = ?, updated_at = ?
			WHERE user_id = ?
		`, balance.Balance.String(), balance.MonthlyConsumed.String(), now, p.Subject.UserID); err != nil {
			return fmt.Errorf("failed to update balance: %w", err)
		}

		entry := newLedgerEntry(p.Subject, core.TransactionRefund,
			p.Amount, before, balance.Balance, p.ServiceName, requestID, metadata)
		if err := insertTransactionSQLite(ctx, tx, entry); err != nil {
			return err
		}
		result = &DeductionResult{Transaction: entry, Remaining: balance.Balance}
		return nil
	})
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return s.replayResult(ctx, requestID)
		}
		return nil, err
	}
	return result, nil
}

func (s *SQLiteStore) replayResult(ctx context.Context, requestID string) (*DeductionResult, error) {
	entry, err := s.FindTransaction(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, fmt.Errorf("request %s conflicted but its transaction is missing", requestID)
	}
	return replayedResult(entry), nil
}

// sqlQuerier covers *sql.DB and *sql.Tx.
type sqlQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) GetPool(ctx context.Context, orgID string) (*Pool, error) {
	return getPoolSQLite(ctx, s.db, orgID)
}

func (s *SQLiteStore) GetAllocation(ctx context.Context, orgID, userID string) (*Allocation, error) {
	return getAllocationSQLite(ctx, s.db, orgID, userID)
}

func (s *SQLiteStore) GetIndividual(ctx context.Context, userID string) (*IndividualBalance, error) {
	return getIndividualSQLite(ctx, s.db, userID)
}

func getPoolSQLite(ctx context.Context, q sqlQuerier, orgID string) (*Pool, error) {
	var (
		pool         Pool
		total, avail string
	)
	err := q.QueryRowContext(ctx, `
		SELECT org_id, total_credits, available_credits, active, created_at, updated_at
		FROM credit_pools WHERE org_id = ?
	`, orgID).Scan(&pool.OrgID, &total, &avail, &pool.Active, &pool.CreatedAt, &pool.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query pool: %w", err)
	}
	if pool.TotalCredits, err = decimal.NewFromString(total); err != nil {
		return nil, fmt.Errorf("invalid total_credits: %w", err)
	}
	if pool.AvailableCredits, err = decimal.NewFromString(avail); err != nil {
		return nil, fmt.Errorf("invalid available_credits: %w", err)
	}
	return &pool, nil
}

func getAllocationSQLite(ctx context.Context, q sqlQuerier, orgID, userID string) (*Allocation, error) {
	var (
		alloc               Allocation
		allocated, consumed string
	)
	err := q.QueryRowContext(ctx, `
		SELECT org_id, user_id, allocated_credits, consumed_credits, created_at, updated_at
		FROM credit_allocations WHERE org_id = ? AND user_id = ?
	`, orgID, userID).Scan(&alloc.OrgID, &alloc.UserID, &allocated, &consumed, &alloc.CreatedAt, &alloc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
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

func getIndividualSQLite(ctx context.Context, q sqlQuerier, userID string) (*IndividualBalance, error) {
	var (
		bal                    IndividualBalance
		balance, monthConsumed string
		cap                    sql.NullString
	)
	err := q.QueryRowContext(ctx, `
		SELECT user_id, balance, tier, monthly_cap, monthly_consumed, last_reset_at, created_at, updated_at
		FROM individual_balances WHERE user_id = ?
	`, userID).Scan(&bal.UserID, &balance, &bal.Tier, &cap, &monthConsumed,
		&bal.LastResetAt, &bal.CreatedAt, &bal.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
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
	if cap.Valid {
		parsed, perr := decimal.NewFromString(cap.String)
		if perr != nil {
			return nil, fmt.Errorf("invalid monthly_cap: %w", perr)
		}
		bal.MonthlyCap = &parsed
	}
	return &bal, nil
}

func ensureAllocationSQLite(ctx context.Context, tx *sql.Tx, orgID, userID string) (*Allocation, error) {
	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO credit_allocations (org_id, user_id, created_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (org_id, user_id) DO NOTHING
	`, orgID, userID, now, now); err != nil {
		return nil, fmt.Errorf("failed to ensure allocation row: %w", err)
	}
	return getAllocationSQLite(ctx, tx, orgID, userID)
}

func ensureIndividualSQLite(ctx context.Context, tx *sql.Tx, userID string) (*IndividualBalance, error) {
	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO individual_balances (user_id, last_reset_at, created_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id) DO NOTHING
	`, userID, now, now, now); err != nil {
		return nil, fmt.Errorf("failed to ensure balance row: %w", err)
	}
	return getIndividualSQLite(ctx, tx, userID)
}

func insertTransactionSQLite(ctx context.Context, tx *sql.Tx, entry *core.Transaction) error {
	var metadata any
	if data := marshalMetadata(entry.Metadata, entry.ID); data != nil {
		metadata = string(data)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO credit_transactions
			(id, org_id, user_id, type, signed_amount, balance_before, balance_after,
			 service_name, request_id, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.Subject.OrgID, entry.Subject.UserID, string(entry.Type),
		entry.SignedAmount.String(), entry.BalanceBefore.String(), entry.BalanceAfter.String(),
		entry.ServiceName, entry.RequestID, metadata, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FindTransaction(ctx context.Context, requestID string) (*core.Transaction, error) {
	return findTransactionSQLite(ctx, s.db, requestID)
}

func findTransactionSQLite(ctx context.Context, q sqlQuerier, requestID string) (*core.Transaction, error) {
	var (
		entry                 core.Transaction
		txType                string
		signed, before, after string
		metadata              sql.NullString
	)
	err := q.QueryRowContext(ctx, `
		SELECT id, org_id, user_id, type, signed_amount, balance_before, balance_after,
			service_name, request_id, metadata, created_at
		FROM credit_transactions WHERE request_id = ?
	`, requestID).Scan(
		&entry.ID, &entry.Subject.OrgID, &entry.Subject.UserID, &txType,
		&signed, &before, &after, &entry.ServiceName, &entry.RequestID, &metadata, &entry.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
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
	if metadata.Valid {
		entry.Metadata = unmarshalMetadata([]byte(metadata.String))
	}
	return &entry, nil
}

func (s *SQLiteStore) ReplayBalance(ctx context.Context, subject core.SubjectRef) (decimal.Decimal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT signed_amount FROM credit_transactions WHERE org_id = ? AND user_id = ?
	`, subject.OrgID, subject.UserID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to replay ledger: %w", err)
	}
	defer rows.Close()

	// Amounts are stored as decimal strings, so the sum happens in Go.
	sum := decimal.Zero
	for rows.Next() {
		var signed string
		if err := rows.Scan(&signed); err != nil {
			return decimal.Zero, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		amount, err := decimal.NewFromString(signed)
		if err != nil {
			return decimal.Zero, fmt.Errorf("invalid signed_amount: %w", err)
		}
		sum = sum.Add(amount)
	}
	if err := rows.Err(); err != nil {
		return decimal.Zero, fmt.Errorf("failed to replay ledger: %w", err)
	}
	return sum, nil
}

// Close is a no-op; the database handle is owned by the storage layer.
func (s *SQLiteStore) Close() error {
	return nil
}

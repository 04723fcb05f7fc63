package credit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"creditmeter/internal/core"
)

// MongoDBStore implements Store for MongoDB. Every operation runs inside a
// session transaction; concurrent writers to the same balance document hit
// write conflicts that the driver retries until the lock timeout expires, at
// which point the operation fails with a concurrency timeout. Requires a
// replica set (standalone mongod does not support transactions).
type MongoDBStore struct {
	client      *mongo.Client
	db          *mongo.Database
	lockTimeout time.Duration

	pools        *mongo.Collection
	allocations  *mongo.Collection
	balances     *mongo.Collection
	transactions *mongo.Collection
}

// Credit amounts are persisted as decimal strings, never floats.
type mongoPoolDoc struct {
	OrgID            string    `bson:"org_id"`
	TotalCredits     string    `bson:"total_credits"`
	AvailableCredits string    `bson:"available_credits"`
	Active           bool      `bson:"active"`
	CreatedAt        time.Time `bson:"created_at"`
	UpdatedAt        time.Time `bson:"updated_at"`
}

type mongoAllocationDoc struct {
	OrgID            string    `bson:"org_id"`
	UserID           string    `bson:"user_id"`
	AllocatedCredits string    `bson:"allocated_credits"`
	ConsumedCredits  string    `bson:"consumed_credits"`
	CreatedAt        time.Time `bson:"created_at"`
	UpdatedAt        time.Time `bson:"updated_at"`
}

type mongoBalanceDoc struct {
	UserID          string    `bson:"user_id"`
	Balance         string    `bson:"balance"`
	Tier            string    `bson:"tier"`
	MonthlyCap      *string   `bson:"monthly_cap,omitempty"`
	MonthlyConsumed string    `bson:"monthly_consumed"`
	LastResetAt     time.Time `bson:"last_reset_at"`
	CreatedAt       time.Time `bson:"created_at"`
	UpdatedAt       time.Time `bson:"updated_at"`
}

type mongoTransactionDoc struct {
	ID            string         `bson:"_id"`
	OrgID         string         `bson:"org_id"`
	UserID        string         `bson:"user_id"`
	Type          string         `bson:"type"`
	SignedAmount  string         `bson:"signed_amount"`
	BalanceBefore string         `bson:"balance_before"`
	BalanceAfter  string         `bson:"balance_after"`
	ServiceName   string         `bson:"service_name"`
	RequestID     string         `bson:"request_id"`
	Metadata      map[string]any `bson:"metadata,omitempty"`
	CreatedAt     time.Time      `bson:"created_at"`
}

// NewMongoDBStore creates a new MongoDB credit store and its indexes.
func NewMongoDBStore(client *mongo.Client, db *mongo.Database, cfg Config) (*MongoDBStore, error) {
	if client == nil || db == nil {
		return nil, fmt.Errorf("mongo client and database are required")
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = DefaultConfig().LockTimeout
	}

	s := &MongoDBStore{
		client:       client,
		db:           db,
		lockTimeout:  cfg.LockTimeout,
		pools:        db.Collection("credit_pools"),
		allocations:  db.Collection("credit_allocations"),
		balances:     db.Collection("individual_balances"),
		transactions: db.Collection("credit_transactions"),
	}

	ctx := context.Background()
	indexes := []struct {
		coll   *mongo.Collection
		models []mongo.IndexModel
	}{
		{s.pools, []mongo.IndexModel{
			{Keys: bson.D{{Key: "org_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		}},
		{s.allocations, []mongo.IndexModel{
			{Keys: bson.D{{Key: "org_id", Value: 1}, {Key: "user_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		}},
		{s.balances, []mongo.IndexModel{
			{Keys: bson.D{{Key: "user_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		}},
		{s.transactions, []mongo.IndexModel{
			{Keys: bson.D{{Key: "request_id", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "org_id", Value: 1}}},
			{Keys: bson.D{{Key: "user_id", Value: 1}}},
			{Keys: bson.D{{Key: "created_at", Value: 1}}},
		}},
	}
	for _, ix := range indexes {
		if _, err := ix.coll.Indexes().CreateMany(ctx, ix.models); err != nil {
			return nil, fmt.Errorf("failed to create indexes on %s: %w", ix.coll.Name(), err)
		}
	}

	return s, nil
}

// withTx runs fn inside a session transaction bounded by the lock timeout.
// The driver retries transient write conflicts until the deadline.
func (s *MongoDBStore) withTx(ctx context.Context, subject core.SubjectRef, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()

	session, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc context.Context) (any, error) {
		return nil, fn(sc)
	})
	if err != nil {
		return classifyMongoError(err, subject)
	}
	return nil
}

// classifyMongoError maps driver errors to the credit error taxonomy. A
// CreditError coming out of fn passes through untouched.
func classifyMongoError(err error, subject core.SubjectRef) error {
	var cerr *core.CreditError
	if errors.As(err, &cerr) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return core.NewConcurrencyTimeoutError(subject, err)
	}
	return err
}

func (s *MongoDBStore) CreatePool(ctx context.Context, orgID string) (*Pool, error) {
	now := time.Now().UTC()
	_, err := s.pools.UpdateOne(ctx,
		bson.M{"org_id": orgID},
		bson.M{
			"$set": bson.M{"active": true, "updated_at": now},
			"$setOnInsert": bson.M{
				"org_id":            orgID,
				"total_credits":     "0",
				"available_credits": "0",
				"created_at":        now,
			},
		},
		options.UpdateOne().SetUpsert(true))
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	return s.GetPool(ctx, orgID)
}

func (s *MongoDBStore) DeactivatePool(ctx context.Context, orgID string) error {
	res, err := s.pools.UpdateOne(ctx,
		bson.M{"org_id": orgID},
		bson.M{"$set": bson.M{"active": false, "updated_at": time.Now().UTC()}})
	if err != nil {
		return fmt.Errorf("failed to deactivate pool: %w", err)
	}
	if res.MatchedCount == 0 {
		return core.NewUnknownSubjectError(core.PoolSubject(orgID))
	}
	return nil
}

func (s *MongoDBStore) AddToPool(ctx context.Context, orgID string, p TopUpParams) (*Pool, error) {
	if err := validateTopUp(p); err != nil {
		return nil, err
	}
	subject := core.PoolSubject(orgID)
	requestID := requestIDOrNew(p.RequestID)

	var pool *Pool
	err := s.withTx(ctx, subject, func(sc context.Context) error {
		if replay, err := s.findTransaction(sc, requestID); err != nil {
			return err
		} else if replay != nil {
			var gerr error
			pool, gerr = s.GetPool(sc, orgID)
			return gerr
		}

		existing, err := s.GetPool(sc, orgID)
		if err != nil {
			return err
		}
		if existing == nil || !existing.Active {
			return core.NewUnknownSubjectError(subject)
		}

		before := existing.AvailableCredits
		existing.TotalCredits = existing.TotalCredits.Add(p.Amount)
		existing.AvailableCredits = existing.AvailableCredits.Add(p.Amount)

		if _, err := s.pools.UpdateOne(sc, bson.M{"org_id": orgID}, bson.M{"$set": bson.M{
			"total_credits":     existing.TotalCredits.String(),
			"available_credits": existing.AvailableCredits.String(),
			"updated_at":        time.Now().UTC(),
		}}); err != nil {
			return fmt.Errorf("failed to update pool: %w", err)
		}

		metadata := map[string]any{}
		if p.Source != "" {
			metadata[core.MetaSource] = p.Source
		}
		entry := newLedgerEntry(subject, p.Type, p.Amount, before, existing.AvailableCredits, "", requestID, metadata)
		if err := s.insertTransaction(sc, entry); err != nil {
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

func (s *MongoDBStore) AllocateToUser(ctx context.Context, orgID, userID string, amount decimal.Decimal, requestID string) (*Allocation, error) {
	if amount.Sign() <= 0 {
		return nil, core.NewInvalidAmountError("allocation amount must be positive")
	}
	subject := core.MemberSubject(orgID, userID)
	requestID = requestIDOrNew(requestID)

	var alloc *Allocation
	err := s.withTx(ctx, subject, func(sc context.Context) error {
		if replay, err := s.findTransaction(sc, requestID+memberSideSuffix); err != nil {
			return err
		} else if replay != nil {
			var gerr error
			alloc, gerr = s.GetAllocation(sc, orgID, userID)
			return gerr
		}

		pool, err := s.GetPool(sc, orgID)
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

		current, err := s.ensureAllocation(sc, orgID, userID)
		if err != nil {
			return err
		}

		poolBefore := pool.AvailableCredits
		memberBefore := current.Remaining()
		pool.AvailableCredits = pool.AvailableCredits.Sub(amount)
		current.AllocatedCredits = current.AllocatedCredits.Add(amount)

		now := time.Now().UTC()
		if _, err := s.pools.UpdateOne(sc, bson.M{"org_id": orgID}, bson.M{"$set": bson.M{
			"available_credits": pool.AvailableCredits.String(),
			"updated_at":        now,
		}}); err != nil {
			return fmt.Errorf("failed to update pool: %w", err)
		}
		if _, err := s.allocations.UpdateOne(sc,
			bson.M{"org_id": orgID, "user_id": userID},
			bson.M{"$set": bson.M{
				"allocated_credits": current.AllocatedCredits.String(),
				"updated_at":        now,
			}}); err != nil {
			return fmt.Errorf("failed to update allocation: %w", err)
		}

		poolEntry := newLedgerEntry(core.PoolSubject(orgID), core.TransactionAllocation,
			amount.Neg(), poolBefore, pool.AvailableCredits, "", requestID+poolSideSuffix,
			map[string]any{"member": userID})
		memberEntry := newLedgerEntry(subject, core.TransactionAllocation,
			amount, memberBefore, current.Remaining(), "", requestID+memberSideSuffix, nil)
		if err := s.insertTransaction(sc, poolEntry); err != nil {
			return err
		}
		if err := s.insertTransaction(sc, memberEntry); err != nil {
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

func (s *MongoDBStore) ReduceAllocation(ctx context.Context, orgID, userID string, amount decimal.Decimal, requestID string) (*Allocation, error) {
	if amount.Sign() <= 0 {
		return nil, core.NewInvalidAmountError("reduction amount must be positive")
	}
	subject := core.MemberSubject(orgID, userID)
	requestID = requestIDOrNew(requestID)

	var alloc *Allocation
	err := s.withTx(ctx, subject, func(sc context.Context) error {
		if replay, err := s.findTransaction(sc, requestID+memberSideSuffix); err != nil {
			return err
		} else if replay != nil {
			var gerr error
			alloc, gerr = s.GetAllocation(sc, orgID, userID)
			return gerr
		}

		pool, err := s.GetPool(sc, orgID)
		if err != nil {
			return err
		}
		if pool == nil {
			return core.NewUnknownSubjectError(core.PoolSubject(orgID))
		}
		current, err := s.GetAllocation(sc, orgID, userID)
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
		if _, err := s.pools.UpdateOne(sc, bson.M{"org_id": orgID}, bson.M{"$set": bson.M{
			"available_credits": pool.AvailableCredits.String(),
			"updated_at":        now,
		}}); err != nil {
			return fmt.Errorf("failed to update pool: %w", err)
		}
		if _, err := s.allocations.UpdateOne(sc,
			bson.M{"org_id": orgID, "user_id": userID},
			bson.M{"$set": bson.M{
				"allocated_credits": current.AllocatedCredits.String(),
				"updated_at":        now,
			}}); err != nil {
			return fmt.Errorf("failed to update allocation: %w", err)
		}

		memberEntry := newLedgerEntry(subject, core.TransactionAllocation,
			amount.Neg(), memberBefore, current.Remaining(), "", requestID+memberSideSuffix,
			map[string]any{"direction": "reduce"})
		poolEntry := newLedgerEntry(core.PoolSubject(orgID), core.TransactionAllocation,
			amount, poolBefore, pool.AvailableCredits, "", requestID+poolSideSuffix,
			map[string]any{"direction": "reduce", "member": userID})
		if err := s.insertTransaction(sc, memberEntry); err != nil {
			return err
		}
		if err := s.insertTransaction(sc, poolEntry); err != nil {
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

func (s *MongoDBStore) TopUpIndividual(ctx context.Context, userID string, p TopUpParams) (*IndividualBalance, error) {
	if err := validateTopUp(p); err != nil {
		return nil, err
	}
	subject := core.IndividualSubject(userID)
	requestID := requestIDOrNew(p.RequestID)

	var balance *IndividualBalance
	err := s.withTx(ctx, subject, func(sc context.Context) error {
		if replay, err := s.findTransaction(sc, requestID); err != nil {
			return err
		} else if replay != nil {
			var gerr error
			balance, gerr = s.GetIndividual(sc, userID)
			return gerr
		}

		current, err := s.ensureIndividual(sc, userID)
		if err != nil {
			return err
		}

		before := current.Balance
		current.Balance = current.Balance.Add(p.Amount)

		if _, err := s.balances.UpdateOne(sc, bson.M{"user_id": userID}, bson.M{"$set": bson.M{
			"balance":    current.Balance.String(),
			"updated_at": time.Now().UTC(),
		}}); err != nil {
			return fmt.Errorf("failed to update balance: %w", err)
		}

		metadata := map[string]any{}
		if p.Source != "" {
			metadata[core.MetaSource] = p.Source
		}
		entry := newLedgerEntry(subject, p.Type, p.Amount, before, current.Balance, "", requestID, metadata)
		if err := s.insertTransaction(sc, entry); err != nil {
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

func (s *MongoDBStore) SetIndividualLimits(ctx context.Context, userID string, p LimitParams) (*IndividualBalance, error) {
	subject := core.IndividualSubject(userID)

	var balance *IndividualBalance
	err := s.withTx(ctx, subject, func(sc context.Context) error {
		current, err := s.ensureIndividual(sc, userID)
		if err != nil {
			return err
		}
		applyLimits(current, p)

		update := bson.M{"tier": current.Tier, "updated_at": time.Now().UTC()}
		if current.MonthlyCap != nil {
			update["monthly_cap"] = current.MonthlyCap.String()
		}
		ops := bson.M{"$set": update}
		if current.MonthlyCap == nil {
			ops["$unset"] = bson.M{"monthly_cap": ""}
		}
		if _, err := s.balances.UpdateOne(sc, bson.M{"user_id": userID}, ops); err != nil {
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

func (s *MongoDBStore) Deduct(ctx context.Context, p DeductParams) (*DeductionResult, error) {
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
	err := s.withTx(ctx, p.Subject, func(sc context.Context) error {
		if replay, err := s.findTransaction(sc, p.RequestID); err != nil {
			return err
		} else if replay != nil {
			result = replayedResult(replay)
			return nil
		}

		if p.Subject.Scope() == core.ScopeOrganization {
			alloc, err := s.GetAllocation(sc, p.Subject.OrgID, p.Subject.UserID)
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
			if _, err := s.allocations.UpdateOne(sc,
				bson.M{"org_id": p.Subject.OrgID, "user_id": p.Subject.UserID},
				bson.M{"$set": bson.M{
					"consumed_credits": alloc.ConsumedCredits.String(),
					"updated_at":       time.Now().UTC(),
				}}); err != nil {
				return fmt.Errorf("failed to update allocation: %w", err)
			}

			entry := newLedgerEntry(p.Subject, core.TransactionDeduction,
				p.Amount.Neg(), remaining, alloc.Remaining(), p.ServiceName, p.RequestID, p.Metadata)
			if err := s.insertTransaction(sc, entry); err != nil {
				return err
			}
			result = &DeductionResult{Transaction: entry, Remaining: alloc.Remaining()}
			return nil
		}

		balance, err := s.GetIndividual(sc, p.Subject.UserID)
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

		if _, err := s.balances.UpdateOne(sc, bson.M{"user_id": p.Subject.UserID}, bson.M{"$set": bson.M{
			"balance":          balance.Balance.String(),
			"monthly_consumed": balance.MonthlyConsumed.String(),
			"last_reset_at":    balance.LastResetAt,
			"updated_at":       now,
		}}); err != nil {
			return fmt.Errorf("failed to update balance: %w", err)
		}

		entry := newLedgerEntry(p.Subject, core.TransactionDeduction,
			p.Amount.Neg(), before, balance.Balance, p.ServiceName, p.RequestID, p.Metadata)
		if err := s.insertTransaction(sc, entry); err != nil {
			return err
		}
		result = &DeductionResult{Transaction: entry, Remaining: balance.Balance}
		return nil
	})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return s.replayResult(ctx, p.RequestID)
		}
		return nil, err
	}
	return result, nil
}

func (s *MongoDBStore) Refund(ctx context.Context, p RefundParams) (*DeductionResult, error) {
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
	err := s.withTx(ctx, p.Subject, func(sc context.Context) error {
		if replay, err := s.findTransaction(sc, requestID); err != nil {
			return err
		} else if replay != nil {
			result = replayedResult(replay)
			return nil
		}

		now := time.Now().UTC()
		if p.Subject.Scope() == core.ScopeOrganization {
			alloc, err := s.GetAllocation(sc, p.Subject.OrgID, p.Subject.UserID)
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
			if _, err := s.allocations.UpdateOne(sc,
				bson.M{"org_id": p.Subject.OrgID, "user_id": p.Subject.UserID},
				bson.M{"$set": bson.M{
					"consumed_credits": alloc.ConsumedCredits.String(),
					"updated_at":       now,
				}}); err != nil {
				return fmt.Errorf("failed to update allocation: %w", err)
			}

			entry := newLedgerEntry(p.Subject, core.TransactionRefund,
				p.Amount, before, alloc.Remaining(), p.ServiceName, requestID, metadata)
			if err := s.insertTransaction(sc, entry); err != nil {
				return err
			}
			result = &DeductionResult{Transaction: entry, Remaining: alloc.Remaining()}
			return nil
		}

		balance, err := s.GetIndividual(sc, p.Subject.UserID)
		if err != nil {
			return err
		}
		if balance == nil {
			return core.NewUnknownSubjectError(p.Subject)
		}

		before := balance.Balance
		balance.Balance = balance.Balance.Add(p.Amount)
		balance.MonthlyConsumed = decimal.Max(decimal.Zero, balance.MonthlyConsumed.Sub(p.Amount))
		if _, err := s.balances.UpdateOne(sc, bson.M{"user_id": p.Subject.UserID}, bson.M{"$set": bson.M{
			"balance":          balance.Balance.String(),
			"monthly_consumed": balance.MonthlyConsumed.String(),
			"updated_at":       now,
		}}); err != nil {
			return fmt.Errorf("failed to update balance: %w", err)
		}

		entry := newLedgerEntry(p.Subject, core.TransactionRefund,
			p.Amount, before, balance.Balance, p.ServiceName, requestID, metadata)
		if err := s.insertTransaction(sc, entry); err != nil {
			return err
		}
		result = &DeductionResult{Transaction: entry, Remaining: balance.Balance}
		return nil
	})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return s.replayResult(ctx, requestID)
		}
		return nil, err
	}
	return result, nil
}

func (s *MongoDBStore) replayResult(ctx context.Context, requestID string) (*DeductionResult, error) {
	entry, err := s.FindTransaction(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, fmt.Errorf("request %s conflicted but its transaction is missing", requestID)
	}
	return replayedResult(entry), nil
}

func (s *MongoDBStore) GetPool(ctx context.Context, orgID string) (*Pool, error) {
	var doc mongoPoolDoc
	err := s.pools.FindOne(ctx, bson.M{"org_id": orgID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query pool: %w", err)
	}

	pool := &Pool{
		OrgID:     doc.OrgID,
		Active:    doc.Active,
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
	}
	if pool.TotalCredits, err = decimal.NewFromString(doc.TotalCredits); err != nil {
		return nil, fmt.Errorf("invalid total_credits: %w", err)
	}
	if pool.AvailableCredits, err = decimal.NewFromString(doc.AvailableCredits); err != nil {
		return nil, fmt.Errorf("invalid available_credits: %w", err)
	}
	return pool, nil
}

func (s *MongoDBStore) GetAllocation(ctx context.Context, orgID, userID string) (*Allocation, error) {
	var doc mongoAllocationDoc
	err := s.allocations.FindOne(ctx, bson.M{"org_id": orgID, "user_id": userID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query allocation: %w", err)
	}

	alloc := &Allocation{
		OrgID:     doc.OrgID,
		UserID:    doc.UserID,
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
	}
	if alloc.AllocatedCredits, err = decimal.NewFromString(doc.AllocatedCredits); err != nil {
		return nil, fmt.Errorf("invalid allocated_credits: %w", err)
	}
	if alloc.ConsumedCredits, err = decimal.NewFromString(doc.ConsumedCredits); err != nil {
		return nil, fmt.Errorf("invalid consumed_credits: %w", err)
	}
	return alloc, nil
}

func (s *MongoDBStore) GetIndividual(ctx context.Context, userID string) (*IndividualBalance, error) {
	var doc mongoBalanceDoc
	err := s.balances.FindOne(ctx, bson.M{"user_id": userID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query balance: %w", err)
	}

	bal := &IndividualBalance{
		UserID:      doc.UserID,
		Tier:        doc.Tier,
		LastResetAt: doc.LastResetAt,
		CreatedAt:   doc.CreatedAt,
		UpdatedAt:   doc.UpdatedAt,
	}
	if bal.Balance, err = decimal.NewFromString(doc.Balance); err != nil {
		return nil, fmt.Errorf("invalid balance: %w", err)
	}
	if bal.MonthlyConsumed, err = decimal.NewFromString(doc.MonthlyConsumed); err != nil {
		return nil, fmt.Errorf("invalid monthly_consumed: %w", err)
	}
	if doc.MonthlyCap != nil {
		parsed, perr := decimal.NewFromString(*doc.MonthlyCap)
		if perr != nil {
			return nil, fmt.Errorf("invalid monthly_cap: %w", perr)
		}
		bal.MonthlyCap = &parsed
	}
	return bal, nil
}

func (s *MongoDBStore) ensureAllocation(ctx context.Context, orgID, userID string) (*Allocation, error) {
	now := time.Now().UTC()
	if _, err := s.allocations.UpdateOne(ctx,
		bson.M{"org_id": orgID, "user_id": userID},
		bson.M{"$setOnInsert": mongoAllocationDoc{
			OrgID: orgID, UserID: userID,
			AllocatedCredits: "0", ConsumedCredits: "0",
			CreatedAt: now, UpdatedAt: now,
		}},
		options.UpdateOne().SetUpsert(true)); err != nil {
		return nil, fmt.Errorf("failed to ensure allocation: %w", err)
	}
	return s.GetAllocation(ctx, orgID, userID)
}

func (s *MongoDBStore) ensureIndividual(ctx context.Context, userID string) (*IndividualBalance, error) {
	now := time.Now().UTC()
	if _, err := s.balances.UpdateOne(ctx,
		bson.M{"user_id": userID},
		bson.M{"$setOnInsert": mongoBalanceDoc{
			UserID: userID, Balance: "0", Tier: "standard",
			MonthlyConsumed: "0", LastResetAt: now,
			CreatedAt: now, UpdatedAt: now,
		}},
		options.UpdateOne().SetUpsert(true)); err != nil {
		return nil, fmt.Errorf("failed to ensure balance: %w", err)
	}
	return s.GetIndividual(ctx, userID)
}

func (s *MongoDBStore) insertTransaction(ctx context.Context, entry *core.Transaction) error {
	doc := mongoTransactionDoc{
		ID:            entry.ID,
		OrgID:         entry.Subject.OrgID,
		UserID:        entry.Subject.UserID,
		Type:          string(entry.Type),
		SignedAmount:  entry.SignedAmount.String(),
		BalanceBefore: entry.BalanceBefore.String(),
		BalanceAfter:  entry.BalanceAfter.String(),
		ServiceName:   entry.ServiceName,
		RequestID:     entry.RequestID,
		Metadata:      entry.Metadata,
		CreatedAt:     entry.CreatedAt,
	}
	if _, err := s.transactions.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return nil
}

func (s *MongoDBStore) FindTransaction(ctx context.Context, requestID string) (*core.Transaction, error) {
	return s.findTransaction(ctx, requestID)
}

func (s *MongoDBStore) findTransaction(ctx context.Context, requestID string) (*core.Transaction, error) {
	var doc mongoTransactionDoc
	err := s.transactions.FindOne(ctx, bson.M{"request_id": requestID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query transaction: %w", err)
	}

	entry := &core.Transaction{
		ID:          doc.ID,
		Subject:     core.SubjectRef{OrgID: doc.OrgID, UserID: doc.UserID},
		Type:        core.TransactionType(doc.Type),
		ServiceName: doc.ServiceName,
		RequestID:   doc.RequestID,
		Metadata:    doc.Metadata,
		CreatedAt:   doc.CreatedAt,
	}
	if entry.SignedAmount, err = decimal.NewFromString(doc.SignedAmount); err != nil {
		return nil, fmt.Errorf("invalid signed_amount: %w", err)
	}
	if entry.BalanceBefore, err = decimal.NewFromString(doc.BalanceBefore); err != nil {
		return nil, fmt.Errorf("invalid balance_before: %w", err)
	}
	if entry.BalanceAfter, err = decimal.NewFromString(doc.BalanceAfter); err != nil {
		return nil, fmt.Errorf("invalid balance_after: %w", err)
	}
	return entry, nil
}

func (s *MongoDBStore) ReplayBalance(ctx context.Context, subject core.SubjectRef) (decimal.Decimal, error) {
	cursor, err := s.transactions.Find(ctx, bson.M{"org_id": subject.OrgID, "user_id": subject.UserID})
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to replay ledger: %w", err)
	}
	defer cursor.Close(ctx)

	// Amounts are stored as decimal strings, so the sum happens in Go.
	sum := decimal.Zero
	for cursor.Next(ctx) {
		var doc mongoTransactionDoc
		if err := cursor.Decode(&doc); err != nil {
			return decimal.Zero, fmt.Errorf("failed to decode ledger entry: %w", err)
		}
		amount, err := decimal.NewFromString(doc.SignedAmount)
		if err != nil {
			return decimal.Zero, fmt.Errorf("invalid signed_amount: %w", err)
		}
		sum = sum.Add(amount)
	}
	if err := cursor.Err(); err != nil {
		return decimal.Zero, fmt.Errorf("failed to replay ledger: %w", err)
	}
	return sum, nil
}

// Close is a no-op; the mongo client is owned by the storage layer.
func (s *MongoDBStore) Close() error {
	return nil
}

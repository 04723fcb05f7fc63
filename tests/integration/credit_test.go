//go:build integration

package integration

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"creditmeter/internal/core"
	"creditmeter/internal/credit"
)

func newPGStore(t *testing.T) credit.Store {
	t.Helper()
	store, err := credit.NewPostgreSQLStore(pgPool, credit.Config{LockTimeout: 5 * time.Second})
	require.NoError(t, err)
	return store
}

func newMongoStore(t *testing.T) credit.Store {
	t.Helper()
	store, err := credit.NewMongoDBStore(mongoClient, mongoDatabase, credit.Config{LockTimeout: 5 * time.Second})
	require.NoError(t, err)
	return store
}

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}

// uniqueID keeps tests isolated on the shared database.
func uniqueID(prefix string) string {
	return prefix + "-" + uuid.New().String()[:8]
}

func seedAllocation(t *testing.T, store credit.Store, orgID, userID string, poolCredits, allocated string) {
	t.Helper()
	ctx := GetTestContext()
	_, err := store.CreatePool(ctx, orgID)
	require.NoError(t, err)
	_, err = store.AddToPool(ctx, orgID, credit.TopUpParams{
		Amount: dec(t, poolCredits),
		Type:   core.TransactionPurchase,
		Source: "test",
	})
	require.NoError(t, err)
	_, err = store.AllocateToUser(ctx, orgID, userID, dec(t, allocated), "")
	require.NoError(t, err)
}

func TestPostgreSQLConcurrentDeductions(t *testing.T) {
	store := newPGStore(t)
	ctx := GetTestContext()

	orgID := uniqueID("org")
	userID := uniqueID("alice")
	seedAllocation(t, store, orgID, userID, "1000", "100")

	// 10 workers race for a 100 credit allocation at 30 each.
	// Exactly 3 can win; the rest must see insufficient credits.
	const workers = 10
	var wg sync.WaitGroup
	results := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := store.Deduct(ctx, credit.DeductParams{
				Subject:     core.MemberSubject(orgID, userID),
				Amount:      dec(t, "30"),
				ServiceName: "llm_inference",
				RequestID:   fmt.Sprintf("%s-race-%d", orgID, n),
			})
			results[n] = err
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range results {
		if err == nil {
			succeeded++
		} else {
			assert.True(t, core.IsCode(err, core.CodeInsufficientCredits),
				"losers must fail with insufficient_credits, got %v", err)
		}
	}
	assert.Equal(t, 3, succeeded)

	alloc, err := store.GetAllocation(ctx, orgID, userID)
	require.NoError(t, err)
	assert.True(t, alloc.Remaining().Equal(dec(t, "10")),
		"remaining = %s", alloc.Remaining())
}

func TestPostgreSQLConcurrentSameRequestID(t *testing.T) {
	store := newPGStore(t)
	ctx := GetTestContext()

	userID := uniqueID("bob")
	_, err := store.TopUpIndividual(ctx, userID, credit.TopUpParams{
		Amount: dec(t, "100"),
		Type:   core.TransactionPurchase,
	})
	require.NoError(t, err)

	// Duplicate submissions of one request must deduct exactly once.
	requestID := uniqueID("req")
	const workers = 8
	var wg sync.WaitGroup
	results := make([]*credit.DeductionResult, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			results[n], errs[n] = store.Deduct(ctx, credit.DeductParams{
				Subject:     core.IndividualSubject(userID),
				Amount:      dec(t, "25"),
				ServiceName: "llm_inference",
				RequestID:   requestID,
			})
		}(i)
	}
	wg.Wait()

	fresh := 0
	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		require.NotNil(t, results[i].Transaction)
		if !results[i].Replayed {
			fresh++
		}
		assert.Equal(t, results[0].Transaction.ID, results[i].Transaction.ID)
		assert.True(t, results[i].Remaining.Equal(dec(t, "75")))
	}
	assert.Equal(t, 1, fresh)

	balance, err := store.GetIndividual(ctx, userID)
	require.NoError(t, err)
	assert.True(t, balance.Balance.Equal(dec(t, "75")))
}

func TestPostgreSQLAllocationConservation(t *testing.T) {
	store := newPGStore(t)
	ctx := GetTestContext()

	orgID := uniqueID("org")
	_, err := store.CreatePool(ctx, orgID)
	require.NoError(t, err)
	_, err = store.AddToPool(ctx, orgID, credit.TopUpParams{
		Amount: dec(t, "1000"),
		Type:   core.TransactionPurchase,
	})
	require.NoError(t, err)

	// Concurrent allocations to distinct members never over-commit the pool.
	const workers = 10
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, errs[n] = store.AllocateToUser(ctx, orgID,
				fmt.Sprintf("member-%d", n), dec(t, "150"), "")
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.True(t, core.IsCode(err, core.CodeInsufficientPoolCredits))
		}
	}
	assert.Equal(t, 6, succeeded, "1000 / 150 allows 6 allocations")

	pool, err := store.GetPool(ctx, orgID)
	require.NoError(t, err)
	assert.True(t, pool.AvailableCredits.Equal(dec(t, "100")))
	assert.True(t, pool.TotalCredits.Equal(dec(t, "1000")))
}

func TestPostgreSQLReplayEquivalence(t *testing.T) {
	store := newPGStore(t)
	ctx := GetTestContext()

	orgID := uniqueID("org")
	userID := uniqueID("alice")
	seedAllocation(t, store, orgID, userID, "500", "200")

	subject := core.MemberSubject(orgID, userID)
	_, err := store.Deduct(ctx, credit.DeductParams{
		Subject: subject, Amount: dec(t, "75.5"),
		ServiceName: "llm_inference", RequestID: uniqueID("req"),
	})
	require.NoError(t, err)
	_, err = store.Deduct(ctx, credit.DeductParams{
		Subject: subject, Amount: dec(t, "0.25"),
		ServiceName: "llm_inference", RequestID: uniqueID("req"),
	})
	require.NoError(t, err)
	_, err = store.Refund(ctx, credit.RefundParams{
		Subject: subject, Amount: dec(t, "10"),
		ServiceName: "llm_inference", RequestID: uniqueID("refund"),
	})
	require.NoError(t, err)

	alloc, err := store.GetAllocation(ctx, orgID, userID)
	require.NoError(t, err)
	replayed, err := store.ReplayBalance(ctx, subject)
	require.NoError(t, err)
	assert.True(t, replayed.Equal(alloc.Remaining()),
		"ledger replay %s != stored %s", replayed, alloc.Remaining())

	poolReplayed, err := store.ReplayBalance(ctx, core.PoolSubject(orgID))
	require.NoError(t, err)
	pool, err := store.GetPool(ctx, orgID)
	require.NoError(t, err)
	assert.True(t, poolReplayed.Equal(pool.AvailableCredits))
}

func TestMongoDBDeductionFlow(t *testing.T) {
	store := newMongoStore(t)
	ctx := GetTestContext()

	orgID := uniqueID("org")
	userID := uniqueID("alice")
	seedAllocation(t, store, orgID, userID, "1000", "200")

	requestID := uniqueID("req")
	result, err := store.Deduct(ctx, credit.DeductParams{
		Subject:     core.MemberSubject(orgID, userID),
		Amount:      dec(t, "50"),
		ServiceName: "llm_inference",
		RequestID:   requestID,
		Metadata:    map[string]any{core.MetaModel: "gpt-4o"},
	})
	require.NoError(t, err)
	assert.False(t, result.Replayed)
	assert.True(t, result.Remaining.Equal(dec(t, "150")))

	// Replay returns the recorded outcome unchanged.
	replay, err := store.Deduct(ctx, credit.DeductParams{
		Subject:     core.MemberSubject(orgID, userID),
		Amount:      dec(t, "50"),
		ServiceName: "llm_inference",
		RequestID:   requestID,
	})
	require.NoError(t, err)
	assert.True(t, replay.Replayed)
	assert.Equal(t, result.Transaction.ID, replay.Transaction.ID)
	assert.True(t, replay.Remaining.Equal(dec(t, "150")))

	// Pool available is untouched by member spend.
	pool, err := store.GetPool(ctx, orgID)
	require.NoError(t, err)
	assert.True(t, pool.AvailableCredits.Equal(dec(t, "800")))
}

func TestMongoDBConcurrentDeductions(t *testing.T) {
	store := newMongoStore(t)
	ctx := GetTestContext()

	userID := uniqueID("bob")
	_, err := store.TopUpIndividual(ctx, userID, credit.TopUpParams{
		Amount: dec(t, "100"),
		Type:   core.TransactionPurchase,
	})
	require.NoError(t, err)

	const workers = 10
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, errs[n] = store.Deduct(ctx, credit.DeductParams{
				Subject:     core.IndividualSubject(userID),
				Amount:      dec(t, "30"),
				ServiceName: "llm_inference",
				RequestID:   fmt.Sprintf("%s-race-%d", userID, n),
			})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.True(t, core.IsCode(err, core.CodeInsufficientCredits), "got %v", err)
		}
	}
	assert.Equal(t, 3, succeeded)

	balance, err := store.GetIndividual(ctx, userID)
	require.NoError(t, err)
	assert.True(t, balance.Balance.Equal(dec(t, "10")))
}

func TestMongoDBReplayEquivalence(t *testing.T) {
	store := newMongoStore(t)
	ctx := GetTestContext()

	userID := uniqueID("carol")
	subject := core.IndividualSubject(userID)
	_, err := store.TopUpIndividual(ctx, userID, credit.TopUpParams{
		Amount: dec(t, "250"),
		Type:   core.TransactionPurchase,
	})
	require.NoError(t, err)
	_, err = store.Deduct(ctx, credit.DeductParams{
		Subject: subject, Amount: dec(t, "33.33"),
		ServiceName: "llm_inference", RequestID: uniqueID("req"),
	})
	require.NoError(t, err)
	_, err = store.Refund(ctx, credit.RefundParams{
		Subject: subject, Amount: dec(t, "3.33"),
		ServiceName: "llm_inference", RequestID: uniqueID("refund"),
	})
	require.NoError(t, err)

	balance, err := store.GetIndividual(ctx, userID)
	require.NoError(t, err)
	replayed, err := store.ReplayBalance(ctx, subject)
	require.NoError(t, err)
	assert.True(t, replayed.Equal(balance.Balance),
		"ledger replay %s != stored %s", replayed, balance.Balance)
}

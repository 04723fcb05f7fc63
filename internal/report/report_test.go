package report

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"creditmeter/internal/cache"
	"creditmeter/internal/core"
	"creditmeter/internal/credit"
	"creditmeter/internal/storage"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// newLedgerFixture opens a SQLite store, runs a small spend history through
// it, and returns a reader over the same database.
func newLedgerFixture(t *testing.T) *SQLiteReader {
	t.Helper()
	st, err := storage.NewSQLite(storage.SQLiteConfig{Path: filepath.Join(t.TempDir(), "report.db")})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	store, err := credit.NewSQLiteStore(st.SQLiteDB(), credit.DefaultConfig())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = store.CreatePool(ctx, "org-1")
	require.NoError(t, err)
	_, err = store.AddToPool(ctx, "org-1", credit.TopUpParams{Amount: dec("1000"), Type: core.TransactionPurchase})
	require.NoError(t, err)
	_, err = store.AllocateToUser(ctx, "org-1", "alice", dec("300"), "")
	require.NoError(t, err)
	_, err = store.AllocateToUser(ctx, "org-1", "dave", dec("200"), "")
	require.NoError(t, err)

	deduct := func(subject core.SubjectRef, amount, service, model, requestID string) {
		t.Helper()
		_, err := store.Deduct(ctx, credit.DeductParams{
			Subject:     subject,
			Amount:      dec(amount),
			ServiceName: service,
			RequestID:   requestID,
			Metadata:    map[string]any{core.MetaModel: model, core.MetaProvider: "openai"},
		})
		require.NoError(t, err)
	}
	deduct(core.MemberSubject("org-1", "alice"), "50", "llm_inference", "gpt-4o", "r1")
	deduct(core.MemberSubject("org-1", "alice"), "30", "llm_inference", "gpt-4o-mini", "r2")
	deduct(core.MemberSubject("org-1", "dave"), "40", "embedding", "text-embed", "r3")

	_, err = store.Refund(ctx, credit.RefundParams{
		Subject:           core.MemberSubject("org-1", "alice"),
		Amount:            dec("10"),
		ServiceName:       "llm_inference",
		OriginalRequestID: "r1",
		Metadata:          map[string]any{core.MetaModel: "gpt-4o", core.MetaProvider: "openai"},
	})
	require.NoError(t, err)

	_, err = store.TopUpIndividual(ctx, "bob", credit.TopUpParams{Amount: dec("100"), Type: core.TransactionPurchase})
	require.NoError(t, err)
	deduct(core.IndividualSubject("bob"), "25", "llm_inference", "gpt-4o", "r4")

	reader, err := NewSQLiteReader(st.SQLiteDB())
	require.NoError(t, err)
	return reader
}

func TestUsageOrgRollup(t *testing.T) {
	reader := newLedgerFixture(t)

	summary, err := reader.Usage(context.Background(), Query{Subject: core.PoolSubject("org-1")})
	require.NoError(t, err)

	assert.EqualValues(t, 4, summary.Count, "three deductions plus one refund")
	assert.True(t, summary.Deducted.Equal(dec("120")), "deducted = %s", summary.Deducted)
	assert.True(t, summary.Refunded.Equal(dec("10")))
	assert.True(t, summary.Net.Equal(dec("110")))
	assert.Empty(t, summary.Breakdown)
}

func TestUsageMemberScope(t *testing.T) {
	reader := newLedgerFixture(t)

	summary, err := reader.Usage(context.Background(), Query{Subject: core.MemberSubject("org-1", "alice")})
	require.NoError(t, err)
	assert.True(t, summary.Net.Equal(dec("70")), "alice net = %s", summary.Net)

	// Individual spend never leaks into org rollups and vice versa.
	summary, err = reader.Usage(context.Background(), Query{Subject: core.IndividualSubject("bob")})
	require.NoError(t, err)
	assert.True(t, summary.Net.Equal(dec("25")))
}

func TestUsageGroupByUser(t *testing.T) {
	reader := newLedgerFixture(t)

	summary, err := reader.Usage(context.Background(), Query{
		Subject: core.PoolSubject("org-1"),
		GroupBy: GroupByUser,
	})
	require.NoError(t, err)
	require.Len(t, summary.Breakdown, 2)

	// Sorted by net spend, biggest first.
	assert.Equal(t, "alice", summary.Breakdown[0].Key)
	assert.True(t, summary.Breakdown[0].Net.Equal(dec("70")))
	assert.Equal(t, "dave", summary.Breakdown[1].Key)
	assert.True(t, summary.Breakdown[1].Net.Equal(dec("40")))
}

func TestUsageGroupByModel(t *testing.T) {
	reader := newLedgerFixture(t)

	summary, err := reader.Usage(context.Background(), Query{
		Subject: core.MemberSubject("org-1", "alice"),
		GroupBy: GroupByModel,
	})
	require.NoError(t, err)
	require.Len(t, summary.Breakdown, 2)
	assert.Equal(t, "gpt-4o", summary.Breakdown[0].Key)
	assert.True(t, summary.Breakdown[0].Net.Equal(dec("40")), "50 spent minus 10 refunded")
}

func TestUsageGroupByMonth(t *testing.T) {
	reader := newLedgerFixture(t)

	summary, err := reader.Usage(context.Background(), Query{
		Subject: core.PoolSubject("org-1"),
		GroupBy: GroupByMonth,
	})
	require.NoError(t, err)

	// The whole fixture was written just now, so it lands in one month.
	require.Len(t, summary.Breakdown, 1)
	assert.Equal(t, time.Now().UTC().Format("2006-01"), summary.Breakdown[0].Key)
	assert.True(t, summary.Breakdown[0].Net.Equal(dec("110")))
}

func TestUsageWindow(t *testing.T) {
	reader := newLedgerFixture(t)

	// A window entirely in the past matches nothing.
	past := time.Now().UTC().Add(-24 * time.Hour)
	summary, err := reader.Usage(context.Background(), Query{
		Subject: core.PoolSubject("org-1"),
		To:      past,
	})
	require.NoError(t, err)
	assert.EqualValues(t, 0, summary.Count)
	assert.True(t, summary.Net.IsZero())
}

func TestUsageRejectsBadQuery(t *testing.T) {
	reader := newLedgerFixture(t)

	_, err := reader.Usage(context.Background(), Query{Subject: core.SubjectRef{}})
	assert.Error(t, err)

	_, err = reader.Usage(context.Background(), Query{
		Subject: core.PoolSubject("org-1"),
		GroupBy: "color",
	})
	assert.Error(t, err)
}

// countingReader tracks how often the inner reader is hit.
type countingReader struct {
	inner Reader
	hits  int
}

func (c *countingReader) Usage(ctx context.Context, q Query) (*Summary, error) {
	c.hits++
	return c.inner.Usage(ctx, q)
}

func (c *countingReader) Close() error { return c.inner.Close() }

func TestCachedReader(t *testing.T) {
	counting := &countingReader{inner: newLedgerFixture(t)}
	cached := NewCachedReader(counting, cache.NewMemoryCache(), time.Minute, nil)

	q := Query{Subject: core.PoolSubject("org-1"), GroupBy: GroupByUser}

	first, err := cached.Usage(context.Background(), q)
	require.NoError(t, err)
	second, err := cached.Usage(context.Background(), q)
	require.NoError(t, err)

	assert.Equal(t, 1, counting.hits, "second query served from cache")
	assert.True(t, first.Net.Equal(second.Net))
	require.Len(t, second.Breakdown, len(first.Breakdown))

	// A different query shape misses the cache.
	_, err = cached.Usage(context.Background(), Query{Subject: core.PoolSubject("org-1")})
	require.NoError(t, err)
	assert.Equal(t, 2, counting.hits)
}

func TestSummarizeSkipsNonUsageEntries(t *testing.T) {
	entries := []*core.Transaction{
		{Type: core.TransactionPurchase, SignedAmount: dec("100")},
		{Type: core.TransactionAllocation, SignedAmount: dec("-50")},
		{Type: core.TransactionDeduction, SignedAmount: dec("-20")},
	}
	summary := summarize(Query{Subject: core.PoolSubject("org-1")}, entries)
	assert.EqualValues(t, 1, summary.Count)
	assert.True(t, summary.Net.Equal(dec("20")))
}

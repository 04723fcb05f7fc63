package credit

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"creditmeter/internal/core"
	"creditmeter/internal/pricing"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	rules := pricing.DefaultRules()
	rules.BaseRates["openai/gpt-4o"] = dec("0.01")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(newTestStore(t), rules, logger)
}

func TestChargePricesAndDeducts(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.TopUpIndividual(ctx, "bob", topUp("100"))
	require.NoError(t, err)

	result, err := svc.Charge(ctx, ChargeParams{
		Subject: core.IndividualSubject("bob"),
		Usage: pricing.CostRequest{
			Provider: "openai",
			Model:    "gpt-4o",
			Units:    1000,
		},
		ServiceName: "llm_inference",
		RequestID:   "charge-1",
	})
	require.NoError(t, err)

	// 0.01 × 1000 × 1.0 (balanced) × 1.10 (standard tier) = 11
	assert.True(t, result.Cost.Credits.Equal(dec("11")), "cost = %s", result.Cost.Credits)
	assert.False(t, result.Cost.RateFallback)
	assert.True(t, result.Deduction.Remaining.Equal(dec("89")))

	entry := result.Deduction.Transaction
	assert.Equal(t, "openai", entry.Metadata[core.MetaProvider])
	assert.Equal(t, "gpt-4o", entry.Metadata[core.MetaModel])
}

func TestChargeUsesStoredTier(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	tier := "enterprise"
	_, err := svc.SetIndividualLimits(ctx, "carol", LimitParams{Tier: &tier})
	require.NoError(t, err)
	_, err = svc.TopUpIndividual(ctx, "carol", topUp("100"))
	require.NoError(t, err)

	result, err := svc.Charge(ctx, ChargeParams{
		Subject:   core.IndividualSubject("carol"),
		Usage:     pricing.CostRequest{Provider: "openai", Model: "gpt-4o", Units: 1000},
		RequestID: "charge-tier",
	})
	require.NoError(t, err)

	// 0.01 × 1000 × 1.0 × 1.25 (enterprise) = 12.5
	assert.True(t, result.Cost.Credits.Equal(dec("12.5")), "cost = %s", result.Cost.Credits)
}

func TestChargeBYOKIsFreeButRecorded(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.TopUpIndividual(ctx, "bob", topUp("100"))
	require.NoError(t, err)

	result, err := svc.Charge(ctx, ChargeParams{
		Subject: core.IndividualSubject("bob"),
		Usage: pricing.CostRequest{
			Provider: "openai",
			Model:    "gpt-4o",
			Units:    50000,
			BYOK:     true,
		},
		RequestID: "charge-byok",
	})
	require.NoError(t, err)
	assert.True(t, result.Cost.Credits.IsZero())
	assert.True(t, result.Deduction.Remaining.Equal(dec("100")))

	// The usage event still lands in the ledger with its unit count.
	entry, err := svc.Store().FindTransaction(ctx, "charge-byok")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, true, entry.Metadata[core.MetaBYOK])
}

func TestChargeUnknownModelFallsBack(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.TopUpIndividual(ctx, "bob", topUp("100"))
	require.NoError(t, err)

	result, err := svc.Charge(ctx, ChargeParams{
		Subject:   core.IndividualSubject("bob"),
		Usage:     pricing.CostRequest{Provider: "acme", Model: "never-heard-of-it", Units: 1000},
		RequestID: "charge-fallback",
	})
	require.NoError(t, err)
	assert.True(t, result.Cost.RateFallback)
	// 0.001 × 1000 × 1.0 × 1.10 = 1.1
	assert.True(t, result.Cost.Credits.Equal(dec("1.1")), "cost = %s", result.Cost.Credits)
}

func TestChargeInsufficient(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.TopUpIndividual(ctx, "bob", topUp("1"))
	require.NoError(t, err)

	_, err = svc.Charge(ctx, ChargeParams{
		Subject:   core.IndividualSubject("bob"),
		Usage:     pricing.CostRequest{Provider: "openai", Model: "gpt-4o", Units: 1000},
		RequestID: "charge-broke",
	})
	assert.True(t, core.IsCode(err, core.CodeInsufficientCredits))
}

func TestHasSufficientCredits(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.TopUpIndividual(ctx, "bob", topUp("50"))
	require.NoError(t, err)

	ok, remaining, err := svc.HasSufficientCredits(ctx, core.IndividualSubject("bob"), dec("30"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, remaining.Equal(dec("50")))

	ok, _, err = svc.HasSufficientCredits(ctx, core.IndividualSubject("bob"), dec("60"))
	require.NoError(t, err)
	assert.False(t, ok)

	// Unknown subjects fail closed.
	ok, _, err = svc.HasSufficientCredits(ctx, core.IndividualSubject("ghost"), dec("1"))
	assert.False(t, ok)
	assert.True(t, core.IsCode(err, core.CodeUnknownSubject))
}

func TestBalanceShapes(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreatePool(ctx, "org-1")
	require.NoError(t, err)
	_, err = svc.TopUpPool(ctx, "org-1", topUp("1000"))
	require.NoError(t, err)
	_, err = svc.Allocate(ctx, "org-1", "alice", dec("200"), "")
	require.NoError(t, err)
	_, err = svc.TopUpIndividual(ctx, "bob", topUp("75"))
	require.NoError(t, err)

	info, err := svc.Balance(ctx, core.PoolSubject("org-1"))
	require.NoError(t, err)
	require.NotNil(t, info.Pool)
	assert.True(t, info.Remaining.Equal(dec("800")))

	info, err = svc.Balance(ctx, core.MemberSubject("org-1", "alice"))
	require.NoError(t, err)
	require.NotNil(t, info.Allocation)
	assert.True(t, info.Remaining.Equal(dec("200")))

	info, err = svc.Balance(ctx, core.IndividualSubject("bob"))
	require.NoError(t, err)
	require.NotNil(t, info.Individual)
	assert.True(t, info.Remaining.Equal(dec("75")))

	_, err = svc.Balance(ctx, core.SubjectRef{})
	assert.True(t, core.IsCode(err, core.CodeInvalidAmount))
}

func TestVerifyLedger(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.TopUpIndividual(ctx, "bob", topUp("100"))
	require.NoError(t, err)
	_, err = svc.Charge(ctx, ChargeParams{
		Subject:   core.IndividualSubject("bob"),
		Usage:     pricing.CostRequest{Provider: "openai", Model: "gpt-4o", Units: 1000},
		RequestID: "verify-1",
	})
	require.NoError(t, err)

	stored, replayed, match, err := svc.VerifyLedger(ctx, core.IndividualSubject("bob"))
	require.NoError(t, err)
	assert.True(t, match, "stored %s vs replayed %s", stored, replayed)
}

package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crowdgate/crowdgate/internal/config"
	"github.com/crowdgate/crowdgate/internal/model"
	"github.com/crowdgate/crowdgate/internal/resilience"
	"github.com/crowdgate/crowdgate/internal/store"
)

func newTestStore(t *testing.T, tier model.Tier) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	require.NoError(t, st.Migrate(ctx))
	require.NoError(t, st.UpsertTenant(ctx, &store.Tenant{ID: "t1", Name: "acme", Tier: tier}))
	return st
}

func testLimits() config.LedgerConfig {
	return config.LedgerConfig{
		Limits: map[string]map[string]int64{
			"free": {
				"classification": 3,
				"generation":     0,
			},
			"pro": {
				"classification": 100,
			},
		},
	}
}

func TestLimit(t *testing.T) {
	t.Parallel()
	c := New(nil, nil, testLimits())

	tests := []struct {
		name     string
		tier     model.Tier
		resource model.ResourceType
		want     int64
	}{
		{"configured limit", model.TierFree, model.ResourceClassification, 3},
		{"explicit zero blocks", model.TierFree, model.ResourceGeneration, 0},
		{"missing resource unlimited", model.TierFree, model.ResourceIngestion, -1},
		{"missing tier unlimited", model.TierPlus, model.ResourceClassification, -1},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, c.Limit(tc.tier, tc.resource))
		})
	}
}

func TestCheckQuotaExhaustion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t, model.TierFree)
	c := New(st, nil, testLimits())

	// Under the limit: three units pass.
	for i := 0; i < 3; i++ {
		require.NoError(t, c.CheckQuota(ctx, "t1", model.ResourceClassification))
		require.NoError(t, c.Record(ctx, "t1", model.ResourceClassification, 1, ""))
	}

	// Fourth unit is rejected with a quota policy error.
	err := c.CheckQuota(ctx, "t1", model.ResourceClassification)
	require.Error(t, err)
	policy, ok := resilience.AsPolicy(err)
	require.True(t, ok, "quota exhaustion must classify as a policy error")
	assert.Equal(t, resilience.ReasonQuota, policy.Reason)
}

func TestCheckQuotaZeroLimitBlocks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t, model.TierFree)
	c := New(st, nil, testLimits())

	err := c.CheckQuota(ctx, "t1", model.ResourceGeneration)
	require.Error(t, err)
	_, ok := resilience.AsPolicy(err)
	assert.True(t, ok)
}

func TestCheckQuotaUnlimited(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t, model.TierFree)
	c := New(st, nil, testLimits())

	for i := 0; i < 10; i++ {
		require.NoError(t, c.Record(ctx, "t1", model.ResourceIngestion, 1, ""))
	}
	assert.NoError(t, c.CheckQuota(ctx, "t1", model.ResourceIngestion))
}

func TestCheckQuotaUnknownTenant(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t, model.TierFree)
	c := New(st, nil, testLimits())

	err := c.CheckQuota(ctx, "missing", model.ResourceClassification)
	require.Error(t, err)
	_, ok := resilience.AsPolicy(err)
	assert.False(t, ok, "a store miss is not a quota denial")
}

func TestRecordIdempotency(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t, model.TierPro)
	c := New(st, nil, testLimits())

	// Same idempotency key meters once across redeliveries.
	for i := 0; i < 3; i++ {
		require.NoError(t, c.Record(ctx, "t1", model.ResourceClassification, 1, "classify:c1"))
	}
	require.NoError(t, c.Record(ctx, "t1", model.ResourceClassification, 1, "classify:c2"))

	total, err := st.UsageTotal(ctx, "t1", model.ResourceClassification, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
}

func TestUsageCountsCurrentPeriodOnly(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t, model.TierFree)
	c := New(st, nil, testLimits())

	// Spend last month's allowance.
	c.nowFunc = func() time.Time { return time.Date(2026, 7, 15, 0, 0, 0, 0, time.UTC) }
	for i := 0; i < 3; i++ {
		require.NoError(t, c.Record(ctx, "t1", model.ResourceClassification, 1, ""))
	}

	// The new period starts fresh.
	c.nowFunc = func() time.Time { return time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC) }
	assert.NoError(t, c.CheckQuota(ctx, "t1", model.ResourceClassification))
}

func TestCheckAccounts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t, model.TierFree)
	c := New(st, nil, config.LedgerConfig{
		Limits: map[string]map[string]int64{
			"free": {"accounts": 2},
		},
	})

	// Slots within the cap pass; the one past it is a policy skip.
	assert.NoError(t, c.CheckAccounts(ctx, "t1", 1))
	assert.NoError(t, c.CheckAccounts(ctx, "t1", 2))

	err := c.CheckAccounts(ctx, "t1", 3)
	pe, ok := resilience.AsPolicy(err)
	require.True(t, ok)
	assert.Equal(t, resilience.ReasonQuota, pe.Reason)
}

func TestCheckAccountsUnlimited(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t, model.TierFree)

	// No accounts entry for the tier means no cap.
	c := New(st, nil, testLimits())
	assert.NoError(t, c.CheckAccounts(ctx, "t1", 50))
}

// Package ledger enforces per-tenant resource quotas. Every metered
// pipeline stage asks CheckQuota before spending and Record after, so a
// tenant over its monthly allowance stops consuming paid resources
// before the spend happens, not after.
package ledger

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/crowdgate/crowdgate/internal/config"
	"github.com/crowdgate/crowdgate/internal/model"
	"github.com/crowdgate/crowdgate/internal/resilience"
	"github.com/crowdgate/crowdgate/internal/store"
)

// counterTTL keeps monthly counters around past the period boundary so a
// late Record in the old period still lands on a live key.
const counterTTL = 35 * 24 * time.Hour

// CostControl meters resource consumption against per-tier monthly
// allowances. Counters live in redis for cheap reads; the append-only
// usage_records table in the store is the source of truth and backfills
// the counter after a redis flush or failover.
type CostControl struct {
	store  store.Store
	rdb    *redis.Client // nil when redis is disabled
	limits map[string]map[string]int64

	nowFunc func() time.Time
}

// New builds a CostControl. rdb may be nil; quota reads then always hit
// the store.
func New(st store.Store, rdb *redis.Client, cfg config.LedgerConfig) *CostControl {
	return &CostControl{
		store:   st,
		rdb:     rdb,
		limits:  cfg.Limits,
		nowFunc: func() time.Time { return time.Now().UTC() },
	}
}

// Limit returns the monthly allowance for a tier and resource. A missing
// tier or resource entry means unlimited (-1); an explicit zero means
// blocked.
func (c *CostControl) Limit(tier model.Tier, resource model.ResourceType) int64 {
	byResource, ok := c.limits[string(tier)]
	if !ok {
		return -1
	}
	limit, ok := byResource[string(resource)]
	if !ok {
		return -1
	}
	return limit
}

// CheckQuota returns nil when the tenant may consume one more unit of
// the resource in the current billing period, and a PolicyError with
// reason "quota" when the allowance is exhausted. Backend errors are
// returned as-is so the caller retries instead of silently allowing or
// denying.
func (c *CostControl) CheckQuota(ctx context.Context, tenantID string, resource model.ResourceType) error {
	tenant, err := c.store.GetTenant(ctx, tenantID)
	if err != nil {
		return eris.Wrap(err, "ledger: load tenant")
	}

	limit := c.Limit(tenant.Tier, resource)
	if limit < 0 {
		return nil
	}

	used, err := c.currentUsage(ctx, tenantID, resource)
	if err != nil {
		return err
	}
	if used >= limit {
		return resilience.NewPolicyError(resilience.ReasonQuota,
			fmt.Sprintf("%s limit %d reached for tier %s", resource, limit, tenant.Tier))
	}
	return nil
}

// CheckAccounts returns nil when a tenant may operate an integration
// occupying the given 1-based account slot, and a PolicyError with
// reason "quota" when the slot is beyond the tier's concurrent account
// allowance. Unlike the monthly resources this is a standing cap, so it
// reads no counters.
func (c *CostControl) CheckAccounts(ctx context.Context, tenantID string, slot int64) error {
	tenant, err := c.store.GetTenant(ctx, tenantID)
	if err != nil {
		return eris.Wrap(err, "ledger: load tenant")
	}

	limit := c.Limit(tenant.Tier, model.ResourceAccounts)
	if limit < 0 || slot <= limit {
		return nil
	}
	return resilience.NewPolicyError(resilience.ReasonQuota,
		fmt.Sprintf("accounts limit %d reached for tier %s", limit, tenant.Tier))
}

// Record appends a usage entry and bumps the period counter. The
// idempotency key makes redelivered jobs meter once: the store insert is
// ON CONFLICT DO NOTHING on the key, and the counter is only bumped when
// the insert landed.
func (c *CostControl) Record(ctx context.Context, tenantID string, resource model.ResourceType, quantity int64, idempotencyKey string) error {
	rec := &model.UsageRecord{
		TenantID:       tenantID,
		Resource:       resource,
		Quantity:       quantity,
		IdempotencyKey: idempotencyKey,
		RecordedAt:     c.nowFunc(),
	}
	if err := c.store.RecordUsage(ctx, rec); err != nil {
		return eris.Wrap(err, "ledger: record usage")
	}

	if c.rdb == nil {
		return nil
	}
	key := c.counterKey(tenantID, resource)
	pipe := c.rdb.Pipeline()
	pipe.IncrBy(ctx, key, quantity)
	pipe.Expire(ctx, key, counterTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		// The store write already succeeded; the counter self-heals on
		// the next cache miss.
		zap.L().Warn("ledger: counter increment failed",
			zap.String("tenant_id", tenantID),
			zap.String("resource", string(resource)),
			zap.Error(err),
		)
	}
	return nil
}

// currentUsage reads the period counter, falling back to (and
// backfilling from) the store on a miss.
func (c *CostControl) currentUsage(ctx context.Context, tenantID string, resource model.ResourceType) (int64, error) {
	if c.rdb != nil {
		val, err := c.rdb.Get(ctx, c.counterKey(tenantID, resource)).Result()
		if err == nil {
			n, parseErr := strconv.ParseInt(val, 10, 64)
			if parseErr == nil {
				return n, nil
			}
		} else if err != redis.Nil {
			zap.L().Warn("ledger: counter read failed, falling back to store",
				zap.String("tenant_id", tenantID),
				zap.Error(err),
			)
		}
	}

	total, err := c.store.UsageTotal(ctx, tenantID, resource, c.periodStart())
	if err != nil {
		return 0, eris.Wrap(err, "ledger: usage total")
	}

	if c.rdb != nil {
		if err := c.rdb.Set(ctx, c.counterKey(tenantID, resource), total, counterTTL).Err(); err != nil {
			zap.L().Warn("ledger: counter backfill failed", zap.Error(err))
		}
	}
	return total, nil
}

// periodStart returns the first instant of the current UTC month.
func (c *CostControl) periodStart() time.Time {
	now := c.nowFunc()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func (c *CostControl) counterKey(tenantID string, resource model.ResourceType) string {
	return fmt.Sprintf("cg:usage:%s:%s:%s", tenantID, resource, c.nowFunc().Format("2006-01"))
}

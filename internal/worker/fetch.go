package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"
	"golang.org/x/time/rate"

	"github.com/crowdgate/crowdgate/internal/ledger"
	"github.com/crowdgate/crowdgate/internal/metrics"
	"github.com/crowdgate/crowdgate/internal/model"
	"github.com/crowdgate/crowdgate/internal/platform"
	"github.com/crowdgate/crowdgate/internal/queue"
	"github.com/crowdgate/crowdgate/internal/resilience"
	"github.com/crowdgate/crowdgate/internal/store"
)

// fetchPageSize bounds one poll of a platform adapter.
const fetchPageSize = 100

// FetchWorker polls platform adapters for new comments, persists them,
// and enqueues analysis jobs.
type FetchWorker struct {
	store       store.Store
	queue       queue.Queue
	ledger      *ledger.CostControl
	registry    *platform.Registry
	maxAttempts int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter // keyed by integration id
}

// NewFetch builds the fetch handler.
func NewFetch(st store.Store, q queue.Queue, lg *ledger.CostControl, reg *platform.Registry, maxAttempts int) *FetchWorker {
	return &FetchWorker{
		store:       st,
		queue:       q,
		ledger:      lg,
		registry:    reg,
		maxAttempts: maxAttempts,
		limiters:    make(map[string]*rate.Limiter),
	}
}

func (w *FetchWorker) Role() model.JobRole { return model.RoleFetch }

func (w *FetchWorker) Handle(ctx context.Context, job *model.Job) error {
	var payload model.FetchPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return resilience.NewPermanentError(eris.Wrap(err, "fetch: decode payload"))
	}

	integration, err := w.store.GetIntegration(ctx, payload.IntegrationID)
	if eris.Is(err, store.ErrNotFound) {
		return resilience.NewPermanentError(eris.Errorf("fetch: integration %s not found", payload.IntegrationID))
	} else if err != nil {
		return eris.Wrap(err, "fetch: load integration")
	}
	if !integration.Enabled {
		zap.L().Debug("fetch: integration disabled, skipping",
			zap.String("integration_id", integration.ID))
		return nil
	}

	if err := w.checkAccountSlot(ctx, integration); err != nil {
		if _, ok := resilience.AsPolicy(err); ok {
			metrics.QuotaRejections.WithLabelValues(string(model.ResourceAccounts)).Inc()
			zap.L().Info("fetch: integration beyond account allowance",
				zap.String("tenant_id", integration.TenantID),
				zap.String("integration_id", integration.ID),
			)
		}
		return err
	}

	adapter, err := w.registry.Get(integration.Platform)
	if err != nil {
		return resilience.NewPermanentError(err)
	}

	if err := w.limiter(integration.ID).Wait(ctx); err != nil {
		return eris.Wrap(err, "fetch: rate limit wait")
	}

	page, err := adapter.FetchComments(ctx, platform.FetchRequest{
		IntegrationID: integration.ID,
		Handle:        integration.Handle,
		Limit:         fetchPageSize,
	})
	if err != nil {
		return eris.Wrap(err, "fetch: poll adapter")
	}

	ingested := 0
	for i := range page.Comments {
		raw := page.Comments[i]
		raw.TenantID = integration.TenantID
		raw.Platform = integration.Platform
		raw.Text = norm.NFC.String(raw.Text)

		if err := w.ledger.CheckQuota(ctx, integration.TenantID, model.ResourceIngestion); err != nil {
			if _, ok := resilience.AsPolicy(err); ok {
				// Over quota mid-page: keep what landed, drop the rest.
				metrics.QuotaRejections.WithLabelValues(string(model.ResourceIngestion)).Inc()
				zap.L().Info("fetch: ingestion quota reached",
					zap.String("tenant_id", integration.TenantID),
					zap.Int("ingested", ingested),
					zap.Int("dropped", len(page.Comments)-i),
				)
				break
			}
			return err
		}

		stored, err := w.store.CreateComment(ctx, &raw)
		duplicate := eris.Is(err, store.ErrDuplicate)
		if err != nil && !duplicate {
			return eris.Wrap(err, "fetch: store comment")
		}

		if !duplicate {
			ingested++
			key := fmt.Sprintf("ingest:%s:%s:%s", stored.TenantID, stored.Platform, stored.PlatformCommentID)
			if err := w.ledger.Record(ctx, stored.TenantID, model.ResourceIngestion, 1, key); err != nil {
				zap.L().Warn("fetch: usage record failed", zap.Error(err))
			}
		}

		if err := w.enqueueAnalysis(ctx, stored); err != nil {
			return err
		}
	}

	if ingested > 0 {
		zap.L().Info("fetch: page ingested",
			zap.String("tenant_id", integration.TenantID),
			zap.String("platform", string(integration.Platform)),
			zap.Int("comments", ingested),
		)
	}
	return nil
}

// checkAccountSlot enforces the tier's concurrent platform account cap.
// Slots are assigned to enabled integrations oldest-first, so enabling
// one past the cap never evicts an integration that already holds a
// slot.
func (w *FetchWorker) checkAccountSlot(ctx context.Context, in *store.Integration) error {
	enabled, err := w.store.ListIntegrations(ctx, true)
	if err != nil {
		return eris.Wrap(err, "fetch: list integrations")
	}
	var slot int64
	for i := range enabled {
		if enabled[i].TenantID != in.TenantID {
			continue
		}
		slot++
		if enabled[i].ID == in.ID {
			break
		}
	}
	return w.ledger.CheckAccounts(ctx, in.TenantID, slot)
}

// enqueueAnalysis is idempotent: the job key is derived from the
// comment's natural key, so a redelivered fetch collapses into the
// already-queued analysis.
func (w *FetchWorker) enqueueAnalysis(ctx context.Context, c *model.Comment) error {
	payload, err := json.Marshal(model.AnalysisPayload{CommentID: c.ID})
	if err != nil {
		return resilience.NewPermanentError(eris.Wrap(err, "fetch: encode analysis payload"))
	}
	key := fmt.Sprintf("analysis:%s:%s:%s", c.TenantID, c.Platform, c.PlatformCommentID)
	job := queue.NewJob(model.RoleAnalysis, c.TenantID, key, model.PriorityNormal, payload, w.maxAttempts)
	if _, err := w.queue.Enqueue(ctx, job); err != nil {
		if eris.Is(err, queue.ErrIdempotencyConflict) {
			return resilience.NewIntegrityError(err)
		}
		return eris.Wrap(err, "fetch: enqueue analysis")
	}
	return nil
}

func (w *FetchWorker) limiter(integrationID string) *rate.Limiter {
	w.mu.Lock()
	defer w.mu.Unlock()
	lim, ok := w.limiters[integrationID]
	if !ok {
		// One poll per 2s per integration, small burst for catch-up.
		lim = rate.NewLimiter(rate.Limit(0.5), 2)
		w.limiters[integrationID] = lim
	}
	return lim
}

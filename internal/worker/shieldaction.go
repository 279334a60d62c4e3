package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/crowdgate/crowdgate/internal/ledger"
	"github.com/crowdgate/crowdgate/internal/metrics"
	"github.com/crowdgate/crowdgate/internal/model"
	"github.com/crowdgate/crowdgate/internal/platform"
	"github.com/crowdgate/crowdgate/internal/resilience"
	"github.com/crowdgate/crowdgate/internal/store"
)

// ShieldActionWorker executes decided moderation actions against
// platforms, degrading to the strongest supported action when the
// platform lacks the decided capability. It never enqueues replies.
type ShieldActionWorker struct {
	store    store.Store
	ledger   *ledger.CostControl
	registry *platform.Registry
}

// NewShieldAction builds the shield action handler.
func NewShieldAction(st store.Store, lg *ledger.CostControl, reg *platform.Registry) *ShieldActionWorker {
	return &ShieldActionWorker{store: st, ledger: lg, registry: reg}
}

func (w *ShieldActionWorker) Role() model.JobRole { return model.RoleShieldAction }

func (w *ShieldActionWorker) Handle(ctx context.Context, job *model.Job) error {
	var payload model.ShieldActionPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return resilience.NewPermanentError(eris.Wrap(err, "shield_action: decode payload"))
	}

	sa, err := w.store.GetShieldAction(ctx, payload.ShieldActionID)
	if eris.Is(err, store.ErrNotFound) {
		return resilience.NewPermanentError(eris.Errorf("shield_action: action %s not found", payload.ShieldActionID))
	} else if err != nil {
		return eris.Wrap(err, "shield_action: load action")
	}

	// Redelivery after a completed execution is a no-op.
	if sa.Status != model.ActionStatusPending {
		return nil
	}

	comment, err := w.store.GetComment(ctx, sa.CommentID)
	if err != nil {
		return eris.Wrap(err, "shield_action: load comment")
	}

	if err := w.ledger.CheckQuota(ctx, sa.TenantID, model.ResourcePlatformAction); err != nil {
		if pe, ok := resilience.AsPolicy(err); ok {
			metrics.QuotaRejections.WithLabelValues(string(model.ResourcePlatformAction)).Inc()
			w.finish(ctx, sa, model.ActionStatusSkipped, model.ActionNone, false, "quota: "+pe.Detail)
		}
		return err
	}

	adapter, regErr := w.registry.Get(comment.Platform)
	if regErr != nil {
		// No adapter at all: nothing can execute, a human takes over.
		w.finish(ctx, sa, model.ActionStatusManualReview, model.ActionNone, true,
			fmt.Sprintf("no adapter registered for %s", comment.Platform))
		return nil
	}

	executed, degraded := degrade(sa.Action, adapter.Capabilities())
	if executed == model.ActionNone {
		metrics.Degradations.WithLabelValues(string(comment.Platform)).Inc()
		w.finish(ctx, sa, model.ActionStatusManualReview, model.ActionNone, true,
			fmt.Sprintf("%s unsupported on %s and no weaker capability available", sa.Action, comment.Platform))
		return nil
	}
	if degraded {
		metrics.Degradations.WithLabelValues(string(comment.Platform)).Inc()
	}

	_, err = platform.Execute(ctx, adapter, executed, platform.ActionRequest{
		TenantID:        sa.TenantID,
		PlatformComment: comment.PlatformCommentID,
		PlatformUser:    comment.PlatformUserID,
		Reason:          fmt.Sprintf("severity %s, offense level %d", sa.Severity, sa.OffenseLevel),
	})
	if err != nil {
		if resilience.Classify(err) == resilience.ClassTransient {
			return eris.Wrapf(err, "shield_action: execute %s", executed)
		}
		w.finish(ctx, sa, model.ActionStatusFailed, executed, degraded, err.Error())
		return resilience.NewPermanentError(eris.Wrapf(err, "shield_action: execute %s", executed))
	}

	reason := ""
	if degraded {
		reason = fmt.Sprintf("degraded from %s: not supported on %s", sa.Action, comment.Platform)
	}
	if err := w.finish(ctx, sa, model.ActionStatusExecuted, executed, degraded, reason); err != nil {
		return err
	}

	key := fmt.Sprintf("action:%s", sa.ID)
	if err := w.ledger.Record(ctx, sa.TenantID, model.ResourcePlatformAction, 1, key); err != nil {
		zap.L().Warn("shield_action: usage record failed", zap.Error(err))
	}

	zap.L().Info("shield_action: executed",
		zap.String("tenant_id", sa.TenantID),
		zap.String("comment_id", sa.CommentID),
		zap.String("decided", string(sa.Action)),
		zap.String("executed", string(executed)),
		zap.Bool("degraded", degraded),
	)
	return nil
}

// degrade returns the strongest action the platform supports that is no
// stronger than decided, and whether a downgrade happened. Returns
// ActionNone when nothing on the ladder is supported.
func degrade(decided model.ActionType, caps platform.Capabilities) (model.ActionType, bool) {
	if caps.Supports(decided) {
		return decided, false
	}
	for _, weaker := range decided.WeakerActions() {
		if caps.Supports(weaker) {
			return weaker, true
		}
	}
	return model.ActionNone, true
}

func (w *ShieldActionWorker) finish(ctx context.Context, sa *model.ShieldAction,
	status model.ActionStatus, executed model.ActionType, degraded bool, reason string) error {
	now := time.Now().UTC()
	sa.Status = status
	sa.ExecutedAction = executed
	sa.Degraded = degraded
	sa.Reason = reason
	sa.ExecutedAt = &now
	if err := w.store.UpdateShieldActionExecution(ctx, sa); err != nil {
		return eris.Wrap(err, "shield_action: update execution state")
	}
	return nil
}

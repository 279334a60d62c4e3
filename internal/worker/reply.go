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
	"github.com/crowdgate/crowdgate/internal/replygen"
	"github.com/crowdgate/crowdgate/internal/resilience"
	"github.com/crowdgate/crowdgate/internal/store"
)

// ReplyWorker generates automated responses and optionally publishes
// them through the platform adapter.
type ReplyWorker struct {
	store     store.Store
	ledger    *ledger.CostControl
	generator replygen.Generator
	registry  *platform.Registry
	// defaultTone applies when the integration does not set one.
	defaultTone string
}

// NewReply builds the reply handler.
func NewReply(st store.Store, lg *ledger.CostControl, gen replygen.Generator, reg *platform.Registry, defaultTone string) *ReplyWorker {
	return &ReplyWorker{
		store:       st,
		ledger:      lg,
		generator:   gen,
		registry:    reg,
		defaultTone: defaultTone,
	}
}

func (w *ReplyWorker) Role() model.JobRole { return model.RoleReply }

func (w *ReplyWorker) Handle(ctx context.Context, job *model.Job) error {
	var payload model.ReplyPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return resilience.NewPermanentError(eris.Wrap(err, "reply: decode payload"))
	}

	comment, err := w.store.GetComment(ctx, payload.CommentID)
	if eris.Is(err, store.ErrNotFound) {
		return resilience.NewPermanentError(eris.Errorf("reply: comment %s not found", payload.CommentID))
	} else if err != nil {
		return eris.Wrap(err, "reply: load comment")
	}

	// A shield action on this comment suppresses the reply, even if the
	// job was enqueued before the decision landed.
	if sa, err := w.store.GetShieldActionByComment(ctx, comment.ID); err == nil && sa.Action != model.ActionNone {
		zap.L().Debug("reply: suppressed by shield action",
			zap.String("comment_id", comment.ID),
			zap.String("action", string(sa.Action)),
		)
		return nil
	} else if err != nil && !eris.Is(err, store.ErrNotFound) {
		return eris.Wrap(err, "reply: check shield action")
	}

	integration, err := w.findIntegration(ctx, comment.TenantID, comment.Platform)
	if err != nil {
		return err
	}
	if integration == nil || !integration.AutoReply {
		zap.L().Debug("reply: auto-reply disabled, skipping",
			zap.String("tenant_id", comment.TenantID),
			zap.String("platform", string(comment.Platform)),
		)
		return nil
	}

	reply, generated, err := w.obtainReply(ctx, comment, payload.AnalysisID, integration)
	if err != nil {
		return err
	}

	if generated {
		key := fmt.Sprintf("generate:%s", comment.ID)
		if err := w.ledger.Record(ctx, comment.TenantID, model.ResourceGeneration, 1, key); err != nil {
			zap.L().Warn("reply: usage record failed", zap.Error(err))
		}
	}

	return w.publish(ctx, comment, integration, reply)
}

// obtainReply returns the persisted reply for the comment, generating a
// fresh one only when no prior attempt persisted it. The second return
// reports whether generation spent quota on this call.
func (w *ReplyWorker) obtainReply(ctx context.Context, comment *model.Comment, analysisID string, integration *store.Integration) (*model.Reply, bool, error) {
	existing, err := w.store.GetReplyByComment(ctx, comment.ID)
	if err == nil {
		return existing, false, nil
	}
	if !eris.Is(err, store.ErrNotFound) {
		return nil, false, eris.Wrap(err, "reply: check existing reply")
	}

	if err := w.ledger.CheckQuota(ctx, comment.TenantID, model.ResourceGeneration); err != nil {
		if _, ok := resilience.AsPolicy(err); ok {
			metrics.QuotaRejections.WithLabelValues(string(model.ResourceGeneration)).Inc()
		}
		return nil, false, err
	}

	analysis, err := w.store.GetAnalysisResult(ctx, analysisID)
	if err != nil {
		return nil, false, eris.Wrap(err, "reply: load analysis")
	}

	tone := integration.Tone
	if tone == "" {
		tone = w.defaultTone
	}

	text, err := w.generator.Generate(ctx, replygen.Request{
		Comment:  comment,
		Analysis: analysis,
		Tone:     tone,
	})
	if err != nil {
		return nil, false, eris.Wrap(err, "reply: generate")
	}

	reply := &model.Reply{
		TenantID:  comment.TenantID,
		CommentID: comment.ID,
		Text:      text,
		Tone:      tone,
		CreatedAt: time.Now().UTC(),
	}
	stored, err := w.store.CreateReply(ctx, reply)
	if eris.Is(err, store.ErrDuplicate) {
		return stored, false, nil
	}
	if err != nil {
		return nil, false, eris.Wrap(err, "reply: store reply")
	}
	return stored, true, nil
}

// publish posts the reply when the adapter supports it. Publication is
// best-effort relative to generation: the reply row exists either way.
func (w *ReplyWorker) publish(ctx context.Context, comment *model.Comment, integration *store.Integration, reply *model.Reply) error {
	if reply.Published {
		return nil
	}

	adapter, err := w.registry.Get(comment.Platform)
	if err != nil || !adapter.Capabilities().Supports(model.ActionReply) {
		zap.L().Debug("reply: platform cannot publish, stored only",
			zap.String("platform", string(comment.Platform)),
		)
		return nil
	}

	result, err := adapter.PostReply(ctx, platform.ReplyRequest{
		TenantID:        comment.TenantID,
		IntegrationID:   integration.ID,
		PlatformComment: comment.PlatformCommentID,
		Text:            reply.Text,
	})
	if err != nil {
		return eris.Wrap(err, "reply: publish")
	}

	if err := w.store.MarkReplyPublished(ctx, reply.ID, result.PublishedAt); err != nil {
		return eris.Wrap(err, "reply: mark published")
	}

	zap.L().Info("reply: published",
		zap.String("tenant_id", comment.TenantID),
		zap.String("comment_id", comment.ID),
		zap.String("platform", string(comment.Platform)),
	)
	return nil
}

// findIntegration resolves the enabled integration for a tenant and
// platform, or nil when none exists.
func (w *ReplyWorker) findIntegration(ctx context.Context, tenantID string, p model.Platform) (*store.Integration, error) {
	integrations, err := w.store.ListIntegrations(ctx, true)
	if err != nil {
		return nil, eris.Wrap(err, "reply: list integrations")
	}
	for i := range integrations {
		if integrations[i].TenantID == tenantID && integrations[i].Platform == p {
			return &integrations[i], nil
		}
	}
	return nil, nil
}

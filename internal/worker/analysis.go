package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/crowdgate/crowdgate/internal/classifier"
	"github.com/crowdgate/crowdgate/internal/config"
	"github.com/crowdgate/crowdgate/internal/ledger"
	"github.com/crowdgate/crowdgate/internal/metrics"
	"github.com/crowdgate/crowdgate/internal/model"
	"github.com/crowdgate/crowdgate/internal/queue"
	"github.com/crowdgate/crowdgate/internal/resilience"
	"github.com/crowdgate/crowdgate/internal/shield"
	"github.com/crowdgate/crowdgate/internal/store"
)

// AnalysisWorker classifies comments, runs the shield decision for
// comments at or above the review threshold, and routes each comment to
// exactly one of: shield action execution or reply generation.
type AnalysisWorker struct {
	store       store.Store
	queue       queue.Queue
	ledger      *ledger.CostControl
	classifier  classifier.Classifier
	thresholds  classifier.Thresholds
	engine      *shield.Engine
	shieldCfg   config.ShieldConfig
	maxAttempts int
}

// NewAnalysis builds the analysis handler.
func NewAnalysis(st store.Store, q queue.Queue, lg *ledger.CostControl, cl classifier.Classifier,
	thresholds classifier.Thresholds, engine *shield.Engine, shieldCfg config.ShieldConfig, maxAttempts int) *AnalysisWorker {
	return &AnalysisWorker{
		store:       st,
		queue:       q,
		ledger:      lg,
		classifier:  cl,
		thresholds:  thresholds,
		engine:      engine,
		shieldCfg:   shieldCfg,
		maxAttempts: maxAttempts,
	}
}

func (w *AnalysisWorker) Role() model.JobRole { return model.RoleAnalysis }

func (w *AnalysisWorker) Handle(ctx context.Context, job *model.Job) error {
	var payload model.AnalysisPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return resilience.NewPermanentError(eris.Wrap(err, "analysis: decode payload"))
	}

	comment, err := w.store.GetComment(ctx, payload.CommentID)
	if eris.Is(err, store.ErrNotFound) {
		return resilience.NewPermanentError(eris.Errorf("analysis: comment %s not found", payload.CommentID))
	} else if err != nil {
		return eris.Wrap(err, "analysis: load comment")
	}

	result, err := w.analyze(ctx, job, comment)
	if err != nil {
		return err
	}

	return w.route(ctx, comment, result)
}

// analyze returns the comment's analysis result, classifying only when a
// prior attempt has not already persisted one.
func (w *AnalysisWorker) analyze(ctx context.Context, job *model.Job, comment *model.Comment) (*model.AnalysisResult, error) {
	existing, err := w.store.GetAnalysisByComment(ctx, comment.ID)
	if err == nil {
		return existing, nil
	}
	if !eris.Is(err, store.ErrNotFound) {
		return nil, eris.Wrap(err, "analysis: check existing result")
	}

	if err := w.ledger.CheckQuota(ctx, comment.TenantID, model.ResourceClassification); err != nil {
		if _, ok := resilience.AsPolicy(err); ok {
			metrics.QuotaRejections.WithLabelValues(string(model.ResourceClassification)).Inc()
		}
		return nil, err
	}

	verdict, err := w.classifier.Classify(ctx, comment.Text)
	if err != nil {
		return nil, eris.Wrap(err, "analysis: classify")
	}

	result := &model.AnalysisResult{
		TenantID:   comment.TenantID,
		CommentID:  comment.ID,
		Score:      verdict.Score,
		Categories: verdict.Categories,
		Severity:   w.thresholds.Severity(verdict),
		CreatedAt:  time.Now().UTC(),
	}
	stored, err := w.store.CreateAnalysisResult(ctx, result)
	if eris.Is(err, store.ErrDuplicate) {
		return stored, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "analysis: store result")
	}

	key := fmt.Sprintf("classify:%s", comment.ID)
	if err := w.ledger.Record(ctx, comment.TenantID, model.ResourceClassification, 1, key); err != nil {
		zap.L().Warn("analysis: usage record failed", zap.Error(err))
	}
	return stored, nil
}

// route sends the comment down exactly one branch. A shield decision
// that takes an action suppresses the reply; a "none" decision and
// anything below the review threshold go to reply generation.
func (w *AnalysisWorker) route(ctx context.Context, comment *model.Comment, result *model.AnalysisResult) error {
	if w.needsReview(result) {
		decision, err := w.engine.Decide(ctx, comment, result)
		if err != nil {
			return err
		}
		metrics.ShieldActions.WithLabelValues(string(decision.Action)).Inc()

		if !shield.ShouldReply(decision) {
			return w.enqueueShieldAction(ctx, comment, decision)
		}
	}
	return w.enqueueReply(ctx, comment, result)
}

// needsReview applies the review threshold and the always-review
// category set.
func (w *AnalysisWorker) needsReview(result *model.AnalysisResult) bool {
	threshold := model.ParseSeverity(w.shieldCfg.ReviewThreshold)
	if threshold == model.SeverityNone {
		threshold = model.SeverityMedium
	}
	if result.Severity >= threshold {
		return true
	}
	for _, cat := range w.shieldCfg.AlwaysReviewCategories {
		if result.HasCategory(cat) {
			return true
		}
	}
	return false
}

func (w *AnalysisWorker) enqueueShieldAction(ctx context.Context, comment *model.Comment, decision *model.ShieldAction) error {
	payload, err := json.Marshal(model.ShieldActionPayload{ShieldActionID: decision.ID})
	if err != nil {
		return resilience.NewPermanentError(eris.Wrap(err, "analysis: encode shield payload"))
	}
	key := fmt.Sprintf("shield:%s", comment.ID)
	// Shield executions jump the queue: acting on an offender matters
	// more than generating pleasantries.
	job := queue.NewJob(model.RoleShieldAction, comment.TenantID, key, model.PriorityHigh, payload, w.maxAttempts)
	if _, err := w.queue.Enqueue(ctx, job); err != nil {
		if eris.Is(err, queue.ErrIdempotencyConflict) {
			return resilience.NewIntegrityError(err)
		}
		return eris.Wrap(err, "analysis: enqueue shield action")
	}
	return nil
}

func (w *AnalysisWorker) enqueueReply(ctx context.Context, comment *model.Comment, result *model.AnalysisResult) error {
	payload, err := json.Marshal(model.ReplyPayload{CommentID: comment.ID, AnalysisID: result.ID})
	if err != nil {
		return resilience.NewPermanentError(eris.Wrap(err, "analysis: encode reply payload"))
	}
	key := fmt.Sprintf("reply:%s", comment.ID)
	job := queue.NewJob(model.RoleReply, comment.TenantID, key, model.PriorityNormal, payload, w.maxAttempts)
	if _, err := w.queue.Enqueue(ctx, job); err != nil {
		if eris.Is(err, queue.ErrIdempotencyConflict) {
			return resilience.NewIntegrityError(err)
		}
		return eris.Wrap(err, "analysis: enqueue reply")
	}
	return nil
}

package shield

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/crowdgate/crowdgate/internal/model"
	"github.com/crowdgate/crowdgate/internal/store"
)

// maxCASRetries bounds the offender history read-modify-write loop. Each
// retry re-reads before re-applying, so losing the race is never lost
// work.
const maxCASRetries = 5

// Engine turns an analysis verdict into a moderation decision, mutating
// the offender history atomically on the way.
type Engine struct {
	store  store.Store
	matrix *Matrix
}

// NewEngine builds a decision engine over the store and matrix.
func NewEngine(st store.Store, matrix *Matrix) *Engine {
	return &Engine{store: st, matrix: matrix}
}

// Decide computes and records the moderation action for a comment. The
// call is idempotent on comment id: a redelivered decision returns the
// existing ShieldAction without touching the offender history again.
//
// The ShieldAction row is written before the history mutation. It is
// unique per comment, so when two decisions race (an expired lease
// redelivered while the original consumer is still running) only the
// insert winner mutates the history: a non-none decision increments the
// violation count by exactly one, keeping it equal to the number of
// non-none ShieldAction rows. ShouldReply on the returned decision is
// false whenever an action was taken.
func (e *Engine) Decide(ctx context.Context, comment *model.Comment, analysis *model.AnalysisResult) (*model.ShieldAction, error) {
	// Redelivery check before any mutation.
	existing, err := e.store.GetShieldActionByComment(ctx, comment.ID)
	if err == nil {
		return existing, nil
	}
	if !eris.Is(err, store.ErrNotFound) {
		return nil, eris.Wrap(err, "shield: check existing action")
	}

	key := comment.Offender()
	history, err := e.store.GetOffender(ctx, key)
	if eris.Is(err, store.ErrNotFound) {
		history = &model.OffenderHistory{Key: key}
	} else if err != nil {
		return nil, eris.Wrap(err, "shield: load offender")
	}

	action, level := e.matrix.Action(analysis.Severity, history.TotalViolations)

	sa := &model.ShieldAction{
		TenantID:     comment.TenantID,
		CommentID:    comment.ID,
		AnalysisID:   analysis.ID,
		Action:       action,
		Severity:     analysis.Severity,
		OffenseLevel: int(level),
		Status:       model.ActionStatusPending,
		CreatedAt:    time.Now().UTC(),
	}
	if action == model.ActionNone {
		sa.Status = model.ActionStatusSkipped
		sa.ExecutedAction = model.ActionNone
	}

	created, err := e.store.CreateShieldAction(ctx, sa)
	if eris.Is(err, store.ErrDuplicate) {
		// Lost the per-comment insert race; the winner owns the history
		// mutation.
		return created, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "shield: create action")
	}

	if action != model.ActionNone {
		if err := e.recordViolation(ctx, key, action); err != nil {
			return nil, err
		}
	}

	zap.L().Info("shield: decision",
		zap.String("tenant_id", comment.TenantID),
		zap.String("comment_id", comment.ID),
		zap.String("severity", analysis.Severity.String()),
		zap.String("offense_level", level.String()),
		zap.String("action", string(action)),
	)
	return created, nil
}

// recordViolation increments the offender's violation count and appends
// the action, retrying the versioned write on contention with other
// offenders' decisions.
func (e *Engine) recordViolation(ctx context.Context, key model.OffenderKey, action model.ActionType) error {
	for attempt := 0; ; attempt++ {
		history, err := e.store.GetOffender(ctx, key)
		if eris.Is(err, store.ErrNotFound) {
			history = &model.OffenderHistory{Key: key}
		} else if err != nil {
			return eris.Wrap(err, "shield: load offender")
		}

		history.TotalViolations++
		history.Actions = append(history.Actions, action)

		err = e.store.UpsertOffender(ctx, history)
		if err == nil {
			return nil
		}
		if !eris.Is(err, store.ErrVersionConflict) {
			return eris.Wrap(err, "shield: update offender")
		}
		if attempt+1 >= maxCASRetries {
			return eris.Errorf("shield: offender update contention for %s/%s", key.Platform, key.PlatformUserID)
		}
		zap.L().Debug("shield: offender version conflict, retrying",
			zap.String("tenant_id", key.TenantID),
			zap.String("platform_user_id", key.PlatformUserID),
			zap.Int("attempt", attempt+1),
		)
	}
}

// ShouldReply reports whether the pipeline may generate an automated
// reply given a decision. Any real action suppresses the reply.
func ShouldReply(sa *model.ShieldAction) bool {
	return sa == nil || sa.Action == model.ActionNone
}

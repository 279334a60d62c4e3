package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crowdgate/crowdgate/internal/classifier"
	"github.com/crowdgate/crowdgate/internal/config"
	"github.com/crowdgate/crowdgate/internal/model"
	"github.com/crowdgate/crowdgate/internal/queue"
	"github.com/crowdgate/crowdgate/internal/resilience"
	"github.com/crowdgate/crowdgate/internal/shield"
	"github.com/crowdgate/crowdgate/internal/store"
)

func newAnalysisWorker(env *workerEnv) *AnalysisWorker {
	thresholds := classifier.Thresholds{
		Low:                0.3,
		Medium:             0.6,
		High:               0.85,
		Critical:           0.95,
		CriticalCategories: []string{classifier.CategoryThreat, classifier.CategorySelfHarm},
	}
	shieldCfg := config.ShieldConfig{
		ReviewThreshold:        "medium",
		AlwaysReviewCategories: []string{classifier.CategoryThreat, classifier.CategorySelfHarm, classifier.CategoryHate},
	}
	engine := shield.NewEngine(env.store, shield.DefaultMatrix())
	return NewAnalysis(env.store, env.queue, env.ledger, classifier.NewKeyword(), thresholds, engine, shieldCfg, 3)
}

func dequeueOne(t *testing.T, q *queue.MemoryQueue, role model.JobRole) *model.Job {
	t.Helper()
	job, err := q.Dequeue(context.Background(), role, time.Minute)
	require.NoError(t, err)
	return job
}

func assertEmpty(t *testing.T, q *queue.MemoryQueue, role model.JobRole) {
	t.Helper()
	_, err := q.Dequeue(context.Background(), role, time.Minute)
	assert.ErrorIs(t, err, queue.ErrEmpty)
}

func TestAnalysisRoutesMildCommentToReply(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newWorkerEnv(t)
	w := newAnalysisWorker(env)

	c := env.seedComment(t, "pc1", "u1", "what an idiot take")
	require.NoError(t, w.Handle(ctx, jobFor(t, model.RoleAnalysis, model.AnalysisPayload{CommentID: c.ID})))

	// Low severity: no shield work, a reply job instead.
	assertEmpty(t, env.queue, model.RoleShieldAction)
	job := dequeueOne(t, env.queue, model.RoleReply)

	var payload model.ReplyPayload
	require.NoError(t, json.Unmarshal(job.Payload, &payload))
	assert.Equal(t, c.ID, payload.CommentID)
	assert.NotEmpty(t, payload.AnalysisID)

	analysis, err := env.store.GetAnalysisByComment(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SeverityLow, analysis.Severity)
}

func TestAnalysisRoutesToxicCommentToShield(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newWorkerEnv(t)
	w := newAnalysisWorker(env)

	c := env.seedComment(t, "pc1", "u1", "you stupid pathetic person")
	require.NoError(t, w.Handle(ctx, jobFor(t, model.RoleAnalysis, model.AnalysisPayload{CommentID: c.ID})))

	// Shield and reply are mutually exclusive: only the shield job exists.
	assertEmpty(t, env.queue, model.RoleReply)
	job := dequeueOne(t, env.queue, model.RoleShieldAction)
	assert.Equal(t, model.PriorityHigh, job.Priority)

	sa, err := env.store.GetShieldActionByComment(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ActionHide, sa.Action, "first medium offense hides")

	var payload model.ShieldActionPayload
	require.NoError(t, json.Unmarshal(job.Payload, &payload))
	assert.Equal(t, sa.ID, payload.ShieldActionID)
}

func TestAnalysisThreatIsCriticalRegardlessOfScore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newWorkerEnv(t)
	w := newAnalysisWorker(env)

	c := env.seedComment(t, "pc1", "u1", "i will find you")
	require.NoError(t, w.Handle(ctx, jobFor(t, model.RoleAnalysis, model.AnalysisPayload{CommentID: c.ID})))

	analysis, err := env.store.GetAnalysisByComment(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SeverityCritical, analysis.Severity)

	sa, err := env.store.GetShieldActionByComment(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ActionReport, sa.Action)
	assertEmpty(t, env.queue, model.RoleReply)
}

func TestAnalysisNoneDecisionStillReplies(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newWorkerEnv(t)
	w := newAnalysisWorker(env)

	// Hate category forces review even at low severity, but the matrix
	// gives a first low offense no action, so the reply path stays open.
	c := env.seedComment(t, "pc1", "u1", "people like your kind")
	require.NoError(t, w.Handle(ctx, jobFor(t, model.RoleAnalysis, model.AnalysisPayload{CommentID: c.ID})))

	sa, err := env.store.GetShieldActionByComment(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ActionNone, sa.Action)
	assert.Equal(t, model.ActionStatusSkipped, sa.Status)

	assertEmpty(t, env.queue, model.RoleShieldAction)
	dequeueOne(t, env.queue, model.RoleReply)
}

func TestAnalysisRedeliveryIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newWorkerEnv(t)
	w := newAnalysisWorker(env)

	c := env.seedComment(t, "pc1", "u1", "you stupid pathetic person")
	job := jobFor(t, model.RoleAnalysis, model.AnalysisPayload{CommentID: c.ID})
	require.NoError(t, w.Handle(ctx, job))
	require.NoError(t, w.Handle(ctx, job))

	// One analysis, one violation, one queued shield job.
	history, err := env.store.GetOffender(ctx, c.Offender())
	require.NoError(t, err)
	assert.Equal(t, 1, history.TotalViolations)

	dequeueOne(t, env.queue, model.RoleShieldAction)
	assertEmpty(t, env.queue, model.RoleShieldAction)
}

func TestAnalysisQuotaExhausted(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newWorkerEnv(t)
	env.limitedLedger(map[string]map[string]int64{
		"pro": {"classification": 0},
	})
	w := newAnalysisWorker(env)

	c := env.seedComment(t, "pc1", "u1", "you stupid pathetic person")
	err := w.Handle(ctx, jobFor(t, model.RoleAnalysis, model.AnalysisPayload{CommentID: c.ID}))
	require.Error(t, err)
	_, ok := resilience.AsPolicy(err)
	assert.True(t, ok)

	_, err = env.store.GetAnalysisByComment(ctx, c.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAnalysisMissingComment(t *testing.T) {
	t.Parallel()
	env := newWorkerEnv(t)
	w := newAnalysisWorker(env)

	err := w.Handle(context.Background(), jobFor(t, model.RoleAnalysis, model.AnalysisPayload{CommentID: "missing"}))
	require.Error(t, err)
	assert.Equal(t, resilience.ClassPermanent, resilience.Classify(err))
}

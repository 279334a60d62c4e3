package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crowdgate/crowdgate/internal/model"
	"github.com/crowdgate/crowdgate/internal/platform"
	"github.com/crowdgate/crowdgate/internal/replygen"
	"github.com/crowdgate/crowdgate/internal/resilience"
	"github.com/crowdgate/crowdgate/internal/store"
)

func newReplyWorker(env *workerEnv) *ReplyWorker {
	return NewReply(env.store, env.ledger, replygen.NewTemplate(), env.registry, "calm")
}

func TestReplyGeneratesAndPublishes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newWorkerEnv(t)

	fake := platform.NewFake(model.PlatformTwitter, model.ActionReply)
	env.registry.Register(fake)
	env.seedIntegration(t, model.PlatformTwitter, true, "witty")

	c := env.seedComment(t, "pc1", "u1", "mildly grumpy comment")
	a := env.seedAnalysis(t, c, model.SeverityLow)

	w := newReplyWorker(env)
	require.NoError(t, w.Handle(ctx, jobFor(t, model.RoleReply, model.ReplyPayload{CommentID: c.ID, AnalysisID: a.ID})))

	reply, err := env.store.GetReplyByComment(ctx, c.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, reply.Text)
	assert.Equal(t, "witty", reply.Tone)
	assert.True(t, reply.Published)
	require.NotNil(t, reply.PublishedAt)

	published := fake.Replies()
	require.Len(t, published, 1)
	assert.Equal(t, "pc1", published[0].PlatformComment)
	assert.Equal(t, reply.Text, published[0].Text)
}

func TestReplySuppressedByShieldAction(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newWorkerEnv(t)

	fake := platform.NewFake(model.PlatformTwitter, model.ActionReply)
	env.registry.Register(fake)
	env.seedIntegration(t, model.PlatformTwitter, true, "")

	c := env.seedComment(t, "pc1", "u1", "nasty comment")
	a := env.seedAnalysis(t, c, model.SeverityHigh)
	env.seedShieldAction(t, c, a, model.ActionMute)

	w := newReplyWorker(env)
	require.NoError(t, w.Handle(ctx, jobFor(t, model.RoleReply, model.ReplyPayload{CommentID: c.ID, AnalysisID: a.ID})))

	_, err := env.store.GetReplyByComment(ctx, c.ID)
	assert.ErrorIs(t, err, store.ErrNotFound, "an actioned comment never gets a reply")
	assert.Empty(t, fake.Replies())
}

func TestReplyNoneShieldActionDoesNotSuppress(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newWorkerEnv(t)

	fake := platform.NewFake(model.PlatformTwitter, model.ActionReply)
	env.registry.Register(fake)
	env.seedIntegration(t, model.PlatformTwitter, true, "")

	c := env.seedComment(t, "pc1", "u1", "borderline comment")
	a := env.seedAnalysis(t, c, model.SeverityLow)
	env.seedShieldAction(t, c, a, model.ActionNone)

	w := newReplyWorker(env)
	require.NoError(t, w.Handle(ctx, jobFor(t, model.RoleReply, model.ReplyPayload{CommentID: c.ID, AnalysisID: a.ID})))

	_, err := env.store.GetReplyByComment(ctx, c.ID)
	require.NoError(t, err)
}

func TestReplySkipsWhenAutoReplyDisabled(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newWorkerEnv(t)
	env.seedIntegration(t, model.PlatformTwitter, false, "")

	c := env.seedComment(t, "pc1", "u1", "some comment")
	a := env.seedAnalysis(t, c, model.SeverityLow)

	w := newReplyWorker(env)
	require.NoError(t, w.Handle(ctx, jobFor(t, model.RoleReply, model.ReplyPayload{CommentID: c.ID, AnalysisID: a.ID})))

	_, err := env.store.GetReplyByComment(ctx, c.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestReplySkipsWithoutIntegration(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newWorkerEnv(t)

	c := env.seedComment(t, "pc1", "u1", "some comment")
	a := env.seedAnalysis(t, c, model.SeverityLow)

	w := newReplyWorker(env)
	require.NoError(t, w.Handle(ctx, jobFor(t, model.RoleReply, model.ReplyPayload{CommentID: c.ID, AnalysisID: a.ID})))

	_, err := env.store.GetReplyByComment(ctx, c.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestReplyStoredOnlyWhenPlatformCannotPublish(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newWorkerEnv(t)

	// Adapter exists but cannot post replies.
	fake := platform.NewFake(model.PlatformTwitter, model.ActionHide)
	env.registry.Register(fake)
	env.seedIntegration(t, model.PlatformTwitter, true, "")

	c := env.seedComment(t, "pc1", "u1", "some comment")
	a := env.seedAnalysis(t, c, model.SeverityLow)

	w := newReplyWorker(env)
	require.NoError(t, w.Handle(ctx, jobFor(t, model.RoleReply, model.ReplyPayload{CommentID: c.ID, AnalysisID: a.ID})))

	reply, err := env.store.GetReplyByComment(ctx, c.ID)
	require.NoError(t, err)
	assert.False(t, reply.Published)
	assert.Empty(t, fake.Replies())
}

func TestReplyDefaultToneApplies(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newWorkerEnv(t)
	env.seedIntegration(t, model.PlatformTwitter, true, "")

	c := env.seedComment(t, "pc1", "u1", "some comment")
	a := env.seedAnalysis(t, c, model.SeverityLow)

	w := newReplyWorker(env)
	require.NoError(t, w.Handle(ctx, jobFor(t, model.RoleReply, model.ReplyPayload{CommentID: c.ID, AnalysisID: a.ID})))

	reply, err := env.store.GetReplyByComment(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "calm", reply.Tone)
}

func TestReplyRedeliveryGeneratesOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newWorkerEnv(t)

	fake := platform.NewFake(model.PlatformTwitter, model.ActionReply)
	env.registry.Register(fake)
	env.seedIntegration(t, model.PlatformTwitter, true, "")

	c := env.seedComment(t, "pc1", "u1", "some comment")
	a := env.seedAnalysis(t, c, model.SeverityLow)

	w := newReplyWorker(env)
	job := jobFor(t, model.RoleReply, model.ReplyPayload{CommentID: c.ID, AnalysisID: a.ID})
	require.NoError(t, w.Handle(ctx, job))
	require.NoError(t, w.Handle(ctx, job))

	assert.Len(t, fake.Replies(), 1, "a published reply must not be posted twice")

	total, err := env.store.UsageTotal(ctx, "t1", model.ResourceGeneration, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
}

func TestReplyQuotaExhausted(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newWorkerEnv(t)
	env.limitedLedger(map[string]map[string]int64{
		"pro": {"generation": 0},
	})
	env.seedIntegration(t, model.PlatformTwitter, true, "")

	c := env.seedComment(t, "pc1", "u1", "some comment")
	a := env.seedAnalysis(t, c, model.SeverityLow)

	w := newReplyWorker(env)
	err := w.Handle(ctx, jobFor(t, model.RoleReply, model.ReplyPayload{CommentID: c.ID, AnalysisID: a.ID}))
	require.Error(t, err)
	_, ok := resilience.AsPolicy(err)
	assert.True(t, ok)
}

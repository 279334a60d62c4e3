package worker

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/crowdgate/crowdgate/internal/config"
	"github.com/crowdgate/crowdgate/internal/ledger"
	"github.com/crowdgate/crowdgate/internal/model"
	"github.com/crowdgate/crowdgate/internal/platform"
	"github.com/crowdgate/crowdgate/internal/queue"
	"github.com/crowdgate/crowdgate/internal/store"
)

// timeZeroUTC widens a UsageTotal query to all recorded usage.
var timeZeroUTC = time.Time{}

// workerEnv bundles the fixtures every handler test needs: a real sqlite
// store, the in-memory queue, an unlimited ledger, and an adapter
// registry.
type workerEnv struct {
	store    *store.SQLiteStore
	queue    *queue.MemoryQueue
	ledger   *ledger.CostControl
	registry *platform.Registry
}

func newWorkerEnv(t *testing.T) *workerEnv {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	require.NoError(t, st.Migrate(ctx))
	require.NoError(t, st.UpsertTenant(ctx, &store.Tenant{ID: "t1", Name: "acme", Tier: model.TierPro}))

	return &workerEnv{
		store:    st,
		queue:    queue.NewMemory(),
		ledger:   ledger.New(st, nil, config.LedgerConfig{}),
		registry: platform.NewRegistry(),
	}
}

// limitedLedger swaps in a ledger with explicit tier limits.
func (e *workerEnv) limitedLedger(limits map[string]map[string]int64) {
	e.ledger = ledger.New(e.store, nil, config.LedgerConfig{Limits: limits})
}

func (e *workerEnv) seedComment(t *testing.T, pcid, userID, text string) *model.Comment {
	t.Helper()
	c, err := e.store.CreateComment(context.Background(), &model.Comment{
		TenantID:          "t1",
		Platform:          model.PlatformTwitter,
		PlatformCommentID: pcid,
		PlatformUserID:    userID,
		PlatformUserName:  "@" + userID,
		Text:              text,
	})
	require.NoError(t, err)
	return c
}

func (e *workerEnv) seedAnalysis(t *testing.T, c *model.Comment, sev model.Severity) *model.AnalysisResult {
	t.Helper()
	a, err := e.store.CreateAnalysisResult(context.Background(), &model.AnalysisResult{
		TenantID:   c.TenantID,
		CommentID:  c.ID,
		Score:      0.9,
		Categories: []string{"insult"},
		Severity:   sev,
	})
	require.NoError(t, err)
	return a
}

func (e *workerEnv) seedShieldAction(t *testing.T, c *model.Comment, a *model.AnalysisResult, action model.ActionType) *model.ShieldAction {
	t.Helper()
	sa, err := e.store.CreateShieldAction(context.Background(), &model.ShieldAction{
		TenantID:   c.TenantID,
		CommentID:  c.ID,
		AnalysisID: a.ID,
		Action:     action,
		Severity:   a.Severity,
		Status:     model.ActionStatusPending,
	})
	require.NoError(t, err)
	return sa
}

func (e *workerEnv) seedIntegration(t *testing.T, p model.Platform, autoReply bool, tone string) *store.Integration {
	t.Helper()
	in := &store.Integration{
		TenantID:  "t1",
		Platform:  p,
		Handle:    "@creator",
		Enabled:   true,
		AutoReply: autoReply,
		Tone:      tone,
	}
	require.NoError(t, e.store.UpsertIntegration(context.Background(), in))
	return in
}

func mustPayload(t *testing.T, v any) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func jobFor(t *testing.T, role model.JobRole, payload any) *model.Job {
	t.Helper()
	return &model.Job{
		ID:       "job-1",
		Role:     role,
		TenantID: "t1",
		Payload:  mustPayload(t, payload),
	}
}

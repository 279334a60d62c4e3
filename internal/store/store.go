// Package store persists the moderation pipeline's entities: comments,
// analysis results, shield actions, offender histories, usage records,
// replies, tenants, and platform integrations. Two drivers exist:
// postgres (pgx) for deployments and sqlite (modernc) for local runs.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/crowdgate/crowdgate/internal/model"
)

// Sentinel errors shared by both drivers.
var (
	// ErrNotFound means the requested row does not exist.
	ErrNotFound = eris.New("store: not found")
	// ErrVersionConflict means an offender history compare-and-swap lost
	// the race; the caller re-reads and recomputes.
	ErrVersionConflict = eris.New("store: version conflict")
	// ErrDuplicate means a row with the same natural key already exists.
	ErrDuplicate = eris.New("store: duplicate")
)

// Tenant is an organization: the isolation boundary for every entity and
// quota in the system.
type Tenant struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Tier      model.Tier `json:"tier"`
	CreatedAt time.Time  `json:"created_at"`
}

// Integration is one connected platform account for a tenant. The fetch
// worker polls each enabled integration.
type Integration struct {
	ID        string         `json:"id"`
	TenantID  string         `json:"tenant_id"`
	Platform  model.Platform `json:"platform"`
	Handle    string         `json:"handle"`
	Enabled   bool           `json:"enabled"`
	AutoReply bool           `json:"auto_reply"`
	Tone      string         `json:"tone"`
	CreatedAt time.Time      `json:"created_at"`
}

// ActionFilter selects shield actions for listing.
type ActionFilter struct {
	TenantID string             `json:"tenant_id,omitempty"`
	Status   model.ActionStatus `json:"status,omitempty"`
	Limit    int                `json:"limit,omitempty"`
}

// Store defines the persistence contract for the moderation pipeline.
//
// Create methods for comments, analysis results, shield actions, replies
// and usage records are idempotent on their natural keys: re-inserting an
// existing row returns the stored row with ErrDuplicate so redelivered
// jobs can detect prior completion without side effects.
type Store interface {
	// Tenants & integrations
	UpsertTenant(ctx context.Context, t *Tenant) error
	GetTenant(ctx context.Context, id string) (*Tenant, error)
	UpsertIntegration(ctx context.Context, in *Integration) error
	GetIntegration(ctx context.Context, id string) (*Integration, error)
	ListIntegrations(ctx context.Context, onlyEnabled bool) ([]Integration, error)

	// Comments
	CreateComment(ctx context.Context, c *model.Comment) (*model.Comment, error)
	GetComment(ctx context.Context, id string) (*model.Comment, error)

	// Analysis results
	CreateAnalysisResult(ctx context.Context, r *model.AnalysisResult) (*model.AnalysisResult, error)
	GetAnalysisResult(ctx context.Context, id string) (*model.AnalysisResult, error)
	GetAnalysisByComment(ctx context.Context, commentID string) (*model.AnalysisResult, error)

	// Shield actions
	CreateShieldAction(ctx context.Context, a *model.ShieldAction) (*model.ShieldAction, error)
	GetShieldAction(ctx context.Context, id string) (*model.ShieldAction, error)
	GetShieldActionByComment(ctx context.Context, commentID string) (*model.ShieldAction, error)
	UpdateShieldActionExecution(ctx context.Context, a *model.ShieldAction) error
	ListShieldActions(ctx context.Context, filter ActionFilter) ([]model.ShieldAction, error)

	// Offender history. GetOffender returns ErrNotFound for a clean
	// user; UpsertOffender performs a compare-and-swap on Version and
	// returns ErrVersionConflict when the stored version moved.
	GetOffender(ctx context.Context, key model.OffenderKey) (*model.OffenderHistory, error)
	UpsertOffender(ctx context.Context, h *model.OffenderHistory) error

	// Replies
	CreateReply(ctx context.Context, r *model.Reply) (*model.Reply, error)
	GetReplyByComment(ctx context.Context, commentID string) (*model.Reply, error)
	MarkReplyPublished(ctx context.Context, replyID string, at time.Time) error

	// Usage records (append-only)
	RecordUsage(ctx context.Context, rec *model.UsageRecord) error
	UsageTotal(ctx context.Context, tenantID string, resource model.ResourceType, since time.Time) (int64, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

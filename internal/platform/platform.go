// Package platform defines the adapter contract between the pipeline and
// external social platforms, plus the registry workers resolve adapters
// from. Capabilities are declared up front so the shield engine can
// degrade an action before calling into an adapter that cannot perform
// it.
package platform

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/crowdgate/crowdgate/internal/model"
)

// ErrNotRegistered means no adapter is registered for the platform.
var ErrNotRegistered = eris.New("platform: adapter not registered")

// Capabilities is the set of moderation actions an adapter supports.
type Capabilities map[model.ActionType]bool

// Supports reports whether the capability set includes the action.
// ActionNone is always supported.
func (c Capabilities) Supports(action model.ActionType) bool {
	if action == model.ActionNone {
		return true
	}
	return c[action]
}

// ActionRequest carries the target of one moderation action.
type ActionRequest struct {
	TenantID        string
	IntegrationID   string
	PlatformComment string        // platform-native comment id
	PlatformUser    string        // platform-native user id
	BlockDuration   time.Duration // 0 = permanent, blocks only
	Reason          string
}

// ActionResult reports the platform's response to a moderation action.
type ActionResult struct {
	// PlatformRef is the platform's identifier for the applied action,
	// when the platform returns one.
	PlatformRef string
	ExecutedAt  time.Time
}

// ReplyRequest carries one reply to publish.
type ReplyRequest struct {
	TenantID        string
	IntegrationID   string
	PlatformComment string // comment being replied to
	Text            string
}

// ReplyResult reports the published reply.
type ReplyResult struct {
	PlatformReplyID string
	PublishedAt     time.Time
}

// FetchRequest asks an adapter for comments newer than the cursor.
type FetchRequest struct {
	IntegrationID string
	Handle        string
	Cursor        string
	Limit         int
}

// FetchResult carries a page of raw comments and the next cursor.
type FetchResult struct {
	Comments   []model.Comment
	NextCursor string
}

// Adapter is one platform integration. Methods an adapter does not
// support per its Capabilities may return an error unconditionally; the
// shield worker never calls an unsupported method.
type Adapter interface {
	Platform() model.Platform
	Capabilities() Capabilities

	FetchComments(ctx context.Context, req FetchRequest) (*FetchResult, error)
	HideComment(ctx context.Context, req ActionRequest) (*ActionResult, error)
	MuteUser(ctx context.Context, req ActionRequest) (*ActionResult, error)
	BlockUser(ctx context.Context, req ActionRequest) (*ActionResult, error)
	UnblockUser(ctx context.Context, req ActionRequest) (*ActionResult, error)
	ReportUser(ctx context.Context, req ActionRequest) (*ActionResult, error)
	PostReply(ctx context.Context, req ReplyRequest) (*ReplyResult, error)
}

// Execute dispatches a shield action to the adapter method implementing
// it. The caller must have verified capability support.
func Execute(ctx context.Context, a Adapter, action model.ActionType, req ActionRequest) (*ActionResult, error) {
	switch action {
	case model.ActionHide:
		return a.HideComment(ctx, req)
	case model.ActionMute:
		return a.MuteUser(ctx, req)
	case model.ActionBlock:
		return a.BlockUser(ctx, req)
	case model.ActionReport:
		return a.ReportUser(ctx, req)
	case model.ActionNone:
		return &ActionResult{ExecutedAt: time.Now().UTC()}, nil
	default:
		return nil, eris.Errorf("platform: unknown action %q", action)
	}
}

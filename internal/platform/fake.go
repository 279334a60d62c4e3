package platform

import (
	"context"
	"sync"
	"time"

	"github.com/crowdgate/crowdgate/internal/model"
)

// FakeCall records one invocation against the fake adapter.
type FakeCall struct {
	Action  model.ActionType
	Request ActionRequest
}

// Fake is an in-memory adapter for tests and local runs. Capabilities
// are set at construction; every call is recorded and can be forced to
// fail.
type Fake struct {
	platform model.Platform
	caps     Capabilities

	mu      sync.Mutex
	calls   []FakeCall
	replies []ReplyRequest
	fetches []model.Comment

	// Err, when set, is returned by every action and reply call.
	Err error
}

// NewFake builds a fake adapter for the given platform supporting the
// listed actions.
func NewFake(p model.Platform, supported ...model.ActionType) *Fake {
	caps := make(Capabilities, len(supported))
	for _, a := range supported {
		caps[a] = true
	}
	return &Fake{platform: p, caps: caps}
}

func (f *Fake) Platform() model.Platform   { return f.platform }
func (f *Fake) Capabilities() Capabilities { return f.caps }

// SetComments seeds the comments returned by FetchComments.
func (f *Fake) SetComments(comments []model.Comment) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches = comments
}

// Calls returns a copy of the recorded action calls.
func (f *Fake) Calls() []FakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]FakeCall, len(f.calls))
	copy(out, f.calls)
	return out
}

// Replies returns a copy of the recorded reply publications.
func (f *Fake) Replies() []ReplyRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ReplyRequest, len(f.replies))
	copy(out, f.replies)
	return out
}

func (f *Fake) record(action model.ActionType, req ActionRequest) (*ActionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	f.calls = append(f.calls, FakeCall{Action: action, Request: req})
	return &ActionResult{PlatformRef: "fake-" + string(action), ExecutedAt: time.Now().UTC()}, nil
}

func (f *Fake) FetchComments(_ context.Context, req FetchRequest) (*FetchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	out := make([]model.Comment, len(f.fetches))
	copy(out, f.fetches)
	return &FetchResult{Comments: out}, nil
}

func (f *Fake) HideComment(_ context.Context, req ActionRequest) (*ActionResult, error) {
	return f.record(model.ActionHide, req)
}

func (f *Fake) MuteUser(_ context.Context, req ActionRequest) (*ActionResult, error) {
	return f.record(model.ActionMute, req)
}

func (f *Fake) BlockUser(_ context.Context, req ActionRequest) (*ActionResult, error) {
	return f.record(model.ActionBlock, req)
}

func (f *Fake) UnblockUser(_ context.Context, req ActionRequest) (*ActionResult, error) {
	return f.record("unblock", req)
}

func (f *Fake) ReportUser(_ context.Context, req ActionRequest) (*ActionResult, error) {
	return f.record(model.ActionReport, req)
}

func (f *Fake) PostReply(_ context.Context, req ReplyRequest) (*ReplyResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	f.replies = append(f.replies, req)
	return &ReplyResult{PlatformReplyID: "fake-reply", PublishedAt: time.Now().UTC()}, nil
}

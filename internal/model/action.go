package model

import "time"

// ActionType is a moderation action a platform adapter may support.
type ActionType string

const (
	ActionNone   ActionType = "none"
	ActionHide   ActionType = "hide"
	ActionMute   ActionType = "mute"
	ActionBlock  ActionType = "block"
	ActionReport ActionType = "report"
	// ActionReply is a capability only, never chosen by the shield engine.
	ActionReply ActionType = "reply"
)

// actionStrength orders shield actions from weakest to strongest. The
// degradation ladder walks this ordering downward when a platform lacks
// the chosen capability.
var actionStrength = map[ActionType]int{
	ActionNone:   0,
	ActionHide:   1,
	ActionMute:   2,
	ActionBlock:  3,
	ActionReport: 4,
}

// Strength returns the escalation rank of the action. Unknown actions
// rank as none.
func (a ActionType) Strength() int {
	return actionStrength[a]
}

// WeakerActions returns the shield actions strictly weaker than a, ordered
// strongest first, ending with ActionNone.
func (a ActionType) WeakerActions() []ActionType {
	ladder := []ActionType{ActionReport, ActionBlock, ActionMute, ActionHide, ActionNone}
	out := make([]ActionType, 0, len(ladder))
	for _, cand := range ladder {
		if cand.Strength() < a.Strength() {
			out = append(out, cand)
		}
	}
	return out
}

// ActionStatus tracks a shield action through execution.
type ActionStatus string

const (
	ActionStatusPending      ActionStatus = "pending"
	ActionStatusExecuted     ActionStatus = "executed"
	ActionStatusFailed       ActionStatus = "failed"
	ActionStatusSkipped      ActionStatus = "skipped"
	ActionStatusManualReview ActionStatus = "manual_review"
)

// ShieldAction is the moderation decision for one comment and its
// execution state. Created by the decision engine, transitioned by the
// shield action worker.
type ShieldAction struct {
	ID           string       `json:"id"`
	TenantID     string       `json:"tenant_id"`
	CommentID    string       `json:"comment_id"`
	AnalysisID   string       `json:"analysis_id"`
	Action       ActionType   `json:"action"`
	Severity     Severity     `json:"severity"`
	OffenseLevel int          `json:"offense_level"`
	Status       ActionStatus `json:"status"`
	// ExecutedAction records what actually ran after capability
	// degradation; equals Action when no degradation occurred.
	ExecutedAction ActionType `json:"executed_action,omitempty"`
	Degraded       bool       `json:"degraded"`
	Reason         string     `json:"reason,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	ExecutedAt     *time.Time `json:"executed_at,omitempty"`
}

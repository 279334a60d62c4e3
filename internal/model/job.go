package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// JobRole names the worker pool a job is addressed to.
type JobRole string

const (
	RoleFetch        JobRole = "fetch"
	RoleAnalysis     JobRole = "analysis"
	RoleShieldAction JobRole = "shield_action"
	RoleReply        JobRole = "reply"
)

// AllRoles lists every worker role in pipeline order.
func AllRoles() []JobRole {
	return []JobRole{RoleFetch, RoleAnalysis, RoleShieldAction, RoleReply}
}

// Priority orders jobs within a role. Higher priorities always dequeue
// first; equal priorities are FIFO.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// JobStatus tracks a job through the queue lifecycle.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusDeadLetter JobStatus = "dead_letter"
	JobStatusCancelled  JobStatus = "cancelled"
)

// Job is one unit of pipeline work. The payload is role-specific JSON;
// IdempotencyKey is unique per (tenant, source event) so redelivery never
// double-executes side effects.
type Job struct {
	ID             string          `json:"id"`
	Role           JobRole         `json:"role"`
	TenantID       string          `json:"tenant_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Priority       Priority        `json:"priority"`
	Payload        json.RawMessage `json:"payload"`
	PayloadHash    string          `json:"payload_hash"`
	Attempt        int             `json:"attempt"`
	MaxAttempts    int             `json:"max_attempts"`
	Status         JobStatus       `json:"status"`
	LastError      string          `json:"last_error,omitempty"`
	EnqueuedAt     time.Time       `json:"enqueued_at"`
	LeasedAt       *time.Time      `json:"leased_at,omitempty"`
	LeaseExpiresAt *time.Time      `json:"lease_expires_at,omitempty"`
}

// HashPayload returns the hex SHA-256 of a payload, used to detect
// idempotency key reuse with a divergent payload.
func HashPayload(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// FetchPayload asks the fetch worker to poll one integration.
type FetchPayload struct {
	Platform      Platform `json:"platform"`
	IntegrationID string   `json:"integration_id"`
}

// AnalysisPayload asks the analysis worker to score one comment.
type AnalysisPayload struct {
	CommentID string `json:"comment_id"`
}

// ShieldActionPayload asks the shield action worker to execute a decided
// moderation action.
type ShieldActionPayload struct {
	ShieldActionID string `json:"shield_action_id"`
}

// ReplyPayload asks the reply worker to generate (and maybe publish) an
// automated response to a comment.
type ReplyPayload struct {
	CommentID  string `json:"comment_id"`
	AnalysisID string `json:"analysis_id"`
}

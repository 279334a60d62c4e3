package model

import "time"

// ResourceType names a metered resource consumed by pipeline stages.
type ResourceType string

const (
	ResourceIngestion      ResourceType = "ingestion"
	ResourceClassification ResourceType = "classification"
	ResourceGeneration     ResourceType = "generation"
	ResourcePlatformAction ResourceType = "platform_action"
	// ResourceAccounts caps concurrently enabled platform integrations
	// per tenant. It is a standing limit, not a monthly allowance, so it
	// never appears in usage records.
	ResourceAccounts ResourceType = "accounts"
)

// AllResources lists every metered resource type.
func AllResources() []ResourceType {
	return []ResourceType{
		ResourceIngestion,
		ResourceClassification,
		ResourceGeneration,
		ResourcePlatformAction,
	}
}

// UsageRecord is one append-only metering entry. Cost control aggregates
// these per tenant and billing period; individual rows are never updated.
type UsageRecord struct {
	ID             string       `json:"id"`
	TenantID       string       `json:"tenant_id"`
	Resource       ResourceType `json:"resource"`
	Quantity       int64        `json:"quantity"`
	IdempotencyKey string       `json:"idempotency_key,omitempty"`
	RecordedAt     time.Time    `json:"recorded_at"`
}

// Tier is a tenant billing tier.
type Tier string

const (
	TierFree    Tier = "free"
	TierStarter Tier = "starter"
	TierPro     Tier = "pro"
	TierPlus    Tier = "plus"
)

// Reply is a generated automated response to a comment, optionally
// published back to the originating platform.
type Reply struct {
	ID          string     `json:"id"`
	TenantID    string     `json:"tenant_id"`
	CommentID   string     `json:"comment_id"`
	Text        string     `json:"text"`
	Tone        string     `json:"tone"`
	Published   bool       `json:"published"`
	CreatedAt   time.Time  `json:"created_at"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
}

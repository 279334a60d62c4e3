package model

import "time"

// Platform identifies an external social platform an integration targets.
type Platform string

const (
	PlatformTwitter  Platform = "twitter"
	PlatformYouTube  Platform = "youtube"
	PlatformDiscord  Platform = "discord"
	PlatformTwitch   Platform = "twitch"
	PlatformBluesky  Platform = "bluesky"
	PlatformFacebook Platform = "facebook"
)

// Comment is a user-generated comment ingested from an external platform.
// Immutable once created: the fetch worker writes it, downstream stages
// only read it.
type Comment struct {
	ID                string    `json:"id"`
	TenantID          string    `json:"tenant_id"`
	Platform          Platform  `json:"platform"`
	PlatformCommentID string    `json:"platform_comment_id"`
	PlatformUserID    string    `json:"platform_user_id"`
	PlatformUserName  string    `json:"platform_user_name"`
	Text              string    `json:"text"`
	IngestedAt        time.Time `json:"ingested_at"`
}

// OffenderKey identifies a platform user within a tenant. It is the unit
// of mutual exclusion for offender history updates.
type OffenderKey struct {
	TenantID       string   `json:"tenant_id"`
	Platform       Platform `json:"platform"`
	PlatformUserID string   `json:"platform_user_id"`
}

// Offender returns the offender key for the comment's author.
func (c *Comment) Offender() OffenderKey {
	return OffenderKey{
		TenantID:       c.TenantID,
		Platform:       c.Platform,
		PlatformUserID: c.PlatformUserID,
	}
}

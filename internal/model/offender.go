package model

import "time"

// OffenderHistory is the rolling violation record for one platform user
// within a tenant. Append-only counters: rows are never deleted, the
// decision engine bumps them under a per-key compare-and-swap.
type OffenderHistory struct {
	Key             OffenderKey  `json:"key"`
	TotalViolations int          `json:"total_violations"`
	Actions         []ActionType `json:"actions"`
	FirstSeenAt     time.Time    `json:"first_seen_at"`
	LastSeenAt      time.Time    `json:"last_seen_at"`
	// Version guards the read-modify-write cycle. A store update must
	// match the version it read or the decision is recomputed.
	Version int64 `json:"version"`
}

// LastAction returns the most recent action taken against the offender,
// or ActionNone for a clean history.
func (h *OffenderHistory) LastAction() ActionType {
	if len(h.Actions) == 0 {
		return ActionNone
	}
	return h.Actions[len(h.Actions)-1]
}

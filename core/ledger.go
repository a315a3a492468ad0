package core

import (
	"fmt"
	"time"
)

// GrantStatus tracks a ledger entry through the grant sequence.
type GrantStatus string

const (
	// GrantPending entries have been written but not all of their rewards
	// are confirmed applied. Replayed on startup and on evaluation passes.
	GrantPending GrantStatus = "pending"
	// GrantApplied entries are fully settled and never re-applied.
	GrantApplied GrantStatus = "applied"
)

// LedgerEntry is the append-only record that makes reward application
// idempotent across crashes and retries. It is written before any reward
// side effect; AppliedCount advances one reward at a time so a retry
// resumes exactly where the previous attempt stopped.
type LedgerEntry struct {
	PlayerID PlayerID    `json:"player_id"`
	ItemID   ItemID      `json:"item_id"`
	Family   Family      `json:"family,omitempty"`
	Tier     int         `json:"tier"`
	Rewards  []Reward    `json:"rewards"`
	Status   GrantStatus `json:"status"`
	// AppliedCount is how many rewards (prefix of Rewards) have been
	// applied to player state so far.
	AppliedCount int       `json:"applied_count"`
	Attempts     int       `json:"attempts"`
	CreatedAt    time.Time `json:"created_at"`
	GrantedAt    time.Time `json:"granted_at,omitempty"`
}

// Settled reports whether every reward in the entry has been applied.
func (e LedgerEntry) Settled() bool {
	return e.Status == GrantApplied
}

// GrantKey builds the stable storage key for a (player, item, tier) grant.
func GrantKey(player PlayerID, item ItemID, tier int) string {
	return fmt.Sprintf("%s|%s|%d", player, item, tier)
}

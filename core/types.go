package core

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// PlayerID uniquely identifies a player in the progression domain.
type PlayerID string

// ItemID identifies a tracked item, unique within its family.
type ItemID string

// Family groups tracked items that share a refresh cadence and lifecycle.
type Family string

const (
	FamilyAchievement Family = "achievement"
	FamilyQuest       Family = "quest"
	FamilyEvent       Family = "event"
	FamilySeason      Family = "season"
	FamilyTournament  Family = "tournament"
	FamilyLeaderboard Family = "leaderboard"
	FamilyReferral    Family = "referral"
)

// Families returns every known family in a stable order.
func Families() []Family {
	return []Family{
		FamilyAchievement, FamilyQuest, FamilyEvent, FamilySeason,
		FamilyTournament, FamilyLeaderboard, FamilyReferral,
	}
}

// ValidFamily reports whether f is one of the known families.
func ValidFamily(f Family) bool {
	for _, known := range Families() {
		if f == known {
			return true
		}
	}
	return false
}

// Threshold is one rung of an item's ladder: reaching Required value
// earns the rewards attached to Tier.
type Threshold struct {
	Tier     int     `json:"tier"`
	Required float64 `json:"required"`
}

// ItemState is the lifecycle state of a time-boxed tracked item.
// StateExpired and StateCompleted are terminal.
type ItemState string

const (
	StateUpcoming  ItemState = "upcoming"
	StateActive    ItemState = "active"
	StateExpired   ItemState = "expired"
	StateCompleted ItemState = "completed"
)

// TrackedItem describes one trackable goal ladder: an achievement, quest,
// event, season tier ladder, tournament slot, or leaderboard entry.
type TrackedItem struct {
	ID          ItemID           `json:"id"`
	Family      Family           `json:"family"`
	Name        string           `json:"name,omitempty"`
	Description string           `json:"description,omitempty"`
	Thresholds  []Threshold      `json:"thresholds"`
	Rewards     map[int][]Reward `json:"rewards,omitempty"`
	// ManualClaim items only grant on an explicit Claim call; crossed
	// tiers sit in the claimable list until then. The default is
	// automatic granting as soon as a tier is crossed.
	ManualClaim bool `json:"manual_claim,omitempty"`
	// Start, if set, is when the item becomes active. Nil means active
	// immediately.
	Start *time.Time `json:"start,omitempty"`
	// Expiry, if set, is when the item stops accepting progress. Nil means
	// non-expiring (permanent achievements).
	Expiry *time.Time `json:"expiry,omitempty"`
}

// Expired reports whether the item's expiry has passed at now.
func (it TrackedItem) Expired(now time.Time) bool {
	return it.Expiry != nil && !now.Before(*it.Expiry)
}

// StateAt computes the lifecycle state at now. A completed item stays
// completed; otherwise expiry wins over everything else.
func (it TrackedItem) StateAt(now time.Time, completed bool) ItemState {
	if completed {
		return StateCompleted
	}
	if it.Expired(now) {
		return StateExpired
	}
	if it.Start != nil && now.Before(*it.Start) {
		return StateUpcoming
	}
	return StateActive
}

// Validate checks structural invariants: known family, non-empty id,
// thresholds strictly increasing in both tier and required value, and
// rewards referencing defined tiers only.
func (it TrackedItem) Validate() error {
	if strings.TrimSpace(string(it.ID)) == "" {
		return errors.New("empty item id")
	}
	if !ValidFamily(it.Family) {
		return fmt.Errorf("unknown family %q", it.Family)
	}
	tiers := make(map[int]struct{}, len(it.Thresholds))
	for i, th := range it.Thresholds {
		if i > 0 {
			prev := it.Thresholds[i-1]
			if th.Tier <= prev.Tier {
				return fmt.Errorf("item %s: threshold tiers not strictly increasing at index %d", it.ID, i)
			}
			if th.Required <= prev.Required {
				return fmt.Errorf("item %s: threshold values not strictly increasing at index %d", it.ID, i)
			}
		}
		tiers[th.Tier] = struct{}{}
	}
	for tier, rewards := range it.Rewards {
		if _, ok := tiers[tier]; !ok {
			return fmt.Errorf("item %s: rewards reference undefined tier %d", it.ID, tier)
		}
		for _, r := range rewards {
			if err := r.Validate(); err != nil {
				return fmt.Errorf("item %s tier %d: %w", it.ID, tier, err)
			}
		}
	}
	if it.Start != nil && it.Expiry != nil && !it.Start.Before(*it.Expiry) {
		return fmt.Errorf("item %s: start must precede expiry", it.ID)
	}
	return nil
}

// ThresholdFor returns the threshold with the given tier index.
func (it TrackedItem) ThresholdFor(tier int) (Threshold, bool) {
	for _, th := range it.Thresholds {
		if th.Tier == tier {
			return th, true
		}
	}
	return Threshold{}, false
}

// Progress is the mutable state for one (player, item) pair.
// CurrentValue never decreases once written; ClaimedTiers only grows.
type Progress struct {
	PlayerID     PlayerID         `json:"player_id"`
	ItemID       ItemID           `json:"item_id"`
	CurrentValue float64          `json:"current_value"`
	ClaimedTiers map[int]struct{} `json:"claimed_tiers,omitempty"`
	LastUpdated  time.Time        `json:"last_updated"`
}

// NewProgress creates a fresh Progress record for the pair.
func NewProgress(player PlayerID, item ItemID, observed float64, now time.Time) Progress {
	return Progress{
		PlayerID:     player,
		ItemID:       item,
		CurrentValue: observed,
		ClaimedTiers: map[int]struct{}{},
		LastUpdated:  now,
	}
}

// Clone returns a deep copy so callers can hand out snapshots safely.
func (p Progress) Clone() Progress {
	cp := p
	cp.ClaimedTiers = make(map[int]struct{}, len(p.ClaimedTiers))
	for t := range p.ClaimedTiers {
		cp.ClaimedTiers[t] = struct{}{}
	}
	return cp
}

// Merge folds observed into p using max-merge semantics: the value never
// rolls backward, LastUpdated always advances to now. Returns true when
// the value actually increased.
func (p *Progress) Merge(observed float64, now time.Time) bool {
	increased := observed > p.CurrentValue
	if increased {
		p.CurrentValue = observed
	}
	p.LastUpdated = now
	return increased
}

// Claimed reports whether tier has already been rewarded.
func (p Progress) Claimed(tier int) bool {
	_, ok := p.ClaimedTiers[tier]
	return ok
}

// NormalizePlayerID trims and lowercases player identifiers.
func NormalizePlayerID(id PlayerID) (PlayerID, error) {
	s := strings.TrimSpace(string(id))
	if s == "" {
		return "", errors.New("empty player id")
	}
	return PlayerID(strings.ToLower(s)), nil
}

// ProgressKey builds the stable storage key for a (player, item) pair.
func ProgressKey(player PlayerID, item ItemID) string {
	return string(player) + "|" + string(item)
}

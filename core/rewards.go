package core

import (
	"fmt"
	"strings"
)

// RewardKind discriminates the reward union. Evaluation and grant sites
// switch exhaustively on it; adding a kind means updating those switches.
type RewardKind string

const (
	// RewardCurrency grants Amount units of the soft/hard currency named by Ref.
	RewardCurrency RewardKind = "currency"
	// RewardItem grants Amount copies of the inventory item named by Ref.
	RewardItem RewardKind = "item"
	// RewardUnlock permanently unlocks the feature or cosmetic named by Ref.
	RewardUnlock RewardKind = "unlock"
	// RewardXP grants Amount experience points toward the season ladder.
	RewardXP RewardKind = "xp"
)

// Reward is a single reward descriptor attached to a tier.
type Reward struct {
	Kind   RewardKind `json:"kind"`
	Amount int64      `json:"amount,omitempty"`
	Ref    string     `json:"ref,omitempty"`
}

// Validate checks the descriptor is well-formed for its kind.
func (r Reward) Validate() error {
	switch r.Kind {
	case RewardCurrency, RewardItem, RewardXP:
		if r.Amount <= 0 {
			return fmt.Errorf("%s reward requires positive amount", r.Kind)
		}
		if r.Kind != RewardXP && strings.TrimSpace(r.Ref) == "" {
			return fmt.Errorf("%s reward requires a ref", r.Kind)
		}
	case RewardUnlock:
		if strings.TrimSpace(r.Ref) == "" {
			return fmt.Errorf("unlock reward requires a ref")
		}
	default:
		return fmt.Errorf("unknown reward kind %q", r.Kind)
	}
	return nil
}

// String renders a short human-readable form used in logs.
func (r Reward) String() string {
	switch r.Kind {
	case RewardCurrency:
		return fmt.Sprintf("%d %s", r.Amount, r.Ref)
	case RewardItem:
		return fmt.Sprintf("%dx %s", r.Amount, r.Ref)
	case RewardUnlock:
		return fmt.Sprintf("unlock %s", r.Ref)
	case RewardXP:
		return fmt.Sprintf("%d xp", r.Amount)
	}
	return string(r.Kind)
}

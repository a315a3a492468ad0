package core

import "time"

// EventType enumerates domain events.
type EventType string

const (
	EventProgressUpdated EventType = "progress_updated"
	EventTierCrossed     EventType = "tier_crossed"
	EventRewardGranted   EventType = "reward_granted"
	EventItemExpired     EventType = "item_expired"
	EventItemCompleted   EventType = "item_completed"
	EventCacheRefreshed  EventType = "cache_refreshed"
)

// Event represents an immutable domain event.
type Event struct {
	Type     EventType      `json:"type"`
	Time     time.Time      `json:"time"`
	PlayerID PlayerID       `json:"player_id,omitempty"`
	ItemID   ItemID         `json:"item_id,omitempty"`
	Family   Family         `json:"family,omitempty"`
	Tier     int            `json:"tier,omitempty"`
	Value    float64        `json:"value,omitempty"`
	Rewards  []Reward       `json:"rewards,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func NewProgressUpdated(player PlayerID, item ItemID, family Family, value float64) Event {
	return Event{Type: EventProgressUpdated, Time: time.Now().UTC(), PlayerID: player, ItemID: item, Family: family, Value: value}
}

func NewTierCrossed(player PlayerID, item ItemID, family Family, tier int, value float64) Event {
	return Event{Type: EventTierCrossed, Time: time.Now().UTC(), PlayerID: player, ItemID: item, Family: family, Tier: tier, Value: value}
}

func NewRewardGranted(player PlayerID, item ItemID, family Family, tier int, rewards []Reward) Event {
	return Event{Type: EventRewardGranted, Time: time.Now().UTC(), PlayerID: player, ItemID: item, Family: family, Tier: tier, Rewards: rewards}
}

func NewItemExpired(item ItemID, family Family) Event {
	return Event{Type: EventItemExpired, Time: time.Now().UTC(), ItemID: item, Family: family}
}

func NewItemCompleted(item ItemID, family Family) Event {
	return Event{Type: EventItemCompleted, Time: time.Now().UTC(), ItemID: item, Family: family}
}

func NewCacheRefreshed(family Family, count int) Event {
	return Event{Type: EventCacheRefreshed, Time: time.Now().UTC(), Family: family, Metadata: map[string]any{"items": count}}
}

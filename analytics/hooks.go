package analytics

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"progresskit/core"
)

// Hook receives domain events for KPI aggregation.
type Hook interface {
	OnEvent(e core.Event)
}

// ActivePlayers tracks distinct players seen per day, ISO week and month.
type ActivePlayers struct {
	mu     sync.Mutex
	days   map[string]map[core.PlayerID]struct{}
	weeks  map[string]map[core.PlayerID]struct{}
	months map[string]map[core.PlayerID]struct{}
}

func NewActivePlayers() *ActivePlayers {
	return &ActivePlayers{
		days:   map[string]map[core.PlayerID]struct{}{},
		weeks:  map[string]map[core.PlayerID]struct{}{},
		months: map[string]map[core.PlayerID]struct{}{},
	}
}

func (a *ActivePlayers) OnEvent(e core.Event) {
	if e.PlayerID == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	mark(a.days, dayKey(e.Time), e.PlayerID)
	mark(a.weeks, weekKey(e.Time), e.PlayerID)
	mark(a.months, monthKey(e.Time), e.PlayerID)
}

// Daily returns the distinct player count for a day key ("2026-08-30").
func (a *ActivePlayers) Daily(day string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.days[day])
}

// Weekly returns the distinct player count for an ISO week key ("2026-W35").
func (a *ActivePlayers) Weekly(week string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.weeks[week])
}

// Monthly returns the distinct player count for a month key ("2026-08").
func (a *ActivePlayers) Monthly(month string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.months[month])
}

func mark(buckets map[string]map[core.PlayerID]struct{}, key string, player core.PlayerID) {
	m := buckets[key]
	if m == nil {
		m = map[core.PlayerID]struct{}{}
		buckets[key] = m
	}
	m[player] = struct{}{}
}

// Metrics aggregates progression KPIs from the event stream: tier
// crossings, grants, claim pressure and item lifecycle churn.
type Metrics struct {
	mu sync.RWMutex

	grantsByDay    map[string]int64
	grantsByFamily map[core.Family]int64
	grantsByItem   map[core.ItemID]int64

	rewardUnitsByKind map[core.RewardKind]int64
	rewardUnitsByRef  map[string]int64

	tierCrossingsByItem map[core.ItemID]int64
	tierReached         map[core.ItemID]map[int]int64

	expiredByFamily   map[core.Family]int64
	completedByFamily map[core.Family]int64

	progressUpdates int64
}

func NewMetrics() *Metrics {
	return &Metrics{
		grantsByDay:         make(map[string]int64),
		grantsByFamily:      make(map[core.Family]int64),
		grantsByItem:        make(map[core.ItemID]int64),
		rewardUnitsByKind:   make(map[core.RewardKind]int64),
		rewardUnitsByRef:    make(map[string]int64),
		tierCrossingsByItem: make(map[core.ItemID]int64),
		tierReached:         make(map[core.ItemID]map[int]int64),
		expiredByFamily:     make(map[core.Family]int64),
		completedByFamily:   make(map[core.Family]int64),
	}
}

func (m *Metrics) OnEvent(e core.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch e.Type {
	case core.EventProgressUpdated:
		m.progressUpdates++

	case core.EventTierCrossed:
		m.tierCrossingsByItem[e.ItemID]++
		if m.tierReached[e.ItemID] == nil {
			m.tierReached[e.ItemID] = make(map[int]int64)
		}
		m.tierReached[e.ItemID][e.Tier]++

	case core.EventRewardGranted:
		m.grantsByDay[dayKey(e.Time)]++
		m.grantsByFamily[e.Family]++
		m.grantsByItem[e.ItemID]++
		for _, r := range e.Rewards {
			amount := r.Amount
			if r.Kind == core.RewardUnlock {
				amount = 1
			}
			m.rewardUnitsByKind[r.Kind] += amount
			if r.Ref != "" {
				m.rewardUnitsByRef[r.Ref] += amount
			}
		}

	case core.EventItemExpired:
		m.expiredByFamily[e.Family]++

	case core.EventItemCompleted:
		m.completedByFamily[e.Family]++
	}
}

// GrantsOnDay returns the number of reward grants recorded on a day key.
func (m *Metrics) GrantsOnDay(day string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.grantsByDay[day]
}

// GrantsForFamily returns the total grants for a family.
func (m *Metrics) GrantsForFamily(family core.Family) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.grantsByFamily[family]
}

// RewardUnits returns the accumulated reward amount for a kind.
// Unlocks count one unit each.
func (m *Metrics) RewardUnits(kind core.RewardKind) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rewardUnitsByKind[kind]
}

// RewardUnitsForRef returns the accumulated amount granted under a
// reward reference such as a currency name.
func (m *Metrics) RewardUnitsForRef(ref string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rewardUnitsByRef[ref]
}

// TierCrossings returns how many tiers were crossed on an item.
func (m *Metrics) TierCrossings(item core.ItemID) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tierCrossingsByItem[item]
}

// TierReached returns how many times the given tier was reached on an item.
func (m *Metrics) TierReached(item core.ItemID, tier int) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tierReached[item][tier]
}

// ExpiredItems returns the number of expiry sweeps recorded for a family.
func (m *Metrics) ExpiredItems(family core.Family) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.expiredByFamily[family]
}

// ProgressUpdates returns the total number of progress writes observed.
func (m *Metrics) ProgressUpdates() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.progressUpdates
}

// itemCount pairs an item with a counter for ranked reporting.
type itemCount struct {
	Item  core.ItemID `json:"item"`
	Count int64       `json:"count"`
}

// TopItemsByGrants returns up to limit items ranked by grant count.
func (m *Metrics) TopItemsByGrants(limit int) []itemCount {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ranked := make([]itemCount, 0, len(m.grantsByItem))
	for item, count := range m.grantsByItem {
		ranked = append(ranked, itemCount{Item: item, Count: count})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Count != ranked[j].Count {
			return ranked[i].Count > ranked[j].Count
		}
		return ranked[i].Item < ranked[j].Item
	})
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked
}

func dayKey(t time.Time) string { return t.UTC().Format("2006-01-02") }

func weekKey(t time.Time) string {
	year, week := t.UTC().ISOWeek()
	return fmt.Sprintf("%d-W%02d", year, week)
}

func monthKey(t time.Time) string { return t.UTC().Format("2006-01") }

package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	mem "progresskit/adapters/memory"
	"progresskit/core"
)

// fakeSink records applied rewards and can be told to fail the next N
// applications of a given reward ref.
type fakeSink struct {
	mu      sync.Mutex
	applied []core.Reward
	failOn  map[string]int
}

func newFakeSink() *fakeSink {
	return &fakeSink{failOn: map[string]int{}}
}

func (f *fakeSink) ApplyReward(_ context.Context, _ core.PlayerID, r core.Reward) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n := f.failOn[r.Ref]; n > 0 {
		f.failOn[r.Ref] = n - 1
		return errors.New("sink unavailable")
	}
	f.applied = append(f.applied, r)
	return nil
}

func (f *fakeSink) failNext(ref string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failOn[ref] = n
}

func (f *fakeSink) total(ref string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var sum int64
	for _, r := range f.applied {
		if r.Ref == ref {
			sum += r.Amount
		}
	}
	return sum
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.applied)
}

// fakeGateway serves canned definitions and progress and counts fetches.
type fakeGateway struct {
	mu       sync.Mutex
	items    map[core.Family][]core.TrackedItem
	progress map[core.PlayerID][]core.Progress
	pushed   []core.Progress
	fetches  int
	fetchErr error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		items:    map[core.Family][]core.TrackedItem{},
		progress: map[core.PlayerID][]core.Progress{},
	}
}

func (g *fakeGateway) FetchItems(_ context.Context, family core.Family) ([]core.TrackedItem, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fetches++
	if g.fetchErr != nil {
		return nil, g.fetchErr
	}
	return g.items[family], nil
}

func (g *fakeGateway) FetchProgress(_ context.Context, player core.PlayerID, family core.Family) ([]core.Progress, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []core.Progress
	for _, p := range g.progress[player] {
		out = append(out, p.Clone())
	}
	return out, nil
}

func (g *fakeGateway) PushProgress(_ context.Context, p core.Progress) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pushed = append(g.pushed, p)
	return nil
}

func dailyWins() core.TrackedItem {
	return core.TrackedItem{
		ID:         "daily_wins",
		Family:     core.FamilyQuest,
		Name:       "Daily Wins",
		Thresholds: []core.Threshold{{Tier: 0, Required: 1}, {Tier: 1, Required: 3}},
		Rewards: map[int][]core.Reward{
			0: {{Kind: core.RewardCurrency, Amount: 50, Ref: "coins"}},
			1: {{Kind: core.RewardCurrency, Amount: 100, Ref: "coins"}},
		},
	}
}

func newTestTracker(opts ...TrackerOption) (*Tracker, *mem.Store, *fakeSink) {
	store := mem.New()
	sink := newFakeSink()
	bus := NewEventBus(DispatchSync)
	tr := NewTracker(store, sink, bus, opts...)
	return tr, store, sink
}

func mustUpsert(tr *Tracker, items ...core.TrackedItem) {
	for _, it := range items {
		if err := tr.Catalog().Upsert(it); err != nil {
			panic(err)
		}
	}
}

func expiredAt(t time.Time) *time.Time { return &t }

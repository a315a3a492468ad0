package engine

import (
	"context"
	"testing"
	"time"

	"progresskit/core"
)

func TestSchedulerPrimesDefinitionsOnStart(t *testing.T) {
	gw := newFakeGateway()
	gw.items[core.FamilyQuest] = []core.TrackedItem{dailyWins()}
	tr, _, _ := newTestTracker(WithGateway(gw))

	s := NewScheduler(tr, []FamilySchedule{{Family: core.FamilyQuest, Interval: time.Hour}})
	s.Start()
	defer s.Stop()

	deadline := time.After(2 * time.Second)
	for {
		if items := tr.GetActiveItems(core.FamilyQuest); len(items) == 1 {
			return
		}
		select {
		case <-deadline:
			t.Fatal("initial tick never primed the catalog")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestSchedulerSweepsExpiredOnTick(t *testing.T) {
	gw := newFakeGateway()
	gone := dailyWins()
	gone.ID = "old_quest"
	gone.Expiry = expiredAt(time.Now().UTC().Add(-time.Hour))
	gw.items[core.FamilyQuest] = []core.TrackedItem{dailyWins(), gone}
	tr, store, _ := newTestTracker(WithGateway(gw))

	ctx := context.Background()
	if err := store.PutProgress(ctx, core.NewProgress("p1", "old_quest", 2, time.Now().UTC())); err != nil {
		t.Fatal(err)
	}

	expired := make(chan core.Event, 4)
	tr.Bus().Subscribe(core.EventItemExpired, func(_ context.Context, ev core.Event) { expired <- ev })

	s := NewScheduler(tr, []FamilySchedule{{Family: core.FamilyQuest, Interval: time.Hour}})
	s.Start()
	defer s.Stop()

	select {
	case ev := <-expired:
		if ev.ItemID != "old_quest" {
			t.Fatalf("expired event for %s, want old_quest", ev.ItemID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("sweep never fired")
	}

	archived, err := tr.GetArchived(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if len(archived) != 1 || archived[0].ItemID != "old_quest" {
		t.Fatalf("archived = %v, want old_quest progress", archived)
	}
	if _, ok, _ := store.GetProgress(ctx, "p1", "old_quest"); ok {
		t.Fatal("live progress survived the sweep")
	}
}

func TestSchedulerTicksOnInterval(t *testing.T) {
	gw := newFakeGateway()
	gw.items[core.FamilyQuest] = []core.TrackedItem{dailyWins()}
	tr, _, _ := newTestTracker(WithDefinitionTTL(core.FamilyQuest, time.Nanosecond), WithGateway(gw))

	s := NewScheduler(tr, []FamilySchedule{{Family: core.FamilyQuest, Interval: 20 * time.Millisecond}})
	s.Start()
	defer s.Stop()

	deadline := time.After(2 * time.Second)
	for {
		gw.mu.Lock()
		n := gw.fetches
		gw.mu.Unlock()
		if n >= 3 {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("only %d definition fetches, ticker not firing", n)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestSchedulerStartStopIdempotent(t *testing.T) {
	tr, _, _ := newTestTracker()
	s := NewScheduler(tr, []FamilySchedule{{Family: core.FamilyQuest, Interval: time.Hour}})
	s.Start()
	s.Start()
	s.Stop()
	s.Stop()
}

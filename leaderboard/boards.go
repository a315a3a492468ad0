package leaderboard

import (
	"context"
	"sync"

	"progresskit/core"
	"progresskit/engine"
)

// ItemBoards maintains one board per tracked item, fed from the domain
// event stream. Boards are created lazily on first progress.
type ItemBoards struct {
	mu     sync.RWMutex
	boards map[core.ItemID]*SkipList
}

func NewItemBoards() *ItemBoards {
	return &ItemBoards{boards: map[core.ItemID]*SkipList{}}
}

// Board returns the board for an item, if any progress was recorded on it.
func (ib *ItemBoards) Board(item core.ItemID) (Board, bool) {
	ib.mu.RLock()
	defer ib.mu.RUnlock()
	b, ok := ib.boards[item]
	return b, ok
}

// Record applies a progress value to the item's board.
func (ib *ItemBoards) Record(item core.ItemID, player core.PlayerID, value float64) {
	ib.mu.Lock()
	b := ib.boards[item]
	if b == nil {
		b = NewSkipList()
		ib.boards[item] = b
	}
	ib.mu.Unlock()
	b.Update(player, value)
}

// Drop discards the board for an item, typically after it expires.
func (ib *ItemBoards) Drop(item core.ItemID) {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	delete(ib.boards, item)
}

// Attach subscribes the boards to a bus: progress updates feed the
// rankings, expiry drops the board. Returns a detach function.
func (ib *ItemBoards) Attach(bus *engine.EventBus) func() {
	unsubProgress := bus.Subscribe(core.EventProgressUpdated, func(_ context.Context, e core.Event) {
		if e.PlayerID == "" || e.ItemID == "" {
			return
		}
		ib.Record(e.ItemID, e.PlayerID, e.Value)
	})
	unsubExpired := bus.Subscribe(core.EventItemExpired, func(_ context.Context, e core.Event) {
		ib.Drop(e.ItemID)
	})
	return func() {
		unsubProgress()
		unsubExpired()
	}
}

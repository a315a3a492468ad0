package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"progresskit/core"
)

// DefaultMaxGrantAttempts bounds how many evaluation passes retry a
// failing tier grant before it is abandoned with an operator-visible error.
const DefaultMaxGrantAttempts = 5

// GrantEngine applies tier rewards exactly once per (player, item, tier).
// The ledger entry is written before any reward side effect; AppliedCount
// is persisted after every reward so a crash or sink failure at any point
// resumes without double-applying.
type GrantEngine struct {
	storage     Storage
	sink        RewardSink
	bus         *EventBus
	locks       keyedMutex
	maxAttempts int
	now         func() time.Time
}

func NewGrantEngine(storage Storage, sink RewardSink, bus *EventBus) *GrantEngine {
	if storage == nil || sink == nil || bus == nil {
		panic("NewGrantEngine requires non-nil storage, sink, and bus")
	}
	return &GrantEngine{
		storage:     storage,
		sink:        sink,
		bus:         bus,
		maxAttempts: DefaultMaxGrantAttempts,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetMaxAttempts overrides the abandon bound. Values < 1 are ignored.
func (g *GrantEngine) SetMaxAttempts(n int) {
	if n >= 1 {
		g.maxAttempts = n
	}
}

// SetClock injects a time source for tests.
func (g *GrantEngine) SetClock(now func() time.Time) {
	if now != nil {
		g.now = now
	}
}

// Grant runs the idempotent grant sequence for one tier. Returns nil when
// the tier ends up fully granted, including the case where it already was.
// A sink failure leaves a pending ledger entry behind and returns
// core.ErrPartialGrant (or core.ErrGrantAbandoned once the attempt bound
// is hit); the next evaluation pass retries the remaining rewards only.
func (g *GrantEngine) Grant(ctx context.Context, player core.PlayerID, item core.ItemID, family core.Family, tier int, rewards []core.Reward) error {
	key := core.GrantKey(player, item, tier)
	unlock := g.locks.lock(key)
	defer unlock()

	entry, ok, err := g.storage.GetGrant(ctx, player, item, tier)
	if err != nil {
		return fmt.Errorf("grant %s: read ledger: %w", key, err)
	}
	if ok && entry.Settled() {
		// Already granted; success without reapplying.
		return nil
	}
	if !ok {
		entry = core.LedgerEntry{
			PlayerID:  player,
			ItemID:    item,
			Family:    family,
			Tier:      tier,
			Rewards:   rewards,
			Status:    core.GrantPending,
			CreatedAt: g.now(),
		}
		// Tentative append before any side effect.
		if err := g.storage.PutGrant(ctx, entry); err != nil {
			return fmt.Errorf("grant %s: append ledger: %w", key, err)
		}
	}
	if entry.Attempts >= g.maxAttempts {
		return fmt.Errorf("grant %s: %w", key, core.ErrGrantAbandoned)
	}
	entry.Attempts++

	for i := entry.AppliedCount; i < len(entry.Rewards); i++ {
		if err := g.sink.ApplyReward(ctx, player, entry.Rewards[i]); err != nil {
			_ = g.storage.PutGrant(ctx, entry)
			if entry.Attempts >= g.maxAttempts {
				return fmt.Errorf("grant %s reward %d: %v: %w", key, i, err, core.ErrGrantAbandoned)
			}
			return fmt.Errorf("grant %s reward %d: %v: %w", key, i, err, core.ErrPartialGrant)
		}
		entry.AppliedCount = i + 1
		if err := g.storage.PutGrant(ctx, entry); err != nil {
			return fmt.Errorf("grant %s: persist ledger: %w", key, err)
		}
	}

	// All rewards applied; mark the tier claimed, then settle the entry.
	if err := g.markClaimed(ctx, player, item, tier); err != nil {
		return fmt.Errorf("grant %s: mark claimed: %w", key, err)
	}
	entry.Status = core.GrantApplied
	entry.GrantedAt = g.now()
	if err := g.storage.PutGrant(ctx, entry); err != nil {
		return fmt.Errorf("grant %s: settle ledger: %w", key, err)
	}
	g.bus.Publish(ctx, core.NewRewardGranted(player, item, family, tier, entry.Rewards))
	return nil
}

func (g *GrantEngine) markClaimed(ctx context.Context, player core.PlayerID, item core.ItemID, tier int) error {
	p, ok, err := g.storage.GetProgress(ctx, player, item)
	if err != nil {
		return err
	}
	if !ok {
		// A pending grant can outlive its progress record (archived mid
		// replay). The ledger entry itself still blocks re-grants.
		return nil
	}
	if p.ClaimedTiers == nil {
		p.ClaimedTiers = map[int]struct{}{}
	}
	p.ClaimedTiers[tier] = struct{}{}
	p.LastUpdated = g.now()
	return g.storage.PutProgress(ctx, p)
}

// ReplayPending re-runs the grant sequence for every pending ledger entry.
// Called on startup so a crash between the ledger write and reward
// application settles with each reward applied exactly once. A sink
// failure on one entry leaves it pending for the next pass and moves on
// to the rest; only storage errors abort the replay. Returns how many
// entries settled.
func (g *GrantEngine) ReplayPending(ctx context.Context) (int, error) {
	entries, err := g.storage.PendingGrants(ctx)
	if err != nil {
		return 0, fmt.Errorf("replay: list pending grants: %w", err)
	}
	settled := 0
	for _, e := range entries {
		err := g.Grant(ctx, e.PlayerID, e.ItemID, e.Family, e.Tier, e.Rewards)
		switch {
		case err == nil:
			settled++
		case errors.Is(err, core.ErrPartialGrant) || errors.Is(err, core.ErrGrantAbandoned):
			slog.Warn("pending grant not settled, will retry on next pass",
				"player", e.PlayerID, "item", e.ItemID, "tier", e.Tier, "error", err)
		default:
			return settled, err
		}
	}
	return settled, nil
}

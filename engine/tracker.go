package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"progresskit/core"
)

// DefaultDefinitionTTL is the cache TTL for item definitions when a family
// has no explicit override.
const DefaultDefinitionTTL = 5 * time.Minute

// expiryWarnWindow is how far ahead of an item's expiry the notifier is
// poked about unclaimed manual rewards.
const expiryWarnWindow = time.Hour

// Claimable identifies one tier a player has earned but not yet claimed.
type Claimable struct {
	ItemID core.ItemID `json:"item_id"`
	Family core.Family `json:"family"`
	Tier   int         `json:"tier"`
}

// Tracker wires storage, catalog, grant engine, caches, and the remote
// gateway into the progression API consumed by gameplay code.
type Tracker struct {
	storage  Storage
	gateway  Gateway
	notifier Notifier
	bus      *EventBus
	grants   *GrantEngine
	catalog  *Catalog
	locks    keyedMutex
	now      func() time.Time

	defTTL      map[core.Family]time.Duration
	defsMu      sync.Mutex
	defs        map[core.Family]*Cache[[]core.TrackedItem]
	pushTimeout time.Duration
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithGateway sets the remote sync gateway. Without one the tracker runs
// purely locally: no definition refreshes, no progress push.
func WithGateway(gw Gateway) TrackerOption { return func(t *Tracker) { t.gateway = gw } }

// WithNotifier sets the best-effort local notification sink.
func WithNotifier(n Notifier) TrackerOption { return func(t *Tracker) { t.notifier = n } }

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
			t.grants.SetClock(now)
		}
	}
}

// WithMaxGrantAttempts bounds grant retries before abandonment.
func WithMaxGrantAttempts(n int) TrackerOption {
	return func(t *Tracker) { t.grants.SetMaxAttempts(n) }
}

// WithDefinitionTTL overrides the item-definition cache TTL for a family.
func WithDefinitionTTL(family core.Family, ttl time.Duration) TrackerOption {
	return func(t *Tracker) { t.defTTL[family] = ttl }
}

// WithPushTimeout bounds the fire-and-forget progress push.
func WithPushTimeout(d time.Duration) TrackerOption {
	return func(t *Tracker) {
		if d > 0 {
			t.pushTimeout = d
		}
	}
}

func NewTracker(storage Storage, sink RewardSink, bus *EventBus, opts ...TrackerOption) *Tracker {
	if storage == nil || sink == nil || bus == nil {
		panic("NewTracker requires non-nil storage, sink, and bus")
	}
	t := &Tracker{
		storage:     storage,
		bus:         bus,
		grants:      NewGrantEngine(storage, sink, bus),
		catalog:     NewCatalog(),
		now:         func() time.Time { return time.Now().UTC() },
		defTTL:      map[core.Family]time.Duration{},
		defs:        map[core.Family]*Cache[[]core.TrackedItem]{},
		pushTimeout: 5 * time.Second,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Catalog exposes the item registry, mainly for seeding local definitions
// and for adapters that need direct lookup.
func (t *Tracker) Catalog() *Catalog { return t.catalog }

// Bus exposes the event bus for subscribers (realtime hub, analytics).
func (t *Tracker) Bus() *EventBus { return t.bus }

// Record reports an observed absolute value for a watermark-style goal.
// Progress is max-merged: an out-of-order or duplicate event can never
// roll it backward. Newly crossed tiers are granted in ascending order.
func (t *Tracker) Record(ctx context.Context, player core.PlayerID, item core.ItemID, observed float64) (core.Progress, error) {
	return t.record(ctx, player, item, func(float64) float64 { return observed })
}

// RecordDelta adds a non-negative delta to the current value. Used for
// increment-style goals (win counters).
func (t *Tracker) RecordDelta(ctx context.Context, player core.PlayerID, item core.ItemID, delta float64) (core.Progress, error) {
	if delta < 0 {
		return core.Progress{}, fmt.Errorf("record delta %v: %w", delta, core.ErrNegativeDelta)
	}
	return t.record(ctx, player, item, func(current float64) float64 { return current + delta })
}

func (t *Tracker) record(ctx context.Context, player core.PlayerID, item core.ItemID, next func(current float64) float64) (core.Progress, error) {
	player, err := core.NormalizePlayerID(player)
	if err != nil {
		return core.Progress{}, err
	}
	it, ok := t.catalog.Get(item)
	if !ok {
		return core.Progress{}, fmt.Errorf("record %s: %w", item, core.ErrUnknownItem)
	}
	if state, _ := t.catalog.StateOf(item, t.now()); state == core.StateExpired || state == core.StateCompleted {
		return core.Progress{}, fmt.Errorf("record %s: %w", item, core.ErrExpired)
	}

	unlock := t.locks.lock(core.ProgressKey(player, item))
	p, ok2, err := t.storage.GetProgress(ctx, player, item)
	if err != nil {
		unlock()
		return core.Progress{}, fmt.Errorf("record %s: %w", item, err)
	}
	now := t.now()
	if !ok2 {
		p = core.NewProgress(player, item, next(0), now)
	} else {
		p.Merge(next(p.CurrentValue), now)
	}
	if err := t.storage.PutProgress(ctx, p); err != nil {
		unlock()
		return core.Progress{}, fmt.Errorf("record %s: %w", item, err)
	}
	unlock()

	t.bus.Publish(ctx, core.NewProgressUpdated(player, item, it.Family, p.CurrentValue))
	t.evaluate(ctx, it, p)

	// Re-read so the returned snapshot reflects tiers claimed during
	// evaluation.
	if fresh, ok3, rerr := t.storage.GetProgress(ctx, player, item); rerr == nil && ok3 {
		p = fresh
	}

	if t.gateway != nil {
		t.pushAsync(p.Clone())
	}
	return p.Clone(), nil
}

// evaluate grants every newly crossed tier in ascending order, stopping at
// the first failure so a retry always resumes from a clean prefix.
// Manual-claim items only get tier_crossed events; granting waits for an
// explicit Claim.
func (t *Tracker) evaluate(ctx context.Context, it core.TrackedItem, p core.Progress) {
	crossed := core.EvaluateTiers(p.CurrentValue, it.Thresholds, p.ClaimedTiers)
	for _, tier := range crossed {
		t.bus.Publish(ctx, core.NewTierCrossed(p.PlayerID, it.ID, it.Family, tier, p.CurrentValue))
		if it.ManualClaim {
			continue
		}
		if err := t.grants.Grant(ctx, p.PlayerID, it.ID, it.Family, tier, it.Rewards[tier]); err != nil {
			slog.Warn("tier grant failed, will retry on next pass",
				"player", p.PlayerID, "item", it.ID, "tier", tier, "error", err)
			break
		}
	}
}

func (t *Tracker) pushAsync(p core.Progress) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), t.pushTimeout)
		defer cancel()
		if err := t.gateway.PushProgress(ctx, p); err != nil {
			slog.Debug("progress push failed", "player", p.PlayerID, "item", p.ItemID, "error", err)
		}
	}()
}

// Claim is the player-initiated claim path for manual-claim items (and a
// harmless retry for auto-granted ones). Returns core.ErrAlreadyClaimed
// when the tier is settled, core.ErrNotEarned when the threshold has not
// been reached.
func (t *Tracker) Claim(ctx context.Context, player core.PlayerID, item core.ItemID, tier int) error {
	player, err := core.NormalizePlayerID(player)
	if err != nil {
		return err
	}
	it, ok := t.catalog.Get(item)
	if !ok {
		return fmt.Errorf("claim %s: %w", item, core.ErrUnknownItem)
	}
	if state, _ := t.catalog.StateOf(item, t.now()); state == core.StateExpired {
		return fmt.Errorf("claim %s: %w", item, core.ErrExpired)
	}
	th, ok := it.ThresholdFor(tier)
	if !ok {
		return fmt.Errorf("claim %s: no tier %d", item, tier)
	}

	p, ok, err := t.storage.GetProgress(ctx, player, item)
	if err != nil {
		return fmt.Errorf("claim %s: %w", item, err)
	}
	if !ok || p.CurrentValue < th.Required {
		return fmt.Errorf("claim %s tier %d: %w", item, tier, core.ErrNotEarned)
	}
	if p.Claimed(tier) {
		return core.ErrAlreadyClaimed
	}
	return t.grants.Grant(ctx, player, item, it.Family, tier, it.Rewards[tier])
}

// GetProgress returns a snapshot of the pair's progress.
func (t *Tracker) GetProgress(ctx context.Context, player core.PlayerID, item core.ItemID) (core.Progress, bool, error) {
	player, err := core.NormalizePlayerID(player)
	if err != nil {
		return core.Progress{}, false, err
	}
	p, ok, err := t.storage.GetProgress(ctx, player, item)
	if err != nil || !ok {
		return core.Progress{}, false, err
	}
	return p.Clone(), true, nil
}

// GetActiveItems lists the family's currently active definitions.
func (t *Tracker) GetActiveItems(family core.Family) []core.TrackedItem {
	return t.catalog.Active(family, t.now())
}

// GetClaimable lists every (item, tier) the player has earned but not yet
// been granted, across all families.
func (t *Tracker) GetClaimable(ctx context.Context, player core.PlayerID) ([]Claimable, error) {
	player, err := core.NormalizePlayerID(player)
	if err != nil {
		return nil, err
	}
	records, err := t.storage.ProgressByPlayer(ctx, player)
	if err != nil {
		return nil, fmt.Errorf("claimable: %w", err)
	}
	var out []Claimable
	for _, p := range records {
		it, ok := t.catalog.Get(p.ItemID)
		if !ok {
			continue
		}
		for _, tier := range core.EvaluateTiers(p.CurrentValue, it.Thresholds, p.ClaimedTiers) {
			out = append(out, Claimable{ItemID: it.ID, Family: it.Family, Tier: tier})
		}
	}
	return out, nil
}

// Complete records the explicit completion signal for a time-boxed item
// (e.g. a resolved tournament bracket). Completed is terminal.
func (t *Tracker) Complete(ctx context.Context, item core.ItemID) error {
	it, ok := t.catalog.Get(item)
	if !ok {
		return fmt.Errorf("complete %s: %w", item, core.ErrUnknownItem)
	}
	if !t.catalog.MarkCompleted(item) {
		return nil
	}
	t.bus.Publish(ctx, core.NewItemCompleted(item, it.Family))
	return nil
}

// ReplayPending settles pending reward grants left over from a previous
// run. Call once on startup after storage is loaded.
func (t *Tracker) ReplayPending(ctx context.Context) (int, error) {
	return t.grants.ReplayPending(ctx)
}

// Resync pulls fresh item definitions for the family through the TTL
// cache and merges strictly-newer remote progress for every known player.
// Remote failures come back wrapped in core.ErrRemoteUnavailable.
func (t *Tracker) Resync(ctx context.Context, family core.Family) error {
	if t.gateway == nil {
		return nil
	}
	items, err := t.familyCache(family).Get(ctx, string(family))
	if err != nil {
		return err
	}
	if err := t.catalog.ReplaceFamily(family, items); err != nil {
		return fmt.Errorf("resync %s: %w", family, err)
	}
	t.bus.Publish(ctx, core.NewCacheRefreshed(family, len(items)))

	players, err := t.storage.Players(ctx)
	if err != nil {
		return fmt.Errorf("resync %s: %w", family, err)
	}
	for _, player := range players {
		remote, err := t.gateway.FetchProgress(ctx, player, family)
		if err != nil {
			return fmt.Errorf("resync %s player %s: %v: %w", family, player, err, core.ErrRemoteUnavailable)
		}
		for _, rp := range remote {
			t.mergeRemote(ctx, rp)
		}
	}
	return nil
}

// ForceRefresh blocks on a definition refresh for the family, bypassing
// the TTL. Fetch errors are surfaced to the caller.
func (t *Tracker) ForceRefresh(ctx context.Context, family core.Family) error {
	if t.gateway == nil {
		return nil
	}
	items, err := t.familyCache(family).ForceRefresh(ctx, string(family))
	if err != nil {
		return err
	}
	if err := t.catalog.ReplaceFamily(family, items); err != nil {
		return fmt.Errorf("refresh %s: %w", family, err)
	}
	t.bus.Publish(ctx, core.NewCacheRefreshed(family, len(items)))
	return nil
}

// mergeRemote folds a remote progress record into local state when it is
// strictly newer. The value max-merges and remotely claimed tiers are
// unioned in; local claims are never revoked.
func (t *Tracker) mergeRemote(ctx context.Context, remote core.Progress) {
	it, ok := t.catalog.Get(remote.ItemID)
	if !ok {
		return
	}
	key := core.ProgressKey(remote.PlayerID, remote.ItemID)
	unlock := t.locks.lock(key)
	local, exists, err := t.storage.GetProgress(ctx, remote.PlayerID, remote.ItemID)
	if err != nil {
		unlock()
		return
	}
	if exists && !remote.LastUpdated.After(local.LastUpdated) {
		unlock()
		return
	}
	if !exists {
		local = core.NewProgress(remote.PlayerID, remote.ItemID, 0, remote.LastUpdated)
	}
	local.Merge(remote.CurrentValue, remote.LastUpdated)
	if len(remote.ClaimedTiers) > 0 && local.ClaimedTiers == nil {
		// A record that round-tripped storage with zero claims comes
		// back with a nil map.
		local.ClaimedTiers = map[int]struct{}{}
	}
	for tier := range remote.ClaimedTiers {
		local.ClaimedTiers[tier] = struct{}{}
	}
	if err := t.storage.PutProgress(ctx, local); err != nil {
		unlock()
		return
	}
	unlock()
	t.bus.Publish(ctx, core.NewProgressUpdated(local.PlayerID, local.ItemID, it.Family, local.CurrentValue))
	t.evaluate(ctx, it, local)
}

// SweepExpired archives progress for items in the family whose expiry has
// passed. Crossed tiers are evaluated one final time before archiving so
// earned rewards are never lost to the sweep. Returns the number of items
// swept.
func (t *Tracker) SweepExpired(ctx context.Context, family core.Family) (int, error) {
	now := t.now()
	expired := t.catalog.Expired(family, now)
	for _, it := range expired {
		records, err := t.storage.ProgressByItem(ctx, it.ID)
		if err != nil {
			return 0, fmt.Errorf("sweep %s: %w", it.ID, err)
		}
		for _, p := range records {
			t.evaluate(ctx, it, p)
			if err := t.storage.ArchiveProgress(ctx, p.PlayerID, p.ItemID); err != nil {
				return 0, fmt.Errorf("sweep %s archive: %w", it.ID, err)
			}
		}
		t.catalog.Remove(it.ID)
		t.bus.Publish(ctx, core.NewItemExpired(it.ID, it.Family))
	}
	t.warnExpiring(ctx, family, now)
	return len(expired), nil
}

// warnExpiring nudges the notifier about manual-claim items expiring soon
// with rewards still unclaimed.
func (t *Tracker) warnExpiring(ctx context.Context, family core.Family, now time.Time) {
	if t.notifier == nil {
		return
	}
	for _, it := range t.catalog.Active(family, now) {
		if !it.ManualClaim || it.Expiry == nil || it.Expiry.Sub(now) > expiryWarnWindow {
			continue
		}
		records, err := t.storage.ProgressByItem(ctx, it.ID)
		if err != nil {
			continue
		}
		for _, p := range records {
			if len(core.EvaluateTiers(p.CurrentValue, it.Thresholds, p.ClaimedTiers)) > 0 {
				t.notifier.ScheduleLocalNotification(
					"Rewards expiring soon",
					fmt.Sprintf("Claim your %s rewards before they expire", it.Name),
					now)
				break
			}
		}
	}
}

// ReevaluateSince re-runs tier evaluation for progress mutated at or after
// since. Covers tiers crossed by a remote pull rather than a local event,
// and retries grants that failed on earlier passes.
func (t *Tracker) ReevaluateSince(ctx context.Context, family core.Family, since time.Time) error {
	records, err := t.storage.UpdatedSince(ctx, since)
	if err != nil {
		return fmt.Errorf("reevaluate: %w", err)
	}
	for _, p := range records {
		it, ok := t.catalog.Get(p.ItemID)
		if !ok || it.Family != family {
			continue
		}
		if state, _ := t.catalog.StateOf(it.ID, t.now()); state != core.StateActive && state != core.StateCompleted {
			continue
		}
		t.evaluate(ctx, it, p)
	}
	return nil
}

// GetArchived returns the player's archived terminal progress records.
func (t *Tracker) GetArchived(ctx context.Context, player core.PlayerID) ([]core.Progress, error) {
	player, err := core.NormalizePlayerID(player)
	if err != nil {
		return nil, err
	}
	return t.storage.ArchivedProgress(ctx, player)
}

func (t *Tracker) familyCache(family core.Family) *Cache[[]core.TrackedItem] {
	t.defsMu.Lock()
	defer t.defsMu.Unlock()
	if c, ok := t.defs[family]; ok {
		return c
	}
	ttl, ok := t.defTTL[family]
	if !ok {
		ttl = DefaultDefinitionTTL
	}
	c := NewCache[[]core.TrackedItem](
		"definitions",
		ttl,
		func(ctx context.Context, key string) ([]core.TrackedItem, error) {
			return t.gateway.FetchItems(ctx, core.Family(key))
		},
		WithSnapshots[[]core.TrackedItem](t.storage, "defs"),
	)
	t.defs[family] = c
	return c
}

// IsBenign reports whether err is one of the expected no-op conditions a
// caller can safely ignore (already claimed).
func IsBenign(err error) bool {
	return errors.Is(err, core.ErrAlreadyClaimed)
}

package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"progresskit/core"
)

// newTestStore spins up a miniredis server and returns a store plus cleanup.
func newTestStore(t *testing.T) (*Store, *redis.Client, func()) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cleanup := func() {
		_ = client.Close()
		mr.Close()
	}
	return NewWithClient(client), client, cleanup
}

func TestStore_ProgressRoundTrip(t *testing.T) {
	store, _, cleanup := newTestStore(t)
	defer cleanup()
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	p := core.NewProgress("alice", "daily_wins", 3, now)
	p.ClaimedTiers[0] = struct{}{}
	require.NoError(t, store.PutProgress(ctx, p))

	got, ok, err := store.GetProgress(ctx, "alice", "daily_wins")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, float64(3), got.CurrentValue)
	assert.True(t, got.Claimed(0))
	assert.True(t, got.LastUpdated.Equal(now))

	_, ok, err = store.GetProgress(ctx, "alice", "unknown")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_ValueGuardNeverRegresses(t *testing.T) {
	store, client, cleanup := newTestStore(t)
	defer cleanup()
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, store.PutProgress(ctx, core.NewProgress("alice", "daily_wins", 10, now)))
	require.NoError(t, store.PutProgress(ctx, core.NewProgress("alice", "daily_wins", 4, now.Add(time.Second))))

	// the guard key keeps the high-water mark even though the blob was rewritten
	val, err := client.Get(ctx, valueKey("alice", "daily_wins")).Float64()
	require.NoError(t, err)
	assert.Equal(t, float64(10), val)
}

func TestStore_ProgressIndexes(t *testing.T) {
	store, _, cleanup := newTestStore(t)
	defer cleanup()
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, store.PutProgress(ctx, core.NewProgress("alice", "daily_wins", 1, base)))
	require.NoError(t, store.PutProgress(ctx, core.NewProgress("alice", "weekly_wins", 2, base.Add(time.Minute))))
	require.NoError(t, store.PutProgress(ctx, core.NewProgress("bob", "daily_wins", 3, base.Add(2*time.Minute))))

	byPlayer, err := store.ProgressByPlayer(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, byPlayer, 2)

	byItem, err := store.ProgressByItem(ctx, "daily_wins")
	require.NoError(t, err)
	assert.Len(t, byItem, 2)

	players, err := store.Players(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []core.PlayerID{"alice", "bob"}, players)

	since, err := store.UpdatedSince(ctx, base.Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, since, 2)
}

func TestStore_ArchiveProgress(t *testing.T) {
	store, _, cleanup := newTestStore(t)
	defer cleanup()
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, store.PutProgress(ctx, core.NewProgress("alice", "old_quest", 5, now)))
	require.NoError(t, store.ArchiveProgress(ctx, "alice", "old_quest"))

	_, ok, err := store.GetProgress(ctx, "alice", "old_quest")
	require.NoError(t, err)
	assert.False(t, ok, "archived record must leave the live set")

	archived, err := store.ArchivedProgress(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.Equal(t, core.ItemID("old_quest"), archived[0].ItemID)

	byItem, err := store.ProgressByItem(ctx, "old_quest")
	require.NoError(t, err)
	assert.Empty(t, byItem)

	since, err := store.UpdatedSince(ctx, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Empty(t, since)

	// archiving twice is a no-op
	require.NoError(t, store.ArchiveProgress(ctx, "alice", "old_quest"))
}

func TestStore_GrantLedger(t *testing.T) {
	store, _, cleanup := newTestStore(t)
	defer cleanup()
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	entry := core.LedgerEntry{
		PlayerID: "alice", ItemID: "daily_wins", Family: core.FamilyQuest, Tier: 0,
		Rewards:   []core.Reward{{Kind: core.RewardCurrency, Amount: 50, Ref: "coins"}},
		Status:    core.GrantPending,
		CreatedAt: now,
	}
	require.NoError(t, store.PutGrant(ctx, entry))

	got, ok, err := store.GetGrant(ctx, "alice", "daily_wins", 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, core.GrantPending, got.Status)

	pending, err := store.PendingGrants(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	entry.Status = core.GrantApplied
	entry.AppliedCount = 1
	entry.GrantedAt = now.Add(time.Second)
	require.NoError(t, store.PutGrant(ctx, entry))

	pending, err = store.PendingGrants(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending, "settled entries must leave the pending set")

	got, ok, err = store.GetGrant(ctx, "alice", "daily_wins", 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Settled())
	assert.Equal(t, 1, got.AppliedCount)
}

func TestStore_Snapshots(t *testing.T) {
	store, _, cleanup := newTestStore(t)
	defer cleanup()
	ctx := context.Background()

	_, _, ok, err := store.GetSnapshot(ctx, "defs/quest")
	require.NoError(t, err)
	assert.False(t, ok)

	now := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, store.PutSnapshot(ctx, "defs/quest", []byte(`[{"id":"daily_wins"}]`), now))

	data, at, ok, err := store.GetSnapshot(ctx, "defs/quest")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `[{"id":"daily_wins"}]`, string(data))
	assert.True(t, at.Equal(now))
}

func TestStore_CorruptBlobSurfaces(t *testing.T) {
	store, client, cleanup := newTestStore(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, client.Set(ctx, progressKey("alice", "daily_wins"), "{not json", 0).Err())
	_, _, err := store.GetProgress(ctx, "alice", "daily_wins")
	assert.True(t, errors.Is(err, core.ErrCorruptPersisted))
}

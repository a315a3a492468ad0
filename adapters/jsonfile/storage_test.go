package jsonfile

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"progresskit/core"
)

func TestStorePersistAndReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	ctx := context.Background()

	store, err := New(path)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Second)
	p := core.NewProgress("alice", "daily_wins", 3, now)
	p.ClaimedTiers[0] = struct{}{}
	if err := store.PutProgress(ctx, p); err != nil {
		t.Fatalf("put progress: %v", err)
	}
	entry := core.LedgerEntry{
		PlayerID: "alice", ItemID: "daily_wins", Tier: 0,
		Rewards:   []core.Reward{{Kind: core.RewardCurrency, Amount: 50, Ref: "coins"}},
		Status:    core.GrantPending,
		CreatedAt: now,
	}
	if err := store.PutGrant(ctx, entry); err != nil {
		t.Fatalf("put grant: %v", err)
	}
	if err := store.PutSnapshot(ctx, "defs/quest", []byte(`[]`), now); err != nil {
		t.Fatalf("put snapshot: %v", err)
	}

	// ensure file written
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected file at %s", path)
	}

	reloaded, err := New(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	got, ok, err := reloaded.GetProgress(ctx, "alice", "daily_wins")
	if err != nil || !ok {
		t.Fatalf("get progress: ok=%v err=%v", ok, err)
	}
	if got.CurrentValue != 3 || !got.Claimed(0) || !got.LastUpdated.Equal(now) {
		t.Fatalf("reloaded progress mismatch: %+v", got)
	}
	pending, err := reloaded.PendingGrants(ctx)
	if err != nil || len(pending) != 1 {
		t.Fatalf("pending grants after reload: %v err=%v", pending, err)
	}
	data, at, ok, err := reloaded.GetSnapshot(ctx, "defs/quest")
	if err != nil || !ok || string(data) != `[]` || !at.Equal(now) {
		t.Fatalf("snapshot after reload: %q at=%v ok=%v err=%v", data, at, ok, err)
	}
}

func TestStoreRecoversFromCorruptFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	store, err := New(path)
	if !errors.Is(err, core.ErrCorruptPersisted) {
		t.Fatalf("expected ErrCorruptPersisted, got %v", err)
	}
	if store == nil {
		t.Fatal("corrupt file must still yield a usable store")
	}
	if _, err := os.Stat(path + ".corrupt"); err != nil {
		t.Fatalf("corrupt file not preserved: %v", err)
	}

	// the store starts empty and accepts writes
	ctx := context.Background()
	if _, ok, _ := store.GetProgress(ctx, "alice", "daily_wins"); ok {
		t.Fatal("corrupt store should start empty")
	}
	if err := store.PutProgress(ctx, core.NewProgress("alice", "daily_wins", 1, time.Now().UTC())); err != nil {
		t.Fatalf("write after recovery: %v", err)
	}
	if _, err := New(path); err != nil {
		t.Fatalf("reopen after recovery: %v", err)
	}
}

func TestStoreRejectsNewerSchema(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	if err := os.WriteFile(path, []byte(`{"version": 99}`), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := New(path)
	if !errors.Is(err, core.ErrCorruptPersisted) {
		t.Fatalf("expected ErrCorruptPersisted for future schema, got %v", err)
	}
}

func TestArchiveMovesRecordDurably(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	ctx := context.Background()

	store, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.PutProgress(ctx, core.NewProgress("alice", "old_quest", 5, time.Now().UTC())); err != nil {
		t.Fatal(err)
	}
	if err := store.ArchiveProgress(ctx, "alice", "old_quest"); err != nil {
		t.Fatal(err)
	}

	reloaded, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := reloaded.GetProgress(ctx, "alice", "old_quest"); ok {
		t.Fatal("archived record still live after reload")
	}
	archived, err := reloaded.ArchivedProgress(ctx, "alice")
	if err != nil || len(archived) != 1 || archived[0].ItemID != "old_quest" {
		t.Fatalf("archived = %v err=%v", archived, err)
	}
}

func TestMissingVersionFieldMigrates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	// layout predating the version field
	legacy := `{"progress": {"alice|daily_wins": {"player_id": "alice", "item_id": "daily_wins", "current_value": 2, "last_updated": "2026-01-02T03:04:05Z"}}}`
	if err := os.WriteFile(path, []byte(legacy), 0o644); err != nil {
		t.Fatal(err)
	}

	store, err := New(path)
	if err != nil {
		t.Fatalf("legacy file should load cleanly: %v", err)
	}
	p, ok, err := store.GetProgress(context.Background(), "alice", "daily_wins")
	if err != nil || !ok || p.CurrentValue != 2 {
		t.Fatalf("migrated progress: %+v ok=%v err=%v", p, ok, err)
	}
}

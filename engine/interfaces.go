package engine

import (
	"context"
	"time"

	"progresskit/core"
)

// Storage abstracts durable persistence for progress records, the reward
// ledger, and cache snapshots. Implementations must be safe for concurrent
// use; the engine serializes read-modify-write cycles per key itself.
type Storage interface {
	GetProgress(ctx context.Context, player core.PlayerID, item core.ItemID) (core.Progress, bool, error)
	PutProgress(ctx context.Context, p core.Progress) error
	ProgressByPlayer(ctx context.Context, player core.PlayerID) ([]core.Progress, error)
	ProgressByItem(ctx context.Context, item core.ItemID) ([]core.Progress, error)
	// UpdatedSince returns active progress records mutated at or after t.
	UpdatedSince(ctx context.Context, t time.Time) ([]core.Progress, error)
	Players(ctx context.Context) ([]core.PlayerID, error)
	// ArchiveProgress moves the record out of the active map into the
	// archive. Archived records are terminal and never mutated again.
	ArchiveProgress(ctx context.Context, player core.PlayerID, item core.ItemID) error
	ArchivedProgress(ctx context.Context, player core.PlayerID) ([]core.Progress, error)

	GetGrant(ctx context.Context, player core.PlayerID, item core.ItemID, tier int) (core.LedgerEntry, bool, error)
	// PutGrant writes a ledger entry. The ledger is append-only in spirit:
	// entries advance from pending to applied and are never deleted.
	PutGrant(ctx context.Context, e core.LedgerEntry) error
	PendingGrants(ctx context.Context) ([]core.LedgerEntry, error)

	PutSnapshot(ctx context.Context, key string, data []byte, fetchedAt time.Time) error
	GetSnapshot(ctx context.Context, key string) (data []byte, fetchedAt time.Time, ok bool, err error)
}

// Gateway is the remote sync collaborator: typed fetch/push against the
// backend. Calls are fallible and must respect ctx deadlines.
type Gateway interface {
	FetchItems(ctx context.Context, family core.Family) ([]core.TrackedItem, error)
	FetchProgress(ctx context.Context, player core.PlayerID, family core.Family) ([]core.Progress, error)
	PushProgress(ctx context.Context, p core.Progress) error
}

// RewardSink applies a single reward to player state: currency, inventory,
// or unlocks. Implementations are expected to be fast and locally
// transactional; the grant engine handles retries and idempotency.
type RewardSink interface {
	ApplyReward(ctx context.Context, player core.PlayerID, r core.Reward) error
}

// Notifier schedules best-effort local notifications. Fire and forget;
// the engine never depends on the outcome.
type Notifier interface {
	ScheduleLocalNotification(title, body string, at time.Time)
}

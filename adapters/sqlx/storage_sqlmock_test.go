package sqlx_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	libsqlx "github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	storage "progresskit/adapters/sqlx"
	"progresskit/core"
)

func newMockStore(t *testing.T) (*storage.Store, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	xdb := storage.NewWithDB(libsqlx.NewDb(db, "postgres"))
	cleanup := func() {
		_ = db.Close()
	}
	return xdb, mock, cleanup
}

func TestSQLMock_PutProgress_Insert(t *testing.T) {
	store, mock, cleanup := newMockStore(t)
	defer cleanup()

	ctx := context.Background()
	now := time.Now().UTC()
	p := core.NewProgress("alice", "daily_wins", 3, now)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT current_value FROM progress`).
		WithArgs("alice", "daily_wins").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(`INSERT INTO progress`).
		WithArgs("alice", "daily_wins", float64(3), `[]`, now).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, store.PutProgress(ctx, p))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLMock_PutProgress_UpdateKeepsHighWaterMark(t *testing.T) {
	store, mock, cleanup := newMockStore(t)
	defer cleanup()

	ctx := context.Background()
	now := time.Now().UTC()
	p := core.NewProgress("alice", "daily_wins", 4, now)
	p.ClaimedTiers[0] = struct{}{}

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT current_value FROM progress`).
		WithArgs("alice", "daily_wins").
		WillReturnRows(sqlmock.NewRows([]string{"current_value"}).AddRow(float64(10)))
	// stored value 10 beats the incoming 4
	mock.ExpectExec(`UPDATE progress SET current_value`).
		WithArgs(float64(10), `[0]`, now, "alice", "daily_wins").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, store.PutProgress(ctx, p))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLMock_GetProgress(t *testing.T) {
	store, mock, cleanup := newMockStore(t)
	defer cleanup()

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	mock.ExpectQuery(`SELECT player_id, item_id, current_value, claimed_tiers, last_updated`).
		WithArgs("alice", "daily_wins").
		WillReturnRows(sqlmock.NewRows([]string{"player_id", "item_id", "current_value", "claimed_tiers", "last_updated"}).
			AddRow("alice", "daily_wins", float64(3), `[0,1]`, now))

	p, ok, err := store.GetProgress(ctx, "alice", "daily_wins")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, float64(3), p.CurrentValue)
	require.True(t, p.Claimed(0))
	require.True(t, p.Claimed(1))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLMock_GetProgress_Missing(t *testing.T) {
	store, mock, cleanup := newMockStore(t)
	defer cleanup()

	mock.ExpectQuery(`SELECT player_id, item_id, current_value, claimed_tiers, last_updated`).
		WithArgs("alice", "unknown").
		WillReturnError(sql.ErrNoRows)

	_, ok, err := store.GetProgress(context.Background(), "alice", "unknown")
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLMock_PutGrant_Insert(t *testing.T) {
	store, mock, cleanup := newMockStore(t)
	defer cleanup()

	ctx := context.Background()
	now := time.Now().UTC()
	e := core.LedgerEntry{
		PlayerID: "alice", ItemID: "daily_wins", Family: core.FamilyQuest, Tier: 0,
		Rewards:   []core.Reward{{Kind: core.RewardCurrency, Amount: 50, Ref: "coins"}},
		Status:    core.GrantPending,
		Attempts:  1,
		CreatedAt: now,
	}

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("alice", "daily_wins", 0).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec(`INSERT INTO reward_grants`).
		WithArgs("alice", "daily_wins", 0, "quest", sqlmock.AnyArg(), "pending", 0, 1, now, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, store.PutGrant(ctx, e))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLMock_PutGrant_SettleUpdates(t *testing.T) {
	store, mock, cleanup := newMockStore(t)
	defer cleanup()

	ctx := context.Background()
	now := time.Now().UTC()
	e := core.LedgerEntry{
		PlayerID: "alice", ItemID: "daily_wins", Family: core.FamilyQuest, Tier: 0,
		Rewards:      []core.Reward{{Kind: core.RewardCurrency, Amount: 50, Ref: "coins"}},
		Status:       core.GrantApplied,
		AppliedCount: 1,
		Attempts:     1,
		CreatedAt:    now,
		GrantedAt:    now,
	}

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("alice", "daily_wins", 0).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectExec(`UPDATE reward_grants SET`).
		WithArgs(sqlmock.AnyArg(), "applied", 1, 1, sqlmock.AnyArg(), "alice", "daily_wins", 0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, store.PutGrant(ctx, e))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLMock_PendingGrants(t *testing.T) {
	store, mock, cleanup := newMockStore(t)
	defer cleanup()

	now := time.Now().UTC().Truncate(time.Second)
	mock.ExpectQuery(`SELECT player_id, item_id, tier, family, rewards, status`).
		WithArgs("pending").
		WillReturnRows(sqlmock.NewRows([]string{
			"player_id", "item_id", "tier", "family", "rewards", "status",
			"applied_count", "attempts", "created_at", "granted_at",
		}).AddRow("alice", "daily_wins", 0, "quest", `[{"kind":"currency","amount":50,"ref":"coins"}]`,
			"pending", 0, 2, now, nil))

	pending, err := store.PendingGrants(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, 2, pending[0].Attempts)
	require.False(t, pending[0].Settled())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLMock_ArchiveProgress(t *testing.T) {
	store, mock, cleanup := newMockStore(t)
	defer cleanup()

	mock.ExpectExec(`UPDATE progress SET archived = TRUE`).
		WithArgs("alice", "old_quest").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.ArchiveProgress(context.Background(), "alice", "old_quest"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLMock_Snapshots(t *testing.T) {
	store, mock, cleanup := newMockStore(t)
	defer cleanup()

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("defs/quest").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec(`INSERT INTO cache_snapshots`).
		WithArgs("defs/quest", `[]`, now).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
	require.NoError(t, store.PutSnapshot(ctx, "defs/quest", []byte(`[]`), now))

	mock.ExpectQuery(`SELECT data, fetched_at FROM cache_snapshots`).
		WithArgs("defs/quest").
		WillReturnRows(sqlmock.NewRows([]string{"data", "fetched_at"}).AddRow(`[]`, now))

	data, at, ok, err := store.GetSnapshot(ctx, "defs/quest")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, `[]`, string(data))
	require.True(t, at.Equal(now))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDriversRegistered(t *testing.T) {
	// Importing this package must pull in the postgres and mysql drivers
	// so that New can open either without extra wiring in callers.
	drivers := sql.Drivers()
	require.Contains(t, drivers, "postgres")
	require.Contains(t, drivers, "mysql")
}

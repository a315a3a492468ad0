package sqlx

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"progresskit/core"
)

// Supported SQL drivers.
const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

// Config holds SQL connection configuration
type Config struct {
	Driver          string        `json:"driver"`
	DSN             string        `json:"dsn"`
	MaxOpenConns    int           `json:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`
}

// DefaultConfig returns sensible defaults for the given driver
func DefaultConfig(driver string) Config {
	return Config{
		Driver:          driver,
		MaxOpenConns:    10,
		MaxIdleConns:    2,
		ConnMaxLifetime: 30 * time.Minute,
	}
}

// Store implements the engine.Storage interface over a SQL database via
// sqlx. Works with PostgreSQL (lib/pq) and MySQL (go-sql-driver); queries
// use ? placeholders and are rebound per driver.
//
// Schema:
//   - progress(player_id, item_id, current_value, claimed_tiers, last_updated, archived)
//   - reward_grants(player_id, item_id, tier, family, rewards, status, applied_count, attempts, created_at, granted_at)
//   - cache_snapshots(snap_key, data, fetched_at)
type Store struct {
	db *sqlx.DB
}

// New opens a connection pool for cfg, verifies it, and ensures the schema.
func New(cfg Config) (*Store, error) {
	if cfg.Driver != DriverPostgres && cfg.Driver != DriverMySQL {
		return nil, fmt.Errorf("unsupported sql driver %q", cfg.Driver)
	}
	db, err := sqlx.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect %s: %w", cfg.Driver, err)
	}

	s := &Store{db: db}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB creates a Store using an existing sqlx handle (useful for
// testing). The schema is assumed to exist.
func NewWithDB(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates the tables if they do not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS progress (
			player_id     VARCHAR(128)     NOT NULL,
			item_id       VARCHAR(128)     NOT NULL,
			current_value DOUBLE PRECISION NOT NULL,
			claimed_tiers TEXT             NOT NULL,
			last_updated  TIMESTAMP        NOT NULL,
			archived      BOOLEAN          NOT NULL DEFAULT FALSE,
			PRIMARY KEY (player_id, item_id)
		)`,
		`CREATE TABLE IF NOT EXISTS reward_grants (
			player_id     VARCHAR(128) NOT NULL,
			item_id       VARCHAR(128) NOT NULL,
			tier          INTEGER      NOT NULL,
			family        VARCHAR(64)  NOT NULL,
			rewards       TEXT         NOT NULL,
			status        VARCHAR(16)  NOT NULL,
			applied_count INTEGER      NOT NULL,
			attempts      INTEGER      NOT NULL,
			created_at    TIMESTAMP    NOT NULL,
			granted_at    TIMESTAMP    NULL,
			PRIMARY KEY (player_id, item_id, tier)
		)`,
		`CREATE TABLE IF NOT EXISTS cache_snapshots (
			snap_key   VARCHAR(256) NOT NULL PRIMARY KEY,
			data       TEXT         NOT NULL,
			fetched_at TIMESTAMP    NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

type progressRow struct {
	PlayerID     string    `db:"player_id"`
	ItemID       string    `db:"item_id"`
	CurrentValue float64   `db:"current_value"`
	ClaimedTiers string    `db:"claimed_tiers"`
	LastUpdated  time.Time `db:"last_updated"`
}

func (r progressRow) toProgress() (core.Progress, error) {
	var tiers []int
	if err := json.Unmarshal([]byte(r.ClaimedTiers), &tiers); err != nil {
		return core.Progress{}, fmt.Errorf("decode claimed tiers: %v: %w", err, core.ErrCorruptPersisted)
	}
	p := core.NewProgress(core.PlayerID(r.PlayerID), core.ItemID(r.ItemID), r.CurrentValue, r.LastUpdated.UTC())
	for _, t := range tiers {
		p.ClaimedTiers[t] = struct{}{}
	}
	return p, nil
}

func encodeTiers(claimed map[int]struct{}) (string, error) {
	tiers := make([]int, 0, len(claimed))
	for t := range claimed {
		tiers = append(tiers, t)
	}
	sort.Ints(tiers)
	b, err := json.Marshal(tiers)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (s *Store) GetProgress(ctx context.Context, player core.PlayerID, item core.ItemID) (core.Progress, bool, error) {
	var row progressRow
	q := s.db.Rebind(`SELECT player_id, item_id, current_value, claimed_tiers, last_updated
		FROM progress WHERE player_id = ? AND item_id = ? AND archived = FALSE`)
	err := s.db.GetContext(ctx, &row, q, player, item)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Progress{}, false, nil
	}
	if err != nil {
		return core.Progress{}, false, fmt.Errorf("get progress: %w", err)
	}
	p, err := row.toProgress()
	if err != nil {
		return core.Progress{}, false, err
	}
	return p, true, nil
}

func (s *Store) PutProgress(ctx context.Context, p core.Progress) error {
	tiers, err := encodeTiers(p.ClaimedTiers)
	if err != nil {
		return fmt.Errorf("encode claimed tiers: %w", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("put progress: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current float64
	q := tx.Rebind(`SELECT current_value FROM progress WHERE player_id = ? AND item_id = ?`)
	err = tx.GetContext(ctx, &current, q, p.PlayerID, p.ItemID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		q = tx.Rebind(`INSERT INTO progress (player_id, item_id, current_value, claimed_tiers, last_updated, archived)
			VALUES (?, ?, ?, ?, ?, FALSE)`)
		if _, err := tx.ExecContext(ctx, q, p.PlayerID, p.ItemID, p.CurrentValue, tiers, p.LastUpdated); err != nil {
			return fmt.Errorf("insert progress: %w", err)
		}
	case err != nil:
		return fmt.Errorf("put progress: %w", err)
	default:
		// row-level max guard so a stale writer cannot roll the value back
		value := p.CurrentValue
		if current > value {
			value = current
		}
		q = tx.Rebind(`UPDATE progress SET current_value = ?, claimed_tiers = ?, last_updated = ?
			WHERE player_id = ? AND item_id = ?`)
		if _, err := tx.ExecContext(ctx, q, value, tiers, p.LastUpdated, p.PlayerID, p.ItemID); err != nil {
			return fmt.Errorf("update progress: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("put progress: %w", err)
	}
	return nil
}

func (s *Store) ProgressByPlayer(ctx context.Context, player core.PlayerID) ([]core.Progress, error) {
	q := s.db.Rebind(`SELECT player_id, item_id, current_value, claimed_tiers, last_updated
		FROM progress WHERE player_id = ? AND archived = FALSE ORDER BY item_id`)
	return s.queryProgress(ctx, q, player)
}

func (s *Store) ProgressByItem(ctx context.Context, item core.ItemID) ([]core.Progress, error) {
	q := s.db.Rebind(`SELECT player_id, item_id, current_value, claimed_tiers, last_updated
		FROM progress WHERE item_id = ? AND archived = FALSE ORDER BY player_id`)
	return s.queryProgress(ctx, q, item)
}

func (s *Store) UpdatedSince(ctx context.Context, t time.Time) ([]core.Progress, error) {
	q := s.db.Rebind(`SELECT player_id, item_id, current_value, claimed_tiers, last_updated
		FROM progress WHERE last_updated >= ? AND archived = FALSE ORDER BY player_id, item_id`)
	return s.queryProgress(ctx, q, t)
}

func (s *Store) queryProgress(ctx context.Context, query string, args ...any) ([]core.Progress, error) {
	var rows []progressRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("query progress: %w", err)
	}
	var out []core.Progress
	for _, r := range rows {
		p, err := r.toProgress()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *Store) Players(ctx context.Context) ([]core.PlayerID, error) {
	var ids []string
	q := `SELECT DISTINCT player_id FROM progress WHERE archived = FALSE ORDER BY player_id`
	if err := s.db.SelectContext(ctx, &ids, q); err != nil {
		return nil, fmt.Errorf("players: %w", err)
	}
	out := make([]core.PlayerID, 0, len(ids))
	for _, id := range ids {
		out = append(out, core.PlayerID(id))
	}
	return out, nil
}

func (s *Store) ArchiveProgress(ctx context.Context, player core.PlayerID, item core.ItemID) error {
	q := s.db.Rebind(`UPDATE progress SET archived = TRUE WHERE player_id = ? AND item_id = ?`)
	if _, err := s.db.ExecContext(ctx, q, player, item); err != nil {
		return fmt.Errorf("archive progress: %w", err)
	}
	return nil
}

func (s *Store) ArchivedProgress(ctx context.Context, player core.PlayerID) ([]core.Progress, error) {
	q := s.db.Rebind(`SELECT player_id, item_id, current_value, claimed_tiers, last_updated
		FROM progress WHERE player_id = ? AND archived = TRUE ORDER BY item_id`)
	return s.queryProgress(ctx, q, player)
}

type grantRow struct {
	PlayerID     string       `db:"player_id"`
	ItemID       string       `db:"item_id"`
	Tier         int          `db:"tier"`
	Family       string       `db:"family"`
	Rewards      string       `db:"rewards"`
	Status       string       `db:"status"`
	AppliedCount int          `db:"applied_count"`
	Attempts     int          `db:"attempts"`
	CreatedAt    time.Time    `db:"created_at"`
	GrantedAt    sql.NullTime `db:"granted_at"`
}

func (r grantRow) toEntry() (core.LedgerEntry, error) {
	var rewards []core.Reward
	if err := json.Unmarshal([]byte(r.Rewards), &rewards); err != nil {
		return core.LedgerEntry{}, fmt.Errorf("decode rewards: %v: %w", err, core.ErrCorruptPersisted)
	}
	e := core.LedgerEntry{
		PlayerID:     core.PlayerID(r.PlayerID),
		ItemID:       core.ItemID(r.ItemID),
		Family:       core.Family(r.Family),
		Tier:         r.Tier,
		Rewards:      rewards,
		Status:       core.GrantStatus(r.Status),
		AppliedCount: r.AppliedCount,
		Attempts:     r.Attempts,
		CreatedAt:    r.CreatedAt.UTC(),
	}
	if r.GrantedAt.Valid {
		e.GrantedAt = r.GrantedAt.Time.UTC()
	}
	return e, nil
}

func (s *Store) GetGrant(ctx context.Context, player core.PlayerID, item core.ItemID, tier int) (core.LedgerEntry, bool, error) {
	var row grantRow
	q := s.db.Rebind(`SELECT player_id, item_id, tier, family, rewards, status, applied_count, attempts, created_at, granted_at
		FROM reward_grants WHERE player_id = ? AND item_id = ? AND tier = ?`)
	err := s.db.GetContext(ctx, &row, q, player, item, tier)
	if errors.Is(err, sql.ErrNoRows) {
		return core.LedgerEntry{}, false, nil
	}
	if err != nil {
		return core.LedgerEntry{}, false, fmt.Errorf("get grant: %w", err)
	}
	e, err := row.toEntry()
	if err != nil {
		return core.LedgerEntry{}, false, err
	}
	return e, true, nil
}

func (s *Store) PutGrant(ctx context.Context, e core.LedgerEntry) error {
	rewards, err := json.Marshal(e.Rewards)
	if err != nil {
		return fmt.Errorf("encode rewards: %w", err)
	}
	var grantedAt sql.NullTime
	if !e.GrantedAt.IsZero() {
		grantedAt = sql.NullTime{Time: e.GrantedAt, Valid: true}
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("put grant: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists bool
	q := tx.Rebind(`SELECT EXISTS (SELECT 1 FROM reward_grants WHERE player_id = ? AND item_id = ? AND tier = ?)`)
	if err := tx.GetContext(ctx, &exists, q, e.PlayerID, e.ItemID, e.Tier); err != nil {
		return fmt.Errorf("put grant: %w", err)
	}
	if exists {
		q = tx.Rebind(`UPDATE reward_grants SET rewards = ?, status = ?, applied_count = ?, attempts = ?, granted_at = ?
			WHERE player_id = ? AND item_id = ? AND tier = ?`)
		if _, err := tx.ExecContext(ctx, q, string(rewards), e.Status, e.AppliedCount, e.Attempts, grantedAt, e.PlayerID, e.ItemID, e.Tier); err != nil {
			return fmt.Errorf("update grant: %w", err)
		}
	} else {
		q = tx.Rebind(`INSERT INTO reward_grants (player_id, item_id, tier, family, rewards, status, applied_count, attempts, created_at, granted_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if _, err := tx.ExecContext(ctx, q, e.PlayerID, e.ItemID, e.Tier, e.Family, string(rewards), e.Status, e.AppliedCount, e.Attempts, e.CreatedAt, grantedAt); err != nil {
			return fmt.Errorf("insert grant: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("put grant: %w", err)
	}
	return nil
}

func (s *Store) PendingGrants(ctx context.Context) ([]core.LedgerEntry, error) {
	var rows []grantRow
	q := s.db.Rebind(`SELECT player_id, item_id, tier, family, rewards, status, applied_count, attempts, created_at, granted_at
		FROM reward_grants WHERE status = ? ORDER BY player_id, item_id, tier`)
	if err := s.db.SelectContext(ctx, &rows, q, core.GrantPending); err != nil {
		return nil, fmt.Errorf("pending grants: %w", err)
	}
	var out []core.LedgerEntry
	for _, r := range rows {
		e, err := r.toEntry()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *Store) PutSnapshot(ctx context.Context, key string, data []byte, fetchedAt time.Time) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("put snapshot: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists bool
	q := tx.Rebind(`SELECT EXISTS (SELECT 1 FROM cache_snapshots WHERE snap_key = ?)`)
	if err := tx.GetContext(ctx, &exists, q, key); err != nil {
		return fmt.Errorf("put snapshot: %w", err)
	}
	if exists {
		q = tx.Rebind(`UPDATE cache_snapshots SET data = ?, fetched_at = ? WHERE snap_key = ?`)
		if _, err := tx.ExecContext(ctx, q, string(data), fetchedAt, key); err != nil {
			return fmt.Errorf("update snapshot: %w", err)
		}
	} else {
		q = tx.Rebind(`INSERT INTO cache_snapshots (snap_key, data, fetched_at) VALUES (?, ?, ?)`)
		if _, err := tx.ExecContext(ctx, q, key, string(data), fetchedAt); err != nil {
			return fmt.Errorf("insert snapshot: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("put snapshot: %w", err)
	}
	return nil
}

func (s *Store) GetSnapshot(ctx context.Context, key string) ([]byte, time.Time, bool, error) {
	var row struct {
		Data      string    `db:"data"`
		FetchedAt time.Time `db:"fetched_at"`
	}
	q := s.db.Rebind(`SELECT data, fetched_at FROM cache_snapshots WHERE snap_key = ?`)
	err := s.db.GetContext(ctx, &row, q, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, time.Time{}, false, nil
	}
	if err != nil {
		return nil, time.Time{}, false, fmt.Errorf("get snapshot: %w", err)
	}
	return []byte(row.Data), row.FetchedAt.UTC(), true, nil
}

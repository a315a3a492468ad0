package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"progresskit/core"

	"github.com/redis/go-redis/v9"
)

// Config holds Redis connection configuration
type Config struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns sensible defaults for Redis configuration
func DefaultConfig() Config {
	return Config{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// Store implements the engine.Storage interface using Redis as the backend.
// Data structure:
// - prog:{player}|{item} -> JSON blob of core.Progress
// - progval:{player}|{item} -> float64 value guard, max-merged via Lua
// - arch:{player}|{item} -> JSON blob of archived core.Progress
// - grant:{player}|{item}|{tier} -> JSON blob of core.LedgerEntry
// - snap:{key} -> JSON blob {data, fetched_at}
// - idx:updated -> ZSET of progress keys scored by last_updated (ms)
// - idx:players -> SET of player ids
// - idx:player:{player}, idx:item:{item}, idx:archived:{player} -> SETs of keys
// - idx:grants:pending -> SET of unsettled grant keys
type Store struct {
	client *redis.Client
}

// New creates a new Redis-backed storage with the provided configuration
func New(config Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Store{client: client}, nil
}

// NewWithClient creates a Store using an existing Redis client (useful for testing)
func NewWithClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

func progressKey(player core.PlayerID, item core.ItemID) string {
	return "prog:" + core.ProgressKey(player, item)
}

func valueKey(player core.PlayerID, item core.ItemID) string {
	return "progval:" + core.ProgressKey(player, item)
}

func archiveKey(player core.PlayerID, item core.ItemID) string {
	return "arch:" + core.ProgressKey(player, item)
}

func grantKey(player core.PlayerID, item core.ItemID, tier int) string {
	return "grant:" + core.GrantKey(player, item, tier)
}

func snapshotKey(key string) string {
	return "snap:" + key
}

func playerIndexKey(player core.PlayerID) string {
	return "idx:player:" + string(player)
}

func itemIndexKey(item core.ItemID) string {
	return "idx:item:" + string(item)
}

func archivedIndexKey(player core.PlayerID) string {
	return "idx:archived:" + string(player)
}

const (
	updatedIndexKey = "idx:updated"
	playersKey      = "idx:players"
	pendingKey      = "idx:grants:pending"
)

// Lua script guarding the value key against regression: the stored number
// only ever increases, so a concurrent writer from another process cannot
// roll progress backward even without the engine's per-key lock.
var maxMergeScript = redis.NewScript(`
	local key = KEYS[1]
	local observed = tonumber(ARGV[1])
	local current = tonumber(redis.call('GET', key) or '-1')
	if observed > current then
		redis.call('SET', key, observed)
		return 1
	end
	return 0
`)

func (s *Store) GetProgress(ctx context.Context, player core.PlayerID, item core.ItemID) (core.Progress, bool, error) {
	data, err := s.client.Get(ctx, progressKey(player, item)).Bytes()
	if err == redis.Nil {
		return core.Progress{}, false, nil
	}
	if err != nil {
		return core.Progress{}, false, fmt.Errorf("get progress: %w", err)
	}
	p, err := decodeProgress(data)
	if err != nil {
		return core.Progress{}, false, err
	}
	return p, true, nil
}

func (s *Store) PutProgress(ctx context.Context, p core.Progress) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode progress: %w", err)
	}
	key := core.ProgressKey(p.PlayerID, p.ItemID)

	if err := maxMergeScript.Run(ctx, s.client, []string{valueKey(p.PlayerID, p.ItemID)}, p.CurrentValue).Err(); err != nil {
		return fmt.Errorf("put progress value: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, progressKey(p.PlayerID, p.ItemID), data, 0)
	pipe.ZAdd(ctx, updatedIndexKey, redis.Z{Score: float64(p.LastUpdated.UnixMilli()), Member: key})
	pipe.SAdd(ctx, playersKey, string(p.PlayerID))
	pipe.SAdd(ctx, playerIndexKey(p.PlayerID), key)
	pipe.SAdd(ctx, itemIndexKey(p.ItemID), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("put progress: %w", err)
	}
	return nil
}

func (s *Store) ProgressByPlayer(ctx context.Context, player core.PlayerID) ([]core.Progress, error) {
	keys, err := s.client.SMembers(ctx, playerIndexKey(player)).Result()
	if err != nil {
		return nil, fmt.Errorf("progress by player: %w", err)
	}
	return s.collectProgress(ctx, keys)
}

func (s *Store) ProgressByItem(ctx context.Context, item core.ItemID) ([]core.Progress, error) {
	keys, err := s.client.SMembers(ctx, itemIndexKey(item)).Result()
	if err != nil {
		return nil, fmt.Errorf("progress by item: %w", err)
	}
	return s.collectProgress(ctx, keys)
}

func (s *Store) UpdatedSince(ctx context.Context, t time.Time) ([]core.Progress, error) {
	keys, err := s.client.ZRangeByScore(ctx, updatedIndexKey, &redis.ZRangeBy{
		Min: fmt.Sprintf("%d", t.UnixMilli()),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("updated since: %w", err)
	}
	return s.collectProgress(ctx, keys)
}

func (s *Store) Players(ctx context.Context) ([]core.PlayerID, error) {
	members, err := s.client.SMembers(ctx, playersKey).Result()
	if err != nil {
		return nil, fmt.Errorf("players: %w", err)
	}
	out := make([]core.PlayerID, 0, len(members))
	for _, m := range members {
		out = append(out, core.PlayerID(m))
	}
	return out, nil
}

func (s *Store) ArchiveProgress(ctx context.Context, player core.PlayerID, item core.ItemID) error {
	data, err := s.client.Get(ctx, progressKey(player, item)).Bytes()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("archive progress: %w", err)
	}
	key := core.ProgressKey(player, item)

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, archiveKey(player, item), data, 0)
	pipe.SAdd(ctx, archivedIndexKey(player), key)
	pipe.Del(ctx, progressKey(player, item), valueKey(player, item))
	pipe.ZRem(ctx, updatedIndexKey, key)
	pipe.SRem(ctx, playerIndexKey(player), key)
	pipe.SRem(ctx, itemIndexKey(item), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("archive progress: %w", err)
	}
	return nil
}

func (s *Store) ArchivedProgress(ctx context.Context, player core.PlayerID) ([]core.Progress, error) {
	keys, err := s.client.SMembers(ctx, archivedIndexKey(player)).Result()
	if err != nil {
		return nil, fmt.Errorf("archived progress: %w", err)
	}
	var out []core.Progress
	for _, key := range keys {
		data, err := s.client.Get(ctx, "arch:"+key).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("archived progress: %w", err)
		}
		p, err := decodeProgress(data)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *Store) GetGrant(ctx context.Context, player core.PlayerID, item core.ItemID, tier int) (core.LedgerEntry, bool, error) {
	data, err := s.client.Get(ctx, grantKey(player, item, tier)).Bytes()
	if err == redis.Nil {
		return core.LedgerEntry{}, false, nil
	}
	if err != nil {
		return core.LedgerEntry{}, false, fmt.Errorf("get grant: %w", err)
	}
	var e core.LedgerEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return core.LedgerEntry{}, false, fmt.Errorf("decode grant: %v: %w", err, core.ErrCorruptPersisted)
	}
	return e, true, nil
}

func (s *Store) PutGrant(ctx context.Context, e core.LedgerEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode grant: %w", err)
	}
	key := grantKey(e.PlayerID, e.ItemID, e.Tier)

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, key, data, 0)
	if e.Settled() {
		pipe.SRem(ctx, pendingKey, key)
	} else {
		pipe.SAdd(ctx, pendingKey, key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("put grant: %w", err)
	}
	return nil
}

func (s *Store) PendingGrants(ctx context.Context) ([]core.LedgerEntry, error) {
	keys, err := s.client.SMembers(ctx, pendingKey).Result()
	if err != nil {
		return nil, fmt.Errorf("pending grants: %w", err)
	}
	var out []core.LedgerEntry
	for _, key := range keys {
		data, err := s.client.Get(ctx, key).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("pending grants: %w", err)
		}
		var e core.LedgerEntry
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("decode grant: %v: %w", err, core.ErrCorruptPersisted)
		}
		out = append(out, e)
	}
	return out, nil
}

type snapshotBlob struct {
	Data      []byte    `json:"data"`
	FetchedAt time.Time `json:"fetched_at"`
}

func (s *Store) PutSnapshot(ctx context.Context, key string, data []byte, fetchedAt time.Time) error {
	blob, err := json.Marshal(snapshotBlob{Data: data, FetchedAt: fetchedAt})
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := s.client.Set(ctx, snapshotKey(key), blob, 0).Err(); err != nil {
		return fmt.Errorf("put snapshot: %w", err)
	}
	return nil
}

func (s *Store) GetSnapshot(ctx context.Context, key string) ([]byte, time.Time, bool, error) {
	data, err := s.client.Get(ctx, snapshotKey(key)).Bytes()
	if err == redis.Nil {
		return nil, time.Time{}, false, nil
	}
	if err != nil {
		return nil, time.Time{}, false, fmt.Errorf("get snapshot: %w", err)
	}
	var blob snapshotBlob
	if err := json.Unmarshal(data, &blob); err != nil {
		return nil, time.Time{}, false, fmt.Errorf("decode snapshot: %v: %w", err, core.ErrCorruptPersisted)
	}
	return blob.Data, blob.FetchedAt, true, nil
}

func (s *Store) collectProgress(ctx context.Context, keys []string) ([]core.Progress, error) {
	var out []core.Progress
	for _, key := range keys {
		data, err := s.client.Get(ctx, "prog:"+key).Bytes()
		if err == redis.Nil {
			continue // archived between index read and fetch
		}
		if err != nil {
			return nil, fmt.Errorf("collect progress: %w", err)
		}
		p, err := decodeProgress(data)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func decodeProgress(data []byte) (core.Progress, error) {
	var p core.Progress
	if err := json.Unmarshal(data, &p); err != nil {
		return core.Progress{}, fmt.Errorf("decode progress: %v: %w", err, core.ErrCorruptPersisted)
	}
	return p, nil
}

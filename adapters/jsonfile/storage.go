package jsonfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"progresskit/core"
)

// schemaVersion is bumped whenever the file layout changes incompatibly.
// Older files get migrated on load; files written by a newer build are
// treated as corrupt rather than guessed at.
const schemaVersion = 1

// Store persists entire state to a single JSON file.
// Suitable for demos and single-process deployments.
type Store struct {
	path string
	mu   sync.Mutex
	// in-memory state, flushed on every mutation
	data fileState
}

type fileState struct {
	Version   int                         `json:"version"`
	Progress  map[string]core.Progress    `json:"progress"`
	Archived  map[string]core.Progress    `json:"archived"`
	Grants    map[string]core.LedgerEntry `json:"grants"`
	Snapshots map[string]snapshot         `json:"snapshots"`
}

type snapshot struct {
	Data      []byte    `json:"data"`
	FetchedAt time.Time `json:"fetched_at"`
}

func emptyState() fileState {
	return fileState{
		Version:   schemaVersion,
		Progress:  map[string]core.Progress{},
		Archived:  map[string]core.Progress{},
		Grants:    map[string]core.LedgerEntry{},
		Snapshots: map[string]snapshot{},
	}
}

// New opens or creates the store at path. A file that cannot be parsed is
// moved aside to path+".corrupt" and the store starts empty; that case
// returns a usable *Store together with an error wrapping
// core.ErrCorruptPersisted so the caller can log the data loss.
func New(path string) (*Store, error) {
	s := &Store{path: path, data: emptyState()}
	err := s.load()
	switch {
	case err == nil:
		return s, nil
	case errors.Is(err, fs.ErrNotExist):
		return s, nil
	case errors.Is(err, core.ErrCorruptPersisted):
		// keep the bad bytes around for postmortems, then start fresh
		_ = os.Rename(path, path+".corrupt")
		s.data = emptyState()
		return s, err
	default:
		return nil, err
	}
}

func (s *Store) load() error {
	b, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	var raw fileState
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("parse %s: %v: %w", s.path, err, core.ErrCorruptPersisted)
	}
	if raw.Version > schemaVersion {
		return fmt.Errorf("%s written by newer schema %d: %w", s.path, raw.Version, core.ErrCorruptPersisted)
	}
	migrate(&raw)
	s.data = raw
	return nil
}

// migrate upgrades older layouts in place. Version 0 predates the version
// field itself; its maps are already compatible, so only nil maps need
// filling in.
func migrate(st *fileState) {
	if st.Progress == nil {
		st.Progress = map[string]core.Progress{}
	}
	if st.Archived == nil {
		st.Archived = map[string]core.Progress{}
	}
	if st.Grants == nil {
		st.Grants = map[string]core.LedgerEntry{}
	}
	if st.Snapshots == nil {
		st.Snapshots = map[string]snapshot{}
	}
	st.Version = schemaVersion
}

func (s *Store) persist() error {
	tmp := s.path + ".tmp"
	b, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *Store) GetProgress(_ context.Context, player core.PlayerID, item core.ItemID) (core.Progress, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.data.Progress[core.ProgressKey(player, item)]
	if !ok {
		return core.Progress{}, false, nil
	}
	return p.Clone(), true, nil
}

func (s *Store) PutProgress(_ context.Context, p core.Progress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Progress[core.ProgressKey(p.PlayerID, p.ItemID)] = p.Clone()
	return s.persist()
}

func (s *Store) ProgressByPlayer(_ context.Context, player core.PlayerID) ([]core.Progress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.Progress
	for _, p := range s.data.Progress {
		if p.PlayerID == player {
			out = append(out, p.Clone())
		}
	}
	sortProgress(out)
	return out, nil
}

func (s *Store) ProgressByItem(_ context.Context, item core.ItemID) ([]core.Progress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.Progress
	for _, p := range s.data.Progress {
		if p.ItemID == item {
			out = append(out, p.Clone())
		}
	}
	sortProgress(out)
	return out, nil
}

func (s *Store) UpdatedSince(_ context.Context, t time.Time) ([]core.Progress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.Progress
	for _, p := range s.data.Progress {
		if !p.LastUpdated.Before(t) {
			out = append(out, p.Clone())
		}
	}
	sortProgress(out)
	return out, nil
}

func (s *Store) Players(_ context.Context) ([]core.PlayerID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[core.PlayerID]struct{}{}
	for _, p := range s.data.Progress {
		seen[p.PlayerID] = struct{}{}
	}
	out := make([]core.PlayerID, 0, len(seen))
	for player := range seen {
		out = append(out, player)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *Store) ArchiveProgress(_ context.Context, player core.PlayerID, item core.ItemID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := core.ProgressKey(player, item)
	p, ok := s.data.Progress[key]
	if !ok {
		return nil
	}
	s.data.Archived[key] = p
	delete(s.data.Progress, key)
	return s.persist()
}

func (s *Store) ArchivedProgress(_ context.Context, player core.PlayerID) ([]core.Progress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.Progress
	for _, p := range s.data.Archived {
		if p.PlayerID == player {
			out = append(out, p.Clone())
		}
	}
	sortProgress(out)
	return out, nil
}

func (s *Store) GetGrant(_ context.Context, player core.PlayerID, item core.ItemID, tier int) (core.LedgerEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.data.Grants[core.GrantKey(player, item, tier)]
	return e, ok, nil
}

func (s *Store) PutGrant(_ context.Context, e core.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Grants[core.GrantKey(e.PlayerID, e.ItemID, e.Tier)] = e
	return s.persist()
}

func (s *Store) PendingGrants(_ context.Context) ([]core.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.LedgerEntry
	for _, e := range s.data.Grants {
		if !e.Settled() {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return core.GrantKey(out[i].PlayerID, out[i].ItemID, out[i].Tier) <
			core.GrantKey(out[j].PlayerID, out[j].ItemID, out[j].Tier)
	})
	return out, nil
}

func (s *Store) PutSnapshot(_ context.Context, key string, data []byte, fetchedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.data.Snapshots[key] = snapshot{Data: cp, FetchedAt: fetchedAt}
	return s.persist()
}

func (s *Store) GetSnapshot(_ context.Context, key string) ([]byte, time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.data.Snapshots[key]
	if !ok {
		return nil, time.Time{}, false, nil
	}
	cp := make([]byte, len(snap.Data))
	copy(cp, snap.Data)
	return cp, snap.FetchedAt, true, nil
}

func sortProgress(out []core.Progress) {
	sort.Slice(out, func(i, j int) bool {
		return core.ProgressKey(out[i].PlayerID, out[i].ItemID) <
			core.ProgressKey(out[j].PlayerID, out[j].ItemID)
	})
}

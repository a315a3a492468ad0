package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"progresskit/core"
)

// Store is a concurrent in-memory Storage implementation. Suitable for
// tests and for processes that rebuild state from the remote on startup.
type Store struct {
	mu        sync.RWMutex
	progress  map[string]core.Progress // key: core.ProgressKey
	archived  map[string]core.Progress
	grants    map[string]core.LedgerEntry // key: core.GrantKey
	snapshots map[string]snapshot
}

type snapshot struct {
	data      []byte
	fetchedAt time.Time
}

func New() *Store {
	return &Store{
		progress:  map[string]core.Progress{},
		archived:  map[string]core.Progress{},
		grants:    map[string]core.LedgerEntry{},
		snapshots: map[string]snapshot{},
	}
}

func (s *Store) GetProgress(_ context.Context, player core.PlayerID, item core.ItemID) (core.Progress, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.progress[core.ProgressKey(player, item)]
	if !ok {
		return core.Progress{}, false, nil
	}
	return p.Clone(), true, nil
}

func (s *Store) PutProgress(_ context.Context, p core.Progress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress[core.ProgressKey(p.PlayerID, p.ItemID)] = p.Clone()
	return nil
}

func (s *Store) ProgressByPlayer(_ context.Context, player core.PlayerID) ([]core.Progress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []core.Progress
	for _, p := range s.progress {
		if p.PlayerID == player {
			out = append(out, p.Clone())
		}
	}
	sortProgress(out)
	return out, nil
}

func (s *Store) ProgressByItem(_ context.Context, item core.ItemID) ([]core.Progress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []core.Progress
	for _, p := range s.progress {
		if p.ItemID == item {
			out = append(out, p.Clone())
		}
	}
	sortProgress(out)
	return out, nil
}

func (s *Store) UpdatedSince(_ context.Context, t time.Time) ([]core.Progress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []core.Progress
	for _, p := range s.progress {
		if !p.LastUpdated.Before(t) {
			out = append(out, p.Clone())
		}
	}
	sortProgress(out)
	return out, nil
}

func (s *Store) Players(_ context.Context) ([]core.PlayerID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := map[core.PlayerID]struct{}{}
	for _, p := range s.progress {
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
	if p, ok := s.progress[key]; ok {
		s.archived[key] = p
		delete(s.progress, key)
	}
	return nil
}

func (s *Store) ArchivedProgress(_ context.Context, player core.PlayerID) ([]core.Progress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []core.Progress
	for _, p := range s.archived {
		if p.PlayerID == player {
			out = append(out, p.Clone())
		}
	}
	sortProgress(out)
	return out, nil
}

func (s *Store) GetGrant(_ context.Context, player core.PlayerID, item core.ItemID, tier int) (core.LedgerEntry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.grants[core.GrantKey(player, item, tier)]
	return e, ok, nil
}

func (s *Store) PutGrant(_ context.Context, e core.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grants[core.GrantKey(e.PlayerID, e.ItemID, e.Tier)] = e
	return nil
}

func (s *Store) PendingGrants(_ context.Context) ([]core.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []core.LedgerEntry
	for _, e := range s.grants {
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
	s.snapshots[key] = snapshot{data: cp, fetchedAt: fetchedAt}
	return nil
}

func (s *Store) GetSnapshot(_ context.Context, key string) ([]byte, time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[key]
	if !ok {
		return nil, time.Time{}, false, nil
	}
	cp := make([]byte, len(snap.data))
	copy(cp, snap.data)
	return cp, snap.fetchedAt, true, nil
}

func sortProgress(out []core.Progress) {
	sort.Slice(out, func(i, j int) bool {
		return core.ProgressKey(out[i].PlayerID, out[i].ItemID) <
			core.ProgressKey(out[j].PlayerID, out[j].ItemID)
	})
}

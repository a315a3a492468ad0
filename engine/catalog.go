package engine

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"progresskit/core"
)

// Catalog is the in-memory registry of tracked item definitions, indexed
// for O(1) lookup by id and grouped by family. Definitions are replaced
// wholesale per family when a refresh pulls fresh ones; completion marks
// are local and survive a replace.
type Catalog struct {
	mu        sync.RWMutex
	items     map[core.ItemID]core.TrackedItem
	completed map[core.ItemID]struct{}
}

func NewCatalog() *Catalog {
	return &Catalog{
		items:     map[core.ItemID]core.TrackedItem{},
		completed: map[core.ItemID]struct{}{},
	}
}

// Upsert validates and registers a single item definition.
func (c *Catalog) Upsert(item core.TrackedItem) error {
	if err := item.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[item.ID] = item
	return nil
}

// ReplaceFamily swaps out every definition in the family for the given
// set. Definitions failing validation reject the whole batch so a bad
// remote payload cannot partially clobber a family.
func (c *Catalog) ReplaceFamily(family core.Family, items []core.TrackedItem) error {
	for _, it := range items {
		if it.Family != family {
			return fmt.Errorf("item %s has family %s, expected %s", it.ID, it.Family, family)
		}
		if err := it.Validate(); err != nil {
			return err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, it := range c.items {
		if it.Family == family {
			delete(c.items, id)
		}
	}
	for _, it := range items {
		c.items[it.ID] = it
	}
	return nil
}

// Get returns the definition for id.
func (c *Catalog) Get(id core.ItemID) (core.TrackedItem, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	it, ok := c.items[id]
	return it, ok
}

// StateOf returns the lifecycle state of id at now.
func (c *Catalog) StateOf(id core.ItemID, now time.Time) (core.ItemState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	it, ok := c.items[id]
	if !ok {
		return "", false
	}
	_, done := c.completed[id]
	return it.StateAt(now, done), true
}

// MarkCompleted records the explicit completion signal for id. Completed
// is terminal; marking an already-completed item is a no-op returning false.
func (c *Catalog) MarkCompleted(id core.ItemID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.items[id]; !ok {
		return false
	}
	if _, done := c.completed[id]; done {
		return false
	}
	c.completed[id] = struct{}{}
	return true
}

// Active returns the family's items that are active at now, sorted by id
// for stable output.
func (c *Catalog) Active(family core.Family, now time.Time) []core.TrackedItem {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []core.TrackedItem
	for id, it := range c.items {
		if it.Family != family {
			continue
		}
		_, done := c.completed[id]
		if it.StateAt(now, done) == core.StateActive {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Expired returns the family's items whose expiry has passed at now,
// including completed ones (their progress still needs archiving).
func (c *Catalog) Expired(family core.Family, now time.Time) []core.TrackedItem {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []core.TrackedItem
	for _, it := range c.items {
		if it.Family == family && it.Expired(now) {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Remove drops id from the registry. Used by the expiry sweep after the
// item's progress has been archived.
func (c *Catalog) Remove(id core.ItemID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, id)
	delete(c.completed, id)
}

// All returns every registered definition.
func (c *Catalog) All() []core.TrackedItem {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]core.TrackedItem, 0, len(c.items))
	for _, it := range c.items {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Package list provides an in-memory local To-Do list. It is the local
// side the sync engine mutates: the CLI daemon uses it as its working
// copy, and it doubles as the host implementation in tests.
package list

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/senexhq/senex-sync/internal/task"
)

// List is a thread-safe in-memory item collection keyed by local id.
type List struct {
	mu    sync.RWMutex
	items map[string]task.Item
}

// New creates an empty list.
func New() *List {
	return &List{items: make(map[string]task.Item)}
}

// CreateItem inserts an item, allocating a local id if the item does not
// carry one, and returns the id.
func (l *List) CreateItem(item task.Item) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if item.LocalID == "" {
		item.LocalID = uuid.NewString()
	}
	if _, exists := l.items[item.LocalID]; exists {
		return "", fmt.Errorf("item %s already exists", item.LocalID)
	}
	l.items[item.LocalID] = item.Clone()
	return item.LocalID, nil
}

// UpdateItem replaces the stored item. Missing items are inserted, since
// a replay after restart may race the original create.
func (l *List) UpdateItem(item task.Item) error {
	if item.LocalID == "" {
		return fmt.Errorf("item has no local id")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items[item.LocalID] = item.Clone()
	return nil
}

// RemoveItem deletes an item. Removing an absent item is a no-op.
func (l *List) RemoveItem(localID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.items, localID)
	return nil
}

// GetItem returns a copy of the item, if present.
func (l *List) GetItem(localID string) (task.Item, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	item, ok := l.items[localID]
	if !ok {
		return task.Item{}, false
	}
	return item.Clone(), true
}

// ListItems returns copies of all items, ordered by local id for
// deterministic iteration.
func (l *List) ListItems() []task.Item {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]task.Item, 0, len(l.items))
	for _, item := range l.items {
		out = append(out, item.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LocalID < out[j].LocalID })
	return out
}

// Len returns the number of items.
func (l *List) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.items)
}

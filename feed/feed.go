/*
Package feed merges change notifications into live in-memory collections.

PURPOSE:
  A client keeps its bookings in memory and applies incremental
  added/modified/removed notifications instead of reloading the whole
  collection. Unrelated records keep their identity and position, so UI
  state attached to them survives remote updates.

COMPONENTS:
  Apply:        pure reducer, previous items + changes -> next items
  Hub:          in-process topic pub/sub fed by the stores after commit
  Mirror:       goroutine-safe collection kept current by a subscription
  RedisBridge:  fans change batches out across server processes

GUARANTEES (Apply):
  - Idempotent: delivering the same change twice equals delivering it once.
  - Order-independent across ids: changes to different ids commute.
  - Previous order is kept; new ids are appended in key order.
*/
package feed

import (
	"sort"
)

// ChangeType is the kind of change carried by a notification.
type ChangeType string

const (
	Added    ChangeType = "added"
	Modified ChangeType = "modified"
	Removed  ChangeType = "removed"
)

// Change is one notification about the record with the given ID.
// Doc may be the zero value for removals.
type Change[T any] struct {
	Type ChangeType `json:"type"`
	ID   string     `json:"id"`
	Doc  T          `json:"doc"`
}

// KeyFunc returns the identity of an item.
type KeyFunc[T any] func(T) string

// MergeFunc combines the current item with an incoming upsert. A nil
// MergeFunc replaces the item.
type MergeFunc[T any] func(current, incoming T) T

// Apply returns a new slice with changes applied by id. prev is not
// modified.
func Apply[T any](prev []T, changes []Change[T], key KeyFunc[T], merge MergeFunc[T]) []T {
	if len(changes) == 0 {
		out := make([]T, len(prev))
		copy(out, prev)
		return out
	}

	current := make(map[string]T, len(prev))
	for _, item := range prev {
		current[key(item)] = item
	}

	removed := make(map[string]bool)
	for _, c := range changes {
		switch c.Type {
		case Removed:
			delete(current, c.ID)
			removed[c.ID] = true
		case Added, Modified:
			if old, ok := current[c.ID]; ok && merge != nil {
				current[c.ID] = merge(old, c.Doc)
			} else {
				current[c.ID] = c.Doc
			}
			delete(removed, c.ID)
		}
	}

	out := make([]T, 0, len(current))
	seen := make(map[string]bool, len(prev))
	for _, item := range prev {
		k := key(item)
		if v, ok := current[k]; ok && !seen[k] {
			out = append(out, v)
			seen[k] = true
		}
	}

	var fresh []string
	for k := range current {
		if !seen[k] {
			fresh = append(fresh, k)
		}
	}
	sort.Strings(fresh)
	for _, k := range fresh {
		out = append(out, current[k])
	}
	return out
}

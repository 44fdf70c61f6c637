package feed

import (
	"context"
	"sync"
)

// Mirror is a live collection kept current from a change stream.
type Mirror[T any] struct {
	mu    sync.RWMutex
	items []T
	key   KeyFunc[T]
	merge MergeFunc[T]
}

func NewMirror[T any](initial []T, key KeyFunc[T], merge MergeFunc[T]) *Mirror[T] {
	items := make([]T, len(initial))
	copy(items, initial)
	return &Mirror[T]{items: items, key: key, merge: merge}
}

// Apply merges one batch.
func (m *Mirror[T]) Apply(changes []Change[T]) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = Apply(m.items, changes, m.key, m.merge)
}

// Items returns a copy of the current collection.
func (m *Mirror[T]) Items() []T {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]T, len(m.items))
	copy(out, m.items)
	return out
}

// Run applies batches from ch until ctx is done or ch is closed. It
// returns false when ch closed, meaning the mirror may be stale.
func (m *Mirror[T]) Run(ctx context.Context, ch <-chan []Change[T]) bool {
	for {
		select {
		case <-ctx.Done():
			return true
		case batch, ok := <-ch:
			if !ok {
				return false
			}
			m.Apply(batch)
		}
	}
}

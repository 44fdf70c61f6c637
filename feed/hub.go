package feed

import (
	"context"
	"sync"
)

// DefaultBuffer is the per-subscriber channel depth.
const DefaultBuffer = 64

// Hub is an in-process pub/sub for change batches. Publish never blocks:
// a subscriber whose buffer is full is dropped and its channel closed, and
// it must reload and subscribe again.
type Hub[T any] struct {
	mu     sync.Mutex
	subs   map[int]*subscription[T]
	nextID int
	buffer int
}

type subscription[T any] struct {
	ch     chan []Change[T]
	filter func(Change[T]) bool
}

func NewHub[T any](buffer int) *Hub[T] {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub[T]{subs: make(map[int]*subscription[T]), buffer: buffer}
}

// Subscribe registers a subscriber. filter may be nil. The channel is
// closed when ctx is done or the subscriber falls behind.
func (h *Hub[T]) Subscribe(ctx context.Context, filter func(Change[T]) bool) <-chan []Change[T] {
	sub := &subscription[T]{ch: make(chan []Change[T], h.buffer), filter: filter}

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = sub
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.remove(id)
	}()
	return sub.ch
}

// Publish delivers the filtered part of a batch to every subscriber.
func (h *Hub[T]) Publish(changes []Change[T]) {
	if len(changes) == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, sub := range h.subs {
		batch := changes
		if sub.filter != nil {
			batch = nil
			for _, c := range changes {
				if sub.filter(c) {
					batch = append(batch, c)
				}
			}
			if len(batch) == 0 {
				continue
			}
		}
		select {
		case sub.ch <- batch:
		default:
			delete(h.subs, id)
			close(sub.ch)
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (h *Hub[T]) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close drops every subscriber.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, sub := range h.subs {
		delete(h.subs, id)
		close(sub.ch)
	}
}

func (h *Hub[T]) remove(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(sub.ch)
	}
}

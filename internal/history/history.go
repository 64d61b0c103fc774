// Package history keeps the newest-first list of transfer records. The list is owned by a
// single goroutine; every mutation is a message to it.
package history

import "sync"

// History is a capacity bounded, newest-first list.
type History[T any] struct {
	capacity int
	evict    func(T)

	ops       chan func(*[]T)
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New starts the owner goroutine. A capacity <= 0 keeps every item. evict is called on the
// owner goroutine for each item dropped by the capacity bound and for every item left at
// Close; it must not call back into the History.
func New[T any](capacity int, evict func(T)) *History[T] {
	if evict == nil {
		evict = func(T) {}
	}
	h := &History[T]{
		capacity: capacity,
		evict:    evict,
		ops:      make(chan func(*[]T)),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go h.run()
	return h
}

// Prepend adds v as the newest item. After Close, v is evicted right away.
func (h *History[T]) Prepend(v T) {
	ok := h.do(func(items *[]T) {
		*items = append([]T{v}, *items...)
		if h.capacity <= 0 || len(*items) <= h.capacity {
			return
		}
		for _, old := range (*items)[h.capacity:] {
			h.evict(old)
		}
		*items = append([]T(nil), (*items)[:h.capacity]...)
	})
	if !ok {
		h.evict(v)
	}
}

// Snapshot returns a copy of the items, newest first.
func (h *History[T]) Snapshot() []T {
	var out []T
	h.do(func(items *[]T) {
		out = make([]T, len(*items))
		copy(out, *items)
	})
	return out
}

func (h *History[T]) Len() int {
	var n int
	h.do(func(items *[]T) {
		n = len(*items)
	})
	return n
}

// Close evicts every remaining item and stops the owner goroutine. Safe to call more than once.
func (h *History[T]) Close() {
	h.closeOnce.Do(func() {
		close(h.quit)
	})
	<-h.done
}

func (h *History[T]) do(fn func(*[]T)) bool {
	ack := make(chan struct{})
	op := func(items *[]T) {
		fn(items)
		close(ack)
	}
	select {
	case h.ops <- op:
		<-ack
		return true
	case <-h.done:
		return false
	}
}

func (h *History[T]) run() {
	defer close(h.done)
	var items []T
	for {
		select {
		case op := <-h.ops:
			op(&items)
		case <-h.quit:
			for _, item := range items {
				h.evict(item)
			}
			return
		}
	}
}

package chat

import "sync"

// Cell is an observable value supporting a notify-then-pull protocol:
// listeners registered with [Cell.Subscribe] are told that the value changed
// and read it back with [Cell.Snapshot].
//
// Snapshot returns the identical value until the next mutation, so a UI layer
// can compare snapshots by identity to detect changes. Writers are serialised
// and each mutation notifies every listener synchronously, in mutation order,
// before the next mutation starts. Listeners run without the value lock held
// and may call Snapshot, but must not mutate the cell that is notifying them.
type Cell[T any] struct {
	mu    sync.RWMutex
	value T
	equal func(a, b T) bool

	// wmu serialises Set and the notification that follows it.
	wmu sync.Mutex

	lmu       sync.Mutex
	listeners []listener
	nextID    uint64
}

type listener struct {
	id uint64
	fn func()
}

// NewCell returns a cell holding initial. When equal is non-nil, a Set whose
// value equals the current one is dropped without notifying.
func NewCell[T any](initial T, equal func(a, b T) bool) *Cell[T] {
	return &Cell[T]{value: initial, equal: equal}
}

// Snapshot returns the current value.
func (c *Cell[T]) Snapshot() T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.value
}

// Subscribe registers fn to be called after every mutation. The returned
// function removes the registration; calling it more than once is harmless.
func (c *Cell[T]) Subscribe(fn func()) (unsubscribe func()) {
	c.lmu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners = append(c.listeners, listener{id: id, fn: fn})
	c.lmu.Unlock()

	return func() {
		c.lmu.Lock()
		defer c.lmu.Unlock()
		for i, l := range c.listeners {
			if l.id == id {
				c.listeners = append(c.listeners[:i:i], c.listeners[i+1:]...)
				return
			}
		}
	}
}

// Set stores v and notifies listeners. It reports whether the value changed.
func (c *Cell[T]) Set(v T) bool {
	return c.Update(func(T) T { return v })
}

// Update replaces the value with fn(current) atomically with respect to other
// writers, then notifies listeners. It reports whether the value changed.
func (c *Cell[T]) Update(fn func(T) T) bool {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	c.mu.Lock()
	next := fn(c.value)
	if c.equal != nil && c.equal(c.value, next) {
		c.mu.Unlock()
		return false
	}
	c.value = next
	c.mu.Unlock()

	c.notify()
	return true
}

func (c *Cell[T]) notify() {
	c.lmu.Lock()
	ls := make([]listener, len(c.listeners))
	copy(ls, c.listeners)
	c.lmu.Unlock()

	for _, l := range ls {
		l.fn()
	}
}

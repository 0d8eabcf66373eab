// Package ring implements a fixed-capacity FIFO that evicts its oldest entry.
// It is not safe for concurrent use; owners guard it with their own lock.
package ring

type Buffer[T any] struct {
	items []T
	start int
	size  int
}

func New[T any](capacity int) *Buffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer[T]{items: make([]T, capacity)}
}

// Push appends v and reports whether the oldest entry was evicted to make room.
func (b *Buffer[T]) Push(v T) bool {
	c := len(b.items)
	if b.size < c {
		b.items[(b.start+b.size)%c] = v
		b.size++
		return false
	}
	b.items[b.start] = v
	b.start = (b.start + 1) % c
	return true
}

func (b *Buffer[T]) Len() int { return b.size }

func (b *Buffer[T]) Cap() int { return len(b.items) }

// Last returns up to n newest entries, oldest first.
func (b *Buffer[T]) Last(n int) []T {
	if n > b.size {
		n = b.size
	}
	if n <= 0 {
		return []T{}
	}
	out := make([]T, n)
	c := len(b.items)
	first := b.start + b.size - n
	for i := 0; i < n; i++ {
		out[i] = b.items[(first+i)%c]
	}
	return out
}

// All returns every entry, oldest first.
func (b *Buffer[T]) All() []T {
	return b.Last(b.size)
}

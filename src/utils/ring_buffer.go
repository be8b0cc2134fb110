package utils

// -----------------------------------------------------------------------------
// RingBuffer is a fixed-size circular buffer.
// True ring buffer - no resizing allowed!
// -----------------------------------------------------------------------------

type RingBuffer[T any] struct {
	data     []T
	capacity int
	index    int // Next write position
	size     int // Current number of elements
}

// -----------------------------------------------------------------------------

// NewRingBuffer creates a new buffer with fixed capacity
func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	if capacity <= 0 {
		capacity = 1000 // Default reasonable size
	}

	return &RingBuffer[T]{
		data:     make([]T, capacity),
		capacity: capacity,
	}
}

// -----------------------------------------------------------------------------

// Append adds an item, overwriting the oldest one when full.
// It reports whether an item was overwritten.
func (rb *RingBuffer[T]) Append(item T) bool {
	overwrote := rb.size == rb.capacity
	rb.data[rb.index] = item
	rb.index = (rb.index + 1) % rb.capacity

	if rb.size < rb.capacity {
		rb.size++
	}
	return overwrote
}

// -----------------------------------------------------------------------------

// GetLatest returns the n newest items, oldest first
func (rb *RingBuffer[T]) GetLatest(n int) []T {
	if rb.size == 0 || n <= 0 {
		return []T{}
	}

	count := n
	if n > rb.size {
		count = rb.size
	}

	result := make([]T, count)
	startIdx := (rb.index - count + rb.capacity) % rb.capacity
	for i := 0; i < count; i++ {
		result[i] = rb.data[(startIdx+i)%rb.capacity]
	}
	return result
}

// -----------------------------------------------------------------------------

// GetAll returns all data in insertion order (oldest to newest)
func (rb *RingBuffer[T]) GetAll() []T {
	return rb.GetLatest(rb.size)
}

// -----------------------------------------------------------------------------

// Drain returns everything in insertion order and empties the buffer.
func (rb *RingBuffer[T]) Drain() []T {
	out := rb.GetAll()
	rb.Clear()
	return out
}

// -----------------------------------------------------------------------------

// Size returns current number of elements
func (rb *RingBuffer[T]) Size() int {
	return rb.size
}

// Capacity returns buffer capacity (fixed)
func (rb *RingBuffer[T]) Capacity() int {
	return rb.capacity
}

// IsFull returns whether buffer is full
func (rb *RingBuffer[T]) IsFull() bool {
	return rb.size == rb.capacity
}

// -----------------------------------------------------------------------------

// Clear resets the buffer
func (rb *RingBuffer[T]) Clear() {
	var zero T
	for i := range rb.data {
		rb.data[i] = zero
	}
	rb.index = 0
	rb.size = 0
}

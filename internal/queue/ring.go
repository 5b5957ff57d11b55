package queue

// ring is a FIFO ring buffer that doubles its capacity when it reaches 70%
// full. Not safe for concurrent use.
type ring[T any] struct {
	buf      []T
	head     int // read position
	tail     int // write position
	count    int
	capacity int

	resizeCount int
}

func newRing[T any](initialCapacity int) *ring[T] {
	if initialCapacity < 1 {
		initialCapacity = 1
	}
	return &ring[T]{
		buf:      make([]T, initialCapacity),
		capacity: initialCapacity,
	}
}

func (r *ring[T]) push(item T) {
	threshold := (r.capacity * 70) / 100
	if threshold < 1 {
		threshold = 1
	}
	if r.count+1 >= threshold {
		r.grow()
	}

	r.buf[r.tail] = item
	r.tail = (r.tail + 1) % r.capacity
	r.count++
}

func (r *ring[T]) pop() (T, bool) {
	var zero T
	if r.count == 0 {
		return zero, false
	}

	item := r.buf[r.head]
	r.buf[r.head] = zero // Clear reference for GC
	r.head = (r.head + 1) % r.capacity
	r.count--

	return item, true
}

// items returns a copy of the contents, head first.
func (r *ring[T]) items() []T {
	out := make([]T, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(r.head+i)%r.capacity]
	}
	return out
}

func (r *ring[T]) reset() int {
	n := r.count
	var zero T
	for i := range r.buf {
		r.buf[i] = zero
	}
	r.head, r.tail, r.count = 0, 0, 0
	return n
}

// grow doubles the capacity.
func (r *ring[T]) grow() {
	newCapacity := r.capacity * 2
	newBuf := make([]T, newCapacity)

	if r.count > 0 {
		if r.head < r.tail {
			// Contiguous: [head...tail)
			copy(newBuf, r.buf[r.head:r.tail])
		} else {
			// Wrapped: [head...end) + [0...tail)
			n := copy(newBuf, r.buf[r.head:])
			copy(newBuf[n:], r.buf[:r.tail])
		}
	}

	r.buf = newBuf
	r.head = 0
	r.tail = r.count
	r.capacity = newCapacity
	r.resizeCount++
}

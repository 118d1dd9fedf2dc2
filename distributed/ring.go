package distributed

// An array-based fixed-length queue. Used for the sliding windows of
// completed history samples.

type ring[T any] struct {
	// tracking the length separately in l, because calculating it from (front, back)
	// is difficult in some cases (especially rollover)
	front, back, l int
	queue          []T
}

func newRing[T any](capacity int) *ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &ring[T]{queue: make([]T, capacity)}
}

func (q *ring[T]) len() int {
	return q.l
}

func (q *ring[T]) full() bool {
	return q.l == len(q.queue)
}

// Append to the back. Returns false if the ring is full.
func (q *ring[T]) push(e T) bool {
	if q.full() {
		return false
	}
	q.queue[q.back] = e
	q.back = (q.back + 1) % len(q.queue)
	q.l++
	return true
}

// Remove from the front. ok is false if the ring is empty.
func (q *ring[T]) pop() (e T, ok bool) {
	if q.l == 0 {
		return e, false
	}
	e = q.queue[q.front]
	var zero T
	q.queue[q.front] = zero
	q.front = (q.front + 1) % len(q.queue)
	q.l--
	return e, true
}

// Calls f for every element, oldest first.
func (q *ring[T]) each(f func(T)) {
	for i := 0; i < q.l; i++ {
		f(q.queue[(q.front+i)%len(q.queue)])
	}
}

package kernel

import "sync/atomic"

// Queue is a bounded lock-free multi-producer multi-consumer FIFO. Push and
// Pop never block or allocate, which makes it usable on the render path.
type Queue[T any] struct {
	mask  uint64
	cells []queueCell[T]
	head  atomic.Uint64
	tail  atomic.Uint64
}

type queueCell[T any] struct {
	seq atomic.Uint64
	val T
}

// NewQueue returns a queue holding at least size items, rounded up to a
// power of two.
func NewQueue[T any](size int) *Queue[T] {
	n := 2
	for n < size {
		n <<= 1
	}
	q := &Queue[T]{mask: uint64(n - 1), cells: make([]queueCell[T], n)}
	for i := range q.cells {
		q.cells[i].seq.Store(uint64(i))
	}
	return q
}

// Push appends v and reports false if the queue is full.
func (q *Queue[T]) Push(v T) bool {
	pos := q.head.Load()
	for {
		c := &q.cells[pos&q.mask]
		seq := c.seq.Load()
		switch dif := int64(seq) - int64(pos); {
		case dif == 0:
			if q.head.CompareAndSwap(pos, pos+1) {
				c.val = v
				c.seq.Store(pos + 1)
				return true
			}
			pos = q.head.Load()
		case dif < 0:
			return false
		default:
			pos = q.head.Load()
		}
	}
}

// Pop removes the oldest item.
func (q *Queue[T]) Pop() (T, bool) {
	pos := q.tail.Load()
	for {
		c := &q.cells[pos&q.mask]
		seq := c.seq.Load()
		switch dif := int64(seq) - int64(pos+1); {
		case dif == 0:
			if q.tail.CompareAndSwap(pos, pos+1) {
				v := c.val
				c.seq.Store(pos + q.mask + 1)
				return v, true
			}
			pos = q.tail.Load()
		case dif < 0:
			var zero T
			return zero, false
		default:
			pos = q.tail.Load()
		}
	}
}

// Len returns an approximate item count.
func (q *Queue[T]) Len() int {
	n := int64(q.head.Load()) - int64(q.tail.Load())
	if n < 0 {
		return 0
	}
	return int(n)
}

package spatial

import (
	"runtime"
	"sync/atomic"
)

// CacheLineSize is the cache line size assumed for padding (x86-64, arm64).
const CacheLineSize = 64

// Padding keeps hot counters on separate cache lines.
type Padding [CacheLineSize]byte

func roundPow2(n int) int {
	c := 1
	for c < n {
		c <<= 1
	}
	return c
}

type mpscCell[T any] struct {
	seq  atomic.Uint64
	item T
}

// LockFreeQueue is a bounded multi-producer single-consumer ring buffer.
//
// Every cell carries a sequence number, so a producer publishes its item
// only after writing it and the consumer never sees a claimed but unwritten
// cell. Network goroutines push; the tick goroutine pops.
type LockFreeQueue[T any] struct {
	_pad0 Padding
	head  atomic.Uint64 // next cell a producer claims
	_pad1 Padding
	tail  atomic.Uint64 // next cell the consumer reads
	_pad2 Padding
	mask  uint64
	cells []mpscCell[T]
}

// NewLockFreeQueue rounds capacity up to a power of two.
func NewLockFreeQueue[T any](capacity int) *LockFreeQueue[T] {
	n := roundPow2(capacity)
	q := &LockFreeQueue[T]{mask: uint64(n - 1), cells: make([]mpscCell[T], n)}
	for i := range q.cells {
		q.cells[i].seq.Store(uint64(i))
	}
	return q
}

// TryPush adds item, or reports false when the queue is full. Safe for
// concurrent producers.
func (q *LockFreeQueue[T]) TryPush(item T) bool {
	for {
		pos := q.head.Load()
		cell := &q.cells[pos&q.mask]
		seq := cell.seq.Load()
		switch {
		case seq == pos:
			if q.head.CompareAndSwap(pos, pos+1) {
				cell.item = item
				cell.seq.Store(pos + 1)
				return true
			}
		case seq < pos:
			return false
		}
		runtime.Gosched()
	}
}

// Push spins until item fits.
func (q *LockFreeQueue[T]) Push(item T) {
	for !q.TryPush(item) {
		runtime.Gosched()
	}
}

// TryPop removes the oldest item. Single consumer only.
func (q *LockFreeQueue[T]) TryPop() (T, bool) {
	var zero T
	pos := q.tail.Load()
	cell := &q.cells[pos&q.mask]
	if cell.seq.Load() != pos+1 {
		return zero, false
	}
	item := cell.item
	cell.item = zero
	cell.seq.Store(pos + q.mask + 1)
	q.tail.Store(pos + 1)
	return item, true
}

// Drain pops up to maxItems items.
func (q *LockFreeQueue[T]) Drain(maxItems int) []T {
	var out []T
	for len(out) < maxItems {
		item, ok := q.TryPop()
		if !ok {
			break
		}
		out = append(out, item)
	}
	return out
}

// Len is approximate while producers are active.
func (q *LockFreeQueue[T]) Len() int {
	head, tail := q.head.Load(), q.tail.Load()
	if head < tail {
		return 0
	}
	return int(head - tail)
}

func (q *LockFreeQueue[T]) Cap() int { return int(q.mask + 1) }

// =============================================================================
// SPSC
// =============================================================================

// SPSCQueue is a bounded single-producer single-consumer ring buffer. A
// session's read goroutine pushes decoded packets; the tick goroutine pops them.
type SPSCQueue[T any] struct {
	_pad0 Padding
	head  atomic.Uint64
	_pad1 Padding
	tail  atomic.Uint64
	_pad2 Padding
	mask  uint64
	data  []T
}

func NewSPSCQueue[T any](capacity int) *SPSCQueue[T] {
	n := roundPow2(capacity)
	return &SPSCQueue[T]{mask: uint64(n - 1), data: make([]T, n)}
}

// TryPush is producer-only.
func (q *SPSCQueue[T]) TryPush(item T) bool {
	head := q.head.Load()
	if head-q.tail.Load() > q.mask {
		return false
	}
	q.data[head&q.mask] = item
	q.head.Store(head + 1)
	return true
}

// TryPop is consumer-only.
func (q *SPSCQueue[T]) TryPop() (T, bool) {
	var zero T
	tail := q.tail.Load()
	if tail >= q.head.Load() {
		return zero, false
	}
	item := q.data[tail&q.mask]
	q.data[tail&q.mask] = zero
	q.tail.Store(tail + 1)
	return item, true
}

func (q *SPSCQueue[T]) Len() int {
	head, tail := q.head.Load(), q.tail.Load()
	if head < tail {
		return 0
	}
	return int(head - tail)
}

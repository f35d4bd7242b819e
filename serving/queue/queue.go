// Package queue implements the fan-in channel between the submission path and
// the model-parallel worker ranks. It is a broadcast barrier, not a
// work-stealing queue: every rank must observe the same batch before the
// producer may replace it.
package queue

import (
	"sync"
	"time"

	"github.com/gammazero/deque"
)

// spinInterval is how long Put sleeps while a batch is partially consumed.
const spinInterval = time.Millisecond

// Broadcast is the in-process transport: a slice of pending items plus a
// bitmask recording which ranks have consumed the current batch. Bit r set
// means rank r has read; the full mask (1<<mpNum)-1 means everyone has.
type Broadcast[T any] struct {
	mu        sync.Mutex
	items     deque.Deque[T]
	value     int
	mpNum     int
	full      int
	maxGetNum int // per-get cap; 0 = each get drains everything
}

// NewBroadcast creates a barrier queue for mpNum worker ranks. maxGetNum
// bounds how many items a single Get hands out (0 = unbounded).
func NewBroadcast[T any](mpNum, maxGetNum int) *Broadcast[T] {
	return &Broadcast[T]{
		mpNum:     mpNum,
		full:      (1 << mpNum) - 1,
		maxGetNum: maxGetNum,
	}
}

// Put appends an item. If the current batch is partially consumed (some but
// not all ranks have read it) Put spin-waits until the stragglers catch up,
// so no rank can ever see a half-replaced batch.
func (q *Broadcast[T]) Put(item T) error {
	q.mu.Lock()
	for 0 < q.value && q.value < q.full {
		q.mu.Unlock()
		time.Sleep(spinInterval)
		q.mu.Lock()
	}
	if q.maxGetNum <= 0 && q.value == q.full {
		q.items.Clear()
	}
	q.value = 0
	q.items.PushBack(item)
	q.mu.Unlock()
	return nil
}

// Get returns up to maxGetNum items for the given rank, without removing them
// until every rank has read. The second return is true when this call was the
// last reader and the batch has been drained. A rank that already consumed
// the current batch gets nothing.
func (q *Broadcast[T]) Get(rank int) ([]T, bool, error) {
	position := 1 << rank
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.value&position != 0 || q.items.Len() == 0 {
		return nil, false, nil
	}
	n := q.items.Len()
	if q.maxGetNum > 0 && q.maxGetNum < n {
		n = q.maxGetNum
	}
	out := make([]T, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, q.items.At(i))
	}
	q.value |= position
	if q.value >= q.full {
		if q.maxGetNum > 0 {
			for i := 0; i < n; i++ {
				q.items.PopFront()
			}
		} else {
			q.items.Clear()
		}
		q.value = 0
		return out, true, nil
	}
	return out, false, nil
}

// Empty reports whether no items are pending.
func (q *Broadcast[T]) Empty() (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len() == 0, nil
}

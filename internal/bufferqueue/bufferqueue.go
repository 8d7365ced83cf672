// Package bufferqueue provides a goroutine-safe FIFO shared between a
// producer and a draining loop.
package bufferqueue

import (
	"sync"

	"github.com/xaionaro-go/audiomix/pkg/audio"
)

type Queue[T any] struct {
	locker sync.Mutex
	items  []T
}

func New[T any](capacity int) *Queue[T] {
	return &Queue[T]{
		items: make([]T, 0, capacity),
	}
}

// NewFilled returns a queue holding count empty transfer buffers.
func NewFilled(count int) *Queue[*audio.InputBuffer] {
	q := New[*audio.InputBuffer](count)
	for i := 0; i < count; i++ {
		q.items = append(q.items, &audio.InputBuffer{})
	}
	return q
}

func (q *Queue[T]) Push(item T) {
	q.locker.Lock()
	defer q.locker.Unlock()
	q.items = append(q.items, item)
}

// Peek returns the head of the queue without removing it, or the zero
// value if the queue is empty.
func (q *Queue[T]) Peek() T {
	q.locker.Lock()
	defer q.locker.Unlock()
	if len(q.items) == 0 {
		var zero T
		return zero
	}
	return q.items[0]
}

// Pop removes and returns the head of the queue, or the zero value.
func (q *Queue[T]) Pop() T {
	item, _ := q.TryPop()
	return item
}

func (q *Queue[T]) TryPop() (T, bool) {
	q.locker.Lock()
	defer q.locker.Unlock()
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	item := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	return item, true
}

// Drain removes every item and returns them in order.
func (q *Queue[T]) Drain() []T {
	q.locker.Lock()
	defer q.locker.Unlock()
	items := q.items
	q.items = make([]T, 0, cap(items))
	return items
}

func (q *Queue[T]) Len() int {
	q.locker.Lock()
	defer q.locker.Unlock()
	return len(q.items)
}

func (q *Queue[T]) IsEmpty() bool {
	return q.Len() == 0
}

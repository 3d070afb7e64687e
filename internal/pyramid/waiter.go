package pyramid

import (
	"sync"

	"tileview/internal/tile"
)

type waitResult[T any] struct {
	data *tile.Data[T]
	err  error
}

// waiter is a one-shot callback a blocking reader waits on. The channel is
// buffered so the worker never blocks on a reader that already gave up.
type waiter[T any] struct {
	ch   chan waitResult[T]
	once sync.Once
}

func newWaiter[T any]() *waiter[T] {
	return &waiter[T]{ch: make(chan waitResult[T], 1)}
}

func (w *waiter[T]) Fulfilled(_ tile.Key, data *tile.Data[T]) bool {
	w.once.Do(func() { w.ch <- waitResult[T]{data: data} })
	return true
}

func (w *waiter[T]) Abandoned(_ tile.Key, reason error) {
	w.once.Do(func() { w.ch <- waitResult[T]{err: reason} })
}

func (w *waiter[T]) resolved() bool {
	return len(w.ch) > 0
}

// Copyright 2025 Gaigentic AI
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package workqueue provides the bounded work-queue and worker-pool
// primitives shared by the orchestrator, the rule engine's batch evaluator,
// and the activity feed.
//
// The queue is a mutex+condition FIFO with a non-blocking push and a
// blocking pop: producers are never parked on a full queue (they receive
// false and surface backpressure), consumers park until work or close.
package workqueue

import "sync"

// Queue is a bounded FIFO safe for concurrent use.
type Queue[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []T
	cap    int
	closed bool
}

// NewQueue creates a bounded queue. Capacity must be at least 1.
func NewQueue[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	q := &Queue[T]{
		items: make([]T, 0, capacity),
		cap:   capacity,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// TryPush appends item without blocking. It returns false when the queue is
// full or closed; the caller decides whether that is backpressure or a drop.
func (q *Queue[T]) TryPush(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || len(q.items) >= q.cap {
		return false
	}
	q.items = append(q.items, item)
	q.cond.Signal()
	return true
}

// Pop blocks until an item is available or the queue is closed and drained.
// The second return value is false only on a closed, empty queue.
func (q *Queue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		var zero T
		return zero, false
	}

	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

// Len returns the current depth.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Cap returns the configured capacity.
func (q *Queue[T]) Cap() int {
	return q.cap
}

// Closed reports whether Close has been called.
func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Close rejects further pushes and wakes all blocked consumers. Items already
// queued remain poppable. Close is idempotent.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.cond.Broadcast()
}

// TryPushAll atomically pushes items[i] onto queues[i]: either every queue
// accepts its item or none does. Callers must pass queues in a single
// process-wide order, with no queue appearing twice.
func TryPushAll[T any](queues []*Queue[T], items []T) bool {
	if len(queues) != len(items) || len(queues) == 0 {
		return false
	}

	for _, q := range queues {
		q.mu.Lock()
	}
	defer func() {
		for i := len(queues) - 1; i >= 0; i-- {
			queues[i].mu.Unlock()
		}
	}()

	for _, q := range queues {
		if q.closed || len(q.items) >= q.cap {
			return false
		}
	}
	for i, q := range queues {
		q.items = append(q.items, items[i])
		q.cond.Signal()
	}
	return true
}

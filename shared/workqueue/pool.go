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

package workqueue

import (
	"context"
	"sync"
	"sync/atomic"
)

// Handler processes one item pulled from the queue.
type Handler[T any] func(item T)

// PanicHandler receives the item and the recovered value when a Handler
// panics. The worker survives the panic and keeps draining.
type PanicHandler[T any] func(item T, recovered interface{})

// Pool drains one Queue with a fixed number of workers.
type Pool[T any] struct {
	name     string
	queue    *Queue[T]
	size     int
	handler  Handler[T]
	onPanic  PanicHandler[T]
	wg       sync.WaitGroup
	inFlight atomic.Int64
	started  atomic.Bool
}

// NewPool creates a worker pool over queue. size must be at least 1.
func NewPool[T any](name string, queue *Queue[T], size int, handler Handler[T], onPanic PanicHandler[T]) *Pool[T] {
	if size < 1 {
		size = 1
	}
	return &Pool[T]{
		name:    name,
		queue:   queue,
		size:    size,
		handler: handler,
		onPanic: onPanic,
	}
}

// Start launches the workers. Start is idempotent.
func (p *Pool[T]) Start() {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

func (p *Pool[T]) worker() {
	defer p.wg.Done()
	for {
		item, ok := p.queue.Pop()
		if !ok {
			return
		}
		p.inFlight.Add(1)
		p.handle(item)
		p.inFlight.Add(-1)
	}
}

func (p *Pool[T]) handle(item T) {
	defer func() {
		if r := recover(); r != nil && p.onPanic != nil {
			p.onPanic(item, r)
		}
	}()
	p.handler(item)
}

// Stop closes the queue and waits for the workers to drain it. The context
// bounds the grace window; on expiry Stop returns ctx.Err() with workers
// still finishing in the background (in-flight handlers are expected to
// observe their own cancellation).
func (p *Pool[T]) Stop(ctx context.Context) error {
	p.queue.Close()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InFlight returns the number of items currently inside handlers.
func (p *Pool[T]) InFlight() int {
	return int(p.inFlight.Load())
}

// QueueDepth returns the number of items waiting in the queue.
func (p *Pool[T]) QueueDepth() int {
	return p.queue.Len()
}

// Name returns the pool name used in logs and stats.
func (p *Pool[T]) Name() string {
	return p.name
}

// Size returns the number of workers.
func (p *Pool[T]) Size() int {
	return p.size
}

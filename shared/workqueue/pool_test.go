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
	"testing"
	"time"
)

func TestPoolDrainsQueue(t *testing.T) {
	q := NewQueue[int](32)
	var mu sync.Mutex
	seen := make(map[int]bool)

	pool := NewPool("test", q, 3, func(item int) {
		mu.Lock()
		seen[item] = true
		mu.Unlock()
	}, nil)
	pool.Start()

	for i := 0; i < 20; i++ {
		if !q.TryPush(i) {
			t.Fatalf("push %d failed", i)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 20 {
		t.Errorf("handled %d items, want 20", len(seen))
	}
}

func TestPoolPanicRecovery(t *testing.T) {
	q := NewQueue[int](8)
	var mu sync.Mutex
	var recovered []int
	var handled []int

	pool := NewPool("panicky", q, 1, func(item int) {
		if item == 13 {
			panic("unlucky")
		}
		mu.Lock()
		handled = append(handled, item)
		mu.Unlock()
	}, func(item int, r interface{}) {
		mu.Lock()
		recovered = append(recovered, item)
		mu.Unlock()
	})
	pool.Start()

	for _, v := range []int{1, 13, 2} {
		q.TryPush(v)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(recovered) != 1 || recovered[0] != 13 {
		t.Errorf("recovered = %v, want [13]", recovered)
	}
	if len(handled) != 2 {
		t.Errorf("handled = %v, want the two non-panicking items", handled)
	}
}

func TestPoolStopHonorsGraceWindow(t *testing.T) {
	q := NewQueue[int](4)
	release := make(chan struct{})

	pool := NewPool("slow", q, 1, func(item int) {
		<-release
	}, nil)
	pool.Start()
	q.TryPush(1)

	// Give the worker time to pick the item up.
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := pool.Stop(ctx); err == nil {
		t.Error("Stop should report the blown grace window")
	}
	close(release)
}

func TestPoolStartIdempotent(t *testing.T) {
	q := NewQueue[int](4)
	var mu sync.Mutex
	count := 0

	pool := NewPool("idem", q, 2, func(item int) {
		mu.Lock()
		count++
		mu.Unlock()
	}, nil)
	pool.Start()
	pool.Start()

	q.TryPush(1)
	q.TryPush(2)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if count != 2 {
		t.Errorf("handled %d items, want 2 (duplicate Start must not double-consume)", count)
	}
}

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
	"sync"
	"testing"
	"time"
)

func TestQueueBoundedPush(t *testing.T) {
	q := NewQueue[int](2)

	if !q.TryPush(1) || !q.TryPush(2) {
		t.Fatal("pushes within capacity should succeed")
	}
	if q.TryPush(3) {
		t.Error("push beyond capacity should fail")
	}
	if q.Len() != 2 {
		t.Errorf("Len = %d, want 2", q.Len())
	}
}

func TestQueueFIFOOrder(t *testing.T) {
	q := NewQueue[string](8)
	for _, s := range []string{"a", "b", "c"} {
		q.TryPush(s)
	}

	for _, want := range []string{"a", "b", "c"} {
		got, ok := q.Pop()
		if !ok || got != want {
			t.Errorf("Pop = (%q, %v), want (%q, true)", got, ok, want)
		}
	}
}

func TestQueuePopBlocksUntilPush(t *testing.T) {
	q := NewQueue[int](1)
	got := make(chan int, 1)

	go func() {
		v, ok := q.Pop()
		if ok {
			got <- v
		}
	}()

	time.Sleep(20 * time.Millisecond)
	q.TryPush(42)

	select {
	case v := <-got:
		if v != 42 {
			t.Errorf("Pop = %d, want 42", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Pop did not wake after push")
	}
}

func TestQueueCloseDrainsThenStops(t *testing.T) {
	q := NewQueue[int](4)
	q.TryPush(1)
	q.TryPush(2)
	q.Close()

	if q.TryPush(3) {
		t.Error("push after close should fail")
	}

	if v, ok := q.Pop(); !ok || v != 1 {
		t.Errorf("Pop = (%d, %v), want (1, true)", v, ok)
	}
	if v, ok := q.Pop(); !ok || v != 2 {
		t.Errorf("Pop = (%d, %v), want (2, true)", v, ok)
	}
	if _, ok := q.Pop(); ok {
		t.Error("Pop on closed empty queue should return false")
	}
}

func TestQueueCloseWakesBlockedConsumers(t *testing.T) {
	q := NewQueue[int](1)
	done := make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Pop()
		}()
	}
	go func() {
		wg.Wait()
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not wake blocked consumers")
	}
}

func TestTryPushAllAtomic(t *testing.T) {
	a := NewQueue[int](1)
	b := NewQueue[int](1)

	if !TryPushAll([]*Queue[int]{a, b}, []int{1, 2}) {
		t.Fatal("TryPushAll with free capacity should succeed")
	}

	// b is now full; the next multi-push must leave a untouched.
	if TryPushAll([]*Queue[int]{a, b}, []int{3, 4}) {
		t.Fatal("TryPushAll should fail when any queue is full")
	}
	if got, _ := a.Pop(); got != 1 {
		t.Errorf("queue a head = %d, want 1 (partial push leaked)", got)
	}
	if a.Len() != 0 {
		t.Errorf("queue a depth = %d, want 0 after failed multi-push", a.Len())
	}
}

func TestTryPushAllMismatchedArgs(t *testing.T) {
	a := NewQueue[int](1)
	if TryPushAll([]*Queue[int]{a}, []int{1, 2}) {
		t.Error("mismatched lengths should be rejected")
	}
	if TryPushAll([]*Queue[int]{}, []int{}) {
		t.Error("empty push should be rejected")
	}
}

func TestQueueConcurrentProducersConsumers(t *testing.T) {
	q := NewQueue[int](64)
	const producers, perProducer = 4, 100

	var produced sync.WaitGroup
	for p := 0; p < producers; p++ {
		produced.Add(1)
		go func() {
			defer produced.Done()
			sent := 0
			for sent < perProducer {
				if q.TryPush(sent) {
					sent++
				} else {
					time.Sleep(time.Millisecond)
				}
			}
		}()
	}

	var consumed sync.WaitGroup
	var mu sync.Mutex
	total := 0
	for c := 0; c < 2; c++ {
		consumed.Add(1)
		go func() {
			defer consumed.Done()
			for {
				_, ok := q.Pop()
				if !ok {
					return
				}
				mu.Lock()
				total++
				mu.Unlock()
			}
		}()
	}

	produced.Wait()
	// Let consumers drain the tail before close.
	for q.Len() > 0 {
		time.Sleep(time.Millisecond)
	}
	q.Close()
	consumed.Wait()

	if total != producers*perProducer {
		t.Errorf("consumed %d items, want %d", total, producers*perProducer)
	}
}

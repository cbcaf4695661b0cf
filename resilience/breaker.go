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

package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const (
	// DefaultMaxConsecutiveFailures opens the breaker.
	DefaultMaxConsecutiveFailures = 5
	// DefaultCooldown is how long the breaker fences a downstream after the
	// last failure.
	DefaultCooldown = 5 * time.Minute
)

// Breaker fences an unhealthy downstream. It is open while the consecutive
// failure count has reached the limit and the last failure is younger than
// the cooldown; once the cooldown lapses the next call reaches the
// downstream again, and a single success resets the counter.
type Breaker struct {
	name        string
	maxFailures int
	cooldown    time.Duration

	mu          sync.Mutex
	failures    int
	lastFailure time.Time

	now func() time.Time // injectable clock for tests
}

// BreakerSnapshot is a point-in-time view for stats endpoints.
type BreakerSnapshot struct {
	Name                string    `json:"name"`
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastFailureTime     time.Time `json:"last_failure_time"`
}

// NewBreaker creates a breaker for one downstream. Non-positive arguments
// fall back to the defaults.
func NewBreaker(name string, maxFailures int, cooldown time.Duration) *Breaker {
	if maxFailures <= 0 {
		maxFailures = DefaultMaxConsecutiveFailures
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Breaker{
		name:        name,
		maxFailures: maxFailures,
		cooldown:    cooldown,
		now:         time.Now,
	}
}

// IsOpen reports whether callers must take the fallback path.
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.isOpenLocked()
}

func (b *Breaker) isOpenLocked() bool {
	return b.failures >= b.maxFailures && b.now().Sub(b.lastFailure) < b.cooldown
}

// RecordFailure increments the consecutive failure count and stamps the
// failure time.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.lastFailure = b.now()
}

// RecordSuccess resets the consecutive failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
}

// State returns "open" or "closed".
func (b *Breaker) State() string {
	if b.IsOpen() {
		return "open"
	}
	return "closed"
}

// Name returns the downstream name this breaker guards.
func (b *Breaker) Name() string {
	return b.name
}

// Snapshot returns the current breaker state for stats reporting.
func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	state := "closed"
	if b.isOpenLocked() {
		state = "open"
	}
	return BreakerSnapshot{
		Name:                b.name,
		State:               state,
		ConsecutiveFailures: b.failures,
		LastFailureTime:     b.lastFailure,
	}
}

// BreakerOpenError indicates a call was fenced off without reaching the
// downstream.
type BreakerOpenError struct {
	Name string
}

func (e *BreakerOpenError) Error() string {
	return fmt.Sprintf("circuit breaker '%s' is open", e.Name)
}

// Do routes op through the breaker. While the breaker is open the downstream
// is not invoked and fallback supplies the result. On downstream failure the
// failure is recorded and fallback supplies the result as well. The boolean
// reports whether the fallback path was taken so callers can record it in
// step metadata; the error is the downstream or open-breaker cause, kept for
// logging, never fatal to the caller.
func Do[T any](ctx context.Context, b *Breaker, op func(context.Context) (T, error), fallback func(error) T) (T, bool, error) {
	if b.IsOpen() {
		err := &BreakerOpenError{Name: b.name}
		return fallback(err), true, err
	}

	result, err := op(ctx)
	if err != nil {
		b.RecordFailure()
		return fallback(err), true, err
	}

	b.RecordSuccess()
	return result, false, nil
}

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
	"errors"
	"testing"
	"time"

	"github.com/gaigenticai/regulens/shared/errs"
)

func fastRetryConfig(attempts int) *RetryConfig {
	return &RetryConfig{
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      2.0,
		RetryIf:         func(error) bool { return true },
	}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	got, err := RetryWithBackoff(context.Background(), fastRetryConfig(3), func() (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("connection refused")
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("RetryWithBackoff: %v", err)
	}
	if got != "ok" || calls != 3 {
		t.Errorf("got %q after %d calls, want ok after 3", got, calls)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	_, err := RetryWithBackoff(context.Background(), fastRetryConfig(3), func() (int, error) {
		calls++
		return 0, errors.New("service unavailable")
	})

	var re *RetryError
	if !errors.As(err, &re) {
		t.Fatalf("err = %v, want RetryError", err)
	}
	if re.Attempts != 3 || calls != 3 {
		t.Errorf("attempts = %d (%d calls), want 3", re.Attempts, calls)
	}
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	calls := 0
	_, err := RetryWithBackoff(context.Background(), fastRetryConfig(5), func() (int, error) {
		calls++
		return 0, &NonRetryableError{Err: errors.New("schema mismatch")}
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1 for non-retryable error", calls)
	}
	if !IsNonRetryable(err) {
		t.Errorf("err = %v, want non-retryable", err)
	}
}

func TestRetryHonorsContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	cfg := &RetryConfig{
		MaxAttempts:     10,
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     time.Second,
		Multiplier:      2.0,
		RetryIf:         func(error) bool { return true },
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := RetryWithBackoff(ctx, cfg, func() (int, error) {
		calls++
		return 0, errors.New("flaky")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if calls > 2 {
		t.Errorf("calls = %d, cancellation should stop the loop early", calls)
	}
}

func TestDefaultRetryCondition(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transient string", errors.New("dial tcp: connection refused"), true},
		{"rate limited", errors.New("HTTP 429 too many requests"), true},
		{"validation never retried", errs.Validation("rules", "create", "bad rule", nil), false},
		{"backpressure never retried", errs.Backpressure("orchestrator", "submit", "queue full", nil), false},
		{"context canceled", context.Canceled, false},
		{"plain logic error", errors.New("unknown operator"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DefaultRetryCondition(tt.err); got != tt.want {
				t.Errorf("DefaultRetryCondition(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestPersistRetryConfig(t *testing.T) {
	cfg := PersistRetryConfig()
	if cfg.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", cfg.MaxAttempts)
	}
	if cfg.InitialInterval != 50*time.Millisecond {
		t.Errorf("InitialInterval = %v, want 50ms", cfg.InitialInterval)
	}
	if cfg.MaxInterval != 400*time.Millisecond {
		t.Errorf("MaxInterval = %v, want 400ms", cfg.MaxInterval)
	}
}

func TestRetryVoid(t *testing.T) {
	calls := 0
	err := RetryVoid(context.Background(), fastRetryConfig(2), func() error {
		calls++
		if calls == 1 {
			return errors.New("connection reset")
		}
		return nil
	})
	if err != nil || calls != 2 {
		t.Errorf("RetryVoid = %v after %d calls", err, calls)
	}
}

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

// Package activity is the fire-and-forget feed of operator-visible agent
// activity: anomalies, escalations, sweeps, configuration changes. Core
// components never block on it; when the queue is full the record is
// dropped and counted.
package activity

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/gaigenticai/regulens/shared/logger"
	"github.com/gaigenticai/regulens/shared/workqueue"
	"github.com/gaigenticai/regulens/store"
)

// Activity is one operator-visible record.
type Activity struct {
	ActivityID  string                 `json:"activity_id"`
	AgentType   string                 `json:"agent_type"`
	Type        string                 `json:"activity_type"`
	Severity    string                 `json:"severity,omitempty"`
	Description string                 `json:"description"`
	Details     map[string]interface{} `json:"details,omitempty"`
	OccurredAt  time.Time              `json:"occurred_at"`
}

// Config tunes the feed.
type Config struct {
	QueueCapacity   int           `yaml:"queue_capacity" json:"queue_capacity"`
	BufferSize      int           `yaml:"buffer_size" json:"buffer_size"`
	BatchSize       int           `yaml:"batch_size" json:"batch_size"`
	FlushInterval   time.Duration `yaml:"flush_interval" json:"flush_interval"`
	Retention       time.Duration `yaml:"retention" json:"retention"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" json:"cleanup_interval"`
}

func (c Config) withDefaults() Config {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 1024
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 500
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 5 * time.Second
	}
	if c.Retention <= 0 {
		c.Retention = 24 * time.Hour
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 10 * time.Minute
	}
	return c
}

// Feed accepts activity records through a bounded queue and fans them into
// an in-memory ring buffer (for the recents API) and batched inserts into
// agent_activities when a store is attached.
type Feed struct {
	cfg   Config
	store *store.Store
	log   *logger.Logger
	queue *workqueue.Queue[Activity]

	mu    sync.Mutex
	ring  []Activity // oldest first
	batch []Activity // pending DB rows

	recorded  atomic.Int64
	dropped   atomic.Int64
	persisted atomic.Int64

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewFeed creates and starts a feed. A nil store keeps records in memory
// only.
func NewFeed(cfg Config, st *store.Store) *Feed {
	f := &Feed{
		cfg:   cfg.withDefaults(),
		store: st,
		log:   logger.New("activity_feed"),
		done:  make(chan struct{}),
	}
	f.queue = workqueue.NewQueue[Activity](f.cfg.QueueCapacity)

	f.wg.Add(1)
	go f.drain()
	f.wg.Add(1)
	go f.tick()
	return f
}

// Record enqueues one activity without blocking. Missing identifiers and
// timestamps are filled in. Returns false when the feed is saturated and the
// record was dropped.
func (f *Feed) Record(a Activity) bool {
	if a.ActivityID == "" {
		a.ActivityID = uuid.New().String()
	}
	if a.OccurredAt.IsZero() {
		a.OccurredAt = time.Now().UTC()
	}

	if !f.queue.TryPush(a) {
		f.dropped.Add(1)
		return false
	}
	f.recorded.Add(1)
	return true
}

// drain moves queued records into the ring buffer and the pending DB batch.
func (f *Feed) drain() {
	defer f.wg.Done()

	for {
		a, ok := f.queue.Pop()
		if !ok {
			f.flush()
			return
		}

		f.mu.Lock()
		f.ring = append(f.ring, a)
		if len(f.ring) > f.cfg.BufferSize {
			f.ring = f.ring[len(f.ring)-f.cfg.BufferSize:]
		}
		var full bool
		if f.store != nil {
			f.batch = append(f.batch, a)
			full = len(f.batch) >= f.cfg.BatchSize
		}
		f.mu.Unlock()

		if full {
			f.flush()
		}
	}
}

// tick flushes pending rows on an interval and trims expired entries.
func (f *Feed) tick() {
	defer f.wg.Done()

	flushTicker := time.NewTicker(f.cfg.FlushInterval)
	cleanupTicker := time.NewTicker(f.cfg.CleanupInterval)
	defer flushTicker.Stop()
	defer cleanupTicker.Stop()

	for {
		select {
		case <-f.done:
			return
		case <-flushTicker.C:
			f.flush()
		case <-cleanupTicker.C:
			f.cleanup()
		}
	}
}

// flush writes the pending batch in one transaction. Failed batches are
// dropped after logging; the feed is advisory, not a system of record.
func (f *Feed) flush() {
	f.mu.Lock()
	batch := f.batch
	f.batch = nil
	f.mu.Unlock()

	if len(batch) == 0 || f.store == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := f.store.WithTx(ctx, func(tx *sql.Tx) error {
		for _, a := range batch {
			details, err := json.Marshal(a.Details)
			if err != nil {
				details = []byte("{}")
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO agent_activities (
					activity_id, agent_type, activity_type, severity,
					description, details, occurred_at
				) VALUES ($1, $2, $3, $4, $5, $6, $7)
				ON CONFLICT (activity_id) DO NOTHING
			`, a.ActivityID, a.AgentType, a.Type, a.Severity, a.Description, details, a.OccurredAt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		f.log.ErrorWithErr("", "", "Activity batch insert failed", err, map[string]interface{}{
			"batch_size": len(batch),
		})
		return
	}
	f.persisted.Add(int64(len(batch)))
}

// cleanup trims expired entries from the ring and, in database mode, from
// agent_activities.
func (f *Feed) cleanup() {
	cutoff := time.Now().UTC().Add(-f.cfg.Retention)

	f.mu.Lock()
	keep := f.ring[:0]
	for _, a := range f.ring {
		if a.OccurredAt.After(cutoff) {
			keep = append(keep, a)
		}
	}
	f.ring = keep
	f.mu.Unlock()

	if f.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := f.store.Exec(ctx,
		`DELETE FROM agent_activities WHERE occurred_at < $1`, cutoff); err != nil {
		f.log.ErrorWithErr("", "", "Activity retention cleanup failed", err, nil)
	}
}

// Recent returns up to limit records, newest first.
func (f *Feed) Recent(limit int) []Activity {
	if limit <= 0 {
		limit = 50
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	n := len(f.ring)
	if limit > n {
		limit = n
	}
	out := make([]Activity, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, f.ring[i])
	}
	return out
}

// GetStats returns feed counters.
func (f *Feed) GetStats() map[string]interface{} {
	f.mu.Lock()
	buffered := len(f.ring)
	pending := len(f.batch)
	f.mu.Unlock()

	return map[string]interface{}{
		"recorded":    f.recorded.Load(),
		"dropped":     f.dropped.Load(),
		"persisted":   f.persisted.Load(),
		"buffered":    buffered,
		"batch_pending": pending,
		"queue_depth": f.queue.Len(),
	}
}

// Shutdown stops the workers after draining the queue, flushing any pending
// batch on the way out.
func (f *Feed) Shutdown(ctx context.Context) error {
	f.stopOnce.Do(func() {
		f.queue.Close()
		close(f.done)
	})

	waited := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(waited)
	}()

	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

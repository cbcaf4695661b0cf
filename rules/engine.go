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

package rules

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/gaigenticai/regulens/shared/errs"
	"github.com/gaigenticai/regulens/shared/logger"
	"github.com/gaigenticai/regulens/shared/workqueue"
)

// Engine defaults.
const (
	DefaultExecutionTimeoutMS    = 5000
	DefaultMaxParallelExecutions = 10
	DefaultCacheTTLSeconds       = 300
	DefaultMaxBatchSize          = 100
	DefaultParallelThreshold     = 10

	resultsQueueCapacity = 1024
)

// Config tunes rule evaluation.
type Config struct {
	ExecutionTimeoutMS    int `yaml:"execution_timeout_ms" json:"execution_timeout_ms"`
	MaxParallelExecutions int `yaml:"max_parallel_executions" json:"max_parallel_executions"`
	CacheTTLSeconds       int `yaml:"cache_ttl_seconds" json:"cache_ttl_seconds"`
	MaxBatchSize          int `yaml:"max_batch_size" json:"max_batch_size"`
	ParallelThreshold     int `yaml:"parallel_threshold" json:"parallel_threshold"`
}

func (c Config) withDefaults() Config {
	if c.ExecutionTimeoutMS <= 0 {
		c.ExecutionTimeoutMS = DefaultExecutionTimeoutMS
	}
	if c.MaxParallelExecutions <= 0 {
		c.MaxParallelExecutions = DefaultMaxParallelExecutions
	}
	if c.CacheTTLSeconds <= 0 {
		c.CacheTTLSeconds = DefaultCacheTTLSeconds
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = DefaultMaxBatchSize
	}
	if c.ParallelThreshold <= 0 {
		c.ParallelThreshold = DefaultParallelThreshold
	}
	return c
}

// Engine evaluates declarative rules against entities. Rules are cached in
// memory and authoritative in the store when a repository is attached; with
// a nil repository the engine runs purely in memory.
type Engine struct {
	mu    sync.RWMutex
	rules map[string]*Rule

	cfg  Config
	repo *Repository
	log  *logger.Logger

	statsMu   sync.Mutex
	ruleStats map[string]*RuleExecutionStats

	evaluations atomic.Int64
	triggered   atomic.Int64
	batches     atomic.Int64
	dropped     atomic.Int64

	resultsQueue *workqueue.Queue[*RuleResult]
	resultsPool  *workqueue.Pool[*RuleResult]

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewEngine creates a rule engine. With a non-nil repository it loads the
// rule cache from the store, persists triggered results asynchronously, and
// refreshes the cache every CacheTTLSeconds.
func NewEngine(cfg Config, repo *Repository) *Engine {
	e := &Engine{
		rules:     make(map[string]*Rule),
		cfg:       cfg.withDefaults(),
		repo:      repo,
		log:       logger.New("rule_engine"),
		ruleStats: make(map[string]*RuleExecutionStats),
		stopCh:    make(chan struct{}),
	}

	if repo != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := e.ReloadFromStore(ctx); err != nil {
			e.log.Warn("", "", "Initial rule load failed, starting with empty cache", map[string]interface{}{
				"error": err.Error(),
			})
		}
		cancel()

		e.resultsQueue = workqueue.NewQueue[*RuleResult](resultsQueueCapacity)
		e.resultsPool = workqueue.NewPool("rule_results", e.resultsQueue, 1, e.persistResult, nil)
		e.resultsPool.Start()

		go e.reloadLoop()
	}

	return e
}

// ---------------------------------------------------------------------------
// CRUD + lifecycle
// ---------------------------------------------------------------------------

// CreateRule validates and registers a new rule. The store write happens
// before the cache mutation so a persistence failure leaves the cache
// untouched.
func (e *Engine) CreateRule(ctx context.Context, rule *Rule) error {
	if err := validateRule(rule); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.rules[rule.RuleID]; exists {
		return errs.Validation("rule_engine", "CreateRule", fmt.Sprintf("rule %s already exists", rule.RuleID), nil)
	}

	now := time.Now().UTC()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	if e.repo != nil {
		if err := e.repo.SaveRule(ctx, rule); err != nil {
			return err
		}
	}

	e.rules[rule.RuleID] = copyRule(rule)
	return nil
}

// UpdateRule replaces an existing rule definition.
func (e *Engine) UpdateRule(ctx context.Context, ruleID string, rule *Rule) error {
	rule.RuleID = ruleID
	if err := validateRule(rule); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	existing, exists := e.rules[ruleID]
	if !exists {
		return ErrRuleNotFound
	}

	rule.CreatedAt = existing.CreatedAt
	rule.UpdatedAt = time.Now().UTC()

	if e.repo != nil {
		if err := e.repo.SaveRule(ctx, rule); err != nil {
			return err
		}
	}

	e.rules[ruleID] = copyRule(rule)
	return nil
}

// DeleteRule removes a rule from the store and the cache.
func (e *Engine) DeleteRule(ctx context.Context, ruleID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.rules[ruleID]; !exists {
		return ErrRuleNotFound
	}

	if e.repo != nil {
		if err := e.repo.DeleteRule(ctx, ruleID); err != nil {
			return err
		}
	}

	delete(e.rules, ruleID)
	return nil
}

// EnableRule turns a rule back on for evaluation.
func (e *Engine) EnableRule(ctx context.Context, ruleID string) error {
	return e.setEnabled(ctx, ruleID, true)
}

// DisableRule stops a rule from being evaluated without deleting it.
func (e *Engine) DisableRule(ctx context.Context, ruleID string) error {
	return e.setEnabled(ctx, ruleID, false)
}

func (e *Engine) setEnabled(ctx context.Context, ruleID string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	rule, exists := e.rules[ruleID]
	if !exists {
		return ErrRuleNotFound
	}

	if e.repo != nil {
		if err := e.repo.SetEnabled(ctx, ruleID, enabled); err != nil {
			return err
		}
	}

	updated := copyRule(rule)
	updated.Enabled = enabled
	updated.UpdatedAt = time.Now().UTC()
	e.rules[ruleID] = updated
	return nil
}

// GetRule returns a copy of one rule.
func (e *Engine) GetRule(ruleID string) (*Rule, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rule, exists := e.rules[ruleID]
	if !exists {
		return nil, ErrRuleNotFound
	}
	return copyRule(rule), nil
}

// ListRules returns every rule, enabled or not, sorted by rule_id.
func (e *Engine) ListRules() []*Rule {
	return e.filterRules(func(*Rule) bool { return true })
}

// GetActiveRules returns enabled rules sorted by rule_id.
func (e *Engine) GetActiveRules() []*Rule {
	return e.filterRules(func(r *Rule) bool { return r.Enabled })
}

// GetRulesByCategory returns all rules in one category sorted by rule_id.
func (e *Engine) GetRulesByCategory(category Category) []*Rule {
	return e.filterRules(func(r *Rule) bool { return r.Category == category })
}

func (e *Engine) filterRules(keep func(*Rule) bool) []*Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]*Rule, 0, len(e.rules))
	for _, rule := range e.rules {
		if keep(rule) {
			out = append(out, copyRule(rule))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RuleID < out[j].RuleID })
	return out
}

// ReloadFromStore replaces the cache with the store's current rule set.
func (e *Engine) ReloadFromStore(ctx context.Context) error {
	if e.repo == nil {
		return nil
	}

	loaded, err := e.repo.LoadRules(ctx)
	if err != nil {
		return err
	}

	fresh := make(map[string]*Rule, len(loaded))
	for _, rule := range loaded {
		fresh[rule.RuleID] = rule
	}

	e.mu.Lock()
	e.rules = fresh
	e.mu.Unlock()

	e.log.Info("", "", "Rule cache reloaded", map[string]interface{}{
		"rules": len(fresh),
	})
	return nil
}

func (e *Engine) reloadLoop() {
	ticker := time.NewTicker(time.Duration(e.cfg.CacheTTLSeconds) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := e.ReloadFromStore(ctx); err != nil {
				e.log.Warn("", "", "Rule cache reload failed", map[string]interface{}{
					"error": err.Error(),
				})
			}
			cancel()
		case <-e.stopCh:
			return
		}
	}
}

// Shutdown stops the reload ticker and drains the async results writer.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.stopOnce.Do(func() { close(e.stopCh) })
	if e.resultsPool != nil {
		return e.resultsPool.Stop(ctx)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Evaluation
// ---------------------------------------------------------------------------

// EvaluateEntity runs every enabled rule against the entity and returns the
// highest-scoring triggered result. Equal scores break toward the
// lexicographically smallest rule_id. When nothing triggers, the result
// carries ActionNone and Triggered=false.
func (e *Engine) EvaluateEntity(ctx context.Context, entity EntityContext) *RuleResult {
	start := time.Now()

	e.mu.RLock()
	snapshot := make([]*Rule, 0, len(e.rules))
	for _, rule := range e.rules {
		if rule.Enabled {
			snapshot = append(snapshot, rule)
		}
	}
	e.mu.RUnlock()

	var best *RuleResult
	for _, rule := range snapshot {
		result := e.evaluateRule(rule, entity)
		e.recordRuleStats(rule.RuleID, result)
		if !result.Triggered {
			continue
		}
		if best == nil || result.Score > best.Score ||
			(result.Score == best.Score && result.RuleID < best.RuleID) {
			best = result
		}
	}

	e.evaluations.Add(1)

	if best == nil {
		return &RuleResult{
			EvaluationID: uuid.New().String(),
			EntityID:     entity.EntityID,
			EntityType:   entity.EntityType,
			Action:       ActionNone,
			DurationMS:   float64(time.Since(start).Microseconds()) / 1000.0,
			EvaluatedAt:  time.Now().UTC(),
		}
	}

	e.triggered.Add(1)
	e.enqueueResult(best)
	return best
}

// EvaluateBatch evaluates many entities. Small batches run sequentially on
// the caller's goroutine; batches larger than ParallelThreshold fan out
// across a worker pool in contiguous chunks, preserving input order in the
// results.
func (e *Engine) EvaluateBatch(ctx context.Context, contexts []EntityContext) (*EvaluationBatch, error) {
	if len(contexts) > e.cfg.MaxBatchSize {
		return nil, errs.Validation("rule_engine", "EvaluateBatch",
			fmt.Sprintf("batch size %d exceeds maximum %d", len(contexts), e.cfg.MaxBatchSize), nil)
	}

	start := time.Now()
	batch := &EvaluationBatch{
		BatchID:     uuid.New().String(),
		Results:     make([]*RuleResult, 0, len(contexts)),
		EvaluatedAt: start.UTC(),
	}

	if len(contexts) == 0 {
		return batch, nil
	}

	if len(contexts) <= e.cfg.ParallelThreshold {
		for _, entity := range contexts {
			batch.Results = append(batch.Results, e.EvaluateEntity(ctx, entity))
		}
	} else {
		batch.Parallel = true
		batch.Results = e.evaluateParallel(ctx, contexts)
	}

	batch.RulesEvaluated = len(batch.Results)
	for _, res := range batch.Results {
		if res != nil && res.Triggered {
			batch.RulesTriggered++
		}
	}

	e.batches.Add(1)
	batch.DurationMS = float64(time.Since(start).Microseconds()) / 1000.0
	return batch, nil
}

// batchChunk is one contiguous slice of a batch plus its offset into the
// result slice.
type batchChunk struct {
	offset   int
	contexts []EntityContext
}

func (e *Engine) evaluateParallel(ctx context.Context, contexts []EntityContext) []*RuleResult {
	results := make([]*RuleResult, len(contexts))
	workers := min(e.cfg.MaxParallelExecutions, len(contexts))
	chunks := splitChunks(contexts, workers)

	queue := workqueue.NewQueue[batchChunk](len(chunks))
	pool := workqueue.NewPool("rule_batch", queue, workers, func(chunk batchChunk) {
		for i, entity := range chunk.contexts {
			results[chunk.offset+i] = e.EvaluateEntity(ctx, entity)
		}
	}, func(chunk batchChunk, recovered interface{}) {
		e.log.Error("", "", "Rule batch chunk panicked", map[string]interface{}{
			"offset": chunk.offset,
			"panic":  fmt.Sprint(recovered),
		})
	})

	pool.Start()
	for _, chunk := range chunks {
		queue.TryPush(chunk)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(e.cfg.ExecutionTimeoutMS)*time.Millisecond)
	defer cancel()
	if err := pool.Stop(stopCtx); err != nil {
		e.log.Warn("", "", "Rule batch did not drain before timeout", map[string]interface{}{
			"error": err.Error(),
		})
	}

	// Backfill slots a panicked or timed-out chunk left empty.
	for i, result := range results {
		if result == nil {
			results[i] = &RuleResult{
				EvaluationID: uuid.New().String(),
				EntityID:     contexts[i].EntityID,
				EntityType:   contexts[i].EntityType,
				Action:       ActionNone,
				EvaluatedAt:  time.Now().UTC(),
			}
		}
	}
	return results
}

// splitChunks divides contexts into at most n contiguous chunks.
func splitChunks(contexts []EntityContext, n int) []batchChunk {
	if n <= 0 {
		n = 1
	}
	base := len(contexts) / n
	rem := len(contexts) % n

	chunks := make([]batchChunk, 0, n)
	offset := 0
	for i := 0; i < n; i++ {
		size := base
		if i < rem {
			size++
		}
		if size == 0 {
			continue
		}
		chunks = append(chunks, batchChunk{offset: offset, contexts: contexts[offset : offset+size]})
		offset += size
	}
	return chunks
}

// evaluateRule scores one rule against one entity. Per-condition score is
// the condition's weight when met, zero otherwise; the rule score is the
// weighted fraction earned.
func (e *Engine) evaluateRule(rule *Rule, entity EntityContext) *RuleResult {
	start := time.Now()

	var totalWeight, earnedWeight float64
	matched := make([]string, 0, len(rule.Conditions))
	condScores := make(map[string]float64, len(rule.Conditions))

	for _, cond := range rule.Conditions {
		totalWeight += cond.Weight
		score := 0.0
		if e.conditionMet(cond, entity.Data) {
			score = cond.Weight
			earnedWeight += cond.Weight
			matched = append(matched, cond.FieldPath)
		}
		condScores[cond.FieldPath] = score
	}

	score := 0.0
	if totalWeight > 0 {
		score = earnedWeight / totalWeight
	}

	return &RuleResult{
		EvaluationID:      uuid.New().String(),
		RuleID:            rule.RuleID,
		RuleName:          rule.Name,
		EntityID:          entity.EntityID,
		EntityType:        entity.EntityType,
		Score:             score,
		Triggered:         score >= rule.ThresholdScore,
		Action:            rule.Action,
		MatchedConditions: matched,
		ConditionScores:   condScores,
		DurationMS:        float64(time.Since(start).Microseconds()) / 1000.0,
		EvaluatedAt:       time.Now().UTC(),
	}
}

// ---------------------------------------------------------------------------
// Stats + async persistence
// ---------------------------------------------------------------------------

func (e *Engine) recordRuleStats(ruleID string, result *RuleResult) {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()

	stats, ok := e.ruleStats[ruleID]
	if !ok {
		stats = &RuleExecutionStats{RuleID: ruleID}
		e.ruleStats[ruleID] = stats
	}
	stats.Executions++
	if result.Triggered {
		stats.Triggers++
	}
	stats.TotalDurationMS += result.DurationMS
	stats.AvgDurationMS = stats.TotalDurationMS / float64(stats.Executions)
	stats.LastExecutedAt = result.EvaluatedAt
}

// GetRuleExecutionStats returns cumulative counters for one rule.
func (e *Engine) GetRuleExecutionStats(ruleID string) (*RuleExecutionStats, error) {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()

	stats, ok := e.ruleStats[ruleID]
	if !ok {
		return nil, ErrRuleNotFound
	}
	out := *stats
	return &out, nil
}

// GetPerformanceStats returns engine-wide counters.
func (e *Engine) GetPerformanceStats() map[string]interface{} {
	e.mu.RLock()
	total := len(e.rules)
	active := 0
	for _, rule := range e.rules {
		if rule.Enabled {
			active++
		}
	}
	e.mu.RUnlock()

	queueDepth := 0
	if e.resultsQueue != nil {
		queueDepth = e.resultsQueue.Len()
	}

	return map[string]interface{}{
		"total_rules":         total,
		"active_rules":        active,
		"evaluations":         e.evaluations.Load(),
		"triggered":           e.triggered.Load(),
		"batches":             e.batches.Load(),
		"dropped_results":     e.dropped.Load(),
		"results_queue_depth": queueDepth,
	}
}

func (e *Engine) enqueueResult(result *RuleResult) {
	if e.resultsQueue == nil {
		return
	}
	if !e.resultsQueue.TryPush(result) {
		e.dropped.Add(1)
	}
}

func (e *Engine) persistResult(result *RuleResult) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := e.repo.RecordResult(ctx, result); err != nil {
		e.log.Warn("", "", "Failed to persist rule evaluation result", map[string]interface{}{
			"evaluation_id": result.EvaluationID,
			"rule_id":       result.RuleID,
			"error":         err.Error(),
		})
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func validateRule(rule *Rule) error {
	if rule == nil {
		return errs.Validation("rule_engine", "validate", "rule is nil", nil)
	}
	if strings.TrimSpace(rule.RuleID) == "" {
		return errs.Validation("rule_engine", "validate", "rule_id is required", nil)
	}
	if strings.TrimSpace(rule.Name) == "" {
		return errs.Validation("rule_engine", "validate", "name is required", nil)
	}
	if len(rule.Conditions) == 0 {
		return errs.Validation("rule_engine", "validate", "at least one condition is required", nil)
	}
	if rule.ThresholdScore < 0 || rule.ThresholdScore > 1 {
		return errs.Validation("rule_engine", "validate", "threshold_score must be within [0,1]", nil)
	}
	return nil
}

func copyRule(rule *Rule) *Rule {
	out := *rule
	out.Conditions = append([]Condition(nil), rule.Conditions...)
	out.Tags = append([]string(nil), rule.Tags...)
	return &out
}

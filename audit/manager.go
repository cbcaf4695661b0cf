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

// Package audit provides the decision audit trail: the only legal path to
// create, mutate, finalize, query, and explain the reasoning record behind a
// compliance decision.
//
// A trail opens when an agent starts working on an event, buffers one step
// per reasoning act, and seals at finalization. Finalization computes the
// aggregate confidence, decides whether a human must review the decision,
// and persists the header, the buffered steps, and a derived explanation in
// a single transaction. After that the trail is immutable except through the
// human-review calls.
//
// The manager can operate in two modes:
//   - Database mode: persists trails to PostgreSQL (production)
//   - Memory mode: keeps trails in a bounded in-memory set (testing, local)
//
// All methods are safe for concurrent use. Steps within one trail are
// strictly ordered; trails interleave freely.
package audit

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/gaigenticai/regulens/resilience"
	"github.com/gaigenticai/regulens/shared/errs"
	"github.com/gaigenticai/regulens/shared/logger"
	"github.com/gaigenticai/regulens/shared/types"
	"github.com/gaigenticai/regulens/store"
)

// Manager defaults.
const (
	// DefaultFinancialImpactThreshold flags decisions whose declared
	// financial impact requires a human regardless of confidence.
	DefaultFinancialImpactThreshold = 1_000_000

	// DefaultMaxFinalizedInMemory bounds the finalized-trail cache. Oldest
	// trails are evicted first; in database mode they remain readable from
	// the store.
	DefaultMaxFinalizedInMemory = 1000

	// AgentTypeRegulatoryAssessor always requires human review: regulatory
	// decisions carry irreducible policy judgment.
	AgentTypeRegulatoryAssessor = "REGULATORY_ASSESSOR"
)

// Config tunes the trail manager.
type Config struct {
	FinancialImpactThreshold float64 `yaml:"financial_impact_threshold" json:"financial_impact_threshold"`
	MaxFinalizedInMemory     int     `yaml:"max_finalized_in_memory" json:"max_finalized_in_memory"`
}

func (c Config) withDefaults() Config {
	if c.FinancialImpactThreshold <= 0 {
		c.FinancialImpactThreshold = DefaultFinancialImpactThreshold
	}
	if c.MaxFinalizedInMemory <= 0 {
		c.MaxFinalizedInMemory = DefaultMaxFinalizedInMemory
	}
	return c
}

// TrailManager owns every decision audit trail. Two locks split the hot
// paths: activeMu guards the open-trail map, pendingMu guards the per-trail
// step buffers, so recording a step on one trail never contends with opening
// or finalizing another.
type TrailManager struct {
	cfg   Config
	store *trailStore
	log   *logger.Logger

	activeMu     sync.Mutex
	activeTrails map[string]*Trail // decisionID → open trail

	pendingMu    sync.Mutex
	pendingSteps map[string][]*Step    // decisionID → buffered steps
	lastStepAt   map[string]time.Time  // decisionID → previous step timestamp

	finalizedMu    sync.Mutex
	finalized      map[string]*Trail // decisionID → sealed trail
	finalizedOrder []string          // eviction order, oldest first

	trailsStarted   atomic.Int64
	stepsRecorded   atomic.Int64
	trailsFinalized atomic.Int64
	persistFailures atomic.Int64
	reviewsPending  atomic.Int64
}

// NewTrailManager creates a manager. A nil store selects memory mode.
func NewTrailManager(cfg Config, st *store.Store) *TrailManager {
	m := &TrailManager{
		cfg:          cfg.withDefaults(),
		store:        newTrailStore(st),
		log:          logger.New("audit_trail"),
		activeTrails: make(map[string]*Trail),
		pendingSteps: make(map[string][]*Step),
		lastStepAt:   make(map[string]time.Time),
		finalized:    make(map[string]*Trail),
	}

	if m.store == nil {
		m.log.Info("", "", "Audit trail manager running in memory mode", nil)
	}
	return m
}

// ---------------------------------------------------------------------------
// Trail lifecycle
// ---------------------------------------------------------------------------

// StartDecisionAudit opens a trail for one agent run and returns the
// allocated decision ID. The trigger names the event being judged; input is
// the original payload the agent received. A DECISION_STARTED step is
// recorded immediately.
func (m *TrailManager) StartDecisionAudit(ctx context.Context, agentType, agentName, trigger string, input map[string]interface{}) string {
	now := time.Now().UTC()
	trail := &Trail{
		TrailID:       uuid.New().String(),
		DecisionID:    uuid.New().String(),
		AgentType:     agentType,
		AgentName:     agentName,
		TriggerEvent:  trigger,
		OriginalInput: input,
		StartedAt:     now,
	}
	if id, ok := mapString(input, "event_id"); ok {
		trail.EventID = id
	}
	if id, ok := mapString(input, "entity_id"); ok {
		trail.EntityID = id
	} else if id, ok := mapString(input, "customer_id"); ok {
		trail.EntityID = id
	}

	m.activeMu.Lock()
	m.activeTrails[trail.DecisionID] = trail
	m.activeMu.Unlock()

	m.trailsStarted.Add(1)

	m.RecordDecisionStep(ctx, trail.DecisionID, StepDecisionStarted,
		"Decision process started for "+trigger,
		input, nil, map[string]interface{}{"agent_type": agentType, "agent_name": agentName})

	m.log.Debug(trail.EventID, trail.DecisionID, "Audit trail opened", map[string]interface{}{
		"agent_type": agentType,
		"trigger":    trigger,
	})
	return trail.DecisionID
}

// RecordDecisionStep appends one reasoning act to an open trail. The step's
// processing time is derived from the gap since the previous step unless the
// metadata carries an explicit duration_ms; the confidence impact is derived
// from the step type, output, metadata, and timing. Returns false when the
// decision ID is unknown or the trail is already finalized.
func (m *TrailManager) RecordDecisionStep(_ context.Context, decisionID string, stepType StepType, description string, input, output, metadata map[string]interface{}) bool {
	m.activeMu.Lock()
	trail, open := m.activeTrails[decisionID]
	finalized := open && trail.Finalized
	m.activeMu.Unlock()
	if !open || finalized {
		return false
	}

	now := time.Now().UTC()

	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()

	processingMS := 0.0
	if explicit, ok := mapFloat(metadata, "duration_ms"); ok {
		processingMS = explicit
	} else if last, ok := m.lastStepAt[decisionID]; ok {
		processingMS = float64(now.Sub(last).Microseconds()) / 1000.0
	}

	step := &Step{
		StepID:           uuid.New().String(),
		TrailID:          trail.TrailID,
		Type:             stepType,
		Sequence:         len(m.pendingSteps[decisionID]) + 1,
		Description:      description,
		Input:            input,
		Output:           output,
		Metadata:         metadata,
		ProcessingTimeMS: processingMS,
		ConfidenceImpact: confidenceImpact(stepType, output, metadata, processingMS),
		Timestamp:        now,
	}

	m.pendingSteps[decisionID] = append(m.pendingSteps[decisionID], step)
	m.lastStepAt[decisionID] = now
	m.stepsRecorded.Add(1)
	return true
}

// FinalizeDecisionAudit seals a trail: it attaches the buffered steps in
// timestamp order, records the DECISION_FINALIZED step, aggregates the final
// confidence, decides whether a human must review the outcome, and persists
// the whole trail plus its derived explanation in one transaction (retried
// with bounded backoff). On persistence failure the trail stays active so a
// later call can retry the write; the method then returns false.
func (m *TrailManager) FinalizeDecisionAudit(ctx context.Context, decisionID, finalDecision string, confidence types.Confidence, riskAssessment *types.RiskAssessment, alternatives []string) bool {
	m.activeMu.Lock()
	trail, open := m.activeTrails[decisionID]
	sealed := open && trail.Finalized
	m.activeMu.Unlock()
	if !open {
		return false
	}

	if !sealed {
		finalOutput := map[string]interface{}{"decision": finalDecision}
		if riskAssessment != nil {
			finalOutput["risk_score"] = riskAssessment.RiskScore
			finalOutput["risk_level"] = riskAssessment.RiskLevel
		}
		m.RecordDecisionStep(ctx, decisionID, StepDecisionFinalized,
			"Decision finalized: "+finalDecision, nil, finalOutput, nil)

		m.pendingMu.Lock()
		steps := m.pendingSteps[decisionID]
		delete(m.pendingSteps, decisionID)
		delete(m.lastStepAt, decisionID)
		m.pendingMu.Unlock()

		sort.SliceStable(steps, func(i, j int) bool {
			return steps[i].Timestamp.Before(steps[j].Timestamp)
		})
		for i, step := range steps {
			step.Sequence = i + 1
		}

		now := time.Now().UTC()

		// Assemble the terminal fields under the lock so a late
		// RecordDecisionStep sees either an open or a sealed trail, never a
		// half-sealed one.
		m.activeMu.Lock()
		trail.Steps = steps
		trail.FinalDecision = finalDecision
		trail.FinalConfidence = aggregateConfidence(confidence, steps)
		trail.RiskAssessment = riskAssessment
		trail.Alternatives = alternatives
		trail.CompletedAt = now
		trail.TotalProcessingTimeMS = float64(now.Sub(trail.StartedAt).Microseconds()) / 1000.0
		trail.RequiresHumanReview, trail.HumanReviewReason = m.reviewTriggers(trail)
		trail.Finalized = true
		m.activeMu.Unlock()
	}

	if !m.persistFinalized(ctx, trail) {
		// Trail stays in the active map for replay.
		return false
	}

	m.activeMu.Lock()
	delete(m.activeTrails, decisionID)
	m.activeMu.Unlock()

	m.rememberFinalized(trail)
	m.trailsFinalized.Add(1)
	if trail.RequiresHumanReview {
		m.reviewsPending.Add(1)
	}

	m.log.InfoWithDuration(trail.EventID, decisionID, "Audit trail finalized", trail.TotalProcessingTimeMS, map[string]interface{}{
		"agent_type":      trail.AgentType,
		"final_decision":  finalDecision,
		"confidence":      string(trail.FinalConfidence),
		"steps":           len(trail.Steps),
		"requires_review": trail.RequiresHumanReview,
	})
	return true
}

// persistFinalized writes the sealed trail through the finalization
// transaction. Memory mode always succeeds.
func (m *TrailManager) persistFinalized(ctx context.Context, trail *Trail) bool {
	if m.store == nil {
		return true
	}

	exp := buildExplanation(trail, LevelDetailed)
	err := resilience.RetryVoid(ctx, resilience.PersistRetryConfig(), func() error {
		return m.store.SaveTrail(ctx, trail, exp)
	})
	if err != nil {
		m.persistFailures.Add(1)
		m.log.ErrorWithErr(trail.EventID, trail.DecisionID, "Trail persistence failed, retaining for replay", err, map[string]interface{}{
			"trail_id": trail.TrailID,
		})
		return false
	}

	if trail.RequiresHumanReview {
		review := &HumanReview{
			ReviewID:    uuid.New().String(),
			TrailID:     trail.TrailID,
			DecisionID:  trail.DecisionID,
			AgentType:   trail.AgentType,
			Reason:      trail.HumanReviewReason,
			Status:      ReviewStatusPending,
			RequestedAt: trail.CompletedAt,
		}
		if err := m.store.InsertReview(ctx, review); err != nil {
			m.log.ErrorWithErr(trail.EventID, trail.DecisionID, "Failed to record pending review", err, nil)
		}
	}
	return true
}

// rememberFinalized caches a sealed trail, evicting the oldest beyond the
// configured bound.
func (m *TrailManager) rememberFinalized(trail *Trail) {
	m.finalizedMu.Lock()
	defer m.finalizedMu.Unlock()

	if _, exists := m.finalized[trail.DecisionID]; !exists {
		m.finalizedOrder = append(m.finalizedOrder, trail.DecisionID)
	}
	m.finalized[trail.DecisionID] = trail

	for len(m.finalizedOrder) > m.cfg.MaxFinalizedInMemory {
		oldest := m.finalizedOrder[0]
		m.finalizedOrder = m.finalizedOrder[1:]
		delete(m.finalized, oldest)
	}
}

// ---------------------------------------------------------------------------
// Human-review triggers
// ---------------------------------------------------------------------------

// reviewTriggers evaluates the human-review policy: low final confidence, a
// declared financial impact above the threshold, or a regulatory assessment.
// The reason string is built deterministically from the triggers that fired,
// in policy order.
func (m *TrailManager) reviewTriggers(trail *Trail) (bool, string) {
	var reasons []string

	if trail.FinalConfidence == types.ConfidenceVeryLow || trail.FinalConfidence == types.ConfidenceLow {
		reasons = append(reasons, "final confidence "+string(trail.FinalConfidence)+" is below the review threshold")
	}
	if impact, ok := mapFloat(trail.OriginalInput, "financial_impact"); ok && impact > m.cfg.FinancialImpactThreshold {
		reasons = append(reasons, "declared financial impact exceeds the review threshold")
	}
	if trail.AgentType == AgentTypeRegulatoryAssessor {
		reasons = append(reasons, "regulatory assessments always require human review")
	}

	if len(reasons) == 0 {
		return false, ""
	}
	return true, joinReasons(reasons)
}

func joinReasons(reasons []string) string {
	out := reasons[0]
	for _, r := range reasons[1:] {
		out += "; " + r
	}
	return out
}

// ---------------------------------------------------------------------------
// Post-finalization review calls
// ---------------------------------------------------------------------------

// RequestHumanReview flags a finalized trail for review with an explicit
// reason, appending a HUMAN_REVIEW_REQUESTED step.
func (m *TrailManager) RequestHumanReview(ctx context.Context, decisionID, reason string) error {
	prev, err := m.GetDecisionAudit(ctx, decisionID)
	if err != nil {
		return err
	}
	if !prev.Finalized {
		return errs.Validation("audit_trail", "RequestHumanReview", "decision "+decisionID+" is not finalized", nil)
	}

	// Finalized trails are shared with readers, so mutate a copy.
	trail := *prev
	step := m.reviewStep(&trail, StepHumanReviewRequested, "Human review requested: "+reason, nil,
		map[string]interface{}{"reason": reason})
	trail.Steps = append(append([]*Step(nil), prev.Steps...), step)
	trail.RequiresHumanReview = true
	trail.HumanReviewReason = reason

	m.rememberFinalized(&trail)
	m.reviewsPending.Add(1)

	if m.store != nil {
		if err := m.store.InsertStep(ctx, step); err != nil {
			return err
		}
		if err := m.store.UpdateReviewFields(ctx, &trail); err != nil {
			return err
		}
		review := &HumanReview{
			ReviewID:    uuid.New().String(),
			TrailID:     trail.TrailID,
			DecisionID:  trail.DecisionID,
			AgentType:   trail.AgentType,
			Reason:      reason,
			Status:      ReviewStatusPending,
			RequestedAt: step.Timestamp,
		}
		if err := m.store.InsertReview(ctx, review); err != nil {
			return err
		}
	}
	return nil
}

// RecordHumanFeedback attaches a reviewer's verdict to a flagged decision:
// a HUMAN_FEEDBACK_RECEIVED step is appended, the pending review resolves,
// and the trail stops requiring review.
func (m *TrailManager) RecordHumanFeedback(ctx context.Context, decisionID, feedback string, approved bool, reviewerID string) bool {
	prev, err := m.GetDecisionAudit(ctx, decisionID)
	if err != nil {
		return false
	}
	if !prev.RequiresHumanReview {
		m.log.Warn(prev.EventID, decisionID, "Feedback on a decision that does not require review", nil)
		return false
	}

	verdict := VerdictApproved
	if !approved {
		verdict = VerdictRejected
	}

	trail := *prev
	step := m.reviewStep(&trail, StepHumanFeedbackReceived, "Human feedback received: "+verdict,
		map[string]interface{}{"feedback": feedback, "reviewer_id": reviewerID},
		map[string]interface{}{"approved": approved})
	trail.Steps = append(append([]*Step(nil), prev.Steps...), step)
	trail.RequiresHumanReview = false
	trail.HumanReviewReason = ""

	m.rememberFinalized(&trail)
	m.reviewsPending.Add(-1)

	if m.store != nil {
		if err := m.store.InsertStep(ctx, step); err != nil {
			m.log.ErrorWithErr(trail.EventID, decisionID, "Failed to persist feedback step", err, nil)
			return false
		}
		if err := m.store.UpdateReviewFields(ctx, &trail); err != nil {
			m.log.ErrorWithErr(trail.EventID, decisionID, "Failed to clear review flag", err, nil)
			return false
		}
		if err := m.store.ResolveReview(ctx, decisionID, reviewerID, verdict, feedback, step.Timestamp); err != nil {
			m.log.ErrorWithErr(trail.EventID, decisionID, "Failed to resolve review", err, nil)
			return false
		}
	}

	m.log.Info(trail.EventID, decisionID, "Human feedback recorded", map[string]interface{}{
		"reviewer_id": reviewerID,
		"verdict":     verdict,
	})
	return true
}

// reviewStep builds a post-finalization step continuing the trail's
// sequence. These steps measure their own wall time as zero; the review
// latency lives in the timestamps.
func (m *TrailManager) reviewStep(trail *Trail, stepType StepType, description string, input, metadata map[string]interface{}) *Step {
	now := time.Now().UTC()
	return &Step{
		StepID:           uuid.New().String(),
		TrailID:          trail.TrailID,
		Type:             stepType,
		Sequence:         len(trail.Steps) + 1,
		Description:      description,
		Input:            input,
		Metadata:         metadata,
		ConfidenceImpact: confidenceImpact(stepType, nil, metadata, 0),
		Timestamp:        now,
	}
}

// ---------------------------------------------------------------------------
// Reads
// ---------------------------------------------------------------------------

// GetDecisionAudit returns the trail for one decision: the open trail with
// its buffered steps when still active, the sealed trail otherwise. Memory
// is consulted before the store.
func (m *TrailManager) GetDecisionAudit(ctx context.Context, decisionID string) (*Trail, error) {
	m.activeMu.Lock()
	trail, open := m.activeTrails[decisionID]
	var snapshot Trail
	if open {
		snapshot = *trail
	}
	m.activeMu.Unlock()
	if open {
		// A sealed trail awaiting a persistence retry already owns its
		// steps; an open one still has them in the pending buffer.
		if !snapshot.Finalized {
			m.pendingMu.Lock()
			snapshot.Steps = append([]*Step(nil), m.pendingSteps[decisionID]...)
			m.pendingMu.Unlock()
		}
		return &snapshot, nil
	}

	m.finalizedMu.Lock()
	sealed, ok := m.finalized[decisionID]
	m.finalizedMu.Unlock()
	if ok {
		return sealed, nil
	}

	if m.store != nil {
		return m.store.GetTrailByDecision(ctx, decisionID)
	}
	return nil, ErrTrailNotFound
}

// GetAgentDecisions returns finalized trails for one agent since a cutoff,
// newest first. agentName narrows the result when non-empty.
func (m *TrailManager) GetAgentDecisions(ctx context.Context, agentType, agentName string, since time.Time) ([]*Trail, error) {
	if m.store != nil {
		trails, err := m.store.QueryTrails(ctx, trailQuery{AgentType: agentType, Since: since})
		if err != nil {
			return nil, err
		}
		return filterTrails(trails, func(t *Trail) bool {
			return agentName == "" || t.AgentName == agentName
		}), nil
	}

	return m.memoryTrails(func(t *Trail) bool {
		if t.AgentType != agentType {
			return false
		}
		if agentName != "" && t.AgentName != agentName {
			return false
		}
		return !t.CompletedAt.Before(since)
	}), nil
}

// GetDecisionsRequiringReview returns every finalized trail still waiting on
// a human.
func (m *TrailManager) GetDecisionsRequiringReview(ctx context.Context) ([]*Trail, error) {
	if m.store != nil {
		return m.store.QueryTrails(ctx, trailQuery{RequiresReview: true})
	}
	return m.memoryTrails(func(t *Trail) bool { return t.RequiresHumanReview }), nil
}

// GetAuditTrailForCompliance returns finalized trails completed inside
// [start, end], the range-export read used by compliance officers.
func (m *TrailManager) GetAuditTrailForCompliance(ctx context.Context, start, end time.Time) ([]*Trail, error) {
	if m.store != nil {
		return m.store.QueryTrails(ctx, trailQuery{Since: start, Until: end})
	}
	return m.memoryTrails(func(t *Trail) bool {
		return !t.CompletedAt.Before(start) && !t.CompletedAt.After(end)
	}), nil
}

// FindSimilarTrails returns up to limit recent finalized trails for one
// agent type, newest first. This backs the agents' KNOWLEDGE_QUERY step.
func (m *TrailManager) FindSimilarTrails(ctx context.Context, agentType string, since time.Time, limit int) ([]*Trail, error) {
	if limit <= 0 {
		limit = 20
	}
	if m.store != nil {
		return m.store.QueryTrails(ctx, trailQuery{AgentType: agentType, Since: since, Limit: limit})
	}

	trails := m.memoryTrails(func(t *Trail) bool {
		return t.AgentType == agentType && !t.CompletedAt.Before(since)
	})
	if len(trails) > limit {
		trails = trails[:limit]
	}
	return trails, nil
}

// GenerateExplanation renders a trail at the requested detail level.
func (m *TrailManager) GenerateExplanation(ctx context.Context, decisionID string, level ExplanationLevel) (*Explanation, error) {
	trail, err := m.GetDecisionAudit(ctx, decisionID)
	if err != nil {
		return nil, err
	}
	return buildExplanation(trail, level), nil
}

// memoryTrails snapshots the finalized cache, newest first.
func (m *TrailManager) memoryTrails(keep func(*Trail) bool) []*Trail {
	m.finalizedMu.Lock()
	defer m.finalizedMu.Unlock()

	var out []*Trail
	for i := len(m.finalizedOrder) - 1; i >= 0; i-- {
		trail, ok := m.finalized[m.finalizedOrder[i]]
		if ok && keep(trail) {
			out = append(out, trail)
		}
	}
	return out
}

func filterTrails(trails []*Trail, keep func(*Trail) bool) []*Trail {
	out := trails[:0]
	for _, t := range trails {
		if keep(t) {
			out = append(out, t)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Stats + lifecycle
// ---------------------------------------------------------------------------

// ActiveCount returns the number of open trails.
func (m *TrailManager) ActiveCount() int {
	m.activeMu.Lock()
	defer m.activeMu.Unlock()
	return len(m.activeTrails)
}

// GetStats returns manager counters.
func (m *TrailManager) GetStats() map[string]interface{} {
	m.finalizedMu.Lock()
	cached := len(m.finalized)
	m.finalizedMu.Unlock()

	return map[string]interface{}{
		"trails_started":   m.trailsStarted.Load(),
		"steps_recorded":   m.stepsRecorded.Load(),
		"trails_finalized": m.trailsFinalized.Load(),
		"persist_failures": m.persistFailures.Load(),
		"reviews_pending":  m.reviewsPending.Load(),
		"active_trails":    m.ActiveCount(),
		"finalized_cached": cached,
		"memory_mode":      m.store == nil,
	}
}

// Shutdown reports trails abandoned mid-flight. Finalization is synchronous,
// so there is no writer to drain; open trails belong to cancelled pipelines
// whose agents finalize them on the way out.
func (m *TrailManager) Shutdown(_ context.Context) error {
	if open := m.ActiveCount(); open > 0 {
		m.log.Warn("", "", "Shutting down with open audit trails", map[string]interface{}{
			"open_trails": open,
		})
	}
	return nil
}

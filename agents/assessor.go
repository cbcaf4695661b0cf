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

package agents

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gaigenticai/regulens/activity"
	"github.com/gaigenticai/regulens/audit"
	"github.com/gaigenticai/regulens/llm"
	"github.com/gaigenticai/regulens/resilience"
	"github.com/gaigenticai/regulens/rules"
	"github.com/gaigenticai/regulens/shared/errs"
	"github.com/gaigenticai/regulens/shared/logger"
	"github.com/gaigenticai/regulens/shared/types"
)

// monitorListCap bounds the in-memory monitor list; the audit trail keeps
// the full history.
const monitorListCap = 256

// Urgency signals scanned out of the change text. Values stack across
// groups and clamp to 1.
var urgencyGroups = []struct {
	Tokens []string
	Value  float64
}{
	{Tokens: []string{"IMMEDIATE", "MANDATORY", "ENFORCEMENT", "PENALTY", "FINE"}, Value: 0.3},
	{Tokens: []string{"CAPITAL", "LIQUIDITY", "SANCTIONS", "AML", "KYC"}, Value: 0.2},
	{Tokens: []string{"REPORTING", "DISCLOSURE", "DEADLINE", "THRESHOLD"}, Value: 0.1},
}

// MonitoredChange is one regulatory change the assessor is tracking.
type MonitoredChange struct {
	EventID       string     `json:"event_id"`
	DecisionID    string     `json:"decision_id"`
	Description   string     `json:"description"`
	Jurisdiction  string     `json:"jurisdiction,omitempty"`
	ImpactScore   float64    `json:"impact_score"`
	ImpactLevel   string     `json:"impact_level"`
	HighImpact    bool       `json:"high_impact"`
	EffectiveDate *time.Time `json:"effective_date,omitempty"`
	AddedAt       time.Time  `json:"added_at"`
}

// RegulatoryAssessor turns regulatory-change events into impact assessments.
// The model produces the structured assessment, the risk composition turns
// it into an impact score, and every assessment lands on the monitor list.
// The trail manager flags each of these trails for human review, so no
// assessment takes effect unreviewed.
type RegulatoryAssessor struct {
	id   string
	log  *logger.Logger
	cfg  AgentConfig
	deps *Dependencies
	pipe *Pipeline

	mu        sync.Mutex
	monitored []MonitoredChange

	assessed   atomic.Int64
	highImpact atomic.Int64
}

// NewRegulatoryAssessor creates an assessor instance. Empty instance names
// default to "regulatory-assessor-1".
func NewRegulatoryAssessor(instance string) *RegulatoryAssessor {
	if instance == "" {
		instance = "regulatory-assessor-1"
	}
	return &RegulatoryAssessor{
		id:  instance,
		log: logger.New("assessor"),
	}
}

// AgentID returns the instance identifier.
func (r *RegulatoryAssessor) AgentID() string { return r.id }

// AgentType returns REGULATORY_ASSESSOR.
func (r *RegulatoryAssessor) AgentType() string { return TypeRegulatoryAssessor }

// EventTypes subscribes the agent to regulatory changes.
func (r *RegulatoryAssessor) EventTypes() []types.EventType {
	return []types.EventType{types.EventRegulatoryChange}
}

// Initialize wires dependencies and builds the pipeline.
func (r *RegulatoryAssessor) Initialize(ctx context.Context, deps *Dependencies, cfg AgentConfig) error {
	if deps == nil || deps.Audit == nil {
		return errs.Validation("assessor", "Initialize", "audit trail manager is required", nil)
	}

	loaded, err := LoadAgentConfig(ctx, deps.Store, TypeRegulatoryAssessor, cfg)
	if err != nil {
		r.log.Warn("", "", "stored configuration unavailable, using defaults", map[string]interface{}{
			"error": err.Error(),
		})
	}
	r.cfg = loaded
	r.deps = deps
	r.pipe = NewPipeline(TypeRegulatoryAssessor, r.id, &r.cfg, deps, r.buildSteps(), r.policy)

	r.log.Info("", "", "regulatory assessor initialized", map[string]interface{}{
		"instance":              r.id,
		"high_impact_threshold": r.cfg.HighImpactThreshold,
		"llm_enabled":           deps.LLM != nil,
	})
	return nil
}

// OnEvent assesses one regulatory change.
func (r *RegulatoryAssessor) OnEvent(ctx context.Context, event *types.Event) (*types.Decision, error) {
	if event == nil {
		return nil, errs.Validation("assessor", "OnEvent", "event is required", nil)
	}
	if err := event.Validate(); err != nil {
		return nil, errs.Validation("assessor", "OnEvent", "invalid event", err)
	}
	if event.Type != types.EventRegulatoryChange {
		return nil, errs.Validation("assessor", "OnEvent",
			fmt.Sprintf("unsupported event type %s", event.Type), nil)
	}

	decision := r.pipe.Execute(ctx, event)
	r.track(event, decision)
	return decision, nil
}

// Shutdown has nothing asynchronous to stop.
func (r *RegulatoryAssessor) Shutdown(context.Context) error {
	r.log.Info("", "", "regulatory assessor stopped", map[string]interface{}{
		"assessed":    r.assessed.Load(),
		"high_impact": r.highImpact.Load(),
	})
	return nil
}

// MonitoredChanges returns a copy of the monitor list, most recent first.
func (r *RegulatoryAssessor) MonitoredChanges() []MonitoredChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]MonitoredChange, len(r.monitored))
	copy(out, r.monitored)
	return out
}

// GetStats reports counters for the status surface.
func (r *RegulatoryAssessor) GetStats() map[string]interface{} {
	r.mu.Lock()
	monitored := len(r.monitored)
	r.mu.Unlock()
	return map[string]interface{}{
		"assessed":    r.assessed.Load(),
		"high_impact": r.highImpact.Load(),
		"monitored":   monitored,
	}
}

// track appends the assessment to the monitor list and the activity feed.
func (r *RegulatoryAssessor) track(event *types.Event, decision *types.Decision) {
	r.assessed.Add(1)
	high := decision.Type == types.DecisionEscalate
	if high {
		r.highImpact.Add(1)
	}

	change := MonitoredChange{
		EventID:      event.EventID,
		DecisionID:   decision.DecisionID,
		Description:  event.Description,
		Jurisdiction: event.MetaString("jurisdiction"),
		ImpactScore:  decision.RiskAssessment.RiskScore,
		ImpactLevel:  decision.RiskAssessment.RiskLevel,
		HighImpact:   high,
		AddedAt:      time.Now().UTC(),
	}
	if ed, ok := effectiveDate(event); ok {
		change.EffectiveDate = &ed
	}

	r.mu.Lock()
	r.monitored = append([]MonitoredChange{change}, r.monitored...)
	if len(r.monitored) > monitorListCap {
		r.monitored = r.monitored[:monitorListCap]
	}
	r.mu.Unlock()

	severity := "MEDIUM"
	if high {
		severity = "HIGH"
	}
	r.deps.recordActivity(activity.Activity{
		AgentType:   TypeRegulatoryAssessor,
		Type:        "REGULATORY_CHANGE_ASSESSED",
		Severity:    severity,
		Description: fmt.Sprintf("%s regulatory change %s (impact %.2f)", decision.Type, event.EventID, change.ImpactScore),
		Details: map[string]interface{}{
			"decision_id":  decision.DecisionID,
			"jurisdiction": change.Jurisdiction,
			"impact_score": change.ImpactScore,
			"high_impact":  high,
		},
	})
}

// ---- pipeline steps ----

func (r *RegulatoryAssessor) buildSteps() []StepSpec {
	steps := []StepSpec{
		r.dataRetrievalStep(),
		r.ruleEvaluationStep(),
		r.patternAnalysisStep(),
		r.knowledgeQueryStep(),
	}
	if r.deps.LLM != nil {
		steps = append(steps, r.llmInferenceStep())
	}
	steps = append(steps, r.riskAssessmentStep(), ConfidenceStep())
	return steps
}

// dataRetrievalStep sizes the compliance surface the change could touch.
func (r *RegulatoryAssessor) dataRetrievalStep() StepSpec {
	return StepSpec{
		Type: audit.StepDataRetrieval,
		Run: func(_ context.Context, run *Run) (*StepOutcome, error) {
			var affected int
			if r.deps.Rules != nil {
				affected = len(r.deps.Rules.GetRulesByCategory(rules.CategoryComplianceCheck))
			}
			run.DataQuality = 1.0
			return &StepOutcome{
				Description: "Counted the active compliance rules the change could affect",
				Output: map[string]interface{}{
					"affected_rules": affected,
					"data_quality":   1.0,
					"source":         "cache",
				},
			}, nil
		},
		Fallback: func(run *Run, cause error) *StepOutcome {
			run.DataQuality = 0.7
			return &StepOutcome{
				Description: "Compliance rule inventory unavailable",
				Output:      map[string]interface{}{"affected_rules": 0, "data_quality": 0.7, "source": "inferred"},
			}
		},
	}
}

func (r *RegulatoryAssessor) ruleEvaluationStep() StepSpec {
	return StepSpec{
		Type: audit.StepRuleEvaluation,
		Run: func(ctx context.Context, run *Run) (*StepOutcome, error) {
			if r.deps.Rules == nil {
				return nil, errs.Internal("assessor", "ruleEvaluation", "rule engine is not wired", nil)
			}
			result := r.deps.Rules.EvaluateEntity(ctx, rules.EntityContext{
				EntityID:   run.Event.EventID,
				EntityType: "regulatory_change",
				Data: map[string]interface{}{
					"event_type":  string(run.Event.Type),
					"severity":    string(run.Event.Severity),
					"description": run.Event.Description,
					"change": map[string]interface{}{
						"description":  run.Event.Description,
						"severity":     string(run.Event.Severity),
						"jurisdiction": run.Event.MetaString("jurisdiction"),
						"source":       run.Event.Source.System,
					},
					"metadata": run.Event.Metadata,
				},
			})
			run.RuleResult = result
			output := map[string]interface{}{
				"triggered": result.Triggered,
				"action":    string(result.Action),
			}
			if result.Triggered {
				output["rule_name"] = result.RuleName
				output["rule_score"] = result.Score
			}
			return &StepOutcome{Description: "Evaluated compliance rules against the change", Output: output}, nil
		},
		Fallback: func(run *Run, cause error) *StepOutcome {
			run.RuleResult = nil
			return &StepOutcome{
				Description: "Rule evaluation unavailable, proceeding without rule findings",
				Output:      map[string]interface{}{"triggered": false},
			}
		},
	}
}

// patternAnalysisStep derives a preliminary urgency score from the change
// text and the effective date so the assessment survives model outages.
func (r *RegulatoryAssessor) patternAnalysisStep() StepSpec {
	return StepSpec{
		Type: audit.StepPatternAnalysis,
		Run: func(_ context.Context, run *Run) (*StepOutcome, error) {
			urgency, signals := changeUrgency(run.Event)
			run.PatternScore = urgency
			return &StepOutcome{
				Description: "Scanned the change text for urgency signals",
				Output: map[string]interface{}{
					"urgency_score":    urgency,
					"pattern_strength": urgency,
					"signals":          signals,
				},
			}, nil
		},
	}
}

func (r *RegulatoryAssessor) knowledgeQueryStep() StepSpec {
	return StepSpec{
		Type: audit.StepKnowledgeQuery,
		Run: func(ctx context.Context, run *Run) (*StepOutcome, error) {
			prior, err := r.deps.Audit.FindSimilarTrails(ctx, TypeRegulatoryAssessor, time.Now().Add(-r.cfg.HistoryWindow()), r.cfg.SimilarityTopN)
			if err != nil {
				return nil, err
			}
			run.SimilarTrails = prior
			return &StepOutcome{
				Description: "Queried prior regulatory assessments",
				Output:      map[string]interface{}{"similar_count": len(prior), "source": "primary_db"},
			}, nil
		},
		Fallback: func(run *Run, cause error) *StepOutcome {
			run.SimilarTrails = nil
			return &StepOutcome{
				Description: "Precedent lookup unavailable",
				Output:      map[string]interface{}{"similar_count": 0},
			}
		},
	}
}

func (r *RegulatoryAssessor) llmInferenceStep() StepSpec {
	return StepSpec{
		Type:        audit.StepLLMInference,
		LLMDeadline: true,
		Run: func(ctx context.Context, run *Run) (*StepOutcome, error) {
			payload := map[string]interface{}{
				"description":        run.Event.Description,
				"severity":           string(run.Event.Severity),
				"jurisdiction":       run.Event.MetaString("jurisdiction"),
				"regulation":         run.Event.MetaString("regulation"),
				"preliminary_impact": run.PatternScore,
			}
			response, _, err := resilience.Do(ctx, r.deps.LLMBreaker, func(ctx context.Context) (string, error) {
				return r.deps.LLM.ComplexReasoningTask(ctx, "regulatory_impact_assessment", payload, []string{
					"Identify the obligations the change introduces or amends",
					"Estimate the operational impact on transaction monitoring and reporting",
					"Respond with a JSON object holding risk_score, risk_level, and confidence",
				})
			}, func(error) string { return "" })
			if err != nil {
				return nil, err
			}
			extraction := llm.ParseRiskResponse(response)
			run.LLMRisk = extraction
			run.LLMRan = true
			return &StepOutcome{
				Description: "Model produced the structured impact assessment",
				Output: map[string]interface{}{
					"risk_score":       extraction.RiskScore,
					"risk_level":       extraction.RiskLevel,
					"confidence_score": extraction.Confidence,
					"structured":       extraction.Structured,
					"source":           "llm_generated",
				},
			}, nil
		},
		Fallback: func(run *Run, cause error) *StepOutcome {
			run.LLMRan = false
			return &StepOutcome{
				Description: "Inference unavailable, impact estimated from severity and urgency alone",
				Output:      map[string]interface{}{"risk_score": 0.0, "source": "inferred"},
			}
		},
	}
}

func (r *RegulatoryAssessor) riskAssessmentStep() StepSpec {
	return StepSpec{
		Type: audit.StepRiskAssessment,
		Run: func(_ context.Context, run *Run) (*StepOutcome, error) {
			var adjustments []RiskAdjustment
			if run.PatternScore > 0 {
				adjustments = append(adjustments, RiskAdjustment{
					Factor: "regulatory_urgency",
					Value:  0.4 * run.PatternScore,
					Reason: fmt.Sprintf("urgency signals scored %.2f", run.PatternScore),
				})
			}
			if run.RuleResult != nil && run.RuleResult.Triggered {
				adjustments = append(adjustments, RiskAdjustment{
					Factor: "rule_match",
					Value:  0.2 * run.RuleResult.Score,
					Reason: fmt.Sprintf("rule %q matched the change", run.RuleResult.RuleName),
				})
			}
			contextRisk := 0.0
			if run.LLMRan {
				contextRisk = run.LLMRisk.RiskScore
			}
			score, reasons := ComposeRisk(&r.cfg, RiskInput{
				Event:       run.Event,
				ContextRisk: contextRisk,
				Adjustments: adjustments,
			})
			run.RiskScore = score
			run.RiskReasoning = reasons
			run.RiskFactors = FactorStrings(reasons)
			return &StepOutcome{
				Description: "Composed the regulatory impact score",
				Output: map[string]interface{}{
					"risk_score":       score,
					"risk_level":       llm.LevelForScore(score),
					"risk_factors":     run.RiskFactors,
					"confidence_score": run.DataQuality,
				},
			}, nil
		},
	}
}

// policy escalates high-impact changes and keeps the rest under watch.
func (r *RegulatoryAssessor) policy(run *Run) (*types.Decision, []string) {
	high := run.RiskScore >= r.cfg.HighImpactThreshold

	reasoning := append([]types.Reasoning{{
		Factor:   "regulatory_impact",
		Evidence: fmt.Sprintf("impact score %.2f against threshold %.2f", run.RiskScore, r.cfg.HighImpactThreshold),
		Weight:   run.RiskScore,
		Source:   "impact_assessment",
	}}, run.RiskReasoning...)

	params := map[string]interface{}{
		"event_id":     run.Event.EventID,
		"jurisdiction": run.Event.MetaString("jurisdiction"),
	}

	if high {
		deadline := time.Now().Add(7 * 24 * time.Hour)
		if ed, ok := effectiveDate(run.Event); ok && ed.Before(deadline) {
			deadline = ed
		}
		return &types.Decision{
			Type:       types.DecisionEscalate,
			Confidence: run.Confidence,
			Reasoning:  reasoning,
			Actions: []types.Action{
				{
					ActionType:  "UPDATE_COMPLIANCE_POLICIES",
					Description: "Review and update the affected compliance policies",
					Priority:    "HIGH",
					Deadline:    deadline,
					Parameters:  params,
				},
				{
					ActionType:  "NOTIFY_LEGAL",
					Description: "Notify the legal team of the high-impact change",
					Priority:    "HIGH",
					Parameters:  params,
				},
			},
		}, []string{string(types.DecisionMonitor)}
	}

	return &types.Decision{
		Type:       types.DecisionMonitor,
		Confidence: run.Confidence,
		Reasoning:  reasoning,
		Actions: []types.Action{{
			ActionType:  "TRACK_REGULATORY_CHANGE",
			Description: "Track the change until its effective date",
			Priority:    "MEDIUM",
			Parameters:  params,
		}},
	}, []string{string(types.DecisionEscalate)}
}

// changeUrgency scores urgency tokens in the change text plus effective-date
// proximity, clamped to [0,1].
func changeUrgency(event *types.Event) (float64, []string) {
	text := strings.ToUpper(event.Description + " " + event.MetaString("regulation") + " " + event.MetaString("summary"))

	var (
		urgency float64
		signals []string
	)
	for _, group := range urgencyGroups {
		for _, token := range group.Tokens {
			if strings.Contains(text, token) {
				urgency += group.Value
				signals = append(signals, token)
				break
			}
		}
	}

	if ed, ok := effectiveDate(event); ok {
		until := time.Until(ed)
		switch {
		case until <= 30*24*time.Hour:
			urgency += 0.2
			signals = append(signals, "EFFECTIVE_WITHIN_30D")
		case until <= 90*24*time.Hour:
			urgency += 0.1
			signals = append(signals, "EFFECTIVE_WITHIN_90D")
		}
	}

	return clamp01(urgency), signals
}

// effectiveDate parses the effective_date metadata, accepting RFC 3339 or a
// bare date.
func effectiveDate(event *types.Event) (time.Time, bool) {
	raw := event.MetaString("effective_date")
	if raw == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, true
	}
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t, true
	}
	return time.Time{}, false
}

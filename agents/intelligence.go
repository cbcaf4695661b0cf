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
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/gaigenticai/regulens/activity"
	"github.com/gaigenticai/regulens/audit"
	"github.com/gaigenticai/regulens/llm"
	"github.com/gaigenticai/regulens/resilience"
	"github.com/gaigenticai/regulens/rules"
	"github.com/gaigenticai/regulens/shared/errs"
	"github.com/gaigenticai/regulens/shared/logger"
	"github.com/gaigenticai/regulens/shared/types"
)

// Similarity feature weights. The four features always sum to 1 so the
// per-trail score stays in [0,1].
const (
	simWeightEventType = 0.25
	simWeightSeverity  = 0.25
	simWeightAmount    = 0.25
	simWeightEntity    = 0.25
)

// Aggregate weights over the top-N similarity scores.
const (
	aggWeightMean     = 0.3
	aggWeightMax      = 0.3
	aggWeightSeverity = 0.2
	aggWeightDensity  = 0.2
)

// AuditIntelligence watches the platform's own decision quality. A periodic
// sweep scans recent trails for temporal, behavioral, and correlation
// anomalies and raises compliance signals; on audit-record and compliance
// signal events it runs the standard pipeline with fraud-pattern similarity
// as its pattern analysis.
type AuditIntelligence struct {
	id   string
	log  *logger.Logger
	cfg  AgentConfig
	deps *Dependencies
	pipe *Pipeline

	lifeCtx    context.Context
	lifeCancel context.CancelFunc
	done       chan struct{}
	wg         sync.WaitGroup
	stopOnce   sync.Once

	sweeps    atomic.Int64
	anomalies atomic.Int64
	processed atomic.Int64
	alerts    atomic.Int64
}

// NewAuditIntelligence creates an intelligence instance. Empty instance
// names default to "audit-intelligence-1".
func NewAuditIntelligence(instance string) *AuditIntelligence {
	if instance == "" {
		instance = "audit-intelligence-1"
	}
	return &AuditIntelligence{
		id:  instance,
		log: logger.New("intelligence"),
	}
}

// AgentID returns the instance identifier.
func (a *AuditIntelligence) AgentID() string { return a.id }

// AgentType returns AUDIT_INTELLIGENCE.
func (a *AuditIntelligence) AgentType() string { return TypeAuditIntelligence }

// EventTypes subscribes the agent to audit records and compliance signals.
func (a *AuditIntelligence) EventTypes() []types.EventType {
	return []types.EventType{types.EventAuditRecord, types.EventComplianceSignal}
}

// Initialize wires dependencies and starts the periodic sweep.
func (a *AuditIntelligence) Initialize(ctx context.Context, deps *Dependencies, cfg AgentConfig) error {
	if deps == nil || deps.Audit == nil {
		return errs.Validation("intelligence", "Initialize", "audit trail manager is required", nil)
	}

	loaded, err := LoadAgentConfig(ctx, deps.Store, TypeAuditIntelligence, cfg)
	if err != nil {
		a.log.Warn("", "", "stored configuration unavailable, using defaults", map[string]interface{}{
			"error": err.Error(),
		})
	}
	a.cfg = loaded
	a.deps = deps
	a.pipe = NewPipeline(TypeAuditIntelligence, a.id, &a.cfg, deps, a.buildSteps(), a.policy)
	a.lifeCtx, a.lifeCancel = context.WithCancel(context.Background())
	a.done = make(chan struct{})

	a.wg.Add(1)
	go a.sweepLoop()

	a.log.Info("", "", "audit intelligence initialized", map[string]interface{}{
		"instance":          a.id,
		"analysis_interval": a.cfg.AnalysisInterval().String(),
		"anomaly_threshold": a.cfg.AnomalyThreshold,
	})
	return nil
}

// OnEvent judges one audit record or compliance signal. Signals the agent
// raised itself are rejected so sweep findings cannot feed back into the
// pipeline.
func (a *AuditIntelligence) OnEvent(ctx context.Context, event *types.Event) (*types.Decision, error) {
	if event == nil {
		return nil, errs.Validation("intelligence", "OnEvent", "event is required", nil)
	}
	if err := event.Validate(); err != nil {
		return nil, errs.Validation("intelligence", "OnEvent", "invalid event", err)
	}
	if event.Source.Origin == a.id {
		return nil, errs.Validation("intelligence", "OnEvent", "refusing to analyze this agent's own signal", nil)
	}

	decision := a.pipe.Execute(ctx, event)
	a.processed.Add(1)
	if decision.Type == types.DecisionAlert {
		a.alerts.Add(1)
	}

	a.deps.recordActivity(activity.Activity{
		AgentType:   TypeAuditIntelligence,
		Type:        "SIGNAL_ANALYZED",
		Severity:    decision.RiskAssessment.RiskLevel,
		Description: fmt.Sprintf("%s signal %s (similarity %.2f)", decision.Type, event.EventID, decision.RiskAssessment.RiskScore),
		Details: map[string]interface{}{
			"decision_id": decision.DecisionID,
			"event_type":  string(event.Type),
			"confidence":  string(decision.Confidence),
		},
	})
	return decision, nil
}

// Shutdown stops the sweep and waits for it to exit.
func (a *AuditIntelligence) Shutdown(ctx context.Context) error {
	a.stopOnce.Do(func() {
		close(a.done)
		a.lifeCancel()
	})

	finished := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return errs.Timeout("intelligence", "Shutdown", "sweep did not stop within the grace window", ctx.Err())
	}
}

// GetStats reports counters for the status surface.
func (a *AuditIntelligence) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"sweeps":    a.sweeps.Load(),
		"anomalies": a.anomalies.Load(),
		"processed": a.processed.Load(),
		"alerts":    a.alerts.Load(),
	}
}

// ---- periodic sweep ----

func (a *AuditIntelligence) sweepLoop() {
	defer a.wg.Done()
	ticker := time.NewTicker(a.cfg.AnalysisInterval())
	defer ticker.Stop()

	for {
		select {
		case <-a.done:
			return
		case <-ticker.C:
			a.RunSweep(a.lifeCtx)
		}
	}
}

// AnomalyFinding is one sweep result.
type AnomalyFinding struct {
	AgentType string
	Kind      string
	Severity  types.Severity
	Detail    string
	Value     float64
	Threshold float64
}

// RunSweep analyzes every agent's recent trails once. It is exported so the
// management surface can trigger an immediate sweep.
func (a *AuditIntelligence) RunSweep(ctx context.Context) []AnomalyFinding {
	since := time.Now().Add(-a.cfg.HistoryWindow())
	var all []AnomalyFinding

	for _, agentType := range []string{TypeTransactionGuardian, TypeAuditIntelligence, TypeRegulatoryAssessor} {
		trails, err := a.deps.Audit.GetAgentDecisions(ctx, agentType, "", since)
		if err != nil {
			a.log.ErrorWithErr("", "", "sweep could not load trails", err, map[string]interface{}{
				"agent_type": agentType,
			})
			continue
		}
		findings := a.analyzeTrails(agentType, trails, since)
		for _, f := range findings {
			a.raiseAnomaly(f)
		}
		all = append(all, findings...)
	}

	a.sweeps.Add(1)
	return all
}

// analyzeTrails applies the three anomaly detectors to one agent's trails.
func (a *AuditIntelligence) analyzeTrails(agentType string, trails []*audit.Trail, since time.Time) []AnomalyFinding {
	var findings []AnomalyFinding
	n := len(trails)
	if n == 0 {
		return nil
	}

	// Temporal: sustained decision rate over the window.
	hours := time.Since(since).Hours()
	if hours > 0 {
		rate := float64(n) / hours
		if rate > a.cfg.RatePerHourLimit {
			findings = append(findings, AnomalyFinding{
				AgentType: agentType,
				Kind:      "temporal",
				Severity:  types.SeverityMedium,
				Detail:    fmt.Sprintf("decision rate %.1f/h exceeds %.1f/h", rate, a.cfg.RatePerHourLimit),
				Value:     rate,
				Threshold: a.cfg.RatePerHourLimit,
			})
		}
	}

	// Behavioral: confidence dispersion and sustained low confidence.
	ranks := make([]float64, 0, n)
	risks := make([]float64, 0, n)
	for _, trail := range trails {
		ranks = append(ranks, float64(trail.FinalConfidence.Rank()))
		if trail.RiskAssessment != nil {
			risks = append(risks, trail.RiskAssessment.RiskScore)
		} else {
			risks = append(risks, 0)
		}
	}
	meanRank, stddevRank := meanStdDev(ranks)
	if stddevRank > a.cfg.ConfidenceStdDevMax {
		findings = append(findings, AnomalyFinding{
			AgentType: agentType,
			Kind:      "behavioral",
			Severity:  types.SeverityMedium,
			Detail:    fmt.Sprintf("confidence std-dev %.2f exceeds %.2f", stddevRank, a.cfg.ConfidenceStdDevMax),
			Value:     stddevRank,
			Threshold: a.cfg.ConfidenceStdDevMax,
		})
	}
	if n >= a.cfg.MinAnalysisSamples && meanRank < a.cfg.ConfidenceMeanFloor {
		findings = append(findings, AnomalyFinding{
			AgentType: agentType,
			Kind:      "behavioral",
			Severity:  types.SeverityHigh,
			Detail:    fmt.Sprintf("mean confidence %.2f below %.2f over %d decisions", meanRank, a.cfg.ConfidenceMeanFloor, n),
			Value:     meanRank,
			Threshold: a.cfg.ConfidenceMeanFloor,
		})
	}

	// Correlation: a strongly inverted confidence/risk relationship means
	// the agent is sure about easy cases and unsure exactly when it matters.
	if n >= a.cfg.MinAnalysisSamples {
		if rho, ok := pearson(ranks, risks); ok && rho <= -a.cfg.CorrelationThreshold {
			findings = append(findings, AnomalyFinding{
				AgentType: agentType,
				Kind:      "correlation",
				Severity:  types.SeverityHigh,
				Detail:    fmt.Sprintf("confidence/risk correlation %.2f beyond -%.2f over %d decisions", rho, a.cfg.CorrelationThreshold, n),
				Value:     rho,
				Threshold: -a.cfg.CorrelationThreshold,
			})
		}
	}

	return findings
}

// raiseAnomaly publishes one finding as a compliance signal and an operator
// activity.
func (a *AuditIntelligence) raiseAnomaly(f AnomalyFinding) {
	a.anomalies.Add(1)

	a.deps.emitDerived(&types.Event{
		EventID:  uuid.NewString(),
		Type:     types.EventComplianceSignal,
		Severity: f.Severity,
		Source: types.EventSource{
			System: "regulens",
			Type:   "AGENT_ANOMALY",
			Origin: a.id,
		},
		Description: fmt.Sprintf("%s anomaly for %s: %s", f.Kind, f.AgentType, f.Detail),
		Metadata: map[string]interface{}{
			"agent_type":   f.AgentType,
			"anomaly_kind": f.Kind,
			"value":        f.Value,
			"threshold":    f.Threshold,
		},
		OccurredAt: time.Now().UTC(),
	})

	a.deps.recordActivity(activity.Activity{
		AgentType:   TypeAuditIntelligence,
		Type:        "ANOMALY_DETECTED",
		Severity:    string(f.Severity),
		Description: fmt.Sprintf("%s anomaly for %s", f.Kind, f.AgentType),
		Details: map[string]interface{}{
			"detail":    f.Detail,
			"value":     f.Value,
			"threshold": f.Threshold,
		},
	})

	a.log.Warn("", "", "agent anomaly detected", map[string]interface{}{
		"agent_type":   f.AgentType,
		"anomaly_kind": f.Kind,
		"detail":       f.Detail,
	})
}

// ---- event pipeline ----

func (a *AuditIntelligence) buildSteps() []StepSpec {
	steps := []StepSpec{
		a.dataRetrievalStep(),
		a.ruleEvaluationStep(),
		a.patternAnalysisStep(),
		a.knowledgeQueryStep(),
	}
	if a.deps.LLM != nil {
		steps = append(steps, a.llmInferenceStep())
	}
	steps = append(steps, a.riskAssessmentStep(), ConfidenceStep())
	return steps
}

func (a *AuditIntelligence) dataRetrievalStep() StepSpec {
	return StepSpec{
		Type: audit.StepDataRetrieval,
		Input: func(run *Run) map[string]interface{} {
			return map[string]interface{}{"corpus": TypeTransactionGuardian}
		},
		Run: func(ctx context.Context, run *Run) (*StepOutcome, error) {
			trails, _, err := resilience.Do(ctx, a.deps.DataBreaker, func(ctx context.Context) ([]*audit.Trail, error) {
				return a.deps.Audit.FindSimilarTrails(ctx, TypeTransactionGuardian, time.Now().Add(-a.cfg.HistoryWindow()), a.cfg.SimilarityTopN)
			}, func(error) []*audit.Trail { return nil })
			if err != nil {
				return nil, err
			}
			run.SimilarTrails = trails
			run.DataQuality = 1.0
			if len(trails) == 0 {
				run.DataQuality = 0.8
			}
			return &StepOutcome{
				Description: "Loaded the recent decision corpus for comparison",
				Output: map[string]interface{}{
					"corpus_size":  len(trails),
					"data_quality": run.DataQuality,
					"source":       "primary_db",
				},
			}, nil
		},
		Fallback: func(run *Run, cause error) *StepOutcome {
			run.SimilarTrails = nil
			run.DataQuality = 0.5
			return &StepOutcome{
				Description: "Decision corpus unavailable, similarity analysis degraded",
				Output:      map[string]interface{}{"corpus_size": 0, "data_quality": 0.5, "source": "inferred"},
			}
		},
	}
}

func (a *AuditIntelligence) ruleEvaluationStep() StepSpec {
	return StepSpec{
		Type: audit.StepRuleEvaluation,
		Run: func(ctx context.Context, run *Run) (*StepOutcome, error) {
			if a.deps.Rules == nil {
				return nil, errs.Internal("intelligence", "ruleEvaluation", "rule engine is not wired", nil)
			}
			result := a.deps.Rules.EvaluateEntity(ctx, rules.EntityContext{
				EntityID:   run.Event.EventID,
				EntityType: "compliance_signal",
				Data: map[string]interface{}{
					"event_type":  string(run.Event.Type),
					"severity":    string(run.Event.Severity),
					"description": run.Event.Description,
					"source_type": run.Event.Source.Type,
					"metadata":    run.Event.Metadata,
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
			return &StepOutcome{Description: "Evaluated compliance rules against the signal", Output: output}, nil
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

func (a *AuditIntelligence) patternAnalysisStep() StepSpec {
	return StepSpec{
		Type: audit.StepPatternAnalysis,
		Input: func(run *Run) map[string]interface{} {
			return map[string]interface{}{"corpus_size": len(run.SimilarTrails)}
		},
		Run: func(_ context.Context, run *Run) (*StepOutcome, error) {
			aggregate, scores := a.fraudSimilarity(run.Event, run.SimilarTrails)
			run.PatternScore = aggregate
			return &StepOutcome{
				Description: "Compared the signal against recent decisions for fraud patterns",
				Output: map[string]interface{}{
					"aggregate_similarity": aggregate,
					"pattern_strength":     aggregate,
					"sample_size":          len(scores),
					"max_similarity":       maxOf(scores),
				},
			}, nil
		},
		Fallback: func(run *Run, cause error) *StepOutcome {
			run.PatternScore = 0
			return &StepOutcome{
				Description: "Similarity analysis unavailable",
				Output:      map[string]interface{}{"aggregate_similarity": 0.0, "sample_size": 0},
			}
		},
	}
}

func (a *AuditIntelligence) knowledgeQueryStep() StepSpec {
	return StepSpec{
		Type: audit.StepKnowledgeQuery,
		Run: func(ctx context.Context, run *Run) (*StepOutcome, error) {
			prior, err := a.deps.Audit.FindSimilarTrails(ctx, TypeAuditIntelligence, time.Now().Add(-a.cfg.HistoryWindow()), a.cfg.SimilarityTopN)
			if err != nil {
				return nil, err
			}
			return &StepOutcome{
				Description: "Queried this agent's prior signal analyses",
				Output:      map[string]interface{}{"similar_count": len(prior), "source": "primary_db"},
			}, nil
		},
		Fallback: func(run *Run, cause error) *StepOutcome {
			return &StepOutcome{
				Description: "Precedent lookup unavailable",
				Output:      map[string]interface{}{"similar_count": 0},
			}
		},
	}
}

func (a *AuditIntelligence) llmInferenceStep() StepSpec {
	return StepSpec{
		Type:        audit.StepLLMInference,
		LLMDeadline: true,
		Run: func(ctx context.Context, run *Run) (*StepOutcome, error) {
			payload := map[string]interface{}{
				"description":          run.Event.Description,
				"source_type":          run.Event.Source.Type,
				"aggregate_similarity": run.PatternScore,
			}
			response, _, err := resilience.Do(ctx, a.deps.LLMBreaker, func(ctx context.Context) (string, error) {
				return a.deps.LLM.ComplexReasoningTask(ctx, "compliance_signal_analysis", payload, []string{
					"Judge whether the signal indicates a broader fraud pattern",
					"Weigh the similarity evidence against recent decisions",
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
				Description: "Model assessed the signal in context",
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
				Description: "Inference unavailable, contextual risk omitted",
				Output:      map[string]interface{}{"risk_score": 0.0, "source": "inferred"},
			}
		},
	}
}

func (a *AuditIntelligence) riskAssessmentStep() StepSpec {
	return StepSpec{
		Type: audit.StepRiskAssessment,
		Run: func(_ context.Context, run *Run) (*StepOutcome, error) {
			var adjustments []RiskAdjustment
			if run.PatternScore > 0 {
				adjustments = append(adjustments, RiskAdjustment{
					Factor: "fraud_similarity",
					Value:  0.3 * run.PatternScore,
					Reason: fmt.Sprintf("aggregate similarity %.2f to recent decisions", run.PatternScore),
				})
			}
			contextRisk := 0.0
			if run.LLMRan {
				contextRisk = run.LLMRisk.RiskScore
			}
			score, reasons := ComposeRisk(&a.cfg, RiskInput{
				Event:       run.Event,
				ContextRisk: contextRisk,
				Adjustments: adjustments,
			})
			run.RiskScore = score
			run.RiskReasoning = reasons
			run.RiskFactors = FactorStrings(reasons)
			return &StepOutcome{
				Description: "Composed the signal risk score",
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

// policy maps the aggregate similarity onto the signal decision ladder.
func (a *AuditIntelligence) policy(run *Run) (*types.Decision, []string) {
	var (
		decisionType types.DecisionType
		alternatives []string
	)
	switch {
	case run.PatternScore >= a.cfg.AnomalyThreshold:
		decisionType = types.DecisionAlert
		alternatives = []string{string(types.DecisionInvestigate), string(types.DecisionMonitor)}
	case run.PatternScore >= a.cfg.InvestigateThreshold:
		decisionType = types.DecisionInvestigate
		alternatives = []string{string(types.DecisionAlert), string(types.DecisionMonitor)}
	case run.PatternScore >= a.cfg.MonitorThreshold || ruleSuspicious(run.RuleResult):
		decisionType = types.DecisionMonitor
		alternatives = []string{string(types.DecisionInvestigate), string(types.DecisionApprove)}
	default:
		decisionType = types.DecisionApprove
		alternatives = []string{string(types.DecisionMonitor)}
	}

	reasoning := []types.Reasoning{{
		Factor:   "fraud_similarity",
		Evidence: fmt.Sprintf("aggregate similarity %.2f against thresholds %.2f/%.2f/%.2f", run.PatternScore, a.cfg.AnomalyThreshold, a.cfg.InvestigateThreshold, a.cfg.MonitorThreshold),
		Weight:   run.PatternScore,
		Source:   "pattern_analysis",
	}}
	if run.RuleResult != nil && run.RuleResult.Triggered {
		reasoning = append(reasoning, types.Reasoning{
			Factor:   "rule_match",
			Evidence: fmt.Sprintf("rule %q scored %.2f with action %s", run.RuleResult.RuleName, run.RuleResult.Score, run.RuleResult.Action),
			Weight:   run.RuleResult.Score,
			Source:   "rule_engine",
		})
	}
	reasoning = append(reasoning, run.RiskReasoning...)

	var actions []types.Action
	params := map[string]interface{}{"event_id": run.Event.EventID}
	switch decisionType {
	case types.DecisionAlert:
		actions = append(actions, types.Action{
			ActionType:  "ALERT",
			Description: "Raise a fraud pattern alert to the compliance team",
			Priority:    "CRITICAL",
			Parameters:  params,
		})
	case types.DecisionInvestigate:
		actions = append(actions, types.Action{
			ActionType:  "OPEN_INVESTIGATION",
			Description: "Open an investigation into the matching pattern",
			Priority:    "HIGH",
			Deadline:    time.Now().Add(24 * time.Hour),
			Parameters:  params,
		})
	case types.DecisionMonitor:
		actions = append(actions, types.Action{
			ActionType:  "MONITOR",
			Description: "Track the pattern across future signals",
			Priority:    "MEDIUM",
			Parameters:  params,
		})
	}

	return &types.Decision{
		Type:       decisionType,
		Reasoning:  reasoning,
		Actions:    actions,
		Confidence: run.Confidence,
	}, alternatives
}

// ---- fraud similarity ----

// fraudSimilarity scores the event against each historical trail and
// aggregates the scores. Per-trail similarity combines event-type equality,
// severity closeness, a Gaussian kernel over log-scaled amounts, and entity
// equality; the aggregate blends mean, max, severity-weighted mean, and the
// density of strong matches.
func (a *AuditIntelligence) fraudSimilarity(event *types.Event, trails []*audit.Trail) (float64, []float64) {
	if len(trails) == 0 {
		return 0, nil
	}

	amount, hasAmount := event.MetaFloat("amount")
	entity := event.MetaString("customer_id")
	if entity == "" {
		entity = event.MetaString("entity_id")
	}

	scores := make([]float64, 0, len(trails))
	var (
		sum         float64
		maxScore    float64
		sevWeighted float64
		sevTotal    float64
		strong      int
	)
	for _, trail := range trails {
		score := a.trailSimilarity(event, trail, amount, hasAmount, entity)
		scores = append(scores, score)

		sum += score
		if score > maxScore {
			maxScore = score
		}
		w := severityWeight(trailSeverity(trail))
		sevWeighted += w * score
		sevTotal += w
		if score > a.cfg.SimilarityDensityMin {
			strong++
		}
	}

	mean := sum / float64(len(scores))
	sevMean := 0.0
	if sevTotal > 0 {
		sevMean = sevWeighted / sevTotal
	}
	density := float64(strong) / float64(len(scores))

	aggregate := aggWeightMean*mean + aggWeightMax*maxScore + aggWeightSeverity*sevMean + aggWeightDensity*density
	return clamp01(aggregate), scores
}

func (a *AuditIntelligence) trailSimilarity(event *types.Event, trail *audit.Trail, amount float64, hasAmount bool, entity string) float64 {
	var score float64

	if trail.TriggerEvent == string(event.Type) {
		score += simWeightEventType
	}

	eventRank := severityRank(event.Severity)
	trailRank := severityRank(trailSeverity(trail))
	score += simWeightSeverity * (1.0 - math.Abs(float64(eventRank-trailRank))/3.0)

	if hasAmount {
		if trailAmount, ok := floatFrom(trail.OriginalInput, "amount"); ok {
			delta := math.Log10(amount+1) - math.Log10(trailAmount+1)
			score += simWeightAmount * math.Exp(-(delta*delta)/2.0)
		}
	}

	if entity != "" && trail.EntityID == entity {
		score += simWeightEntity
	}

	return clamp01(score)
}

func trailSeverity(trail *audit.Trail) types.Severity {
	if s, ok := trail.OriginalInput["severity"].(string); ok {
		return types.Severity(s)
	}
	return types.SeverityLow
}

func severityRank(s types.Severity) int {
	switch s {
	case types.SeverityCritical:
		return 3
	case types.SeverityHigh:
		return 2
	case types.SeverityMedium:
		return 1
	default:
		return 0
	}
}

// severityWeight skews the aggregate toward matches on severe precedents.
func severityWeight(s types.Severity) float64 {
	return 1.0 + float64(severityRank(s))
}

// ---- math helpers ----

func meanStdDev(values []float64) (float64, float64) {
	n := float64(len(values))
	if n == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / n

	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / n)
}

// pearson returns the correlation of two equal-length series; ok is false
// when either series has no variance.
func pearson(xs, ys []float64) (float64, bool) {
	if len(xs) != len(ys) || len(xs) == 0 {
		return 0, false
	}
	meanX, sdX := meanStdDev(xs)
	meanY, sdY := meanStdDev(ys)
	if sdX == 0 || sdY == 0 {
		return 0, false
	}
	var cov float64
	for i := range xs {
		cov += (xs[i] - meanX) * (ys[i] - meanY)
	}
	cov /= float64(len(xs))
	return cov / (sdX * sdY), true
}

func maxOf(values []float64) float64 {
	var m float64
	for _, v := range values {
		if v > m {
			m = v
		}
	}
	return m
}

func floatFrom(m map[string]interface{}, key string) (float64, bool) {
	if m == nil {
		return 0, false
	}
	switch v := m[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

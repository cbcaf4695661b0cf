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
	"time"

	"github.com/gaigenticai/regulens/audit"
	"github.com/gaigenticai/regulens/llm"
	"github.com/gaigenticai/regulens/rules"
	"github.com/gaigenticai/regulens/shared/logger"
	"github.com/gaigenticai/regulens/shared/types"
)

// Run is the blackboard one pipeline execution reads and writes. Steps fill
// the members they own and later steps consume them; which members are used
// depends on the agent.
type Run struct {
	Event      *types.Event
	DecisionID string

	// DATA_RETRIEVAL products.
	Profile     *CustomerProfile
	Transaction *Transaction
	History     []Transaction
	DataQuality float64 // 1.0 when every source answered

	// RULE_EVALUATION products.
	RuleResult *rules.RuleResult

	// PATTERN_ANALYSIS products.
	Velocity       int
	VelocityRatio  float64
	VelocityRisk   float64
	HistoricalRisk float64
	Blocked        bool   // compliance block (AML, sanctions, limit)
	BlockedReason  string
	PatternScore   float64 // agent-specific aggregate (similarity, anomaly)

	// KNOWLEDGE_QUERY products.
	SimilarTrails []*audit.Trail

	// LLM_INFERENCE products.
	LLMRisk llm.RiskExtraction
	LLMRan  bool

	// RISK_ASSESSMENT products.
	RiskScore     float64
	RiskReasoning []types.Reasoning
	RiskFactors   []string

	// CONFIDENCE_CALCULATION products.
	ConfidenceScore float64
	Confidence      types.Confidence

	// Bookkeeping maintained by the pipeline itself.
	FallbackSteps int
}

// StepOutcome is what a step handler reports for the audit trail.
type StepOutcome struct {
	Description string
	Output      map[string]interface{}
	Metadata    map[string]interface{}
}

// StepFunc executes one pipeline step against the run blackboard.
type StepFunc func(ctx context.Context, run *Run) (*StepOutcome, error)

// FallbackFunc substitutes a conservative outcome when a recoverable step
// fails or times out. It must also leave the blackboard in a usable state
// for the steps that follow.
type FallbackFunc func(run *Run, cause error) *StepOutcome

// StepSpec declares one named pipeline step. A nil Fallback marks the step
// fatal: an error aborts the pipeline instead of degrading it.
type StepSpec struct {
	Type        audit.StepType
	Input       func(run *Run) map[string]interface{}
	Run         StepFunc
	Fallback    FallbackFunc
	LLMDeadline bool // grants the extended inference deadline
}

// PolicyFunc maps a completed run to the final decision and the alternatives
// that were considered but not chosen.
type PolicyFunc func(run *Run) (*types.Decision, []string)

// Pipeline executes the standard reasoning sequence for one agent: every
// step is recorded in the audit trail with its duration and confidence
// impact, recoverable failures substitute conservative fallbacks, and the
// run always ends in a finalized trail and a decision, degraded if needed.
type Pipeline struct {
	agentType string
	agentName string
	cfg       *AgentConfig
	deps      *Dependencies
	log       *logger.Logger
	steps     []StepSpec
	policy    PolicyFunc
}

// NewPipeline assembles a pipeline for one agent.
func NewPipeline(agentType, agentName string, cfg *AgentConfig, deps *Dependencies, steps []StepSpec, policy PolicyFunc) *Pipeline {
	return &Pipeline{
		agentType: agentType,
		agentName: agentName,
		cfg:       cfg,
		deps:      deps,
		log:       logger.New("pipeline"),
		steps:     steps,
		policy:    policy,
	}
}

type runStatus int

const (
	runCompleted runStatus = iota
	runFatal
	runDeadline
	runInterrupted
)

// Execute runs the pipeline for one event and returns the decision. The
// decision is never nil: fatal failures, deadline hits, and shutdown all
// finalize into a conservative MONITOR verdict rather than silence.
func (p *Pipeline) Execute(ctx context.Context, event *types.Event) *types.Decision {
	runCtx, cancel := context.WithTimeout(ctx, p.cfg.PipelineTimeout())
	defer cancel()

	run := &Run{Event: event, DataQuality: 1.0}
	run.DecisionID = p.deps.Audit.StartDecisionAudit(runCtx, p.agentType, p.agentName, string(event.Type), eventInput(event))

	status := runCompleted
	var fatalCause error
	for _, spec := range p.steps {
		if err := runCtx.Err(); err != nil {
			if ctx.Err() != nil {
				status = runInterrupted
			} else {
				status = runDeadline
			}
			break
		}
		if err := p.runStep(runCtx, run, spec); err != nil {
			status = runFatal
			fatalCause = err
			break
		}
	}

	// Seal the trail with a fresh context so a dead pipeline context cannot
	// stop the trail from finalizing.
	sealCtx, sealCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer sealCancel()

	switch status {
	case runCompleted:
		p.ensureConfidence(run)
		decision, alternatives := p.policy(run)
		p.fill(decision, run)
		p.finalize(sealCtx, run, decision, alternatives)
		return decision

	case runDeadline:
		p.ensureConfidence(run)
		run.Confidence = run.Confidence.Degrade()
		decision := p.conservativeDecision(run, "decision deadline exceeded before the pipeline completed")
		p.log.Warn(event.EventID, run.DecisionID, "pipeline deadline exceeded, degrading to MONITOR", map[string]interface{}{
			"agent_type": p.agentType,
		})
		p.finalize(sealCtx, run, decision, nil)
		return decision

	case runInterrupted:
		p.deps.Audit.RecordDecisionStep(sealCtx, run.DecisionID, audit.StepPipelineInterrupted,
			"Pipeline interrupted before completion",
			nil, nil,
			map[string]interface{}{"status": "interrupted", "reason": "system_shutdown"})
		p.ensureConfidence(run)
		run.Confidence = run.Confidence.Degrade()
		decision := p.conservativeDecision(run, "processing interrupted by system shutdown")
		p.finalize(sealCtx, run, decision, nil)
		return decision

	default: // runFatal
		p.ensureConfidence(run)
		run.Confidence = types.ConfidenceVeryLow
		decision := p.conservativeDecision(run, "pipeline aborted: "+fatalCause.Error())
		p.log.ErrorWithErr(event.EventID, run.DecisionID, "pipeline aborted by fatal step failure", fatalCause, map[string]interface{}{
			"agent_type": p.agentType,
		})
		p.finalize(sealCtx, run, decision, nil)
		return decision
	}
}

// runStep executes one step under its deadline and records it. The returned
// error is non-nil only for fatal failures.
func (p *Pipeline) runStep(runCtx context.Context, run *Run, spec StepSpec) error {
	deadline := p.cfg.StepTimeout()
	if spec.LLMDeadline {
		deadline = p.cfg.LLMStepTimeout()
	}
	stepCtx, cancel := context.WithTimeout(runCtx, deadline)
	defer cancel()

	var input map[string]interface{}
	if spec.Input != nil {
		input = spec.Input(run)
	}

	start := time.Now()
	outcome, err := spec.Run(stepCtx, run)
	elapsed := float64(time.Since(start).Microseconds()) / 1000.0

	if err == nil {
		if outcome == nil {
			outcome = &StepOutcome{Description: string(spec.Type) + " completed"}
		}
		p.record(run, spec.Type, outcome, input, elapsed)
		return nil
	}

	if spec.Fallback == nil {
		failed := &StepOutcome{
			Description: string(spec.Type) + " failed",
			Output:      map[string]interface{}{"error": err.Error()},
			Metadata:    map[string]interface{}{"status": "error"},
		}
		p.record(run, spec.Type, failed, input, elapsed)
		return err
	}

	status := "fallback"
	if stepCtx.Err() == context.DeadlineExceeded && runCtx.Err() == nil {
		status = "timeout"
	}
	outcome = spec.Fallback(run, err)
	if outcome == nil {
		outcome = &StepOutcome{Description: string(spec.Type) + " fell back to conservative defaults"}
	}
	if outcome.Metadata == nil {
		outcome.Metadata = make(map[string]interface{})
	}
	outcome.Metadata["status"] = status
	outcome.Metadata["error"] = err.Error()
	run.FallbackSteps++

	p.log.Warn(run.Event.EventID, run.DecisionID, string(spec.Type)+" degraded to fallback", map[string]interface{}{
		"agent_type": p.agentType,
		"status":     status,
		"error":      err.Error(),
	})
	p.record(run, spec.Type, outcome, input, elapsed)
	return nil
}

func (p *Pipeline) record(run *Run, stepType audit.StepType, outcome *StepOutcome, input map[string]interface{}, elapsedMS float64) {
	meta := outcome.Metadata
	if meta == nil {
		meta = make(map[string]interface{})
	}
	meta["duration_ms"] = elapsedMS
	p.deps.Audit.RecordDecisionStep(context.Background(), run.DecisionID, stepType, outcome.Description, input, outcome.Output, meta)
}

// fill completes the members the policy leaves to the pipeline.
func (p *Pipeline) fill(decision *types.Decision, run *Run) {
	decision.DecisionID = run.DecisionID
	decision.EventID = run.Event.EventID
	decision.AgentID = p.agentName
	if decision.Confidence == "" {
		decision.Confidence = run.Confidence
	}
	if decision.RiskAssessment.AssessmentTime.IsZero() {
		decision.RiskAssessment = types.RiskAssessment{
			RiskScore:      run.RiskScore,
			RiskLevel:      llm.LevelForScore(run.RiskScore),
			RiskFactors:    run.RiskFactors,
			AssessmentTime: time.Now().UTC(),
		}
	}
	if decision.CreatedAt.IsZero() {
		decision.CreatedAt = time.Now().UTC()
	}
}

func (p *Pipeline) conservativeDecision(run *Run, reason string) *types.Decision {
	return &types.Decision{
		DecisionID: run.DecisionID,
		EventID:    run.Event.EventID,
		AgentID:    p.agentName,
		Type:       types.DecisionMonitor,
		Confidence: run.Confidence,
		Reasoning: []types.Reasoning{{
			Factor:   "degraded_processing",
			Evidence: reason,
			Weight:   1.0,
			Source:   p.agentType,
		}},
		Actions: []types.Action{{
			ActionType:  "MONITOR",
			Description: "Watch the entity until a complete assessment is possible",
			Priority:    "HIGH",
		}},
		RiskAssessment: types.RiskAssessment{
			RiskScore:      run.RiskScore,
			RiskLevel:      llm.LevelForScore(run.RiskScore),
			RiskFactors:    run.RiskFactors,
			AssessmentTime: time.Now().UTC(),
		},
		CreatedAt: time.Now().UTC(),
	}
}

// ensureConfidence computes the standard confidence score when the pipeline
// never reached CONFIDENCE_CALCULATION.
func (p *Pipeline) ensureConfidence(run *Run) {
	if run.Confidence != "" {
		return
	}
	score := confidenceScore(run)
	run.ConfidenceScore = score
	run.Confidence = types.ConfidenceFromScore(score)
}

func (p *Pipeline) finalize(ctx context.Context, run *Run, decision *types.Decision, alternatives []string) {
	assessment := decision.RiskAssessment
	p.deps.Audit.FinalizeDecisionAudit(ctx, run.DecisionID, string(decision.Type), decision.Confidence, &assessment, alternatives)
}

// confidenceScore is the shared confidence formula: start from strong
// confidence, charge each fallback step, charge degraded data quality, and
// blend in the model's own confidence when inference ran.
func confidenceScore(run *Run) float64 {
	score := 0.9
	score -= 0.15 * float64(run.FallbackSteps)
	score -= 0.2 * (1.0 - run.DataQuality)
	if run.LLMRan && run.LLMRisk.Confidence > 0 {
		score = 0.7*score + 0.3*run.LLMRisk.Confidence
	}
	return clamp01(score)
}

// ConfidenceStep is the shared CONFIDENCE_CALCULATION step.
func ConfidenceStep() StepSpec {
	return StepSpec{
		Type: audit.StepConfidenceCalculation,
		Input: func(run *Run) map[string]interface{} {
			return map[string]interface{}{
				"fallback_steps":     run.FallbackSteps,
				"data_quality_score": run.DataQuality,
				"llm_ran":            run.LLMRan,
			}
		},
		Run: func(_ context.Context, run *Run) (*StepOutcome, error) {
			score := confidenceScore(run)
			run.ConfidenceScore = score
			run.Confidence = types.ConfidenceFromScore(score)
			return &StepOutcome{
				Description: "Aggregated step outcomes into a confidence bucket",
				Output: map[string]interface{}{
					"confidence_score":   score,
					"confidence":         string(run.Confidence),
					"fallback_steps":     run.FallbackSteps,
					"data_quality_score": run.DataQuality,
				},
			}, nil
		},
	}
}

// eventInput flattens an event into the trail's original-input map.
func eventInput(event *types.Event) map[string]interface{} {
	in := map[string]interface{}{
		"event_id":    event.EventID,
		"event_type":  string(event.Type),
		"severity":    string(event.Severity),
		"description": event.Description,
		"source":      event.Source.System,
		"occurred_at": event.OccurredAt.UTC().Format(time.RFC3339Nano),
	}
	if id := event.MetaString("customer_id"); id != "" {
		in["customer_id"] = id
	}
	if id := event.MetaString("entity_id"); id != "" {
		in["entity_id"] = id
	}
	if id := event.MetaString("transaction_id"); id != "" {
		in["transaction_id"] = id
	}
	if amount, ok := event.MetaFloat("amount"); ok {
		in["amount"] = amount
	}
	if impact, ok := event.MetaFloat("financial_impact"); ok {
		in["financial_impact"] = impact
	}
	return in
}

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

package audit

import (
	"errors"
	"time"

	"github.com/gaigenticai/regulens/shared/types"
)

// ErrTrailNotFound is returned by reads and mutations on unknown decision
// IDs.
var ErrTrailNotFound = errors.New("audit: trail not found")

// StepType identifies one kind of reasoning act inside a trail.
type StepType string

const (
	StepDecisionStarted       StepType = "DECISION_STARTED"
	StepDataRetrieval         StepType = "DATA_RETRIEVAL"
	StepPatternAnalysis       StepType = "PATTERN_ANALYSIS"
	StepRiskAssessment        StepType = "RISK_ASSESSMENT"
	StepKnowledgeQuery        StepType = "KNOWLEDGE_QUERY"
	StepLLMInference          StepType = "LLM_INFERENCE"
	StepRuleEvaluation        StepType = "RULE_EVALUATION"
	StepConfidenceCalculation StepType = "CONFIDENCE_CALCULATION"
	StepDecisionFinalized     StepType = "DECISION_FINALIZED"
	StepPipelineInterrupted   StepType = "PIPELINE_INTERRUPTED"
	StepHumanReviewRequested  StepType = "HUMAN_REVIEW_REQUESTED"
	StepHumanFeedbackReceived StepType = "HUMAN_FEEDBACK_RECEIVED"
)

// String returns the string representation of the StepType.
func (s StepType) String() string {
	return string(s)
}

// Step is one recorded reasoning act. ConfidenceImpact is derived by the
// manager, never supplied by the caller, and always lands in [-0.5, 0.5].
type Step struct {
	StepID           string                 `json:"step_id"`
	TrailID          string                 `json:"trail_id"`
	Type             StepType               `json:"step_type"`
	Sequence         int                    `json:"sequence"`
	Description      string                 `json:"description"`
	Input            map[string]interface{} `json:"input_data,omitempty"`
	Output           map[string]interface{} `json:"output_data,omitempty"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
	ProcessingTimeMS float64                `json:"processing_time_ms"`
	ConfidenceImpact float64                `json:"confidence_impact"`
	Timestamp        time.Time              `json:"timestamp"`
}

// Trail is the append-only record of every reasoning step behind one
// decision. Steps are buffered in the manager until finalization; after
// finalization the trail is immutable except for the human-review fields and
// the review/feedback steps those calls append.
type Trail struct {
	TrailID               string                 `json:"trail_id"`
	DecisionID            string                 `json:"decision_id"`
	AgentType             string                 `json:"agent_type"`
	AgentName             string                 `json:"agent_name"`
	TriggerEvent          string                 `json:"trigger_event"`
	OriginalInput         map[string]interface{} `json:"original_input,omitempty"`
	EventID               string                 `json:"event_id,omitempty"`
	EntityID              string                 `json:"entity_id,omitempty"`
	Steps                 []*Step                `json:"steps"`
	FinalDecision         string                 `json:"final_decision,omitempty"`
	FinalConfidence       types.Confidence       `json:"final_confidence,omitempty"`
	RiskAssessment        *types.RiskAssessment  `json:"risk_assessment,omitempty"`
	Alternatives          []string               `json:"alternatives,omitempty"`
	StartedAt             time.Time              `json:"started_at"`
	CompletedAt           time.Time              `json:"completed_at,omitempty"`
	TotalProcessingTimeMS float64                `json:"total_processing_time_ms"`
	RequiresHumanReview   bool                   `json:"requires_human_review"`
	HumanReviewReason     string                 `json:"human_review_reason,omitempty"`
	Finalized             bool                   `json:"finalized"`
}

// ExplanationLevel selects how much of the trail an explanation exposes.
type ExplanationLevel string

const (
	LevelHighLevel ExplanationLevel = "HIGH_LEVEL"
	LevelDetailed  ExplanationLevel = "DETAILED"
	LevelTechnical ExplanationLevel = "TECHNICAL"
	LevelDebug     ExplanationLevel = "DEBUG"
)

// IsValid returns true if the ExplanationLevel is a known value.
func (l ExplanationLevel) IsValid() bool {
	switch l {
	case LevelHighLevel, LevelDetailed, LevelTechnical, LevelDebug:
		return true
	}
	return false
}

// ConfidenceFactor is one step's signed contribution to the final
// confidence, surfaced in DETAILED and deeper explanations.
type ConfidenceFactor struct {
	Step        StepType `json:"step"`
	Description string   `json:"description"`
	Impact      float64  `json:"impact"`
}

// FlowNode is one node of the decision flowchart. One node per step.
type FlowNode struct {
	ID    string   `json:"id"`
	Type  StepType `json:"type"`
	Label string   `json:"label"`
}

// FlowEdge connects two sequential steps in the flowchart.
type FlowEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Flowchart is the sequential decision graph: nodes are steps, edges follow
// recording order.
type Flowchart struct {
	Nodes []FlowNode `json:"nodes"`
	Edges []FlowEdge `json:"edges"`
}

// StepTiming is one row of the TECHNICAL timing table.
type StepTiming struct {
	Sequence   int      `json:"sequence"`
	Type       StepType `json:"type"`
	DurationMS float64  `json:"duration_ms"`
	Impact     float64  `json:"impact"`
}

// Explanation is a rendered view of a trail at one detail level.
type Explanation struct {
	ExplanationID     string             `json:"explanation_id"`
	TrailID           string             `json:"trail_id"`
	DecisionID        string             `json:"decision_id"`
	Level             ExplanationLevel   `json:"detail_level"`
	Summary           string             `json:"summary"`
	Narrative         string             `json:"narrative,omitempty"`
	KeyFactors        []string           `json:"key_factors,omitempty"`
	RiskIndicators    []string           `json:"risk_indicators,omitempty"`
	ConfidenceFactors []ConfidenceFactor `json:"confidence_factors,omitempty"`
	Flowchart         *Flowchart         `json:"flowchart,omitempty"`
	StepTimings       []StepTiming       `json:"step_timings,omitempty"`
	RawSteps          []*Step            `json:"raw_steps,omitempty"`
	GeneratedAt       time.Time          `json:"generated_at"`
}

// Review status and verdict values.
const (
	ReviewStatusPending  = "PENDING"
	ReviewStatusResolved = "RESOLVED"

	VerdictApproved = "APPROVED"
	VerdictRejected = "REJECTED"
)

// HumanReview is an operator-facing record attached to a flagged decision.
type HumanReview struct {
	ReviewID    string     `json:"review_id"`
	TrailID     string     `json:"trail_id"`
	DecisionID  string     `json:"decision_id"`
	AgentType   string     `json:"agent_type"`
	Reason      string     `json:"reason"`
	Status      string     `json:"status"`
	ReviewerID  string     `json:"reviewer_id,omitempty"`
	Verdict     string     `json:"verdict,omitempty"`
	Comments    string     `json:"comments,omitempty"`
	RequestedAt time.Time  `json:"requested_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}

// PerformanceAnalytics aggregates finalized trails for one agent type.
type PerformanceAnalytics struct {
	AgentType        string         `json:"agent_type"`
	Since            time.Time      `json:"since"`
	TotalDecisions   int            `json:"total_decisions"`
	DecisionsPerHour float64        `json:"decisions_per_hour"`
	AvgProcessingMS  float64        `json:"avg_processing_ms"`
	AvgStepsPerTrail float64        `json:"avg_steps_per_trail"`
	ConfidenceCounts map[string]int `json:"confidence_counts"`
	DecisionCounts   map[string]int `json:"decision_counts"`
	ReviewRate       float64        `json:"review_rate"`
}

// PatternAnalysis summarizes the decision mix for one agent type.
type PatternAnalysis struct {
	AgentType        string         `json:"agent_type"`
	Since            time.Time      `json:"since"`
	SampleSize       int            `json:"sample_size"`
	DecisionCounts   map[string]int `json:"decision_counts"`
	DominantDecision string         `json:"dominant_decision,omitempty"`
	DominantShare    float64        `json:"dominant_share"`
	StepTypeCounts   map[string]int `json:"step_type_counts"`
	Observations     []string       `json:"observations,omitempty"`
}

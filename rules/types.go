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
	"errors"
	"time"
)

// ErrRuleNotFound is returned by lookups and mutations on unknown rule IDs.
var ErrRuleNotFound = errors.New("rules: rule not found")

// Category classifies what a rule protects.
type Category string

const (
	CategoryFraudDetection  Category = "FRAUD_DETECTION"
	CategoryComplianceCheck Category = "COMPLIANCE_CHECK"
	CategoryRiskAssessment  Category = "RISK_ASSESSMENT"
	CategoryBusinessLogic   Category = "BUSINESS_LOGIC"
	CategorySecurityPolicy  Category = "SECURITY_POLICY"
	CategoryAuditProcedure  Category = "AUDIT_PROCEDURE"
)

// Action is what a triggered rule asks the caller to do.
type Action string

const (
	ActionNone       Action = "NONE"
	ActionAllow      Action = "ALLOW"
	ActionDeny       Action = "DENY"
	ActionEscalate   Action = "ESCALATE"
	ActionMonitor    Action = "MONITOR"
	ActionAlert      Action = "ALERT"
	ActionQuarantine Action = "QUARANTINE"
)

// Operator compares an entity field against a rule condition value.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpContains    Operator = "contains"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpRegex       Operator = "regex"
	OpInArray     Operator = "in_array"
)

// Condition is one weighted predicate over entity data. FieldPath supports
// dot notation into nested maps ("customer.sanctioned").
type Condition struct {
	FieldPath string      `json:"field_path"`
	Operator  Operator    `json:"operator"`
	Value     interface{} `json:"value"`
	Weight    float64     `json:"weight"`
}

// Rule is a declarative judgment: a weighted set of conditions, a trigger
// threshold, and the action to take when triggered.
type Rule struct {
	RuleID         string      `json:"rule_id"`
	Name           string      `json:"name"`
	Category       Category    `json:"category"`
	Severity       string      `json:"severity"`
	Description    string      `json:"description,omitempty"`
	Conditions     []Condition `json:"conditions"`
	Action         Action      `json:"action"`
	ThresholdScore float64     `json:"threshold_score"`
	Tags           []string    `json:"tags,omitempty"`
	Enabled        bool        `json:"enabled"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// RuleResult is the outcome of evaluating rules against one entity. Score is
// the weighted fraction of conditions met; Triggered means score reached the
// rule's threshold.
type RuleResult struct {
	EvaluationID      string             `json:"evaluation_id"`
	RuleID            string             `json:"rule_id,omitempty"`
	RuleName          string             `json:"rule_name,omitempty"`
	EntityID          string             `json:"entity_id"`
	EntityType        string             `json:"entity_type,omitempty"`
	Score             float64            `json:"score"`
	Triggered         bool               `json:"triggered"`
	Action            Action             `json:"action"`
	MatchedConditions []string           `json:"matched_conditions,omitempty"`
	ConditionScores   map[string]float64 `json:"condition_scores,omitempty"`
	DurationMS        float64            `json:"duration_ms"`
	EvaluatedAt       time.Time          `json:"evaluated_at"`
}

// EntityContext carries the data a batch of rules is evaluated against.
type EntityContext struct {
	EntityID   string                 `json:"entity_id"`
	EntityType string                 `json:"entity_type"`
	Data       map[string]interface{} `json:"data"`
}

// EvaluationBatch holds per-entity results in the same order as the input
// contexts.
type EvaluationBatch struct {
	BatchID        string        `json:"batch_id"`
	Results        []*RuleResult `json:"results"`
	RulesEvaluated int           `json:"rules_evaluated"`
	RulesTriggered int           `json:"rules_triggered"`
	Parallel       bool          `json:"parallel"`
	DurationMS     float64       `json:"duration_ms"`
	EvaluatedAt    time.Time     `json:"evaluated_at"`
}

// RuleExecutionStats accumulates per-rule evaluation counters.
type RuleExecutionStats struct {
	RuleID          string    `json:"rule_id"`
	Executions      int64     `json:"executions"`
	Triggers        int64     `json:"triggers"`
	TotalDurationMS float64   `json:"total_duration_ms"`
	AvgDurationMS   float64   `json:"avg_duration_ms"`
	LastExecutedAt  time.Time `json:"last_executed_at"`
}

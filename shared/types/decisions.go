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

package types

import "time"

// DecisionType is an agent's verdict on an event.
type DecisionType string

const (
	DecisionApprove     DecisionType = "APPROVE"
	DecisionDeny        DecisionType = "DENY"
	DecisionEscalate    DecisionType = "ESCALATE"
	DecisionInvestigate DecisionType = "INVESTIGATE"
	DecisionAlert       DecisionType = "ALERT"
	DecisionMonitor     DecisionType = "MONITOR"
)

// String returns the string representation of the DecisionType.
func (t DecisionType) String() string {
	return string(t)
}

// IsValid returns true if the DecisionType is a valid known value.
func (t DecisionType) IsValid() bool {
	switch t {
	case DecisionApprove, DecisionDeny, DecisionEscalate, DecisionInvestigate, DecisionAlert, DecisionMonitor:
		return true
	default:
		return false
	}
}

// Confidence is a five-level ordinal bucket.
type Confidence string

const (
	ConfidenceVeryLow  Confidence = "VERY_LOW"
	ConfidenceLow      Confidence = "LOW"
	ConfidenceMedium   Confidence = "MEDIUM"
	ConfidenceHigh     Confidence = "HIGH"
	ConfidenceVeryHigh Confidence = "VERY_HIGH"
)

var confidenceOrder = []Confidence{
	ConfidenceVeryLow, ConfidenceLow, ConfidenceMedium, ConfidenceHigh, ConfidenceVeryHigh,
}

// String returns the string representation of the Confidence.
func (c Confidence) String() string {
	return string(c)
}

// IsValid returns true if the Confidence is a valid known value.
func (c Confidence) IsValid() bool {
	return c.Rank() >= 0
}

// Rank returns the ordinal position (0 = VERY_LOW … 4 = VERY_HIGH), or -1
// for unknown values.
func (c Confidence) Rank() int {
	for i, v := range confidenceOrder {
		if v == c {
			return i
		}
	}
	return -1
}

// Degrade returns the bucket one level below, flooring at VERY_LOW. Unknown
// values degrade to VERY_LOW.
func (c Confidence) Degrade() Confidence {
	rank := c.Rank()
	if rank <= 0 {
		return ConfidenceVeryLow
	}
	return confidenceOrder[rank-1]
}

// ConfidenceFromScore maps a [0,1] score to a bucket using the platform
// thresholds 0.3, 0.5, 0.7, 0.9.
func ConfidenceFromScore(score float64) Confidence {
	switch {
	case score < 0.3:
		return ConfidenceVeryLow
	case score < 0.5:
		return ConfidenceLow
	case score < 0.7:
		return ConfidenceMedium
	case score < 0.9:
		return ConfidenceHigh
	default:
		return ConfidenceVeryHigh
	}
}

// Reasoning is one weighted factor in a decision's explanation.
type Reasoning struct {
	Factor   string  `json:"factor"`
	Evidence string  `json:"evidence"`
	Weight   float64 `json:"weight"`
	Source   string  `json:"source"`
}

// Action is one recommended follow-up carried by a decision.
type Action struct {
	ActionType  string                 `json:"action_type"`
	Description string                 `json:"description"`
	Priority    string                 `json:"priority"`
	Deadline    time.Time              `json:"deadline,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

// RiskAssessment summarizes the risk behind a decision. RiskScore stays in
// [0,1]; RiskLevel is LOW, MEDIUM, or HIGH.
type RiskAssessment struct {
	RiskScore      float64   `json:"risk_score"`
	RiskLevel      string    `json:"risk_level"`
	RiskFactors    []string  `json:"risk_factors,omitempty"`
	AssessmentTime time.Time `json:"assessment_time"`
}

// Decision is one agent's verdict on one event. Exactly one decision exists
// per (event_id, agent_id) pair.
type Decision struct {
	DecisionID     string         `json:"decision_id"`
	EventID        string         `json:"event_id"`
	AgentID        string         `json:"agent_id"`
	Type           DecisionType   `json:"type"`
	Confidence     Confidence     `json:"confidence"`
	Reasoning      []Reasoning    `json:"reasoning"`
	Actions        []Action       `json:"actions"`
	RiskAssessment RiskAssessment `json:"risk_assessment"`
	CreatedAt      time.Time      `json:"created_at"`
}

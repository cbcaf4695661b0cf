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
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// significantImpact is the threshold above which a step's confidence impact
// is surfaced as an explanation factor.
const significantImpact = 0.1

// buildExplanation renders a trail at the requested detail level. Levels
// nest: each level includes everything the previous one exposes.
func buildExplanation(trail *Trail, level ExplanationLevel) *Explanation {
	if !level.IsValid() {
		level = LevelHighLevel
	}

	factors := confidenceFactors(trail)

	exp := &Explanation{
		ExplanationID: uuid.New().String(),
		TrailID:       trail.TrailID,
		DecisionID:    trail.DecisionID,
		Level:         level,
		Summary:       summaryLine(trail, len(factors)),
		GeneratedAt:   time.Now().UTC(),
	}
	if level == LevelHighLevel {
		return exp
	}

	exp.KeyFactors = keyFactors(trail)
	exp.RiskIndicators = riskIndicators(trail)
	exp.ConfidenceFactors = factors
	exp.Flowchart = buildFlowchart(trail)
	exp.Narrative = narrative(trail, exp)
	if level == LevelDetailed {
		return exp
	}

	exp.StepTimings = stepTimings(trail)
	if level == LevelTechnical {
		return exp
	}

	exp.RawSteps = trail.Steps
	return exp
}

// summaryLine builds the one-sentence HIGH_LEVEL summary.
func summaryLine(trail *Trail, factorCount int) string {
	decision := trail.FinalDecision
	if decision == "" {
		decision = "no decision yet"
	}
	return fmt.Sprintf("%s reached %s with %s confidence based on %d contributing factors across %d steps.",
		trail.AgentName, decision, trail.FinalConfidence, factorCount, len(trail.Steps))
}

// keyFactors collects the key_findings every step chose to surface.
func keyFactors(trail *Trail) []string {
	var factors []string
	for _, step := range trail.Steps {
		raw, ok := step.Output["key_findings"]
		if !ok {
			continue
		}
		switch v := raw.(type) {
		case string:
			factors = append(factors, v)
		case []string:
			factors = append(factors, v...)
		case []interface{}:
			for _, item := range v {
				if s, ok := item.(string); ok {
					factors = append(factors, s)
				}
			}
		}
	}
	return factors
}

// riskIndicators merges the final risk assessment's factors with any step
// that reported an elevated risk level.
func riskIndicators(trail *Trail) []string {
	var indicators []string
	if trail.RiskAssessment != nil {
		indicators = append(indicators, trail.RiskAssessment.RiskFactors...)
	}
	for _, step := range trail.Steps {
		lvl, ok := mapString(step.Output, "risk_level")
		if !ok {
			continue
		}
		if lvl == "HIGH" || lvl == "CRITICAL" {
			indicators = append(indicators, fmt.Sprintf("%s reported %s risk", step.Type, lvl))
		}
	}
	return indicators
}

// confidenceFactors lists the steps whose impact moved the needle.
func confidenceFactors(trail *Trail) []ConfidenceFactor {
	var factors []ConfidenceFactor
	for _, step := range trail.Steps {
		if math.Abs(step.ConfidenceImpact) <= significantImpact {
			continue
		}
		factors = append(factors, ConfidenceFactor{
			Step:        step.Type,
			Description: step.Description,
			Impact:      step.ConfidenceImpact,
		})
	}
	return factors
}

// buildFlowchart produces one node per step and one edge per sequential
// transition, in recording order.
func buildFlowchart(trail *Trail) *Flowchart {
	chart := &Flowchart{
		Nodes: make([]FlowNode, 0, len(trail.Steps)),
		Edges: make([]FlowEdge, 0, max(len(trail.Steps)-1, 0)),
	}
	for i, step := range trail.Steps {
		id := fmt.Sprintf("step_%d", step.Sequence)
		chart.Nodes = append(chart.Nodes, FlowNode{
			ID:    id,
			Type:  step.Type,
			Label: fmt.Sprintf("%s: %s", step.Type, step.Description),
		})
		if i > 0 {
			chart.Edges = append(chart.Edges, FlowEdge{
				From: fmt.Sprintf("step_%d", trail.Steps[i-1].Sequence),
				To:   id,
			})
		}
	}
	return chart
}

func stepTimings(trail *Trail) []StepTiming {
	timings := make([]StepTiming, 0, len(trail.Steps))
	for _, step := range trail.Steps {
		timings = append(timings, StepTiming{
			Sequence:   step.Sequence,
			Type:       step.Type,
			DurationMS: step.ProcessingTimeMS,
			Impact:     step.ConfidenceImpact,
		})
	}
	return timings
}

// narrative assembles the multi-line prose view used by DETAILED and deeper
// levels.
func narrative(trail *Trail, exp *Explanation) string {
	var b strings.Builder
	b.WriteString(exp.Summary)

	if len(exp.KeyFactors) > 0 {
		b.WriteString(" Key factors: ")
		b.WriteString(strings.Join(exp.KeyFactors, "; "))
		b.WriteString(".")
	}
	if len(exp.RiskIndicators) > 0 {
		b.WriteString(" Risk indicators: ")
		b.WriteString(strings.Join(exp.RiskIndicators, "; "))
		b.WriteString(".")
	}
	if trail.RequiresHumanReview {
		b.WriteString(" Flagged for human review: ")
		b.WriteString(trail.HumanReviewReason)
		b.WriteString(".")
	}
	return b.String()
}

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
	"math"

	"github.com/gaigenticai/regulens/shared/types"
)

// baseImpact is the per-step-type starting factor for confidence impact.
// Positive values mean the step normally strengthens confidence in the final
// decision; HUMAN_REVIEW_REQUESTED weakens it because the agent itself judged
// the outcome uncertain.
var baseImpact = map[StepType]float64{
	StepDecisionStarted:       0.0,
	StepDataRetrieval:         0.05,
	StepRuleEvaluation:        0.10,
	StepPatternAnalysis:       0.15,
	StepKnowledgeQuery:        0.05,
	StepLLMInference:          0.10,
	StepRiskAssessment:        0.20,
	StepConfidenceCalculation: 0.25,
	StepDecisionFinalized:     0.0,
	StepHumanReviewRequested:  -0.10,
	StepHumanFeedbackReceived: 0.30,
}

// sourceReliability scales impact by where the step's data came from.
var sourceReliability = map[string]float64{
	"primary_db":    1.0,
	"cache":         0.9,
	"external_api":  0.8,
	"llm_generated": 0.7,
	"inferred":      0.6,
}

const (
	maxConfidenceImpact = 0.5
	minConfidenceImpact = -0.5
)

// confidenceImpact derives the signed impact of one step from its type, its
// output, its metadata, and its measured processing time. The result is
// clamped to [-0.5, 0.5].
func confidenceImpact(stepType StepType, output, metadata map[string]interface{}, processingMS float64) float64 {
	impact := baseImpact[stepType]

	if cs, ok := mapFloat(output, "confidence_score"); ok {
		impact += cs
	}
	if dq, ok := mapFloat(output, "data_quality_score"); ok {
		impact *= 0.8 + 0.4*clamp01(dq)
	}
	if cons, ok := mapFloat(output, "consistency_score"); ok {
		impact *= 0.9 + 0.2*clamp01(cons)
	}
	if src, ok := mapString(output, "data_source"); ok {
		if factor, known := sourceReliability[src]; known {
			impact *= factor
		}
	}

	// Processing-time sanity: suspiciously fast steps probably skipped work,
	// very slow ones likely hit degraded paths.
	if processingMS > 0 && processingMS < 100 {
		impact *= 0.95
	} else if processingMS > 5000 {
		impact *= 0.9
	}

	if ec, ok := mapFloat(output, "error_count"); ok && ec > 0 {
		impact -= 0.05 * ec
	}
	if wc, ok := mapFloat(output, "warning_count"); ok && wc > 0 {
		impact -= 0.02 * wc
	}

	impact = applyStepSpecifics(stepType, output, metadata, impact)

	// A step that fell back, timed out, failed, or was interrupted always
	// weakens confidence.
	switch status, _ := mapString(metadata, "status"); status {
	case "fallback", "timeout", "error", "interrupted":
		impact = -math.Abs(impact)
		if impact == 0 {
			impact = -0.05
		}
	}

	return clampImpact(impact)
}

// applyStepSpecifics adjusts impact using signals only certain step types
// carry: assessed risk level, pattern strength and sample size, LLM sampling
// temperature, and the sign of a human verdict.
func applyStepSpecifics(stepType StepType, output, metadata map[string]interface{}, impact float64) float64 {
	switch stepType {
	case StepRiskAssessment:
		if lvl, ok := mapString(output, "risk_level"); ok {
			switch lvl {
			case "HIGH", "CRITICAL":
				impact *= 0.9
			case "LOW":
				impact *= 1.05
			}
		}

	case StepPatternAnalysis:
		if ps, ok := mapFloat(output, "pattern_strength"); ok {
			impact *= 0.85 + 0.3*clamp01(ps)
		}
		if n, ok := mapFloat(output, "sample_size"); ok {
			if n < 10 {
				impact *= 0.9
			} else if n >= 20 {
				impact *= 1.05
			}
		}

	case StepLLMInference:
		if temp, ok := mapFloat(metadata, "temperature"); ok {
			impact *= 1.05 - 0.15*clamp01(temp)
		}

	case StepHumanFeedbackReceived:
		if approved, ok := mapBool(metadata, "approved"); ok && !approved {
			impact = -impact
		}
	}
	return impact
}

// aggregateConfidence resolves the final bucket. An explicit non-MEDIUM
// bucket wins; MEDIUM (the default) is recomputed from the mean
// confidence_score of the CONFIDENCE_CALCULATION and RISK_ASSESSMENT steps.
func aggregateConfidence(explicit types.Confidence, steps []*Step) types.Confidence {
	if explicit.IsValid() && explicit != types.ConfidenceMedium {
		return explicit
	}

	sum, n := 0.0, 0
	for _, step := range steps {
		if step.Type != StepConfidenceCalculation && step.Type != StepRiskAssessment {
			continue
		}
		if cs, ok := mapFloat(step.Output, "confidence_score"); ok {
			sum += cs
			n++
		}
	}
	if n == 0 {
		return types.ConfidenceMedium
	}
	return types.ConfidenceFromScore(sum / float64(n))
}

func clampImpact(v float64) float64 {
	if v > maxConfidenceImpact {
		return maxConfidenceImpact
	}
	if v < minConfidenceImpact {
		return minConfidenceImpact
	}
	return v
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// mapFloat extracts a numeric value from an open metadata map.
func mapFloat(m map[string]interface{}, key string) (float64, bool) {
	if m == nil {
		return 0, false
	}
	switch v := m[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

func mapString(m map[string]interface{}, key string) (string, bool) {
	if m == nil {
		return "", false
	}
	s, ok := m[key].(string)
	return s, ok
}

func mapBool(m map[string]interface{}, key string) (bool, bool) {
	if m == nil {
		return false, false
	}
	b, ok := m[key].(bool)
	return b, ok
}

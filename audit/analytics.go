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
	"context"
	"fmt"
	"time"
)

// GetAgentPerformanceAnalytics aggregates finalized trails for one agent
// type since a cutoff: throughput, latency, step counts, confidence and
// decision distributions, and the share of decisions routed to humans.
func (m *TrailManager) GetAgentPerformanceAnalytics(ctx context.Context, agentType string, since time.Time) (*PerformanceAnalytics, error) {
	trails, err := m.GetAgentDecisions(ctx, agentType, "", since)
	if err != nil {
		return nil, err
	}

	analytics := &PerformanceAnalytics{
		AgentType:        agentType,
		Since:            since,
		TotalDecisions:   len(trails),
		ConfidenceCounts: make(map[string]int),
		DecisionCounts:   make(map[string]int),
	}
	if len(trails) == 0 {
		return analytics, nil
	}

	var totalMS float64
	var totalSteps, reviews int
	for _, t := range trails {
		totalMS += t.TotalProcessingTimeMS
		totalSteps += len(t.Steps)
		analytics.ConfidenceCounts[string(t.FinalConfidence)]++
		analytics.DecisionCounts[t.FinalDecision]++
		if t.RequiresHumanReview {
			reviews++
		}
	}

	n := float64(len(trails))
	analytics.AvgProcessingMS = totalMS / n
	analytics.AvgStepsPerTrail = float64(totalSteps) / n
	analytics.ReviewRate = float64(reviews) / n

	if hours := time.Since(since).Hours(); hours > 0 {
		analytics.DecisionsPerHour = n / hours
	}
	return analytics, nil
}

// GetDecisionPatternAnalysis summarizes the decision mix for one agent type:
// which outcome dominates, how concentrated the mix is, and which step types
// the agent exercises. Human-readable observations flag skew worth a look.
func (m *TrailManager) GetDecisionPatternAnalysis(ctx context.Context, agentType string, since time.Time) (*PatternAnalysis, error) {
	trails, err := m.GetAgentDecisions(ctx, agentType, "", since)
	if err != nil {
		return nil, err
	}

	analysis := &PatternAnalysis{
		AgentType:      agentType,
		Since:          since,
		SampleSize:     len(trails),
		DecisionCounts: make(map[string]int),
		StepTypeCounts: make(map[string]int),
	}
	if len(trails) == 0 {
		return analysis, nil
	}

	reviews := 0
	for _, t := range trails {
		analysis.DecisionCounts[t.FinalDecision]++
		for _, s := range t.Steps {
			analysis.StepTypeCounts[string(s.Type)]++
		}
		if t.RequiresHumanReview {
			reviews++
		}
	}

	for decision, count := range analysis.DecisionCounts {
		share := float64(count) / float64(analysis.SampleSize)
		if share > analysis.DominantShare {
			analysis.DominantShare = share
			analysis.DominantDecision = decision
		}
	}

	if analysis.DominantShare >= 0.9 && analysis.SampleSize >= 10 {
		analysis.Observations = append(analysis.Observations,
			fmt.Sprintf("decision mix is heavily concentrated: %s accounts for %.0f%% of %d decisions",
				analysis.DominantDecision, analysis.DominantShare*100, analysis.SampleSize))
	}
	if reviewRate := float64(reviews) / float64(analysis.SampleSize); reviewRate >= 0.5 && analysis.SampleSize >= 10 {
		analysis.Observations = append(analysis.Observations,
			fmt.Sprintf("%.0f%% of decisions were routed to human review", reviewRate*100))
	}
	return analysis, nil
}

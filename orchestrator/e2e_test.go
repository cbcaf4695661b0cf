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

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gaigenticai/regulens/activity"
	"github.com/gaigenticai/regulens/agents"
	"github.com/gaigenticai/regulens/audit"
	"github.com/gaigenticai/regulens/llm"
	"github.com/gaigenticai/regulens/resilience"
	"github.com/gaigenticai/regulens/rules"
	"github.com/gaigenticai/regulens/shared/types"
)

// platformFixture wires real agents, the seeded rule set, and in-process
// stores through the orchestrator, so these tests exercise the same path a
// deployed instance takes from event intake to finalized audit trail.
type platformFixture struct {
	orch *AgentOrchestrator
	deps *agents.Dependencies
}

func newPlatformFixture(t *testing.T, provider llm.Provider, fleet ...agents.ComplianceAgent) *platformFixture {
	t.Helper()

	profiles, err := agents.NewProfileStore(nil, agents.ProfileStoreConfig{VelocityWindow: time.Hour})
	if err != nil {
		t.Fatalf("NewProfileStore: %v", err)
	}
	feed := activity.NewFeed(activity.Config{}, nil)
	engine := rules.NewEngine(rules.Config{}, nil)
	if _, err := engine.SeedDefaults(context.Background()); err != nil {
		t.Fatalf("SeedDefaults: %v", err)
	}

	deps := &agents.Dependencies{
		Audit:       audit.NewTrailManager(audit.Config{}, nil),
		Rules:       engine,
		LLM:         provider,
		Profiles:    profiles,
		Activity:    feed,
		DataBreaker: resilience.NewBreaker("customer_data", 3, time.Second),
		LLMBreaker:  resilience.NewBreaker("inference", 3, time.Second),
	}

	orch := New(DefaultConfig(), deps)
	for _, a := range fleet {
		if err := orch.RegisterAgent(context.Background(), a, agents.DefaultAgentConfig()); err != nil {
			t.Fatalf("RegisterAgent(%s): %v", a.AgentID(), err)
		}
	}
	if err := orch.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = orch.Stop(ctx)
		_ = feed.Shutdown(ctx)
		_ = engine.Shutdown(ctx)
		_ = deps.Audit.Shutdown(ctx)
		_ = profiles.Close()
	})

	return &platformFixture{orch: orch, deps: deps}
}

// decide submits one event and waits for the single subscribed agent.
func (f *platformFixture) decide(t *testing.T, event *types.Event) *types.Decision {
	t.Helper()
	future, err := f.orch.Submit(context.Background(), event)
	require.NoError(t, err, "Submit(%s)", event.EventID)
	decisions := waitDecisions(t, future)
	require.Len(t, decisions, 1)
	return decisions[0]
}

func (f *platformFixture) trail(t *testing.T, decisionID string) *audit.Trail {
	t.Helper()
	trail, err := f.deps.Audit.GetDecisionAudit(context.Background(), decisionID)
	require.NoError(t, err, "GetDecisionAudit(%s)", decisionID)
	return trail
}

func trailStep(t *testing.T, trail *audit.Trail, stepType audit.StepType) *audit.Step {
	t.Helper()
	for _, s := range trail.Steps {
		if s.Type == stepType {
			return s
		}
	}
	t.Fatalf("trail has no %s step (have %d steps)", stepType, len(trail.Steps))
	return nil
}

func actionTypes(d *types.Decision) []string {
	out := make([]string, len(d.Actions))
	for i, a := range d.Actions {
		out[i] = a.ActionType
	}
	return out
}

// noonToday anchors synthetic transactions at 12:00 UTC so they sit inside
// the rolling history window without touching the late-night risk band.
func noonToday() time.Time {
	now := time.Now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 12, 0, 0, 0, time.UTC)
}

func paymentEvent(id, customerID string, amount float64, severity types.Severity, at time.Time, meta map[string]interface{}) *types.Event {
	m := map[string]interface{}{
		"customer_id":      customerID,
		"transaction_id":   "tx-" + id,
		"amount":           amount,
		"currency":         "EUR",
		"transaction_type": "WIRE_TRANSFER",
		"counterparty":     "Meridian Trading Ltd",
	}
	for k, v := range meta {
		m[k] = v
	}
	return &types.Event{
		EventID:     "evt-" + id,
		Type:        types.EventTransaction,
		Severity:    severity,
		Source:      types.EventSource{System: "core-banking", Type: "TRANSACTION_MONITOR", Origin: "payment-gateway"},
		Description: "wire transfer pending risk screening",
		Metadata:    m,
		OccurredAt:  at,
	}
}

func TestEndToEndRoutineTransactionIsApproved(t *testing.T) {
	provider := llm.NewStaticProvider("primary-model", "")
	provider.SetResponse("transaction_risk_assessment",
		`{"risk_score": 0.05, "risk_level": "LOW", "confidence": 0.85}`)
	f := newPlatformFixture(t, provider, agents.NewTransactionGuardian("guardian-e2e"))
	ctx := context.Background()
	noon := noonToday()

	require.NoError(t, f.deps.Profiles.SaveCustomerProfile(ctx, &agents.CustomerProfile{
		CustomerID:   "cust-routine",
		RiskCategory: "LOW",
		KYCVerified:  true,
		HomeCountry:  "DE",
		Metadata:     map[string]interface{}{"aml_status": "cleared", "daily_limit": 25000.0},
	}))
	for i := 0; i < 10; i++ {
		require.NoError(t, f.deps.Profiles.RecordTransaction(ctx, &agents.Transaction{
			TransactionID: fmt.Sprintf("routine-hist-%02d", i),
			CustomerID:    "cust-routine",
			Amount:        60,
			Currency:      "EUR",
			OccurredAt:    noon.Add(-2*time.Hour + time.Duration(i)*time.Minute),
		}))
	}

	decision := f.decide(t, paymentEvent("routine", "cust-routine", 50.0, types.SeverityLow, noon, nil))

	assert.Equal(t, types.DecisionApprove, decision.Type)
	assert.Equal(t, types.ConfidenceHigh, decision.Confidence)
	assert.Equal(t, "evt-routine", decision.EventID)
	assert.Equal(t, "guardian-e2e", decision.AgentID)
	assert.InDelta(t, 0.115, decision.RiskAssessment.RiskScore, 1e-9)
	assert.Equal(t, "LOW", decision.RiskAssessment.RiskLevel)
	require.Len(t, decision.Actions, 1)
	assert.Equal(t, "PROCESS", decision.Actions[0].ActionType)

	trail := f.trail(t, decision.DecisionID)
	assert.True(t, trail.Finalized)
	assert.Equal(t, "APPROVE", trail.FinalDecision)
	assert.False(t, trail.RequiresHumanReview)
	assert.Len(t, trail.Steps, 9)

	retrieval := trailStep(t, trail, audit.StepDataRetrieval)
	assert.Equal(t, true, retrieval.Output["profile_found"])
	assert.EqualValues(t, 10, retrieval.Output["history_count"])

	ruleStep := trailStep(t, trail, audit.StepRuleEvaluation)
	assert.Equal(t, false, ruleStep.Output["triggered"])
}

func TestEndToEndSanctionedDestinationIsDenied(t *testing.T) {
	provider := llm.NewStaticProvider("primary-model", "")
	provider.SetResponse("transaction_risk_assessment",
		`{"risk_score": 0.2, "risk_level": "MEDIUM", "confidence": 0.85}`)
	f := newPlatformFixture(t, provider, agents.NewTransactionGuardian("guardian-e2e"))

	// No profile on file: first contact with this customer.
	decision := f.decide(t, paymentEvent("embargo", "cust-embargo", 500.0, types.SeverityHigh, noonToday(),
		map[string]interface{}{"destination_country": "IR"}))

	assert.Equal(t, types.DecisionDeny, decision.Type)
	assert.Equal(t, types.ConfidenceHigh, decision.Confidence)
	assert.InDelta(t, 0.96, decision.RiskAssessment.RiskScore, 1e-9)
	assert.Equal(t, "HIGH", decision.RiskAssessment.RiskLevel)
	assert.Contains(t, actionTypes(decision), "BLOCK_TRANSACTION")
	assert.Contains(t, actionTypes(decision), "ALERT")
	require.NotEmpty(t, decision.Reasoning)
	assert.Equal(t, "compliance_block", decision.Reasoning[0].Factor)

	trail := f.trail(t, decision.DecisionID)
	assert.Equal(t, "DENY", trail.FinalDecision)

	pattern := trailStep(t, trail, audit.StepPatternAnalysis)
	assert.Equal(t, true, pattern.Output["blocked"])
	assert.Contains(t, pattern.Output["blocked_reason"], "sanctioned")

	ruleStep := trailStep(t, trail, audit.StepRuleEvaluation)
	assert.Equal(t, true, ruleStep.Output["triggered"])
	assert.Equal(t, "SYS-SANCTIONS-002", ruleStep.Output["rule_id"])
	assert.Equal(t, "DENY", ruleStep.Output["action"])
}

func TestEndToEndVelocitySpikeEscalates(t *testing.T) {
	// No inference provider: the decision rests on patterns and rules alone.
	f := newPlatformFixture(t, nil, agents.NewTransactionGuardian("guardian-e2e"))
	ctx := context.Background()
	noon := noonToday()

	require.NoError(t, f.deps.Profiles.SaveCustomerProfile(ctx, &agents.CustomerProfile{
		CustomerID:   "cust-burst",
		RiskCategory: "MEDIUM",
		KYCVerified:  true,
		Metadata:     map[string]interface{}{"aml_status": "cleared"},
	}))
	for i := 0; i < 25; i++ {
		at := noon.Add(time.Duration(-50+2*i) * time.Minute)
		require.NoError(t, f.deps.Profiles.RecordTransaction(ctx, &agents.Transaction{
			TransactionID: fmt.Sprintf("burst-hist-%02d", i),
			CustomerID:    "cust-burst",
			Amount:        200,
			Currency:      "EUR",
			OccurredAt:    at,
		}))
		f.deps.Profiles.ObserveVelocity(ctx, "cust-burst", at)
	}

	decision := f.decide(t, paymentEvent("burst", "cust-burst", 1500.0, types.SeverityLow, noon, nil))

	assert.Equal(t, types.DecisionEscalate, decision.Type)
	assert.Equal(t, types.ConfidenceVeryHigh, decision.Confidence)
	assert.InDelta(t, 0.7, decision.RiskAssessment.RiskScore, 1e-9)
	assert.GreaterOrEqual(t, decision.RiskAssessment.RiskScore, 0.6)
	assert.Contains(t, actionTypes(decision), "ESCALATE_TO_COMPLIANCE")
	assert.Contains(t, actionTypes(decision), "ALERT")

	trail := f.trail(t, decision.DecisionID)
	assert.Equal(t, "ESCALATE", trail.FinalDecision)
	assert.Len(t, trail.Steps, 8)

	pattern := trailStep(t, trail, audit.StepPatternAnalysis)
	assert.EqualValues(t, 26, pattern.Output["velocity"])
	assert.InDelta(t, 7.5, pattern.Output["velocity_ratio"], 1e-9)
	assert.Equal(t, false, pattern.Output["blocked"])

	ruleStep := trailStep(t, trail, audit.StepRuleEvaluation)
	assert.Equal(t, true, ruleStep.Output["triggered"])
	assert.Equal(t, "SYS-FRAUD-002", ruleStep.Output["rule_id"])
}

func TestEndToEndInferenceOutageDegradesConfidence(t *testing.T) {
	provider := llm.NewStaticProvider("primary-model", "")
	provider.SetResponse("transaction_risk_assessment",
		`{"risk_score": 0.05, "risk_level": "LOW", "confidence": 0.95}`)
	f := newPlatformFixture(t, provider, agents.NewTransactionGuardian("guardian-e2e"))
	ctx := context.Background()
	noon := noonToday()

	require.NoError(t, f.deps.Profiles.SaveCustomerProfile(ctx, &agents.CustomerProfile{
		CustomerID:   "cust-outage",
		RiskCategory: "LOW",
		KYCVerified:  true,
		Metadata:     map[string]interface{}{"aml_status": "cleared"},
	}))

	baseline := f.decide(t, paymentEvent("outage-0", "cust-outage", 100.0, types.SeverityLow, noon, nil))
	require.Equal(t, types.DecisionApprove, baseline.Type)
	require.Equal(t, types.ConfidenceVeryHigh, baseline.Confidence)
	healthy := trailStep(t, f.trail(t, baseline.DecisionID), audit.StepLLMInference)
	_, degraded := healthy.Metadata["status"]
	assert.False(t, degraded, "healthy inference step should carry no fallback marker")

	provider.SetError(errors.New("inference endpoint unreachable"))

	// Every decision during the outage still lands, one confidence bucket
	// below the healthy baseline, with the inference step marked fallback.
	for i := 1; i <= 4; i++ {
		decision := f.decide(t, paymentEvent(fmt.Sprintf("outage-%d", i), "cust-outage", 100.0, types.SeverityLow, noon, nil))
		assert.Equal(t, types.DecisionApprove, decision.Type, "event %d", i)
		assert.Equal(t, baseline.Confidence.Degrade(), decision.Confidence, "event %d", i)

		step := trailStep(t, f.trail(t, decision.DecisionID), audit.StepLLMInference)
		assert.Equal(t, "fallback", step.Metadata["status"], "event %d", i)
	}
}

func TestEndToEndBatchEvaluationMatchesSequential(t *testing.T) {
	engine := rules.NewEngine(rules.Config{}, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = engine.Shutdown(ctx)
	})
	ctx := context.Background()

	conditions := func() []rules.Condition {
		return []rules.Condition{
			{FieldPath: "amount", Operator: rules.OpGreaterThan, Value: 1000.0, Weight: 0.5},
			{FieldPath: "velocity.ratio", Operator: rules.OpGreaterThan, Value: 3.0, Weight: 0.5},
		}
	}
	ladder := []*rules.Rule{
		{RuleID: "R-FRAUD-040", Name: "Elevated amount or velocity", Category: rules.CategoryFraudDetection,
			Severity: "MEDIUM", Conditions: conditions(), Action: rules.ActionAlert, ThresholdScore: 0.4, Enabled: true},
		{RuleID: "R-FRAUD-060", Name: "Elevated amount and velocity", Category: rules.CategoryFraudDetection,
			Severity: "HIGH", Conditions: conditions(), Action: rules.ActionEscalate, ThresholdScore: 0.6, Enabled: true},
		{RuleID: "R-FRAUD-080", Name: "Severe combined pressure", Category: rules.CategoryFraudDetection,
			Severity: "CRITICAL", Conditions: conditions(), Action: rules.ActionDeny, ThresholdScore: 0.8, Enabled: true},
	}
	for _, r := range ladder {
		require.NoError(t, engine.CreateRule(ctx, r))
	}

	// Cycle through both conditions met, one met, none met.
	contexts := make([]rules.EntityContext, 50)
	for i := range contexts {
		amount, ratio := 100.0, 1.0
		switch i % 3 {
		case 0:
			amount, ratio = 5000.0, 8.0
		case 1:
			amount = 5000.0
		}
		contexts[i] = rules.EntityContext{
			EntityID:   fmt.Sprintf("tx-%03d", i),
			EntityType: "transaction",
			Data: map[string]interface{}{
				"amount":   amount,
				"velocity": map[string]interface{}{"ratio": ratio},
			},
		}
	}

	sequential := make([]*rules.RuleResult, len(contexts))
	triggered := 0
	for i, ec := range contexts {
		sequential[i] = engine.EvaluateEntity(ctx, ec)
		if sequential[i].Triggered {
			triggered++
		}
	}
	// Both conditions met triggers the whole ladder and reports the
	// lexicographically smallest rule of the tied top scores.
	require.True(t, sequential[0].Triggered)
	assert.Equal(t, "R-FRAUD-040", sequential[0].RuleID)
	require.True(t, sequential[1].Triggered)
	assert.Equal(t, "R-FRAUD-040", sequential[1].RuleID)
	require.False(t, sequential[2].Triggered)

	batch, err := engine.EvaluateBatch(ctx, contexts)
	require.NoError(t, err)
	assert.True(t, batch.Parallel)
	assert.Equal(t, len(contexts), batch.RulesEvaluated)
	assert.Equal(t, triggered, batch.RulesTriggered)
	require.Len(t, batch.Results, len(contexts))

	for i, got := range batch.Results {
		want := sequential[i]
		assert.Equal(t, contexts[i].EntityID, got.EntityID, "result %d out of order", i)
		assert.Equal(t, want.Triggered, got.Triggered, "entity %s", contexts[i].EntityID)
		assert.Equal(t, want.RuleID, got.RuleID, "entity %s", contexts[i].EntityID)
		assert.Equal(t, want.Action, got.Action, "entity %s", contexts[i].EntityID)
		assert.InDelta(t, want.Score, got.Score, 1e-9, "entity %s", contexts[i].EntityID)
	}
}

func TestEndToEndRegulatoryChangeReviewLoop(t *testing.T) {
	assessor := agents.NewRegulatoryAssessor("assessor-e2e")
	f := newPlatformFixture(t, nil, assessor)
	ctx := context.Background()

	event := &types.Event{
		EventID:     "evt-amld6",
		Type:        types.EventRegulatoryChange,
		Severity:    types.SeverityHigh,
		Source:      types.EventSource{System: "regwatch", Type: "REGULATORY_FEED", Origin: "eur-lex"},
		Description: "Amended transaction monitoring thresholds under AMLD6",
		Metadata: map[string]interface{}{
			"jurisdiction":   "EU",
			"regulation":     "AMLD6",
			"effective_date": time.Now().UTC().Add(20 * 24 * time.Hour).Format(time.RFC3339),
		},
		OccurredAt: time.Now().UTC(),
	}

	decision := f.decide(t, event)
	require.Equal(t, types.DecisionEscalate, decision.Type)
	assert.Contains(t, actionTypes(decision), "UPDATE_COMPLIANCE_POLICIES")

	trail := f.trail(t, decision.DecisionID)
	require.True(t, trail.RequiresHumanReview)
	assert.Contains(t, trail.HumanReviewReason, "regulatory assessments always require human review")
	assert.Equal(t, true, trailStep(t, trail, audit.StepRuleEvaluation).Output["triggered"])

	pending, err := f.deps.Audit.GetDecisionsRequiringReview(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, decision.DecisionID, pending[0].DecisionID)

	ok := f.deps.Audit.RecordHumanFeedback(ctx, decision.DecisionID,
		"Thresholds adopted into the monitoring rule set", true, "reviewer-7")
	require.True(t, ok)

	pending, err = f.deps.Audit.GetDecisionsRequiringReview(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	trail = f.trail(t, decision.DecisionID)
	assert.False(t, trail.RequiresHumanReview)
	feedback := trailStep(t, trail, audit.StepHumanFeedbackReceived)
	assert.Equal(t, "Thresholds adopted into the monitoring rule set", feedback.Input["feedback"])
	assert.Equal(t, "reviewer-7", feedback.Input["reviewer_id"])
	assert.Equal(t, true, feedback.Metadata["approved"])

	changes := assessor.MonitoredChanges()
	require.Len(t, changes, 1)
	assert.True(t, changes[0].HighImpact)
}

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
	"errors"
	"fmt"
	"strings"
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
	"github.com/gaigenticai/regulens/shared/workqueue"
)

// guardianWork pairs one transaction event with its caller's reply slot.
// The reply channel is buffered so an abandoned caller never blocks the
// processing loop.
type guardianWork struct {
	event *types.Event
	reply chan *types.Decision
}

// TransactionGuardian judges financial transactions. Transactions enter a
// bounded FIFO queue and a single processing loop drains them in arrival
// order, so per-customer velocity and rolling risk always observe a
// consistent history.
type TransactionGuardian struct {
	id   string
	log  *logger.Logger
	cfg  AgentConfig
	deps *Dependencies
	pipe *Pipeline

	queue *workqueue.Queue[guardianWork]

	lifeCtx    context.Context
	lifeCancel context.CancelFunc
	wg         sync.WaitGroup
	closeOnce  sync.Once

	processed atomic.Int64
	approved  atomic.Int64
	monitored atomic.Int64
	escalated atomic.Int64
	denied    atomic.Int64
	rejected  atomic.Int64
}

// NewTransactionGuardian creates a guardian instance. The instance name
// identifies this process in audit trails; empty defaults to
// "transaction-guardian-1".
func NewTransactionGuardian(instance string) *TransactionGuardian {
	if instance == "" {
		instance = "transaction-guardian-1"
	}
	return &TransactionGuardian{
		id:  instance,
		log: logger.New("guardian"),
	}
}

// AgentID returns the instance identifier.
func (g *TransactionGuardian) AgentID() string { return g.id }

// AgentType returns TRANSACTION_GUARDIAN.
func (g *TransactionGuardian) AgentType() string { return TypeTransactionGuardian }

// EventTypes subscribes the guardian to transaction events.
func (g *TransactionGuardian) EventTypes() []types.EventType {
	return []types.EventType{types.EventTransaction}
}

// Initialize wires dependencies, builds the pipeline, and starts the
// processing loop.
func (g *TransactionGuardian) Initialize(ctx context.Context, deps *Dependencies, cfg AgentConfig) error {
	if deps == nil || deps.Audit == nil {
		return errs.Validation("guardian", "Initialize", "audit trail manager is required", nil)
	}
	if deps.Profiles == nil {
		return errs.Validation("guardian", "Initialize", "profile store is required", nil)
	}

	loaded, err := LoadAgentConfig(ctx, deps.Store, TypeTransactionGuardian, cfg)
	if err != nil {
		g.log.Warn("", "", "stored configuration unavailable, using defaults", map[string]interface{}{
			"error": err.Error(),
		})
	}
	g.cfg = loaded
	g.deps = deps
	g.pipe = NewPipeline(TypeTransactionGuardian, g.id, &g.cfg, deps, g.buildSteps(), g.policy)
	g.queue = workqueue.NewQueue[guardianWork](g.cfg.GuardianQueueCapacity)
	g.lifeCtx, g.lifeCancel = context.WithCancel(context.Background())

	g.wg.Add(1)
	go g.drain()

	g.log.Info("", "", "transaction guardian initialized", map[string]interface{}{
		"instance":        g.id,
		"queue_capacity":  g.cfg.GuardianQueueCapacity,
		"fraud_threshold": g.cfg.FraudThreshold,
	})
	return nil
}

// OnEvent enqueues one transaction and waits for its decision. A full queue
// is backpressure the caller must handle; a canceled wait leaves the
// transaction in the queue, where the loop will still decide and audit it.
func (g *TransactionGuardian) OnEvent(ctx context.Context, event *types.Event) (*types.Decision, error) {
	if event == nil {
		return nil, errs.Validation("guardian", "OnEvent", "event is required", nil)
	}
	if err := event.Validate(); err != nil {
		return nil, errs.Validation("guardian", "OnEvent", "invalid event", err)
	}
	if event.Type != types.EventTransaction {
		return nil, errs.Validation("guardian", "OnEvent", "guardian only judges TRANSACTION events, got "+string(event.Type), nil)
	}

	work := guardianWork{event: event, reply: make(chan *types.Decision, 1)}
	if !g.queue.TryPush(work) {
		g.rejected.Add(1)
		return nil, errs.Backpressure("guardian", "OnEvent",
			fmt.Sprintf("transaction queue is full (%d/%d)", g.queue.Len(), g.queue.Cap()), nil)
	}

	select {
	case decision := <-work.reply:
		return decision, nil
	case <-ctx.Done():
		return nil, errs.Timeout("guardian", "OnEvent", "caller gave up before the transaction was processed", ctx.Err())
	}
}

// drain is the single processing loop: strict FIFO, one pipeline run at a
// time.
func (g *TransactionGuardian) drain() {
	defer g.wg.Done()
	for {
		work, ok := g.queue.Pop()
		if !ok {
			return
		}
		decision := g.pipe.Execute(g.lifeCtx, work.event)
		g.afterDecision(work.event, decision)
		work.reply <- decision
	}
}

// Shutdown stops intake, lets queued transactions finish within the caller's
// grace window, then cancels whatever is still in flight so those trails
// seal with an interruption step.
func (g *TransactionGuardian) Shutdown(ctx context.Context) error {
	g.closeOnce.Do(func() { g.queue.Close() })

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		g.log.Warn("", "", "grace window expired, interrupting in-flight transactions", map[string]interface{}{
			"queued": g.queue.Len(),
		})
		g.lifeCancel()
		<-done
	}
	g.lifeCancel()
	return nil
}

// GetStats reports counters for the status surface.
func (g *TransactionGuardian) GetStats() map[string]interface{} {
	stats := map[string]interface{}{
		"processed": g.processed.Load(),
		"approved":  g.approved.Load(),
		"monitored": g.monitored.Load(),
		"escalated": g.escalated.Load(),
		"denied":    g.denied.Load(),
		"rejected":  g.rejected.Load(),
	}
	if g.queue != nil {
		stats["queue_depth"] = g.queue.Len()
	}
	return stats
}

// buildSteps assembles the pipeline. Pattern analysis runs before rule
// evaluation so velocity counters are available to velocity conditions.
func (g *TransactionGuardian) buildSteps() []StepSpec {
	steps := []StepSpec{
		g.dataRetrievalStep(),
		g.patternAnalysisStep(),
		g.ruleEvaluationStep(),
		g.knowledgeQueryStep(),
	}
	if g.deps.LLM != nil {
		steps = append(steps, g.llmInferenceStep())
	}
	steps = append(steps, g.riskAssessmentStep(), ConfidenceStep())
	return steps
}

// guardianData is what DATA_RETRIEVAL loads behind the breaker.
type guardianData struct {
	profile *CustomerProfile
	history []Transaction
}

func (g *TransactionGuardian) dataRetrievalStep() StepSpec {
	return StepSpec{
		Type: audit.StepDataRetrieval,
		Input: func(run *Run) map[string]interface{} {
			return map[string]interface{}{
				"customer_id":    run.Event.MetaString("customer_id"),
				"transaction_id": run.Event.MetaString("transaction_id"),
			}
		},
		Run: func(ctx context.Context, run *Run) (*StepOutcome, error) {
			tx, missing := transactionFromEvent(run.Event)
			run.Transaction = tx
			run.DataQuality = 1.0
			if len(missing) > 0 {
				run.DataQuality = 0.7
			}

			if tx.CustomerID == "" {
				run.DataQuality = 0.6
				return &StepOutcome{
					Description: "Transaction carries no customer identifier, judging on event data alone",
					Output: map[string]interface{}{
						"missing_fields": missing,
						"data_quality":   run.DataQuality,
						"source":         "inferred",
					},
				}, nil
			}

			data, _, err := resilience.Do(ctx, g.deps.DataBreaker, func(ctx context.Context) (guardianData, error) {
				profile, perr := g.deps.Profiles.GetCustomerProfile(ctx, tx.CustomerID)
				if perr != nil && !errors.Is(perr, ErrProfileNotFound) {
					return guardianData{}, perr
				}
				history, herr := g.deps.Profiles.RecentTransactions(ctx, tx.CustomerID, time.Now().Add(-g.cfg.HistoryWindow()), 200)
				if herr != nil {
					return guardianData{}, herr
				}
				if rerr := g.deps.Profiles.RecordTransaction(ctx, tx); rerr != nil {
					return guardianData{}, rerr
				}
				return guardianData{profile: profile, history: history}, nil
			}, func(error) guardianData { return guardianData{} })
			if err != nil {
				return nil, err
			}

			run.Profile = data.profile
			run.History = data.history
			if rolling, ok := g.deps.Profiles.RollingRisk(ctx, tx.CustomerID); ok {
				run.HistoricalRisk = rolling
			}

			quality := run.DataQuality
			if data.profile == nil {
				// First contact with this customer.
				quality *= 0.9
			}
			run.DataQuality = quality

			return &StepOutcome{
				Description: "Loaded customer profile and transaction history",
				Output: map[string]interface{}{
					"profile_found":  data.profile != nil,
					"history_count":  len(data.history),
					"rolling_risk":   run.HistoricalRisk,
					"missing_fields": missing,
					"data_quality":   quality,
					"source":         "primary_db",
				},
			}, nil
		},
		Fallback: func(run *Run, cause error) *StepOutcome {
			customerID := ""
			if run.Transaction != nil {
				customerID = run.Transaction.CustomerID
			}
			run.Profile = fallbackProfile(customerID)
			run.History = nil
			run.DataQuality = 0.5
			return &StepOutcome{
				Description: "Customer data unavailable, substituted a conservative fallback profile",
				Output: map[string]interface{}{
					"profile_found": false,
					"data_quality":  0.5,
					"source":        "inferred",
				},
			}
		},
	}
}

func (g *TransactionGuardian) ruleEvaluationStep() StepSpec {
	return StepSpec{
		Type: audit.StepRuleEvaluation,
		Input: func(run *Run) map[string]interface{} {
			return map[string]interface{}{"entity_type": "transaction"}
		},
		Run: func(ctx context.Context, run *Run) (*StepOutcome, error) {
			if g.deps.Rules == nil {
				return nil, errs.Internal("guardian", "ruleEvaluation", "rule engine is not wired", nil)
			}
			result := g.deps.Rules.EvaluateEntity(ctx, rules.EntityContext{
				EntityID:   run.Transaction.TransactionID,
				EntityType: "transaction",
				Data:       g.ruleData(run),
			})
			run.RuleResult = result

			output := map[string]interface{}{
				"triggered": result.Triggered,
				"action":    string(result.Action),
			}
			if result.Triggered {
				output["rule_id"] = result.RuleID
				output["rule_name"] = result.RuleName
				output["rule_score"] = result.Score
			}
			return &StepOutcome{
				Description: "Evaluated compliance rules against the transaction",
				Output:      output,
			}, nil
		},
		Fallback: func(run *Run, cause error) *StepOutcome {
			run.RuleResult = nil
			return &StepOutcome{
				Description: "Rule evaluation unavailable, proceeding without rule findings",
				Output:      map[string]interface{}{"triggered": false, "action": string(rules.ActionNone)},
			}
		},
	}
}

func (g *TransactionGuardian) patternAnalysisStep() StepSpec {
	return StepSpec{
		Type: audit.StepPatternAnalysis,
		Input: func(run *Run) map[string]interface{} {
			return map[string]interface{}{
				"window_seconds": g.cfg.VelocityWindowSeconds,
				"history_count":  len(run.History),
			}
		},
		Run: func(ctx context.Context, run *Run) (*StepOutcome, error) {
			tx := run.Transaction

			if tx.CustomerID != "" {
				run.Velocity = g.deps.Profiles.ObserveVelocity(ctx, tx.CustomerID, tx.OccurredAt)
			} else {
				run.Velocity = 1
			}

			if mean := meanAmount(run.History); mean > 0 {
				run.VelocityRatio = tx.Amount / mean
			}
			switch {
			case run.VelocityRatio >= g.cfg.VelocityRatioCritical:
				run.VelocityRisk = g.cfg.VelocityRatioRiskCritical
			case run.VelocityRatio >= g.cfg.VelocityRatioHigh:
				run.VelocityRisk = g.cfg.VelocityRatioRiskHigh
			case run.VelocityRatio >= g.cfg.VelocityRatioModerate:
				run.VelocityRisk = g.cfg.VelocityRatioRiskModerate
			}

			g.applyComplianceChecks(run)

			return &StepOutcome{
				Description: "Analyzed velocity and compliance standing",
				Output: map[string]interface{}{
					"velocity":       run.Velocity,
					"velocity_ratio": run.VelocityRatio,
					"velocity_risk":  run.VelocityRisk,
					"blocked":        run.Blocked,
					"blocked_reason": run.BlockedReason,
					"sample_size":    len(run.History),
				},
			}, nil
		},
		Fallback: func(run *Run, cause error) *StepOutcome {
			// Without velocity data, assume moderate pressure rather than none.
			run.VelocityRisk = g.cfg.VelocityRatioRiskModerate
			return &StepOutcome{
				Description: "Pattern analysis unavailable, assuming moderate velocity pressure",
				Output: map[string]interface{}{
					"velocity_risk": run.VelocityRisk,
					"sample_size":   0,
				},
			}
		},
	}
}

// applyComplianceChecks enforces the hard blocks: AML standing, daily
// limits, and sanctions. A sanctioned counterparty is rejected outright.
func (g *TransactionGuardian) applyComplianceChecks(run *Run) {
	tx := run.Transaction

	if sanctioned := g.cfg.SanctionedCountrySet(); sanctioned[strings.ToUpper(tx.CounterpartyCountry)] {
		run.Blocked = true
		run.BlockedReason = "counterparty country " + tx.CounterpartyCountry + " is sanctioned"
		return
	}
	if run.Profile == nil {
		return
	}
	if run.Profile.Sanctioned {
		run.Blocked = true
		run.BlockedReason = "customer is on a sanctions list"
		return
	}
	switch run.Profile.AMLStatus() {
	case "BLOCKED", "HIGH_RISK":
		run.Blocked = true
		run.BlockedReason = "customer AML status is " + run.Profile.AMLStatus()
		return
	}
	if limit := run.Profile.DailyLimit(); limit > 0 && tx.Amount > limit {
		run.Blocked = true
		run.BlockedReason = fmt.Sprintf("amount %.2f exceeds the daily limit %.2f", tx.Amount, limit)
	}
}

func (g *TransactionGuardian) knowledgeQueryStep() StepSpec {
	return StepSpec{
		Type: audit.StepKnowledgeQuery,
		Run: func(ctx context.Context, run *Run) (*StepOutcome, error) {
			trails, err := g.deps.Audit.FindSimilarTrails(ctx, TypeTransactionGuardian, time.Now().Add(-g.cfg.HistoryWindow()), g.cfg.SimilarityTopN)
			if err != nil {
				return nil, err
			}
			run.SimilarTrails = trails
			return &StepOutcome{
				Description: "Queried recent guardian decisions for precedent",
				Output: map[string]interface{}{
					"similar_count": len(trails),
					"source":        "primary_db",
				},
			}, nil
		},
		Fallback: func(run *Run, cause error) *StepOutcome {
			run.SimilarTrails = nil
			return &StepOutcome{
				Description: "Precedent lookup unavailable, judging without history",
				Output:      map[string]interface{}{"similar_count": 0},
			}
		},
	}
}

func (g *TransactionGuardian) llmInferenceStep() StepSpec {
	return StepSpec{
		Type:        audit.StepLLMInference,
		LLMDeadline: true,
		Input: func(run *Run) map[string]interface{} {
			return map[string]interface{}{"provider": g.deps.LLM.Name()}
		},
		Run: func(ctx context.Context, run *Run) (*StepOutcome, error) {
			payload := map[string]interface{}{
				"description":    run.Event.Description,
				"amount":         run.Transaction.Amount,
				"currency":       run.Transaction.Currency,
				"velocity":       run.Velocity,
				"velocity_ratio": run.VelocityRatio,
			}
			if run.Profile != nil {
				payload["customer_risk_category"] = run.Profile.RiskCategory
				payload["kyc_verified"] = run.Profile.KYCVerified
			}
			if run.RuleResult != nil && run.RuleResult.Triggered {
				payload["rule_finding"] = run.RuleResult.RuleName
			}

			response, _, err := resilience.Do(ctx, g.deps.LLMBreaker, func(ctx context.Context) (string, error) {
				return g.deps.LLM.ComplexReasoningTask(ctx, "transaction_risk_assessment", payload, []string{
					"Evaluate the transaction against the customer's profile and history",
					"Weigh velocity pressure and rule findings",
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
				Description: "Model assessed the transaction in context",
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

func (g *TransactionGuardian) riskAssessmentStep() StepSpec {
	return StepSpec{
		Type: audit.StepRiskAssessment,
		Input: func(run *Run) map[string]interface{} {
			return map[string]interface{}{
				"velocity":        run.Velocity,
				"historical_risk": run.HistoricalRisk,
				"llm_ran":         run.LLMRan,
			}
		},
		Run: func(_ context.Context, run *Run) (*StepOutcome, error) {
			var adjustments []RiskAdjustment
			if run.VelocityRisk > 0 {
				adjustments = append(adjustments, RiskAdjustment{
					Factor: "velocity_ratio",
					Value:  run.VelocityRisk,
					Reason: fmt.Sprintf("amount is %.1fx the recent mean", run.VelocityRatio),
				})
			}
			contextRisk := 0.0
			if run.LLMRan {
				contextRisk = run.LLMRisk.RiskScore
			}

			score, reasons := ComposeRisk(&g.cfg, RiskInput{
				Event:          run.Event,
				Transaction:    run.Transaction,
				Profile:        run.Profile,
				Velocity:       run.Velocity,
				HistoricalRisk: run.HistoricalRisk,
				ContextRisk:    contextRisk,
				Adjustments:    adjustments,
			})
			run.RiskScore = score
			run.RiskReasoning = reasons
			run.RiskFactors = FactorStrings(reasons)

			return &StepOutcome{
				Description: "Composed the transaction risk score",
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

// policy maps the composed risk, rule findings, and compliance blocks onto
// the guardian's decision ladder.
func (g *TransactionGuardian) policy(run *Run) (*types.Decision, []string) {
	var (
		decisionType types.DecisionType
		alternatives []string
	)
	fraudSuspicious := ruleSuspicious(run.RuleResult)

	switch {
	case run.Blocked || run.RiskScore >= g.cfg.FraudThreshold:
		decisionType = types.DecisionDeny
		alternatives = []string{string(types.DecisionEscalate), string(types.DecisionMonitor)}
	case run.RiskScore >= g.cfg.HighRiskThreshold || fraudSuspicious:
		decisionType = types.DecisionEscalate
		alternatives = []string{string(types.DecisionDeny), string(types.DecisionMonitor)}
	case run.RiskScore >= g.cfg.VelocityThreshold:
		decisionType = types.DecisionMonitor
		alternatives = []string{string(types.DecisionApprove), string(types.DecisionEscalate)}
	default:
		decisionType = types.DecisionApprove
		alternatives = []string{string(types.DecisionMonitor)}
	}

	reasoning := make([]types.Reasoning, 0, len(run.RiskReasoning)+2)
	if run.Blocked {
		reasoning = append(reasoning, types.Reasoning{
			Factor:   "compliance_block",
			Evidence: run.BlockedReason,
			Weight:   1.0,
			Source:   "compliance_checks",
		})
	}
	if run.RuleResult != nil && run.RuleResult.Triggered {
		reasoning = append(reasoning, types.Reasoning{
			Factor:   "rule_match",
			Evidence: fmt.Sprintf("rule %q scored %.2f with action %s", run.RuleResult.RuleName, run.RuleResult.Score, run.RuleResult.Action),
			Weight:   run.RuleResult.Score,
			Source:   "rule_engine",
		})
	}
	reasoning = append(reasoning, run.RiskReasoning...)

	return &types.Decision{
		Type:       decisionType,
		Reasoning:  reasoning,
		Actions:    g.actionsFor(decisionType, run),
		Confidence: run.Confidence,
	}, alternatives
}

func (g *TransactionGuardian) actionsFor(decisionType types.DecisionType, run *Run) []types.Action {
	params := map[string]interface{}{
		"transaction_id": run.Transaction.TransactionID,
		"customer_id":    run.Transaction.CustomerID,
	}
	var actions []types.Action
	switch decisionType {
	case types.DecisionDeny:
		actions = append(actions,
			types.Action{
				ActionType:  "BLOCK_TRANSACTION",
				Description: "Block the transaction before settlement",
				Priority:    "CRITICAL",
				Parameters:  params,
			},
			types.Action{
				ActionType:  "ALERT",
				Description: "Notify the compliance team of the blocked transaction",
				Priority:    "HIGH",
				Parameters:  params,
			})
	case types.DecisionEscalate:
		actions = append(actions, types.Action{
			ActionType:  "ESCALATE_TO_COMPLIANCE",
			Description: "Route the transaction to a compliance analyst",
			Priority:    "HIGH",
			Deadline:    time.Now().Add(4 * time.Hour),
			Parameters:  params,
		})
	case types.DecisionMonitor:
		actions = append(actions, types.Action{
			ActionType:  "MONITOR",
			Description: "Add the customer to enhanced monitoring",
			Priority:    "MEDIUM",
			Parameters:  params,
		})
	case types.DecisionApprove:
		actions = append(actions, types.Action{
			ActionType:  "PROCESS",
			Description: "Process the transaction normally",
			Priority:    "LOW",
			Parameters:  params,
		})
	}
	if run.RuleResult != nil && run.RuleResult.Triggered && run.RuleResult.Action != rules.ActionNone {
		actions = append(actions, types.Action{
			ActionType:  string(run.RuleResult.Action),
			Description: "Recommended by rule " + run.RuleResult.RuleName,
			Priority:    "HIGH",
			Parameters:  map[string]interface{}{"rule_id": run.RuleResult.RuleID},
		})
	}
	return actions
}

// afterDecision applies the side effects of one finalized decision: the
// rolling risk EMA, the persisted assessment record, the suspicious
// transaction signal, and the operator feed.
func (g *TransactionGuardian) afterDecision(event *types.Event, decision *types.Decision) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	customerID := event.MetaString("customer_id")
	transactionID := event.MetaString("transaction_id")
	if transactionID == "" {
		transactionID = event.EventID
	}
	amount, _ := event.MetaFloat("amount")
	risk := decision.RiskAssessment.RiskScore

	rolling := risk
	if customerID != "" {
		rolling = g.deps.Profiles.UpdateRollingRisk(ctx, customerID, risk, g.cfg.EMACurrentWeight, g.cfg.EMANewWeight)
	}

	record := &RiskRecord{
		TransactionID:    transactionID,
		CustomerID:       customerID,
		RiskScore:        risk,
		RiskLevel:        decision.RiskAssessment.RiskLevel,
		RollingRiskScore: rolling,
		Decision:         string(decision.Type),
		Factors: map[string]interface{}{
			"risk_factors": decision.RiskAssessment.RiskFactors,
			"amount":       amount,
			"decision_id":  decision.DecisionID,
		},
	}
	if err := g.deps.Profiles.SaveRiskAssessment(ctx, record); err != nil {
		g.log.ErrorWithErr(event.EventID, decision.DecisionID, "failed to persist risk assessment", err, map[string]interface{}{
			"transaction_id": transactionID,
		})
	}

	g.processed.Add(1)
	switch decision.Type {
	case types.DecisionApprove:
		g.approved.Add(1)
	case types.DecisionMonitor:
		g.monitored.Add(1)
	case types.DecisionEscalate:
		g.escalated.Add(1)
	case types.DecisionDeny:
		g.denied.Add(1)
	}

	if decision.Type == types.DecisionDeny || decision.Type == types.DecisionEscalate {
		g.deps.emitDerived(&types.Event{
			EventID:  uuid.NewString(),
			Type:     types.EventComplianceSignal,
			Severity: types.SeverityHigh,
			Source: types.EventSource{
				System: "regulens",
				Type:   "SUSPICIOUS_TRANSACTION",
				Origin: g.id,
			},
			Description: fmt.Sprintf("Suspicious transaction %s: %s at risk %.2f", transactionID, decision.Type, risk),
			Metadata: map[string]interface{}{
				"customer_id":        customerID,
				"transaction_id":     transactionID,
				"amount":             amount,
				"origin_event_id":    event.EventID,
				"origin_decision_id": decision.DecisionID,
			},
			OccurredAt: time.Now().UTC(),
		})
	}

	g.deps.recordActivity(activity.Activity{
		AgentType:   TypeTransactionGuardian,
		Type:        "TRANSACTION_DECISION",
		Severity:    decision.RiskAssessment.RiskLevel,
		Description: fmt.Sprintf("%s transaction %s (risk %.2f)", decision.Type, transactionID, risk),
		Details: map[string]interface{}{
			"decision_id": decision.DecisionID,
			"customer_id": customerID,
			"confidence":  string(decision.Confidence),
		},
	})
}

// ruleData flattens the run into the entity data rules evaluate against:
// transaction fields at the top level, customer attributes under "customer.",
// velocity counters under "velocity.".
func (g *TransactionGuardian) ruleData(run *Run) map[string]interface{} {
	tx := run.Transaction
	data := map[string]interface{}{
		"amount":               tx.Amount,
		"currency":             tx.Currency,
		"transaction_type":     tx.TransactionType,
		"counterparty":         tx.Counterparty,
		"counterparty_country": tx.CounterpartyCountry,
		"event_type":           string(run.Event.Type),
		"severity":             string(run.Event.Severity),
		"description":          run.Event.Description,
		"velocity": map[string]interface{}{
			"count_1h":  run.Velocity,
			"count_24h": len(run.History),
			"ratio":     run.VelocityRatio,
		},
	}
	if run.Profile != nil {
		data["customer"] = map[string]interface{}{
			"id":            run.Profile.CustomerID,
			"risk_category": run.Profile.RiskCategory,
			"kyc_verified":  run.Profile.KYCVerified,
			"sanctioned":    run.Profile.Sanctioned,
			"home_country":  run.Profile.HomeCountry,
		}
	}
	return data
}

// ruleSuspicious reports whether a triggered rule demands attention.
func ruleSuspicious(result *rules.RuleResult) bool {
	if result == nil || !result.Triggered {
		return false
	}
	switch result.Action {
	case rules.ActionDeny, rules.ActionEscalate, rules.ActionAlert, rules.ActionQuarantine:
		return true
	}
	return false
}

// transactionFromEvent builds the transaction view of an event and lists
// the fields the event failed to carry.
func transactionFromEvent(event *types.Event) (*Transaction, []string) {
	var missing []string

	amount, ok := event.MetaFloat("amount")
	if !ok {
		missing = append(missing, "amount")
	}
	customerID := event.MetaString("customer_id")
	if customerID == "" {
		missing = append(missing, "customer_id")
	}
	transactionID := event.MetaString("transaction_id")
	if transactionID == "" {
		transactionID = event.EventID
	}
	occurred := event.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now().UTC()
	}
	country := event.MetaString("counterparty_country")
	if country == "" {
		country = event.MetaString("destination_country")
	}

	return &Transaction{
		TransactionID:       transactionID,
		CustomerID:          customerID,
		Amount:              amount,
		Currency:            event.MetaString("currency"),
		TransactionType:     event.MetaString("transaction_type"),
		Counterparty:        event.MetaString("counterparty"),
		CounterpartyCountry: country,
		Metadata:            event.Metadata,
		OccurredAt:          occurred,
	}, missing
}

// fallbackProfile is the conservative stand-in used when customer data
// cannot be read: treat the customer as high risk and unverified.
func fallbackProfile(customerID string) *CustomerProfile {
	return &CustomerProfile{
		CustomerID:   customerID,
		RiskCategory: "HIGH",
		KYCVerified:  false,
	}
}

func meanAmount(history []Transaction) float64 {
	if len(history) == 0 {
		return 0
	}
	var sum float64
	for _, tx := range history {
		sum += tx.Amount
	}
	return sum / float64(len(history))
}

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

// Package orchestrator owns the compliance agent fleet: it routes inbound
// events to the agents subscribed to their type, bounds concurrency with one
// queue and worker pool per agent, converts agent faults into conservative
// decisions, and serves the HTTP API.
//
// The orchestrator is the root of the ownership tree. Every shared service
// (store, audit manager, rule engine, LLM provider, activity feed, breakers)
// is constructed once in Run and handed to agents as a non-owning handle via
// agents.Dependencies.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/gaigenticai/regulens/activity"
	"github.com/gaigenticai/regulens/agents"
	"github.com/gaigenticai/regulens/shared/errs"
	"github.com/gaigenticai/regulens/shared/logger"
	"github.com/gaigenticai/regulens/shared/types"
	"github.com/gaigenticai/regulens/shared/workqueue"
)

// Orchestrator lifecycle states.
const (
	stateNew = iota
	stateRunning
	stateStopped
)

// Status is the read-only lifecycle snapshot carried on GET /api/v1/status.
type Status struct {
	ActiveAgents   int `json:"active_agents"`
	InFlightEvents int `json:"in_flight_events"`
	QueueDepth     int `json:"queue_depth"`
}

// submission is one unit of agent work: one event bound to one agent, with
// the future the caller is waiting on.
type submission struct {
	event      *types.Event
	future     *DecisionFuture
	reg        *registration
	enqueuedAt time.Time
}

// registration binds one agent to its queue, pool, and fault policy.
type registration struct {
	agent       agents.ComplianceAgent
	queue       *workqueue.Queue[*submission]
	pool        *workqueue.Pool[*submission]
	faultPolicy types.DecisionType
}

// DecisionFuture resolves to the decisions of every agent an event fanned
// out to. Branches that decline the event (validation refusals) complete
// without contributing a decision.
type DecisionFuture struct {
	eventID string
	done    chan struct{}

	mu        sync.Mutex
	pending   int
	decisions []*types.Decision
}

func newDecisionFuture(eventID string, branches int) *DecisionFuture {
	return &DecisionFuture{
		eventID: eventID,
		done:    make(chan struct{}),
		pending: branches,
	}
}

// EventID returns the event this future tracks.
func (f *DecisionFuture) EventID() string {
	return f.eventID
}

// Done is closed once every fan-out branch has completed.
func (f *DecisionFuture) Done() <-chan struct{} {
	return f.done
}

// resolve completes one branch. A nil decision marks a declined branch.
func (f *DecisionFuture) resolve(d *types.Decision) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pending == 0 {
		return
	}
	if d != nil {
		f.decisions = append(f.decisions, d)
	}
	f.pending--
	if f.pending == 0 {
		close(f.done)
	}
}

// Wait blocks until every branch completes or ctx expires. On expiry the
// work keeps running; the decisions land in the audit trail regardless.
func (f *DecisionFuture) Wait(ctx context.Context) ([]*types.Decision, error) {
	select {
	case <-f.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		return append([]*types.Decision(nil), f.decisions...), nil
	case <-ctx.Done():
		return nil, errs.Timeout("orchestrator", "Wait",
			"caller gave up before all agents decided on event "+f.eventID, ctx.Err())
	}
}

// AgentOrchestrator routes events to registered agents through bounded
// per-agent queues and fixed worker pools.
type AgentOrchestrator struct {
	cfg     Config
	log     *logger.Logger
	deps    *agents.Dependencies
	metrics *MetricsCollector

	mu       sync.Mutex
	state    int
	registry map[string]*registration
	// byType preserves registration order, so any two subscriber lists
	// order shared queues consistently. TryPushAll depends on that single
	// process-wide order to stay deadlock-free.
	byType map[types.EventType][]*registration

	lifeCtx context.Context
	cancel  context.CancelFunc

	submitted atomic.Int64
	decisions atomic.Int64
	declined  atomic.Int64
	faults    atomic.Int64
	rejected  atomic.Int64
}

// New creates an orchestrator around the shared dependency set. Derived
// events emitted by agents are wired back into Submit.
func New(cfg Config, deps *agents.Dependencies) *AgentOrchestrator {
	cfg.normalize()
	if deps == nil {
		deps = &agents.Dependencies{}
	}
	o := &AgentOrchestrator{
		cfg:      cfg,
		log:      logger.New("orchestrator"),
		deps:     deps,
		metrics:  NewMetricsCollector(),
		registry: make(map[string]*registration),
		byType:   make(map[types.EventType][]*registration),
	}
	if deps.EmitEvent == nil {
		deps.EmitEvent = o.emitDerived
	}
	return o
}

// Metrics returns the in-process collector backing the stats endpoint.
func (o *AgentOrchestrator) Metrics() *MetricsCollector {
	return o.metrics
}

// RegisterAgent initializes the agent and binds it to its event types.
// Registration is only valid before Start.
func (o *AgentOrchestrator) RegisterAgent(ctx context.Context, agent agents.ComplianceAgent, cfg agents.AgentConfig) error {
	if agent == nil {
		return errs.Validation("orchestrator", "RegisterAgent", "agent is required", nil)
	}

	o.mu.Lock()
	if o.state != stateNew {
		o.mu.Unlock()
		return errs.Validation("orchestrator", "RegisterAgent",
			"agents must be registered before Start", nil)
	}
	if _, dup := o.registry[agent.AgentID()]; dup {
		o.mu.Unlock()
		return errs.Validation("orchestrator", "RegisterAgent",
			"agent "+agent.AgentID()+" is already registered", nil)
	}
	o.mu.Unlock()

	eventTypes := agent.EventTypes()
	if len(eventTypes) == 0 {
		return errs.Validation("orchestrator", "RegisterAgent",
			"agent "+agent.AgentID()+" subscribes to no event types", nil)
	}

	if err := agent.Initialize(ctx, o.deps, cfg); err != nil {
		return err
	}

	queue := workqueue.NewQueue[*submission](o.cfg.QueueCapacity)
	reg := &registration{
		agent:       agent,
		queue:       queue,
		faultPolicy: o.faultPolicyFor(agent.AgentType()),
	}
	reg.pool = workqueue.NewPool(strings.ToLower(agent.AgentType()), queue,
		o.cfg.WorkersPerAgent, o.process, o.recovered)

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != stateNew {
		queue.Close()
		return errs.Validation("orchestrator", "RegisterAgent",
			"agents must be registered before Start", nil)
	}
	o.registry[agent.AgentID()] = reg
	for _, et := range eventTypes {
		o.byType[et] = append(o.byType[et], reg)
	}

	o.log.Info("", "", "Agent registered", map[string]interface{}{
		"agent_id":     agent.AgentID(),
		"agent_type":   agent.AgentType(),
		"event_types":  len(eventTypes),
		"queue_cap":    o.cfg.QueueCapacity,
		"workers":      o.cfg.WorkersPerAgent,
		"fault_policy": string(reg.faultPolicy),
	})
	return nil
}

// faultPolicyFor resolves the configured fault decision for one agent type.
// Anything other than DENY or ESCALATE falls back to MONITOR.
func (o *AgentOrchestrator) faultPolicyFor(agentType string) types.DecisionType {
	raw, ok := o.cfg.FaultPolicies[agentType]
	if !ok {
		return types.DecisionMonitor
	}
	switch policy := types.DecisionType(strings.ToUpper(raw)); policy {
	case types.DecisionDeny, types.DecisionEscalate, types.DecisionMonitor:
		return policy
	default:
		o.log.Warn("", "", "Unknown fault policy, using MONITOR", map[string]interface{}{
			"agent_type": agentType,
			"configured": raw,
		})
		return types.DecisionMonitor
	}
}

// Start launches every registered agent's worker pool. Calling Start on a
// running orchestrator is a no-op; a stopped one cannot be restarted.
func (o *AgentOrchestrator) Start(_ context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch o.state {
	case stateRunning:
		return nil
	case stateStopped:
		return errs.Validation("orchestrator", "Start",
			"orchestrator was stopped and cannot be restarted", nil)
	}

	o.lifeCtx, o.cancel = context.WithCancel(context.Background())
	for _, reg := range o.registry {
		reg.pool.Start()
	}
	o.state = stateRunning

	o.log.Info("", "", "Orchestrator started", map[string]interface{}{
		"agents": len(o.registry),
	})
	return nil
}

// Stop refuses new submissions, drains the queues within ctx's grace, then
// cancels whatever is still in flight so those pipelines seal their trails
// with an interruption step. Stop is idempotent.
func (o *AgentOrchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if o.state != stateRunning {
		o.mu.Unlock()
		return nil
	}
	o.state = stateStopped
	regs := make([]*registration, 0, len(o.registry))
	for _, reg := range o.registry {
		regs = append(regs, reg)
	}
	cancel := o.cancel
	o.mu.Unlock()

	var firstErr error
	for _, reg := range regs {
		if err := reg.pool.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	// Unblock any run that outlived the grace window.
	cancel()

	for _, reg := range regs {
		if err := reg.agent.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	o.log.Info("", "", "Orchestrator stopped", map[string]interface{}{
		"agents":    len(regs),
		"submitted": o.submitted.Load(),
		"decisions": o.decisions.Load(),
		"faults":    o.faults.Load(),
	})
	return firstErr
}

// Submit validates the event, resolves the agents subscribed to its type,
// and enqueues one work item per agent across their bounded queues in a
// single all-or-nothing step. On backpressure nothing is enqueued anywhere.
func (o *AgentOrchestrator) Submit(ctx context.Context, event *types.Event) (*DecisionFuture, error) {
	if event == nil {
		o.metrics.RecordValidationReject()
		return nil, errs.Validation("orchestrator", "Submit", "event is required", nil)
	}
	if err := event.Validate(); err != nil {
		o.metrics.RecordValidationReject()
		promSubmitRejections.WithLabelValues("validation").Inc()
		return nil, err
	}

	o.mu.Lock()
	if o.state != stateRunning {
		o.mu.Unlock()
		return nil, errs.Internal("orchestrator", "Submit", "orchestrator is not running", nil)
	}
	subscribers := append([]*registration(nil), o.byType[event.Type]...)
	o.mu.Unlock()

	if len(subscribers) == 0 {
		o.metrics.RecordValidationReject()
		promSubmitRejections.WithLabelValues("validation").Inc()
		return nil, errs.Validation("orchestrator", "Submit",
			"no agents subscribe to "+string(event.Type)+" events", nil)
	}

	future := newDecisionFuture(event.EventID, len(subscribers))
	now := time.Now().UTC()
	queues := make([]*workqueue.Queue[*submission], len(subscribers))
	items := make([]*submission, len(subscribers))
	for i, reg := range subscribers {
		queues[i] = reg.queue
		items[i] = &submission{event: event, future: future, reg: reg, enqueuedAt: now}
	}

	if !workqueue.TryPushAll(queues, items) {
		o.rejected.Add(1)
		o.metrics.RecordBackpressureReject()
		promSubmitRejections.WithLabelValues("backpressure").Inc()
		return nil, errs.Backpressure("orchestrator", "Submit",
			fmt.Sprintf("queue full for at least one of %d agents subscribed to %s",
				len(subscribers), event.Type), nil)
	}

	o.submitted.Add(1)
	o.metrics.RecordSubmission(string(event.Type))
	promEventsSubmitted.WithLabelValues(string(event.Type)).Inc()
	for _, reg := range subscribers {
		promQueueDepth.WithLabelValues(reg.pool.Name()).Set(float64(reg.pool.QueueDepth()))
	}
	return future, nil
}

// emitDerived feeds agent-emitted events (escalation signals, anomaly
// alerts) back through the same fan-out path. Nobody waits on these
// futures; refusals are logged and dropped.
func (o *AgentOrchestrator) emitDerived(event *types.Event) {
	if event == nil {
		return
	}
	if _, err := o.Submit(context.Background(), event); err != nil {
		o.log.Warn(event.EventID, "", "Derived event dropped", map[string]interface{}{
			"event_type": string(event.Type),
			"reason":     err.Error(),
		})
	}
}

// process is the worker boundary: one agent run per call. Agent panics and
// unhandled errors become fault decisions; validation refusals complete the
// branch without a decision.
func (o *AgentOrchestrator) process(sub *submission) {
	reg := sub.reg
	agentType := reg.agent.AgentType()
	promQueueDepth.WithLabelValues(reg.pool.Name()).Set(float64(reg.pool.QueueDepth()))

	started := time.Now()
	decision, err := o.invoke(sub)
	elapsedMS := float64(time.Since(started).Microseconds()) / 1000.0

	switch {
	case err == nil && decision != nil:
		o.decisions.Add(1)
		o.metrics.RecordDecision(agentType, string(decision.Type), elapsedMS)
		promDecisions.WithLabelValues(agentType, string(decision.Type)).Inc()
		promDecisionDuration.WithLabelValues(agentType).Observe(elapsedMS)
		sub.future.resolve(decision)

	case err == nil:
		// The agent chose not to judge this event.
		o.declined.Add(1)
		sub.future.resolve(nil)

	case errs.IsValidation(err):
		// Not this agent's event (wrong shape, or its own derived signal).
		o.declined.Add(1)
		o.log.Debug(sub.event.EventID, "", "Agent declined event", map[string]interface{}{
			"agent_id": reg.agent.AgentID(),
			"reason":   err.Error(),
		})
		sub.future.resolve(nil)

	default:
		sub.future.resolve(o.fault(sub, err))
	}
}

// invoke runs the agent with the orchestrator's life context and converts a
// panic into an internal error so the worker loop never dies.
func (o *AgentOrchestrator) invoke(sub *submission) (decision *types.Decision, err error) {
	defer func() {
		if r := recover(); r != nil {
			decision = nil
			err = errs.Internal("orchestrator", "invoke",
				fmt.Sprintf("agent %s panicked: %v", sub.reg.agent.AgentID(), r), nil)
		}
	}()
	return sub.reg.agent.OnEvent(o.lifeCtx, sub.event)
}

// recovered is the pool-level backstop for panics escaping process itself.
// It completes the branch so no future is left hanging.
func (o *AgentOrchestrator) recovered(sub *submission, cause interface{}) {
	err := errs.Internal("orchestrator", "process",
		fmt.Sprintf("worker panicked processing event %s: %v", sub.event.EventID, cause), nil)
	sub.future.resolve(o.fault(sub, err))
}

// fault builds the conservative decision an agent failure surfaces as. The
// decision type follows the per-agent-type fault policy; confidence is
// pinned to VERY_LOW and the reasoning carries the fault.
func (o *AgentOrchestrator) fault(sub *submission, cause error) *types.Decision {
	reg := sub.reg
	agentType := reg.agent.AgentType()

	o.faults.Add(1)
	o.metrics.RecordFault(agentType)
	promAgentFaults.WithLabelValues(agentType).Inc()

	o.log.ErrorWithErr(sub.event.EventID, "", "Agent run failed, emitting fault decision", cause, map[string]interface{}{
		"agent_id":     reg.agent.AgentID(),
		"agent_type":   agentType,
		"fault_policy": string(reg.faultPolicy),
	})
	if o.deps.Activity != nil {
		o.deps.Activity.Record(activity.Activity{
			ActivityID:  uuid.New().String(),
			AgentType:   agentType,
			Type:        "AGENT_FAULT",
			Severity:    string(types.SeverityHigh),
			Description: "Agent run replaced by fault decision: " + cause.Error(),
			Details: map[string]interface{}{
				"event_id":     sub.event.EventID,
				"agent_id":     reg.agent.AgentID(),
				"fault_policy": string(reg.faultPolicy),
			},
			OccurredAt: time.Now().UTC(),
		})
	}

	now := time.Now().UTC()
	return &types.Decision{
		DecisionID: uuid.New().String(),
		EventID:    sub.event.EventID,
		AgentID:    reg.agent.AgentID(),
		Type:       reg.faultPolicy,
		Confidence: types.ConfidenceVeryLow,
		Reasoning: []types.Reasoning{{
			Factor:   "agent_fault",
			Evidence: cause.Error(),
			Weight:   1.0,
			Source:   "orchestrator",
		}},
		RiskAssessment: types.RiskAssessment{
			RiskScore:      0.5,
			RiskLevel:      "MEDIUM",
			RiskFactors:    []string{"agent_fault"},
			AssessmentTime: now,
		},
		CreatedAt: now,
	}
}

// Status reports the lifecycle snapshot.
func (o *AgentOrchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()

	s := Status{}
	if o.state == stateRunning {
		s.ActiveAgents = len(o.registry)
	}
	for _, reg := range o.registry {
		s.InFlightEvents += reg.pool.InFlight()
		s.QueueDepth += reg.pool.QueueDepth()
	}
	return s
}

// GetStats reports the orchestrator's counters plus per-agent queue state.
func (o *AgentOrchestrator) GetStats() map[string]interface{} {
	o.mu.Lock()
	perAgent := make(map[string]interface{}, len(o.registry))
	for id, reg := range o.registry {
		perAgent[id] = map[string]interface{}{
			"agent_type":   reg.agent.AgentType(),
			"queue_depth":  reg.pool.QueueDepth(),
			"in_flight":    reg.pool.InFlight(),
			"workers":      reg.pool.Size(),
			"fault_policy": string(reg.faultPolicy),
		}
	}
	running := o.state == stateRunning
	o.mu.Unlock()

	return map[string]interface{}{
		"running":                 running,
		"events_submitted":        o.submitted.Load(),
		"decisions_emitted":       o.decisions.Load(),
		"branches_declined":       o.declined.Load(),
		"agent_faults":            o.faults.Load(),
		"backpressure_rejections": o.rejected.Load(),
		"agents":                  perAgent,
	}
}

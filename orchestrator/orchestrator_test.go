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
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/gaigenticai/regulens/agents"
	"github.com/gaigenticai/regulens/shared/errs"
	"github.com/gaigenticai/regulens/shared/types"
)

// stubAgent is a scriptable ComplianceAgent. With a gate set, OnEvent parks
// until the gate closes; the started channel reports each worker pickup.
type stubAgent struct {
	id        string
	agentType string
	subs      []types.EventType

	gate    chan struct{}
	started chan struct{}
	initErr error
	decide  func(event *types.Event) (*types.Decision, error)

	mu        sync.Mutex
	deps      *agents.Dependencies
	seen      []*types.Event
	shutdowns int
}

func newStubAgent(id string, subs ...types.EventType) *stubAgent {
	return &stubAgent{id: id, agentType: "STUB_AGENT", subs: subs}
}

func (a *stubAgent) AgentID() string              { return a.id }
func (a *stubAgent) AgentType() string            { return a.agentType }
func (a *stubAgent) EventTypes() []types.EventType { return a.subs }

func (a *stubAgent) Initialize(_ context.Context, deps *agents.Dependencies, _ agents.AgentConfig) error {
	if a.initErr != nil {
		return a.initErr
	}
	a.mu.Lock()
	a.deps = deps
	a.mu.Unlock()
	return nil
}

func (a *stubAgent) OnEvent(ctx context.Context, event *types.Event) (*types.Decision, error) {
	a.mu.Lock()
	a.seen = append(a.seen, event)
	a.mu.Unlock()

	if a.started != nil {
		a.started <- struct{}{}
	}
	if a.gate != nil {
		select {
		case <-a.gate:
		case <-ctx.Done():
			return nil, errs.Timeout("stub", "OnEvent", "interrupted", ctx.Err())
		}
	}
	if a.decide != nil {
		return a.decide(event)
	}
	return stubDecision(a.id, event, types.DecisionApprove), nil
}

func (a *stubAgent) Shutdown(context.Context) error {
	a.mu.Lock()
	a.shutdowns++
	a.mu.Unlock()
	return nil
}

func (a *stubAgent) seenCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.seen)
}

func (a *stubAgent) seenIDs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, len(a.seen))
	for i, e := range a.seen {
		ids[i] = e.EventID
	}
	return ids
}

func (a *stubAgent) capturedDeps() *agents.Dependencies {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.deps
}

func stubDecision(agentID string, event *types.Event, dt types.DecisionType) *types.Decision {
	now := time.Now().UTC()
	return &types.Decision{
		DecisionID: uuid.New().String(),
		EventID:    event.EventID,
		AgentID:    agentID,
		Type:       dt,
		Confidence: types.ConfidenceHigh,
		RiskAssessment: types.RiskAssessment{
			RiskScore:      0.1,
			RiskLevel:      "LOW",
			AssessmentTime: now,
		},
		CreatedAt: now,
	}
}

func stubEvent(id string, et types.EventType) *types.Event {
	return &types.Event{
		EventID:     id,
		Type:        et,
		Severity:    types.SeverityLow,
		Source:      types.EventSource{System: "test-harness", Type: "UNIT", Origin: "tester"},
		Description: "synthetic event",
		Metadata:    map[string]interface{}{},
		OccurredAt:  time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC),
	}
}

func newTestOrchestrator(t *testing.T, cfg Config, fleet ...agents.ComplianceAgent) *AgentOrchestrator {
	t.Helper()

	orch := New(cfg, &agents.Dependencies{})
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
	})
	return orch
}

func waitDecisions(t *testing.T, future *DecisionFuture) []*types.Decision {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	decisions, err := future.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait(%s): %v", future.EventID(), err)
	}
	return decisions
}

func TestRegisterAgentValidations(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()

	t.Run("nil agent", func(t *testing.T) {
		orch := New(cfg, nil)
		if err := orch.RegisterAgent(ctx, nil, agents.DefaultAgentConfig()); !errs.IsValidation(err) {
			t.Errorf("RegisterAgent(nil) = %v, want a validation error", err)
		}
	})

	t.Run("duplicate id", func(t *testing.T) {
		orch := New(cfg, nil)
		if err := orch.RegisterAgent(ctx, newStubAgent("twin", types.EventTransaction), agents.DefaultAgentConfig()); err != nil {
			t.Fatalf("first RegisterAgent: %v", err)
		}
		err := orch.RegisterAgent(ctx, newStubAgent("twin", types.EventTransaction), agents.DefaultAgentConfig())
		if !errs.IsValidation(err) {
			t.Errorf("duplicate RegisterAgent = %v, want a validation error", err)
		}
	})

	t.Run("no event types", func(t *testing.T) {
		orch := New(cfg, nil)
		if err := orch.RegisterAgent(ctx, newStubAgent("deaf"), agents.DefaultAgentConfig()); !errs.IsValidation(err) {
			t.Errorf("RegisterAgent with no subscriptions = %v, want a validation error", err)
		}
	})

	t.Run("initialize failure propagates", func(t *testing.T) {
		orch := New(cfg, nil)
		broken := newStubAgent("broken", types.EventTransaction)
		broken.initErr = errs.Internal("stub", "Initialize", "no database", nil)
		if err := orch.RegisterAgent(ctx, broken, agents.DefaultAgentConfig()); !errs.IsKind(err, errs.KindInternal) {
			t.Errorf("RegisterAgent = %v, want the Initialize error", err)
		}
	})

	t.Run("after start", func(t *testing.T) {
		orch := newTestOrchestrator(t, cfg, newStubAgent("early", types.EventTransaction))
		err := orch.RegisterAgent(ctx, newStubAgent("late", types.EventTransaction), agents.DefaultAgentConfig())
		if !errs.IsValidation(err) {
			t.Errorf("RegisterAgent after Start = %v, want a validation error", err)
		}
	})
}

func TestSubmitFansOutToAllSubscribers(t *testing.T) {
	first := newStubAgent("stub-1", types.EventTransaction)
	second := newStubAgent("stub-2", types.EventTransaction, types.EventComplianceSignal)
	orch := newTestOrchestrator(t, DefaultConfig(), first, second)

	future, err := orch.Submit(context.Background(), stubEvent("evt-fan", types.EventTransaction))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	decisions := waitDecisions(t, future)
	if len(decisions) != 2 {
		t.Fatalf("got %d decisions, want 2", len(decisions))
	}
	byAgent := map[string]bool{}
	for _, d := range decisions {
		if d.EventID != "evt-fan" {
			t.Errorf("decision %s carries event %s, want evt-fan", d.DecisionID, d.EventID)
		}
		byAgent[d.AgentID] = true
	}
	if !byAgent["stub-1"] || !byAgent["stub-2"] {
		t.Errorf("decisions came from %v, want both stubs", byAgent)
	}

	stats := orch.GetStats()
	if stats["events_submitted"] != int64(1) || stats["decisions_emitted"] != int64(2) {
		t.Errorf("stats = %v", stats)
	}
}

func TestSubmitValidations(t *testing.T) {
	orch := newTestOrchestrator(t, DefaultConfig(), newStubAgent("stub", types.EventTransaction))
	ctx := context.Background()

	if _, err := orch.Submit(ctx, nil); !errs.IsValidation(err) {
		t.Errorf("Submit(nil) = %v, want a validation error", err)
	}

	bad := stubEvent("evt-bad", types.EventTransaction)
	bad.OccurredAt = time.Time{}
	if _, err := orch.Submit(ctx, bad); !errs.IsValidation(err) {
		t.Errorf("Submit with zero occurred_at = %v, want a validation error", err)
	}

	if _, err := orch.Submit(ctx, stubEvent("evt-orphan", types.EventRegulatoryChange)); !errs.IsValidation(err) {
		t.Errorf("Submit with no subscribers = %v, want a validation error", err)
	}

	metrics := orch.Metrics().GetMetrics()
	if metrics.Events.ValidationRejects != 3 {
		t.Errorf("validation rejects = %d, want 3", metrics.Events.ValidationRejects)
	}
}

func TestSubmitBeforeStartFails(t *testing.T) {
	orch := New(DefaultConfig(), nil)
	if err := orch.RegisterAgent(context.Background(), newStubAgent("stub", types.EventTransaction), agents.DefaultAgentConfig()); err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}

	_, err := orch.Submit(context.Background(), stubEvent("evt-early", types.EventTransaction))
	if !errs.IsKind(err, errs.KindInternal) {
		t.Errorf("Submit before Start = %v, want an internal error", err)
	}
}

func TestSubmitBackpressureIsAllOrNothing(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QueueCapacity = 1
	cfg.WorkersPerAgent = 1

	first := newStubAgent("gated-1", types.EventTransaction)
	first.gate = make(chan struct{})
	first.started = make(chan struct{}, 16)
	second := newStubAgent("gated-2", types.EventTransaction)
	second.gate = make(chan struct{})
	second.started = make(chan struct{}, 16)

	orch := newTestOrchestrator(t, cfg, first, second)
	ctx := context.Background()

	// Both workers pick up the first event and park on their gates.
	futureA, err := orch.Submit(ctx, stubEvent("evt-a", types.EventTransaction))
	if err != nil {
		t.Fatalf("Submit evt-a: %v", err)
	}
	<-first.started
	<-second.started

	// The second event fills both single-slot queues.
	futureB, err := orch.Submit(ctx, stubEvent("evt-b", types.EventTransaction))
	if err != nil {
		t.Fatalf("Submit evt-b: %v", err)
	}

	if _, err := orch.Submit(ctx, stubEvent("evt-c", types.EventTransaction)); !errs.IsBackpressure(err) {
		t.Fatalf("Submit evt-c = %v, want a backpressure error", err)
	}

	// Drain the first agent completely. Its queue is empty again, but the
	// second agent's queue is still full, so the push must land nowhere.
	close(first.gate)
	deadline := time.Now().Add(3 * time.Second)
	for first.seenCount() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("first agent never drained its queue")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := orch.Submit(ctx, stubEvent("evt-d", types.EventTransaction)); !errs.IsBackpressure(err) {
		t.Fatalf("Submit evt-d = %v, want a backpressure error", err)
	}

	close(second.gate)
	if got := len(waitDecisions(t, futureA)); got != 2 {
		t.Errorf("evt-a resolved with %d decisions, want 2", got)
	}
	if got := len(waitDecisions(t, futureB)); got != 2 {
		t.Errorf("evt-b resolved with %d decisions, want 2", got)
	}

	// evt-d never reached the first agent even though it had room.
	if ids := first.seenIDs(); len(ids) != 2 || ids[0] != "evt-a" || ids[1] != "evt-b" {
		t.Errorf("first agent saw %v, want [evt-a evt-b]", ids)
	}
	if got := orch.GetStats()["backpressure_rejections"]; got != int64(2) {
		t.Errorf("backpressure_rejections = %v, want 2", got)
	}
}

func TestAgentPanicBecomesFaultDecision(t *testing.T) {
	stub := newStubAgent("panicky", types.EventTransaction)
	stub.decide = func(*types.Event) (*types.Decision, error) {
		panic("corrupted profile cache")
	}
	orch := newTestOrchestrator(t, DefaultConfig(), stub)

	future, err := orch.Submit(context.Background(), stubEvent("evt-boom", types.EventTransaction))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	decisions := waitDecisions(t, future)
	if len(decisions) != 1 {
		t.Fatalf("got %d decisions, want 1 fault decision", len(decisions))
	}
	fault := decisions[0]
	if fault.Type != types.DecisionMonitor {
		t.Errorf("fault decision = %s, want the MONITOR default", fault.Type)
	}
	if fault.Confidence != types.ConfidenceVeryLow {
		t.Errorf("fault confidence = %s, want VERY_LOW", fault.Confidence)
	}
	if len(fault.Reasoning) != 1 || fault.Reasoning[0].Factor != "agent_fault" {
		t.Errorf("fault reasoning = %+v", fault.Reasoning)
	}
	if fault.EventID != "evt-boom" || fault.AgentID != "panicky" {
		t.Errorf("fault identity fields wrong: %+v", fault)
	}

	if got := orch.GetStats()["agent_faults"]; got != int64(1) {
		t.Errorf("agent_faults = %v, want 1", got)
	}
}

func TestFaultPolicyConfiguration(t *testing.T) {
	tests := []struct {
		name     string
		policies map[string]string
		want     types.DecisionType
	}{
		{"configured deny", map[string]string{"STUB_AGENT": "deny"}, types.DecisionDeny},
		{"configured escalate", map[string]string{"STUB_AGENT": "ESCALATE"}, types.DecisionEscalate},
		{"unknown falls back to monitor", map[string]string{"STUB_AGENT": "PARANOID"}, types.DecisionMonitor},
		{"unconfigured defaults to monitor", nil, types.DecisionMonitor},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.FaultPolicies = tt.policies

			stub := newStubAgent("faulty", types.EventTransaction)
			stub.decide = func(*types.Event) (*types.Decision, error) {
				return nil, errs.Internal("stub", "OnEvent", "downstream exploded", nil)
			}
			orch := newTestOrchestrator(t, cfg, stub)

			future, err := orch.Submit(context.Background(), stubEvent("evt-fault", types.EventTransaction))
			if err != nil {
				t.Fatalf("Submit: %v", err)
			}
			decisions := waitDecisions(t, future)
			if len(decisions) != 1 || decisions[0].Type != tt.want {
				t.Errorf("fault decision = %+v, want type %s", decisions, tt.want)
			}
		})
	}
}

func TestValidationDeclineSkipsBranch(t *testing.T) {
	judge := newStubAgent("judge", types.EventTransaction)
	refuser := newStubAgent("refuser", types.EventTransaction)
	refuser.decide = func(*types.Event) (*types.Decision, error) {
		return nil, errs.Validation("stub", "OnEvent", "not my event shape", nil)
	}
	orch := newTestOrchestrator(t, DefaultConfig(), judge, refuser)

	future, err := orch.Submit(context.Background(), stubEvent("evt-split", types.EventTransaction))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	decisions := waitDecisions(t, future)
	if len(decisions) != 1 || decisions[0].AgentID != "judge" {
		t.Fatalf("decisions = %+v, want exactly the judge's", decisions)
	}

	stats := orch.GetStats()
	if stats["branches_declined"] != int64(1) {
		t.Errorf("branches_declined = %v, want 1", stats["branches_declined"])
	}
	if stats["agent_faults"] != int64(0) {
		t.Errorf("a decline must not count as a fault: %v", stats["agent_faults"])
	}
}

func TestDerivedEventsReachSubscribers(t *testing.T) {
	watcher := newStubAgent("watcher", types.EventComplianceSignal)
	watcher.agentType = "STUB_WATCHER"

	emitter := newStubAgent("emitter", types.EventTransaction)
	emitter.decide = func(event *types.Event) (*types.Decision, error) {
		signal := stubEvent("evt-derived-"+event.EventID, types.EventComplianceSignal)
		signal.OccurredAt = time.Now().UTC()
		emitter.capturedDeps().EmitEvent(signal)
		return stubDecision(emitter.id, event, types.DecisionDeny), nil
	}

	orch := newTestOrchestrator(t, DefaultConfig(), emitter, watcher)

	future, err := orch.Submit(context.Background(), stubEvent("evt-origin", types.EventTransaction))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitDecisions(t, future)

	// Nobody waits on derived futures; poll until the signal lands.
	deadline := time.Now().Add(3 * time.Second)
	for watcher.seenCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("derived signal never reached the watcher")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if ids := watcher.seenIDs(); ids[0] != "evt-derived-evt-origin" {
		t.Errorf("watcher saw %v", ids)
	}
}

func TestStopDrainsQueuedWork(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WorkersPerAgent = 1

	stub := newStubAgent("drainer", types.EventTransaction)
	stub.gate = make(chan struct{})
	stub.started = make(chan struct{}, 16)
	orch := newTestOrchestrator(t, cfg, stub)
	ctx := context.Background()

	futureA, err := orch.Submit(ctx, stubEvent("evt-a", types.EventTransaction))
	if err != nil {
		t.Fatalf("Submit evt-a: %v", err)
	}
	<-stub.started
	futureB, err := orch.Submit(ctx, stubEvent("evt-b", types.EventTransaction))
	if err != nil {
		t.Fatalf("Submit evt-b: %v", err)
	}

	close(stub.gate)
	stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := orch.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	// Both events were decided before Stop returned.
	if got := len(waitDecisions(t, futureA)); got != 1 {
		t.Errorf("evt-a resolved with %d decisions, want 1", got)
	}
	if got := len(waitDecisions(t, futureB)); got != 1 {
		t.Errorf("evt-b resolved with %d decisions, want 1", got)
	}
	if stub.shutdowns != 1 {
		t.Errorf("agent shut down %d times, want 1", stub.shutdowns)
	}
}

func TestStopIsIdempotentAndFinal(t *testing.T) {
	orch := newTestOrchestrator(t, DefaultConfig(), newStubAgent("stub", types.EventTransaction))
	ctx := context.Background()

	if err := orch.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := orch.Stop(ctx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}

	if _, err := orch.Submit(ctx, stubEvent("evt-late", types.EventTransaction)); err == nil {
		t.Error("Submit after Stop must fail")
	}
	if err := orch.Start(ctx); !errs.IsValidation(err) {
		t.Errorf("Start after Stop = %v, want a validation error", err)
	}
}

func TestWaitRespectsCallerDeadline(t *testing.T) {
	stub := newStubAgent("slow", types.EventTransaction)
	stub.gate = make(chan struct{})
	orch := newTestOrchestrator(t, DefaultConfig(), stub)

	future, err := orch.Submit(context.Background(), stubEvent("evt-slow", types.EventTransaction))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := future.Wait(ctx); !errs.IsTimeout(err) {
		t.Errorf("Wait = %v, want a timeout error", err)
	}

	// The branch still completes once the agent unblocks.
	close(stub.gate)
	if got := len(waitDecisions(t, future)); got != 1 {
		t.Errorf("late Wait returned %d decisions, want 1", got)
	}
}

func TestStatusReflectsLifecycle(t *testing.T) {
	orch := New(DefaultConfig(), nil)
	for _, id := range []string{"stub-1", "stub-2"} {
		if err := orch.RegisterAgent(context.Background(), newStubAgent(id, types.EventTransaction), agents.DefaultAgentConfig()); err != nil {
			t.Fatalf("RegisterAgent(%s): %v", id, err)
		}
	}

	if got := orch.Status(); got.ActiveAgents != 0 {
		t.Errorf("before Start: active_agents = %d, want 0", got.ActiveAgents)
	}

	if err := orch.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := orch.Status(); got.ActiveAgents != 2 {
		t.Errorf("after Start: active_agents = %d, want 2", got.ActiveAgents)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := orch.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := orch.Status(); got.ActiveAgents != 0 {
		t.Errorf("after Stop: active_agents = %d, want 0", got.ActiveAgents)
	}
}

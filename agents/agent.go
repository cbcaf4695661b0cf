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

// Package agents implements the three compliance agents that turn incoming
// events into audited decisions: the Transaction Guardian for financial
// transactions, the Audit Intelligence agent for decision-quality anomaly
// detection, and the Regulatory Assessor for regulatory change impact.
//
// Every agent runs its reasoning through a shared step pipeline that records
// each stage in the decision audit trail, degrades gracefully when a
// dependency fails, and never returns an unexplained decision.
package agents

import (
	"context"

	"github.com/gaigenticai/regulens/activity"
	"github.com/gaigenticai/regulens/audit"
	"github.com/gaigenticai/regulens/llm"
	"github.com/gaigenticai/regulens/resilience"
	"github.com/gaigenticai/regulens/rules"
	"github.com/gaigenticai/regulens/shared/types"
	"github.com/gaigenticai/regulens/store"
)

// Agent type identifiers, used for audit attribution, configuration rows,
// and queue routing.
const (
	TypeTransactionGuardian = "TRANSACTION_GUARDIAN"
	TypeAuditIntelligence   = "AUDIT_INTELLIGENCE"
	TypeRegulatoryAssessor  = "REGULATORY_ASSESSOR"
)

// Dependencies carries the shared services an agent needs. The orchestrator
// builds one set and hands it to every agent at Initialize time; agents must
// tolerate nil optional members (LLM, Store, Activity) by degrading.
type Dependencies struct {
	Audit    *audit.TrailManager
	Rules    *rules.Engine
	LLM      llm.Provider
	Profiles *ProfileStore
	Activity *activity.Feed
	Store    *store.Store

	// DataBreaker guards customer data lookups, LLMBreaker guards inference.
	DataBreaker *resilience.Breaker
	LLMBreaker  *resilience.Breaker

	// EmitEvent feeds a derived event back into the platform, e.g. the
	// SUSPICIOUS_TRANSACTION signal the guardian raises for the audit
	// intelligence agent. Never blocks; nil means derived events are dropped.
	EmitEvent func(*types.Event)
}

// ComplianceAgent is the contract every agent implements. OnEvent is the
// hot path: it must return a decision for every event it accepts, even if
// that decision is a degraded MONITOR produced from fallbacks.
type ComplianceAgent interface {
	// AgentID returns the stable instance identifier (unique per process).
	AgentID() string

	// AgentType returns one of the Type* constants.
	AgentType() string

	// EventTypes lists the event types this agent subscribes to.
	EventTypes() []types.EventType

	// Initialize prepares the agent. It is called once before any OnEvent.
	Initialize(ctx context.Context, deps *Dependencies, cfg AgentConfig) error

	// OnEvent processes one event and returns the resulting decision.
	// A nil decision is only legal together with a non-nil error.
	OnEvent(ctx context.Context, event *types.Event) (*types.Decision, error)

	// Shutdown stops background work and releases resources.
	Shutdown(ctx context.Context) error
}

// emitDerived forwards a derived event when an emitter is wired.
func (d *Dependencies) emitDerived(event *types.Event) {
	if d != nil && d.EmitEvent != nil && event != nil {
		d.EmitEvent(event)
	}
}

// recordActivity posts to the operator feed when one is wired.
func (d *Dependencies) recordActivity(a activity.Activity) {
	if d != nil && d.Activity != nil {
		d.Activity.Record(a)
	}
}

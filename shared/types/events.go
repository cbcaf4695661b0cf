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

import (
	"time"

	"github.com/gaigenticai/regulens/shared/errs"
)

// EventType classifies an inbound signal.
type EventType string

const (
	EventTransaction      EventType = "TRANSACTION"
	EventAuditRecord      EventType = "AUDIT_RECORD"
	EventRegulatoryChange EventType = "REGULATORY_CHANGE"
	EventComplianceSignal EventType = "COMPLIANCE_SIGNAL"
)

// String returns the string representation of the EventType.
func (t EventType) String() string {
	return string(t)
}

// IsValid returns true if the EventType is a valid known value.
func (t EventType) IsValid() bool {
	switch t {
	case EventTransaction, EventAuditRecord, EventRegulatoryChange, EventComplianceSignal:
		return true
	default:
		return false
	}
}

// Severity grades how serious an event is.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// String returns the string representation of the Severity.
func (s Severity) String() string {
	return string(s)
}

// IsValid returns true if the Severity is a valid known value.
func (s Severity) IsValid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	default:
		return false
	}
}

// EventSource identifies where an event came from.
type EventSource struct {
	System string `json:"system"`
	Type   string `json:"type"`
	Origin string `json:"origin"`
}

// Event is an inbound signal to be judged by compliance agents.
type Event struct {
	EventID     string                 `json:"event_id"`
	Type        EventType              `json:"type"`
	Severity    Severity               `json:"severity"`
	Source      EventSource            `json:"source"`
	Description string                 `json:"description"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	OccurredAt  time.Time              `json:"occurred_at"`
}

// Validate checks the fields every consumer depends on.
func (e *Event) Validate() error {
	if e.EventID == "" {
		return errs.Validation("event", "Validate", "event_id is required", nil)
	}
	if !e.Type.IsValid() {
		return errs.Validation("event", "Validate", "unknown event type: "+string(e.Type), nil)
	}
	if !e.Severity.IsValid() {
		return errs.Validation("event", "Validate", "unknown severity: "+string(e.Severity), nil)
	}
	if e.OccurredAt.IsZero() {
		return errs.Validation("event", "Validate", "occurred_at is required", nil)
	}
	return nil
}

// MetaString reads a string field from event metadata, returning "" when
// missing or not a string.
func (e *Event) MetaString(key string) string {
	if e.Metadata == nil {
		return ""
	}
	if v, ok := e.Metadata[key].(string); ok {
		return v
	}
	return ""
}

// MetaFloat reads a numeric field from event metadata. JSON decoding yields
// float64; integer literals from tests are accepted too.
func (e *Event) MetaFloat(key string) (float64, bool) {
	if e.Metadata == nil {
		return 0, false
	}
	switch v := e.Metadata[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

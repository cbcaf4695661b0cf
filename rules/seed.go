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

package rules

import "context"

// DefaultRules returns the built-in compliance rule set. Field paths match
// the entity data the compliance agents assemble: transaction fields at the
// top level, customer attributes under "customer.", rolling velocity
// counters under "velocity.".
func DefaultRules() []*Rule {
	return []*Rule{
		{
			RuleID:      "SYS-SANCTIONS-001",
			Name:        "Sanctioned counterparty",
			Category:    CategoryComplianceCheck,
			Severity:    "CRITICAL",
			Description: "Blocks transactions involving a sanctioned customer or counterparty",
			Conditions: []Condition{
				{FieldPath: "customer.sanctioned", Operator: OpEquals, Value: true, Weight: 1.0},
			},
			Action:         ActionDeny,
			ThresholdScore: 0.9,
			Tags:           []string{"system", "sanctions", "aml"},
			Enabled:        true,
		},
		{
			RuleID:      "SYS-SANCTIONS-002",
			Name:        "Sanctioned destination country",
			Category:    CategoryComplianceCheck,
			Severity:    "CRITICAL",
			Description: "Blocks transactions routed to a sanctioned jurisdiction",
			Conditions: []Condition{
				{FieldPath: "counterparty_country", Operator: OpInArray, Value: []string{"IR", "KP", "SY", "CU"}, Weight: 1.0},
			},
			Action:         ActionDeny,
			ThresholdScore: 0.9,
			Tags:           []string{"system", "sanctions", "geo"},
			Enabled:        true,
		},
		{
			RuleID:      "SYS-AML-001",
			Name:        "Structuring pattern",
			Category:    CategoryComplianceCheck,
			Severity:    "HIGH",
			Description: "Repeated amounts just under the reporting threshold",
			Conditions: []Condition{
				{FieldPath: "amount", Operator: OpGreaterThan, Value: 9000, Weight: 0.4},
				{FieldPath: "amount", Operator: OpLessThan, Value: 10000, Weight: 0.3},
				{FieldPath: "velocity.count_24h", Operator: OpGreaterThan, Value: 2, Weight: 0.3},
			},
			Action:         ActionEscalate,
			ThresholdScore: 0.7,
			Tags:           []string{"system", "aml", "structuring"},
			Enabled:        true,
		},
		{
			RuleID:      "SYS-FRAUD-001",
			Name:        "Large transaction",
			Category:    CategoryFraudDetection,
			Severity:    "HIGH",
			Description: "Single transaction above the review ceiling",
			Conditions: []Condition{
				{FieldPath: "amount", Operator: OpGreaterThan, Value: 100000, Weight: 1.0},
			},
			Action:         ActionEscalate,
			ThresholdScore: 0.9,
			Tags:           []string{"system", "fraud"},
			Enabled:        true,
		},
		{
			RuleID:      "SYS-FRAUD-002",
			Name:        "Velocity spike",
			Category:    CategoryFraudDetection,
			Severity:    "HIGH",
			Description: "Burst of transactions well above the customer's normal rate",
			Conditions: []Condition{
				{FieldPath: "velocity.count_1h", Operator: OpGreaterThan, Value: 5, Weight: 0.5},
				{FieldPath: "velocity.ratio", Operator: OpGreaterThan, Value: 3, Weight: 0.5},
			},
			Action:         ActionAlert,
			ThresholdScore: 0.9,
			Tags:           []string{"system", "fraud", "velocity"},
			Enabled:        true,
		},
		{
			RuleID:      "SYS-REG-001",
			Name:        "Urgent regulatory change",
			Category:    CategoryComplianceCheck,
			Severity:    "HIGH",
			Description: "High-severity regulatory changes require assessment",
			Conditions: []Condition{
				{FieldPath: "event_type", Operator: OpEquals, Value: "REGULATORY_CHANGE", Weight: 0.5},
				{FieldPath: "severity", Operator: OpInArray, Value: []string{"HIGH", "CRITICAL"}, Weight: 0.5},
			},
			Action:         ActionEscalate,
			ThresholdScore: 0.9,
			Tags:           []string{"system", "regulatory"},
			Enabled:        true,
		},
		{
			RuleID:      "SYS-SEC-001",
			Name:        "Suspicious narrative",
			Category:    CategorySecurityPolicy,
			Severity:    "MEDIUM",
			Description: "Free-text description mentions known evasion language",
			Conditions: []Condition{
				{FieldPath: "description", Operator: OpRegex, Value: `(?i)(fraud|launder|shell\s+company|off.?shore)`, Weight: 1.0},
			},
			Action:         ActionMonitor,
			ThresholdScore: 0.9,
			Tags:           []string{"system", "security"},
			Enabled:        true,
		},
	}
}

// SeedDefaults installs any built-in rules not already present. Returns the
// number of rules created.
func (e *Engine) SeedDefaults(ctx context.Context) (int, error) {
	seeded := 0
	for _, rule := range DefaultRules() {
		if _, err := e.GetRule(rule.RuleID); err == nil {
			continue
		}
		if err := e.CreateRule(ctx, rule); err != nil {
			return seeded, err
		}
		seeded++
	}

	if seeded > 0 {
		e.log.Info("", "", "Seeded built-in rules", map[string]interface{}{
			"count": seeded,
		})
	}
	return seeded, nil
}
